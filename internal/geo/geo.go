package geo

import (
	"math"
	"sync"
	"time"

	"github.com/example/field-dispatch/internal/models"
)

// Index is the minimal worker-location interface required by the selector
// and handlers.
type Index interface {
	// Nearby returns up to limit on-shift workers within radiusM meters
	// of the point, closest first. radiusM <= 0 means unbounded.
	Nearby(lat, lon, radiusM float64, limit int) []models.Worker
	Upsert(w models.Worker)
	Get(id string) (models.Worker, bool)
}

type MemoryIndex struct {
	mu      sync.RWMutex
	workers map[string]models.Worker
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{workers: make(map[string]models.Worker)}
}

func (g *MemoryIndex) Upsert(w models.Worker) {
	g.mu.Lock()
	defer g.mu.Unlock()
	w.Updated = time.Now()
	g.workers[w.ID] = w
}

func (g *MemoryIndex) Get(id string) (models.Worker, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	w, ok := g.workers[id]
	return w, ok
}

// naive scan; in prod use geo-hash or H3
func (g *MemoryIndex) Nearby(lat, lon, radiusM float64, limit int) []models.Worker {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		w    models.Worker
		dist float64
	}
	arr := make([]pair, 0, len(g.workers))
	for _, w := range g.workers {
		if !w.OnShift {
			continue
		}
		dist := Haversine(lat, lon, w.Loc.Lat, w.Loc.Lon)
		if radiusM > 0 && dist > radiusM {
			continue
		}
		arr = append(arr, pair{w, dist})
	}
	// partial selection sort for top-N
	n := limit
	if n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].dist < arr[minIdx].dist {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	out := make([]models.Worker, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, arr[i].w)
	}
	return out
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// Dist is Haversine over Coord values.
func Dist(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}

// ValidCoord reports whether c is a usable WGS84 coordinate.
func ValidCoord(c models.Coord) bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}
