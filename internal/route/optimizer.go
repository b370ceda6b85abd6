package route

import (
	"github.com/example/field-dispatch/internal/eta"
	"github.com/example/field-dispatch/internal/geo"
	"github.com/example/field-dispatch/internal/models"
)

// Stop is one job location to visit.
type Stop struct {
	JobID string
	Loc   models.Coord
}

// Optimizer orders a worker's accepted jobs by greedy nearest-neighbor.
// This is a heuristic, not an exact TSP solution: it picks the closest
// unvisited stop at each step, which is O(n^2) and can be a few percent
// worse than optimal, acceptable for the single-digit stop counts
// workers actually hold.
type Optimizer struct {
	// SpeedMps converts leg distance to a time estimate when no ETA
	// client is configured.
	SpeedMps float64
	// ETA optionally refines leg times via a routing engine.
	ETA eta.Client
	// Cache avoids repeated routing-engine lookups.
	Cache *eta.Cache
}

// Plan visits every stop starting from start. Zero stops yield an empty
// plan. Stops at identical coordinates produce zero-length legs and keep
// their input order.
func (o *Optimizer) Plan(start models.Coord, stops []Stop) models.RoutePlan {
	plan := models.RoutePlan{Start: start, Legs: make([]models.RouteLeg, 0, len(stops))}
	remaining := make([]Stop, len(stops))
	copy(remaining, stops)

	pos := start
	for len(remaining) > 0 {
		best := 0
		bestDist := geo.Dist(pos, remaining[0].Loc)
		for i := 1; i < len(remaining); i++ {
			// strictly-less keeps input order on equal distances
			if d := geo.Dist(pos, remaining[i].Loc); d < bestDist {
				best, bestDist = i, d
			}
		}
		next := remaining[best]
		remaining = append(remaining[:best], remaining[best+1:]...)

		legSeconds := o.legSeconds(pos, next.Loc)
		plan.TotalM += bestDist
		plan.TotalSeconds += legSeconds
		plan.Legs = append(plan.Legs, models.RouteLeg{
			JobID:        next.JobID,
			Loc:          next.Loc,
			DistanceM:    bestDist,
			ETASeconds:   legSeconds,
			TotalM:       plan.TotalM,
			TotalSeconds: plan.TotalSeconds,
		})
		pos = next.Loc
	}
	return plan
}

func (o *Optimizer) legSeconds(from, to models.Coord) float64 {
	if o.Cache != nil {
		if v, ok := o.Cache.Get(from, to); ok {
			return v
		}
	}
	if o.ETA != nil {
		if v, err := o.ETA.EstimateSeconds(from, to); err == nil {
			if o.Cache != nil {
				o.Cache.Set(from, to, v)
			}
			return v
		}
	}
	return eta.EstimateSeconds(from, to, o.SpeedMps)
}
