package selector

import (
	"sort"

	"github.com/example/field-dispatch/internal/geo"
	"github.com/example/field-dispatch/internal/models"
)

// Index is the worker-directory view the selector needs.
type Index interface {
	Nearby(lat, lon, radiusM float64, limit int) []models.Worker
}

// Service ranks eligible workers for a job. Eligibility: on shift,
// specialty match, inside the job's radius bound (if any), not in the
// exclusion set. Order: distance asc, rating desc, worker id asc.
type Service struct {
	Index Index
	TopN  int
	// MaxRadiusM caps the search radius when the job itself does not;
	// zero means unbounded.
	MaxRadiusM float64
}

// Select returns ranked candidates for the job. An empty result is not
// an error; it means the job should fall back to manual dispatch.
func (s *Service) Select(job *models.Job, excluded map[string]bool) []models.Candidate {
	limit := s.TopN
	if limit <= 0 {
		limit = 16
	}
	radius := job.MaxRadiusM
	if radius <= 0 {
		radius = s.MaxRadiusM
	}
	// over-fetch so filtering does not starve the ranking
	workers := s.Index.Nearby(job.Loc.Lat, job.Loc.Lon, radius, limit*4)

	out := make([]models.Candidate, 0, limit)
	for _, w := range workers {
		if excluded[w.ID] {
			continue
		}
		if !w.OnShift {
			continue
		}
		if !w.HasSpecialty(job.Specialty) {
			continue
		}
		d := geo.Dist(job.Loc, w.Loc)
		if radius > 0 && d > radius {
			continue
		}
		out = append(out, models.Candidate{Worker: w, DistanceM: d})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceM != out[j].DistanceM {
			return out[i].DistanceM < out[j].DistanceM
		}
		if out[i].Worker.Rating != out[j].Worker.Rating {
			return out[i].Worker.Rating > out[j].Worker.Rating
		}
		return out[i].Worker.ID < out[j].Worker.ID
	})

	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
