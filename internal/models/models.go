package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// JobStatus is the dispatch-level view of a repair order.
type JobStatus string

const (
	JobUnassigned JobStatus = "unassigned"
	JobOffered    JobStatus = "offered"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobCancelled  JobStatus = "cancelled"
)

// OfferStatus is the state of a single job-to-worker offer.
type OfferStatus string

const (
	OfferPending  OfferStatus = "pending"
	OfferAccepted OfferStatus = "accepted"
	OfferRejected OfferStatus = "rejected"
	OfferExpired  OfferStatus = "expired"
)

// Terminal reports whether an offer status admits no further transitions.
func (s OfferStatus) Terminal() bool {
	return s == OfferAccepted || s == OfferRejected || s == OfferExpired
}

// Job is a repair order as seen by the dispatch engine. Everything but
// Status and the active offer pointer is owned by the order subsystem.
type Job struct {
	ID            string    `json:"id"`
	Loc           Coord     `json:"loc"`
	Specialty     string    `json:"specialty"`
	Urgent        bool      `json:"urgent"`
	PriceEstimate float64   `json:"price_estimate"`
	MaxRadiusM    float64   `json:"max_radius_m,omitempty"` // 0 = unbounded
	Status        JobStatus `json:"status"`
	WorkerID      string    `json:"worker_id,omitempty"` // set on acceptance
	ActiveOfferID string    `json:"active_offer_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Worker is a field master. Shift and location fields are maintained by
// the location pipeline; the engine only bumps ActiveOffers on accept.
type Worker struct {
	ID           string    `json:"id"`
	Loc          Coord     `json:"loc"`
	Specialties  []string  `json:"specialties"`
	OnShift      bool      `json:"on_shift"`
	Rating       float64   `json:"rating"` // 0..5
	ActiveOffers int       `json:"active_offers"`
	Updated      time.Time `json:"updated"`
}

func (w Worker) HasSpecialty(s string) bool {
	for _, sp := range w.Specialties {
		if sp == s {
			return true
		}
	}
	return false
}

// Offer is one time-boxed proposal of a job to a worker. Offers are never
// deleted, only transitioned; they form the job's audit trail.
type Offer struct {
	ID          string      `json:"id"`
	JobID       string      `json:"job_id"`
	WorkerID    string      `json:"worker_id"`
	Status      OfferStatus `json:"status"`
	Attempt     int         `json:"attempt"`
	CreatedAt   time.Time   `json:"created_at"`
	ExpiresAt   time.Time   `json:"expires_at"`
	RespondedAt *time.Time  `json:"responded_at,omitempty"`
	Reason      string      `json:"reason,omitempty"`
}

// Candidate is a worker ranked by the selector for a specific job.
type Candidate struct {
	Worker    Worker  `json:"worker"`
	DistanceM float64 `json:"distance_m"`
}

// RouteLeg is one stop in an optimized visiting order.
type RouteLeg struct {
	JobID        string  `json:"job_id"`
	Loc          Coord   `json:"loc"`
	DistanceM    float64 `json:"distance_m"`    // from previous stop
	ETASeconds   float64 `json:"eta_seconds"`   // from previous stop
	TotalM       float64 `json:"total_m"`       // cumulative from start
	TotalSeconds float64 `json:"total_seconds"` // cumulative from start
}

// RoutePlan is the optimizer output for one worker's accepted jobs.
type RoutePlan struct {
	Start        Coord      `json:"start"`
	Legs         []RouteLeg `json:"legs"`
	TotalM       float64    `json:"total_m"`
	TotalSeconds float64    `json:"total_seconds"`
}
