package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/field-dispatch/internal/models"
)

// OfferUpdate carries the fields written alongside an offer transition.
type OfferUpdate struct {
	RespondedAt *time.Time
	Reason      string
}

// JobUpdate carries the fields written alongside a job transition.
type JobUpdate struct {
	WorkerID      string
	ActiveOfferID string
}

// DispatchStore is the persistence boundary of the dispatch engine.
// The two UpdateIf methods are conditional updates: the boolean result
// (rows affected) is the sole source of truth for whether the transition
// happened, closing the worker-vs-sweeper race.
type DispatchStore interface {
	SaveJob(ctx context.Context, j *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	UpdateJobStatusIf(ctx context.Context, jobID string, expected, next models.JobStatus, upd JobUpdate) (bool, error)

	SaveOffer(ctx context.Context, o *models.Offer) error
	GetOffer(ctx context.Context, id string) (*models.Offer, error)
	UpdateOfferIfStatus(ctx context.Context, offerID string, expected, next models.OfferStatus, upd OfferUpdate) (bool, error)

	OffersByJob(ctx context.Context, jobID string) ([]models.Offer, error)
	OffersByWorker(ctx context.Context, workerID string, status models.OfferStatus) ([]models.Offer, error)
	ActiveOfferCount(ctx context.Context, jobID string) (int, error)
	// ExpiredPending returns pending offers past due at now, ordered by
	// the owning job's creation time so older jobs are re-offered first.
	ExpiredPending(ctx context.Context, now time.Time) ([]models.Offer, error)
}

// MemoryStore keeps everything in maps. Used by tests and local runs
// when no PG_DSN is configured.
type MemoryStore struct {
	mu     sync.RWMutex
	jobs   map[string]models.Job
	offers map[string]models.Offer
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]models.Job), offers: make(map[string]models.Offer)}
}

func (m *MemoryStore) SaveJob(ctx context.Context, j *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = *j
	return nil
}

func (m *MemoryStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, nil
	}
	return &j, nil
}

func (m *MemoryStore) UpdateJobStatusIf(ctx context.Context, jobID string, expected, next models.JobStatus, upd JobUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok || j.Status != expected {
		return false, nil
	}
	j.Status = next
	if upd.WorkerID != "" {
		j.WorkerID = upd.WorkerID
	}
	j.ActiveOfferID = upd.ActiveOfferID
	j.UpdatedAt = time.Now()
	m.jobs[jobID] = j
	return true, nil
}

func (m *MemoryStore) SaveOffer(ctx context.Context, o *models.Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers[o.ID] = *o
	return nil
}

func (m *MemoryStore) GetOffer(ctx context.Context, id string) (*models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offers[id]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (m *MemoryStore) UpdateOfferIfStatus(ctx context.Context, offerID string, expected, next models.OfferStatus, upd OfferUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[offerID]
	if !ok || o.Status != expected {
		return false, nil
	}
	o.Status = next
	if upd.RespondedAt != nil {
		t := *upd.RespondedAt
		o.RespondedAt = &t
	}
	if upd.Reason != "" {
		o.Reason = upd.Reason
	}
	m.offers[offerID] = o
	return true, nil
}

func (m *MemoryStore) OffersByJob(ctx context.Context, jobID string) ([]models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Offer
	for _, o := range m.offers {
		if o.JobID == jobID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Attempt < out[j].Attempt })
	return out, nil
}

func (m *MemoryStore) OffersByWorker(ctx context.Context, workerID string, status models.OfferStatus) ([]models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Offer
	for _, o := range m.offers {
		if o.WorkerID != workerID {
			continue
		}
		if status != "" && o.Status != status {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ActiveOfferCount(ctx context.Context, jobID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, o := range m.offers {
		if o.JobID == jobID && (o.Status == models.OfferPending || o.Status == models.OfferAccepted) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ExpiredPending(ctx context.Context, now time.Time) ([]models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Offer
	for _, o := range m.offers {
		if o.Status == models.OfferPending && !o.ExpiresAt.After(now) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ji, oki := m.jobs[out[i].JobID]
		jj, okj := m.jobs[out[j].JobID]
		if oki && okj && !ji.CreatedAt.Equal(jj.CreatedAt) {
			return ji.CreatedAt.Before(jj.CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
