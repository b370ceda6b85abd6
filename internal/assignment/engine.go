package assignment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/field-dispatch/internal/dispatch"
	"github.com/example/field-dispatch/internal/models"
	"github.com/example/field-dispatch/internal/observability"
	"github.com/example/field-dispatch/internal/storage"
)

var (
	// ErrNotFound: unknown offer or job id.
	ErrNotFound = errors.New("not found")
	// ErrConflict: the transition lost a race or its preconditions no
	// longer hold (wrong owner, already terminal, past expiry, job no
	// longer eligible). The caller must re-fetch its view.
	ErrConflict = errors.New("conflict")
)

// Selector produces ranked candidates for a job.
type Selector interface {
	Select(job *models.Job, excluded map[string]bool) []models.Candidate
}

// WorkerIndex is the slice of the worker directory the engine writes to:
// the accepted-offer count bookkeeping done on accept.
type WorkerIndex interface {
	Get(id string) (models.Worker, bool)
	Upsert(w models.Worker)
}

// Engine owns the offer lifecycle. Every transition goes through the
// store's conditional update; its boolean result decides who won.
type Engine struct {
	Store    storage.DispatchStore
	Selector Selector
	Notifier dispatch.Notifier
	Workers  WorkerIndex // optional
	Logger   *slog.Logger
	OfferTTL time.Duration

	// Now is swappable for tests.
	Now func() time.Time
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *Engine) ttl() time.Duration {
	if e.OfferTTL > 0 {
		return e.OfferTTL
	}
	return 5 * time.Minute
}

// RegisterJob records a new job in the unassigned pool and immediately
// tries to offer it.
func (e *Engine) RegisterJob(ctx context.Context, job *models.Job) (*models.Offer, error) {
	now := e.now()
	if job.ID == "" {
		job.ID = uuid.New().String()
	} else {
		// register is insert-only: an existing id must never be reset
		// back to the unassigned pool
		existing, err := e.Store.GetJob(ctx, job.ID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, fmt.Errorf("job %s already registered: %w", job.ID, ErrConflict)
		}
	}
	job.Status = models.JobUnassigned
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if err := e.Store.SaveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("save job: %w", err)
	}
	return e.OfferJob(ctx, job.ID)
}

// OfferJob creates a pending offer for the best remaining candidate.
// A nil offer with nil error means no candidate was eligible and the job
// was left in (or returned to) the unassigned pool.
func (e *Engine) OfferJob(ctx context.Context, jobID string) (*models.Offer, error) {
	job, err := e.Store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if job.Status != models.JobUnassigned && job.Status != models.JobOffered {
		return nil, fmt.Errorf("job %s is %s: %w", jobID, job.Status, ErrConflict)
	}

	// At most one offer may be pending or accepted per job.
	active, err := e.Store.ActiveOfferCount(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if active > 0 {
		return nil, fmt.Errorf("job %s already has an active offer: %w", jobID, ErrConflict)
	}

	history, err := e.Store.OffersByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	// Workers with any terminal offer for the job stay excluded for the
	// job's lifetime.
	excluded := make(map[string]bool, len(history))
	attempt := 0
	for _, h := range history {
		excluded[h.WorkerID] = true
		if h.Attempt > attempt {
			attempt = h.Attempt
		}
	}

	cands := e.Selector.Select(job, excluded)
	if len(cands) == 0 {
		return nil, e.markUnassigned(ctx, job)
	}

	now := e.now()
	offer := &models.Offer{
		ID:        uuid.New().String(),
		JobID:     job.ID,
		WorkerID:  cands[0].Worker.ID,
		Status:    models.OfferPending,
		Attempt:   attempt + 1,
		CreatedAt: now,
		ExpiresAt: now.Add(e.ttl()),
	}

	// Claim the job before the offer row exists so two concurrent
	// creators cannot both produce a pending offer.
	ok, err := e.Store.UpdateJobStatusIf(ctx, job.ID, job.Status, models.JobOffered, storage.JobUpdate{ActiveOfferID: offer.ID})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("job %s changed underneath: %w", job.ID, ErrConflict)
	}
	if err := e.Store.SaveOffer(ctx, offer); err != nil {
		// release the claim, otherwise the job sits offered with a
		// dangling offer id the sweeper can never expire
		if _, undoErr := e.Store.UpdateJobStatusIf(ctx, job.ID, models.JobOffered, job.Status, storage.JobUpdate{}); undoErr != nil {
			e.logger().Error("job claim rollback failed", "job_id", job.ID, "error", undoErr)
		}
		return nil, fmt.Errorf("save offer: %w", err)
	}

	observability.OffersCreated.Inc()
	e.notify(offer)
	e.logger().Info("offer created", "offer_id", offer.ID, "job_id", job.ID, "worker_id", offer.WorkerID, "attempt", offer.Attempt, "expires_at", offer.ExpiresAt)
	return offer, nil
}

// Accept transitions a pending offer to accepted and the job to
// in-progress. The offer row's conditional update closes the race with
// the sweeper; the job row's closes the (structurally prevented)
// double-pending race, so at most one accept per job ever wins.
func (e *Engine) Accept(ctx context.Context, offerID, workerID string) (*models.Offer, error) {
	offer, err := e.Store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if offer == nil {
		return nil, fmt.Errorf("offer %s: %w", offerID, ErrNotFound)
	}
	if offer.WorkerID != workerID {
		return nil, fmt.Errorf("offer %s not owned by %s: %w", offerID, workerID, ErrConflict)
	}
	now := e.now()
	if !now.Before(offer.ExpiresAt) {
		return nil, fmt.Errorf("offer %s expired: %w", offerID, ErrConflict)
	}

	job, err := e.Store.GetJob(ctx, offer.JobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("job %s: %w", offer.JobID, ErrNotFound)
	}
	if job.Status != models.JobOffered {
		return nil, fmt.Errorf("job %s is %s: %w", job.ID, job.Status, ErrConflict)
	}

	ok, err := e.Store.UpdateOfferIfStatus(ctx, offerID, models.OfferPending, models.OfferAccepted, storage.OfferUpdate{RespondedAt: &now})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("offer %s no longer pending: %w", offerID, ErrConflict)
	}

	ok, err = e.Store.UpdateJobStatusIf(ctx, job.ID, models.JobOffered, models.JobInProgress, storage.JobUpdate{WorkerID: workerID, ActiveOfferID: offerID})
	if err != nil {
		return nil, err
	}
	if !ok {
		// Another offer won the job between our two updates. Offers are
		// append-only, so the accepted row stays as audit; the caller
		// still loses.
		e.logger().Error("accepted offer lost job claim", "offer_id", offerID, "job_id", job.ID)
		return nil, fmt.Errorf("job %s already assigned: %w", job.ID, ErrConflict)
	}

	if e.Workers != nil {
		if w, found := e.Workers.Get(workerID); found {
			w.ActiveOffers++
			e.Workers.Upsert(w)
		}
	}

	observability.OffersAccepted.Inc()
	e.logger().Info("offer accepted", "offer_id", offerID, "job_id", job.ID, "worker_id", workerID)
	offer.Status = models.OfferAccepted
	offer.RespondedAt = &now
	return offer, nil
}

// BatchResult reports per-id outcomes of a batch accept.
type BatchResult struct {
	Accepted []BatchAccepted `json:"accepted"`
	Failed   []BatchFailed   `json:"failed"`
}

type BatchAccepted struct {
	OfferID string `json:"offer_id"`
	JobID   string `json:"job_id"`
}

type BatchFailed struct {
	OfferID string `json:"offer_id"`
	Reason  string `json:"reason"`
}

// BatchAccept attempts Accept independently per id. Failures are
// reported, never retried, and never roll back earlier successes.
func (e *Engine) BatchAccept(ctx context.Context, offerIDs []string, workerID string) BatchResult {
	var res BatchResult
	for _, id := range offerIDs {
		offer, err := e.Accept(ctx, id, workerID)
		if err != nil {
			res.Failed = append(res.Failed, BatchFailed{OfferID: id, Reason: err.Error()})
			continue
		}
		res.Accepted = append(res.Accepted, BatchAccepted{OfferID: offer.ID, JobID: offer.JobID})
	}
	return res
}

// Reject marks a pending offer rejected and immediately re-offers the
// job to the next candidate.
func (e *Engine) Reject(ctx context.Context, offerID, workerID, reason string) error {
	offer, err := e.Store.GetOffer(ctx, offerID)
	if err != nil {
		return err
	}
	if offer == nil {
		return fmt.Errorf("offer %s: %w", offerID, ErrNotFound)
	}
	if offer.WorkerID != workerID {
		return fmt.Errorf("offer %s not owned by %s: %w", offerID, workerID, ErrConflict)
	}
	job, err := e.Store.GetJob(ctx, offer.JobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job %s: %w", offer.JobID, ErrNotFound)
	}
	if job.Status != models.JobOffered {
		// administratively cancelled or otherwise ineligible
		return fmt.Errorf("job %s is %s: %w", job.ID, job.Status, ErrConflict)
	}

	now := e.now()
	ok, err := e.Store.UpdateOfferIfStatus(ctx, offerID, models.OfferPending, models.OfferRejected, storage.OfferUpdate{RespondedAt: &now, Reason: reason})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("offer %s no longer pending: %w", offerID, ErrConflict)
	}

	observability.OffersRejected.Inc()
	e.logger().Info("offer rejected", "offer_id", offerID, "job_id", offer.JobID, "worker_id", workerID, "reason", reason)
	e.reoffer(ctx, offer.JobID)
	return nil
}

// Expire is invoked only by the sweeper. The pending-state precondition
// makes a repeated call a conflict with no side effects, so sweeps are
// idempotent.
func (e *Engine) Expire(ctx context.Context, offerID string) error {
	offer, err := e.Store.GetOffer(ctx, offerID)
	if err != nil {
		return err
	}
	if offer == nil {
		return fmt.Errorf("offer %s: %w", offerID, ErrNotFound)
	}
	if e.now().Before(offer.ExpiresAt) {
		return fmt.Errorf("offer %s not yet due: %w", offerID, ErrConflict)
	}

	ok, err := e.Store.UpdateOfferIfStatus(ctx, offerID, models.OfferPending, models.OfferExpired, storage.OfferUpdate{})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("offer %s no longer pending: %w", offerID, ErrConflict)
	}

	observability.OffersExpired.Inc()
	e.logger().Info("offer expired", "offer_id", offerID, "job_id", offer.JobID, "worker_id", offer.WorkerID)
	e.reoffer(ctx, offer.JobID)
	return nil
}

// reoffer runs the next-candidate path after a terminal transition.
// Failure here never undoes the transition that triggered it.
func (e *Engine) reoffer(ctx context.Context, jobID string) {
	if _, err := e.OfferJob(ctx, jobID); err != nil {
		e.logger().Error("re-offer failed", "job_id", jobID, "error", err)
	}
}

// markUnassigned returns an offered job to the manual-dispatch pool once
// candidates are exhausted. A job already unassigned stays put.
func (e *Engine) markUnassigned(ctx context.Context, job *models.Job) error {
	if job.Status == models.JobUnassigned {
		e.logger().Warn("no candidate for job", "job_id", job.ID)
		return nil
	}
	ok, err := e.Store.UpdateJobStatusIf(ctx, job.ID, models.JobOffered, models.JobUnassigned, storage.JobUpdate{})
	if err != nil {
		return err
	}
	if ok {
		observability.JobsExhausted.Inc()
		e.logger().Warn("candidates exhausted, job back to manual dispatch", "job_id", job.ID)
	}
	return nil
}

func (e *Engine) notify(offer *models.Offer) {
	if e.Notifier == nil {
		return
	}
	o := *offer
	go func() {
		if err := e.Notifier.NotifyWorker(o.WorkerID, o); err != nil {
			e.logger().Warn("notify failed", "offer_id", o.ID, "worker_id", o.WorkerID, "error", err)
		}
	}()
}
