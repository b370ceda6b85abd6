package assignment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/field-dispatch/internal/geo"
	"github.com/example/field-dispatch/internal/models"
	"github.com/example/field-dispatch/internal/selector"
	"github.com/example/field-dispatch/internal/storage"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestEngine(workers ...models.Worker) (*Engine, *storage.MemoryStore, *clock) {
	idx := geo.NewMemoryIndex()
	for _, w := range workers {
		idx.Upsert(w)
	}
	store := storage.NewMemoryStore()
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	e := &Engine{
		Store:    store,
		Selector: &selector.Service{Index: idx, TopN: 8},
		Workers:  idx,
		OfferTTL: 5 * time.Minute,
		Now:      clk.now,
	}
	return e, store, clk
}

func workerA() models.Worker {
	// ~2km from origin
	return models.Worker{ID: "A", Loc: models.Coord{Lat: 0.018, Lon: 0}, Rating: 4.5, OnShift: true, Specialties: []string{"fridge"}}
}

func workerB() models.Worker {
	// ~1km from origin
	return models.Worker{ID: "B", Loc: models.Coord{Lat: 0.009, Lon: 0}, Rating: 4.0, OnShift: true, Specialties: []string{"fridge"}}
}

func newFridgeJob(id string) *models.Job {
	return &models.Job{ID: id, Specialty: "fridge", Loc: models.Coord{Lat: 0, Lon: 0}}
}

func TestFirstOfferGoesToClosestWorker(t *testing.T) {
	e, store, _ := newTestEngine(workerA(), workerB())
	ctx := context.Background()

	offer, err := e.RegisterJob(ctx, newFridgeJob("j1"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if offer == nil || offer.WorkerID != "B" {
		t.Fatalf("expected first offer to B, got %+v", offer)
	}
	if offer.Attempt != 1 {
		t.Fatalf("expected attempt 1, got %d", offer.Attempt)
	}
	job, _ := store.GetJob(ctx, "j1")
	if job.Status != models.JobOffered || job.ActiveOfferID != offer.ID {
		t.Fatalf("expected job offered with active offer, got %+v", job)
	}
}

func TestExpireReoffersToNextCandidate(t *testing.T) {
	e, store, clk := newTestEngine(workerA(), workerB())
	ctx := context.Background()

	first, err := e.RegisterJob(ctx, newFridgeJob("j1"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	clk.advance(6 * time.Minute)
	if err := e.Expire(ctx, first.ID); err != nil {
		t.Fatalf("expire: %v", err)
	}

	offers, _ := store.OffersByJob(ctx, "j1")
	if len(offers) != 2 {
		t.Fatalf("expected 2 offers, got %d", len(offers))
	}
	if offers[0].Status != models.OfferExpired {
		t.Fatalf("first offer should be expired, got %s", offers[0].Status)
	}
	second := offers[1]
	if second.WorkerID != "A" || second.Status != models.OfferPending || second.Attempt != 2 {
		t.Fatalf("expected pending attempt-2 offer to A, got %+v", second)
	}
	// job never reverted to unassigned since A existed
	job, _ := store.GetJob(ctx, "j1")
	if job.Status != models.JobOffered {
		t.Fatalf("expected job still offered, got %s", job.Status)
	}
}

func TestExpireIsIdempotent(t *testing.T) {
	e, store, clk := newTestEngine(workerB())
	ctx := context.Background()

	first, _ := e.RegisterJob(ctx, newFridgeJob("j1"))
	clk.advance(6 * time.Minute)
	if err := e.Expire(ctx, first.ID); err != nil {
		t.Fatalf("first expire: %v", err)
	}
	before, _ := store.OffersByJob(ctx, "j1")

	err := e.Expire(ctx, first.ID)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("second expire should conflict, got %v", err)
	}
	after, _ := store.OffersByJob(ctx, "j1")
	if len(after) != len(before) {
		t.Fatalf("second expire must not re-offer: %d -> %d offers", len(before), len(after))
	}
}

func TestExpireBeforeDeadlineConflicts(t *testing.T) {
	e, _, _ := newTestEngine(workerB())
	ctx := context.Background()
	first, _ := e.RegisterJob(ctx, newFridgeJob("j1"))
	if err := e.Expire(ctx, first.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict for early expire, got %v", err)
	}
}

func TestRejectExcludesWorkerAndRecordsReason(t *testing.T) {
	e, store, _ := newTestEngine(workerA(), workerB())
	ctx := context.Background()

	first, _ := e.RegisterJob(ctx, newFridgeJob("j1"))
	if err := e.Reject(ctx, first.ID, "B", "too far"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	offers, _ := store.OffersByJob(ctx, "j1")
	if len(offers) != 2 {
		t.Fatalf("expected re-offer after reject, got %d offers", len(offers))
	}
	if offers[0].Status != models.OfferRejected || offers[0].Reason != "too far" || offers[0].RespondedAt == nil {
		t.Fatalf("rejection not recorded: %+v", offers[0])
	}
	if offers[1].WorkerID != "A" {
		t.Fatalf("expected re-offer to A, got %s", offers[1].WorkerID)
	}
	// attempt numbers strictly increase without gaps
	for i, o := range offers {
		if o.Attempt != i+1 {
			t.Fatalf("attempt sequence broken at %d: %+v", i, o)
		}
	}
}

func TestExhaustionReturnsJobToUnassigned(t *testing.T) {
	e, store, clk := newTestEngine(workerA(), workerB())
	ctx := context.Background()

	first, _ := e.RegisterJob(ctx, newFridgeJob("j1"))
	if err := e.Reject(ctx, first.ID, first.WorkerID, "busy"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	offers, _ := store.OffersByJob(ctx, "j1")
	second := offers[len(offers)-1]
	clk.advance(6 * time.Minute)
	if err := e.Expire(ctx, second.ID); err != nil {
		t.Fatalf("expire: %v", err)
	}

	job, _ := store.GetJob(ctx, "j1")
	if job.Status != models.JobUnassigned {
		t.Fatalf("expected unassigned after exhaustion, got %s", job.Status)
	}
	// both workers terminal, none active
	n, _ := store.ActiveOfferCount(ctx, "j1")
	if n != 0 {
		t.Fatalf("expected no active offers, got %d", n)
	}
}

func TestAcceptUpdatesJobAndWorker(t *testing.T) {
	e, store, _ := newTestEngine(workerB())
	ctx := context.Background()

	offer, _ := e.RegisterJob(ctx, newFridgeJob("j1"))
	accepted, err := e.Accept(ctx, offer.ID, "B")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.Status != models.OfferAccepted || accepted.RespondedAt == nil {
		t.Fatalf("unexpected offer state %+v", accepted)
	}
	job, _ := store.GetJob(ctx, "j1")
	if job.Status != models.JobInProgress || job.WorkerID != "B" {
		t.Fatalf("unexpected job state %+v", job)
	}
	w, _ := e.Workers.Get("B")
	if w.ActiveOffers != 1 {
		t.Fatalf("expected bookkeeping bump, got %d", w.ActiveOffers)
	}
}

func TestAcceptWrongOwnerConflicts(t *testing.T) {
	e, _, _ := newTestEngine(workerB())
	ctx := context.Background()
	offer, _ := e.RegisterJob(ctx, newFridgeJob("j1"))
	if _, err := e.Accept(ctx, offer.ID, "someone-else"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestAcceptAfterExpiryConflicts(t *testing.T) {
	e, _, clk := newTestEngine(workerB())
	ctx := context.Background()
	offer, _ := e.RegisterJob(ctx, newFridgeJob("j1"))
	clk.advance(6 * time.Minute)
	if _, err := e.Accept(ctx, offer.ID, "B"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestConcurrentAcceptsOnlyOneWins(t *testing.T) {
	e, store, _ := newTestEngine(workerB())
	ctx := context.Background()
	offer, _ := e.RegisterJob(ctx, newFridgeJob("j1"))

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.Accept(ctx, offer.ID, "B")
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else if !errors.Is(err, ErrConflict) {
			t.Fatalf("loser got non-conflict error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	n2, _ := store.ActiveOfferCount(ctx, "j1")
	if n2 != 1 {
		t.Fatalf("at-most-one invariant violated: %d active offers", n2)
	}
}

func TestNoFurtherTransitionsAfterAccept(t *testing.T) {
	e, store, clk := newTestEngine(workerB())
	ctx := context.Background()
	offer, _ := e.RegisterJob(ctx, newFridgeJob("j1"))
	if _, err := e.Accept(ctx, offer.ID, "B"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	if err := e.Reject(ctx, offer.ID, "B", "changed my mind"); !errors.Is(err, ErrConflict) {
		t.Fatalf("reject after accept should conflict, got %v", err)
	}
	clk.advance(time.Hour)
	if err := e.Expire(ctx, offer.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("expire after accept should conflict, got %v", err)
	}
	job, _ := store.GetJob(ctx, "j1")
	if job.WorkerID != "B" || job.Status != models.JobInProgress {
		t.Fatalf("job assignment changed: %+v", job)
	}
}

func TestBatchAcceptPartialSuccess(t *testing.T) {
	e, _, clk := newTestEngine(workerB())
	ctx := context.Background()

	stale, _ := e.RegisterJob(ctx, newFridgeJob("j-stale"))
	clk.advance(6 * time.Minute)
	fresh1, _ := e.RegisterJob(ctx, newFridgeJob("j-f1"))
	fresh2, _ := e.RegisterJob(ctx, newFridgeJob("j-f2"))

	res := e.BatchAccept(ctx, []string{stale.ID, fresh1.ID, fresh2.ID}, "B")
	if len(res.Accepted) != 2 || len(res.Failed) != 1 {
		t.Fatalf("expected 2 accepted / 1 failed, got %+v", res)
	}
	if res.Failed[0].OfferID != stale.ID {
		t.Fatalf("failure should reference the expired offer, got %s", res.Failed[0].OfferID)
	}
	for _, a := range res.Accepted {
		if a.OfferID == stale.ID {
			t.Fatalf("expired offer must not be accepted")
		}
	}
}

func TestRegisterExistingJobConflicts(t *testing.T) {
	e, store, _ := newTestEngine(workerB())
	ctx := context.Background()

	offer, _ := e.RegisterJob(ctx, newFridgeJob("j1"))
	if _, err := e.Accept(ctx, offer.ID, "B"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	if _, err := e.RegisterJob(ctx, newFridgeJob("j1")); !errors.Is(err, ErrConflict) {
		t.Fatalf("re-register should conflict, got %v", err)
	}
	job, _ := store.GetJob(ctx, "j1")
	if job.Status != models.JobInProgress || job.WorkerID != "B" {
		t.Fatalf("re-register trampled the assignment: %+v", job)
	}
}

// flakyStore fails SaveOffer on demand to exercise the claim rollback.
type flakyStore struct {
	*storage.MemoryStore
	failSaveOffer bool
}

func (f *flakyStore) SaveOffer(ctx context.Context, o *models.Offer) error {
	if f.failSaveOffer {
		return errors.New("persistence blip")
	}
	return f.MemoryStore.SaveOffer(ctx, o)
}

func TestOfferSaveFailureReleasesJobClaim(t *testing.T) {
	idx := geo.NewMemoryIndex()
	idx.Upsert(workerB())
	fs := &flakyStore{MemoryStore: storage.NewMemoryStore(), failSaveOffer: true}
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	e := &Engine{
		Store:    fs,
		Selector: &selector.Service{Index: idx, TopN: 8},
		Workers:  idx,
		OfferTTL: 5 * time.Minute,
		Now:      clk.now,
	}
	ctx := context.Background()

	if _, err := e.RegisterJob(ctx, newFridgeJob("j1")); err == nil {
		t.Fatal("save failure must surface")
	}
	job, _ := fs.GetJob(ctx, "j1")
	if job.Status != models.JobUnassigned || job.ActiveOfferID != "" {
		t.Fatalf("job stranded after failed offer save: %+v", job)
	}

	// the job stays offerable once the store recovers
	fs.failSaveOffer = false
	offer, err := e.OfferJob(ctx, "j1")
	if err != nil || offer == nil {
		t.Fatalf("re-offer after recovery: offer=%v err=%v", offer, err)
	}
}

func TestOfferUnknownJob(t *testing.T) {
	e, _, _ := newTestEngine(workerB())
	if _, err := e.OfferJob(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestNoCandidateLeavesJobUnassigned(t *testing.T) {
	e, store, _ := newTestEngine() // nobody on shift
	ctx := context.Background()
	offer, err := e.RegisterJob(ctx, newFridgeJob("j1"))
	if err != nil {
		t.Fatalf("no-candidate path must not error: %v", err)
	}
	if offer != nil {
		t.Fatalf("expected nil offer, got %+v", offer)
	}
	job, _ := store.GetJob(ctx, "j1")
	if job.Status != models.JobUnassigned {
		t.Fatalf("expected unassigned, got %s", job.Status)
	}
}
