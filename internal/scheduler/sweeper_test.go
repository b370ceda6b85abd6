package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/field-dispatch/internal/assignment"
	"github.com/example/field-dispatch/internal/models"
)

type fakeSource struct {
	mu     sync.Mutex
	offers []models.Offer
	calls  int
}

func (f *fakeSource) ExpiredPending(ctx context.Context, now time.Time) ([]models.Offer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.offers, nil
}

type fakeExpirer struct {
	mu      sync.Mutex
	expired []string
	fail    map[string]error
	block   chan struct{} // if set, Expire blocks until closed
}

func (f *fakeExpirer) Expire(ctx context.Context, offerID string) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.fail[offerID]; ok {
		return err
	}
	f.expired = append(f.expired, offerID)
	return nil
}

func overdueOffers(ids ...string) []models.Offer {
	out := make([]models.Offer, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.Offer{ID: id, JobID: "job-" + id, Status: models.OfferPending})
	}
	return out
}

func TestSweepExpiresAllOverdue(t *testing.T) {
	src := &fakeSource{offers: overdueOffers("o1", "o2", "o3")}
	exp := &fakeExpirer{}
	s := NewSweeper(src, exp, slog.Default(), time.Minute)

	s.Sweep(context.Background())

	if len(exp.expired) != 3 {
		t.Fatalf("expected 3 expirations, got %v", exp.expired)
	}
	// oldest-job-first ordering preserved
	if exp.expired[0] != "o1" || exp.expired[2] != "o3" {
		t.Fatalf("sweep order broken: %v", exp.expired)
	}
}

func TestSweepContinuesPastItemFailures(t *testing.T) {
	src := &fakeSource{offers: overdueOffers("bad", "good1", "good2")}
	exp := &fakeExpirer{fail: map[string]error{"bad": errors.New("persistence blip")}}
	s := NewSweeper(src, exp, slog.Default(), time.Minute)

	s.Sweep(context.Background())

	if len(exp.expired) != 2 {
		t.Fatalf("expected the sweep to continue past the failure, got %v", exp.expired)
	}
}

func TestSweepIgnoresConflicts(t *testing.T) {
	src := &fakeSource{offers: overdueOffers("raced", "ok")}
	exp := &fakeExpirer{fail: map[string]error{"raced": assignment.ErrConflict}}
	s := NewSweeper(src, exp, slog.Default(), time.Minute)

	s.Sweep(context.Background())

	if len(exp.expired) != 1 || exp.expired[0] != "ok" {
		t.Fatalf("expected only ok expired, got %v", exp.expired)
	}
}

func TestSweepsDoNotOverlap(t *testing.T) {
	block := make(chan struct{})
	src := &fakeSource{offers: overdueOffers("o1")}
	exp := &fakeExpirer{block: block}
	s := NewSweeper(src, exp, slog.Default(), time.Minute)

	done := make(chan struct{})
	go func() {
		s.Sweep(context.Background())
		close(done)
	}()

	// wait for the first sweep to be inside Expire
	deadline := time.After(time.Second)
	for {
		src.mu.Lock()
		started := src.calls > 0
		src.mu.Unlock()
		if started {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first sweep never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	// second sweep must bail out instead of running concurrently
	s.Sweep(context.Background())
	src.mu.Lock()
	calls := src.calls
	src.mu.Unlock()
	if calls != 1 {
		t.Fatalf("overlapping sweep ran: %d loads", calls)
	}

	close(block)
	<-done
}
