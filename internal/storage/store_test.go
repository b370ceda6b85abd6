package storage

import (
	"context"
	"testing"
	"time"

	"github.com/example/field-dispatch/internal/models"
)

func TestUpdateOfferIfStatusIsConditional(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	_ = s.SaveOffer(ctx, &models.Offer{ID: "o1", JobID: "j1", WorkerID: "w1", Status: models.OfferPending, Attempt: 1, CreatedAt: now, ExpiresAt: now.Add(time.Minute)})

	ok, err := s.UpdateOfferIfStatus(ctx, "o1", models.OfferPending, models.OfferAccepted, OfferUpdate{RespondedAt: &now})
	if err != nil || !ok {
		t.Fatalf("first transition should win: ok=%v err=%v", ok, err)
	}
	ok, err = s.UpdateOfferIfStatus(ctx, "o1", models.OfferPending, models.OfferExpired, OfferUpdate{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("second transition must lose: offer no longer pending")
	}
	o, _ := s.GetOffer(ctx, "o1")
	if o.Status != models.OfferAccepted || o.RespondedAt == nil {
		t.Fatalf("offer state corrupted: %+v", o)
	}
}

func TestUpdateOfferIfStatusUnknownID(t *testing.T) {
	s := NewMemoryStore()
	ok, err := s.UpdateOfferIfStatus(context.Background(), "ghost", models.OfferPending, models.OfferExpired, OfferUpdate{})
	if err != nil || ok {
		t.Fatalf("unknown id should affect zero rows: ok=%v err=%v", ok, err)
	}
}

func TestExpiredPendingOrdersByJobCreation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// newer job saved first to prove ordering is by job age, not save order
	_ = s.SaveJob(ctx, &models.Job{ID: "young", Status: models.JobOffered, CreatedAt: base.Add(time.Hour)})
	_ = s.SaveJob(ctx, &models.Job{ID: "old", Status: models.JobOffered, CreatedAt: base})
	_ = s.SaveOffer(ctx, &models.Offer{ID: "o-young", JobID: "young", Status: models.OfferPending, Attempt: 1, CreatedAt: base.Add(time.Hour), ExpiresAt: base.Add(time.Hour + time.Minute)})
	_ = s.SaveOffer(ctx, &models.Offer{ID: "o-old", JobID: "old", Status: models.OfferPending, Attempt: 1, CreatedAt: base, ExpiresAt: base.Add(time.Minute)})
	_ = s.SaveOffer(ctx, &models.Offer{ID: "o-fresh", JobID: "other", Status: models.OfferPending, Attempt: 1, CreatedAt: base, ExpiresAt: base.Add(3 * time.Hour)})

	due, err := s.ExpiredPending(ctx, base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("expired pending: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("expected 2 overdue, got %d", len(due))
	}
	if due[0].ID != "o-old" || due[1].ID != "o-young" {
		t.Fatalf("expected oldest job first, got %s then %s", due[0].ID, due[1].ID)
	}
}

func TestActiveOfferCountCountsPendingAndAccepted(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	mk := func(id string, st models.OfferStatus) {
		_ = s.SaveOffer(ctx, &models.Offer{ID: id, JobID: "j1", Status: st, CreatedAt: now, ExpiresAt: now})
	}
	mk("a", models.OfferRejected)
	mk("b", models.OfferExpired)
	mk("c", models.OfferPending)
	n, _ := s.ActiveOfferCount(ctx, "j1")
	if n != 1 {
		t.Fatalf("expected 1 active, got %d", n)
	}
}
