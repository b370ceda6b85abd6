package dispatch

import (
	"github.com/example/field-dispatch/internal/models"
)

// Notifier delivers a new offer to a worker. Delivery is best-effort:
// the state machine never rolls back a transition on notify failure.
type Notifier interface {
	NotifyWorker(workerID string, offer models.Offer) error
}

// NopNotifier drops notifications; used in tests and local runs.
type NopNotifier struct{}

func (NopNotifier) NotifyWorker(workerID string, offer models.Offer) error { return nil }
