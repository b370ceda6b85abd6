package dispatch

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/example/field-dispatch/internal/models"
)

// PushNotifier tries the worker's live WS session first and falls back
// to posting the offer to a push-provider HTTP endpoint.
type PushNotifier struct {
	Endpoint string
	Client   *http.Client
	WS       *WSRegistry
}

func NewPushNotifier(endpoint string, ws *WSRegistry) *PushNotifier {
	return &PushNotifier{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}, WS: ws}
}

func (p *PushNotifier) NotifyWorker(workerID string, offer models.Offer) error {
	if p.WS != nil {
		if err := p.WS.NotifyWorker(workerID, offer); err == nil {
			return nil
		}
	}
	if p.Endpoint == "" {
		return nil
	}
	b, _ := json.Marshal(map[string]interface{}{"worker_id": workerID, "offer": offer})
	_, _ = p.Client.Post(p.Endpoint, "application/json", bytes.NewReader(b))
	return nil
}
