package dispatch

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/example/field-dispatch/internal/models"
)

// FCMNotifier posts offer data messages to an FCM HTTPv1 endpoint.
type FCMNotifier struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMNotifier(endpoint, key string) *FCMNotifier {
	return &FCMNotifier{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCMNotifier) NotifyWorker(workerID string, offer models.Offer) error {
	body := map[string]interface{}{"message": map[string]interface{}{
		"token": workerID,
		"data":  map[string]interface{}{"offer_id": offer.ID, "job_id": offer.JobID, "expires_at": offer.ExpiresAt},
	}}
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest("POST", f.Endpoint, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	_, _ = f.Client.Do(req)
	return nil
}
