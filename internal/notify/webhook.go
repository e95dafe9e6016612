package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Webhook posts notices to a push gateway, which owns device delivery.
type Webhook struct {
	Endpoint string
	Key      string // optional bearer token
	Client   *http.Client
}

func NewWebhook(endpoint, key string) *Webhook {
	return &Webhook{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (w *Webhook) NotifyOffer(ctx context.Context, n models.OfferNotice) error {
	b, err := json.Marshal(map[string]any{"ride_id": n.RideID, "driver_id": n.DriverID, "offer": n})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.Key != "" {
		req.Header.Set("Authorization", "Bearer "+w.Key)
	}
	resp, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push gateway status %d", resp.StatusCode)
	}
	return nil
}
