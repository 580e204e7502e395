package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ScanNotification is the payload sent to a link's webhook target after a
// scan event has been persisted.
type ScanNotification struct {
	Event       string    `json:"event"`
	LinkID      int64     `json:"link_id,string"`
	OccurredAt  time.Time `json:"occurred_at"`
	DeviceClass string    `json:"device_class"`
	GeoCity     string    `json:"geo_city,omitempty"`
	GeoCountry  string    `json:"geo_country,omitempty"`
}

// Notifier delivers scan notifications. Delivery is single-attempt: a failed
// call is the caller's to log, never to retry, so at-least-once queue
// redelivery cannot multiply side effects on the receiver more than the
// queue already does.
type Notifier struct {
	client *http.Client
}

func NewNotifier(timeout time.Duration) *Notifier {
	return &Notifier{client: &http.Client{Timeout: timeout}}
}

func (n *Notifier) NotifyScan(ctx context.Context, target string, notification ScanNotification) error {
	notification.Event = "scan"

	body, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook target replied %d", resp.StatusCode)
	}
	return nil
}
