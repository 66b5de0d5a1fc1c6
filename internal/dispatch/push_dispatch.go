package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ridepool/internal/models"
	"github.com/example/ridepool/internal/observability"
)

// PushDispatcher delivers decisions over the rider's websocket when one is
// open and falls back to posting them to a webhook endpoint.
type PushDispatcher struct {
	Endpoint string
	Client   *http.Client
	WS       *WSRegistry
}

func NewPushDispatcher(endpoint string, ws *WSRegistry) *PushDispatcher {
	return &PushDispatcher{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}, WS: ws}
}

func (p *PushDispatcher) Notify(riderID string, rec models.AllocationRecord) error {
	if p.WS != nil {
		err := p.WS.Notify(riderID, rec)
		if err == nil {
			return nil
		}
		if p.Endpoint == "" {
			return err
		}
	}
	if p.Endpoint == "" {
		return ErrNoSession
	}
	if err := p.post(riderID, rec); err != nil {
		observability.NotificationsSent.WithLabelValues("webhook", "error").Inc()
		return err
	}
	observability.NotificationsSent.WithLabelValues("webhook", "ok").Inc()
	return nil
}

func (p *PushDispatcher) post(riderID string, rec models.AllocationRecord) error {
	b, err := json.Marshal(map[string]any{"rider_id": riderID, "notice": decisionNotice(rec)})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client().Do(req)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return errors.New("webhook: unexpected status " + resp.Status)
	}
	return nil
}

func (p *PushDispatcher) client() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return http.DefaultClient
}

func (p *PushDispatcher) timeout() time.Duration {
	if p.Client != nil && p.Client.Timeout > 0 {
		return p.Client.Timeout
	}
	return 3 * time.Second
}
