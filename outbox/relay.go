/*
relay.go - Reference webhook consumer for the outbox

PURPOSE:
  Polls unprocessed outbox events and POSTs them to a configured
  webhook (the notification/audit system). This is the pattern every
  side effect follows: record the event transactionally, deliver it
  asynchronously with retries, mark it processed on success.

DELIVERY SEMANTICS:
  At least once. A crash between POST and the processed marker re-sends
  the event on the next pass; receivers must dedupe on event id.

DESIGN:
  - retryablehttp client: transport-level retries with backoff
  - per-event error isolation: a failing event is logged and retried on
    the next tick, later events still go out
  - disabled entirely when no webhook URL is configured

SEE ALSO:
  - outbox.go: the event contract
  - api/scheduler.go: the other background loops (sweep, reconciliation)
*/
package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Relay delivers outbox events to a webhook endpoint.
type Relay struct {
	store    Store
	log      *zap.SugaredLogger
	client   *retryablehttp.Client
	url      string
	interval time.Duration
	batch    int
}

// NewRelay builds a relay. url may be empty, in which case Run is a no-op.
func NewRelay(store Store, log *zap.SugaredLogger, url string, interval time.Duration) *Relay {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.Logger = nil // zap below, not retryablehttp's default logger

	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Relay{
		store:    store,
		log:      log,
		client:   client,
		url:      url,
		interval: interval,
		batch:    50,
	}
}

// Run polls until the context is cancelled.
func (r *Relay) Run(ctx context.Context) {
	if r.url == "" {
		r.log.Info("outbox relay disabled: no webhook url configured")
		return
	}

	r.log.Infow("outbox relay started", "url", r.url, "interval", r.interval)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("outbox relay stopped")
			return
		case <-ticker.C:
			r.deliverPending(ctx)
		}
	}
}

// deliverPending pushes one batch. Exported indirectly through tests via
// DeliverOnce.
func (r *Relay) deliverPending(ctx context.Context) {
	events, err := r.store.UnprocessedOutboxEvents(ctx, r.batch)
	if err != nil {
		r.log.Errorw("outbox relay: load unprocessed", "error", err)
		return
	}

	for _, e := range events {
		if err := r.deliver(ctx, e); err != nil {
			r.log.Errorw("outbox relay: deliver failed, will retry next tick",
				"event_id", e.ID, "event_type", e.Type, "error", err)
			continue
		}
		if err := r.store.MarkOutboxEventProcessed(ctx, e.ID, time.Now().UTC()); err != nil {
			// The event was delivered; the marker failing means one extra
			// delivery next tick. Receivers dedupe on event id.
			r.log.Errorw("outbox relay: mark processed failed", "event_id", e.ID, "error", err)
		}
	}
}

// DeliverOnce runs a single delivery pass. Used by tests and by the
// on-demand admin trigger.
func (r *Relay) DeliverOnce(ctx context.Context) {
	r.deliverPending(ctx)
}

type webhookEnvelope struct {
	EventID   string          `json:"event_id"`
	EventType EventType       `json:"event_type"`
	CreatedAt time.Time       `json:"created_at"`
	Data      json.RawMessage `json:"data"`
}

func (r *Relay) deliver(ctx context.Context, e Event) error {
	body, err := json.Marshal(webhookEnvelope{
		EventID:   e.ID,
		EventType: e.Type,
		CreatedAt: e.CreatedAt,
		Data:      e.Data,
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, "POST", r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Id", e.ID)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("post event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
