/*
Package outbox provides the reliable domain-event log.

PURPOSE:
  Every state transition that matters to the outside world (auto-cancel,
  payment recorded, refund, price override, promo grant, top-up) is
  written here in the SAME database transaction as the state change that
  caused it. Consumers poll unprocessed rows and mark them processed;
  the engine never performs a non-idempotent external call inside a
  financial transaction.

CRITICAL INVARIANTS:
  1. SAME-TX APPEND: an event row commits atomically with its cause, or
     not at all. A crashed process can never leave a change unannounced.
  2. AT-LEAST-ONCE: consumers may observe an event more than once; the
     processed marker is advisory, not a delivery guarantee.
  3. IMMUTABLE PAYLOAD: only the processed marker is ever updated.

PAYLOADS:
  Each event type has a closed Go struct checked at compile time; the
  Generic variant exists only for ad-hoc operator annotations. Decode()
  rehydrates the typed payload from a stored row.

SEE ALSO:
  - relay.go: the reference webhook consumer
  - recon/recon.go: reads refund events as a reconciliation source
*/
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// EVENT TYPES
// =============================================================================

// EventType tags an outbox event.
type EventType string

const (
	EventReservationAutoCancelled EventType = "RESERVATION_AUTO_CANCELLED"
	EventPaymentRecorded          EventType = "PAYMENT_RECORDED"
	EventReservationRefunded      EventType = "RESERVATION_REFUNDED"
	EventPriceOverride            EventType = "PRICE_OVERRIDE"
	EventPromoApplied             EventType = "PROMO_APPLIED"
	EventWalletTopUp              EventType = "WALLET_TOPUP"
	EventGeneric                  EventType = "GENERIC"
)

// =============================================================================
// PAYLOADS - Closed union, one struct per event type
// =============================================================================

// Payload is implemented by every event payload.
type Payload interface {
	EventType() EventType
}

// ReservationAutoCancelled reports a stale PENDING reservation reaped by
// the timeout sweep.
type ReservationAutoCancelled struct {
	ReservationID  string `json:"reservation_id"`
	UserID         string `json:"user_id"`
	ElapsedMinutes int    `json:"elapsed_minutes"`
}

func (ReservationAutoCancelled) EventType() EventType { return EventReservationAutoCancelled }

// PaymentRecorded reports a successful payment posted to the ledger.
type PaymentRecorded struct {
	SourceType       string `json:"source_type"`
	SourceID         string `json:"source_id"`
	UserID           string `json:"user_id,omitempty"`
	Amount           string `json:"amount"`
	Currency         string `json:"currency"`
	Method           string `json:"method"`
	GatewayReference string `json:"gateway_reference,omitempty"`
}

func (PaymentRecorded) EventType() EventType { return EventPaymentRecorded }

// ReservationRefunded reports a refund DEBIT.
type ReservationRefunded struct {
	ReservationID   string `json:"reservation_id"`
	UserID          string `json:"user_id,omitempty"`
	Amount          string `json:"amount"`
	Currency        string `json:"currency"`
	RefundReference string `json:"refund_reference,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

func (ReservationRefunded) EventType() EventType { return EventReservationRefunded }

// PriceOverride reports a staff price change on a PENDING reservation.
type PriceOverride struct {
	ReservationID string `json:"reservation_id"`
	OldPrice      string `json:"old_price"`
	NewPrice      string `json:"new_price"`
	Actor         string `json:"actor"`
	Reason        string `json:"reason,omitempty"`
}

func (PriceOverride) EventType() EventType { return EventPriceOverride }

// PromoApplied reports a recorded promotion grant.
type PromoApplied struct {
	PromotionID    string `json:"promotion_id"`
	Code           string `json:"code"`
	UserID         string `json:"user_id"`
	CreditsAwarded string `json:"credits_awarded,omitempty"`
	Discount       string `json:"discount,omitempty"`
}

func (PromoApplied) EventType() EventType { return EventPromoApplied }

// WalletTopUp reports a store-credit purchase.
type WalletTopUp struct {
	TopUpID  string `json:"topup_id"`
	UserID   string `json:"user_id"`
	Credits  string `json:"credits"`
	Method   string `json:"method"`
	Currency string `json:"currency"`
}

func (WalletTopUp) EventType() EventType { return EventWalletTopUp }

// Generic is the fallback for ad-hoc annotations. Prefer a typed payload.
type Generic map[string]string

func (Generic) EventType() EventType { return EventGeneric }

// =============================================================================
// EVENT - A stored outbox row
// =============================================================================

// Event is one stored outbox row.
type Event struct {
	ID          string
	Type        EventType
	Data        json.RawMessage
	CreatedAt   time.Time
	Processed   bool
	ProcessedAt *time.Time
}

// NewEvent builds an Event from a typed payload.
func NewEvent(p Payload) (Event, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", p.EventType(), err)
	}
	return Event{
		ID:        uuid.NewString(),
		Type:      p.EventType(),
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Decode rehydrates the typed payload of a stored event.
func Decode(e Event) (Payload, error) {
	var target Payload
	switch e.Type {
	case EventReservationAutoCancelled:
		target = &ReservationAutoCancelled{}
	case EventPaymentRecorded:
		target = &PaymentRecorded{}
	case EventReservationRefunded:
		target = &ReservationRefunded{}
	case EventPriceOverride:
		target = &PriceOverride{}
	case EventPromoApplied:
		target = &PromoApplied{}
	case EventWalletTopUp:
		target = &WalletTopUp{}
	case EventGeneric:
		target = &Generic{}
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
	if err := json.Unmarshal(e.Data, target); err != nil {
		return nil, fmt.Errorf("decode %s event %s: %w", e.Type, e.ID, err)
	}
	switch p := target.(type) {
	case *ReservationAutoCancelled:
		return *p, nil
	case *PaymentRecorded:
		return *p, nil
	case *ReservationRefunded:
		return *p, nil
	case *PriceOverride:
		return *p, nil
	case *PromoApplied:
		return *p, nil
	case *WalletTopUp:
		return *p, nil
	case *Generic:
		return *p, nil
	}
	return nil, fmt.Errorf("unreachable event type %q", e.Type)
}

// =============================================================================
// STORE - Persistence contract
// =============================================================================

// Store is the persistence contract for outbox rows. Appends happen on
// transaction-scoped views so the same-tx invariant holds.
type Store interface {
	// AppendOutboxEvent persists one event row.
	AppendOutboxEvent(ctx context.Context, e Event) error

	// UnprocessedOutboxEvents returns up to limit unprocessed events,
	// oldest first.
	UnprocessedOutboxEvents(ctx context.Context, limit int) ([]Event, error)

	// MarkOutboxEventProcessed sets the processed marker.
	MarkOutboxEventProcessed(ctx context.Context, id string, at time.Time) error

	// OutboxEventsByTypeSince returns events of one type created within
	// the window, oldest first. Reconciliation reads refunds this way.
	OutboxEventsByTypeSince(ctx context.Context, t EventType, since time.Time) ([]Event, error)
}

// Append is the one-line helper used inside transactions: build, stamp,
// and persist an event for the given payload.
func Append(ctx context.Context, store Store, p Payload) error {
	e, err := NewEvent(p)
	if err != nil {
		return err
	}
	if err := store.AppendOutboxEvent(ctx, e); err != nil {
		return fmt.Errorf("append %s event: %w", e.Type, err)
	}
	return nil
}
