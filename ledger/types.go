/*
Package ledger provides the append-only record of financial movements.

PURPOSE:
  The ledger is the single source of truth for "what money moved, when,
  and why". Every payment, refund, top-up, and promotional credit is
  recorded here. Nothing else in the system is authoritative about money.

KEY CONCEPTS IN THIS FILE (types.go):
  - Transaction: one immutable financial movement (CREDIT or DEBIT)
  - SourceType:  which entity caused the movement
  - Meta:        closed, typed annotation payload with a generic fallback
  - Filter:      reporting/reconciliation query parameters

DESIGN PRINCIPLES:
  1. Immutability: rows are never updated or deleted; corrections are
     offsetting entries.
  2. Idempotency: every insert carries a globally unique idempotency key,
     which is what makes retried webhooks and overlapping jobs safe.
  3. One CREDIT per successful payment, one DEBIT per refund: the
     (sourceType, sourceId, direction) triple is logically unique per
     economic event and reconciliation relies on it.

SEE ALSO:
  - ledger.go: the Record/Query contract
  - recon/recon.go: backfills missing rows from source-of-truth tables
*/
package ledger

import (
	"encoding/json"
	"time"

	"github.com/warp/booking-engine/core"
)

// =============================================================================
// ENUMERATIONS
// =============================================================================

// SourceType identifies the entity a financial movement belongs to.
type SourceType string

const (
	SourceReservation SourceType = "RESERVATION"
	SourceOrder       SourceType = "ORDER"
	SourceTopUp       SourceType = "TOPUP"
	SourceMembership  SourceType = "MEMBERSHIP"
)

// ValidSourceType reports whether s is a known source.
func ValidSourceType(s SourceType) bool {
	switch s {
	case SourceReservation, SourceOrder, SourceTopUp, SourceMembership:
		return true
	}
	return false
}

// Direction distinguishes money in from money out.
type Direction string

const (
	Credit Direction = "CREDIT"
	Debit  Direction = "DEBIT"
)

// PaymentStatus is the financial status recorded on the entry.
type PaymentStatus string

const (
	StatusPaid     PaymentStatus = "PAID"
	StatusRefunded PaymentStatus = "REFUNDED"
	StatusPending  PaymentStatus = "PENDING"
)

// =============================================================================
// META - Typed annotation payload
// =============================================================================

// Meta is the closed annotation payload attached to a ledger entry.
// Fields are per-source rather than an untyped bag; Extra remains for
// truly ad-hoc operator annotations only.
type Meta struct {
	ReservationID   string            `json:"reservation_id,omitempty"`
	OrderID         string            `json:"order_id,omitempty"`
	TopUpID         string            `json:"topup_id,omitempty"`
	PromotionID     string            `json:"promotion_id,omitempty"`
	RefundReference string            `json:"refund_reference,omitempty"`
	ReconciledBy    string            `json:"reconciled_by,omitempty"`
	Note            string            `json:"note,omitempty"`
	Extra           map[string]string `json:"extra,omitempty"`
}

// IsZero reports whether the meta carries any information.
func (m Meta) IsZero() bool {
	return m.ReservationID == "" && m.OrderID == "" && m.TopUpID == "" &&
		m.PromotionID == "" && m.RefundReference == "" && m.ReconciledBy == "" &&
		m.Note == "" && len(m.Extra) == 0
}

// MarshalMeta serializes for storage. Zero metas store as empty string.
func MarshalMeta(m Meta) string {
	if m.IsZero() {
		return ""
	}
	b, _ := json.Marshal(m)
	return string(b)
}

// UnmarshalMeta deserializes from storage; malformed data degrades to a
// note in Extra rather than failing a read path.
func UnmarshalMeta(s string) Meta {
	if s == "" {
		return Meta{}
	}
	var m Meta
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return Meta{Extra: map[string]string{"unparsed": s}}
	}
	return m
}

// =============================================================================
// TRANSACTION - One immutable financial movement
// =============================================================================

// Transaction is a posted ledger entry. Amount is an absolute value;
// Direction carries the sign.
type Transaction struct {
	ID               string
	SourceType       SourceType
	SourceID         string
	Direction        Direction
	Amount           core.Money
	Method           core.PaymentMethod
	Status           PaymentStatus
	PaidAt           time.Time
	GatewayReference string
	IdempotencyKey   string
	CenterID         string
	Meta             Meta
	CreatedAt        time.Time
}

// =============================================================================
// QUERY FILTER
// =============================================================================

// Filter selects ledger entries for reporting and reconciliation.
// Zero-valued fields are ignored.
type Filter struct {
	SourceType SourceType
	Method     core.PaymentMethod
	Status     PaymentStatus
	CenterID   string
	DateFrom   *time.Time
	DateTo     *time.Time

	// Pagination. Page is 1-based; Limit defaults to 50, capped at 200.
	Page  int
	Limit int
}

// Normalize applies pagination defaults in place.
func (f *Filter) Normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Limit > 200 {
		f.Limit = 200
	}
}

// Offset returns the row offset for the normalized filter.
func (f Filter) Offset() int { return (f.Page - 1) * f.Limit }

// Page is one page of query results with the total row count for the
// filter, so callers can render pagination.
type Page struct {
	Entries []Transaction
	Total   int
	PageNum int
	Limit   int
}
