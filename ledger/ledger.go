/*
ledger.go - Idempotent posting and querying

PURPOSE:
  The Ledger is the only component allowed to write financial rows.
  Record() is an idempotent upsert: posting the same logical event twice
  (same idempotency key) yields exactly one stored row, and both calls
  observe the same entry. This is what makes at-least-once inputs
  (gateway webhook retries, overlapping cron runs) safe.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. UNIQUE KEYS: the store enforces idempotency-key uniqueness; a
     duplicate insert surfaces as ErrDuplicateIdempotencyKey and Record
     resolves it by returning the already-posted entry.
  3. CONSISTENT AT WRITE TIME: amount non-negative, enums valid, and a
     RESERVATION/ORDER entry must reference an existing row.

CORRECTIONS:
  A wrong entry is never edited. Post an offsetting entry in the other
  direction; both remain in the ledger and the net effect is the fix.

SEE ALSO:
  - store/sqlite/sqlite.go: uniqueness enforcement
  - recon/recon.go: the repair loop built on Record's idempotency
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/warp/booking-engine/core"
)

// ErrDuplicateIdempotencyKey is returned by stores when an insert hits an
// existing idempotency key. Record treats it as "already posted", not as
// a failure.
var ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

// =============================================================================
// STORE - Persistence contract (append-only)
// =============================================================================

// Store is the persistence contract for ledger rows.
// IMPORTANT: Store is APPEND-ONLY. No update or delete methods exist.
type Store interface {
	// InsertLedgerTransaction persists one row. Returns
	// ErrDuplicateIdempotencyKey if the key already exists.
	InsertLedgerTransaction(ctx context.Context, tx Transaction) error

	// LedgerByIdempotencyKey returns the entry with the given key, or nil.
	LedgerByIdempotencyKey(ctx context.Context, key string) (*Transaction, error)

	// LedgerBySource returns the entry for one economic event, or nil.
	// Reconciliation uses this to detect "already posted".
	LedgerBySource(ctx context.Context, source SourceType, sourceID string, dir Direction) (*Transaction, error)

	// QueryLedger returns one page of entries plus the total match count.
	QueryLedger(ctx context.Context, f Filter) ([]Transaction, int, error)

	// ReservationRowExists / OrderRowExists support write-time referential
	// checks without importing the owning packages.
	ReservationRowExists(ctx context.Context, id string) (bool, error)
	OrderRowExists(ctx context.Context, id string) (bool, error)
}

// =============================================================================
// LEDGER
// =============================================================================

// Ledger posts and queries financial movements against a Store. It is
// cheap to construct: transactional call sites build one over the
// transaction-scoped store view.
type Ledger struct {
	store Store
}

// New returns a Ledger over the given store.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Record posts a financial movement. If an entry with the same
// idempotency key already exists the call is a no-op that returns the
// existing entry and created=false.
func (l *Ledger) Record(ctx context.Context, tx Transaction) (Transaction, bool, error) {
	if err := l.validate(ctx, &tx); err != nil {
		return Transaction{}, false, err
	}

	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	if tx.PaidAt.IsZero() {
		tx.PaidAt = tx.CreatedAt
	}

	err := l.store.InsertLedgerTransaction(ctx, tx)
	if err == nil {
		return tx, true, nil
	}
	if !errors.Is(err, ErrDuplicateIdempotencyKey) {
		return Transaction{}, false, fmt.Errorf("record ledger entry: %w", err)
	}

	existing, getErr := l.store.LedgerByIdempotencyKey(ctx, tx.IdempotencyKey)
	if getErr != nil {
		return Transaction{}, false, fmt.Errorf("load existing ledger entry: %w", getErr)
	}
	if existing == nil {
		// Key reported duplicate but row not visible: only reachable if a
		// concurrent writer rolled back. Surface as transient so the caller
		// retries.
		return Transaction{}, false, &core.TransientError{
			Op:    "ledger.Record",
			Cause: fmt.Errorf("idempotency key %s duplicate but not readable", tx.IdempotencyKey),
		}
	}
	return *existing, false, nil
}

// Query returns one page of entries matching the filter.
func (l *Ledger) Query(ctx context.Context, f Filter) (Page, error) {
	f.Normalize()
	entries, total, err := l.store.QueryLedger(ctx, f)
	if err != nil {
		return Page{}, fmt.Errorf("query ledger: %w", err)
	}
	return Page{Entries: entries, Total: total, PageNum: f.Page, Limit: f.Limit}, nil
}

// BySource exposes the "already posted" check used by reconciliation.
func (l *Ledger) BySource(ctx context.Context, source SourceType, sourceID string, dir Direction) (*Transaction, error) {
	return l.store.LedgerBySource(ctx, source, sourceID, dir)
}

// =============================================================================
// WRITE-TIME VALIDATION
// =============================================================================

func (l *Ledger) validate(ctx context.Context, tx *Transaction) error {
	if strings.TrimSpace(tx.IdempotencyKey) == "" {
		return &core.ValidationError{Field: "idempotencyKey", Message: "required"}
	}
	if !ValidSourceType(tx.SourceType) {
		return &core.ValidationError{Field: "sourceType", Message: "unknown source type " + string(tx.SourceType)}
	}
	if strings.TrimSpace(tx.SourceID) == "" {
		return &core.ValidationError{Field: "sourceId", Message: "required"}
	}
	if tx.Direction != Credit && tx.Direction != Debit {
		return &core.ValidationError{Field: "direction", Message: "must be CREDIT or DEBIT"}
	}
	if tx.Amount.IsNegative() {
		return &core.ValidationError{Field: "amount", Message: "must be non-negative"}
	}
	if tx.Amount.Currency == "" {
		return &core.ValidationError{Field: "currency", Message: "required"}
	}
	if tx.Method != "" && !core.ValidPaymentMethod(tx.Method) {
		return &core.ValidationError{Field: "method", Message: "unknown payment method " + string(tx.Method)}
	}
	switch tx.Status {
	case StatusPaid, StatusRefunded, StatusPending:
	default:
		return &core.ValidationError{Field: "paymentStatus", Message: "unknown status " + string(tx.Status)}
	}

	// Referential consistency: an entry must point at a real source row.
	switch tx.SourceType {
	case SourceReservation:
		ok, err := l.store.ReservationRowExists(ctx, tx.SourceID)
		if err != nil {
			return fmt.Errorf("check reservation %s: %w", tx.SourceID, err)
		}
		if !ok {
			return &core.NotFoundError{Kind: "reservation", ID: tx.SourceID}
		}
	case SourceOrder:
		ok, err := l.store.OrderRowExists(ctx, tx.SourceID)
		if err != nil {
			return fmt.Errorf("check order %s: %w", tx.SourceID, err)
		}
		if !ok {
			return &core.NotFoundError{Kind: "order", ID: tx.SourceID}
		}
	}
	return nil
}

// =============================================================================
// IDEMPOTENCY KEY CONSTRUCTORS
// =============================================================================

// PaymentKey is the key for the single CREDIT of a paid source.
func PaymentKey(source SourceType, sourceID string) string {
	return fmt.Sprintf("%s:%s", source, sourceID)
}

// RefundKey is the key for the single DEBIT of a refunded source. When
// the gateway supplies a refund reference it scopes the key, so distinct
// partial refunds stay distinct.
func RefundKey(source SourceType, sourceID, refundReference string) string {
	if refundReference != "" {
		return fmt.Sprintf("%s:%s:REFUND:%s", source, sourceID, refundReference)
	}
	return fmt.Sprintf("%s:%s:REFUND", source, sourceID)
}

// ReconKey is the key used by the reconciliation job's backfills.
func ReconKey(kind, sourceID, refundReference string) string {
	if refundReference != "" {
		return fmt.Sprintf("RECON:%s:%s:%s", kind, sourceID, refundReference)
	}
	return fmt.Sprintf("RECON:%s:%s", kind, sourceID)
}
