/*
Package wallet maintains per-user store-credit balances.

PURPOSE:
  The wallet is a projection over wallet-scoped ledger entries. Every
  credit movement writes an Entry carrying balanceAfter AND updates the
  user's cached creditsBalance to the same value, in one transaction.
  Any code path that changes a balance without going through this
  projector is a design violation.

CRITICAL INVARIANTS:
  1. SUM == CACHE: the sum of a user's entries always equals the cached
     balance field. VerifyBalance checks this and tests enforce it.
  2. IDEMPOTENT: entries carry idempotency keys; re-applying the same
     logical movement (retried top-up webhook, replayed signup bonus)
     returns the existing entry instead of double-counting.
  3. NO OVERDRAFT: a debit exceeding the balance is rejected before any
     write.

USAGE:
  Construct the Projector over a transaction-scoped store view so the
  entry insert and the cache update commit together:

    err := runner.WithTx(ctx, func(tx booking.TxStore) error {
        _, _, err := wallet.NewProjector(tx).Debit(ctx, userID, price, wallet.ReasonSpend, key, meta)
        ...
    })

SEE ALSO:
  - ledger/types.go: wallet entries reuse the ledger's Meta and Direction
  - promo/promo.go: bonus grants flow through Credit
*/
package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/booking-engine/core"
	"github.com/warp/booking-engine/ledger"
)

// =============================================================================
// TYPES
// =============================================================================

// Reason explains why credits moved.
type Reason string

const (
	ReasonTopUp  Reason = "TOPUP"
	ReasonSpend  Reason = "SPEND"
	ReasonRefund Reason = "REFUND"
	ReasonPromo  Reason = "PROMO"
)

// ValidReason reports whether r is a known reason.
func ValidReason(r Reason) bool {
	switch r {
	case ReasonTopUp, ReasonSpend, ReasonRefund, ReasonPromo:
		return true
	}
	return false
}

// Entry is one wallet movement. Credits is an absolute value; Type
// carries the sign. BalanceAfter is the running balance strictly after
// applying this entry.
type Entry struct {
	ID             string
	UserID         string
	Type           ledger.Direction
	Reason         Reason
	Credits        decimal.Decimal
	BalanceAfter   decimal.Decimal
	IdempotencyKey string
	Meta           ledger.Meta
	CreatedAt      time.Time
}

// =============================================================================
// STORE - Persistence contract
// =============================================================================

// Store is the persistence contract for wallet movements and the cached
// user balance. Implementations map a duplicate idempotency key to
// ledger.ErrDuplicateIdempotencyKey.
type Store interface {
	InsertWalletEntry(ctx context.Context, e Entry) error
	WalletEntryByKey(ctx context.Context, key string) (*Entry, error)
	WalletEntriesForUser(ctx context.Context, userID string) ([]Entry, error)
	GetUser(ctx context.Context, id string) (*core.User, error)
	UpdateUserCreditsBalance(ctx context.Context, userID string, balance decimal.Decimal) error
}

// =============================================================================
// PROJECTOR
// =============================================================================

// Projector applies wallet movements. Cheap to construct over a
// transaction-scoped store view.
type Projector struct {
	store Store
}

// NewProjector returns a Projector over the given store.
func NewProjector(store Store) *Projector {
	return &Projector{store: store}
}

// Credit adds credits to a user's wallet. Idempotent on key.
func (p *Projector) Credit(ctx context.Context, userID string, credits decimal.Decimal, reason Reason, key string, meta ledger.Meta) (Entry, bool, error) {
	return p.apply(ctx, userID, ledger.Credit, credits, reason, key, meta)
}

// Debit removes credits from a user's wallet. Idempotent on key;
// rejects overdrafts with core.ErrInsufficientCredits.
func (p *Projector) Debit(ctx context.Context, userID string, credits decimal.Decimal, reason Reason, key string, meta ledger.Meta) (Entry, bool, error) {
	return p.apply(ctx, userID, ledger.Debit, credits, reason, key, meta)
}

func (p *Projector) apply(ctx context.Context, userID string, dir ledger.Direction, credits decimal.Decimal, reason Reason, key string, meta ledger.Meta) (Entry, bool, error) {
	if credits.IsNegative() {
		return Entry{}, false, &core.ValidationError{Field: "credits", Message: "must be non-negative"}
	}
	if !ValidReason(reason) {
		return Entry{}, false, &core.ValidationError{Field: "reason", Message: "unknown reason " + string(reason)}
	}
	if key == "" {
		return Entry{}, false, &core.ValidationError{Field: "idempotencyKey", Message: "required"}
	}

	user, err := p.store.GetUser(ctx, userID)
	if err != nil {
		return Entry{}, false, fmt.Errorf("load user %s: %w", userID, err)
	}
	if user == nil {
		return Entry{}, false, &core.NotFoundError{Kind: "user", ID: userID}
	}

	var after decimal.Decimal
	switch dir {
	case ledger.Credit:
		after = user.CreditsBalance.Add(credits)
	case ledger.Debit:
		after = user.CreditsBalance.Sub(credits)
		if after.IsNegative() {
			return Entry{}, false, fmt.Errorf("debit %s from user %s (balance %s): %w",
				credits, userID, user.CreditsBalance, core.ErrInsufficientCredits)
		}
	default:
		return Entry{}, false, &core.ValidationError{Field: "type", Message: "must be CREDIT or DEBIT"}
	}

	entry := Entry{
		ID:             uuid.NewString(),
		UserID:         userID,
		Type:           dir,
		Reason:         reason,
		Credits:        credits,
		BalanceAfter:   after,
		IdempotencyKey: key,
		Meta:           meta,
		CreatedAt:      time.Now().UTC(),
	}

	if err := p.store.InsertWalletEntry(ctx, entry); err != nil {
		if errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
			existing, getErr := p.store.WalletEntryByKey(ctx, key)
			if getErr != nil {
				return Entry{}, false, fmt.Errorf("load existing wallet entry: %w", getErr)
			}
			if existing != nil {
				return *existing, false, nil
			}
		}
		return Entry{}, false, fmt.Errorf("insert wallet entry: %w", err)
	}

	if err := p.store.UpdateUserCreditsBalance(ctx, userID, after); err != nil {
		return Entry{}, false, fmt.Errorf("update cached balance: %w", err)
	}
	return entry, true, nil
}

// =============================================================================
// INVARIANT CHECK
// =============================================================================

// VerifyBalance recomputes the sum of a user's entries and compares it
// to the cached balance. Test helper and operator tool.
func (p *Projector) VerifyBalance(ctx context.Context, userID string) (sum, cached decimal.Decimal, ok bool, err error) {
	user, err := p.store.GetUser(ctx, userID)
	if err != nil {
		return decimal.Zero, decimal.Zero, false, err
	}
	if user == nil {
		return decimal.Zero, decimal.Zero, false, &core.NotFoundError{Kind: "user", ID: userID}
	}

	entries, err := p.store.WalletEntriesForUser(ctx, userID)
	if err != nil {
		return decimal.Zero, decimal.Zero, false, err
	}

	sum = decimal.Zero
	for _, e := range entries {
		switch e.Type {
		case ledger.Credit:
			sum = sum.Add(e.Credits)
		case ledger.Debit:
			sum = sum.Sub(e.Credits)
		}
	}
	return sum, user.CreditsBalance, sum.Equal(user.CreditsBalance), nil
}

// Entries returns a user's wallet history, oldest first.
func (p *Projector) Entries(ctx context.Context, userID string) ([]Entry, error) {
	return p.store.WalletEntriesForUser(ctx, userID)
}

// Balance returns the cached balance.
func (p *Projector) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	user, err := p.store.GetUser(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	if user == nil {
		return decimal.Zero, &core.NotFoundError{Kind: "user", ID: userID}
	}
	return user.CreditsBalance, nil
}
