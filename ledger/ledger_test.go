package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/booking-engine/booking"
	"github.com/warp/booking-engine/core"
	"github.com/warp/booking-engine/ledger"
	"github.com/warp/booking-engine/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestLedger(t *testing.T) (*ledger.Ledger, *memory.Store) {
	t.Helper()
	store := memory.New()
	return ledger.New(store), store
}

func topUpTx(sourceID, key, amount string) ledger.Transaction {
	return ledger.Transaction{
		SourceType:     ledger.SourceTopUp,
		SourceID:       sourceID,
		Direction:      ledger.Credit,
		Amount:         core.NewMoney(amount, core.EUR),
		Method:         core.MethodCard,
		Status:         ledger.StatusPaid,
		IdempotencyKey: key,
	}
}

// =============================================================================
// IDEMPOTENT POSTING
// =============================================================================

func TestLedger_Record_CreatesEntry(t *testing.T) {
	// GIVEN: An empty ledger
	// WHEN: Posting a top-up credit
	// THEN: The entry is stored with generated ID and timestamps

	l, _ := newTestLedger(t)
	ctx := context.Background()

	entry, created, err := l.Record(ctx, topUpTx("topup-1", "TOPUP:topup-1", "25.00"))

	require.NoError(t, err)
	assert.True(t, created, "first post should create")
	assert.NotEmpty(t, entry.ID)
	assert.False(t, entry.CreatedAt.IsZero())
	assert.False(t, entry.PaidAt.IsZero())
	assert.Equal(t, "25", entry.Amount.Amount.String())
}

func TestLedger_Record_DuplicateKey_ReturnsExisting(t *testing.T) {
	// GIVEN: An entry already posted under a key
	// WHEN: Posting again with the same key and a different amount
	// THEN: The original entry comes back unchanged, created=false

	l, _ := newTestLedger(t)
	ctx := context.Background()

	first, created, err := l.Record(ctx, topUpTx("topup-1", "TOPUP:topup-1", "25.00"))
	require.NoError(t, err)
	require.True(t, created)

	replay, created, err := l.Record(ctx, topUpTx("topup-1", "TOPUP:topup-1", "99.00"))
	require.NoError(t, err)
	assert.False(t, created, "replay must not create a second row")
	assert.Equal(t, first.ID, replay.ID)
	assert.Equal(t, "25", replay.Amount.Amount.String(), "replay observes the original amount")
}

func TestLedger_Record_DistinctKeys_DistinctRows(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, created, err := l.Record(ctx, topUpTx("topup-1", "TOPUP:topup-1", "25.00"))
	require.NoError(t, err)
	require.True(t, created)

	_, created, err = l.Record(ctx, topUpTx("topup-2", "TOPUP:topup-2", "25.00"))
	require.NoError(t, err)
	assert.True(t, created)
}

// =============================================================================
// WRITE-TIME VALIDATION
// =============================================================================

func TestLedger_Record_Validation(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*ledger.Transaction)
	}{
		{"missing key", func(tx *ledger.Transaction) { tx.IdempotencyKey = " " }},
		{"unknown source type", func(tx *ledger.Transaction) { tx.SourceType = "GIFT" }},
		{"missing source id", func(tx *ledger.Transaction) { tx.SourceID = "" }},
		{"bad direction", func(tx *ledger.Transaction) { tx.Direction = "SIDEWAYS" }},
		{"negative amount", func(tx *ledger.Transaction) { tx.Amount = core.NewMoney("-1.00", core.EUR) }},
		{"missing currency", func(tx *ledger.Transaction) { tx.Amount = core.Money{Amount: decimal.NewFromInt(5)} }},
		{"unknown method", func(tx *ledger.Transaction) { tx.Method = "BARTER" }},
		{"unknown status", func(tx *ledger.Transaction) { tx.Status = "MAYBE" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tx := topUpTx("topup-v", "TOPUP:topup-v", "10.00")
			tc.mutate(&tx)
			_, _, err := l.Record(ctx, tx)
			assert.ErrorIs(t, err, core.ErrValidation)
		})
	}
}

func TestLedger_Record_EmptyMethodAllowed(t *testing.T) {
	// Reconciliation backfills may not know how the money moved.
	l, _ := newTestLedger(t)

	tx := topUpTx("topup-nm", "TOPUP:topup-nm", "10.00")
	tx.Method = ""
	_, created, err := l.Record(context.Background(), tx)

	require.NoError(t, err)
	assert.True(t, created)
}

func TestLedger_Record_ReservationMustExist(t *testing.T) {
	// GIVEN: No reservation row
	// WHEN: Posting a RESERVATION entry
	// THEN: Rejected as not found

	l, store := newTestLedger(t)
	ctx := context.Background()

	tx := topUpTx("res-1", "RESERVATION:res-1", "30.00")
	tx.SourceType = ledger.SourceReservation
	_, _, err := l.Record(ctx, tx)
	assert.ErrorIs(t, err, core.ErrNotFound)

	// With the row present the same entry posts fine.
	store.PutReservation(booking.Reservation{ID: "res-1"})
	_, created, err := l.Record(ctx, tx)
	require.NoError(t, err)
	assert.True(t, created)
}

// =============================================================================
// QUERYING
// =============================================================================

func TestLedger_Query_FilterAndPaginate(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	for i, key := range []string{"a", "b", "c"} {
		tx := topUpTx("topup-"+key, "TOPUP:topup-"+key, "10.00")
		tx.PaidAt = time.Date(2026, time.March, 1+i, 12, 0, 0, 0, time.UTC)
		_, _, err := l.Record(ctx, tx)
		require.NoError(t, err)
	}
	cash := topUpTx("topup-d", "TOPUP:topup-d", "5.00")
	cash.Method = core.MethodCash
	_, _, err := l.Record(ctx, cash)
	require.NoError(t, err)

	page, err := l.Query(ctx, ledger.Filter{Method: core.MethodCard, Page: 1, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Entries, 2)

	page, err = l.Query(ctx, ledger.Filter{Method: core.MethodCard, Page: 2, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page.Entries, 1)
}

// =============================================================================
// KEY CONSTRUCTORS
// =============================================================================

func TestIdempotencyKeys(t *testing.T) {
	assert.Equal(t, "RESERVATION:res-1", ledger.PaymentKey(ledger.SourceReservation, "res-1"))
	assert.Equal(t, "ORDER:ord-1:REFUND", ledger.RefundKey(ledger.SourceOrder, "ord-1", ""))
	assert.Equal(t, "RESERVATION:res-1:REFUND:rf-9", ledger.RefundKey(ledger.SourceReservation, "res-1", "rf-9"))
	assert.Equal(t, "RECON:RESERVATION:res-1", ledger.ReconKey("RESERVATION", "res-1", ""))
	assert.Equal(t, "RECON:REFUND:res-1:rf-9", ledger.ReconKey("REFUND", "res-1", "rf-9"))
}
