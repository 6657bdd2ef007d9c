package wallet_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/booking-engine/core"
	"github.com/warp/booking-engine/ledger"
	"github.com/warp/booking-engine/outbox"
	"github.com/warp/booking-engine/store/sqlite"
	"github.com/warp/booking-engine/wallet"
)

func newTestTopUpService(t *testing.T) (*wallet.TopUpService, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.CreateUser(context.Background(), core.User{
		ID: "user-1", Name: "Ana", Email: "ana@example.com",
		CreditsBalance: decimal.Zero, CreatedAt: time.Now().UTC(),
	}))
	return wallet.NewTopUpService(store, zap.NewNop().Sugar()), store
}

func TestTopUpService_Purchase(t *testing.T) {
	svc, store := newTestTopUpService(t)
	ctx := context.Background()

	// WHEN a confirmed card purchase of 25 credits lands
	topup, err := svc.Purchase(ctx, "tu-1", "user-1",
		core.NewMoney("25.00", core.EUR), core.MethodCard, "gw-1")
	require.NoError(t, err)
	assert.Equal(t, "tu-1", topup.ID)

	// THEN the credit grant, the ledger entry and the event all exist
	sum, cached, ok, err := wallet.NewProjector(store).VerifyBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "25", sum.String())
	assert.Equal(t, "25", cached.String())

	entry, err := store.LedgerByIdempotencyKey(ctx, "TOPUP:tu-1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, ledger.SourceTopUp, entry.SourceType)
	assert.Equal(t, ledger.Credit, entry.Direction)
	assert.Equal(t, "tu-1", entry.Meta.TopUpID)

	events, err := store.OutboxEventsByTypeSince(ctx, outbox.EventWalletTopUp, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestTopUpService_Purchase_ReplayChangesNothing(t *testing.T) {
	svc, store := newTestTopUpService(t)
	ctx := context.Background()

	first, err := svc.Purchase(ctx, "tu-1", "user-1",
		core.NewMoney("25.00", core.EUR), core.MethodCard, "gw-1")
	require.NoError(t, err)

	// WHEN the gateway retries the same purchase id
	again, err := svc.Purchase(ctx, "tu-1", "user-1",
		core.NewMoney("25.00", core.EUR), core.MethodCard, "gw-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	// THEN the balance was granted exactly once
	balance, err := wallet.NewProjector(store).Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "25", balance.String())

	entries, err := wallet.NewProjector(store).Entries(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestTopUpService_Purchase_Validation(t *testing.T) {
	svc, _ := newTestTopUpService(t)
	ctx := context.Background()

	// credits cannot buy credits
	_, err := svc.Purchase(ctx, "", "user-1",
		core.NewMoney("10.00", core.EUR), core.MethodCredits, "")
	assert.ErrorIs(t, err, core.ErrValidation)

	// nor can a zero amount
	_, err = svc.Purchase(ctx, "", "user-1",
		core.NewMoney("0", core.EUR), core.MethodCard, "")
	assert.ErrorIs(t, err, core.ErrValidation)

	// an unknown user rolls the whole purchase back
	_, err = svc.Purchase(ctx, "", "ghost",
		core.NewMoney("10.00", core.EUR), core.MethodCard, "")
	assert.ErrorIs(t, err, core.ErrNotFound)
}
