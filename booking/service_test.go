package booking_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/booking-engine/booking"
	"github.com/warp/booking-engine/core"
	"github.com/warp/booking-engine/ledger"
	"github.com/warp/booking-engine/outbox"
	"github.com/warp/booking-engine/promo"
	"github.com/warp/booking-engine/store/sqlite"
	"github.com/warp/booking-engine/wallet"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestService(t *testing.T, timeout time.Duration) (*booking.Service, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	svc := booking.NewService(store, store, zap.NewNop().Sugar(), timeout)

	ctx := context.Background()
	require.NoError(t, store.CreateUser(ctx, core.User{
		ID: "user-1", Name: "Ana", Email: "ana@example.com",
		CreditsBalance: decimal.Zero, CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, store.InsertCourt(ctx, booking.Court{
		ID:                  "court-1",
		CenterID:            "center-1",
		Name:                "Pista 1",
		PrimaryActivity:     booking.ActivityPadel,
		CompatibleSecondary: []booking.Activity{booking.ActivityPickleball, booking.ActivityBadminton},
		HourlyRate:          core.NewMoney("24.00", core.EUR),
		CreatedAt:           time.Now().UTC(),
	}))
	return svc, store
}

func slot(hoursAhead int, minutes int) (time.Time, time.Time) {
	start := time.Now().UTC().Add(time.Duration(hoursAhead) * time.Hour).Truncate(time.Minute)
	return start, start.Add(time.Duration(minutes) * time.Minute)
}

// expire backdates the payment window so the sweep sees the row.
func expire(t *testing.T, store *sqlite.Store, r booking.Reservation) {
	t.Helper()
	r.ExpiresAt = time.Now().UTC().Add(-20 * time.Minute)
	require.NoError(t, store.UpdateReservation(context.Background(), r))
}

func createPending(t *testing.T, svc *booking.Service) booking.Reservation {
	t.Helper()
	start, end := slot(24, 90)
	r, err := svc.Create(context.Background(), booking.CreateRequest{
		UserID: "user-1", CourtID: "court-1", StartTime: start, EndTime: end,
	})
	require.NoError(t, err)
	return r
}

// =============================================================================
// CREATION AND PRICING
// =============================================================================

func TestService_Create_PendingWithProRataPrice(t *testing.T) {
	// GIVEN: A court at 24.00/h
	// WHEN: Booking a 90 minute slot
	// THEN: PENDING reservation priced at 36.00 with a payment window

	svc, _ := newTestService(t, 15*time.Minute)
	r := createPending(t, svc)

	assert.Equal(t, booking.StatusPending, r.Status)
	assert.Equal(t, "36", r.Price.Amount.String())
	assert.Equal(t, booking.ActivityPadel, r.Activity, "defaults to the court's primary activity")
	assert.True(t, r.ExpiresAt.After(time.Now().UTC()))
	assert.True(t, r.ExpiresAt.Before(time.Now().UTC().Add(16*time.Minute)))
}

func TestService_Create_Validation(t *testing.T) {
	svc, _ := newTestService(t, 15*time.Minute)
	ctx := context.Background()
	start, end := slot(24, 60)

	_, err := svc.Create(ctx, booking.CreateRequest{CourtID: "court-1", StartTime: start, EndTime: end})
	assert.ErrorIs(t, err, core.ErrValidation, "missing user")

	_, err = svc.Create(ctx, booking.CreateRequest{UserID: "user-1", CourtID: "court-1", StartTime: end, EndTime: start})
	assert.ErrorIs(t, err, core.ErrValidation, "end before start")

	past := time.Now().UTC().Add(-time.Hour)
	_, err = svc.Create(ctx, booking.CreateRequest{UserID: "user-1", CourtID: "court-1", StartTime: past, EndTime: past.Add(time.Hour)})
	assert.ErrorIs(t, err, core.ErrValidation, "slot in the past")

	_, err = svc.Create(ctx, booking.CreateRequest{UserID: "user-1", CourtID: "ghost", StartTime: start, EndTime: end})
	assert.ErrorIs(t, err, core.ErrNotFound, "unknown court")

	_, err = svc.Create(ctx, booking.CreateRequest{UserID: "user-1", CourtID: "court-1", Activity: booking.ActivityTennis, StartTime: start, EndTime: end})
	assert.ErrorIs(t, err, core.ErrValidation, "unsupported activity")
}

func TestService_Create_OverlapConflicts(t *testing.T) {
	// GIVEN: A confirmed padel booking
	// WHEN: Booking overlapping slots
	// THEN: Primary activity overlaps conflict; compatible secondaries share

	svc, _ := newTestService(t, 15*time.Minute)
	ctx := context.Background()
	start, end := slot(24, 60)

	_, err := svc.Create(ctx, booking.CreateRequest{UserID: "user-1", CourtID: "court-1", StartTime: start, EndTime: end})
	require.NoError(t, err)

	_, err = svc.Create(ctx, booking.CreateRequest{
		UserID: "user-1", CourtID: "court-1",
		StartTime: start.Add(30 * time.Minute), EndTime: end.Add(30 * time.Minute),
	})
	assert.ErrorIs(t, err, core.ErrConflict, "padel is exclusive")

	// A fresh slot booked as pickleball can share with badminton.
	s2, e2 := slot(48, 60)
	_, err = svc.Create(ctx, booking.CreateRequest{
		UserID: "user-1", CourtID: "court-1", Activity: booking.ActivityPickleball, StartTime: s2, EndTime: e2,
	})
	require.NoError(t, err)
	_, err = svc.Create(ctx, booking.CreateRequest{
		UserID: "user-1", CourtID: "court-1", Activity: booking.ActivityBadminton, StartTime: s2, EndTime: e2,
	})
	assert.NoError(t, err, "compatible secondaries share the slot")
	_, err = svc.Create(ctx, booking.CreateRequest{
		UserID: "user-1", CourtID: "court-1", StartTime: s2, EndTime: e2,
	})
	assert.ErrorIs(t, err, core.ErrConflict, "primary cannot displace a shared slot")
}

// =============================================================================
// PAYMENT
// =============================================================================

func TestService_ConfirmPayment_PostsLedgerAndOutbox(t *testing.T) {
	// GIVEN: A pending reservation
	// WHEN: Payment is confirmed by card
	// THEN: Status PAID, one CREDIT entry, one outbox event, same tx

	svc, store := newTestService(t, 15*time.Minute)
	ctx := context.Background()
	r := createPending(t, svc)

	paid, entry, err := svc.ConfirmPayment(ctx, booking.PaymentRequest{
		ReservationID: r.ID, Method: core.MethodCard, GatewayReference: "gw-1",
	})
	require.NoError(t, err)

	assert.Equal(t, booking.StatusPaid, paid.Status)
	require.NotNil(t, paid.PaidAt)
	assert.Equal(t, ledger.Credit, entry.Direction)
	assert.Equal(t, "RESERVATION:"+r.ID, entry.IdempotencyKey)
	assert.Equal(t, "center-1", entry.CenterID)

	events, err := store.OutboxEventsByTypeSince(ctx, outbox.EventPaymentRecorded, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestService_ConfirmPayment_Replay_NoSecondEntry(t *testing.T) {
	svc, _ := newTestService(t, 15*time.Minute)
	ctx := context.Background()
	r := createPending(t, svc)

	_, first, err := svc.ConfirmPayment(ctx, booking.PaymentRequest{ReservationID: r.ID, Method: core.MethodCard})
	require.NoError(t, err)

	_, replay, err := svc.ConfirmPayment(ctx, booking.PaymentRequest{ReservationID: r.ID, Method: core.MethodCard})
	require.NoError(t, err)
	assert.Equal(t, first.ID, replay.ID, "replay observes the original entry")
}

func TestService_ConfirmPayment_WithCredits(t *testing.T) {
	// GIVEN: A wallet holding enough credits
	// WHEN: Paying with CREDITS
	// THEN: The wallet is debited atomically with the ledger entry

	svc, store := newTestService(t, 15*time.Minute)
	ctx := context.Background()
	projector := wallet.NewProjector(store)

	_, _, err := projector.Credit(ctx, "user-1", decimal.NewFromInt(50), wallet.ReasonTopUp, "TOPUP:t-1", ledger.Meta{})
	require.NoError(t, err)

	r := createPending(t, svc)
	_, _, err = svc.ConfirmPayment(ctx, booking.PaymentRequest{ReservationID: r.ID, Method: core.MethodCredits})
	require.NoError(t, err)

	balance, err := projector.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "14", balance.String(), "50 - 36")

	_, _, ok, err := projector.VerifyBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestService_ConfirmPayment_InsufficientCredits_RollsBack(t *testing.T) {
	// GIVEN: A wallet with 10 credits and a 36.00 reservation
	// WHEN: Paying with CREDITS
	// THEN: Everything rolls back: still PENDING, no ledger entry

	svc, store := newTestService(t, 15*time.Minute)
	ctx := context.Background()
	projector := wallet.NewProjector(store)
	_, _, err := projector.Credit(ctx, "user-1", decimal.NewFromInt(10), wallet.ReasonTopUp, "TOPUP:t-1", ledger.Meta{})
	require.NoError(t, err)

	r := createPending(t, svc)
	_, _, err = svc.ConfirmPayment(ctx, booking.PaymentRequest{ReservationID: r.ID, Method: core.MethodCredits})
	assert.ErrorIs(t, err, core.ErrInsufficientCredits)

	got, err := svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusPending, got.Status)

	entry, err := store.LedgerByIdempotencyKey(ctx, ledger.PaymentKey(ledger.SourceReservation, r.ID))
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestService_ConfirmPayment_BillsDiscountedPrice(t *testing.T) {
	// GIVEN: A 2.00 PENDING reservation with DESCUENTA1 (1.00 off) applied
	// WHEN: Confirming a CARD payment
	// THEN: Exactly one ledger CREDIT for 1.00

	svc, store := newTestService(t, 15*time.Minute)
	ctx := context.Background()

	// 5 minutes at 24.00/h prices the slot at 2.00
	start, end := slot(24, 5)
	r, err := svc.Create(ctx, booking.CreateRequest{
		UserID: "user-1", CourtID: "court-1", StartTime: start, EndTime: end,
	})
	require.NoError(t, err)
	require.Equal(t, "2", r.Price.Amount.String())

	engine := promo.NewEngine(store, store, zap.NewNop().Sugar())
	_, err = engine.Create(ctx, promo.Promotion{
		Code: "DESCUENTA1", Type: promo.TypeDiscountFixed,
		Reward: decimal.NewFromInt(1), Active: true,
	})
	require.NoError(t, err)

	app, res, err := engine.Apply(ctx, promo.ApplyRequest{
		Code: "DESCUENTA1", UserID: "user-1", ReservationID: r.ID,
	})
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, "1", app.Discount.String())

	paid, entry, err := svc.ConfirmPayment(ctx, booking.PaymentRequest{
		ReservationID: r.ID, Method: core.MethodCard,
	})
	require.NoError(t, err)
	assert.Equal(t, booking.StatusPaid, paid.Status)
	assert.Equal(t, "1", paid.Price.Amount.String())
	assert.Equal(t, "1", entry.Amount.Amount.String())
	assert.Equal(t, ledger.Credit, entry.Direction)

	// the discounted entry is the only one for this reservation
	page, err := ledger.New(store).Query(ctx, ledger.Filter{SourceType: ledger.SourceReservation})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
}

// =============================================================================
// REFUND
// =============================================================================

func TestService_Refund_CompensatingDebit(t *testing.T) {
	// GIVEN: A paid reservation
	// WHEN: Refunding it
	// THEN: CANCELLED with a REFUNDED DEBIT, note and outbox event

	svc, store := newTestService(t, 15*time.Minute)
	ctx := context.Background()
	r := createPending(t, svc)
	_, _, err := svc.ConfirmPayment(ctx, booking.PaymentRequest{ReservationID: r.ID, Method: core.MethodCard})
	require.NoError(t, err)

	refunded, entry, err := svc.Refund(ctx, booking.RefundRequest{
		ReservationID: r.ID, RefundID: "rf-1", Reason: "rain", Actor: "staff-1",
	})
	require.NoError(t, err)

	assert.Equal(t, booking.StatusCancelled, refunded.Status)
	assert.Equal(t, ledger.Debit, entry.Direction)
	assert.Equal(t, ledger.StatusRefunded, entry.Status)
	assert.Equal(t, "RESERVATION:"+r.ID+":REFUND:rf-1", entry.IdempotencyKey)

	notes, err := svc.Notes(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "refund: rain", notes[0].Body)

	events, err := store.OutboxEventsByTypeSince(ctx, outbox.EventReservationRefunded, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestService_Refund_CreditsGoBackToWallet(t *testing.T) {
	svc, store := newTestService(t, 15*time.Minute)
	ctx := context.Background()
	projector := wallet.NewProjector(store)
	_, _, err := projector.Credit(ctx, "user-1", decimal.NewFromInt(40), wallet.ReasonTopUp, "TOPUP:t-1", ledger.Meta{})
	require.NoError(t, err)

	r := createPending(t, svc)
	_, _, err = svc.ConfirmPayment(ctx, booking.PaymentRequest{ReservationID: r.ID, Method: core.MethodCredits})
	require.NoError(t, err)

	_, _, err = svc.Refund(ctx, booking.RefundRequest{ReservationID: r.ID, RefundID: "rf-1"})
	require.NoError(t, err)

	balance, err := projector.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "40", balance.String(), "refund restores the wallet")

	_, _, ok, err := projector.VerifyBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestService_Refund_OfUnpaid_Rejected(t *testing.T) {
	svc, _ := newTestService(t, 15*time.Minute)
	r := createPending(t, svc)

	_, _, err := svc.Refund(context.Background(), booking.RefundRequest{ReservationID: r.ID})
	assert.ErrorIs(t, err, core.ErrInvalidState)
}

// =============================================================================
// STATE MACHINE
// =============================================================================

func TestService_Transitions(t *testing.T) {
	svc, _ := newTestService(t, 15*time.Minute)
	ctx := context.Background()

	t.Run("cancel pending", func(t *testing.T) {
		r := createPending(t, svc)
		got, err := svc.Cancel(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, booking.StatusCancelled, got.Status)
	})

	t.Run("check-in requires paid", func(t *testing.T) {
		r := createPending(t, svc)
		_, err := svc.CheckIn(ctx, r.ID)
		assert.ErrorIs(t, err, core.ErrInvalidState)
	})

	t.Run("paid flows to completed", func(t *testing.T) {
		r := createPending(t, svc)
		_, _, err := svc.ConfirmPayment(ctx, booking.PaymentRequest{ReservationID: r.ID, Method: core.MethodCash})
		require.NoError(t, err)

		_, err = svc.CheckIn(ctx, r.ID)
		require.NoError(t, err)
		got, err := svc.CheckOut(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, booking.StatusCompleted, got.Status)

		_, err = svc.CheckIn(ctx, r.ID)
		assert.ErrorIs(t, err, core.ErrInvalidState, "COMPLETED is terminal")
	})

	t.Run("paid cancellation must refund", func(t *testing.T) {
		r := createPending(t, svc)
		_, _, err := svc.ConfirmPayment(ctx, booking.PaymentRequest{ReservationID: r.ID, Method: core.MethodCash})
		require.NoError(t, err)

		_, err = svc.Cancel(ctx, r.ID)
		assert.ErrorIs(t, err, core.ErrInvalidState, "money moved, Cancel is the wrong door")
	})

	t.Run("no-show keeps the payment", func(t *testing.T) {
		r := createPending(t, svc)
		_, _, err := svc.ConfirmPayment(ctx, booking.PaymentRequest{ReservationID: r.ID, Method: core.MethodCash})
		require.NoError(t, err)

		got, err := svc.NoShow(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, booking.StatusNoShow, got.Status)
	})
}

// =============================================================================
// PRICE OVERRIDE
// =============================================================================

func TestService_OverridePrice(t *testing.T) {
	svc, store := newTestService(t, 15*time.Minute)
	ctx := context.Background()
	r := createPending(t, svc)

	got, err := svc.OverridePrice(ctx, r.ID, core.NewMoney("20.00", core.EUR), "staff-1", "member discount")
	require.NoError(t, err)
	assert.Equal(t, "20", got.Price.Amount.String())

	notes, err := svc.Notes(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, notes, 1)

	events, err := store.OutboxEventsByTypeSince(ctx, outbox.EventPriceOverride, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, events, 1)

	// The ledger bills the overridden price.
	_, entry, err := svc.ConfirmPayment(ctx, booking.PaymentRequest{ReservationID: r.ID, Method: core.MethodCard})
	require.NoError(t, err)
	assert.Equal(t, "20", entry.Amount.Amount.String())
}

func TestService_OverridePrice_PaidRejected(t *testing.T) {
	svc, _ := newTestService(t, 15*time.Minute)
	ctx := context.Background()
	r := createPending(t, svc)
	_, _, err := svc.ConfirmPayment(ctx, booking.PaymentRequest{ReservationID: r.ID, Method: core.MethodCard})
	require.NoError(t, err)

	_, err = svc.OverridePrice(ctx, r.ID, core.NewMoney("1.00", core.EUR), "staff-1", "nope")
	assert.ErrorIs(t, err, core.ErrInvalidState)
}

// =============================================================================
// TIMEOUT SWEEP
// =============================================================================

func TestService_SweepExpired_CancelsStalePending(t *testing.T) {
	// GIVEN: A reservation whose payment window lapsed
	// WHEN: The sweep runs
	// THEN: CANCELLED with a system note and an auto-cancel event

	svc, store := newTestService(t, 15*time.Minute)
	ctx := context.Background()
	r := createPending(t, svc)
	expire(t, store, r)

	cleaned, total, err := svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, cleaned)

	got, err := svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusCancelled, got.Status)

	notes, err := svc.Notes(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "system", notes[0].Author)
	assert.Contains(t, notes[0].Body, "auto-cancelled")

	events, err := store.OutboxEventsByTypeSince(ctx, outbox.EventReservationAutoCancelled, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestService_SweepExpired_LeavesLiveRowsAlone(t *testing.T) {
	svc, _ := newTestService(t, time.Hour)
	ctx := context.Background()
	r := createPending(t, svc)

	cleaned, total, err := svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Zero(t, cleaned)

	got, err := svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusPending, got.Status)
}

func TestService_SweepExpired_SecondRunFindsNothing(t *testing.T) {
	svc, store := newTestService(t, 15*time.Minute)
	ctx := context.Background()
	expire(t, store, createPending(t, svc))

	_, _, err := svc.SweepExpired(ctx)
	require.NoError(t, err)

	cleaned, total, err := svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, total, "a swept row never reappears")
	assert.Zero(t, cleaned)
}
