package promo_test

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
	"github.com/warp/booking-engine/promo"
	"github.com/warp/booking-engine/store/sqlite"
	"github.com/warp/booking-engine/wallet"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestEngine(t *testing.T) (*promo.Engine, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	engine := promo.NewEngine(store, store, zap.NewNop().Sugar())
	require.NoError(t, store.CreateUser(context.Background(), core.User{
		ID: "user-1", Name: "Ana", Email: "ana@example.com",
		CreditsBalance: decimal.Zero, CreatedAt: time.Now().UTC(),
	}))
	return engine, store
}

func createPromo(t *testing.T, e *promo.Engine, p promo.Promotion) promo.Promotion {
	t.Helper()
	created, err := e.Create(context.Background(), p)
	require.NoError(t, err)
	return created
}

func eur(s string) core.Money { return core.NewMoney(s, core.EUR) }

// =============================================================================
// CREATION
// =============================================================================

func TestEngine_Create_UppercasesAndRejectsDuplicates(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	p := createPromo(t, e, promo.Promotion{
		Code: "verano10", Type: promo.TypeDiscountPercent,
		Reward: decimal.NewFromInt(10), Active: true,
	})
	assert.Equal(t, "VERANO10", p.Code)

	_, err := e.Create(ctx, promo.Promotion{
		Code: "Verano10", Type: promo.TypeDiscountFixed,
		Reward: decimal.NewFromInt(1), Active: true,
	})
	assert.ErrorIs(t, err, core.ErrConflict, "codes are case-insensitive")
}

func TestEngine_Create_Validation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Create(ctx, promo.Promotion{Type: promo.TypeDiscountFixed, Reward: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, core.ErrValidation, "missing code")

	_, err = e.Create(ctx, promo.Promotion{Code: "X", Type: "LOTTERY", Reward: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, core.ErrValidation, "unknown type")

	_, err = e.Create(ctx, promo.Promotion{Code: "X", Type: promo.TypeDiscountPercent, Reward: decimal.NewFromInt(150)})
	assert.ErrorIs(t, err, core.ErrValidation, "percent above 100")
}

// =============================================================================
// VALIDATION (dry run)
// =============================================================================

func TestEngine_Validate_FixedDiscount(t *testing.T) {
	// GIVEN: A 1.00 fixed discount
	// WHEN: Checking against a 2.00 charge
	// THEN: Final amount is 1.00

	e, _ := newTestEngine(t)
	ctx := context.Background()
	createPromo(t, e, promo.Promotion{
		Code: "DESCUENTA1", Type: promo.TypeDiscountFixed,
		Reward: decimal.NewFromInt(1), Active: true,
	})

	res, err := e.Validate(ctx, "descuenta1", "user-1", eur("2.00"))
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, "1", res.FinalAmount.Amount.String())
	assert.Equal(t, "1", res.Savings.Amount.String())
}

func TestEngine_Validate_FixedDiscountNeverNegative(t *testing.T) {
	// A 5.00 discount against a 2.00 charge clamps at 2.00.
	e, _ := newTestEngine(t)
	createPromo(t, e, promo.Promotion{
		Code: "BIG5", Type: promo.TypeDiscountFixed,
		Reward: decimal.NewFromInt(5), Active: true,
	})

	res, err := e.Validate(context.Background(), "BIG5", "user-1", eur("2.00"))
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.True(t, res.FinalAmount.Amount.IsZero(), "a discount never produces a negative charge")
}

func TestEngine_Validate_PercentDiscountCapped(t *testing.T) {
	e, _ := newTestEngine(t)
	createPromo(t, e, promo.Promotion{
		Code: "HALF", Type: promo.TypeDiscountPercent,
		Reward: decimal.NewFromInt(50), MaxReward: decimal.NewFromInt(10), Active: true,
	})

	res, err := e.Validate(context.Background(), "HALF", "user-1", eur("100.00"))
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, "10", res.Savings.Amount.String(), "50% of 100 capped at 10")
	assert.Equal(t, "90", res.FinalAmount.Amount.String())
}

func TestEngine_Validate_Rejections(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	res, err := e.Validate(ctx, "GHOST", "user-1", eur("10.00"))
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, promo.ReasonNotFound, res.Reason)
	assert.Equal(t, "10", res.FinalAmount.Amount.String(), "invalid code leaves the amount alone")

	createPromo(t, e, promo.Promotion{
		Code: "OFF", Type: promo.TypeDiscountFixed, Reward: decimal.NewFromInt(1), Active: false,
	})
	res, err = e.Validate(ctx, "OFF", "user-1", eur("10.00"))
	require.NoError(t, err)
	assert.Equal(t, promo.ReasonInactive, res.Reason)

	createPromo(t, e, promo.Promotion{
		Code: "GONE", Type: promo.TypeDiscountFixed, Reward: decimal.NewFromInt(1), Active: true,
		EndsAt: time.Now().UTC().Add(-time.Hour),
	})
	res, err = e.Validate(ctx, "GONE", "user-1", eur("10.00"))
	require.NoError(t, err)
	assert.Equal(t, promo.ReasonExpired, res.Reason)

	createPromo(t, e, promo.Promotion{
		Code: "SOON", Type: promo.TypeDiscountFixed, Reward: decimal.NewFromInt(1), Active: true,
		StartsAt: time.Now().UTC().Add(time.Hour),
	})
	res, err = e.Validate(ctx, "SOON", "user-1", eur("10.00"))
	require.NoError(t, err)
	assert.Equal(t, promo.ReasonNotStarted, res.Reason)
}

// =============================================================================
// APPLICATION
// =============================================================================

func TestEngine_Apply_SingleUsePerUser(t *testing.T) {
	// GIVEN: A credits promotion already applied for a user
	// WHEN: Applying again
	// THEN: The second attempt is rejected; the wallet moves once

	e, store := newTestEngine(t)
	ctx := context.Background()
	createPromo(t, e, promo.Promotion{
		Code: "CREDITS5", Type: promo.TypeFixedCredits,
		Reward: decimal.NewFromInt(5), Active: true,
	})

	first, res, err := e.Apply(ctx, promo.ApplyRequest{Code: "CREDITS5", UserID: "user-1"})
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, "5", first.CreditsAwarded.String())

	_, res, err = e.Apply(ctx, promo.ApplyRequest{Code: "CREDITS5", UserID: "user-1"})
	require.ErrorIs(t, err, core.ErrValidation)
	assert.False(t, res.Valid)
	assert.Equal(t, promo.ReasonAlreadyUsed, res.Reason)

	projector := wallet.NewProjector(store)
	balance, err := projector.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "5", balance.String(), "rejection must not double-grant")

	_, _, ok, err := projector.VerifyBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEngine_Apply_UsageLimitAcrossUsers(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, store.CreateUser(ctx, core.User{
		ID: "user-2", Name: "Leo", Email: "leo@example.com",
		CreditsBalance: decimal.Zero, CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, store.CreateUser(ctx, core.User{
		ID: "user-3", Name: "Mia", Email: "mia@example.com",
		CreditsBalance: decimal.Zero, CreatedAt: time.Now().UTC(),
	}))

	createPromo(t, e, promo.Promotion{
		Code: "TWOONLY", Type: promo.TypeFixedCredits,
		Reward: decimal.NewFromInt(1), UsageLimit: 2, Active: true,
	})

	_, _, err := e.Apply(ctx, promo.ApplyRequest{Code: "TWOONLY", UserID: "user-1"})
	require.NoError(t, err)
	_, _, err = e.Apply(ctx, promo.ApplyRequest{Code: "TWOONLY", UserID: "user-2"})
	require.NoError(t, err)

	_, res, err := e.Apply(ctx, promo.ApplyRequest{Code: "TWOONLY", UserID: "user-3"})
	require.Error(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, promo.ReasonUsageExceeded, res.Reason)
}

func insertPendingReservation(t *testing.T, store *sqlite.Store, id, userID string, price core.Money) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, store.InsertReservation(context.Background(), booking.Reservation{
		ID: id, UserID: userID, CourtID: "court-1", CenterID: "center-1",
		Activity: booking.ActivityPadel,
		StartTime: now.Add(24 * time.Hour), EndTime: now.Add(25 * time.Hour),
		Status: booking.StatusPending, Price: price,
		ExpiresAt: now.Add(15 * time.Minute), CreatedAt: now, UpdatedAt: now,
	}))
}

func TestEngine_Apply_DiscountRepricesReservation(t *testing.T) {
	// GIVEN: A 10.00 PENDING reservation and a 2.00-off code
	// WHEN: The code is applied to the reservation
	// THEN: The stored price drops to 8.00; the wallet is untouched

	e, store := newTestEngine(t)
	ctx := context.Background()
	createPromo(t, e, promo.Promotion{
		Code: "MINUS2", Type: promo.TypeDiscountFixed,
		Reward: decimal.NewFromInt(2), Active: true,
	})
	insertPendingReservation(t, store, "res-1", "user-1", eur("10.00"))

	app, res, err := e.Apply(ctx, promo.ApplyRequest{
		Code: "MINUS2", UserID: "user-1", ReservationID: "res-1",
	})
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, "2", app.Discount.String())
	assert.True(t, app.CreditsAwarded.IsZero())

	repriced, err := store.GetReservation(ctx, "res-1")
	require.NoError(t, err)
	assert.Equal(t, "8", repriced.Price.Amount.String())

	notes, err := store.ReservationNotes(ctx, "res-1")
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0].Body, "MINUS2")

	balance, err := wallet.NewProjector(store).Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, balance.IsZero(), "discounts never touch the wallet")
}

func TestEngine_Apply_DiscountGuards(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	createPromo(t, e, promo.Promotion{
		Code: "MINUS2", Type: promo.TypeDiscountFixed,
		Reward: decimal.NewFromInt(2), Active: true,
	})

	// unknown reservation
	_, _, err := e.Apply(ctx, promo.ApplyRequest{
		Code: "MINUS2", UserID: "user-1", ReservationID: "ghost",
	})
	assert.ErrorIs(t, err, core.ErrNotFound)

	// someone else's reservation
	insertPendingReservation(t, store, "res-other", "user-9", eur("10.00"))
	_, _, err = e.Apply(ctx, promo.ApplyRequest{
		Code: "MINUS2", UserID: "user-1", ReservationID: "res-other",
	})
	assert.ErrorIs(t, err, core.ErrValidation)

	// a reservation that is no longer PENDING cannot be repriced
	insertPendingReservation(t, store, "res-paid", "user-1", eur("10.00"))
	paid, err := store.GetReservation(ctx, "res-paid")
	require.NoError(t, err)
	paid.Status = booking.StatusPaid
	require.NoError(t, store.UpdateReservation(ctx, *paid))

	_, _, err = e.Apply(ctx, promo.ApplyRequest{
		Code: "MINUS2", UserID: "user-1", ReservationID: "res-paid",
	})
	assert.ErrorIs(t, err, core.ErrInvalidState)
}

func TestEngine_Apply_StackableRepeatsAcrossReservations(t *testing.T) {
	// GIVEN: A stackable 1.00-off code and two PENDING reservations
	// WHEN: The code is applied to each, then to the first again
	// THEN: Both reservations get the discount; the repeat is rejected

	e, store := newTestEngine(t)
	ctx := context.Background()
	createPromo(t, e, promo.Promotion{
		Code: "EVERYTIME", Type: promo.TypeDiscountFixed,
		Reward: decimal.NewFromInt(1), Stackable: true, Active: true,
	})
	insertPendingReservation(t, store, "res-a", "user-1", eur("5.00"))
	insertPendingReservation(t, store, "res-b", "user-1", eur("5.00"))

	_, res, err := e.Apply(ctx, promo.ApplyRequest{Code: "EVERYTIME", UserID: "user-1", ReservationID: "res-a"})
	require.NoError(t, err)
	assert.True(t, res.Valid)
	_, res, err = e.Apply(ctx, promo.ApplyRequest{Code: "EVERYTIME", UserID: "user-1", ReservationID: "res-b"})
	require.NoError(t, err)
	assert.True(t, res.Valid)

	a, err := store.GetReservation(ctx, "res-a")
	require.NoError(t, err)
	b, err := store.GetReservation(ctx, "res-b")
	require.NoError(t, err)
	assert.Equal(t, "4", a.Price.Amount.String())
	assert.Equal(t, "4", b.Price.Amount.String())

	// same reservation twice is still one application
	_, res, err = e.Apply(ctx, promo.ApplyRequest{Code: "EVERYTIME", UserID: "user-1", ReservationID: "res-a"})
	require.ErrorIs(t, err, core.ErrConflict)
	assert.Equal(t, promo.ReasonAlreadyUsed, res.Reason)

	after, err := store.GetReservation(ctx, "res-a")
	require.NoError(t, err)
	assert.Equal(t, "4", after.Price.Amount.String(), "rejected repeat must not reprice again")
}

// =============================================================================
// SIGNUP BONUS
// =============================================================================

func TestEngine_GrantSignupBonus(t *testing.T) {
	// GIVEN: An active SIGNUP_BONUS campaign
	// WHEN: A fresh account is granted the bonus
	// THEN: Credits land in the wallet; a second grant is absorbed

	e, store := newTestEngine(t)
	ctx := context.Background()
	createPromo(t, e, promo.Promotion{
		Code: "WELCOME", Type: promo.TypeSignupBonus,
		Reward: decimal.NewFromInt(10), Active: true,
	})

	app, err := e.GrantSignupBonus(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, app)
	assert.Equal(t, "10", app.CreditsAwarded.String())

	again, err := e.GrantSignupBonus(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, app.ID, again.ID, "bonus is granted exactly once")

	balance, err := wallet.NewProjector(store).Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "10", balance.String())
}

func TestEngine_GrantSignupBonus_NoCampaign(t *testing.T) {
	e, _ := newTestEngine(t)

	app, err := e.GrantSignupBonus(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Nil(t, app, "no campaign, nothing to grant, no error")
}
