/*
Package promo evaluates and applies promotions.

PURPOSE:
  Promotions either discount a checkout amount (DISCOUNT_FIXED,
  DISCOUNT_PERCENT) or grant wallet credits (FIXED_CREDITS,
  SIGNUP_BONUS). Validation is side-effect free; Apply records the grant
  atomically with its usage bump, wallet movement and outbox event.

CRITICAL INVARIANTS:
  1. SINGLE USE PER USER: applications carry the idempotency key
     <TYPE>:<userId>:<promotionId>. A second apply for the same pair is
     rejected with ALREADY_USED. Stackable promotions scope the key per
     reservation instead, so they repeat across bookings but never
     double-apply to one.
  2. BOUNDED USAGE: the usage counter is bumped with a conditional
     update. Once the limit is reached, concurrent applies lose the
     race instead of overshooting.
  3. DISCOUNTS NEVER GO NEGATIVE: a fixed discount is clamped to the
     amount; a percent discount is capped by maxReward when set.
  4. DISCOUNTS REPRICE THE RESERVATION: applying a discount to a
     PENDING reservation lowers its stored price in the same
     transaction, so payment confirmation bills the discounted amount.

SEE ALSO:
  - wallet/wallet.go: credit grants flow through the projector
*/
package promo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/booking-engine/booking"
	"github.com/warp/booking-engine/core"
	"github.com/warp/booking-engine/ledger"
	"github.com/warp/booking-engine/outbox"
	"github.com/warp/booking-engine/wallet"
)

// =============================================================================
// TYPES
// =============================================================================

// Type classifies what a promotion grants.
type Type string

const (
	TypeSignupBonus     Type = "SIGNUP_BONUS"
	TypeDiscountFixed   Type = "DISCOUNT_FIXED"
	TypeDiscountPercent Type = "DISCOUNT_PERCENT"
	TypeFixedCredits    Type = "FIXED_CREDITS"
)

// ValidType reports whether t is a known promotion type.
func ValidType(t Type) bool {
	switch t {
	case TypeSignupBonus, TypeDiscountFixed, TypeDiscountPercent, TypeFixedCredits:
		return true
	}
	return false
}

// GrantsCredits reports whether the type pays into the wallet rather
// than discounting a checkout.
func (t Type) GrantsCredits() bool {
	return t == TypeSignupBonus || t == TypeFixedCredits
}

// Promotion is a configured campaign.
type Promotion struct {
	ID   string
	Code string
	Name string
	Type Type
	// Reward is an amount for fixed types and a percentage (0..100)
	// for DISCOUNT_PERCENT.
	Reward decimal.Decimal
	// MaxReward caps percent discounts. Zero means uncapped.
	MaxReward decimal.Decimal
	Stackable bool
	StartsAt  time.Time
	EndsAt    time.Time
	// UsageLimit bounds total applications across all users. Zero
	// means unlimited.
	UsageLimit int
	UsageCount int
	// DaysOfWeek and the hour window restrict when the promotion may
	// be applied. Empty/zero means no restriction.
	DaysOfWeek []time.Weekday
	HourFrom   int
	HourTo     int
	Active     bool
	CreatedAt  time.Time
}

// Application is one recorded grant.
type Application struct {
	ID             string
	PromotionID    string
	UserID         string
	ReservationID  string
	CreditsAwarded decimal.Decimal
	Discount       decimal.Decimal
	IdempotencyKey string
	AppliedAt      time.Time
}

// ApplicationKey builds the single-use-per-user idempotency key.
func ApplicationKey(t Type, userID, promotionID string) string {
	return fmt.Sprintf("%s:%s:%s", t, userID, promotionID)
}

// discount computes the money p takes off amount. Zero for credit
// types.
func (p Promotion) discount(amount core.Money) core.Money {
	switch p.Type {
	case TypeDiscountFixed:
		return core.NewMoneyFromDecimal(decimal.Min(p.Reward, amount.Amount), amount.Currency)
	case TypeDiscountPercent:
		d := amount.Amount.Mul(p.Reward).Div(decimal.NewFromInt(100)).Round(2)
		if p.MaxReward.IsPositive() && d.GreaterThan(p.MaxReward) {
			d = p.MaxReward
		}
		return core.NewMoneyFromDecimal(d, amount.Currency)
	}
	return amount.Zero()
}

// Rejection reasons surfaced by Validate.
const (
	ReasonNotFound      = "code not found"
	ReasonInactive      = "promotion inactive"
	ReasonExpired       = "promotion expired"
	ReasonNotStarted    = "promotion not started"
	ReasonUsageExceeded = "usage limit reached"
	ReasonOutsideWindow = "outside allowed time window"
	ReasonAlreadyUsed   = "already used by this user"
)

// Result is the outcome of validating a code against an amount.
type Result struct {
	Valid          bool
	Reason         string
	Promotion      *Promotion
	Reward         decimal.Decimal
	OriginalAmount core.Money
	FinalAmount    core.Money
	Savings        core.Money
}

// =============================================================================
// STORE - Persistence contract
// =============================================================================

// Store is the promotion persistence contract. Implementations map a
// duplicate application key to ledger.ErrDuplicateIdempotencyKey.
type Store interface {
	InsertPromotion(ctx context.Context, p Promotion) error
	GetPromotion(ctx context.Context, id string) (*Promotion, error)
	PromotionByCode(ctx context.Context, code string) (*Promotion, error)
	ListPromotions(ctx context.Context, activeOnly bool) ([]Promotion, error)
	InsertPromotionApplication(ctx context.Context, a Application) error
	PromotionApplicationByKey(ctx context.Context, key string) (*Application, error)
	// IncrementPromotionUsage bumps usage_count only while it is below
	// the limit (or the limit is zero) and reports whether it did.
	IncrementPromotionUsage(ctx context.Context, id string) (bool, error)
}

// ReservationStore is the slice of the booking store a discount
// application touches when it reprices a reservation.
type ReservationStore interface {
	GetReservation(ctx context.Context, id string) (*booking.Reservation, error)
	UpdateReservation(ctx context.Context, r booking.Reservation) error
	AppendReservationNote(ctx context.Context, n booking.Note) error
}

// TxStore is everything an apply touches in one transaction.
type TxStore interface {
	Store
	wallet.Store
	outbox.Store
	ReservationStore
}

// TxRunner opens a transaction scoped to promotion work.
type TxRunner interface {
	RunPromoTx(ctx context.Context, fn func(tx TxStore) error) error
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine validates and applies promotions.
type Engine struct {
	store  Store
	runner TxRunner
	log    *zap.SugaredLogger
	now    func() time.Time
}

// NewEngine returns an Engine.
func NewEngine(store Store, runner TxRunner, log *zap.SugaredLogger) *Engine {
	return &Engine{
		store:  store,
		runner: runner,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create registers a new promotion.
func (e *Engine) Create(ctx context.Context, p Promotion) (Promotion, error) {
	if p.Code == "" {
		return Promotion{}, &core.ValidationError{Field: "code", Message: "required"}
	}
	if !ValidType(p.Type) {
		return Promotion{}, &core.ValidationError{Field: "type", Message: "unknown promotion type"}
	}
	if p.Reward.IsNegative() || (p.Type == TypeDiscountPercent && p.Reward.GreaterThan(decimal.NewFromInt(100))) {
		return Promotion{}, &core.ValidationError{Field: "reward", Message: "out of range"}
	}
	p.Code = strings.ToUpper(p.Code)
	if existing, err := e.store.PromotionByCode(ctx, p.Code); err != nil {
		return Promotion{}, err
	} else if existing != nil {
		return Promotion{}, &core.ConflictError{Resource: "promotion", Detail: "code " + p.Code + " already exists"}
	}
	p.ID = uuid.NewString()
	p.CreatedAt = e.now()
	if err := e.store.InsertPromotion(ctx, p); err != nil {
		return Promotion{}, fmt.Errorf("insert promotion: %w", err)
	}
	return p, nil
}

// Validate checks a code against an amount without side effects.
func (e *Engine) Validate(ctx context.Context, code, userID string, amount core.Money) (Result, error) {
	p, err := e.store.PromotionByCode(ctx, strings.ToUpper(code))
	if err != nil {
		return Result{}, err
	}
	if p == nil {
		return Result{Reason: ReasonNotFound, OriginalAmount: amount, FinalAmount: amount, Savings: amount.Zero()}, nil
	}
	if reason := e.eligibility(*p); reason != "" {
		return Result{Reason: reason, Promotion: p, OriginalAmount: amount, FinalAmount: amount, Savings: amount.Zero()}, nil
	}

	// Stackable codes are limited per reservation, not per user; the
	// dry run cannot know the reservation, so Apply enforces that.
	if !p.Stackable {
		used, err := e.store.PromotionApplicationByKey(ctx, ApplicationKey(p.Type, userID, p.ID))
		if err != nil {
			return Result{}, err
		}
		if used != nil {
			return Result{Reason: ReasonAlreadyUsed, Promotion: p, OriginalAmount: amount, FinalAmount: amount, Savings: amount.Zero()}, nil
		}
	}

	res := Result{Valid: true, Promotion: p, OriginalAmount: amount}
	switch p.Type {
	case TypeDiscountFixed, TypeDiscountPercent:
		res.Savings = p.discount(amount)
		res.Reward = res.Savings.Amount
		res.FinalAmount = amount.Sub(res.Savings)
	case TypeFixedCredits, TypeSignupBonus:
		// Credits grants do not touch the checkout amount.
		res.Reward = p.Reward
		res.Savings = amount.Zero()
		res.FinalAmount = amount
	}
	return res, nil
}

// eligibility returns a rejection reason, or "" when the promotion is
// currently applicable.
func (e *Engine) eligibility(p Promotion) string {
	if !p.Active {
		return ReasonInactive
	}
	now := e.now()
	if !p.StartsAt.IsZero() && now.Before(p.StartsAt) {
		return ReasonNotStarted
	}
	if !p.EndsAt.IsZero() && now.After(p.EndsAt) {
		return ReasonExpired
	}
	if p.UsageLimit > 0 && p.UsageCount >= p.UsageLimit {
		return ReasonUsageExceeded
	}
	if len(p.DaysOfWeek) > 0 {
		match := false
		for _, d := range p.DaysOfWeek {
			if now.Weekday() == d {
				match = true
				break
			}
		}
		if !match {
			return ReasonOutsideWindow
		}
	}
	if p.HourFrom != 0 || p.HourTo != 0 {
		h := now.Hour()
		if h < p.HourFrom || h >= p.HourTo {
			return ReasonOutsideWindow
		}
	}
	return ""
}

// ApplyRequest records a grant for a user.
type ApplyRequest struct {
	Code          string
	UserID        string
	ReservationID string
	Amount        core.Money
}

// Apply validates and records a promotion grant in one transaction. A
// discount with a reservation reprices the PENDING reservation so the
// eventual payment bills the discounted amount. A second apply for the
// same user is rejected unless the promotion is stackable.
func (e *Engine) Apply(ctx context.Context, req ApplyRequest) (Application, Result, error) {
	var (
		app Application
		res Result
	)
	err := e.runner.RunPromoTx(ctx, func(tx TxStore) error {
		inner := &Engine{store: tx, log: e.log, now: e.now}

		// The reservation's stored price is authoritative over whatever
		// amount the caller sent along.
		var resv *booking.Reservation
		amount := req.Amount
		if req.ReservationID != "" {
			r0, err := tx.GetReservation(ctx, req.ReservationID)
			if err != nil {
				return err
			}
			if r0 == nil {
				return &core.NotFoundError{Kind: "reservation", ID: req.ReservationID}
			}
			if r0.UserID != req.UserID {
				return &core.ValidationError{Field: "reservationId", Message: "reservation belongs to another user"}
			}
			resv = r0
			amount = r0.Price
		}

		r, err := inner.Validate(ctx, req.Code, req.UserID, amount)
		if err != nil {
			return err
		}
		res = r
		if !r.Valid {
			return &core.ValidationError{Field: "code", Message: r.Reason}
		}
		p := r.Promotion

		reprices := !p.Type.GrantsCredits() && resv != nil
		if reprices && resv.Status != booking.StatusPending {
			return &core.InvalidStateError{Entity: "reservation", Current: string(resv.Status), Operation: "apply promotion"}
		}

		bumped, err := tx.IncrementPromotionUsage(ctx, p.ID)
		if err != nil {
			return err
		}
		if !bumped {
			return &core.ConflictError{Resource: "promotion", Detail: ReasonUsageExceeded}
		}

		app = Application{
			ID:            uuid.NewString(),
			PromotionID:   p.ID,
			UserID:        req.UserID,
			ReservationID: req.ReservationID,
			AppliedAt:     e.now(),
		}
		key := ApplicationKey(p.Type, req.UserID, p.ID)
		if p.Stackable {
			// Once per reservation instead of once per user.
			if req.ReservationID != "" {
				key += ":" + req.ReservationID
			} else {
				key += ":" + app.ID
			}
		}
		app.IdempotencyKey = key
		if p.Type.GrantsCredits() {
			app.CreditsAwarded = r.Reward
		} else {
			app.Discount = r.Reward
		}
		if err := tx.InsertPromotionApplication(ctx, app); err != nil {
			if errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
				res.Valid = false
				res.Reason = ReasonAlreadyUsed
				return &core.ConflictError{Resource: "promotion application", Detail: ReasonAlreadyUsed}
			}
			return fmt.Errorf("insert application: %w", err)
		}

		if reprices {
			now := e.now()
			old := resv.Price
			resv.Price = r.FinalAmount
			resv.UpdatedAt = now
			if err := tx.UpdateReservation(ctx, *resv); err != nil {
				return err
			}
			if err := tx.AppendReservationNote(ctx, booking.Note{
				ID:            uuid.NewString(),
				ReservationID: resv.ID,
				Author:        "system",
				Body:          fmt.Sprintf("promotion %s: %s -> %s", p.Code, old, resv.Price),
				CreatedAt:     now,
			}); err != nil {
				return err
			}
		}

		if p.Type.GrantsCredits() {
			if _, _, err := wallet.NewProjector(tx).Credit(ctx, req.UserID, r.Reward,
				wallet.ReasonPromo, key, ledger.Meta{PromotionID: p.ID, ReservationID: req.ReservationID}); err != nil {
				return err
			}
		}

		return outbox.Append(ctx, tx, outbox.PromoApplied{
			PromotionID:    p.ID,
			Code:           p.Code,
			UserID:         req.UserID,
			CreditsAwarded: app.CreditsAwarded.String(),
			Discount:       app.Discount.String(),
		})
	})
	if err != nil {
		return Application{}, res, err
	}
	e.log.Infow("promotion applied",
		"promotion_id", app.PromotionID, "user_id", app.UserID,
		"credits", app.CreditsAwarded.String(), "discount", app.Discount.String())
	return app, res, nil
}

// GrantSignupBonus applies the active SIGNUP_BONUS campaign to a fresh
// account. Missing campaign is not an error; there is simply nothing to
// grant.
func (e *Engine) GrantSignupBonus(ctx context.Context, userID string) (*Application, error) {
	promos, err := e.store.ListPromotions(ctx, true)
	if err != nil {
		return nil, err
	}
	for _, p := range promos {
		if p.Type != TypeSignupBonus || e.eligibility(p) != "" {
			continue
		}
		// A retried registration must not fail on the duplicate grant.
		if existing, err := e.store.PromotionApplicationByKey(ctx, ApplicationKey(p.Type, userID, p.ID)); err != nil {
			return nil, err
		} else if existing != nil {
			return existing, nil
		}
		app, _, err := e.Apply(ctx, ApplyRequest{Code: p.Code, UserID: userID})
		if err != nil {
			return nil, err
		}
		return &app, nil
	}
	return nil, nil
}

// List returns configured promotions.
func (e *Engine) List(ctx context.Context, activeOnly bool) ([]Promotion, error) {
	return e.store.ListPromotions(ctx, activeOnly)
}
