/*
Package recon backfills ledger entries the write path failed to record.

PURPOSE:
  The transactional write path makes gaps unlikely, not impossible
  (entries predating the ledger, crashes between external gateway
  capture and local commit). The job re-derives what the ledger SHOULD
  contain from authoritative sources and inserts only what is missing:

    1. paid reservations without a CREDIT entry
    2. paid orders without a CREDIT entry
    3. refund outbox events without a DEBIT entry

  Backfilled entries carry RECON:* idempotency keys and a reconciledBy
  marker so they are distinguishable from write-path entries forever.

CRITICAL INVARIANTS:
  1. CONVERGENCE: a second run over the same window creates nothing.
  2. ROW ISOLATION: each backfill gets its own transaction; one bad row
     is counted and skipped, never aborts the run.
  3. The job only ever INSERTS. It never mutates or deletes.
*/
package recon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/booking-engine/booking"
	"github.com/warp/booking-engine/core"
	"github.com/warp/booking-engine/ledger"
	"github.com/warp/booking-engine/outbox"
	"github.com/warp/booking-engine/shop"
)

const (
	// DefaultDays is the lookback window when the caller passes zero.
	DefaultDays = 2
	// MaxDays caps the window so an operator typo cannot rescan months.
	MaxDays = 30

	jobName = "reconciliation"
)

// =============================================================================
// STORE - Persistence contract
// =============================================================================

// Store lists the authoritative sources and reads the ledger.
type Store interface {
	ledger.Store
	PaidReservationsSince(ctx context.Context, since time.Time) ([]booking.Reservation, error)
	PaidOrdersSince(ctx context.Context, since time.Time) ([]shop.Order, error)
	OutboxEventsByTypeSince(ctx context.Context, t outbox.EventType, since time.Time) ([]outbox.Event, error)
}

// TxRunner opens a transaction for one backfill insert.
type TxRunner interface {
	RunReconTx(ctx context.Context, fn func(tx ledger.Store) error) error
}

// =============================================================================
// SUMMARY
// =============================================================================

// Category counts one backfill source.
type Category struct {
	Total   int `json:"total"`
	Created int `json:"created"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}

// Summary is the result of one run.
type Summary struct {
	Days         int       `json:"days"`
	RanAt        time.Time `json:"ran_at"`
	Reservations Category  `json:"reservations"`
	Orders       Category  `json:"orders"`
	Refunds      Category  `json:"refunds"`
}

// Created is the total number of backfilled entries.
func (s Summary) Created() int {
	return s.Reservations.Created + s.Orders.Created + s.Refunds.Created
}

// =============================================================================
// JOB
// =============================================================================

// Job runs the reconciliation pass.
type Job struct {
	store  Store
	runner TxRunner
	log    *zap.SugaredLogger
	now    func() time.Time
}

// NewJob returns a Job.
func NewJob(store Store, runner TxRunner, log *zap.SugaredLogger) *Job {
	return &Job{
		store:  store,
		runner: runner,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run scans the last `days` days and backfills missing entries. Zero
// days means DefaultDays; anything above MaxDays is clamped.
func (j *Job) Run(ctx context.Context, days int) (Summary, error) {
	if days <= 0 {
		days = DefaultDays
	}
	if days > MaxDays {
		days = MaxDays
	}
	now := j.now()
	since := now.AddDate(0, 0, -days)
	sum := Summary{Days: days, RanAt: now}

	if err := j.reconcileReservations(ctx, since, &sum.Reservations); err != nil {
		return sum, err
	}
	if err := j.reconcileOrders(ctx, since, &sum.Orders); err != nil {
		return sum, err
	}
	if err := j.reconcileRefunds(ctx, since, &sum.Refunds); err != nil {
		return sum, err
	}

	j.log.Infow("reconciliation finished",
		"days", days, "created", sum.Created(),
		"reservations", sum.Reservations, "orders", sum.Orders, "refunds", sum.Refunds)
	return sum, nil
}

func (j *Job) reconcileReservations(ctx context.Context, since time.Time, cat *Category) error {
	rows, err := j.store.PaidReservationsSince(ctx, since)
	if err != nil {
		return fmt.Errorf("list paid reservations: %w", err)
	}
	cat.Total = len(rows)

	for _, r := range rows {
		r := r
		if stop := j.backfill(ctx, cat, "reservation "+r.ID, func(tx ledger.Store) (bool, error) {
			existing, err := tx.LedgerBySource(ctx, ledger.SourceReservation, r.ID, ledger.Credit)
			if err != nil {
				return false, err
			}
			if existing != nil {
				return false, nil
			}
			paidAt := r.UpdatedAt
			if r.PaidAt != nil {
				paidAt = *r.PaidAt
			}
			_, created, err := ledger.New(tx).Record(ctx, ledger.Transaction{
				SourceType:     ledger.SourceReservation,
				SourceID:       r.ID,
				Direction:      ledger.Credit,
				Amount:         r.Price,
				Method:         fallbackMethod(r.PaymentMethod),
				Status:         ledger.StatusPaid,
				PaidAt:         paidAt,
				IdempotencyKey: ledger.ReconKey(string(ledger.SourceReservation), r.ID, ""),
				CenterID:       r.CenterID,
				Meta:           ledger.Meta{ReservationID: r.ID, ReconciledBy: jobName},
			})
			return created, err
		}); stop {
			return ctx.Err()
		}
	}
	return nil
}

func (j *Job) reconcileOrders(ctx context.Context, since time.Time, cat *Category) error {
	rows, err := j.store.PaidOrdersSince(ctx, since)
	if err != nil {
		return fmt.Errorf("list paid orders: %w", err)
	}
	cat.Total = len(rows)

	for _, o := range rows {
		o := o
		if stop := j.backfill(ctx, cat, "order "+o.ID, func(tx ledger.Store) (bool, error) {
			existing, err := tx.LedgerBySource(ctx, ledger.SourceOrder, o.ID, ledger.Credit)
			if err != nil {
				return false, err
			}
			if existing != nil {
				return false, nil
			}
			paidAt := o.UpdatedAt
			if o.PaidAt != nil {
				paidAt = *o.PaidAt
			}
			_, created, err := ledger.New(tx).Record(ctx, ledger.Transaction{
				SourceType:     ledger.SourceOrder,
				SourceID:       o.ID,
				Direction:      ledger.Credit,
				Amount:         o.Total,
				Method:         fallbackMethod(o.PaymentMethod),
				Status:         ledger.StatusPaid,
				PaidAt:         paidAt,
				IdempotencyKey: ledger.ReconKey(string(ledger.SourceOrder), o.ID, ""),
				CenterID:       o.CenterID,
				Meta:           ledger.Meta{OrderID: o.ID, ReconciledBy: jobName},
			})
			return created, err
		}); stop {
			return ctx.Err()
		}
	}
	return nil
}

func (j *Job) reconcileRefunds(ctx context.Context, since time.Time, cat *Category) error {
	events, err := j.store.OutboxEventsByTypeSince(ctx, outbox.EventReservationRefunded, since)
	if err != nil {
		return fmt.Errorf("list refund events: %w", err)
	}
	cat.Total = len(events)

	for _, ev := range events {
		ev := ev
		payload, err := outbox.Decode(ev)
		if err != nil {
			cat.Errors++
			j.log.Errorw("reconciliation: undecodable refund event", "event_id", ev.ID, "error", err)
			continue
		}
		refund, ok := payload.(outbox.ReservationRefunded)
		if !ok {
			cat.Errors++
			continue
		}

		if stop := j.backfill(ctx, cat, "refund event "+ev.ID, func(tx ledger.Store) (bool, error) {
			debit, err := tx.LedgerBySource(ctx, ledger.SourceReservation, refund.ReservationID, ledger.Debit)
			if err != nil {
				return false, err
			}
			if debit != nil {
				return false, nil
			}
			payment, err := tx.LedgerBySource(ctx, ledger.SourceReservation, refund.ReservationID, ledger.Credit)
			if err != nil {
				return false, err
			}
			amt, err := decimal.NewFromString(refund.Amount)
			if err != nil {
				return false, fmt.Errorf("refund amount %q: %w", refund.Amount, err)
			}
			amount := core.NewMoneyFromDecimal(amt, core.Currency(refund.Currency))
			_, created, err := ledger.New(tx).Record(ctx, ledger.Transaction{
				SourceType:     ledger.SourceReservation,
				SourceID:       refund.ReservationID,
				Direction:      ledger.Debit,
				Amount:         amount,
				Method:         paymentMethodOf(payment),
				Status:         ledger.StatusRefunded,
				PaidAt:         ev.CreatedAt,
				IdempotencyKey: ledger.ReconKey("REFUND", refund.ReservationID, refund.RefundReference),
				Meta: ledger.Meta{
					ReservationID:   refund.ReservationID,
					RefundReference: refund.RefundReference,
					ReconciledBy:    jobName,
				},
			})
			return created, err
		}); stop {
			return ctx.Err()
		}
	}
	return nil
}

// backfill runs one insert in its own transaction, updates the counters
// and reports whether the whole run should stop (context gone).
func (j *Job) backfill(ctx context.Context, cat *Category, what string, fn func(tx ledger.Store) (bool, error)) (stop bool) {
	var created bool
	err := j.runner.RunReconTx(ctx, func(tx ledger.Store) error {
		var err error
		created, err = fn(tx)
		return err
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return true
		}
		cat.Errors++
		j.log.Errorw("reconciliation: row skipped", "source", what, "error", err)
		return false
	}
	if created {
		cat.Created++
		j.log.Warnw("reconciliation: backfilled missing entry", "source", what)
	} else {
		cat.Skipped++
	}
	return false
}

// fallbackMethod covers rows predating method tracking.
func fallbackMethod(m core.PaymentMethod) core.PaymentMethod {
	if core.ValidPaymentMethod(m) {
		return m
	}
	return core.MethodCard
}

// paymentMethodOf reuses the original payment's method for a refund
// backfill when the CREDIT entry survived.
func paymentMethodOf(payment *ledger.Transaction) core.PaymentMethod {
	if payment != nil {
		return payment.Method
	}
	return core.MethodCard
}
