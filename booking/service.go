package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/booking-engine/core"
	"github.com/warp/booking-engine/ledger"
	"github.com/warp/booking-engine/outbox"
	"github.com/warp/booking-engine/wallet"
)

// =============================================================================
// STORE - Persistence contract
// =============================================================================

// Store is the reservation persistence contract.
type Store interface {
	InsertReservation(ctx context.Context, r Reservation) error
	GetReservation(ctx context.Context, id string) (*Reservation, error)
	UpdateReservation(ctx context.Context, r Reservation) error
	// TransitionReservation performs a conditional status update and
	// reports whether a row actually changed. Used by the sweep so a
	// payment racing the timeout wins cleanly.
	TransitionReservation(ctx context.Context, id string, from, to Status) (bool, error)
	OverlappingReservations(ctx context.Context, courtID string, start, end time.Time) ([]Reservation, error)
	ExpiredPendingReservations(ctx context.Context, before time.Time) ([]Reservation, error)
	ReservationsForUser(ctx context.Context, userID string) ([]Reservation, error)
	AppendReservationNote(ctx context.Context, n Note) error
	ReservationNotes(ctx context.Context, reservationID string) ([]Note, error)
	GetCourt(ctx context.Context, id string) (*Court, error)
	ListCourts(ctx context.Context, centerID string) ([]Court, error)
}

// TxStore is everything a money-moving transition touches inside one
// transaction.
type TxStore interface {
	Store
	ledger.Store
	outbox.Store
	wallet.Store
}

// TxRunner opens a transaction scoped to reservation work.
type TxRunner interface {
	RunBookingTx(ctx context.Context, fn func(tx TxStore) error) error
}

// =============================================================================
// SERVICE
// =============================================================================

// Service drives the reservation lifecycle.
type Service struct {
	store   Store
	runner  TxRunner
	log     *zap.SugaredLogger
	timeout time.Duration
	now     func() time.Time
}

// NewService returns a Service. timeout is the unpaid window granted to
// new reservations; zero falls back to 15 minutes.
func NewService(store Store, runner TxRunner, log *zap.SugaredLogger, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	return &Service{
		store:   store,
		runner:  runner,
		log:     log,
		timeout: timeout,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Timeout is the unpaid window granted to new reservations.
func (s *Service) Timeout() time.Duration { return s.timeout }

// CreateRequest carries the fields needed to book a slot.
type CreateRequest struct {
	UserID    string
	CourtID   string
	Activity  Activity
	StartTime time.Time
	EndTime   time.Time
}

// Create books a slot in PENDING state. The caller has s.timeout to pay
// before the sweep reclaims it.
func (s *Service) Create(ctx context.Context, req CreateRequest) (Reservation, error) {
	if req.UserID == "" {
		return Reservation{}, &core.ValidationError{Field: "userId", Message: "required"}
	}
	if req.CourtID == "" {
		return Reservation{}, &core.ValidationError{Field: "courtId", Message: "required"}
	}
	if !req.EndTime.After(req.StartTime) {
		return Reservation{}, &core.ValidationError{Field: "endTime", Message: "must be after startTime"}
	}
	now := s.now()
	if req.StartTime.Before(now) {
		return Reservation{}, &core.ValidationError{Field: "startTime", Message: "must be in the future"}
	}

	court, err := s.store.GetCourt(ctx, req.CourtID)
	if err != nil {
		return Reservation{}, fmt.Errorf("load court %s: %w", req.CourtID, err)
	}
	if court == nil {
		return Reservation{}, &core.NotFoundError{Kind: "court", ID: req.CourtID}
	}
	if req.Activity == "" {
		req.Activity = court.PrimaryActivity
	}
	if req.Activity != court.PrimaryActivity && !court.SupportsSecondary(req.Activity) {
		return Reservation{}, &core.ValidationError{Field: "activity",
			Message: fmt.Sprintf("court %s does not support %s", court.Name, req.Activity)}
	}

	if err := s.checkConflicts(ctx, *court, req); err != nil {
		return Reservation{}, err
	}

	r := Reservation{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		CourtID:   court.ID,
		CenterID:  court.CenterID,
		Activity:  req.Activity,
		StartTime: req.StartTime.UTC(),
		EndTime:   req.EndTime.UTC(),
		Status:    StatusPending,
		Price:     slotPrice(*court, req.StartTime, req.EndTime),
		ExpiresAt: now.Add(s.timeout),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.InsertReservation(ctx, r); err != nil {
		return Reservation{}, fmt.Errorf("insert reservation: %w", err)
	}
	s.log.Infow("reservation created",
		"reservation_id", r.ID, "court_id", r.CourtID, "price", r.Price.String(), "expires_at", r.ExpiresAt)
	return r, nil
}

// checkConflicts enforces the overlap rule. The court's primary
// activity is exclusive. Two secondary activities may share a slot only
// when both sit in the court's compatible set.
func (s *Service) checkConflicts(ctx context.Context, court Court, req CreateRequest) error {
	overlaps, err := s.store.OverlappingReservations(ctx, court.ID, req.StartTime, req.EndTime)
	if err != nil {
		return fmt.Errorf("check overlaps: %w", err)
	}
	for _, o := range overlaps {
		if !IsActive(o.Status) {
			continue
		}
		if req.Activity == court.PrimaryActivity || o.Activity == court.PrimaryActivity {
			return &core.ConflictError{Resource: "reservation",
				Detail: fmt.Sprintf("court %s is booked %s to %s", court.Name,
					o.StartTime.Format(time.RFC3339), o.EndTime.Format(time.RFC3339))}
		}
		if !court.SupportsSecondary(req.Activity) || !court.SupportsSecondary(o.Activity) {
			return &core.ConflictError{Resource: "reservation",
				Detail: fmt.Sprintf("activity %s cannot share the court with %s", req.Activity, o.Activity)}
		}
	}
	return nil
}

// slotPrice bills the court's hourly rate pro rata, at minute
// granularity to keep the arithmetic exact.
func slotPrice(court Court, start, end time.Time) core.Money {
	minutes := decimal.NewFromInt(int64(end.Sub(start) / time.Minute))
	return court.HourlyRate.Mul(minutes.Div(decimal.NewFromInt(60)))
}

// =============================================================================
// PAYMENT
// =============================================================================

// PaymentRequest confirms payment of a pending reservation.
type PaymentRequest struct {
	ReservationID    string
	Method           core.PaymentMethod
	GatewayReference string
}

// ConfirmPayment moves PENDING -> PAID and records the money in the
// same transaction. Replays of an already-paid reservation return the
// existing ledger entry without new side effects. Method CREDITS debits
// the user's wallet atomically with the rest; insufficient funds roll
// everything back.
func (s *Service) ConfirmPayment(ctx context.Context, req PaymentRequest) (Reservation, ledger.Transaction, error) {
	if !core.ValidPaymentMethod(req.Method) {
		return Reservation{}, ledger.Transaction{}, &core.ValidationError{Field: "method", Message: "unknown payment method"}
	}

	var (
		out   Reservation
		entry ledger.Transaction
	)
	err := s.runner.RunBookingTx(ctx, func(tx TxStore) error {
		r, err := tx.GetReservation(ctx, req.ReservationID)
		if err != nil {
			return err
		}
		if r == nil {
			return &core.NotFoundError{Kind: "reservation", ID: req.ReservationID}
		}
		key := ledger.PaymentKey(ledger.SourceReservation, r.ID)

		if r.Status == StatusPaid {
			// Replayed confirmation. Hand back what the first call wrote.
			existing, err := tx.LedgerByIdempotencyKey(ctx, key)
			if err != nil {
				return err
			}
			if existing != nil {
				out, entry = *r, *existing
				return nil
			}
		}
		if !CanTransition(r.Status, StatusPaid) {
			return &core.InvalidStateError{Entity: "reservation", Current: string(r.Status), Operation: "confirm payment"}
		}

		now := s.now()
		if req.Method == core.MethodCredits {
			_, _, err := wallet.NewProjector(tx).Debit(ctx, r.UserID, r.Price.Amount,
				wallet.ReasonSpend, key, ledger.Meta{ReservationID: r.ID})
			if err != nil {
				return err
			}
		}

		rec, _, err := ledger.New(tx).Record(ctx, ledger.Transaction{
			SourceType:       ledger.SourceReservation,
			SourceID:         r.ID,
			Direction:        ledger.Credit,
			Amount:           r.Price,
			Method:           req.Method,
			Status:           ledger.StatusPaid,
			PaidAt:           now,
			GatewayReference: req.GatewayReference,
			IdempotencyKey:   key,
			CenterID:         r.CenterID,
			Meta:             ledger.Meta{ReservationID: r.ID},
		})
		if err != nil {
			return err
		}

		r.Status = StatusPaid
		r.PaymentMethod = req.Method
		r.PaidAt = &now
		r.UpdatedAt = now
		if err := tx.UpdateReservation(ctx, *r); err != nil {
			return err
		}

		if err := outbox.Append(ctx, tx, outbox.PaymentRecorded{
			SourceType:       string(ledger.SourceReservation),
			SourceID:         r.ID,
			UserID:           r.UserID,
			Amount:           r.Price.Amount.String(),
			Currency:         string(r.Price.Currency),
			Method:           string(req.Method),
			GatewayReference: req.GatewayReference,
		}); err != nil {
			return err
		}

		out, entry = *r, rec
		return nil
	})
	if err != nil {
		return Reservation{}, ledger.Transaction{}, err
	}
	s.log.Infow("payment confirmed",
		"reservation_id", out.ID, "method", entry.Method, "amount", entry.Amount.String())
	return out, entry, nil
}

// =============================================================================
// REFUND
// =============================================================================

// RefundRequest cancels a paid reservation and returns the money.
type RefundRequest struct {
	ReservationID string
	RefundID      string
	Reason        string
	Actor         string
}

// Refund moves PAID or IN_PROGRESS -> CANCELLED with a compensating
// DEBIT ledger entry. CREDITS payments refund back to the wallet.
// Repeated refunds of the same reservation are absorbed by the
// idempotency key.
func (s *Service) Refund(ctx context.Context, req RefundRequest) (Reservation, ledger.Transaction, error) {
	var (
		out   Reservation
		entry ledger.Transaction
	)
	err := s.runner.RunBookingTx(ctx, func(tx TxStore) error {
		r, err := tx.GetReservation(ctx, req.ReservationID)
		if err != nil {
			return err
		}
		if r == nil {
			return &core.NotFoundError{Kind: "reservation", ID: req.ReservationID}
		}
		key := ledger.RefundKey(ledger.SourceReservation, r.ID, req.RefundID)

		if r.Status == StatusCancelled {
			existing, err := tx.LedgerByIdempotencyKey(ctx, key)
			if err != nil {
				return err
			}
			if existing != nil {
				out, entry = *r, *existing
				return nil
			}
		}
		if r.Status != StatusPaid && r.Status != StatusInProgress {
			return &core.InvalidStateError{Entity: "reservation", Current: string(r.Status), Operation: "refund"}
		}

		now := s.now()
		rec, _, err := ledger.New(tx).Record(ctx, ledger.Transaction{
			SourceType:     ledger.SourceReservation,
			SourceID:       r.ID,
			Direction:      ledger.Debit,
			Amount:         r.Price,
			Method:         r.PaymentMethod,
			Status:         ledger.StatusRefunded,
			PaidAt:         now,
			IdempotencyKey: key,
			CenterID:       r.CenterID,
			Meta:           ledger.Meta{ReservationID: r.ID, RefundReference: req.RefundID, Note: req.Reason},
		})
		if err != nil {
			return err
		}

		if r.PaymentMethod == core.MethodCredits {
			_, _, err := wallet.NewProjector(tx).Credit(ctx, r.UserID, r.Price.Amount,
				wallet.ReasonRefund, key, ledger.Meta{ReservationID: r.ID, RefundReference: req.RefundID})
			if err != nil {
				return err
			}
		}

		r.Status = StatusCancelled
		r.UpdatedAt = now
		if err := tx.UpdateReservation(ctx, *r); err != nil {
			return err
		}
		if req.Reason != "" {
			if err := tx.AppendReservationNote(ctx, Note{
				ID:            uuid.NewString(),
				ReservationID: r.ID,
				Author:        req.Actor,
				Body:          "refund: " + req.Reason,
				CreatedAt:     now,
			}); err != nil {
				return err
			}
		}

		if err := outbox.Append(ctx, tx, outbox.ReservationRefunded{
			ReservationID:   r.ID,
			UserID:          r.UserID,
			Amount:          r.Price.Amount.String(),
			Currency:        string(r.Price.Currency),
			RefundReference: req.RefundID,
			Reason:          req.Reason,
		}); err != nil {
			return err
		}

		out, entry = *r, rec
		return nil
	})
	if err != nil {
		return Reservation{}, ledger.Transaction{}, err
	}
	s.log.Infow("reservation refunded", "reservation_id", out.ID, "amount", entry.Amount.String())
	return out, entry, nil
}

// =============================================================================
// NON-MONETARY TRANSITIONS
// =============================================================================

// Cancel drops an unpaid reservation. No money has moved, so nothing
// compensating is written.
func (s *Service) Cancel(ctx context.Context, id string) (Reservation, error) {
	return s.simpleTransition(ctx, id, StatusCancelled, "cancel")
}

// CheckIn marks the player as arrived.
func (s *Service) CheckIn(ctx context.Context, id string) (Reservation, error) {
	return s.simpleTransition(ctx, id, StatusInProgress, "check in")
}

// CheckOut closes a running reservation.
func (s *Service) CheckOut(ctx context.Context, id string) (Reservation, error) {
	return s.simpleTransition(ctx, id, StatusCompleted, "check out")
}

// NoShow marks a paid reservation the player never used. The payment
// stays on the ledger.
func (s *Service) NoShow(ctx context.Context, id string) (Reservation, error) {
	return s.simpleTransition(ctx, id, StatusNoShow, "mark no-show")
}

func (s *Service) simpleTransition(ctx context.Context, id string, to Status, op string) (Reservation, error) {
	r, err := s.store.GetReservation(ctx, id)
	if err != nil {
		return Reservation{}, err
	}
	if r == nil {
		return Reservation{}, &core.NotFoundError{Kind: "reservation", ID: id}
	}
	if !CanTransition(r.Status, to) {
		return Reservation{}, &core.InvalidStateError{Entity: "reservation", Current: string(r.Status), Operation: op}
	}
	// Cancel is only money-free from PENDING. Paid cancellations must
	// go through Refund.
	if to == StatusCancelled && r.Status != StatusPending {
		return Reservation{}, &core.InvalidStateError{Entity: "reservation", Current: string(r.Status), Operation: op}
	}
	r.Status = to
	r.UpdatedAt = s.now()
	if err := s.store.UpdateReservation(ctx, *r); err != nil {
		return Reservation{}, err
	}
	s.log.Infow("reservation transitioned", "reservation_id", r.ID, "status", r.Status)
	return *r, nil
}

// =============================================================================
// PRICE OVERRIDE
// =============================================================================

// OverridePrice lets staff reprice an unpaid reservation. The change is
// recorded as an outbox event and an audit note.
func (s *Service) OverridePrice(ctx context.Context, id string, newPrice core.Money, actor, reason string) (Reservation, error) {
	if newPrice.IsNegative() {
		return Reservation{}, &core.ValidationError{Field: "price", Message: "must be non-negative"}
	}
	var out Reservation
	err := s.runner.RunBookingTx(ctx, func(tx TxStore) error {
		r, err := tx.GetReservation(ctx, id)
		if err != nil {
			return err
		}
		if r == nil {
			return &core.NotFoundError{Kind: "reservation", ID: id}
		}
		if r.Status != StatusPending {
			return &core.InvalidStateError{Entity: "reservation", Current: string(r.Status), Operation: "override price"}
		}

		old := r.Price
		now := s.now()
		r.Price = newPrice
		r.UpdatedAt = now
		if err := tx.UpdateReservation(ctx, *r); err != nil {
			return err
		}
		if err := tx.AppendReservationNote(ctx, Note{
			ID:            uuid.NewString(),
			ReservationID: r.ID,
			Author:        actor,
			Body:          fmt.Sprintf("price override %s -> %s: %s", old, newPrice, reason),
			CreatedAt:     now,
		}); err != nil {
			return err
		}
		if err := outbox.Append(ctx, tx, outbox.PriceOverride{
			ReservationID: r.ID,
			OldPrice:      old.Amount.String(),
			NewPrice:      newPrice.Amount.String(),
			Actor:         actor,
			Reason:        reason,
		}); err != nil {
			return err
		}
		out = *r
		return nil
	})
	if err != nil {
		return Reservation{}, err
	}
	s.log.Infow("price overridden", "reservation_id", out.ID, "price", out.Price.String(), "actor", actor)
	return out, nil
}

// =============================================================================
// NOTES AND READS
// =============================================================================

// AddNote appends an annotation. Notes are immutable once written.
func (s *Service) AddNote(ctx context.Context, reservationID, author, body string) (Note, error) {
	if body == "" {
		return Note{}, &core.ValidationError{Field: "body", Message: "required"}
	}
	r, err := s.store.GetReservation(ctx, reservationID)
	if err != nil {
		return Note{}, err
	}
	if r == nil {
		return Note{}, &core.NotFoundError{Kind: "reservation", ID: reservationID}
	}
	n := Note{
		ID:            uuid.NewString(),
		ReservationID: reservationID,
		Author:        author,
		Body:          body,
		CreatedAt:     s.now(),
	}
	if err := s.store.AppendReservationNote(ctx, n); err != nil {
		return Note{}, err
	}
	return n, nil
}

// Get returns one reservation.
func (s *Service) Get(ctx context.Context, id string) (*Reservation, error) {
	return s.store.GetReservation(ctx, id)
}

// Notes returns a reservation's annotations, oldest first.
func (s *Service) Notes(ctx context.Context, reservationID string) ([]Note, error) {
	return s.store.ReservationNotes(ctx, reservationID)
}

// ForUser returns a user's reservations, newest first.
func (s *Service) ForUser(ctx context.Context, userID string) ([]Reservation, error) {
	return s.store.ReservationsForUser(ctx, userID)
}

// =============================================================================
// TIMEOUT SWEEP
// =============================================================================

// SweepExpired cancels PENDING reservations whose payment window has
// lapsed. Each row gets its own transaction and the conditional
// transition, so a payment landing mid-sweep keeps its reservation. One
// bad row never stops the rest.
func (s *Service) SweepExpired(ctx context.Context) (cleaned, total int, err error) {
	now := s.now()
	expired, err := s.store.ExpiredPendingReservations(ctx, now)
	if err != nil {
		return 0, 0, fmt.Errorf("list expired reservations: %w", err)
	}
	total = len(expired)

	for _, r := range expired {
		r := r
		txErr := s.runner.RunBookingTx(ctx, func(tx TxStore) error {
			changed, err := tx.TransitionReservation(ctx, r.ID, StatusPending, StatusCancelled)
			if err != nil {
				return err
			}
			if !changed {
				// Paid or cancelled while we were sweeping.
				return nil
			}
			elapsed := int(now.Sub(r.CreatedAt).Minutes())
			if err := tx.AppendReservationNote(ctx, Note{
				ID:            uuid.NewString(),
				ReservationID: r.ID,
				Author:        "system",
				Body:          fmt.Sprintf("auto-cancelled after %d minutes without payment", elapsed),
				CreatedAt:     now,
			}); err != nil {
				return err
			}
			if err := outbox.Append(ctx, tx, outbox.ReservationAutoCancelled{
				ReservationID:  r.ID,
				UserID:         r.UserID,
				ElapsedMinutes: elapsed,
			}); err != nil {
				return err
			}
			cleaned++
			return nil
		})
		if txErr != nil {
			s.log.Errorw("sweep: reservation skipped", "reservation_id", r.ID, "error", txErr)
			if errors.Is(txErr, context.Canceled) || errors.Is(txErr, context.DeadlineExceeded) {
				return cleaned, total, txErr
			}
		}
	}
	if total > 0 {
		s.log.Infow("sweep finished", "cleaned", cleaned, "scanned", total)
	}
	return cleaned, total, nil
}
