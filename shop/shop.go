/*
Package shop handles pro-shop orders (rackets, balls, drinks).

PURPOSE:
  Orders follow a cut-down lifecycle (PENDING -> PAID or CANCELLED) but
  share the ledger discipline with reservations: marking an order paid
  posts a CREDIT entry keyed ORDER:<orderId> in the same transaction.

SEE ALSO:
  - ledger/ledger.go: the posting rules
  - recon/recon.go: paid orders are a backfill source
*/
package shop

import (
	"context"
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
// TYPES
// =============================================================================

// OrderStatus is an order lifecycle state.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderPaid      OrderStatus = "PAID"
	OrderCancelled OrderStatus = "CANCELLED"
)

// LineItem is one priced row of an order.
type LineItem struct {
	ID        string
	OrderID   string
	Name      string
	Quantity  int
	UnitPrice core.Money
}

// Total is quantity times unit price.
func (li LineItem) Total() core.Money {
	return li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

// Order is a pro-shop purchase.
type Order struct {
	ID            string
	UserID        string
	CenterID      string
	Items         []LineItem
	Total         core.Money
	Status        OrderStatus
	PaymentMethod core.PaymentMethod
	PaidAt        *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// =============================================================================
// STORE - Persistence contract
// =============================================================================

// Store is the order persistence contract.
type Store interface {
	InsertOrder(ctx context.Context, o Order) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	UpdateOrder(ctx context.Context, o Order) error
	OrdersForUser(ctx context.Context, userID string) ([]Order, error)
}

// TxStore is everything marking an order paid touches in one
// transaction.
type TxStore interface {
	Store
	ledger.Store
	outbox.Store
	wallet.Store
}

// TxRunner opens a transaction scoped to order work.
type TxRunner interface {
	RunOrderTx(ctx context.Context, fn func(tx TxStore) error) error
}

// =============================================================================
// SERVICE
// =============================================================================

// Service drives the order lifecycle.
type Service struct {
	store  Store
	runner TxRunner
	log    *zap.SugaredLogger
	now    func() time.Time
}

// NewService returns a Service.
func NewService(store Store, runner TxRunner, log *zap.SugaredLogger) *Service {
	return &Service{
		store:  store,
		runner: runner,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CreateRequest opens a new order.
type CreateRequest struct {
	UserID   string
	CenterID string
	Items    []LineItem
}

// Create opens a PENDING order and totals its items.
func (s *Service) Create(ctx context.Context, req CreateRequest) (Order, error) {
	if req.UserID == "" {
		return Order{}, &core.ValidationError{Field: "userId", Message: "required"}
	}
	if len(req.Items) == 0 {
		return Order{}, &core.ValidationError{Field: "items", Message: "at least one item required"}
	}

	now := s.now()
	o := Order{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		CenterID:  req.CenterID,
		Status:    OrderPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	total := core.Money{Amount: decimal.Zero, Currency: req.Items[0].UnitPrice.Currency}
	for i := range req.Items {
		item := req.Items[i]
		if item.Quantity <= 0 {
			return Order{}, &core.ValidationError{Field: "items", Message: "quantity must be positive"}
		}
		if item.UnitPrice.IsNegative() {
			return Order{}, &core.ValidationError{Field: "items", Message: "unit price must be non-negative"}
		}
		item.ID = uuid.NewString()
		item.OrderID = o.ID
		total = total.Add(item.Total())
		o.Items = append(o.Items, item)
	}
	o.Total = total

	if err := s.store.InsertOrder(ctx, o); err != nil {
		return Order{}, fmt.Errorf("insert order: %w", err)
	}
	s.log.Infow("order created", "order_id", o.ID, "total", o.Total.String(), "items", len(o.Items))
	return o, nil
}

// MarkPaid moves PENDING -> PAID with the ledger entry and outbox event
// in the same transaction. Replays return the original ledger entry.
func (s *Service) MarkPaid(ctx context.Context, orderID string, method core.PaymentMethod, gatewayRef string) (Order, ledger.Transaction, error) {
	if !core.ValidPaymentMethod(method) {
		return Order{}, ledger.Transaction{}, &core.ValidationError{Field: "method", Message: "unknown payment method"}
	}

	var (
		out   Order
		entry ledger.Transaction
	)
	err := s.runner.RunOrderTx(ctx, func(tx TxStore) error {
		o, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o == nil {
			return &core.NotFoundError{Kind: "order", ID: orderID}
		}
		key := ledger.PaymentKey(ledger.SourceOrder, o.ID)

		if o.Status == OrderPaid {
			existing, err := tx.LedgerByIdempotencyKey(ctx, key)
			if err != nil {
				return err
			}
			if existing != nil {
				out, entry = *o, *existing
				return nil
			}
		}
		if o.Status != OrderPending {
			return &core.InvalidStateError{Entity: "order", Current: string(o.Status), Operation: "mark paid"}
		}

		now := s.now()
		if method == core.MethodCredits {
			if _, _, err := wallet.NewProjector(tx).Debit(ctx, o.UserID, o.Total.Amount,
				wallet.ReasonSpend, key, ledger.Meta{OrderID: o.ID}); err != nil {
				return err
			}
		}

		rec, _, err := ledger.New(tx).Record(ctx, ledger.Transaction{
			SourceType:       ledger.SourceOrder,
			SourceID:         o.ID,
			Direction:        ledger.Credit,
			Amount:           o.Total,
			Method:           method,
			Status:           ledger.StatusPaid,
			PaidAt:           now,
			GatewayReference: gatewayRef,
			IdempotencyKey:   key,
			CenterID:         o.CenterID,
			Meta:             ledger.Meta{OrderID: o.ID},
		})
		if err != nil {
			return err
		}

		o.Status = OrderPaid
		o.PaymentMethod = method
		o.PaidAt = &now
		o.UpdatedAt = now
		if err := tx.UpdateOrder(ctx, *o); err != nil {
			return err
		}

		if err := outbox.Append(ctx, tx, outbox.PaymentRecorded{
			SourceType:       string(ledger.SourceOrder),
			SourceID:         o.ID,
			UserID:           o.UserID,
			Amount:           o.Total.Amount.String(),
			Currency:         string(o.Total.Currency),
			Method:           string(method),
			GatewayReference: gatewayRef,
		}); err != nil {
			return err
		}

		out, entry = *o, rec
		return nil
	})
	if err != nil {
		return Order{}, ledger.Transaction{}, err
	}
	s.log.Infow("order paid", "order_id", out.ID, "method", method, "amount", entry.Amount.String())
	return out, entry, nil
}

// Cancel drops an unpaid order.
func (s *Service) Cancel(ctx context.Context, orderID string) (Order, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if o == nil {
		return Order{}, &core.NotFoundError{Kind: "order", ID: orderID}
	}
	if o.Status != OrderPending {
		return Order{}, &core.InvalidStateError{Entity: "order", Current: string(o.Status), Operation: "cancel"}
	}
	o.Status = OrderCancelled
	o.UpdatedAt = s.now()
	if err := s.store.UpdateOrder(ctx, *o); err != nil {
		return Order{}, err
	}
	return *o, nil
}

// Get returns one order.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.store.GetOrder(ctx, id)
}

// ForUser returns a user's orders, newest first.
func (s *Service) ForUser(ctx context.Context, userID string) ([]Order, error) {
	return s.store.OrdersForUser(ctx, userID)
}
