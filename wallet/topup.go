package wallet

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/booking-engine/core"
	"github.com/warp/booking-engine/ledger"
	"github.com/warp/booking-engine/outbox"
)

// Credits are denominated one-to-one in the purchase currency.

// TopUp is a store-credit purchase.
type TopUp struct {
	ID               string
	UserID           string
	Amount           core.Money
	Method           core.PaymentMethod
	GatewayReference string
	CreatedAt        time.Time
}

// TopUpStore persists top-up records.
type TopUpStore interface {
	InsertWalletTopUp(ctx context.Context, t TopUp) error
	GetWalletTopUp(ctx context.Context, id string) (*TopUp, error)
	WalletTopUpsForUser(ctx context.Context, userID string) ([]TopUp, error)
}

// TopUpTxStore is everything a top-up touches in one transaction: the
// record itself, the wallet movement, the ledger entry and the outbox
// event.
type TopUpTxStore interface {
	TopUpStore
	Store
	ledger.Store
	outbox.Store
}

// TopUpRunner opens a transaction scoped to wallet work.
type TopUpRunner interface {
	RunWalletTx(ctx context.Context, fn func(tx TopUpTxStore) error) error
}

// TopUpService sells store credit.
type TopUpService struct {
	runner TopUpRunner
	log    *zap.SugaredLogger
	now    func() time.Time
}

// NewTopUpService returns a TopUpService.
func NewTopUpService(runner TopUpRunner, log *zap.SugaredLogger) *TopUpService {
	return &TopUpService{
		runner: runner,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Purchase records a confirmed top-up: the credit grant, the ledger
// entry and the outbox event commit together. Gateway retries replay
// against the same id and change nothing.
func (s *TopUpService) Purchase(ctx context.Context, topUpID, userID string, amount core.Money, method core.PaymentMethod, gatewayRef string) (TopUp, error) {
	if topUpID == "" {
		topUpID = uuid.NewString()
	}
	if !amount.IsPositive() {
		return TopUp{}, &core.ValidationError{Field: "amount", Message: "must be positive"}
	}
	if !core.ValidPaymentMethod(method) || method == core.MethodCredits {
		return TopUp{}, &core.ValidationError{Field: "method", Message: "cannot top up with " + string(method)}
	}

	var out TopUp
	err := s.runner.RunWalletTx(ctx, func(tx TopUpTxStore) error {
		key := ledger.PaymentKey(ledger.SourceTopUp, topUpID)

		if existing, err := tx.GetWalletTopUp(ctx, topUpID); err != nil {
			return err
		} else if existing != nil {
			out = *existing
			return nil
		}

		now := s.now()
		t := TopUp{
			ID:               topUpID,
			UserID:           userID,
			Amount:           amount,
			Method:           method,
			GatewayReference: gatewayRef,
			CreatedAt:        now,
		}
		if err := tx.InsertWalletTopUp(ctx, t); err != nil {
			return fmt.Errorf("insert topup: %w", err)
		}

		if _, _, err := NewProjector(tx).Credit(ctx, userID, amount.Amount,
			ReasonTopUp, key, ledger.Meta{TopUpID: topUpID}); err != nil {
			return err
		}

		if _, _, err := ledger.New(tx).Record(ctx, ledger.Transaction{
			SourceType:       ledger.SourceTopUp,
			SourceID:         topUpID,
			Direction:        ledger.Credit,
			Amount:           amount,
			Method:           method,
			Status:           ledger.StatusPaid,
			PaidAt:           now,
			GatewayReference: gatewayRef,
			IdempotencyKey:   key,
			Meta:             ledger.Meta{TopUpID: topUpID},
		}); err != nil {
			return err
		}

		if err := outbox.Append(ctx, tx, outbox.WalletTopUp{
			TopUpID:  topUpID,
			UserID:   userID,
			Credits:  amount.Amount.String(),
			Method:   string(method),
			Currency: string(amount.Currency),
		}); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return TopUp{}, err
	}
	s.log.Infow("wallet topped up", "topup_id", out.ID, "user_id", userID, "credits", out.Amount.String())
	return out, nil
}
