/*
types.go - Shared domain vocabulary

PURPOSE:
  Enumerations and entities referenced across several components:
  payment methods, users (carrying the denormalized wallet balance).

  Status/reason strings that used to be informal are proper enumerated
  types here, validated at the boundary and handled exhaustively in the
  state machine and ledger.

SEE ALSO:
  - booking/types.go: reservation-specific enums
  - ledger/types.go: financial enums (direction, source, payment status)
*/
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PAYMENT METHODS
// =============================================================================

// PaymentMethod is how money (or credit) changed hands.
type PaymentMethod string

const (
	MethodCard     PaymentMethod = "CARD"
	MethodCash     PaymentMethod = "CASH"
	MethodTransfer PaymentMethod = "TRANSFER"
	MethodOnsite   PaymentMethod = "ONSITE"
	MethodCredits  PaymentMethod = "CREDITS"
	MethodBizum    PaymentMethod = "BIZUM"
	MethodCourtesy PaymentMethod = "COURTESY"
)

// ValidPaymentMethod reports whether m is a known method.
func ValidPaymentMethod(m PaymentMethod) bool {
	switch m {
	case MethodCard, MethodCash, MethodTransfer, MethodOnsite,
		MethodCredits, MethodBizum, MethodCourtesy:
		return true
	}
	return false
}

// =============================================================================
// USER
// =============================================================================

// User is a booking-platform account. CreditsBalance is a denormalized
// cache of the wallet ledger; only the wallet projector may change it.
type User struct {
	ID             string
	Name           string
	Email          string
	CreditsBalance decimal.Decimal
	CreatedAt      time.Time
}
