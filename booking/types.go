/*
Package booking manages the reservation lifecycle for court slots.

PURPOSE:
  A reservation moves through a strict state machine. Money only moves
  on the PENDING->PAID and PAID/IN_PROGRESS->CANCELLED edges, and those
  edges commit their ledger entry, wallet movement and outbox event in
  the same transaction as the status change.

STATE MACHINE:
  PENDING     -> PAID, CANCELLED
  PAID        -> IN_PROGRESS, CANCELLED (with refund), NO_SHOW
  IN_PROGRESS -> COMPLETED
  CANCELLED, COMPLETED, NO_SHOW are terminal.

SEE ALSO:
  - ledger/ledger.go: payment and refund entries
  - outbox/outbox.go: lifecycle events for downstream consumers
*/
package booking

import (
	"time"

	"github.com/warp/booking-engine/core"
)

// =============================================================================
// STATUS
// =============================================================================

// Status is a reservation lifecycle state.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusPaid       Status = "PAID"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
	StatusNoShow     Status = "NO_SHOW"
)

// transitions is the full set of legal edges. Anything absent is
// rejected before any side effect runs.
var transitions = map[Status][]Status{
	StatusPending:    {StatusPaid, StatusCancelled},
	StatusPaid:       {StatusInProgress, StatusCancelled, StatusNoShow},
	StatusInProgress: {StatusCompleted},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no edges leave s.
func IsTerminal(s Status) bool {
	return len(transitions[s]) == 0
}

// IsActive reports whether a reservation in state s still holds its
// court slot for conflict purposes.
func IsActive(s Status) bool {
	switch s {
	case StatusPending, StatusPaid, StatusInProgress:
		return true
	}
	return false
}

// =============================================================================
// ACTIVITIES AND COURTS
// =============================================================================

// Activity is a sport playable on a court.
type Activity string

const (
	ActivityPadel      Activity = "PADEL"
	ActivityTennis     Activity = "TENNIS"
	ActivityPickleball Activity = "PICKLEBALL"
	ActivityBadminton  Activity = "BADMINTON"
)

// Court is a bookable resource. PrimaryActivity is what the court is
// built for; CompatibleSecondary lists activities that can share the
// court with each other in overlapping slots.
type Court struct {
	ID                  string
	CenterID            string
	Name                string
	PrimaryActivity     Activity
	CompatibleSecondary []Activity
	HourlyRate          core.Money
	CreatedAt           time.Time
}

// SupportsSecondary reports whether a is in the court's compatible set.
func (c Court) SupportsSecondary(a Activity) bool {
	for _, s := range c.CompatibleSecondary {
		if s == a {
			return true
		}
	}
	return false
}

// =============================================================================
// RESERVATIONS
// =============================================================================

// Reservation is one booked slot on one court.
type Reservation struct {
	ID            string
	UserID        string
	CourtID       string
	CenterID      string
	Activity      Activity
	StartTime     time.Time
	EndTime       time.Time
	Status        Status
	Price         core.Money
	PaymentMethod core.PaymentMethod
	PaidAt        *time.Time
	// ExpiresAt bounds the unpaid window. The sweep cancels PENDING
	// rows past this instant.
	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Note is an append-only annotation on a reservation. Notes are never
// updated or deleted; corrections are new notes.
type Note struct {
	ID            string
	ReservationID string
	Author        string
	Body          string
	CreatedAt     time.Time
}
