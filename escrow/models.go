package escrow

import (
	"errors"
	"fmt"
	"time"
)

// GracePeriod is the window after the deadline during which the seller still
// cannot force a fallback payout.
const GracePeriod = 7 * 24 * time.Hour

var (
	ErrNotFound          = errors.New("escrow: deal not found")
	ErrUnauthorized      = errors.New("escrow: caller not authorized for operation")
	ErrInvalidState      = errors.New("escrow: operation invalid in current state")
	ErrDeadlinePassed    = errors.New("escrow: deadline has passed")
	ErrTooEarly          = errors.New("escrow: grace period has not elapsed")
	ErrInsufficientFee   = errors.New("escrow: deposit below dispute fee")
	ErrInvalidOutcome    = errors.New("escrow: dispute outcome not set")
	ErrInvalidArbitrator = errors.New("escrow: empty arbitrator identity")
)

// State is the lifecycle position of a deal. Transitions are forward-only.
type State string

const (
	StateCreated   State = "created"
	StateAccepted  State = "accepted"
	StateDisputed  State = "disputed"
	StateCompleted State = "completed"
	StateResolved  State = "resolved"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further operation may change the deal.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateResolved, StateCancelled:
		return true
	}
	return false
}

// Active reports whether the deal is in play (accepted or disputed).
func (s State) Active() bool {
	return s == StateAccepted || s == StateDisputed
}

// Outcome is the closed set of dispute resolutions. The zero value is the
// unset variant and is never a valid resolution.
type Outcome int

const (
	OutcomeUnspecified Outcome = iota
	OutcomeBuyerWins
	OutcomeSellerWins
	OutcomeSplit
)

func (o Outcome) String() string {
	switch o {
	case OutcomeBuyerWins:
		return "buyer_wins"
	case OutcomeSellerWins:
		return "seller_wins"
	case OutcomeSplit:
		return "split"
	default:
		return "unspecified"
	}
}

// ParseOutcome maps the wire representation back to an Outcome.
func ParseOutcome(s string) (Outcome, error) {
	switch s {
	case "buyer_wins":
		return OutcomeBuyerWins, nil
	case "seller_wins":
		return OutcomeSellerWins, nil
	case "split":
		return OutcomeSplit, nil
	default:
		return OutcomeUnspecified, fmt.Errorf("escrow: unknown outcome %q", s)
	}
}

// Deal mirrors the escrows table.
type Deal struct {
	ID               string
	BuyerID          string
	SellerID         string
	PaymentUnit      string
	Amount           int64
	Deadline         time.Time
	DisputeFee       int64
	Description      string
	State            State
	ArbitratorID     *string
	Outcome          Outcome
	DisputeReason    *string
	FeeDeposit       int64
	MarkedCompleteAt *time.Time
	ResolvedAt       *time.Time
	CancelledAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// IsDeadlinePassed reports whether the delivery deadline lies behind now.
func (d Deal) IsDeadlinePassed(now time.Time) bool {
	return now.After(d.Deadline)
}

// TimeRemaining returns the time until the deadline, zero once passed.
func (d Deal) TimeRemaining(now time.Time) time.Duration {
	if remaining := d.Deadline.Sub(now); remaining > 0 {
		return remaining
	}
	return 0
}
