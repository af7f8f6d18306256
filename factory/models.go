package factory

import (
	"errors"
	"time"
)

var (
	ErrPaused            = errors.New("factory: escrow creation is paused")
	ErrTokenNotSupported = errors.New("factory: payment unit not whitelisted")
	ErrAmountMismatch    = errors.New("factory: supplied deposit does not match amount")
	ErrFeeTooHigh        = errors.New("factory: platform fee above 10 percent")
	ErrNotAnEscrow       = errors.New("factory: unknown escrow identity")
	ErrAlreadyAssigned   = errors.New("factory: arbitrator already assigned")
	ErrNoFeeRecipient    = errors.New("factory: fee recipient not configured")
)

// MaxPlatformFeeBps bounds the platform fee at 10% of transaction value.
const MaxPlatformFeeBps = 1000

// Config mirrors the single factory_config row.
type Config struct {
	Paused             bool
	DefaultDisputeFee  int64
	PlatformFeeBps     int
	FeeRecipient       *string
	TotalCreated       int64
	TotalValueLocked   int64
	TotalFeesCollected int64
	UpdatedAt          time.Time
}

// Stats aggregates the marketplace counters exposed to readers.
type Stats struct {
	TotalCreated       int64
	TotalValueLocked   int64
	TotalFeesCollected int64
	ActiveCount        int64
}

// CreateParams carries everything needed to mint one deal. Deposit is the
// native value attached by the caller; it must equal Amount for native deals
// and is ignored for token deals, which are funded through the allowance pull.
type CreateParams struct {
	BuyerID     string
	SellerID    string
	PaymentUnit string
	Amount      int64
	Deadline    time.Time
	Description string
	DisputeFee  *int64
	Deposit     int64
}
