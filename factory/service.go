package factory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"escrowmarket/escrow"
	"escrowmarket/ledger"
	"escrowmarket/registry"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ConfigStore is the factory's own persistence surface.
type ConfigStore interface {
	ConfigForUpdate(ctx context.Context, tx pgx.Tx) (Config, error)
	UnitEnabled(ctx context.Context, tx pgx.Tx, unit string) (bool, error)
	InsertDeal(ctx context.Context, tx pgx.Tx, p InsertDealParams) (escrow.Deal, error)
	BumpCreated(ctx context.Context, tx pgx.Tx, amount int64) error
	SetPaused(ctx context.Context, tx pgx.Tx, paused bool) error
	SetDefaultDisputeFee(ctx context.Context, tx pgx.Tx, fee int64) error
	SetPlatformFeeBps(ctx context.Context, tx pgx.Tx, bps int) error
	SetFeeRecipient(ctx context.Context, tx pgx.Tx, recipient string) error
	SetUnitSupport(ctx context.Context, tx pgx.Tx, unit string, enabled bool) error
	DrainFeesCollected(ctx context.Context, tx pgx.Tx, amount int64) error
}

// DealStore is the slice of the escrow repository the factory needs for
// arbitrator assignment and event emission.
type DealStore interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (escrow.Deal, error)
	BindArbitrator(ctx context.Context, tx pgx.Tx, id, arbitratorID string) error
	AppendEvent(ctx context.Context, tx pgx.Tx, escrowID, eventType, actorID string, payload map[string]any) error
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Roster is the slice of the registry repository used during assignment.
type Roster interface {
	BestForUpdate(ctx context.Context, tx pgx.Tx) (registry.Arbitrator, error)
	AssignCase(ctx context.Context, tx pgx.Tx, id string) error
}

// Funds is the ledger surface used for deposits and fee withdrawal.
type Funds interface {
	Transfer(ctx context.Context, tx pgx.Tx, from, to, unit string, amount int64) error
	TransferIn(ctx context.Context, tx pgx.Tx, owner, to, unit string, amount int64) error
	BalanceOf(ctx context.Context, tx pgx.Tx, holder, unit string) (int64, error)
}

// Service mints and indexes deals and carries the marketplace policy knobs.
type Service struct {
	pool  TxBeginner
	repo  ConfigStore
	deals DealStore
	arbs  Roster
	funds Funds
	now   func() time.Time
}

// NewService wires the factory. Nil collaborators default to the concrete
// pg-backed implementations.
func NewService(pool TxBeginner, repo ConfigStore, deals DealStore, arbs Roster, funds Funds) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	if deals == nil {
		deals = escrow.NewRepository()
	}
	if arbs == nil {
		arbs = registry.NewRepository()
	}
	if funds == nil {
		funds = ledger.New()
	}
	return &Service{
		pool:  pool,
		repo:  repo,
		deals: deals,
		arbs:  arbs,
		funds: funds,
		now:   time.Now,
	}
}

// CreateEscrow mints a deal with the caller as buyer, depositing funds
// atomically with creation.
func (s *Service) CreateEscrow(ctx context.Context, p CreateParams) (escrow.Deal, error) {
	if p.BuyerID == "" || p.SellerID == "" {
		return escrow.Deal{}, fmt.Errorf("factory: buyer and seller are required")
	}
	if p.BuyerID == p.SellerID {
		return escrow.Deal{}, fmt.Errorf("factory: buyer and seller must differ")
	}
	if p.Amount <= 0 {
		return escrow.Deal{}, fmt.Errorf("factory: amount must be positive")
	}
	if !p.Deadline.After(s.now()) {
		return escrow.Deal{}, fmt.Errorf("factory: deadline must be in the future")
	}
	if p.DisputeFee != nil && *p.DisputeFee < 0 {
		return escrow.Deal{}, fmt.Errorf("factory: negative dispute fee")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return escrow.Deal{}, fmt.Errorf("factory: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cfg, err := s.repo.ConfigForUpdate(ctx, tx)
	if err != nil {
		return escrow.Deal{}, err
	}
	if cfg.Paused {
		return escrow.Deal{}, ErrPaused
	}

	if p.PaymentUnit != ledger.NativeUnit {
		enabled, err := s.repo.UnitEnabled(ctx, tx, p.PaymentUnit)
		if err != nil {
			return escrow.Deal{}, err
		}
		if !enabled {
			return escrow.Deal{}, ErrTokenNotSupported
		}
	}

	disputeFee := cfg.DefaultDisputeFee
	if p.DisputeFee != nil {
		disputeFee = *p.DisputeFee
	}

	deal, err := s.repo.InsertDeal(ctx, tx, InsertDealParams{
		BuyerID:     p.BuyerID,
		SellerID:    p.SellerID,
		PaymentUnit: p.PaymentUnit,
		Amount:      p.Amount,
		Deadline:    p.Deadline,
		Description: p.Description,
		DisputeFee:  disputeFee,
	})
	if err != nil {
		return escrow.Deal{}, err
	}

	if err := s.deals.AppendEvent(ctx, tx, deal.ID, "deal.created", p.BuyerID, map[string]any{
		"seller_id":    p.SellerID,
		"payment_unit": p.PaymentUnit,
		"amount":       p.Amount,
		"deadline":     p.Deadline.UTC(),
		"dispute_fee":  disputeFee,
	}); err != nil {
		return escrow.Deal{}, err
	}
	if err := s.deals.EnqueueOutbox(ctx, tx, "escrow.created", map[string]any{
		"escrow_id": deal.ID,
		"buyer_id":  p.BuyerID,
		"seller_id": p.SellerID,
		"amount":    p.Amount,
	}); err != nil {
		return escrow.Deal{}, err
	}
	if err := s.repo.BumpCreated(ctx, tx, p.Amount); err != nil {
		return escrow.Deal{}, err
	}

	// Fund the deal last so a failed deposit aborts the whole creation.
	if p.PaymentUnit == ledger.NativeUnit {
		if p.Deposit != p.Amount {
			return escrow.Deal{}, ErrAmountMismatch
		}
		if err := s.funds.Transfer(ctx, tx, p.BuyerID, deal.ID, ledger.NativeUnit, p.Amount); err != nil {
			return escrow.Deal{}, err
		}
	} else {
		if err := s.funds.TransferIn(ctx, tx, p.BuyerID, deal.ID, p.PaymentUnit, p.Amount); err != nil {
			return escrow.Deal{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return escrow.Deal{}, fmt.Errorf("factory: commit create: %w", err)
	}
	return deal, nil
}

// AssignArbitrator binds the registry's best active arbitrator to a disputed
// deal and counts the case in the registry. Both mutations share one
// transaction so an assignment can never be half-applied.
func (s *Service) AssignArbitrator(ctx context.Context, escrowID string) (registry.Arbitrator, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return registry.Arbitrator{}, fmt.Errorf("factory: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	deal, err := s.deals.GetForUpdate(ctx, tx, escrowID)
	if err != nil {
		if errors.Is(err, escrow.ErrNotFound) {
			return registry.Arbitrator{}, ErrNotAnEscrow
		}
		return registry.Arbitrator{}, err
	}
	if deal.State != escrow.StateDisputed {
		return registry.Arbitrator{}, escrow.ErrInvalidState
	}
	if deal.ArbitratorID != nil {
		return registry.Arbitrator{}, ErrAlreadyAssigned
	}

	best, err := s.arbs.BestForUpdate(ctx, tx)
	if err != nil {
		return registry.Arbitrator{}, err
	}
	if best.ID == "" {
		return registry.Arbitrator{}, escrow.ErrInvalidArbitrator
	}

	if err := s.deals.BindArbitrator(ctx, tx, deal.ID, best.ID); err != nil {
		return registry.Arbitrator{}, err
	}
	if err := s.arbs.AssignCase(ctx, tx, best.ID); err != nil {
		return registry.Arbitrator{}, err
	}

	if err := s.deals.AppendEvent(ctx, tx, deal.ID, "deal.arbitrator_assigned", "", map[string]any{
		"arbitrator_id": best.ID,
		"reputation":    best.Reputation,
	}); err != nil {
		return registry.Arbitrator{}, err
	}
	if err := s.deals.EnqueueOutbox(ctx, tx, "escrow.arbitrator_assigned", map[string]any{
		"escrow_id":     deal.ID,
		"arbitrator_id": best.ID,
	}); err != nil {
		return registry.Arbitrator{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return registry.Arbitrator{}, fmt.Errorf("factory: commit assignment: %w", err)
	}
	return best, nil
}

// SetPaused toggles the creation gate. Existing deals stay fully operable.
func (s *Service) SetPaused(ctx context.Context, paused bool) error {
	return s.admin(ctx, "factory.pause_toggled", map[string]any{"paused": paused},
		func(tx pgx.Tx) error { return s.repo.SetPaused(ctx, tx, paused) })
}

// SetDefaultDisputeFee updates the fee applied to deals that do not override it.
func (s *Service) SetDefaultDisputeFee(ctx context.Context, fee int64) error {
	if fee < 0 {
		return fmt.Errorf("factory: negative dispute fee")
	}
	return s.admin(ctx, "factory.dispute_fee_updated", map[string]any{"fee": fee},
		func(tx pgx.Tx) error { return s.repo.SetDefaultDisputeFee(ctx, tx, fee) })
}

// SetPlatformFee updates the platform's cut of uncontested payouts.
func (s *Service) SetPlatformFee(ctx context.Context, bps int) error {
	if bps < 0 {
		return fmt.Errorf("factory: negative platform fee")
	}
	if bps > MaxPlatformFeeBps {
		return ErrFeeTooHigh
	}
	return s.admin(ctx, "factory.platform_fee_updated", map[string]any{"bps": bps},
		func(tx pgx.Tx) error { return s.repo.SetPlatformFeeBps(ctx, tx, bps) })
}

// SetFeeRecipient designates where withdrawn fees land.
func (s *Service) SetFeeRecipient(ctx context.Context, recipient string) error {
	if recipient == "" {
		return fmt.Errorf("factory: empty fee recipient")
	}
	return s.admin(ctx, "factory.fee_recipient_updated", map[string]any{"recipient": recipient},
		func(tx pgx.Tx) error { return s.repo.SetFeeRecipient(ctx, tx, recipient) })
}

// SetUnitSupport whitelists or delists a token payment unit.
func (s *Service) SetUnitSupport(ctx context.Context, unit string, enabled bool) error {
	if unit == "" || unit == ledger.NativeUnit {
		return fmt.Errorf("factory: invalid unit %q", unit)
	}
	return s.admin(ctx, "factory.unit_support_updated", map[string]any{"unit": unit, "enabled": enabled},
		func(tx pgx.Tx) error { return s.repo.SetUnitSupport(ctx, tx, unit, enabled) })
}

// WithdrawFees sends the treasury's accumulated balance for unit to the
// configured recipient and zeroes the collected-fee accounting.
func (s *Service) WithdrawFees(ctx context.Context, unit string) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("factory: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cfg, err := s.repo.ConfigForUpdate(ctx, tx)
	if err != nil {
		return 0, err
	}
	if cfg.FeeRecipient == nil {
		return 0, ErrNoFeeRecipient
	}

	balance, err := s.funds.BalanceOf(ctx, tx, ledger.TreasuryID, unit)
	if err != nil {
		return 0, err
	}
	if balance == 0 {
		return 0, tx.Commit(ctx)
	}

	if err := s.funds.Transfer(ctx, tx, ledger.TreasuryID, *cfg.FeeRecipient, unit, balance); err != nil {
		return 0, err
	}
	if err := s.repo.DrainFeesCollected(ctx, tx, balance); err != nil {
		return 0, err
	}
	if err := s.deals.EnqueueOutbox(ctx, tx, "factory.fees_withdrawn", map[string]any{
		"unit":      unit,
		"amount":    balance,
		"recipient": *cfg.FeeRecipient,
	}); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("factory: commit withdrawal: %w", err)
	}
	return balance, nil
}

func (s *Service) admin(ctx context.Context, topic string, payload map[string]any, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("factory: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := s.deals.EnqueueOutbox(ctx, tx, topic, payload); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("factory: commit admin update: %w", err)
	}
	return nil
}
