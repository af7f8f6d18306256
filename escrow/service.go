package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"escrowmarket/ledger"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store defines the deal data access required by the service.
type Store interface {
	Get(ctx context.Context, tx pgx.Tx, id string) (Deal, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Deal, error)
	SetState(ctx context.Context, tx pgx.Tx, id string, next State) error
	SetDisputed(ctx context.Context, tx pgx.Tx, id, reason string, deposit int64) error
	SetResolved(ctx context.Context, tx pgx.Tx, id string, outcome Outcome) error
	StampMarkedComplete(ctx context.Context, tx pgx.Tx, id string) error
	AppendEvent(ctx context.Context, tx pgx.Tx, escrowID, eventType, actorID string, payload map[string]any) error
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
	PlatformFeeBps(ctx context.Context, tx pgx.Tx) (int, error)
	AddTotals(ctx context.Context, tx pgx.Tx, tvlDelta, feesDelta int64) error
}

// FundsMover is the slice of the ledger collaborator the state machine needs.
type FundsMover interface {
	Transfer(ctx context.Context, tx pgx.Tx, from, to, unit string, amount int64) error
}

// CaseRecorder is implemented by the registry repository so a resolution is
// counted against the arbitrator inside the deal's transaction.
type CaseRecorder interface {
	RecordResolution(ctx context.Context, tx pgx.Tx, arbitratorID string, satisfactory bool) (feePerCase int64, err error)
}

// Service drives the per-deal state machine. Every operation is one
// transaction: load the deal FOR UPDATE, check role and state, write the
// transition plus its event and outbox rows, and only then move funds.
type Service struct {
	pool   TxBeginner
	store  Store
	funds  FundsMover
	roster CaseRecorder
	now    func() time.Time
}

func NewService(pool TxBeginner, store Store, funds FundsMover, roster CaseRecorder) *Service {
	if store == nil {
		store = NewRepository()
	}
	if funds == nil {
		funds = ledger.New()
	}
	return &Service{
		pool:   pool,
		store:  store,
		funds:  funds,
		roster: roster,
		now:    time.Now,
	}
}

// Accept moves a created deal to accepted. Seller only, before the deadline.
func (s *Service) Accept(ctx context.Context, id, callerID string) (Deal, error) {
	return s.mutate(ctx, id, func(tx pgx.Tx, d *Deal) error {
		if callerID != d.SellerID {
			return ErrUnauthorized
		}
		if d.State != StateCreated {
			return ErrInvalidState
		}
		if s.now().After(d.Deadline) {
			return ErrDeadlinePassed
		}

		if err := s.store.SetState(ctx, tx, d.ID, StateAccepted); err != nil {
			return err
		}
		d.State = StateAccepted

		if err := s.store.AppendEvent(ctx, tx, d.ID, "deal.accepted", callerID, map[string]any{
			"seller_id": d.SellerID,
		}); err != nil {
			return err
		}
		return s.store.EnqueueOutbox(ctx, tx, "escrow.accepted", map[string]any{
			"escrow_id": d.ID,
		})
	})
}

// MarkCompleted records the seller's readiness signal. No state change, no
// custody change; the event exists for external indexers.
func (s *Service) MarkCompleted(ctx context.Context, id, callerID string) (Deal, error) {
	return s.mutate(ctx, id, func(tx pgx.Tx, d *Deal) error {
		if callerID != d.SellerID {
			return ErrUnauthorized
		}
		if d.State != StateAccepted {
			return ErrInvalidState
		}

		if err := s.store.StampMarkedComplete(ctx, tx, d.ID); err != nil {
			return err
		}
		now := s.now()
		if d.MarkedCompleteAt == nil {
			d.MarkedCompleteAt = &now
		}

		return s.store.AppendEvent(ctx, tx, d.ID, "deal.marked_complete", callerID, map[string]any{
			"seller_id": d.SellerID,
		})
	})
}

// ReleasePayment completes an accepted deal, paying the seller. Buyer only.
func (s *Service) ReleasePayment(ctx context.Context, id, callerID string) (Deal, error) {
	return s.mutate(ctx, id, func(tx pgx.Tx, d *Deal) error {
		if callerID != d.BuyerID {
			return ErrUnauthorized
		}
		if d.State != StateAccepted {
			return ErrInvalidState
		}
		return s.completeToSeller(ctx, tx, d, callerID, "deal.payment_released", "escrow.payment_released")
	})
}

// ClaimAfterDeadline lets the seller force payout once the deadline plus the
// grace period have strictly elapsed.
func (s *Service) ClaimAfterDeadline(ctx context.Context, id, callerID string) (Deal, error) {
	return s.mutate(ctx, id, func(tx pgx.Tx, d *Deal) error {
		if callerID != d.SellerID {
			return ErrUnauthorized
		}
		if d.State != StateAccepted {
			return ErrInvalidState
		}
		if !s.now().After(d.Deadline.Add(GracePeriod)) {
			return ErrTooEarly
		}
		return s.completeToSeller(ctx, tx, d, callerID, "deal.claimed_after_deadline", "escrow.claimed")
	})
}

// completeToSeller performs the shared ACCEPTED -> COMPLETED payout: the
// platform fee (default zero) is deducted from the seller's share.
func (s *Service) completeToSeller(ctx context.Context, tx pgx.Tx, d *Deal, callerID, eventType, topic string) error {
	feeBps, err := s.store.PlatformFeeBps(ctx, tx)
	if err != nil {
		return err
	}
	fee := PlatformFee(d.Amount, feeBps)

	if err := s.store.SetState(ctx, tx, d.ID, StateCompleted); err != nil {
		return err
	}
	d.State = StateCompleted

	if err := s.store.AppendEvent(ctx, tx, d.ID, eventType, callerID, map[string]any{
		"seller_id":    d.SellerID,
		"amount":       d.Amount,
		"platform_fee": fee,
	}); err != nil {
		return err
	}
	if err := s.store.EnqueueOutbox(ctx, tx, topic, map[string]any{
		"escrow_id": d.ID,
		"amount":    d.Amount,
	}); err != nil {
		return err
	}
	if err := s.store.AddTotals(ctx, tx, -d.Amount, fee); err != nil {
		return err
	}

	if err := s.funds.Transfer(ctx, tx, d.ID, d.SellerID, d.PaymentUnit, d.Amount-fee); err != nil {
		return err
	}
	if fee > 0 {
		if err := s.funds.Transfer(ctx, tx, d.ID, ledger.TreasuryID, d.PaymentUnit, fee); err != nil {
			return err
		}
	}
	return nil
}

// RaiseDispute escalates an accepted deal. Either party may raise it and must
// deposit at least the dispute fee in native currency.
func (s *Service) RaiseDispute(ctx context.Context, id, callerID, reason string, deposit int64) (Deal, error) {
	return s.mutate(ctx, id, func(tx pgx.Tx, d *Deal) error {
		if callerID != d.BuyerID && callerID != d.SellerID {
			return ErrUnauthorized
		}
		if d.State != StateAccepted {
			return ErrInvalidState
		}
		if deposit < d.DisputeFee {
			return ErrInsufficientFee
		}

		if err := s.store.SetDisputed(ctx, tx, d.ID, reason, deposit); err != nil {
			return err
		}
		d.State = StateDisputed
		d.DisputeReason = &reason
		d.FeeDeposit = deposit

		if err := s.store.AppendEvent(ctx, tx, d.ID, "deal.dispute_raised", callerID, map[string]any{
			"reason":  reason,
			"deposit": deposit,
		}); err != nil {
			return err
		}
		if err := s.store.EnqueueOutbox(ctx, tx, "escrow.dispute_raised", map[string]any{
			"escrow_id": d.ID,
			"raised_by": callerID,
		}); err != nil {
			return err
		}

		return s.funds.Transfer(ctx, tx, callerID, d.ID, ledger.NativeUnit, deposit)
	})
}

// ResolveDispute executes the bound arbitrator's outcome: the disputed amount
// is paid out per the outcome, the arbitrator earns their fee from the
// dispute-fee deposit, and the platform keeps the remainder of the deposit.
func (s *Service) ResolveDispute(ctx context.Context, id, callerID string, outcome Outcome) (Deal, error) {
	return s.mutate(ctx, id, func(tx pgx.Tx, d *Deal) error {
		if d.ArbitratorID == nil || callerID != *d.ArbitratorID {
			return ErrUnauthorized
		}
		if d.State != StateDisputed {
			return ErrInvalidState
		}
		buyerShare, sellerShare, err := PayoutShares(outcome, d.Amount)
		if err != nil {
			return err
		}

		if err := s.store.SetResolved(ctx, tx, d.ID, outcome); err != nil {
			return err
		}
		d.State = StateResolved
		d.Outcome = outcome

		feePerCase, err := s.roster.RecordResolution(ctx, tx, callerID, true)
		if err != nil {
			return err
		}
		arbitratorFee := feePerCase
		if arbitratorFee > d.FeeDeposit {
			arbitratorFee = d.FeeDeposit
		}
		platformCut := d.FeeDeposit - arbitratorFee

		if err := s.store.AppendEvent(ctx, tx, d.ID, "deal.dispute_resolved", callerID, map[string]any{
			"outcome":        outcome.String(),
			"buyer_share":    buyerShare,
			"seller_share":   sellerShare,
			"arbitrator_fee": arbitratorFee,
		}); err != nil {
			return err
		}
		if err := s.store.EnqueueOutbox(ctx, tx, "escrow.dispute_resolved", map[string]any{
			"escrow_id": d.ID,
			"outcome":   outcome.String(),
		}); err != nil {
			return err
		}
		if err := s.store.AddTotals(ctx, tx, -d.Amount, platformCut); err != nil {
			return err
		}

		if err := s.funds.Transfer(ctx, tx, d.ID, d.BuyerID, d.PaymentUnit, buyerShare); err != nil {
			return err
		}
		if err := s.funds.Transfer(ctx, tx, d.ID, d.SellerID, d.PaymentUnit, sellerShare); err != nil {
			return err
		}
		if err := s.funds.Transfer(ctx, tx, d.ID, callerID, ledger.NativeUnit, arbitratorFee); err != nil {
			return err
		}
		return s.funds.Transfer(ctx, tx, d.ID, ledger.TreasuryID, ledger.NativeUnit, platformCut)
	})
}

// Cancel lets the buyer back out of a deal the seller has not yet accepted.
func (s *Service) Cancel(ctx context.Context, id, callerID string) (Deal, error) {
	return s.mutate(ctx, id, func(tx pgx.Tx, d *Deal) error {
		if callerID != d.BuyerID {
			return ErrUnauthorized
		}
		if d.State != StateCreated {
			return ErrInvalidState
		}

		if err := s.store.SetState(ctx, tx, d.ID, StateCancelled); err != nil {
			return err
		}
		d.State = StateCancelled

		if err := s.store.AppendEvent(ctx, tx, d.ID, "deal.cancelled", callerID, map[string]any{
			"refund": d.Amount,
		}); err != nil {
			return err
		}
		if err := s.store.EnqueueOutbox(ctx, tx, "escrow.cancelled", map[string]any{
			"escrow_id": d.ID,
		}); err != nil {
			return err
		}
		if err := s.store.AddTotals(ctx, tx, -d.Amount, 0); err != nil {
			return err
		}

		return s.funds.Transfer(ctx, tx, d.ID, d.BuyerID, d.PaymentUnit, d.Amount)
	})
}

// Details returns a consistent snapshot of the deal.
func (s *Service) Details(ctx context.Context, id string) (Deal, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Deal{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	return s.store.Get(ctx, tx, id)
}

func (s *Service) mutate(ctx context.Context, id string, fn func(pgx.Tx, *Deal) error) (Deal, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Deal{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	deal, err := s.store.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Deal{}, err
	}

	if err := fn(tx, &deal); err != nil {
		return Deal{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Deal{}, fmt.Errorf("escrow: commit tx: %w", err)
	}
	return deal, nil
}
