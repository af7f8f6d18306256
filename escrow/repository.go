package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Repository runs deal reads and writes on the caller's transaction. The deal
// row lock taken by GetForUpdate is what serializes all mutation of one deal.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

const dealColumns = `
	id::text, buyer_id::text, seller_id::text, payment_unit, amount, deadline,
	dispute_fee, description, state::text, arbitrator_id::text, outcome::text,
	dispute_reason, fee_deposit, marked_complete_at, resolved_at, cancelled_at,
	created_at, updated_at`

// Get loads a deal without locking it.
func (r *Repository) Get(ctx context.Context, tx pgx.Tx, id string) (Deal, error) {
	return r.get(ctx, tx, id, "")
}

// GetForUpdate loads a deal and holds its row lock for the transaction.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Deal, error) {
	return r.get(ctx, tx, id, " FOR UPDATE")
}

func (r *Repository) get(ctx context.Context, tx pgx.Tx, id, suffix string) (Deal, error) {
	row := tx.QueryRow(ctx, `SELECT `+dealColumns+` FROM escrows WHERE id = $1`+suffix, id)
	deal, err := ScanDeal(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Deal{}, ErrNotFound
		}
		return Deal{}, fmt.Errorf("escrow: get deal: %w", err)
	}
	return deal, nil
}

// SetState advances the lifecycle state and stamps the matching terminal
// timestamp column.
func (r *Repository) SetState(ctx context.Context, tx pgx.Tx, id string, next State) error {
	const q = `
		UPDATE escrows
		SET state = $2::escrow_state,
		    resolved_at = CASE WHEN $2 = 'resolved' THEN now() ELSE resolved_at END,
		    cancelled_at = CASE WHEN $2 = 'cancelled' THEN now() ELSE cancelled_at END,
		    updated_at = now()
		WHERE id = $1`
	if _, err := tx.Exec(ctx, q, id, string(next)); err != nil {
		return fmt.Errorf("escrow: set state: %w", err)
	}
	return nil
}

// SetDisputed moves the deal to disputed, recording the reason and the
// custodied dispute-fee deposit.
func (r *Repository) SetDisputed(ctx context.Context, tx pgx.Tx, id, reason string, deposit int64) error {
	const q = `
		UPDATE escrows
		SET state = 'disputed', dispute_reason = $2, fee_deposit = $3, updated_at = now()
		WHERE id = $1`
	if _, err := tx.Exec(ctx, q, id, reason, deposit); err != nil {
		return fmt.Errorf("escrow: set disputed: %w", err)
	}
	return nil
}

// SetResolved moves the deal to resolved with the decided outcome.
func (r *Repository) SetResolved(ctx context.Context, tx pgx.Tx, id string, outcome Outcome) error {
	const q = `
		UPDATE escrows
		SET state = 'resolved', outcome = $2::dispute_outcome,
		    resolved_at = now(), updated_at = now()
		WHERE id = $1`
	if _, err := tx.Exec(ctx, q, id, outcome.String()); err != nil {
		return fmt.Errorf("escrow: set resolved: %w", err)
	}
	return nil
}

// BindArbitrator records the assigned arbitrator on a disputed deal.
func (r *Repository) BindArbitrator(ctx context.Context, tx pgx.Tx, id, arbitratorID string) error {
	const q = `UPDATE escrows SET arbitrator_id = $2, updated_at = now() WHERE id = $1`
	if _, err := tx.Exec(ctx, q, id, arbitratorID); err != nil {
		return fmt.Errorf("escrow: bind arbitrator: %w", err)
	}
	return nil
}

// StampMarkedComplete records the seller's readiness signal without touching state.
func (r *Repository) StampMarkedComplete(ctx context.Context, tx pgx.Tx, id string) error {
	const q = `
		UPDATE escrows
		SET marked_complete_at = COALESCE(marked_complete_at, now()), updated_at = now()
		WHERE id = $1`
	if _, err := tx.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("escrow: stamp marked complete: %w", err)
	}
	return nil
}

// AppendEvent writes the next escrow_events row for the deal. The per-deal
// sequence is safe to compute with MAX+1 because every writer holds the deal's
// row lock.
func (r *Repository) AppendEvent(ctx context.Context, tx pgx.Tx, escrowID, eventType, actorID string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("escrow: marshal event payload: %w", err)
	}

	var actor any
	if actorID != "" {
		actor = actorID
	}

	const q = `
		INSERT INTO escrow_events (escrow_id, seq, type, actor_id, payload)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4::jsonb
		FROM escrow_events WHERE escrow_id = $1`
	if _, err := tx.Exec(ctx, q, escrowID, eventType, actor, body); err != nil {
		return fmt.Errorf("escrow: append event: %w", err)
	}
	return nil
}

// EnqueueOutbox records a message for external relay in the same transaction.
func (r *Repository) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("escrow: marshal outbox payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, body); err != nil {
		return fmt.Errorf("escrow: enqueue outbox: %w", err)
	}
	return nil
}

// PlatformFeeBps locks the factory configuration row and returns the platform
// fee in basis points.
func (r *Repository) PlatformFeeBps(ctx context.Context, tx pgx.Tx) (int, error) {
	var bps int
	if err := tx.QueryRow(ctx, `SELECT platform_fee_bps FROM factory_config WHERE id FOR UPDATE`).Scan(&bps); err != nil {
		return 0, fmt.Errorf("escrow: load platform fee: %w", err)
	}
	return bps, nil
}

// AddTotals adjusts the marketplace running totals.
func (r *Repository) AddTotals(ctx context.Context, tx pgx.Tx, tvlDelta, feesDelta int64) error {
	const q = `
		UPDATE factory_config
		SET total_value_locked = total_value_locked + $1,
		    total_fees_collected = total_fees_collected + $2,
		    updated_at = now()
		WHERE id`
	if _, err := tx.Exec(ctx, q, tvlDelta, feesDelta); err != nil {
		return fmt.Errorf("escrow: update totals: %w", err)
	}
	return nil
}

// ScanDeal reads one deal row in dealColumns order.
func ScanDeal(row pgx.Row) (Deal, error) {
	var (
		deal    Deal
		state   string
		outcome *string
	)
	err := row.Scan(
		&deal.ID,
		&deal.BuyerID,
		&deal.SellerID,
		&deal.PaymentUnit,
		&deal.Amount,
		&deal.Deadline,
		&deal.DisputeFee,
		&deal.Description,
		&state,
		&deal.ArbitratorID,
		&outcome,
		&deal.DisputeReason,
		&deal.FeeDeposit,
		&deal.MarkedCompleteAt,
		&deal.ResolvedAt,
		&deal.CancelledAt,
		&deal.CreatedAt,
		&deal.UpdatedAt,
	)
	if err != nil {
		return Deal{}, err
	}

	deal.State = State(state)
	if outcome != nil {
		parsed, err := ParseOutcome(*outcome)
		if err != nil {
			return Deal{}, err
		}
		deal.Outcome = parsed
	}
	return deal, nil
}
