package factory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"escrowmarket/escrow"
)

// Repository owns the factory_config row, the token whitelist and deal
// insertion. All writes run on the caller's transaction.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// ConfigForUpdate locks the configuration row for the transaction, which also
// serializes every totals update against concurrent creations and payouts.
func (r *Repository) ConfigForUpdate(ctx context.Context, tx pgx.Tx) (Config, error) {
	return scanConfig(tx.QueryRow(ctx, `
		SELECT paused, default_dispute_fee, platform_fee_bps, fee_recipient::text,
		       total_created, total_value_locked, total_fees_collected, updated_at
		FROM factory_config WHERE id FOR UPDATE`))
}

// UnitEnabled reports whether a token unit is currently whitelisted.
func (r *Repository) UnitEnabled(ctx context.Context, tx pgx.Tx, unit string) (bool, error) {
	var enabled bool
	err := tx.QueryRow(ctx, `SELECT enabled FROM payment_units WHERE unit = $1`, unit).Scan(&enabled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("factory: unit enabled: %w", err)
	}
	return enabled, nil
}

// InsertDealParams is the resolved column set for a new deal.
type InsertDealParams struct {
	BuyerID     string
	SellerID    string
	PaymentUnit string
	Amount      int64
	Deadline    time.Time
	Description string
	DisputeFee  int64
}

// InsertDeal mints the escrow row in CREATED state.
func (r *Repository) InsertDeal(ctx context.Context, tx pgx.Tx, p InsertDealParams) (escrow.Deal, error) {
	row := tx.QueryRow(ctx, `
		INSERT INTO escrows (buyer_id, seller_id, payment_unit, amount, deadline, dispute_fee, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id::text, buyer_id::text, seller_id::text, payment_unit, amount, deadline,
		          dispute_fee, description, state::text, arbitrator_id::text, outcome::text,
		          dispute_reason, fee_deposit, marked_complete_at, resolved_at, cancelled_at,
		          created_at, updated_at`,
		p.BuyerID, p.SellerID, p.PaymentUnit, p.Amount, p.Deadline, p.DisputeFee, p.Description)

	deal, err := escrow.ScanDeal(row)
	if err != nil {
		return escrow.Deal{}, fmt.Errorf("factory: insert deal: %w", err)
	}
	return deal, nil
}

// BumpCreated counts one new deal and locks its value.
func (r *Repository) BumpCreated(ctx context.Context, tx pgx.Tx, amount int64) error {
	if _, err := tx.Exec(ctx, `
		UPDATE factory_config
		SET total_created = total_created + 1,
		    total_value_locked = total_value_locked + $1,
		    updated_at = now()
		WHERE id`, amount); err != nil {
		return fmt.Errorf("factory: bump created: %w", err)
	}
	return nil
}

func (r *Repository) SetPaused(ctx context.Context, tx pgx.Tx, paused bool) error {
	return r.updateConfig(ctx, tx, `paused = $1`, paused)
}

func (r *Repository) SetDefaultDisputeFee(ctx context.Context, tx pgx.Tx, fee int64) error {
	return r.updateConfig(ctx, tx, `default_dispute_fee = $1`, fee)
}

func (r *Repository) SetPlatformFeeBps(ctx context.Context, tx pgx.Tx, bps int) error {
	return r.updateConfig(ctx, tx, `platform_fee_bps = $1`, bps)
}

func (r *Repository) SetFeeRecipient(ctx context.Context, tx pgx.Tx, recipient string) error {
	return r.updateConfig(ctx, tx, `fee_recipient = $1::uuid`, recipient)
}

func (r *Repository) updateConfig(ctx context.Context, tx pgx.Tx, set string, arg any) error {
	if _, err := tx.Exec(ctx,
		`UPDATE factory_config SET `+set+`, updated_at = now() WHERE id`, arg); err != nil {
		return fmt.Errorf("factory: update config: %w", err)
	}
	return nil
}

// SetUnitSupport toggles a token unit on the whitelist.
func (r *Repository) SetUnitSupport(ctx context.Context, tx pgx.Tx, unit string, enabled bool) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO payment_units (unit, enabled)
		VALUES ($1, $2)
		ON CONFLICT (unit) DO UPDATE SET enabled = EXCLUDED.enabled`, unit, enabled); err != nil {
		return fmt.Errorf("factory: set unit support: %w", err)
	}
	return nil
}

// DrainFeesCollected reduces the collected-fee accounting after a withdrawal.
func (r *Repository) DrainFeesCollected(ctx context.Context, tx pgx.Tx, amount int64) error {
	if _, err := tx.Exec(ctx, `
		UPDATE factory_config
		SET total_fees_collected = GREATEST(total_fees_collected - $1, 0),
		    updated_at = now()
		WHERE id`, amount); err != nil {
		return fmt.Errorf("factory: drain fees collected: %w", err)
	}
	return nil
}

func scanConfig(row pgx.Row) (Config, error) {
	var cfg Config
	err := row.Scan(
		&cfg.Paused,
		&cfg.DefaultDisputeFee,
		&cfg.PlatformFeeBps,
		&cfg.FeeRecipient,
		&cfg.TotalCreated,
		&cfg.TotalValueLocked,
		&cfg.TotalFeesCollected,
		&cfg.UpdatedAt,
	)
	if err != nil {
		return Config{}, fmt.Errorf("factory: scan config: %w", err)
	}
	return cfg, nil
}
