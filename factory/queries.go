package factory

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"escrowmarket/escrow"
)

const dealColumns = `
	id::text, buyer_id::text, seller_id::text, payment_unit, amount, deadline,
	dispute_fee, description, state::text, arbitrator_id::text, outcome::text,
	dispute_reason, fee_deposit, marked_complete_at, resolved_at, cancelled_at,
	created_at, updated_at`

// ListDeals returns every deal in creation order.
func (s *Service) ListDeals(ctx context.Context, limit int) ([]escrow.Deal, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	return s.listDeals(ctx, `
		SELECT `+dealColumns+` FROM escrows ORDER BY created_at ASC, id ASC LIMIT $1`, limit)
}

// ListByParticipant returns every deal the user is party to, as buyer or seller.
func (s *Service) ListByParticipant(ctx context.Context, userID string) ([]escrow.Deal, error) {
	return s.listDeals(ctx, `
		SELECT `+dealColumns+`
		FROM escrows
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at ASC, id ASC`, userID)
}

// ListActive returns deals currently in ACCEPTED or DISPUTED state.
func (s *Service) ListActive(ctx context.Context) ([]escrow.Deal, error) {
	return s.listDeals(ctx, `
		SELECT `+dealColumns+`
		FROM escrows
		WHERE state IN ('accepted', 'disputed')
		ORDER BY created_at ASC, id ASC`)
}

// IsEscrow reports whether the identity names a deal minted by this factory.
func (s *Service) IsEscrow(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.read(ctx, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM escrows WHERE id = $1)`, id).Scan(&exists)
	})
	return exists, err
}

// GetStats returns the marketplace aggregate counters.
func (s *Service) GetStats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := s.read(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `
			SELECT total_created, total_value_locked, total_fees_collected
			FROM factory_config WHERE id`).
			Scan(&stats.TotalCreated, &stats.TotalValueLocked, &stats.TotalFeesCollected); err != nil {
			return fmt.Errorf("factory: load totals: %w", err)
		}
		if err := tx.QueryRow(ctx, `
			SELECT COUNT(*) FROM escrows WHERE state IN ('accepted', 'disputed')`).
			Scan(&stats.ActiveCount); err != nil {
			return fmt.Errorf("factory: count active: %w", err)
		}
		return nil
	})
	return stats, err
}

// GetConfig returns the current factory configuration.
func (s *Service) GetConfig(ctx context.Context) (Config, error) {
	var cfg Config
	err := s.read(ctx, func(tx pgx.Tx) error {
		var err error
		cfg, err = scanConfig(tx.QueryRow(ctx, `
			SELECT paused, default_dispute_fee, platform_fee_bps, fee_recipient::text,
			       total_created, total_value_locked, total_fees_collected, updated_at
			FROM factory_config WHERE id`))
		return err
	})
	return cfg, err
}

func (s *Service) listDeals(ctx context.Context, query string, args ...any) ([]escrow.Deal, error) {
	var out []escrow.Deal
	err := s.read(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("factory: list deals: %w", err)
		}
		defer rows.Close()

		out = make([]escrow.Deal, 0, 16)
		for rows.Next() {
			deal, err := escrow.ScanDeal(rows)
			if err != nil {
				return fmt.Errorf("factory: scan deal: %w", err)
			}
			out = append(out, deal)
		}
		return rows.Err()
	})
	return out, err
}

func (s *Service) read(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("factory: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
