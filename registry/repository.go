package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrAlreadyExists     = errors.New("registry: arbitrator already exists")
	ErrInvalidIdentity   = errors.New("registry: invalid arbitrator identity")
	ErrNotFound          = errors.New("registry: arbitrator not found")
	ErrNotActive         = errors.New("registry: arbitrator not active")
	ErrNoneActive        = errors.New("registry: no active arbitrator")
	ErrInvalidReputation = errors.New("registry: reputation below threshold")
)

// Repository runs registry writes on the caller's transaction so the factory
// can fold arbitrator bookkeeping into the same atomic operation that mutates
// an escrow.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

const arbitratorColumns = `id::text, active, total_cases, resolved_cases, reputation, fee_per_case, registered_at`

// Insert creates a fresh record with full reputation.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, id string, feePerCase int64) (Arbitrator, error) {
	row := tx.QueryRow(ctx, `
		INSERT INTO arbitrators (id, fee_per_case)
		VALUES ($1, $2)
		RETURNING `+arbitratorColumns, id, feePerCase)

	arb, err := scanArbitrator(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Arbitrator{}, ErrAlreadyExists
		}
		return Arbitrator{}, fmt.Errorf("registry: insert: %w", err)
	}
	return arb, nil
}

// GetForUpdate loads an arbitrator row and holds its lock for the transaction.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Arbitrator, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+arbitratorColumns+` FROM arbitrators WHERE id = $1 FOR UPDATE`, id)
	arb, err := scanArbitrator(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Arbitrator{}, ErrNotFound
		}
		return Arbitrator{}, fmt.Errorf("registry: get for update: %w", err)
	}
	return arb, nil
}

// BestForUpdate locks and returns the active arbitrator with the highest
// reputation; ties go to the earliest registration.
func (r *Repository) BestForUpdate(ctx context.Context, tx pgx.Tx) (Arbitrator, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+arbitratorColumns+`
		FROM arbitrators
		WHERE active
		ORDER BY reputation DESC, registered_at ASC, id ASC
		LIMIT 1
		FOR UPDATE`)
	arb, err := scanArbitrator(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Arbitrator{}, ErrNoneActive
		}
		return Arbitrator{}, fmt.Errorf("registry: best arbitrator: %w", err)
	}
	return arb, nil
}

// AssignCase counts a new case against an active arbitrator.
func (r *Repository) AssignCase(ctx context.Context, tx pgx.Tx, id string) error {
	arb, err := r.GetForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	if !arb.Active {
		return ErrNotActive
	}

	if _, err := tx.Exec(ctx, `
		UPDATE arbitrators SET total_cases = total_cases + 1 WHERE id = $1`, id); err != nil {
		return fmt.Errorf("registry: assign case: %w", err)
	}

	return r.appendEvent(ctx, tx, id, "arbitrator.case_assigned", map[string]any{
		"total_cases": arb.TotalCases + 1,
	})
}

// RecordResolution counts a resolved case, adjusts reputation and deactivates
// the arbitrator when the score drops below the threshold. It returns the
// arbitrator's fee per case so the caller can settle it from the dispute-fee
// deposit.
func (r *Repository) RecordResolution(ctx context.Context, tx pgx.Tx, id string, satisfactory bool) (int64, error) {
	arb, err := r.GetForUpdate(ctx, tx, id)
	if err != nil {
		return 0, err
	}

	newRep, deactivate := ApplyResolution(arb.Reputation, satisfactory)
	active := arb.Active && !deactivate

	if _, err := tx.Exec(ctx, `
		UPDATE arbitrators
		SET resolved_cases = resolved_cases + 1,
		    reputation = $2,
		    active = $3
		WHERE id = $1`, id, newRep, active); err != nil {
		return 0, fmt.Errorf("registry: record resolution: %w", err)
	}

	if err := r.appendEvent(ctx, tx, id, "arbitrator.case_resolved", map[string]any{
		"satisfactory":   satisfactory,
		"resolved_cases": arb.ResolvedCases + 1,
	}); err != nil {
		return 0, err
	}
	if newRep != arb.Reputation {
		if err := r.appendEvent(ctx, tx, id, "arbitrator.reputation_updated", map[string]any{
			"previous": arb.Reputation,
			"next":     newRep,
		}); err != nil {
			return 0, err
		}
	}
	if arb.Active && !active {
		if err := r.appendEvent(ctx, tx, id, "arbitrator.deactivated", map[string]any{
			"reason":     "reputation_below_threshold",
			"reputation": newRep,
		}); err != nil {
			return 0, err
		}
	}

	return arb.FeePerCase, nil
}

// SetActive flips the active flag by administrative action.
func (r *Repository) SetActive(ctx context.Context, tx pgx.Tx, id string, active bool) error {
	tag, err := tx.Exec(ctx, `UPDATE arbitrators SET active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("registry: set active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	event := "arbitrator.deactivated"
	if active {
		event = "arbitrator.reactivated"
	}
	return r.appendEvent(ctx, tx, id, event, map[string]any{"by": "admin"})
}

// UpdateFee sets the arbitrator's fee per case.
func (r *Repository) UpdateFee(ctx context.Context, tx pgx.Tx, id string, fee int64) error {
	tag, err := tx.Exec(ctx, `UPDATE arbitrators SET fee_per_case = $2 WHERE id = $1`, id, fee)
	if err != nil {
		return fmt.Errorf("registry: update fee: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return r.appendEvent(ctx, tx, id, "arbitrator.fee_updated", map[string]any{"fee_per_case": fee})
}

func (r *Repository) appendEvent(ctx context.Context, tx pgx.Tx, id, eventType string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("registry: marshal event payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO registry_events (arbitrator_id, type, payload)
		VALUES ($1, $2, $3::jsonb)`, id, eventType, body); err != nil {
		return fmt.Errorf("registry: append event: %w", err)
	}
	return nil
}

func scanArbitrator(row pgx.Row) (Arbitrator, error) {
	var arb Arbitrator
	err := row.Scan(
		&arb.ID,
		&arb.Active,
		&arb.TotalCases,
		&arb.ResolvedCases,
		&arb.Reputation,
		&arb.FeePerCase,
		&arb.RegisteredAt,
	)
	if err != nil {
		return Arbitrator{}, err
	}
	return arb, nil
}
