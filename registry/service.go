package registry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Service exposes the arbitrator roster. Each write runs in its own
// transaction; the factory instead reaches for Repository directly so
// assignment bookkeeping shares the escrow's transaction.
type Service struct {
	pool *pgxpool.Pool
	repo *Repository
}

func NewService(pool *pgxpool.Pool, repo *Repository) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	return &Service{pool: pool, repo: repo}
}

// Register creates an arbitrator record with full reputation. Administrative.
func (s *Service) Register(ctx context.Context, id string, feePerCase int64) (Arbitrator, error) {
	if id == "" {
		return Arbitrator{}, ErrInvalidIdentity
	}
	if _, err := uuid.Parse(id); err != nil {
		return Arbitrator{}, ErrInvalidIdentity
	}
	if feePerCase < 0 {
		return Arbitrator{}, fmt.Errorf("registry: negative fee per case")
	}

	var arb Arbitrator
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		arb, err = s.repo.Insert(ctx, tx, id, feePerCase)
		if err != nil {
			return err
		}
		return s.repo.appendEvent(ctx, tx, id, "arbitrator.registered", map[string]any{
			"fee_per_case": feePerCase,
		})
	})
	return arb, err
}

// Deactivate soft-disables an arbitrator. Administrative.
func (s *Service) Deactivate(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := s.repo.GetForUpdate(ctx, tx, id); err != nil {
			return err
		}
		return s.repo.SetActive(ctx, tx, id, false)
	})
}

// Reactivate re-enables an arbitrator whose reputation still clears the threshold.
func (s *Service) Reactivate(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		arb, err := s.repo.GetForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if arb.Reputation < ActiveThreshold {
			return ErrInvalidReputation
		}
		return s.repo.SetActive(ctx, tx, id, true)
	})
}

// UpdateFee lets an arbitrator change their own fee per case. The HTTP layer
// passes the authenticated caller's identity as id.
func (s *Service) UpdateFee(ctx context.Context, id string, fee int64) error {
	if fee < 0 {
		return fmt.Errorf("registry: negative fee per case")
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		return s.repo.UpdateFee(ctx, tx, id, fee)
	})
}

// RecordResolution applies a resolution mark outside a factory transaction,
// used by the administrative complaint path.
func (s *Service) RecordResolution(ctx context.Context, id string, satisfactory bool) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := s.repo.RecordResolution(ctx, tx, id, satisfactory)
		return err
	})
}

// BestArbitrator returns the active arbitrator with the highest reputation.
func (s *Service) BestArbitrator(ctx context.Context) (Arbitrator, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+arbitratorColumns+`
		FROM arbitrators
		WHERE active
		ORDER BY reputation DESC, registered_at ASC, id ASC
		LIMIT 1`)
	arb, err := scanArbitrator(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Arbitrator{}, ErrNoneActive
		}
		return Arbitrator{}, fmt.Errorf("registry: best arbitrator: %w", err)
	}
	return arb, nil
}

// RandomArbitrator picks uniformly over the active set using the stdlib CSPRNG.
// Load distribution only; assignment still goes through BestArbitrator.
func (s *Service) RandomArbitrator(ctx context.Context) (Arbitrator, error) {
	active, err := s.ActiveList(ctx)
	if err != nil {
		return Arbitrator{}, err
	}
	if len(active) == 0 {
		return Arbitrator{}, ErrNoneActive
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return Arbitrator{}, fmt.Errorf("registry: read entropy: %w", err)
	}
	idx := binary.BigEndian.Uint64(buf[:]) % uint64(len(active))
	return active[idx], nil
}

// IsActive reports whether the arbitrator exists and is active.
func (s *Service) IsActive(ctx context.Context, id string) (bool, error) {
	var active bool
	err := s.pool.QueryRow(ctx, `SELECT active FROM arbitrators WHERE id = $1`, id).Scan(&active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("registry: is active: %w", err)
	}
	return active, nil
}

// Info returns the full arbitrator record.
func (s *Service) Info(ctx context.Context, id string) (Arbitrator, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+arbitratorColumns+` FROM arbitrators WHERE id = $1`, id)
	arb, err := scanArbitrator(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Arbitrator{}, ErrNotFound
		}
		return Arbitrator{}, fmt.Errorf("registry: info: %w", err)
	}
	return arb, nil
}

// ActiveList returns every active arbitrator in registry order.
func (s *Service) ActiveList(ctx context.Context) ([]Arbitrator, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+arbitratorColumns+`
		FROM arbitrators
		WHERE active
		ORDER BY registered_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("registry: active list: %w", err)
	}
	defer rows.Close()

	out := make([]Arbitrator, 0, 8)
	for rows.Next() {
		arb, err := scanArbitrator(rows)
		if err != nil {
			return nil, fmt.Errorf("registry: scan arbitrator: %w", err)
		}
		out = append(out, arb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: iterate arbitrators: %w", err)
	}
	return out, nil
}

// Count returns the total number of registered arbitrators.
func (s *Service) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM arbitrators`).Scan(&n); err != nil {
		return 0, fmt.Errorf("registry: count: %w", err)
	}
	return n, nil
}

func (s *Service) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("registry: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("registry: commit tx: %w", err)
	}
	return nil
}
