package actors

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowmarket/escrow"
	"escrowmarket/factory"
	"escrowmarket/ledger"
	"escrowmarket/registry"
)

// TokenUnit is the whitelisted non-native payment unit traders use for a share
// of their deals, funding them through the allowance pull.
const TokenUnit = "usdx"

// Trader drives complete deal lifecycles between one buyer and one seller:
// create, then randomly cancel, release, or escalate to a dispute. Disputed
// deals are left for the Arbitrator actor. Operation errors are expected under
// contention and chaos; the oracles are what detect invariant breakage.
func Trader(ctx context.Context, pool *pgxpool.Pool, buyerID, sellerID string, stop <-chan struct{}) error {
	registryRepo := registry.NewRepository()
	escrowRepo := escrow.NewRepository()
	escrowSvc := escrow.NewService(pool, escrowRepo, nil, registryRepo)
	factorySvc := factory.NewService(pool, nil, escrowRepo, registryRepo, nil)
	funds := ledger.New()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		amount := int64(100 + rand.Intn(10_000))
		disputeFee := int64(10 + rand.Intn(100))
		unit := ledger.NativeUnit
		if rand.Intn(4) == 0 {
			unit = TokenUnit
		}

		// Top up the buyer so every creation can fund. Token deals go through
		// the allowance pull, so grant exactly the deal amount.
		if tx, err := pool.Begin(ctx); err == nil {
			err = funds.Mint(ctx, tx, buyerID, ledger.NativeUnit, disputeFee)
			if err == nil {
				err = funds.Mint(ctx, tx, buyerID, unit, amount)
			}
			if err == nil && unit != ledger.NativeUnit {
				err = funds.Approve(ctx, tx, buyerID, ledger.TreasuryID, unit, amount)
			}
			if err == nil {
				_ = tx.Commit(ctx)
			} else {
				_ = tx.Rollback(ctx)
			}
		}

		deal, err := factorySvc.CreateEscrow(ctx, factory.CreateParams{
			BuyerID:     buyerID,
			SellerID:    sellerID,
			PaymentUnit: unit,
			Amount:      amount,
			Deadline:    time.Now().Add(time.Hour),
			Description: "stress deal",
			DisputeFee:  &disputeFee,
			Deposit:     amount,
		})
		if err == nil {
			switch rand.Intn(5) {
			case 0:
				_, _ = escrowSvc.Cancel(ctx, deal.ID, buyerID)
			case 1, 2:
				if _, err := escrowSvc.Accept(ctx, deal.ID, sellerID); err == nil {
					_, _ = escrowSvc.MarkCompleted(ctx, deal.ID, sellerID)
					_, _ = escrowSvc.ReleasePayment(ctx, deal.ID, buyerID)
				}
			default:
				if _, err := escrowSvc.Accept(ctx, deal.ID, sellerID); err == nil {
					raiser := buyerID
					if rand.Intn(2) == 0 {
						raiser = sellerID
					}
					_, _ = escrowSvc.RaiseDispute(ctx, deal.ID, raiser, "stress dispute", disputeFee)
				}
			}
		}

		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// Arbitrator assigns itself to disputed deals through the factory and resolves
// them with random outcomes.
func Arbitrator(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	registryRepo := registry.NewRepository()
	escrowRepo := escrow.NewRepository()
	escrowSvc := escrow.NewService(pool, escrowRepo, nil, registryRepo)
	factorySvc := factory.NewService(pool, nil, escrowRepo, registryRepo, nil)

	outcomes := []escrow.Outcome{escrow.OutcomeBuyerWins, escrow.OutcomeSellerWins, escrow.OutcomeSplit}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var dealID string
		_ = pool.QueryRow(ctx, `
			SELECT id::text FROM escrows
			WHERE state = 'disputed' AND arbitrator_id IS NULL
			LIMIT 1`).Scan(&dealID)
		if dealID != "" {
			_, _ = factorySvc.AssignArbitrator(ctx, dealID)
		}

		var assigned, arbID string
		_ = pool.QueryRow(ctx, `
			SELECT id::text, arbitrator_id::text FROM escrows
			WHERE state = 'disputed' AND arbitrator_id IS NOT NULL
			LIMIT 1`).Scan(&assigned, &arbID)
		if assigned != "" {
			_, _ = escrowSvc.ResolveDispute(ctx, assigned, arbID, outcomes[rand.Intn(len(outcomes))])
		}

		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// FeeAdmin flips the policy knobs while deals are in flight and periodically
// sweeps accumulated fees to the recipient.
func FeeAdmin(ctx context.Context, pool *pgxpool.Pool, recipientID string, stop <-chan struct{}) error {
	factorySvc := factory.NewService(pool, nil, nil, nil, nil)

	if err := factorySvc.SetFeeRecipient(ctx, recipientID); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		_ = factorySvc.SetPlatformFee(ctx, rand.Intn(factory.MaxPlatformFeeBps+1))
		_ = factorySvc.SetDefaultDisputeFee(ctx, int64(rand.Intn(200)))
		if rand.Intn(4) == 0 {
			_, _ = factorySvc.WithdrawFees(ctx, ledger.NativeUnit)
		}

		time.Sleep(time.Duration(200+rand.Intn(300)) * time.Millisecond)
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED and marks
// processed or dead after retries.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			// simulate random failure
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1, last_attempt=NOW() WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed', last_attempt=NOW() WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}
