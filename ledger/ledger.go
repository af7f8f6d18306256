package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const (
	// NativeUnit is the sentinel payment unit for native-currency balances.
	NativeUnit = "native"
	// TreasuryID is the well-known holder that accumulates platform fees and
	// acts as the spender for pull-model token deposits.
	TreasuryID = "00000000-0000-0000-0000-000000000000"
)

var (
	ErrInsufficientFunds     = errors.New("ledger: insufficient funds")
	ErrInsufficientAllowance = errors.New("ledger: insufficient allowance")
)

// Ledger moves fungible value between holders. All mutations run on the
// caller's transaction so custody changes commit or roll back together with
// the business transition that caused them.
type Ledger struct{}

func New() *Ledger {
	return &Ledger{}
}

// Transfer moves amount of unit from one holder to another.
func (l *Ledger) Transfer(ctx context.Context, tx pgx.Tx, from, to, unit string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("ledger: negative transfer amount %d", amount)
	}
	if amount == 0 {
		return nil
	}

	if err := l.debit(ctx, tx, from, unit, amount); err != nil {
		return err
	}
	return l.credit(ctx, tx, to, unit, amount)
}

// TransferIn pulls amount of unit from owner into the target holder, consuming
// the owner's allowance granted to the treasury spender.
func (l *Ledger) TransferIn(ctx context.Context, tx pgx.Tx, owner, to, unit string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("ledger: invalid pull amount %d", amount)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE ledger_allowances
		SET amount = amount - $4
		WHERE owner = $1 AND spender = $2 AND unit = $3 AND amount >= $4
	`, owner, TreasuryID, unit, amount)
	if err != nil {
		return fmt.Errorf("ledger: consume allowance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientAllowance
	}

	return l.Transfer(ctx, tx, owner, to, unit, amount)
}

// Approve grants spender the right to pull up to amount of unit from owner.
func (l *Ledger) Approve(ctx context.Context, tx pgx.Tx, owner, spender, unit string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("ledger: negative allowance %d", amount)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO ledger_allowances (owner, spender, unit, amount)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (owner, spender, unit) DO UPDATE SET amount = EXCLUDED.amount
	`, owner, spender, unit, amount); err != nil {
		return fmt.Errorf("ledger: approve: %w", err)
	}
	return nil
}

// Mint credits freshly issued value to a holder. Exposed for deposits arriving
// from outside the marketplace and for test seeding.
func (l *Ledger) Mint(ctx context.Context, tx pgx.Tx, to, unit string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("ledger: invalid mint amount %d", amount)
	}
	return l.credit(ctx, tx, to, unit, amount)
}

// BalanceOf reports the holder's balance for unit. Missing accounts read as zero.
func (l *Ledger) BalanceOf(ctx context.Context, tx pgx.Tx, holder, unit string) (int64, error) {
	var balance int64
	err := tx.QueryRow(ctx, `
		SELECT balance FROM ledger_accounts WHERE holder = $1 AND unit = $2
	`, holder, unit).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("ledger: balance of %s/%s: %w", holder, unit, err)
	}
	return balance, nil
}

func (l *Ledger) debit(ctx context.Context, tx pgx.Tx, holder, unit string, amount int64) error {
	tag, err := tx.Exec(ctx, `
		UPDATE ledger_accounts
		SET balance = balance - $3
		WHERE holder = $1 AND unit = $2 AND balance >= $3
	`, holder, unit, amount)
	if err != nil {
		return fmt.Errorf("ledger: debit %s/%s: %w", holder, unit, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientFunds
	}
	return nil
}

func (l *Ledger) credit(ctx context.Context, tx pgx.Tx, holder, unit string, amount int64) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO ledger_accounts (holder, unit, balance)
		VALUES ($1, $2, $3)
		ON CONFLICT (holder, unit) DO UPDATE SET balance = ledger_accounts.balance + EXCLUDED.balance
	`, holder, unit, amount); err != nil {
		return fmt.Errorf("ledger: credit %s/%s: %w", holder, unit, err)
	}
	return nil
}
