package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			// Funds held by a live deal equal its amount in the payment unit
			// plus, once disputed, the native dispute-fee deposit. For native
			// deals both custodies land on the same account.
			Name: "O1_escrow_conservation",
			SQL: `SELECT e.id, e.state, e.payment_unit, e.amount, e.fee_deposit,
                         COALESCE(pay.balance, 0) AS held, COALESCE(nat.balance, 0) AS held_native
                  FROM escrows e
                  LEFT JOIN ledger_accounts pay ON pay.holder = e.id AND pay.unit = e.payment_unit
                  LEFT JOIN ledger_accounts nat ON nat.holder = e.id AND nat.unit = 'native'
                  WHERE e.state IN ('created','accepted','disputed')
                    AND ((e.payment_unit = 'native'
                          AND COALESCE(pay.balance, 0) <> e.amount
                            + CASE WHEN e.state = 'disputed' THEN e.fee_deposit ELSE 0 END)
                      OR (e.payment_unit <> 'native'
                          AND (COALESCE(pay.balance, 0) <> e.amount
                            OR COALESCE(nat.balance, 0) <> CASE WHEN e.state = 'disputed' THEN e.fee_deposit ELSE 0 END)))`,
		},
		{
			Name: "O2_terminal_escrow_drained",
			SQL: `SELECT e.id, e.state, la.unit, la.balance
                  FROM escrows e
                  JOIN ledger_accounts la ON la.holder = e.id
                  WHERE e.state IN ('completed','resolved','cancelled') AND la.balance <> 0`,
		},
		{
			Name: "O3_event_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT escrow_id, seq,
                             LAG(seq) OVER (PARTITION BY escrow_id ORDER BY seq) AS prev
                      FROM escrow_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <> prev + 1`,
		},
		{
			Name: "O4_reputation_bounds",
			SQL:  `SELECT id, reputation FROM arbitrators WHERE reputation < 0 OR reputation > 100`,
		},
		{
			Name: "O5_active_above_threshold",
			SQL:  `SELECT id, reputation FROM arbitrators WHERE active AND reputation < 50`,
		},
		{
			Name: "O6_case_counters",
			SQL:  `SELECT id FROM arbitrators WHERE resolved_cases > total_cases OR total_cases < 0`,
		},
		{
			Name: "O7_no_negative_balances",
			SQL:  `SELECT holder, unit, balance FROM ledger_accounts WHERE balance < 0`,
		},
		{
			Name: "O8_resolution_complete",
			SQL: `SELECT id FROM escrows
                  WHERE (state = 'resolved' AND (outcome IS NULL OR arbitrator_id IS NULL OR resolved_at IS NULL))
                     OR (state <> 'resolved' AND outcome IS NOT NULL)`,
		},
		{
			Name: "O9_tvl_accounting",
			SQL: `SELECT fc.total_value_locked, live.total
                  FROM factory_config fc,
                       (SELECT COALESCE(SUM(amount), 0) AS total
                        FROM escrows WHERE state IN ('created','accepted','disputed')) live
                  WHERE fc.total_value_locked <> live.total`,
		},
		{
			Name: "O10_outbox_not_stale",
			SQL: `SELECT id, topic FROM outbox
                  WHERE status NOT IN ('processed','dead')
                    AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
