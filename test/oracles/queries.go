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

// All lists the invariants checked during stress runs. Each query returns the
// offending rows; an empty result means the invariant holds.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_ledger_conservation",
			SQL: `SELECT s.asset, s.amount AS expected, COALESCE(SUM(b.amount), 0) AS actual
                  FROM stress_expected_supply s
                  LEFT JOIN ledger_balances b ON b.asset = s.asset
                  GROUP BY s.asset, s.amount
                  HAVING COALESCE(SUM(b.amount), 0) <> s.amount`,
		},
		{
			Name: "O2_released_matches_journal",
			SQL: `SELECT ga.grant_id, ga.asset, ga.released, COALESCE(j.moved, 0) AS moved
                  FROM grant_accounts ga
                  JOIN grants g ON g.id = ga.grant_id
                  LEFT JOIN (
                      SELECT from_holder, to_holder, asset, SUM(amount) AS moved
                      FROM ledger_transfers WHERE memo = 'release'
                      GROUP BY from_holder, to_holder, asset
                  ) j ON j.from_holder = g.custody AND j.to_holder = g.beneficiary AND j.asset = ga.asset
                  WHERE ga.released <> COALESCE(j.moved, 0)`,
		},
		{
			Name: "O3_revoke_once",
			SQL: `SELECT from_holder, asset, COUNT(*) FROM ledger_transfers
                  WHERE memo = 'revoke'
                  GROUP BY from_holder, asset HAVING COUNT(*) > 1`,
		},
		{
			Name: "O4_refund_implies_revoked",
			SQL: `SELECT t.id FROM ledger_transfers t
                  JOIN grants g ON g.custody = t.from_holder
                  LEFT JOIN grant_accounts ga ON ga.grant_id = g.id AND ga.asset = t.asset
                  WHERE t.memo = 'revoke' AND COALESCE(ga.revoked, false) = false`,
		},
		{
			Name: "O5_released_within_funding",
			SQL: `SELECT ga.grant_id, ga.asset, ga.released, f.funded
                  FROM grant_accounts ga
                  JOIN grants g ON g.id = ga.grant_id
                  LEFT JOIN (
                      SELECT to_holder, asset, SUM(amount) AS funded
                      FROM ledger_transfers WHERE memo = 'fund'
                      GROUP BY to_holder, asset
                  ) f ON f.to_holder = g.custody AND f.asset = ga.asset
                  WHERE ga.released > COALESCE(f.funded, 0)`,
		},
		{
			Name: "O6_timeline_outbox_parity",
			SQL: `SELECT t.n AS timeline, o.n AS outbox FROM
                  (SELECT COUNT(*) AS n FROM timeline_events WHERE type IN ('GRANT_RELEASED','GRANT_REVOKED')) t,
                  (SELECT COUNT(*) AS n FROM outbox WHERE topic IN ('grant.released','grant.revoked')) o
                  WHERE t.n <> o.n`,
		},
		{
			Name: "O7_revoked_event_once",
			SQL: `SELECT grant_id, payload->>'asset' AS asset, COUNT(*) FROM timeline_events
                  WHERE type = 'GRANT_REVOKED'
                  GROUP BY grant_id, payload->>'asset' HAVING COUNT(*) > 1`,
		},
		{
			Name: "O8_grant_accounts_guard",
			SQL: `SELECT 'missing_grant_accounts_guard' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'grant_accounts_guard')`,
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
