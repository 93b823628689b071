package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"tokenvest/vesting"
)

// DB is the subset of pgxpool.Pool and pgx.Tx the ledger needs. On a pgx.Tx,
// Begin opens a savepoint so transfers nest inside the caller's transaction.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres is a ledger backed by the ledger_balances and ledger_transfers tables.
type Postgres struct {
	db DB
}

// NewPostgres wires a ledger on top of a pool or an open transaction.
func NewPostgres(db DB) *Postgres {
	return &Postgres{db: db}
}

// WithTx returns a ledger whose reads and transfers run inside tx.
func (p *Postgres) WithTx(tx pgx.Tx) *Postgres {
	return &Postgres{db: tx}
}

func (p *Postgres) BalanceOf(ctx context.Context, asset, holder string) (*big.Int, error) {
	const q = `SELECT amount::text FROM ledger_balances WHERE asset = $1 AND holder = $2`
	var raw string
	if err := p.db.QueryRow(ctx, q, asset, holder).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return new(big.Int), nil
		}
		return nil, fmt.Errorf("ledger: balance of %s/%s: %w", asset, holder, err)
	}
	return parseAmount(raw)
}

// Deposit records an opening balance imported from outside the system.
func (p *Postgres) Deposit(ctx context.Context, asset, holder string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: deposit must be positive", ErrInvalidTransfer)
	}
	const q = `
		INSERT INTO ledger_balances (asset, holder, amount)
		VALUES ($1, $2, $3::numeric)
		ON CONFLICT (asset, holder) DO UPDATE
		SET amount = ledger_balances.amount + EXCLUDED.amount,
		    updated_at = now()
	`
	if _, err := p.db.Exec(ctx, q, asset, holder, amount.String()); err != nil {
		return fmt.Errorf("ledger: deposit: %w", err)
	}
	return nil
}

func (p *Postgres) Transfer(ctx context.Context, t vesting.Transfer) error {
	if err := validate(t); err != nil {
		return err
	}
	if t.ID == "" {
		return fmt.Errorf("%w: transfer id required", ErrInvalidTransfer)
	}

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ledger: begin transfer: %w", err)
	}
	defer tx.Rollback(ctx)

	const journalSQL = `
		INSERT INTO ledger_transfers (id, asset, from_holder, to_holder, amount, memo)
		VALUES ($1, $2, $3, $4, $5::numeric, $6)
	`
	if _, err := tx.Exec(ctx, journalSQL, t.ID, t.Asset, t.From, t.To, t.Amount.String(), t.Memo); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateTransfer
		}
		return fmt.Errorf("ledger: journal transfer: %w", err)
	}

	const ensureSQL = `
		INSERT INTO ledger_balances (asset, holder, amount)
		VALUES ($1, $2, 0), ($1, $3, 0)
		ON CONFLICT (asset, holder) DO NOTHING
	`
	if _, err := tx.Exec(ctx, ensureSQL, t.Asset, t.From, t.To); err != nil {
		return fmt.Errorf("ledger: ensure balances: %w", err)
	}

	// lock both rows in a stable order so crossing transfers cannot deadlock
	first, second := t.From, t.To
	if second < first {
		first, second = second, first
	}
	const lockSQL = `SELECT amount::text FROM ledger_balances WHERE asset = $1 AND holder = $2 FOR UPDATE`
	balances := make(map[string]*big.Int, 2)
	for _, holder := range []string{first, second} {
		var raw string
		if err := tx.QueryRow(ctx, lockSQL, t.Asset, holder).Scan(&raw); err != nil {
			return fmt.Errorf("ledger: lock balance %s: %w", holder, err)
		}
		amount, err := parseAmount(raw)
		if err != nil {
			return err
		}
		balances[holder] = amount
	}
	if balances[t.From].Cmp(t.Amount) < 0 {
		return fmt.Errorf("%w: %s holds %s, needs %s %s", ErrInsufficientFunds, t.From, balances[t.From], t.Amount, t.Asset)
	}

	const moveSQL = `
		UPDATE ledger_balances
		SET amount = amount + $3::numeric,
		    updated_at = now()
		WHERE asset = $1 AND holder = $2
	`
	debit := new(big.Int).Neg(t.Amount)
	if _, err := tx.Exec(ctx, moveSQL, t.Asset, t.From, debit.String()); err != nil {
		return fmt.Errorf("ledger: debit %s: %w", t.From, err)
	}
	if _, err := tx.Exec(ctx, moveSQL, t.Asset, t.To, t.Amount.String()); err != nil {
		return fmt.Errorf("ledger: credit %s: %w", t.To, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger: commit transfer: %w", err)
	}
	return nil
}

func parseAmount(raw string) (*big.Int, error) {
	// numeric columns are scale 0, but tolerate a trailing ".0..." from casts
	for i := 0; i < len(raw); i++ {
		if raw[i] == '.' {
			raw = raw[:i]
			break
		}
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("ledger: malformed amount %q", raw)
	}
	return v, nil
}
