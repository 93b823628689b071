package grant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"tokenvest/schedule"
	"tokenvest/vesting"
)

var (
	// ErrNotFound is returned when no grant row exists for the identifier.
	ErrNotFound = errors.New("grant: not found")
	// ErrDuplicateIdempotencyKey signals the key was reserved by an earlier call.
	ErrDuplicateIdempotencyKey = errors.New("grant: duplicate idempotency key")
)

// PGRepository persists grants, their account bookkeeping, timeline events
// and outbox messages. Writes run inside the caller's transaction.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const grantColumns = `id::text, issuer_id, beneficiary, custody, start_at, duration_ns, revocable, policy, model, cliff_ns, phase_count, created_at`

func (r *PGRepository) InsertGrant(ctx context.Context, tx pgx.Tx, g Grant) (Grant, error) {
	s := g.Schedule
	const insertSQL = `
		INSERT INTO grants (id, issuer_id, beneficiary, custody, start_at, duration_ns, revocable, policy, model, cliff_ns, phase_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING ` + grantColumns

	out, err := scanGrant(tx.QueryRow(ctx, insertSQL,
		g.ID,
		g.IssuerID,
		s.Beneficiary,
		g.Custody,
		s.Start.UTC(),
		int64(s.Duration),
		s.Revocable,
		string(s.Policy),
		string(s.Model.Kind),
		int64(s.Model.Cliff),
		s.Model.PhaseCount,
	))
	if err != nil {
		return Grant{}, fmt.Errorf("grant: insert: %w", err)
	}
	return out, nil
}

func (r *PGRepository) GetGrant(ctx context.Context, tx pgx.Tx, id string, forUpdate bool) (Grant, error) {
	query := `SELECT ` + grantColumns + ` FROM grants WHERE id::text = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	g, err := scanGrant(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Grant{}, ErrNotFound
		}
		return Grant{}, fmt.Errorf("grant: get %s: %w", id, err)
	}
	return g, nil
}

func (r *PGRepository) ListGrants(ctx context.Context, filters Filters) ([]Grant, int, error) {
	filters = normalizeFilters(filters)

	where := []string{"1=1"}
	args := []any{}
	if filters.IssuerID != "" {
		where = append(where, fmt.Sprintf("issuer_id = $%d", len(args)+1))
		args = append(args, filters.IssuerID)
	}
	if filters.Beneficiary != "" {
		where = append(where, fmt.Sprintf("beneficiary = $%d", len(args)+1))
		args = append(args, filters.Beneficiary)
	}
	whereClause := " WHERE " + strings.Join(where, " AND ")

	query := fmt.Sprintf(`SELECT %s FROM grants%s ORDER BY created_at DESC, id LIMIT %d OFFSET %d`,
		grantColumns, whereClause, filters.PageSize, (filters.Page-1)*filters.PageSize)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("grant: list: %w", err)
	}
	defer rows.Close()

	items := []Grant{}
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("grant: scan: %w", err)
		}
		items = append(items, g)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("grant: iterate: %w", err)
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM grants"+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("grant: count: %w", err)
	}
	return items, total, nil
}

func (r *PGRepository) LoadAccount(ctx context.Context, tx pgx.Tx, grantID string) (map[string]vesting.AssetState, error) {
	rows, err := tx.Query(ctx, `SELECT asset, released::text, revoked FROM grant_accounts WHERE grant_id::text = $1`, grantID)
	if err != nil {
		return nil, fmt.Errorf("grant: load account: %w", err)
	}
	defer rows.Close()

	out := make(map[string]vesting.AssetState)
	for rows.Next() {
		var (
			asset    string
			released string
			revoked  bool
		)
		if err := rows.Scan(&asset, &released, &revoked); err != nil {
			return nil, fmt.Errorf("grant: scan account: %w", err)
		}
		amount, ok := new(big.Int).SetString(released, 10)
		if !ok {
			return nil, fmt.Errorf("grant: malformed released amount %q", released)
		}
		out[asset] = vesting.AssetState{Released: amount, Revoked: revoked}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("grant: iterate account: %w", err)
	}
	return out, nil
}

func (r *PGRepository) SaveAssetState(ctx context.Context, tx pgx.Tx, grantID, asset string, st vesting.AssetState) error {
	released := "0"
	if st.Released != nil {
		released = st.Released.String()
	}
	const upsertSQL = `
		INSERT INTO grant_accounts (grant_id, asset, released, revoked)
		VALUES ($1, $2, $3::numeric, $4)
		ON CONFLICT (grant_id, asset) DO UPDATE
		SET released = EXCLUDED.released,
		    revoked = EXCLUDED.revoked,
		    updated_at = now()
	`
	if _, err := tx.Exec(ctx, upsertSQL, grantID, asset, released, st.Revoked); err != nil {
		return fmt.Errorf("grant: save account: %w", err)
	}
	return nil
}

func (r *PGRepository) AppendTimeline(ctx context.Context, tx pgx.Tx, grantID, eventType, actorID string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("grant: marshal timeline payload: %w", err)
	}
	var actor any
	if actorID != "" {
		actor = actorID
	}
	const q = `
		INSERT INTO timeline_events (grant_id, type, actor_id, payload)
		VALUES ($1, $2, $3, $4::jsonb)
	`
	if _, err := tx.Exec(ctx, q, grantID, eventType, actor, body); err != nil {
		return fmt.Errorf("grant: insert timeline event: %w", err)
	}
	return nil
}

func (r *PGRepository) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("grant: marshal outbox payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, body); err != nil {
		return fmt.Errorf("grant: enqueue outbox: %w", err)
	}
	return nil
}

// ReserveIdempotencyKey claims key inside tx. A concurrent holder of the same
// key blocks the insert until it commits, after which the insert fails with
// ErrDuplicateIdempotencyKey.
func (r *PGRepository) ReserveIdempotencyKey(ctx context.Context, tx pgx.Tx, key, grantID, asset string, op Operation) error {
	if key == "" {
		return fmt.Errorf("grant: empty idempotency key")
	}
	_, err := tx.Exec(ctx, `INSERT INTO idempotency (key, grant_id, asset, operation) VALUES ($1, $2, $3, $4)`, key, grantID, asset, string(op))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("grant: insert idempotency key: %w", err)
	}
	return nil
}

func (r *PGRepository) CompleteIdempotencyKey(ctx context.Context, tx pgx.Tx, key string, amount *big.Int) error {
	if _, err := tx.Exec(ctx, `UPDATE idempotency SET amount = $2::numeric WHERE key = $1`, key, amount.String()); err != nil {
		return fmt.Errorf("grant: complete idempotency key: %w", err)
	}
	return nil
}

func (r *PGRepository) LookupIdempotencyKey(ctx context.Context, key string) (Replay, error) {
	var (
		rep    Replay
		op     string
		amount *string
	)
	err := r.pool.QueryRow(ctx, `SELECT grant_id, asset, operation, amount::text FROM idempotency WHERE key = $1`, key).
		Scan(&rep.GrantID, &rep.Asset, &op, &amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Replay{}, ErrNotFound
		}
		return Replay{}, fmt.Errorf("grant: lookup idempotency key: %w", err)
	}
	rep.Operation = Operation(op)
	rep.Amount = new(big.Int)
	if amount != nil {
		if _, ok := rep.Amount.SetString(*amount, 10); !ok {
			return Replay{}, fmt.Errorf("grant: malformed idempotent amount %q", *amount)
		}
	}
	return rep, nil
}

func scanGrant(row pgx.Row) (Grant, error) {
	var (
		g          Grant
		durationNS int64
		cliffNS    int64
		policy     string
		model      string
	)
	err := row.Scan(
		&g.ID,
		&g.IssuerID,
		&g.Schedule.Beneficiary,
		&g.Custody,
		&g.Schedule.Start,
		&durationNS,
		&g.Schedule.Revocable,
		&policy,
		&model,
		&cliffNS,
		&g.Schedule.Model.PhaseCount,
		&g.CreatedAt,
	)
	if err != nil {
		return Grant{}, err
	}
	g.Schedule.Start = g.Schedule.Start.UTC()
	g.Schedule.Duration = time.Duration(durationNS)
	g.Schedule.Policy = schedule.Policy(policy)
	g.Schedule.Model.Kind = schedule.Kind(model)
	g.Schedule.Model.Cliff = time.Duration(cliffNS)
	return g, nil
}

func normalizeFilters(f Filters) Filters {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.PageSize <= 0 || f.PageSize > 100 {
		f.PageSize = 20
	}
	return f
}
