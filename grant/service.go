package grant

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"tokenvest/schedule"
	"tokenvest/vesting"
)

// ErrIdempotencyKeyConflict is returned when a key is replayed against a
// different grant, asset or operation than the one it was first recorded for.
var ErrIdempotencyKeyConflict = errors.New("grant: idempotency key reused for a different request")

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repository defines the data access required by the service.
type Repository interface {
	InsertGrant(ctx context.Context, tx pgx.Tx, g Grant) (Grant, error)
	GetGrant(ctx context.Context, tx pgx.Tx, id string, forUpdate bool) (Grant, error)
	ListGrants(ctx context.Context, filters Filters) ([]Grant, int, error)
	LoadAccount(ctx context.Context, tx pgx.Tx, grantID string) (map[string]vesting.AssetState, error)
	SaveAssetState(ctx context.Context, tx pgx.Tx, grantID, asset string, st vesting.AssetState) error
	AppendTimeline(ctx context.Context, tx pgx.Tx, grantID, eventType, actorID string, payload map[string]any) error
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
	ReserveIdempotencyKey(ctx context.Context, tx pgx.Tx, key, grantID, asset string, op Operation) error
	CompleteIdempotencyKey(ctx context.Context, tx pgx.Tx, key string, amount *big.Int) error
	LookupIdempotencyKey(ctx context.Context, key string) (Replay, error)
}

// LedgerBinder returns a ledger whose reads and transfers run inside tx.
type LedgerBinder func(tx pgx.Tx) vesting.Ledger

// AccessProvider returns the access control guarding revocation of grants
// issued by issuerID.
type AccessProvider func(issuerID string) vesting.AccessControl

type Service struct {
	pool   TxBeginner
	repo   Repository
	ledger LedgerBinder
	access AccessProvider
	idGen  func() string
	now    func() time.Time
	log    zerolog.Logger
	// maxParallel bounds concurrent position reads in Vested.
	maxParallel int
}

func NewService(pool TxBeginner, repo Repository, ledger LedgerBinder, access AccessProvider) *Service {
	return &Service{
		pool:        pool,
		repo:        repo,
		ledger:      ledger,
		access:      access,
		idGen:       func() string { return uuid.NewString() },
		now:         func() time.Time { return time.Now().UTC() },
		log:         zerolog.Nop(),
		maxParallel: 4,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithLogger(log zerolog.Logger) *Service {
	s.log = log
	return s
}

// Create validates and persists a grant, funding its custody account in the
// same transaction.
func (s *Service) Create(ctx context.Context, params CreateParams) (Grant, error) {
	if strings.TrimSpace(params.IssuerID) == "" {
		return Grant{}, fmt.Errorf("%w: issuer required", vesting.ErrInvalidSchedule)
	}
	policy := params.Policy
	if policy == "" {
		policy = schedule.PolicyStrict
	}
	id := s.idGen()
	g := Grant{
		ID:       id,
		IssuerID: params.IssuerID,
		Custody:  CustodyHolder(id),
		Schedule: schedule.Schedule{
			Beneficiary: strings.TrimSpace(params.Beneficiary),
			Start:       params.Start.UTC(),
			Duration:    params.Duration,
			Revocable:   params.Revocable,
			Policy:      policy,
			Model:       params.Model,
		},
	}
	if err := g.Schedule.Validate(); err != nil {
		return Grant{}, err
	}
	if g.Schedule.Beneficiary == g.Custody {
		return Grant{}, fmt.Errorf("%w: beneficiary cannot be the custody account", vesting.ErrInvalidSchedule)
	}
	for _, f := range params.Funding {
		if f.Asset == "" || f.Amount == nil || f.Amount.Sign() <= 0 {
			return Grant{}, fmt.Errorf("%w: funding needs an asset and a positive amount", vesting.ErrInvalidSchedule)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Grant{}, fmt.Errorf("grant: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := s.repo.InsertGrant(ctx, tx, g)
	if err != nil {
		return Grant{}, err
	}

	if err := s.repo.AppendTimeline(ctx, tx, created.ID, EventGrantCreated, created.IssuerID, map[string]any{
		"beneficiary": created.Schedule.Beneficiary,
		"model":       created.Schedule.Model.Kind,
		"revocable":   created.Schedule.Revocable,
	}); err != nil {
		return Grant{}, err
	}

	led := s.ledger(tx)
	for _, f := range params.Funding {
		source := f.Source
		if source == "" {
			source = created.IssuerID
		}
		err := led.Transfer(ctx, vesting.Transfer{
			ID:     s.idGen(),
			Asset:  f.Asset,
			From:   source,
			To:     created.Custody,
			Amount: new(big.Int).Set(f.Amount),
			Memo:   "fund",
		})
		if err != nil {
			return Grant{}, fmt.Errorf("%w: %w", vesting.ErrLedgerTransferFailed, err)
		}
		if err := s.repo.AppendTimeline(ctx, tx, created.ID, EventGrantFunded, created.IssuerID, map[string]any{
			"asset":  f.Asset,
			"source": source,
			"amount": f.Amount.String(),
		}); err != nil {
			return Grant{}, err
		}
	}

	if err := s.repo.EnqueueOutbox(ctx, tx, OutboxTopicGrantCreated, map[string]any{
		"grantId":     created.ID,
		"issuerId":    created.IssuerID,
		"beneficiary": created.Schedule.Beneficiary,
	}); err != nil {
		return Grant{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Grant{}, fmt.Errorf("grant: commit tx: %w", err)
	}
	s.log.Info().Str("grant_id", created.ID).Str("issuer_id", created.IssuerID).Msg("grant created")
	return created, nil
}

func (s *Service) Get(ctx context.Context, id string) (Grant, error) {
	if id == "" {
		return Grant{}, ErrNotFound
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Grant{}, fmt.Errorf("grant: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	return s.repo.GetGrant(ctx, tx, id, false)
}

func (s *Service) List(ctx context.Context, filters Filters) (ListResult, error) {
	filters = normalizeFilters(filters)
	items, total, err := s.repo.ListGrants(ctx, filters)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: items, Total: total}, nil
}

// Vested returns the position of each asset at a single instant. Assets are
// read concurrently, each in its own read transaction.
func (s *Service) Vested(ctx context.Context, grantID string, assets ...string) ([]vesting.Position, error) {
	if len(assets) == 0 {
		return nil, fmt.Errorf("grant: at least one asset required")
	}
	now := s.now()
	out := make([]vesting.Position, len(assets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxParallel)
	for i, asset := range assets {
		g.Go(func() error {
			pos, err := s.position(gctx, grantID, asset, now)
			if err != nil {
				return err
			}
			out[i] = pos
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) position(ctx context.Context, grantID, asset string, now time.Time) (vesting.Position, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return vesting.Position{}, fmt.Errorf("grant: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	g, err := s.repo.GetGrant(ctx, tx, grantID, false)
	if err != nil {
		return vesting.Position{}, err
	}
	engine, err := s.engine(ctx, tx, g, func() time.Time { return now })
	if err != nil {
		return vesting.Position{}, err
	}
	return engine.Position(ctx, asset)
}

// Release moves everything vested but unreleased to the beneficiary.
func (s *Service) Release(ctx context.Context, req ReleaseRequest) (Result, error) {
	if req.GrantID == "" || req.Asset == "" {
		return Result{}, fmt.Errorf("grant: grant id and asset required")
	}
	return s.mutate(ctx, req.GrantID, req.Asset, req.IdempotencyKey, OperationRelease, "",
		func(ctx context.Context, e *vesting.Engine) (*big.Int, error) {
			return e.Release(ctx, req.Asset)
		})
}

// Revoke returns the unvested remainder to the grant issuer.
func (s *Service) Revoke(ctx context.Context, req RevokeRequest) (Result, error) {
	if req.GrantID == "" || req.Asset == "" {
		return Result{}, fmt.Errorf("grant: grant id and asset required")
	}
	return s.mutate(ctx, req.GrantID, req.Asset, req.IdempotencyKey, OperationRevoke, req.CallerID,
		func(ctx context.Context, e *vesting.Engine) (*big.Int, error) {
			return e.Revoke(ctx, req.CallerID, req.Asset)
		})
}

func (s *Service) mutate(
	ctx context.Context,
	grantID, asset, key string,
	op Operation,
	actorID string,
	run func(context.Context, *vesting.Engine) (*big.Int, error),
) (Result, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("grant: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if key != "" {
		if err := s.repo.ReserveIdempotencyKey(ctx, tx, key, grantID, asset, op); err != nil {
			if errors.Is(err, ErrDuplicateIdempotencyKey) {
				_ = tx.Rollback(ctx)
				return s.replay(ctx, key, grantID, asset, op)
			}
			return Result{}, err
		}
	}

	g, err := s.repo.GetGrant(ctx, tx, grantID, true)
	if err != nil {
		return Result{}, err
	}
	engine, err := s.engine(ctx, tx, g, s.now)
	if err != nil {
		return Result{}, err
	}

	amount, err := run(ctx, engine)
	if err != nil {
		return Result{}, err
	}

	// a lenient release with nothing due changes no state
	if amount.Sign() > 0 || op == OperationRevoke {
		if err := s.repo.SaveAssetState(ctx, tx, g.ID, asset, engine.Snapshot()[asset]); err != nil {
			return Result{}, err
		}
		event, topic, recipient := EventGrantReleased, OutboxTopicGrantReleased, g.Schedule.Beneficiary
		if op == OperationRevoke {
			event, topic, recipient = EventGrantRevoked, OutboxTopicGrantRevoked, g.IssuerID
		}
		payload := map[string]any{
			"asset":     asset,
			"amount":    amount.String(),
			"recipient": recipient,
		}
		if err := s.repo.AppendTimeline(ctx, tx, g.ID, event, actorID, payload); err != nil {
			return Result{}, err
		}
		if err := s.repo.EnqueueOutbox(ctx, tx, topic, map[string]any{
			"grantId":   g.ID,
			"asset":     asset,
			"amount":    amount.String(),
			"recipient": recipient,
		}); err != nil {
			return Result{}, err
		}
	}

	if key != "" {
		if err := s.repo.CompleteIdempotencyKey(ctx, tx, key, amount); err != nil {
			return Result{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("grant: commit tx: %w", err)
	}
	return Result{GrantID: g.ID, Asset: asset, Operation: op, Amount: amount}, nil
}

func (s *Service) replay(ctx context.Context, key, grantID, asset string, op Operation) (Result, error) {
	rep, err := s.repo.LookupIdempotencyKey(ctx, key)
	if err != nil {
		return Result{}, err
	}
	if rep.GrantID != grantID || rep.Asset != asset || rep.Operation != op {
		return Result{}, ErrIdempotencyKeyConflict
	}
	s.log.Debug().Str("grant_id", grantID).Str("idempotency_key", key).Msg("replayed idempotent request")
	return Result{GrantID: grantID, Asset: asset, Operation: op, Amount: rep.Amount, Replayed: true}, nil
}

func (s *Service) engine(ctx context.Context, tx pgx.Tx, g Grant, now func() time.Time) (*vesting.Engine, error) {
	states, err := s.repo.LoadAccount(ctx, tx, g.ID)
	if err != nil {
		return nil, err
	}
	account, err := vesting.RestoreAccount(states)
	if err != nil {
		return nil, err
	}
	cfg := vesting.Config{
		Schedule: g.Schedule,
		Holder:   g.Custody,
		Issuer:   g.IssuerID,
		Ledger:   s.ledger(tx),
		Clock:    vesting.ClockFunc(now),
		Account:  account,
	}
	if g.Schedule.Revocable && s.access != nil {
		cfg.Access = s.access(g.IssuerID)
	}
	e, err := vesting.New(cfg)
	if err != nil {
		return nil, err
	}
	return e.WithIDGenerator(s.idGen).WithLogger(s.log.With().Str("grant_id", g.ID).Logger()), nil
}
