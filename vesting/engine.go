package vesting

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tokenvest/schedule"
)

// Config wires an Engine to its schedule and collaborators.
type Config struct {
	Schedule schedule.Schedule
	// Holder is the ledger identity under which the engine keeps custody.
	Holder string
	// Issuer receives refunds on revocation. Required for revocable schedules.
	Issuer string
	Ledger Ledger
	Clock  Clock
	// Access gates Revoke. Required for revocable schedules.
	Access AccessControl
	// Account restores previously persisted bookkeeping. Nil starts empty.
	Account *Account
}

// Position is a consistent read of one asset at a single instant.
type Position struct {
	Asset      string
	At         time.Time
	Balance    *big.Int
	Released   *big.Int
	Total      *big.Int
	Vested     *big.Int
	Releasable *big.Int
	Revoked    bool
}

// Engine enforces the release/revoke state machine for one schedule.
type Engine struct {
	schedule schedule.Schedule
	holder   string
	issuer   string
	ledger   Ledger
	clock    Clock
	access   AccessControl
	idGen    func() string
	log      zerolog.Logger

	mu      sync.RWMutex
	account *Account
}

type callKey struct{ e *Engine }

// New validates cfg and builds an Engine. On error nothing is created.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Schedule.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Holder) == "" {
		return nil, fmt.Errorf("%w: custody holder required", ErrInvalidSchedule)
	}
	if cfg.Holder == cfg.Schedule.Beneficiary {
		return nil, fmt.Errorf("%w: custody holder must differ from beneficiary", ErrInvalidSchedule)
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("%w: ledger required", ErrInvalidSchedule)
	}
	if cfg.Schedule.Revocable {
		if strings.TrimSpace(cfg.Issuer) == "" {
			return nil, fmt.Errorf("%w: revocable schedule needs an issuer", ErrInvalidSchedule)
		}
		if cfg.Access == nil {
			return nil, fmt.Errorf("%w: revocable schedule needs access control", ErrInvalidSchedule)
		}
	}

	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock
	}
	account := cfg.Account
	if account == nil {
		account = NewAccount()
	}

	return &Engine{
		schedule: cfg.Schedule,
		holder:   cfg.Holder,
		issuer:   cfg.Issuer,
		ledger:   cfg.Ledger,
		clock:    clock,
		access:   cfg.Access,
		idGen:    func() string { return uuid.NewString() },
		log:      zerolog.Nop(),
		account:  account,
	}, nil
}

func (e *Engine) WithLogger(log zerolog.Logger) *Engine {
	e.log = log
	return e
}

func (e *Engine) WithIDGenerator(gen func() string) *Engine {
	e.idGen = gen
	return e
}

// Schedule returns the immutable schedule.
func (e *Engine) Schedule() schedule.Schedule {
	return e.schedule
}

// Snapshot returns a copy of the account bookkeeping.
func (e *Engine) Snapshot() map[string]AssetState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.account.Snapshot()
}

// VestedAmount returns the amount of asset vested at the current instant.
func (e *Engine) VestedAmount(ctx context.Context, asset string) (*big.Int, error) {
	pos, err := e.Position(ctx, asset)
	if err != nil {
		return nil, err
	}
	return pos.Vested, nil
}

// Position returns balance, released, vested and releasable amounts of asset
// read at one instant.
func (e *Engine) Position(ctx context.Context, asset string) (Position, error) {
	ctx, err := e.enter(ctx)
	if err != nil {
		return Position{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.position(ctx, asset, e.clock.Now())
}

// Release transfers everything vested but not yet released to the
// beneficiary. Anyone may call it.
func (e *Engine) Release(ctx context.Context, asset string) (*big.Int, error) {
	ctx, err := e.enter(ctx)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, err := e.position(ctx, asset, e.clock.Now())
	if err != nil {
		return nil, err
	}
	if pos.Releasable.Sign() <= 0 {
		if e.schedule.Policy == schedule.PolicyLenient {
			return new(big.Int), nil
		}
		return nil, ErrNothingToRelease
	}

	amount := new(big.Int).Set(pos.Releasable)
	prior := e.account.State(asset)
	e.account.addReleased(asset, amount)

	err = e.ledger.Transfer(ctx, Transfer{
		ID:     e.idGen(),
		Asset:  asset,
		From:   e.holder,
		To:     e.schedule.Beneficiary,
		Amount: new(big.Int).Set(amount),
		Memo:   "release",
	})
	if err != nil {
		e.account.restore(asset, prior)
		e.log.Warn().Err(err).Str("asset", asset).Str("amount", amount.String()).Msg("release rolled back")
		return nil, fmt.Errorf("%w: %w", ErrLedgerTransferFailed, err)
	}

	e.log.Info().
		Str("asset", asset).
		Str("beneficiary", e.schedule.Beneficiary).
		Str("amount", amount.String()).
		Str("vested", pos.Vested.String()).
		Msg("released")
	return amount, nil
}

// Revoke returns the unvested remainder of asset to the issuer. The vested but
// unreleased part stays in custody for Release.
func (e *Engine) Revoke(ctx context.Context, caller, asset string) (*big.Int, error) {
	ctx, err := e.enter(ctx)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.schedule.Revocable {
		return nil, ErrNotRevocable
	}
	if e.account.Revoked(asset) {
		return nil, ErrAlreadyRevoked
	}
	ok, err := e.access.IsAuthorized(ctx, caller)
	if err != nil {
		return nil, fmt.Errorf("vesting: check authorization: %w", err)
	}
	if !ok {
		return nil, ErrUnauthorized
	}

	pos, err := e.position(ctx, asset, e.clock.Now())
	if err != nil {
		return nil, err
	}
	refund := new(big.Int).Sub(pos.Total, pos.Vested)
	if refund.Cmp(pos.Balance) > 0 {
		refund.Set(pos.Balance)
	}
	if refund.Sign() < 0 {
		refund.SetInt64(0)
	}

	prior := e.account.State(asset)
	e.account.markRevoked(asset)

	if refund.Sign() > 0 {
		err = e.ledger.Transfer(ctx, Transfer{
			ID:     e.idGen(),
			Asset:  asset,
			From:   e.holder,
			To:     e.issuer,
			Amount: new(big.Int).Set(refund),
			Memo:   "revoke",
		})
		if err != nil {
			e.account.restore(asset, prior)
			e.log.Warn().Err(err).Str("asset", asset).Str("refund", refund.String()).Msg("revoke rolled back")
			return nil, fmt.Errorf("%w: %w", ErrLedgerTransferFailed, err)
		}
	}

	e.log.Info().
		Str("asset", asset).
		Str("issuer", e.issuer).
		Str("refund", refund.String()).
		Str("vested", pos.Vested.String()).
		Msg("revoked")
	return refund, nil
}

// position must be called with e.mu held.
func (e *Engine) position(ctx context.Context, asset string, now time.Time) (Position, error) {
	balance, err := e.ledger.BalanceOf(ctx, asset, e.holder)
	if err != nil {
		return Position{}, fmt.Errorf("vesting: read balance: %w", err)
	}
	if balance == nil {
		balance = new(big.Int)
	}
	st := e.account.State(asset)

	total := new(big.Int).Add(balance, st.Released)
	var vested *big.Int
	if st.Revoked {
		// revocation already removed the unvested part, what is left is due
		vested = new(big.Int).Set(total)
	} else {
		vested = e.schedule.VestedAmount(total, now)
	}

	releasable := new(big.Int).Sub(vested, st.Released)
	if releasable.Sign() < 0 {
		releasable.SetInt64(0)
	}

	return Position{
		Asset:      asset,
		At:         now,
		Balance:    new(big.Int).Set(balance),
		Released:   st.Released,
		Total:      total,
		Vested:     vested,
		Releasable: releasable,
		Revoked:    st.Revoked,
	}, nil
}

// enter tags ctx for the duration of a call so a call arriving back through
// the ledger fails fast instead of deadlocking on e.mu.
func (e *Engine) enter(ctx context.Context) (context.Context, error) {
	if ctx.Value(callKey{e}) != nil {
		return nil, ErrReentrantCall
	}
	return context.WithValue(ctx, callKey{e}, struct{}{}), nil
}
