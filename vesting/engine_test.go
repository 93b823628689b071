package vesting_test

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"tokenvest/ledger"
	"tokenvest/schedule"
	"tokenvest/vesting"
)

const (
	day  = 24 * time.Hour
	week = 7 * day
	year = 365 * day

	asset       = "USTK"
	holder      = "vault-1"
	issuer      = "owner"
	beneficiary = "beneficiary"
	stranger    = "stranger"
)

var start = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type allowList map[string]bool

func (a allowList) IsAuthorized(_ context.Context, caller string) (bool, error) {
	return a[caller], nil
}

type fixture struct {
	engine *vesting.Engine
	ledger *ledger.Memory
	clock  *fakeClock
}

func newFixture(t *testing.T, s schedule.Schedule, amount int64) fixture {
	t.Helper()
	l := ledger.NewMemory()
	l.Deposit(asset, holder, big.NewInt(amount))
	clock := &fakeClock{now: start}
	e, err := vesting.New(vesting.Config{
		Schedule: s,
		Holder:   holder,
		Issuer:   issuer,
		Ledger:   l,
		Clock:    clock,
		Access:   allowList{issuer: true},
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return fixture{engine: e, ledger: l, clock: clock}
}

func continuous(revocable bool, policy schedule.Policy) schedule.Schedule {
	return schedule.Schedule{
		Beneficiary: beneficiary,
		Start:       start.Add(time.Minute),
		Duration:    2 * year,
		Revocable:   revocable,
		Policy:      policy,
		Model:       schedule.Continuous(year),
	}
}

func balance(t *testing.T, f fixture, who string) int64 {
	t.Helper()
	b, err := f.ledger.BalanceOf(context.Background(), asset, who)
	if err != nil {
		t.Fatalf("balance of %s: %v", who, err)
	}
	return b.Int64()
}

func vested(t *testing.T, f fixture) int64 {
	t.Helper()
	v, err := f.engine.VestedAmount(context.Background(), asset)
	if err != nil {
		t.Fatalf("vested amount: %v", err)
	}
	return v.Int64()
}

func expectedLinear(amount int64, s schedule.Schedule, at time.Time) int64 {
	out := new(big.Int).Mul(big.NewInt(amount), big.NewInt(int64(at.Sub(s.Start))))
	return out.Quo(out, big.NewInt(int64(s.Duration))).Int64()
}

func TestRelease_BeforeCliff(t *testing.T) {
	ctx := context.Background()

	strict := newFixture(t, continuous(true, schedule.PolicyStrict), 10000)
	if _, err := strict.engine.Release(ctx, asset); !errors.Is(err, vesting.ErrNothingToRelease) {
		t.Fatalf("expected ErrNothingToRelease, got %v", err)
	}

	lenient := newFixture(t, continuous(true, schedule.PolicyLenient), 10000)
	got, err := lenient.engine.Release(ctx, asset)
	if err != nil {
		t.Fatalf("lenient release: %v", err)
	}
	if got.Sign() != 0 {
		t.Fatalf("expected 0 released, got %s", got)
	}
	if n := len(lenient.ledger.Transfers()); n != 0 {
		t.Fatalf("expected no ledger transfer, got %d", n)
	}
}

func TestRelease_AfterCliff(t *testing.T) {
	s := continuous(true, schedule.PolicyStrict)
	f := newFixture(t, s, 10000)

	f.clock.Set(s.Start.Add(year))
	got, err := f.engine.Release(context.Background(), asset)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if got.Int64() != 5000 {
		t.Fatalf("expected 5000 released at cliff, got %s", got)
	}
	if b := balance(t, f, beneficiary); b != 5000 {
		t.Fatalf("expected beneficiary balance 5000, got %d", b)
	}
}

func TestRelease_Linear(t *testing.T) {
	s := continuous(true, schedule.PolicyStrict)
	f := newFixture(t, s, 10000)

	period := s.Duration - s.Model.Cliff
	const checkpoints = 4
	for i := 1; i <= checkpoints; i++ {
		at := s.Start.Add(s.Model.Cliff + time.Duration(i)*(period/checkpoints))
		f.clock.Set(at)
		if _, err := f.engine.Release(context.Background(), asset); err != nil {
			t.Fatalf("checkpoint %d: %v", i, err)
		}
		if got, want := balance(t, f, beneficiary), expectedLinear(10000, s, at); got != want {
			t.Fatalf("checkpoint %d: expected %d, got %d", i, want, got)
		}
	}
	if b := balance(t, f, holder); b != 0 {
		t.Fatalf("expected custody drained at end, got %d", b)
	}
}

func TestRelease_AllAfterEnd(t *testing.T) {
	s := continuous(false, schedule.PolicyStrict)
	f := newFixture(t, s, 10000)

	f.clock.Set(s.End().Add(week))
	if _, err := f.engine.Release(context.Background(), asset); err != nil {
		t.Fatalf("release: %v", err)
	}
	if b := balance(t, f, beneficiary); b != 10000 {
		t.Fatalf("expected 10000, got %d", b)
	}
}

func TestRelease_Idempotent(t *testing.T) {
	ctx := context.Background()
	for _, policy := range []schedule.Policy{schedule.PolicyStrict, schedule.PolicyLenient} {
		t.Run(string(policy), func(t *testing.T) {
			s := continuous(true, policy)
			f := newFixture(t, s, 10000)
			f.clock.Set(s.Start.Add(year + 10*week))

			first, err := f.engine.Release(ctx, asset)
			if err != nil {
				t.Fatalf("first release: %v", err)
			}
			second, err := f.engine.Release(ctx, asset)
			switch policy {
			case schedule.PolicyStrict:
				if !errors.Is(err, vesting.ErrNothingToRelease) {
					t.Fatalf("expected ErrNothingToRelease, got %v", err)
				}
			case schedule.PolicyLenient:
				if err != nil || second.Sign() != 0 {
					t.Fatalf("expected zero no-op, got %v %v", second, err)
				}
			}
			if got := f.engine.Snapshot()[asset].Released; got.Cmp(first) != 0 {
				t.Fatalf("expected released %s, got %s", first, got)
			}
			if n := len(f.ledger.Transfers()); n != 1 {
				t.Fatalf("expected 1 transfer, got %d", n)
			}
		})
	}
}

func TestRelease_PreservesTotal(t *testing.T) {
	s := continuous(true, schedule.PolicyLenient)
	f := newFixture(t, s, 10000)
	ctx := context.Background()

	for _, at := range []time.Duration{year, year + week, 18 * 30 * day, 2 * year} {
		f.clock.Set(s.Start.Add(at))
		if _, err := f.engine.Release(ctx, asset); err != nil {
			t.Fatalf("release: %v", err)
		}
		pos, err := f.engine.Position(ctx, asset)
		if err != nil {
			t.Fatalf("position: %v", err)
		}
		if pos.Total.Int64() != 10000 {
			t.Fatalf("expected total 10000, got %s", pos.Total)
		}
		if pos.Released.Cmp(pos.Vested) > 0 {
			t.Fatalf("released %s exceeds vested %s", pos.Released, pos.Vested)
		}
	}
}

func TestRelease_Phased(t *testing.T) {
	d := 400 * day
	s := schedule.Schedule{
		Beneficiary: beneficiary,
		Start:       start,
		Duration:    d,
		Policy:      schedule.PolicyStrict,
		Model:       schedule.Phased(4),
	}
	f := newFixture(t, s, 10000)
	ctx := context.Background()

	f.clock.Set(start.Add(d/4 - time.Second))
	if _, err := f.engine.Release(ctx, asset); !errors.Is(err, vesting.ErrNothingToRelease) {
		t.Fatalf("expected ErrNothingToRelease before first phase, got %v", err)
	}
	f.clock.Set(start.Add(d / 4))
	if got, err := f.engine.Release(ctx, asset); err != nil || got.Int64() != 2500 {
		t.Fatalf("expected 2500 at first phase, got %v %v", got, err)
	}
	f.clock.Set(start.Add(d / 2))
	if got, err := f.engine.Release(ctx, asset); err != nil || got.Int64() != 2500 {
		t.Fatalf("expected another 2500 at half, got %v %v", got, err)
	}
	f.clock.Set(start.Add(d))
	if got, err := f.engine.Release(ctx, asset); err != nil || got.Int64() != 5000 {
		t.Fatalf("expected remaining 5000 at end, got %v %v", got, err)
	}
}

func TestRevoke_NotRevocable(t *testing.T) {
	s := continuous(false, schedule.PolicyStrict)
	f := newFixture(t, s, 10000)
	for _, caller := range []string{issuer, stranger, ""} {
		if _, err := f.engine.Revoke(context.Background(), caller, asset); !errors.Is(err, vesting.ErrNotRevocable) {
			t.Fatalf("caller %q: expected ErrNotRevocable, got %v", caller, err)
		}
	}
}

func TestRevoke_Unauthorized(t *testing.T) {
	s := continuous(true, schedule.PolicyStrict)
	f := newFixture(t, s, 10000)
	if _, err := f.engine.Revoke(context.Background(), stranger, asset); !errors.Is(err, vesting.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if f.engine.Snapshot()[asset].Revoked {
		t.Fatal("expected asset to stay unrevoked")
	}
	if b := balance(t, f, holder); b != 10000 {
		t.Fatalf("expected custody untouched, got %d", b)
	}
}

func TestRevoke_ReturnsUnvested(t *testing.T) {
	s := continuous(true, schedule.PolicyStrict)
	f := newFixture(t, s, 10000)
	ctx := context.Background()

	f.clock.Set(s.Start.Add(year + 12*week))
	pre := vested(t, f)

	refund, err := f.engine.Revoke(ctx, issuer, asset)
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if refund.Int64() != 10000-pre {
		t.Fatalf("expected refund %d, got %s", 10000-pre, refund)
	}
	if b := balance(t, f, issuer); b != 10000-pre {
		t.Fatalf("expected issuer balance %d, got %d", 10000-pre, b)
	}
	if post := vested(t, f); post != pre {
		t.Fatalf("expected vested to stay %d after revoke, got %d", pre, post)
	}
	if _, err := f.engine.Revoke(ctx, issuer, asset); !errors.Is(err, vesting.ErrAlreadyRevoked) {
		t.Fatalf("expected ErrAlreadyRevoked, got %v", err)
	}
}

func TestRevoke_AfterPartialRelease(t *testing.T) {
	s := continuous(true, schedule.PolicyLenient)
	f := newFixture(t, s, 10000)
	ctx := context.Background()

	f.clock.Set(s.Start.Add(year))
	released, err := f.engine.Release(ctx, asset)
	if err != nil {
		t.Fatalf("release: %v", err)
	}

	f.clock.Set(s.Start.Add(year + 26*week))
	atRevoke := vested(t, f)
	if _, err := f.engine.Revoke(ctx, issuer, asset); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	if b := balance(t, f, issuer); b != 10000-atRevoke {
		t.Fatalf("expected issuer to receive %d, got %d", 10000-atRevoke, b)
	}
	if b := balance(t, f, holder); b != atRevoke-released.Int64() {
		t.Fatalf("expected custody %d, got %d", atRevoke-released.Int64(), b)
	}
	if got := f.engine.Snapshot()[asset].Released; got.Cmp(released) != 0 {
		t.Fatalf("expected revoke to leave released at %s, got %s", released, got)
	}

	// the vested remainder stays claimable from the revoked state
	f.clock.Set(s.End().Add(year))
	rest, err := f.engine.Release(ctx, asset)
	if err != nil {
		t.Fatalf("release after revoke: %v", err)
	}
	if rest.Int64() != atRevoke-released.Int64() {
		t.Fatalf("expected %d drained, got %s", atRevoke-released.Int64(), rest)
	}
	if b := balance(t, f, beneficiary); b != atRevoke {
		t.Fatalf("expected beneficiary to end with %d, got %d", atRevoke, b)
	}
	if got := vested(t, f); got != atRevoke {
		t.Fatalf("expected vested to stay frozen at %d, got %d", atRevoke, got)
	}
}

func TestRevoke_FullyVestedRefundsNothing(t *testing.T) {
	s := continuous(true, schedule.PolicyStrict)
	f := newFixture(t, s, 10000)
	f.clock.Set(s.End())

	refund, err := f.engine.Revoke(context.Background(), issuer, asset)
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if refund.Sign() != 0 {
		t.Fatalf("expected no refund, got %s", refund)
	}
	if n := len(f.ledger.Transfers()); n != 0 {
		t.Fatalf("expected no transfer, got %d", n)
	}
	if !f.engine.Snapshot()[asset].Revoked {
		t.Fatal("expected asset revoked")
	}
}

func TestRelease_TransferFailureRollsBack(t *testing.T) {
	s := continuous(true, schedule.PolicyStrict)
	f := newFixture(t, s, 10000)
	ctx := context.Background()
	f.clock.Set(s.Start.Add(year))

	boom := errors.New("ledger offline")
	f.ledger.OnTransfer(func(context.Context, vesting.Transfer) error { return boom })

	if _, err := f.engine.Release(ctx, asset); !errors.Is(err, vesting.ErrLedgerTransferFailed) || !errors.Is(err, boom) {
		t.Fatalf("expected ErrLedgerTransferFailed wrapping cause, got %v", err)
	}
	if got := f.engine.Snapshot()[asset].Released; got.Sign() != 0 {
		t.Fatalf("expected released rolled back to 0, got %s", got)
	}
	if b := balance(t, f, holder); b != 10000 {
		t.Fatalf("expected custody untouched, got %d", b)
	}

	f.ledger.OnTransfer(nil)
	if got, err := f.engine.Release(ctx, asset); err != nil || got.Int64() != 5000 {
		t.Fatalf("expected retry to release 5000, got %v %v", got, err)
	}
}

func TestRevoke_TransferFailureRollsBack(t *testing.T) {
	s := continuous(true, schedule.PolicyStrict)
	f := newFixture(t, s, 10000)
	ctx := context.Background()
	f.clock.Set(s.Start.Add(year))

	f.ledger.OnTransfer(func(context.Context, vesting.Transfer) error { return errors.New("rejected") })
	if _, err := f.engine.Revoke(ctx, issuer, asset); !errors.Is(err, vesting.ErrLedgerTransferFailed) {
		t.Fatalf("expected ErrLedgerTransferFailed, got %v", err)
	}
	if f.engine.Snapshot()[asset].Revoked {
		t.Fatal("expected revoked flag rolled back")
	}

	f.ledger.OnTransfer(nil)
	if refund, err := f.engine.Revoke(ctx, issuer, asset); err != nil || refund.Int64() != 5000 {
		t.Fatalf("expected retried revoke to refund 5000, got %v %v", refund, err)
	}
}

func TestRelease_RejectsReentrantCalls(t *testing.T) {
	s := continuous(true, schedule.PolicyLenient)
	f := newFixture(t, s, 10000)
	f.clock.Set(s.End())

	var inner []error
	f.ledger.OnTransfer(func(ctx context.Context, _ vesting.Transfer) error {
		_, err := f.engine.Release(ctx, asset)
		inner = append(inner, err)
		_, err = f.engine.Revoke(ctx, issuer, asset)
		inner = append(inner, err)
		_, err = f.engine.VestedAmount(ctx, asset)
		inner = append(inner, err)
		return nil
	})

	got, err := f.engine.Release(context.Background(), asset)
	if err != nil {
		t.Fatalf("outer release: %v", err)
	}
	if got.Int64() != 10000 {
		t.Fatalf("expected 10000 released once, got %s", got)
	}
	for i, err := range inner {
		if !errors.Is(err, vesting.ErrReentrantCall) {
			t.Fatalf("inner call %d: expected ErrReentrantCall, got %v", i, err)
		}
	}
	if b := balance(t, f, beneficiary); b != 10000 {
		t.Fatalf("expected beneficiary 10000, got %d", b)
	}
}

func TestVestedAmount_ConcurrentReads(t *testing.T) {
	s := continuous(true, schedule.PolicyLenient)
	f := newFixture(t, s, 1_000_000)
	f.clock.Set(s.Start.Add(year))
	ctx := context.Background()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			for j := 0; j < 200; j++ {
				pos, err := f.engine.Position(gctx, asset)
				if err != nil {
					return err
				}
				if pos.Total.Int64() != 1_000_000 {
					return errors.New("observed torn total " + pos.Total.String())
				}
				if pos.Released.Cmp(pos.Vested) > 0 {
					return errors.New("released exceeds vested")
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		for j := 1; j <= 50; j++ {
			f.clock.Set(s.Start.Add(year + time.Duration(j)*week))
			if _, err := f.engine.Release(gctx, asset); err != nil {
				return err
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent access: %v", err)
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	l := ledger.NewMemory()
	valid := vesting.Config{
		Schedule: continuous(true, schedule.PolicyStrict),
		Holder:   holder,
		Issuer:   issuer,
		Ledger:   l,
		Access:   allowList{},
	}
	if _, err := vesting.New(valid); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	cases := map[string]func(*vesting.Config){
		"bad schedule":       func(c *vesting.Config) { c.Schedule.Duration = 0 },
		"no holder":          func(c *vesting.Config) { c.Holder = "" },
		"holder beneficiary": func(c *vesting.Config) { c.Holder = beneficiary },
		"no ledger":          func(c *vesting.Config) { c.Ledger = nil },
		"no issuer":          func(c *vesting.Config) { c.Issuer = "" },
		"no access":          func(c *vesting.Config) { c.Access = nil },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid
			mutate(&cfg)
			if _, err := vesting.New(cfg); !errors.Is(err, vesting.ErrInvalidSchedule) {
				t.Fatalf("expected ErrInvalidSchedule, got %v", err)
			}
		})
	}

	nonRevocable := valid
	nonRevocable.Schedule.Revocable = false
	nonRevocable.Issuer = ""
	nonRevocable.Access = nil
	if _, err := vesting.New(nonRevocable); err != nil {
		t.Fatalf("non-revocable schedule needs no issuer, got %v", err)
	}
}

func TestRestoreAccount(t *testing.T) {
	if _, err := vesting.RestoreAccount(map[string]vesting.AssetState{
		asset: {Released: big.NewInt(-1)},
	}); err == nil {
		t.Fatal("expected negative released to be rejected")
	}

	acct, err := vesting.RestoreAccount(map[string]vesting.AssetState{
		asset: {Released: big.NewInt(4000), Revoked: true},
	})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if acct.Released(asset).Int64() != 4000 || !acct.Revoked(asset) {
		t.Fatalf("unexpected restored state: %+v", acct.State(asset))
	}
	if acct.Released("other").Sign() != 0 || acct.Revoked("other") {
		t.Fatal("expected untracked asset to read as zero")
	}
}
