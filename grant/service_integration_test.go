package grant_test

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"

	"tokenvest/auth"
	"tokenvest/grant"
	"tokenvest/ledger"
	"tokenvest/schedule"
	"tokenvest/test/infra"
	"tokenvest/vesting"
)

func TestGrantLifecycle_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test skipped in -short mode")
	}
	pool := infra.Pool(t)
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	principals := auth.NewRepository(pool)
	issuer, err := principals.CreatePrincipal(ctx, auth.CreatePrincipalParams{
		Email:        fmt.Sprintf("issuer+%d@example.com", time.Now().UnixNano()),
		DisplayName:  "Issuer",
		PasswordHash: "x",
		Role:         auth.RoleIssuer,
	})
	if err != nil {
		t.Fatalf("seed issuer: %v", err)
	}

	led := ledger.NewPostgres(pool)
	if err := led.Deposit(ctx, "USTK", issuer.ID, big.NewInt(100_000)); err != nil {
		t.Fatalf("seed issuer balance: %v", err)
	}

	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	now := start
	gate := auth.NewGate(principals)
	svc := grant.NewService(pool, grant.NewRepository(pool),
		func(tx pgx.Tx) vesting.Ledger { return led.WithTx(tx) },
		func(issuerID string) vesting.AccessControl { return gate.ForIssuer(issuerID) },
	).WithClock(func() time.Time { return now })

	g, err := svc.Create(ctx, grant.CreateParams{
		IssuerID:    issuer.ID,
		Beneficiary: "beneficiary-1",
		Start:       start,
		Duration:    1000 * time.Second,
		Revocable:   true,
		Model:       schedule.Continuous(0),
		Funding:     []grant.Funding{{Asset: "USTK", Amount: big.NewInt(10_000)}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := svc.Get(ctx, g.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Schedule.Duration != 1000*time.Second || got.Schedule.Policy != schedule.PolicyStrict || !got.Schedule.Start.Equal(start) {
		t.Fatalf("schedule did not round-trip: %+v", got.Schedule)
	}

	now = start.Add(300 * time.Second)
	req := grant.ReleaseRequest{GrantID: g.ID, Asset: "USTK", IdempotencyKey: "rel-" + g.ID}
	res, err := svc.Release(ctx, req)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if res.Amount.Int64() != 3000 {
		t.Fatalf("expected 3000 released, got %s", res.Amount)
	}

	replay, err := svc.Release(ctx, req)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !replay.Replayed || replay.Amount.Int64() != 3000 {
		t.Fatalf("expected replayed 3000, got %+v", replay)
	}
	otherAsset := grant.ReleaseRequest{GrantID: g.ID, Asset: "GOV", IdempotencyKey: req.IdempotencyKey}
	if _, err := svc.Release(ctx, otherAsset); !errors.Is(err, grant.ErrIdempotencyKeyConflict) {
		t.Fatalf("expected ErrIdempotencyKeyConflict for another asset, got %v", err)
	}

	now = start.Add(500 * time.Second)
	if _, err := svc.Revoke(ctx, grant.RevokeRequest{GrantID: g.ID, Asset: "USTK", CallerID: "beneficiary-1"}); !errors.Is(err, vesting.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	refund, err := svc.Revoke(ctx, grant.RevokeRequest{GrantID: g.ID, Asset: "USTK", CallerID: issuer.ID})
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if refund.Amount.Int64() != 5000 {
		t.Fatalf("expected refund 5000, got %s", refund.Amount)
	}

	positions, err := svc.Vested(ctx, g.ID, "USTK")
	if err != nil {
		t.Fatalf("vested: %v", err)
	}
	pos := positions[0]
	if !pos.Revoked || pos.Vested.Int64() != 5000 || pos.Releasable.Int64() != 2000 {
		t.Fatalf("unexpected position after revoke: %+v", pos)
	}

	var events, messages int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM timeline_events WHERE grant_id = $1`, g.ID).Scan(&events); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&messages); err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	// created, funded, released, revoked
	if events != 4 || messages != 3 {
		t.Fatalf("expected 4 events and 3 outbox messages, got %d and %d", events, messages)
	}

	list, err := svc.List(ctx, grant.Filters{IssuerID: issuer.ID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if list.Total != 1 || len(list.Items) != 1 || list.Items[0].ID != g.ID {
		t.Fatalf("unexpected list result %+v", list)
	}
}

func TestConcurrentRelease_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test skipped in -short mode")
	}
	pool := infra.Pool(t)
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	led := ledger.NewPostgres(pool)
	if err := led.Deposit(ctx, "USTK", "treasury", big.NewInt(10_000)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := grant.NewService(pool, grant.NewRepository(pool),
		func(tx pgx.Tx) vesting.Ledger { return led.WithTx(tx) },
		nil,
	).WithClock(func() time.Time { return start.Add(time.Hour) })

	g, err := svc.Create(ctx, grant.CreateParams{
		IssuerID:    "treasury",
		Beneficiary: "beneficiary-2",
		Start:       start,
		Duration:    time.Minute,
		Policy:      schedule.PolicyLenient,
		Model:       schedule.Phased(4),
		Funding:     []grant.Funding{{Asset: "USTK", Amount: big.NewInt(10_000)}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	eg, egctx := errgroup.WithContext(ctx)
	for i := 0; i < 8; i++ {
		eg.Go(func() error {
			_, err := svc.Release(egctx, grant.ReleaseRequest{GrantID: g.ID, Asset: "USTK"})
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatalf("concurrent release: %v", err)
	}

	bal, err := led.BalanceOf(ctx, "USTK", "beneficiary-2")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal.Int64() != 10_000 {
		t.Fatalf("expected beneficiary to hold exactly 10000, got %s", bal)
	}
}
