package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"

	"tokenvest/auth"
	"tokenvest/db"
	"tokenvest/grant"
	"tokenvest/ledger"
	"tokenvest/outbox"
	"tokenvest/vesting"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tokenvest-api: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg, os.Stdout)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxConns:        cfg.DBMaxConns,
		MaxConnIdleTime: cfg.DBMaxConnIdleTime,
	})
	if err != nil {
		return fmt.Errorf("bootstrap database pool: %w", err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		return err
	}

	principals := auth.NewRepository(pool)
	authService := auth.NewService(principals, cfg.JWTSecret).WithTokenTTL(cfg.TokenTTL)
	gate := auth.NewGate(principals)
	led := ledger.NewPostgres(pool)

	grantService := grant.NewService(pool, grant.NewRepository(pool),
		func(tx pgx.Tx) vesting.Ledger { return led.WithTx(tx) },
		func(issuerID string) vesting.AccessControl { return gate.ForIssuer(issuerID) },
	).WithLogger(log.With().Str("component", "grant").Logger())

	relay := outbox.NewRelay(pool, outbox.LogPublisher{Log: log.With().Str("component", "outbox").Logger()}).
		WithInterval(cfg.OutboxInterval).
		WithBatchSize(cfg.OutboxBatchSize).
		WithMaxAttempts(cfg.OutboxMaxAttempts).
		WithRateLimit(cfg.OutboxRatePerSec).
		WithLogger(log.With().Str("component", "outbox").Logger())

	server := NewServer(authService, grantService, led, log)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return relay.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
