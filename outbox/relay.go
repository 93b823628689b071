package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	StatusPending   = "pending"
	StatusProcessed = "processed"
	StatusDead      = "dead"
)

// Message is one row claimed from the outbox table.
type Message struct {
	ID       string
	Topic    string
	Payload  json.RawMessage
	Attempts int
}

// Publisher delivers a message downstream. A returned error leaves the message
// pending for another attempt.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

type PublisherFunc func(ctx context.Context, msg Message) error

func (f PublisherFunc) Publish(ctx context.Context, msg Message) error { return f(ctx, msg) }

// LogPublisher writes each message to the logger. It is the default sink when
// no broker is configured.
type LogPublisher struct {
	Log zerolog.Logger
}

func (p LogPublisher) Publish(_ context.Context, msg Message) error {
	p.Log.Info().
		Str("outbox_id", msg.ID).
		Str("topic", msg.Topic).
		RawJSON("payload", msg.Payload).
		Msg("outbox message published")
	return nil
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Relay drains pending outbox rows with FOR UPDATE SKIP LOCKED, so several
// relays can run against one database without double delivery of a batch.
type Relay struct {
	pool        TxBeginner
	pub         Publisher
	batchSize   int
	maxAttempts int
	interval    time.Duration
	limiter     *rate.Limiter
	log         zerolog.Logger
}

func NewRelay(pool TxBeginner, pub Publisher) *Relay {
	return &Relay{
		pool:        pool,
		pub:         pub,
		batchSize:   10,
		maxAttempts: 5,
		interval:    time.Second,
		log:         zerolog.Nop(),
	}
}

func (r *Relay) WithLogger(log zerolog.Logger) *Relay {
	r.log = log
	return r
}

func (r *Relay) WithBatchSize(n int) *Relay {
	if n > 0 {
		r.batchSize = n
	}
	return r
}

func (r *Relay) WithMaxAttempts(n int) *Relay {
	if n > 0 {
		r.maxAttempts = n
	}
	return r
}

// WithRateLimit caps publishes per second. Zero or negative disables the cap.
func (r *Relay) WithRateLimit(perSecond int) *Relay {
	if perSecond > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(perSecond), perSecond)
	} else {
		r.limiter = nil
	}
	return r
}

func (r *Relay) WithInterval(d time.Duration) *Relay {
	if d > 0 {
		r.interval = d
	}
	return r
}

// RunOnce claims one batch, publishes it and records the outcome. It returns
// the number of messages delivered.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	msgs, err := claim(ctx, tx, r.batchSize)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, msg := range msgs {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return 0, fmt.Errorf("outbox: rate limit: %w", err)
			}
		}
		if err := r.pub.Publish(ctx, msg); err != nil {
			status := StatusPending
			if msg.Attempts+1 >= r.maxAttempts {
				status = StatusDead
			}
			r.log.Warn().Err(err).
				Str("outbox_id", msg.ID).
				Str("topic", msg.Topic).
				Int("attempts", msg.Attempts+1).
				Str("status", status).
				Msg("outbox publish failed")
			if _, err := tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1, last_attempt = now(), status = $2 WHERE id = $1`, msg.ID, status); err != nil {
				return delivered, fmt.Errorf("outbox: record failure: %w", err)
			}
			continue
		}
		if _, err := tx.Exec(ctx, `UPDATE outbox SET status = $2, attempts = attempts + 1, last_attempt = now() WHERE id = $1`, msg.ID, StatusProcessed); err != nil {
			return delivered, fmt.Errorf("outbox: mark processed: %w", err)
		}
		delivered++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("outbox: commit tx: %w", err)
	}
	return delivered, nil
}

// Run polls until ctx is cancelled. Batch errors are logged and retried on the
// next tick.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		// drain while full batches keep coming
		for {
			n, err := r.RunOnce(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				r.log.Error().Err(err).Msg("outbox relay batch failed")
				break
			}
			if n < r.batchSize {
				break
			}
		}
	}
}

func claim(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error) {
	rows, err := tx.Query(ctx, `
		SELECT id::text, topic, payload::text, attempts
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			msg     Message
			payload string
		)
		if err := rows.Scan(&msg.ID, &msg.Topic, &payload, &msg.Attempts); err != nil {
			return nil, fmt.Errorf("outbox: scan: %w", err)
		}
		msg.Payload = json.RawMessage(payload)
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterate: %w", err)
	}
	return out, nil
}
