package actors

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"tokenvest/grant"
	"tokenvest/ledger"
	"tokenvest/outbox"
	"tokenvest/vesting"
)

// Releaser keeps releasing one grant asset. Expected rejections and transient
// database failures are ignored; the oracles judge the outcome.
func Releaser(ctx context.Context, svc *grant.Service, grantID, asset string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := svc.Release(ctx, grant.ReleaseRequest{GrantID: grantID, Asset: asset})
		if err != nil && errors.Is(err, grant.ErrIdempotencyKeyConflict) {
			return fmt.Errorf("releaser %s: %w", grantID, err)
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Revoker waits a random delay and then races to revoke. Callers other than
// the issuer must always be refused.
func Revoker(ctx context.Context, svc *grant.Service, grantID, asset, callerID string, isIssuer bool, stop <-chan struct{}) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-stop:
		return nil
	case <-time.After(time.Duration(200+rand.Intn(2000)) * time.Millisecond):
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := svc.Revoke(ctx, grant.RevokeRequest{GrantID: grantID, Asset: asset, CallerID: callerID})
		if err == nil && !isIssuer {
			return fmt.Errorf("revoker %s: stranger %s revoked grant", grantID, callerID)
		}
		if errors.Is(err, vesting.ErrAlreadyRevoked) || errors.Is(err, vesting.ErrNotRevocable) {
			return nil
		}
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
}

// Replayer repeats one idempotent release and fails if a replay ever reports
// a different amount than the first successful call.
func Replayer(ctx context.Context, svc *grant.Service, grantID, asset, key string, stop <-chan struct{}) error {
	var first *big.Int
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		res, err := svc.Release(ctx, grant.ReleaseRequest{GrantID: grantID, Asset: asset, IdempotencyKey: key})
		if err == nil {
			if first == nil {
				first = res.Amount
			} else if res.Amount.Cmp(first) != 0 {
				return fmt.Errorf("replayer %s: key %s returned %s then %s", grantID, key, first, res.Amount)
			}
		}
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
	}
}

// Trader shuffles funds between unrelated holders of asset so ledger row
// locks contend with grant transfers.
func Trader(ctx context.Context, led *ledger.Postgres, asset string, holders []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		from := holders[rand.Intn(len(holders))]
		to := holders[rand.Intn(len(holders))]
		if from != to {
			err := led.Transfer(ctx, vesting.Transfer{
				ID:     uuid.NewString(),
				Asset:  asset,
				From:   from,
				To:     to,
				Amount: big.NewInt(int64(1 + rand.Intn(50))),
				Memo:   "trade",
			})
			if err != nil && errors.Is(err, ledger.ErrDuplicateTransfer) {
				return fmt.Errorf("trader: %w", err)
			}
		}
		time.Sleep(time.Duration(15+rand.Intn(35)) * time.Millisecond)
	}
}

// OutboxWorker drains the outbox with a publisher that fails one call in ten.
func OutboxWorker(ctx context.Context, pool outbox.TxBeginner, stop <-chan struct{}) error {
	flaky := outbox.PublisherFunc(func(context.Context, outbox.Message) error {
		if rand.Intn(10) == 0 {
			return errors.New("simulated publish failure")
		}
		return nil
	})
	relay := outbox.NewRelay(pool, flaky).WithMaxAttempts(3)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, _ = relay.RunOnce(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}
