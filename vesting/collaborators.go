package vesting

import (
	"context"
	"math/big"
	"time"
)

// Transfer describes a single movement of an asset between two ledger holders.
type Transfer struct {
	ID     string
	Asset  string
	From   string
	To     string
	Amount *big.Int
	// Memo is copied into the ledger journal when the ledger keeps one.
	Memo string
}

// Ledger is the balance-bearing asset the engine holds in custody. It is shared
// external state: the engine never owns it.
type Ledger interface {
	BalanceOf(ctx context.Context, asset, holder string) (*big.Int, error)
	Transfer(ctx context.Context, t Transfer) error
}

// Clock is the read-only time source.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a plain function such as time.Now to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock in UTC.
var SystemClock Clock = ClockFunc(func() time.Time { return time.Now().UTC() })

// AccessControl decides whether a caller holds the issuer capability.
type AccessControl interface {
	IsAuthorized(ctx context.Context, caller string) (bool, error)
}
