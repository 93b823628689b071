package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"tokenvest/vesting"
)

var (
	// ErrInsufficientFunds signals the sender balance does not cover the amount.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	// ErrDuplicateTransfer signals the transfer id was already journaled.
	ErrDuplicateTransfer = errors.New("ledger: duplicate transfer")
	// ErrInvalidTransfer signals a malformed transfer request.
	ErrInvalidTransfer = errors.New("ledger: invalid transfer")
)

type balanceKey struct {
	asset  string
	holder string
}

// Memory is a concurrency-safe in-memory multi-asset ledger.
type Memory struct {
	mu       sync.Mutex
	balances map[balanceKey]*big.Int
	seen     map[string]struct{}
	journal  []vesting.Transfer
	hook     func(ctx context.Context, t vesting.Transfer) error
}

// NewMemory returns an empty ledger.
func NewMemory() *Memory {
	return &Memory{
		balances: make(map[balanceKey]*big.Int),
		seen:     make(map[string]struct{}),
	}
}

// Deposit records an opening balance imported from outside the system.
func (m *Memory) Deposit(asset, holder string, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := balanceKey{asset, holder}
	cur, ok := m.balances[k]
	if !ok {
		cur = new(big.Int)
		m.balances[k] = cur
	}
	cur.Add(cur, amount)
}

// OnTransfer installs a hook that runs before each transfer is applied. A
// non-nil error from the hook fails the transfer without moving funds.
func (m *Memory) OnTransfer(fn func(ctx context.Context, t vesting.Transfer) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = fn
}

func (m *Memory) BalanceOf(_ context.Context, asset, holder string) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.balances[balanceKey{asset, holder}]; ok {
		return new(big.Int).Set(cur), nil
	}
	return new(big.Int), nil
}

func (m *Memory) Transfer(ctx context.Context, t vesting.Transfer) error {
	if err := validate(t); err != nil {
		return err
	}

	m.mu.Lock()
	hook := m.hook
	m.mu.Unlock()
	// the hook may call back into the ledger, so it runs unlocked
	if hook != nil {
		if err := hook(ctx, t); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if t.ID != "" {
		if _, dup := m.seen[t.ID]; dup {
			return ErrDuplicateTransfer
		}
	}
	from := m.balances[balanceKey{t.Asset, t.From}]
	if from == nil || from.Cmp(t.Amount) < 0 {
		return fmt.Errorf("%w: %s holds less than %s %s", ErrInsufficientFunds, t.From, t.Amount, t.Asset)
	}
	toKey := balanceKey{t.Asset, t.To}
	to, ok := m.balances[toKey]
	if !ok {
		to = new(big.Int)
		m.balances[toKey] = to
	}
	from.Sub(from, t.Amount)
	to.Add(to, t.Amount)

	if t.ID != "" {
		m.seen[t.ID] = struct{}{}
	}
	t.Amount = new(big.Int).Set(t.Amount)
	m.journal = append(m.journal, t)
	return nil
}

// Transfers returns the applied transfers in order.
func (m *Memory) Transfers() []vesting.Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]vesting.Transfer, len(m.journal))
	copy(out, m.journal)
	return out
}

func validate(t vesting.Transfer) error {
	switch {
	case t.Asset == "":
		return fmt.Errorf("%w: asset required", ErrInvalidTransfer)
	case t.From == "" || t.To == "":
		return fmt.Errorf("%w: holders required", ErrInvalidTransfer)
	case t.From == t.To:
		return fmt.Errorf("%w: sender equals recipient", ErrInvalidTransfer)
	case t.Amount == nil || t.Amount.Sign() <= 0:
		return fmt.Errorf("%w: amount must be positive", ErrInvalidTransfer)
	}
	return nil
}
