package vesting

import (
	"fmt"
	"math/big"
)

// AssetState is the bookkeeping for a single asset of an account.
type AssetState struct {
	Released *big.Int
	Revoked  bool
}

// Account holds the mutable per-asset bookkeeping of one schedule. It is not
// safe for concurrent use; the engine guards it.
type Account struct {
	assets map[string]AssetState
}

// NewAccount returns an empty account.
func NewAccount() *Account {
	return &Account{assets: make(map[string]AssetState)}
}

// RestoreAccount rebuilds an account from persisted state. Negative released
// amounts are rejected.
func RestoreAccount(states map[string]AssetState) (*Account, error) {
	a := NewAccount()
	for asset, st := range states {
		if st.Released != nil && st.Released.Sign() < 0 {
			return nil, errNegativeReleased(asset)
		}
		a.assets[asset] = st.clone()
	}
	return a, nil
}

// Released returns a copy of the released amount for asset.
func (a *Account) Released(asset string) *big.Int {
	return a.state(asset).Released
}

// Revoked reports whether asset has been revoked.
func (a *Account) Revoked(asset string) bool {
	return a.assets[asset].Revoked
}

// State returns a copy of the asset state.
func (a *Account) State(asset string) AssetState {
	return a.state(asset)
}

// Snapshot returns a deep copy of every tracked asset.
func (a *Account) Snapshot() map[string]AssetState {
	out := make(map[string]AssetState, len(a.assets))
	for asset, st := range a.assets {
		out[asset] = st.clone()
	}
	return out
}

func (a *Account) addReleased(asset string, amount *big.Int) {
	st := a.state(asset)
	st.Released.Add(st.Released, amount)
	a.assets[asset] = st
}

func (a *Account) markRevoked(asset string) {
	st := a.state(asset)
	st.Revoked = true
	a.assets[asset] = st
}

// restore puts back a state captured before a failed interaction.
func (a *Account) restore(asset string, st AssetState) {
	a.assets[asset] = st.clone()
}

func (a *Account) state(asset string) AssetState {
	return a.assets[asset].clone()
}

func (s AssetState) clone() AssetState {
	out := AssetState{Revoked: s.Revoked, Released: new(big.Int)}
	if s.Released != nil {
		out.Released.Set(s.Released)
	}
	return out
}

func errNegativeReleased(asset string) error {
	return fmt.Errorf("vesting: negative released amount for asset %s", asset)
}
