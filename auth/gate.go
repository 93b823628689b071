package auth

import (
	"context"
	"errors"
	"fmt"
)

// PrincipalReader is the lookup the gate needs.
type PrincipalReader interface {
	GetPrincipalByID(ctx context.Context, id string) (Principal, error)
}

// Gate grants the issuer capability to registered principals holding the
// issuer role. It satisfies vesting.AccessControl.
type Gate struct {
	repo PrincipalReader
	// issuerID, when set, narrows the capability to a single principal.
	issuerID string
}

func NewGate(repo PrincipalReader) *Gate {
	return &Gate{repo: repo}
}

// ForIssuer returns a gate that only authorizes issuerID.
func (g *Gate) ForIssuer(issuerID string) *Gate {
	return &Gate{repo: g.repo, issuerID: issuerID}
}

func (g *Gate) IsAuthorized(ctx context.Context, caller string) (bool, error) {
	if caller == "" {
		return false, nil
	}
	if g.issuerID != "" && caller != g.issuerID {
		return false, nil
	}
	p, err := g.repo.GetPrincipalByID(ctx, caller)
	if err != nil {
		if errors.Is(err, ErrPrincipalNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("auth: load caller: %w", err)
	}
	return p.Role == RoleIssuer, nil
}

// StaticGate authorizes a fixed set of callers.
type StaticGate map[string]bool

func (s StaticGate) IsAuthorized(_ context.Context, caller string) (bool, error) {
	return s[caller], nil
}
