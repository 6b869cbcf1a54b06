package access

import (
	"context"
	"errors"
	"fmt"

	"covenant/domain"
	"covenant/store"
)

var (
	// ErrNotOwner is returned when an owner-only action is attempted by someone else.
	ErrNotOwner = domain.NewError(domain.ErrUnauthorized, "access: caller is not the owner")
	// ErrNotApproved is returned when a caller holds no grant for the scope.
	ErrNotApproved = domain.NewError(domain.ErrUnauthorized, "access: caller is not approved")
)

// RoleLookup resolves directory roles inside a transaction. Directory owners
// pass every guard.
type RoleLookup interface {
	RoleOfTx(ctx context.Context, tx store.Tx, id domain.Identity) (domain.Role, error)
}

// Guard enforces the owner / approved caller / everyone else split for one
// component.
type Guard struct {
	component string
	owner     domain.Identity
	issuer    *Issuer
	roles     RoleLookup
}

// NewGuard builds a guard for component owned by owner.
func NewGuard(component string, owner domain.Identity, issuer *Issuer) *Guard {
	return &Guard{component: component, owner: owner, issuer: issuer}
}

// WithRoles lets directory owners pass the guard.
func (g *Guard) WithRoles(roles RoleLookup) *Guard {
	g.roles = roles
	return g
}

// Component returns the guarded component name.
func (g *Guard) Component() string { return g.component }

// Owner returns the component owner.
func (g *Guard) Owner() domain.Identity { return g.owner }

// IsOwner reports whether caller owns the component.
func (g *Guard) IsOwner(ctx context.Context, tx store.Tx, caller domain.Caller) (bool, error) {
	if caller.ID == "" {
		return false, nil
	}
	if caller.ID == g.owner {
		return true, nil
	}
	if g.roles == nil {
		return false, nil
	}
	role, err := g.roles.RoleOfTx(ctx, tx, caller.ID)
	if err != nil {
		return false, fmt.Errorf("access: resolve role: %w", err)
	}
	return role == domain.RoleOwner, nil
}

// RequireOwner fails with ErrNotOwner unless caller owns the component.
func (g *Guard) RequireOwner(ctx context.Context, tx store.Tx, caller domain.Caller) error {
	ok, err := g.IsOwner(ctx, tx, caller)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotOwner
	}
	return nil
}

// Approve records grantee as an approved caller for scope and returns its
// capability. Approving twice is harmless and yields a fresh token.
func (g *Guard) Approve(ctx context.Context, tx store.Tx, caller domain.Caller, scope string, grantee domain.Identity) (string, error) {
	if err := g.RequireOwner(ctx, tx, caller); err != nil {
		return "", err
	}
	if grantee == "" {
		return "", fmt.Errorf("access: grantee required")
	}
	if err := tx.Grants().Add(ctx, g.component, scope, grantee); err != nil {
		return "", err
	}
	return g.issuer.Issue(g.component, scope, grantee)
}

// Revoke removes a grant. Outstanding capabilities stop working because the
// grant is checked on every call.
func (g *Guard) Revoke(ctx context.Context, tx store.Tx, caller domain.Caller, scope string, grantee domain.Identity) error {
	if err := g.RequireOwner(ctx, tx, caller); err != nil {
		return err
	}
	return tx.Grants().Revoke(ctx, g.component, scope, grantee)
}

// IsApproved reports whether grantee holds a grant for scope.
func (g *Guard) IsApproved(ctx context.Context, tx store.Tx, scope string, grantee domain.Identity) (bool, error) {
	return tx.Grants().Has(ctx, g.component, scope, grantee)
}

// Authorize passes owners, then approved callers presenting a valid
// capability for scope, and rejects everyone else.
func (g *Guard) Authorize(ctx context.Context, tx store.Tx, caller domain.Caller, scope string) error {
	owner, err := g.IsOwner(ctx, tx, caller)
	if err != nil {
		return err
	}
	if owner {
		return nil
	}
	if caller.ID == "" {
		return ErrNotApproved
	}

	approved, err := g.IsApproved(ctx, tx, scope, caller.ID)
	if err != nil {
		return err
	}
	if !approved {
		return ErrNotApproved
	}
	if err := g.issuer.Verify(caller.Capability, g.component, scope, caller.ID); err != nil {
		if errors.Is(err, ErrInvalidCapability) {
			return err
		}
		return fmt.Errorf("access: verify capability: %w", err)
	}
	return nil
}
