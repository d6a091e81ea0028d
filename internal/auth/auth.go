// Package auth carries caller identity and role capabilities. Privileged
// pool operations (upkeep, fee changes, pausing) ask an Authorizer before
// they run.
package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/ethereum/go-ethereum/common"
)

// Role is a capability a principal may hold.
type Role string

const (
	RoleOwner            Role = "owner"
	RoleFactory          Role = "factory"
	RolePool             Role = "pool"
	RoleKeeper           Role = "keeper"
	RoleFeeController    Role = "fee_controller"
	RoleInvariantChecker Role = "invariant_checker"
	RoleUser             Role = "user"
)

var knownRoles = []Role{RoleOwner, RoleFactory, RolePool, RoleKeeper, RoleFeeController, RoleInvariantChecker, RoleUser}

var (
	ErrUnauthenticated = errors.New("auth: no principal in context")
	ErrForbidden       = errors.New("auth: missing role")
	ErrUnknownRole     = errors.New("auth: unknown role")
)

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !slices.Contains(knownRoles, r) {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
	return r, nil
}

// Principal is an authenticated caller.
type Principal struct {
	Subject string         `json:"sub"`
	Address common.Address `json:"address"`
	Roles   []Role         `json:"roles"`
}

// Has reports whether p holds role. Owners hold every role.
func (p Principal) Has(role Role) bool {
	return slices.Contains(p.Roles, role) || slices.Contains(p.Roles, RoleOwner)
}

type ctxKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext returns the principal carried by ctx.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}

// Authorizer decides whether the caller in ctx may act with role.
type Authorizer interface {
	Authorize(ctx context.Context, role Role) error
}

// Roles authorizes against the principal in the context.
type Roles struct{}

func (Roles) Authorize(ctx context.Context, role Role) error {
	p, ok := FromContext(ctx)
	if !ok {
		return ErrUnauthenticated
	}
	if !p.Has(role) {
		return fmt.Errorf("%w: %s needs %s", ErrForbidden, p.Subject, role)
	}
	return nil
}

// AllowAll authorizes everything. For in-process callers such as the
// simulator, where there is no remote caller to check.
type AllowAll struct{}

func (AllowAll) Authorize(context.Context, Role) error { return nil }
