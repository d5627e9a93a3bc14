package identity

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

type Role string

const (
	RoleCustomer   Role = "customer"
	RoleVendor     Role = "vendor"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

// Identity is the authenticated actor behind a request. It is produced by the
// auth middleware and treated as opaque input by the quote package.
type Identity struct {
	ActorID uuid.UUID
	Role    Role
	Email   string
}

// ParseRole normalizes a role claim. Unknown values yield ok=false.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	switch r {
	case RoleCustomer, RoleVendor, RoleAdmin, RoleSuperAdmin:
		return r, true
	}
	return "", false
}

func (i Identity) IsZero() bool {
	return i.ActorID == uuid.Nil || i.Role == ""
}

// IsStaff reports whether the actor answers quotes (vendor or any admin).
func (i Identity) IsStaff() bool {
	return i.Role == RoleVendor || i.IsAdmin()
}

func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin || i.Role == RoleSuperAdmin
}

type contextKey string

const identityKey contextKey = "identity"

// WithIdentity sets the actor into context (called by middleware)
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext retrieves the actor safely.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	if !ok || id.IsZero() {
		return Identity{}, false
	}
	return id, true
}
