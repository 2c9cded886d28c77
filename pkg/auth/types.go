package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/platinummonkey/odometer/pkg/contextkeys"
)

// Role represents organization-level roles
type Role string

const (
	RoleOwner  Role = "owner"  // Full control, billing and plan changes
	RoleEditor Role = "editor" // Can mutate tenant-owned resources
	RoleViewer Role = "viewer" // Read-only access
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleEditor, RoleViewer:
		return true
	}
	return false
}

// CanEdit reports whether the role may mutate tenant-owned resources
func (r Role) CanEdit() bool {
	return r == RoleOwner || r == RoleEditor
}

// IsOwner reports whether the role is owner
func (r Role) IsOwner() bool {
	return r == RoleOwner
}

// ParseRole parses a persisted role value
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// Identity is the authenticated caller as resolved by the upstream auth layer
type Identity struct {
	UserID        uuid.UUID `json:"user_id"`
	Email         string    `json:"email,omitempty"`
	DisplayName   string    `json:"display_name,omitempty"`
	PlatformAdmin bool      `json:"platform_admin"`
}

// EmailLocalPart returns the part of the email before the @, or "" when no
// usable email is present.
func (i Identity) EmailLocalPart() string {
	at := strings.IndexByte(i.Email, '@')
	if at <= 0 {
		return ""
	}
	return i.Email[:at]
}

// WithIdentity adds the caller identity to the context
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, contextkeys.IdentityKey, id)
}

// IdentityFromContext retrieves the caller identity, or nil when the request
// is unauthenticated.
func IdentityFromContext(ctx context.Context) *Identity {
	if id, ok := ctx.Value(contextkeys.IdentityKey).(*Identity); ok {
		return id
	}
	return nil
}
