// Package contextkeys provides centralized context key definitions
//
// IMPORTANT: All context keys used across the application must be defined here.
// This prevents typos, documents dependencies, and makes key usage discoverable.
//
// USAGE PATTERN:
//
//	import "github.com/platinummonkey/odometer/pkg/contextkeys"
//	ctx = context.WithValue(ctx, contextkeys.IdentityKey, id)
//	id := ctx.Value(contextkeys.IdentityKey).(*auth.Identity)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// IdentityKey contains *auth.Identity
	// Set by: middleware.IdentityMiddleware (pkg/middleware/identity.go)
	// Required by: TenantMiddleware, every tenant-scoped endpoint
	// Type: *auth.Identity
	IdentityKey Key = "identity"

	// MembershipKey contains *orgs.Membership
	// Set by: middleware.TenantMiddleware (pkg/middleware/tenant.go)
	// Required by: Org-scoped endpoints, lifecycle endpoints
	// Type: *orgs.Membership
	MembershipKey Key = "membership"

	// ActiveOrgKey contains the active organization hint read from the session cookie
	// Set by: middleware.TenantMiddleware
	// Used by: Handlers that re-run entitlement checks with the same hint
	// Type: *uuid.UUID
	ActiveOrgKey Key = "active_org"

	// RequestIDKey contains request ID string (UUID)
	// Set by: HTTP middleware, observability layer
	// Used by: Logger, audit trail, distributed tracing
	// Type: string
	RequestIDKey Key = "request_id"
)

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}
