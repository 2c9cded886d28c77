// Package middleware provides HTTP middleware for caller identity, tenant
// resolution and rate limiting.
//
// # Ordering
//
// Tenant resolution reads the identity, and the rate limiter keys on it, so
// the order (outer to inner) is:
//
//	router.Use(identity.Handler)  // 1. X-User-ID -> *auth.Identity, else 401
//	router.Use(limits.Handler)    // 2. per-user limits, 429 when exceeded
//	router.Use(tenant.Handler)    // 3. Resolve, self-heal, *orgs.Membership
//
// # Tenant Resolution
//
// TenantMiddleware reads the active organization cookie as a hint and calls
// membership.Resolver. A user with no membership at all is routed through
// membership.Healer before the request continues:
//
//	tenant := middleware.NewTenantMiddleware(resolver, healer, "odometer_active_org", logger)
//
// Store failures answer 503 and an orphaned organization answers 500. A
// request never reaches the handler without a membership.
//
// # Rate Limiting
//
// Without Redis each instance keeps its own token buckets. With Redis the
// window is shared; when Redis errors the in-process limiter takes over.
//
//	limits := middleware.NewRateLimitMiddleware(&middleware.RateLimitConfig{
//		RequestsPerWindow: 600,
//		WindowDuration:    time.Minute,
//		BurstSize:         30,
//	}, redisClient, logger)
//	limits.Local().StartCleanup(ctx, logger)
package middleware
