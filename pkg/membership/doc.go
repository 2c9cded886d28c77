// Package membership resolves which organization a user acts within and
// answers entitlement questions against it.
//
// The Resolver picks the active membership from an optional hint. The
// Checker builds fail-closed authorization checks on top of it. The Healer
// repairs users without any membership, either by reconnecting them to the
// organization that owns their legacy vehicles or by provisioning a new one:
//
//	m, err := resolver.Resolve(ctx, identity, hint)
//	if errors.Is(err, orgs.ErrNotFound) {
//		m, err = healer.EnsureUserHasOrg(ctx, identity)
//	}
//
// The Directory lists memberships for the organization switcher and caches
// them in an LRUCache or RedisCache.
package membership
