// Package auth defines the identity and role vocabulary shared by the
// membership engine.
//
// # Overview
//
// Authentication itself happens upstream (an authenticating proxy or session
// layer). This package only carries the result of that step:
//
//	id := auth.Identity{
//		UserID:        userID,
//		Email:         "alice@example.com",
//		PlatformAdmin: false,
//	}
//	ctx = auth.WithIdentity(ctx, &id)
//
// # Roles
//
// Organization roles are ordered owner > editor > viewer:
//   - owner: full control, including billing and plan changes
//   - editor: may mutate tenant-owned resources
//   - viewer: read-only
//
// PlatformAdmin is an explicit operator capability attached to the identity.
// It is never derived from a hard-coded user id.
package auth
