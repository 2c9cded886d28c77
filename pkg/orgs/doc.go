// Package orgs holds the tenant data model and its persistence.
//
// An Organization owns vehicles and carries a subscription plan whose limits
// come from the plan catalog (LimitsFor). Users reach an organization
// through a Membership that grants exactly one role.
//
// # Plans
//
//	Tier      MaxVehicles   MaxMembers
//	free      1             1
//	personal  3             3
//	business  unlimited     6
//
// Unknown tiers resolve to the free limits.
//
// # Storage
//
// Store is implemented by PostgresStore (database/sql with lib/pq) and by
// MemoryStore for development and tests. Both enforce the unique
// (org_id, user_id) membership constraint and report it as
// ErrMembershipExists, which the self-healing flow relies on to converge
// under concurrency.
//
//	db, _ := sql.Open("postgres", dsn)
//	if err := orgs.Migrate(ctx, db, logger); err != nil { ... }
//	store := orgs.NewPostgresStore(db, 3*time.Second)
package orgs
