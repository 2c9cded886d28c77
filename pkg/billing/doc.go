// Package billing drives the subscription lifecycle of an organization.
//
// # States
//
//	active -> cancellation_pending -> deleted (purge job, external)
//	active -> downgrade_pending -> active (lower tier)
//
// Only the owner of the active organization may change its subscription.
// Cancellation is soft: the plan and its limits stay in place until the
// purge job removes the organization AccountDeletionGraceDays after the
// scheduled deletion date, and Reactivate undoes it until then.
//
// # Downgrades
//
// A downgrade whose target plan cannot hold the current vehicles fails with
// *orgs.RequiresVehicleSelectionError. The caller resubmits with exactly
// ExcessVehicles vehicle ids, which are deleted in the same transaction that
// applies the new plan:
//
//	_, err := manager.Downgrade(ctx, identity, hint, billing.DowngradeRequest{Target: orgs.PlanFree})
//	var sel *orgs.RequiresVehicleSelectionError
//	if errors.As(err, &sel) {
//		ids := pickVehicles(sel.ExcessVehicles)
//		_, err = manager.Downgrade(ctx, identity, hint, billing.DowngradeRequest{
//			Target:             orgs.PlanFree,
//			VehicleIDsToDelete: ids,
//		})
//	}
//
// # Related Packages
//
//   - pkg/orgs: plan catalog and persistence
//   - pkg/membership: resolves the organization a request acts on
package billing
