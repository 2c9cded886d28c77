// Package api exposes organization membership and subscription lifecycle
// over HTTP.
//
// # Routes
//
//	GET  /orgs                             memberships for the switcher
//	POST /orgs/switch                      set the active organization cookie
//	GET  /orgs/current                     role and subscription of the active org
//	GET  /orgs/current/entitlements        can_edit, is_owner, max_vehicles
//	GET  /vehicles/{id}/access             resource-level access check
//	POST /orgs/current/cancel              owner only
//	POST /orgs/current/reactivate          owner only
//	POST /orgs/current/downgrade           owner only, 409 when vehicles must go
//	POST /orgs/current/downgrade/schedule  owner only
//	POST /orgs/current/upgrade             owner only
//
// # Errors
//
// Errors are JSON bodies from httputil with a machine-readable code:
//
//	403                             caller is not allowed
//	409 requires_vehicle_selection  details.excess_vehicles ids are needed
//	422 invalid_transition          e.g. cancelling twice
//	400 invalid_selection           wrong number of, duplicate or foreign ids
//	503 store_unavailable           the store failed, nothing was granted
//
// # Usage
//
//	handler := api.NewRouter(api.RouterConfig{
//		Identity: middleware.NewIdentityMiddleware(adminIDs, logger),
//		Tenant:   middleware.NewTenantMiddleware(resolver, healer, cookieName, logger),
//		Orgs:     api.NewOrgHandlers(directory, checker, manager, api.CookieConfig{Name: cookieName}, logger),
//		Billing:  api.NewBillingHandlers(manager, logger),
//		Log:      logger,
//	})
package api
