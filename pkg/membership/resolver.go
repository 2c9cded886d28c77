package membership

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/odometer/pkg/auth"
	"github.com/platinummonkey/odometer/pkg/observability"
	"github.com/platinummonkey/odometer/pkg/orgs"
)

// Resolver determines which organization a user is acting within
type Resolver struct {
	store orgs.Store
	log   *logrus.Logger
}

// NewResolver creates a resolver over store
func NewResolver(store orgs.Store, log *logrus.Logger) *Resolver {
	if log == nil {
		log = logrus.New()
	}
	return &Resolver{store: store, log: log}
}

// AdminMembership is the synthetic membership granted to platform admins.
// It is bound to the hinted organization when one is supplied.
func AdminMembership(id *auth.Identity, hint *uuid.UUID) *orgs.Membership {
	m := &orgs.Membership{
		UserID:      id.UserID,
		Role:        auth.RoleOwner,
		OrgName:     "Platform Admin",
		Plan:        orgs.PlanBusiness,
		MaxVehicles: orgs.UnlimitedVehicles,
		Synthetic:   true,
	}
	if hint != nil {
		m.OrgID = *hint
	}
	return m
}

// Resolve returns the caller's membership. A hint that matches a membership
// wins; otherwise the oldest membership is used. It returns orgs.ErrNotFound
// only when the user has no memberships at all, and wraps every store
// failure in orgs.ErrStoreUnavailable.
func (r *Resolver) Resolve(ctx context.Context, id *auth.Identity, hint *uuid.UUID) (m *orgs.Membership, err error) {
	if id == nil {
		return nil, orgs.ErrForbidden
	}
	if id.PlatformAdmin {
		return AdminMembership(id, hint), nil
	}

	ctx, span := observability.StartSpan(ctx, "membership.Resolve",
		attribute.String("user_id", id.UserID.String()))
	defer func() { observability.EndSpan(span, err) }()

	if hint != nil && *hint != uuid.Nil {
		m, err := r.store.GetMembership(ctx, id.UserID, *hint)
		switch {
		case err == nil:
			return m, nil
		case !errors.Is(err, orgs.ErrNotFound):
			return nil, orgs.Unavailable("get membership", err)
		}
		observability.FromContext(ctx, r.log).WithFields(logrus.Fields{
			"user_id": id.UserID,
			"org_id":  *hint,
		}).Debug("Active organization hint is stale, falling back to first membership")
	}

	memberships, err := r.store.ListMemberships(ctx, id.UserID)
	if err != nil {
		return nil, orgs.Unavailable("list memberships", err)
	}
	if len(memberships) == 0 {
		return nil, orgs.ErrNotFound
	}
	return memberships[0], nil
}
