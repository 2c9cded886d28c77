package membership

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/odometer/pkg/auth"
	"github.com/platinummonkey/odometer/pkg/observability"
	"github.com/platinummonkey/odometer/pkg/orgs"
)

// Check names used for denial metrics
const (
	checkCanEdit        = "can_edit"
	checkIsOwner        = "is_owner"
	checkResourceAccess = "resource_access"
	checkMaxVehicles    = "max_vehicles"
)

// ResourceAccess is the result of a resource-level entitlement check. OrgID
// is the resource's owning organization when it could be discovered.
type ResourceAccess struct {
	HasAccess bool      `json:"has_access"`
	CanEdit   bool      `json:"can_edit"`
	IsOwner   bool      `json:"is_owner"`
	OrgID     uuid.UUID `json:"org_id"`
}

// Checker answers authorization questions on top of the Resolver. Every
// lookup failure denies.
type Checker struct {
	resolver *Resolver
	store    orgs.Store
	log      *logrus.Logger
	metrics  *observability.Metrics
}

// NewChecker creates an entitlement checker
func NewChecker(resolver *Resolver, store orgs.Store, log *logrus.Logger, metrics *observability.Metrics) *Checker {
	if log == nil {
		log = logrus.New()
	}
	return &Checker{
		resolver: resolver,
		store:    store,
		log:      log,
		metrics:  metrics,
	}
}

func (c *Checker) deny(ctx context.Context, check string, id *auth.Identity, err error) {
	c.metrics.RecordDenial(check)
	entry := observability.FromContext(ctx, c.log).WithField("check", check)
	if id != nil {
		entry = entry.WithField("user_id", id.UserID)
	}
	if err != nil && !errors.Is(err, orgs.ErrNotFound) {
		entry = entry.WithError(err)
	}
	entry.Debug("Entitlement denied")
}

// CanEdit reports whether the caller may mutate tenant-owned resources
func (c *Checker) CanEdit(ctx context.Context, id *auth.Identity, hint *uuid.UUID) bool {
	m, err := c.resolver.Resolve(ctx, id, hint)
	if err != nil || !m.Role.CanEdit() {
		c.deny(ctx, checkCanEdit, id, err)
		return false
	}
	return true
}

// IsOwner reports whether the caller owns the resolved organization
func (c *Checker) IsOwner(ctx context.Context, id *auth.Identity, hint *uuid.UUID) bool {
	m, err := c.resolver.Resolve(ctx, id, hint)
	if err != nil || !m.Role.IsOwner() {
		c.deny(ctx, checkIsOwner, id, err)
		return false
	}
	return true
}

// ResourceAccess checks that vehicleID belongs to the caller's resolved
// organization
func (c *Checker) ResourceAccess(ctx context.Context, id *auth.Identity, vehicleID uuid.UUID, hint *uuid.UUID) ResourceAccess {
	vehicleOrg, vehicleErr := c.store.GetVehicleOrg(ctx, vehicleID)

	if id != nil && id.PlatformAdmin {
		if vehicleErr != nil {
			c.deny(ctx, checkResourceAccess, id, vehicleErr)
			return ResourceAccess{}
		}
		return ResourceAccess{HasAccess: true, CanEdit: true, IsOwner: true, OrgID: vehicleOrg}
	}

	var denied ResourceAccess
	if vehicleErr == nil {
		denied.OrgID = vehicleOrg
	}

	m, err := c.resolver.Resolve(ctx, id, hint)
	if err != nil {
		c.deny(ctx, checkResourceAccess, id, err)
		return denied
	}
	if vehicleErr != nil {
		c.deny(ctx, checkResourceAccess, id, vehicleErr)
		return denied
	}
	if vehicleOrg != m.OrgID {
		c.deny(ctx, checkResourceAccess, id, nil)
		return denied
	}

	return ResourceAccess{
		HasAccess: true,
		CanEdit:   m.Role.CanEdit(),
		IsOwner:   m.Role.IsOwner(),
		OrgID:     vehicleOrg,
	}
}

// MaxVehicles returns the vehicle limit of the resolved organization, or 0
// when it cannot be determined
func (c *Checker) MaxVehicles(ctx context.Context, id *auth.Identity, hint *uuid.UUID) int {
	m, err := c.resolver.Resolve(ctx, id, hint)
	if err != nil {
		c.deny(ctx, checkMaxVehicles, id, err)
		return 0
	}
	return m.MaxVehicles
}
