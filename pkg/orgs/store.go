package orgs

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the persistence interface the engine needs. Implementations return
// ErrNotFound for missing rows, ErrMembershipExists and ErrOrganizationExists
// for unique violations, and wrapped errors for everything else.
type Store interface {
	// Organizations
	GetOrganization(ctx context.Context, orgID uuid.UUID) (*Organization, error)
	CreateOrganization(ctx context.Context, org *Organization) error
	DeleteOrganization(ctx context.Context, orgID uuid.UUID) error
	// UpdateSubscription writes the plan, limits and all subscription fields.
	UpdateSubscription(ctx context.Context, org *Organization) error
	// LockOrganization reads the organization and holds a row lock until the
	// surrounding transaction ends. Outside InTx it behaves like GetOrganization.
	LockOrganization(ctx context.Context, orgID uuid.UUID) (*Organization, error)
	// ListDueDowngrades returns organizations whose pending downgrade takes
	// effect at or before now.
	ListDueDowngrades(ctx context.Context, now time.Time) ([]uuid.UUID, error)

	// Memberships
	GetMembership(ctx context.Context, userID, orgID uuid.UUID) (*Membership, error)
	// ListMemberships returns memberships ordered by created_at, then org id.
	ListMemberships(ctx context.Context, userID uuid.UUID) ([]*Membership, error)
	ListMemberUserIDs(ctx context.Context, orgID uuid.UUID) ([]uuid.UUID, error)
	AddMember(ctx context.Context, m *Membership) error

	// Vehicles
	// FindLegacyVehicleOrg returns the org of the oldest vehicle still
	// attributed to userID through the legacy owner column.
	FindLegacyVehicleOrg(ctx context.Context, userID uuid.UUID) (uuid.UUID, error)
	// GetVehicleOrg returns the owning org of a vehicle.
	GetVehicleOrg(ctx context.Context, vehicleID uuid.UUID) (uuid.UUID, error)
	CountVehicles(ctx context.Context, orgID uuid.UUID) (int, error)
	// CountOrgVehicles counts how many of ids belong to orgID.
	CountOrgVehicles(ctx context.Context, orgID uuid.UUID, ids []uuid.UUID) (int, error)
	// DeleteVehicles deletes the listed vehicles of orgID and returns the
	// number of rows removed.
	DeleteVehicles(ctx context.Context, orgID uuid.UUID, ids []uuid.UUID) (int, error)

	// Profiles
	GetUserProfile(ctx context.Context, userID uuid.UUID) (*UserProfile, error)

	// InTx runs fn against a store bound to a single transaction. The
	// transaction commits when fn returns nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}
