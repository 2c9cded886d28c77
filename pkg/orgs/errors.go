package orgs

import (
	"errors"
	"fmt"
)

// Sentinel errors for membership and lifecycle operations
var (
	// ErrNotFound means no membership (or row) could be resolved. For the
	// resolver it is the trigger for self-healing, not a user-facing error.
	ErrNotFound = errors.New("not found")

	// ErrForbidden means a role or ownership guard failed
	ErrForbidden = errors.New("forbidden")

	// ErrStoreUnavailable wraps every persistence failure. Callers fail closed.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrIntegrityRisk means a compensating action failed after a partial
	// write and an orphaned record may need manual cleanup.
	ErrIntegrityRisk = errors.New("integrity risk")

	// ErrMembershipExists is returned by Store.AddMember on a (org_id, user_id)
	// unique violation.
	ErrMembershipExists = errors.New("membership already exists")

	// ErrOrganizationExists is returned by Store.CreateOrganization on a
	// primary key collision.
	ErrOrganizationExists = errors.New("organization already exists")

	// ErrInvalidTransition means the subscription is not in a state that
	// allows the requested change.
	ErrInvalidTransition = errors.New("invalid subscription transition")

	// ErrInvalidSelection means the vehicles chosen for deletion do not match
	// the required excess or do not belong to the organization.
	ErrInvalidSelection = errors.New("invalid vehicle selection")
)

// RequiresVehicleSelectionError is returned by a downgrade whose target plan
// cannot hold the current vehicles. The caller must resubmit with exactly
// ExcessVehicles vehicle ids to delete.
type RequiresVehicleSelectionError struct {
	Target         PlanTier
	CurrentCount   int
	Limit          int
	ExcessVehicles int
}

func (e *RequiresVehicleSelectionError) Error() string {
	return fmt.Sprintf("downgrade to %s requires deleting %d vehicle(s)", e.Target, e.ExcessVehicles)
}

// IsRequiresVehicleSelection checks if an error is a vehicle selection error
func IsRequiresVehicleSelection(err error) bool {
	var target *RequiresVehicleSelectionError
	return errors.As(err, &target)
}

// Unavailable wraps a persistence failure so callers can match ErrStoreUnavailable
func Unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}
