package orgs

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/platinummonkey/odometer/pkg/auth"
)

func TestOrganization_State(t *testing.T) {
	now := time.Now()
	tier := PlanFree

	org := &Organization{}
	assert.Equal(t, StateActive, org.State())

	org.PendingDowngradeTier = &tier
	org.DowngradeEffectiveDate = &now
	assert.Equal(t, StateDowngradePending, org.State())

	org.CancellationRequestedAt = &now
	assert.Equal(t, StateCancellationPending, org.State())
}

func TestOrganization_ApplyPlan(t *testing.T) {
	now := time.Now()
	tier := PlanPersonal
	org := &Organization{
		SubscriptionPlan:       PlanBusiness,
		MaxVehicles:            UnlimitedVehicles,
		MaxMembers:             6,
		PendingDowngradeTier:   &tier,
		DowngradeEffectiveDate: &now,
	}

	org.ApplyPlan(PlanPersonal)

	assert.Equal(t, PlanPersonal, org.SubscriptionPlan)
	assert.Equal(t, 3, org.MaxVehicles)
	assert.Equal(t, 3, org.MaxMembers)
	assert.Nil(t, org.PendingDowngradeTier)
	assert.Nil(t, org.DowngradeEffectiveDate)
	assert.Equal(t, StateActive, org.State())
}

func TestMembership_Summary(t *testing.T) {
	m := &Membership{OrgID: uuid.New(), UserID: uuid.New(), Role: auth.RoleEditor, OrgName: "Fleet", Plan: PlanPersonal, MaxVehicles: 3}

	s := m.Summary()
	assert.Equal(t, MembershipSummary{OrgID: m.OrgID, Role: auth.RoleEditor, OrgName: "Fleet", Plan: PlanPersonal}, s)
}

func TestRequiresVehicleSelectionError(t *testing.T) {
	err := &RequiresVehicleSelectionError{Target: PlanFree, CurrentCount: 6, Limit: 1, ExcessVehicles: 5}
	assert.Equal(t, "downgrade to free requires deleting 5 vehicle(s)", err.Error())

	wrapped := fmt.Errorf("downgrade failed: %w", err)
	assert.True(t, IsRequiresVehicleSelection(wrapped))
	assert.False(t, IsRequiresVehicleSelection(ErrForbidden))
}

func TestUnavailable(t *testing.T) {
	cause := fmt.Errorf("dial tcp: timeout")
	err := Unavailable("get membership", cause)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "get membership")
}
