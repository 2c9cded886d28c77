package orgs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimitsFor(t *testing.T) {
	tests := []struct {
		tier PlanTier
		want PlanLimits
	}{
		{PlanFree, PlanLimits{MaxVehicles: 1, MaxMembers: 1}},
		{PlanPersonal, PlanLimits{MaxVehicles: 3, MaxMembers: 3}},
		{PlanBusiness, PlanLimits{MaxVehicles: UnlimitedVehicles, MaxMembers: 6}},
		{PlanTier("enterprise"), PlanLimits{MaxVehicles: 1, MaxMembers: 1}},
		{PlanTier(""), PlanLimits{MaxVehicles: 1, MaxMembers: 1}},
	}

	for _, tt := range tests {
		t.Run(string(tt.tier), func(t *testing.T) {
			assert.Equal(t, tt.want, LimitsFor(tt.tier))
		})
	}
}

func TestIsLower(t *testing.T) {
	assert.True(t, IsLower(PlanFree, PlanPersonal))
	assert.True(t, IsLower(PlanFree, PlanBusiness))
	assert.True(t, IsLower(PlanPersonal, PlanBusiness))
	assert.False(t, IsLower(PlanBusiness, PlanFree))
	assert.False(t, IsLower(PlanPersonal, PlanPersonal))
	assert.False(t, IsLower(PlanTier("gold"), PlanBusiness))
}

func TestParsePlanTier(t *testing.T) {
	tier, err := ParsePlanTier(" Business ")
	require.NoError(t, err)
	assert.Equal(t, PlanBusiness, tier)

	_, err = ParsePlanTier("platinum")
	assert.Error(t, err)
}
