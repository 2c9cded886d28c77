package orgs

import (
	"fmt"
	"strings"
)

// PlanTier represents subscription plan tiers
type PlanTier string

const (
	PlanFree     PlanTier = "free"
	PlanPersonal PlanTier = "personal"
	PlanBusiness PlanTier = "business"
)

// UnlimitedVehicles is the vehicle limit used where a plan bills per vehicle
// instead of capping them.
const UnlimitedVehicles = 999999

// PlanLimits holds the resource limits of a plan tier
type PlanLimits struct {
	MaxVehicles int `json:"max_vehicles"`
	MaxMembers  int `json:"max_members"`
}

var planCatalog = map[PlanTier]PlanLimits{
	PlanFree:     {MaxVehicles: 1, MaxMembers: 1},
	PlanPersonal: {MaxVehicles: 3, MaxMembers: 3},
	PlanBusiness: {MaxVehicles: UnlimitedVehicles, MaxMembers: 6},
}

var planRank = map[PlanTier]int{
	PlanFree:     0,
	PlanPersonal: 1,
	PlanBusiness: 2,
}

// LimitsFor returns the limits for a plan tier. Unknown tiers get the free
// tier limits.
func LimitsFor(tier PlanTier) PlanLimits {
	if l, ok := planCatalog[tier]; ok {
		return l
	}
	return planCatalog[PlanFree]
}

// Valid reports whether the tier is part of the catalog
func (t PlanTier) Valid() bool {
	_, ok := planCatalog[t]
	return ok
}

// Rank orders tiers from cheapest to most expensive. Unknown tiers rank -1.
func Rank(tier PlanTier) int {
	if r, ok := planRank[tier]; ok {
		return r
	}
	return -1
}

// IsLower reports whether a is strictly below b
func IsLower(a, b PlanTier) bool {
	return a.Valid() && b.Valid() && Rank(a) < Rank(b)
}

// ParsePlanTier parses a persisted or user-supplied tier
func ParsePlanTier(s string) (PlanTier, error) {
	t := PlanTier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown plan tier %q", s)
	}
	return t, nil
}
