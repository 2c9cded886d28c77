package orgs

import (
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/odometer/pkg/auth"
)

// SubscriptionState is the lifecycle state derived from an organization's
// subscription fields
type SubscriptionState string

const (
	StateActive              SubscriptionState = "active"
	StateCancellationPending SubscriptionState = "cancellation_pending"
	StateDowngradePending    SubscriptionState = "downgrade_pending"
)

// Organization is a tenant
type Organization struct {
	ID                      uuid.UUID  `json:"id"`
	Name                    string     `json:"name"`
	Slug                    *string    `json:"slug,omitempty"`
	SubscriptionPlan        PlanTier   `json:"subscription_plan"`
	MaxVehicles             int        `json:"max_vehicles"`
	MaxMembers              int        `json:"max_members"`
	BillingCustomerRef      *string    `json:"billing_customer_ref,omitempty"`
	SubscriptionEndDate     *time.Time `json:"subscription_end_date,omitempty"`
	CancellationRequestedAt *time.Time `json:"cancellation_requested_at,omitempty"`
	CancellationReason      *string    `json:"cancellation_reason,omitempty"`
	ScheduledDeletionDate   *time.Time `json:"scheduled_deletion_date,omitempty"`
	PendingDowngradeTier    *PlanTier  `json:"pending_downgrade_tier,omitempty"`
	DowngradeEffectiveDate  *time.Time `json:"downgrade_effective_date,omitempty"`
	CreatedAt               time.Time  `json:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at"`
}

// State derives the subscription state. A requested cancellation wins over a
// pending downgrade.
func (o *Organization) State() SubscriptionState {
	switch {
	case o.CancellationRequestedAt != nil:
		return StateCancellationPending
	case o.PendingDowngradeTier != nil:
		return StateDowngradePending
	default:
		return StateActive
	}
}

// ApplyPlan sets the plan and its catalog limits and clears any pending
// downgrade.
func (o *Organization) ApplyPlan(tier PlanTier) {
	limits := LimitsFor(tier)
	o.SubscriptionPlan = tier
	o.MaxVehicles = limits.MaxVehicles
	o.MaxMembers = limits.MaxMembers
	o.PendingDowngradeTier = nil
	o.DowngradeEffectiveDate = nil
}

// Membership is the (user, organization, role) relationship joined with the
// organization fields callers need for entitlement decisions.
type Membership struct {
	OrgID       uuid.UUID `json:"org_id"`
	UserID      uuid.UUID `json:"user_id"`
	Role        auth.Role `json:"role"`
	CreatedAt   time.Time `json:"created_at"`
	OrgName     string    `json:"org_name"`
	Plan        PlanTier  `json:"plan"`
	MaxVehicles int       `json:"max_vehicles"`

	// Synthetic marks the platform-admin membership, which has no backing row.
	Synthetic bool `json:"synthetic,omitempty"`
}

// MembershipSummary is one entry of the organization switcher
type MembershipSummary struct {
	OrgID   uuid.UUID `json:"org_id"`
	Role    auth.Role `json:"role"`
	OrgName string    `json:"org_name"`
	Plan    PlanTier  `json:"plan"`
}

// Summary returns the switcher view of the membership
func (m *Membership) Summary() MembershipSummary {
	return MembershipSummary{
		OrgID:   m.OrgID,
		Role:    m.Role,
		OrgName: m.OrgName,
		Plan:    m.Plan,
	}
}

// Vehicle is the tenant-owned resource. UserID is the legacy owner column
// that predates organizations.
type Vehicle struct {
	ID        uuid.UUID  `json:"id"`
	OrgID     *uuid.UUID `json:"org_id,omitempty"`
	UserID    *uuid.UUID `json:"user_id,omitempty"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"created_at"`
}

// UserProfile holds the profile fields used to name a provisioned organization
type UserProfile struct {
	UserID      uuid.UUID `json:"user_id"`
	DisplayName string    `json:"display_name,omitempty"`
	Email       string    `json:"email,omitempty"`
}
