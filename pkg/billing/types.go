package billing

import (
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/odometer/pkg/orgs"
)

// Transition names, used as metric labels
const (
	TransitionCancel            = "cancel"
	TransitionReactivate        = "reactivate"
	TransitionDowngrade         = "downgrade"
	TransitionUpgrade           = "upgrade"
	TransitionScheduleDowngrade = "schedule_downgrade"
	TransitionApplyDowngrade    = "apply_downgrade"
)

// DefaultAccountDeletionGraceDays is how long data is kept after the
// scheduled deletion date before the purge job may remove it
const DefaultAccountDeletionGraceDays = 30

// CancelRequest is the input of Manager.Cancel
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
	// BillingPeriodEnd is supplied by the billing provider. When nil the
	// existing subscription end date is used, else the current time.
	BillingPeriodEnd *time.Time `json:"billing_period_end,omitempty"`
}

// DowngradeRequest is the input of Manager.Downgrade
type DowngradeRequest struct {
	Target orgs.PlanTier `json:"target"`
	// VehicleIDsToDelete must hold exactly the excess vehicle count when the
	// target plan cannot hold the current vehicles, and be empty otherwise.
	VehicleIDsToDelete []uuid.UUID `json:"vehicle_ids_to_delete,omitempty"`
}

// Subscription is the subscription view of an organization
type Subscription struct {
	OrgID                   uuid.UUID              `json:"org_id"`
	OrgName                 string                 `json:"org_name"`
	Plan                    orgs.PlanTier          `json:"plan"`
	State                   orgs.SubscriptionState `json:"state"`
	MaxVehicles             int                    `json:"max_vehicles"`
	MaxMembers              int                    `json:"max_members"`
	VehicleCount            int                    `json:"vehicle_count"`
	SubscriptionEndDate     *time.Time             `json:"subscription_end_date,omitempty"`
	CancellationRequestedAt *time.Time             `json:"cancellation_requested_at,omitempty"`
	CancellationReason      *string                `json:"cancellation_reason,omitempty"`
	ScheduledDeletionDate   *time.Time             `json:"scheduled_deletion_date,omitempty"`
	PurgeEligibleAt         *time.Time             `json:"purge_eligible_at,omitempty"`
	PendingDowngradeTier    *orgs.PlanTier         `json:"pending_downgrade_tier,omitempty"`
	DowngradeEffectiveDate  *time.Time             `json:"downgrade_effective_date,omitempty"`
}

// PurgeEligibleAt returns when the external purge job may hard-delete a
// cancelled organization. ok is false when no deletion is scheduled.
func PurgeEligibleAt(org *orgs.Organization, graceDays int) (at time.Time, ok bool) {
	if org.ScheduledDeletionDate == nil {
		return time.Time{}, false
	}
	return org.ScheduledDeletionDate.AddDate(0, 0, graceDays), true
}

// NewSubscription builds the subscription view of org
func NewSubscription(org *orgs.Organization, vehicleCount, graceDays int) *Subscription {
	sub := &Subscription{
		OrgID:                   org.ID,
		OrgName:                 org.Name,
		Plan:                    org.SubscriptionPlan,
		State:                   org.State(),
		MaxVehicles:             org.MaxVehicles,
		MaxMembers:              org.MaxMembers,
		VehicleCount:            vehicleCount,
		SubscriptionEndDate:     org.SubscriptionEndDate,
		CancellationRequestedAt: org.CancellationRequestedAt,
		CancellationReason:      org.CancellationReason,
		ScheduledDeletionDate:   org.ScheduledDeletionDate,
		PendingDowngradeTier:    org.PendingDowngradeTier,
		DowngradeEffectiveDate:  org.DowngradeEffectiveDate,
	}
	if at, ok := PurgeEligibleAt(org, graceDays); ok {
		sub.PurgeEligibleAt = &at
	}
	return sub
}
