package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/odometer/pkg/audit"
	"github.com/platinummonkey/odometer/pkg/auth"
	"github.com/platinummonkey/odometer/pkg/membership"
	"github.com/platinummonkey/odometer/pkg/observability"
	"github.com/platinummonkey/odometer/pkg/orgs"
)

// Config configures the lifecycle manager
type Config struct {
	AccountDeletionGraceDays int
	// Now overrides the clock, mainly for tests
	Now func() time.Time
}

// Manager applies subscription transitions to the caller's active
// organization
type Manager struct {
	store     orgs.Store
	resolver  *membership.Resolver
	directory *membership.Directory
	audit     audit.Logger
	log       *logrus.Logger
	metrics   *observability.Metrics
	graceDays int
	now       func() time.Time
}

// NewManager creates a lifecycle manager. directory may be nil when no
// membership cache is in use.
func NewManager(store orgs.Store, resolver *membership.Resolver, directory *membership.Directory,
	auditLog audit.Logger, log *logrus.Logger, metrics *observability.Metrics, cfg Config) *Manager {
	if log == nil {
		log = logrus.New()
	}
	if auditLog == nil {
		auditLog = audit.NoOpLogger{}
	}
	if cfg.AccountDeletionGraceDays <= 0 {
		cfg.AccountDeletionGraceDays = DefaultAccountDeletionGraceDays
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		store:     store,
		resolver:  resolver,
		directory: directory,
		audit:     auditLog,
		log:       log,
		metrics:   metrics,
		graceDays: cfg.AccountDeletionGraceDays,
		now:       cfg.Now,
	}
}

// GraceDays returns the configured account deletion grace period in days
func (m *Manager) GraceDays() int {
	return m.graceDays
}

// Current returns the subscription of the caller's active organization.
// Any member may read it.
func (m *Manager) Current(ctx context.Context, id *auth.Identity, hint *uuid.UUID) (*Subscription, error) {
	mem, err := m.resolver.Resolve(ctx, id, hint)
	if err != nil {
		return nil, err
	}
	if mem.OrgID == uuid.Nil {
		return nil, orgs.ErrNotFound
	}

	org, err := m.store.GetOrganization(ctx, mem.OrgID)
	if errors.Is(err, orgs.ErrNotFound) {
		return nil, orgs.ErrNotFound
	}
	if err != nil {
		return nil, orgs.Unavailable("get organization", err)
	}
	count, err := m.store.CountVehicles(ctx, org.ID)
	if err != nil {
		return nil, orgs.Unavailable("count vehicles", err)
	}
	return NewSubscription(org, count, m.graceDays), nil
}

// Cancel requests cancellation at the end of the billing period. The plan
// and its limits are left unchanged.
func (m *Manager) Cancel(ctx context.Context, id *auth.Identity, hint *uuid.UUID, req CancelRequest) (*Subscription, error) {
	return m.transition(ctx, id, hint, TransitionCancel, audit.EventTypeSubscriptionCancel,
		func(ctx context.Context, tx orgs.Store, org *orgs.Organization) error {
			if org.State() == orgs.StateCancellationPending {
				return fmt.Errorf("%w: cancellation already requested", orgs.ErrInvalidTransition)
			}

			now := m.now().UTC()
			if req.BillingPeriodEnd != nil {
				if req.BillingPeriodEnd.Before(now) {
					return fmt.Errorf("%w: billing period ended at %s", orgs.ErrInvalidTransition,
						req.BillingPeriodEnd.UTC().Format(time.RFC3339))
				}
				paidThrough := req.BillingPeriodEnd.UTC()
				org.SubscriptionEndDate = &paidThrough
			}
			end := notBefore(org.SubscriptionEndDate, now)

			org.CancellationRequestedAt = &now
			org.ScheduledDeletionDate = &end
			org.CancellationReason = nil
			if req.Reason != "" {
				reason := req.Reason
				org.CancellationReason = &reason
			}
			return persist(ctx, tx, org)
		})
}

// Reactivate withdraws a cancellation before the organization becomes
// eligible for purging
func (m *Manager) Reactivate(ctx context.Context, id *auth.Identity, hint *uuid.UUID) (*Subscription, error) {
	return m.transition(ctx, id, hint, TransitionReactivate, audit.EventTypeSubscriptionReactivate,
		func(ctx context.Context, tx orgs.Store, org *orgs.Organization) error {
			if org.State() != orgs.StateCancellationPending {
				return fmt.Errorf("%w: no cancellation to withdraw", orgs.ErrInvalidTransition)
			}
			if at, ok := PurgeEligibleAt(org, m.graceDays); ok && !m.now().Before(at) {
				return fmt.Errorf("%w: grace period ended at %s", orgs.ErrInvalidTransition, at.Format(time.RFC3339))
			}

			org.CancellationRequestedAt = nil
			org.CancellationReason = nil
			org.ScheduledDeletionDate = nil
			return persist(ctx, tx, org)
		})
}

// Downgrade moves the organization to a lower plan immediately. When the
// target plan cannot hold the current vehicles it returns
// *orgs.RequiresVehicleSelectionError unless req names exactly the excess
// vehicles, which are then deleted in the same transaction.
func (m *Manager) Downgrade(ctx context.Context, id *auth.Identity, hint *uuid.UUID, req DowngradeRequest) (*Subscription, error) {
	return m.transition(ctx, id, hint, TransitionDowngrade, audit.EventTypeSubscriptionDowngrade,
		func(ctx context.Context, tx orgs.Store, org *orgs.Organization) error {
			if err := checkLower(org, req.Target); err != nil {
				return err
			}
			return m.applyDowngrade(ctx, tx, org, req.Target, req.VehicleIDsToDelete)
		})
}

// Upgrade moves the organization to a higher plan immediately and drops
// any pending downgrade
func (m *Manager) Upgrade(ctx context.Context, id *auth.Identity, hint *uuid.UUID, target orgs.PlanTier) (*Subscription, error) {
	return m.transition(ctx, id, hint, TransitionUpgrade, audit.EventTypeSubscriptionUpgrade,
		func(ctx context.Context, tx orgs.Store, org *orgs.Organization) error {
			if org.State() == orgs.StateCancellationPending {
				return fmt.Errorf("%w: cancellation pending", orgs.ErrInvalidTransition)
			}
			if !target.Valid() || !orgs.IsLower(org.SubscriptionPlan, target) {
				return fmt.Errorf("%w: %q is not above %q", orgs.ErrInvalidTransition, target, org.SubscriptionPlan)
			}
			org.ApplyPlan(target)
			return persist(ctx, tx, org)
		})
}

// ScheduleDowngrade records a downgrade that takes effect at the end of the
// billing period
func (m *Manager) ScheduleDowngrade(ctx context.Context, id *auth.Identity, hint *uuid.UUID, target orgs.PlanTier) (*Subscription, error) {
	return m.transition(ctx, id, hint, TransitionScheduleDowngrade, audit.EventTypeSubscriptionDowngradeSchedule,
		func(ctx context.Context, tx orgs.Store, org *orgs.Organization) error {
			if err := checkLower(org, target); err != nil {
				return err
			}

			effective := notBefore(org.SubscriptionEndDate, m.now().UTC())
			tier := target
			org.PendingDowngradeTier = &tier
			org.DowngradeEffectiveDate = &effective
			return persist(ctx, tx, org)
		})
}

// ApplyDueDowngrade applies the pending downgrade of orgID if it is due at
// now. It is meant for a scheduler and performs no ownership check. With
// excess vehicles it returns *orgs.RequiresVehicleSelectionError and the
// downgrade stays pending. applied is false when nothing was due.
func (m *Manager) ApplyDueDowngrade(ctx context.Context, orgID uuid.UUID, now time.Time) (applied bool, err error) {
	ctx, span := observability.StartSpan(ctx, "billing.ApplyDueDowngrade",
		attribute.String("org_id", orgID.String()))
	defer func() { observability.EndSpan(span, err) }()

	var before, after map[string]interface{}
	err = m.store.InTx(ctx, func(ctx context.Context, tx orgs.Store) error {
		org, err := lockOrganization(ctx, tx, orgID)
		if err != nil {
			return err
		}
		if org.PendingDowngradeTier == nil || org.DowngradeEffectiveDate == nil ||
			now.Before(*org.DowngradeEffectiveDate) || org.State() == orgs.StateCancellationPending {
			return nil
		}

		before = snapshot(org)
		if err := m.applyDowngrade(ctx, tx, org, *org.PendingDowngradeTier, nil); err != nil {
			return err
		}
		after = snapshot(org)
		applied = true
		return nil
	})
	if err != nil {
		applied = false
		err = classify(err)
	}
	if !applied && err == nil {
		return false, nil
	}

	m.metrics.RecordTransition(TransitionApplyDowngrade, err)
	m.record(ctx, audit.EventTypeSubscriptionDowngrade, uuid.Nil, orgID, before, after, err)
	if err != nil {
		return false, err
	}
	m.invalidateMembers(ctx, orgID)
	return true, nil
}

func checkLower(org *orgs.Organization, target orgs.PlanTier) error {
	if org.State() == orgs.StateCancellationPending {
		return fmt.Errorf("%w: cancellation pending", orgs.ErrInvalidTransition)
	}
	if !target.Valid() || !orgs.IsLower(target, org.SubscriptionPlan) {
		return fmt.Errorf("%w: %q is not below %q", orgs.ErrInvalidTransition, target, org.SubscriptionPlan)
	}
	return nil
}

// applyDowngrade runs inside a transaction holding the organization lock.
// The plan is written before any vehicle is deleted.
func (m *Manager) applyDowngrade(ctx context.Context, tx orgs.Store, org *orgs.Organization, target orgs.PlanTier, ids []uuid.UUID) error {
	count, err := tx.CountVehicles(ctx, org.ID)
	if err != nil {
		return orgs.Unavailable("count vehicles", err)
	}

	limit := orgs.LimitsFor(target).MaxVehicles
	excess := count - limit

	if excess <= 0 {
		if len(ids) > 0 {
			return fmt.Errorf("%w: no vehicles need to be deleted", orgs.ErrInvalidSelection)
		}
		org.ApplyPlan(target)
		return persist(ctx, tx, org)
	}

	if len(ids) == 0 {
		return &orgs.RequiresVehicleSelectionError{
			Target:         target,
			CurrentCount:   count,
			Limit:          limit,
			ExcessVehicles: excess,
		}
	}
	if len(ids) != excess {
		return fmt.Errorf("%w: %d vehicle(s) selected, exactly %d required", orgs.ErrInvalidSelection, len(ids), excess)
	}
	if hasDuplicates(ids) {
		return fmt.Errorf("%w: duplicate vehicle ids", orgs.ErrInvalidSelection)
	}

	owned, err := tx.CountOrgVehicles(ctx, org.ID, ids)
	if err != nil {
		return orgs.Unavailable("count selected vehicles", err)
	}
	if owned != len(ids) {
		return fmt.Errorf("%w: %d selected vehicle(s) do not belong to the organization", orgs.ErrInvalidSelection, len(ids)-owned)
	}

	org.ApplyPlan(target)
	if err := persist(ctx, tx, org); err != nil {
		return err
	}

	deleted, err := tx.DeleteVehicles(ctx, org.ID, ids)
	if err != nil {
		return orgs.Unavailable("delete vehicles", err)
	}
	if deleted != len(ids) {
		return fmt.Errorf("%w: deleted %d of %d vehicles", orgs.ErrStoreUnavailable, deleted, len(ids))
	}

	// Vehicle inserts do not take the organization lock
	remaining, err := tx.CountVehicles(ctx, org.ID)
	if err != nil {
		return orgs.Unavailable("count vehicles", err)
	}
	if remaining > org.MaxVehicles {
		return &orgs.RequiresVehicleSelectionError{
			Target:         target,
			CurrentCount:   remaining + deleted,
			Limit:          limit,
			ExcessVehicles: remaining + deleted - limit,
		}
	}
	return nil
}

func persist(ctx context.Context, tx orgs.Store, org *orgs.Organization) error {
	if err := tx.UpdateSubscription(ctx, org); err != nil {
		return orgs.Unavailable("update subscription", err)
	}
	return nil
}

// mutation changes and persists org. It runs inside a transaction holding
// the organization lock.
type mutation func(ctx context.Context, tx orgs.Store, org *orgs.Organization) error

// transition resolves the caller's organization, requires ownership, and
// applies fn atomically
func (m *Manager) transition(ctx context.Context, id *auth.Identity, hint *uuid.UUID, name string,
	eventType audit.EventType, fn mutation) (sub *Subscription, err error) {
	ctx, span := observability.StartSpan(ctx, "billing."+name, attribute.String("transition", name))
	defer func() { observability.EndSpan(span, err) }()

	var userID, orgID uuid.UUID
	if id != nil {
		userID = id.UserID
	}
	var before, after map[string]interface{}

	defer func() {
		m.metrics.RecordTransition(name, err)
		m.record(ctx, eventType, userID, orgID, before, after, err)
	}()

	mem, err := m.resolver.Resolve(ctx, id, hint)
	if err != nil {
		return nil, err
	}
	orgID = mem.OrgID
	if !mem.Role.IsOwner() {
		observability.FromContext(ctx, m.log).WithFields(logrus.Fields{
			"user_id":    userID,
			"org_id":     orgID,
			"transition": name,
		}).Info("Subscription change denied for non-owner")
		return nil, fmt.Errorf("%w: only the owner may change the subscription", orgs.ErrForbidden)
	}
	if orgID == uuid.Nil {
		return nil, orgs.ErrNotFound
	}
	span.SetAttributes(attribute.String("org_id", orgID.String()))

	var count int
	err = m.store.InTx(ctx, func(ctx context.Context, tx orgs.Store) error {
		org, err := lockOrganization(ctx, tx, orgID)
		if err != nil {
			return err
		}
		before = snapshot(org)

		if err := fn(ctx, tx, org); err != nil {
			return err
		}

		count, err = tx.CountVehicles(ctx, orgID)
		if err != nil {
			return orgs.Unavailable("count vehicles", err)
		}

		after = snapshot(org)
		sub = NewSubscription(org, count, m.graceDays)
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}

	observability.FromContext(ctx, m.log).WithFields(logrus.Fields{
		"user_id":    userID,
		"org_id":     orgID,
		"transition": name,
		"plan":       sub.Plan,
		"state":      sub.State,
	}).Info("Subscription updated")

	m.invalidateMembers(ctx, orgID)
	return sub, nil
}

// classify wraps transaction begin and commit failures, which the store
// returns unclassified
func classify(err error) error {
	switch {
	case errors.Is(err, orgs.ErrStoreUnavailable),
		errors.Is(err, orgs.ErrNotFound),
		errors.Is(err, orgs.ErrForbidden),
		errors.Is(err, orgs.ErrInvalidTransition),
		errors.Is(err, orgs.ErrInvalidSelection),
		orgs.IsRequiresVehicleSelection(err):
		return err
	}
	return orgs.Unavailable("transaction", err)
}

func lockOrganization(ctx context.Context, tx orgs.Store, orgID uuid.UUID) (*orgs.Organization, error) {
	org, err := tx.LockOrganization(ctx, orgID)
	if errors.Is(err, orgs.ErrNotFound) {
		return nil, orgs.ErrNotFound
	}
	if err != nil {
		return nil, orgs.Unavailable("lock organization", err)
	}
	return org, nil
}

// invalidateMembers drops the cached switcher entries of every member, since
// they carry the plan
func (m *Manager) invalidateMembers(ctx context.Context, orgID uuid.UUID) {
	if m.directory == nil {
		return
	}
	userIDs, err := m.store.ListMemberUserIDs(ctx, orgID)
	if err != nil {
		observability.FromContext(ctx, m.log).WithError(err).WithField("org_id", orgID).
			Warn("Failed to list members for cache invalidation")
		return
	}
	m.directory.Invalidate(ctx, userIDs...)
}

func (m *Manager) record(ctx context.Context, eventType audit.EventType, userID, orgID uuid.UUID,
	before, after map[string]interface{}, cause error) {
	status := audit.EventStatusSuccess
	switch {
	case errors.Is(cause, orgs.ErrForbidden):
		status = audit.EventStatusDenied
	case cause != nil:
		status = audit.EventStatusFailure
	}

	event := audit.NewEvent(ctx, eventType, status, userID, orgID)
	event.ResourceType = audit.ResourceTypeSubscription
	if cause != nil {
		event.ErrorMessage = cause.Error()
		var sel *orgs.RequiresVehicleSelectionError
		if errors.As(cause, &sel) {
			event.Metadata["excess_vehicles"] = sel.ExcessVehicles
		}
	}
	if before != nil && after != nil {
		event.Changes = &audit.ChangeDetails{Before: before, After: after}
	}

	if err := m.audit.Log(ctx, event); err != nil {
		observability.FromContext(ctx, m.log).WithError(err).Warn("Failed to write audit event")
	}
}

func snapshot(org *orgs.Organization) map[string]interface{} {
	s := map[string]interface{}{
		"plan":         string(org.SubscriptionPlan),
		"max_vehicles": org.MaxVehicles,
		"max_members":  org.MaxMembers,
		"state":        string(org.State()),
	}
	if org.PendingDowngradeTier != nil {
		s["pending_downgrade_tier"] = string(*org.PendingDowngradeTier)
	}
	if org.ScheduledDeletionDate != nil {
		s["scheduled_deletion_date"] = org.ScheduledDeletionDate.Format(time.RFC3339)
	}
	return s
}

// notBefore returns t, or now when t is unset or already past
func notBefore(t *time.Time, now time.Time) time.Time {
	if t == nil || t.Before(now) {
		return now
	}
	return *t
}

func hasDuplicates(ids []uuid.UUID) bool {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			return true
		}
		seen[id] = struct{}{}
	}
	return false
}
