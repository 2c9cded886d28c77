package membership

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/odometer/pkg/audit"
	"github.com/platinummonkey/odometer/pkg/auth"
	"github.com/platinummonkey/odometer/pkg/observability"
	"github.com/platinummonkey/odometer/pkg/orgs"
)

// Self-healing outcomes, used as metric labels
const (
	OutcomeExisting      = "existing"
	OutcomeReconnected   = "reconnected"
	OutcomeProvisioned   = "provisioned"
	OutcomeConverged     = "converged"
	OutcomeFailed        = "failed"
	OutcomeIntegrityRisk = "integrity_risk"
)

// DefaultOrganizationName is used when neither a display name nor an email
// is known
const DefaultOrganizationName = "My Organization"

// provisionNamespace derives the id of a user's self-provisioned
// organization, so concurrent provisioners collide on the primary key
var provisionNamespace = uuid.MustParse("5b1f3c0e-8a57-4d3e-9c6b-0d2f7e4a9b11")

// HealerConfig tunes convergence with concurrent provisioners in other
// processes
type HealerConfig struct {
	// ConvergeAttempts bounds the re-reads after a provisioning collision
	ConvergeAttempts int
	// ConvergeDelay is the pause between re-reads
	ConvergeDelay time.Duration
	// Timeout bounds a shared healing run, which outlives the request that
	// started it
	Timeout time.Duration
}

// DefaultHealerConfig returns the default convergence settings
func DefaultHealerConfig() HealerConfig {
	return HealerConfig{
		ConvergeAttempts: 5,
		ConvergeDelay:    50 * time.Millisecond,
		Timeout:          10 * time.Second,
	}
}

// Healer repairs users that have no membership by reconnecting them to the
// organization owning their legacy vehicles, or by provisioning a new one
type Healer struct {
	store   orgs.Store
	audit   audit.Logger
	log     *logrus.Logger
	metrics *observability.Metrics
	config  HealerConfig
	group   singleflight.Group
}

// NewHealer creates a self-healing service
func NewHealer(store orgs.Store, auditLog audit.Logger, log *logrus.Logger, metrics *observability.Metrics, config HealerConfig) *Healer {
	if log == nil {
		log = logrus.New()
	}
	if auditLog == nil {
		auditLog = audit.NoOpLogger{}
	}
	if config.ConvergeAttempts < 1 {
		config.ConvergeAttempts = 1
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultHealerConfig().Timeout
	}
	return &Healer{
		store:   store,
		audit:   auditLog,
		log:     log,
		metrics: metrics,
		config:  config,
	}
}

// SelfProvisionedOrgID returns the id used for the organization provisioned
// for userID
func SelfProvisionedOrgID(userID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(provisionNamespace, userID[:])
}

// EnsureUserHasOrg guarantees the user has at least one membership and
// returns it. Concurrent calls for the same user within this process share
// one execution, detached from any single caller's cancellation. Failures
// are never retried.
func (h *Healer) EnsureUserHasOrg(ctx context.Context, id *auth.Identity) (*orgs.Membership, error) {
	if id == nil || id.UserID == uuid.Nil {
		return nil, orgs.ErrForbidden
	}

	ch := h.group.DoChan(id.UserID.String(), func() (interface{}, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.config.Timeout)
		defer cancel()
		return h.ensure(shared, id)
	})

	select {
	case <-ctx.Done():
		return nil, orgs.Unavailable("ensure organization", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		m := *res.Val.(*orgs.Membership)
		return &m, nil
	}
}

func (h *Healer) ensure(ctx context.Context, id *auth.Identity) (m *orgs.Membership, err error) {
	ctx, span := observability.StartSpan(ctx, "membership.EnsureUserHasOrg",
		attribute.String("user_id", id.UserID.String()))
	defer func() { observability.EndSpan(span, err) }()

	log := observability.FromContext(ctx, h.log).WithField("user_id", id.UserID)

	// A previous call may have healed the user already.
	existing, err := h.firstMembership(ctx, id.UserID)
	if err != nil {
		h.metrics.RecordSelfHeal(OutcomeFailed)
		return nil, err
	}
	if existing != nil {
		h.metrics.RecordSelfHeal(OutcomeExisting)
		return existing, nil
	}

	m, err = h.reconnect(ctx, id, log)
	if err != nil {
		h.metrics.RecordSelfHeal(OutcomeFailed)
		return nil, err
	}
	if m != nil {
		h.metrics.RecordSelfHeal(OutcomeReconnected)
		return m, nil
	}

	m, outcome, err := h.provision(ctx, id, log)
	if err != nil {
		if errors.Is(err, orgs.ErrIntegrityRisk) {
			h.metrics.RecordSelfHeal(OutcomeIntegrityRisk)
		} else {
			h.metrics.RecordSelfHeal(OutcomeFailed)
		}
		return nil, err
	}
	h.metrics.RecordSelfHeal(outcome)
	return m, nil
}

func (h *Healer) firstMembership(ctx context.Context, userID uuid.UUID) (*orgs.Membership, error) {
	memberships, err := h.store.ListMemberships(ctx, userID)
	if err != nil {
		return nil, orgs.Unavailable("list memberships", err)
	}
	if len(memberships) == 0 {
		return nil, nil
	}
	return memberships[0], nil
}

// reconnect attaches the user as owner of the organization that owns their
// oldest legacy vehicle. It returns nil, nil when there is no such vehicle.
func (h *Healer) reconnect(ctx context.Context, id *auth.Identity, log *logrus.Entry) (*orgs.Membership, error) {
	orgID, err := h.store.FindLegacyVehicleOrg(ctx, id.UserID)
	if errors.Is(err, orgs.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, orgs.Unavailable("find legacy vehicle", err)
	}

	log = log.WithField("org_id", orgID)

	err = h.store.AddMember(ctx, &orgs.Membership{OrgID: orgID, UserID: id.UserID, Role: auth.RoleOwner})
	if err != nil && !errors.Is(err, orgs.ErrMembershipExists) {
		return nil, orgs.Unavailable("add member", err)
	}
	raced := err != nil

	m, err := h.store.GetMembership(ctx, id.UserID, orgID)
	if err != nil {
		return nil, orgs.Unavailable("get membership", err)
	}

	if raced {
		log.Info("Membership created concurrently, using existing row")
		return m, nil
	}

	log.Info("Reconnected user to legacy organization")
	h.record(ctx, audit.EventTypeSelfHealReconnect, audit.EventStatusSuccess, id.UserID, orgID,
		"owner membership restored from legacy vehicle ownership", nil)
	return m, nil
}

// provision creates a new organization and its owner membership. The
// organization is deleted again if the membership cannot be written.
func (h *Healer) provision(ctx context.Context, id *auth.Identity, log *logrus.Entry) (*orgs.Membership, string, error) {
	name, err := h.organizationName(ctx, id)
	if err != nil {
		return nil, "", err
	}

	tier := orgs.PlanFree
	if id.PlatformAdmin {
		tier = orgs.PlanBusiness
	}

	org := &orgs.Organization{ID: SelfProvisionedOrgID(id.UserID), Name: name}
	org.ApplyPlan(tier)

	err = h.store.CreateOrganization(ctx, org)
	if errors.Is(err, orgs.ErrOrganizationExists) {
		m, convergeErr := h.converge(ctx, id.UserID, org.ID)
		if convergeErr != nil || m != nil {
			return m, OutcomeConverged, convergeErr
		}

		members, listErr := h.store.ListMemberUserIDs(ctx, org.ID)
		if listErr != nil {
			return nil, "", orgs.Unavailable("list members", listErr)
		}
		// Without members it is still being provisioned elsewhere, or an
		// orphan awaiting cleanup. Either way the caller may retry.
		if len(members) == 0 {
			log.WithField("org_id", org.ID).Warn("Self-provisioned organization has no members yet")
			return nil, "", orgs.Unavailable("await membership",
				fmt.Errorf("organization %s has no members yet", org.ID))
		}
		log.WithField("org_id", org.ID).Warn("Self-provisioned organization exists without this user, provisioning a new one")
		org.ID = uuid.New()
		err = h.store.CreateOrganization(ctx, org)
	}
	if err != nil {
		return nil, "", orgs.Unavailable("create organization", err)
	}

	log = log.WithField("org_id", org.ID)

	addErr := h.store.AddMember(ctx, &orgs.Membership{OrgID: org.ID, UserID: id.UserID, Role: auth.RoleOwner})
	if addErr != nil {
		if delErr := h.store.DeleteOrganization(ctx, org.ID); delErr != nil && !errors.Is(delErr, orgs.ErrNotFound) {
			log.WithFields(logrus.Fields{
				"add_member_error": addErr.Error(),
				"delete_error":     delErr.Error(),
			}).Error("Orphaned organization after failed self-provisioning, manual cleanup required")
			h.record(ctx, audit.EventTypeSelfHealIntegrityRisk, audit.EventStatusFailure, id.UserID, org.ID,
				"compensating organization delete failed", delErr)
			return nil, "", fmt.Errorf("%w: organization %s has no members: %w", orgs.ErrIntegrityRisk, org.ID, delErr)
		}

		if errors.Is(addErr, orgs.ErrMembershipExists) {
			m, err := h.firstMembership(ctx, id.UserID)
			if err == nil && m != nil {
				return m, OutcomeConverged, nil
			}
		}
		return nil, "", orgs.Unavailable("add member", addErr)
	}

	m, err := h.store.GetMembership(ctx, id.UserID, org.ID)
	if err != nil {
		return nil, "", orgs.Unavailable("get membership", err)
	}

	log.WithField("plan", tier).Info("Provisioned organization for user")
	h.record(ctx, audit.EventTypeSelfHealProvision, audit.EventStatusSuccess, id.UserID, org.ID,
		"organization provisioned", nil)
	return m, OutcomeProvisioned, nil
}

// converge waits for a concurrent provisioner of orgID to link the user.
// It returns nil, nil when no membership shows up.
func (h *Healer) converge(ctx context.Context, userID, orgID uuid.UUID) (*orgs.Membership, error) {
	for attempt := 0; attempt < h.config.ConvergeAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, orgs.Unavailable("await membership", ctx.Err())
			case <-time.After(h.config.ConvergeDelay):
			}
		}

		m, err := h.store.GetMembership(ctx, userID, orgID)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, orgs.ErrNotFound) {
			return nil, orgs.Unavailable("get membership", err)
		}
	}
	return nil, nil
}

// organizationName derives "<name>'s Organization" from the profile display
// name, then the email local part
func (h *Healer) organizationName(ctx context.Context, id *auth.Identity) (string, error) {
	var displayName, email string

	profile, err := h.store.GetUserProfile(ctx, id.UserID)
	switch {
	case err == nil:
		displayName, email = profile.DisplayName, profile.Email
	case !errors.Is(err, orgs.ErrNotFound):
		return "", orgs.Unavailable("get profile", err)
	}

	if displayName == "" {
		displayName = id.DisplayName
	}
	if email == "" {
		email = id.Email
	}

	name := strings.TrimSpace(displayName)
	if name == "" {
		name = auth.Identity{Email: email}.EmailLocalPart()
	}
	if name == "" {
		return DefaultOrganizationName, nil
	}
	return name + "'s Organization", nil
}

func (h *Healer) record(ctx context.Context, eventType audit.EventType, status audit.EventStatus, userID, orgID uuid.UUID, message string, cause error) {
	event := audit.NewEvent(ctx, eventType, status, userID, orgID)
	event.Message = message
	if cause != nil {
		event.ErrorMessage = cause.Error()
	}
	if err := h.audit.Log(ctx, event); err != nil {
		observability.FromContext(ctx, h.log).WithError(err).Warn("Failed to write audit event")
	}
}
