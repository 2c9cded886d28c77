package membership

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/odometer/pkg/observability"
	"github.com/platinummonkey/odometer/pkg/orgs"
)

// Directory lists the organizations a user can switch between
type Directory struct {
	store   orgs.Store
	cache   Cache
	log     *logrus.Logger
	metrics *observability.Metrics
}

// NewDirectory creates a directory. cache may be nil.
func NewDirectory(store orgs.Store, cache Cache, log *logrus.Logger, metrics *observability.Metrics) *Directory {
	if log == nil {
		log = logrus.New()
	}
	return &Directory{
		store:   store,
		cache:   cache,
		log:     log,
		metrics: metrics,
	}
}

// ListMemberships returns the user's memberships, oldest first. Cache
// failures fall through to the store.
func (d *Directory) ListMemberships(ctx context.Context, userID uuid.UUID) ([]orgs.MembershipSummary, error) {
	log := observability.FromContext(ctx, d.log).WithField("user_id", userID)

	if d.cache != nil {
		summaries, err := d.cache.Get(ctx, userID)
		switch {
		case err == nil:
			d.metrics.RecordCache("hit")
			return summaries, nil
		case errors.Is(err, ErrCacheMiss):
			d.metrics.RecordCache("miss")
		default:
			d.metrics.RecordCache("error")
			log.WithError(err).Warn("Membership cache read failed")
		}
	}

	memberships, err := d.store.ListMemberships(ctx, userID)
	if err != nil {
		return nil, orgs.Unavailable("list memberships", err)
	}

	summaries := make([]orgs.MembershipSummary, 0, len(memberships))
	for _, m := range memberships {
		summaries = append(summaries, m.Summary())
	}

	// An empty list is the self-healing trigger and must not outlive it
	if d.cache != nil && len(summaries) > 0 {
		if err := d.cache.Set(ctx, userID, summaries); err != nil {
			d.metrics.RecordCache("error")
			log.WithError(err).Warn("Membership cache write failed")
		}
	}

	return summaries, nil
}

// ValidateSwitch checks that the user belongs to orgID and returns the
// membership to switch to. It always reads the store.
func (d *Directory) ValidateSwitch(ctx context.Context, userID, orgID uuid.UUID) (*orgs.MembershipSummary, error) {
	m, err := d.store.GetMembership(ctx, userID, orgID)
	if errors.Is(err, orgs.ErrNotFound) {
		return nil, orgs.ErrNotFound
	}
	if err != nil {
		return nil, orgs.Unavailable("get membership", err)
	}
	summary := m.Summary()
	return &summary, nil
}

// Invalidate drops cached memberships of the given users
func (d *Directory) Invalidate(ctx context.Context, userIDs ...uuid.UUID) {
	if d.cache == nil || len(userIDs) == 0 {
		return
	}
	if err := d.cache.Delete(ctx, userIDs...); err != nil {
		d.metrics.RecordCache("error")
		observability.FromContext(ctx, d.log).WithError(err).
			WithField("users", len(userIDs)).Warn("Membership cache invalidation failed")
	}
}
