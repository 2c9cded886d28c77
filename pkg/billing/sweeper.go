package billing

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/odometer/pkg/observability"
	"github.com/platinummonkey/odometer/pkg/orgs"
)

// DefaultSweepSchedule runs the downgrade sweep every 15 minutes
const DefaultSweepSchedule = "*/15 * * * *"

// SweepResult counts the outcome of one sweep
type SweepResult struct {
	Applied int `json:"applied"`
	// Blocked downgrades need the owner to choose vehicles to delete
	Blocked int `json:"blocked"`
	Failed  int `json:"failed"`
}

// Sweeper applies scheduled downgrades once they are due
type Sweeper struct {
	manager *Manager
	store   orgs.Store
	log     *logrus.Logger
	timeout time.Duration
}

// NewSweeper creates a sweeper. timeout bounds a single sweep.
func NewSweeper(manager *Manager, store orgs.Store, log *logrus.Logger, timeout time.Duration) *Sweeper {
	if log == nil {
		log = logrus.New()
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Sweeper{
		manager: manager,
		store:   store,
		log:     log,
		timeout: timeout,
	}
}

// Sweep applies every downgrade due at now. Failures of individual
// organizations are counted and logged, not returned.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	var result SweepResult

	ids, err := s.store.ListDueDowngrades(ctx, now)
	if err != nil {
		return result, orgs.Unavailable("list due downgrades", err)
	}

	for _, orgID := range ids {
		log := s.log.WithField("org_id", orgID)

		applied, err := s.manager.ApplyDueDowngrade(ctx, orgID, now)
		switch {
		case orgs.IsRequiresVehicleSelection(err):
			result.Blocked++
			log.WithError(err).Warn("Scheduled downgrade blocked by excess vehicles")
		case err != nil:
			result.Failed++
			log.WithError(err).Error("Failed to apply scheduled downgrade")
		case applied:
			result.Applied++
			log.Info("Applied scheduled downgrade")
		}
	}

	return result, nil
}

// Schedule registers the sweep on c using a standard five-field cron spec
func (s *Sweeper) Schedule(c *cron.Cron, spec string) (cron.EntryID, error) {
	return c.AddFunc(spec, func() {
		defer observability.RecoverPanic(s.log, "downgrade sweep")

		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		start := time.Now()
		result, err := s.Sweep(ctx, start.UTC())
		if err != nil {
			s.log.WithError(err).Error("Downgrade sweep failed")
			return
		}
		s.log.WithFields(logrus.Fields{
			"applied":  result.Applied,
			"blocked":  result.Blocked,
			"failed":   result.Failed,
			"duration": time.Since(start).String(),
		}).Info("Downgrade sweep completed")
	})
}
