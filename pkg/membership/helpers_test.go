package membership

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/odometer/pkg/audit"
	"github.com/platinummonkey/odometer/pkg/auth"
	"github.com/platinummonkey/odometer/pkg/observability"
	"github.com/platinummonkey/odometer/pkg/orgs"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestMetrics() *observability.Metrics {
	return observability.NewMetrics(prometheus.NewRegistry())
}

// newTestStore returns a MemoryStore whose clock advances one second per
// read so membership creation order is deterministic
func newTestStore() *orgs.MemoryStore {
	s := orgs.NewMemoryStore()
	var mu sync.Mutex
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	})
	return s
}

func seedOrg(t *testing.T, s orgs.Store, name string, tier orgs.PlanTier) *orgs.Organization {
	t.Helper()
	org := &orgs.Organization{ID: uuid.New(), Name: name}
	org.ApplyPlan(tier)
	require.NoError(t, s.CreateOrganization(context.Background(), org))
	return org
}

func seedMember(t *testing.T, s orgs.Store, orgID, userID uuid.UUID, role auth.Role) {
	t.Helper()
	require.NoError(t, s.AddMember(context.Background(), &orgs.Membership{OrgID: orgID, UserID: userID, Role: role}))
}

func seedVehicle(s *orgs.MemoryStore, orgID uuid.UUID, legacyOwner *uuid.UUID) uuid.UUID {
	id := uuid.New()
	s.AddVehicle(orgs.Vehicle{ID: id, OrgID: &orgID, UserID: legacyOwner, Name: "van"})
	return id
}

func user() *auth.Identity {
	return &auth.Identity{UserID: uuid.New(), Email: "driver@example.com"}
}

type recordingAudit struct {
	mu     sync.Mutex
	events []*audit.AuditEvent
}

func (r *recordingAudit) Log(ctx context.Context, event *audit.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingAudit) Close() error { return nil }

func (r *recordingAudit) types() []audit.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]audit.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.EventType
	}
	return out
}
