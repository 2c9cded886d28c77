package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/odometer/pkg/audit"
	"github.com/platinummonkey/odometer/pkg/auth"
	"github.com/platinummonkey/odometer/pkg/billing"
	"github.com/platinummonkey/odometer/pkg/httputil"
	"github.com/platinummonkey/odometer/pkg/membership"
	"github.com/platinummonkey/odometer/pkg/middleware"
	"github.com/platinummonkey/odometer/pkg/observability"
	"github.com/platinummonkey/odometer/pkg/orgs"
)

const testCookie = "odometer_active_org"

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type testServer struct {
	store   *orgs.MemoryStore
	handler http.Handler
	admin   uuid.UUID
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := orgs.NewMemoryStore()
	log := quietLogger()
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	resolver := membership.NewResolver(store, log)
	directory := membership.NewDirectory(store, membership.NewLRUCache(100, time.Minute), log, metrics)
	healer := membership.NewHealer(store, audit.NoOpLogger{}, log, metrics, membership.DefaultHealerConfig())
	checker := membership.NewChecker(resolver, store, log, metrics)
	manager := billing.NewManager(store, resolver, directory, audit.NoOpLogger{}, log, metrics, billing.Config{})

	admin := uuid.New()
	handler := NewRouter(RouterConfig{
		Identity:     middleware.NewIdentityMiddleware([]uuid.UUID{admin}, log),
		Tenant:       middleware.NewTenantMiddleware(resolver, healer, testCookie, log),
		Orgs:         NewOrgHandlers(directory, checker, manager, CookieConfig{Name: testCookie}, log),
		Billing:      NewBillingHandlers(manager, log),
		Health:       observability.NewHealthChecker(nil, nil, "test"),
		Metrics:      metrics,
		Registry:     registry,
		MaxBodyBytes: 1 << 16,
		Log:          log,
	})

	return &testServer{store: store, handler: handler, admin: admin}
}

// seedOrg creates an organization on tier with userID as a member
func (s *testServer) seedOrg(t *testing.T, tier orgs.PlanTier, userID uuid.UUID, role auth.Role) *orgs.Organization {
	t.Helper()
	ctx := context.Background()
	org := &orgs.Organization{ID: uuid.New(), Name: "Fleet " + string(tier)}
	org.ApplyPlan(tier)
	require.NoError(t, s.store.CreateOrganization(ctx, org))
	require.NoError(t, s.store.AddMember(ctx, &orgs.Membership{OrgID: org.ID, UserID: userID, Role: role}))
	return org
}

func (s *testServer) join(t *testing.T, orgID, userID uuid.UUID, role auth.Role) {
	t.Helper()
	require.NoError(t, s.store.AddMember(context.Background(), &orgs.Membership{OrgID: orgID, UserID: userID, Role: role}))
}

func (s *testServer) addVehicles(orgID uuid.UUID, n int) []uuid.UUID {
	ids := make([]uuid.UUID, n)
	for i := range ids {
		ids[i] = uuid.New()
		s.store.AddVehicle(orgs.Vehicle{ID: ids[i], OrgID: &orgID, Name: "truck"})
	}
	return ids
}

type request struct {
	method string
	path   string
	user   uuid.UUID
	name   string
	body   interface{}
	org    *uuid.UUID
}

func (s *testServer) do(t *testing.T, req request) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if req.body != nil {
		raw, err := json.Marshal(req.body)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}

	r := httptest.NewRequest(req.method, req.path, body)
	if req.user != uuid.Nil {
		r.Header.Set(middleware.UserIDHeader, req.user.String())
	}
	if req.name != "" {
		r.Header.Set(middleware.UserNameHeader, req.name)
	}
	if req.org != nil {
		r.AddCookie(&http.Cookie{Name: testCookie, Value: req.org.String()})
	}

	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, r)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dest), rec.Body.String())
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) httputil.ErrorResponse {
	t.Helper()
	var resp httputil.ErrorResponse
	decode(t, rec, &resp)
	return resp
}
