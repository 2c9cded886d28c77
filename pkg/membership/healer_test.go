package membership

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/odometer/pkg/audit"
	"github.com/platinummonkey/odometer/pkg/auth"
	"github.com/platinummonkey/odometer/pkg/observability"
	"github.com/platinummonkey/odometer/pkg/orgs"
)

func newTestHealer(store orgs.Store) (*Healer, *recordingAudit, *observability.Metrics) {
	rec := &recordingAudit{}
	metrics := newTestMetrics()
	healer := NewHealer(store, rec, quietLogger(), metrics, HealerConfig{
		ConvergeAttempts: 20,
		ConvergeDelay:    10 * time.Millisecond,
	})
	return healer, rec, metrics
}

func selfHeals(metrics *observability.Metrics, outcome string) float64 {
	return testutil.ToFloat64(metrics.SelfHealTotal.WithLabelValues(outcome))
}

func TestHealer_ReconnectsLegacyVehicleOwner(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	healer, rec, metrics := newTestHealer(store)

	id := user()
	orgA := seedOrg(t, store, "Legacy Fleet", orgs.PlanPersonal)
	seedVehicle(store, orgA.ID, &id.UserID)

	m, err := healer.EnsureUserHasOrg(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, orgA.ID, m.OrgID)
	assert.Equal(t, auth.RoleOwner, m.Role)
	assert.Equal(t, "Legacy Fleet", m.OrgName)
	assert.Equal(t, orgs.PlanPersonal, m.Plan)

	assert.Equal(t, 1, store.OrganizationCount())
	assert.Equal(t, []audit.EventType{audit.EventTypeSelfHealReconnect}, rec.types())
	assert.Equal(t, float64(1), selfHeals(metrics, OutcomeReconnected))

	resolved, err := NewResolver(store, quietLogger()).Resolve(ctx, id, nil)
	require.NoError(t, err)
	assert.Equal(t, orgA.ID, resolved.OrgID)
}

func TestHealer_ReconnectUsesOldestLegacyVehicle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	healer, _, _ := newTestHealer(store)

	id := user()
	older := seedOrg(t, store, "Older", orgs.PlanFree)
	newer := seedOrg(t, store, "Newer", orgs.PlanFree)
	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	store.AddVehicle(orgs.Vehicle{OrgID: &newer.ID, UserID: &id.UserID, CreatedAt: base.Add(time.Hour)})
	store.AddVehicle(orgs.Vehicle{OrgID: &older.ID, UserID: &id.UserID, CreatedAt: base})

	m, err := healer.EnsureUserHasOrg(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, older.ID, m.OrgID)
}

func TestHealer_ProvisionsOrganization(t *testing.T) {
	tests := []struct {
		name     string
		identity *auth.Identity
		profile  *orgs.UserProfile
		wantName string
		wantPlan orgs.PlanTier
	}{
		{
			name:     "profile display name",
			identity: &auth.Identity{UserID: uuid.New(), Email: "ann@example.com"},
			profile:  &orgs.UserProfile{DisplayName: "Ann Smith"},
			wantName: "Ann Smith's Organization",
			wantPlan: orgs.PlanFree,
		},
		{
			name:     "identity display name",
			identity: &auth.Identity{UserID: uuid.New(), DisplayName: "Bob"},
			wantName: "Bob's Organization",
			wantPlan: orgs.PlanFree,
		},
		{
			name:     "email local part",
			identity: &auth.Identity{UserID: uuid.New(), Email: "carol@example.com"},
			wantName: "carol's Organization",
			wantPlan: orgs.PlanFree,
		},
		{
			name:     "profile email",
			identity: &auth.Identity{UserID: uuid.New()},
			profile:  &orgs.UserProfile{Email: "dave@example.com"},
			wantName: "dave's Organization",
			wantPlan: orgs.PlanFree,
		},
		{
			name:     "no name",
			identity: &auth.Identity{UserID: uuid.New()},
			wantName: DefaultOrganizationName,
			wantPlan: orgs.PlanFree,
		},
		{
			name:     "platform admin gets business",
			identity: &auth.Identity{UserID: uuid.New(), DisplayName: "Root", PlatformAdmin: true},
			wantName: "Root's Organization",
			wantPlan: orgs.PlanBusiness,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := newTestStore()
			healer, rec, metrics := newTestHealer(store)
			if tt.profile != nil {
				tt.profile.UserID = tt.identity.UserID
				store.AddProfile(*tt.profile)
			}

			m, err := healer.EnsureUserHasOrg(ctx, tt.identity)
			require.NoError(t, err)
			assert.Equal(t, SelfProvisionedOrgID(tt.identity.UserID), m.OrgID)
			assert.Equal(t, auth.RoleOwner, m.Role)
			assert.Equal(t, tt.wantName, m.OrgName)
			assert.Equal(t, tt.wantPlan, m.Plan)
			assert.Equal(t, orgs.LimitsFor(tt.wantPlan).MaxVehicles, m.MaxVehicles)

			org, err := store.GetOrganization(ctx, m.OrgID)
			require.NoError(t, err)
			assert.Equal(t, orgs.LimitsFor(tt.wantPlan).MaxMembers, org.MaxMembers)

			assert.Equal(t, []audit.EventType{audit.EventTypeSelfHealProvision}, rec.types())
			assert.Equal(t, float64(1), selfHeals(metrics, OutcomeProvisioned))
		})
	}
}

func TestHealer_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	healer, rec, metrics := newTestHealer(store)
	id := user()

	first, err := healer.EnsureUserHasOrg(ctx, id)
	require.NoError(t, err)
	second, err := healer.EnsureUserHasOrg(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, first.OrgID, second.OrgID)
	assert.Equal(t, 1, store.OrganizationCount())
	assert.Len(t, rec.types(), 1)
	assert.Equal(t, float64(1), selfHeals(metrics, OutcomeExisting))
}

func TestHealer_ConcurrentCallsConverge(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	id := user()

	// Two healers stand in for two server processes
	healers := []*Healer{}
	for i := 0; i < 2; i++ {
		h, _, _ := newTestHealer(store)
		healers = append(healers, h)
	}

	const calls = 20
	results := make([]*orgs.Membership, calls)
	errs := make([]error, calls)

	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = healers[i%2].EnsureUserHasOrg(ctx, id)
		}(i)
	}
	wg.Wait()

	for i := 0; i < calls; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].OrgID, results[i].OrgID)
	}
	assert.Equal(t, 1, store.OrganizationCount())

	memberships, err := store.ListMemberships(ctx, id.UserID)
	require.NoError(t, err)
	assert.Len(t, memberships, 1)
}

func TestHealer_ConvergesOnConcurrentProvisioner(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	healer, _, metrics := newTestHealer(store)
	id := user()

	// Another process already created the organization and links the owner
	// shortly after.
	org := &orgs.Organization{ID: SelfProvisionedOrgID(id.UserID), Name: "Elsewhere"}
	org.ApplyPlan(orgs.PlanFree)
	require.NoError(t, store.CreateOrganization(ctx, org))

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = store.AddMember(ctx, &orgs.Membership{OrgID: org.ID, UserID: id.UserID, Role: auth.RoleOwner})
	}()

	m, err := healer.EnsureUserHasOrg(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, org.ID, m.OrgID)
	assert.Equal(t, 1, store.OrganizationCount())
	assert.Equal(t, float64(1), selfHeals(metrics, OutcomeConverged))
}

func TestHealer_ProvisionedOrgWithoutUser(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	healer, _, _ := newTestHealer(store)
	id := user()

	leftOrg := &orgs.Organization{ID: SelfProvisionedOrgID(id.UserID), Name: "Left behind"}
	leftOrg.ApplyPlan(orgs.PlanFree)
	require.NoError(t, store.CreateOrganization(ctx, leftOrg))
	seedMember(t, store, leftOrg.ID, uuid.New(), auth.RoleOwner)

	m, err := healer.EnsureUserHasOrg(ctx, id)
	require.NoError(t, err)
	assert.NotEqual(t, leftOrg.ID, m.OrgID)
	assert.Equal(t, auth.RoleOwner, m.Role)
	assert.Equal(t, 2, store.OrganizationCount())
}

func TestHealer_MemberlessProvisionedOrgIsRetryable(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	healer, _, metrics := newTestHealer(store)
	id := user()

	pending := &orgs.Organization{ID: SelfProvisionedOrgID(id.UserID), Name: "Half written"}
	pending.ApplyPlan(orgs.PlanFree)
	require.NoError(t, store.CreateOrganization(ctx, pending))

	_, err := healer.EnsureUserHasOrg(ctx, id)
	assert.ErrorIs(t, err, orgs.ErrStoreUnavailable)
	assert.Equal(t, 1, store.OrganizationCount())
	assert.Equal(t, float64(1), selfHeals(metrics, OutcomeFailed))

	store.InjectError("ListMemberUserIDs", errors.New("unreachable"))
	_, err = healer.EnsureUserHasOrg(ctx, id)
	assert.ErrorIs(t, err, orgs.ErrStoreUnavailable)
	assert.Equal(t, 1, store.OrganizationCount())
}

// slowStore delays AddMember, honouring cancellation the way a database
// round-trip does
type slowStore struct {
	orgs.Store
	delay time.Duration
}

func (s *slowStore) AddMember(ctx context.Context, m *orgs.Membership) error {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.Store.AddMember(ctx, m)
}

func TestHealer_SlowPeerProvisionerIsNotDuplicated(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	id := user()

	slow := NewHealer(&slowStore{Store: store, delay: 200 * time.Millisecond}, nil, quietLogger(), newTestMetrics(),
		HealerConfig{ConvergeAttempts: 3, ConvergeDelay: 10 * time.Millisecond})
	fast := NewHealer(store, nil, quietLogger(), newTestMetrics(),
		HealerConfig{ConvergeAttempts: 3, ConvergeDelay: 10 * time.Millisecond})

	var (
		wg      sync.WaitGroup
		slowM   *orgs.Membership
		slowErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		slowM, slowErr = slow.EnsureUserHasOrg(ctx, id)
	}()

	time.Sleep(20 * time.Millisecond)
	_, fastErr := fast.EnsureUserHasOrg(ctx, id)
	assert.ErrorIs(t, fastErr, orgs.ErrStoreUnavailable)

	wg.Wait()
	require.NoError(t, slowErr)
	assert.Equal(t, SelfProvisionedOrgID(id.UserID), slowM.OrgID)
	assert.Equal(t, 1, store.OrganizationCount())

	retried, err := fast.EnsureUserHasOrg(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, slowM.OrgID, retried.OrgID)

	memberships, err := store.ListMemberships(ctx, id.UserID)
	require.NoError(t, err)
	assert.Len(t, memberships, 1)
}

func TestHealer_SharedRunSurvivesCancelledCaller(t *testing.T) {
	store := newTestStore()
	healer := NewHealer(&slowStore{Store: store, delay: 100 * time.Millisecond}, nil, quietLogger(), newTestMetrics(),
		DefaultHealerConfig())
	id := user()

	cancelled, cancel := context.WithCancel(context.Background())
	var (
		wg       sync.WaitGroup
		firstErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, firstErr = healer.EnsureUserHasOrg(cancelled, id)
	}()

	time.Sleep(10 * time.Millisecond)
	time.AfterFunc(20*time.Millisecond, cancel)

	m, err := healer.EnsureUserHasOrg(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, SelfProvisionedOrgID(id.UserID), m.OrgID)

	wg.Wait()
	assert.ErrorIs(t, firstErr, orgs.ErrStoreUnavailable)
	assert.ErrorIs(t, firstErr, context.Canceled)
	assert.Equal(t, 1, store.OrganizationCount())
}

func TestHealer_CompensatesFailedMembership(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	healer, rec, metrics := newTestHealer(store)
	id := user()

	store.InjectError("AddMember", errors.New("insert failed"))

	_, err := healer.EnsureUserHasOrg(ctx, id)
	require.Error(t, err)
	assert.ErrorIs(t, err, orgs.ErrStoreUnavailable)
	assert.NotErrorIs(t, err, orgs.ErrIntegrityRisk)

	assert.Equal(t, 0, store.OrganizationCount())
	assert.Empty(t, rec.types())
	assert.Equal(t, float64(1), selfHeals(metrics, OutcomeFailed))
}

func TestHealer_CompensationFailureIsIntegrityRisk(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	healer, rec, metrics := newTestHealer(store)
	id := user()

	store.InjectError("AddMember", errors.New("insert failed"))
	store.InjectError("DeleteOrganization", errors.New("delete failed"))

	_, err := healer.EnsureUserHasOrg(ctx, id)
	require.Error(t, err)
	assert.ErrorIs(t, err, orgs.ErrIntegrityRisk)

	// The orphan stays behind for manual cleanup
	assert.Equal(t, 1, store.OrganizationCount())
	assert.Equal(t, []audit.EventType{audit.EventTypeSelfHealIntegrityRisk}, rec.types())
	assert.Equal(t, float64(1), selfHeals(metrics, OutcomeIntegrityRisk))

	rec.mu.Lock()
	event := rec.events[0]
	rec.mu.Unlock()
	assert.Equal(t, audit.EventStatusFailure, event.Status)
	require.NotNil(t, event.OrganizationID)
	assert.Equal(t, SelfProvisionedOrgID(id.UserID), *event.OrganizationID)
	assert.Contains(t, event.ErrorMessage, "delete failed")
}

func TestHealer_StoreFailures(t *testing.T) {
	for _, op := range []string{"ListMemberships", "FindLegacyVehicleOrg", "GetUserProfile", "CreateOrganization"} {
		t.Run(op, func(t *testing.T) {
			store := newTestStore()
			healer, _, _ := newTestHealer(store)
			store.InjectError(op, errors.New("unreachable"))

			_, err := healer.EnsureUserHasOrg(context.Background(), user())
			assert.ErrorIs(t, err, orgs.ErrStoreUnavailable)
			assert.Equal(t, 0, store.OrganizationCount())
		})
	}
}

func TestHealer_RejectsMissingIdentity(t *testing.T) {
	healer, _, _ := newTestHealer(newTestStore())

	_, err := healer.EnsureUserHasOrg(context.Background(), nil)
	assert.ErrorIs(t, err, orgs.ErrForbidden)

	_, err = healer.EnsureUserHasOrg(context.Background(), &auth.Identity{})
	assert.ErrorIs(t, err, orgs.ErrForbidden)
}
