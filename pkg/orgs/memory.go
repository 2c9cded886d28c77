package orgs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memberKey struct {
	orgID  uuid.UUID
	userID uuid.UUID
}

type memoryState struct {
	orgs     map[uuid.UUID]Organization
	members  map[memberKey]Membership
	vehicles map[uuid.UUID]Vehicle
	profiles map[uuid.UUID]UserProfile
}

func (s *memoryState) clone() *memoryState {
	c := &memoryState{
		orgs:     make(map[uuid.UUID]Organization, len(s.orgs)),
		members:  make(map[memberKey]Membership, len(s.members)),
		vehicles: make(map[uuid.UUID]Vehicle, len(s.vehicles)),
		profiles: make(map[uuid.UUID]UserProfile, len(s.profiles)),
	}
	for k, v := range s.orgs {
		c.orgs[k] = v
	}
	for k, v := range s.members {
		c.members[k] = v
	}
	for k, v := range s.vehicles {
		c.vehicles[k] = v
	}
	for k, v := range s.profiles {
		c.profiles[k] = v
	}
	return c
}

type memoryShared struct {
	mu     sync.Mutex
	state  *memoryState
	faults map[string]error
	now    func() time.Time
}

// MemoryStore is an in-process Store. It enforces the same unique
// constraints as the SQL schema and supports fault injection for tests.
type MemoryStore struct {
	shared *memoryShared
	inTx   bool
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		shared: &memoryShared{
			state: &memoryState{
				orgs:     make(map[uuid.UUID]Organization),
				members:  make(map[memberKey]Membership),
				vehicles: make(map[uuid.UUID]Vehicle),
				profiles: make(map[uuid.UUID]UserProfile),
			},
			faults: make(map[string]error),
			now:    time.Now,
		},
	}
}

// InjectError makes every subsequent call of the named Store method return
// err. A nil err clears the fault.
func (s *MemoryStore) InjectError(op string, err error) {
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()
	if err == nil {
		delete(s.shared.faults, op)
		return
	}
	s.shared.faults[op] = err
}

// SetClock replaces the clock used for created_at and updated_at
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()
	s.shared.now = now
}

// AddVehicle seeds a vehicle
func (s *MemoryStore) AddVehicle(v Vehicle) {
	s.lock()
	defer s.unlock()
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = s.shared.now()
	}
	s.shared.state.vehicles[v.ID] = v
}

// AddProfile seeds a user profile
func (s *MemoryStore) AddProfile(p UserProfile) {
	s.lock()
	defer s.unlock()
	s.shared.state.profiles[p.UserID] = p
}

// VehicleCount returns the number of vehicles owned by orgID
func (s *MemoryStore) VehicleCount(orgID uuid.UUID) int {
	s.lock()
	defer s.unlock()
	return s.countVehicles(orgID)
}

// OrganizationCount returns the number of stored organizations
func (s *MemoryStore) OrganizationCount() int {
	s.lock()
	defer s.unlock()
	return len(s.shared.state.orgs)
}

// lock is a no-op inside InTx, which already holds the mutex
func (s *MemoryStore) lock() {
	if !s.inTx {
		s.shared.mu.Lock()
	}
}

func (s *MemoryStore) unlock() {
	if !s.inTx {
		s.shared.mu.Unlock()
	}
}

func (s *MemoryStore) fault(op string) error {
	return s.shared.faults[op]
}

// GetOrganization retrieves an organization by ID
func (s *MemoryStore) GetOrganization(ctx context.Context, orgID uuid.UUID) (*Organization, error) {
	s.lock()
	defer s.unlock()
	if err := s.fault("GetOrganization"); err != nil {
		return nil, err
	}
	org, ok := s.shared.state.orgs[orgID]
	if !ok {
		return nil, ErrNotFound
	}
	return &org, nil
}

// LockOrganization retrieves an organization. The store mutex serializes
// transactions, so no separate row lock exists.
func (s *MemoryStore) LockOrganization(ctx context.Context, orgID uuid.UUID) (*Organization, error) {
	s.lock()
	defer s.unlock()
	if err := s.fault("LockOrganization"); err != nil {
		return nil, err
	}
	org, ok := s.shared.state.orgs[orgID]
	if !ok {
		return nil, ErrNotFound
	}
	return &org, nil
}

// CreateOrganization inserts an organization
func (s *MemoryStore) CreateOrganization(ctx context.Context, org *Organization) error {
	s.lock()
	defer s.unlock()
	if err := s.fault("CreateOrganization"); err != nil {
		return err
	}
	if org.ID == uuid.Nil {
		org.ID = uuid.New()
	}
	if _, exists := s.shared.state.orgs[org.ID]; exists {
		return ErrOrganizationExists
	}
	now := s.shared.now()
	org.CreatedAt = now
	org.UpdatedAt = now
	s.shared.state.orgs[org.ID] = *org
	return nil
}

// DeleteOrganization deletes an organization and its memberships
func (s *MemoryStore) DeleteOrganization(ctx context.Context, orgID uuid.UUID) error {
	s.lock()
	defer s.unlock()
	if err := s.fault("DeleteOrganization"); err != nil {
		return err
	}
	if _, ok := s.shared.state.orgs[orgID]; !ok {
		return ErrNotFound
	}
	delete(s.shared.state.orgs, orgID)
	for k := range s.shared.state.members {
		if k.orgID == orgID {
			delete(s.shared.state.members, k)
		}
	}
	return nil
}

// UpdateSubscription writes the plan, limits and subscription fields
func (s *MemoryStore) UpdateSubscription(ctx context.Context, org *Organization) error {
	s.lock()
	defer s.unlock()
	if err := s.fault("UpdateSubscription"); err != nil {
		return err
	}
	stored, ok := s.shared.state.orgs[org.ID]
	if !ok {
		return ErrNotFound
	}
	stored.SubscriptionPlan = org.SubscriptionPlan
	stored.MaxVehicles = org.MaxVehicles
	stored.MaxMembers = org.MaxMembers
	stored.SubscriptionEndDate = org.SubscriptionEndDate
	stored.CancellationRequestedAt = org.CancellationRequestedAt
	stored.CancellationReason = org.CancellationReason
	stored.ScheduledDeletionDate = org.ScheduledDeletionDate
	stored.PendingDowngradeTier = org.PendingDowngradeTier
	stored.DowngradeEffectiveDate = org.DowngradeEffectiveDate
	stored.UpdatedAt = s.shared.now()
	org.UpdatedAt = stored.UpdatedAt
	s.shared.state.orgs[org.ID] = stored
	return nil
}

// ListDueDowngrades lists organizations with a pending downgrade that is due
func (s *MemoryStore) ListDueDowngrades(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	s.lock()
	defer s.unlock()
	if err := s.fault("ListDueDowngrades"); err != nil {
		return nil, err
	}
	var due []Organization
	for _, org := range s.shared.state.orgs {
		if org.PendingDowngradeTier != nil && org.DowngradeEffectiveDate != nil &&
			!org.DowngradeEffectiveDate.After(now) && org.CancellationRequestedAt == nil {
			due = append(due, org)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].DowngradeEffectiveDate.Before(*due[j].DowngradeEffectiveDate)
	})
	ids := make([]uuid.UUID, len(due))
	for i, org := range due {
		ids[i] = org.ID
	}
	return ids, nil
}

func (s *MemoryStore) joined(m Membership) *Membership {
	if org, ok := s.shared.state.orgs[m.OrgID]; ok {
		m.OrgName = org.Name
		m.Plan = org.SubscriptionPlan
		m.MaxVehicles = org.MaxVehicles
	}
	return &m
}

// GetMembership retrieves the membership of a user in an organization
func (s *MemoryStore) GetMembership(ctx context.Context, userID, orgID uuid.UUID) (*Membership, error) {
	s.lock()
	defer s.unlock()
	if err := s.fault("GetMembership"); err != nil {
		return nil, err
	}
	m, ok := s.shared.state.members[memberKey{orgID: orgID, userID: userID}]
	if !ok {
		return nil, ErrNotFound
	}
	return s.joined(m), nil
}

// ListMemberships lists a user's memberships, oldest first
func (s *MemoryStore) ListMemberships(ctx context.Context, userID uuid.UUID) ([]*Membership, error) {
	s.lock()
	defer s.unlock()
	if err := s.fault("ListMemberships"); err != nil {
		return nil, err
	}
	var out []*Membership
	for k, m := range s.shared.state.members {
		if k.userID == userID {
			out = append(out, s.joined(m))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].OrgID.String() < out[j].OrgID.String()
	})
	return out, nil
}

// ListMemberUserIDs lists the user ids of every member of an organization
func (s *MemoryStore) ListMemberUserIDs(ctx context.Context, orgID uuid.UUID) ([]uuid.UUID, error) {
	s.lock()
	defer s.unlock()
	if err := s.fault("ListMemberUserIDs"); err != nil {
		return nil, err
	}
	var ids []uuid.UUID
	for k := range s.shared.state.members {
		if k.orgID == orgID {
			ids = append(ids, k.userID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

// AddMember inserts a membership row
func (s *MemoryStore) AddMember(ctx context.Context, m *Membership) error {
	s.lock()
	defer s.unlock()
	if err := s.fault("AddMember"); err != nil {
		return err
	}
	if _, ok := s.shared.state.orgs[m.OrgID]; !ok {
		return ErrNotFound
	}
	key := memberKey{orgID: m.OrgID, userID: m.UserID}
	if _, exists := s.shared.state.members[key]; exists {
		return ErrMembershipExists
	}
	m.CreatedAt = s.shared.now()
	s.shared.state.members[key] = Membership{
		OrgID:     m.OrgID,
		UserID:    m.UserID,
		Role:      m.Role,
		CreatedAt: m.CreatedAt,
	}
	return nil
}

// FindLegacyVehicleOrg finds the org of the user's oldest legacy vehicle
func (s *MemoryStore) FindLegacyVehicleOrg(ctx context.Context, userID uuid.UUID) (uuid.UUID, error) {
	s.lock()
	defer s.unlock()
	if err := s.fault("FindLegacyVehicleOrg"); err != nil {
		return uuid.Nil, err
	}
	var oldest *Vehicle
	for _, v := range s.shared.state.vehicles {
		if v.UserID == nil || *v.UserID != userID || v.OrgID == nil {
			continue
		}
		if oldest == nil || v.CreatedAt.Before(oldest.CreatedAt) {
			v := v
			oldest = &v
		}
	}
	if oldest == nil {
		return uuid.Nil, ErrNotFound
	}
	return *oldest.OrgID, nil
}

// GetVehicleOrg returns the owning organization of a vehicle
func (s *MemoryStore) GetVehicleOrg(ctx context.Context, vehicleID uuid.UUID) (uuid.UUID, error) {
	s.lock()
	defer s.unlock()
	if err := s.fault("GetVehicleOrg"); err != nil {
		return uuid.Nil, err
	}
	v, ok := s.shared.state.vehicles[vehicleID]
	if !ok || v.OrgID == nil {
		return uuid.Nil, ErrNotFound
	}
	return *v.OrgID, nil
}

func (s *MemoryStore) countVehicles(orgID uuid.UUID) int {
	count := 0
	for _, v := range s.shared.state.vehicles {
		if v.OrgID != nil && *v.OrgID == orgID {
			count++
		}
	}
	return count
}

// CountVehicles counts the vehicles owned by an organization
func (s *MemoryStore) CountVehicles(ctx context.Context, orgID uuid.UUID) (int, error) {
	s.lock()
	defer s.unlock()
	if err := s.fault("CountVehicles"); err != nil {
		return 0, err
	}
	return s.countVehicles(orgID), nil
}

// CountOrgVehicles counts how many of the given vehicles belong to orgID
func (s *MemoryStore) CountOrgVehicles(ctx context.Context, orgID uuid.UUID, ids []uuid.UUID) (int, error) {
	s.lock()
	defer s.unlock()
	if err := s.fault("CountOrgVehicles"); err != nil {
		return 0, err
	}
	seen := make(map[uuid.UUID]bool, len(ids))
	count := 0
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if v, ok := s.shared.state.vehicles[id]; ok && v.OrgID != nil && *v.OrgID == orgID {
			count++
		}
	}
	return count, nil
}

// DeleteVehicles deletes the listed vehicles of an organization
func (s *MemoryStore) DeleteVehicles(ctx context.Context, orgID uuid.UUID, ids []uuid.UUID) (int, error) {
	s.lock()
	defer s.unlock()
	if err := s.fault("DeleteVehicles"); err != nil {
		return 0, err
	}
	deleted := 0
	for _, id := range ids {
		if v, ok := s.shared.state.vehicles[id]; ok && v.OrgID != nil && *v.OrgID == orgID {
			delete(s.shared.state.vehicles, id)
			deleted++
		}
	}
	return deleted, nil
}

// GetUserProfile retrieves a user profile
func (s *MemoryStore) GetUserProfile(ctx context.Context, userID uuid.UUID) (*UserProfile, error) {
	s.lock()
	defer s.unlock()
	if err := s.fault("GetUserProfile"); err != nil {
		return nil, err
	}
	p, ok := s.shared.state.profiles[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

// InTx runs fn while holding the store mutex and restores the previous state
// when fn fails
func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	if s.inTx {
		return fn(ctx, s)
	}

	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()
	if err := s.fault("InTx"); err != nil {
		return err
	}

	snapshot := s.shared.state.clone()
	if err := fn(ctx, &MemoryStore{shared: s.shared, inTx: true}); err != nil {
		s.shared.state = snapshot
		return err
	}
	return nil
}
