package orgs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// uniqueViolation is the SQLSTATE for unique_violation
const uniqueViolation = "23505"

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	db      *sql.DB
	q       querier
	timeout time.Duration
	inTx    bool
}

// NewPostgresStore creates a new PostgresStore. A positive timeout bounds
// every round-trip.
func NewPostgresStore(db *sql.DB, timeout time.Duration) *PostgresStore {
	return &PostgresStore{
		db:      db,
		q:       db,
		timeout: timeout,
	}
}

func (s *PostgresStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

const organizationColumns = `
		id, name, slug, subscription_plan, max_vehicles, max_members, billing_customer_ref,
		subscription_end_date, cancellation_requested_at, cancellation_reason,
		scheduled_deletion_date, pending_downgrade_tier, downgrade_effective_date,
		created_at, updated_at`

func scanOrganization(row interface{ Scan(...any) error }) (*Organization, error) {
	org := &Organization{}
	err := row.Scan(
		&org.ID, &org.Name, &org.Slug, &org.SubscriptionPlan, &org.MaxVehicles, &org.MaxMembers,
		&org.BillingCustomerRef, &org.SubscriptionEndDate, &org.CancellationRequestedAt,
		&org.CancellationReason, &org.ScheduledDeletionDate, &org.PendingDowngradeTier,
		&org.DowngradeEffectiveDate, &org.CreatedAt, &org.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return org, nil
}

// GetOrganization retrieves an organization by ID
func (s *PostgresStore) GetOrganization(ctx context.Context, orgID uuid.UUID) (*Organization, error) {
	return s.selectOrganization(ctx, orgID, "")
}

// LockOrganization retrieves an organization and locks its row for the
// remainder of the transaction
func (s *PostgresStore) LockOrganization(ctx context.Context, orgID uuid.UUID) (*Organization, error) {
	if !s.inTx {
		return s.selectOrganization(ctx, orgID, "")
	}
	return s.selectOrganization(ctx, orgID, " FOR UPDATE")
}

func (s *PostgresStore) selectOrganization(ctx context.Context, orgID uuid.UUID, suffix string) (*Organization, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `SELECT` + organizationColumns + `
		FROM organizations
		WHERE id = $1` + suffix
	org, err := scanOrganization(s.q.QueryRowContext(ctx, query, orgID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	return org, nil
}

// CreateOrganization inserts an organization. The caller supplies the ID.
func (s *PostgresStore) CreateOrganization(ctx context.Context, org *Organization) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if org.ID == uuid.Nil {
		org.ID = uuid.New()
	}

	query := `
		INSERT INTO organizations (id, name, slug, subscription_plan, max_vehicles, max_members, billing_customer_ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`
	err := s.q.QueryRowContext(ctx, query, org.ID, org.Name, org.Slug, org.SubscriptionPlan,
		org.MaxVehicles, org.MaxMembers, org.BillingCustomerRef).
		Scan(&org.CreatedAt, &org.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrOrganizationExists
	}
	if err != nil {
		return fmt.Errorf("failed to create organization: %w", err)
	}
	return nil
}

// DeleteOrganization hard deletes an organization. Memberships cascade.
func (s *PostgresStore) DeleteOrganization(ctx context.Context, orgID uuid.UUID) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.q.ExecContext(ctx, `DELETE FROM organizations WHERE id = $1`, orgID)
	if err != nil {
		return fmt.Errorf("failed to delete organization: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSubscription writes the plan, limits and subscription fields
func (s *PostgresStore) UpdateSubscription(ctx context.Context, org *Organization) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		UPDATE organizations
		SET subscription_plan = $2, max_vehicles = $3, max_members = $4,
		    subscription_end_date = $5, cancellation_requested_at = $6, cancellation_reason = $7,
		    scheduled_deletion_date = $8, pending_downgrade_tier = $9, downgrade_effective_date = $10,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`
	err := s.q.QueryRowContext(ctx, query, org.ID, org.SubscriptionPlan, org.MaxVehicles, org.MaxMembers,
		org.SubscriptionEndDate, org.CancellationRequestedAt, org.CancellationReason,
		org.ScheduledDeletionDate, org.PendingDowngradeTier, org.DowngradeEffectiveDate).
		Scan(&org.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	return nil
}

const membershipQuery = `
		SELECT m.org_id, m.user_id, m.role, m.created_at, o.name, o.subscription_plan, o.max_vehicles
		FROM org_members m
		JOIN organizations o ON o.id = m.org_id`

func scanMembership(row interface{ Scan(...any) error }) (*Membership, error) {
	m := &Membership{}
	if err := row.Scan(&m.OrgID, &m.UserID, &m.Role, &m.CreatedAt, &m.OrgName, &m.Plan, &m.MaxVehicles); err != nil {
		return nil, err
	}
	return m, nil
}

// GetMembership retrieves the membership of a user in an organization
func (s *PostgresStore) GetMembership(ctx context.Context, userID, orgID uuid.UUID) (*Membership, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := membershipQuery + `
		WHERE m.user_id = $1 AND m.org_id = $2`
	m, err := scanMembership(s.q.QueryRowContext(ctx, query, userID, orgID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}
	return m, nil
}

// ListMemberships lists a user's memberships, oldest first
func (s *PostgresStore) ListMemberships(ctx context.Context, userID uuid.UUID) ([]*Membership, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := membershipQuery + `
		WHERE m.user_id = $1
		ORDER BY m.created_at ASC, m.org_id ASC`
	rows, err := s.q.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	defer rows.Close()

	var memberships []*Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		memberships = append(memberships, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	return memberships, nil
}

// ListDueDowngrades lists organizations with a pending downgrade that is due
func (s *PostgresStore) ListDueDowngrades(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id FROM organizations
		WHERE pending_downgrade_tier IS NOT NULL
		  AND downgrade_effective_date <= $1
		  AND cancellation_requested_at IS NULL
		ORDER BY downgrade_effective_date ASC
	`
	rows, err := s.q.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due downgrades: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan organization id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list due downgrades: %w", err)
	}
	return ids, nil
}

// ListMemberUserIDs lists the user ids of every member of an organization
func (s *PostgresStore) ListMemberUserIDs(ctx context.Context, orgID uuid.UUID) ([]uuid.UUID, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.q.QueryContext(ctx, `SELECT user_id FROM org_members WHERE org_id = $1 ORDER BY created_at ASC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	return ids, nil
}

// AddMember inserts a membership row. A duplicate (org_id, user_id) returns
// ErrMembershipExists.
func (s *PostgresStore) AddMember(ctx context.Context, m *Membership) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO org_members (org_id, user_id, role)
		VALUES ($1, $2, $3)
		RETURNING created_at
	`
	err := s.q.QueryRowContext(ctx, query, m.OrgID, m.UserID, m.Role).Scan(&m.CreatedAt)
	if isUniqueViolation(err) {
		return ErrMembershipExists
	}
	if err != nil {
		return fmt.Errorf("failed to add member: %w", err)
	}
	return nil
}

// FindLegacyVehicleOrg finds the org of the oldest vehicle attributed to the
// user through the legacy user_id column
func (s *PostgresStore) FindLegacyVehicleOrg(ctx context.Context, userID uuid.UUID) (uuid.UUID, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		SELECT org_id
		FROM vehicles
		WHERE user_id = $1 AND org_id IS NOT NULL
		ORDER BY created_at ASC
		LIMIT 1
	`
	var orgID uuid.UUID
	err := s.q.QueryRowContext(ctx, query, userID).Scan(&orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, ErrNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to find legacy vehicle: %w", err)
	}
	return orgID, nil
}

// GetVehicleOrg returns the owning organization of a vehicle
func (s *PostgresStore) GetVehicleOrg(ctx context.Context, vehicleID uuid.UUID) (uuid.UUID, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var orgID uuid.NullUUID
	err := s.q.QueryRowContext(ctx, `SELECT org_id FROM vehicles WHERE id = $1`, vehicleID).Scan(&orgID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !orgID.Valid) {
		return uuid.Nil, ErrNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to get vehicle: %w", err)
	}
	return orgID.UUID, nil
}

// CountVehicles counts the vehicles owned by an organization
func (s *PostgresStore) CountVehicles(ctx context.Context, orgID uuid.UUID) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var count int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM vehicles WHERE org_id = $1`, orgID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count vehicles: %w", err)
	}
	return count, nil
}

// CountOrgVehicles counts how many of the given vehicles belong to orgID
func (s *PostgresStore) CountOrgVehicles(ctx context.Context, orgID uuid.UUID, ids []uuid.UUID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var count int
	query := `SELECT COUNT(*) FROM vehicles WHERE org_id = $1 AND id = ANY($2)`
	if err := s.q.QueryRowContext(ctx, query, orgID, pq.Array(uuidStrings(ids))).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count vehicles: %w", err)
	}
	return count, nil
}

// DeleteVehicles deletes the listed vehicles of an organization
func (s *PostgresStore) DeleteVehicles(ctx context.Context, orgID uuid.UUID, ids []uuid.UUID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.q.ExecContext(ctx, `DELETE FROM vehicles WHERE org_id = $1 AND id = ANY($2)`,
		orgID, pq.Array(uuidStrings(ids)))
	if err != nil {
		return 0, fmt.Errorf("failed to delete vehicles: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(rowsAffected), nil
}

// GetUserProfile retrieves the profile used to name provisioned organizations
func (s *PostgresStore) GetUserProfile(ctx context.Context, userID uuid.UUID) (*UserProfile, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	p := &UserProfile{UserID: userID}
	var displayName, email sql.NullString
	err := s.q.QueryRowContext(ctx, `SELECT display_name, email FROM profiles WHERE user_id = $1`, userID).
		Scan(&displayName, &email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	p.DisplayName = displayName.String
	p.Email = email.String
	return p, nil
}

// InTx runs fn in a single database transaction
func (s *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	if s.inTx {
		return fn(ctx, s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	txStore := &PostgresStore{db: s.db, q: tx, timeout: s.timeout, inTx: true}
	if err := fn(ctx, txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
