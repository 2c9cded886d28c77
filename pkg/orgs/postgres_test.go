package orgs

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/odometer/pkg/auth"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db, time.Second), mock
}

var orgColumns = []string{
	"id", "name", "slug", "subscription_plan", "max_vehicles", "max_members", "billing_customer_ref",
	"subscription_end_date", "cancellation_requested_at", "cancellation_reason",
	"scheduled_deletion_date", "pending_downgrade_tier", "downgrade_effective_date",
	"created_at", "updated_at",
}

func TestPostgresStore_GetOrganization(t *testing.T) {
	store, mock := newMockStore(t)
	orgID := uuid.New()
	now := time.Now().UTC()
	end := now.Add(72 * time.Hour)

	rows := sqlmock.NewRows(orgColumns).AddRow(
		orgID.String(), "Acme Fleet", nil, "personal", 3, 3, "cus_123",
		end, now, "too expensive",
		end, nil, nil,
		now, now,
	)
	mock.ExpectQuery("SELECT (.+) FROM organizations WHERE id = \\$1$").
		WithArgs(orgID).
		WillReturnRows(rows)

	org, err := store.GetOrganization(context.Background(), orgID)
	require.NoError(t, err)
	assert.Equal(t, orgID, org.ID)
	assert.Equal(t, PlanPersonal, org.SubscriptionPlan)
	assert.Equal(t, 3, org.MaxVehicles)
	require.NotNil(t, org.BillingCustomerRef)
	assert.Equal(t, "cus_123", *org.BillingCustomerRef)
	require.NotNil(t, org.CancellationReason)
	assert.Equal(t, StateCancellationPending, org.State())
	assert.Nil(t, org.PendingDowngradeTier)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetOrganization_NotFound(t *testing.T) {
	store, mock := newMockStore(t)
	orgID := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM organizations").
		WithArgs(orgID).
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetOrganization(context.Background(), orgID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateOrganization(t *testing.T) {
	store, mock := newMockStore(t)
	org := &Organization{ID: uuid.New(), Name: "Acme Fleet", SubscriptionPlan: PlanFree, MaxVehicles: 1, MaxMembers: 1}
	now := time.Now().UTC()

	mock.ExpectQuery("INSERT INTO organizations").
		WithArgs(org.ID, "Acme Fleet", nil, "free", 1, 1, nil).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))

	require.NoError(t, store.CreateOrganization(context.Background(), org))
	assert.Equal(t, now, org.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateOrganization_Duplicate(t *testing.T) {
	store, mock := newMockStore(t)
	org := &Organization{ID: uuid.New(), Name: "Acme Fleet", SubscriptionPlan: PlanFree}

	mock.ExpectQuery("INSERT INTO organizations").
		WillReturnError(&pq.Error{Code: "23505"})

	err := store.CreateOrganization(context.Background(), org)
	assert.ErrorIs(t, err, ErrOrganizationExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteOrganization(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		wantErr  error
	}{
		{name: "deleted", affected: 1},
		{name: "missing", affected: 0, wantErr: ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := newMockStore(t)
			orgID := uuid.New()

			mock.ExpectExec("DELETE FROM organizations WHERE id = \\$1").
				WithArgs(orgID).
				WillReturnResult(sqlmock.NewResult(0, tt.affected))

			err := store.DeleteOrganization(context.Background(), orgID)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresStore_UpdateSubscription(t *testing.T) {
	store, mock := newMockStore(t)
	tier := PlanFree
	effective := time.Now().UTC().Add(24 * time.Hour)
	org := &Organization{ID: uuid.New(), SubscriptionPlan: PlanBusiness, MaxVehicles: UnlimitedVehicles, MaxMembers: 6,
		PendingDowngradeTier: &tier, DowngradeEffectiveDate: &effective}
	now := time.Now().UTC()

	mock.ExpectQuery("UPDATE organizations").
		WithArgs(org.ID, "business", UnlimitedVehicles, 6, nil, nil, nil, nil, "free", effective).
		WillReturnRows(sqlmock.NewRows([]string{"updated_at"}).AddRow(now))

	require.NoError(t, store.UpdateSubscription(context.Background(), org))
	assert.Equal(t, now, org.UpdatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListDueDowngrades(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	first, second := uuid.New(), uuid.New()

	mock.ExpectQuery("SELECT id FROM organizations WHERE pending_downgrade_tier IS NOT NULL").
		WithArgs(now).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(first.String()).AddRow(second.String()))

	ids, err := store.ListDueDowngrades(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{first, second}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListMemberships(t *testing.T) {
	store, mock := newMockStore(t)
	userID := uuid.New()
	first, second := uuid.New(), uuid.New()
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{"org_id", "user_id", "role", "created_at", "name", "subscription_plan", "max_vehicles"}).
		AddRow(first.String(), userID.String(), "owner", now.Add(-time.Hour), "Home", "free", 1).
		AddRow(second.String(), userID.String(), "viewer", now, "Work", "business", UnlimitedVehicles)
	mock.ExpectQuery("SELECT (.+) FROM org_members m JOIN organizations o (.+) ORDER BY m.created_at ASC, m.org_id ASC").
		WithArgs(userID).
		WillReturnRows(rows)

	memberships, err := store.ListMemberships(context.Background(), userID)
	require.NoError(t, err)
	require.Len(t, memberships, 2)
	assert.Equal(t, first, memberships[0].OrgID)
	assert.Equal(t, auth.RoleOwner, memberships[0].Role)
	assert.Equal(t, "Home", memberships[0].OrgName)
	assert.Equal(t, PlanBusiness, memberships[1].Plan)
	assert.Equal(t, UnlimitedVehicles, memberships[1].MaxVehicles)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetMembership_NotFound(t *testing.T) {
	store, mock := newMockStore(t)
	userID, orgID := uuid.New(), uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM org_members").
		WithArgs(userID, orgID).
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetMembership(context.Background(), userID, orgID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AddMember(t *testing.T) {
	t.Run("inserted", func(t *testing.T) {
		store, mock := newMockStore(t)
		m := &Membership{OrgID: uuid.New(), UserID: uuid.New(), Role: auth.RoleOwner}
		now := time.Now().UTC()

		mock.ExpectQuery("INSERT INTO org_members").
			WithArgs(m.OrgID, m.UserID, "owner").
			WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))

		require.NoError(t, store.AddMember(context.Background(), m))
		assert.Equal(t, now, m.CreatedAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unique violation", func(t *testing.T) {
		store, mock := newMockStore(t)
		m := &Membership{OrgID: uuid.New(), UserID: uuid.New(), Role: auth.RoleOwner}

		mock.ExpectQuery("INSERT INTO org_members").
			WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

		err := store.AddMember(context.Background(), m)
		assert.ErrorIs(t, err, ErrMembershipExists)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("other failure", func(t *testing.T) {
		store, mock := newMockStore(t)
		m := &Membership{OrgID: uuid.New(), UserID: uuid.New(), Role: auth.RoleOwner}

		mock.ExpectQuery("INSERT INTO org_members").
			WillReturnError(&pq.Error{Code: "23503"})

		err := store.AddMember(context.Background(), m)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrMembershipExists)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStore_FindLegacyVehicleOrg(t *testing.T) {
	store, mock := newMockStore(t)
	userID, orgID := uuid.New(), uuid.New()

	mock.ExpectQuery("SELECT org_id FROM vehicles WHERE user_id = \\$1 AND org_id IS NOT NULL ORDER BY created_at ASC LIMIT 1").
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"org_id"}).AddRow(orgID.String()))

	got, err := store.FindLegacyVehicleOrg(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, orgID, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetVehicleOrg_NullOrg(t *testing.T) {
	store, mock := newMockStore(t)
	vehicleID := uuid.New()

	mock.ExpectQuery("SELECT org_id FROM vehicles WHERE id = \\$1").
		WithArgs(vehicleID).
		WillReturnRows(sqlmock.NewRows([]string{"org_id"}).AddRow(nil))

	_, err := store.GetVehicleOrg(context.Background(), vehicleID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountOrgVehicles(t *testing.T) {
	store, mock := newMockStore(t)
	orgID := uuid.New()
	ids := []uuid.UUID{uuid.New(), uuid.New()}

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM vehicles WHERE org_id = \\$1 AND id = ANY\\(\\$2\\)").
		WithArgs(orgID, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	count, err := store.CountOrgVehicles(context.Background(), orgID, ids)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = store.CountOrgVehicles(context.Background(), orgID, nil)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetUserProfile(t *testing.T) {
	store, mock := newMockStore(t)
	userID := uuid.New()

	mock.ExpectQuery("SELECT display_name, email FROM profiles").
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"display_name", "email"}).AddRow(nil, "jo@example.com"))

	p, err := store.GetUserProfile(context.Background(), userID)
	require.NoError(t, err)
	assert.Empty(t, p.DisplayName)
	assert.Equal(t, "jo@example.com", p.Email)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InTx(t *testing.T) {
	t.Run("commit", func(t *testing.T) {
		store, mock := newMockStore(t)
		orgID := uuid.New()
		ids := []uuid.UUID{uuid.New()}
		now := time.Now().UTC()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT (.+) FROM organizations WHERE id = \\$1 FOR UPDATE").
			WithArgs(orgID).
			WillReturnRows(sqlmock.NewRows(orgColumns).AddRow(
				orgID.String(), "Acme", nil, "personal", 3, 3, nil,
				nil, nil, nil, nil, nil, nil, now, now))
		mock.ExpectExec("DELETE FROM vehicles WHERE org_id = \\$1 AND id = ANY\\(\\$2\\)").
			WithArgs(orgID, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := store.InTx(context.Background(), func(ctx context.Context, tx Store) error {
			if _, err := tx.LockOrganization(ctx, orgID); err != nil {
				return err
			}
			n, err := tx.DeleteVehicles(ctx, orgID, ids)
			if err != nil {
				return err
			}
			assert.Equal(t, 1, n)
			return nil
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rollback on error", func(t *testing.T) {
		store, mock := newMockStore(t)
		boom := errors.New("boom")

		mock.ExpectBegin()
		mock.ExpectRollback()

		err := store.InTx(context.Background(), func(ctx context.Context, tx Store) error {
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("begin failure", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

		called := false
		err := store.InTx(context.Background(), func(ctx context.Context, tx Store) error {
			called = true
			return nil
		})
		require.Error(t, err)
		assert.False(t, called)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestMigrate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS odometer_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version FROM odometer_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(1).AddRow(2))
	for _, m := range Migrations()[2:] {
		mock.ExpectBegin()
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("INSERT INTO odometer_migrations").
			WithArgs(m.Version, m.Description).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
	}

	require.NoError(t, Migrate(context.Background(), db, nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_VersionReadError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS odometer_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version FROM odometer_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(1).AddRow(2).RowError(1, errors.New("connection reset")))

	err = Migrate(context.Background(), db, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read migration versions")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrations_Versions(t *testing.T) {
	seen := make(map[int]bool)
	for i, m := range Migrations() {
		assert.Equal(t, i+1, m.Version)
		assert.False(t, seen[m.Version])
		seen[m.Version] = true
		assert.NotEmpty(t, m.Description)
	}
	assert.Contains(t, Migrations()[1].SQL, "UNIQUE(org_id, user_id)")
}
