package orgs

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations returns the schema migrations for organizations, memberships,
// vehicles and profiles
func Migrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create organizations table",
			SQL: `
				CREATE TABLE IF NOT EXISTS organizations (
					id UUID PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					slug VARCHAR(255) UNIQUE,
					subscription_plan VARCHAR(20) NOT NULL DEFAULT 'free',
					max_vehicles INTEGER NOT NULL DEFAULT 1,
					max_members INTEGER NOT NULL DEFAULT 1,
					billing_customer_ref VARCHAR(255),
					subscription_end_date TIMESTAMPTZ,
					cancellation_requested_at TIMESTAMPTZ,
					cancellation_reason TEXT,
					scheduled_deletion_date TIMESTAMPTZ,
					pending_downgrade_tier VARCHAR(20),
					downgrade_effective_date TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					CHECK (subscription_plan IN ('free', 'personal', 'business')),
					CHECK (pending_downgrade_tier IS NULL OR pending_downgrade_tier IN ('free', 'personal')),
					CHECK ((pending_downgrade_tier IS NULL) = (downgrade_effective_date IS NULL))
				);

				CREATE INDEX IF NOT EXISTS idx_organizations_scheduled_deletion
					ON organizations(scheduled_deletion_date) WHERE scheduled_deletion_date IS NOT NULL;
			`,
		},
		{
			Version:     2,
			Description: "Create org_members table",
			SQL: `
				CREATE TABLE IF NOT EXISTS org_members (
					org_id UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
					user_id UUID NOT NULL,
					role VARCHAR(20) NOT NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE(org_id, user_id),
					CHECK (role IN ('owner', 'editor', 'viewer'))
				);

				CREATE INDEX IF NOT EXISTS idx_org_members_user_id ON org_members(user_id, created_at);
			`,
		},
		{
			Version:     3,
			Description: "Create vehicles table",
			SQL: `
				CREATE TABLE IF NOT EXISTS vehicles (
					id UUID PRIMARY KEY,
					org_id UUID REFERENCES organizations(id) ON DELETE CASCADE,
					user_id UUID,
					name VARCHAR(255) NOT NULL DEFAULT '',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_vehicles_org_id ON vehicles(org_id);
				CREATE INDEX IF NOT EXISTS idx_vehicles_user_id ON vehicles(user_id, created_at);
			`,
		},
		{
			Version:     4,
			Description: "Create profiles table",
			SQL: `
				CREATE TABLE IF NOT EXISTS profiles (
					user_id UUID PRIMARY KEY,
					display_name VARCHAR(255),
					email VARCHAR(255)
				);
			`,
		},
	}
}

// Migrate applies all pending migrations, each in its own transaction
func Migrate(ctx context.Context, db *sql.DB, logger *logrus.Logger) error {
	if logger == nil {
		logger = logrus.New()
	}

	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS odometer_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM odometer_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	iterErr := rows.Err()
	rows.Close()
	if iterErr != nil {
		return fmt.Errorf("failed to read migration versions: %w", iterErr)
	}

	for _, migration := range Migrations() {
		if applied[migration.Version] {
			continue
		}

		log := logger.WithFields(logrus.Fields{
			"version":     migration.Version,
			"description": migration.Description,
		})
		log.Info("Running migration")

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO odometer_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}

		log.Info("Migration completed")
	}

	return nil
}
