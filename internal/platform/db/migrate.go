package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// migration is one ordered schema step. Migrations are embedded rather than
// read from disk so the server binary is self-contained in the field.
type migration struct {
	Version int
	Name    string
	SQL     string
}

var migrations = []migration{
	{
		Version: 1,
		Name:    "evv_records",
		SQL: `CREATE TABLE IF NOT EXISTS evv_record (
			id UUID PRIMARY KEY,
			visit_id UUID NOT NULL,
			org_id UUID NOT NULL,
			branch_id UUID NOT NULL,
			client_id UUID NOT NULL,
			client_name TEXT NOT NULL,
			client_medicaid_id TEXT,
			caregiver_id UUID NOT NULL,
			caregiver_name TEXT NOT NULL,
			caregiver_employee_id TEXT NOT NULL,
			caregiver_npi TEXT,
			service_type_code TEXT NOT NULL,
			service_type_name TEXT NOT NULL,
			service_date DATE NOT NULL,
			service_address JSONB NOT NULL,
			clock_in_time TIMESTAMPTZ NOT NULL,
			clock_out_time TIMESTAMPTZ,
			clock_in_verification JSONB NOT NULL,
			clock_out_verification JSONB,
			mid_visit_checks JSONB,
			pause_events JSONB,
			exception_events JSONB,
			total_duration_minutes INTEGER,
			status TEXT NOT NULL,
			verification_level TEXT NOT NULL,
			compliance_flags JSONB,
			requires_supervisor_review BOOLEAN NOT NULL DEFAULT FALSE,
			integrity_hash TEXT NOT NULL,
			integrity_checksum TEXT NOT NULL,
			state_specific_data JSONB,
			attestation JSONB,
			supervisor_review JSONB,
			amends_record_id UUID REFERENCES evv_record(id),
			amend_reason TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS evv_record_visit_active
			ON evv_record(visit_id) WHERE status <> 'VOIDED' AND amends_record_id IS NULL;
		CREATE INDEX IF NOT EXISTS evv_record_caregiver ON evv_record(caregiver_id, service_date);`,
	},
	{
		Version: 2,
		Name:    "time_entries",
		SQL: `CREATE TABLE IF NOT EXISTS time_entry (
			id UUID PRIMARY KEY,
			evv_record_id UUID NOT NULL REFERENCES evv_record(id),
			visit_id UUID NOT NULL,
			caregiver_id UUID NOT NULL,
			entry_type TEXT NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL,
			location JSONB NOT NULL,
			device_info JSONB,
			status TEXT NOT NULL,
			override JSONB,
			sync JSONB,
			integrity_hash TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS time_entry_record ON time_entry(evv_record_id, occurred_at);`,
	},
	{
		Version: 3,
		Name:    "geofences",
		SQL: `CREATE TABLE IF NOT EXISTS geofence (
			id UUID PRIMARY KEY,
			client_id UUID NOT NULL,
			center JSONB NOT NULL,
			radius_meters DOUBLE PRECISION NOT NULL,
			shape TEXT NOT NULL DEFAULT 'circle',
			status TEXT NOT NULL DEFAULT 'ACTIVE',
			verification_attempts INTEGER NOT NULL DEFAULT 0,
			verification_successes INTEGER NOT NULL DEFAULT 0,
			verification_failures INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS geofence_client ON geofence(client_id) WHERE status = 'ACTIVE';`,
	},
	{
		Version: 4,
		Name:    "aggregator_submissions",
		SQL: `CREATE TABLE IF NOT EXISTS state_aggregator_submission (
			id UUID PRIMARY KEY,
			evv_record_id UUID NOT NULL REFERENCES evv_record(id),
			state TEXT NOT NULL,
			aggregator_type TEXT NOT NULL,
			format TEXT NOT NULL,
			payload JSONB NOT NULL,
			status TEXT NOT NULL,
			transaction_id TEXT,
			response_errors JSONB,
			retry_count INTEGER NOT NULL DEFAULT 0,
			next_retry_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS submission_record ON state_aggregator_submission(evv_record_id);
		CREATE INDEX IF NOT EXISTS submission_retry ON state_aggregator_submission(next_retry_at)
			WHERE status = 'RETRY';`,
	},
	{
		Version: 5,
		Name:    "providers",
		SQL: `CREATE TABLE IF NOT EXISTS visit (
			id UUID PRIMARY KEY,
			org_id UUID NOT NULL,
			branch_id UUID NOT NULL,
			client_id UUID NOT NULL,
			caregiver_id UUID NOT NULL,
			service_type_code TEXT NOT NULL,
			service_type_name TEXT NOT NULL,
			scheduled_start TIMESTAMPTZ NOT NULL,
			scheduled_end TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL,
			service_address JSONB NOT NULL,
			rural_flag BOOLEAN NOT NULL DEFAULT FALSE
		);
		CREATE TABLE IF NOT EXISTS client (
			id UUID PRIMARY KEY,
			name TEXT NOT NULL,
			medicaid_id TEXT,
			ahcccs_id TEXT,
			state TEXT NOT NULL,
			mco_code TEXT,
			preferred_aggregator TEXT
		);
		CREATE TABLE IF NOT EXISTS caregiver (
			id UUID PRIMARY KEY,
			name TEXT NOT NULL,
			employee_id TEXT NOT NULL,
			npi TEXT,
			active_credentials JSONB,
			active_certifications JSONB,
			background_screening TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS service_type_credential (
			service_type_code TEXT NOT NULL,
			credential TEXT NOT NULL,
			PRIMARY KEY (service_type_code, credential)
		);`,
	},
}

// Migrate applies all pending migrations in order.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS _migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	if err != nil {
		return fmt.Errorf("create _migrations table: %w", err)
	}

	for _, m := range migrations {
		var exists bool
		if err := pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM _migrations WHERE version = $1)`, m.Version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if exists {
			continue
		}
		if _, err := pool.Exec(ctx, m.SQL); err != nil {
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Name, err)
		}
		if _, err := pool.Exec(ctx,
			`INSERT INTO _migrations (version, name) VALUES ($1, $2)`, m.Version, m.Name); err != nil {
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
	}
	return nil
}
