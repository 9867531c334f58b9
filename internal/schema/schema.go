// Package schema installs the commandbus database objects. All statements
// are idempotent (CREATE ... IF NOT EXISTS) so Install can run on every boot
// without a migration framework.
package schema

import (
	"database/sql"
	"fmt"
)

// Install creates the commandbus schema, every domain-independent core
// table and their indexes. It creates no stored procedures or functions;
// producing and consuming run as plain SQL from internal/queue and
// internal/repository.
// Per-domain queue tables (commandbus.q_<domain> / _archive) are created
// separately by EnsureQueueTables, since domains are registered at runtime.
func Install(db *sql.DB) error {
	if err := createNamespace(db); err != nil {
		return err
	}
	if err := createCoreTables(db); err != nil {
		return err
	}
	if err := createPerformanceIndexes(db); err != nil {
		return err
	}
	return nil
}

func createNamespace(db *sql.DB) error {
	_, err := db.Exec(`CREATE SCHEMA IF NOT EXISTS commandbus`)
	if err != nil {
		return fmt.Errorf("schema: create namespace: %w", err)
	}
	return nil
}

func createCoreTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS commandbus.command (
			domain              TEXT NOT NULL,
			command_id          TEXT NOT NULL,
			command_type        TEXT NOT NULL,
			correlation_id      TEXT NOT NULL,
			process_id          TEXT,
			payload             JSONB NOT NULL,
			status              TEXT NOT NULL DEFAULT 'PENDING',
			attempts            INTEGER NOT NULL DEFAULT 0,
			max_attempts        INTEGER NOT NULL DEFAULT 3,
			msg_id              BIGINT,
			last_error          TEXT,
			last_error_code     TEXT,
			notify_tsq_failure  BOOLEAN NOT NULL DEFAULT false,
			created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (domain, command_id)
		)
	`)
	if err != nil {
		return fmt.Errorf("schema: create command table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS commandbus.audit_log (
			id              BIGSERIAL PRIMARY KEY,
			domain          TEXT NOT NULL,
			command_id      TEXT NOT NULL,
			correlation_id  TEXT NOT NULL,
			event_type      TEXT NOT NULL,
			detail          JSONB,
			recorded_at     TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("schema: create audit_log table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS commandbus.process (
			domain          TEXT NOT NULL,
			process_id      TEXT NOT NULL,
			process_type    TEXT NOT NULL,
			status          TEXT NOT NULL DEFAULT 'PENDING',
			current_step    TEXT NOT NULL,
			state           JSONB NOT NULL,
			completed_steps JSONB NOT NULL DEFAULT '[]',
			error_code      TEXT,
			error_message   TEXT,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (domain, process_id)
		)
	`)
	if err != nil {
		return fmt.Errorf("schema: create process table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS commandbus.process_audit (
			id            BIGSERIAL PRIMARY KEY,
			process_id    TEXT NOT NULL,
			step_name     TEXT NOT NULL,
			command_id    TEXT NOT NULL,
			command_type  TEXT NOT NULL,
			command_data  JSONB,
			sent_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
			reply_outcome TEXT,
			reply_data    JSONB,
			received_at   TIMESTAMPTZ
		)
	`)
	if err != nil {
		return fmt.Errorf("schema: create process_audit table: %w", err)
	}

	return nil
}

func createPerformanceIndexes(db *sql.DB) error {
	_, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_command_status ON commandbus.command (domain, status)`)
	if err != nil {
		return fmt.Errorf("schema: create command status index: %w", err)
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_command_correlation ON commandbus.command (correlation_id)`)
	if err != nil {
		return fmt.Errorf("schema: create command correlation index: %w", err)
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_log_command ON commandbus.audit_log (domain, command_id)`)
	if err != nil {
		return fmt.Errorf("schema: create audit_log command index: %w", err)
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_process_audit_process ON commandbus.process_audit (process_id)`)
	if err != nil {
		return fmt.Errorf("schema: create process_audit process index: %w", err)
	}
	return nil
}

// EnsureQueueTables creates the PGMQ-style queue and archive tables for one
// domain, called the first time a domain is registered with the bus.
func EnsureQueueTables(db *sql.DB, domain string) error {
	queueTable := "commandbus.q_" + domain
	archiveTable := queueTable + "_archive"

	_, err := db.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			msg_id       BIGSERIAL PRIMARY KEY,
			command_id   TEXT NOT NULL,
			payload      JSONB NOT NULL,
			enqueued_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			vt           TIMESTAMPTZ NOT NULL DEFAULT now(),
			read_count   INTEGER NOT NULL DEFAULT 0
		)
	`, queueTable))
	if err != nil {
		return fmt.Errorf("schema: create queue table %s: %w", queueTable, err)
	}

	_, err = db.Exec(fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_vt ON %s (vt)`, domain, queueTable))
	if err != nil {
		return fmt.Errorf("schema: create queue vt index %s: %w", queueTable, err)
	}

	_, err = db.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			msg_id       BIGINT PRIMARY KEY,
			command_id   TEXT NOT NULL,
			payload      JSONB NOT NULL,
			enqueued_at  TIMESTAMPTZ NOT NULL,
			archived_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			read_count   INTEGER NOT NULL
		)
	`, archiveTable))
	if err != nil {
		return fmt.Errorf("schema: create archive table %s: %w", archiveTable, err)
	}

	return nil
}

// CheckExists reports whether the commandbus schema has already been
// installed, so callers can skip Install on a warm start if they wish.
func CheckExists(db *sql.DB) (bool, error) {
	var exists bool
	err := db.QueryRow(`SELECT EXISTS (SELECT 1 FROM information_schema.schemata WHERE schema_name = 'commandbus')`).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("schema: check exists: %w", err)
	}
	return exists, nil
}
