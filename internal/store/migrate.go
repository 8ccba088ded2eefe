package store

import (
	"database/sql"
	"fmt"
	"log/slog"
)

// schemaVersion is the current expected schema version.
const schemaVersion = 2

// migration represents a single schema migration step.
type migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations is the ordered list of schema migrations, each applied exactly
// once and tracked in the schema_version table.
var migrations = []migration{
	{
		Version:     1,
		Description: "base schema: supplier_requests, supplier_response_history, workflow_resume_triggers",
		SQL: `
		CREATE TABLE IF NOT EXISTS supplier_requests (
			request_id           TEXT PRIMARY KEY,
			thread_id            TEXT NOT NULL,
			conversation_round   INTEGER NOT NULL DEFAULT 1,
			supplier_id          TEXT NOT NULL,
			assigned_user_id     TEXT NOT NULL DEFAULT '',
			request_type         TEXT NOT NULL,
			request_subject      TEXT NOT NULL DEFAULT '',
			request_message      TEXT NOT NULL DEFAULT '',
			request_context      TEXT,
			status               TEXT NOT NULL DEFAULT 'pending',
			priority             TEXT NOT NULL DEFAULT 'medium',
			supplier_response    TEXT NOT NULL DEFAULT '',
			response_data        TEXT,
			responded_at         TEXT,
			created_at           TEXT NOT NULL,
			expires_at           TEXT,
			notification_sent_at TEXT,
			reminder_sent_count  INTEGER NOT NULL DEFAULT 0,
			last_reminder_at     TEXT,
			updated_at           TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_requests_thread ON supplier_requests(thread_id);
		CREATE INDEX IF NOT EXISTS idx_requests_supplier ON supplier_requests(supplier_id);
		CREATE INDEX IF NOT EXISTS idx_requests_status_expiry ON supplier_requests(status, expires_at);

		CREATE TABLE IF NOT EXISTS supplier_response_history (
			id               TEXT PRIMARY KEY,
			request_id       TEXT NOT NULL,
			supplier_user_id TEXT NOT NULL DEFAULT '',
			response_text    TEXT NOT NULL,
			response_data    TEXT,
			response_type    TEXT NOT NULL,
			ip_address       TEXT NOT NULL DEFAULT '',
			user_agent       TEXT NOT NULL DEFAULT '',
			created_at       TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_history_request ON supplier_response_history(request_id, created_at);

		CREATE TABLE IF NOT EXISTS workflow_resume_triggers (
			trigger_id          TEXT PRIMARY KEY,
			thread_id           TEXT NOT NULL,
			request_id          TEXT NOT NULL,
			trigger_type        TEXT NOT NULL,
			triggered_at        TEXT NOT NULL,
			resume_status       TEXT NOT NULL DEFAULT 'pending',
			resume_started_at   TEXT,
			resume_completed_at TEXT,
			error_message       TEXT NOT NULL DEFAULT '',
			retry_count         INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_triggers_request ON workflow_resume_triggers(request_id, triggered_at);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_triggers_processing
			ON workflow_resume_triggers(request_id) WHERE resume_status = 'processing';
		`,
	},
	{
		Version:     2,
		Description: "v2: follow_up_schedules, follow_up_messages",
		SQL: `
		CREATE TABLE IF NOT EXISTS follow_up_schedules (
			schedule_id               TEXT PRIMARY KEY,
			request_id                TEXT NOT NULL,
			supplier_id               TEXT NOT NULL,
			recipient                 TEXT NOT NULL DEFAULT '',
			delay_reason              TEXT NOT NULL DEFAULT '',
			estimated_duration        TEXT NOT NULL DEFAULT '',
			supplier_commitment_level TEXT NOT NULL DEFAULT '',
			next_follow_up_date       TEXT,
			follow_up_method          TEXT NOT NULL DEFAULT 'email',
			initial_tone              TEXT NOT NULL DEFAULT '',
			status                    TEXT NOT NULL DEFAULT 'active',
			follow_ups_sent           INTEGER NOT NULL DEFAULT 0,
			last_follow_up_date       TEXT,
			created_at                TEXT NOT NULL,
			updated_at                TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_schedules_request ON follow_up_schedules(request_id);
		CREATE INDEX IF NOT EXISTS idx_schedules_supplier ON follow_up_schedules(supplier_id);

		CREATE TABLE IF NOT EXISTS follow_up_messages (
			message_id        TEXT PRIMARY KEY,
			schedule_id       TEXT NOT NULL,
			message_type      TEXT NOT NULL DEFAULT '',
			subject_line      TEXT NOT NULL DEFAULT '',
			message_body      TEXT NOT NULL,
			tone              TEXT NOT NULL DEFAULT '',
			planned_send_date TEXT NOT NULL,
			actual_send_date  TEXT,
			channel           TEXT NOT NULL,
			status            TEXT NOT NULL DEFAULT 'pending',
			response_received INTEGER NOT NULL DEFAULT 0,
			error_message     TEXT NOT NULL DEFAULT '',
			created_at        TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_schedule ON follow_up_messages(schedule_id, planned_send_date);
		CREATE INDEX IF NOT EXISTS idx_messages_due ON follow_up_messages(status, planned_send_date);
		`,
	},
}

// RunMigrations applies all pending schema migrations.
func RunMigrations(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	currentVersion, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("query schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		logger.Info("applying migration",
			"version", m.Version,
			"description", m.Description,
		)

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration v%d failed: %w", m.Version, err)
		}
		if _, err := tx.Exec(
			"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.Version, err)
		}

		logger.Info("migration applied", "version", m.Version)
	}

	return nil
}

// GetSchemaVersion returns the current schema version from the database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var tableName string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&tableName)
	if err != nil {
		return 0, nil // no table yet => version 0
	}

	var version int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}
