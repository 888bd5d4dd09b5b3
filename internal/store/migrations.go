// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package store

import (
	"database/sql"
	"strings"

	"zmed.io/zmonitor/internal/clock"
	"zmed.io/zmonitor/internal/errors"
)

// Migration is one numbered, idempotent schema step. Statements must not
// contain explicit BEGIN/COMMIT: the store wraps each migration in a single
// transaction and rolls the whole file back on any failure.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations are applied in ascending version order; versions are strictly
// monotonic. Idempotence comes from IF NOT EXISTS guards so a re-run after
// a crashed bookkeeping write converges.
var migrations = []Migration{
	{
		Version:     1,
		Description: "base schema",
		SQL: `
CREATE TABLE IF NOT EXISTS patients (
	mrn TEXT PRIMARY KEY,
	admitted_ms INTEGER NOT NULL,
	discharged_ms INTEGER,
	status TEXT NOT NULL DEFAULT 'admitted'
);

CREATE TABLE IF NOT EXISTS vitals (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp_ms INTEGER NOT NULL,
	patient_mrn TEXT,
	metric_kind TEXT NOT NULL,
	value REAL NOT NULL,
	unit TEXT,
	quality TEXT NOT NULL,
	origin TEXT,
	device_id TEXT NOT NULL,
	batch_id TEXT,
	persisted INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_vitals_time ON vitals(timestamp_ms);
CREATE INDEX IF NOT EXISTS idx_vitals_patient ON vitals(patient_mrn);

CREATE TABLE IF NOT EXISTS alarms (
	id TEXT PRIMARY KEY,
	patient_mrn TEXT,
	kind TEXT NOT NULL,
	priority TEXT NOT NULL,
	status TEXT NOT NULL,
	transition TEXT NOT NULL,
	timestamp_ms INTEGER NOT NULL,
	start_ms INTEGER NOT NULL,
	trigger_value REAL,
	threshold_value REAL,
	ack_user TEXT,
	ack_ms INTEGER,
	silence_expiry_ms INTEGER,
	escalation_level INTEGER NOT NULL DEFAULT 0,
	context_json TEXT,
	snapshot BLOB
);
CREATE INDEX IF NOT EXISTS idx_alarms_start ON alarms(start_ms);
CREATE INDEX IF NOT EXISTS idx_alarms_patient ON alarms(patient_mrn);

CREATE TABLE IF NOT EXISTS telemetry_metrics (
	batch_id TEXT PRIMARY KEY,
	device_id TEXT NOT NULL,
	patient_mrn TEXT,
	created_ms INTEGER NOT NULL,
	sealed_ms INTEGER,
	oldest_ms INTEGER,
	newest_ms INTEGER,
	record_count INTEGER NOT NULL DEFAULT 0,
	alarm_count INTEGER NOT NULL DEFAULT 0,
	nonce TEXT,
	signature TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	retry_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_telemetry_created ON telemetry_metrics(created_ms);

CREATE TABLE IF NOT EXISTS action_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp_ms INTEGER NOT NULL,
	iso_time TEXT NOT NULL,
	user_id TEXT,
	user_role TEXT,
	action_kind TEXT NOT NULL,
	target_kind TEXT,
	target_id TEXT,
	details TEXT,
	result TEXT NOT NULL,
	error_code TEXT,
	error_message TEXT,
	device_id TEXT,
	session_hash TEXT,
	previous_hash TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_action_time ON action_log(timestamp_ms);

CREATE TABLE IF NOT EXISTS security_audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp_ms INTEGER NOT NULL,
	event_kind TEXT NOT NULL,
	severity TEXT NOT NULL,
	user_id TEXT,
	success INTEGER NOT NULL,
	detail TEXT,
	previous_hash TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS certificates (
	serial TEXT PRIMARY KEY,
	subject TEXT NOT NULL,
	issuer TEXT NOT NULL,
	not_before_ms INTEGER NOT NULL,
	not_after_ms INTEGER NOT NULL,
	status TEXT NOT NULL,
	fingerprint TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	type TEXT NOT NULL,
	updated_ms INTEGER NOT NULL
);
`,
	},
	{
		Version:     2,
		Description: "crypto metadata (per-database KDF salt)",
		SQL: `
CREATE TABLE IF NOT EXISTS crypto_meta (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	salt BLOB NOT NULL
);
`,
	},
}

// ensureVersionTable creates the bookkeeping table outside the numbered
// migrations so the very first run has somewhere to record itself.
func ensureVersionTable(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY,
	applied_ms INTEGER NOT NULL,
	description TEXT NOT NULL
);`)
	return err
}

// migrate applies every pending migration, each in its own transaction.
func migrate(db *sql.DB) error {
	if err := ensureVersionTable(db); err != nil {
		return errors.Wrap(err, errors.KindInfrastructure, "creating schema_version")
	}

	var current int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return errors.Wrap(err, errors.KindInfrastructure, "reading schema version")
	}

	prev := current
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if m.Version != prev+1 {
			return errors.Errorf(errors.KindInfrastructure,
				"migration versions not contiguous: have %d, next is %d", prev, m.Version)
		}
		if containsExplicitTx(m.SQL) {
			return errors.Errorf(errors.KindInfrastructure,
				"migration %d contains explicit transaction statements", m.Version)
		}

		tx, err := db.Begin()
		if err != nil {
			return errors.Wrapf(err, errors.KindInfrastructure, "beginning migration %d", m.Version)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, errors.KindInfrastructure, "applying migration %d", m.Version)
		}
		if _, err := tx.Exec(
			`INSERT INTO schema_version (version, applied_ms, description) VALUES (?, ?, ?)`,
			m.Version, clock.NowMillis(), m.Description,
		); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, errors.KindInfrastructure, "recording migration %d", m.Version)
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, errors.KindInfrastructure, "committing migration %d", m.Version)
		}
		prev = m.Version
	}
	return nil
}

// containsExplicitTx rejects BEGIN/COMMIT inside migration files; the store
// owns transaction boundaries.
func containsExplicitTx(sqlText string) bool {
	upper := strings.ToUpper(sqlText)
	for _, kw := range []string{"BEGIN TRANSACTION", "BEGIN;", "COMMIT;", "COMMIT TRANSACTION"} {
		if strings.Contains(upper, kw) {
			return true
		}
	}
	return false
}
