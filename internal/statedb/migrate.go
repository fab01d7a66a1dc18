package statedb

import (
	"database/sql"
	"fmt"
	"strconv"
)

// SchemaVersion tracks the current database schema version.
// Bump this when appending to migrations.
const SchemaVersion = 2

type migration struct {
	version int
	name    string
	stmts   []string
}

// migrations run in order inside one transaction; each step only runs when
// the stored schema_version is below its version.
var migrations = []migration{
	{
		version: 1,
		name:    "settings, keywords, alerts, status",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS settings (
				user_id          TEXT PRIMARY KEY,
				watched_groups   TEXT NOT NULL DEFAULT '[]',
				global_keywords  TEXT NOT NULL DEFAULT '[]',
				delivery_address TEXT NOT NULL DEFAULT '',
				updated_at       INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE TABLE IF NOT EXISTS group_keywords (
				user_id    TEXT NOT NULL,
				group_id   TEXT NOT NULL,
				group_name TEXT NOT NULL DEFAULT '',
				keywords   TEXT NOT NULL DEFAULT '[]',
				updated_at INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (user_id, group_id)
			)`,
			`CREATE TABLE IF NOT EXISTS alerts (
				seq             INTEGER PRIMARY KEY AUTOINCREMENT,
				id              TEXT NOT NULL UNIQUE,
				user_id         TEXT NOT NULL,
				group_id        TEXT NOT NULL,
				group_name      TEXT NOT NULL DEFAULT '',
				matched_keyword TEXT NOT NULL,
				message_text    TEXT NOT NULL DEFAULT '',
				sender_name     TEXT NOT NULL DEFAULT '',
				created_at      INTEGER NOT NULL,
				delivered       INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE INDEX IF NOT EXISTS idx_alerts_user_seq ON alerts (user_id, seq DESC)`,
			`CREATE TABLE IF NOT EXISTS user_status (
				user_id    TEXT PRIMARY KEY,
				status     TEXT NOT NULL,
				last_error TEXT NOT NULL DEFAULT '',
				updated_at INTEGER NOT NULL DEFAULT 0
			)`,
		},
	},
	{
		version: 2,
		name:    "push subscriptions",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS push_subscriptions (
				endpoint         TEXT PRIMARY KEY,
				user_id          TEXT NOT NULL,
				p256dh           TEXT NOT NULL,
				auth             TEXT NOT NULL,
				focused          INTEGER,
				focus_updated_at INTEGER NOT NULL DEFAULT 0,
				updated_at       INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE INDEX IF NOT EXISTS idx_push_user ON push_subscriptions (user_id)`,
		},
	},
}

// Migrate creates tables if they don't exist and runs any pending migrations.
func (s *StateDB) Migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("statedb: create metadata: %w", err)
	}

	current, err := schemaVersion(tx)
	if err != nil {
		return err
	}
	if current > SchemaVersion {
		return fmt.Errorf("statedb: database schema %d is newer than supported %d", current, SchemaVersion)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		for _, stmt := range m.stmts {
			if _, err := tx.Exec(stmt); err != nil {
				return fmt.Errorf("statedb: migration %d (%s): %w", m.version, m.name, err)
			}
		}
	}

	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)
	`, strconv.Itoa(SchemaVersion)); err != nil {
		return fmt.Errorf("statedb: set schema version: %w", err)
	}

	return tx.Commit()
}

// SchemaVersionInDB returns the schema version recorded in the database.
func (s *StateDB) SchemaVersionInDB() (int, error) {
	raw, err := s.GetMeta("schema_version")
	if err != nil || raw == "" {
		return 0, err
	}
	return strconv.Atoi(raw)
}

func schemaVersion(tx *sql.Tx) (int, error) {
	var raw string
	err := tx.QueryRow("SELECT value FROM metadata WHERE key = 'schema_version'").Scan(&raw)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("statedb: read schema version: %w", err)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("statedb: bad schema version %q: %w", raw, err)
	}
	return v, nil
}
