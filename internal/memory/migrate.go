package memory

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/jmoiron/sqlx"
)

const schemaVersion = 2

// migration is one schema step. Each dialect gets its own SQL; statements are
// separated by semicolons and applied in one transaction.
type migration struct {
	Version     int
	Description string
	SQLite      string
	Postgres    string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "conversations and messages",
		SQLite: `
		CREATE TABLE IF NOT EXISTS conversations (
			id          TEXT PRIMARY KEY,
			owner_id    TEXT NOT NULL,
			title       TEXT NOT NULL DEFAULT '',
			is_active   BOOLEAN NOT NULL DEFAULT 1,
			metadata    TEXT NOT NULL DEFAULT '{}',
			created_at  DATETIME NOT NULL,
			updated_at  DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_conversations_owner ON conversations(owner_id, updated_at);

		CREATE TABLE IF NOT EXISTS messages (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			id              TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			created_at      DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id, seq)`,
		Postgres: `
		CREATE TABLE IF NOT EXISTS conversations (
			id          TEXT PRIMARY KEY,
			owner_id    TEXT NOT NULL,
			title       TEXT NOT NULL DEFAULT '',
			is_active   BOOLEAN NOT NULL DEFAULT TRUE,
			metadata    TEXT NOT NULL DEFAULT '{}',
			created_at  TIMESTAMPTZ NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_conversations_owner ON conversations(owner_id, updated_at);

		CREATE TABLE IF NOT EXISTS messages (
			seq             BIGSERIAL PRIMARY KEY,
			id              TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id, seq)`,
	},
	{
		Version:     2,
		Description: "memory items keyed per owner",
		SQLite: `
		CREATE TABLE IF NOT EXISTS memory_items (
			owner_id    TEXT NOT NULL,
			mem_key     TEXT NOT NULL,
			value       TEXT NOT NULL,
			category    TEXT NOT NULL DEFAULT '',
			importance  INTEGER NOT NULL DEFAULT 0,
			updated_at  DATETIME NOT NULL,
			PRIMARY KEY (owner_id, mem_key)
		)`,
		Postgres: `
		CREATE TABLE IF NOT EXISTS memory_items (
			owner_id    TEXT NOT NULL,
			mem_key     TEXT NOT NULL,
			value       TEXT NOT NULL,
			category    TEXT NOT NULL DEFAULT '',
			importance  INTEGER NOT NULL DEFAULT 0,
			updated_at  TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (owner_id, mem_key)
		)`,
	},
}

func (m migration) statements(driver string) []string {
	src := m.SQLite
	if driver == DriverPostgres {
		src = m.Postgres
	}
	var out []string
	for _, stmt := range strings.Split(src, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// RunMigrations applies all pending migrations, tracked in schema_version.
func RunMigrations(db *sqlx.DB, driver string, logger *slog.Logger) error {
	ts := "DATETIME DEFAULT CURRENT_TIMESTAMP"
	if driver == DriverPostgres {
		ts = "TIMESTAMPTZ DEFAULT now()"
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  ` + ts + `
		)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("query schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		logger.Info("applying migration", "version", m.Version, "description", m.Description)

		tx, err := db.Beginx()
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", m.Version, err)
		}
		for _, stmt := range m.statements(driver) {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration v%d failed: %w", m.Version, err)
			}
		}
		if _, err := tx.Exec(tx.Rebind(
			`INSERT INTO schema_version (version, description) VALUES (?, ?)`),
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

// GetSchemaVersion returns the highest applied migration, 0 on a fresh database.
func GetSchemaVersion(db *sqlx.DB) (int, error) {
	var version int
	if err := db.Get(&version, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
		return 0, err
	}
	return version, nil
}
