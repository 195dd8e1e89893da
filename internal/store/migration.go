package store

import (
	"database/sql"
	"errors"
	"fmt"
)

const currentSchemaVersion = 3

// RunMigrations applies any pending database migrations
func (s *SQLiteStore) RunMigrations() error {
	version, err := s.getSchemaVersion()
	if err != nil {
		return err
	}

	if version < 2 {
		if err := s.migrateToV2(); err != nil {
			return fmt.Errorf("migration to v2 failed: %w", err)
		}
	}

	if version < 3 {
		if err := s.migrateToV3(); err != nil {
			return fmt.Errorf("migration to v3 failed: %w", err)
		}
	}

	return nil
}

// SchemaVersion returns the applied schema version
func (s *SQLiteStore) SchemaVersion() (int, error) {
	return s.getSchemaVersion()
}

// getSchemaVersion returns the current schema version, 1 if not set
func (s *SQLiteStore) getSchemaVersion() (int, error) {
	var tableName string
	err := s.db.QueryRow(`
		SELECT name FROM sqlite_master
		WHERE type='table' AND name='coedit_schema_version'
	`).Scan(&tableName)
	if errors.Is(err, sql.ErrNoRows) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}

	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 1) FROM coedit_schema_version").Scan(&version); err != nil {
		return 1, nil
	}
	return version, nil
}

// migrateToV2 adds per-user notification lists
func (s *SQLiteStore) migrateToV2() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS notifications (
			user_id TEXT PRIMARY KEY,
			data JSON NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}
	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return err
		}
	}

	_, err := s.db.Exec("INSERT OR REPLACE INTO coedit_schema_version (version) VALUES (?)", 2)
	return err
}

// migrateToV3 denormalizes document summary columns so listing does not
// decode every snapshot
func (s *SQLiteStore) migrateToV3() error {
	columns := []struct{ name, ddl string }{
		{"content_length", "ALTER TABLE documents ADD COLUMN content_length INTEGER NOT NULL DEFAULT 0"},
		{"history_length", "ALTER TABLE documents ADD COLUMN history_length INTEGER NOT NULL DEFAULT 0"},
		{"owner", "ALTER TABLE documents ADD COLUMN owner TEXT NOT NULL DEFAULT ''"},
		{"updated_at", "ALTER TABLE documents ADD COLUMN updated_at DATETIME"},
	}
	for _, c := range columns {
		if s.columnExists("documents", c.name) {
			continue
		}
		if _, err := s.db.Exec(c.ddl); err != nil {
			return fmt.Errorf("add column %s: %w", c.name, err)
		}
	}

	if _, err := s.db.Exec(`UPDATE documents SET updated_at = saved_at WHERE updated_at IS NULL`); err != nil {
		return err
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_documents_updated ON documents(updated_at)`); err != nil {
		return err
	}

	_, err := s.db.Exec("INSERT OR REPLACE INTO coedit_schema_version (version) VALUES (?)", currentSchemaVersion)
	return err
}

// columnExists checks if a column exists in a table
func (s *SQLiteStore) columnExists(table, column string) bool {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM pragma_table_info(?)
		WHERE name = ?
	`, table, column).Scan(&count)
	return err == nil && count > 0
}
