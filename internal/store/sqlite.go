package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kilupskalvis/coedit/internal/models"
)

// SQLiteStore implements Store on an SQLite database
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the database at dbPath. Call Initialize and
// RunMigrations before use; Open does both.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Initialize creates the base schema
func (s *SQLiteStore) Initialize() error {
	schema := `
	-- Document snapshots with their retained history
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		version INTEGER NOT NULL,
		data JSON NOT NULL,
		saved_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Schema version tracking
	CREATE TABLE IF NOT EXISTS coedit_schema_version (
		version INTEGER PRIMARY KEY
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM coedit_schema_version").Scan(&n); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if n == 0 {
		if _, err := s.db.Exec("INSERT INTO coedit_schema_version (version) VALUES (1)"); err != nil {
			return fmt.Errorf("failed to set schema version: %w", err)
		}
	}
	return nil
}

// LoadDocument returns the record saved under id. Returns ErrNotFound if missing.
func (s *SQLiteStore) LoadDocument(ctx context.Context, id string) (*DocumentRecord, error) {
	var data string
	err := s.db.QueryRowContext(ctx, "SELECT data FROM documents WHERE id = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load document %s: %w", id, err)
	}

	rec := &DocumentRecord{}
	if err := json.Unmarshal([]byte(data), rec); err != nil {
		return nil, fmt.Errorf("decode document %s: %w", id, err)
	}
	return rec, nil
}

// SaveDocument stores rec under its document id, replacing any previous record
func (s *SQLiteStore) SaveDocument(ctx context.Context, rec *DocumentRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	doc := rec.Document
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (id, version, content_length, history_length, owner, data, saved_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			version = excluded.version,
			content_length = excluded.content_length,
			history_length = excluded.history_length,
			owner = excluded.owner,
			data = excluded.data,
			saved_at = excluded.saved_at,
			updated_at = excluded.updated_at`,
		doc.ID, doc.Version, doc.Length(), len(rec.History), doc.Metadata.Permissions.Owner,
		string(data), rec.SavedAt.UTC().Format(time.RFC3339Nano), doc.Metadata.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save document %s: %w", doc.ID, err)
	}
	return nil
}

// DeleteDocument removes the record saved under id. Returns ErrNotFound if missing.
func (s *SQLiteStore) DeleteDocument(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDocuments summarizes every saved document, ordered by id
func (s *SQLiteStore) ListDocuments(ctx context.Context) ([]DocumentSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, version, content_length, history_length, owner, COALESCE(updated_at, saved_at, '')
		FROM documents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var out []DocumentSummary
	for rows.Next() {
		var d DocumentSummary
		var updated string
		if err := rows.Scan(&d.ID, &d.Version, &d.Length, &d.HistoryLength, &d.Owner, &updated); err != nil {
			return nil, err
		}
		d.UpdatedAt = parseTimestamp(updated)
		out = append(out, d)
	}
	return out, rows.Err()
}

// LoadNotifications returns the list saved for userID, empty if none
func (s *SQLiteStore) LoadNotifications(ctx context.Context, userID string) ([]models.NotificationEntry, error) {
	var data string
	err := s.db.QueryRowContext(ctx, "SELECT data FROM notifications WHERE user_id = ?", userID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load notifications for %s: %w", userID, err)
	}

	var entries []models.NotificationEntry
	if err := json.Unmarshal([]byte(data), &entries); err != nil {
		return nil, fmt.Errorf("decode notifications for %s: %w", userID, err)
	}
	return entries, nil
}

// SaveNotifications replaces the list saved for userID. An empty list deletes the row.
func (s *SQLiteStore) SaveNotifications(ctx context.Context, userID string, entries []models.NotificationEntry) error {
	if len(entries) == 0 {
		_, err := s.db.ExecContext(ctx, "DELETE FROM notifications WHERE user_id = ?", userID)
		return err
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal notifications: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notifications (user_id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		userID, string(data), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save notifications for %s: %w", userID, err)
	}
	return nil
}

// parseTimestamp parses a timestamp string from SQLite in the formats it may be stored in
func parseTimestamp(s string) time.Time {
	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
