// Package store persists document snapshots with their operation history and
// per-user notification lists. Two embedded backends are provided: bbolt and
// SQLite.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kilupskalvis/coedit/internal/models"
	"github.com/kilupskalvis/coedit/internal/state"
)

// ErrNotFound is returned when a key has never been saved
var ErrNotFound = errors.New("not found")

// Backend names accepted by Open
const (
	BackendBbolt  = "bbolt"
	BackendSQLite = "sqlite"
)

// DocumentRecord is what a room persists under its key
type DocumentRecord struct {
	Document *models.DocumentState `json:"document"`
	History  []state.Entry         `json:"history"`
	SavedAt  time.Time             `json:"saved_at"`
}

// DocumentSummary describes a persisted document without its content
type DocumentSummary struct {
	ID            string    `json:"id"`
	Version       int64     `json:"version"`
	Length        int       `json:"length"`
	HistoryLength int       `json:"history_length"`
	Owner         string    `json:"owner"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Store is the persistence contract used by rooms and notification actors
type Store interface {
	LoadDocument(ctx context.Context, id string) (*DocumentRecord, error)
	SaveDocument(ctx context.Context, rec *DocumentRecord) error
	DeleteDocument(ctx context.Context, id string) error
	ListDocuments(ctx context.Context) ([]DocumentSummary, error)

	LoadNotifications(ctx context.Context, userID string) ([]models.NotificationEntry, error)
	SaveNotifications(ctx context.Context, userID string, entries []models.NotificationEntry) error

	Close() error
}

// Open opens the named backend at path
func Open(backend, path string) (Store, error) {
	switch backend {
	case BackendBbolt, "":
		return NewBboltStore(path)
	case BackendSQLite:
		s, err := NewSQLiteStore(path)
		if err != nil {
			return nil, err
		}
		if err := s.Initialize(); err != nil {
			s.Close()
			return nil, err
		}
		if err := s.RunMigrations(); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

func summarize(rec *DocumentRecord) DocumentSummary {
	doc := rec.Document
	return DocumentSummary{
		ID:            doc.ID,
		Version:       doc.Version,
		Length:        doc.Length(),
		HistoryLength: len(rec.History),
		Owner:         doc.Metadata.Permissions.Owner,
		UpdatedAt:     doc.Metadata.UpdatedAt,
	}
}

func validateRecord(rec *DocumentRecord) error {
	if rec == nil || rec.Document == nil || rec.Document.ID == "" {
		return fmt.Errorf("document record without id")
	}
	return nil
}
