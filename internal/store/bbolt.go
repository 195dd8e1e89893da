package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/kilupskalvis/coedit/internal/models"
)

var (
	bucketDocuments     = []byte("documents")
	bucketNotifications = []byte("notifications")
)

// BboltStore implements Store using bbolt
type BboltStore struct {
	db *bolt.DB
}

// NewBboltStore opens or creates a bbolt database at the given path
func NewBboltStore(dbPath string) (*BboltStore, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketDocuments, bucketNotifications} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}

	return &BboltStore{db: db}, nil
}

// Close releases the bbolt database
func (s *BboltStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// LoadDocument returns the record saved under id. Returns ErrNotFound if missing.
func (s *BboltStore) LoadDocument(_ context.Context, id string) (*DocumentRecord, error) {
	var rec *DocumentRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDocuments).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		rec = &DocumentRecord{}
		return json.Unmarshal(data, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// SaveDocument stores rec under its document id, replacing any previous record
func (s *BboltStore) SaveDocument(_ context.Context, rec *DocumentRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDocuments).Put([]byte(rec.Document.ID), data)
	})
}

// DeleteDocument removes the record saved under id. Returns ErrNotFound if missing.
func (s *BboltStore) DeleteDocument(_ context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDocuments)
		if b.Get([]byte(id)) == nil {
			return ErrNotFound
		}
		return b.Delete([]byte(id))
	})
}

// ListDocuments summarizes every saved document, ordered by id
func (s *BboltStore) ListDocuments(_ context.Context) ([]DocumentSummary, error) {
	var out []DocumentSummary
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDocuments).ForEach(func(k, v []byte) error {
			var rec DocumentRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode document %s: %w", k, err)
			}
			if rec.Document == nil {
				return nil
			}
			out = append(out, summarize(&rec))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// LoadNotifications returns the list saved for userID, empty if none
func (s *BboltStore) LoadNotifications(_ context.Context, userID string) ([]models.NotificationEntry, error) {
	var entries []models.NotificationEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNotifications).Get([]byte(userID))
		if data == nil {
			return nil
		}
		return json.NewDecoder(bytes.NewReader(data)).Decode(&entries)
	})
	if err != nil {
		return nil, fmt.Errorf("load notifications for %s: %w", userID, err)
	}
	return entries, nil
}

// SaveNotifications replaces the list saved for userID. An empty list deletes the key.
func (s *BboltStore) SaveNotifications(_ context.Context, userID string, entries []models.NotificationEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNotifications)
		if len(entries) == 0 {
			return b.Delete([]byte(userID))
		}
		data, err := json.Marshal(entries)
		if err != nil {
			return fmt.Errorf("marshal notifications: %w", err)
		}
		return b.Put([]byte(userID), data)
	})
}
