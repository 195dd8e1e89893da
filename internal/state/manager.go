// Package state holds the authoritative snapshot of one document together with
// the bounded, version-indexed history of the operations applied to it.
package state

import (
	"fmt"

	"github.com/kilupskalvis/coedit/internal/models"
	"github.com/kilupskalvis/coedit/internal/ot"
)

// DefaultHistoryLimit is the number of history entries retained per document
const DefaultHistoryLimit = 1000

// Entry is one applied edit: the operations that took the document from
// BaseVersion to Version, in the order they were applied. A compacted entry
// replaces several applied edits and spans more than one version.
type Entry struct {
	Operations  []models.Operation `json:"operations"`
	BaseVersion int64              `json:"base_version"`
	Version     int64              `json:"version"`
}

// Manager owns a document snapshot. It is not safe for concurrent use; the
// owning session's actor is the only writer.
type Manager struct {
	engine  *ot.Engine
	doc     *models.DocumentState
	history []Entry
	limit   int
}

// NewManager wraps doc. limit <= 0 selects DefaultHistoryLimit.
func NewManager(engine *ot.Engine, doc *models.DocumentState, limit int) *Manager {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &Manager{engine: engine, doc: doc, limit: limit}
}

// Document returns the current snapshot. Callers must treat it as read-only.
func (m *Manager) Document() *models.DocumentState {
	return m.doc
}

// Version returns the current document version
func (m *Manager) Version() int64 {
	return m.doc.Version
}

// Apply applies ops in order to the current snapshot as one version step and
// records them. On error the snapshot and history are unchanged.
func (m *Manager) Apply(ops ...models.Operation) (Entry, error) {
	next, err := m.engine.ApplyAll(ops, m.doc)
	if err != nil {
		return Entry{}, err
	}
	if next.Checksum != ot.Checksum(next.Content) {
		return Entry{}, fmt.Errorf("checksum mismatch after applying %s", ops[0].ID())
	}

	entry := Entry{Operations: ops, BaseVersion: m.doc.Version, Version: next.Version}
	m.doc = next
	m.history = append(m.history, entry)
	if over := len(m.history) - m.limit; over > 0 {
		m.history = append([]Entry(nil), m.history[over:]...)
	}
	return entry, nil
}

// Since returns the operations applied after version, oldest first. It fails
// with ErrStaleOperation when that part of the history is no longer retained.
func (m *Manager) Since(version int64) ([]models.Operation, error) {
	if version < 1 {
		version = 1
	}
	if version > m.doc.Version {
		return nil, fmt.Errorf("%w: version %d is ahead of document version %d",
			models.ErrMalformedOperation, version, m.doc.Version)
	}
	if version == m.doc.Version {
		return nil, nil
	}

	var ops []models.Operation
	found := false
	for _, e := range m.history {
		if e.Version <= version {
			continue
		}
		if !found {
			if e.BaseVersion != version {
				return nil, fmt.Errorf("%w: history before version %d is not retained",
					models.ErrStaleOperation, e.BaseVersion)
			}
			found = true
		}
		ops = append(ops, e.Operations...)
	}
	if !found {
		return nil, fmt.Errorf("%w: no history after version %d", models.ErrStaleOperation, version)
	}
	return ops, nil
}

// History returns up to limit of the most recent entries, oldest first.
// limit <= 0 returns everything retained.
func (m *Manager) History(limit int) []Entry {
	h := m.history
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	return append([]Entry(nil), h...)
}

// Compact merges typing runs in the retained history. Entries holding more
// than one operation are kept as they are and end any run. The snapshot is
// unaffected. It returns the number of entries removed.
func (m *Manager) Compact() int {
	if len(m.history) < 2 {
		return 0
	}
	out := make([]Entry, 0, len(m.history))
	merge := func(run []Entry) {
		if len(run) == 0 {
			return
		}
		ops := make([]models.Operation, len(run))
		for i, e := range run {
			ops[i] = e.Operations[0]
		}
		merged, counts := m.engine.CompressWithCounts(ops)
		idx := 0
		for i, op := range merged {
			first, last := run[idx], run[idx+counts[i]-1]
			out = append(out, Entry{Operations: []models.Operation{op}, BaseVersion: first.BaseVersion, Version: last.Version})
			idx += counts[i]
		}
	}

	start := 0
	for i, e := range m.history {
		if len(e.Operations) == 1 {
			continue
		}
		merge(m.history[start:i])
		out = append(out, e)
		start = i + 1
	}
	merge(m.history[start:])

	removed := len(m.history) - len(out)
	m.history = out
	return removed
}

// Restore replaces the snapshot and history, as loaded from storage
func (m *Manager) Restore(doc *models.DocumentState, history []Entry) {
	m.doc = doc
	m.history = append([]Entry(nil), history...)
	if over := len(m.history) - m.limit; over > 0 {
		m.history = m.history[over:]
	}
}

// UpdateMetadata replaces the document metadata without changing content or
// version. Used for collaborator and permission changes.
func (m *Manager) UpdateMetadata(fn func(meta *models.DocumentMetadata)) {
	next := m.doc.Clone()
	fn(&next.Metadata)
	m.doc = next
}
