package session

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/kilupskalvis/coedit/internal/models"
	"github.com/kilupskalvis/coedit/internal/ot"
)

// Info is the immutable identity of a registered session
type Info struct {
	SessionID  string `json:"session_id"`
	DocumentID string `json:"document_id"`
}

// Manager is the registry of live sessions. The registry itself is safe for
// concurrent use; a Session it returns is not, and belongs to whichever
// goroutine owns its document.
type Manager struct {
	mu           sync.RWMutex
	engine       *ot.Engine
	historyLimit int
	sessions     map[string]*Session
	byDocument   map[string]string
	logger       *slog.Logger
}

// NewManager creates an empty registry
func NewManager(engine *ot.Engine, historyLimit int, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		engine:       engine,
		historyLimit: historyLimit,
		sessions:     make(map[string]*Session),
		byDocument:   make(map[string]string),
		logger:       logger,
	}
}

// Create opens a session on a new version 1 document owned by owner and
// returns its id. A document has at most one open session.
func (m *Manager) Create(documentID, content string, owner *models.Participant) (string, error) {
	if owner == nil || owner.UserID == "" {
		return "", fmt.Errorf("%w: session owner is required", models.ErrMalformedOperation)
	}
	doc := models.NewDocumentState(documentID, content, owner.UserID, ot.Checksum(content))
	s, err := m.Open(doc, owner)
	if err != nil {
		return "", err
	}
	return s.ID(), nil
}

// Open registers a session on an existing document snapshot. owner may be nil
// when the session is reopened from storage before anyone connects.
func (m *Manager) Open(doc *models.DocumentState, owner *models.Participant) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byDocument[doc.ID]; ok {
		return nil, fmt.Errorf("document %s already has open session %s", doc.ID, id)
	}
	s := New(uuid.New().String(), m.engine, doc, owner, m.historyLimit)
	m.sessions[s.ID()] = s
	m.byDocument[doc.ID] = s.ID()

	m.logger.Debug("session opened", "session", s.ID(), "document", doc.ID)
	return s, nil
}

// Get returns the session with id
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrSessionNotFound, id)
	}
	return s, nil
}

// ForDocument returns the open session editing documentID
func (m *Manager) ForDocument(documentID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byDocument[documentID]
	if !ok {
		return nil, false
	}
	return m.sessions[id], true
}

// Join adds p to the session with id
func (m *Manager) Join(id string, p *models.Participant) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	return s.Join(p)
}

// Apply submits op to the session with id
func (m *Manager) Apply(id string, op models.Operation) (ApplyResult, error) {
	s, err := m.Get(id)
	if err != nil {
		return ApplyResult{RejectedOperations: []models.Operation{op}}, err
	}
	return s.Apply(op)
}

// Undo reverts userID's last edit in the session with id
func (m *Manager) Undo(id, userID string) (ApplyResult, error) {
	s, err := m.Get(id)
	if err != nil {
		return ApplyResult{}, err
	}
	return s.Undo(userID)
}

// Redo reapplies userID's last undone edit in the session with id
func (m *Manager) Redo(id, userID string) (ApplyResult, error) {
	s, err := m.Get(id)
	if err != nil {
		return ApplyResult{}, err
	}
	return s.Redo(userID)
}

// Metrics returns the counters of the session with id
func (m *Manager) Metrics(id string) (Metrics, error) {
	s, err := m.Get(id)
	if err != nil {
		return Metrics{}, err
	}
	return s.Metrics(), nil
}

// Close closes and unregisters the session with id
func (m *Manager) Close(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return
	}
	s.Close()
	delete(m.sessions, id)
	if m.byDocument[s.DocumentID()] == id {
		delete(m.byDocument, s.DocumentID())
	}
	m.logger.Debug("session closed", "session", id, "document", s.DocumentID())
}

// List returns the identity of every open session ordered by document id
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.byDocument))
	for doc, id := range m.byDocument {
		out = append(out, Info{SessionID: id, DocumentID: doc})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocumentID < out[j].DocumentID })
	return out
}

// Len returns the number of open sessions
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
