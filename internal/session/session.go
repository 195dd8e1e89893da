// Package session implements the collaboration session: one document's
// participants, permissions, undo/redo stacks and the causal catch-up of
// incoming operations against the document history.
package session

import (
	"fmt"
	"sort"
	"time"

	"github.com/kilupskalvis/coedit/internal/models"
	"github.com/kilupskalvis/coedit/internal/ot"
	"github.com/kilupskalvis/coedit/internal/state"
)

// UndoLimit is the depth of each per-user undo and redo stack
const UndoLimit = 100

// Status is a session's lifecycle state
type Status string

const (
	StatusCreated Status = "created"
	StatusActive  Status = "active"
	StatusIdle    Status = "idle"
	StatusClosed  Status = "closed"
)

// ApplyResult reports the outcome of submitting an operation. Applied holds
// the operation after causal catch-up, as it was applied to the document. It
// has more than one piece when a concurrent insert split a deleted or
// formatted range; the pieces apply in order as one version.
type ApplyResult struct {
	Success            bool               `json:"success"`
	Applied            []models.Operation `json:"operations,omitempty"`
	Version            int64              `json:"version"`
	VectorClock        models.VectorClock `json:"vector_clock,omitempty"`
	RejectedOperations []models.Operation `json:"rejected_operations,omitempty"`
}

// Metrics summarizes a session for observability
type Metrics struct {
	SessionID         string `json:"session_id"`
	DocumentID        string `json:"document_id"`
	Status            Status `json:"status"`
	Participants      int    `json:"participants"`
	TotalParticipants int    `json:"total_participants"`
	OperationCount    int64  `json:"operation_count"`
	Version           int64  `json:"version"`
}

type applyMode int

const (
	modeEdit applyMode = iota
	modeUndo
	modeRedo
)

// Session owns one document. It is not safe for concurrent use: every call
// must come from the single goroutine that owns the session.
type Session struct {
	id           string
	documentID   string
	engine       *ot.Engine
	state        *state.Manager
	participants map[string]*models.Participant
	undo         map[string][][]models.Operation
	redo         map[string][][]models.Operation
	clock        models.VectorClock
	status       Status
	opCount      int64
	createdAt    time.Time
	idleSince    time.Time
	now          func() time.Time
}

// New creates a session for doc with owner as its only participant
func New(id string, engine *ot.Engine, doc *models.DocumentState, owner *models.Participant, historyLimit int) *Session {
	s := &Session{
		id:           id,
		documentID:   doc.ID,
		engine:       engine,
		state:        state.NewManager(engine, doc, historyLimit),
		participants: make(map[string]*models.Participant),
		undo:         make(map[string][][]models.Operation),
		redo:         make(map[string][][]models.Operation),
		clock:        make(models.VectorClock),
		status:       StatusCreated,
		now:          time.Now,
	}
	s.createdAt = s.now().UTC()
	if owner != nil {
		owner.Role = models.RoleOwner
		owner.Permissions = models.PermissionsForRole(models.RoleOwner)
		s.participants[owner.UserID] = owner
		s.status = StatusActive
	} else {
		s.idleSince = s.createdAt
	}
	return s
}

// ID returns the session identifier
func (s *Session) ID() string { return s.id }

// DocumentID returns the identifier of the document the session edits
func (s *Session) DocumentID() string { return s.documentID }

// Status returns the lifecycle state
func (s *Session) Status() Status { return s.status }

// Document returns the current snapshot. Callers must treat it as read-only.
func (s *Session) Document() *models.DocumentState { return s.state.Document() }

// History returns up to limit recent history entries, oldest first
func (s *Session) History(limit int) []state.Entry { return s.state.History(limit) }

// Restore replaces the session's document and history with persisted values
func (s *Session) Restore(doc *models.DocumentState, history []state.Entry) {
	s.state.Restore(doc, history)
}

// Compact compresses the retained history and returns the number of entries removed
func (s *Session) Compact() int { return s.state.Compact() }

// VectorClock returns a copy of the merged clock of every applied operation
func (s *Session) VectorClock() models.VectorClock { return s.clock.Clone() }

// Participant returns the participant with userID
func (s *Session) Participant(userID string) (*models.Participant, bool) {
	p, ok := s.participants[userID]
	return p, ok
}

// Participants returns every participant ordered by join time
func (s *Session) Participants() []*models.Participant {
	out := make([]*models.Participant, 0, len(s.participants))
	for _, p := range s.participants {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// Join adds p, or reactivates a returning participant keeping its role
func (s *Session) Join(p *models.Participant) error {
	if s.status == StatusClosed {
		return fmt.Errorf("%w: %s", models.ErrSessionNotFound, s.id)
	}
	now := s.now().UTC()

	if existing, ok := s.participants[p.UserID]; ok {
		existing.Status = models.StatusActive
		existing.LastSeen = now
		if p.Username != "" {
			existing.Username = p.Username
		}
	} else {
		if p.UserID == s.state.Document().Metadata.Permissions.Owner {
			p.Role = models.RoleOwner
			p.Permissions = models.PermissionsForRole(models.RoleOwner)
		}
		p.Status = models.StatusActive
		p.LastSeen = now
		s.participants[p.UserID] = p
		s.grant(p.UserID, p.Role)
	}
	s.status = StatusActive
	s.idleSince = time.Time{}
	return nil
}

// Leave marks userID disconnected. The session goes idle when nobody is left.
func (s *Session) Leave(userID string) error {
	p, ok := s.participants[userID]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrUserNotFound, userID)
	}
	p.Status = models.StatusDisconnected
	p.LastSeen = s.now().UTC()
	if s.ActiveCount() == 0 && s.status != StatusClosed {
		s.status = StatusIdle
		s.idleSince = p.LastSeen
	}
	return nil
}

// Touch records activity from userID
func (s *Session) Touch(userID string) {
	if p, ok := s.participants[userID]; ok {
		p.LastSeen = s.now().UTC()
		if p.Status == models.StatusIdle {
			p.Status = models.StatusActive
		}
	}
}

// MarkIdle flags active participants not seen within timeout as idle and
// returns their ids.
func (s *Session) MarkIdle(timeout time.Duration) []string {
	cutoff := s.now().UTC().Add(-timeout)
	var idle []string
	for id, p := range s.participants {
		if p.Status == models.StatusActive && p.LastSeen.Before(cutoff) {
			p.Status = models.StatusIdle
			idle = append(idle, id)
		}
	}
	sort.Strings(idle)
	return idle
}

// ActiveCount returns the number of participants that are not disconnected
func (s *Session) ActiveCount() int {
	n := 0
	for _, p := range s.participants {
		if p.Status != models.StatusDisconnected {
			n++
		}
	}
	return n
}

// Expired reports whether the session has had no participants for longer than timeout
func (s *Session) Expired(timeout time.Duration) bool {
	if s.status == StatusClosed {
		return true
	}
	if s.ActiveCount() > 0 {
		return false
	}
	since := s.idleSince
	if since.IsZero() {
		since = s.createdAt
	}
	return s.now().UTC().Sub(since) >= timeout
}

// Close moves the session to its terminal state
func (s *Session) Close() {
	s.status = StatusClosed
}

// SetRole changes target's role. Only participants allowed to manage
// permissions may do so, and the document owner's role is fixed.
func (s *Session) SetRole(actorID, targetID string, role models.Role) error {
	actor, ok := s.participants[actorID]
	if !ok || !actor.Permissions.CanManagePermissions {
		return fmt.Errorf("%w: %s cannot manage permissions", models.ErrPermissionDenied, actorID)
	}
	target, ok := s.participants[targetID]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrUserNotFound, targetID)
	}
	if targetID == s.state.Document().Metadata.Permissions.Owner || role == models.RoleOwner {
		return fmt.Errorf("%w: document ownership cannot change", models.ErrPermissionDenied)
	}
	target.Role = role
	target.Permissions = models.PermissionsForRole(role)
	s.grant(targetID, role)
	return nil
}

func (s *Session) grant(userID string, role models.Role) {
	s.state.UpdateMetadata(func(meta *models.DocumentMetadata) {
		perms := &meta.Permissions
		if perms.Read == nil {
			perms.Read = make(models.UserSet)
		}
		if perms.Write == nil {
			perms.Write = make(models.UserSet)
		}
		delete(perms.Read, userID)
		delete(perms.Write, userID)
		switch role {
		case models.RoleOwner:
			// The owner is implicit in Permissions.Owner.
		case models.RoleEditor:
			perms.Write.Add(userID)
		default:
			perms.Read.Add(userID)
		}
	})
}

// Metrics returns participant and operation counts
func (s *Session) Metrics() Metrics {
	return Metrics{
		SessionID:         s.id,
		DocumentID:        s.DocumentID(),
		Status:            s.status,
		Participants:      s.ActiveCount(),
		TotalParticipants: len(s.participants),
		OperationCount:    s.opCount,
		Version:           s.state.Version(),
	}
}
