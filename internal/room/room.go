// Package room runs one actor per document. The actor owns the document's
// collaboration session and the connections editing it, so every chat line,
// presence update and edit for a room is handled in a single arrival order.
package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kilupskalvis/coedit/internal/actor"
	"github.com/kilupskalvis/coedit/internal/models"
	"github.com/kilupskalvis/coedit/internal/protocol"
	"github.com/kilupskalvis/coedit/internal/session"
	"github.com/kilupskalvis/coedit/internal/store"
)

// presenceTimeout is how long a participant may stay silent before it is
// shown as idle to the rest of the room.
const presenceTimeout = time.Minute

// Sender is the connection a room writes to
type Sender = protocol.Sender

// User is an authenticated caller
type User struct {
	ID       string
	Username string
	Role     models.Role
}

// Observer is told about room activity, for metrics
type Observer interface {
	ConnectionOpened(room string)
	ConnectionClosed(room string)
	OperationApplied(room string)
	OperationRejected(room, code string)
}

// Publisher is told when a room snapshot has been written to storage
type Publisher interface {
	DocumentSaved(room string, version int64, checksum string)
}

type nopObserver struct{}

func (nopObserver) ConnectionOpened(string)          {}
func (nopObserver) ConnectionClosed(string)          {}
func (nopObserver) OperationApplied(string)          {}
func (nopObserver) OperationRejected(string, string) {}

// Config holds the room limits
type Config struct {
	MaxConnectionsPerUser int
	ChatHistoryLimit      int
	WelcomeOperations     int
	ConnectionTimeout     time.Duration // inactive connections are closed after this
	IdleTimeout           time.Duration // an empty room is reclaimed after this
	CleanupInterval       time.Duration
	Shards                int
	InboxSize             int
}

// DefaultConfig returns the default room limits
func DefaultConfig() Config {
	return Config{
		MaxConnectionsPerUser: 5,
		ChatHistoryLimit:      100,
		WelcomeOperations:     50,
		ConnectionTimeout:     5 * time.Minute,
		IdleTimeout:           10 * time.Minute,
		CleanupInterval:       30 * time.Second,
	}
}

type conn struct {
	info   models.Connection
	sender Sender
}

// Room is the state owned by one room actor
type Room struct {
	id      string
	session *session.Session // nil until someone connects to a new document
	conns   map[string]*conn
	chat    []protocol.ChatEntry
	dirty   bool
}

// Manager routes room traffic to the room actors
type Manager struct {
	cfg       Config
	sessions  *session.Manager
	store     store.Store
	observer  Observer
	publisher Publisher
	logger    *slog.Logger
	sup       *actor.Supervisor[*Room]
	now       func() time.Time
}

// NewManager creates the room manager. Room actors start on first use.
func NewManager(cfg Config, sessions *session.Manager, st store.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:      cfg,
		sessions: sessions,
		store:    st,
		observer: nopObserver{},
		logger:   logger,
		now:      time.Now,
	}
	m.sup = actor.New(actor.Hooks[*Room]{
		Start: m.start,
		Tick:  m.tick,
		Stop:  m.stop,
	}, actor.Options{
		Shards:       cfg.Shards,
		InboxSize:    cfg.InboxSize,
		TickInterval: cfg.CleanupInterval,
		Logger:       logger,
		Name:         "room",
	})
	return m
}

// SetObserver installs o. It must be called before the first connection.
func (m *Manager) SetObserver(o Observer) {
	if o != nil {
		m.observer = o
	}
}

// SetPublisher installs p. It must be called before the first connection.
func (m *Manager) SetPublisher(p Publisher) {
	m.publisher = p
}

// Active returns the ids of rooms that currently have a live actor
func (m *Manager) Active() []string {
	keys := m.sup.Keys()
	sort.Strings(keys)
	return keys
}

// Shutdown persists and stops every room
func (m *Manager) Shutdown(ctx context.Context) error {
	return m.sup.Shutdown(ctx)
}

func (m *Manager) start(ctx context.Context, id string) (*Room, error) {
	r := &Room{id: id, conns: make(map[string]*conn)}

	if s, ok := m.sessions.ForDocument(id); ok {
		r.session = s
		return r, nil
	}

	rec, err := m.store.LoadDocument(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load document %s: %w", id, err)
	}

	s, err := m.sessions.Open(rec.Document, nil)
	if err != nil {
		return nil, err
	}
	s.Restore(rec.Document, rec.History)
	r.session = s
	m.logger.Info("room restored", "room", id, "version", rec.Document.Version, "history", len(rec.History))
	return r, nil
}

func (m *Manager) tick(ctx context.Context, id string, r *Room) bool {
	m.evictInactive(r)
	if over := len(r.chat) - m.cfg.ChatHistoryLimit; over > 0 {
		r.chat = append([]protocol.ChatEntry(nil), r.chat[over:]...)
	}
	if r.session != nil {
		r.session.MarkIdle(presenceTimeout)
	}
	if r.dirty {
		if err := m.persist(ctx, r); err != nil {
			m.logger.Error("failed to persist room", "room", id, "error", err)
		}
	}

	if len(r.conns) > 0 {
		return false
	}
	return r.session == nil || r.session.Expired(m.cfg.IdleTimeout)
}

func (m *Manager) stop(ctx context.Context, id string, r *Room) {
	for cid, c := range r.conns {
		c.sender.Close("room closed")
		delete(r.conns, cid)
		m.observer.ConnectionClosed(id)
	}
	if r.session == nil {
		return
	}
	if r.dirty {
		saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := m.persist(saveCtx, r); err != nil {
			m.logger.Error("failed to persist room on stop", "room", id, "error", err)
		}
		cancel()
	}
	m.sessions.Close(r.session.ID())
	m.logger.Info("room stopped", "room", id)
}

func (m *Manager) persist(ctx context.Context, r *Room) error {
	doc := r.session.Document()
	rec := &store.DocumentRecord{
		Document: doc,
		History:  r.session.History(0),
		SavedAt:  m.now().UTC(),
	}
	if err := m.store.SaveDocument(ctx, rec); err != nil {
		return err
	}
	r.dirty = false
	m.logger.Debug("room persisted", "room", r.id, "version", doc.Version)
	if m.publisher != nil {
		m.publisher.DocumentSaved(r.id, doc.Version, doc.Checksum)
	}
	return nil
}

// Connect registers a new connection for user, joining them to the room's
// session. The connection receives a welcome frame; everyone else is told
// the user joined.
func (m *Manager) Connect(ctx context.Context, roomID string, user User, sender Sender) (models.Connection, error) {
	return actor.Ask(ctx, m.sup, roomID, func(ctx context.Context, r *Room) (models.Connection, error) {
		return m.connect(r, user, sender)
	})
}

func (m *Manager) connect(r *Room, user User, sender Sender) (models.Connection, error) {
	if user.ID == "" {
		return models.Connection{}, fmt.Errorf("%w: user id is required", models.ErrUserNotFound)
	}
	if n := r.userConnections(user.ID); n >= m.cfg.MaxConnectionsPerUser {
		return models.Connection{}, fmt.Errorf("%w: %s already has %d connections to %s",
			models.ErrCapacityExceeded, user.ID, n, r.id)
	}

	if r.session == nil {
		owner := models.NewParticipant(user.ID, user.Username, models.RoleOwner)
		id, err := m.sessions.Create(r.id, "", owner)
		if err != nil {
			return models.Connection{}, err
		}
		s, err := m.sessions.Get(id)
		if err != nil {
			return models.Connection{}, err
		}
		r.session = s
	} else {
		p := models.NewParticipant(user.ID, user.Username, roleFor(r.session.Document(), user))
		if err := r.session.Join(p); err != nil {
			return models.Connection{}, err
		}
	}
	r.dirty = true

	now := m.now().UTC()
	c := &conn{
		info: models.Connection{
			ConnectionID: uuid.New().String(),
			UserID:       user.ID,
			Username:     user.Username,
			Role:         user.Role,
			JoinedAt:     now,
			LastActivity: now,
		},
		sender: sender,
	}
	if p, ok := r.session.Participant(user.ID); ok {
		c.info.Role = p.Role
	}
	r.conns[c.info.ConnectionID] = c
	m.observer.ConnectionOpened(r.id)

	doc := r.session.Document()
	history := r.session.History(m.cfg.WelcomeOperations)
	recent := make([]models.Operation, 0, len(history))
	for _, e := range history {
		recent = append(recent, e.Operations...)
	}
	welcome := protocol.Welcome{
		ConnectionID:     c.info.ConnectionID,
		RoomID:           r.id,
		SessionID:        r.session.ID(),
		Content:          doc.Content,
		Version:          doc.Version,
		Checksum:         doc.Checksum,
		Formatting:       doc.Formatting,
		Participants:     r.session.Participants(),
		RecentOperations: recent,
		ChatHistory:      append([]protocol.ChatEntry(nil), r.chat...),
	}
	m.deliver(r, c, protocol.MustNew(protocol.TypeWelcome, "", welcome))

	p, _ := r.session.Participant(user.ID)
	joined := protocol.MustNew(protocol.TypeUserJoined, user.ID, protocol.Presence{
		UserID:       user.ID,
		Username:     user.Username,
		ConnectionID: c.info.ConnectionID,
		Participant:  p,
	})
	m.broadcast(r, joined, c.info.ConnectionID)

	m.logger.Info("connection opened", "room", r.id, "user", user.ID, "connection", c.info.ConnectionID)
	return c.info, nil
}

// Disconnect deregisters a connection and tells the room the user left
func (m *Manager) Disconnect(ctx context.Context, roomID, connectionID string) error {
	return m.sup.Tell(ctx, roomID, func(ctx context.Context, r *Room) {
		if c, ok := r.conns[connectionID]; ok {
			m.drop(r, c)
		}
	})
}

// drop removes c from the room. The user leaves the session once their last
// connection is gone.
func (m *Manager) drop(r *Room, c *conn) {
	delete(r.conns, c.info.ConnectionID)
	if r.userConnections(c.info.UserID) == 0 && r.session != nil {
		if err := r.session.Leave(c.info.UserID); err != nil {
			m.logger.Debug("leave failed", "room", r.id, "user", c.info.UserID, "error", err)
		}
	}
	left := protocol.MustNew(protocol.TypeUserLeft, c.info.UserID, protocol.Presence{
		UserID:       c.info.UserID,
		Username:     c.info.Username,
		ConnectionID: c.info.ConnectionID,
	})
	m.broadcast(r, left, "")

	m.observer.ConnectionClosed(r.id)
	m.logger.Info("connection closed", "room", r.id, "user", c.info.UserID, "connection", c.info.ConnectionID)
}

func (m *Manager) evictInactive(r *Room) {
	cutoff := m.now().UTC().Add(-m.cfg.ConnectionTimeout)
	for _, c := range r.sortedConns() {
		if c.info.LastActivity.Before(cutoff) {
			c.sender.Close("inactive")
			m.drop(r, c)
		}
	}
}

func (m *Manager) deliver(r *Room, c *conn, env protocol.Envelope) {
	if err := c.sender.Send(env); err != nil {
		m.logger.Debug("send failed", "room", r.id, "connection", c.info.ConnectionID, "type", env.Type, "error", err)
	}
}

// broadcast sends env to every connection except the one with id except
func (m *Manager) broadcast(r *Room, env protocol.Envelope, except string) int {
	n := 0
	for _, c := range r.sortedConns() {
		if c.info.ConnectionID == except {
			continue
		}
		m.deliver(r, c, env)
		n++
	}
	return n
}

func (r *Room) userConnections(userID string) int {
	n := 0
	for _, c := range r.conns {
		if c.info.UserID == userID {
			n++
		}
	}
	return n
}

// sortedConns returns the connections in the order they joined
func (r *Room) sortedConns() []*conn {
	out := make([]*conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].info.JoinedAt.Equal(out[j].info.JoinedAt) {
			return out[i].info.ConnectionID < out[j].info.ConnectionID
		}
		return out[i].info.JoinedAt.Before(out[j].info.JoinedAt)
	})
	return out
}

// roleFor picks a newcomer's role from the document's access lists, falling
// back to the role the authenticator granted.
func roleFor(doc *models.DocumentState, user User) models.Role {
	perms := doc.Metadata.Permissions
	switch {
	case user.ID == perms.Owner:
		return models.RoleOwner
	case perms.Write.Has(user.ID) || perms.Admin.Has(user.ID):
		return models.RoleEditor
	case perms.Read.Has(user.ID):
		return models.RoleViewer
	case user.Role == "" || user.Role == models.RoleOwner:
		return models.RoleEditor
	}
	return user.Role
}
