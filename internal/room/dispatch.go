package room

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/kilupskalvis/coedit/internal/models"
	"github.com/kilupskalvis/coedit/internal/ot"
	"github.com/kilupskalvis/coedit/internal/protocol"
	"github.com/kilupskalvis/coedit/internal/session"
)

// Dispatch queues a decoded client message from connectionID. Failures are
// reported to that connection as an error frame; they never stop the room.
func (m *Manager) Dispatch(ctx context.Context, roomID, connectionID string, env protocol.Envelope, msg protocol.Message) error {
	return m.sup.Tell(ctx, roomID, func(ctx context.Context, r *Room) {
		c, ok := r.conns[connectionID]
		if !ok {
			m.logger.Debug("message for unknown connection", "room", roomID, "connection", connectionID, "type", env.Type)
			return
		}
		c.info.LastActivity = m.now().UTC()
		if r.session != nil {
			r.session.Touch(c.info.UserID)
		}
		m.dispatch(r, c, env, msg)
	})
}

func (m *Manager) dispatch(r *Room, c *conn, env protocol.Envelope, msg protocol.Message) {
	from := c.info.UserID

	switch msg := msg.(type) {
	case protocol.Chat:
		entry := m.appendChat(r, from, c.info.Username, msg.Text)
		out := protocol.MustNew(protocol.TypeChat, from, entry)
		out.MessageID = entry.MessageID
		m.broadcast(r, out, "")

	case protocol.Typing, protocol.Cursor, protocol.Selection:
		m.broadcast(r, relay(msg.Type(), from, c.info.ConnectionID, msg), c.info.ConnectionID)

	case protocol.Private:
		target := r.lookup(env.To)
		if target == nil {
			m.reject(r, c, env, fmt.Errorf("%w: %s is not in room %s", models.ErrUserNotFound, env.To, r.id), nil)
			return
		}
		out := relay(protocol.TypePrivate, from, c.info.ConnectionID, msg)
		out.To = target.info.UserID
		m.deliver(r, target, out)

	case protocol.Ping:
		m.deliver(r, c, protocol.MustNew(protocol.TypePong, "", protocol.Pong{ServerTime: m.now().UnixMilli()}))

	case protocol.Operation:
		if r.session == nil {
			m.reject(r, c, env, fmt.Errorf("%w: room %s has no session", models.ErrSessionNotFound, r.id), nil)
			return
		}
		op := m.stamp(r, from, msg.Operation)
		res, err := r.session.Apply(op)
		m.applied(r, c, env, res, err)

	case protocol.Undo, protocol.Redo:
		if r.session == nil {
			m.reject(r, c, env, fmt.Errorf("%w: room %s has no session", models.ErrSessionNotFound, r.id), nil)
			return
		}
		var res session.ApplyResult
		var err error
		if _, ok := msg.(protocol.Undo); ok {
			res, err = r.session.Undo(from)
		} else {
			res, err = r.session.Redo(from)
		}
		m.applied(r, c, env, res, err)

	default:
		m.reject(r, c, env, fmt.Errorf("%w: unhandled message type %q", models.ErrMalformedOperation, env.Type), nil)
	}
}

// applied broadcasts a successful edit to the whole room, or reports the
// rejection to the connection that sent it.
func (m *Manager) applied(r *Room, c *conn, env protocol.Envelope, res session.ApplyResult, err error) {
	if err != nil {
		m.observer.OperationRejected(r.id, models.ErrorCode(err))
		m.reject(r, c, env, err, res.RejectedOperations)
		return
	}
	r.dirty = true
	m.observer.OperationApplied(r.id)

	doc := r.session.Document()
	out := protocol.MustNew(protocol.TypeOperation, c.info.UserID, protocol.Applied{
		Operations:  res.Applied,
		Version:     res.Version,
		Checksum:    doc.Checksum,
		VectorClock: res.VectorClock,
	})
	m.broadcast(r, out, "")
}

func (m *Manager) reject(r *Room, c *conn, env protocol.Envelope, err error, rejected []models.Operation) {
	m.logger.Debug("message rejected", "room", r.id, "connection", c.info.ConnectionID, "type", env.Type, "error", err)
	m.deliver(r, c, protocol.NewError(err, env.MessageID, rejected))
}

// stamp attributes op to the submitting user and session, whatever the
// client claimed.
func (m *Manager) stamp(r *Room, userID string, op models.Operation) models.Operation {
	op.Metadata.UserID = userID
	op.Metadata.SessionID = r.session.ID()
	if op.Metadata.OperationID == "" {
		op.Metadata.OperationID = ot.NewOperationID()
	}
	if op.Metadata.Timestamp <= 0 {
		op.Metadata.Timestamp = m.now().UnixMilli()
	}
	return op
}

func (m *Manager) appendChat(r *Room, from, username, text string) protocol.ChatEntry {
	entry := protocol.ChatEntry{
		MessageID: uuid.New().String(),
		From:      from,
		Username:  username,
		Text:      text,
		Timestamp: m.now().UnixMilli(),
	}
	r.chat = append(r.chat, entry)
	if over := len(r.chat) - m.cfg.ChatHistoryLimit; over > 0 {
		r.chat = r.chat[over:]
	}
	return entry
}

// relayed wraps an ephemeral payload with the connection it came from
type relayed struct {
	ConnectionID string           `json:"connection_id"`
	Payload      protocol.Message `json:"payload"`
}

func relay(t protocol.Type, from, connectionID string, msg protocol.Message) protocol.Envelope {
	return protocol.MustNew(t, from, relayed{ConnectionID: connectionID, Payload: msg})
}

// lookup resolves a private message target: a connection id, or else the
// most recently active connection of a user id.
func (r *Room) lookup(to string) *conn {
	if c, ok := r.conns[to]; ok {
		return c
	}
	var best *conn
	for _, c := range r.conns {
		if c.info.UserID != to {
			continue
		}
		if best == nil || c.info.LastActivity.After(best.info.LastActivity) {
			best = c
		}
	}
	return best
}
