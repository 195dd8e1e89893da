package room

import (
	"context"
	"errors"
	"fmt"

	"github.com/kilupskalvis/coedit/internal/actor"
	"github.com/kilupskalvis/coedit/internal/models"
	"github.com/kilupskalvis/coedit/internal/protocol"
	"github.com/kilupskalvis/coedit/internal/session"
	"github.com/kilupskalvis/coedit/internal/state"
	"github.com/kilupskalvis/coedit/internal/store"
)

// SystemUser is the sender of server-initiated room messages
const SystemUser = "system"

// Info describes a room for the control endpoints
type Info struct {
	RoomID       string                `json:"room_id"`
	SessionID    string                `json:"session_id"`
	Version      int64                 `json:"version"`
	Checksum     string                `json:"checksum"`
	Length       int                   `json:"length"`
	Participants []*models.Participant `json:"participants"`
	Connections  []models.Connection   `json:"connections"`
	Metrics      session.Metrics       `json:"metrics"`
	Unsaved      bool                  `json:"unsaved"`
}

// Info returns the room's participants, connections and document metadata
func (m *Manager) Info(ctx context.Context, roomID string) (Info, error) {
	return actor.Ask(ctx, m.sup, roomID, func(ctx context.Context, r *Room) (Info, error) {
		if r.session == nil {
			return Info{}, fmt.Errorf("%w: room %s", models.ErrSessionNotFound, roomID)
		}
		doc := r.session.Document()
		conns := make([]models.Connection, 0, len(r.conns))
		for _, c := range r.sortedConns() {
			conns = append(conns, c.info)
		}
		return Info{
			RoomID:       r.id,
			SessionID:    r.session.ID(),
			Version:      doc.Version,
			Checksum:     doc.Checksum,
			Length:       doc.Length(),
			Participants: r.session.Participants(),
			Connections:  conns,
			Metrics:      r.session.Metrics(),
			Unsaved:      r.dirty,
		}, nil
	})
}

// Post broadcasts a server-initiated chat message to the room and returns
// the number of connections it reached.
func (m *Manager) Post(ctx context.Context, roomID, from, text string) (int, error) {
	if text == "" {
		return 0, fmt.Errorf("%w: empty message", models.ErrMalformedOperation)
	}
	if from == "" {
		from = SystemUser
	}
	return actor.Ask(ctx, m.sup, roomID, func(ctx context.Context, r *Room) (int, error) {
		entry := m.appendChat(r, from, from, text)
		out := protocol.MustNew(protocol.TypeChat, from, entry)
		out.MessageID = entry.MessageID
		return m.broadcast(r, out, ""), nil
	})
}

// Kick closes every connection userID has to the room and returns how many
// were closed.
func (m *Manager) Kick(ctx context.Context, roomID, userID, reason string) (int, error) {
	if reason == "" {
		reason = "removed from room"
	}
	return actor.Ask(ctx, m.sup, roomID, func(ctx context.Context, r *Room) (int, error) {
		n := 0
		for _, c := range r.sortedConns() {
			if c.info.UserID != userID {
				continue
			}
			c.sender.Close(reason)
			m.drop(r, c)
			n++
		}
		if n == 0 {
			return 0, fmt.Errorf("%w: %s is not connected to %s", models.ErrUserNotFound, userID, roomID)
		}
		m.logger.Info("user kicked", "room", roomID, "user", userID, "connections", n, "reason", reason)
		return n, nil
	})
}

// Operations returns the retained history entries applied after version
// since, at most limit of them (the most recent).
func (m *Manager) Operations(ctx context.Context, roomID string, since int64, limit int) ([]state.Entry, error) {
	return actor.Ask(ctx, m.sup, roomID, func(ctx context.Context, r *Room) ([]state.Entry, error) {
		if r.session == nil {
			return nil, fmt.Errorf("%w: room %s", models.ErrSessionNotFound, roomID)
		}
		var out []state.Entry
		for _, e := range r.session.History(0) {
			if e.Version > since {
				out = append(out, e)
			}
		}
		if limit > 0 && len(out) > limit {
			out = out[len(out)-limit:]
		}
		return out, nil
	})
}

// Apply submits op on behalf of user outside a socket connection. The result
// is broadcast to the room exactly as a socket edit would be.
func (m *Manager) Apply(ctx context.Context, roomID string, user User, op models.Operation) (session.ApplyResult, error) {
	return actor.Ask(ctx, m.sup, roomID, func(ctx context.Context, r *Room) (session.ApplyResult, error) {
		if r.session == nil {
			return session.ApplyResult{RejectedOperations: []models.Operation{op}},
				fmt.Errorf("%w: room %s", models.ErrSessionNotFound, roomID)
		}

		_, present := r.session.Participant(user.ID)
		if !present || r.userConnections(user.ID) == 0 {
			p := models.NewParticipant(user.ID, user.Username, roleFor(r.session.Document(), user))
			if err := r.session.Join(p); err != nil {
				return session.ApplyResult{RejectedOperations: []models.Operation{op}}, err
			}
			r.dirty = true
			defer func() {
				if err := r.session.Leave(user.ID); err != nil {
					m.logger.Debug("leave failed", "room", r.id, "user", user.ID, "error", err)
				}
			}()
		}

		op = m.stamp(r, user.ID, op)
		res, err := r.session.Apply(op)
		if err != nil {
			m.observer.OperationRejected(roomID, models.ErrorCode(err))
			return res, err
		}
		r.dirty = true
		m.observer.OperationApplied(roomID)

		out := protocol.MustNew(protocol.TypeOperation, user.ID, protocol.Applied{
			Operations:  res.Applied,
			Version:     res.Version,
			Checksum:    r.session.Document().Checksum,
			VectorClock: res.VectorClock,
		})
		m.broadcast(r, out, "")
		return res, nil
	})
}

// Compact merges typing runs in the room's retained history and returns the
// number of entries removed.
func (m *Manager) Compact(ctx context.Context, roomID string) (int, error) {
	return actor.Ask(ctx, m.sup, roomID, func(ctx context.Context, r *Room) (int, error) {
		if r.session == nil {
			return 0, fmt.Errorf("%w: room %s", models.ErrSessionNotFound, roomID)
		}
		n := r.session.Compact()
		if n > 0 {
			r.dirty = true
		}
		m.logger.Info("room history compacted", "room", roomID, "removed", n)
		return n, nil
	})
}

// Save writes the room snapshot to storage now
func (m *Manager) Save(ctx context.Context, roomID string) error {
	_, err := actor.Ask(ctx, m.sup, roomID, func(ctx context.Context, r *Room) (struct{}, error) {
		if r.session == nil {
			return struct{}{}, fmt.Errorf("%w: room %s", models.ErrSessionNotFound, roomID)
		}
		return struct{}{}, m.persist(ctx, r)
	})
	return err
}

// Delete closes every connection, ends the session and removes the persisted
// document.
func (m *Manager) Delete(ctx context.Context, roomID string) error {
	_, err := actor.Ask(ctx, m.sup, roomID, func(ctx context.Context, r *Room) (struct{}, error) {
		for _, c := range r.sortedConns() {
			c.sender.Close("room deleted")
			delete(r.conns, c.info.ConnectionID)
			m.observer.ConnectionClosed(roomID)
		}
		existed := r.session != nil
		if existed {
			m.sessions.Close(r.session.ID())
			r.session = nil
		}
		r.chat = nil
		r.dirty = false

		err := m.store.DeleteDocument(ctx, roomID)
		switch {
		case errors.Is(err, store.ErrNotFound) && !existed:
			return struct{}{}, fmt.Errorf("%w: room %s", models.ErrSessionNotFound, roomID)
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return struct{}{}, fmt.Errorf("delete document %s: %w", roomID, err)
		}
		m.logger.Info("room deleted", "room", roomID)
		return struct{}{}, nil
	})
	return err
}
