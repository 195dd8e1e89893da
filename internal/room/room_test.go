package room

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/coedit/internal/actor"
	"github.com/kilupskalvis/coedit/internal/models"
	"github.com/kilupskalvis/coedit/internal/ot"
	"github.com/kilupskalvis/coedit/internal/protocol"
	"github.com/kilupskalvis/coedit/internal/session"
	"github.com/kilupskalvis/coedit/internal/store"
)

var errClosed = errors.New("sender closed")

type fakeSender struct {
	mu     sync.Mutex
	frames []protocol.Envelope
	closed string
}

func (f *fakeSender) Send(env protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed != "" {
		return errClosed
	}
	f.frames = append(f.frames, env)
	return nil
}

func (f *fakeSender) Close(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = reason
}

func (f *fakeSender) closedWith() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSender) ofType(t protocol.Type) []protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range f.frames {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

func decode[T any](t *testing.T, env protocol.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxConnectionsPerUser = 2
	cfg.Shards = 4
	return cfg
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewBboltStore(filepath.Join(t.TempDir(), "rooms.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestRooms(t *testing.T, cfg Config, st store.Store) *Manager {
	t.Helper()
	engine, err := ot.NewEngine(ot.DefaultOptions())
	require.NoError(t, err)
	m := NewManager(cfg, session.NewManager(engine, 0, nil), st, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})
	return m
}

// flush waits until everything queued for roomID has been handled
func flush(t *testing.T, m *Manager, roomID string) {
	t.Helper()
	_, err := actor.Ask(context.Background(), m.sup, roomID, func(context.Context, *Room) (struct{}, error) {
		return struct{}{}, nil
	})
	require.NoError(t, err)
}

func connect(t *testing.T, m *Manager, roomID, userID string, role models.Role) (models.Connection, *fakeSender) {
	t.Helper()
	s := &fakeSender{}
	c, err := m.Connect(context.Background(), roomID, User{ID: userID, Username: userID, Role: role}, s)
	require.NoError(t, err)
	return c, s
}

func send(t *testing.T, m *Manager, roomID string, c models.Connection, msg protocol.Message, to string) protocol.Envelope {
	t.Helper()
	env := protocol.MustNew(msg.Type(), c.UserID, msg)
	env.To = to
	require.NoError(t, m.Dispatch(context.Background(), roomID, c.ConnectionID, env, msg))
	flush(t, m, roomID)
	return env
}

func insert(pos int, text string, version int64) protocol.Operation {
	return protocol.Operation{Operation: models.NewInsert(pos, text, models.Metadata{DocumentVersion: version})}
}

func TestConnect_WelcomeAndPresence(t *testing.T) {
	m := newTestRooms(t, testConfig(), newTestStore(t))

	c1, s1 := connect(t, m, "doc", "alice", models.RoleEditor)
	welcome := s1.ofType(protocol.TypeWelcome)
	require.Len(t, welcome, 1)
	w := decode[protocol.Welcome](t, welcome[0])
	assert.Equal(t, c1.ConnectionID, w.ConnectionID)
	assert.Equal(t, "doc", w.RoomID)
	assert.EqualValues(t, 1, w.Version)
	assert.Equal(t, ot.Checksum(""), w.Checksum)
	require.Len(t, w.Participants, 1)
	assert.Equal(t, models.RoleOwner, w.Participants[0].Role, "first user owns a new document")

	_, s2 := connect(t, m, "doc", "bob", models.RoleEditor)
	w2 := decode[protocol.Welcome](t, s2.ofType(protocol.TypeWelcome)[0])
	assert.Len(t, w2.Participants, 2)
	assert.Empty(t, s2.ofType(protocol.TypeUserJoined), "a joiner is not told about itself")

	joined := s1.ofType(protocol.TypeUserJoined)
	require.Len(t, joined, 1)
	p := decode[protocol.Presence](t, joined[0])
	assert.Equal(t, "bob", p.UserID)
	assert.Equal(t, models.RoleEditor, p.Participant.Role)
}

func TestConnect_CapacityExceeded(t *testing.T) {
	m := newTestRooms(t, testConfig(), newTestStore(t))

	connect(t, m, "doc", "alice", models.RoleEditor)
	c2, s2 := connect(t, m, "doc", "alice", models.RoleEditor)

	_, err := m.Connect(context.Background(), "doc", User{ID: "alice"}, &fakeSender{})
	require.ErrorIs(t, err, models.ErrCapacityExceeded)

	send(t, m, "doc", c2, protocol.Ping{}, "")
	assert.Len(t, s2.ofType(protocol.TypePong), 1, "existing connection stays usable")

	_, err = m.Connect(context.Background(), "doc", User{ID: "bob"}, &fakeSender{})
	assert.NoError(t, err, "the cap is per user")
}

func TestDispatch_ChatAndEphemeral(t *testing.T) {
	m := newTestRooms(t, testConfig(), newTestStore(t))
	c1, s1 := connect(t, m, "doc", "alice", models.RoleEditor)
	_, s2 := connect(t, m, "doc", "bob", models.RoleEditor)

	send(t, m, "doc", c1, protocol.Chat{Text: "hi"}, "")
	for _, s := range []*fakeSender{s1, s2} {
		chat := s.ofType(protocol.TypeChat)
		require.Len(t, chat, 1, "chat reaches the sender too")
		entry := decode[protocol.ChatEntry](t, chat[0])
		assert.Equal(t, "hi", entry.Text)
		assert.Equal(t, "alice", entry.From)
	}

	send(t, m, "doc", c1, protocol.Typing{IsTyping: true}, "")
	send(t, m, "doc", c1, protocol.Cursor{Position: 3}, "")
	send(t, m, "doc", c1, protocol.Selection{Start: 1, End: 4}, "")
	assert.Empty(t, s1.ofType(protocol.TypeTyping))
	assert.Empty(t, s1.ofType(protocol.TypeCursor))
	assert.Len(t, s2.ofType(protocol.TypeTyping), 1)
	assert.Len(t, s2.ofType(protocol.TypeCursor), 1)
	assert.Len(t, s2.ofType(protocol.TypeSelection), 1)

	_, s3 := connect(t, m, "doc", "carol", models.RoleEditor)
	w := decode[protocol.Welcome](t, s3.ofType(protocol.TypeWelcome)[0])
	require.Len(t, w.ChatHistory, 1, "chat is kept, presence is not")
	assert.Equal(t, "hi", w.ChatHistory[0].Text)
}

func TestDispatch_ChatHistoryIsBounded(t *testing.T) {
	cfg := testConfig()
	cfg.ChatHistoryLimit = 3
	m := newTestRooms(t, cfg, newTestStore(t))
	c1, _ := connect(t, m, "doc", "alice", models.RoleEditor)

	for _, text := range []string{"1", "2", "3", "4", "5"} {
		send(t, m, "doc", c1, protocol.Chat{Text: text}, "")
	}
	_, s2 := connect(t, m, "doc", "bob", models.RoleEditor)
	w := decode[protocol.Welcome](t, s2.ofType(protocol.TypeWelcome)[0])
	require.Len(t, w.ChatHistory, 3)
	assert.Equal(t, "3", w.ChatHistory[0].Text)
	assert.Equal(t, "5", w.ChatHistory[2].Text)
}

func TestDispatch_Private(t *testing.T) {
	m := newTestRooms(t, testConfig(), newTestStore(t))
	c1, s1 := connect(t, m, "doc", "alice", models.RoleEditor)
	_, s2 := connect(t, m, "doc", "bob", models.RoleEditor)
	_, s3 := connect(t, m, "doc", "carol", models.RoleEditor)

	send(t, m, "doc", c1, protocol.Private{Text: "psst"}, "bob")
	got := s2.ofType(protocol.TypePrivate)
	require.Len(t, got, 1)
	assert.Equal(t, "alice", got[0].From)
	assert.Equal(t, "bob", got[0].To)
	assert.Empty(t, s3.ofType(protocol.TypePrivate))
	assert.Empty(t, s1.ofType(protocol.TypePrivate))

	env := send(t, m, "doc", c1, protocol.Private{Text: "psst"}, "nobody")
	errs := s1.ofType(protocol.TypeError)
	require.Len(t, errs, 1)
	e := decode[protocol.Error](t, errs[0])
	assert.Equal(t, "user_not_found", e.Code)
	assert.Equal(t, env.MessageID, e.InReplyTo)
}

func TestDispatch_Ping(t *testing.T) {
	m := newTestRooms(t, testConfig(), newTestStore(t))
	c1, s1 := connect(t, m, "doc", "alice", models.RoleEditor)

	before := time.Now().UnixMilli()
	send(t, m, "doc", c1, protocol.Ping{}, "")
	pongs := s1.ofType(protocol.TypePong)
	require.Len(t, pongs, 1)
	assert.GreaterOrEqual(t, decode[protocol.Pong](t, pongs[0]).ServerTime, before)
}

func TestDispatch_OperationBroadcast(t *testing.T) {
	m := newTestRooms(t, testConfig(), newTestStore(t))
	c1, s1 := connect(t, m, "doc", "alice", models.RoleEditor)
	c2, s2 := connect(t, m, "doc", "bob", models.RoleEditor)

	send(t, m, "doc", c1, insert(0, "Hello", 1), "")
	// Bob has not seen alice's edit yet.
	send(t, m, "doc", c2, insert(0, ">> ", 1), "")

	for _, s := range []*fakeSender{s1, s2} {
		ops := s.ofType(protocol.TypeOperation)
		require.Len(t, ops, 2)
		first := decode[protocol.Applied](t, ops[0])
		assert.EqualValues(t, 2, first.Version)
		require.Len(t, first.Operations, 1)
		assert.Equal(t, "alice", first.Operations[0].Metadata.UserID)
		second := decode[protocol.Applied](t, ops[1])
		assert.EqualValues(t, 3, second.Version)
		assert.Equal(t, ot.Checksum("Hello>> "), second.Checksum, "the later insert at a tied position goes after")
	}

	info, err := m.Info(context.Background(), "doc")
	require.NoError(t, err)
	assert.EqualValues(t, 3, info.Version)
	assert.Equal(t, 8, info.Length)
	assert.EqualValues(t, 2, info.Metrics.OperationCount)
	assert.True(t, info.Unsaved)
}

func TestDispatch_OperationAttributedToConnection(t *testing.T) {
	m := newTestRooms(t, testConfig(), newTestStore(t))
	c1, s1 := connect(t, m, "doc", "alice", models.RoleEditor)

	op := insert(0, "x", 1)
	op.Operation.Metadata.UserID = "mallory"
	send(t, m, "doc", c1, op, "")

	ops := s1.ofType(protocol.TypeOperation)
	require.Len(t, ops, 1)
	applied := decode[protocol.Applied](t, ops[0])
	require.Len(t, applied.Operations, 1)
	assert.Equal(t, "alice", applied.Operations[0].Metadata.UserID)
	assert.NotEmpty(t, applied.Operations[0].Metadata.OperationID)
	assert.NotEmpty(t, applied.Operations[0].Metadata.SessionID)
}

func TestDispatch_RejectionsGoToSenderOnly(t *testing.T) {
	m := newTestRooms(t, testConfig(), newTestStore(t))
	_, s1 := connect(t, m, "doc", "alice", models.RoleEditor)
	c2, s2 := connect(t, m, "doc", "viewer", models.RoleViewer)
	c3, s3 := connect(t, m, "doc", "bob", models.RoleEditor)

	send(t, m, "doc", c2, insert(0, "x", 1), "")
	errs := s2.ofType(protocol.TypeError)
	require.Len(t, errs, 1)
	e := decode[protocol.Error](t, errs[0])
	assert.Equal(t, "permission_denied", e.Code)
	require.Len(t, e.RejectedOperations, 1)
	assert.Equal(t, "x", e.RejectedOperations[0].Content)

	send(t, m, "doc", c3, insert(100, "x", 1), "")
	e = decode[protocol.Error](t, s3.ofType(protocol.TypeError)[0])
	assert.Equal(t, "invalid_position", e.Code)

	assert.Empty(t, s1.ofType(protocol.TypeOperation))
	assert.Empty(t, s1.ofType(protocol.TypeError))

	info, err := m.Info(context.Background(), "doc")
	require.NoError(t, err)
	assert.EqualValues(t, 1, info.Version)
}

func TestDispatch_UndoRedo(t *testing.T) {
	m := newTestRooms(t, testConfig(), newTestStore(t))
	c1, s1 := connect(t, m, "doc", "alice", models.RoleEditor)

	send(t, m, "doc", c1, insert(0, "Hello", 1), "")
	send(t, m, "doc", c1, protocol.Undo{}, "")
	send(t, m, "doc", c1, protocol.Redo{}, "")
	send(t, m, "doc", c1, protocol.Redo{}, "")

	ops := s1.ofType(protocol.TypeOperation)
	require.Len(t, ops, 3)
	undo := decode[protocol.Applied](t, ops[1])
	require.Len(t, undo.Operations, 1)
	assert.Equal(t, models.OperationDelete, undo.Operations[0].Type)
	assert.Equal(t, ot.Checksum(""), undo.Checksum)
	redo := decode[protocol.Applied](t, ops[2])
	assert.Equal(t, ot.Checksum("Hello"), redo.Checksum)

	errs := s1.ofType(protocol.TypeError)
	require.Len(t, errs, 1, "second redo has nothing to replay")
}

func TestDisconnect_BroadcastsUserLeft(t *testing.T) {
	m := newTestRooms(t, testConfig(), newTestStore(t))
	_, s1 := connect(t, m, "doc", "alice", models.RoleEditor)
	c2, _ := connect(t, m, "doc", "bob", models.RoleEditor)

	require.NoError(t, m.Disconnect(context.Background(), "doc", c2.ConnectionID))
	flush(t, m, "doc")

	left := s1.ofType(protocol.TypeUserLeft)
	require.Len(t, left, 1)
	assert.Equal(t, c2.ConnectionID, decode[protocol.Presence](t, left[0]).ConnectionID)

	info, err := m.Info(context.Background(), "doc")
	require.NoError(t, err)
	assert.Len(t, info.Connections, 1)
	assert.Equal(t, 1, info.Metrics.Participants)
	assert.Equal(t, 2, info.Metrics.TotalParticipants)
}

func TestKick(t *testing.T) {
	m := newTestRooms(t, testConfig(), newTestStore(t))
	_, s1 := connect(t, m, "doc", "alice", models.RoleEditor)
	_, b1 := connect(t, m, "doc", "bob", models.RoleEditor)
	_, b2 := connect(t, m, "doc", "bob", models.RoleEditor)

	n, err := m.Kick(context.Background(), "doc", "bob", "spam")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "spam", b1.closedWith())
	assert.Equal(t, "spam", b2.closedWith())
	assert.Len(t, s1.ofType(protocol.TypeUserLeft), 2)

	_, err = m.Kick(context.Background(), "doc", "bob", "")
	assert.ErrorIs(t, err, models.ErrUserNotFound)
}

func TestPost(t *testing.T) {
	m := newTestRooms(t, testConfig(), newTestStore(t))
	_, s1 := connect(t, m, "doc", "alice", models.RoleEditor)
	_, s2 := connect(t, m, "doc", "bob", models.RoleEditor)

	n, err := m.Post(context.Background(), "doc", "", "maintenance at noon")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	for _, s := range []*fakeSender{s1, s2} {
		chat := s.ofType(protocol.TypeChat)
		require.Len(t, chat, 1)
		assert.Equal(t, SystemUser, chat[0].From)
	}

	_, err = m.Post(context.Background(), "doc", "", "")
	assert.ErrorIs(t, err, models.ErrMalformedOperation)
}

func TestApplyAndOperations(t *testing.T) {
	m := newTestRooms(t, testConfig(), newTestStore(t))
	_, s1 := connect(t, m, "doc", "alice", models.RoleEditor)

	res, err := m.Apply(context.Background(), "doc", User{ID: "bot", Role: models.RoleEditor},
		models.NewInsert(0, "Hi", models.Metadata{DocumentVersion: 1}))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.EqualValues(t, 2, res.Version)
	assert.Len(t, s1.ofType(protocol.TypeOperation), 1)

	_, err = m.Apply(context.Background(), "doc", User{ID: "lurker", Role: models.RoleViewer},
		models.NewInsert(0, "x", models.Metadata{DocumentVersion: 2}))
	assert.ErrorIs(t, err, models.ErrPermissionDenied)

	entries, err := m.Operations(context.Background(), "doc", 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "bot", entries[0].Operations[0].Metadata.UserID)

	entries, err = m.Operations(context.Background(), "doc", 2, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)

	info, err := m.Info(context.Background(), "doc")
	require.NoError(t, err)
	assert.Len(t, info.Connections, 1, "control edits do not register a connection")
	assert.Equal(t, 1, info.Metrics.Participants)
}

func TestCompact(t *testing.T) {
	m := newTestRooms(t, testConfig(), newTestStore(t))
	c1, _ := connect(t, m, "doc", "alice", models.RoleEditor)

	for i, ch := range []string{"a", "b", "c"} {
		op := insert(i, ch, int64(i+1))
		op.Operation.Metadata.Timestamp = int64(100 + i)
		send(t, m, "doc", c1, op, "")
	}
	n, err := m.Compact(context.Background(), "doc")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	entries, err := m.Operations(context.Background(), "doc", 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "abc", entries[0].Operations[0].Content)
	assert.EqualValues(t, 4, entries[0].Version)
}

func TestPersistence_SaveAndRestore(t *testing.T) {
	st := newTestStore(t)
	m := newTestRooms(t, testConfig(), st)
	c1, _ := connect(t, m, "doc", "alice", models.RoleEditor)
	send(t, m, "doc", c1, insert(0, "persist me", 1), "")
	require.NoError(t, m.Save(context.Background(), "doc"))

	rec, err := st.LoadDocument(context.Background(), "doc")
	require.NoError(t, err)
	assert.Equal(t, "persist me", rec.Document.Content)
	assert.Len(t, rec.History, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	restored := newTestRooms(t, testConfig(), st)
	info, err := restored.Info(context.Background(), "doc")
	require.NoError(t, err)
	assert.EqualValues(t, 2, info.Version)
	assert.Equal(t, 10, info.Length)

	_, s2 := connect(t, restored, "doc", "alice", models.RoleEditor)
	w := decode[protocol.Welcome](t, s2.ofType(protocol.TypeWelcome)[0])
	assert.Equal(t, "persist me", w.Content)
	require.Len(t, w.RecentOperations, 1)
	assert.Equal(t, models.RoleOwner, w.Participants[0].Role, "ownership survives a restart")
}

type recordingPublisher struct {
	mu    sync.Mutex
	saved []int64
}

func (p *recordingPublisher) DocumentSaved(room string, version int64, checksum string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saved = append(p.saved, version)
}

func (p *recordingPublisher) versions() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int64(nil), p.saved...)
}

func TestIdleRoomIsPersistedAndReclaimed(t *testing.T) {
	st := newTestStore(t)
	cfg := testConfig()
	cfg.CleanupInterval = 10 * time.Millisecond
	cfg.IdleTimeout = time.Millisecond
	m := newTestRooms(t, cfg, st)
	pub := &recordingPublisher{}
	m.SetPublisher(pub)

	c1, _ := connect(t, m, "doc", "alice", models.RoleEditor)
	send(t, m, "doc", c1, insert(0, "bye", 1), "")
	require.NoError(t, m.Disconnect(context.Background(), "doc", c1.ConnectionID))

	assert.Eventually(t, func() bool {
		_, open := m.sessions.ForDocument("doc")
		return !open && !slices.Contains(m.Active(), "doc")
	}, 2*time.Second, 10*time.Millisecond, "room and session are reclaimed together")

	rec, err := st.LoadDocument(context.Background(), "doc")
	require.NoError(t, err)
	assert.Equal(t, "bye", rec.Document.Content)
	assert.Contains(t, pub.versions(), int64(2))
}

func TestInactiveConnectionsAreEvicted(t *testing.T) {
	cfg := testConfig()
	cfg.CleanupInterval = 10 * time.Millisecond
	cfg.ConnectionTimeout = 20 * time.Millisecond
	m := newTestRooms(t, cfg, newTestStore(t))

	_, s1 := connect(t, m, "doc", "alice", models.RoleEditor)
	assert.Eventually(t, func() bool {
		return s1.closedWith() == "inactive"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDelete(t *testing.T) {
	st := newTestStore(t)
	m := newTestRooms(t, testConfig(), st)
	c1, s1 := connect(t, m, "doc", "alice", models.RoleEditor)
	send(t, m, "doc", c1, insert(0, "gone", 1), "")
	require.NoError(t, m.Save(context.Background(), "doc"))

	require.NoError(t, m.Delete(context.Background(), "doc"))
	assert.Equal(t, "room deleted", s1.closedWith())
	_, err := st.LoadDocument(context.Background(), "doc")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = m.Info(context.Background(), "doc")
	assert.ErrorIs(t, err, models.ErrSessionNotFound)
	assert.ErrorIs(t, m.Delete(context.Background(), "doc"), models.ErrSessionNotFound)
}

func TestRoleFor(t *testing.T) {
	doc := models.NewDocumentState("d", "", "owner", ot.Checksum(""))
	doc.Metadata.Permissions.Write.Add("writer")
	doc.Metadata.Permissions.Read.Add("reader")

	assert.Equal(t, models.RoleOwner, roleFor(doc, User{ID: "owner", Role: models.RoleViewer}))
	assert.Equal(t, models.RoleEditor, roleFor(doc, User{ID: "writer", Role: models.RoleViewer}))
	assert.Equal(t, models.RoleViewer, roleFor(doc, User{ID: "reader", Role: models.RoleEditor}))
	assert.Equal(t, models.RoleViewer, roleFor(doc, User{ID: "new", Role: models.RoleViewer}))
	assert.Equal(t, models.RoleEditor, roleFor(doc, User{ID: "new", Role: models.RoleOwner}), "ownership is never claimed")
}
