package session

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/coedit/internal/models"
	"github.com/kilupskalvis/coedit/internal/ot"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	e, err := ot.NewEngine(ot.DefaultOptions())
	require.NoError(t, err)
	return NewManager(e, 0, nil)
}

func newTestSession(t *testing.T, content string) *Session {
	t.Helper()
	m := newTestManager(t)
	id, err := m.Create("doc-1", content, models.NewParticipant("owner", "Owner", models.RoleOwner))
	require.NoError(t, err)
	s, err := m.Get(id)
	require.NoError(t, err)
	return s
}

func opMeta(user string, ts, version int64) models.Metadata {
	return models.Metadata{
		OperationID:     fmt.Sprintf("%s-%d", user, ts),
		UserID:          user,
		SessionID:       "sess",
		Timestamp:       ts,
		DocumentVersion: version,
	}
}

func TestManager_CreateAndJoin(t *testing.T) {
	m := newTestManager(t)
	id, err := m.Create("doc-1", "Hello", models.NewParticipant("owner", "Owner", models.RoleEditor))
	require.NoError(t, err)

	s, err := m.Get(id)
	require.NoError(t, err)
	assert.EqualValues(t, 1, s.Document().Version)
	assert.Equal(t, StatusActive, s.Status())

	owner, ok := s.Participant("owner")
	require.True(t, ok)
	assert.Equal(t, models.RoleOwner, owner.Role)

	require.NoError(t, m.Join(id, models.NewParticipant("u2", "Two", models.RoleEditor)))
	assert.Len(t, s.Participants(), 2)
	assert.True(t, s.Document().Metadata.Permissions.CanWrite("u2"))

	err = m.Join("missing", models.NewParticipant("u3", "Three", models.RoleEditor))
	assert.ErrorIs(t, err, models.ErrSessionNotFound)

	_, err = m.Create("doc-1", "", models.NewParticipant("x", "X", models.RoleOwner))
	assert.Error(t, err, "one session per document")
}

func TestManager_JoinClosedSession(t *testing.T) {
	m := newTestManager(t)
	id, err := m.Create("doc-1", "", models.NewParticipant("owner", "Owner", models.RoleOwner))
	require.NoError(t, err)
	s, err := m.Get(id)
	require.NoError(t, err)

	m.Close(id)
	assert.Equal(t, StatusClosed, s.Status())
	assert.ErrorIs(t, s.Join(models.NewParticipant("u2", "Two", models.RoleEditor)), models.ErrSessionNotFound)
	assert.ErrorIs(t, m.Join(id, models.NewParticipant("u2", "Two", models.RoleEditor)), models.ErrSessionNotFound)

	_, ok := m.ForDocument("doc-1")
	assert.False(t, ok)
	assert.Zero(t, m.Len())
}

func TestSession_ApplyRejectsViewer(t *testing.T) {
	s := newTestSession(t, "Hello")
	require.NoError(t, s.Join(models.NewParticipant("viewer", "V", models.RoleViewer)))

	op := models.NewInsert(0, "x", opMeta("viewer", 1, 1))
	res, err := s.Apply(op)
	require.ErrorIs(t, err, models.ErrPermissionDenied)
	assert.False(t, res.Success)
	require.Len(t, res.RejectedOperations, 1)
	assert.Equal(t, op.ID(), res.RejectedOperations[0].ID())
	assert.Equal(t, "Hello", s.Document().Content)
	assert.EqualValues(t, 1, s.Document().Version)
}

func TestSession_ApplyRejectsStranger(t *testing.T) {
	s := newTestSession(t, "Hello")
	_, err := s.Apply(models.NewInsert(0, "x", opMeta("nobody", 1, 1)))
	assert.ErrorIs(t, err, models.ErrPermissionDenied)
}

func TestSession_ApplyInvalidPosition(t *testing.T) {
	s := newTestSession(t, "Hello")
	res, err := s.Apply(models.NewInsert(100, "x", opMeta("owner", 1, 1)))
	require.ErrorIs(t, err, models.ErrInvalidPosition)
	assert.False(t, res.Success)
	assert.Equal(t, "Hello", s.Document().Content)
	assert.EqualValues(t, 1, s.Document().Version)
	assert.Zero(t, s.Metrics().OperationCount)
}

func TestSession_ApplyMalformed(t *testing.T) {
	s := newTestSession(t, "Hello")
	_, err := s.Apply(models.NewDelete(0, 0, opMeta("owner", 1, 1)))
	assert.ErrorIs(t, err, models.ErrMalformedOperation)
}

func TestSession_CausalCatchUp(t *testing.T) {
	s := newTestSession(t, "Hello World")
	require.NoError(t, s.Join(models.NewParticipant("alice", "Alice", models.RoleEditor)))
	require.NoError(t, s.Join(models.NewParticipant("bob", "Bob", models.RoleEditor)))

	// Both observed version 1.
	res, err := s.Apply(models.NewDelete(0, 6, opMeta("alice", 1, 1)))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.EqualValues(t, 2, res.Version)

	res, err = s.Apply(models.NewInsert(11, "!", opMeta("bob", 2, 1)))
	require.NoError(t, err)
	require.Len(t, res.Applied, 1)
	assert.Equal(t, 5, res.Applied[0].Position, "bob's insert is rebased past alice's delete")
	assert.EqualValues(t, 2, res.Applied[0].Metadata.DocumentVersion)
	assert.Equal(t, "World!", s.Document().Content)
	assert.EqualValues(t, 3, s.Document().Version)
}

func TestSession_ConvergesRegardlessOfArrivalOrder(t *testing.T) {
	run := func(first, second models.Operation) string {
		s := newTestSession(t, "Hello World")
		require.NoError(t, s.Join(models.NewParticipant("alice", "Alice", models.RoleEditor)))
		require.NoError(t, s.Join(models.NewParticipant("bob", "Bob", models.RoleEditor)))
		_, err := s.Apply(first)
		require.NoError(t, err)
		_, err = s.Apply(second)
		require.NoError(t, err)
		return s.Document().Content
	}

	a := models.NewInsert(5, ",", opMeta("alice", 1, 1))
	b := models.NewDelete(6, 5, opMeta("bob", 2, 1))
	assert.Equal(t, run(a, b), run(b, a))
	assert.Equal(t, "Hello, ", run(a, b))
}

func TestSession_StaleBaseVersion(t *testing.T) {
	e, err := ot.NewEngine(ot.DefaultOptions())
	require.NoError(t, err)
	doc := models.NewDocumentState("doc-1", "", "owner", ot.Checksum(""))
	s := New("s1", e, doc, models.NewParticipant("owner", "Owner", models.RoleOwner), 2)

	for i := 0; i < 4; i++ {
		_, err := s.Apply(models.NewInsert(i, "x", opMeta("owner", int64(i+1), int64(i+1))))
		require.NoError(t, err)
	}
	_, err = s.Apply(models.NewInsert(0, "y", opMeta("owner", 10, 1)))
	assert.ErrorIs(t, err, models.ErrStaleOperation)
}

func TestSession_VersionMonotonicAndChecksum(t *testing.T) {
	s := newTestSession(t, "")
	const n = 20
	for i := 0; i < n; i++ {
		_, err := s.Apply(models.NewInsert(i, "a", opMeta("owner", int64(i+1), int64(i+1))))
		require.NoError(t, err)
		doc := s.Document()
		require.Equal(t, ot.Checksum(doc.Content), doc.Checksum)
	}
	assert.EqualValues(t, 1+n, s.Document().Version)

	m := s.Metrics()
	assert.EqualValues(t, n, m.OperationCount)
	assert.Equal(t, 1, m.Participants)
}

func TestSession_VectorClockAdvances(t *testing.T) {
	s := newTestSession(t, "")
	meta := opMeta("owner", 1, 1)
	meta.VectorClock = models.VectorClock{"other": 3}
	res, err := s.Apply(models.NewInsert(0, "a", meta))
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.VectorClock.Get("owner"))
	assert.EqualValues(t, 3, res.VectorClock.Get("other"))

	_, err = s.Apply(models.NewInsert(1, "b", opMeta("owner", 2, 2)))
	require.NoError(t, err)
	assert.EqualValues(t, 2, s.VectorClock().Get("owner"))
}

func TestSession_UndoRedo(t *testing.T) {
	s := newTestSession(t, "Hello")

	_, err := s.Apply(models.NewInsert(5, " World", opMeta("owner", 1, 1)))
	require.NoError(t, err)
	assert.Equal(t, "Hello World", s.Document().Content)

	res, err := s.Undo("owner")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "Hello", s.Document().Content)
	assert.EqualValues(t, 3, s.Document().Version, "undo is a new edit, not a rewind")

	_, err = s.Redo("owner")
	require.NoError(t, err)
	assert.Equal(t, "Hello World", s.Document().Content)

	undo, redo := s.CanUndo("owner")
	assert.Equal(t, 1, undo)
	assert.Zero(t, redo)
}

func TestSession_UndoTransformsAgainstLaterEdits(t *testing.T) {
	s := newTestSession(t, "Hello")
	require.NoError(t, s.Join(models.NewParticipant("bob", "Bob", models.RoleEditor)))

	_, err := s.Apply(models.NewInsert(5, "!", opMeta("owner", 1, 1)))
	require.NoError(t, err)
	_, err = s.Apply(models.NewInsert(0, ">> ", opMeta("bob", 2, 2)))
	require.NoError(t, err)
	require.Equal(t, ">> Hello!", s.Document().Content)

	_, err = s.Undo("owner")
	require.NoError(t, err)
	assert.Equal(t, ">> Hello", s.Document().Content)
}

func TestSession_UndoKeepsConcurrentInsertInsideRange(t *testing.T) {
	s := newTestSession(t, "")
	require.NoError(t, s.Join(models.NewParticipant("bob", "Bob", models.RoleEditor)))

	_, err := s.Apply(models.NewInsert(0, "abc", opMeta("owner", 1, 1)))
	require.NoError(t, err)
	_, err = s.Apply(models.NewInsert(1, "X", opMeta("bob", 2, 2)))
	require.NoError(t, err)
	require.Equal(t, "aXbc", s.Document().Content)

	res, err := s.Undo("owner")
	require.NoError(t, err)
	assert.Equal(t, "X", s.Document().Content, "bob's insert survives the owner's undo")
	assert.Len(t, res.Applied, 2)
	assert.EqualValues(t, 4, res.Version, "both pieces land as one version")

	_, err = s.Redo("owner")
	require.NoError(t, err)
	assert.Equal(t, "aXbc", s.Document().Content)
}

func TestSession_ConcurrentInsertInsideDelete(t *testing.T) {
	s := newTestSession(t, "0123456789")
	require.NoError(t, s.Join(models.NewParticipant("alice", "Alice", models.RoleEditor)))
	require.NoError(t, s.Join(models.NewParticipant("bob", "Bob", models.RoleEditor)))

	_, err := s.Apply(models.NewInsert(4, "XY", opMeta("bob", 2, 1)))
	require.NoError(t, err)
	res, err := s.Apply(models.NewDelete(2, 4, opMeta("alice", 1, 1)))
	require.NoError(t, err)
	assert.Equal(t, "01XY6789", s.Document().Content)
	assert.EqualValues(t, 3, res.Version)

	h := s.History(0)
	require.Len(t, h, 2)
	assert.Len(t, h[1].Operations, 2)
}

func TestSession_UndoFormatRestoresMixedRange(t *testing.T) {
	s := newTestSession(t, "ab")
	_, err := s.Apply(models.NewFormat(0, 1, models.Attributes{"bold": true}, opMeta("owner", 1, 1)))
	require.NoError(t, err)
	_, err = s.Apply(models.NewFormat(0, 2, models.Attributes{"bold": false}, opMeta("owner", 2, 2)))
	require.NoError(t, err)

	_, err = s.Undo("owner")
	require.NoError(t, err)
	assert.Equal(t, models.Formatting{0: {"bold": true}}, s.Document().Formatting)

	_, err = s.Redo("owner")
	require.NoError(t, err)
	assert.Equal(t, models.Formatting{0: {"bold": false}, 1: {"bold": false}}, s.Document().Formatting)
}

func TestSession_RejectedUndoStaysOnStack(t *testing.T) {
	s := newTestSession(t, "")
	require.NoError(t, s.Join(models.NewParticipant("bob", "Bob", models.RoleEditor)))
	_, err := s.Apply(models.NewInsert(0, "hi", opMeta("bob", 1, 1)))
	require.NoError(t, err)

	require.NoError(t, s.SetRole("owner", "bob", models.RoleViewer))
	_, err = s.Undo("bob")
	require.ErrorIs(t, err, models.ErrPermissionDenied)
	undo, _ := s.CanUndo("bob")
	assert.Equal(t, 1, undo)
	assert.Equal(t, "hi", s.Document().Content)

	require.NoError(t, s.SetRole("owner", "bob", models.RoleEditor))
	_, err = s.Undo("bob")
	require.NoError(t, err)
	assert.Empty(t, s.Document().Content)
	undo, redo := s.CanUndo("bob")
	assert.Zero(t, undo)
	assert.Equal(t, 1, redo)
}

func TestSession_UndoDelete(t *testing.T) {
	s := newTestSession(t, "Hello World")
	_, err := s.Apply(models.NewDelete(5, 6, opMeta("owner", 1, 1)))
	require.NoError(t, err)
	_, err = s.Undo("owner")
	require.NoError(t, err)
	assert.Equal(t, "Hello World", s.Document().Content)
}

func TestSession_NewEditClearsRedo(t *testing.T) {
	s := newTestSession(t, "")
	_, err := s.Apply(models.NewInsert(0, "a", opMeta("owner", 1, 1)))
	require.NoError(t, err)
	_, err = s.Undo("owner")
	require.NoError(t, err)
	_, redo := s.CanUndo("owner")
	require.Equal(t, 1, redo)

	_, err = s.Apply(models.NewInsert(0, "b", opMeta("owner", 2, 3)))
	require.NoError(t, err)
	_, redo = s.CanUndo("owner")
	assert.Zero(t, redo)

	_, err = s.Redo("owner")
	assert.ErrorIs(t, err, models.ErrMalformedOperation)
}

func TestSession_UndoStackIsBounded(t *testing.T) {
	s := newTestSession(t, "")
	for i := 0; i < UndoLimit+10; i++ {
		_, err := s.Apply(models.NewInsert(i, "a", opMeta("owner", int64(i+1), int64(i+1))))
		require.NoError(t, err)
	}
	undo, _ := s.CanUndo("owner")
	assert.Equal(t, UndoLimit, undo)
}

func TestSession_UndoWithEmptyStack(t *testing.T) {
	s := newTestSession(t, "")
	_, err := s.Undo("owner")
	assert.ErrorIs(t, err, models.ErrMalformedOperation)
}

func TestSession_Lifecycle(t *testing.T) {
	s := newTestSession(t, "")
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	require.NoError(t, s.Join(models.NewParticipant("u2", "Two", models.RoleEditor)))
	require.NoError(t, s.Leave("owner"))
	assert.Equal(t, StatusActive, s.Status())
	require.NoError(t, s.Leave("u2"))
	assert.Equal(t, StatusIdle, s.Status())

	assert.False(t, s.Expired(time.Minute))
	clock = clock.Add(2 * time.Minute)
	assert.True(t, s.Expired(time.Minute))

	require.NoError(t, s.Join(models.NewParticipant("u2", "Two", models.RoleEditor)))
	assert.Equal(t, StatusActive, s.Status())
	assert.False(t, s.Expired(time.Minute))

	assert.ErrorIs(t, s.Leave("ghost"), models.ErrUserNotFound)
}

func TestSession_MarkIdleAndTouch(t *testing.T) {
	s := newTestSession(t, "")
	clock := time.Now()
	s.now = func() time.Time { return clock }
	require.NoError(t, s.Join(models.NewParticipant("u2", "Two", models.RoleEditor)))

	clock = clock.Add(10 * time.Minute)
	s.Touch("u2")
	idle := s.MarkIdle(5 * time.Minute)
	assert.Equal(t, []string{"owner"}, idle)

	p, _ := s.Participant("owner")
	assert.Equal(t, models.StatusIdle, p.Status)
	s.Touch("owner")
	assert.Equal(t, models.StatusActive, p.Status)
}

func TestSession_SetRole(t *testing.T) {
	s := newTestSession(t, "Hello")
	require.NoError(t, s.Join(models.NewParticipant("u2", "Two", models.RoleEditor)))
	require.NoError(t, s.Join(models.NewParticipant("u3", "Three", models.RoleEditor)))

	assert.ErrorIs(t, s.SetRole("u2", "u3", models.RoleViewer), models.ErrPermissionDenied)
	assert.ErrorIs(t, s.SetRole("owner", "ghost", models.RoleViewer), models.ErrUserNotFound)
	assert.ErrorIs(t, s.SetRole("owner", "owner", models.RoleViewer), models.ErrPermissionDenied)

	require.NoError(t, s.SetRole("owner", "u2", models.RoleViewer))
	assert.False(t, s.Document().Metadata.Permissions.CanWrite("u2"))
	assert.True(t, s.Document().Metadata.Permissions.CanRead("u2"))

	_, err := s.Apply(models.NewInsert(0, "x", opMeta("u2", 1, 1)))
	assert.ErrorIs(t, err, models.ErrPermissionDenied)
}

func TestManager_Facade(t *testing.T) {
	m := newTestManager(t)
	id, err := m.Create("doc-1", "ab", models.NewParticipant("owner", "Owner", models.RoleOwner))
	require.NoError(t, err)

	res, err := m.Apply(id, models.NewInsert(2, "c", opMeta("owner", 1, 1)))
	require.NoError(t, err)
	assert.True(t, res.Success)

	_, err = m.Undo(id, "owner")
	require.NoError(t, err)
	_, err = m.Redo(id, "owner")
	require.NoError(t, err)

	metrics, err := m.Metrics(id)
	require.NoError(t, err)
	assert.EqualValues(t, 3, metrics.OperationCount)
	assert.EqualValues(t, 4, metrics.Version)

	_, err = m.Apply("missing", models.NewInsert(0, "x", opMeta("owner", 2, 1)))
	assert.ErrorIs(t, err, models.ErrSessionNotFound)

	assert.Equal(t, []Info{{SessionID: id, DocumentID: "doc-1"}}, m.List())
}
