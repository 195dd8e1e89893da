package ot

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/coedit/internal/models"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(DefaultOptions())
	require.NoError(t, err)
	return e
}

func meta(user string, ts int64) models.Metadata {
	return models.Metadata{
		OperationID: fmt.Sprintf("%s-%d", user, ts),
		UserID:      user,
		SessionID:   "sess-1",
		Timestamp:   ts,
	}
}

func doc(content string) *models.DocumentState {
	return models.NewDocumentState("doc-1", content, "owner", Checksum(content))
}

// converge applies a then b' and b then a' and returns both documents.
func converge(t *testing.T, e *Engine, content string, a, b models.Operation) (*models.DocumentState, *models.DocumentState) {
	t.Helper()
	base := doc(content)

	ab := e.Transform(a, b)
	ba := e.Transform(b, a)

	left, err := e.Apply(a, base)
	require.NoError(t, err)
	left, err = e.ApplyAll(ab.Transformed2, left)
	require.NoError(t, err)

	right, err := e.Apply(b, base)
	require.NoError(t, err)
	right, err = e.ApplyAll(ba.Transformed2, right)
	require.NoError(t, err)

	return left, right
}

func TestTransform_InsertInsertSamePosition(t *testing.T) {
	e := newTestEngine(t)
	a := models.NewInsert(5, "X", meta("userA", 1))
	b := models.NewInsert(5, "Y", meta("userB", 2))

	res := e.Transform(a, b)
	assert.Equal(t, FirstWins, res.Priority)
	assert.Equal(t, 5, res.Transformed1[0].Position, "winner keeps its position")
	assert.Equal(t, 5+models.RuneLen(a.Content), res.Transformed2[0].Position, "loser shifts by winner's length")

	// The same decision from the other side.
	rev := e.Transform(b, a)
	assert.Equal(t, SecondWins, rev.Priority)
	assert.Equal(t, 6, rev.Transformed1[0].Position)
	assert.Equal(t, 5, rev.Transformed2[0].Position)
}

func TestTransform_InsertInsertTieBreaksByUser(t *testing.T) {
	e := newTestEngine(t)
	a := models.NewInsert(0, "a", meta("zed", 7))
	b := models.NewInsert(0, "b", meta("amy", 7))

	res := e.Transform(a, b)
	assert.Equal(t, SecondWins, res.Priority)
	assert.Equal(t, 1, res.Transformed1[0].Position)
	assert.Equal(t, 0, res.Transformed2[0].Position)
}

func TestTransform_InsertInsertTieBreaksByOperationID(t *testing.T) {
	e := newTestEngine(t)
	m1 := meta("amy", 7)
	m1.OperationID = "b-op"
	m2 := meta("amy", 7)
	m2.OperationID = "a-op"

	res := e.Transform(models.NewInsert(0, "x", m1), models.NewInsert(0, "y", m2))
	assert.Equal(t, SecondWins, res.Priority)
}

func TestTransform_InsertAfterDelete(t *testing.T) {
	tests := []struct {
		name    string
		insert  int
		wantPos int
		delPos  int
		delLen  int
	}{
		{"before range", 2, 2, 5, 3},
		{"at range start", 5, 5, 5, 3},
		{"inside range collapses", 6, 5, 5, 3},
		{"at range end", 8, 5, 5, 3},
		{"after range", 10, 7, 5, 3},
	}

	e := newTestEngine(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ins := models.NewInsert(tt.insert, "Z", meta("userA", 2))
			del := models.NewDelete(tt.delPos, tt.delLen, meta("userB", 1))
			res := e.Transform(ins, del)
			assert.Equal(t, tt.wantPos, res.Transformed1[0].Position)
			assert.Equal(t, "Z", res.Transformed1[0].Content)
		})
	}
}

func TestTransform_DeleteAfterInsert(t *testing.T) {
	e := newTestEngine(t)
	del := models.NewDelete(5, 3, meta("userA", 1))

	before := e.Transform(del, models.NewInsert(2, "ab", meta("userB", 2)))
	assert.Equal(t, 7, before.Transformed1[0].Position)
	assert.Equal(t, 3, before.Transformed1[0].Length)

	after := e.Transform(del, models.NewInsert(9, "ab", meta("userB", 2)))
	assert.Equal(t, 5, after.Transformed1[0].Position)
	assert.Equal(t, 3, after.Transformed1[0].Length)

	inside := e.Transform(del, models.NewInsert(6, "ab", meta("userB", 2)))
	require.Len(t, inside.Transformed1, 2, "an insert inside the range splits it")
	assert.Equal(t, 8, inside.Transformed1[0].Position, "right piece first")
	assert.Equal(t, 2, inside.Transformed1[0].Length)
	assert.Equal(t, 5, inside.Transformed1[1].Position)
	assert.Equal(t, 1, inside.Transformed1[1].Length)
	assert.Equal(t, del.ID(), inside.Transformed1[1].ID())
}

func TestTransform_DeleteDeleteOverlap(t *testing.T) {
	e := newTestEngine(t)
	first := models.NewDelete(5, 5, meta("userA", 1))
	second := models.NewDelete(7, 4, meta("userB", 2))

	res := e.Transform(first, second)
	assert.Equal(t, FirstWins, res.Priority)
	// [7,11) minus [5,10) leaves one rune at original offset 10, which is 5 after the first delete.
	assert.Equal(t, 5, res.Transformed2[0].Position)
	assert.Equal(t, 1, res.Transformed2[0].Length)
	// [5,10) minus [7,11) leaves [5,7).
	assert.Equal(t, 5, res.Transformed1[0].Position)
	assert.Equal(t, 2, res.Transformed1[0].Length)
}

func TestTransform_DeleteDeleteNoDoubleDelete(t *testing.T) {
	e := newTestEngine(t)
	content := "abcdefghijklmnopqrstuvwxyz"
	n := len(content)

	for p1 := 0; p1 < 8; p1++ {
		for l1 := 1; l1 < 6; l1++ {
			for p2 := 0; p2 < 8; p2++ {
				for l2 := 1; l2 < 6; l2++ {
					a := models.NewDelete(p1, l1, meta("userA", 1))
					b := models.NewDelete(p2, l2, meta("userB", 2))

					union := make(map[int]bool)
					for i := p1; i < p1+l1; i++ {
						union[i] = true
					}
					for i := p2; i < p2+l2; i++ {
						union[i] = true
					}

					left, right := converge(t, e, content, a, b)
					require.Equal(t, left.Content, right.Content, "a=%v b=%v", a, b)
					assert.Equal(t, len(union), n-len(left.Content), "a=(%d,%d) b=(%d,%d)", p1, l1, p2, l2)
				}
			}
		}
	}
}

func TestTransform_ConvergenceNonConflicting(t *testing.T) {
	e := newTestEngine(t)
	content := "Hello World"

	tests := []struct {
		name string
		a, b models.Operation
	}{
		{"insert insert apart", models.NewInsert(0, "A", meta("u1", 1)), models.NewInsert(11, "B", meta("u2", 2))},
		{"insert insert same spot", models.NewInsert(5, "X", meta("u1", 1)), models.NewInsert(5, "Y", meta("u2", 2))},
		{"insert before delete", models.NewInsert(1, "zz", meta("u1", 1)), models.NewDelete(6, 5, meta("u2", 2))},
		{"insert after delete", models.NewInsert(10, "!", meta("u1", 3)), models.NewDelete(0, 5, meta("u2", 2))},
		{"disjoint deletes", models.NewDelete(0, 2, meta("u1", 1)), models.NewDelete(6, 3, meta("u2", 2))},
		{"format and insert", models.NewFormat(0, 5, models.Attributes{"bold": true}, meta("u1", 1)), models.NewInsert(6, "big ", meta("u2", 2))},
		{"format and delete", models.NewFormat(6, 5, models.Attributes{"italic": true}, meta("u1", 1)), models.NewDelete(0, 6, meta("u2", 2))},
		{"insert inside delete", models.NewDelete(2, 4, meta("u1", 1)), models.NewInsert(4, "XY", meta("u2", 2))},
		{"insert inside format", models.NewFormat(2, 6, models.Attributes{"bold": true}, meta("u1", 1)), models.NewInsert(4, "XY", meta("u2", 2))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			left, right := converge(t, e, content, tt.a, tt.b)
			assert.Equal(t, left.Content, right.Content)
			assert.Equal(t, left.Formatting, right.Formatting)
			assert.Equal(t, left.Version, right.Version)
		})
	}
}

func TestTransform_DeleteStraddlingInsertKeepsInsertedText(t *testing.T) {
	e := newTestEngine(t)
	del := models.NewDelete(2, 4, meta("userA", 1))
	ins := models.NewInsert(4, "XY", meta("userB", 2))

	left, right := converge(t, e, "0123456789", del, ins)
	assert.Equal(t, "01XY6789", left.Content)
	assert.Equal(t, "01XY6789", right.Content)
	assert.EqualValues(t, 3, right.Version, "both pieces apply as one version")
}

func TestTransform_FormatStraddlingInsertLeavesInsertedTextPlain(t *testing.T) {
	e := newTestEngine(t)
	bold := models.NewFormat(2, 4, models.Attributes{"bold": true}, meta("userA", 1))
	ins := models.NewInsert(4, "XY", meta("userB", 2))

	_, right := converge(t, e, "0123456789", bold, ins)
	assert.Equal(t, "0123XY456789", right.Content)
	for p := 0; p < 12; p++ {
		want := p == 2 || p == 3 || p == 6 || p == 7
		assert.Equal(t, want, right.Formatting[p]["bold"] == true, "position %d", p)
	}
}

func TestTransformSequences_Converge(t *testing.T) {
	e := newTestEngine(t)
	content := "abcdefghij"
	a := []models.Operation{
		models.NewDelete(6, 2, meta("userA", 1)),
		models.NewDelete(1, 2, meta("userA", 1)),
	}
	b := []models.Operation{
		models.NewInsert(7, "Q", meta("userB", 2)),
		models.NewInsert(2, "R", meta("userB", 2)),
	}

	aAfterB, bAfterA := e.TransformSequences(a, b)

	base := doc(content)
	left, err := e.ApplyAll(a, base)
	require.NoError(t, err)
	left, err = e.ApplyAll(bAfterA, left)
	require.NoError(t, err)

	right, err := e.ApplyAll(b, base)
	require.NoError(t, err)
	right, err = e.ApplyAll(aAfterB, right)
	require.NoError(t, err)

	assert.Equal(t, left.Content, right.Content)
	assert.Equal(t, "aRdefQij", left.Content)
}

func TestTransform_FormatFormatLastWriteWinsPerKey(t *testing.T) {
	e := newTestEngine(t)
	early := models.NewFormat(0, 5, models.Attributes{"bold": true, "color": "red"}, meta("userA", 1))
	late := models.NewFormat(0, 5, models.Attributes{"bold": false}, meta("userB", 2))

	res := e.Transform(early, late)
	assert.Equal(t, models.Attributes{"color": "red"}, res.Transformed1[0].Attributes, "earlier write loses the shared key")
	assert.Equal(t, models.Attributes{"bold": false}, res.Transformed2[0].Attributes)

	base := doc("Hello")
	left, err := e.Apply(early, base)
	require.NoError(t, err)
	left, err = e.ApplyAll(res.Transformed2, left)
	require.NoError(t, err)

	right, err := e.Apply(late, base)
	require.NoError(t, err)
	right, err = e.ApplyAll(res.Transformed1, right)
	require.NoError(t, err)

	assert.Equal(t, left.Formatting, right.Formatting)
	assert.Equal(t, false, left.Formatting[0]["bold"])
	assert.Equal(t, "red", left.Formatting[0]["color"])
}

func TestTransform_FormatFormatDifferentRangesKeepBoth(t *testing.T) {
	e := newTestEngine(t)
	a := models.NewFormat(0, 3, models.Attributes{"bold": true}, meta("userA", 1))
	b := models.NewFormat(1, 3, models.Attributes{"bold": false}, meta("userB", 2))

	res := e.Transform(a, b)
	assert.Equal(t, a.Attributes, res.Transformed1[0].Attributes)
	assert.Equal(t, b.Attributes, res.Transformed2[0].Attributes)
}

func TestTransformAgainst_Sequential(t *testing.T) {
	e := newTestEngine(t)
	history := []models.Operation{
		models.NewInsert(0, "ab", meta("u1", 1)),
		models.NewDelete(4, 2, meta("u2", 2)),
	}
	op := models.NewInsert(6, "!", meta("u3", 3))

	out := e.TransformAgainst([]models.Operation{op}, history)
	require.Len(t, out, 1)
	// +2 for the insert, -2 for the delete ending before the point.
	assert.Equal(t, 6, out[0].Position)
}

func TestTransformAgainst_SplitsAndDropsEmptyPieces(t *testing.T) {
	e := newTestEngine(t)
	del := models.NewDelete(0, 3, meta("owner", 1))

	out := e.TransformAgainst([]models.Operation{del}, []models.Operation{
		models.NewInsert(1, "X", meta("bob", 2)),
	})
	require.Len(t, out, 2)
	next, err := e.ApplyAll(out, doc("aXbc"))
	require.NoError(t, err)
	assert.Equal(t, "X", next.Content)

	// Both pieces already gone: one empty piece is kept so the edit still applies.
	out = e.TransformAgainst(out, []models.Operation{
		models.NewDelete(0, 4, meta("carol", 3)),
	})
	require.Len(t, out, 1)
	assert.Zero(t, out[0].Length)
}

func TestEngine_CacheIsTransparent(t *testing.T) {
	e := newTestEngine(t)
	a := models.NewInsert(3, "abc", meta("u1", 1))
	b := models.NewDelete(1, 4, meta("u2", 2))

	first := e.Transform(a, b)
	second := e.Transform(a, b)
	assert.Equal(t, first, second)

	stats := e.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)

	e.ClearCache()
	assert.Equal(t, CacheStats{}, e.Stats())
	assert.Equal(t, first, e.Transform(a, b))
}

func TestEngine_CacheDoesNotAliasResults(t *testing.T) {
	e := newTestEngine(t)
	m := meta("u1", 1)
	m.VectorClock = models.VectorClock{"u1": 1}
	a := models.NewInsert(3, "abc", m)
	b := models.NewInsert(1, "z", meta("u2", 2))

	first := e.Transform(a, b)
	first.Transformed1[0].Metadata.VectorClock["u1"] = 99

	second := e.Transform(a, b)
	assert.Equal(t, int64(1), second.Transformed1[0].Metadata.VectorClock["u1"])
}

func TestEngine_CacheRebuildsSplitRanges(t *testing.T) {
	e := newTestEngine(t)
	del := models.NewDelete(5, 3, meta("u1", 1))
	ins := models.NewInsert(6, "ab", meta("u2", 2))

	first := e.Transform(del, ins)
	second := e.Transform(del, ins)
	assert.Equal(t, uint64(1), e.Stats().Hits)
	require.Len(t, second.Transformed1, 2)
	assert.Equal(t, first, second)
}
