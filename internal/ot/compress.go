package ot

import (
	"github.com/kilupskalvis/coedit/internal/models"
)

// Compress merges runs of single-rune inserts by the same user at contiguous,
// increasing positions into one insert. Replaying the result produces the same
// document as replaying ops.
func (e *Engine) Compress(ops []models.Operation) []models.Operation {
	out, _ := e.CompressWithCounts(ops)
	return out
}

// CompressWithCounts is Compress that also reports, for each output operation,
// how many input operations it replaces.
func (e *Engine) CompressWithCounts(ops []models.Operation) ([]models.Operation, []int) {
	out := make([]models.Operation, 0, len(ops))
	counts := make([]int, 0, len(ops))

	for _, op := range ops {
		if last := len(out) - 1; last >= 0 && canExtend(out[last], counts[last], op) {
			prev := &out[last]
			prev.Content += op.Content
			prev.Metadata.VectorClock = prev.Metadata.VectorClock.Merge(op.Metadata.VectorClock)
			counts[last]++
			continue
		}
		out = append(out, op.Clone())
		counts = append(counts, 1)
	}
	return out, counts
}

// canExtend reports whether next continues the typing run built from merged
// single-rune inserts
func canExtend(run models.Operation, merged int, next models.Operation) bool {
	if run.Type != models.OperationInsert || next.Type != models.OperationInsert {
		return false
	}
	if run.Metadata.UserID != next.Metadata.UserID {
		return false
	}
	if models.RuneLen(next.Content) != 1 {
		return false
	}
	if merged == 1 && models.RuneLen(run.Content) != 1 {
		return false
	}
	return next.Position == run.Position+models.RuneLen(run.Content)
}
