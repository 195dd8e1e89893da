package ot

import (
	"github.com/kilupskalvis/coedit/internal/models"
)

// Priority names which side of a transform won the tie-break
type Priority int

const (
	// FirstWins means the first operation precedes the second in the total order
	FirstWins Priority = iota
	// SecondWins means the second operation precedes the first
	SecondWins
)

func (p Priority) String() string {
	if p == FirstWins {
		return "first"
	}
	return "second"
}

// Result is the outcome of transforming two concurrent operations a and b.
// Transformed1 is a rewritten to apply after b; Transformed2 is b rewritten to
// apply after a. Applying a then Transformed2 yields the same document as
// applying b then Transformed1.
//
// Each side is a sequence applied in order. It holds a single operation unless
// a delete or format range had an insertion land strictly inside it, in which
// case the range is split in two around the inserted runes.
type Result struct {
	Transformed1 []models.Operation
	Transformed2 []models.Operation
	Priority     Priority
}

// Precedes reports whether a is ordered before b. Operations are ordered by
// (timestamp, user ID) and, when both tie, by operation ID.
func Precedes(a, b models.Operation) bool {
	am, bm := a.Metadata, b.Metadata
	if am.Timestamp != bm.Timestamp {
		return am.Timestamp < bm.Timestamp
	}
	if am.UserID != bm.UserID {
		return am.UserID < bm.UserID
	}
	return am.OperationID < bm.OperationID
}

// transform applies the pairwise rules without consulting the cache
func transform(a, b models.Operation) Result {
	res := Result{Priority: SecondWins}
	aFirst := Precedes(a, b)
	if aFirst {
		res.Priority = FirstWins
	}
	res.Transformed1 = transformOne(a, b, aFirst)
	res.Transformed2 = transformOne(b, a, !aFirst)
	return res
}

// transformOne rewrites op so it applies after other has been applied.
// opFirst reports whether op precedes other in the total order.
func transformOne(op, other models.Operation, opFirst bool) []models.Operation {
	out := op.Clone()
	switch op.Type {
	case models.OperationInsert:
		switch other.Type {
		case models.OperationInsert:
			if other.Position < op.Position || (other.Position == op.Position && !opFirst) {
				out.Position += other.Span()
			}
		case models.OperationDelete:
			out.Position = positionAfterDelete(op.Position, other.Position, other.Length)
		}
	case models.OperationDelete, models.OperationFormat:
		switch other.Type {
		case models.OperationInsert:
			return splitAroundInsert(op, other.Position, other.Span())
		case models.OperationDelete:
			out.Position, out.Length = rangeAfterDelete(op.Position, op.Length, other.Position, other.Length)
		case models.OperationFormat:
			if op.Type == models.OperationFormat {
				out.Attributes = formatAfterFormat(op, other, opFirst)
			}
		}
	}
	return []models.Operation{out}
}

// positionAfterDelete maps an insertion point across a deletion of [dp, dp+dl).
// Points inside the deleted range collapse to its start.
func positionAfterDelete(pos, dp, dl int) int {
	if pos <= dp {
		return pos
	}
	return pos - min(dl, pos-dp)
}

// splitAroundInsert maps op's range across an insertion of n runes at ip.
// An insertion strictly inside the range splits it so the inserted runes are
// left untouched. The right piece comes first: applying it does not move the
// left piece.
func splitAroundInsert(op models.Operation, ip, n int) []models.Operation {
	pos, end := op.Position, op.Position+op.Length
	out := op.Clone()
	switch {
	case ip <= pos:
		out.Position += n
	case ip >= end:
	default:
		right := op.Clone()
		right.Position, right.Length = ip+n, end-ip
		out.Length = ip - pos
		return []models.Operation{right, out}
	}
	return []models.Operation{out}
}

// rangeAfterDelete maps [pos, pos+length) across a deletion of [dp, dp+dl).
// Any overlap is removed, so the result never covers runes the deletion already removed.
func rangeAfterDelete(pos, length, dp, dl int) (int, int) {
	start := mapBoundary(pos, dp, dl)
	end := mapBoundary(pos+length, dp, dl)
	return start, end - start
}

func mapBoundary(x, dp, dl int) int {
	switch {
	case x <= dp:
		return x
	case x <= dp+dl:
		return dp
	default:
		return x - dl
	}
}

// formatAfterFormat resolves attribute conflicts between two format operations.
// When both cover the same range, the later writer keeps each shared key and the
// earlier writer drops it; otherwise both keep all their attributes.
func formatAfterFormat(op, other models.Operation, opFirst bool) models.Attributes {
	attrs := op.Attributes.Clone()
	if op.Position != other.Position || op.Length != other.Length {
		return attrs
	}
	if !opFirst {
		// op is the later write and wins every shared key
		return attrs
	}
	for k := range other.Attributes {
		delete(attrs, k)
	}
	return attrs
}
