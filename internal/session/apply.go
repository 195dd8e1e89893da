package session

import (
	"fmt"

	"github.com/kilupskalvis/coedit/internal/models"
	"github.com/kilupskalvis/coedit/internal/ot"
)

// Apply submits an operation. It is rejected, without touching the document,
// when the submitter cannot edit, the operation is malformed, its base version
// is no longer in history, or it does not fit the document after catch-up.
// A rejected operation is returned in RejectedOperations alongside the error.
func (s *Session) Apply(op models.Operation) (ApplyResult, error) {
	return s.apply([]models.Operation{op}, modeEdit)
}

// Undo reverts userID's most recent edit by applying its inverse as a new
// operation. The inverse is transformed against everything applied since.
func (s *Session) Undo(userID string) (ApplyResult, error) {
	return s.replay(userID, s.undo, modeUndo)
}

// Redo reapplies the most recently undone edit of userID
func (s *Session) Redo(userID string) (ApplyResult, error) {
	return s.replay(userID, s.redo, modeRedo)
}

// CanUndo reports the depth of userID's undo and redo stacks
func (s *Session) CanUndo(userID string) (undo, redo int) {
	return len(s.undo[userID]), len(s.redo[userID])
}

func (s *Session) replay(userID string, stacks map[string][][]models.Operation, mode applyMode) (ApplyResult, error) {
	stack := stacks[userID]
	if len(stack) == 0 {
		return ApplyResult{}, fmt.Errorf("%w: nothing to %s for %s", models.ErrMalformedOperation, modeName(mode), userID)
	}

	id, ts := ot.NewOperationID(), s.now().UnixMilli()
	top := stack[len(stack)-1]
	ops := make([]models.Operation, len(top))
	for i, op := range top {
		op = op.Clone()
		op.Metadata.OperationID = id
		op.Metadata.Timestamp = ts
		op.Metadata.VectorClock = s.clock.Clone()
		ops[i] = op
	}

	res, err := s.apply(ops, mode)
	if err != nil {
		return res, err
	}
	// The entry stays on the stack until it has been applied.
	stack = stacks[userID]
	stacks[userID] = stack[:len(stack)-1]
	return res, nil
}

// apply resolves and applies ops, a sequence forming one edit, as a single
// version step.
func (s *Session) apply(ops []models.Operation, mode applyMode) (ApplyResult, error) {
	reject := func(err error) (ApplyResult, error) {
		return ApplyResult{
			Version:            s.state.Version(),
			RejectedOperations: ops,
		}, err
	}

	lead := ops[0].Metadata
	if s.status == StatusClosed {
		return reject(fmt.Errorf("%w: %s", models.ErrSessionNotFound, s.id))
	}
	p, ok := s.participants[lead.UserID]
	if !ok || !p.Permissions.CanEdit {
		return reject(fmt.Errorf("%w: %s cannot edit %s", models.ErrPermissionDenied, lead.UserID, s.DocumentID()))
	}
	for _, op := range ops {
		if err := s.engine.Validate(op); err != nil {
			return reject(err)
		}
	}

	concurrent, err := s.state.Since(lead.DocumentVersion)
	if err != nil {
		return reject(err)
	}
	resolved := s.engine.TransformAgainst(ops, concurrent)

	inverse, err := s.engine.InvertAll(resolved, s.state.Document())
	if err != nil {
		return reject(err)
	}

	for i := range resolved {
		resolved[i].Metadata.DocumentVersion = s.state.Version()
	}
	entry, err := s.state.Apply(resolved...)
	if err != nil {
		return reject(err)
	}

	s.advanceClock(lead.UserID, lead.VectorClock)
	s.opCount++
	p.LastSeen = s.now().UTC()

	inverse = effective(inverse)
	for i := range inverse {
		inverse[i].Metadata.DocumentVersion = entry.Version
	}
	switch mode {
	case modeEdit:
		s.undo[p.UserID] = push(s.undo[p.UserID], inverse)
		delete(s.redo, p.UserID)
	case modeUndo:
		s.redo[p.UserID] = push(s.redo[p.UserID], inverse)
	case modeRedo:
		s.undo[p.UserID] = push(s.undo[p.UserID], inverse)
	}

	return ApplyResult{
		Success:     true,
		Applied:     resolved,
		Version:     entry.Version,
		VectorClock: s.clock.Clone(),
	}, nil
}

// advanceClock merges the sender's clock into the document clock and records
// one more operation from userID.
func (s *Session) advanceClock(userID string, sender models.VectorClock) {
	prev := s.clock.Get(userID)
	s.clock = s.clock.Merge(sender)
	if s.clock.Get(userID) <= prev {
		s.clock[userID] = prev + 1
	}
}

func push(stack [][]models.Operation, edit []models.Operation) [][]models.Operation {
	if len(edit) == 0 {
		return stack
	}
	stack = append(stack, edit)
	if over := len(stack) - UndoLimit; over > 0 {
		stack = append([][]models.Operation(nil), stack[over:]...)
	}
	return stack
}

// effective drops inverse pieces that would leave the document unchanged
func effective(ops []models.Operation) []models.Operation {
	out := ops[:0]
	for _, op := range ops {
		if op.Type == models.OperationInsert && op.Content == "" {
			continue
		}
		if op.Type != models.OperationInsert && op.Length == 0 {
			continue
		}
		out = append(out, op)
	}
	return out
}

func modeName(m applyMode) string {
	if m == modeRedo {
		return "redo"
	}
	return "undo"
}
