package ot

import (
	"fmt"
	"reflect"
	"slices"
	"time"

	"github.com/kilupskalvis/coedit/internal/models"
)

// Apply returns the document that results from applying op to doc. doc is never
// modified; on error no new state is produced.
func (e *Engine) Apply(op models.Operation, doc *models.DocumentState) (*models.DocumentState, error) {
	return e.ApplyAll([]models.Operation{op}, doc)
}

// ApplyAll applies ops in order as a single edit: the version advances once and
// the checksum is computed over the final content. If any operation fails, no
// new state is produced.
func (e *Engine) ApplyAll(ops []models.Operation, doc *models.DocumentState) (*models.DocumentState, error) {
	if len(ops) == 0 {
		return nil, fmt.Errorf("%w: empty edit", models.ErrMalformedOperation)
	}
	next := doc.Clone()
	for _, op := range ops {
		if err := edit(op, next); err != nil {
			return nil, err
		}
		if op.Metadata.UserID != "" {
			next.Metadata.Collaborators.Add(op.Metadata.UserID)
		}
	}
	next.Version = doc.Version + 1
	next.Checksum = Checksum(next.Content)
	next.Metadata.UpdatedAt = time.Now().UTC()
	return next, nil
}

// edit applies op to doc's content and formatting in place
func edit(op models.Operation, doc *models.DocumentState) error {
	runes := []rune(doc.Content)
	n := len(runes)

	if err := checkBounds(op, n); err != nil {
		return err
	}

	switch op.Type {
	case models.OperationInsert:
		ins := []rune(op.Content)
		out := make([]rune, 0, n+len(ins))
		out = append(out, runes[:op.Position]...)
		out = append(out, ins...)
		out = append(out, runes[op.Position:]...)
		doc.Content = string(out)
		doc.Formatting = shiftFormatting(doc.Formatting, op.Position, len(ins))
	case models.OperationDelete:
		end := op.Position + op.Length
		out := make([]rune, 0, n-op.Length)
		out = append(out, runes[:op.Position]...)
		out = append(out, runes[end:]...)
		doc.Content = string(out)
		doc.Formatting = removeFormatting(doc.Formatting, op.Position, op.Length)
	case models.OperationFormat:
		for p := op.Position; p < op.Position+op.Length; p++ {
			attrs := doc.Formatting[p].Clone()
			if attrs == nil {
				attrs = make(models.Attributes)
			}
			for k, v := range op.Attributes {
				if v == nil {
					delete(attrs, k)
				} else {
					attrs[k] = v
				}
			}
			if len(attrs) == 0 {
				delete(doc.Formatting, p)
			} else {
				doc.Formatting[p] = attrs
			}
		}
	default:
		return fmt.Errorf("%w: unknown operation type %q", models.ErrMalformedOperation, op.Type)
	}
	return nil
}

func checkBounds(op models.Operation, n int) error {
	switch op.Type {
	case models.OperationInsert:
		if op.Position < 0 || op.Position > n {
			return fmt.Errorf("%w: insert at %d outside [0, %d]", models.ErrInvalidPosition, op.Position, n)
		}
	case models.OperationDelete, models.OperationFormat:
		if op.Position < 0 || op.Length < 0 || op.Position+op.Length > n {
			return fmt.Errorf("%w: %s range [%d, %d) outside document of length %d",
				models.ErrInvalidPosition, op.Type, op.Position, op.Position+op.Length, n)
		}
	}
	return nil
}

// shiftFormatting moves every formatted position at or after pos right by n
func shiftFormatting(f models.Formatting, pos, n int) models.Formatting {
	out := make(models.Formatting, len(f))
	for p, attrs := range f {
		if p >= pos {
			p += n
		}
		out[p] = attrs.Clone()
	}
	return out
}

// removeFormatting drops formatting inside [pos, pos+n) and closes the gap
func removeFormatting(f models.Formatting, pos, n int) models.Formatting {
	out := make(models.Formatting, len(f))
	for p, attrs := range f {
		switch {
		case p < pos:
			out[p] = attrs.Clone()
		case p >= pos+n:
			out[p-n] = attrs.Clone()
		}
	}
	return out
}

// Invert returns the operations that undo op when applied, in order, to the
// document produced by applying op to doc. doc must be the state op is about to
// be applied to. A format is undone by one format per run of positions that
// shared the same prior values. The inverse carries op's metadata; callers
// assign fresh identity.
func (e *Engine) Invert(op models.Operation, doc *models.DocumentState) ([]models.Operation, error) {
	runes := []rune(doc.Content)
	if err := checkBounds(op, len(runes)); err != nil {
		return nil, err
	}

	meta := op.Metadata
	meta.VectorClock = meta.VectorClock.Clone()
	switch op.Type {
	case models.OperationInsert:
		return []models.Operation{models.NewDelete(op.Position, op.Span(), meta)}, nil
	case models.OperationDelete:
		removed := string(runes[op.Position : op.Position+op.Length])
		return []models.Operation{models.NewInsert(op.Position, removed, meta)}, nil
	case models.OperationFormat:
		return invertFormat(op, doc.Formatting, meta), nil
	}
	return nil, fmt.Errorf("%w: unknown operation type %q", models.ErrMalformedOperation, op.Type)
}

// InvertAll returns the operations that undo the edit ops applied in order to
// doc.
func (e *Engine) InvertAll(ops []models.Operation, doc *models.DocumentState) ([]models.Operation, error) {
	var out []models.Operation
	cur := doc.Clone()
	for _, op := range ops {
		inv, err := e.Invert(op, cur)
		if err != nil {
			return nil, err
		}
		if err := edit(op, cur); err != nil {
			return nil, err
		}
		out = slices.Concat(inv, out)
	}
	return out, nil
}

func invertFormat(op models.Operation, f models.Formatting, meta models.Metadata) []models.Operation {
	prior := func(p int) models.Attributes {
		attrs := make(models.Attributes, len(op.Attributes))
		for k := range op.Attributes {
			if v, ok := f[p][k]; ok {
				attrs[k] = v
			} else {
				attrs[k] = nil
			}
		}
		return attrs
	}

	end := op.Position + op.Length
	if op.Length == 0 {
		return []models.Operation{models.NewFormat(op.Position, 0, prior(op.Position), meta)}
	}
	var out []models.Operation
	for start := op.Position; start < end; {
		attrs := prior(start)
		stop := start + 1
		for stop < end && reflect.DeepEqual(prior(stop), attrs) {
			stop++
		}
		m := meta
		m.VectorClock = meta.VectorClock.Clone()
		out = append(out, models.NewFormat(start, stop-start, attrs, m))
		start = stop
	}
	return out
}
