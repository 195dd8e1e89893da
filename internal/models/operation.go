// Package models defines the data types shared by the collaborative editing core:
// operations and their metadata, document snapshots, participants and notifications.
package models

import (
	"unicode/utf8"
)

// OperationType represents the kind of edit an operation performs
type OperationType string

const (
	OperationInsert OperationType = "insert"
	OperationDelete OperationType = "delete"
	OperationFormat OperationType = "format"
)

// Valid reports whether t is one of the known operation kinds
func (t OperationType) Valid() bool {
	switch t {
	case OperationInsert, OperationDelete, OperationFormat:
		return true
	}
	return false
}

// Attributes is a set of formatting attributes. A nil value removes the key.
type Attributes map[string]interface{}

// Clone returns a shallow copy of the attribute set
func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Metadata describes who produced an operation and the causal context it was produced in
type Metadata struct {
	OperationID     string      `json:"operation_id"`
	UserID          string      `json:"user_id"`
	SessionID       string      `json:"session_id"`
	Timestamp       int64       `json:"timestamp"` // sender's monotonic clock, milliseconds
	VectorClock     VectorClock `json:"vector_clock,omitempty"`
	DocumentVersion int64       `json:"document_version"` // version the sender last observed
}

// Operation is a single edit. Type selects which of the positional fields apply:
//
//	insert: Position, Content
//	delete: Position, Length
//	format: Position, Length, Attributes
//
// Positions and lengths count runes, not bytes.
type Operation struct {
	Type       OperationType `json:"type"`
	Position   int           `json:"position"`
	Content    string        `json:"content,omitempty"`
	Length     int           `json:"length,omitempty"`
	Attributes Attributes    `json:"attributes,omitempty"`
	Metadata   Metadata      `json:"metadata"`
}

// NewInsert builds an insert operation
func NewInsert(position int, content string, meta Metadata) Operation {
	return Operation{Type: OperationInsert, Position: position, Content: content, Metadata: meta}
}

// NewDelete builds a delete operation
func NewDelete(position, length int, meta Metadata) Operation {
	return Operation{Type: OperationDelete, Position: position, Length: length, Metadata: meta}
}

// NewFormat builds a format operation
func NewFormat(position, length int, attrs Attributes, meta Metadata) Operation {
	return Operation{Type: OperationFormat, Position: position, Length: length, Attributes: attrs, Metadata: meta}
}

// Span returns the number of runes the operation covers: the inserted text
// length for inserts, the range length otherwise.
func (o Operation) Span() int {
	if o.Type == OperationInsert {
		return RuneLen(o.Content)
	}
	return o.Length
}

// End returns the exclusive end of the range the operation covers
func (o Operation) End() int {
	return o.Position + o.Span()
}

// Clone returns a deep copy of the operation
func (o Operation) Clone() Operation {
	o.Attributes = o.Attributes.Clone()
	o.Metadata.VectorClock = o.Metadata.VectorClock.Clone()
	return o
}

// ID returns the operation's unique identifier
func (o Operation) ID() string {
	return o.Metadata.OperationID
}

// RuneLen returns the number of runes in s
func RuneLen(s string) int {
	return utf8.RuneCountInString(s)
}
