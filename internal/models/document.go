package models

import (
	"sort"
	"time"
)

// Formatting maps a rune position to the attributes applied at that position
type Formatting map[int]Attributes

// Clone returns a deep copy of the formatting map
func (f Formatting) Clone() Formatting {
	out := make(Formatting, len(f))
	for pos, attrs := range f {
		out[pos] = attrs.Clone()
	}
	return out
}

// UserSet is a set of user IDs
type UserSet map[string]bool

// Add inserts userID into the set
func (s UserSet) Add(userID string) {
	s[userID] = true
}

// Has reports whether userID is in the set
func (s UserSet) Has(userID string) bool {
	return s[userID]
}

// Sorted returns the members in lexical order
func (s UserSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for u := range s {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Clone returns a copy of the set
func (s UserSet) Clone() UserSet {
	out := make(UserSet, len(s))
	for u := range s {
		out[u] = true
	}
	return out
}

// Permissions holds the document access lists
type Permissions struct {
	Read  UserSet `json:"read"`
	Write UserSet `json:"write"`
	Admin UserSet `json:"admin"`
	Owner string  `json:"owner"`
}

// CanWrite reports whether userID may edit the document
func (p Permissions) CanWrite(userID string) bool {
	return userID == p.Owner || p.Write.Has(userID) || p.Admin.Has(userID)
}

// CanRead reports whether userID may view the document
func (p Permissions) CanRead(userID string) bool {
	return p.CanWrite(userID) || p.Read.Has(userID)
}

// DocumentMetadata holds collaborator and permission information for a document
type DocumentMetadata struct {
	Collaborators UserSet     `json:"collaborators"`
	Permissions   Permissions `json:"permissions"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// DocumentState is an immutable-by-convention snapshot of a document.
// It is mutated only by the apply pipeline, which always produces a new value.
type DocumentState struct {
	ID         string           `json:"id"`
	Content    string           `json:"content"`
	Version    int64            `json:"version"`
	Checksum   string           `json:"checksum"`
	Formatting Formatting       `json:"formatting"`
	Metadata   DocumentMetadata `json:"metadata"`
}

// NewDocumentState returns a version 1 document owned by ownerID
func NewDocumentState(id, content, ownerID, checksum string) *DocumentState {
	now := time.Now().UTC()
	return &DocumentState{
		ID:         id,
		Content:    content,
		Version:    1,
		Checksum:   checksum,
		Formatting: make(Formatting),
		Metadata: DocumentMetadata{
			Collaborators: UserSet{ownerID: true},
			Permissions: Permissions{
				Read:  make(UserSet),
				Write: make(UserSet),
				Admin: make(UserSet),
				Owner: ownerID,
			},
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
}

// Clone returns a deep copy of the document state
func (d *DocumentState) Clone() *DocumentState {
	if d == nil {
		return nil
	}
	out := *d
	out.Formatting = d.Formatting.Clone()
	out.Metadata.Collaborators = d.Metadata.Collaborators.Clone()
	out.Metadata.Permissions.Read = d.Metadata.Permissions.Read.Clone()
	out.Metadata.Permissions.Write = d.Metadata.Permissions.Write.Clone()
	out.Metadata.Permissions.Admin = d.Metadata.Permissions.Admin.Clone()
	return &out
}

// Length returns the content length in runes
func (d *DocumentState) Length() int {
	return RuneLen(d.Content)
}
