package ot

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"github.com/kilupskalvis/coedit/internal/models"
)

// NewOperationID returns a globally unique operation identifier
func NewOperationID() string {
	return uuid.New().String()
}

// Checksum returns the SHA256 hex digest of content
func Checksum(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:])
}

// Validate checks op's structure. It never looks at document content, so an
// operation that passes may still fail to apply with ErrInvalidPosition.
func (e *Engine) Validate(op models.Operation) error {
	if !op.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", models.ErrMalformedOperation, op.Type)
	}
	if err := validateMetadata(op.Metadata); err != nil {
		return err
	}
	if op.Position < 0 {
		return fmt.Errorf("%w: negative position %d", models.ErrMalformedOperation, op.Position)
	}

	switch op.Type {
	case models.OperationInsert:
		if op.Content == "" {
			return fmt.Errorf("%w: insert without content", models.ErrMalformedOperation)
		}
		if n := models.RuneLen(op.Content); n > e.maxContent {
			return fmt.Errorf("%w: insert of %d runes exceeds limit of %d", models.ErrOversizedOperation, n, e.maxContent)
		}
	case models.OperationDelete:
		if op.Length <= 0 {
			return fmt.Errorf("%w: delete length must be positive, got %d", models.ErrMalformedOperation, op.Length)
		}
	case models.OperationFormat:
		if op.Length <= 0 {
			return fmt.Errorf("%w: format length must be positive, got %d", models.ErrMalformedOperation, op.Length)
		}
		if len(op.Attributes) == 0 {
			return fmt.Errorf("%w: format without attributes", models.ErrMalformedOperation)
		}
	}
	return nil
}

func validateMetadata(m models.Metadata) error {
	switch {
	case m.OperationID == "":
		return fmt.Errorf("%w: missing operation_id", models.ErrMalformedOperation)
	case m.UserID == "":
		return fmt.Errorf("%w: missing user_id", models.ErrMalformedOperation)
	case m.SessionID == "":
		return fmt.Errorf("%w: missing session_id", models.ErrMalformedOperation)
	case m.Timestamp <= 0:
		return fmt.Errorf("%w: missing timestamp", models.ErrMalformedOperation)
	case m.DocumentVersion < 0:
		return fmt.Errorf("%w: negative document_version", models.ErrMalformedOperation)
	}
	for user, n := range m.VectorClock {
		if n < 0 {
			return fmt.Errorf("%w: negative vector clock entry for %q", models.ErrMalformedOperation, user)
		}
	}
	return nil
}
