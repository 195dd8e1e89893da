package models

import "errors"

// Sentinel errors for the collaboration core. Callers match with errors.Is.
var (
	ErrMalformedOperation = errors.New("malformed operation")
	ErrOversizedOperation = errors.New("oversized operation")
	ErrInvalidPosition    = errors.New("invalid position")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrSessionNotFound    = errors.New("session not found")
	ErrUserNotFound       = errors.New("user not found")
	ErrCapacityExceeded   = errors.New("capacity exceeded")
	ErrStaleOperation     = errors.New("stale operation")
	ErrRateLimited        = errors.New("rate limited")
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrMalformedOperation, "malformed_operation"},
	{ErrOversizedOperation, "oversized_operation"},
	{ErrInvalidPosition, "invalid_position"},
	{ErrPermissionDenied, "permission_denied"},
	{ErrSessionNotFound, "session_not_found"},
	{ErrUserNotFound, "user_not_found"},
	{ErrCapacityExceeded, "capacity_exceeded"},
	{ErrStaleOperation, "stale_operation"},
	{ErrRateLimited, "rate_limited"},
}

// ErrorCode returns the stable wire code for err
func ErrorCode(err error) string {
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return "internal_error"
}
