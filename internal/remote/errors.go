// Package remote talks to a running coedit server over its admin API.
package remote

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrorResponse is the JSON body the server sends with every error status
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// RemoteError is a non-2xx response from the server. RetryAfter is set
// when a 429 or 503 carried a Retry-After header.
type RemoteError struct {
	Code       string
	Message    string
	Status     int
	RetryAfter time.Duration
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error (%d): %s: %s", e.Status, e.Code, e.Message)
}

func decodeError(resp *http.Response) error {
	re := &RemoteError{
		Code:       "unknown",
		Message:    fmt.Sprintf("HTTP %d", resp.StatusCode),
		Status:     resp.StatusCode,
		RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
	}
	var body ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		re.Code, re.Message = body.Error, body.Message
	}
	return re
}

// retryAfter parses the delay-seconds form of Retry-After
func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
