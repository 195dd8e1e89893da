package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/kilupskalvis/coedit/internal/models"
	"github.com/kilupskalvis/coedit/internal/room"
	"github.com/kilupskalvis/coedit/internal/store"
)

// AdminClient calls the /admin endpoints of a coedit server. Reads and
// idempotent writes are retried on transient errors; message posts and
// notifications are sent once.
type AdminClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	retry      *RetryConfig
}

// NewAdminClient creates an admin API client. Warns if baseURL uses http://
// for a non-local host.
func NewAdminClient(baseURL, token string) *AdminClient {
	if strings.HasPrefix(baseURL, "http://") && !isLoopback(baseURL) {
		fmt.Fprintf(os.Stderr, "warning: sending credentials over unencrypted HTTP connection\n")
	}
	return &AdminClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retry:      DefaultRetryConfig(),
	}
}

// WithRetry replaces the retry policy
func (c *AdminClient) WithRetry(cfg *RetryConfig) *AdminClient {
	c.retry = cfg
	return c
}

func isLoopback(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// RoomList is the GET /admin/rooms response
type RoomList struct {
	Active    []string                `json:"active"`
	Documents []store.DocumentSummary `json:"documents"`
}

// NotifyRequest is the body of POST /admin/notifications
type NotifyRequest struct {
	UserIDs    []string                    `json:"user_ids"`
	Type       string                      `json:"type,omitempty"`
	Title      string                      `json:"title"`
	Message    string                      `json:"message"`
	Data       map[string]interface{}      `json:"data,omitempty"`
	Priority   models.NotificationPriority `json:"priority,omitempty"`
	TTLSeconds int                         `json:"ttl_seconds,omitempty"`
}

// NotifyResponse lists the notifications created. Error is set when some
// recipients failed.
type NotifyResponse struct {
	Notifications []models.Notification `json:"notifications"`
	Error         string                `json:"error,omitempty"`
}

func (c *AdminClient) roomURL(roomID string, suffix string) string {
	return c.baseURL + "/admin/rooms/" + url.PathEscape(roomID) + suffix
}

func (c *AdminClient) do(ctx context.Context, method, url string, body io.Reader, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	return resp, nil
}

func (c *AdminClient) doJSON(ctx context.Context, method, url string, reqBody, respBody interface{}) error {
	var body io.Reader
	headers := map[string]string{"Content-Type": "application/json"}
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	resp, err := c.do(ctx, method, url, body, headers)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if respBody != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// ListRooms returns the running rooms and every persisted document
func (c *AdminClient) ListRooms(ctx context.Context) (*RoomList, error) {
	var resp RoomList
	err := c.retry.retry(ctx, "list rooms", func() error {
		return c.doJSON(ctx, http.MethodGet, c.baseURL+"/admin/rooms", nil, &resp)
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// RoomInfo returns the live state of a room
func (c *AdminClient) RoomInfo(ctx context.Context, roomID string) (*room.Info, error) {
	var resp room.Info
	err := c.retry.retry(ctx, "room info", func() error {
		return c.doJSON(ctx, http.MethodGet, c.roomURL(roomID, ""), nil, &resp)
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// PostMessage broadcasts a chat message to a room and returns how many
// connections received it.
func (c *AdminClient) PostMessage(ctx context.Context, roomID, from, text string) (int, error) {
	req := struct {
		From string `json:"from,omitempty"`
		Text string `json:"text"`
	}{From: from, Text: text}
	var resp struct {
		Delivered int `json:"delivered"`
	}
	if err := c.doJSON(ctx, http.MethodPost, c.roomURL(roomID, "/messages"), req, &resp); err != nil {
		return 0, fmt.Errorf("post message: %w", err)
	}
	return resp.Delivered, nil
}

// Kick disconnects a user from a room and returns how many connections closed
func (c *AdminClient) Kick(ctx context.Context, roomID, userID, reason string) (int, error) {
	req := struct {
		UserID string `json:"user_id"`
		Reason string `json:"reason,omitempty"`
	}{UserID: userID, Reason: reason}
	var resp struct {
		Closed int `json:"closed"`
	}
	if err := c.doJSON(ctx, http.MethodPost, c.roomURL(roomID, "/kick"), req, &resp); err != nil {
		return 0, fmt.Errorf("kick user: %w", err)
	}
	return resp.Closed, nil
}

// Compact merges typing runs in a room's history and returns how many
// entries were removed.
func (c *AdminClient) Compact(ctx context.Context, roomID string) (int, error) {
	var resp struct {
		Removed int `json:"removed"`
	}
	err := c.retry.retry(ctx, "compact room", func() error {
		return c.doJSON(ctx, http.MethodPost, c.roomURL(roomID, "/compact"), nil, &resp)
	})
	if err != nil {
		return 0, err
	}
	return resp.Removed, nil
}

// Save persists a room snapshot immediately
func (c *AdminClient) Save(ctx context.Context, roomID string) error {
	return c.retry.retry(ctx, "save room", func() error {
		return c.doJSON(ctx, http.MethodPost, c.roomURL(roomID, "/save"), nil, nil)
	})
}

// DeleteRoom closes a room and removes its document
func (c *AdminClient) DeleteRoom(ctx context.Context, roomID string) error {
	if err := c.doJSON(ctx, http.MethodDelete, c.roomURL(roomID, ""), nil, nil); err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	return nil
}

// Notify sends a notification to each user in req.UserIDs
func (c *AdminClient) Notify(ctx context.Context, req NotifyRequest) (*NotifyResponse, error) {
	var resp NotifyResponse
	if err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/admin/notifications", req, &resp); err != nil {
		return nil, fmt.Errorf("send notification: %w", err)
	}
	return &resp, nil
}

// IssueToken asks the server to sign a user token
func (c *AdminClient) IssueToken(ctx context.Context, userID, username string, role models.Role) (string, error) {
	req := struct {
		UserID   string `json:"user_id"`
		Username string `json:"username,omitempty"`
		Role     string `json:"role,omitempty"`
	}{UserID: userID, Username: username, Role: string(role)}
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/admin/tokens", req, &resp); err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	return resp.Token, nil
}
