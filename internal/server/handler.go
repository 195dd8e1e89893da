// Package server implements the coedit HTTP and socket endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/kilupskalvis/coedit/internal/actor"
	"github.com/kilupskalvis/coedit/internal/models"
	"github.com/kilupskalvis/coedit/internal/notify"
	"github.com/kilupskalvis/coedit/internal/protocol"
	"github.com/kilupskalvis/coedit/internal/room"
	"github.com/kilupskalvis/coedit/internal/store"
)

// ServerConfig holds configurable limits for the server.
type ServerConfig struct {
	MaxRequestBody int64    // bytes, for JSON endpoints
	AdminToken     string   // for admin endpoints
	AllowedOrigins []string // socket origin patterns; empty means same host only
	SendBuffer     int      // queued frames per socket before it is dropped
	PingInterval   time.Duration
	RateLimit      RateLimitConfig
}

// DefaultServerConfig returns reasonable defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		MaxRequestBody: 1024 * 1024,
		SendBuffer:     64,
		PingInterval:   30 * time.Second,
		RateLimit: RateLimitConfig{
			ConnectionsPerMinute: 30,
			MessagesPerSecond:    20,
			Burst:                40,
			RequestsPerMinute:    600,
		},
	}
}

// TokenIssuer mints user tokens for the admin API
type TokenIssuer interface {
	Issue(userID, username string, role models.Role) (string, error)
}

// Services are the collaborators the endpoints call into
type Services struct {
	Rooms         *room.Manager
	Notifications *notify.Manager
	Store         store.Store
	Auth          Authenticator
	Metrics       *Metrics
}

type api struct {
	cfg     *ServerConfig
	svc     Services
	limiter *rateLimiter
	metrics *Metrics
	logger  *slog.Logger

	// sockets outlive http.Server.Shutdown, so they hang off their own context
	ctx     context.Context
	cancel  context.CancelFunc
	sockets sync.WaitGroup
}

// Handler creates the HTTP handler with all routes and middleware.
// The returned cleanup function closes open sockets and stops background
// goroutines; call it on server shutdown.
func Handler(svc Services, cfg *ServerConfig, logger *slog.Logger) (http.Handler, func()) {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRequestBody <= 0 {
		cfg.MaxRequestBody = DefaultServerConfig().MaxRequestBody
	}
	if svc.Metrics == nil {
		svc.Metrics = NewMetrics(Gauges{})
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &api{
		cfg:     cfg,
		svc:     svc,
		limiter: newRateLimiter(cfg.RateLimit),
		metrics: svc.Metrics,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}

	auth := authMiddleware(svc.Auth)
	limit := a.limiter.middleware(func() { a.metrics.limited("request") })

	// applyMiddleware reverses the list, so the first item runs outermost.
	// Execution order: auth -> rate limit -> handler
	withAuth := func(h http.HandlerFunc) http.Handler {
		return applyMiddleware(h, auth, limit)
	}
	// Sockets are limited per connection attempt and per frame instead
	withSocketAuth := func(h http.HandlerFunc) http.Handler {
		return applyMiddleware(h, auth)
	}

	mux := http.NewServeMux()

	// Health endpoints (no auth)
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.HandleFunc("GET /readyz", a.handleReadyz)
	mux.Handle("GET /metrics", a.metrics.Handler())

	// Sockets
	mux.Handle("GET /ws/rooms/{room}", withSocketAuth(a.handleRoomSocket))
	mux.Handle("GET /ws/notifications", withSocketAuth(a.handleNotificationSocket))

	// Rooms
	mux.Handle("GET /api/v1/rooms/{room}", withAuth(a.handleRoomInfo))
	mux.Handle("GET /api/v1/rooms/{room}/operations", withAuth(a.handleListOperations))
	mux.Handle("POST /api/v1/rooms/{room}/operations", withAuth(a.handleApplyOperation))
	mux.Handle("POST /api/v1/rooms/{room}/messages", withAuth(a.handlePostMessage))

	// Notifications for the caller
	mux.Handle("GET /api/v1/notifications", withAuth(a.handleListNotifications))
	mux.Handle("POST /api/v1/notifications/read", withAuth(a.handleMarkRead))
	mux.Handle("POST /api/v1/notifications/delivered", withAuth(a.handleMarkDelivered))
	mux.Handle("DELETE /api/v1/notifications", withAuth(a.handleClearNotifications))

	// Admin endpoints
	if cfg.AdminToken != "" {
		adminMux := http.NewServeMux()
		adminMux.HandleFunc("GET /admin/rooms", a.handleAdminListRooms)
		adminMux.HandleFunc("GET /admin/rooms/{room}", a.handleRoomInfo)
		adminMux.HandleFunc("POST /admin/rooms/{room}/messages", a.handleAdminPost)
		adminMux.HandleFunc("POST /admin/rooms/{room}/kick", a.handleAdminKick)
		adminMux.HandleFunc("POST /admin/rooms/{room}/compact", a.handleAdminCompact)
		adminMux.HandleFunc("POST /admin/rooms/{room}/save", a.handleAdminSave)
		adminMux.HandleFunc("DELETE /admin/rooms/{room}", a.handleAdminDeleteRoom)
		adminMux.HandleFunc("POST /admin/notifications", a.handleAdminNotify)
		adminMux.HandleFunc("POST /admin/tokens", a.handleAdminIssueToken)
		mux.Handle("/admin/", adminAuth(cfg.AdminToken, adminMux))
	}

	// Apply global middleware
	handler := applyMiddleware(mux,
		recoveryMiddleware(logger),
		loggingMiddleware(logger),
		metricsMiddleware(a.metrics),
		requestIDMiddleware,
	)

	cleanup := func() {
		a.cancel()
		a.sockets.Wait()
		a.limiter.Stop()
	}

	return handler, cleanup
}

// applyMiddleware applies middleware in reverse order so the first in the list runs first.
func applyMiddleware(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (a *api) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if _, err := a.svc.Store.ListDocuments(ctx); err != nil {
		a.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready: storage unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// --- Sockets ---

// accept upgrades the request and starts the write pump. The returned
// release function must be called once the read side is done.
func (a *api) accept(w http.ResponseWriter, r *http.Request) (*wsConn, context.Context, func(), bool) {
	ip := clientIP(r)
	if !a.limiter.allowConnection(ip) {
		a.metrics.limited("connection")
		writeError(w, fmt.Errorf("%w: too many connections from %s", models.ErrRateLimited, ip))
		return nil, nil, nil, false
	}

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: a.cfg.AllowedOrigins,
	})
	if err != nil {
		a.logger.Debug("socket upgrade failed", "error", err, "request_id", requestID(r.Context()))
		return nil, nil, nil, false
	}

	ctx, cancel := context.WithCancel(r.Context())
	stop := context.AfterFunc(a.ctx, cancel)
	ws := newWSConn(c, a.cfg.SendBuffer, a.logger)

	a.sockets.Add(1)
	written := make(chan struct{})
	go func() {
		defer close(written)
		ws.writePump(ctx, a.cfg.PingInterval)
	}()

	release := func() {
		ws.Close("client closed")
		<-written
		stop()
		cancel()
		a.sockets.Done()
	}
	return ws, ctx, release, true
}

func (a *api) handleRoomSocket(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room")
	user, _ := userFrom(r.Context())

	ws, ctx, release, ok := a.accept(w, r)
	if !ok {
		return
	}
	defer release()

	info, err := a.svc.Rooms.Connect(ctx, roomID, user, ws)
	if err != nil {
		a.logger.Info("room connection refused", "room", roomID, "user", user.ID, "error", err)
		ws.Send(protocol.NewError(err, "", nil))
		ws.Close(models.ErrorCode(err))
		return
	}
	defer a.svc.Rooms.Disconnect(context.Background(), roomID, info.ConnectionID)

	a.readPump(ctx, ws, user.ID, func(env protocol.Envelope, msg protocol.Message) error {
		return a.svc.Rooms.Dispatch(ctx, roomID, info.ConnectionID, env, msg)
	})
}

func (a *api) handleNotificationSocket(w http.ResponseWriter, r *http.Request) {
	user, _ := userFrom(r.Context())

	ws, ctx, release, ok := a.accept(w, r)
	if !ok {
		return
	}
	defer release()

	deviceID, err := a.svc.Notifications.Connect(ctx, user.ID, ws)
	if err != nil {
		ws.Send(protocol.NewError(err, "", nil))
		ws.Close(models.ErrorCode(err))
		return
	}
	defer a.svc.Notifications.Disconnect(context.Background(), user.ID, deviceID)

	a.readPump(ctx, ws, user.ID, func(env protocol.Envelope, msg protocol.Message) error {
		if _, ok := msg.(protocol.Ping); !ok {
			return fmt.Errorf("%w: %s is not accepted on the notification channel", models.ErrMalformedOperation, env.Type)
		}
		ws.Send(protocol.MustNew(protocol.TypePong, "", protocol.Pong{ServerTime: time.Now().UnixMilli()}))
		return nil
	})
}

// --- Rooms ---

func (a *api) handleRoomInfo(w http.ResponseWriter, r *http.Request) {
	info, err := a.svc.Rooms.Info(r.Context(), r.PathValue("room"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *api) handleListOperations(w http.ResponseWriter, r *http.Request) {
	since, err := queryInt(r, "since", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, err)
		return
	}

	entries, err := a.svc.Rooms.Operations(r.Context(), r.PathValue("room"), int64(since), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"operations": entries})
}

func (a *api) handleApplyOperation(w http.ResponseWriter, r *http.Request) {
	var op models.Operation
	if err := readJSON(r, a.cfg.MaxRequestBody, &op); err != nil {
		writeError(w, fmt.Errorf("%w: %v", models.ErrMalformedOperation, err))
		return
	}
	user, _ := userFrom(r.Context())

	res, err := a.svc.Rooms.Apply(r.Context(), r.PathValue("room"), user, op)
	if err != nil {
		writeJSON(w, statusFor(err), map[string]interface{}{
			"error":               errorCode(err),
			"message":             err.Error(),
			"rejected_operations": res.RejectedOperations,
		})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := readJSON(r, a.cfg.MaxRequestBody, &req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", models.ErrMalformedOperation, err))
		return
	}
	user, _ := userFrom(r.Context())

	n, err := a.svc.Rooms.Post(r.Context(), r.PathValue("room"), user.ID, req.Text)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"delivered": n})
}

// --- Notifications ---

func (a *api) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	user, _ := userFrom(r.Context())

	list, err := a.svc.Notifications.List(r.Context(), user.ID, notify.ListOptions{
		UnreadOnly: r.URL.Query().Get("unread") == "true",
		Limit:      limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []models.Notification{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"notifications": list})
}

type idsRequest struct {
	IDs []string `json:"ids"`
}

func (a *api) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	a.markNotifications(w, r, a.svc.Notifications.MarkRead)
}

func (a *api) handleMarkDelivered(w http.ResponseWriter, r *http.Request) {
	a.markNotifications(w, r, a.svc.Notifications.MarkDelivered)
}

func (a *api) markNotifications(w http.ResponseWriter, r *http.Request, mark func(context.Context, string, []string) (int, error)) {
	var req idsRequest
	if r.ContentLength != 0 {
		if err := readJSON(r, a.cfg.MaxRequestBody, &req); err != nil {
			writeError(w, fmt.Errorf("%w: %v", models.ErrMalformedOperation, err))
			return
		}
	}
	user, _ := userFrom(r.Context())

	n, err := mark(r.Context(), user.ID, req.IDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": n})
}

func (a *api) handleClearNotifications(w http.ResponseWriter, r *http.Request) {
	user, _ := userFrom(r.Context())
	n, err := a.svc.Notifications.Clear(r.Context(), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

// --- Admin ---

func (a *api) handleAdminListRooms(w http.ResponseWriter, r *http.Request) {
	docs, err := a.svc.Store.ListDocuments(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active":    a.svc.Rooms.Active(),
		"documents": docs,
	})
}

func (a *api) handleAdminPost(w http.ResponseWriter, r *http.Request) {
	var req struct {
		From string `json:"from"`
		Text string `json:"text"`
	}
	if err := readJSON(r, a.cfg.MaxRequestBody, &req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", models.ErrMalformedOperation, err))
		return
	}
	n, err := a.svc.Rooms.Post(r.Context(), r.PathValue("room"), req.From, req.Text)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"delivered": n})
}

func (a *api) handleAdminKick(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
		Reason string `json:"reason"`
	}
	if err := readJSON(r, a.cfg.MaxRequestBody, &req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", models.ErrMalformedOperation, err))
		return
	}
	n, err := a.svc.Rooms.Kick(r.Context(), r.PathValue("room"), req.UserID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"closed": n})
}

func (a *api) handleAdminCompact(w http.ResponseWriter, r *http.Request) {
	n, err := a.svc.Rooms.Compact(r.Context(), r.PathValue("room"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func (a *api) handleAdminSave(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.Rooms.Save(r.Context(), r.PathValue("room")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleAdminDeleteRoom(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.Rooms.Delete(r.Context(), r.PathValue("room")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type notifyRequest struct {
	UserIDs    []string                    `json:"user_ids"`
	Type       string                      `json:"type"`
	Title      string                      `json:"title"`
	Message    string                      `json:"message"`
	Data       map[string]interface{}      `json:"data,omitempty"`
	Priority   models.NotificationPriority `json:"priority"`
	TTLSeconds int                         `json:"ttl_seconds"`
}

func (a *api) handleAdminNotify(w http.ResponseWriter, r *http.Request) {
	var req notifyRequest
	if err := readJSON(r, a.cfg.MaxRequestBody, &req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", models.ErrMalformedOperation, err))
		return
	}
	if len(req.UserIDs) == 0 {
		writeError(w, fmt.Errorf("%w: user_ids is required", models.ErrUserNotFound))
		return
	}
	msg := notify.Message{
		Type:     req.Type,
		Title:    req.Title,
		Message:  req.Message,
		Data:     req.Data,
		Priority: req.Priority,
		TTL:      time.Duration(req.TTLSeconds) * time.Second,
	}

	sent, err := a.svc.Notifications.Broadcast(r.Context(), req.UserIDs, msg)
	a.metrics.notificationsCreated(len(sent))
	if err != nil && len(sent) == 0 {
		writeError(w, err)
		return
	}
	resp := map[string]interface{}{"notifications": sent}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *api) handleAdminIssueToken(w http.ResponseWriter, r *http.Request) {
	issuer, ok := a.svc.Auth.(TokenIssuer)
	if !ok {
		writeJSON(w, http.StatusNotImplemented, map[string]string{
			"error":   "not_implemented",
			"message": "the configured authenticator cannot issue tokens",
		})
		return
	}
	var req struct {
		UserID   string `json:"user_id"`
		Username string `json:"username"`
		Role     string `json:"role"`
	}
	if err := readJSON(r, a.cfg.MaxRequestBody, &req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", models.ErrMalformedOperation, err))
		return
	}
	if req.UserID == "" {
		writeError(w, fmt.Errorf("%w: user_id is required", models.ErrUserNotFound))
		return
	}

	token, err := issuer.Issue(req.UserID, req.Username, models.ParseRole(req.Role))
	if err != nil {
		writeError(w, err)
		return
	}
	a.logger.Info("token issued", "user", req.UserID)
	writeJSON(w, http.StatusCreated, map[string]string{"token": token})
}

// --- Helpers ---

// statusFor maps an error to its HTTP status
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrMalformedOperation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrOversizedOperation):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, models.ErrInvalidPosition):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, models.ErrSessionNotFound), errors.Is(err, models.ErrUserNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrStaleOperation):
		return http.StatusConflict
	case errors.Is(err, models.ErrCapacityExceeded), errors.Is(err, models.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, actor.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(err error) string {
	if errors.Is(err, store.ErrNotFound) {
		return "not_found"
	}
	return models.ErrorCode(err)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{
		"error":   errorCode(err),
		"message": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func readJSON(r *http.Request, maxSize int64, v interface{}) error {
	limited := io.LimitReader(r.Body, maxSize)
	if err := json.NewDecoder(limited).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", models.ErrMalformedOperation, name)
	}
	return n, nil
}
