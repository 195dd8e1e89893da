// Package app assembles a coedit server from its configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kilupskalvis/coedit/internal/config"
	"github.com/kilupskalvis/coedit/internal/notify"
	"github.com/kilupskalvis/coedit/internal/ot"
	"github.com/kilupskalvis/coedit/internal/room"
	"github.com/kilupskalvis/coedit/internal/server"
	"github.com/kilupskalvis/coedit/internal/session"
	"github.com/kilupskalvis/coedit/internal/store"
)

// App is a wired server: storage, the room and notification actors, and
// the HTTP handler in front of them.
type App struct {
	cfg           *config.Config
	logger        *slog.Logger
	store         store.Store
	engine        *ot.Engine
	rooms         *room.Manager
	notifications *notify.Manager
	webhooks      *server.WebhookNotifier
	handler       http.Handler
	cleanup       func()

	closeOnce sync.Once
	closeErr  error
}

// New opens storage and builds every component. Call Close (or Run) to
// release them.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if dir := filepath.Dir(cfg.Storage.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	inner, err := store.Open(cfg.Storage.Backend, cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	st := store.NewRetryStore(inner, store.DefaultRetryConfig(), logger)

	engine, err := ot.NewEngine(ot.Options{
		MaxContentLength: cfg.Engine.MaxContentLength,
		CacheSize:        cfg.Engine.CacheSize,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	auth, err := server.NewJWTAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL.Duration, cfg.Auth.AllowAnonymous)
	if err != nil {
		st.Close()
		return nil, err
	}

	sessions := session.NewManager(engine, cfg.Room.OperationHistoryLimit, logger)
	rooms := room.NewManager(room.Config{
		MaxConnectionsPerUser: cfg.Room.MaxConnectionsPerUser,
		ChatHistoryLimit:      cfg.Room.ChatHistoryLimit,
		WelcomeOperations:     cfg.Room.WelcomeOperations,
		ConnectionTimeout:     cfg.Room.ConnectionTimeout.Duration,
		IdleTimeout:           cfg.Room.IdleTimeout.Duration,
		CleanupInterval:       cfg.Room.CleanupInterval.Duration,
	}, sessions, st, logger)
	notes := notify.NewManager(notify.Config{
		Limit:         cfg.Notifications.Limit,
		ReadRetention: cfg.Notifications.ReadRetention.Duration,
		PruneInterval: cfg.Notifications.PruneInterval.Duration,
		IdleTimeout:   cfg.Notifications.IdleTimeout.Duration,
	}, st, logger)

	metrics := server.NewMetrics(server.Gauges{
		ActiveRooms:   func() int { return len(rooms.Active()) },
		ActiveInboxes: notes.Active,
		Engine:        engine,
	})
	rooms.SetObserver(metrics)

	webhooks := server.NewWebhookNotifier(&server.WebhookConfig{
		URLs:       cfg.Webhooks.URLs,
		MaxRetries: cfg.Webhooks.MaxRetries,
		Timeout:    cfg.Webhooks.Timeout.Duration,
	}, logger)
	if webhooks != nil {
		rooms.SetPublisher(webhooks)
		logger.Info("webhooks configured", "count", len(cfg.Webhooks.URLs))
	}

	srvCfg := server.DefaultServerConfig()
	srvCfg.AdminToken = cfg.Auth.AdminToken
	srvCfg.AllowedOrigins = cfg.Server.AllowedOrigins
	srvCfg.SendBuffer = cfg.Room.SendBuffer
	srvCfg.RateLimit = server.RateLimitConfig{
		ConnectionsPerMinute: cfg.RateLimit.ConnectionsPerMinute,
		MessagesPerSecond:    cfg.RateLimit.MessagesPerSecond,
		Burst:                cfg.RateLimit.Burst,
		RequestsPerMinute:    cfg.RateLimit.RequestsPerMinute,
	}

	h, cleanup := server.Handler(server.Services{
		Rooms:         rooms,
		Notifications: notes,
		Store:         st,
		Auth:          auth,
		Metrics:       metrics,
	}, srvCfg, logger)

	return &App{
		cfg:           cfg,
		logger:        logger,
		store:         st,
		engine:        engine,
		rooms:         rooms,
		notifications: notes,
		webhooks:      webhooks,
		handler:       h,
		cleanup:       cleanup,
	}, nil
}

// Handler returns the HTTP handler
func (a *App) Handler() http.Handler {
	return a.handler
}

// Run serves on the configured address until ctx is cancelled, then shuts
// down gracefully and closes the App.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.Listen)
	if err != nil {
		a.Close(context.Background())
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.Server.Listen, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       a.cfg.Server.ReadTimeout.Duration,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return context.Background() },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("starting coedit server",
			"listen", ln.Addr().String(),
			"storage", a.cfg.Storage.Backend,
			"path", a.cfg.Storage.Path,
			"tls", a.cfg.Server.TLSCert != "",
		)
		var err error
		if a.cfg.Server.TLSCert != "" {
			err = srv.ServeTLS(ln, a.cfg.Server.TLSCert, a.cfg.Server.TLSKey)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down...")

		sctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		err := srv.Shutdown(sctx)
		if cerr := a.Close(sctx); cerr != nil {
			err = errors.Join(err, cerr)
		}
		return err
	})

	err := g.Wait()
	a.logger.Info("server stopped")
	return err
}

// Close ends every socket, persists and stops the actors, then closes
// storage. Later calls return the first result.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() { a.closeErr = a.close(ctx) })
	return a.closeErr
}

func (a *App) close(ctx context.Context) error {
	a.cleanup()

	var errs []error
	if err := a.rooms.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop rooms: %w", err))
	}
	if err := a.notifications.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop notifications: %w", err))
	}
	a.webhooks.Wait()
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}

// ParseLevel maps a config log level to slog
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the server logger: JSON by default, text on request
func NewLogger(level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
