// Command coedit-server runs the coedit collaboration server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/kilupskalvis/coedit/internal/app"
	"github.com/kilupskalvis/coedit/internal/config"
)

func main() {
	configPath := flag.String("config", envOrDefault("COEDIT_CONFIG", config.DefaultConfigFile), "Config file (TOML)")
	listen := flag.String("listen", os.Getenv("COEDIT_LISTEN"), "Listen address")
	storageBackend := flag.String("storage", os.Getenv("COEDIT_STORAGE"), "Storage backend (bbolt, sqlite)")
	storagePath := flag.String("storage-path", os.Getenv("COEDIT_STORAGE_PATH"), "Database file")
	jwtSecret := flag.String("jwt-secret", os.Getenv("COEDIT_JWT_SECRET"), "HMAC secret for user tokens")
	adminToken := flag.String("admin-token", os.Getenv("COEDIT_ADMIN_TOKEN"), "Admin API token")
	logLevel := flag.String("log-level", os.Getenv("COEDIT_LOG_LEVEL"), "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", os.Getenv("COEDIT_LOG_FORMAT"), "Log format (json, text)")
	tlsCert := flag.String("tls-cert", os.Getenv("COEDIT_TLS_CERT"), "TLS certificate file")
	tlsKey := flag.String("tls-key", os.Getenv("COEDIT_TLS_KEY"), "TLS key file")
	webhookURLs := flag.String("webhook-urls", os.Getenv("COEDIT_WEBHOOK_URLS"), "Comma-separated webhook URLs to notify on save")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	override(&cfg.Server.Listen, *listen)
	override(&cfg.Storage.Backend, *storageBackend)
	override(&cfg.Storage.Path, *storagePath)
	override(&cfg.Auth.JWTSecret, *jwtSecret)
	override(&cfg.Auth.AdminToken, *adminToken)
	override(&cfg.Server.LogLevel, *logLevel)
	override(&cfg.Server.LogFormat, *logFormat)
	override(&cfg.Server.TLSCert, *tlsCert)
	override(&cfg.Server.TLSKey, *tlsKey)
	if urls := splitList(*webhookURLs); len(urls) > 0 {
		cfg.Webhooks.URLs = urls
	}

	logger := app.NewLogger(cfg.Server.LogLevel, cfg.Server.LogFormat)

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
