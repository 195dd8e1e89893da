package cli

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kilupskalvis/coedit/internal/app"
	"github.com/kilupskalvis/coedit/internal/config"
)

var (
	serverListen      string
	serverStorage     string
	serverStoragePath string
	serverLogLevel    string
	serverLogFormat   string
	serverTLSCert     string
	serverTLSKey      string
	serverWebhookURLs string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the coedit server",
}

var serverStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the coedit server",
	Long: `Start the coedit server.

Settings come from the config file, then from flags and COEDIT_* environment
variables. Documents are stored in bbolt or SQLite; user tokens are HS256
JWTs signed with auth.jwt_secret (env: COEDIT_JWT_SECRET).

The admin token (env: COEDIT_ADMIN_TOKEN) enables the /admin/ endpoints.

Examples:
  coedit server start
  coedit server start --listen 127.0.0.1:8730 --storage sqlite
  coedit server start --tls-cert server.crt --tls-key server.key`,
	Args: cobra.NoArgs,
	Run:  runServerStart,
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.AddCommand(serverStartCmd)

	f := serverStartCmd.Flags()
	f.StringVar(&serverListen, "listen", os.Getenv("COEDIT_LISTEN"), "Listen address (host:port)")
	f.StringVar(&serverStorage, "storage", os.Getenv("COEDIT_STORAGE"), "Storage backend (bbolt|sqlite)")
	f.StringVar(&serverStoragePath, "storage-path", os.Getenv("COEDIT_STORAGE_PATH"), "Database file")
	f.StringVar(&serverLogLevel, "log-level", os.Getenv("COEDIT_LOG_LEVEL"), "Log level (debug|info|warn|error)")
	f.StringVar(&serverLogFormat, "log-format", os.Getenv("COEDIT_LOG_FORMAT"), "Log format (json|text)")
	f.StringVar(&serverTLSCert, "tls-cert", os.Getenv("COEDIT_TLS_CERT"), "TLS certificate file")
	f.StringVar(&serverTLSKey, "tls-key", os.Getenv("COEDIT_TLS_KEY"), "TLS key file")
	f.StringVar(&serverWebhookURLs, "webhook-urls", os.Getenv("COEDIT_WEBHOOK_URLS"), "Comma-separated webhook URLs to notify on save")
}

func runServerStart(_ *cobra.Command, _ []string) {
	cfg := loadConfig()
	applyServerFlags(cfg)
	if v := os.Getenv("COEDIT_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("COEDIT_ADMIN_TOKEN"); v != "" {
		cfg.Auth.AdminToken = v
	}

	logger := app.NewLogger(cfg.Server.LogLevel, cfg.Server.LogFormat)

	a, err := app.New(cfg, logger)
	if err != nil {
		exitError("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func applyServerFlags(cfg *config.Config) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Server.Listen, serverListen)
	set(&cfg.Storage.Backend, serverStorage)
	set(&cfg.Storage.Path, serverStoragePath)
	set(&cfg.Server.LogLevel, serverLogLevel)
	set(&cfg.Server.LogFormat, serverLogFormat)
	set(&cfg.Server.TLSCert, serverTLSCert)
	set(&cfg.Server.TLSKey, serverTLSKey)

	if serverWebhookURLs != "" {
		var urls []string
		for _, u := range strings.Split(serverWebhookURLs, ",") {
			if u = strings.TrimSpace(u); u != "" {
				urls = append(urls, u)
			}
		}
		if len(urls) > 0 {
			cfg.Webhooks.URLs = urls
		}
	}
}
