// Package cli implements the command-line interface for coedit.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kilupskalvis/coedit/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "coedit",
	Short: "Collaborative document editing server",
	Long: `coedit runs a real-time collaborative editing server and talks to a
running one. Documents are edited over websockets with operational
transformation; rooms, notifications and tokens are managed through the
admin API.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config",
		envOrDefault("COEDIT_CONFIG", config.DefaultConfigFile),
		"Config file (env: COEDIT_CONFIG)")
}

// loadConfig reads the config named by --config, falling back to defaults
func loadConfig() *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		exitError("%v", err)
	}
	return cfg
}

// exitError prints an error and exits
func exitError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

// envOrDefault returns the value of the environment variable key, or defaultVal if unset.
func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// shortID returns first 8 characters of an ID
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
