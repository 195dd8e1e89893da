package cli

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/kilupskalvis/coedit/internal/config"
)

var configInitForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the server configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Long: `Write a configuration file with the default settings and freshly
generated JWT secret and admin token.

Examples:
  coedit config init
  coedit --config /etc/coedit/coedit.toml config init --force`,
	Args: cobra.NoArgs,
	Run:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	Run:   runConfigShow,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd, configShowCmd)
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "Overwrite an existing file")
}

func runConfigInit(_ *cobra.Command, _ []string) {
	if _, err := os.Stat(configPath); err == nil && !configInitForce {
		exitError("%s already exists (use --force to overwrite)", configPath)
	}

	cfg := config.Default()
	cfg.Auth.JWTSecret = randomHex(32)
	cfg.Auth.AdminToken = randomHex(24)
	if err := cfg.Save(configPath); err != nil {
		exitError("%v", err)
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	green.Printf("Wrote %s\n", configPath)
	fmt.Printf("  Listen:  %s\n", cfg.Server.Listen)
	fmt.Printf("  Storage: %s (%s)\n", cfg.Storage.Backend, cfg.Storage.Path)
	fmt.Println()
	yellow.Println("The file contains the JWT secret and admin token. Keep it private.")
}

func runConfigShow(cmd *cobra.Command, _ []string) {
	cfg := loadConfig()
	if cfg.Auth.JWTSecret != "" {
		cfg.Auth.JWTSecret = "<redacted>"
	}
	if cfg.Auth.AdminToken != "" {
		cfg.Auth.AdminToken = "<redacted>"
	}
	enc := toml.NewEncoder(cmd.OutOrStdout())
	if err := enc.Encode(cfg); err != nil {
		exitError("%v", err)
	}
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
