package cli

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kilupskalvis/coedit/internal/models"
	"github.com/kilupskalvis/coedit/internal/server"
)

var (
	tokenUsername string
	tokenRole     string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue user tokens",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue <user>",
	Short: "Issue a signed token for a user",
	Long: `Issue a JWT for a user. With --url the running server signs it through
the admin API; otherwise it is signed locally with auth.jwt_secret from the
config file (env: COEDIT_JWT_SECRET).

Examples:
  coedit token issue alice --username "Alice" --role owner
  coedit token issue bob --url https://edit.example.com`,
	Args: cobra.ExactArgs(1),
	Run:  runTokenIssue,
}

func init() {
	tokenCmd.AddCommand(tokenIssueCmd)

	f := tokenIssueCmd.Flags()
	f.StringVar(&tokenUsername, "username", "", "Display name (default: the user ID)")
	f.StringVar(&tokenRole, "role", string(models.RoleEditor), "Role (owner|editor|viewer)")
}

func runTokenIssue(_ *cobra.Command, args []string) {
	role := models.ParseRole(tokenRole)

	var token string
	var err error
	if adminURL != "" {
		token, err = resolveAdminClient().IssueToken(context.Background(), args[0], tokenUsername, role)
	} else {
		token, err = issueLocal(args[0], tokenUsername, role)
	}
	if err != nil {
		exitError("%v", err)
	}

	fmt.Printf("  User: %s\n", args[0])
	fmt.Printf("  Role: %s\n", role)
	fmt.Println()
	color.New(color.FgGreen).Println(token)
}

func issueLocal(userID, username string, role models.Role) (string, error) {
	cfg := loadConfig()
	secret := envOrDefault("COEDIT_JWT_SECRET", cfg.Auth.JWTSecret)
	auth, err := server.NewJWTAuthenticator(secret, cfg.Auth.Issuer, cfg.Auth.TokenTTL.Duration, false)
	if err != nil {
		return "", fmt.Errorf("cannot sign locally: %w", err)
	}
	return auth.Issue(userID, username, role)
}
