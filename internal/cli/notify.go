package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kilupskalvis/coedit/internal/models"
	"github.com/kilupskalvis/coedit/internal/remote"
)

var (
	notifyUsers    []string
	notifyType     string
	notifyTitle    string
	notifyMessage  string
	notifyData     string
	notifyPriority string
	notifyTTL      time.Duration
)

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Send notifications through a running server",
}

var notifySendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a notification to one or more users",
	Long: `Send a notification to each --user. Connected devices receive it at
once; everyone else finds it in their inbox.

Examples:
  coedit notify send --user alice --title "Review" --message "Please review notes"
  coedit notify send --user alice --user bob --title "Maintenance" --priority urgent --ttl 1h`,
	Args: cobra.NoArgs,
	Run:  runNotifySend,
}

func init() {
	notifyCmd.AddCommand(notifySendCmd)

	f := notifySendCmd.Flags()
	f.StringArrayVar(&notifyUsers, "user", nil, "Recipient user ID, repeat for multiple")
	f.StringVar(&notifyType, "type", "", "Notification type (default: system)")
	f.StringVar(&notifyTitle, "title", "", "Title")
	f.StringVar(&notifyMessage, "message", "", "Message body")
	f.StringVar(&notifyData, "data", "", "Extra JSON object attached to the notification")
	f.StringVar(&notifyPriority, "priority", string(models.PriorityNormal), "Priority (low|normal|high|urgent)")
	f.DurationVar(&notifyTTL, "ttl", 0, "Expire after this long (0 never expires)")
	notifySendCmd.MarkFlagRequired("user")
}

func runNotifySend(_ *cobra.Command, _ []string) {
	if notifyTitle == "" && notifyMessage == "" {
		exitError("--title or --message is required")
	}
	req := remote.NotifyRequest{
		UserIDs:    notifyUsers,
		Type:       notifyType,
		Title:      notifyTitle,
		Message:    notifyMessage,
		Priority:   models.NotificationPriority(notifyPriority),
		TTLSeconds: int(notifyTTL / time.Second),
	}
	if notifyData != "" {
		if err := json.Unmarshal([]byte(notifyData), &req.Data); err != nil {
			exitError("--data is not a JSON object: %v", err)
		}
	}

	c := resolveAdminClient()
	resp, err := c.Notify(context.Background(), req)
	if err != nil {
		exitError("%v", err)
	}

	green := color.New(color.FgGreen)
	for _, n := range resp.Notifications {
		green.Printf("  %s  %s\n", shortID(n.ID), n.UserID)
	}
	fmt.Printf("Sent %d notification(s)\n", len(resp.Notifications))
	if resp.Error != "" {
		color.New(color.FgRed).Printf("Some recipients failed: %s\n", resp.Error)
	}
}
