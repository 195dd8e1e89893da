package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kilupskalvis/coedit/internal/remote"
)

var (
	adminURL   string
	adminToken string

	roomsPostFrom   string
	roomsKickReason string
)

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "Manage rooms on a running server",
	Long:  "Commands for inspecting and controlling rooms on a running coedit server.",
}

var roomsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active rooms and stored documents",
	Args:  cobra.NoArgs,
	Run:   runRoomsList,
}

var roomsShowCmd = &cobra.Command{
	Use:   "show <room>",
	Short: "Show participants and document state of a room",
	Args:  cobra.ExactArgs(1),
	Run:   runRoomsShow,
}

var roomsPostCmd = &cobra.Command{
	Use:   "post <room> <text>",
	Short: "Post a chat message to a room",
	Args:  cobra.ExactArgs(2),
	Run:   runRoomsPost,
}

var roomsKickCmd = &cobra.Command{
	Use:   "kick <room> <user>",
	Short: "Disconnect a user from a room",
	Args:  cobra.ExactArgs(2),
	Run:   runRoomsKick,
}

var roomsCompactCmd = &cobra.Command{
	Use:   "compact <room>",
	Short: "Merge typing runs in a room's operation history",
	Args:  cobra.ExactArgs(1),
	Run:   runRoomsCompact,
}

var roomsSaveCmd = &cobra.Command{
	Use:   "save <room>",
	Short: "Persist a room snapshot now",
	Args:  cobra.ExactArgs(1),
	Run:   runRoomsSave,
}

var roomsDeleteCmd = &cobra.Command{
	Use:   "delete <room>",
	Short: "Close a room and delete its document",
	Args:  cobra.ExactArgs(1),
	Run:   runRoomsDelete,
}

func init() {
	rootCmd.AddCommand(roomsCmd, notifyCmd, tokenCmd)

	// Every admin command group binds the same connection flags; only one
	// command path runs per invocation.
	for _, cmd := range []*cobra.Command{roomsCmd, notifyCmd, tokenCmd} {
		cmd.PersistentFlags().StringVar(&adminURL, "url",
			envOrDefault("COEDIT_SERVER_URL", ""),
			"Server base URL (env: COEDIT_SERVER_URL)")
		cmd.PersistentFlags().StringVar(&adminToken, "admin-token",
			envOrDefault("COEDIT_ADMIN_TOKEN", ""),
			"Admin token (env: COEDIT_ADMIN_TOKEN)")
	}

	roomsCmd.AddCommand(roomsListCmd, roomsShowCmd, roomsPostCmd, roomsKickCmd,
		roomsCompactCmd, roomsSaveCmd, roomsDeleteCmd)

	roomsPostCmd.Flags().StringVar(&roomsPostFrom, "from", "", "Sender shown in the room (default: system)")
	roomsKickCmd.Flags().StringVar(&roomsKickReason, "reason", "", "Close reason sent to the user")
}

// resolveAdminClient builds an AdminClient from the admin flag vars
func resolveAdminClient() *remote.AdminClient {
	if adminURL == "" {
		exitError("--url or COEDIT_SERVER_URL is required")
	}
	if adminToken == "" {
		exitError("--admin-token or COEDIT_ADMIN_TOKEN is required")
	}
	return remote.NewAdminClient(adminURL, adminToken)
}

func runRoomsList(_ *cobra.Command, _ []string) {
	c := resolveAdminClient()

	list, err := c.ListRooms(context.Background())
	if err != nil {
		exitError("%v", err)
	}

	active := make(map[string]bool, len(list.Active))
	for _, id := range list.Active {
		active[id] = true
	}

	green := color.New(color.FgGreen)
	fmt.Printf("  %-24s  %-8s  %-8s  %-8s  %-16s  %s\n", "Room", "Version", "Length", "History", "Owner", "Updated")
	for _, d := range list.Documents {
		line := fmt.Sprintf("  %-24s  %-8d  %-8d  %-8d  %-16s  %s",
			d.ID, d.Version, d.Length, d.HistoryLength, d.Owner, d.UpdatedAt.Local().Format(time.DateTime))
		if active[d.ID] {
			green.Println(line + "  (active)")
			delete(active, d.ID)
			continue
		}
		fmt.Println(line)
	}
	for _, id := range list.Active {
		if active[id] {
			green.Printf("  %-24s  (active, not saved)\n", id)
		}
	}
}

func runRoomsShow(_ *cobra.Command, args []string) {
	c := resolveAdminClient()

	info, err := c.RoomInfo(context.Background(), args[0])
	if err != nil {
		exitError("%v", err)
	}

	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Printf("Room %s\n", info.RoomID)
	fmt.Printf("  Session:  %s\n", shortID(info.SessionID))
	fmt.Printf("  Version:  %d\n", info.Version)
	fmt.Printf("  Checksum: %s\n", info.Checksum)
	fmt.Printf("  Length:   %d\n", info.Length)
	fmt.Printf("  Ops:      %d applied, %d participants seen\n",
		info.Metrics.OperationCount, info.Metrics.TotalParticipants)
	if info.Unsaved {
		yellow.Println("  Unsaved changes")
	}

	fmt.Println()
	fmt.Println("Participants:")
	for _, p := range info.Participants {
		fmt.Printf("  %-16s  %-16s  %-7s  %s\n", p.UserID, p.Username, p.Role, p.Status)
	}

	fmt.Println()
	fmt.Println("Connections:")
	for _, conn := range info.Connections {
		fmt.Printf("  %s  %-16s  since %s\n",
			shortID(conn.ConnectionID), conn.UserID, conn.JoinedAt.Local().Format(time.DateTime))
	}
}

func runRoomsPost(_ *cobra.Command, args []string) {
	c := resolveAdminClient()

	n, err := c.PostMessage(context.Background(), args[0], roomsPostFrom, args[1])
	if err != nil {
		exitError("%v", err)
	}
	fmt.Printf("Delivered to %d connection(s)\n", n)
}

func runRoomsKick(_ *cobra.Command, args []string) {
	c := resolveAdminClient()

	n, err := c.Kick(context.Background(), args[0], args[1], roomsKickReason)
	if err != nil {
		exitError("%v", err)
	}
	if n == 0 {
		color.New(color.FgYellow).Printf("User '%s' has no connections in '%s'\n", args[1], args[0])
		return
	}
	fmt.Printf("Closed %d connection(s) for '%s'\n", n, args[1])
}

func runRoomsCompact(_ *cobra.Command, args []string) {
	c := resolveAdminClient()

	n, err := c.Compact(context.Background(), args[0])
	if err != nil {
		exitError("%v", err)
	}
	fmt.Printf("Removed %d history entries\n", n)
}

func runRoomsSave(_ *cobra.Command, args []string) {
	c := resolveAdminClient()

	if err := c.Save(context.Background(), args[0]); err != nil {
		exitError("%v", err)
	}
	color.New(color.FgGreen).Printf("Saved room '%s'\n", args[0])
}

func runRoomsDelete(_ *cobra.Command, args []string) {
	c := resolveAdminClient()

	if err := c.DeleteRoom(context.Background(), args[0]); err != nil {
		exitError("%v", err)
	}
	fmt.Printf("Deleted room '%s'\n", args[0])
}
