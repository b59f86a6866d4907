package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/pocket/internal/config"
	"github.com/michaelbrown/pocket/internal/storage"
	"github.com/michaelbrown/pocket/internal/storage/sqlite"
)

var (
	statusFilter string
	userFilter   string
	limitFlag    int
	formatFlag   string
	outputFlag   string
	searchFlag   string
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"session", "s"},
	Short:   "Inspect the session ledger",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded sessions",
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session and its lifecycle events",
	Long: `Show a session and its lifecycle events. The id may be any unique prefix.

Examples:
  pocket sessions show 3f2a
  pocket sessions show 3f2a9c1e --format json -o session.json`,
	Args: cobra.ExactArgs(1),
	RunE: runSessionsShow,
}

var sessionsCommandsCmd = &cobra.Command{
	Use:   "commands <session-id>",
	Short: "Show the commands typed in a session",
	Long: `Show the commands typed in a session, oldest first. The id may be any
unique prefix.

Examples:
  pocket sessions commands 3f2a
  pocket sessions commands 3f2a --search git`,
	Args: cobra.ExactArgs(1),
	RunE: runSessionsCommands,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsCommandsCmd)

	sessionsListCmd.Flags().StringVar(&statusFilter, "status", "", "Filter by status (active, detached, terminating, terminated, failed)")
	sessionsListCmd.Flags().StringVar(&userFilter, "user", "", "Filter by user")
	sessionsListCmd.Flags().IntVar(&limitFlag, "limit", 20, "Max sessions to show")

	sessionsShowCmd.Flags().StringVar(&formatFlag, "format", "text", "Output format: text or json")
	sessionsShowCmd.Flags().StringVarP(&outputFlag, "output", "o", "", "Output file (default: stdout)")

	sessionsCommandsCmd.Flags().StringVar(&searchFlag, "search", "", "Only commands containing this text")
	sessionsCommandsCmd.Flags().IntVar(&limitFlag, "limit", 100, "Max commands to show")
}

func openStore() (storage.Store, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return sqlite.Open(cfg.Storage.DBPath)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	opts := storage.ListOptions{
		Status: storage.Status(statusFilter),
		UserID: userFilter,
		Limit:  limitFlag,
	}

	records, err := store.ListSessions(context.Background(), opts)
	if err != nil {
		return err
	}

	if len(records) == 0 {
		fmt.Println("No sessions found.")
		return nil
	}

	// Header
	fmt.Printf("%-10s %-12s %-16s %-8s %-14s %s\n", "ID", "STATUS", "USER", "PROFILE", "SANDBOX", "UPDATED")
	fmt.Println(strings.Repeat("─", 80))

	for _, r := range records {
		fmt.Printf("%-10s %-12s %-16s %-8s %-14s %s\n",
			short(r.ID, 8), r.Status, short(r.UserID, 16), r.Profile, short(r.SandboxID, 12), timeAgo(r.UpdatedAt))
	}

	return nil
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	rec, err := store.GetSession(ctx, args[0])
	if err != nil {
		return err
	}

	events, err := store.ListEvents(ctx, rec.ID)
	if err != nil {
		return err
	}

	var output string
	switch formatFlag {
	case "json":
		data, err := storage.ExportJSON(rec, events)
		if err != nil {
			return err
		}
		output = string(data) + "\n"
	case "text":
		output = storage.ExportText(rec, events)
	default:
		return fmt.Errorf("unknown format %q (want text or json)", formatFlag)
	}

	if outputFlag != "" {
		return os.WriteFile(outputFlag, []byte(output), 0o644)
	}

	fmt.Print(output)
	return nil
}

func runSessionsCommands(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	rec, err := store.GetSession(ctx, args[0])
	if err != nil {
		return err
	}

	var cmds []storage.Command
	if searchFlag != "" {
		cmds, err = store.SearchCommands(ctx, storage.CommandSearch{
			UserID:    rec.UserID,
			SessionID: rec.ID,
			Term:      searchFlag,
			Limit:     limitFlag,
		})
	} else {
		cmds, err = store.ListCommands(ctx, rec.ID, limitFlag, 0)
	}
	if err != nil {
		return err
	}

	if len(cmds) == 0 {
		fmt.Println("No commands recorded.")
		return nil
	}
	for _, c := range cmds {
		fmt.Printf("%s  %s\n", c.At.Local().Format("15:04:05"), c.Text)
	}
	return nil
}

func short(s string, n int) string {
	if s == "" {
		return "-"
	}
	if len(s) > n {
		return s[:n]
	}
	return s
}

func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
