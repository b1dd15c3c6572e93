package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/samsaffron/toolstream/internal/llm"
	"github.com/samsaffron/toolstream/internal/session"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage stored sessions",
	Long: `List, search, show and delete stored sessions.

Examples:
  toolstream sessions                     # List recent sessions
  toolstream sessions list --status awaiting_tools
  toolstream sessions search "kubernetes"
  toolstream sessions show <id>
  toolstream sessions delete <id>`,
	RunE: runSessionsList,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	RunE:  runSessionsList,
}

var sessionsSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search sessions",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSessionsSearch,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a session and its messages",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsDelete,
}

var (
	sessionsLimit  int
	sessionsJSON   bool
	sessionsStatus string
)

func init() {
	sessionsListCmd.Flags().IntVar(&sessionsLimit, "limit", 20, "Maximum number of sessions to list")
	sessionsListCmd.Flags().StringVar(&sessionsStatus, "status", "", "Filter by status (active, complete, awaiting_tools, error, interrupted)")
	sessionsShowCmd.Flags().BoolVar(&sessionsJSON, "json", false, "Output as JSON")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsSearchCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func getSessionStore() (session.Store, func(), error) {
	rt, err := loadRuntime()
	if err != nil {
		return nil, nil, err
	}
	if !rt.cfg.Sessions.Enabled {
		rt.close()
		return nil, nil, fmt.Errorf("session storage is disabled in config")
	}
	store, err := rt.openSessionStore()
	if err != nil {
		rt.close()
		return nil, nil, err
	}
	return store, func() {
		store.Close()
		rt.close()
	}, nil
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	if sessionsStatus != "" {
		valid := []string{"active", "complete", "awaiting_tools", "error", "interrupted"}
		if !slices.Contains(valid, sessionsStatus) {
			return fmt.Errorf("invalid status %q: must be one of %v", sessionsStatus, valid)
		}
	}

	store, done, err := getSessionStore()
	if err != nil {
		return err
	}
	defer done()

	summaries, err := store.List(context.Background(), session.ListOptions{
		Status: session.Status(sessionsStatus),
		Limit:  sessionsLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	printSessionList(cmd.OutOrStdout(), summaries, time.Now())
	return nil
}

func printSessionList(w io.Writer, summaries []session.SessionSummary, now time.Time) {
	if len(summaries) == 0 {
		fmt.Fprintln(w, "No sessions found.")
		return
	}
	fmt.Fprintf(w, "%-32s %-30s %4s %-14s %s\n", "ID", "SUMMARY", "MSGS", "STATUS", "AGE")
	fmt.Fprintln(w, strings.Repeat("-", 92))
	for _, s := range summaries {
		summary := s.Summary
		if s.Name != "" {
			summary = s.Name
		}
		if len(summary) > 30 {
			summary = summary[:27] + "..."
		}
		status := string(s.Status)
		if status == "" {
			status = string(session.StatusActive)
		}
		fmt.Fprintf(w, "%-32s %-30s %4d %-14s %s\n", s.ID, summary, s.MessageCount, status, formatRelativeTime(s.UpdatedAt, now))
	}
}

// formatRelativeTime renders t as a compact age like "5m ago".
func formatRelativeTime(t, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	case d < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	default:
		return t.Format("2006-01-02")
	}
}

func runSessionsSearch(cmd *cobra.Command, args []string) error {
	store, done, err := getSessionStore()
	if err != nil {
		return err
	}
	defer done()

	query := strings.Join(args, " ")
	results, err := store.Search(context.Background(), query, 20)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	w := cmd.OutOrStdout()
	if len(results) == 0 {
		fmt.Fprintf(w, "No results found for '%s'\n", query)
		return nil
	}
	fmt.Fprintf(w, "Found %d matches for '%s':\n\n", len(results), query)
	for _, r := range results {
		fmt.Fprintf(w, "%s (%s)\n", r.SessionID, r.Model)
		fmt.Fprintf(w, "  %s\n\n", r.Snippet)
	}
	return nil
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	store, done, err := getSessionStore()
	if err != nil {
		return err
	}
	defer done()

	ctx := context.Background()
	sess, err := store.Get(ctx, args[0])
	if err != nil {
		return err
	}
	messages, err := store.Messages(ctx, sess.ID)
	if err != nil {
		return fmt.Errorf("failed to get messages: %w", err)
	}

	w := cmd.OutOrStdout()
	if sessionsJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Session  *session.Session `json:"session"`
			Messages []llm.Message    `json:"messages"`
		}{sess, messages})
	}

	fmt.Fprintf(w, "Session: %s\n", sess.ID)
	fmt.Fprintf(w, "Provider: %s\n", sess.Provider)
	fmt.Fprintf(w, "Model: %s\n", sess.Model)
	fmt.Fprintf(w, "Status: %s\n", sess.Status)
	fmt.Fprintf(w, "Created: %s\n", sess.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Runs: %d  Iterations: %d  Tool calls: %d  Tokens: %d/%d\n",
		sess.Runs, sess.Iterations, sess.ToolCalls, sess.InputTokens, sess.OutputTokens)
	fmt.Fprintln(w)
	for _, msg := range messages {
		printMessage(w, msg)
	}
	if pending := llm.PendingToolCalls(messages); len(pending) > 0 {
		fmt.Fprintf(w, "\nAwaiting %d tool result(s).\n", len(pending))
	}
	return nil
}

func printMessage(w io.Writer, msg llm.Message) {
	switch msg.Role {
	case llm.RoleTool:
		fmt.Fprintf(w, "[tool %s %s] %s\n", msg.Name, msg.ToolCallID, msg.Content)
	default:
		if msg.Content != "" {
			fmt.Fprintf(w, "[%s] %s\n", msg.Role, msg.Content)
		}
		for _, call := range msg.ToolCalls {
			fmt.Fprintf(w, "[%s -> %s %s] %s\n", msg.Role, call.Name, call.ID, call.Arguments)
		}
	}
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	store, done, err := getSessionStore()
	if err != nil {
		return err
	}
	defer done()

	if err := store.Delete(context.Background(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %s\n", args[0])
	return nil
}
