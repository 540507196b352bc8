package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/harun/keel/pkg/store"
	"github.com/spf13/cobra"
)

var (
	listLimit     int
	searchLimit   int
	searchSession string
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect stored sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent sessions",
	Args:  cobra.NoArgs,
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show the messages, checkpoints and errors of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search message content",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

var usageCmd = &cobra.Command{
	Use:   "usage <session-id>",
	Short: "Show token usage per turn",
	Args:  cobra.ExactArgs(1),
	RunE:  runUsage,
}

func init() {
	sessionsListCmd.Flags().IntVar(&listLimit, "limit", 20, "maximum sessions to list")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 50, "maximum matches")
	searchCmd.Flags().StringVar(&searchSession, "session", "", "restrict to one session")

	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd)
	rootCmd.AddCommand(sessionsCmd, searchCmd, usageCmd)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	sessions, err := a.store.ListSessions(cmd.Context(), listLimit)
	if err != nil {
		return err
	}
	printSessions(cmd.OutOrStdout(), sessions)
	return nil
}

func printSessions(w io.Writer, sessions []store.SessionSummary) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, "no sessions")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tMODEL\tMESSAGES\tLAST TURN")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\n", s.ID, s.CreatedAt.Format(time.DateTime), s.Model, s.Messages, s.LastTurn)
	}
	tw.Flush()
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	sess, err := a.store.LoadSession(ctx, args[0])
	if err != nil {
		return err
	}
	log := a.store.Log(sess)

	msgs, err := log.AllMessages(ctx)
	if err != nil {
		return err
	}
	cps, err := log.Checkpoints(ctx)
	if err != nil {
		return err
	}
	errs, err := log.Errors(ctx)
	if err != nil {
		return err
	}
	total, err := log.TotalTokenUsage(ctx)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "session %s (agent %s, %s/%s, created %s)\n",
		sess.ID, sess.AgentID, sess.Provider, sess.Model, sess.CreatedAt.Format(time.DateTime))
	fmt.Fprintf(w, "tokens: %d in / %d out\n\n", total.InputTokens, total.OutputTokens)

	printMessages(w, msgs)

	if len(cps) > 0 {
		fmt.Fprintln(w, "\ncheckpoints:")
		for _, cp := range cps {
			fmt.Fprintf(w, "  turn %d through message %d at %s\n", cp.Turn, cp.LastMsgID, cp.CreatedAt.Format(time.DateTime))
		}
	}
	if len(errs) > 0 {
		fmt.Fprintln(w, "\nerrors:")
		for _, e := range errs {
			fmt.Fprintf(w, "  turn %d %s attempt %d: %s\n", e.Turn, e.Context, e.Attempt, e.Message)
		}
	}
	return nil
}

func printMessages(w io.Writer, msgs []store.Message) {
	for _, m := range msgs {
		label := string(m.Role)
		switch {
		case m.ToolName != "":
			label = fmt.Sprintf("%s %s", m.Role, m.ToolName)
		case len(m.ToolCalls) > 0:
			names := make([]string, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				names = append(names, tc.Name)
			}
			label = fmt.Sprintf("%s -> %s", m.Role, strings.Join(names, ", "))
		}
		fmt.Fprintf(w, "#%d [turn %d] %s: %s\n", m.ID, m.Turn, label, preview(m.Content, 120))
	}
}

// preview collapses whitespace and truncates s to n runes.
func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func runSearch(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	query := strings.Join(args, " ")
	msgs, err := a.store.Search(cmd.Context(), searchSession, query, searchLimit)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if len(msgs) == 0 {
		fmt.Fprintln(w, "no matches")
		return nil
	}
	for _, m := range msgs {
		fmt.Fprintf(w, "%s #%d [turn %d] %s: %s\n", m.SessionID, m.ID, m.Turn, m.Role, preview(m.Content, 100))
	}
	return nil
}

func runUsage(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	sess, err := a.store.LoadSession(ctx, args[0])
	if err != nil {
		return err
	}
	rows, err := a.store.Log(sess).TokenUsage(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TURN\tINPUT\tOUTPUT")
	var in, out int
	for _, r := range rows {
		fmt.Fprintf(tw, "%d\t%d\t%d\n", r.Turn, r.InputTokens, r.OutputTokens)
		in += r.InputTokens
		out += r.OutputTokens
	}
	fmt.Fprintf(tw, "total\t%d\t%d\n", in, out)
	return tw.Flush()
}
