package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/harun/keel/pkg/agent"
	"github.com/harun/keel/pkg/store"
	"github.com/spf13/cobra"
)

var resumeID string

var runCmd = &cobra.Command{
	Use:   "run [task]",
	Short: "Run a task to completion",
	Long: `Run a task as a new session, or continue an existing session with --resume.
When resuming, incomplete turns after the last checkpoint are discarded first.
A task is optional when resuming.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&resumeID, "resume", "", "session id to resume")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	task := strings.TrimSpace(strings.Join(args, " "))
	if task == "" && resumeID == "" {
		return fmt.Errorf("a task is required unless --resume is given")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	loop, err := a.loop(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	var out *agent.Output
	if resumeID != "" {
		out, err = loop.Resume(ctx, resumeID, task)
	} else {
		out, err = loop.Run(ctx, task)
	}
	return report(cmd, out, err)
}

// report prints the run result and a resume hint for unfinished sessions.
func report(cmd *cobra.Command, out *agent.Output, err error) error {
	stderr := cmd.ErrOrStderr()
	if out != nil && out.Result != "" && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(cmd.OutOrStdout(), out.Result)
	}
	if out != nil {
		fmt.Fprintf(stderr, "session %s: %d turns, %d tool calls, %d in / %d out tokens (%s)\n",
			out.SessionID, out.Turns, out.ToolCallsMade, out.Usage.InputTokens, out.Usage.OutputTokens, out.StopReason)
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("no such session: %s", resumeID)
	case out != nil && out.SessionID != "":
		fmt.Fprintf(stderr, "resume with: keel run --resume %s\n", out.SessionID)
	}
	return err
}
