package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/harun/keel/internal/config"
	"github.com/harun/keel/pkg/hooks"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	hookEvent   string
	hookMatcher string
	hookAction  string
	hookReason  string
)

var hooksCmd = &cobra.Command{
	Use:   "hooks",
	Short: "Manage declarative hooks",
}

var hooksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List declarative hooks",
	Args:  cobra.NoArgs,
	RunE:  runHooksList,
}

var hooksAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add or replace a declarative hook",
	Example: `  keel hooks add no-shell --event PreToolUse --matcher shell --action deny --reason "shell is disabled"
  keel hooks add budget --event TurnStart --action system_message --reason "Be brief."`,
	Args: cobra.ExactArgs(1),
	RunE: runHooksAdd,
}

var hooksRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a declarative hook",
	Args:  cobra.ExactArgs(1),
	RunE:  runHooksRemove,
}

func init() {
	hooksAddCmd.Flags().StringVar(&hookEvent, "event", "", "event kind (PreToolUse, PostToolUse, TurnStart, ...)")
	hooksAddCmd.Flags().StringVar(&hookMatcher, "matcher", "", "tool name pattern for tool events")
	hooksAddCmd.Flags().StringVar(&hookAction, "action", hooks.ActionLog, "deny, stop, log, system_message or append_context")
	hooksAddCmd.Flags().StringVar(&hookReason, "reason", "", "reason or injected text")
	_ = hooksAddCmd.MarkFlagRequired("event")

	hooksCmd.AddCommand(hooksListCmd, hooksAddCmd, hooksRemoveCmd)
	rootCmd.AddCommand(hooksCmd)
}

func hooksPath() (string, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return "", fmt.Errorf("failed to load config: %w", err)
	}
	return cfg.Hooks.ConfigPath, nil
}

func runHooksList(cmd *cobra.Command, args []string) error {
	path, err := hooksPath()
	if err != nil {
		return err
	}
	file, err := hooks.LoadFile(path)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if len(file.Hooks) == 0 {
		fmt.Fprintf(w, "no hooks in %s\n", path)
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tEVENT\tMATCHER\tACTION\tREASON")
	for _, h := range file.Hooks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", h.Name, h.Event, h.Matcher, h.Action, h.Reason)
	}
	return tw.Flush()
}

func runHooksAdd(cmd *cobra.Command, args []string) error {
	entry := hooks.Entry{
		Name:    args[0],
		Event:   hookEvent,
		Matcher: hookMatcher,
		Action:  hookAction,
		Reason:  hookReason,
	}
	if _, err := hooks.NewConfigHook(entry, zerolog.Nop()); err != nil {
		return err
	}

	path, err := hooksPath()
	if err != nil {
		return err
	}
	file, err := hooks.LoadFile(path)
	if err != nil {
		return err
	}
	file.Add(entry)
	if err := file.Save(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "hook %s saved to %s\n", entry.Name, path)
	return nil
}

func runHooksRemove(cmd *cobra.Command, args []string) error {
	path, err := hooksPath()
	if err != nil {
		return err
	}
	file, err := hooks.LoadFile(path)
	if err != nil {
		return err
	}
	if !file.Remove(args[0]) {
		return fmt.Errorf("no hook named %s", args[0])
	}
	if err := file.Save(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "hook %s removed\n", args[0])
	return nil
}
