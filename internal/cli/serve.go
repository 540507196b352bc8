package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/harun/keel/pkg/retention"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve progress, metrics and scheduled retention",
	Long: `Serve the websocket progress stream, /metrics and /healthz, and run the
retention job on its schedule until interrupted.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Prune old error rows and superseded checkpoints now",
	Args:  cobra.NoArgs,
	RunE:  runPrune,
}

func init() {
	rootCmd.AddCommand(serveCmd, pruneCmd)
}

func (a *app) retention() (*retention.Service, error) {
	r := a.cfg.Retention
	return retention.New(a.store, retention.Config{
		Schedule: r.Schedule,
		MaxAge:   time.Duration(r.MaxAgeDays) * 24 * time.Hour,
		Logger:   a.logger,
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	a.cfg.Progress.Enabled = true
	srv, err := a.progressServer()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "progress server listening on %s\n", srv.Addr())

	if a.cfg.Retention.Enabled {
		svc, err := a.retention()
		if err != nil {
			return err
		}
		svc.Start()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = svc.Stop(ctx)
		}()
		fmt.Fprintf(cmd.OutOrStdout(), "retention scheduled, next run %s\n", svc.Next().Format(time.DateTime))
	}

	<-ctx.Done()
	return nil
}

func runPrune(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	svc, err := a.retention()
	if err != nil {
		return err
	}
	res, err := svc.RunOnce(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "pruned %d error rows and %d checkpoints\n", res.Errors, res.Checkpoints)
	return nil
}
