package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/soulseer/sessiond/internal/config"
)

func reconcileCmd(configPath *string, debug *bool) *cobra.Command {
	var terminate bool

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Finalize sessions left behind by a crash",
		Long: `Run one pass over persisted sessions without serving traffic:

  - terminal sessions that never finalized are finalized from their
    committed checkpoints
  - pending and accepted sessions past their expiry are expired
  - with --terminate (or recovery.policy: terminate), in-progress sessions
    are ended at their last checkpoint

Prints a JSON report of what changed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if terminate {
				cfg.Recovery.Policy = config.RecoveryTerminate
			}
			logFile, err := setupLogging(cfg.Log, *debug)
			if err != nil {
				return err
			}
			if logFile != nil {
				defer logFile.Close()
			}

			ctx := cmd.Context()
			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(ctx))

			report, err := a.coord.Reconcile(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	cmd.Flags().BoolVar(&terminate, "terminate", false, "End in-progress sessions at their last checkpoint")
	return cmd
}
