package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the ledger schema and default feature switches",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(opts, "migrate")
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.openStore(cmd.Context()); err != nil {
				return err
			}
			a.logger.Info("migration complete")
			return nil
		},
	}
}

// newSyncCmd runs a single scheduler sweep, for cron-driven deployments that
// do not run the in-process timer.
func newSyncCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Enqueue jobs for every due strategy once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(opts, "sync")
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.openStore(ctx); err != nil {
				return err
			}
			if err := a.openQueue(ctx); err != nil {
				return err
			}
			res, err := a.scheduler().SyncDueStrategies(ctx)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}

func newVerifyDepositCmd(opts *rootOptions) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "verify-deposit <tx-hash>",
		Short: "Check a deposit transaction on chain; with --user, credit it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(opts, "verify-deposit")
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.openChain(ctx); err != nil {
				return err
			}
			if userID == "" {
				svc := a.depositService()
				v, err := svc.Verifier.Verify(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(v)
			}
			if err := a.openStore(ctx); err != nil {
				return err
			}
			res, err := a.depositService().Claim(ctx, userID, args[0])
			if err != nil {
				return err
			}
			if res.Deposit == nil {
				a.logger.Warn("deposit not credited", zap.String("reason", string(res.Verification.Reason)))
			}
			return printJSON(res)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "credit the verified deposit to this user id")
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
