package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/emilioale04/steam-clone-sub000/internal/app"
	"github.com/emilioale04/steam-clone-sub000/internal/config"
	"github.com/emilioale04/steam-clone-sub000/internal/infra"
	"github.com/emilioale04/steam-clone-sub000/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "walletctl",
		Short:        "Operate the wallet ledger",
		SilenceUsage: true,
	}
	root.AddCommand(migrateCmd(), balanceCmd(), verifyCmd(), reapCmd())
	return root
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required")
			}
			return infra.RunMigrations(cfg.DatabaseURL, logging.New(cfg.LogLevel, cfg.AppName))
		},
	}
}

func balanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance <account-id>",
		Short: "Print the balance and today's remaining reload allowance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				balance, err := a.Wallet.GetBalance(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				remaining, err := a.Wallet.RemainingDailyReload(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "balance=%s remaining_daily_reload=%s\n",
					balance.StringFixed(2), remaining.StringFixed(2))
				return nil
			})
		},
	}
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <account-id>",
		Short: "Check the stored balance against the completed transaction log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				v, err := a.Wallet.Verify(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "balance=%s ledger_sum=%s pending=%s consistent=%t\n",
					v.Balance.StringFixed(2), v.LedgerSum.StringFixed(2), v.Pending.StringFixed(2), v.Consistent)
				if !v.Consistent {
					return fmt.Errorf("account %s is inconsistent", args[0])
				}
				return nil
			})
		},
	}
}

func reapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Run one pass of the stale pending transaction reaper",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				report, err := a.Reaper.RunOnce(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "completed=%d failed=%d inconsistent=%d deferred=%d skipped=%d\n",
					report.Completed, report.Failed, report.Inconsistent, report.Deferred, report.Skipped)
				return nil
			})
		},
	}
}

func withApp(ctx context.Context, fn func(*app.App) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a, err := app.Build(ctx, cfg, logging.New(cfg.LogLevel, cfg.AppName))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
