package camlyctl

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/onemorebsmith/camly-rewards/src/claims"
	"github.com/onemorebsmith/camly-rewards/src/energy"
	"github.com/onemorebsmith/camly-rewards/src/ledger"
	"github.com/onemorebsmith/camly-rewards/src/model"
	"github.com/onemorebsmith/camly-rewards/src/postgres"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(balanceCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(dailyCapCmd)
	rootCmd.AddCommand(classifyCmd)

	historyCmd.Flags().Int("limit", 20, "entries to show")
	dailyCapCmd.Flags().String("date", "", "UTC date as YYYY-MM-DD, defaults to today")
}

var balanceCmd = &cobra.Command{
	Use:   "balance ACCOUNT_ID",
	Short: "Show balance, reserved claims and available amount",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServices(cmd, func(ctx context.Context, _ *postgres.Store, engine *ledger.Engine, _ *claims.Manager) error {
			balance, err := engine.GetBalance(ctx, args[0])
			if err != nil {
				return err
			}
			pending, err := engine.GetPendingClaimsAmount(ctx, args[0])
			if err != nil {
				return err
			}
			available, err := engine.Available(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "balance:    %d\nreserved:   %d\navailable:  %d\n", balance, pending, available)
			return nil
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history ACCOUNT_ID",
	Short: "Show the newest ledger entries of an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withServices(cmd, func(ctx context.Context, _ *postgres.Store, engine *ledger.Engine, _ *claims.Manager) error {
			entries, err := engine.GetLedgerHistory(ctx, args[0], limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CREATED\tACTION\tAMOUNT\tDESCRIPTION")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", e.CreatedAt.Format(time.RFC3339), e.ActionType, e.Amount, e.Description)
			}
			return tw.Flush()
		})
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify ACCOUNT_ID",
	Short: "Check the cached balance against the ledger sum",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServices(cmd, func(ctx context.Context, _ *postgres.Store, engine *ledger.Engine, _ *claims.Manager) error {
			if err := engine.VerifyAccount(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		})
	},
}

var dailyCapCmd = &cobra.Command{
	Use:   "daily-cap AMOUNT",
	Short: "Set the global reward cap for a day",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var amount int64
		if _, err := fmt.Sscan(args[0], &amount); err != nil || amount <= 0 {
			return &model.ValidationError{Field: "amount", Reason: "expected a positive integer"}
		}
		day := model.LedgerDay(time.Now())
		if raw, _ := cmd.Flags().GetString("date"); raw != "" {
			parsed, err := time.Parse("2006-01-02", raw)
			if err != nil {
				return errors.Wrap(err, "invalid --date")
			}
			day = model.LedgerDay(parsed)
		}
		return withServices(cmd, func(ctx context.Context, store *postgres.Store, _ *ledger.Engine, _ *claims.Manager) error {
			if err := store.SetDailyCap(ctx, day, amount); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "daily cap for %s set to %d\n", day.Format("2006-01-02"), amount)
			return nil
		})
	},
}

var classifyCmd = &cobra.Command{
	Use:   "classify TEXT...",
	Short: "Show how a message would be classified and rewarded",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := energy.DefaultClassifier().Classify(strings.Join(args, " "))
		reward := energy.DefaultRewardConfig().Reward(c)
		fmt.Fprintf(cmd.OutOrStdout(), "%s (positive %d, negative %d) reward %d\n",
			c.Polarity, c.PositiveMatches, c.NegativeMatches, reward)
		return nil
	},
}
