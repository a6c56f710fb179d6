package camlyctl

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/onemorebsmith/camly-rewards/src/claims"
	"github.com/onemorebsmith/camly-rewards/src/ledger"
	"github.com/onemorebsmith/camly-rewards/src/model"
	"github.com/onemorebsmith/camly-rewards/src/postgres"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(claimsCmd)
	claimsCmd.AddCommand(claimsListCmd)
	claimsCmd.AddCommand(claimsApproveCmd)
	claimsCmd.AddCommand(claimsRejectCmd)

	claimsListCmd.Flags().String("status", "", "only claims in this status (pending, approved, rejected, claimed)")
	claimsListCmd.Flags().Int("limit", 50, "max claims to show, 0 for all")
	claimsRejectCmd.Flags().String("notes", claims.DefaultRejectNotes, "admin notes stored on the claim")
}

var claimsCmd = &cobra.Command{
	Use:   "claims",
	Short: "Inspect and moderate withdrawal claims",
}

var claimsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List claims, oldest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rawStatus, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		var status *model.ClaimStatus
		if rawStatus != "" {
			s := model.ClaimStatus(rawStatus)
			status = &s
		}
		return withServices(cmd, func(ctx context.Context, _ *postgres.Store, _ *ledger.Engine, manager *claims.Manager) error {
			list, err := manager.List(ctx, status, limit)
			if err != nil {
				return err
			}
			printClaims(cmd.OutOrStdout(), list)
			return nil
		})
	},
}

// approving here only flips the status, the cashier pipeline pays it out
var claimsApproveCmd = &cobra.Command{
	Use:   "approve CLAIM_ID",
	Short: "Approve a pending claim for settlement",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServices(cmd, func(ctx context.Context, _ *postgres.Store, _ *ledger.Engine, manager *claims.Manager) error {
			claim, err := manager.Approve(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "claim %s approved, the cashier will settle it on its next pass\n", claim.Id)
			return nil
		})
	},
}

var claimsRejectCmd = &cobra.Command{
	Use:   "reject CLAIM_ID",
	Short: "Reject a pending claim, releasing its reservation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		notes, _ := cmd.Flags().GetString("notes")
		return withServices(cmd, func(ctx context.Context, _ *postgres.Store, _ *ledger.Engine, manager *claims.Manager) error {
			claim, err := manager.Reject(ctx, args[0], notes)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "claim %s rejected: %s\n", claim.Id, *claim.AdminNotes)
			return nil
		})
	},
}

func printClaims(out io.Writer, list []*model.ClaimRequest) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tACCOUNT\tAMOUNT\tSTATUS\tWALLET\tTX\tCREATED\tNOTES")
	for _, c := range list {
		tx, notes := "-", "-"
		if c.HasTx() {
			tx = *c.TxHash
		}
		if c.AdminNotes != nil {
			notes = *c.AdminNotes
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%s\t%s\n", c.Id, c.AccountId, c.Amount, c.Status,
			c.WalletAddress, tx, c.CreatedAt.Format("2006-01-02 15:04:05"), notes)
	}
	tw.Flush()
}
