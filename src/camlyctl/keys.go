package camlyctl

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/onemorebsmith/camly-rewards/src/postgres"
	"github.com/onemorebsmith/camly-rewards/src/signer"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(sealKeyCmd)

	sealKeyCmd.Flags().StringP("out", "o", "treasury.key", "where to write the sealed key")
	sealKeyCmd.Flags().Int("scrypt-n", signer.DefaultScryptN, "scrypt cost parameter")
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if pgConfig == "" {
			return errors.New("no postgres connection, pass --pg or set CAMLY_POSTGRES")
		}
		if err := postgres.Migrate(pgConfig); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
		return nil
	},
}

var sealKeyCmd = &cobra.Command{
	Use:   "seal-key",
	Short: "Seal a treasury private key read from stdin",
	Long: `Reads a hex private key from the first line of stdin and writes it sealed under
$CAMLY_KEY_PASSPHRASE. The cashier loads the result with --key.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")
		scryptN, _ := cmd.Flags().GetInt("scrypt-n")
		passphrase := os.Getenv("CAMLY_KEY_PASSPHRASE")
		if passphrase == "" {
			return errors.New("CAMLY_KEY_PASSPHRASE is not set")
		}

		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return errors.Wrap(err, "failed reading private key from stdin")
		}
		sealed, err := signer.Seal(strings.TrimSpace(line), []byte(passphrase), scryptN)
		if err != nil {
			return err
		}
		data, err := sealed.Marshal()
		if err != nil {
			return err
		}
		if err := os.WriteFile(out, data, 0600); err != nil {
			return errors.Wrapf(err, "failed writing %s", out)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "sealed key for %s written to %s\n", sealed.Address.Hex(), out)
		return nil
	},
}
