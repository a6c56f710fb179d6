// Package camlyctl is the operator command line: claims, balances, migrations and key sealing.
package camlyctl

import (
	"context"
	"os"

	"github.com/onemorebsmith/camly-rewards/src/claims"
	"github.com/onemorebsmith/camly-rewards/src/common"
	"github.com/onemorebsmith/camly-rewards/src/ledger"
	"github.com/onemorebsmith/camly-rewards/src/postgres"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	pgConfig string
	verbose  bool
)

var rootCmd = &cobra.Command{
	Use:           "camlyctl",
	Short:         "Operate the CAMLY reward ledger",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&pgConfig, "pg", os.Getenv("CAMLY_POSTGRES"), "postgres connection string, defaults to $CAMLY_POSTGRES")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

func Execute() error {
	return rootCmd.Execute()
}

func logger() *zap.Logger {
	if verbose {
		return common.ConfigureZap(zapcore.DebugLevel)
	}
	return common.ConfigureZap(zapcore.WarnLevel)
}

func openStore(ctx context.Context) (*postgres.Store, error) {
	if pgConfig == "" {
		return nil, errors.New("no postgres connection, pass --pg or set CAMLY_POSTGRES")
	}
	return postgres.Connect(ctx, pgConfig)
}

// withServices opens the store and hands the engine and claim manager to fn
func withServices(cmd *cobra.Command, fn func(ctx context.Context, store *postgres.Store, engine *ledger.Engine, manager *claims.Manager) error) error {
	ctx := cmd.Context()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	log := logger()
	return fn(ctx, store, ledger.NewEngine(store, ledger.DefaultConfig(), log), claims.NewManager(store, log))
}
