package main

import (
	"context"
	"flag"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/onemorebsmith/camly-rewards/src/api"
	"github.com/onemorebsmith/camly-rewards/src/cashier"
	"github.com/onemorebsmith/camly-rewards/src/claims"
	"github.com/onemorebsmith/camly-rewards/src/common"
	"github.com/onemorebsmith/camly-rewards/src/erc20api"
	"github.com/onemorebsmith/camly-rewards/src/feed"
	"github.com/onemorebsmith/camly-rewards/src/metrics"
	"github.com/onemorebsmith/camly-rewards/src/postgres"
	"github.com/onemorebsmith/camly-rewards/src/signer"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type cashierConfig struct {
	common.CommonConfig `yaml:",inline"`

	AdminAddress string                `yaml:"admin_address"`
	AdminToken   string                `yaml:"admin_token"` // CAMLY_ADMIN_TOKEN wins
	KeyFile      string                `yaml:"treasury_key_file"`
	Mock         bool                  `yaml:"use_mock"`
	Chain        erc20api.Config       `yaml:"chain"`
	Settlement   cashier.CashierConfig `yaml:"settlement"`
}

func main() {
	cfg := cashierConfig{
		Chain:      erc20api.DefaultConfig(),
		Settlement: cashier.DefaultCashierConfig(),
	}
	if err := common.LoadConfig(&cfg); err != nil {
		log.Printf("%s", err)
		os.Exit(1)
	}

	flag.StringVar(&cfg.AdminAddress, "listen", cfg.AdminAddress, "address to serve the admin api on, default `:8081`")
	flag.StringVar(&cfg.Chain.RPCURL, "rpc", cfg.Chain.RPCURL, "json-rpc endpoint of the chain, default `https://bsc-dataseed.binance.org/`")
	flag.StringVar(&cfg.Chain.TokenAddress, "token", cfg.Chain.TokenAddress, "reward token contract address")
	flag.StringVar(&cfg.KeyFile, "key", cfg.KeyFile, "sealed treasury key file, see `camlyctl seal-key`")
	flag.StringVar(&cfg.PromPort, "prom", cfg.PromPort, "address to serve prom stats, default `:2112`")
	flag.StringVar(&cfg.HealthCheckPort, "hcp", cfg.HealthCheckPort, `(rarely used) if defined will expose a health check on /readyz, default ""`)
	flag.StringVar(&cfg.PostgresConfig, "pg", cfg.PostgresConfig, `config string for the postgres connection`)
	flag.BoolVar(&cfg.Mock, "mock", cfg.Mock, `settle against an in-memory chain, nothing is sent`)

	flag.Parse()

	if token := os.Getenv("CAMLY_ADMIN_TOKEN"); token != "" {
		cfg.AdminToken = token
	}

	log.Println("----------------------------------")
	log.Printf("initializing cashier")
	log.Printf("\trpc:           %s", cfg.Chain.RPCURL)
	log.Printf("\tchain id:      %d", cfg.Chain.ChainID)
	log.Printf("\ttoken:         %s", cfg.Chain.TokenAddress)
	log.Printf("\tadmin:         %s", cfg.AdminAddress)
	log.Printf("\tprom:          %s", cfg.PromPort)
	log.Printf("\thealth check:  %s", cfg.HealthCheckPort)
	log.Printf("\tmock:          %t", cfg.Mock)
	log.Printf("\tpipeline:      %s", cfg.Settlement.PipelineInterval)
	log.Println("----------------------------------")

	if err := run(cfg); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}

func run(cfg cashierConfig) error {
	logger := common.ConfigureZapFromConfig(cfg.Log)
	defer logger.Sync()
	if cfg.PromPort != "" {
		metrics.StartPromServer(logger, cfg.PromPort)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.AutoMigrate {
		if err := postgres.Migrate(cfg.PostgresConfig); err != nil {
			return err
		}
	}
	store, err := postgres.Connect(ctx, cfg.PostgresConfig)
	if err != nil {
		return errors.Wrap(err, "failed connecting to postgres")
	}
	defer store.Close()

	rd, err := common.ConnectRedis(ctx, cfg.Redis)
	if err != nil {
		return errors.Wrap(err, "failed connecting to redis")
	}
	checks := []common.HealthCheck{{Name: "postgres", Check: store.Ping}}
	var publisher feed.Publisher = feed.Nop{}
	if rd != nil {
		defer rd.Close()
		publisher = feed.NewRedisFeed(rd, cfg.Redis.Prefix, logger)
		checks = append(checks, common.RedisCheck(rd))
	}
	if cfg.HealthCheckPort != "" {
		common.BeginReadyzHandler(cfg.HealthCheckPort, logger, checks...)
	}

	chain, err := connectChain(ctx, cfg, logger)
	if err != nil {
		return err
	}

	manager := claims.NewManager(store, logger, claims.WithPublisher(publisher))
	settler := cashier.NewCashier(chain, manager, cfg.Settlement, logger)

	server := &http.Server{
		Addr:              cfg.AdminAddress,
		Handler:           api.NewAdminRouter(api.NewAdminHandler(manager, settler, logger), cfg.AdminToken),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("admin api listening", zap.String("address", cfg.AdminAddress))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin api stopped", zap.Error(err))
			cancel()
		}
	}()
	go settler.StartTreasuryMonitor(ctx)

	err = settler.StartPipeline(ctx)
	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	server.Shutdown(shutdownCtx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func connectChain(ctx context.Context, cfg cashierConfig, logger *zap.Logger) (cashier.Chain, error) {
	if cfg.Mock {
		logger.Warn("using mock chain, no tokens will move")
		treasury := cashier.ToChainUnits(1_000_000_000, 18)
		return cashier.NewMockChain(18, new(big.Int).Set(treasury)), nil
	}
	passphrase := os.Getenv("CAMLY_KEY_PASSPHRASE")
	if passphrase == "" {
		return nil, errors.New("CAMLY_KEY_PASSPHRASE is not set")
	}
	s, err := signer.LoadSealedSigner(cfg.KeyFile, []byte(passphrase))
	if err != nil {
		return nil, err
	}
	os.Unsetenv("CAMLY_KEY_PASSPHRASE")
	client, err := erc20api.Dial(ctx, cfg.Chain, s, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("treasury loaded", zap.String("address", client.TreasuryAddress().Hex()))
	return client, nil
}
