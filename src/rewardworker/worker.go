package rewardworker

import (
	"context"
	"net/http"
	_ "net/http/pprof"
	"os/signal"
	"syscall"
	"time"

	"github.com/onemorebsmith/camly-rewards/src/api"
	"github.com/onemorebsmith/camly-rewards/src/claims"
	"github.com/onemorebsmith/camly-rewards/src/common"
	"github.com/onemorebsmith/camly-rewards/src/feed"
	"github.com/onemorebsmith/camly-rewards/src/ledger"
	"github.com/onemorebsmith/camly-rewards/src/metrics"
	"github.com/onemorebsmith/camly-rewards/src/postgres"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

func ListenAndServe(cfg WorkerConfig) error {
	logger := common.ConfigureZapFromConfig(cfg.Log)
	defer logger.Sync()
	if cfg.PromPort != "" {
		metrics.StartPromServer(logger, cfg.PromPort)
	}
	ledgerCfg, err := cfg.Rewards.LedgerConfig()
	if err != nil {
		return err
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

	var (
		publisher feed.Publisher = feed.Nop{}
		events    api.Subscriber
		ranking   api.Ranking
	)
	if rd != nil {
		defer rd.Close()
		redisFeed := feed.NewRedisFeed(rd, cfg.Redis.Prefix, logger)
		publisher, events, ranking = redisFeed, redisFeed, redisFeed.Leaderboard()
		checks = append(checks, common.RedisCheck(rd))
	} else {
		logger.Warn("redis not configured, change feed and leaderboard disabled")
	}

	if cfg.HealthCheckPort != "" {
		common.BeginReadyzHandler(cfg.HealthCheckPort, logger, checks...)
	}

	engine := ledger.NewEngine(store, ledgerCfg, logger, ledger.WithPublisher(publisher))
	manager := claims.NewManager(store, logger, claims.WithPublisher(publisher), claims.WithMinAmount(cfg.MinClaimAmount))
	handler := api.NewUserHandler(engine, manager, events, ranking, logger)

	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           api.NewUserRouter(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("reward api listening", zap.String("address", cfg.ListenAddress))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "reward api stopped")
	}
	return nil
}
