package common

import (
	"context"
	"net/http"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// HealthCheck returns nil when the dependency is reachable
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

func RedisCheck(rd *redis.Client) HealthCheck {
	return HealthCheck{Name: "redis", Check: func(ctx context.Context) error {
		return rd.Ping(ctx).Err()
	}}
}

func ReadyzHandler(checks ...HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		for _, c := range checks {
			if err := c.Check(r.Context()); err != nil {
				w.WriteHeader(http.StatusInternalServerError)
				w.Write([]byte(errors.Wrapf(err, "failed pinging %s", c.Name).Error()))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	}
}

func BeginReadyzHandler(port string, logger *zap.Logger, checks ...HealthCheck) {
	mux := http.NewServeMux()
	mux.HandleFunc("/readyz", ReadyzHandler(checks...))
	logger.Info("enabling health check on port " + port)
	go func() {
		if err := http.ListenAndServe(port, mux); err != nil {
			logger.Error("health check server stopped", zap.Error(err))
		}
	}()
}

// ConnectRedis returns nil, nil when no address is configured
func ConnectRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if cfg.Address == "" {
		return nil, nil
	}
	rd := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rd.Ping(ctx); err.Err() != nil {
		rd.Close()
		return nil, errors.Wrapf(err.Err(), "failed to ping redis at %s", cfg.Address)
	}
	return rd, nil
}
