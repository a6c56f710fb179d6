package erc20api

import (
	"context"
	"io"
	"math/rand"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/onemorebsmith/camly-rewards/src/metrics"
	"github.com/onemorebsmith/camly-rewards/src/model"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type RetryConfig struct {
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	MaxRetries        int           `yaml:"max_retries"`
	Jitter            float64       `yaml:"jitter"` // fraction of the backoff, +/-
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialBackoff:    500 * time.Millisecond,
		BackoffMultiplier: 2,
		MaxBackoff:        10 * time.Second,
		MaxRetries:        4,
		Jitter:            0.2,
	}
}

// transientMarkers are substrings public BSC/EVM endpoints use for throttling and overload
var transientMarkers = []string{
	"connection reset",
	"connection refused",
	"too many requests",
	"rate limit",
	"timeout",
	"timed out",
	"service unavailable",
	"bad gateway",
	"header not found",
}

// IsTransient reports whether err is worth retrying: timeouts, dropped connections, throttling
// and 5xx responses from the rpc endpoint
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, model.ErrRPCTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == 429 || httpErr.StatusCode >= 500
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// withRetry runs fn until it succeeds, fails permanently, or retries run out. Exhausted
// retries come back wrapping model.ErrRPCTransient.
func withRetry(ctx context.Context, cfg RetryConfig, logger *zap.Logger, call string, fn func(ctx context.Context) error) error {
	var lastErr error
	backoff := cfg.InitialBackoff

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			metrics.RecordRPCRetry(call)
			jitter := time.Duration(float64(backoff) * cfg.Jitter * (rand.Float64()*2 - 1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff + jitter):
			}
			backoff = time.Duration(float64(backoff) * cfg.BackoffMultiplier)
			if backoff > cfg.MaxBackoff {
				backoff = cfg.MaxBackoff
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !IsTransient(err) {
			return err
		}
		lastErr = err
		logger.Warn("transient rpc failure", zap.String("call", call),
			zap.Int("attempt", attempt+1), zap.Int("max_retries", cfg.MaxRetries), zap.Error(err))
	}
	return errors.Wrapf(model.ErrRPCTransient, "%s: max retries exceeded: %s", call, lastErr)
}
