package cashier

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/onemorebsmith/camly-rewards/src/metrics"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type TreasuryStatus struct {
	Address   string `json:"address,omitempty"`
	Decimals  uint8  `json:"decimals"`
	Balance   string `json:"balance"`   // base units
	Formatted string `json:"formatted"` // whole tokens
}

type addressed interface {
	TreasuryAddress() common.Address
}

func (c *Cashier) Treasury(ctx context.Context) (*TreasuryStatus, error) {
	decimals, err := c.chain.Decimals(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read token decimals")
	}
	balance, err := c.chain.TreasuryBalance(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read treasury balance")
	}
	metrics.SetTreasuryBalance(TokensFloat(balance, decimals))
	status := &TreasuryStatus{
		Decimals:  decimals,
		Balance:   balance.String(),
		Formatted: FormatTokens(balance, decimals),
	}
	if a, ok := c.chain.(addressed); ok {
		status.Address = a.TreasuryAddress().Hex()
	}
	return status, nil
}

// StartTreasuryMonitor keeps the treasury balance gauge fresh between settlements
func (c *Cashier) StartTreasuryMonitor(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.TreasuryRefresh)
	defer ticker.Stop()
	logger := c.logger.Named("treasury")
	for {
		select {
		case <-ticker.C:
			if _, err := c.Treasury(ctx); err != nil {
				logger.Error("failed refreshing treasury balance", zap.Error(err))
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
