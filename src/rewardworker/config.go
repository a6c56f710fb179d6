package rewardworker

import (
	"github.com/onemorebsmith/camly-rewards/src/common"
	"github.com/onemorebsmith/camly-rewards/src/ledger"
	"github.com/onemorebsmith/camly-rewards/src/model"
	"github.com/pkg/errors"
)

type WorkerConfig struct {
	common.CommonConfig `yaml:",inline"`

	ListenAddress  string        `yaml:"listen_address"`
	MinClaimAmount int64         `yaml:"min_claim_amount"`
	Rewards        RewardsConfig `yaml:"rewards"`
}

// RewardsConfig overrides ledger.DefaultConfig, zero values keep the default
type RewardsConfig struct {
	DailyCap     int64            `yaml:"daily_cap"`
	HistoryLimit int              `yaml:"history_limit"`
	Amounts      map[string]int64 `yaml:"amounts"` // action_type -> amount
}

func (rc RewardsConfig) LedgerConfig() (ledger.Config, error) {
	cfg := ledger.DefaultConfig()
	if rc.DailyCap > 0 {
		cfg.DailyCap = rc.DailyCap
	}
	if rc.HistoryLimit > 0 {
		cfg.HistoryLimit = rc.HistoryLimit
	}
	for k, v := range rc.Amounts {
		action := model.ActionType(k)
		if !action.Valid() || action == model.ActionWithdrawal {
			return cfg, errors.Errorf("rewards.amounts: unknown action type %q", k)
		}
		cfg.Amounts[action] = v
	}
	return cfg, nil
}
