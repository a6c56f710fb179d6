package energy

type RewardConfig struct {
	Base               int64 `yaml:"base"`
	BonusPerExtraMatch int64 `yaml:"bonus_per_extra_match"`
	MaxBonusSteps      int   `yaml:"max_bonus_steps"`
	Penalty            int64 `yaml:"penalty"` // applied as a debit, stored positive
}

func DefaultRewardConfig() RewardConfig {
	return RewardConfig{
		Base:               10000,
		BonusPerExtraMatch: 2000,
		MaxBonusSteps:      3,
		Penalty:            5000,
	}
}

// Reward - signed ledger amount for a classification. Positive messages earn
// base + bonus * min(matches-1, maxSteps), negative ones cost the penalty, neutral is 0.
func (rc RewardConfig) Reward(c Classification) int64 {
	switch c.Polarity {
	case Positive:
		steps := c.PositiveMatches - 1
		if steps > rc.MaxBonusSteps {
			steps = rc.MaxBonusSteps
		}
		if steps < 0 {
			steps = 0
		}
		return rc.Base + rc.BonusPerExtraMatch*int64(steps)
	case Negative:
		return -rc.Penalty
	}
	return 0
}
