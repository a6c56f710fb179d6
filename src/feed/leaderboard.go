package feed

import (
	"context"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

type LeaderboardEntry struct {
	Rank      int64  `json:"rank"`
	AccountId string `json:"account_id"`
	Balance   int64  `json:"balance"`
}

// Leaderboard ranks accounts by cached balance
type Leaderboard struct {
	set ZSet
}

func NewLeaderboard(client *redis.Client, key string) *Leaderboard {
	return &Leaderboard{set: NewZSet(client, key)}
}

func (l *Leaderboard) SetBalance(ctx context.Context, accountId string, balance int64) error {
	return l.set.SetScores(ctx, ZSetKVP{Member: accountId, Score: float64(balance)})
}

func (l *Leaderboard) Top(ctx context.Context, n int64) ([]LeaderboardEntry, error) {
	members, err := l.set.TopByScore(ctx, n)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read leaderboard")
	}
	out := make([]LeaderboardEntry, 0, len(members))
	for i, m := range members {
		id, _ := m.Member.(string)
		out = append(out, LeaderboardEntry{Rank: int64(i) + 1, AccountId: id, Balance: int64(m.Score)})
	}
	return out, nil
}

// Rank is 1 based, 0 when the account has never been scored
func (l *Leaderboard) Rank(ctx context.Context, accountId string) (int64, error) {
	rank, err := l.set.RevRank(ctx, accountId)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to rank %s", accountId)
	}
	return rank + 1, nil
}
