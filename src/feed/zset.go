package feed

import (
	"context"

	"github.com/go-redis/redis/v8"
)

// ZSet is a thin wrapper over a single redis sorted set key
type ZSet struct {
	client *redis.Client
	key    string
}

func NewZSet(cache *redis.Client, key string) ZSet {
	return ZSet{
		key:    key,
		client: cache,
	}
}

type ZSetKVP = redis.Z

// SetScores upserts members, overwriting existing scores in either direction
func (zz *ZSet) SetScores(ctx context.Context, members ...ZSetKVP) error {
	if len(members) == 0 {
		return nil
	}
	return zz.client.ZAdd(ctx, zz.key, toPtrs(members)...).Err()
}

func toPtrs(members []ZSetKVP) []*redis.Z {
	out := make([]*redis.Z, 0, len(members))
	for i := range members {
		out = append(out, &members[i])
	}
	return out
}

// TopByScore returns up to limit members, highest score first
func (zz *ZSet) TopByScore(ctx context.Context, limit int64) ([]ZSetKVP, error) {
	if limit <= 0 {
		return nil, nil
	}
	cmd := zz.client.ZRevRangeWithScores(ctx, zz.key, 0, limit-1)
	return cmd.Result()
}

// RevRank is the zero based position counting from the highest score, -1 if absent
func (zz *ZSet) RevRank(ctx context.Context, member string) (int64, error) {
	rank, err := zz.client.ZRevRank(ctx, zz.key, member).Result()
	if err == redis.Nil {
		return -1, nil
	}
	return rank, err
}
