// Package feed fans typed change events out to realtime subscribers and keeps the balance
// leaderboard current. Delivery is best effort, the ledger in postgres stays the source of truth.
package feed

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/onemorebsmith/camly-rewards/src/model"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Publisher interface {
	Publish(ctx context.Context, events ...model.ChangeEvent)
}

type Nop struct{}

func (Nop) Publish(context.Context, ...model.ChangeEvent) {}

// Recorder keeps every published event in memory
type Recorder struct {
	mu     sync.Mutex
	events []model.ChangeEvent
}

func (r *Recorder) Publish(_ context.Context, events ...model.ChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
}

func (r *Recorder) Events() []model.ChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.ChangeEvent, len(r.events))
	copy(out, r.events)
	return out
}

type RedisFeed struct {
	client *redis.Client
	prefix string
	board  *Leaderboard
	logger *zap.Logger
}

func NewRedisFeed(client *redis.Client, prefix string, logger *zap.Logger) *RedisFeed {
	return &RedisFeed{
		client: client,
		prefix: prefix,
		board:  NewLeaderboard(client, prefix+":leaderboard"),
		logger: logger.Named("feed"),
	}
}

func (f *RedisFeed) Leaderboard() *Leaderboard {
	return f.board
}

func ChannelFor(prefix string, accountId string) string {
	return prefix + ":events:" + accountId
}

func (f *RedisFeed) Publish(ctx context.Context, events ...model.ChangeEvent) {
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			f.logger.Error("failed to encode change event", zap.String("table", string(ev.Table)), zap.Error(err))
			continue
		}
		if err := f.client.Publish(ctx, ChannelFor(f.prefix, ev.AccountId), payload).Err(); err != nil {
			f.logger.Warn("failed to publish change event",
				zap.String("account_id", ev.AccountId), zap.String("table", string(ev.Table)), zap.Error(err))
		}
		if ev.Table == model.TableAccounts && ev.Account != nil {
			if err := f.board.SetBalance(ctx, ev.AccountId, ev.Account.BalanceAfter); err != nil {
				f.logger.Warn("failed to update leaderboard", zap.String("account_id", ev.AccountId), zap.Error(err))
			}
		}
	}
}

// Subscribe streams events for one account until ctx is done. The returned channel is closed
// once the subscription ends.
func (f *RedisFeed) Subscribe(ctx context.Context, accountId string) (<-chan model.ChangeEvent, error) {
	sub := f.client.Subscribe(ctx, ChannelFor(f.prefix, accountId))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, errors.Wrapf(err, "failed to subscribe to events for %s", accountId)
	}

	out := make(chan model.ChangeEvent, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				ev := model.ChangeEvent{}
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					f.logger.Warn("dropping undecodable change event", zap.Error(err))
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
