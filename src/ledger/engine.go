// Package ledger is the reward accrual engine. It turns recognized actions and classified chat
// messages into ledger entries and answers balance questions. Withdrawals never go through here,
// they are written by the claim completion path.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/onemorebsmith/camly-rewards/src/energy"
	"github.com/onemorebsmith/camly-rewards/src/feed"
	"github.com/onemorebsmith/camly-rewards/src/metrics"
	"github.com/onemorebsmith/camly-rewards/src/model"
	"github.com/onemorebsmith/camly-rewards/src/storage"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	positiveMessageDescription = "Năng lượng tích cực từ tin nhắn ánh sáng"
	negativeMessageDescription = "Năng lượng cần được chuyển hóa"
)

type Config struct {
	DailyCap     int64                      `yaml:"daily_cap"`
	Amounts      map[model.ActionType]int64 `yaml:"amounts"`
	Message      energy.RewardConfig        `yaml:"message_reward"`
	HistoryLimit int                        `yaml:"history_limit"`
}

func DefaultConfig() Config {
	return Config{
		DailyCap: 5_000_000,
		Amounts: map[model.ActionType]int64{
			model.ActionSignup:              50000,
			model.ActionLogin:               50000,
			model.ActionConnectWallet:       50000,
			model.ActionPositiveInteraction: 10000,
			model.ActionNegativeInteraction: -5000,
			model.ActionReferral:            100000,
			model.ActionDailyBonus:          25000,
		},
		Message:      energy.DefaultRewardConfig(),
		HistoryLimit: 50,
	}
}

// MessageReward is what RewardForMessage did with a chat message
type MessageReward struct {
	Classification energy.Classification `json:"classification"`
	Entry          *model.LedgerEntry    `json:"entry,omitempty"`
	Skipped        string                `json:"skipped,omitempty"`
}

type Engine struct {
	store      storage.Store
	classifier *energy.Classifier
	cfg        Config
	publisher  feed.Publisher
	logger     *zap.Logger
	now        func() time.Time
}

type Option func(*Engine)

func WithPublisher(p feed.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(store storage.Store, cfg Config, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		classifier: energy.DefaultClassifier(),
		cfg:        cfg,
		publisher:  feed.Nop{},
		logger:     logger.With(zap.String("component", "ledger")),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Award writes one ledger entry. Positive amounts count against today's cap, debits are clamped
// to what the account has available.
func (e *Engine) Award(ctx context.Context, accountId string, actionType model.ActionType, amount int64, description string) (*model.LedgerEntry, error) {
	if strings.TrimSpace(accountId) == "" {
		return nil, &model.ValidationError{Field: "account_id", Reason: "required"}
	}
	if !actionType.Valid() {
		return nil, &model.ValidationError{Field: "action_type", Reason: fmt.Sprintf("unknown action %q", actionType)}
	}
	if actionType == model.ActionWithdrawal {
		return nil, &model.ValidationError{Field: "action_type", Reason: "withdrawals are written by claim settlement"}
	}
	if amount == 0 {
		return nil, &model.ValidationError{Field: "amount", Reason: "must be non-zero"}
	}

	now := e.now()
	res, err := e.store.Accrue(ctx, storage.Accrual{
		Entry: model.LedgerEntry{
			AccountId:   accountId,
			ActionType:  actionType,
			Amount:      amount,
			Description: description,
			CreatedAt:   now,
		},
		Day:              now,
		DefaultCap:       e.cfg.DailyCap,
		ClampToAvailable: amount < 0,
	})
	switch {
	case errors.Is(err, model.ErrDailyCapExceeded):
		metrics.RecordCapRejection()
		e.logger.Warn("daily reward cap reached, award skipped",
			zap.String("account_id", accountId), zap.String("action_type", string(actionType)),
			zap.Int64("amount", amount), zap.Time("day", model.LedgerDay(now)))
		return nil, err
	case errors.Is(err, model.ErrNothingToDeduct):
		e.logger.Info("nothing available to deduct, debit skipped",
			zap.String("account_id", accountId), zap.String("action_type", string(actionType)))
		return nil, err
	case err != nil:
		return nil, errors.Wrapf(err, "failed to award %s to %s", actionType, accountId)
	}

	metrics.RecordAward(string(actionType), res.Entry.Amount)
	e.logger.Debug("awarded", zap.String("account_id", accountId), zap.String("action_type", string(actionType)),
		zap.Int64("amount", res.Entry.Amount), zap.Int64("balance", res.NewBalance))
	e.publisher.Publish(ctx,
		model.NewLedgerEvent(res.Entry),
		model.NewBalanceEvent(accountId, res.NewBalance-res.Entry.Amount, res.NewBalance, res.Entry.CreatedAt),
	)
	return res.Entry, nil
}

// AwardAction pays the configured amount for actionType
func (e *Engine) AwardAction(ctx context.Context, accountId string, actionType model.ActionType, description string) (*model.LedgerEntry, error) {
	amount, ok := e.cfg.Amounts[actionType]
	if !ok || amount == 0 {
		return nil, &model.ValidationError{Field: "action_type", Reason: fmt.Sprintf("no reward configured for %q", actionType)}
	}
	if description == "" {
		description = DefaultDescription(actionType)
	}
	return e.Award(ctx, accountId, actionType, amount, description)
}

func (e *Engine) Classify(text string) energy.Classification {
	return e.classifier.Classify(text)
}

// RewardForMessage classifies text and awards (or deducts) accordingly. Neutral messages and
// skipped awards are not errors.
func (e *Engine) RewardForMessage(ctx context.Context, accountId string, text string) (*MessageReward, error) {
	c := e.classifier.Classify(text)
	out := &MessageReward{Classification: c}

	var (
		entry *model.LedgerEntry
		err   error
	)
	switch c.Polarity {
	case energy.Positive:
		entry, err = e.Award(ctx, accountId, model.ActionPositiveInteraction, e.cfg.Message.Reward(c), positiveMessageDescription)
	case energy.Negative:
		entry, err = e.Award(ctx, accountId, model.ActionNegativeInteraction, e.cfg.Message.Reward(c), negativeMessageDescription)
	default:
		out.Skipped = "neutral"
		return out, nil
	}

	switch {
	case errors.Is(err, model.ErrDailyCapExceeded):
		out.Skipped = "daily_cap"
	case errors.Is(err, model.ErrNothingToDeduct):
		out.Skipped = "nothing_to_deduct"
	case err != nil:
		return nil, err
	}
	out.Entry = entry
	return out, nil
}

func (e *Engine) GetBalance(ctx context.Context, accountId string) (int64, error) {
	acct, err := e.store.GetAccount(ctx, accountId)
	if errors.Is(err, model.ErrAccountNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

func (e *Engine) GetLedgerHistory(ctx context.Context, accountId string, limit int) ([]*model.LedgerEntry, error) {
	if limit <= 0 || (e.cfg.HistoryLimit > 0 && limit > e.cfg.HistoryLimit) {
		limit = e.cfg.HistoryLimit
	}
	return e.store.GetLedgerHistory(ctx, accountId, limit)
}

// GetPendingClaimsAmount is the balance reserved by pending and approved claims
func (e *Engine) GetPendingClaimsAmount(ctx context.Context, accountId string) (int64, error) {
	return e.store.ReservedAmount(ctx, accountId)
}

// Available is balance minus reserved claims, never negative
func (e *Engine) Available(ctx context.Context, accountId string) (int64, error) {
	balance, err := e.GetBalance(ctx, accountId)
	if err != nil {
		return 0, err
	}
	reserved, err := e.GetPendingClaimsAmount(ctx, accountId)
	if err != nil {
		return 0, err
	}
	if balance <= reserved {
		return 0, nil
	}
	return balance - reserved, nil
}

// Today returns today's cap row, or a fresh one if nothing has been awarded yet
func (e *Engine) Today(ctx context.Context) (*model.DailyRewardLimit, error) {
	day := model.LedgerDay(e.now())
	limit, err := e.store.GetDailyLimit(ctx, day)
	if err != nil {
		return nil, err
	}
	if limit == nil {
		return &model.DailyRewardLimit{Date: day, Cap: e.cfg.DailyCap}, nil
	}
	return limit, nil
}

// VerifyAccount recomputes the ledger sum and compares it to the cached balance
func (e *Engine) VerifyAccount(ctx context.Context, accountId string) error {
	balance, err := e.GetBalance(ctx, accountId)
	if err != nil {
		return err
	}
	sum, err := e.store.SumLedger(ctx, accountId)
	if err != nil {
		return err
	}
	if sum != balance {
		return fmt.Errorf("account %s cached balance %d does not match ledger sum %d", accountId, balance, sum)
	}
	return nil
}

func DefaultDescription(actionType model.ActionType) string {
	switch actionType {
	case model.ActionLogin:
		return "Phần thưởng đăng nhập hàng ngày"
	case model.ActionPositiveInteraction:
		return positiveMessageDescription
	case model.ActionNegativeInteraction:
		return negativeMessageDescription
	}
	return fmt.Sprintf("Phần thưởng cho %s", actionType)
}
