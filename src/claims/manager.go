// Package claims owns the withdrawal claim state machine:
//
//	pending --approve--> approved --settled--> claimed
//	pending --reject--> rejected
//	approved --settlement failed--> rejected
//
// Every transition is a compare-and-set in the store, a caller that loses a race gets
// model.ErrConcurrentModification and should re-fetch instead of retrying.
package claims

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/onemorebsmith/camly-rewards/src/feed"
	"github.com/onemorebsmith/camly-rewards/src/metrics"
	"github.com/onemorebsmith/camly-rewards/src/model"
	"github.com/onemorebsmith/camly-rewards/src/storage"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const DefaultRejectNotes = "Rejected by admin"

type Manager struct {
	store     storage.ClaimStore
	publisher feed.Publisher
	logger    *zap.Logger
	now       func() time.Time
	minAmount int64
}

type Option func(*Manager)

func WithPublisher(p feed.Publisher) Option {
	return func(m *Manager) { m.publisher = p }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithMinAmount rejects claims below min, 0 allows any positive amount
func WithMinAmount(min int64) Option {
	return func(m *Manager) { m.minAmount = min }
}

func NewManager(store storage.ClaimStore, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		publisher: feed.Nop{},
		logger:    logger.With(zap.String("component", "claims")),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func validateClaimId(claimId string) error {
	if _, err := uuid.Parse(claimId); err != nil {
		return &model.ValidationError{Field: "claim_id", Reason: "expected a uuid"}
	}
	return nil
}

// Submit validates and records a pending claim. The available balance check and the insert
// happen under the same account lock in the store.
func (m *Manager) Submit(ctx context.Context, accountId string, walletAddress string, amount int64) (*model.ClaimRequest, error) {
	if strings.TrimSpace(accountId) == "" {
		return nil, &model.ValidationError{Field: "account_id", Reason: "required"}
	}
	wallet, err := model.ParseWalletAddr(walletAddress)
	if err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, &model.ValidationError{Field: "amount", Reason: "must be a positive integer"}
	}
	if m.minAmount > 0 && amount < m.minAmount {
		return nil, &model.ValidationError{Field: "amount", Reason: "below the minimum claim amount"}
	}

	claim, err := m.store.CreateClaim(ctx, model.ClaimRequest{
		AccountId:     accountId,
		WalletAddress: wallet,
		Amount:        amount,
		CreatedAt:     m.now(),
	})
	if err != nil {
		if errors.Is(err, model.ErrInsufficientBalance) {
			return nil, err
		}
		return nil, errors.Wrapf(err, "failed to create claim for %s", accountId)
	}
	metrics.RecordClaimTransition(string(model.ClaimStatusPending))
	m.logger.Info("claim submitted", zap.String("claim_id", claim.Id), zap.String("account_id", accountId),
		zap.Int64("amount", amount), zap.String("wallet", string(wallet)))
	m.publisher.Publish(ctx, model.NewClaimEvent(nil, claim, claim.CreatedAt))
	return claim, nil
}

func (m *Manager) Approve(ctx context.Context, claimId string) (*model.ClaimRequest, error) {
	if err := validateClaimId(claimId); err != nil {
		return nil, err
	}
	at := m.now()
	approved, err := m.store.ApproveClaim(ctx, claimId, at)
	if err != nil {
		return nil, err
	}
	metrics.RecordClaimTransition(string(model.ClaimStatusApproved))
	m.logger.Info("claim approved", zap.String("claim_id", claimId), zap.String("account_id", approved.AccountId))
	m.publishTransition(ctx, approved, model.ClaimStatusPending, at)
	return approved, nil
}

// Reject cancels a pending claim, releasing its reservation
func (m *Manager) Reject(ctx context.Context, claimId string, notes string) (*model.ClaimRequest, error) {
	if err := validateClaimId(claimId); err != nil {
		return nil, err
	}
	if strings.TrimSpace(notes) == "" {
		notes = DefaultRejectNotes
	}
	return m.reject(ctx, claimId, model.ClaimStatusPending, notes)
}

// FailApproved is the non-retryable settlement failure path, approved -> rejected
func (m *Manager) FailApproved(ctx context.Context, claimId string, notes string) (*model.ClaimRequest, error) {
	return m.reject(ctx, claimId, model.ClaimStatusApproved, notes)
}

func (m *Manager) reject(ctx context.Context, claimId string, from model.ClaimStatus, notes string) (*model.ClaimRequest, error) {
	at := m.now()
	rejected, err := m.store.RejectClaim(ctx, claimId, from, notes, at)
	if err != nil {
		return nil, err
	}
	metrics.RecordClaimTransition(string(model.ClaimStatusRejected))
	m.logger.Info("claim rejected", zap.String("claim_id", claimId), zap.String("from", string(from)), zap.String("notes", notes))
	m.publishTransition(ctx, rejected, from, at)
	return rejected, nil
}

// RecordTx persists a submitted transfer hash against an approved claim
func (m *Manager) RecordTx(ctx context.Context, claimId string, txHash string) error {
	return m.store.RecordClaimTx(ctx, claimId, txHash)
}

// Annotate replaces adminNotes on a non-terminal claim without touching its status
func (m *Manager) Annotate(ctx context.Context, claimId string, notes string) error {
	return m.store.SetClaimNotes(ctx, claimId, notes)
}

// Complete flips approved -> claimed and writes the withdrawal entry in one store transaction
func (m *Manager) Complete(ctx context.Context, completion model.ClaimCompletion) (*model.ClaimRequest, error) {
	if completion.ProcessedAt.IsZero() {
		completion.ProcessedAt = m.now()
	}
	if completion.Withdrawal.CreatedAt.IsZero() {
		completion.Withdrawal.CreatedAt = completion.ProcessedAt
	}
	claimed, res, err := m.store.CompleteClaim(ctx, completion)
	if err != nil {
		return nil, err
	}
	metrics.RecordClaimTransition(string(model.ClaimStatusClaimed))
	metrics.RecordAward(string(model.ActionWithdrawal), res.Entry.Amount)
	m.logger.Info("claim completed", zap.String("claim_id", claimed.Id), zap.String("tx_hash", completion.TxHash),
		zap.Int64("balance", res.NewBalance))
	m.publishTransition(ctx, claimed, model.ClaimStatusApproved, completion.ProcessedAt)
	m.publisher.Publish(ctx,
		model.NewLedgerEvent(res.Entry),
		model.NewBalanceEvent(claimed.AccountId, res.NewBalance-res.Entry.Amount, res.NewBalance, completion.ProcessedAt),
	)
	return claimed, nil
}

func (m *Manager) publishTransition(ctx context.Context, after *model.ClaimRequest, from model.ClaimStatus, at time.Time) {
	before := after.Clone()
	before.Status = from
	before.ProcessedAt = nil // only terminal claims carry one
	m.publisher.Publish(ctx, model.NewClaimEvent(before, after, at))
}

func (m *Manager) Get(ctx context.Context, claimId string) (*model.ClaimRequest, error) {
	if err := validateClaimId(claimId); err != nil {
		return nil, err
	}
	return m.store.GetClaim(ctx, claimId)
}

// List returns claims oldest first, optionally filtered by status
func (m *Manager) List(ctx context.Context, status *model.ClaimStatus, limit int) ([]*model.ClaimRequest, error) {
	if status != nil && !status.Valid() {
		return nil, &model.ValidationError{Field: "status", Reason: "unknown claim status"}
	}
	return m.store.ListClaims(ctx, status, limit)
}

// ListByAccount returns an account's claims newest first
func (m *Manager) ListByAccount(ctx context.Context, accountId string, limit int) ([]*model.ClaimRequest, error) {
	return m.store.ListClaimsByAccount(ctx, accountId, limit)
}
