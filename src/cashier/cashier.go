// Package cashier settles approved claims on chain. A claim moves to claimed only after the
// ERC-20 transfer has a successful receipt, and a recorded tx hash is never replaced by a
// second transfer.
package cashier

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/onemorebsmith/camly-rewards/src/claims"
	"github.com/onemorebsmith/camly-rewards/src/erc20api"
	"github.com/onemorebsmith/camly-rewards/src/metrics"
	"github.com/onemorebsmith/camly-rewards/src/model"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Chain is the token contract as seen by the cashier
type Chain interface {
	Decimals(ctx context.Context) (uint8, error)
	TreasuryBalance(ctx context.Context) (*big.Int, error)
	Transfer(ctx context.Context, to common.Address, amount *big.Int) (common.Hash, error)
	Receipt(ctx context.Context, hash common.Hash) (*erc20api.Receipt, error)
}

var _ Chain = (*erc20api.Client)(nil)

type CashierConfig struct {
	PipelineInterval time.Duration `yaml:"pipeline_interval"`
	BatchSize        int           `yaml:"batch_size"`
	ReceiptPoll      time.Duration `yaml:"receipt_poll"`
	ConfirmTimeout   time.Duration `yaml:"confirm_timeout"`
	MaxAttempts      int           `yaml:"max_attempts"`
	MaxConfirmChecks int           `yaml:"max_confirm_checks"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
	MaxRetryBackoff  time.Duration `yaml:"max_retry_backoff"`
	TreasuryRefresh  time.Duration `yaml:"treasury_refresh"`
}

func DefaultCashierConfig() CashierConfig {
	return CashierConfig{
		PipelineInterval: 1 * time.Minute,
		BatchSize:        50,
		ReceiptPoll:      3 * time.Second,
		ConfirmTimeout:   2 * time.Minute,
		MaxAttempts:      5,
		MaxConfirmChecks: 10,
		RetryBackoff:     30 * time.Second,
		MaxRetryBackoff:  30 * time.Minute,
		TreasuryRefresh:  5 * time.Minute,
	}
}

const (
	OutcomeClaimed      = "claimed"
	OutcomeNoop         = "noop"
	OutcomeAwaiting     = "awaiting"
	OutcomeReverted     = "reverted"
	OutcomeNoTreasury   = "insufficient_treasury"
	OutcomeFailed       = "failed"
	OutcomeNotPersisted = "not_persisted"
)

// Settlement is what an admin sees after a settle attempt
type Settlement struct {
	Claim       *model.ClaimRequest `json:"claim"`
	TxHash      string              `json:"tx_hash,omitempty"`
	BlockNumber uint64              `json:"block_number,omitempty"`
	Outcome     string              `json:"outcome"`
}

type Cashier struct {
	chain    Chain
	claims   *claims.Manager
	cfg      CashierConfig
	logger   *zap.Logger
	attempts *attemptTracker

	// one treasury, one nonce sequence
	treasuryMu sync.Mutex

	// transfers that went out but whose hash could not be saved, by claim id
	unrecordedMu sync.Mutex
	unrecorded   map[string]common.Hash
}

func NewCashier(chain Chain, manager *claims.Manager, cfg CashierConfig, logger *zap.Logger) *Cashier {
	def := DefaultCashierConfig()
	if cfg.ReceiptPoll <= 0 {
		cfg.ReceiptPoll = def.ReceiptPoll
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = def.ConfirmTimeout
	}
	if cfg.PipelineInterval <= 0 {
		cfg.PipelineInterval = def.PipelineInterval
	}
	if cfg.TreasuryRefresh <= 0 {
		cfg.TreasuryRefresh = def.TreasuryRefresh
	}
	return &Cashier{
		chain:    chain,
		claims:   manager,
		cfg:      cfg,
		logger:   logger.Named("settlement"),
		attempts:   newAttemptTracker(cfg.RetryBackoff, cfg.MaxRetryBackoff),
		unrecorded: map[string]common.Hash{},
	}
}

func completionNotes(block uint64) string {
	return fmt.Sprintf("Approved and sent by admin. Block: %d", block)
}

func withdrawalDescription(txHash string) string {
	short := txHash
	if len(short) > 20 {
		short = short[:20]
	}
	return fmt.Sprintf("Rút CAMLY thành công - TX: %s...", short)
}

// Settle pays out an approved claim. Claims in any other status are a no-op. A claim that
// already carries a tx hash only has its receipt checked.
func (c *Cashier) Settle(ctx context.Context, claimId string) (*Settlement, error) {
	started := time.Now()
	res, err := c.settle(ctx, claimId)
	outcome := OutcomeFailed
	switch {
	case err == nil:
		outcome = res.Outcome
	case errors.Is(err, model.ErrAwaitingConfirmation):
		outcome = OutcomeAwaiting
	case errors.Is(err, model.ErrTransferReverted):
		outcome = OutcomeReverted
	case errors.Is(err, model.ErrInsufficientTreasury):
		outcome = OutcomeNoTreasury
	case errors.Is(err, model.ErrSettlementPersistence):
		outcome = OutcomeNotPersisted
	}
	metrics.RecordSettlement(outcome, time.Since(started))
	return res, err
}

func (c *Cashier) settle(ctx context.Context, claimId string) (*Settlement, error) {
	claim, err := c.claims.Get(ctx, claimId)
	if err != nil {
		return nil, err
	}
	if claim.Status != model.ClaimStatusApproved {
		c.forgetUnrecorded(claimId)
		return noop(claim), nil
	}
	if hash, ok := c.knownHash(claim); ok {
		return c.resume(ctx, claim, hash)
	}

	hash, err := c.submit(ctx, claim)
	if err != nil {
		return &Settlement{Claim: claim, TxHash: txHex(hash), Outcome: OutcomeFailed}, err
	}
	if hash == (common.Hash{}) {
		// settled or moved on while we waited on the treasury lock
		claim, err = c.claims.Get(ctx, claimId)
		if err != nil {
			return nil, err
		}
		if claim.Status == model.ClaimStatusApproved {
			if hash, ok := c.knownHash(claim); ok {
				return c.resume(ctx, claim, hash)
			}
		}
		return noop(claim), nil
	}
	return c.confirm(ctx, claim, hash)
}

// knownHash returns the transfer already sent for a claim, recorded or not
func (c *Cashier) knownHash(claim *model.ClaimRequest) (common.Hash, bool) {
	if claim.HasTx() {
		c.forgetUnrecorded(claim.Id)
		return common.HexToHash(*claim.TxHash), true
	}
	c.unrecordedMu.Lock()
	defer c.unrecordedMu.Unlock()
	hash, ok := c.unrecorded[claim.Id]
	return hash, ok
}

// resume finishes a claim whose transfer is already out. The hash is saved first if an earlier
// attempt could not save it.
func (c *Cashier) resume(ctx context.Context, claim *model.ClaimRequest, hash common.Hash) (*Settlement, error) {
	if !claim.HasTx() {
		logger := c.logger.With(zap.String("claim_id", claim.Id), zap.String("tx_hash", hash.Hex()))
		if err := c.recordTx(ctx, claim, hash, logger); err != nil {
			return &Settlement{Claim: claim, TxHash: hash.Hex(), Outcome: OutcomeFailed}, err
		}
		logger.Info("recorded previously unsaved tx hash")
	}
	return c.confirm(ctx, claim, hash)
}

func (c *Cashier) recordTx(ctx context.Context, claim *model.ClaimRequest, hash common.Hash, logger *zap.Logger) error {
	if err := c.claims.RecordTx(ctx, claim.Id, hash.Hex()); err != nil {
		c.unrecordedMu.Lock()
		c.unrecorded[claim.Id] = hash
		c.unrecordedMu.Unlock()
		// the transfer may be on chain with nothing in the store pointing at it
		logger.Error("CRITICAL: transfer submitted but tx hash not recorded", zap.Error(err))
		notes := fmt.Sprintf("Needs operator attention: transfer %s sent but tx hash not recorded", hash.Hex())
		if annotateErr := c.claims.Annotate(ctx, claim.Id, notes); annotateErr != nil {
			logger.Error("failed to annotate claim", zap.Error(annotateErr))
		}
		return errors.Wrapf(model.ErrSettlementPersistence, "claim %s tx %s: %s", claim.Id, hash.Hex(), err)
	}
	c.forgetUnrecorded(claim.Id)
	return nil
}

func (c *Cashier) forgetUnrecorded(claimId string) {
	c.unrecordedMu.Lock()
	defer c.unrecordedMu.Unlock()
	delete(c.unrecorded, claimId)
}

func noop(claim *model.ClaimRequest) *Settlement {
	s := &Settlement{Claim: claim, Outcome: OutcomeNoop}
	if claim.HasTx() {
		s.TxHash = *claim.TxHash
	}
	return s
}

func txHex(hash common.Hash) string {
	if hash == (common.Hash{}) {
		return ""
	}
	return hash.Hex()
}

// submit sends the transfer and records its hash while holding the treasury lock. A zero hash
// with a nil error means another settler got there first.
func (c *Cashier) submit(ctx context.Context, claim *model.ClaimRequest) (common.Hash, error) {
	logger := c.logger.With(zap.String("claim_id", claim.Id), zap.String("account_id", claim.AccountId),
		zap.Int64("amount", claim.Amount), zap.String("wallet", string(claim.WalletAddress)))

	decimals, err := c.chain.Decimals(ctx)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "failed to read token decimals")
	}
	onChain := ToChainUnits(claim.Amount, decimals)

	c.treasuryMu.Lock()
	defer c.treasuryMu.Unlock()

	// re-read under the lock, a concurrent settle may have recorded a hash already
	current, err := c.claims.Get(ctx, claim.Id)
	if err != nil {
		return common.Hash{}, err
	}
	if current.Status != model.ClaimStatusApproved {
		return common.Hash{}, nil
	}
	if _, ok := c.knownHash(current); ok {
		return common.Hash{}, nil
	}

	balance, err := c.chain.TreasuryBalance(ctx)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "failed to read treasury balance")
	}
	metrics.SetTreasuryBalance(TokensFloat(balance, decimals))
	if balance.Cmp(onChain) < 0 {
		notes := fmt.Sprintf("Insufficient treasury balance: have %s, need %s",
			FormatTokens(balance, decimals), FormatTokens(onChain, decimals))
		if err := c.claims.Annotate(ctx, claim.Id, notes); err != nil {
			logger.Error("failed to annotate claim", zap.Error(err))
		}
		logger.Warn("treasury cannot cover claim", zap.String("treasury", balance.String()),
			zap.String("needed", onChain.String()))
		return common.Hash{}, errors.Wrapf(model.ErrInsufficientTreasury, "claim %s needs %s", claim.Id, FormatTokens(onChain, decimals))
	}

	hash, sendErr := c.chain.Transfer(ctx, common.HexToAddress(string(claim.WalletAddress)), onChain)
	if hash == (common.Hash{}) {
		if sendErr == nil {
			sendErr = errors.New("transfer returned no hash")
		}
		logger.Error("transfer not submitted", zap.Error(sendErr))
		return common.Hash{}, errors.Wrapf(sendErr, "failed to submit transfer for claim %s", claim.Id)
	}

	logger = logger.With(zap.String("tx_hash", hash.Hex()))
	if err := c.recordTx(ctx, claim, hash, logger); err != nil {
		return hash, err
	}
	if sendErr != nil {
		logger.Warn("transfer broadcast uncertain, resolving by receipt", zap.Error(sendErr))
	} else {
		logger.Info("transfer submitted")
	}
	return hash, nil
}

// confirm waits for the receipt of a recorded transfer and finishes the claim. Running out of
// time leaves the claim approved with its hash for a later pass.
func (c *Cashier) confirm(ctx context.Context, claim *model.ClaimRequest, hash common.Hash) (*Settlement, error) {
	logger := c.logger.With(zap.String("claim_id", claim.Id), zap.String("tx_hash", hash.Hex()))
	res := &Settlement{Claim: claim, TxHash: hash.Hex(), Outcome: OutcomeAwaiting}

	receipt, err := c.waitForReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, model.ErrAwaitingConfirmation) {
			logger.Info("transfer not confirmed yet")
		} else {
			logger.Warn("receipt lookup failed", zap.Error(err))
		}
		return res, err
	}
	res.BlockNumber = receipt.BlockNumber

	if !receipt.Success {
		notes := fmt.Sprintf("Transfer reverted on chain. TX: %s Block: %d", hash.Hex(), receipt.BlockNumber)
		failed, err := c.claims.FailApproved(ctx, claim.Id, notes)
		if err != nil {
			logger.Error("failed to mark reverted claim", zap.Error(err))
			return res, errors.Wrapf(err, "claim %s reverted but could not be rejected", claim.Id)
		}
		res.Claim = failed
		res.Outcome = OutcomeReverted
		logger.Warn("transfer reverted", zap.Uint64("block", receipt.BlockNumber))
		return res, errors.Wrapf(model.ErrTransferReverted, "tx %s", hash.Hex())
	}

	claimed, err := c.claims.Complete(ctx, model.ClaimCompletion{
		ClaimId:    claim.Id,
		TxHash:     hash.Hex(),
		AdminNotes: completionNotes(receipt.BlockNumber),
		Withdrawal: model.LedgerEntry{
			AccountId:   claim.AccountId,
			ActionType:  model.ActionWithdrawal,
			Amount:      -claim.Amount,
			Description: withdrawalDescription(hash.Hex()),
		},
	})
	if err != nil {
		if errors.Is(err, model.ErrConcurrentModification) {
			// another pass finished it first
			if current, getErr := c.claims.Get(ctx, claim.Id); getErr == nil && current.Status == model.ClaimStatusClaimed {
				res.Claim = current
				res.Outcome = OutcomeClaimed
				return res, nil
			}
		}
		logger.Error("CRITICAL: transfer confirmed but claim not settled", zap.Uint64("block", receipt.BlockNumber), zap.Error(err))
		return res, errors.Wrapf(model.ErrSettlementPersistence, "claim %s tx %s: %s", claim.Id, hash.Hex(), err)
	}
	res.Claim = claimed
	res.Outcome = OutcomeClaimed
	logger.Info("claim settled", zap.Uint64("block", receipt.BlockNumber))
	return res, nil
}

func (c *Cashier) waitForReceipt(ctx context.Context, hash common.Hash) (*erc20api.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConfirmTimeout)
	defer cancel()
	ticker := time.NewTicker(c.cfg.ReceiptPoll)
	defer ticker.Stop()
	for {
		receipt, err := c.chain.Receipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if ctx.Err() != nil {
			return nil, errors.Wrapf(model.ErrAwaitingConfirmation, "tx %s", hash.Hex())
		}
		if !errors.Is(err, model.ErrAwaitingConfirmation) && !errors.Is(err, model.ErrRPCTransient) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(model.ErrAwaitingConfirmation, "tx %s", hash.Hex())
		case <-ticker.C:
		}
	}
}
