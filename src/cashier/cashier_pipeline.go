package cashier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/onemorebsmith/camly-rewards/src/model"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

func (c *Cashier) StartPipeline(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.PipelineInterval)
	defer ticker.Stop()
	c.DoPipelineOnce(ctx)
	for {
		select {
		case <-ticker.C:
			c.DoPipelineOnce(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// DoPipelineOnce walks approved claims oldest first, at most BatchSize per pass. Claims with a
// recorded hash get their receipt checked, the rest are paid. Failures back off per claim and, once attempts run out,
// the claim is flagged for an operator and left approved. A transfer still unmined after
// MaxConfirmChecks passes is flagged too but keeps being checked.
func (c *Cashier) DoPipelineOnce(ctx context.Context) {
	approved := model.ClaimStatusApproved
	pending, err := c.claims.List(ctx, &approved, 0)
	if err != nil {
		c.logger.Error("failed fetching approved claims", zap.Error(err))
		return
	}
	if len(pending) > 0 {
		c.logger.Info(fmt.Sprintf("processing %d approved claims", len(pending)))
	}
	now := time.Now()
	processed := 0
	for _, claim := range pending {
		if ctx.Err() != nil {
			return
		}
		if c.cfg.BatchSize > 0 && processed >= c.cfg.BatchSize {
			break
		}
		if !c.attempts.ready(claim.Id, now) {
			continue
		}
		processed++
		res, err := c.Settle(ctx, claim.Id)
		switch {
		case err == nil:
			c.attempts.clear(claim.Id)
		case errors.Is(err, model.ErrAwaitingConfirmation):
			checks, first := c.attempts.unconfirmed(claim.Id, c.cfg.MaxConfirmChecks)
			if first {
				txHash := ""
				if res != nil {
					txHash = res.TxHash
				}
				c.logger.Warn("transfer still unconfirmed", zap.String("claim_id", claim.Id),
					zap.String("tx_hash", txHash), zap.Int("checks", checks))
				notes := fmt.Sprintf("Needs operator attention: tx %s unconfirmed after %d checks", txHash, checks)
				if err := c.claims.Annotate(ctx, claim.Id, notes); err != nil {
					c.logger.Error("failed to flag claim", zap.String("claim_id", claim.Id), zap.Error(err))
				}
			}
		case errors.Is(err, model.ErrTransferReverted):
			c.attempts.clear(claim.Id)
		default:
			count := c.attempts.fail(claim.Id, now)
			c.logger.Warn("settlement attempt failed", zap.String("claim_id", claim.Id),
				zap.Int("attempt", count), zap.Error(err))
			if c.cfg.MaxAttempts > 0 && count >= c.cfg.MaxAttempts && c.attempts.flag(claim.Id) {
				notes := fmt.Sprintf("Needs operator attention after %d failed settlement attempts: %s", count, err)
				if err := c.claims.Annotate(ctx, claim.Id, notes); err != nil {
					c.logger.Error("failed to flag claim", zap.String("claim_id", claim.Id), zap.Error(err))
				}
			}
		}
	}
	c.attempts.prune(pending)
}

type attempt struct {
	count   int
	next    time.Time
	flagged bool

	checks          int
	unconfirmedFlag bool
}

// attemptTracker is in-process only, a restart retries everything once
type attemptTracker struct {
	mu         sync.Mutex
	base       time.Duration
	maxBackoff time.Duration
	byClaim    map[string]*attempt
}

func newAttemptTracker(base, maxBackoff time.Duration) *attemptTracker {
	return &attemptTracker{base: base, maxBackoff: maxBackoff, byClaim: map[string]*attempt{}}
}

func (t *attemptTracker) ready(claimId string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.byClaim[claimId]
	if !ok {
		return true
	}
	if a.flagged {
		return false
	}
	return !now.Before(a.next)
}

func (t *attemptTracker) fail(claimId string, now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.byClaim[claimId]
	if !ok {
		a = &attempt{}
		t.byClaim[claimId] = a
	}
	a.count++
	backoff := t.base << (a.count - 1)
	if backoff <= 0 || (t.maxBackoff > 0 && backoff > t.maxBackoff) {
		backoff = t.maxBackoff
	}
	a.next = now.Add(backoff)
	return a.count
}

// unconfirmed counts a pass that found the transfer unmined. first is true on the pass that
// reaches limit.
func (t *attemptTracker) unconfirmed(claimId string, limit int) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.byClaim[claimId]
	if !ok {
		a = &attempt{}
		t.byClaim[claimId] = a
	}
	a.checks++
	if limit <= 0 || a.checks < limit || a.unconfirmedFlag {
		return a.checks, false
	}
	a.unconfirmedFlag = true
	return a.checks, true
}

// flag reports true the first time a claim is flagged
func (t *attemptTracker) flag(claimId string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.byClaim[claimId]
	if !ok || a.flagged {
		return false
	}
	a.flagged = true
	return true
}

func (t *attemptTracker) clear(claimId string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byClaim, claimId)
}

// prune drops claims that are no longer approved
func (t *attemptTracker) prune(current []*model.ClaimRequest) {
	t.mu.Lock()
	defer t.mu.Unlock()
	live := make(map[string]struct{}, len(current))
	for _, c := range current {
		live[c.Id] = struct{}{}
	}
	for id := range t.byClaim {
		if _, ok := live[id]; !ok {
			delete(t.byClaim, id)
		}
	}
}
