// Package memory is an in-process Store used by tests and `use_mock` deployments. One mutex
// guards everything, which trivially gives the per-account serialization the postgres store
// gets from row locks.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/onemorebsmith/camly-rewards/src/model"
	"github.com/onemorebsmith/camly-rewards/src/storage"
)

type Store struct {
	mu       sync.Mutex
	accounts map[string]*model.Account
	entries  map[string][]*model.LedgerEntry
	limits   map[time.Time]*model.DailyRewardLimit
	claims   map[string]*model.ClaimRequest
	now      func() time.Time
}

var _ storage.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		accounts: map[string]*model.Account{},
		entries:  map[string][]*model.LedgerEntry{},
		limits:   map[time.Time]*model.DailyRewardLimit{},
		claims:   map[string]*model.ClaimRequest{},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Ping(ctx context.Context) error { return nil }
func (s *Store) Close()                         {}

func (s *Store) ensureAccountLocked(accountId string) *model.Account {
	acct, ok := s.accounts[accountId]
	if !ok {
		acct = &model.Account{Id: accountId, CreatedAt: s.now()}
		s.accounts[accountId] = acct
	}
	return acct
}

func (s *Store) EnsureAccount(ctx context.Context, accountId string) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct := *s.ensureAccountLocked(accountId)
	return &acct, nil
}

func (s *Store) GetAccount(ctx context.Context, accountId string) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[accountId]
	if !ok {
		return nil, model.ErrAccountNotFound
	}
	out := *acct
	return &out, nil
}

func (s *Store) reservedLocked(accountId string) int64 {
	reserved := int64(0)
	for _, c := range s.claims {
		if c.AccountId == accountId && c.Status.Reserved() {
			reserved += c.Amount
		}
	}
	return reserved
}

func (s *Store) appendLocked(entry model.LedgerEntry) (*model.AccrualResult, error) {
	acct := s.ensureAccountLocked(entry.AccountId)
	if entry.Id == "" {
		entry.Id = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	stored := entry
	s.entries[entry.AccountId] = append(s.entries[entry.AccountId], &stored)
	acct.Balance += entry.Amount
	out := stored
	return &model.AccrualResult{Entry: &out, NewBalance: acct.Balance}, nil
}

func (s *Store) Accrue(ctx context.Context, accrual storage.Accrual) (*model.AccrualResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := accrual.Entry
	acct := s.ensureAccountLocked(entry.AccountId)
	if entry.Amount < 0 && accrual.ClampToAvailable {
		available := acct.Balance - s.reservedLocked(entry.AccountId)
		if available <= 0 {
			return nil, model.ErrNothingToDeduct
		}
		if -entry.Amount > available {
			entry.Amount = -available
		}
	}
	if entry.Amount > 0 {
		day := model.LedgerDay(accrual.Day)
		limit, ok := s.limits[day]
		if !ok {
			limit = &model.DailyRewardLimit{Date: day, Cap: accrual.DefaultCap}
			s.limits[day] = limit
		}
		if limit.TotalDistributed+entry.Amount > limit.Cap {
			return nil, model.ErrDailyCapExceeded
		}
		limit.TotalDistributed += entry.Amount
	}
	return s.appendLocked(entry)
}

func (s *Store) GetLedgerHistory(ctx context.Context, accountId string, limit int) ([]*model.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.entries[accountId]
	out := make([]*model.LedgerEntry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		e := *entries[i]
		out = append(out, &e)
	}
	return out, nil
}

func (s *Store) SumLedger(ctx context.Context, accountId string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := int64(0)
	for _, e := range s.entries[accountId] {
		sum += e.Amount
	}
	return sum, nil
}

func (s *Store) GetDailyLimit(ctx context.Context, day time.Time) (*model.DailyRewardLimit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit, ok := s.limits[model.LedgerDay(day)]
	if !ok {
		return nil, nil
	}
	out := *limit
	return &out, nil
}

func (s *Store) SetDailyCap(ctx context.Context, day time.Time, cap int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	day = model.LedgerDay(day)
	limit, ok := s.limits[day]
	if !ok {
		s.limits[day] = &model.DailyRewardLimit{Date: day, Cap: cap}
		return nil
	}
	if cap < limit.TotalDistributed {
		return &model.ValidationError{Field: "cap", Reason: "below amount already distributed"}
	}
	limit.Cap = cap
	return nil
}

func (s *Store) CreateClaim(ctx context.Context, claim model.ClaimRequest) (*model.ClaimRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	balance := int64(0)
	if acct, ok := s.accounts[claim.AccountId]; ok {
		balance = acct.Balance
	}
	available := balance - s.reservedLocked(claim.AccountId)
	if claim.Amount > available {
		return nil, &model.InsufficientBalanceError{AccountId: claim.AccountId, Requested: claim.Amount, Available: available}
	}
	if claim.Id == "" {
		claim.Id = uuid.NewString()
	}
	if claim.CreatedAt.IsZero() {
		claim.CreatedAt = s.now()
	}
	claim.Status = model.ClaimStatusPending
	s.claims[claim.Id] = claim.Clone()
	return claim.Clone(), nil
}

func (s *Store) GetClaim(ctx context.Context, claimId string) (*model.ClaimRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[claimId]
	if !ok {
		return nil, model.ErrClaimNotFound
	}
	return c.Clone(), nil
}

func (s *Store) sortedClaimsLocked(filter func(*model.ClaimRequest) bool, newestFirst bool) []*model.ClaimRequest {
	var out []*model.ClaimRequest
	for _, c := range s.claims {
		if filter(c) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Id < out[j].Id
		}
		if newestFirst {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func truncate(claims []*model.ClaimRequest, limit int) []*model.ClaimRequest {
	if limit > 0 && len(claims) > limit {
		return claims[:limit]
	}
	return claims
}

func (s *Store) ListClaims(ctx context.Context, status *model.ClaimStatus, limit int) ([]*model.ClaimRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sortedClaimsLocked(func(c *model.ClaimRequest) bool {
		return status == nil || c.Status == *status
	}, false)
	return truncate(out, limit), nil
}

func (s *Store) ListClaimsByAccount(ctx context.Context, accountId string, limit int) ([]*model.ClaimRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sortedClaimsLocked(func(c *model.ClaimRequest) bool {
		return c.AccountId == accountId
	}, true)
	return truncate(out, limit), nil
}

func (s *Store) ReservedAmount(ctx context.Context, accountId string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reservedLocked(accountId), nil
}

func (s *Store) ApproveClaim(ctx context.Context, claimId string, at time.Time) (*model.ClaimRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[claimId]
	if !ok {
		return nil, model.ErrClaimNotFound
	}
	if c.Status != model.ClaimStatusPending {
		return nil, &model.StatusConflictError{ClaimId: claimId, Expected: model.ClaimStatusPending, Actual: c.Status}
	}
	balance := int64(0)
	if acct, ok := s.accounts[c.AccountId]; ok {
		balance = acct.Balance
	}
	// the claim being approved is already part of the reservation
	reserved := s.reservedLocked(c.AccountId)
	if reserved > balance {
		return nil, &model.InsufficientBalanceError{
			AccountId: c.AccountId,
			Requested: c.Amount,
			Available: balance - (reserved - c.Amount),
		}
	}
	c.Status = model.ClaimStatusApproved
	return c.Clone(), nil
}

func (s *Store) RejectClaim(ctx context.Context, claimId string, from model.ClaimStatus, notes string, at time.Time) (*model.ClaimRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[claimId]
	if !ok {
		return nil, model.ErrClaimNotFound
	}
	if c.Status != from || from.Terminal() {
		return nil, &model.StatusConflictError{ClaimId: claimId, Expected: from, Actual: c.Status}
	}
	c.Status = model.ClaimStatusRejected
	processed := at.UTC()
	c.ProcessedAt = &processed
	c.AdminNotes = &notes
	return c.Clone(), nil
}

func (s *Store) RecordClaimTx(ctx context.Context, claimId string, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[claimId]
	if !ok {
		return model.ErrClaimNotFound
	}
	if c.Status != model.ClaimStatusApproved {
		return &model.StatusConflictError{ClaimId: claimId, Expected: model.ClaimStatusApproved, Actual: c.Status}
	}
	if c.HasTx() {
		if *c.TxHash == txHash {
			return nil
		}
		return model.ErrConcurrentModification
	}
	h := txHash
	c.TxHash = &h
	return nil
}

func (s *Store) SetClaimNotes(ctx context.Context, claimId string, notes string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[claimId]
	if !ok {
		return model.ErrClaimNotFound
	}
	if c.Status.Terminal() {
		return &model.StatusConflictError{ClaimId: claimId, Expected: model.ClaimStatusApproved, Actual: c.Status}
	}
	n := notes
	c.AdminNotes = &n
	return nil
}

func (s *Store) CompleteClaim(ctx context.Context, completion model.ClaimCompletion) (*model.ClaimRequest, *model.AccrualResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[completion.ClaimId]
	if !ok {
		return nil, nil, model.ErrClaimNotFound
	}
	if c.Status != model.ClaimStatusApproved {
		return nil, nil, &model.StatusConflictError{ClaimId: c.Id, Expected: model.ClaimStatusApproved, Actual: c.Status}
	}
	if c.HasTx() && *c.TxHash != completion.TxHash {
		return nil, nil, model.ErrConcurrentModification
	}

	entry := completion.Withdrawal
	entry.AccountId = c.AccountId
	entry.ActionType = model.ActionWithdrawal
	entry.Amount = -c.Amount
	res, err := s.appendLocked(entry)
	if err != nil {
		return nil, nil, err
	}

	h := completion.TxHash
	notes := completion.AdminNotes
	processed := completion.ProcessedAt.UTC()
	c.Status = model.ClaimStatusClaimed
	c.TxHash = &h
	c.AdminNotes = &notes
	c.ProcessedAt = &processed
	return c.Clone(), res, nil
}
