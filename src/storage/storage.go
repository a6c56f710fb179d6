// Package storage declares the persistence contract shared by the postgres and in-memory
// stores. Every method that changes a balance or reservation runs atomically against a
// single account.
package storage

import (
	"context"
	"time"

	"github.com/onemorebsmith/camly-rewards/src/model"
)

// Accrual - a ledger entry to append plus the cap to enforce for positive amounts
type Accrual struct {
	Entry      model.LedgerEntry
	Day        time.Time
	DefaultCap int64
	// ClampToAvailable limits a debit to balance minus reserved claims. Used for penalties so
	// a debit can never eat into balance already promised to a claim.
	ClampToAvailable bool
}

type LedgerStore interface {
	EnsureAccount(ctx context.Context, accountId string) (*model.Account, error)
	GetAccount(ctx context.Context, accountId string) (*model.Account, error)
	// Accrue runs cap check+increment, entry insert and balance update as one unit
	Accrue(ctx context.Context, accrual Accrual) (*model.AccrualResult, error)
	GetLedgerHistory(ctx context.Context, accountId string, limit int) ([]*model.LedgerEntry, error)
	SumLedger(ctx context.Context, accountId string) (int64, error)
	GetDailyLimit(ctx context.Context, day time.Time) (*model.DailyRewardLimit, error)
	SetDailyCap(ctx context.Context, day time.Time, cap int64) error
}

type ClaimStore interface {
	// CreateClaim checks available balance and inserts under the same account lock
	CreateClaim(ctx context.Context, claim model.ClaimRequest) (*model.ClaimRequest, error)
	GetClaim(ctx context.Context, claimId string) (*model.ClaimRequest, error)
	ListClaims(ctx context.Context, status *model.ClaimStatus, limit int) ([]*model.ClaimRequest, error)
	ListClaimsByAccount(ctx context.Context, accountId string, limit int) ([]*model.ClaimRequest, error)
	ReservedAmount(ctx context.Context, accountId string) (int64, error)
	// ApproveClaim is a compare-and-set pending -> approved that re-checks the reservation
	ApproveClaim(ctx context.Context, claimId string, at time.Time) (*model.ClaimRequest, error)
	// RejectClaim is a compare-and-set from -> rejected
	RejectClaim(ctx context.Context, claimId string, from model.ClaimStatus, notes string, at time.Time) (*model.ClaimRequest, error)
	// RecordClaimTx stores the hash of a submitted transfer, only while approved and unset
	RecordClaimTx(ctx context.Context, claimId string, txHash string) error
	SetClaimNotes(ctx context.Context, claimId string, notes string) error
	// CompleteClaim flips approved -> claimed and appends the withdrawal entry atomically
	CompleteClaim(ctx context.Context, completion model.ClaimCompletion) (*model.ClaimRequest, *model.AccrualResult, error)
}

type Store interface {
	LedgerStore
	ClaimStore
	Ping(ctx context.Context) error
	Close()
}
