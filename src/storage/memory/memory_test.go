package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/onemorebsmith/camly-rewards/src/model"
	"github.com/onemorebsmith/camly-rewards/src/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func credit(account string, amount int64) storage.Accrual {
	return storage.Accrual{
		Entry:      model.LedgerEntry{AccountId: account, ActionType: model.ActionSignup, Amount: amount},
		Day:        day,
		DefaultCap: 1_000_000,
	}
}

func TestAccrueTracksBalanceAndCap(t *testing.T) {
	ctx := context.Background()
	s := New()

	res, err := s.Accrue(ctx, credit("u1", 600_000))
	require.NoError(t, err)
	assert.Equal(t, int64(600_000), res.NewBalance)
	assert.NotEmpty(t, res.Entry.Id)

	_, err = s.Accrue(ctx, credit("u2", 500_000))
	assert.ErrorIs(t, err, model.ErrDailyCapExceeded)

	// nothing was written for the rejected credit
	limit, err := s.GetDailyLimit(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, int64(600_000), limit.TotalDistributed)
	hist, err := s.GetLedgerHistory(ctx, "u2", 10)
	require.NoError(t, err)
	assert.Empty(t, hist)

	// exactly reaching the cap is allowed
	_, err = s.Accrue(ctx, credit("u2", 400_000))
	require.NoError(t, err)

	// debits don't touch the cap
	_, err = s.Accrue(ctx, storage.Accrual{
		Entry: model.LedgerEntry{AccountId: "u1", ActionType: model.ActionNegativeInteraction, Amount: -5000},
		Day:   day,
	})
	require.NoError(t, err)
	limit, _ = s.GetDailyLimit(ctx, day)
	assert.Equal(t, int64(1_000_000), limit.TotalDistributed)

	sum, err := s.SumLedger(ctx, "u1")
	require.NoError(t, err)
	acct, err := s.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, sum, acct.Balance)
	assert.Equal(t, int64(595_000), acct.Balance)
}

func TestCapIsPerDay(t *testing.T) {
	ctx := context.Background()
	s := New()
	a := credit("u1", 1_000_000)
	_, err := s.Accrue(ctx, a)
	require.NoError(t, err)

	a.Entry.Amount = 1
	_, err = s.Accrue(ctx, a)
	assert.ErrorIs(t, err, model.ErrDailyCapExceeded)

	a.Day = day.Add(24 * time.Hour)
	_, err = s.Accrue(ctx, a)
	assert.NoError(t, err)
}

func TestClampedDebit(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, err := s.Accrue(ctx, credit("u1", 10_000))
	require.NoError(t, err)
	_, err = s.CreateClaim(ctx, model.ClaimRequest{AccountId: "u1", Amount: 7_000, WalletAddress: "0x1234567890abcdef1234567890abcdef12345678"})
	require.NoError(t, err)

	debit := storage.Accrual{
		Entry:            model.LedgerEntry{AccountId: "u1", ActionType: model.ActionNegativeInteraction, Amount: -5000},
		Day:              day,
		ClampToAvailable: true,
	}
	res, err := s.Accrue(ctx, debit)
	require.NoError(t, err)
	assert.Equal(t, int64(-3000), res.Entry.Amount)
	assert.Equal(t, int64(7000), res.NewBalance)

	_, err = s.Accrue(ctx, debit)
	assert.ErrorIs(t, err, model.ErrNothingToDeduct)
}

func TestClaimLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, err := s.Accrue(ctx, credit("u1", 200_000))
	require.NoError(t, err)

	wallet := model.WalletAddr("0x1234567890abcdef1234567890abcdef12345678")
	claim, err := s.CreateClaim(ctx, model.ClaimRequest{AccountId: "u1", Amount: 150_000, WalletAddress: wallet})
	require.NoError(t, err)
	assert.Equal(t, model.ClaimStatusPending, claim.Status)

	_, err = s.CreateClaim(ctx, model.ClaimRequest{AccountId: "u1", Amount: 100_000, WalletAddress: wallet})
	var insufficient *model.InsufficientBalanceError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, int64(50_000), insufficient.Available)

	approved, err := s.ApproveClaim(ctx, claim.Id, day)
	require.NoError(t, err)
	assert.Equal(t, model.ClaimStatusApproved, approved.Status)

	_, err = s.ApproveClaim(ctx, claim.Id, day)
	assert.ErrorIs(t, err, model.ErrConcurrentModification)

	require.NoError(t, s.RecordClaimTx(ctx, claim.Id, "0xabc"))
	require.NoError(t, s.RecordClaimTx(ctx, claim.Id, "0xabc"))
	assert.ErrorIs(t, s.RecordClaimTx(ctx, claim.Id, "0xdef"), model.ErrConcurrentModification)

	done, res, err := s.CompleteClaim(ctx, model.ClaimCompletion{
		ClaimId:     claim.Id,
		TxHash:      "0xabc",
		AdminNotes:  "Approved and sent by admin. Block: 1",
		ProcessedAt: day,
		Withdrawal:  model.LedgerEntry{Description: "withdrawal"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.ClaimStatusClaimed, done.Status)
	assert.Equal(t, int64(-150_000), res.Entry.Amount)
	assert.Equal(t, model.ActionWithdrawal, res.Entry.ActionType)
	assert.Equal(t, int64(50_000), res.NewBalance)

	_, _, err = s.CompleteClaim(ctx, model.ClaimCompletion{ClaimId: claim.Id, TxHash: "0xabc", ProcessedAt: day})
	assert.ErrorIs(t, err, model.ErrConcurrentModification)

	reserved, err := s.ReservedAmount(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, reserved)
}

func TestRejectIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, err := s.Accrue(ctx, credit("u1", 200_000))
	require.NoError(t, err)
	claim, err := s.CreateClaim(ctx, model.ClaimRequest{AccountId: "u1", Amount: 200_000, WalletAddress: "0x1234567890abcdef1234567890abcdef12345678"})
	require.NoError(t, err)

	_, err = s.RejectClaim(ctx, claim.Id, model.ClaimStatusApproved, "nope", day)
	assert.ErrorIs(t, err, model.ErrConcurrentModification)

	rejected, err := s.RejectClaim(ctx, claim.Id, model.ClaimStatusPending, "Rejected by admin", day)
	require.NoError(t, err)
	assert.Equal(t, model.ClaimStatusRejected, rejected.Status)
	require.NotNil(t, rejected.ProcessedAt)

	// rejection releases the reservation
	_, err = s.CreateClaim(ctx, model.ClaimRequest{AccountId: "u1", Amount: 200_000, WalletAddress: "0x1234567890abcdef1234567890abcdef12345678"})
	assert.NoError(t, err)
}

func TestListOrdering(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, err := s.Accrue(ctx, credit("u1", 300_000))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := s.CreateClaim(ctx, model.ClaimRequest{
			AccountId:     "u1",
			Amount:        100_000,
			WalletAddress: "0x1234567890abcdef1234567890abcdef12345678",
			CreatedAt:     day.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	pending := model.ClaimStatusPending
	queue, err := s.ListClaims(ctx, &pending, 2)
	require.NoError(t, err)
	require.Len(t, queue, 2)
	assert.True(t, queue[0].CreatedAt.Before(queue[1].CreatedAt))

	mine, err := s.ListClaimsByAccount(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, mine, 3)
	assert.True(t, mine[0].CreatedAt.After(mine[2].CreatedAt))
}
