package model

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrValidation             = errors.New("validation failed")
	ErrInsufficientBalance    = errors.New("insufficient available balance")
	ErrDailyCapExceeded       = errors.New("daily reward cap exceeded")
	ErrConcurrentModification = errors.New("claim was modified concurrently")
	ErrRPCTransient           = errors.New("transient rpc failure")
	ErrInsufficientTreasury   = errors.New("insufficient token balance in treasury")
	ErrSettlementPersistence  = errors.New("transfer went out but its settlement was not persisted")
	ErrAwaitingConfirmation   = errors.New("transfer submitted, awaiting confirmation")
	ErrTransferReverted       = errors.New("transfer reverted on chain")
	ErrNothingToDeduct        = errors.New("no available balance to deduct from")

	ErrClaimNotFound   = errors.New("claim not found")
	ErrAccountNotFound = errors.New("account not found")
)

// ValidationError - malformed input, nothing was persisted
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// InsufficientBalanceError - requested more than balance minus reserved claims
type InsufficientBalanceError struct {
	AccountId string
	Requested int64
	Available int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for account %s: requested %d, available %d",
		e.AccountId, e.Requested, e.Available)
}

func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

// StatusConflictError - a compare-and-set on claim status lost, caller should re-fetch
type StatusConflictError struct {
	ClaimId  string
	Expected ClaimStatus
	Actual   ClaimStatus
}

func (e *StatusConflictError) Error() string {
	return fmt.Sprintf("claim %s is %s, expected %s", e.ClaimId, e.Actual, e.Expected)
}

func (e *StatusConflictError) Is(target error) bool {
	return target == ErrConcurrentModification
}
