package model

import "time"

type ChangeTable string
type ChangeOperation string

const (
	TableAccounts      ChangeTable = "accounts"
	TableLedgerEntries ChangeTable = "ledger_entries"
	TableRewardClaims  ChangeTable = "reward_claims"
)

const (
	OperationInsert ChangeOperation = "INSERT"
	OperationUpdate ChangeOperation = "UPDATE"
)

// ChangeEvent - one change to a watched table. Exactly one of the typed payloads is set,
// selected by Table.
type ChangeEvent struct {
	Table     ChangeTable     `json:"table"`
	Operation ChangeOperation `json:"operation"`
	AccountId string          `json:"account_id"`
	At        time.Time       `json:"at"`

	Account *AccountChange `json:"account,omitempty"`
	Ledger  *LedgerChange  `json:"ledger,omitempty"`
	Claim   *ClaimChange   `json:"claim,omitempty"`
}

type AccountChange struct {
	BalanceBefore int64 `json:"balance_before"`
	BalanceAfter  int64 `json:"balance_after"`
}

// ledger entries are insert only so there's never a before
type LedgerChange struct {
	After *LedgerEntry `json:"after"`
}

type ClaimChange struct {
	Before *ClaimRequest `json:"before,omitempty"`
	After  *ClaimRequest `json:"after"`
}

func NewLedgerEvent(entry *LedgerEntry) ChangeEvent {
	return ChangeEvent{
		Table:     TableLedgerEntries,
		Operation: OperationInsert,
		AccountId: entry.AccountId,
		At:        entry.CreatedAt,
		Ledger:    &LedgerChange{After: entry},
	}
}

func NewBalanceEvent(accountId string, before, after int64, at time.Time) ChangeEvent {
	return ChangeEvent{
		Table:     TableAccounts,
		Operation: OperationUpdate,
		AccountId: accountId,
		At:        at,
		Account:   &AccountChange{BalanceBefore: before, BalanceAfter: after},
	}
}

func NewClaimEvent(before, after *ClaimRequest, at time.Time) ChangeEvent {
	op := OperationUpdate
	if before == nil {
		op = OperationInsert
	}
	return ChangeEvent{
		Table:     TableRewardClaims,
		Operation: op,
		AccountId: after.AccountId,
		At:        at,
		Claim:     &ClaimChange{Before: before, After: after},
	}
}
