package model

import (
	"time"
)

type ActionType string

const ( // needs to match `reward_action_type` in pg
	ActionSignup              ActionType = "signup"
	ActionLogin               ActionType = "login"
	ActionConnectWallet       ActionType = "connect_wallet"
	ActionPositiveInteraction ActionType = "positive_interaction"
	ActionNegativeInteraction ActionType = "negative_interaction"
	ActionReferral            ActionType = "referral"
	ActionDailyBonus          ActionType = "daily_bonus"
	ActionWithdrawal          ActionType = "withdrawal"
)

var AllActionTypes = []ActionType{
	ActionSignup, ActionLogin, ActionConnectWallet, ActionPositiveInteraction,
	ActionNegativeInteraction, ActionReferral, ActionDailyBonus, ActionWithdrawal,
}

func (a ActionType) Valid() bool {
	for _, v := range AllActionTypes {
		if v == a {
			return true
		}
	}
	return false
}

type Account struct {
	Id        string    `json:"id"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
}

// LedgerEntry - a single balance affecting event. Never updated once written, the sum of
// all entries for an account is that account's balance.
type LedgerEntry struct {
	Id          string     `json:"id"`
	AccountId   string     `json:"account_id"`
	ActionType  ActionType `json:"action_type"`
	Amount      int64      `json:"amount"`
	Description string     `json:"description"`
	CreatedAt   time.Time  `json:"created_at"`
}

type DailyRewardLimit struct {
	Date             time.Time `json:"date"`
	TotalDistributed int64     `json:"total_distributed"`
	Cap              int64     `json:"cap"`
}

func (d *DailyRewardLimit) Remaining() int64 {
	if d.TotalDistributed >= d.Cap {
		return 0
	}
	return d.Cap - d.TotalDistributed
}

// LedgerDay truncates to the UTC calendar date used to key daily limits
func LedgerDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// AccrualResult is what the store hands back after a committed accrual
type AccrualResult struct {
	Entry      *LedgerEntry
	NewBalance int64
}
