package model

import (
	"regexp"
	"strings"
	"time"
)

type ClaimStatus string

const ( // needs to match `claim_status` in pg
	ClaimStatusPending  ClaimStatus = "pending"
	ClaimStatusApproved ClaimStatus = "approved"
	ClaimStatusRejected ClaimStatus = "rejected"
	ClaimStatusClaimed  ClaimStatus = "claimed"
)

func (s ClaimStatus) Valid() bool {
	switch s {
	case ClaimStatusPending, ClaimStatusApproved, ClaimStatusRejected, ClaimStatusClaimed:
		return true
	}
	return false
}

func (s ClaimStatus) Terminal() bool {
	return s == ClaimStatusRejected || s == ClaimStatusClaimed
}

// Reserved statuses hold balance that can't be claimed again
func (s ClaimStatus) Reserved() bool {
	return s == ClaimStatusPending || s == ClaimStatusApproved
}

// WalletAddr - an EVM style address, `0x` + 40 hex chars
type WalletAddr string

var walletRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

func (w WalletAddr) Valid() bool {
	return walletRegex.MatchString(string(w))
}

func ParseWalletAddr(raw string) (WalletAddr, error) {
	addr := WalletAddr(strings.TrimSpace(raw))
	if !addr.Valid() {
		return "", &ValidationError{Field: "wallet_address", Reason: "expected 0x followed by 40 hex characters"}
	}
	return addr, nil
}

type ClaimRequest struct {
	Id            string      `json:"id"`
	AccountId     string      `json:"account_id"`
	WalletAddress WalletAddr  `json:"wallet_address"`
	Amount        int64       `json:"amount"`
	Status        ClaimStatus `json:"status"`
	TxHash        *string     `json:"tx_hash"`
	CreatedAt     time.Time   `json:"created_at"`
	ProcessedAt   *time.Time  `json:"processed_at"`
	AdminNotes    *string     `json:"admin_notes"`
}

func (c *ClaimRequest) HasTx() bool {
	return c.TxHash != nil && *c.TxHash != ""
}

func (c *ClaimRequest) Clone() *ClaimRequest {
	if c == nil {
		return nil
	}
	out := *c
	if c.TxHash != nil {
		h := *c.TxHash
		out.TxHash = &h
	}
	if c.ProcessedAt != nil {
		p := *c.ProcessedAt
		out.ProcessedAt = &p
	}
	if c.AdminNotes != nil {
		n := *c.AdminNotes
		out.AdminNotes = &n
	}
	return &out
}

// ClaimCompletion - everything that lands in a single transaction once a transfer confirms
type ClaimCompletion struct {
	ClaimId     string
	TxHash      string
	AdminNotes  string
	ProcessedAt time.Time
	Withdrawal  LedgerEntry
}
