package cashier

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/go-cmp/cmp"
	"github.com/onemorebsmith/camly-rewards/src/claims"
	"github.com/onemorebsmith/camly-rewards/src/model"
	"github.com/onemorebsmith/camly-rewards/src/storage"
	"github.com/onemorebsmith/camly-rewards/src/storage/memory"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	testAccount = "u1"
	testWallet  = "0x1234567890abcdef1234567890abcdef12345678"
)

type harness struct {
	ctx     context.Context
	store   *memory.Store
	claims  *claims.Manager
	chain   *MockChain
	cashier *Cashier
}

func testConfig() CashierConfig {
	cfg := DefaultCashierConfig()
	cfg.ReceiptPoll = time.Millisecond
	cfg.ConfirmTimeout = 50 * time.Millisecond
	cfg.RetryBackoff = 0
	cfg.MaxRetryBackoff = 0
	return cfg
}

func tokens(n int64) *big.Int {
	return ToChainUnits(n, 18)
}

func newHarness(t *testing.T, balance int64, treasury int64) *harness {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	_, err := store.Accrue(ctx, storage.Accrual{
		Entry:      model.LedgerEntry{AccountId: testAccount, ActionType: model.ActionSignup, Amount: balance},
		Day:        time.Now(),
		DefaultCap: balance,
	})
	if err != nil {
		t.Fatal(err)
	}
	manager := claims.NewManager(store, zap.NewNop())
	chain := NewMockChain(18, tokens(treasury))
	return &harness{
		ctx:     ctx,
		store:   store,
		claims:  manager,
		chain:   chain,
		cashier: NewCashier(chain, manager, testConfig(), zap.NewNop()),
	}
}

func (h *harness) approvedClaim(t *testing.T, amount int64) *model.ClaimRequest {
	t.Helper()
	claim, err := h.claims.Submit(h.ctx, testAccount, testWallet, amount)
	if err != nil {
		t.Fatal(err)
	}
	approved, err := h.claims.Approve(h.ctx, claim.Id)
	if err != nil {
		t.Fatal(err)
	}
	return approved
}

func (h *harness) balance(t *testing.T) int64 {
	t.Helper()
	acct, err := h.store.GetAccount(h.ctx, testAccount)
	if err != nil {
		t.Fatal(err)
	}
	return acct.Balance
}

func TestSettleHappyPath(t *testing.T) {
	h := newHarness(t, 500, 1000)
	claim := h.approvedClaim(t, 100)

	res, err := h.cashier.Settle(h.ctx, claim.Id)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeClaimed || res.Claim.Status != model.ClaimStatusClaimed {
		t.Fatalf("unexpected settlement %+v", res)
	}

	txs := h.chain.Transactions()
	if len(txs) != 1 {
		t.Fatalf("expected exactly one transfer, got %d", len(txs))
	}
	if txs[0].To != common.HexToAddress(testWallet) || txs[0].Amount.Cmp(tokens(100)) != 0 {
		t.Fatalf("unexpected transfer %+v", txs[0])
	}

	got, _ := h.claims.Get(h.ctx, claim.Id)
	if got.TxHash == nil || *got.TxHash != txs[0].Hash.Hex() {
		t.Fatalf("tx hash not persisted: %v", got.TxHash)
	}
	if d := cmp.Diff("Approved and sent by admin. Block: 1001", *got.AdminNotes); d != "" {
		t.Fatalf("admin notes mismatch: %s", d)
	}
	if h.balance(t) != 400 {
		t.Fatalf("expected balance 400 after withdrawal, got %d", h.balance(t))
	}

	history, _ := h.store.GetLedgerHistory(h.ctx, testAccount, 1)
	if len(history) != 1 || history[0].ActionType != model.ActionWithdrawal || history[0].Amount != -100 {
		t.Fatalf("expected withdrawal entry, got %+v", history)
	}
	if !strings.HasPrefix(history[0].Description, "Rút CAMLY thành công - TX: "+txs[0].Hash.Hex()[:20]) {
		t.Fatalf("unexpected withdrawal description %q", history[0].Description)
	}
	sum, _ := h.store.SumLedger(h.ctx, testAccount)
	if sum != h.balance(t) {
		t.Fatalf("ledger sum %d does not match balance %d", sum, h.balance(t))
	}
}

// Transfer goes out, the process dies before the receipt lands. On restart the recorded hash
// is checked instead of sending again.
func TestCrashAfterTxRecordedDoesNotResend(t *testing.T) {
	h := newHarness(t, 500, 1000)
	claim := h.approvedClaim(t, 100)
	h.chain.HoldReceipts = true

	_, err := h.cashier.Settle(h.ctx, claim.Id)
	if !errors.Is(err, model.ErrAwaitingConfirmation) {
		t.Fatalf("expected awaiting confirmation, got %v", err)
	}
	mid, _ := h.claims.Get(h.ctx, claim.Id)
	if mid.Status != model.ClaimStatusApproved || !mid.HasTx() {
		t.Fatalf("expected approved claim with recorded hash, got %+v", mid)
	}
	if h.balance(t) != 500 {
		t.Fatalf("balance must not move before confirmation, got %d", h.balance(t))
	}

	h.chain.Mine()
	restarted := NewCashier(h.chain, h.claims, testConfig(), zap.NewNop())
	res, err := restarted.Settle(h.ctx, claim.Id)
	if err != nil {
		t.Fatal(err)
	}
	if res.Claim.Status != model.ClaimStatusClaimed || res.TxHash != *mid.TxHash {
		t.Fatalf("unexpected settlement after restart %+v", res)
	}
	if n := len(h.chain.Transactions()); n != 1 {
		t.Fatalf("restart must not transfer again, saw %d transfers", n)
	}
	if h.balance(t) != 400 {
		t.Fatalf("expected balance 400, got %d", h.balance(t))
	}

	// settling a claimed claim is a no-op
	again, err := restarted.Settle(h.ctx, claim.Id)
	if err != nil || again.Outcome != OutcomeNoop {
		t.Fatalf("expected no-op, got %+v %v", again, err)
	}
	if h.balance(t) != 400 {
		t.Fatalf("second settle moved the balance to %d", h.balance(t))
	}
}

func TestInsufficientTreasuryKeepsClaimApproved(t *testing.T) {
	h := newHarness(t, 500, 50)
	claim := h.approvedClaim(t, 100)

	_, err := h.cashier.Settle(h.ctx, claim.Id)
	if !errors.Is(err, model.ErrInsufficientTreasury) {
		t.Fatalf("expected insufficient treasury, got %v", err)
	}
	got, _ := h.claims.Get(h.ctx, claim.Id)
	if got.Status != model.ClaimStatusApproved || got.HasTx() {
		t.Fatalf("claim should stay approved without a hash, got %+v", got)
	}
	if got.AdminNotes == nil || !strings.Contains(*got.AdminNotes, "Insufficient treasury") {
		t.Fatalf("expected treasury note, got %v", got.AdminNotes)
	}
	if len(h.chain.Transactions()) != 0 {
		t.Fatal("no transfer should be attempted")
	}
}

func TestSettlePendingIsNoop(t *testing.T) {
	h := newHarness(t, 500, 1000)
	claim, err := h.claims.Submit(h.ctx, testAccount, testWallet, 100)
	if err != nil {
		t.Fatal(err)
	}
	res, err := h.cashier.Settle(h.ctx, claim.Id)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeNoop || len(h.chain.Transactions()) != 0 {
		t.Fatalf("pending claim must not be paid: %+v", res)
	}
}

func TestRevertedTransferRejectsClaim(t *testing.T) {
	h := newHarness(t, 500, 1000)
	claim := h.approvedClaim(t, 100)
	h.chain.RevertNext = true

	res, err := h.cashier.Settle(h.ctx, claim.Id)
	if !errors.Is(err, model.ErrTransferReverted) {
		t.Fatalf("expected reverted transfer, got %v", err)
	}
	if res.Claim.Status != model.ClaimStatusRejected {
		t.Fatalf("expected rejected claim, got %s", res.Claim.Status)
	}
	if h.balance(t) != 500 {
		t.Fatalf("reverted transfer must not debit, balance %d", h.balance(t))
	}
	reserved, _ := h.store.ReservedAmount(h.ctx, testAccount)
	if reserved != 0 {
		t.Fatalf("rejected claim still reserves %d", reserved)
	}
}

func TestUncertainBroadcastResolvesByReceipt(t *testing.T) {
	h := newHarness(t, 500, 1000)
	claim := h.approvedClaim(t, 100)
	h.chain.UncertainNext = true
	h.chain.HoldReceipts = true

	_, err := h.cashier.Settle(h.ctx, claim.Id)
	if !errors.Is(err, model.ErrAwaitingConfirmation) {
		t.Fatalf("expected awaiting confirmation, got %v", err)
	}
	got, _ := h.claims.Get(h.ctx, claim.Id)
	if !got.HasTx() {
		t.Fatal("uncertain broadcast must still record the hash")
	}

	h.chain.Mine()
	if _, err := h.cashier.Settle(h.ctx, claim.Id); err != nil {
		t.Fatal(err)
	}
	if n := len(h.chain.Transactions()); n != 1 {
		t.Fatalf("expected one transfer, got %d", n)
	}
}

func TestConcurrentSettleSendsOnce(t *testing.T) {
	h := newHarness(t, 500, 1000)
	claim := h.approvedClaim(t, 100)

	start := make(chan struct{})
	wg := sync.WaitGroup{}
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = h.cashier.Settle(h.ctx, claim.Id)
		}(i)
	}
	close(start)
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			t.Fatalf("unexpected settle error %v", err)
		}
	}
	if n := len(h.chain.Transactions()); n != 1 {
		t.Fatalf("expected one transfer, got %d", n)
	}
	if h.balance(t) != 400 {
		t.Fatalf("expected a single withdrawal, balance %d", h.balance(t))
	}
}

func TestTransferErrorLeavesClaimApproved(t *testing.T) {
	h := newHarness(t, 500, 1000)
	claim := h.approvedClaim(t, 100)
	h.chain.TransferErr = errors.Wrap(model.ErrRPCTransient, "send_transaction: max retries exceeded")

	_, err := h.cashier.Settle(h.ctx, claim.Id)
	if !errors.Is(err, model.ErrRPCTransient) {
		t.Fatalf("expected transient rpc error, got %v", err)
	}
	got, _ := h.claims.Get(h.ctx, claim.Id)
	if got.Status != model.ClaimStatusApproved || got.HasTx() {
		t.Fatalf("claim should be untouched, got %+v", got)
	}
}

func TestPipelineSettlesAndFlags(t *testing.T) {
	h := newHarness(t, 500, 1000)
	cfg := testConfig()
	cfg.MaxAttempts = 2
	h.cashier = NewCashier(h.chain, h.claims, cfg, zap.NewNop())

	good := h.approvedClaim(t, 100)
	h.cashier.DoPipelineOnce(h.ctx)
	got, _ := h.claims.Get(h.ctx, good.Id)
	if got.Status != model.ClaimStatusClaimed {
		t.Fatalf("pipeline should settle approved claims, got %s", got.Status)
	}

	bad := h.approvedClaim(t, 100)
	h.chain.TransferErr = errors.New("insufficient funds for gas * price + value")
	for i := 0; i < 4; i++ {
		h.cashier.DoPipelineOnce(h.ctx)
	}
	got, _ = h.claims.Get(h.ctx, bad.Id)
	if got.Status != model.ClaimStatusApproved {
		t.Fatalf("flagged claim must stay approved, got %s", got.Status)
	}
	if got.AdminNotes == nil || !strings.HasPrefix(*got.AdminNotes, "Needs operator attention after 2") {
		t.Fatalf("expected operator note, got %v", got.AdminNotes)
	}
}

// flakyTxStore loses the first RecordClaimTx writes, as if the database dropped the connection
// right after the transfer went out
type flakyTxStore struct {
	*memory.Store
	mu       sync.Mutex
	failures int
}

func (s *flakyTxStore) RecordClaimTx(ctx context.Context, claimId string, txHash string) error {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return errors.New("write tcp 10.0.0.2:5432: connection reset by peer")
	}
	s.mu.Unlock()
	return s.Store.RecordClaimTx(ctx, claimId, txHash)
}

func TestUnsavedTxHashIsNeverResent(t *testing.T) {
	h := newHarness(t, 500, 1000)
	h.claims = claims.NewManager(&flakyTxStore{Store: h.store, failures: 1}, zap.NewNop())
	h.cashier = NewCashier(h.chain, h.claims, testConfig(), zap.NewNop())
	claim := h.approvedClaim(t, 100)

	h.cashier.DoPipelineOnce(h.ctx)
	txs := h.chain.Transactions()
	if len(txs) != 1 {
		t.Fatalf("expected one transfer, got %d", len(txs))
	}
	mid, _ := h.claims.Get(h.ctx, claim.Id)
	if mid.Status != model.ClaimStatusApproved || mid.HasTx() {
		t.Fatalf("expected approved claim without a saved hash, got %+v", mid)
	}
	expectedNotes := "Needs operator attention: transfer " + txs[0].Hash.Hex() + " sent but tx hash not recorded"
	if mid.AdminNotes == nil || *mid.AdminNotes != expectedNotes {
		t.Fatalf("expected operator note, got %v", mid.AdminNotes)
	}

	h.cashier.DoPipelineOnce(h.ctx)
	if n := len(h.chain.Transactions()); n != 1 {
		t.Fatalf("hash was known, transfer must not be sent again, saw %d", n)
	}
	got, _ := h.claims.Get(h.ctx, claim.Id)
	if got.Status != model.ClaimStatusClaimed || got.TxHash == nil || *got.TxHash != txs[0].Hash.Hex() {
		t.Fatalf("expected claim settled with the first hash, got %+v", got)
	}
	if h.balance(t) != 400 {
		t.Fatalf("expected balance 400, got %d", h.balance(t))
	}
}

func TestUnminedTransferIsFlagged(t *testing.T) {
	h := newHarness(t, 500, 1000)
	cfg := testConfig()
	cfg.ConfirmTimeout = 5 * time.Millisecond
	cfg.MaxAttempts = 2
	cfg.MaxConfirmChecks = 3
	h.cashier = NewCashier(h.chain, h.claims, cfg, zap.NewNop())
	h.chain.HoldReceipts = true
	claim := h.approvedClaim(t, 100)

	for i := 0; i < 6; i++ {
		h.cashier.DoPipelineOnce(h.ctx)
	}
	txs := h.chain.Transactions()
	if len(txs) != 1 {
		t.Fatalf("expected one transfer, got %d", len(txs))
	}
	got, _ := h.claims.Get(h.ctx, claim.Id)
	if got.Status != model.ClaimStatusApproved {
		t.Fatalf("unmined claim must stay approved, got %s", got.Status)
	}
	expectedNotes := "Needs operator attention: tx " + txs[0].Hash.Hex() + " unconfirmed after 3 checks"
	if got.AdminNotes == nil || *got.AdminNotes != expectedNotes {
		t.Fatalf("expected unconfirmed note, got %v", got.AdminNotes)
	}

	// flagged claims keep being checked
	h.chain.Mine()
	h.cashier.DoPipelineOnce(h.ctx)
	got, _ = h.claims.Get(h.ctx, claim.Id)
	if got.Status != model.ClaimStatusClaimed {
		t.Fatalf("expected claim settled once mined, got %s", got.Status)
	}
	if n := len(h.chain.Transactions()); n != 1 {
		t.Fatalf("expected one transfer, got %d", n)
	}
}

func TestTreasuryStatus(t *testing.T) {
	h := newHarness(t, 500, 1234)
	status, err := h.cashier.Treasury(h.ctx)
	if err != nil {
		t.Fatal(err)
	}
	expected := &TreasuryStatus{Decimals: 18, Balance: tokens(1234).String(), Formatted: "1234"}
	if d := cmp.Diff(expected, status); d != "" {
		t.Fatalf("treasury status mismatch: %s", d)
	}
}

func TestUnits(t *testing.T) {
	if ToChainUnits(5, 2).Int64() != 500 {
		t.Fatalf("expected 500, got %s", ToChainUnits(5, 2))
	}
	if d := cmp.Diff("1.5", FormatTokens(big.NewInt(1500), 3)); d != "" {
		t.Fatal(d)
	}
	if ToChainUnits(5_000_000, 18).String() != "5000000000000000000000000" {
		t.Fatalf("unexpected scale %s", ToChainUnits(5_000_000, 18))
	}
}
