package api

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/onemorebsmith/camly-rewards/src/cashier"
	"github.com/onemorebsmith/camly-rewards/src/claims"
	"github.com/onemorebsmith/camly-rewards/src/feed"
	"github.com/onemorebsmith/camly-rewards/src/ledger"
	"github.com/onemorebsmith/camly-rewards/src/model"
	"github.com/onemorebsmith/camly-rewards/src/storage/memory"
	"go.uber.org/zap"
)

const (
	adminToken = "s3cret"
	wallet     = "0x1234567890abcdef1234567890abcdef12345678"
)

type fakeEvents struct {
	events []model.ChangeEvent
}

func (f *fakeEvents) Subscribe(ctx context.Context, accountId string) (<-chan model.ChangeEvent, error) {
	ch := make(chan model.ChangeEvent, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

type fakeRanking struct{}

func (fakeRanking) Top(ctx context.Context, n int64) ([]feed.LeaderboardEntry, error) {
	return []feed.LeaderboardEntry{{Rank: 1, AccountId: "u1", Balance: 50000}}, nil
}

func (fakeRanking) Rank(ctx context.Context, accountId string) (int64, error) {
	return 1, nil
}

type testServer struct {
	user  http.Handler
	admin http.Handler
	chain *cashier.MockChain
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := memory.New()
	engine := ledger.NewEngine(store, ledger.DefaultConfig(), zap.NewNop())
	manager := claims.NewManager(store, zap.NewNop())
	chain := cashier.NewMockChain(18, cashier.ToChainUnits(1_000_000, 18))
	cfg := cashier.DefaultCashierConfig()
	cfg.ReceiptPoll = time.Millisecond
	cfg.ConfirmTimeout = 50 * time.Millisecond
	settler := cashier.NewCashier(chain, manager, cfg, zap.NewNop())

	events := &fakeEvents{events: []model.ChangeEvent{
		model.NewBalanceEvent("u1", 0, 50000, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
	}}
	return &testServer{
		user:  NewUserRouter(NewUserHandler(engine, manager, events, fakeRanking{}, zap.NewNop())),
		admin: NewAdminRouter(NewAdminHandler(manager, settler, zap.NewNop()), adminToken),
		chain: chain,
	}
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

var asUser = map[string]string{AccountHeader: "u1"}
var asAdmin = map[string]string{"Authorization": "Bearer " + adminToken}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(out); err != nil {
		t.Fatalf("failed decoding %q: %v", rec.Body.String(), err)
	}
}

func TestUserRequiresAccount(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s.user, http.MethodGet, "/api/v1/me/balance", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAwardAndBalance(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s.user, http.MethodPost, "/api/v1/me/actions", actionRequest{ActionType: model.ActionLogin}, asUser)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	entry := model.LedgerEntry{}
	decode(t, rec, &entry)
	if entry.Amount != 50000 || entry.Description != "Phần thưởng đăng nhập hàng ngày" {
		t.Fatalf("unexpected entry %+v", entry)
	}

	rec = do(t, s.user, http.MethodGet, "/api/v1/me/balance", nil, asUser)
	got := balanceResponse{}
	decode(t, rec, &got)
	expected := balanceResponse{AccountId: "u1", Balance: 50000, Available: 50000, Rank: 1}
	if d := cmp.Diff(expected, got); d != "" {
		t.Fatalf("balance mismatch: %s", d)
	}
}

func TestAwardActionRejectsMessageTypes(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s.user, http.MethodPost, "/api/v1/me/actions", actionRequest{ActionType: model.ActionWithdrawal}, asUser)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	body := errorBody{}
	decode(t, rec, &body)
	if body.Field != "action_type" {
		t.Fatalf("expected action_type field, got %+v", body)
	}
}

func TestMessageReward(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s.user, http.MethodPost, "/api/v1/me/messages", messageRequest{Text: "hello there"}, asUser)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	res := ledger.MessageReward{}
	decode(t, rec, &res)
	if res.Skipped != "neutral" || res.Entry != nil {
		t.Fatalf("neutral message should not award: %+v", res)
	}
}

func TestClassifyReportsMatchCount(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s.user, http.MethodPost, "/api/v1/classify", messageRequest{Text: "cảm ơn vì ánh sáng"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	res := map[string]interface{}{}
	decode(t, rec, &res)
	if res["classification"] != "positive" || res["match_count"] != float64(2) {
		t.Fatalf("unexpected classification %v", res)
	}
}

func TestClaimOverBalance(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s.user, http.MethodPost, "/api/v1/me/claims", submitClaimRequest{WalletAddress: wallet, Amount: 10}, asUser)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	body := errorBody{}
	decode(t, rec, &body)
	if body.Code != "insufficient_balance" {
		t.Fatalf("unexpected error code %q", body.Code)
	}
}

func TestClaimApproveFlow(t *testing.T) {
	s := newTestServer(t)
	do(t, s.user, http.MethodPost, "/api/v1/me/actions", actionRequest{ActionType: model.ActionSignup}, asUser)

	rec := do(t, s.user, http.MethodPost, "/api/v1/me/claims", submitClaimRequest{WalletAddress: wallet, Amount: 20000}, asUser)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	claim := model.ClaimRequest{}
	decode(t, rec, &claim)

	if rec := do(t, s.admin, http.MethodGet, "/admin/v1/claims?status=pending", nil, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("admin routes need a token, got %d", rec.Code)
	}
	rec = do(t, s.admin, http.MethodGet, "/admin/v1/claims?status=pending", nil, asAdmin)
	pending := []*model.ClaimRequest{}
	decode(t, rec, &pending)
	if len(pending) != 1 || pending[0].Id != claim.Id {
		t.Fatalf("expected the submitted claim, got %+v", pending)
	}

	rec = do(t, s.admin, http.MethodPost, "/admin/v1/claims/"+claim.Id+"/approve", nil, asAdmin)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	res := cashier.Settlement{}
	decode(t, rec, &res)
	if res.Outcome != cashier.OutcomeClaimed || res.TxHash == "" {
		t.Fatalf("unexpected settlement %+v", res)
	}
	txs := s.chain.Transactions()
	if len(txs) != 1 || txs[0].Amount.Cmp(new(big.Int).Mul(big.NewInt(20000), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))) != 0 {
		t.Fatalf("unexpected transfers %+v", txs)
	}

	rec = do(t, s.user, http.MethodGet, "/api/v1/me/balance", nil, asUser)
	bal := balanceResponse{}
	decode(t, rec, &bal)
	if bal.Balance != 30000 || bal.PendingClaims != 0 {
		t.Fatalf("unexpected balance after withdrawal %+v", bal)
	}

	// approving twice loses the compare-and-set
	rec = do(t, s.admin, http.MethodPost, "/admin/v1/claims/"+claim.Id+"/approve", nil, asAdmin)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on second approve, got %d", rec.Code)
	}
}

func TestRejectClaim(t *testing.T) {
	s := newTestServer(t)
	do(t, s.user, http.MethodPost, "/api/v1/me/actions", actionRequest{ActionType: model.ActionSignup}, asUser)
	rec := do(t, s.user, http.MethodPost, "/api/v1/me/claims", submitClaimRequest{WalletAddress: wallet, Amount: 100}, asUser)
	claim := model.ClaimRequest{}
	decode(t, rec, &claim)

	rec = do(t, s.admin, http.MethodPost, "/admin/v1/claims/"+claim.Id+"/reject", nil, asAdmin)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rejected := model.ClaimRequest{}
	decode(t, rec, &rejected)
	if rejected.Status != model.ClaimStatusRejected || *rejected.AdminNotes != claims.DefaultRejectNotes {
		t.Fatalf("unexpected rejected claim %+v", rejected)
	}
	if len(s.chain.Transactions()) != 0 {
		t.Fatal("reject must not transfer")
	}
}

func TestInvalidClaimId(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s.admin, http.MethodPost, "/admin/v1/claims/not-a-uuid/approve", nil, asAdmin)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestTreasury(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s.admin, http.MethodGet, "/admin/v1/treasury", nil, asAdmin)
	status := cashier.TreasuryStatus{}
	decode(t, rec, &status)
	if status.Formatted != "1000000" || status.Decimals != 18 {
		t.Fatalf("unexpected treasury %+v", status)
	}
}

func TestLeaderboardAndToday(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s.user, http.MethodGet, "/api/v1/leaderboard?limit=5", nil, nil)
	top := []feed.LeaderboardEntry{}
	decode(t, rec, &top)
	if len(top) != 1 || top[0].AccountId != "u1" {
		t.Fatalf("unexpected leaderboard %+v", top)
	}

	rec = do(t, s.user, http.MethodGet, "/api/v1/rewards/today", nil, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"remaining":5000000`) {
		t.Fatalf("unexpected today response %d %s", rec.Code, rec.Body.String())
	}

	if rec := do(t, s.user, http.MethodGet, "/api/v1/leaderboard?limit=-1", nil, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a negative limit, got %d", rec.Code)
	}
}

func TestEventStream(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s.user, http.MethodGet, "/api/v1/me/events", nil, asUser)
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: accounts\n") || !strings.Contains(body, `"balance_after":50000`) {
		t.Fatalf("unexpected stream %q", body)
	}
}
