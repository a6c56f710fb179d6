package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/onemorebsmith/camly-rewards/src/claims"
	"github.com/onemorebsmith/camly-rewards/src/feed"
	"github.com/onemorebsmith/camly-rewards/src/ledger"
	"github.com/onemorebsmith/camly-rewards/src/model"
	"go.uber.org/zap"
)

type Subscriber interface {
	Subscribe(ctx context.Context, accountId string) (<-chan model.ChangeEvent, error)
}

type Ranking interface {
	Top(ctx context.Context, n int64) ([]feed.LeaderboardEntry, error)
	Rank(ctx context.Context, accountId string) (int64, error)
}

const defaultLeaderboardSize = 10

type UserHandler struct {
	engine      *ledger.Engine
	claims      *claims.Manager
	events      Subscriber // nil without redis
	leaderboard Ranking    // nil without redis
	logger      *zap.Logger
	keepAlive   time.Duration
}

func NewUserHandler(engine *ledger.Engine, manager *claims.Manager, events Subscriber, leaderboard Ranking, logger *zap.Logger) *UserHandler {
	return &UserHandler{
		engine:      engine,
		claims:      manager,
		events:      events,
		leaderboard: leaderboard,
		logger:      logger.With(zap.String("component", "user_api")),
		keepAlive:   15 * time.Second,
	}
}

func NewUserRouter(h *UserHandler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(h.logger))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/rewards/today", h.getToday)
		r.Get("/leaderboard", h.getLeaderboard)
		r.Post("/classify", h.classify)
		r.Group(func(r chi.Router) {
			r.Use(accountMiddleware)
			r.Get("/me/balance", h.getBalance)
			r.Get("/me/history", h.getHistory)
			r.Get("/me/claims", h.listClaims)
			r.Post("/me/claims", h.submitClaim)
			r.Post("/me/messages", h.rewardMessage)
			r.Post("/me/actions", h.awardAction)
			r.Get("/me/events", h.streamEvents)
		})
	})
	return r
}

type balanceResponse struct {
	AccountId     string `json:"account_id"`
	Balance       int64  `json:"balance"`
	PendingClaims int64  `json:"pending_claims"`
	Available     int64  `json:"available"`
	Rank          int64  `json:"rank,omitempty"`
}

func (h *UserHandler) getBalance(w http.ResponseWriter, r *http.Request) {
	accountId := accountFromContext(r.Context())
	balance, err := h.engine.GetBalance(r.Context(), accountId)
	if err != nil {
		writeError(w, err)
		return
	}
	pending, err := h.engine.GetPendingClaimsAmount(r.Context(), accountId)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := balanceResponse{AccountId: accountId, Balance: balance, PendingClaims: pending}
	if balance > pending {
		resp.Available = balance - pending
	}
	if h.leaderboard != nil {
		if rank, err := h.leaderboard.Rank(r.Context(), accountId); err == nil {
			resp.Rank = rank
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *UserHandler) getHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := h.engine.GetLedgerHistory(r.Context(), accountFromContext(r.Context()), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *UserHandler) listClaims(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, err)
		return
	}
	list, err := h.claims.ListByAccount(r.Context(), accountFromContext(r.Context()), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type submitClaimRequest struct {
	WalletAddress string `json:"wallet_address"`
	Amount        int64  `json:"amount"`
}

func (h *UserHandler) submitClaim(w http.ResponseWriter, r *http.Request) {
	var req submitClaimRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	claim, err := h.claims.Submit(r.Context(), accountFromContext(r.Context()), req.WalletAddress, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, claim)
}

type messageRequest struct {
	Text string `json:"text"`
}

func (h *UserHandler) rewardMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.engine.RewardForMessage(r.Context(), accountFromContext(r.Context()), req.Text)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *UserHandler) classify(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.engine.Classify(req.Text))
}

type actionRequest struct {
	ActionType  model.ActionType `json:"action_type"`
	Description string           `json:"description"`
}

// awardAction pays table amounts only, message rewards go through /me/messages
func (h *UserHandler) awardAction(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	switch req.ActionType {
	case model.ActionPositiveInteraction, model.ActionNegativeInteraction, model.ActionWithdrawal:
		writeError(w, &model.ValidationError{Field: "action_type", Reason: fmt.Sprintf("%s cannot be awarded directly", req.ActionType)})
		return
	}
	entry, err := h.engine.AwardAction(r.Context(), accountFromContext(r.Context()), req.ActionType, req.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (h *UserHandler) getToday(w http.ResponseWriter, r *http.Request) {
	today, err := h.engine.Today(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		*model.DailyRewardLimit
		Remaining int64 `json:"remaining"`
	}{today, today.Remaining()})
}

func (h *UserHandler) getLeaderboard(w http.ResponseWriter, r *http.Request) {
	if h.leaderboard == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Code: "unavailable", Message: "leaderboard is disabled"})
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if limit == 0 {
		limit = defaultLeaderboardSize
	}
	top, err := h.leaderboard.Top(r.Context(), int64(limit))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, top)
}

// streamEvents relays the account's change feed as server-sent events
func (h *UserHandler) streamEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Code: "unavailable", Message: "event stream is disabled"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody{Code: "internal", Message: "streaming unsupported"})
		return
	}
	accountId := accountFromContext(r.Context())
	events, err := h.events.Subscribe(r.Context(), accountId)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("failed encoding change event", zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Table, data)
			flusher.Flush()
		}
	}
}
