package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/onemorebsmith/camly-rewards/src/cashier"
	"github.com/onemorebsmith/camly-rewards/src/claims"
	"github.com/onemorebsmith/camly-rewards/src/model"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Settler interface {
	Settle(ctx context.Context, claimId string) (*cashier.Settlement, error)
	Treasury(ctx context.Context) (*cashier.TreasuryStatus, error)
}

var _ Settler = (*cashier.Cashier)(nil)

type AdminHandler struct {
	claims  *claims.Manager
	settler Settler
	logger  *zap.Logger
}

func NewAdminHandler(manager *claims.Manager, settler Settler, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		claims:  manager,
		settler: settler,
		logger:  logger.With(zap.String("component", "admin_api")),
	}
}

func NewAdminRouter(h *AdminHandler, token string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(h.logger))

	r.Route("/admin/v1", func(r chi.Router) {
		r.Use(adminMiddleware(token))
		r.Get("/claims", h.listClaims)
		r.Get("/claims/{claim_id}", h.getClaim)
		r.Post("/claims/{claim_id}/approve", h.approveClaim)
		r.Post("/claims/{claim_id}/settle", h.settleClaim)
		r.Post("/claims/{claim_id}/reject", h.rejectClaim)
		r.Get("/treasury", h.getTreasury)
	})
	return r
}

func (h *AdminHandler) listClaims(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var status *model.ClaimStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		s := model.ClaimStatus(raw)
		status = &s
	}
	list, err := h.claims.List(r.Context(), status, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *AdminHandler) getClaim(w http.ResponseWriter, r *http.Request) {
	claim, err := h.claims.Get(r.Context(), chi.URLParam(r, "claim_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

// approveClaim approves then pays out in the same request. A failed payout leaves the claim
// approved for the pipeline, an unconfirmed one answers 202 with the hash.
func (h *AdminHandler) approveClaim(w http.ResponseWriter, r *http.Request) {
	claimId := chi.URLParam(r, "claim_id")
	if _, err := h.claims.Approve(r.Context(), claimId); err != nil {
		writeError(w, err)
		return
	}
	h.settle(w, r, claimId)
}

func (h *AdminHandler) settleClaim(w http.ResponseWriter, r *http.Request) {
	h.settle(w, r, chi.URLParam(r, "claim_id"))
}

func (h *AdminHandler) settle(w http.ResponseWriter, r *http.Request, claimId string) {
	res, err := h.settler.Settle(r.Context(), claimId)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, model.ErrAwaitingConfirmation) && res != nil:
		writeJSON(w, http.StatusAccepted, res)
	default:
		h.logger.Warn("settlement failed", zap.String("claim_id", claimId), zap.Error(err))
		writeError(w, err)
	}
}

type rejectRequest struct {
	Notes string `json:"notes"`
}

func (h *AdminHandler) rejectClaim(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	claim, err := h.claims.Reject(r.Context(), chi.URLParam(r, "claim_id"), req.Notes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

func (h *AdminHandler) getTreasury(w http.ResponseWriter, r *http.Request) {
	status, err := h.settler.Treasury(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}
