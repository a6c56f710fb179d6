// Package api serves the user facing reward API and the admin claim API over chi.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/onemorebsmith/camly-rewards/src/model"
	"github.com/pkg/errors"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status, code := mapDomainError(err)
	body := errorBody{Code: code, Message: err.Error()}
	var verr *model.ValidationError
	if errors.As(err, &verr) {
		body.Field = verr.Field
	}
	if status == http.StatusInternalServerError {
		body.Message = "internal error"
	}
	writeJSON(w, status, body)
}

func mapDomainError(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, model.ErrClaimNotFound), errors.Is(err, model.ErrAccountNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, model.ErrInsufficientBalance):
		return http.StatusConflict, "insufficient_balance"
	case errors.Is(err, model.ErrConcurrentModification):
		return http.StatusConflict, "concurrent_modification"
	case errors.Is(err, model.ErrDailyCapExceeded):
		return http.StatusTooManyRequests, "daily_cap_exceeded"
	case errors.Is(err, model.ErrNothingToDeduct):
		return http.StatusConflict, "nothing_to_deduct"
	case errors.Is(err, model.ErrInsufficientTreasury):
		return http.StatusConflict, "insufficient_treasury"
	case errors.Is(err, model.ErrTransferReverted):
		return http.StatusBadGateway, "transfer_reverted"
	case errors.Is(err, model.ErrRPCTransient):
		return http.StatusServiceUnavailable, "rpc_unavailable"
	}
	return http.StatusInternalServerError, "internal"
}

func decodeBody(w http.ResponseWriter, r *http.Request, out interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return &model.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

// queryLimit reads ?limit=, 0 when absent
func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, &model.ValidationError{Field: "limit", Reason: "expected a non-negative integer"}
	}
	return limit, nil
}
