package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// AccountHeader carries the authenticated account id, set by the gateway in front of us
const AccountHeader = "X-Account-Id"

type ctxKey int

const accountKey ctxKey = iota

func accountFromContext(ctx context.Context) string {
	v, _ := ctx.Value(accountKey).(string)
	return v
}

func accountMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accountId := strings.TrimSpace(r.Header.Get(AccountHeader))
		if accountId == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Code: "unauthenticated", Message: "missing " + AccountHeader})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), accountKey, accountId)))
	})
}

func adminMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bearer := strings.TrimSpace(r.Header.Get("Authorization"))
			if strings.HasPrefix(strings.ToLower(bearer), "bearer ") {
				bearer = strings.TrimSpace(bearer[7:])
			}
			if token == "" || subtle.ConstantTimeCompare([]byte(bearer), []byte(token)) != 1 {
				writeJSON(w, http.StatusUnauthorized, errorBody{Code: "unauthorized", Message: "admin token required"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			started := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request", zap.String("method", r.Method), zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()), zap.Duration("elapsed", time.Since(started)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}
