package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-rag/internal/apperr"
	"github.com/nidhogg/nuka-rag/internal/auth"
	"github.com/nidhogg/nuka-rag/internal/metrics"
	"github.com/nidhogg/nuka-rag/internal/rag"
)

type ctxKey struct{}

func principalFrom(ctx context.Context) *auth.Principal {
	if p, ok := ctx.Value(ctxKey{}).(*auth.Principal); ok {
		return p
	}
	return &auth.Principal{}
}

func callerFrom(ctx context.Context) rag.Caller {
	p := principalFrom(ctx)
	return rag.Caller{APIKeyID: p.APIKeyID, UserID: p.UserID, MaxTokensPerRequest: p.MaxTokensPerRequest}
}

// apiKey reads "Authorization: Bearer <key>" or "X-API-Key".
func apiKey(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, key, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(key)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.deps.Directory == nil {
			h.writeError(w, r, apperr.Configuration("no user directory configured"))
			return
		}
		p, err := h.deps.Directory.Lookup(r.Context(), apiKey(r))
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, p)))
	})
}

func (h *Handler) require(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := principalFrom(r.Context())
			if h.deps.Permissions == nil || !h.deps.Permissions.HasPermission(p.Role, permission) {
				h.writeError(w, r, apperr.Forbidden(permission))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// instrument records request counts and latency by route pattern.
func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		metrics.RecordRequest(r.Method, route, status, elapsed.Seconds())
		h.logger.Debug("Request served",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("elapsed", elapsed),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}
