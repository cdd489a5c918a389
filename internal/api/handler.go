package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-rag/internal/apperr"
	"github.com/nidhogg/nuka-rag/internal/auth"
	"github.com/nidhogg/nuka-rag/internal/bus"
	"github.com/nidhogg/nuka-rag/internal/ingest"
	"github.com/nidhogg/nuka-rag/internal/metrics"
	"github.com/nidhogg/nuka-rag/internal/provider"
	"github.com/nidhogg/nuka-rag/internal/rag"
	"github.com/nidhogg/nuka-rag/internal/registry"
	"github.com/nidhogg/nuka-rag/internal/search"
	"github.com/nidhogg/nuka-rag/internal/usage"
)

const maxJSONBody = 4 << 20

// Inference serves generation, embedding and search calls.
type Inference interface {
	Complete(ctx context.Context, caller rag.Caller, endpoint string, req *rag.Request) (*provider.UnifiedResponse, error)
	Stream(ctx context.Context, caller rag.Caller, endpoint string, req *rag.Request, emit func(frame []byte) error) (provider.StreamSummary, error)
	Embed(ctx context.Context, caller rag.Caller, req *provider.EmbeddingRequest) (*provider.EmbeddingResponse, error)
	Search(ctx context.Context, caller rag.Caller, query string, opts search.Options) ([]search.Hit, error)
}

// Uploader accepts documents for background processing.
type Uploader interface {
	Submit(ctx context.Context, up ingest.Upload) (*ingest.Document, error)
}

// DocumentReader reads stored documents and chunks.
type DocumentReader interface {
	GetDocument(ctx context.Context, id string) (*ingest.Document, error)
	ListChunks(ctx context.Context, documentID string) ([]ingest.Chunk, error)
}

// UsageReporter summarizes recorded usage.
type UsageReporter interface {
	SummarizeUsage(ctx context.Context, userID string) ([]usage.Summary, error)
}

// Publisher broadcasts registry invalidations to other replicas.
type Publisher interface {
	Publish(ctx context.Context, ev bus.Event) error
}

// Deps are the handler's collaborators. Publisher, Usage and Ping may be
// nil.
type Deps struct {
	Inference      Inference
	Uploader       Uploader
	Documents      DocumentReader
	Usage          UsageReporter
	Invalidator    bus.Invalidator
	Publisher      Publisher
	Directory      auth.UserDirectory
	Permissions    auth.PermissionChecker
	Ping           func(ctx context.Context) error
	MaxUploadBytes int64
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	deps   Deps
	logger *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps, logger *zap.Logger) *Handler {
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = 20 << 20
	}
	return &Handler{deps: deps, logger: logger.Named("api")}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.instrument)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		ExposedHeaders: []string{"Retry-After"},
	}))

	r.Get("/api/health", h.healthCheck)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(h.authenticate)

		r.With(h.require(auth.PermInference)).Post("/chat/completions", h.chatCompletions)
		r.With(h.require(auth.PermInference)).Post("/completions", h.completions)
		r.With(h.require(auth.PermInference)).Post("/embeddings", h.embeddings)
		r.With(h.require(auth.PermInference)).Get("/usage", h.usageSummary)

		r.With(h.require(auth.PermDocumentsWrite)).Post("/documents", h.uploadDocument)
		r.With(h.require(auth.PermDocumentsRead)).Get("/documents/{id}", h.getDocument)
		r.With(h.require(auth.PermDocumentsRead)).Get("/documents/{id}/chunks", h.listChunks)
		r.With(h.require(auth.PermDocumentsRead)).Post("/search", h.search)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(h.authenticate)
		r.Use(h.require(auth.PermRegistryAdmin))
		r.Post("/registry/invalidate", h.invalidateRegistry)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	if h.deps.Ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.deps.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type invalidateRequest struct {
	Kind registry.CacheKind `json:"kind"`
	Key  string             `json:"key"`
}

func (h *Handler) invalidateRegistry(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, r, err)
		return
	}
	switch req.Kind {
	case "", registry.CacheAll, registry.CacheProvider, registry.CacheModel, registry.CacheDefault, registry.CacheMappings:
	default:
		h.writeError(w, r, apperr.Validation("unknown cache kind "+strconv.Quote(string(req.Kind))))
		return
	}

	if h.deps.Invalidator != nil {
		h.deps.Invalidator.Invalidate(req.Kind, req.Key)
	}
	published := false
	if h.deps.Publisher != nil {
		ev := bus.Event{Kind: req.Kind, Key: req.Key, Source: principalFrom(r.Context()).UserID}
		if err := h.deps.Publisher.Publish(r.Context(), ev); err != nil {
			h.logger.Warn("Publish invalidation failed", zap.Error(err))
		} else {
			published = true
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":    "invalidated",
		"kind":      req.Kind,
		"key":       req.Key,
		"published": published,
	})
}

// decodeBody decodes a JSON request body, rejecting unknown shapes as
// validation errors.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return err
		}
		return apperr.Validation("invalid JSON body: " + err.Error())
	}
	return nil
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// writeError maps err onto the API's status codes. Server-side failures
// are logged and answered generically.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway {
		h.logger.Error("Request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		msg = "internal server error"
	}
	var rl *apperr.RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(rl.RetryAfter.Seconds()+0.5)))
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Type: apperr.Code(err), Message: msg}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
