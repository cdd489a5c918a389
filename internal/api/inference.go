package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-rag/internal/apperr"
	"github.com/nidhogg/nuka-rag/internal/provider"
	"github.com/nidhogg/nuka-rag/internal/rag"
	"github.com/nidhogg/nuka-rag/internal/search"
)

func (h *Handler) chatCompletions(w http.ResponseWriter, r *http.Request) {
	h.generate(w, r, rag.EndpointChat)
}

func (h *Handler) completions(w http.ResponseWriter, r *http.Request) {
	h.generate(w, r, rag.EndpointCompletion)
}

func (h *Handler) generate(w http.ResponseWriter, r *http.Request, endpoint string) {
	var req rag.Request
	if err := decodeBody(r, &req); err != nil {
		if errors.Is(err, io.EOF) {
			err = apperr.Validation("request body is required")
		}
		h.writeError(w, r, err)
		return
	}
	// chat accepts a bare prompt; the provider transform turns it into messages
	if endpoint == rag.EndpointChat && len(req.Messages) == 0 && req.Prompt == "" {
		h.writeError(w, r, apperr.Validation("messages or prompt is required"))
		return
	}
	if endpoint == rag.EndpointCompletion && req.Prompt == "" {
		h.writeError(w, r, apperr.Validation("prompt is required"))
		return
	}

	caller := callerFrom(r.Context())
	if req.Stream {
		h.stream(w, r, caller, endpoint, &req)
		return
	}
	resp, err := h.deps.Inference.Complete(r.Context(), caller, endpoint, &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// stream writes newline-delimited JSON frames, flushing each one. Errors
// before the first frame get a normal error response; later errors are
// reported as a final {"error":...} frame.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request, caller rag.Caller, endpoint string, req *rag.Request) {
	rc := http.NewResponseController(w)
	started := false
	emit := func(frame []byte) error {
		if !started {
			w.Header().Set("Content-Type", "application/x-ndjson")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("X-Accel-Buffering", "no")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if _, err := w.Write(frame); err != nil {
			return err
		}
		if _, err := w.Write([]byte("\n")); err != nil {
			return err
		}
		return rc.Flush()
	}

	_, err := h.deps.Inference.Stream(r.Context(), caller, endpoint, req, emit)
	if err == nil {
		if !started {
			w.WriteHeader(http.StatusOK)
		}
		return
	}
	if !started {
		h.writeError(w, r, err)
		return
	}
	if r.Context().Err() != nil {
		return
	}
	h.logger.Warn("Stream failed after first frame", zap.String("endpoint", endpoint), zap.Error(err))
	frame, _ := json.Marshal(errorBody{Error: errorDetail{Type: apperr.Code(err), Message: err.Error()}})
	w.Write(append(frame, '\n'))
	rc.Flush()
}

func (h *Handler) embeddings(w http.ResponseWriter, r *http.Request) {
	var req provider.EmbeddingRequest
	if err := decodeBody(r, &req); err != nil {
		if errors.Is(err, io.EOF) {
			err = apperr.Validation("request body is required")
		}
		h.writeError(w, r, err)
		return
	}
	resp, err := h.deps.Inference.Embed(r.Context(), callerFrom(r.Context()), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type searchRequest struct {
	Query     string   `json:"query"`
	TopK      int      `json:"top_k"`
	Threshold *float64 `json:"threshold,omitempty"`
	Model     string   `json:"model,omitempty"`
}

func (h *Handler) search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeBody(r, &req); err != nil {
		if errors.Is(err, io.EOF) {
			err = apperr.Validation("request body is required")
		}
		h.writeError(w, r, err)
		return
	}
	if req.TopK < 0 {
		h.writeError(w, r, apperr.Validation("top_k must not be negative"))
		return
	}
	if req.Threshold != nil && (*req.Threshold < -1 || *req.Threshold > 1) {
		h.writeError(w, r, apperr.Validation("threshold must be within [-1, 1]"))
		return
	}
	hits, err := h.deps.Inference.Search(r.Context(), callerFrom(r.Context()), req.Query, search.Options{
		TopK:      req.TopK,
		Threshold: req.Threshold,
		Model:     req.Model,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if hits == nil {
		hits = []search.Hit{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"query": req.Query, "results": hits})
}

func (h *Handler) usageSummary(w http.ResponseWriter, r *http.Request) {
	if h.deps.Usage == nil {
		h.writeError(w, r, apperr.Configuration("usage reporting is not configured"))
		return
	}
	sums, err := h.deps.Usage.SummarizeUsage(r.Context(), principalFrom(r.Context()).UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": sums})
}
