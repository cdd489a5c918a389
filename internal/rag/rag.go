// Package rag glues retrieval, dispatch and usage accounting into the
// calls the API serves.
package rag

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-rag/internal/apperr"
	"github.com/nidhogg/nuka-rag/internal/chunker"
	"github.com/nidhogg/nuka-rag/internal/embedding"
	"github.com/nidhogg/nuka-rag/internal/provider"
	"github.com/nidhogg/nuka-rag/internal/registry"
	"github.com/nidhogg/nuka-rag/internal/search"
	"github.com/nidhogg/nuka-rag/internal/usage"
)

const (
	EndpointChat       = "chat/completions"
	EndpointCompletion = "completions"
	EndpointEmbeddings = "embeddings"
	EndpointSearch     = "search"

	// statusClientClosed is recorded when the caller went away mid-call.
	statusClientClosed = 499
)

// Resolver finds models, providers and mappings.
type Resolver interface {
	Resolve(ctx context.Context, name string, t registry.ModelType) (*registry.Model, *registry.Provider, error)
	LookupModel(ctx context.Context, name string) (*registry.Model, error)
	MappingsFor(ctx context.Context, modelID string) ([]registry.ParameterMapping, error)
}

// Dispatcher calls providers.
type Dispatcher interface {
	Do(ctx context.Context, m *registry.Model, p *registry.Provider, payload map[string]any) ([]byte, error)
	Stream(ctx context.Context, m *registry.Model, p *registry.Provider, payload map[string]any) (io.ReadCloser, error)
}

// Retriever searches stored chunks.
type Retriever interface {
	Search(ctx context.Context, query string, opts search.Options) ([]search.Hit, error)
}

// Embedder embeds a single text.
type Embedder interface {
	Embed(ctx context.Context, model, text string) (*embedding.Result, error)
}

// Recorder accepts usage records without blocking.
type Recorder interface {
	Record(rec usage.Record) bool
}

// Caller identifies who is paying for a call.
type Caller struct {
	APIKeyID            string
	UserID              string
	MaxTokensPerRequest int
}

// Options enables augmentation for a request.
type Options struct {
	TopK int `json:"top_k"`
	// Query overrides the text used for retrieval.
	Query string `json:"query,omitempty"`
}

// Request is a unified generation request with its delivery options.
type Request struct {
	provider.UnifiedRequest
	Stream bool     `json:"stream,omitempty"`
	RAG    *Options `json:"rag,omitempty"`
}

// Service runs generation, embedding and retrieval calls.
type Service struct {
	resolver  Resolver
	client    Dispatcher
	relay     *provider.Relay
	retriever Retriever
	embedder  Embedder
	usage     Recorder
	topK      int
	threshold *float64
	logger    *zap.Logger
}

// Config holds service settings.
type Config struct {
	// DefaultTopK applies when a RAG or search request does not set top_k.
	DefaultTopK int
	// DefaultThreshold applies to searches that do not set a threshold.
	// Nil keeps the search package default.
	DefaultThreshold *float64
}

func NewService(resolver Resolver, client Dispatcher, retriever Retriever, embedder Embedder,
	recorder Recorder, cfg Config, logger *zap.Logger) *Service {
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = search.DefaultTopK
	}
	return &Service{
		resolver:  resolver,
		client:    client,
		relay:     provider.NewRelay(logger),
		retriever: retriever,
		embedder:  embedder,
		usage:     recorder,
		topK:      cfg.DefaultTopK,
		threshold: cfg.DefaultThreshold,
		logger:    logger.Named("rag"),
	}
}

// call accumulates what the single usage record of one call reports.
type call struct {
	caller   Caller
	endpoint string
	start    time.Time
	model    *registry.Model
	provider string
	usage    provider.Usage
	streamed bool
	rag      bool
}

func (s *Service) finish(c *call, err error) {
	rec := usage.Record{
		APIKeyID:         c.caller.APIKeyID,
		UserID:           c.caller.UserID,
		Provider:         c.provider,
		Endpoint:         c.endpoint,
		PromptTokens:     c.usage.PromptTokens,
		CompletionTokens: c.usage.CompletionTokens,
		TotalTokens:      c.usage.TotalTokens,
		LatencyMS:        time.Since(c.start).Milliseconds(),
		StatusCode:       statusCode(err),
		Streamed:         c.streamed,
		RAG:              c.rag,
	}
	if c.model != nil {
		rec.Model = c.model.Name
		rec.CostEstimate = c.model.Cost(c.usage.PromptTokens, c.usage.CompletionTokens)
	}
	if err != nil {
		rec.ErrorType = errorType(err)
		rec.ErrorMessage = err.Error()
	}
	if s.usage != nil {
		s.usage.Record(rec)
	}
}

func statusCode(err error) int {
	if errors.Is(err, context.Canceled) {
		return statusClientClosed
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return apperr.HTTPStatus(err)
}

func errorType(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return apperr.Code(err)
	}
}

func (s *Service) validate(caller Caller, req *Request) error {
	if req.Prompt == "" && len(req.Messages) == 0 {
		return apperr.Validation("prompt or messages is required")
	}
	for i, m := range req.Messages {
		if m.Role == "" {
			return apperr.Validation(fmt.Sprintf("messages[%d].role is required", i))
		}
	}
	if req.MaxTokens != nil {
		if *req.MaxTokens <= 0 {
			return apperr.Validation("max_tokens must be positive")
		}
		if caller.MaxTokensPerRequest > 0 && *req.MaxTokens > caller.MaxTokensPerRequest {
			return apperr.Validation(fmt.Sprintf("max_tokens %d exceeds the per-request limit of %d",
				*req.MaxTokens, caller.MaxTokensPerRequest))
		}
	}
	if req.RAG != nil && req.RAG.TopK < 0 {
		return apperr.Validation("rag.top_k must not be negative")
	}
	return nil
}

// prepare validates, resolves, augments and transforms req. It fills the
// model, provider and RAG fields of c as soon as they are known.
func (s *Service) prepare(ctx context.Context, c *call, req *Request) (*registry.Model, *registry.Provider, map[string]any, []provider.Source, error) {
	if err := s.validate(c.caller, req); err != nil {
		return nil, nil, nil, nil, err
	}
	m, p, err := s.resolver.Resolve(ctx, req.Model, registry.ModelText)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	c.model = m
	c.provider = p.Name

	unified := req.UnifiedRequest
	var sources []provider.Source
	if req.RAG != nil {
		c.rag = true
		hits, err := s.Retrieve(ctx, ragQuery(req), req.RAG.TopK)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("retrieve context: %w", err)
		}
		unified = Augment(unified, hits)
		sources = Sources(hits)
	}

	mappings, err := s.resolver.MappingsFor(ctx, m.ID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	payload, err := registry.Transform(m, p, mappings, unified.Fields())
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return m, p, payload, sources, nil
}

func ragQuery(req *Request) string {
	if req.RAG.Query != "" {
		return req.RAG.Query
	}
	return retrievalQuery(&req.UnifiedRequest)
}

// Complete runs a blocking generation call. Rate limits are surfaced
// immediately; no other provider is tried.
func (s *Service) Complete(ctx context.Context, caller Caller, endpoint string, req *Request) (resp *provider.UnifiedResponse, err error) {
	c := &call{caller: caller, endpoint: endpoint, start: time.Now()}
	defer func() { s.finish(c, err) }()

	m, p, payload, sources, err := s.prepare(ctx, c, req)
	if err != nil {
		return nil, err
	}

	body, err := s.client.Do(ctx, m, p, payload)
	if err != nil {
		return nil, err
	}
	resp, err = provider.UnifyChat(p.Name, m.Name, body)
	if err != nil {
		return nil, err
	}
	if resp.Usage.TotalTokens == 0 {
		resp.Usage = estimateUsage(&req.UnifiedRequest, responseText(resp))
	}
	c.usage = resp.Usage
	resp.LatencyMS = time.Since(c.start).Milliseconds()
	if c.rag {
		resp.Sources = sources
	}
	s.logger.Debug("Completion served",
		zap.String("model", m.Name),
		zap.String("provider", p.Name),
		zap.Int("total_tokens", resp.Usage.TotalTokens),
		zap.Int64("latency_ms", resp.LatencyMS))
	return resp, nil
}

// Stream runs a streaming generation call, passing each unified frame to
// emit as it arrives. Errors before the first frame leave emit uncalled.
func (s *Service) Stream(ctx context.Context, caller Caller, endpoint string, req *Request, emit func(frame []byte) error) (sum provider.StreamSummary, err error) {
	c := &call{caller: caller, endpoint: endpoint, start: time.Now(), streamed: true}
	defer func() { s.finish(c, err) }()

	m, p, payload, sources, err := s.prepare(ctx, c, req)
	if err != nil {
		return sum, err
	}

	upstream, err := s.client.Stream(ctx, m, p, payload)
	if err != nil {
		return sum, err
	}
	sum, err = s.relay.Run(ctx, upstream, provider.RelayOptions{
		Provider: p.Name,
		Model:    m.Name,
		RAG:      c.rag,
		Sources:  sources,
	}, emit)

	c.usage = sum.Usage
	if c.usage.TotalTokens == 0 {
		c.usage = estimateUsage(&req.UnifiedRequest, sum.Content)
	}
	if err != nil {
		s.logger.Info("Stream ended early",
			zap.String("model", m.Name),
			zap.Int("frames", sum.Frames),
			zap.Error(err))
	}
	return sum, err
}

// Embed embeds one text for an API caller. A degraded fallback vector is
// returned with Degraded set rather than as an error.
func (s *Service) Embed(ctx context.Context, caller Caller, req *provider.EmbeddingRequest) (resp *provider.EmbeddingResponse, err error) {
	c := &call{caller: caller, endpoint: EndpointEmbeddings, start: time.Now()}
	defer func() { s.finish(c, err) }()

	if strings.TrimSpace(req.Text) == "" {
		return nil, apperr.Validation("text is required")
	}
	if req.EncodingFormat != "" && req.EncodingFormat != "float" {
		return nil, apperr.Validation(fmt.Sprintf("unsupported encoding_format %q", req.EncodingFormat))
	}
	res, err := s.embedder.Embed(ctx, req.Model, req.Text)
	if err != nil {
		return nil, err
	}
	c.provider = res.Provider
	c.usage = res.Usage
	if m, lerr := s.resolver.LookupModel(ctx, res.Model); lerr == nil {
		c.model = m
	} else {
		c.model = &registry.Model{Name: res.Model}
	}
	if res.Degraded {
		s.logger.Warn("Serving degraded embedding", zap.String("model", res.Model), zap.Int("attempts", res.Attempts))
	}
	return res.Response(), nil
}

// Retrieve returns the topK closest chunks to query without a similarity
// threshold.
func (s *Service) Retrieve(ctx context.Context, query string, topK int) ([]search.Hit, error) {
	if s.retriever == nil {
		return nil, apperr.Configuration("retrieval is not configured")
	}
	if query == "" {
		return nil, apperr.Validation("retrieval query is empty")
	}
	if topK <= 0 {
		topK = s.topK
	}
	return s.retriever.Search(ctx, query, search.Options{
		TopK:      topK,
		Threshold: search.Threshold(search.NoThreshold),
	})
}

// Search runs a thresholded similarity search for an API caller.
func (s *Service) Search(ctx context.Context, caller Caller, query string, opts search.Options) (hits []search.Hit, err error) {
	c := &call{caller: caller, endpoint: EndpointSearch, start: time.Now()}
	defer func() { s.finish(c, err) }()

	if s.retriever == nil {
		return nil, apperr.Configuration("retrieval is not configured")
	}
	if opts.TopK <= 0 {
		opts.TopK = s.topK
	}
	if opts.Threshold == nil {
		opts.Threshold = s.threshold
	}
	return s.retriever.Search(ctx, query, opts)
}

func responseText(resp *provider.UnifiedResponse) string {
	var b strings.Builder
	for _, ch := range resp.Choices {
		b.WriteString(ch.Message.Content)
	}
	return b.String()
}

// estimateUsage approximates token counts when the provider reports none.
func estimateUsage(req *provider.UnifiedRequest, completion string) provider.Usage {
	prompt := chunker.CountTokens(req.Prompt)
	for _, m := range req.Messages {
		prompt += chunker.CountTokens(m.Content)
	}
	out := chunker.CountTokens(completion)
	return provider.Usage{PromptTokens: prompt, CompletionTokens: out, TotalTokens: prompt + out}
}
