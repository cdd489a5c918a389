package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-rag/internal/apperr"
	"github.com/nidhogg/nuka-rag/internal/metrics"
	"github.com/nidhogg/nuka-rag/internal/registry"
)

const (
	defaultTimeout       = 30 * time.Second
	defaultStreamTimeout = 60 * time.Second
	maxErrorBody         = 64 << 10
)

// Options configures the dispatch client.
type Options struct {
	Timeout       time.Duration
	StreamTimeout time.Duration
}

// Client sends transformed payloads to upstream providers.
type Client struct {
	http   *resty.Client
	stream *resty.Client
	logger *zap.Logger
}

// NewClient creates a dispatch client. Blocking calls and streams get
// separate HTTP clients so each carries its own overall timeout.
func NewClient(opts Options, logger *zap.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.StreamTimeout <= 0 {
		opts.StreamTimeout = defaultStreamTimeout
	}
	return &Client{
		http: resty.New().
			SetHeader("User-Agent", "nuka-rag/1.0").
			SetTimeout(opts.Timeout),
		stream: resty.New().
			SetHeader("User-Agent", "nuka-rag/1.0").
			SetTimeout(opts.StreamTimeout),
		logger: logger.Named("dispatch"),
	}
}

// Endpoint returns the URL a model's requests go to. Embedding models use
// <base>/embeddings, chat-kind providers <base>/chat/completions and direct
// providers the base URL itself. A provider "path" config overrides the
// suffix.
func Endpoint(m *registry.Model, p *registry.Provider) string {
	base := strings.TrimRight(p.BaseURL, "/")
	if path := p.Path(); path != "" {
		return base + "/" + strings.TrimLeft(path, "/")
	}
	if m.Type == registry.ModelEmbedding {
		return base + "/embeddings"
	}
	switch p.Kind() {
	case registry.KindDirect:
		return base
	case registry.KindEmbedding:
		return base + "/embeddings"
	default:
		return base + "/chat/completions"
	}
}

func (c *Client) prepareRequest(ctx context.Context, rc *resty.Client, p *registry.Provider) (*resty.Request, error) {
	secret, err := p.Secret()
	if err != nil {
		return nil, err
	}
	req := rc.R().SetContext(ctx)
	req.SetHeader("Content-Type", "application/json")
	if strings.TrimSpace(secret) != "" {
		req.SetHeader("Authorization", "Bearer "+secret)
	}
	return req, nil
}

// Do posts payload and returns the raw 2xx response body.
func (c *Client) Do(ctx context.Context, m *registry.Model, p *registry.Provider, payload map[string]any) ([]byte, error) {
	req, err := c.prepareRequest(ctx, c.http, p)
	if err != nil {
		return nil, err
	}
	url := Endpoint(m, p)
	start := time.Now()
	resp, err := req.
		SetHeader("Accept", "application/json").
		SetBody(payload).
		Post(url)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		metrics.RecordDispatch(p.Name, 0, elapsed)
		return nil, transportError(ctx, p, err)
	}
	metrics.RecordDispatch(p.Name, resp.StatusCode(), elapsed)
	if resp.IsError() || resp.StatusCode() >= http.StatusMultipleChoices {
		c.logger.Warn("Provider returned error",
			zap.String("provider", p.Name),
			zap.String("url", url),
			zap.Int("status", resp.StatusCode()))
		return nil, statusError(p, resp.StatusCode(), resp.Header(), resp.Body())
	}
	return resp.Body(), nil
}

// Stream posts payload with streaming enabled and returns the upstream body.
// The caller owns the returned reader and must close it.
func (c *Client) Stream(ctx context.Context, m *registry.Model, p *registry.Provider, payload map[string]any) (io.ReadCloser, error) {
	req, err := c.prepareRequest(ctx, c.stream, p)
	if err != nil {
		return nil, err
	}
	body := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		body[k] = v
	}
	body["stream"] = true

	url := Endpoint(m, p)
	start := time.Now()
	resp, err := req.
		SetDoNotParseResponse(true).
		SetHeader("Accept", "text/event-stream, application/x-ndjson").
		SetHeader("Accept-Encoding", "identity").
		SetBody(body).
		Post(url)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		if resp != nil && resp.RawBody() != nil {
			resp.RawBody().Close()
		}
		metrics.RecordDispatch(p.Name, 0, elapsed)
		return nil, transportError(ctx, p, err)
	}
	metrics.RecordDispatch(p.Name, resp.StatusCode(), elapsed)

	raw := resp.RawBody()
	if resp.StatusCode() >= http.StatusMultipleChoices {
		var data []byte
		if raw != nil {
			data, _ = io.ReadAll(io.LimitReader(raw, maxErrorBody))
			raw.Close()
		}
		c.logger.Warn("Provider rejected stream",
			zap.String("provider", p.Name),
			zap.String("url", url),
			zap.Int("status", resp.StatusCode()))
		return nil, statusError(p, resp.StatusCode(), resp.Header(), data)
	}
	if raw == nil {
		return nil, &apperr.ProviderError{Provider: p.Name, Status: resp.StatusCode(), Body: "empty stream body"}
	}
	return raw, nil
}

func transportError(ctx context.Context, p *registry.Provider, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("dispatch to %s: %w", p.Name, ctxErr)
	}
	return &apperr.ProviderError{Provider: p.Name, Body: err.Error(), Err: err}
}

func statusError(p *registry.Provider, status int, header http.Header, body []byte) error {
	text := strings.TrimSpace(string(body))
	if status == http.StatusTooManyRequests {
		return &apperr.RateLimitError{
			Provider:   p.Name,
			RetryAfter: parseRetryAfter(header.Get("Retry-After"), time.Now()),
			Body:       text,
		}
	}
	return &apperr.ProviderError{Provider: p.Name, Status: status, Body: text}
}

// parseRetryAfter accepts delta-seconds or an HTTP date. Unparseable or
// past values yield zero.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
