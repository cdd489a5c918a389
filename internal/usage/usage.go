// Package usage records one audit entry per inference or embedding call
// without ever delaying the caller.
package usage

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-rag/internal/metrics"
)

// Record is an append-only usage entry.
type Record struct {
	ID               string    `json:"id"`
	APIKeyID         string    `json:"api_key_id,omitempty"`
	UserID           string    `json:"user_id,omitempty"`
	Model            string    `json:"model"`
	Provider         string    `json:"provider"`
	Endpoint         string    `json:"endpoint"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	CostEstimate     float64   `json:"cost_estimate"`
	LatencyMS        int64     `json:"latency_ms"`
	StatusCode       int       `json:"status_code"`
	ErrorType        string    `json:"error_type,omitempty"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	Streamed         bool      `json:"streamed"`
	RAG              bool      `json:"rag"`
	CreatedAt        time.Time `json:"created_at"`
}

// Sink persists records.
type Sink interface {
	InsertUsage(ctx context.Context, rec Record) error
}

const writeTimeout = 5 * time.Second

// Recorder buffers records for a background writer. Enqueueing never
// blocks; records that do not fit are dropped and counted.
type Recorder struct {
	sink    Sink
	records chan Record
	stopped atomic.Bool
	logger  *zap.Logger
}

func NewRecorder(sink Sink, buffer int, logger *zap.Logger) *Recorder {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Recorder{
		sink:    sink,
		records: make(chan Record, buffer),
		logger:  logger.Named("usage"),
	}
}

// Record enqueues rec and reports whether it was accepted.
func (r *Recorder) Record(rec Record) bool {
	if r.stopped.Load() {
		metrics.RecordUsageDropped()
		return false
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	select {
	case r.records <- rec:
		return true
	default:
		metrics.RecordUsageDropped()
		r.logger.Warn("Usage buffer full, record dropped",
			zap.String("model", rec.Model),
			zap.String("endpoint", rec.Endpoint))
		return false
	}
}

// Run writes records until ctx is done, then flushes what is buffered.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case rec := <-r.records:
			r.write(rec)
		case <-ctx.Done():
			r.stopped.Store(true)
			r.flush()
			return nil
		}
	}
}

func (r *Recorder) flush() {
	for {
		select {
		case rec := <-r.records:
			r.write(rec)
		default:
			return
		}
	}
}

func (r *Recorder) write(rec Record) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := r.sink.InsertUsage(ctx, rec); err != nil {
		metrics.RecordUsageWriteError()
		r.logger.Warn("Failed to write usage record",
			zap.String("id", rec.ID),
			zap.String("model", rec.Model),
			zap.Error(err))
	}
}

// Summary aggregates requests, tokens and cost for one model.
type Summary struct {
	Model        string  `json:"model"`
	Requests     int64   `json:"requests"`
	TotalTokens  int64   `json:"total_tokens"`
	CostEstimate float64 `json:"cost_estimate"`
}

// Summarize totals recs per model, ordered by model name. An empty userID
// includes every user.
func Summarize(recs []Record, userID string) []Summary {
	byModel := make(map[string]*Summary)
	for _, rec := range recs {
		if userID != "" && rec.UserID != userID {
			continue
		}
		s, ok := byModel[rec.Model]
		if !ok {
			s = &Summary{Model: rec.Model}
			byModel[rec.Model] = s
		}
		s.Requests++
		s.TotalTokens += int64(rec.TotalTokens)
		s.CostEstimate += rec.CostEstimate
	}
	out := make([]Summary, 0, len(byModel))
	for _, s := range byModel {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}
