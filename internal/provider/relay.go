package provider

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-rag/internal/metrics"
)

const (
	dataPrefix           = "data:"
	doneMarker           = "[DONE]"
	scannerInitialBuffer = 12 * 1024        // 12KB
	scannerMaxBuffer     = 10 * 1024 * 1024 // 10MB
)

// RelayOptions describes one streamed call.
type RelayOptions struct {
	Provider string
	Model    string
	// RAG marks an augmented call. Its frames carry provenance: an empty
	// sources array on the first frame and the full list exactly once on
	// the terminal frame.
	RAG     bool
	Sources []Source
}

// StreamSummary is what the relay observed once the upstream closed.
type StreamSummary struct {
	Frames       int
	Usage        Usage
	FinishReason string
	Content      string
	Synthesized  bool
}

// Relay forwards upstream stream frames downstream one at a time.
type Relay struct {
	logger *zap.Logger
}

func NewRelay(logger *zap.Logger) *Relay {
	return &Relay{logger: logger.Named("relay")}
}

// Run reads newline-delimited JSON (optionally SSE "data:" framed) from
// upstream, rewrites each frame into the unified shape and passes it to
// emit before reading the next one. upstream is closed on every return
// path, and as soon as ctx is done.
func (r *Relay) Run(ctx context.Context, upstream io.ReadCloser, opts RelayOptions, emit func(frame []byte) error) (StreamSummary, error) {
	var (
		sum         StreamSummary
		closeOnce   sync.Once
		content     strings.Builder
		sourcesSent bool
	)
	closeUpstream := func() {
		closeOnce.Do(func() {
			if err := upstream.Close(); err != nil {
				r.logger.Debug("Close upstream", zap.Error(err))
			}
		})
	}
	stop := context.AfterFunc(ctx, closeUpstream)
	defer stop()
	defer closeUpstream()

	sources := opts.Sources
	if sources == nil {
		sources = []Source{}
	}

	scanner := bufio.NewScanner(upstream)
	scanner.Buffer(make([]byte, scannerInitialBuffer), scannerMaxBuffer)

	for scanner.Scan() {
		payload, ok := framePayload(scanner.Bytes())
		if !ok {
			continue
		}
		if !gjson.ValidBytes(payload) {
			r.logger.Debug("Skip malformed frame", zap.String("provider", opts.Provider), zap.ByteString("frame", payload))
			continue
		}

		frame, info, err := normalizeFrame(payload, opts.Provider, opts.Model)
		if err != nil {
			return sum, fmt.Errorf("rewrite frame: %w", err)
		}
		if info.usage.TotalTokens > 0 || info.usage.PromptTokens > 0 {
			sum.Usage = info.usage
		}
		content.WriteString(info.delta)

		if opts.RAG && !sourcesSent {
			switch {
			case info.terminal:
				frame, err = sjson.SetBytes(frame, "sources", sources)
				sourcesSent = true
			case sum.Frames == 0:
				frame, err = sjson.SetRawBytes(frame, "sources", []byte("[]"))
			}
			if err != nil {
				return sum, fmt.Errorf("attach sources: %w", err)
			}
		}
		if info.terminal && sum.FinishReason == "" {
			sum.FinishReason = info.finishReason
		}

		if err := emit(frame); err != nil {
			sum.Content = content.String()
			return sum, fmt.Errorf("emit frame: %w", err)
		}
		sum.Frames++
		metrics.RecordFrame(opts.Provider)
	}
	sum.Content = content.String()

	if err := scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return sum, ctxErr
		}
		return sum, fmt.Errorf("read upstream stream: %w", err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return sum, ctxErr
	}

	if opts.RAG && !sourcesSent {
		frame, err := terminalFrame(opts.Provider, opts.Model, sources)
		if err != nil {
			return sum, err
		}
		if err := emit(frame); err != nil {
			return sum, fmt.Errorf("emit terminal frame: %w", err)
		}
		sum.Frames++
		sum.Synthesized = true
		if sum.FinishReason == "" {
			sum.FinishReason = "stop"
		}
		metrics.RecordSynthesizedTerminal(opts.Provider)
		r.logger.Debug("Synthesized terminal frame", zap.String("provider", opts.Provider))
	}
	return sum, nil
}

// framePayload strips SSE framing. It reports false for lines that carry
// no frame: blanks, comments, event/id/retry fields and the [DONE] marker.
func framePayload(line []byte) ([]byte, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] == ':' {
		return nil, false
	}
	if rest, ok := bytes.CutPrefix(line, []byte(dataPrefix)); ok {
		line = bytes.TrimSpace(rest)
	} else if bytes.HasPrefix(line, []byte("event:")) ||
		bytes.HasPrefix(line, []byte("id:")) ||
		bytes.HasPrefix(line, []byte("retry:")) {
		return nil, false
	}
	if len(line) == 0 || string(line) == doneMarker {
		return nil, false
	}
	return line, true
}

type frameInfo struct {
	terminal     bool
	finishReason string
	delta        string
	usage        Usage
}

// normalizeFrame returns a copy of payload in the unified frame shape:
// chat frames keep their choices, direct {text, done} frames are lifted
// into a single delta choice. provider and model are always stamped.
func normalizeFrame(payload []byte, provider, model string) ([]byte, frameInfo, error) {
	root := gjson.ParseBytes(payload)
	info := frameInfo{usage: ParseUsage(root.Get("usage"))}

	frame := make([]byte, len(payload))
	copy(frame, payload)
	var err error

	if choices := root.Get("choices"); choices.IsArray() {
		first := root.Get("choices.0")
		info.finishReason = first.Get("finish_reason").String()
		info.delta = first.Get("delta.content").String()
		if info.delta == "" {
			info.delta = first.Get("text").String()
		}
	} else {
		text := root.Get("text")
		if !text.Exists() {
			text = root.Get("response")
		}
		info.finishReason = root.Get("finish_reason").String()
		info.delta = text.String()
		choice := map[string]any{
			"index": 0,
			"delta": map[string]any{"content": text.String()},
		}
		if info.finishReason != "" {
			choice["finish_reason"] = info.finishReason
		} else if root.Get("done").Bool() {
			choice["finish_reason"] = "stop"
		} else {
			choice["finish_reason"] = nil
		}
		if frame, err = sjson.SetBytes(frame, "choices", []any{choice}); err != nil {
			return nil, info, err
		}
		for _, k := range []string{"text", "response"} {
			if frame, err = sjson.DeleteBytes(frame, k); err != nil {
				return nil, info, err
			}
		}
	}
	if info.finishReason == "" {
		if fr := root.Get("finish_reason").String(); fr != "" {
			info.finishReason = fr
		} else if root.Get("done").Bool() {
			info.finishReason = "stop"
		}
	}
	info.terminal = info.finishReason != ""

	if frame, err = sjson.SetBytes(frame, "provider", provider); err != nil {
		return nil, info, err
	}
	if frame, err = sjson.SetBytes(frame, "model", model); err != nil {
		return nil, info, err
	}
	return frame, info, nil
}

func terminalFrame(provider, model string, sources []Source) ([]byte, error) {
	frame := []byte(`{"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`)
	var err error
	if frame, err = sjson.SetBytes(frame, "provider", provider); err != nil {
		return nil, err
	}
	if frame, err = sjson.SetBytes(frame, "model", model); err != nil {
		return nil, err
	}
	if frame, err = sjson.SetBytes(frame, "sources", sources); err != nil {
		return nil, err
	}
	return frame, nil
}

// ErrStreamClosed is returned by emit functions whose downstream went away.
var ErrStreamClosed = errors.New("downstream closed")
