package provider

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

type trackingBody struct {
	io.Reader
	closes atomic.Int32
}

func (b *trackingBody) Close() error {
	b.closes.Add(1)
	return nil
}

func body(s string) *trackingBody { return &trackingBody{Reader: strings.NewReader(s)} }

func collect(t *testing.T, up io.ReadCloser, opts RelayOptions) ([]gjson.Result, StreamSummary) {
	t.Helper()
	var frames []gjson.Result
	sum, err := NewRelay(zap.NewNop()).Run(context.Background(), up, opts, func(f []byte) error {
		require.True(t, gjson.ValidBytes(f), string(f))
		frames = append(frames, gjson.ParseBytes(f))
		return nil
	})
	require.NoError(t, err)
	return frames, sum
}

var testSources = []Source{
	{DocumentID: "d1", DocumentName: "handbook.md", ChunkIndex: 2, SimilarityScore: 0.91},
	{DocumentID: "d2", DocumentName: "faq.txt", ChunkIndex: 0, SimilarityScore: 0.74},
}

func TestRelaySynthesizesTerminalFrameOnce(t *testing.T) {
	up := body(strings.Join([]string{
		`data: {"choices":[{"index":0,"delta":{"content":"Hel"}}]}`,
		``,
		`data: {"choices":[{"index":0,"delta":{"content":"lo"}}]}`,
		``,
		`data: [DONE]`,
		``,
	}, "\n"))

	frames, sum := collect(t, up, RelayOptions{Provider: "chatco", Model: "chat-large", RAG: true, Sources: testSources})

	require.Len(t, frames, 3)
	assert.True(t, frames[0].Get("sources").IsArray())
	assert.Len(t, frames[0].Get("sources").Array(), 0)
	assert.False(t, frames[1].Get("sources").Exists())

	last := frames[2]
	assert.Equal(t, "stop", last.Get("choices.0.finish_reason").String())
	assert.Len(t, last.Get("sources").Array(), 2)
	assert.Equal(t, "handbook.md", last.Get("sources.0.document_name").String())
	assert.Equal(t, int64(2), last.Get("sources.0.chunk_index").Int())
	assert.InDelta(t, 0.91, last.Get("sources.0.similarity_score").Float(), 1e-9)

	full := 0
	for _, f := range frames {
		if len(f.Get("sources").Array()) > 0 {
			full++
		}
	}
	assert.Equal(t, 1, full, "full provenance is delivered exactly once")
	assert.True(t, sum.Synthesized)
	assert.Equal(t, "Hello", sum.Content)
	assert.Equal(t, 3, sum.Frames)
	assert.Equal(t, int32(1), up.closes.Load())
}

func TestRelayAttachesSourcesToNaturalTerminalFrame(t *testing.T) {
	up := body(strings.Join([]string{
		`{"choices":[{"index":0,"delta":{"content":"a"}}]}`,
		`{"choices":[{"index":0,"delta":{"content":"b"},"finish_reason":"stop"}]}`,
		`{"choices":[],"usage":{"prompt_tokens":10,"completion_tokens":2,"total_tokens":12}}`,
	}, "\n"))

	frames, sum := collect(t, up, RelayOptions{Provider: "chatco", Model: "m", RAG: true, Sources: testSources})

	require.Len(t, frames, 3)
	assert.Len(t, frames[0].Get("sources").Array(), 0)
	assert.Len(t, frames[1].Get("sources").Array(), 2)
	assert.False(t, frames[2].Get("sources").Exists())
	assert.False(t, sum.Synthesized)
	assert.Equal(t, "stop", sum.FinishReason)
	assert.Equal(t, 12, sum.Usage.TotalTokens)
}

func TestRelayFirstFrameTerminalGetsFullSources(t *testing.T) {
	up := body(`{"choices":[{"index":0,"delta":{"content":"done"},"finish_reason":"length"}]}` + "\n")
	frames, _ := collect(t, up, RelayOptions{Provider: "p", Model: "m", RAG: true, Sources: testSources})
	require.Len(t, frames, 1)
	assert.Len(t, frames[0].Get("sources").Array(), 2)
}

func TestRelayWithoutRAGPassesThrough(t *testing.T) {
	up := body("data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n: keepalive\nevent: message\ndata: {broken\n\ndata: [DONE]\n")
	frames, sum := collect(t, up, RelayOptions{Provider: "chatco", Model: "chat-large"})

	require.Len(t, frames, 1)
	assert.False(t, frames[0].Get("sources").Exists())
	assert.Equal(t, "chatco", frames[0].Get("provider").String())
	assert.Equal(t, "chat-large", frames[0].Get("model").String())
	assert.False(t, sum.Synthesized)
}

func TestRelayLiftsDirectFrames(t *testing.T) {
	up := body(strings.Join([]string{
		`{"text":"Hi"}`,
		`{"text":" there","done":true,"usage":{"input_tokens":4,"output_tokens":2}}`,
	}, "\n"))
	frames, sum := collect(t, up, RelayOptions{Provider: "local", Model: "small", RAG: true})

	require.Len(t, frames, 2)
	assert.Equal(t, "Hi", frames[0].Get("choices.0.delta.content").String())
	assert.False(t, frames[0].Get("text").Exists())
	assert.Equal(t, "stop", frames[1].Get("choices.0.finish_reason").String())
	assert.True(t, frames[1].Get("sources").IsArray())
	assert.Equal(t, "Hi there", sum.Content)
	assert.Equal(t, 6, sum.Usage.TotalTokens)
}

// blockingBody never yields data until it is closed.
type blockingBody struct {
	closed chan struct{}
	closes atomic.Int32
}

func (b *blockingBody) Read(p []byte) (int, error) {
	<-b.closed
	return 0, errors.New("read on closed body")
}

func (b *blockingBody) Close() error {
	if b.closes.Add(1) == 1 {
		close(b.closed)
	}
	return nil
}

func TestRelayCancellationClosesUpstream(t *testing.T) {
	up := &blockingBody{closed: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := NewRelay(zap.NewNop()).Run(ctx, up, RelayOptions{RAG: true}, func([]byte) error { return nil })
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop after cancellation")
	}
	assert.Equal(t, int32(1), up.closes.Load())
}

func TestRelayStopsWhenDownstreamFails(t *testing.T) {
	up := body("{\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n{\"choices\":[{\"delta\":{\"content\":\"b\"}}]}\n")
	calls := 0
	_, err := NewRelay(zap.NewNop()).Run(context.Background(), up, RelayOptions{}, func([]byte) error {
		calls++
		return ErrStreamClosed
	})
	assert.ErrorIs(t, err, ErrStreamClosed)
	assert.Equal(t, 1, calls)
	assert.Equal(t, int32(1), up.closes.Load())
}
