package registry

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-rag/internal/apperr"
)

type fakeSource struct {
	mu        sync.Mutex
	providers map[string]*Provider
	models    map[string]*Model
	mappings  map[string][]ParameterMapping

	modelLoads atomic.Int32
	gate       chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		providers: map[string]*Provider{
			"p1": {ID: "p1", Name: "chatco", Active: true},
			"p2": {ID: "p2", Name: "offline", Active: false},
		},
		models: map[string]*Model{
			"chat-large": {ID: "m1", Name: "chat-large", ProviderID: "p1", Type: ModelText, Status: StatusActive, IsDefault: true},
			"retired":    {ID: "m2", Name: "retired", ProviderID: "p1", Type: ModelText, Status: StatusInactive},
			"orphan":     {ID: "m3", Name: "orphan", ProviderID: "p2", Type: ModelText, Status: StatusActive},
			"embed":      {ID: "m4", Name: "embed", ProviderID: "p1", Type: ModelEmbedding, Status: StatusActive},
		},
		mappings: map[string][]ParameterMapping{
			"m1": {{ModelID: "m1", UnifiedParam: "prompt", ProviderParam: "messages", Transform: TransformFormatAsChatMessage}},
		},
	}
}

func (f *fakeSource) GetProvider(_ context.Context, id string) (*Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.providers[id]
	if !ok {
		return nil, apperr.NotFound("provider")
	}
	cp := *p
	return &cp, nil
}

// GetModelByName reads the row before waiting on the gate, so a gated load
// returns what the table held when it started.
func (f *fakeSource) GetModelByName(ctx context.Context, name string) (*Model, error) {
	f.mu.Lock()
	m, ok := f.models[name]
	var cp Model
	if ok {
		cp = *m
	}
	f.mu.Unlock()
	f.modelLoads.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !ok {
		return nil, apperr.NotFound("model")
	}
	return &cp, nil
}

func waitForLoads(t *testing.T, src *fakeSource, n int32) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for src.modelLoads.Load() < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d model loads, got %d", n, src.modelLoads.Load())
		}
		time.Sleep(time.Millisecond)
	}
}

func (f *fakeSource) GetDefaultModel(_ context.Context, t ModelType) (*Model, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.models {
		if m.Type == t && m.IsDefault {
			cp := *m
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("default model")
}

func (f *fakeSource) ListMappings(_ context.Context, modelID string) ([]ParameterMapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mappings[modelID], nil
}

func TestConcurrentFirstTouchLoadsOnce(t *testing.T) {
	src := newFakeSource()
	src.gate = make(chan struct{})
	reg := New(src, Options{}, zap.NewNop())

	const callers = 32
	results := make([]*Model, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := reg.LookupModel(context.Background(), "chat-large")
			assert.NoError(t, err)
			results[i] = m
		}(i)
	}
	// let every caller reach the singleflight barrier before releasing
	time.Sleep(50 * time.Millisecond)
	close(src.gate)
	wg.Wait()

	assert.Equal(t, int32(1), src.modelLoads.Load())
	for _, m := range results {
		assert.Same(t, results[0], m)
	}
}

func TestCacheHitAndInvalidate(t *testing.T) {
	src := newFakeSource()
	reg := New(src, Options{}, zap.NewNop())
	ctx := context.Background()

	_, err := reg.LookupModel(ctx, "chat-large")
	require.NoError(t, err)
	_, err = reg.LookupModel(ctx, "chat-large")
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.modelLoads.Load())

	reg.Invalidate(CacheModel, "chat-large")
	_, err = reg.LookupModel(ctx, "chat-large")
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.modelLoads.Load())

	reg.InvalidateAll()
	_, err = reg.LookupModel(ctx, "chat-large")
	require.NoError(t, err)
	assert.Equal(t, int32(3), src.modelLoads.Load())
}

func TestCancelledCallerDoesNotFailJoinedCallers(t *testing.T) {
	src := newFakeSource()
	src.gate = make(chan struct{})
	reg := New(src, Options{}, zap.NewNop())

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := reg.LookupModel(ctxA, "chat-large")
		errA <- err
	}()
	waitForLoads(t, src, 1)

	type result struct {
		m   *Model
		err error
	}
	resB := make(chan result, 1)
	go func() {
		m, err := reg.LookupModel(context.Background(), "chat-large")
		resB <- result{m, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	if err := <-errA; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller: expected context.Canceled, got %v", err)
	}
	close(src.gate)

	b := <-resB
	if b.err != nil {
		t.Fatalf("joined caller with live ctx failed: %v", b.err)
	}
	if b.m.Name != "chat-large" {
		t.Errorf("expected chat-large, got %s", b.m.Name)
	}
	if n := src.modelLoads.Load(); n != 1 {
		t.Errorf("expected one shared load, got %d", n)
	}
}

func TestInvalidateDuringLoadIsNotLost(t *testing.T) {
	src := newFakeSource()
	src.models["chat-large"].ContextWindow = 1
	src.gate = make(chan struct{})
	reg := New(src, Options{}, zap.NewNop())
	ctx := context.Background()

	done := make(chan *Model, 1)
	go func() {
		m, err := reg.LookupModel(ctx, "chat-large")
		if err != nil {
			t.Errorf("in-flight lookup: %v", err)
		}
		done <- m
	}()
	waitForLoads(t, src, 1)

	src.mu.Lock()
	src.models["chat-large"].ContextWindow = 2
	src.mu.Unlock()
	reg.Invalidate(CacheModel, "chat-large")
	close(src.gate)

	if m := <-done; m != nil && m.ContextWindow != 1 {
		t.Errorf("in-flight lookup should see the row it read, got version %d", m.ContextWindow)
	}
	m, err := reg.LookupModel(ctx, "chat-large")
	if err != nil {
		t.Fatalf("lookup after invalidate: %v", err)
	}
	if m.ContextWindow != 2 {
		t.Fatalf("after edit and invalidate, cached version=%d, want 2", m.ContextWindow)
	}
}

func TestCacheEntriesExpire(t *testing.T) {
	src := newFakeSource()
	reg := New(src, Options{TTL: 30 * time.Millisecond}, zap.NewNop())
	ctx := context.Background()

	_, err := reg.LookupModel(ctx, "chat-large")
	require.NoError(t, err)
	time.Sleep(80 * time.Millisecond)
	_, err = reg.LookupModel(ctx, "chat-large")
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.modelLoads.Load())
}

func TestNotFoundIsNotCached(t *testing.T) {
	src := newFakeSource()
	reg := New(src, Options{}, zap.NewNop())
	ctx := context.Background()

	_, err := reg.LookupModel(ctx, "new-model")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	src.mu.Lock()
	src.models["new-model"] = &Model{ID: "m9", Name: "new-model", ProviderID: "p1", Type: ModelText, Status: StatusActive}
	src.mu.Unlock()

	m, err := reg.LookupModel(ctx, "new-model")
	require.NoError(t, err)
	assert.Equal(t, "m9", m.ID)
}

func TestResolve(t *testing.T) {
	reg := New(newFakeSource(), Options{}, zap.NewNop())
	ctx := context.Background()

	m, p, err := reg.Resolve(ctx, "", ModelText)
	require.NoError(t, err)
	assert.Equal(t, "chat-large", m.Name)
	assert.Equal(t, "p1", p.ID)

	_, _, err = reg.Resolve(ctx, "", ModelEmbedding)
	assert.ErrorIs(t, err, apperr.ErrConfiguration)

	_, _, unknownErr := reg.Resolve(ctx, "nope", ModelText)
	_, _, inactiveErr := reg.Resolve(ctx, "retired", ModelText)
	_, _, providerErr := reg.Resolve(ctx, "orphan", ModelText)
	_, _, typeErr := reg.Resolve(ctx, "embed", ModelText)
	for _, err := range []error{unknownErr, inactiveErr, providerErr, typeErr} {
		require.ErrorIs(t, err, apperr.ErrNotFound)
		assert.Equal(t, unknownErr.Error(), err.Error())
	}
}

func TestMappingsFor(t *testing.T) {
	src := newFakeSource()
	reg := New(src, Options{}, zap.NewNop())

	ms, err := reg.MappingsFor(context.Background(), "m1")
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, "messages", ms[0].ProviderParam)

	src.mappings["m4"] = []ParameterMapping{{ModelID: "m4", UnifiedParam: "text", ProviderParam: "input", Transform: "shout"}}
	_, err = reg.MappingsFor(context.Background(), "m4")
	assert.ErrorIs(t, err, apperr.ErrConfiguration)
}

func TestProviderSecret(t *testing.T) {
	p := &Provider{Name: "chatco"}
	s, err := p.Secret()
	require.NoError(t, err)
	assert.Empty(t, s)

	p.SecretRef = "literal-key"
	s, err = p.Secret()
	require.NoError(t, err)
	assert.Equal(t, "literal-key", s)

	p.SecretRef = "env:NUKA_TEST_PROVIDER_KEY"
	_, err = p.Secret()
	assert.ErrorIs(t, err, apperr.ErrConfiguration)

	t.Setenv("NUKA_TEST_PROVIDER_KEY", "from-env")
	s, err = p.Secret()
	require.NoError(t, err)
	assert.Equal(t, "from-env", s)
}

func TestEncryptedSecret(t *testing.T) {
	t.Setenv("NUKA_ENCRYPT_KEY", "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")

	ct, err := Encrypt("sk-sealed")
	require.NoError(t, err)

	p := &Provider{Name: "chatco", SecretRef: "enc:" + hex.EncodeToString(ct)}
	s, err := p.Secret()
	require.NoError(t, err)
	assert.Equal(t, "sk-sealed", s)

	p.SecretRef = "enc:zz"
	_, err = p.Secret()
	assert.ErrorIs(t, err, apperr.ErrConfiguration)
}
