package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nidhogg/nuka-rag/internal/apperr"
)

func TestLoadSubstitutesEnv(t *testing.T) {
	t.Setenv("NUKA_TEST_DSN", "postgres://u:p@db:5432/rag")
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.json")
	raw := `{
		"server": {"port": ${NUKA_TEST_PORT:9090}},
		"database": {"postgres": {"dsn": "${NUKA_TEST_DSN}"}},
		"retry": {"base_delay": "500ms", "max_delay": 10},
		"registry": {"cache_ttl": "1m"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "postgres://u:p@db:5432/rag", cfg.Database.Postgres.DSN)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.BaseDelay.Std())
	assert.Equal(t, 10*time.Second, cfg.Retry.MaxDelay.Std())
	assert.Equal(t, time.Minute, cfg.Registry.CacheTTL.Std())
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 5, cfg.Retry.MaxRetries)
	assert.Equal(t, time.Second, cfg.Retry.BaseDelay.Std())
	assert.Equal(t, 30*time.Second, cfg.Retry.MaxDelay.Std())
	assert.Equal(t, 30*time.Second, cfg.Dispatch.Timeout.Std())
	assert.Equal(t, 60*time.Second, cfg.Dispatch.StreamTimeout.Std())
	assert.Equal(t, 1024, cfg.Embedding.Dimension)
	assert.Equal(t, 1500, cfg.Chunker.MaxTokensPerChunk)
	assert.Equal(t, 50, cfg.Chunker.OverlapTokens)
	assert.InDelta(t, 1.15, cfg.Chunker.SafetyMultiplier, 1e-9)
	assert.InDelta(t, 0.7, cfg.Search.Threshold, 1e-9)
	assert.Equal(t, 5*time.Minute, cfg.Registry.CacheTTL.Std())
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsDuplicateDefaults(t *testing.T) {
	raw := `{"registry": {"models": [
		{"id": "a", "name": "a", "type": "text", "is_default": true},
		{"id": "b", "name": "b", "type": "text", "is_default": true}
	]}}`
	_, err := Parse([]byte(raw))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrConfiguration)
}

func TestValidateRejectsDuplicateMapping(t *testing.T) {
	raw := `{"registry": {"mappings": [
		{"model_id": "m", "unified_param": "prompt", "provider_param": "messages"},
		{"model_id": "m", "unified_param": "prompt", "provider_param": "input"}
	]}}`
	_, err := Parse([]byte(raw))
	assert.ErrorIs(t, err, apperr.ErrConfiguration)
}

func TestValidateBlobDriver(t *testing.T) {
	_, err := Parse([]byte(`{"blob": {"driver": "s3"}}`))
	assert.ErrorIs(t, err, apperr.ErrConfiguration)

	cfg, err := Parse([]byte(`{"blob": {"driver": "s3", "bucket": "uploads"}}`))
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", cfg.Blob.Region)
}
