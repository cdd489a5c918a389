// Package blob stores uploaded document sources until ingestion has read
// them.
package blob

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-rag/internal/config"
)

// Store keeps raw uploads. Paths returned by Put are opaque to callers.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, path string) ([]byte, error)
	Delete(ctx context.Context, path string) error
}

// New builds the configured driver.
func New(ctx context.Context, cfg config.BlobConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Driver {
	case "", "local":
		return NewLocal(cfg.Dir)
	case "s3":
		return NewS3(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.Driver)
	}
}
