// Package storage selects the dead-letter archive backend. Rejected and
// permanently failed delivery batches are written there as JSON objects.
package storage

import (
	"context"
	"fmt"

	gcsclient "cloud.google.com/go/storage"

	"github.com/IINGS/Crawler/internal/crawler"
	"github.com/IINGS/Crawler/internal/storage/gcs"
	"github.com/IINGS/Crawler/internal/storage/local"
	"github.com/IINGS/Crawler/internal/storage/memory"
)

// Config selects the archive backend.
type Config struct {
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// Open returns the configured archive, or nil when archiving is disabled. The
// returned close function is never nil.
func Open(ctx context.Context, cfg Config) (crawler.BlobStore, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Backend {
	case "", "none":
		return nil, noop, nil
	case "memory":
		return memory.NewBlobStore(), noop, nil
	case "local":
		store, err := local.New(local.Config{BaseDir: cfg.Dir})
		if err != nil {
			return nil, noop, fmt.Errorf("open local dead letter store: %w", err)
		}
		return store, noop, nil
	case "gcs":
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return nil, noop, fmt.Errorf("create gcs client: %w", err)
		}
		store, err := gcs.New(client, gcs.Config{Bucket: cfg.Bucket})
		if err != nil {
			_ = client.Close() //nolint:errcheck // config error takes precedence
			return nil, noop, err
		}
		return store, client.Close, nil
	default:
		return nil, noop, fmt.Errorf("unsupported dead letter backend %q", cfg.Backend)
	}
}
