// Package state selects the persistence backend for checkpoints and seen-sets.
package state

import (
	"context"
	"fmt"

	"github.com/IINGS/Crawler/internal/crawler"
	"github.com/IINGS/Crawler/internal/state/memory"
	"github.com/IINGS/Crawler/internal/state/postgres"
	"github.com/IINGS/Crawler/internal/state/sqlite"
)

// Config selects and configures a backend.
type Config struct {
	Backend     string `mapstructure:"backend"`
	Dir         string `mapstructure:"dir"`
	DSN         string `mapstructure:"dsn"`
	TablePrefix string `mapstructure:"table_prefix"`
	MaxConns    int32  `mapstructure:"max_conns"`
}

// Open returns the configured backend.
func Open(ctx context.Context, cfg Config) (crawler.StateStore, error) {
	switch cfg.Backend {
	case "", "sqlite":
		store, err := sqlite.New(sqlite.Config{Dir: cfg.Dir})
		if err != nil {
			return nil, fmt.Errorf("open sqlite state: %w", err)
		}
		return store, nil
	case "postgres":
		store, err := postgres.New(ctx, postgres.Config{
			DSN:         cfg.DSN,
			TablePrefix: cfg.TablePrefix,
			MaxConns:    cfg.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres state: %w", err)
		}
		return store, nil
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unsupported state backend %q", cfg.Backend)
	}
}
