package main

import (
	"context"
	"fmt"

	"github.com/okian/presence/internal/adapters/repository"
	"github.com/okian/presence/internal/adapters/repository/postgres"
	"github.com/okian/presence/internal/adapters/repository/sqlite"
	"github.com/okian/presence/internal/config"
)

// openStore opens the configured backend.
func openStore(ctx context.Context, cfg *config.Config) (repository.Store, error) {
	switch cfg.StoreDriver {
	case "memory":
		return repository.NewMemoryStore(), nil
	case "sqlite":
		s, err := sqlite.Open(ctx, cfg.StorePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store %s: %w", cfg.StorePath, err)
		}
		return s, nil
	case "postgres":
		s, err := postgres.Open(ctx, cfg.StoreDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: unknown store_driver %q", config.ErrInvalidConfig, cfg.StoreDriver)
	}
}
