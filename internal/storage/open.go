package storage

import (
	"context"
	"fmt"

	"github.com/haasonsaas/parley/internal/config"
)

// Open builds the Store selected by the database config.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Store, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite", "postgres":
		return OpenSQL(ctx, SQLConfig{
			Dialect:         Dialect(cfg.Driver),
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxConnections,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		})
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
