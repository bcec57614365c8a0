package store

import (
	"context"
	"fmt"
)

// DriverConfig is the minimal shape open.go needs; callers copy the
// fields from config.StoreConfig so internal/config need not import store.
type DriverConfig struct {
	Driver string
	DSN    string
}

// Open constructs the configured KV adapter.
func Open(ctx context.Context, cfg DriverConfig) (KV, error) {
	switch cfg.Driver {
	case "sqlite", "":
		return OpenSQLite(cfg.DSN)
	case "postgres":
		return OpenPostgres(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}
}
