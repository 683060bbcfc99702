package repository

import (
	"context"
	"fmt"

	"cupid-crypto/internal/cache"
	"cupid-crypto/internal/config"
)

// NewStore selects the Store implementation by driver string, the same
// factory-by-config-string idiom the rest of the backend uses for
// pluggable storage/cache providers. "postgres" is the only production
// driver; "memory" exists for local development without a database.
func NewStore(ctx context.Context, driver string, cfg *config.Config, sessionCache cache.SessionCache) (Store, error) {
	switch driver {
	case "", "postgres":
		return NewPostgresStore(ctx, cfg.Postgres, cfg.Store, sessionCache)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("repository: unknown store driver %q", driver)
	}
}
