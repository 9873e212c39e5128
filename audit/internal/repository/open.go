package repository

import (
	"context"
	"fmt"
)

// Config selects and configures a backend.
type Config struct {
	Backend    string
	OpenSearch OpenSearchConfig
	Mongo      MongoConfig
	Postgres   PostgresConfig
}

// Open connects the configured backend, bounded by DefaultSetupTimeout.
func Open(ctx context.Context, cfg Config) (Repository, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultSetupTimeout)
	defer cancel()

	switch cfg.Backend {
	case BackendMemory, "":
		return NewMemory(), nil
	case BackendOpenSearch:
		return NewOpenSearch(ctx, cfg.OpenSearch)
	case BackendMongo:
		return NewMongo(ctx, cfg.Mongo)
	case BackendPostgres:
		return NewPostgres(ctx, cfg.Postgres)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
