package storage

import (
	"context"
	"fmt"
)

// Options selects and configures a Store backend.
type Options struct {
	Backend  string // memory, postgres or mongo
	PGDSN    string
	MongoURI string
	MongoDB  string
	// Migrate applies the schema (postgres) or indexes (mongo) on open.
	Migrate bool
}

// Open connects the configured backend. The returned func releases it.
func Open(ctx context.Context, o Options) (Store, func() error, error) {
	switch o.Backend {
	case "", "memory":
		return NewMemoryStore(), func() error { return nil }, nil
	case "postgres":
		ps, err := NewPostgresStore(o.PGDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := ps.Ping(ctx); err != nil {
			_ = ps.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		if o.Migrate {
			if err := ps.Migrate(ctx); err != nil {
				_ = ps.Close()
				return nil, nil, fmt.Errorf("migrate postgres: %w", err)
			}
		}
		return ps, ps.Close, nil
	case "mongo":
		ms, err := NewMongoStore(ctx, o.MongoURI, o.MongoDB)
		if err != nil {
			return nil, nil, fmt.Errorf("open mongo: %w", err)
		}
		if o.Migrate {
			if err := ms.EnsureIndexes(ctx); err != nil {
				_ = ms.Close()
				return nil, nil, fmt.Errorf("mongo indexes: %w", err)
			}
		}
		return ms, ms.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", o.Backend)
	}
}
