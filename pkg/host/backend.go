package host

import (
	"context"
	"fmt"

	"github.com/orneryd/lineagesketch/pkg/config"
	"github.com/orneryd/lineagesketch/pkg/lineage"
	"github.com/orneryd/lineagesketch/pkg/storage"
)

// Backend is an opened graph backend.
type Backend struct {
	Engine lineage.Engine
	// Store is the local provenance store; nil for Neo4j, which is written by
	// other tooling.
	Store storage.Engine

	close func(ctx context.Context) error
}

// OpenBackend opens the graph backend selected by cfg.Lineage.Backend.
func OpenBackend(ctx context.Context, cfg *config.Config) (*Backend, error) {
	key := cfg.Lineage.StorageIDKey

	switch cfg.Lineage.Backend {
	case config.BackendMemory, "":
		store := storage.NewMemoryEngine()
		return storeBackend(store, key), nil

	case config.BackendBadger:
		store, err := storage.NewBadgerEngine(cfg.Lineage.DataDir)
		if err != nil {
			return nil, fmt.Errorf("opening badger store: %w", err)
		}
		return storeBackend(store, key), nil

	case config.BackendNeo4j:
		n := cfg.Lineage.Neo4j
		engine, err := lineage.NewNeo4jEngine(ctx, lineage.Neo4jConfig{
			URI:          n.URI,
			Username:     n.Username,
			Password:     n.Password,
			Database:     n.Database,
			Label:        n.Label,
			StorageIDKey: key,
		})
		if err != nil {
			return nil, err
		}
		return &Backend{Engine: engine, close: engine.Close}, nil

	default:
		return nil, fmt.Errorf("unknown graph backend %q", cfg.Lineage.Backend)
	}
}

func storeBackend(store storage.Engine, key string) *Backend {
	return &Backend{
		Engine: lineage.NewStorageEngine(store, key),
		Store:  store,
		close:  func(context.Context) error { return store.Close() },
	}
}

// Close releases the backend.
func (b *Backend) Close(ctx context.Context) error {
	if b == nil || b.close == nil {
		return nil
	}
	return b.close(ctx)
}
