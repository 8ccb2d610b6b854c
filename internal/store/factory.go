package store

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/quiverdb/quiver/internal/config"
)

// Backend identifies a persistence backend.
type Backend string

const (
	// BackendSQLite stores vectors as blobs and can score either in the
	// backend (registered max_sim function) or in-process.
	BackendSQLite Backend = "sqlite"
	// BackendPostgres stores vectors as bit(D)[] and scores in the backend
	// through a stored SQL function.
	BackendPostgres Backend = "postgres"
)

// New creates a multi-vector store for the configured backend.
func New(cfg *config.StoreConfig, logger *zap.Logger) (MultiVectorStore, error) {
	policy := RetryPolicy{MaxRetries: cfg.MaxRetries, RetryDelay: cfg.RetryDelay()}
	switch Backend(cfg.Backend) {
	case BackendSQLite, "":
		return NewSQLiteStore(cfg.Path, cfg.Dimension, ScorerMode(cfg.Scorer), policy, logger)
	case BackendPostgres:
		return NewPostgresStore(cfg.DSN, cfg.Dimension, policy, logger)
	default:
		return nil, fmt.Errorf("unknown store backend: %s (supported: sqlite, postgres)", cfg.Backend)
	}
}
