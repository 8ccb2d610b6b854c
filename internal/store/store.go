// Package store persists document chunks together with their quantized
// multi-vector embeddings and ranks them by MaxSim similarity.
package store

import (
	"context"

	"github.com/quiverdb/quiver/internal/models"
	"github.com/quiverdb/quiver/internal/quantize"
)

// ScorerMode selects where MaxSim scoring runs.
type ScorerMode string

const (
	// ScorerBackend pushes scoring into the database through a registered
	// max_sim routine, so candidate vectors never leave the backend.
	ScorerBackend ScorerMode = "backend"
	// ScorerProcess pulls candidate vectors and scores them in-process.
	ScorerProcess ScorerMode = "process"
)

// MultiVectorStore is the persistence and similarity contract for chunks with
// multi-vector embeddings.
type MultiVectorStore interface {
	// EnsureSchema creates or evolves the storage relation, its document_id
	// index, and the max_sim routine where the backend supports stored
	// routines. Idempotent; pre-existing rows survive schema evolution.
	EnsureSchema(ctx context.Context) error

	// Insert writes chunks best-effort: each chunk independently, chunks
	// without vectors logged and skipped. Returns whether at least one chunk
	// was stored, plus the keys actually stored. Re-inserting an existing
	// (document_id, chunk_number) key replaces that chunk.
	Insert(ctx context.Context, chunks []*models.Chunk) (bool, []string)

	// GetByKeys fetches chunks by natural key in a single backend round trip.
	// Unknown keys are omitted. Results carry no vectors and score 0.0.
	GetByKeys(ctx context.Context, keys []models.ChunkKey) ([]*models.Chunk, error)

	// Rank returns the top-k chunks by MaxSim score, sorted descending with a
	// deterministic tie-break. k <= 0 is ErrInvalidArgument. An empty query
	// scores every candidate 0.0. docIDs semantics: nil means no filter; a
	// non-nil empty slice excludes everything.
	Rank(ctx context.Context, query []quantize.BitVector, k int, docIDs []string) ([]*models.Chunk, error)

	// DeleteByDocument removes every chunk of the document. Never returns an
	// error: false signals backend failure, so it is safe in cleanup paths.
	DeleteByDocument(ctx context.Context, documentID string) bool

	// Count returns the number of stored chunks.
	Count(ctx context.Context) (int64, error)

	Close() error
}
