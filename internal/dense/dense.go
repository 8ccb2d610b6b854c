// Package dense is a thin pass-through store for single pooled-vector
// embeddings on PostgreSQL with pgvector. It exists as a collaborator next to
// the multi-vector store; similarity search is delegated entirely to the
// backend's ANN index.
package dense

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/quiverdb/quiver/internal/models"
	"github.com/quiverdb/quiver/internal/store"
)

// Chunk is a stored chunk with one pooled embedding.
type Chunk struct {
	DocumentID  string                 `json:"document_id"`
	ChunkNumber int                    `json:"chunk_number"`
	Content     string                 `json:"content"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Embedding   []float32              `json:"-"`
	Score       float64                `json:"score"`
}

// Store is the pgvector-backed dense store.
type Store struct {
	conn   *store.Connector
	dim    int
	logger *zap.Logger
}

// New opens a connection pool for dsn.
func New(dsn string, dim int, policy store.RetryPolicy, logger *zap.Logger) (*Store, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("dimension must be positive, got %d", dim)
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &Store{conn: store.NewConnector(db, policy, logger), dim: dim, logger: logger}, nil
}

// EnsureSchema installs the pgvector extension, the relation, and an ivfflat
// cosine index. Idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	return s.conn.WithConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		ddls := []string{
			`CREATE EXTENSION IF NOT EXISTS vector`,
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS dense_chunks (
				id BIGSERIAL PRIMARY KEY,
				document_id TEXT NOT NULL,
				chunk_number INTEGER NOT NULL,
				content TEXT NOT NULL,
				metadata TEXT,
				embedding vector(%d) NOT NULL,
				UNIQUE (document_id, chunk_number)
			)`, s.dim),
			`CREATE INDEX IF NOT EXISTS idx_dense_chunks_document_id ON dense_chunks (document_id)`,
			`CREATE INDEX IF NOT EXISTS idx_dense_chunks_embedding
			 ON dense_chunks USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)`,
		}
		for _, ddl := range ddls {
			if _, err := conn.ExecContext(ctx, ddl); err != nil {
				return err
			}
		}
		return nil
	})
}

// Insert writes chunks best-effort, mirroring the multi-vector insert
// contract: chunks without an embedding are logged and skipped.
func (s *Store) Insert(ctx context.Context, chunks []*Chunk) (bool, []string) {
	var stored []string
	err := s.conn.WithConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		for _, chunk := range chunks {
			key := fmt.Sprintf("%s-%d", chunk.DocumentID, chunk.ChunkNumber)
			if len(chunk.Embedding) != s.dim {
				s.logger.Warn("missing or misshaped embedding for chunk, skipping", zap.String("key", key))
				continue
			}
			metadata, err := models.EncodeMetadata(chunk.Metadata)
			if err != nil {
				s.logger.Warn("failed to encode metadata for chunk, skipping",
					zap.String("key", key), zap.Error(err))
				continue
			}
			_, err = conn.ExecContext(ctx, `
				INSERT INTO dense_chunks (document_id, chunk_number, content, metadata, embedding)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (document_id, chunk_number) DO UPDATE SET
					content = excluded.content,
					metadata = excluded.metadata,
					embedding = excluded.embedding`,
				chunk.DocumentID, chunk.ChunkNumber, chunk.Content, metadata,
				pgvector.NewVector(chunk.Embedding))
			if err != nil {
				s.logger.Warn("failed to store chunk", zap.String("key", key), zap.Error(err))
				continue
			}
			stored = append(stored, key)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("dense insert batch failed", zap.Error(err))
	}
	return len(stored) > 0, stored
}

// QuerySimilar returns the top-k chunks by cosine similarity.
func (s *Store) QuerySimilar(ctx context.Context, embedding []float32, k int, docIDs []string) ([]*Chunk, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive, got %d", store.ErrInvalidArgument, k)
	}
	if docIDs != nil && len(docIDs) == 0 {
		return []*Chunk{}, nil
	}
	if len(embedding) != s.dim {
		return nil, fmt.Errorf("query dimension mismatch: got %d, expected %d", len(embedding), s.dim)
	}

	sqlQuery := `
		SELECT document_id, chunk_number, content, metadata,
		       1 - (embedding <=> $1) AS similarity
		FROM dense_chunks`
	args := []interface{}{pgvector.NewVector(embedding)}
	if docIDs != nil {
		sqlQuery += " WHERE document_id = ANY($2)"
		args = append(args, pq.Array(docIDs))
	}
	sqlQuery += fmt.Sprintf(" ORDER BY similarity DESC, id ASC LIMIT $%d", len(args)+1)
	args = append(args, k)

	var chunks []*Chunk
	err := s.conn.WithConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, sqlQuery, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				chunk    Chunk
				metadata sql.NullString
			)
			if err := rows.Scan(&chunk.DocumentID, &chunk.ChunkNumber, &chunk.Content, &metadata, &chunk.Score); err != nil {
				return err
			}
			chunk.Metadata = models.DecodeMetadata(metadata.String)
			chunks = append(chunks, &chunk)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("dense similarity query failed: %w", err)
	}
	return chunks, nil
}

// DeleteByDocument removes all dense chunks for the document. Returns false
// rather than an error on backend failure.
func (s *Store) DeleteByDocument(ctx context.Context, documentID string) bool {
	err := s.conn.WithConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `DELETE FROM dense_chunks WHERE document_id = $1`, documentID)
		return err
	})
	if err != nil {
		s.logger.Error("failed to delete dense chunks for document",
			zap.String("document_id", documentID), zap.Error(err))
		return false
	}
	return true
}

// Close closes the store.
func (s *Store) Close() error {
	return s.conn.Close()
}
