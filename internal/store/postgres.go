package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/quiverdb/quiver/internal/models"
	"github.com/quiverdb/quiver/internal/quantize"
)

// maxSimFunctionSQL is the MaxSim aggregation installed into Postgres: for
// each query vector, the maximum normalized Hamming similarity against any
// document vector, summed over all query vectors.
const maxSimFunctionSQL = `
CREATE OR REPLACE FUNCTION max_sim(document bit[], query bit[]) RETURNS double precision AS $$
    WITH queries AS (
        SELECT row_number() OVER () AS query_number, * FROM (SELECT unnest(query) AS query) AS foo
    ),
    documents AS (
        SELECT unnest(document) AS document
    ),
    similarities AS (
        SELECT
            query_number,
            1.0 - (bit_count(document # query)::float / greatest(bit_length(document), 1)::float) AS similarity
        FROM queries CROSS JOIN documents
    ),
    max_similarities AS (
        SELECT MAX(similarity) AS max_similarity FROM similarities GROUP BY query_number
    )
    SELECT COALESCE(SUM(max_similarity), 0.0) FROM max_similarities
$$ LANGUAGE SQL`

// PostgresStore implements MultiVectorStore on PostgreSQL. Vectors are stored
// as bit(D)[] and scoring always runs in the backend through the max_sim
// function, so candidate vectors never cross the wire.
type PostgresStore struct {
	conn   *Connector
	dim    int
	logger *zap.Logger
}

// NewPostgresStore opens a connection pool for dsn.
func NewPostgresStore(dsn string, dim int, policy RetryPolicy, logger *zap.Logger) (*PostgresStore, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("dimension must be positive, got %d", dim)
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &PostgresStore{
		conn:   NewConnector(db, policy, logger),
		dim:    dim,
		logger: logger,
	}, nil
}

// EnsureSchema creates or evolves the chunk relation, its indexes, and the
// max_sim function. Idempotent; evolution adds columns without dropping rows.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	err := s.conn.WithConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		var tableExists bool
		err := conn.QueryRowContext(ctx, `
			SELECT EXISTS (
				SELECT FROM information_schema.tables
				WHERE table_name = 'multi_vector_chunks'
			)`).Scan(&tableExists)
		if err != nil {
			return err
		}

		if !tableExists {
			_, err = conn.ExecContext(ctx, fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS multi_vector_chunks (
					id BIGSERIAL PRIMARY KEY,
					document_id TEXT NOT NULL,
					chunk_number INTEGER NOT NULL,
					content TEXT NOT NULL,
					metadata TEXT,
					vectors bit(%d)[] NOT NULL
				)`, s.dim))
			if err != nil {
				return err
			}
		} else if err := s.evolveSchema(ctx, conn); err != nil {
			return err
		}

		for _, ddl := range []string{
			`CREATE INDEX IF NOT EXISTS idx_multi_vector_chunks_document_id
			 ON multi_vector_chunks (document_id)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_multi_vector_chunks_key
			 ON multi_vector_chunks (document_id, chunk_number)`,
		} {
			if _, err := conn.ExecContext(ctx, ddl); err != nil {
				return err
			}
		}

		if _, err := conn.ExecContext(ctx, `DROP FUNCTION IF EXISTS max_sim(bit[], bit[])`); err != nil {
			return err
		}
		if _, err := conn.ExecContext(ctx, maxSimFunctionSQL); err != nil {
			return err
		}
		s.logger.Info("max_sim function installed")
		return nil
	})
	if err != nil {
		return &SchemaError{Op: "setup", Err: err}
	}
	return nil
}

// evolveSchema adds the chunk identity columns to a pre-existing table that
// predates them, keeping its rows.
func (s *PostgresStore) evolveSchema(ctx context.Context, conn *sql.Conn) error {
	var hasDocumentID bool
	err := conn.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT FROM information_schema.columns
			WHERE table_name = 'multi_vector_chunks' AND column_name = 'document_id'
		)`).Scan(&hasDocumentID)
	if err != nil {
		return err
	}
	if hasDocumentID {
		return nil
	}
	s.logger.Info("adding chunk identity columns to multi_vector_chunks")
	_, err = conn.ExecContext(ctx, `
		ALTER TABLE multi_vector_chunks
		ADD COLUMN document_id TEXT,
		ADD COLUMN chunk_number INTEGER,
		ADD COLUMN content TEXT,
		ADD COLUMN metadata TEXT`)
	return err
}

// bitStrings renders vectors as '0'/'1' literals for a text[] -> bit(D)[] cast.
func (s *PostgresStore) bitStrings(vectors []quantize.BitVector) []string {
	out := make([]string, len(vectors))
	for i, v := range vectors {
		out[i] = v.BitString(s.dim)
	}
	return out
}

// Insert writes chunks best-effort, one row per chunk.
func (s *PostgresStore) Insert(ctx context.Context, chunks []*models.Chunk) (bool, []string) {
	insertSQL := fmt.Sprintf(`
		INSERT INTO multi_vector_chunks (document_id, chunk_number, content, metadata, vectors)
		VALUES ($1, $2, $3, $4, CAST($5 AS bit(%d)[]))
		ON CONFLICT (document_id, chunk_number) DO UPDATE SET
			content = excluded.content,
			metadata = excluded.metadata,
			vectors = excluded.vectors`, s.dim)

	var stored []string
	err := s.conn.WithConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		for _, chunk := range chunks {
			if len(chunk.Vectors) == 0 {
				s.logger.Warn("missing embeddings for chunk, skipping", zap.String("key", chunk.Key()))
				continue
			}
			if !vectorsMatchDim(chunk.Vectors, s.dim) {
				s.logger.Warn("vector dimension mismatch for chunk, skipping",
					zap.String("key", chunk.Key()), zap.Int("expected_dim", s.dim))
				continue
			}
			metadata, err := models.EncodeMetadata(chunk.Metadata)
			if err != nil {
				s.logger.Warn("failed to encode metadata for chunk, skipping",
					zap.String("key", chunk.Key()), zap.Error(err))
				continue
			}
			_, err = conn.ExecContext(ctx, insertSQL,
				chunk.DocumentID, chunk.ChunkNumber, chunk.Content, metadata,
				pq.Array(s.bitStrings(chunk.Vectors)))
			if err != nil {
				s.logger.Warn("failed to store chunk", zap.String("key", chunk.Key()), zap.Error(err))
				continue
			}
			stored = append(stored, chunk.Key())
		}
		return nil
	})
	if err != nil {
		s.logger.Error("insert batch failed", zap.Error(err))
	}
	return len(stored) > 0, stored
}

// GetByKeys fetches chunks in one round trip through an unnest join over the
// key tuples.
func (s *PostgresStore) GetByKeys(ctx context.Context, keys []models.ChunkKey) ([]*models.Chunk, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	docIDs := make([]string, len(keys))
	chunkNumbers := make([]int64, len(keys))
	for i, key := range keys {
		docIDs[i] = key.DocumentID
		chunkNumbers[i] = int64(key.ChunkNumber)
	}

	var chunks []*models.Chunk
	err := s.conn.WithConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `
			SELECT document_id, chunk_number, content, metadata
			FROM multi_vector_chunks
			WHERE (document_id, chunk_number) IN (
				SELECT * FROM unnest($1::text[], $2::int[])
			)`,
			pq.Array(docIDs), pq.Array(chunkNumbers))
		if err != nil {
			return err
		}
		defer rows.Close()
		chunks, err = scanChunks(rows, false)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("batch chunk lookup failed: %w", err)
	}
	return chunks, nil
}

// Rank returns the top-k chunks by MaxSim score, computed in the backend.
func (s *PostgresStore) Rank(ctx context.Context, query []quantize.BitVector, k int, docIDs []string) ([]*models.Chunk, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive, got %d", ErrInvalidArgument, k)
	}
	if docIDs != nil && len(docIDs) == 0 {
		return []*models.Chunk{}, nil
	}

	sqlQuery := fmt.Sprintf(`
		SELECT document_id, chunk_number, content, metadata,
		       max_sim(vectors, $1::bit(%d)[]) AS similarity
		FROM multi_vector_chunks`, s.dim)
	args := []interface{}{pq.Array(s.bitStrings(query))}
	if docIDs != nil {
		sqlQuery += " WHERE document_id = ANY($2)"
		args = append(args, pq.Array(docIDs))
	}
	sqlQuery += fmt.Sprintf(" ORDER BY similarity DESC, id ASC LIMIT $%d", len(args)+1)
	args = append(args, k)

	var chunks []*models.Chunk
	err := s.conn.WithConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, sqlQuery, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		chunks, err = scanChunks(rows, true)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("similarity query failed: %w", err)
	}
	return chunks, nil
}

// DeleteByDocument removes all chunks for the document. Returns false rather
// than an error on backend failure.
func (s *PostgresStore) DeleteByDocument(ctx context.Context, documentID string) bool {
	err := s.conn.WithConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx,
			`DELETE FROM multi_vector_chunks WHERE document_id = $1`, documentID)
		return err
	})
	if err != nil {
		s.logger.Error("failed to delete chunks for document",
			zap.String("document_id", documentID), zap.Error(err))
		return false
	}
	s.logger.Info("deleted all chunks for document", zap.String("document_id", documentID))
	return true
}

// Count returns the number of stored chunks.
func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.conn.WithConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM multi_vector_chunks`).Scan(&count)
	})
	return count, err
}

// Close closes the store.
func (s *PostgresStore) Close() error {
	return s.conn.Close()
}
