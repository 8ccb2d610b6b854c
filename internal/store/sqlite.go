package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/quiverdb/quiver/internal/maxsim"
	"github.com/quiverdb/quiver/internal/models"
	"github.com/quiverdb/quiver/internal/quantize"
)

const sqliteDriverName = "sqlite3_maxsim"

var registerDriverOnce sync.Once

// registerSQLiteDriver installs a sqlite3 driver variant whose connections
// carry the max_sim scalar function. Registered once per process.
func registerSQLiteDriver() {
	registerDriverOnce.Do(func() {
		sql.Register(sqliteDriverName, &sqlite3.SQLiteDriver{
			ConnectHook: func(conn *sqlite3.SQLiteConn) error {
				return conn.RegisterFunc("max_sim", sqliteMaxSim, true)
			},
		})
	})
}

// sqliteMaxSim scores a stored vector blob against a query blob. Both blobs
// use the quantize blob framing; the stored blob's dimension drives the
// similarity normalization.
func sqliteMaxSim(doc, query []byte) (float64, error) {
	dim, docVecs, err := quantize.DecodeBlob(doc)
	if err != nil {
		return 0, fmt.Errorf("failed to decode stored vectors: %w", err)
	}
	_, queryVecs, err := quantize.DecodeBlob(query)
	if err != nil {
		return 0, fmt.Errorf("failed to decode query vectors: %w", err)
	}
	return maxsim.Score(queryVecs, docVecs, dim), nil
}

// SQLiteStore implements MultiVectorStore on SQLite. The MaxSim routine is
// installed into connections through a driver ConnectHook, so scoring can run
// inside SQL instead of pulling candidate vectors to the caller.
type SQLiteStore struct {
	conn   *Connector
	dim    int
	scorer ScorerMode
	logger *zap.Logger
}

// NewSQLiteStore opens or creates the database at path. Parent directories
// are created if needed. scorer selects backend-pushed or in-process MaxSim.
func NewSQLiteStore(path string, dim int, scorer ScorerMode, policy RetryPolicy, logger *zap.Logger) (*SQLiteStore, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("dimension must be positive, got %d", dim)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	registerSQLiteDriver()
	db, err := sql.Open(sqliteDriverName, "file:"+path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &SQLiteStore{
		conn:   NewConnector(db, policy, logger),
		dim:    dim,
		scorer: scorer,
		logger: logger,
	}, nil
}

// EnsureSchema creates the chunk relation and its indexes, or evolves a
// pre-existing relation by adding missing columns without touching rows.
func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	err := s.conn.WithConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		var name string
		err := conn.QueryRowContext(ctx,
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'multi_vector_chunks'`,
		).Scan(&name)
		switch {
		case err == sql.ErrNoRows:
			_, err = conn.ExecContext(ctx, `
				CREATE TABLE multi_vector_chunks (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					document_id TEXT NOT NULL,
					chunk_number INTEGER NOT NULL,
					content TEXT NOT NULL,
					metadata TEXT,
					vectors BLOB NOT NULL
				)`)
			if err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			if err := evolveSQLiteSchema(ctx, conn); err != nil {
				return err
			}
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
		return nil
	})
	if err != nil {
		return &SchemaError{Op: "setup", Err: err}
	}
	return nil
}

// evolveSQLiteSchema adds any columns missing from an older table layout.
// Existing rows are preserved.
func evolveSQLiteSchema(ctx context.Context, conn *sql.Conn) error {
	rows, err := conn.QueryContext(ctx, `PRAGMA table_info(multi_vector_chunks)`)
	if err != nil {
		return err
	}
	defer rows.Close()

	existing := make(map[string]bool)
	for rows.Next() {
		var (
			cid     int
			name    string
			colType string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return err
		}
		existing[name] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}

	wanted := []struct{ name, def string }{
		{"document_id", "TEXT"},
		{"chunk_number", "INTEGER"},
		{"content", "TEXT"},
		{"metadata", "TEXT"},
		{"vectors", "BLOB"},
	}
	for _, col := range wanted {
		if existing[col.name] {
			continue
		}
		ddl := fmt.Sprintf("ALTER TABLE multi_vector_chunks ADD COLUMN %s %s", col.name, col.def)
		if _, err := conn.ExecContext(ctx, ddl); err != nil {
			return err
		}
	}
	return nil
}

// Insert writes chunks best-effort. Chunks without vectors, or with vectors
// of the wrong dimension, are logged and skipped; one failed row does not
// abort the rest of the batch.
func (s *SQLiteStore) Insert(ctx context.Context, chunks []*models.Chunk) (bool, []string) {
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
			blob := quantize.EncodeBlob(s.dim, chunk.Vectors)
			_, err = conn.ExecContext(ctx, `
				INSERT INTO multi_vector_chunks (document_id, chunk_number, content, metadata, vectors)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT (document_id, chunk_number) DO UPDATE SET
					content = excluded.content,
					metadata = excluded.metadata,
					vectors = excluded.vectors`,
				chunk.DocumentID, chunk.ChunkNumber, chunk.Content, metadata, blob,
			)
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
	s.logger.Debug("chunk embeddings stored", zap.Int("count", len(stored)))
	return len(stored) > 0, stored
}

// GetByKeys fetches chunks by natural key in one query, using a parameterized
// row-value membership predicate. Unknown keys are omitted from the result.
func (s *SQLiteStore) GetByKeys(ctx context.Context, keys []models.ChunkKey) ([]*models.Chunk, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(keys))
	args := make([]interface{}, 0, 2*len(keys))
	for i, key := range keys {
		placeholders[i] = "(?, ?)"
		args = append(args, key.DocumentID, key.ChunkNumber)
	}
	query := fmt.Sprintf(`
		SELECT document_id, chunk_number, content, metadata
		FROM multi_vector_chunks
		WHERE (document_id, chunk_number) IN (VALUES %s)`,
		strings.Join(placeholders, ", "))

	var chunks []*models.Chunk
	err := s.conn.WithConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, query, args...)
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

// Rank returns the top-k chunks by MaxSim score.
func (s *SQLiteStore) Rank(ctx context.Context, query []quantize.BitVector, k int, docIDs []string) ([]*models.Chunk, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive, got %d", ErrInvalidArgument, k)
	}
	// Non-nil empty filter excludes everything; nil means no filter.
	if docIDs != nil && len(docIDs) == 0 {
		return []*models.Chunk{}, nil
	}
	if s.scorer == ScorerProcess {
		return s.rankInProcess(ctx, query, k, docIDs)
	}
	return s.rankInBackend(ctx, query, k, docIDs)
}

// rankInBackend pushes scoring into SQL via the registered max_sim function.
// Ties are broken by rowid, which follows insertion order.
func (s *SQLiteStore) rankInBackend(ctx context.Context, query []quantize.BitVector, k int, docIDs []string) ([]*models.Chunk, error) {
	queryBlob := quantize.EncodeBlob(s.dim, query)
	sqlQuery := `
		SELECT document_id, chunk_number, content, metadata, max_sim(vectors, ?) AS similarity
		FROM multi_vector_chunks`
	args := []interface{}{queryBlob}
	if docIDs != nil {
		sqlQuery += fmt.Sprintf(" WHERE document_id IN (%s)", strings.TrimSuffix(strings.Repeat("?, ", len(docIDs)), ", "))
		for _, id := range docIDs {
			args = append(args, id)
		}
	}
	sqlQuery += " ORDER BY similarity DESC, id ASC LIMIT ?"
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

// rankInProcess pulls candidate vectors in insertion order and scores them
// with the in-process MaxSim kernel.
func (s *SQLiteStore) rankInProcess(ctx context.Context, query []quantize.BitVector, k int, docIDs []string) ([]*models.Chunk, error) {
	sqlQuery := `
		SELECT document_id, chunk_number, content, metadata, vectors
		FROM multi_vector_chunks`
	var args []interface{}
	if docIDs != nil {
		sqlQuery += fmt.Sprintf(" WHERE document_id IN (%s)", strings.TrimSuffix(strings.Repeat("?, ", len(docIDs)), ", "))
		for _, id := range docIDs {
			args = append(args, id)
		}
	}
	sqlQuery += " ORDER BY id ASC"

	var candidates []*models.Chunk
	err := s.conn.WithConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, sqlQuery, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				chunk       models.Chunk
				documentID  sql.NullString
				chunkNumber sql.NullInt64
				content     sql.NullString
				metadata    sql.NullString
				blob        []byte
			)
			if err := rows.Scan(&documentID, &chunkNumber, &content, &metadata, &blob); err != nil {
				return err
			}
			chunk.DocumentID = documentID.String
			chunk.ChunkNumber = int(chunkNumber.Int64)
			chunk.Content = content.String
			_, vectors, err := quantize.DecodeBlob(blob)
			if err != nil {
				s.logger.Warn("corrupt vector blob, skipping chunk",
					zap.String("key", chunk.Key()), zap.Error(err))
				continue
			}
			chunk.Metadata = models.DecodeMetadata(metadata.String)
			chunk.Vectors = vectors
			candidates = append(candidates, &chunk)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("candidate scan failed: %w", err)
	}
	return maxsim.Rank(candidates, query, s.dim, k), nil
}

// DeleteByDocument removes all chunks for the document. Returns false rather
// than an error on backend failure.
func (s *SQLiteStore) DeleteByDocument(ctx context.Context, documentID string) bool {
	err := s.conn.WithConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx,
			`DELETE FROM multi_vector_chunks WHERE document_id = ?`, documentID)
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
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.conn.WithConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM multi_vector_chunks`).Scan(&count)
	})
	return count, err
}

// Close closes the store.
func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}

// scanChunks reads lookup/ranking rows. Decoding is total: rows with
// unparseable metadata come back with an empty map, and rows predating the
// chunk identity columns (NULL document_id/chunk_number/content after schema
// evolution) come back with zero values instead of failing the scan.
func scanChunks(rows *sql.Rows, withScore bool) ([]*models.Chunk, error) {
	var chunks []*models.Chunk
	for rows.Next() {
		var (
			chunk       models.Chunk
			documentID  sql.NullString
			chunkNumber sql.NullInt64
			content     sql.NullString
			metadata    sql.NullString
		)
		var err error
		if withScore {
			err = rows.Scan(&documentID, &chunkNumber, &content, &metadata, &chunk.Score)
		} else {
			err = rows.Scan(&documentID, &chunkNumber, &content, &metadata)
		}
		if err != nil {
			return nil, err
		}
		chunk.DocumentID = documentID.String
		chunk.ChunkNumber = int(chunkNumber.Int64)
		chunk.Content = content.String
		chunk.Metadata = models.DecodeMetadata(metadata.String)
		chunks = append(chunks, &chunk)
	}
	return chunks, rows.Err()
}

// vectorsMatchDim checks that every packed vector has the byte stride the
// configured dimension requires.
func vectorsMatchDim(vectors []quantize.BitVector, dim int) bool {
	stride := (dim + 7) / 8
	for _, v := range vectors {
		if len(v) != stride {
			return false
		}
	}
	return true
}
