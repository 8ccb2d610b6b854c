package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/quiverdb/quiver/internal/models"
	"github.com/quiverdb/quiver/internal/quantize"
)

const testDim = 8

func newTestStore(t *testing.T, scorer ScorerMode) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(path, testDim, scorer, RetryPolicy{}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s
}

func testVectors(t *testing.T, floats ...[]float32) []quantize.BitVector {
	t.Helper()
	q, err := quantize.New(testDim)
	if err != nil {
		t.Fatal(err)
	}
	out, err := q.Quantize(floats)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

var (
	vecA = []float32{1, 1, 1, 1, 1, 1, 1, 1}
	vecB = []float32{-1, -1, -1, -1, -1, -1, -1, -1}
	vecC = []float32{1, 1, 1, 1, -1, -1, -1, -1}
)

func seedChunks(t *testing.T, s *SQLiteStore) {
	t.Helper()
	v := testVectors(t, vecA, vecB, vecC)
	ok, keys := s.Insert(context.Background(), []*models.Chunk{
		{DocumentID: "docA", ChunkNumber: 0, Content: "the cat sat",
			Metadata: map[string]interface{}{"page": float64(1)},
			Vectors:  []quantize.BitVector{v[0], v[1]}},
		{DocumentID: "docA", ChunkNumber: 1, Content: "on the mat",
			Vectors: []quantize.BitVector{v[2]}},
		{DocumentID: "docB", ChunkNumber: 0, Content: "unrelated",
			Vectors: []quantize.BitVector{v[1]}},
	})
	if !ok || len(keys) != 3 {
		t.Fatalf("seed insert: ok=%v keys=%v", ok, keys)
	}
}

func TestInsertAndGetByKeys(t *testing.T) {
	s := newTestStore(t, ScorerBackend)
	seedChunks(t, s)

	chunks, err := s.GetByKeys(context.Background(), []models.ChunkKey{
		{DocumentID: "docA", ChunkNumber: 0},
		{DocumentID: "docA", ChunkNumber: 1},
		{DocumentID: "missing", ChunkNumber: 9},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2 (unknown keys omitted)", len(chunks))
	}
	byKey := make(map[string]*models.Chunk)
	for _, c := range chunks {
		byKey[c.Key()] = c
	}
	c0 := byKey["docA-0"]
	if c0 == nil || c0.Content != "the cat sat" {
		t.Fatalf("docA-0: got %+v", c0)
	}
	if c0.Metadata["page"] != float64(1) {
		t.Errorf("metadata: got %v", c0.Metadata)
	}
	if c0.Vectors != nil {
		t.Error("lookup result must not carry vectors")
	}
	if c0.Score != 0.0 {
		t.Errorf("lookup score: got %v, want 0.0", c0.Score)
	}
}

func TestGetByKeys_Empty(t *testing.T) {
	s := newTestStore(t, ScorerBackend)
	chunks, err := s.GetByKeys(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 0 {
		t.Errorf("got %d chunks, want 0", len(chunks))
	}
}

func TestInsert_SkipsChunksWithoutVectors(t *testing.T) {
	s := newTestStore(t, ScorerBackend)
	v := testVectors(t, vecA)
	ok, keys := s.Insert(context.Background(), []*models.Chunk{
		{DocumentID: "d", ChunkNumber: 0, Content: "no vectors"},
		{DocumentID: "d", ChunkNumber: 1, Content: "has vectors", Vectors: v},
	})
	if !ok {
		t.Error("success should be true when at least one chunk stored")
	}
	if len(keys) != 1 || keys[0] != "d-1" {
		t.Errorf("stored keys: got %v, want [d-1]", keys)
	}
	// The vectorless chunk must not exist as a partial row.
	chunks, err := s.GetByKeys(context.Background(), []models.ChunkKey{{DocumentID: "d", ChunkNumber: 0}})
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 0 {
		t.Error("chunk without vectors must not be stored")
	}
}

func TestInsert_AllSkipped(t *testing.T) {
	s := newTestStore(t, ScorerBackend)
	ok, keys := s.Insert(context.Background(), []*models.Chunk{
		{DocumentID: "d", ChunkNumber: 0},
	})
	if ok || len(keys) != 0 {
		t.Errorf("got ok=%v keys=%v, want false and no keys", ok, keys)
	}
}

func TestInsert_UpsertOnNaturalKey(t *testing.T) {
	s := newTestStore(t, ScorerBackend)
	v := testVectors(t, vecA, vecB)
	ctx := context.Background()

	s.Insert(ctx, []*models.Chunk{
		{DocumentID: "d", ChunkNumber: 0, Content: "first", Vectors: v[:1]},
	})
	s.Insert(ctx, []*models.Chunk{
		{DocumentID: "d", ChunkNumber: 0, Content: "second", Vectors: v[1:]},
	})

	chunks, err := s.GetByKeys(ctx, []models.ChunkKey{{DocumentID: "d", ChunkNumber: 0}})
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 {
		t.Fatalf("got %d rows for one key, want 1 (upsert, not duplicate)", len(chunks))
	}
	if chunks[0].Content != "second" {
		t.Errorf("content: got %q, want %q", chunks[0].Content, "second")
	}
}

func rankTest(t *testing.T, scorer ScorerMode) {
	s := newTestStore(t, scorer)
	seedChunks(t, s)
	ctx := context.Background()
	query := testVectors(t, vecA)

	results, err := s.Rank(ctx, query, 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	// docA-0 contains an exact copy of the query vector.
	if results[0].Key() != "docA-0" {
		t.Errorf("top result: got %s, want docA-0", results[0].Key())
	}
	if results[0].Score != 1.0 {
		t.Errorf("exact match score: got %v, want 1.0", results[0].Score)
	}
	for i := 1; i < len(results); i++ {
		if results[i].Score > results[i-1].Score {
			t.Error("results not sorted by descending score")
		}
	}
	for _, r := range results {
		if r.Vectors != nil {
			t.Error("ranked result must not carry vectors")
		}
	}

	// k truncates.
	results, err = s.Rank(ctx, query, 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Errorf("k=2: got %d results", len(results))
	}
}

func TestRank_BackendScorer(t *testing.T) { rankTest(t, ScorerBackend) }
func TestRank_ProcessScorer(t *testing.T) { rankTest(t, ScorerProcess) }

func TestRank_DocumentFilter(t *testing.T) {
	for _, scorer := range []ScorerMode{ScorerBackend, ScorerProcess} {
		s := newTestStore(t, scorer)
		seedChunks(t, s)
		ctx := context.Background()
		query := testVectors(t, vecA)

		results, err := s.Rank(ctx, query, 10, []string{"docB"})
		if err != nil {
			t.Fatal(err)
		}
		if len(results) != 1 || results[0].DocumentID != "docB" {
			t.Errorf("scorer %s: filtered results: got %v", scorer, results)
		}

		// Empty non-nil filter excludes everything.
		results, err = s.Rank(ctx, query, 10, []string{})
		if err != nil {
			t.Fatal(err)
		}
		if len(results) != 0 {
			t.Errorf("scorer %s: empty filter: got %d results, want 0", scorer, len(results))
		}
	}
}

func TestRank_EmptyQueryScoresZero(t *testing.T) {
	for _, scorer := range []ScorerMode{ScorerBackend, ScorerProcess} {
		s := newTestStore(t, scorer)
		seedChunks(t, s)

		results, err := s.Rank(context.Background(), nil, 10, nil)
		if err != nil {
			t.Fatal(err)
		}
		if len(results) != 3 {
			t.Fatalf("scorer %s: got %d results, want 3", scorer, len(results))
		}
		for _, r := range results {
			if r.Score != 0.0 {
				t.Errorf("scorer %s: empty query score: got %v, want 0.0", scorer, r.Score)
			}
		}
	}
}

func TestRank_InvalidK(t *testing.T) {
	s := newTestStore(t, ScorerBackend)
	for _, k := range []int{0, -1} {
		_, err := s.Rank(context.Background(), nil, k, nil)
		if !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("k=%d: got %v, want ErrInvalidArgument", k, err)
		}
	}
}

func TestDeleteByDocument(t *testing.T) {
	s := newTestStore(t, ScorerBackend)
	seedChunks(t, s)
	ctx := context.Background()

	if !s.DeleteByDocument(ctx, "docA") {
		t.Fatal("delete should succeed")
	}
	chunks, err := s.GetByKeys(ctx, []models.ChunkKey{
		{DocumentID: "docA", ChunkNumber: 0},
		{DocumentID: "docA", ChunkNumber: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 0 {
		t.Errorf("got %d docA chunks after delete, want 0", len(chunks))
	}

	// Deleting again is safe and still succeeds.
	if !s.DeleteByDocument(ctx, "docA") {
		t.Error("repeat delete should succeed")
	}

	// docB untouched.
	count, err := s.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("count after delete: got %d, want 1", count)
	}
}

func TestEnsureSchema_Idempotent(t *testing.T) {
	s := newTestStore(t, ScorerBackend)
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("second EnsureSchema: %v", err)
	}
	seedChunks(t, s)
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema over populated table: %v", err)
	}
	count, _ := s.Count(context.Background())
	if count != 3 {
		t.Errorf("rows lost by EnsureSchema: got %d, want 3", count)
	}
}

func TestEnsureSchema_EvolvesLegacyTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")

	// A table from before chunk identity columns existed.
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`CREATE TABLE multi_vector_chunks (id INTEGER PRIMARY KEY AUTOINCREMENT, vectors BLOB)`); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	s, err := NewSQLiteStore(path, testDim, ScorerBackend, RetryPolicy{}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatal(err)
	}

	v := testVectors(t, vecA)
	ok, _ := s.Insert(context.Background(), []*models.Chunk{
		{DocumentID: "d", ChunkNumber: 0, Content: "after evolution", Vectors: v},
	})
	if !ok {
		t.Error("insert should work after schema evolution")
	}
}

func TestRank_SurvivesLegacyRows(t *testing.T) {
	for _, scorer := range []ScorerMode{ScorerBackend, ScorerProcess} {
		path := filepath.Join(t.TempDir(), "legacy.db")

		// A pre-evolution table with a row that has vectors but none of the
		// chunk identity columns.
		db, err := sql.Open("sqlite3", path)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := db.Exec(`CREATE TABLE multi_vector_chunks (id INTEGER PRIMARY KEY AUTOINCREMENT, vectors BLOB)`); err != nil {
			t.Fatal(err)
		}
		blob := quantize.EncodeBlob(testDim, testVectors(t, vecA))
		if _, err := db.Exec(`INSERT INTO multi_vector_chunks (vectors) VALUES (?)`, blob); err != nil {
			t.Fatal(err)
		}
		if err := db.Close(); err != nil {
			t.Fatal(err)
		}

		s, err := NewSQLiteStore(path, testDim, scorer, RetryPolicy{}, zap.NewNop())
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { _ = s.Close() })
		ctx := context.Background()
		if err := s.EnsureSchema(ctx); err != nil {
			t.Fatal(err)
		}

		results, err := s.Rank(ctx, testVectors(t, vecA), 10, nil)
		if err != nil {
			t.Fatalf("scorer %s: rank over evolved table: %v", scorer, err)
		}
		if len(results) != 1 {
			t.Fatalf("scorer %s: got %d results, want 1", scorer, len(results))
		}
		if results[0].DocumentID != "" || results[0].Content != "" {
			t.Errorf("scorer %s: legacy row identity: got %q/%q, want zero values",
				scorer, results[0].DocumentID, results[0].Content)
		}
		if results[0].Score != 1.0 {
			t.Errorf("scorer %s: legacy row score: got %v, want 1.0", scorer, results[0].Score)
		}
	}
}

func TestGetByKeys_MalformedMetadataDegrades(t *testing.T) {
	s := newTestStore(t, ScorerBackend)
	v := testVectors(t, vecA)
	ctx := context.Background()
	s.Insert(ctx, []*models.Chunk{
		{DocumentID: "d", ChunkNumber: 0, Content: "c", Vectors: v},
	})

	// Corrupt the stored metadata underneath the store.
	err := s.conn.WithConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx,
			`UPDATE multi_vector_chunks SET metadata = '{broken' WHERE document_id = 'd'`)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	chunks, err := s.GetByKeys(ctx, []models.ChunkKey{{DocumentID: "d", ChunkNumber: 0}})
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if len(chunks[0].Metadata) != 0 {
		t.Errorf("malformed metadata should decode to empty map, got %v", chunks[0].Metadata)
	}
}
