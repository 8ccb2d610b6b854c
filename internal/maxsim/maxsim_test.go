package maxsim

import (
	"math"
	"testing"

	"github.com/quiverdb/quiver/internal/models"
	"github.com/quiverdb/quiver/internal/quantize"
)

func mustQuantize(t *testing.T, dim int, vectors ...[]float32) []quantize.BitVector {
	t.Helper()
	q, err := quantize.New(dim)
	if err != nil {
		t.Fatal(err)
	}
	out, err := q.Quantize(vectors)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestHamming(t *testing.T) {
	vecs := mustQuantize(t, 8,
		[]float32{1, 1, 1, 1, -1, -1, -1, -1},
		[]float32{1, 1, -1, -1, 1, 1, -1, -1},
	)
	if got := Hamming(vecs[0], vecs[1]); got != 4 {
		t.Errorf("got %d, want 4", got)
	}
	if got := Hamming(vecs[0], vecs[0]); got != 0 {
		t.Errorf("identical vectors: got %d, want 0", got)
	}
}

func TestSimilarity(t *testing.T) {
	vecs := mustQuantize(t, 8,
		[]float32{1, 1, 1, 1, -1, -1, -1, -1},
		[]float32{1, 1, -1, -1, 1, 1, -1, -1},
	)
	if got := Similarity(vecs[0], vecs[0], 8); got != 1.0 {
		t.Errorf("self similarity: got %v, want 1.0", got)
	}
	if got := Similarity(vecs[0], vecs[1], 8); got != 0.5 {
		t.Errorf("got %v, want 0.5", got)
	}
}

func TestScore_SumOfMax(t *testing.T) {
	doc := mustQuantize(t, 4,
		[]float32{1, 1, 1, 1},
		[]float32{-1, -1, -1, -1},
	)
	query := mustQuantize(t, 4,
		[]float32{1, 1, 1, 1},    // exact match against doc[0] -> 1.0
		[]float32{-1, -1, -1, 1}, // 3/4 match against doc[1] -> 0.75
	)
	got := Score(query, doc, 4)
	if math.Abs(got-1.75) > 1e-9 {
		t.Errorf("got %v, want 1.75", got)
	}
}

func TestScore_EmptyQuery(t *testing.T) {
	doc := mustQuantize(t, 4, []float32{1, -1, 1, -1})
	if got := Score(nil, doc, 4); got != 0.0 {
		t.Errorf("empty query: got %v, want 0.0", got)
	}
}

func TestScore_EmptyDocument(t *testing.T) {
	query := mustQuantize(t, 4, []float32{1, -1, 1, -1})
	if got := Score(query, nil, 4); got != 0.0 {
		t.Errorf("empty document: got %v, want 0.0", got)
	}
}

func TestRank_OrderingAndTruncation(t *testing.T) {
	v := mustQuantize(t, 4,
		[]float32{1, 1, 1, 1},
		[]float32{1, 1, 1, -1},
		[]float32{-1, -1, -1, -1},
	)
	candidates := []*models.Chunk{
		{DocumentID: "d", ChunkNumber: 0, Vectors: []quantize.BitVector{v[2]}},
		{DocumentID: "d", ChunkNumber: 1, Vectors: []quantize.BitVector{v[0]}},
		{DocumentID: "d", ChunkNumber: 2, Vectors: []quantize.BitVector{v[1]}},
	}
	query := []quantize.BitVector{v[0]}

	ranked := Rank(candidates, query, 4, 2)
	if len(ranked) != 2 {
		t.Fatalf("got %d results, want 2", len(ranked))
	}
	if ranked[0].ChunkNumber != 1 || ranked[1].ChunkNumber != 2 {
		t.Errorf("order: got chunks %d,%d, want 1,2", ranked[0].ChunkNumber, ranked[1].ChunkNumber)
	}
	if ranked[0].Score < ranked[1].Score {
		t.Error("results not sorted by descending score")
	}
	if ranked[0].Vectors != nil {
		t.Error("ranked chunk must not carry vectors")
	}
}

func TestRank_StableTieBreak(t *testing.T) {
	v := mustQuantize(t, 4, []float32{1, 1, 1, 1})
	candidates := []*models.Chunk{
		{DocumentID: "a", ChunkNumber: 0, Vectors: []quantize.BitVector{v[0]}},
		{DocumentID: "b", ChunkNumber: 0, Vectors: []quantize.BitVector{v[0]}},
		{DocumentID: "c", ChunkNumber: 0, Vectors: []quantize.BitVector{v[0]}},
	}
	ranked := Rank(candidates, []quantize.BitVector{v[0]}, 4, 3)
	want := []string{"a", "b", "c"}
	for i, w := range want {
		if ranked[i].DocumentID != w {
			t.Errorf("position %d: got %s, want %s", i, ranked[i].DocumentID, w)
		}
	}
}

// A chunk containing an exact copy of the query vector must rank at least as
// high as one that does not.
func TestRank_ExactMatchWins(t *testing.T) {
	v := mustQuantize(t, 4,
		[]float32{1, -1, 1, -1}, // v1
		[]float32{-1, 1, -1, 1}, // v2
		[]float32{1, 1, -1, -1}, // v3
	)
	chunk0 := &models.Chunk{DocumentID: "docA", ChunkNumber: 0, Content: "the cat sat",
		Vectors: []quantize.BitVector{v[0], v[1]}}
	chunk1 := &models.Chunk{DocumentID: "docA", ChunkNumber: 1, Content: "on the mat",
		Vectors: []quantize.BitVector{v[2]}}

	ranked := Rank([]*models.Chunk{chunk0, chunk1}, []quantize.BitVector{v[0]}, 4, 10)
	if ranked[0].ChunkNumber != 0 {
		t.Errorf("expected chunk 0 first, got chunk %d", ranked[0].ChunkNumber)
	}
	if ranked[0].Score != 1.0 {
		t.Errorf("exact match score: got %v, want 1.0", ranked[0].Score)
	}
	if ranked[0].Score < ranked[1].Score {
		t.Error("score(chunk0) must be >= score(chunk1)")
	}
}

func TestRank_NonPositiveK(t *testing.T) {
	if got := Rank(nil, nil, 4, 0); got != nil {
		t.Errorf("got %v, want nil", got)
	}
}
