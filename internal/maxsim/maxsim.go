// Package maxsim implements late-interaction (sum-of-max) scoring over
// binary-quantized multi-vector embeddings.
package maxsim

import (
	"math/bits"
	"sort"

	"github.com/quiverdb/quiver/internal/models"
	"github.com/quiverdb/quiver/internal/quantize"
)

// Hamming returns the number of differing bits between two packed bit-vectors
// of equal byte length.
func Hamming(a, b quantize.BitVector) int {
	n := 0
	for i := range a {
		n += bits.OnesCount8(a[i] ^ b[i])
	}
	return n
}

// Similarity is normalized Hamming similarity in [0,1]: 1 - distance/max(dim,1),
// where dim is the bit-length of the document vector.
func Similarity(query, doc quantize.BitVector, dim int) float64 {
	if dim < 1 {
		dim = 1
	}
	return 1.0 - float64(Hamming(query, doc))/float64(dim)
}

// Score computes the MaxSim score: for each query vector, the maximum
// similarity against any document vector, summed over all query vectors.
// An empty query is the empty sum (0.0); a chunk with no document vectors
// scores 0.0.
func Score(query, doc []quantize.BitVector, dim int) float64 {
	if len(doc) == 0 {
		return 0.0
	}
	var total float64
	for _, q := range query {
		best := 0.0
		for i, d := range doc {
			sim := Similarity(q, d, dim)
			if i == 0 || sim > best {
				best = sim
			}
		}
		total += best
	}
	return total
}

// Rank scores every candidate chunk against the query and returns the top k,
// sorted by score descending. Ties keep input order (stable sort), so results
// are deterministic for the same candidate sequence. Returned chunks carry
// their score and no vectors. k <= 0 yields no results.
func Rank(candidates []*models.Chunk, query []quantize.BitVector, dim, k int) []*models.Chunk {
	if k <= 0 {
		return nil
	}
	ranked := make([]*models.Chunk, 0, len(candidates))
	for _, c := range candidates {
		c.Score = Score(query, c.Vectors, dim)
		c.Vectors = nil
		ranked = append(ranked, c)
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	if k < len(ranked) {
		ranked = ranked[:k]
	}
	return ranked
}
