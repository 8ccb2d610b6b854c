// Package quantize converts floating-point embeddings into sign-based binary signatures.
package quantize

import (
	"encoding/binary"
	"fmt"
)

// BitVector is a packed bit-vector: bit i lives in byte i/8 at position i%8.
// Padding bits beyond the configured dimension are always zero.
type BitVector []byte

// Bit reports whether bit i is set.
func (v BitVector) Bit(i int) bool {
	return v[i/8]&(1<<(i%8)) != 0
}

// BitString renders the first dim bits as a '0'/'1' string, most significant
// position first, matching the SQL bit literal form ('0101...').
func (v BitVector) BitString(dim int) string {
	buf := make([]byte, dim)
	for i := 0; i < dim; i++ {
		if v.Bit(i) {
			buf[i] = '1'
		} else {
			buf[i] = '0'
		}
	}
	return string(buf)
}

// ShapeError reports a vector whose dimension does not match the configured one.
type ShapeError struct {
	Want int
	Got  int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("vector dimension mismatch: got %d, expected %d", e.Got, e.Want)
}

// Quantizer performs sign-based binary quantization at a fixed dimension.
// It is stateless and safe for concurrent use.
type Quantizer struct {
	dim int
}

// New creates a quantizer for vectors of the given dimension.
func New(dim int) (*Quantizer, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("dimension must be positive, got %d", dim)
	}
	return &Quantizer{dim: dim}, nil
}

// Dim returns the configured vector dimension in bits.
func (q *Quantizer) Dim() int {
	return q.dim
}

// QuantizeOne converts a single float vector: bit i is set iff v[i] > 0.
func (q *Quantizer) QuantizeOne(v []float32) (BitVector, error) {
	if len(v) != q.dim {
		return nil, &ShapeError{Want: q.dim, Got: len(v)}
	}
	out := make(BitVector, (q.dim+7)/8)
	for i, x := range v {
		if x > 0 {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out, nil
}

// Quantize converts a list of float vectors. An empty input yields an empty
// output; any dimension mismatch fails the whole call.
func (q *Quantizer) Quantize(vectors [][]float32) ([]BitVector, error) {
	out := make([]BitVector, 0, len(vectors))
	for _, v := range vectors {
		bv, err := q.QuantizeOne(v)
		if err != nil {
			return nil, err
		}
		out = append(out, bv)
	}
	return out, nil
}

// Blob format for a ragged list of bit-vectors sharing one dimension:
// dim (uint32), count (uint32), then count fixed-stride packed payloads.

// EncodeBlob packs vectors into a single blob for BLOB-column storage.
func EncodeBlob(dim int, vectors []BitVector) []byte {
	stride := (dim + 7) / 8
	buf := make([]byte, 8, 8+stride*len(vectors))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(dim))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(vectors)))
	for _, v := range vectors {
		buf = append(buf, v...)
	}
	return buf
}

// DecodeBlob unpacks a blob produced by EncodeBlob.
func DecodeBlob(blob []byte) (int, []BitVector, error) {
	if len(blob) < 8 {
		return 0, nil, fmt.Errorf("vector blob too short: %d bytes", len(blob))
	}
	dim := int(binary.LittleEndian.Uint32(blob[0:4]))
	count := int(binary.LittleEndian.Uint32(blob[4:8]))
	stride := (dim + 7) / 8
	if len(blob) != 8+stride*count {
		return 0, nil, fmt.Errorf("vector blob length mismatch: got %d bytes, expected %d", len(blob), 8+stride*count)
	}
	vectors := make([]BitVector, count)
	for i := 0; i < count; i++ {
		start := 8 + i*stride
		v := make(BitVector, stride)
		copy(v, blob[start:start+stride])
		vectors[i] = v
	}
	return dim, vectors, nil
}
