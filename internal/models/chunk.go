// Package models defines the chunk data structures shared across the store.
package models

import (
	"encoding/json"
	"fmt"

	"github.com/quiverdb/quiver/internal/quantize"
)

// Chunk is the unit of storage and retrieval: a span of document text with its
// quantized multi-vector embeddings. Vectors are write-once: they are persisted
// on ingestion and never returned to callers, only the similarity score is.
type Chunk struct {
	DocumentID  string                 `json:"document_id"`
	ChunkNumber int                    `json:"chunk_number"`
	Content     string                 `json:"content"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Vectors     []quantize.BitVector   `json:"-"`
	Score       float64                `json:"score"`
}

// Key returns the stored-key form "documentID-chunkNumber".
func (c *Chunk) Key() string {
	return fmt.Sprintf("%s-%d", c.DocumentID, c.ChunkNumber)
}

// ChunkKey is the natural key of a chunk.
type ChunkKey struct {
	DocumentID  string `json:"document_id"`
	ChunkNumber int    `json:"chunk_number"`
}

// EncodeMetadata serializes metadata to its stored text form. A nil map
// encodes as the empty string.
func EncodeMetadata(m map[string]interface{}) (string, error) {
	if m == nil {
		return "", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return string(data), nil
}

// DecodeMetadata parses stored metadata text. It is total: malformed or empty
// input yields an empty map, never an error, so a row with unparseable
// metadata is still readable.
func DecodeMetadata(s string) map[string]interface{} {
	if s == "" {
		return map[string]interface{}{}
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(s), &m); err != nil || m == nil {
		return map[string]interface{}{}
	}
	return m
}
