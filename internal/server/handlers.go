package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quiverdb/quiver/internal/dense"
	"github.com/quiverdb/quiver/internal/models"
	"github.com/quiverdb/quiver/internal/quantize"
	"github.com/quiverdb/quiver/internal/store"
)

type ingestChunk struct {
	DocumentID  string                 `json:"document_id"`
	ChunkNumber int                    `json:"chunk_number"`
	Content     string                 `json:"content"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Embeddings  [][]float32            `json:"embeddings"`
}

type ingestRequest struct {
	Chunks []ingestChunk `json:"chunks"`
}

type ingestResponse struct {
	BatchID    string   `json:"batch_id"`
	Success    bool     `json:"success"`
	StoredKeys []string `json:"stored_keys"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Chunks) == 0 {
		s.respondError(w, http.StatusBadRequest, "no chunks supplied")
		return
	}

	batchID := uuid.NewString()
	chunks := make([]*models.Chunk, 0, len(req.Chunks))
	for _, in := range req.Chunks {
		vectors, err := s.quantizer.Quantize(in.Embeddings)
		if err != nil {
			s.logger.Warn("ingest rejected", zap.String("batch_id", batchID), zap.Error(err))
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		chunks = append(chunks, &models.Chunk{
			DocumentID:  in.DocumentID,
			ChunkNumber: in.ChunkNumber,
			Content:     in.Content,
			Metadata:    in.Metadata,
			Vectors:     vectors,
		})
	}

	ok, keys := s.store.Insert(r.Context(), chunks)
	s.logger.Debug("ingest batch processed",
		zap.String("batch_id", batchID),
		zap.Int("received", len(chunks)),
		zap.Int("stored", len(keys)))
	s.respondJSON(w, http.StatusCreated, ingestResponse{
		BatchID:    batchID,
		Success:    ok,
		StoredKeys: keys,
	})
}

type searchRequest struct {
	Embeddings [][]float32 `json:"embeddings"`
	K          int         `json:"k"`
	// DocumentIDs absent means no filter; an explicit empty list excludes
	// everything.
	DocumentIDs []string `json:"document_ids"`
}

type searchResponse struct {
	Results   []*models.Chunk `json:"results"`
	K         int             `json:"k"`
	QueryTime int64           `json:"query_time_ms"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	k := s.clampK(req.K)

	query, err := s.quantizer.Quantize(req.Embeddings)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	start := time.Now()
	results, err := s.store.Rank(r.Context(), query, k, req.DocumentIDs)
	if err != nil {
		s.logger.Error("search failed", zap.Error(err))
		s.respondError(w, statusForError(err), err.Error())
		return
	}
	if results == nil {
		results = []*models.Chunk{}
	}
	s.respondJSON(w, http.StatusOK, searchResponse{
		Results:   results,
		K:         k,
		QueryTime: time.Since(start).Milliseconds(),
	})
}

type batchGetRequest struct {
	Keys []models.ChunkKey `json:"keys"`
}

func (s *Server) handleBatchGet(w http.ResponseWriter, r *http.Request) {
	var req batchGetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	chunks, err := s.store.GetByKeys(r.Context(), req.Keys)
	if err != nil {
		s.logger.Error("batch get failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if chunks == nil {
		chunks = []*models.Chunk{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"chunks": chunks})
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.logger.Debug("delete document request", zap.String("document_id", id))
	if !s.store.DeleteByDocument(r.Context(), id) {
		s.respondError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"document_id": id, "status": "deleted"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	count, err := s.store.Count(r.Context())
	if err != nil {
		s.logger.Error("status: count chunks failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"chunks": count,
		"config": map[string]interface{}{
			"backend":   s.config.Store.Backend,
			"dimension": s.config.Store.Dimension,
			"scorer":    s.config.Store.Scorer,
			"dense":     s.dense != nil,
		},
	})
}

type denseIngestChunk struct {
	DocumentID  string                 `json:"document_id"`
	ChunkNumber int                    `json:"chunk_number"`
	Content     string                 `json:"content"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Embedding   []float32              `json:"embedding"`
}

func (s *Server) handleDenseIngest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Chunks []denseIngestChunk `json:"chunks"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	chunks := make([]*dense.Chunk, 0, len(req.Chunks))
	for _, in := range req.Chunks {
		chunks = append(chunks, &dense.Chunk{
			DocumentID:  in.DocumentID,
			ChunkNumber: in.ChunkNumber,
			Content:     in.Content,
			Metadata:    in.Metadata,
			Embedding:   in.Embedding,
		})
	}
	ok, keys := s.dense.Insert(r.Context(), chunks)
	s.respondJSON(w, http.StatusCreated, map[string]interface{}{"success": ok, "stored_keys": keys})
}

func (s *Server) handleDenseSearch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Embedding   []float32 `json:"embedding"`
		K           int       `json:"k"`
		DocumentIDs []string  `json:"document_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	k := s.clampK(req.K)
	results, err := s.dense.QuerySimilar(r.Context(), req.Embedding, k, req.DocumentIDs)
	if err != nil {
		s.logger.Error("dense search failed", zap.Error(err))
		s.respondError(w, statusForError(err), err.Error())
		return
	}
	if results == nil {
		results = []*dense.Chunk{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"results": results, "k": k})
}

// clampK resolves the requested result count: zero falls back to the
// configured default, anything above the configured maximum is capped.
func (s *Server) clampK(k int) int {
	if k == 0 {
		k = s.config.Query.DefaultK
	}
	if k > s.config.Query.MaxK {
		k = s.config.Query.MaxK
	}
	return k
}

// statusForError maps contract violations to 400 and everything else to 500.
func statusForError(err error) int {
	var shapeErr *quantize.ShapeError
	if errors.Is(err, store.ErrInvalidArgument) || errors.As(err, &shapeErr) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
