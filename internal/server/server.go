// Package server provides the HTTP API for Quiver.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/quiverdb/quiver/internal/config"
	"github.com/quiverdb/quiver/internal/dense"
	"github.com/quiverdb/quiver/internal/quantize"
	"github.com/quiverdb/quiver/internal/store"
)

// denseStore is what the dense handlers need from the pass-through store.
type denseStore interface {
	Insert(ctx context.Context, chunks []*dense.Chunk) (bool, []string)
	QuerySimilar(ctx context.Context, embedding []float32, k int, docIDs []string) ([]*dense.Chunk, error)
}

// Server is the HTTP server for the Quiver API.
type Server struct {
	store     store.MultiVectorStore
	quantizer *quantize.Quantizer
	dense     denseStore
	config    *config.Config
	logger    *zap.Logger
	server    *http.Server
}

// NewServer creates a server with the given dependencies. denseStore may be
// nil when the pass-through store is not configured; its routes are then not
// registered.
func NewServer(
	st store.MultiVectorStore,
	quantizer *quantize.Quantizer,
	dn *dense.Store,
	cfg *config.Config,
	logger *zap.Logger,
) *Server {
	srv := &Server{
		store:     st,
		quantizer: quantizer,
		config:    cfg,
		logger:    logger,
	}
	if dn != nil {
		srv.dense = dn
	}
	return srv
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(middleware.Compress(5))

	r.Post("/api/v1/chunks", s.handleIngest)
	r.Post("/api/v1/chunks/batch-get", s.handleBatchGet)
	r.Post("/api/v1/search", s.handleSearch)
	r.Delete("/api/v1/documents/{id}", s.handleDeleteDocument)
	r.Get("/api/v1/status", s.handleStatus)
	r.Get("/health", s.handleHealth)

	if s.dense != nil {
		r.Post("/api/v1/dense/chunks", s.handleDenseIngest)
		r.Post("/api/v1/dense/search", s.handleDenseSearch)
	}
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
