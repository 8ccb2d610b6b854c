package store

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/quiverdb/quiver/internal/config"
)

func TestNew_SQLite(t *testing.T) {
	cfg := &config.StoreConfig{
		Backend:   "sqlite",
		Path:      filepath.Join(t.TempDir(), "factory.db"),
		Dimension: 16,
		Scorer:    "backend",
	}
	s, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, ok := s.(*SQLiteStore); !ok {
		t.Errorf("got %T, want *SQLiteStore", s)
	}
}

func TestNew_Postgres(t *testing.T) {
	cfg := &config.StoreConfig{
		Backend:   "postgres",
		DSN:       "postgres://localhost/quiver_test?sslmode=disable",
		Dimension: 16,
	}
	// sql.Open does not dial, so construction succeeds without a server.
	s, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, ok := s.(*PostgresStore); !ok {
		t.Errorf("got %T, want *PostgresStore", s)
	}
}

func TestNew_UnknownBackend(t *testing.T) {
	cfg := &config.StoreConfig{Backend: "cassandra", Dimension: 16}
	if _, err := New(cfg, zap.NewNop()); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestNew_InvalidDimension(t *testing.T) {
	cfg := &config.StoreConfig{Backend: "sqlite", Path: filepath.Join(t.TempDir(), "x.db")}
	if _, err := New(cfg, zap.NewNop()); err == nil {
		t.Error("expected error for zero dimension")
	}
}
