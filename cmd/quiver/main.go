// Package main is the Quiver CLI entry point.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/quiverdb/quiver/internal/config"
	"github.com/quiverdb/quiver/internal/dense"
	"github.com/quiverdb/quiver/internal/quantize"
	"github.com/quiverdb/quiver/internal/server"
	"github.com/quiverdb/quiver/internal/store"
	"github.com/quiverdb/quiver/pkg/utils"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/quiver/config.yaml"

// loadConfig loads config from path. When path is the default, a config.yaml
// in the current directory takes precedence (for development), so "quiver
// server" from the project dir uses the project's config. Connection settings
// from a .env file override the file before defaults apply.
func loadConfig(path string) (*config.Config, string, error) {
	_ = godotenv.Load()
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "server":
		runServer()
	case "init":
		runInit()
	case "delete":
		runDelete()
	case "version", "--version", "-v":
		fmt.Printf("quiver version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// setup loads config, builds the logger and opens the stores. The returned
// cleanup closes everything.
func setup(configPath string, debugFlag bool) (*config.Config, *zap.Logger, store.MultiVectorStore, *dense.Store, func()) {
	cfg, resolvedPath, err := loadConfig(configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || debugFlag
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	logger.Info("config loaded",
		zap.String("config_path", resolvedPath),
		zap.String("backend", cfg.Store.Backend),
		zap.Bool("debug", debugMode),
	)

	st, err := store.New(&cfg.Store, logger)
	if err != nil {
		logger.Fatal("Failed to open store", zap.Error(err))
	}

	var denseStore *dense.Store
	if cfg.Dense.Enabled {
		denseStore, err = dense.New(cfg.Dense.DSN, cfg.Dense.Dimension,
			store.RetryPolicy{MaxRetries: cfg.Store.MaxRetries, RetryDelay: cfg.Store.RetryDelay()}, logger)
		if err != nil {
			_ = st.Close()
			logger.Fatal("Failed to open dense store", zap.Error(err))
		}
	}

	cleanup := func() {
		if denseStore != nil {
			_ = denseStore.Close()
		}
		_ = st.Close()
		_ = logger.Sync()
	}
	return cfg, logger, st, denseStore, cleanup
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(os.Args[2:])

	cfg, logger, st, denseStore, cleanup := setup(*configPath, *debug)
	defer cleanup()

	ctx := context.Background()
	if err := st.EnsureSchema(ctx); err != nil {
		logger.Fatal("Failed to ensure schema", zap.Error(err))
	}
	if denseStore != nil {
		if err := denseStore.EnsureSchema(ctx); err != nil {
			logger.Fatal("Failed to ensure dense schema", zap.Error(err))
		}
	}

	quantizer, err := quantize.New(cfg.Store.Dimension)
	if err != nil {
		logger.Fatal("Failed to create quantizer", zap.Error(err))
	}

	srv := server.NewServer(st, quantizer, denseStore, cfg, logger)
	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(shutdownCtx)
}

func runInit() {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	_ = fs.Parse(os.Args[2:])

	_, logger, st, denseStore, cleanup := setup(*configPath, false)
	defer cleanup()

	ctx := context.Background()
	if err := st.EnsureSchema(ctx); err != nil {
		logger.Fatal("Failed to ensure schema", zap.Error(err))
	}
	if denseStore != nil {
		if err := denseStore.EnsureSchema(ctx); err != nil {
			logger.Fatal("Failed to ensure dense schema", zap.Error(err))
		}
	}
	logger.Info("schema ready")
}

func runDelete() {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	_ = fs.Parse(os.Args[2:])
	if fs.NArg() < 1 {
		fmt.Println("Usage: quiver delete [flags] <document-id>")
		os.Exit(1)
	}
	documentID := fs.Arg(0)

	_, logger, st, denseStore, cleanup := setup(*configPath, false)
	defer cleanup()

	ctx := context.Background()
	ok := st.DeleteByDocument(ctx, documentID)
	if denseStore != nil {
		ok = denseStore.DeleteByDocument(ctx, documentID) && ok
	}
	if !ok {
		logger.Error("delete failed", zap.String("document_id", documentID))
		os.Exit(1)
	}
	fmt.Printf("Deleted all chunks for document %s\n", documentID)
}

func printUsage() {
	fmt.Println(`Quiver - late-interaction multi-vector chunk store

Usage:
  quiver server [--config path] [--debug]   Start the HTTP API server
  quiver init [--config path]               Create or migrate the storage schema
  quiver delete [--config path] <doc-id>    Delete all chunks for a document
  quiver version                            Print version
  quiver help                               Show this help`)
}
