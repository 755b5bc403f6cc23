package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"github.com/example/whisperd/internal/blob"
	"github.com/example/whisperd/internal/config"
	"github.com/example/whisperd/internal/gate"
	"github.com/example/whisperd/internal/httpapi"
	"github.com/example/whisperd/internal/jobs"
	"github.com/example/whisperd/internal/media"
	"github.com/example/whisperd/internal/modelmgr"
	"github.com/example/whisperd/internal/orchestrator"
	"github.com/example/whisperd/internal/store"
	"github.com/example/whisperd/internal/worker"
)

func main() {
	loadDotEnv()
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	inputDir := filepath.Join(cfg.DataDir, "temp_inputs")
	outputDir := filepath.Join(cfg.DataDir, "temp_outputs")
	for _, dir := range []string{cfg.DataDir, inputDir, outputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("mkdir %s: %v", dir, err)
		}
	}

	archive, err := store.Open(filepath.Join(cfg.DataDir, "transcripts.db"))
	if err != nil {
		log.Fatalf("open transcript archive: %v", err)
	}
	defer archive.Close()

	transcriber := worker.NewProcessWorker(cfg.PythonPath, cfg.TranscriberPath, logger)

	models := modelmgr.New(
		modelmgr.PassiveLoader{},
		modelmgr.NewOllamaSibling(cfg.OllamaURL, logger),
		cfg.IdleTimeout,
		logger,
	)

	registry := jobs.NewRegistry(logger)
	orch := orchestrator.New(
		registry,
		jobs.NewCanceler(),
		gate.New(cfg.MaxConcurrency),
		models,
		transcriber,
		media.NewDurationProber(),
		archive,
		outputDir,
		logger,
	)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go registry.RunSweeper(ctx, cfg.JobRetention)

	server := httpapi.Server{
		Blobs:        blob.LocalFS{Root: inputDir},
		Jobs:         orch,
		Models:       models,
		Transcripts:  archive,
		DefaultModel: cfg.DefaultModel,
	}

	logger.Info("whisperd listening",
		"addr", cfg.Addr,
		"default_model", cfg.DefaultModel,
		"max_concurrency", cfg.MaxConcurrency,
		"idle_timeout", cfg.IdleTimeout,
	)
	if err := http.ListenAndServe(cfg.Addr, server.Router()); err != nil {
		log.Fatalf("listen: %v", err)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func loadDotEnv() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}
