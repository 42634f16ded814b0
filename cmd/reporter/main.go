// The reporter is the standalone edge gateway: it accepts observations from
// sources and the HTTP API, journals them in the durable buffer, and flushes
// them to a remote pond endpoint. It runs no agent loop of its own.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pondworks/heron/internal/auth"
	"github.com/pondworks/heron/internal/circuitbreaker"
	"github.com/pondworks/heron/internal/config"
	"github.com/pondworks/heron/internal/health"
	"github.com/pondworks/heron/internal/httpapi"
	"github.com/pondworks/heron/internal/ingest"
	"github.com/pondworks/heron/internal/source"
	"github.com/pondworks/heron/internal/tracing"
)

func main() {
	configPath := flag.String("config", "", "path to heron.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.Ingest.Sink.Endpoint == "" {
		log.Fatal("reporter requires ingest.sink.endpoint: the remote pond to flush to")
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracingShutdown, err := tracing.Initialize(cfg.Tracing.Endpoint, logger)
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}

	circuitbreaker.StartMetricsCollection()

	spool, recovered, err := ingest.OpenSpool(cfg.Ingest.SpoolPath, logger)
	if err != nil {
		logger.Fatal("Failed to open ingest spool", zap.Error(err))
	}
	buffer := ingest.NewBuffer(spool, recovered, ingest.BufferConfig{
		MaxBytes:   cfg.Ingest.MaxBytes,
		MaxEntries: cfg.Ingest.MaxEntries,
	}, logger)

	dlq, err := ingest.OpenDLQ(cfg.Ingest.DLQPath, logger)
	if err != nil {
		logger.Fatal("Failed to open dead letter queue", zap.Error(err))
	}

	sink := ingest.NewHTTPSink(cfg.Ingest.Sink.Endpoint, cfg.Ingest.Sink.Timeout, logger)
	flusher := ingest.NewFlusher(buffer, sink, dlq, ingest.FlusherConfig{
		BatchSize:   cfg.Ingest.Flusher.BatchSize,
		MaxAttempts: cfg.Ingest.Flusher.MaxAttempts,
		BackoffBase: cfg.Ingest.Flusher.BackoffBase,
	}, logger)

	srcStore, err := source.OpenStore(cfg.Sources.Path, logger)
	if err != nil {
		logger.Fatal("Failed to open source store", zap.Error(err))
	}
	// With no loop to wake, observations just land in the buffer.
	sources := source.NewManager(srcStore, func(ctx context.Context, sourceName string, body json.RawMessage) error {
		return buffer.Put(ingest.NewEntry("observation", sourceName, body))
	}, logger)

	watcher := startConfigWatcher(ctx, cfg, sources, logger)

	hm := health.NewManager(logger)
	for _, checker := range []health.Checker{
		health.NewFlusherChecker(flusher),
		health.NewBufferChecker(buffer),
		health.NewSourcesChecker(sources),
	} {
		if err := hm.RegisterChecker(checker); err != nil {
			logger.Fatal("Failed to register health checker",
				zap.String("checker", checker.Name()), zap.Error(err))
		}
	}

	jwtMgr := auth.NewJWTManager(cfg.Auth.SigningKey, cfg.Auth.TokenExpiry)
	api := httpapi.NewServer(httpapi.Deps{
		Buffer:  buffer,
		DLQ:     dlq,
		Flusher: flusher,
		Sources: sources,
		Health:  health.NewHTTPHandler(hm, logger),
		Auth:    auth.NewMiddleware(jwtMgr, cfg.Auth.StaticToken, cfg.Auth.SkipAuth),
	}, logger)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Reporter listening", zap.String("addr", cfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	flusher.Start(ctx)
	sources.Start(ctx)

	logger.Info("Reporter started", zap.String("pond", cfg.Ingest.Sink.Endpoint))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	_ = httpServer.Shutdown(shutdownCtx)
	sources.Stop()
	if watcher != nil {
		watcher.Stop()
	}
	flusher.Stop()

	// Best-effort final drain so a clean shutdown leaves nothing behind.
	if err := flusher.ForceFlush(shutdownCtx); err != nil {
		logger.Warn("Final flush incomplete, entries remain spooled", zap.Error(err))
	}
	cancel()

	if err := buffer.Close(); err != nil {
		logger.Error("Failed to close ingest buffer", zap.Error(err))
	}
	if err := dlq.Close(); err != nil {
		logger.Error("Failed to close dead letter queue", zap.Error(err))
	}
	_ = tracingShutdown(shutdownCtx)
	logger.Info("Reporter stopped")
}

func startConfigWatcher(ctx context.Context, cfg *config.Config, sources *source.Manager, logger *zap.Logger) *config.Watcher {
	watcher, err := config.NewWatcher(filepath.Dir(cfg.Sources.Path), logger)
	if err != nil {
		logger.Warn("Config hot reload disabled", zap.Error(err))
		return nil
	}
	watcher.OnChange(filepath.Base(cfg.Sources.Path), func(config.ChangeEvent) error {
		return sources.Reload()
	})
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("Config hot reload disabled", zap.Error(err))
		return nil
	}
	return watcher
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
