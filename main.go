package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pondworks/heron/internal/agent"
	"github.com/pondworks/heron/internal/auth"
	"github.com/pondworks/heron/internal/circuitbreaker"
	"github.com/pondworks/heron/internal/config"
	"github.com/pondworks/heron/internal/driver"
	"github.com/pondworks/heron/internal/event"
	"github.com/pondworks/heron/internal/health"
	"github.com/pondworks/heron/internal/httpapi"
	"github.com/pondworks/heron/internal/ingest"
	"github.com/pondworks/heron/internal/queue"
	"github.com/pondworks/heron/internal/registry"
	"github.com/pondworks/heron/internal/scheduler"
	"github.com/pondworks/heron/internal/source"
	"github.com/pondworks/heron/internal/state"
	"github.com/pondworks/heron/internal/storage"
	"github.com/pondworks/heron/internal/stream"
	"github.com/pondworks/heron/internal/tracing"
	"github.com/pondworks/heron/internal/workflow"
)

func main() {
	configPath := flag.String("config", "", "path to heron.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
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

	// Storage and the state document.
	store, err := storage.NewClient(&storage.Config{
		Driver:   cfg.Storage.Driver,
		Path:     cfg.Storage.Path,
		Host:     cfg.Storage.Host,
		Port:     cfg.Storage.Port,
		Database: cfg.Storage.Database,
		User:     cfg.Storage.User,
		Password: cfg.Storage.Password,
		SSLMode:  cfg.Storage.SSLMode,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to open storage", zap.Error(err))
	}
	handle := store.Handle()

	stateMgr := state.NewDocumentManager(handle, logger)
	if err := stateMgr.Load(ctx); err != nil {
		logger.Fatal("Failed to load state document", zap.Error(err))
	}

	// Durable ingestion buffer with spool recovery.
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

	var sink ingest.Sink
	if cfg.Ingest.Sink.Endpoint != "" {
		sink = ingest.NewHTTPSink(cfg.Ingest.Sink.Endpoint, cfg.Ingest.Sink.Timeout, logger)
	} else {
		sink = ingest.NewStorageSink(store, logger)
	}
	flusher := ingest.NewFlusher(buffer, sink, dlq, ingest.FlusherConfig{
		BatchSize:   cfg.Ingest.Flusher.BatchSize,
		MaxAttempts: cfg.Ingest.Flusher.MaxAttempts,
		BackoffBase: cfg.Ingest.Flusher.BackoffBase,
	}, logger)

	// Live feed, optionally mirrored to Redis Streams.
	streams := stream.NewManager(stream.DefaultCapacity)
	var mirror *stream.RedisMirror
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		mirror = stream.NewRedisMirror(rdb, cfg.Redis.MaxLen, logger)
		streams.SetMirror(mirror)
		logger.Info("Event mirror enabled", zap.String("addr", cfg.Redis.Addr))
	}

	// Ingestion diagnostics ride the same feed.
	buffer.OnEvict = func(e ingest.Entry) {
		streams.Publish(stream.TopicIngest, stream.Event{
			Type:    stream.TypeBufferEvicted,
			Message: e.ID.String(),
		})
	}
	dlq.OnPromote = func(rec ingest.DLQRecord) {
		streams.Publish(stream.TopicIngest, stream.Event{
			Type:    stream.TypeDLQEntry,
			Message: rec.Entry.ID.String() + ": " + rec.Reason,
		})
	}
	if len(recovered) > 0 {
		streams.Publish(stream.TopicIngest, stream.Event{
			Type:    stream.TypeBufferRecovered,
			Message: fmt.Sprintf("%d entries recovered from spool", len(recovered)),
		})
	}

	// Workflow registry, resolver, queue, drivers, loop.
	reg := registry.NewRegistry(logger)
	resolver := registry.NewResolver(reg, logger)
	q := queue.New(logger)
	reg.OnUnregister = func(name string) { q.CancelWorkflow(name) }
	drivers := buildDriverFactory(logger)

	loop := agent.NewLoop(resolver, q, stateMgr, handle, drivers, buffer, streams, agent.Config{
		Workers:        cfg.Agent.Workers,
		DefaultTimeout: cfg.Agent.RunTimeout,
	}, logger)

	// Scheduler feeds timer events back into the loop.
	sched := scheduler.New(func(ev event.Event) { loop.Emit(ev, "scheduler") }, logger)
	sched.Start(ctx)
	loop.ScheduleAt = func(at time.Time, ev event.Event) {
		sched.At(ev.Type, at, ev.Payload)
	}
	for _, entry := range cfg.Schedules {
		if entry.Every > 0 {
			sched.Every(entry.Name, entry.Every, event.Payload(entry.Payload))
			continue
		}
		if at, atErr := entry.AtTime(); atErr == nil && !at.IsZero() {
			sched.At(entry.Name, at, event.Payload(entry.Payload))
		}
	}

	// Sources journal observations and wake the loop.
	srcStore, err := source.OpenStore(cfg.Sources.Path, logger)
	if err != nil {
		logger.Fatal("Failed to open source store", zap.Error(err))
	}
	sources := source.NewManager(srcStore, func(ctx context.Context, sourceName string, body json.RawMessage) error {
		if err := buffer.Put(ingest.NewEntry("observation", sourceName, body)); err != nil {
			return err
		}
		var p event.Payload
		_ = json.Unmarshal(body, &p)
		if ev, evErr := event.New(event.DataArrived, p); evErr == nil {
			loop.Emit(ev, "source:"+sourceName)
		}
		return nil
	}, logger)

	watcher := startConfigWatcher(ctx, cfg, sources, logger)

	// Health surface.
	hm := health.NewManager(logger)
	mustRegister(logger, hm, health.NewStorageChecker(store))
	mustRegister(logger, hm, health.NewFlusherChecker(flusher))
	mustRegister(logger, hm, health.NewBufferChecker(buffer))
	mustRegister(logger, hm, health.NewSourcesChecker(sources))
	mustRegister(logger, hm, health.NewQueueChecker(q, 0))

	// Reporter/admin HTTP server.
	jwtMgr := auth.NewJWTManager(cfg.Auth.SigningKey, cfg.Auth.TokenExpiry)
	api := httpapi.NewServer(httpapi.Deps{
		Emitter:  loop,
		Buffer:   buffer,
		DLQ:      dlq,
		Flusher:  flusher,
		Sources:  sources,
		Streams:  streams,
		Queue:    q,
		Registry: reg,
		State:    stateMgr,
		Health:   health.NewHTTPHandler(hm, logger),
		Auth:     auth.NewMiddleware(jwtMgr, cfg.Auth.StaticToken, cfg.Auth.SkipAuth),
	}, logger)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	flusher.Start(ctx)
	loop.Start(ctx)
	sources.Start(ctx)

	logger.Info("Heron runtime started",
		zap.Int("workers", cfg.Agent.Workers),
		zap.String("storage", cfg.Storage.Driver),
		zap.String("sink", sink.Name()),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", zap.String("signal", sig.String()))

	// Stop intake first, then drain, then persist.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	_ = httpServer.Shutdown(shutdownCtx)
	sources.Stop()
	if watcher != nil {
		watcher.Stop()
	}
	sched.Stop()
	flusher.Stop()
	loop.Stop()
	if mirror != nil {
		mirror.Close()
	}
	cancel()

	if err := buffer.Close(); err != nil {
		logger.Error("Failed to close ingest buffer", zap.Error(err))
	}
	if err := dlq.Close(); err != nil {
		logger.Error("Failed to close dead letter queue", zap.Error(err))
	}
	if err := store.Close(); err != nil {
		logger.Error("Failed to close storage", zap.Error(err))
	}
	_ = tracingShutdown(shutdownCtx)
	logger.Info("Heron runtime stopped")
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

// buildDriverFactory registers the built-in execution drivers. The static
// driver keeps offline runs working; real model drivers register alongside it.
func buildDriverFactory(logger *zap.Logger) *driver.Factory {
	factory := driver.NewFactory(logger)
	static := driver.NewStatic("static", []string{"text"}, "ok")
	if err := factory.Register(static.Name(), static.Capabilities(), true, func(context.Context) (workflow.Driver, error) {
		return static, nil
	}); err != nil {
		logger.Fatal("Failed to register driver", zap.Error(err))
	}
	return factory
}

func mustRegister(logger *zap.Logger, hm *health.Manager, checker health.Checker) {
	if err := hm.RegisterChecker(checker); err != nil {
		logger.Fatal("Failed to register health checker",
			zap.String("checker", checker.Name()), zap.Error(err))
	}
}

// startConfigWatcher wires sources.yaml hot reload: a change on disk
// reloads the descriptor store and restarts only the affected adapters.
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
