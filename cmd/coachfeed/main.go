package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bnema/coachfeed/config"
	"github.com/bnema/coachfeed/internal/adapter/converter/ffmpeg"
	HTTPAdapter "github.com/bnema/coachfeed/internal/adapter/http"
	redislease "github.com/bnema/coachfeed/internal/adapter/lease/redis"
	localobjects "github.com/bnema/coachfeed/internal/adapter/objectstore/local"
	s3objects "github.com/bnema/coachfeed/internal/adapter/objectstore/s3"
	"github.com/bnema/coachfeed/internal/adapter/provider/llm"
	"github.com/bnema/coachfeed/internal/adapter/provider/whisper"
	jsonstore "github.com/bnema/coachfeed/internal/adapter/storage/jsonfile"
	sqlitestore "github.com/bnema/coachfeed/internal/adapter/storage/sqlite"
	"github.com/bnema/coachfeed/internal/domain"
	"github.com/bnema/coachfeed/internal/health"
	"github.com/bnema/coachfeed/internal/infrastructure/logger"
	"github.com/bnema/coachfeed/internal/port"
	"github.com/bnema/coachfeed/internal/retry"
	"github.com/bnema/coachfeed/internal/service"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	base := logger.New(cfg.Environment, cfg.LogLevel)
	if err := run(cfg, base); err != nil {
		base.WithError(err).Error("coachfeed stopped")
		os.Exit(1)
	}
}

func run(cfg *config.Config, base *logrus.Logger) error {
	log := logger.Component(base, "main")
	log.WithFields(logrus.Fields{
		"addr":    cfg.HTTPAddr,
		"store":   cfg.StoreBackend,
		"objects": cfg.ObjectStore,
		"workers": cfg.Workers,
	}).Info("starting coachfeed")

	for _, dir := range []string{cfg.DataDir, cfg.CacheDir, cfg.WorkDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	store, err := openJobStore(cfg, base)
	if err != nil {
		return err
	}
	if c, ok := store.(io.Closer); ok {
		defer func() { _ = c.Close() }()
	}

	objects, err := openObjectStore(cfg)
	if err != nil {
		return err
	}

	transcriber, err := whisper.New(whisper.Config{
		URL:    cfg.TranscribeURL,
		APIKey: cfg.TranscribeAPIKey,
		Model:  cfg.TranscribeModel,
	}, nil)
	if err != nil {
		return fmt.Errorf("transcription provider: %w", err)
	}
	analyzer, err := llm.New(llm.Config{
		URL:    cfg.AnalysisURL,
		APIKey: cfg.AnalysisAPIKey,
		Model:  cfg.AnalysisModel,
	}, nil)
	if err != nil {
		return fmt.Errorf("analysis provider: %w", err)
	}

	tool := ffmpeg.NewTool(cfg.FFmpegPath, cfg.FFprobePath)
	monitor := health.NewMonitor(cfg.BreakerThreshold, cfg.BreakerCooldown, nil)
	backoff := func(attempts int) retry.Policy {
		return retry.Policy{
			MaxAttempts: attempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
			Multiplier:  2,
			Jitter:      true,
		}
	}

	locator := service.NewMediaLocator(objects, tool, service.LocatorConfig{
		CacheDir:      cfg.CacheDir,
		WorkDir:       cfg.WorkDir,
		SizeTolerance: cfg.CacheSizeTolerance,
		Fetch:         backoff(3),
	}, logger.Component(base, "locator"))

	chunking := domain.DefaultChunkPolicy()
	chunking.CeilingBytes = int64(cfg.ChunkCeilingMB) << 20
	chunking.MinDuration = time.Duration(cfg.ChunkMinSeconds) * time.Second
	chunking.MaxDuration = time.Duration(cfg.ChunkMaxSeconds) * time.Second
	engine := service.NewTranscriptionEngine(transcriber, tool, monitor, service.TranscriptionConfig{
		Chunking:    chunking,
		Retry:       backoff(cfg.TranscribeAttempts),
		CallTimeout: cfg.TranscribeTimeout,
		Concurrency: cfg.ChunkConcurrency,
		MinChars:    cfg.MinTranscriptChars,
		WorkDir:     cfg.WorkDir,
	}, logger.Component(base, "transcription"))

	orchestrator := service.NewAnalysisOrchestrator(analyzer, monitor, service.AnalysisConfig{
		Stages:    service.DefaultStages(cfg.PrimaryStageTimeout, cfg.SecondaryStageTimeout),
		Retry:     backoff(cfg.StageAttempts),
		Parallel:  cfg.ParallelStages,
		QATimeout: cfg.QATimeout,
	}, logger.Component(base, "analysis"))

	eventBus := service.NewEventBus()
	driver := service.NewDriver(store, locator, engine, orchestrator, eventBus, logger.Component(base, "driver"))

	var lease port.JobLease
	if cfg.RedisAddr != "" {
		rdb := redislease.NewClient(cfg.RedisAddr, cfg.RedisPassword)
		defer func() { _ = rdb.Close() }()
		lease = redislease.New(rdb)
		log.WithField("redis", cfg.RedisAddr).Info("cross-process job lease enabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	workerPool := service.NewWorkerPool(service.NewJobQueue(nil), driver, store, lease, eventBus, cfg.Workers, logger.Component(base, "workers"))
	if err := workerPool.Start(workerCtx); err != nil {
		return err
	}

	server := HTTPAdapter.NewServer(workerPool, monitor, eventBus, cfg.APIToken, logger.Component(base, "http"))
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("control API listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			workerCancel()
			workerPool.Wait()
			return fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}

	// Running jobs observe the cancellation and return to uploaded.
	workerCancel()
	workerPool.Wait()
	log.Info("shutdown complete")
	return nil
}

func openJobStore(cfg *config.Config, base *logrus.Logger) (port.JobStore, error) {
	switch cfg.StoreBackend {
	case config.StoreJSON:
		store, err := jsonstore.NewStore(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open json store: %w", err)
		}
		return store, nil
	default:
		store, err := sqlitestore.NewStore(cfg.DataDir, logger.Component(base, "sqlite"))
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil
	}
}

func openObjectStore(cfg *config.Config) (port.ObjectStore, error) {
	switch cfg.ObjectStore {
	case config.ObjectsS3:
		sess, err := s3objects.NewSession(cfg.S3Region, cfg.S3Endpoint)
		if err != nil {
			return nil, fmt.Errorf("aws session: %w", err)
		}
		return s3objects.NewStore(sess, cfg.S3Bucket, cfg.S3Prefix), nil
	default:
		store, err := localobjects.NewStore(cfg.ObjectDir)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}
