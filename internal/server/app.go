// Package server provides the core application server and dependency wiring.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.uber.org/zap"

	"github.com/RegardV/JournalCraftCrew-sub002/internal/api"
	"github.com/RegardV/JournalCraftCrew-sub002/internal/clock/system"
	"github.com/RegardV/JournalCraftCrew-sub002/internal/config"
	"github.com/RegardV/JournalCraftCrew-sub002/internal/crew"
	"github.com/RegardV/JournalCraftCrew-sub002/internal/id/uuid"
	"github.com/RegardV/JournalCraftCrew-sub002/internal/logging"
	"github.com/RegardV/JournalCraftCrew-sub002/internal/metrics"
	"github.com/RegardV/JournalCraftCrew-sub002/internal/policy/ratelimit"
	"github.com/RegardV/JournalCraftCrew-sub002/internal/progress"
	progresssinks "github.com/RegardV/JournalCraftCrew-sub002/internal/progress/sinks"
	gcppublisher "github.com/RegardV/JournalCraftCrew-sub002/internal/publisher/pubsub"
	"github.com/RegardV/JournalCraftCrew-sub002/internal/runner"
	memoryStorage "github.com/RegardV/JournalCraftCrew-sub002/internal/storage/memory"
)

// App contains the application's dependencies.
type App struct {
	cfg             *config.Config
	logger          *zap.Logger
	apiServer       *api.Server
	jobStore        *memoryStorage.JobStore
	jobRunner       *runner.Runner
	progressHub     *progress.Hub
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies", zap.Int("server_port", cfg.Server.Port))

	app.jobStore = memoryStorage.NewJobStore(memoryStorage.Config{
		Retention:        cfg.Retention(),
		HistoryCap:       cfg.Progress.HistoryCap,
		SubscriberQueue:  cfg.Progress.SubscriberQueue,
		OnSubscriberDrop: metrics.ObserveStreamDrop,
	}, system.New(), uuid.New(), logger.Named("store"))

	if err := app.setupProgressHub(ctx); err != nil {
		return nil, err
	}

	generator, err := app.setupGenerator()
	if err != nil {
		return nil, err
	}
	journalCrew := crew.NewCrew(generator, system.New(), logger.Named("crew"))

	app.jobRunner = runner.New(app.jobStore, journalCrew, app.progressHub, runner.Config{
		Timeout:       cfg.JobTimeout(),
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
		BaseContext:   ctx,
	}, logger.Named("runner"))

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Jobs.CreateRatePerSec,
		DefaultBurst: cfg.Jobs.CreateBurst,
	})

	app.apiServer = api.NewServer(app.jobStore, app.jobRunner, limiter, *cfg, logger.Named("api"))
	return app, nil
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownGrace())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// Close gracefully shuts down the application: drain running jobs, close
// the job store so no subscriber hangs, then drain the mirror hub.
func (a *App) Close(ctx context.Context) error {
	if a.jobRunner != nil {
		if err := a.jobRunner.Wait(ctx); err != nil {
			a.logger.Warn("jobs still running at shutdown", zap.Error(err))
		}
	}
	if a.jobStore != nil {
		a.jobStore.Close()
	}
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Warn("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) setupProgressHub(ctx context.Context) error {
	promSink, err := progresssinks.NewPrometheusSink(nil)
	if err != nil {
		return fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList := []progress.Sink{
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		promSink,
	}

	if a.cfg.PubSub.ProjectID != "" && a.cfg.PubSub.TopicName != "" {
		var err error
		a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubPublisher = a.pubsubClient.Publisher(a.cfg.PubSub.TopicName)
		sinkList = append(sinkList, progresssinks.NewPublisherSink(
			gcppublisher.New(a.pubsubPublisher),
			a.cfg.PubSub.TopicName,
			a.logger.Named("progress_publish"),
		))
		a.logger.Info("Pub/Sub mirror initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.TopicName),
		)
	}

	hubCfg := progress.HubConfig{
		BufferSize:     a.cfg.Progress.MirrorBufferSize,
		MaxBatchEvents: a.cfg.Progress.MirrorBatchEvents,
		MaxBatchWait:   a.cfg.MirrorBatchWait(),
		BaseContext:    ctx,
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

func (a *App) setupGenerator() (crew.Generator, error) {
	if a.cfg.Anthropic.APIKey == "" {
		a.logger.Warn("no Anthropic API key configured, using offline generator")
		return crew.NewStaticGenerator(), nil
	}
	gen, err := crew.NewClaudeGenerator(crew.ClaudeConfig{
		APIKey:    a.cfg.Anthropic.APIKey,
		Model:     a.cfg.Anthropic.Model,
		MaxTokens: a.cfg.Anthropic.MaxTokens,
	}, a.logger.Named("claude"))
	if err != nil {
		return nil, fmt.Errorf("claude generator init failed: %w", err)
	}
	a.logger.Info("claude generator initialized", zap.String("model", a.cfg.Anthropic.Model))
	return gen, nil
}
