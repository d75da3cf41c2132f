// Package app wires configuration into repositories, the derived-asset pipeline and services.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Abhinav-Prajapati/pixal-judge/internal/api"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/api/handler"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/config"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/logger"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/metrics"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/pipeline"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/processing"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/repository"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/service"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gorm.io/gorm"
)

// App holds every long-lived component of one process.
type App struct {
	Config   *config.Config
	Logger   *logger.Logger
	DB       *gorm.DB
	Storage  storage.ObjectStorage
	Qdrant   *repository.QdrantRepository
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	Images  *repository.ImageRepository
	Batches *repository.BatchRepository

	Runner     *pipeline.Runner
	Dispatcher pipeline.Dispatcher
	Reconciler *pipeline.Reconciler

	Ingest   *service.IngestService
	Batch    *service.BatchService
	Grouping *service.GroupingService
	Ranking  *service.RankingService

	pool        *pipeline.WorkerPool
	asynqClient *asynq.Client
	asynqServer *asynq.Server
	closers     []func() error
}

// New builds an App from cfg. Nothing runs in the background until Start.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: log}
	if err := a.init(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.Config

	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	a.DB = db
	a.closers = append(a.closers, func() error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})
	a.Images = repository.NewImageRepository(db)
	a.Batches = repository.NewBatchRepository(db)

	a.Storage, err = storage.NewStorage(&cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	if ensurer, ok := a.Storage.(storage.BucketEnsurer); ok {
		if err := ensurer.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("failed to ensure storage bucket: %w", err)
		}
	}

	var index pipeline.VectorIndex
	var vectors service.VectorSearcher
	if cfg.Qdrant.Enabled {
		q, err := repository.NewQdrantRepository(&repository.QdrantConnectionConfig{
			Host:            cfg.Qdrant.Host,
			Port:            cfg.Qdrant.Port,
			Collection:      cfg.Qdrant.Collection,
			APIKey:          cfg.Qdrant.APIKey,
			UseTLS:          cfg.Qdrant.UseTLS,
			VectorDimension: cfg.Qdrant.Dimensions,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize qdrant: %w", err)
		}
		a.Qdrant = q
		a.closers = append(a.closers, q.Close)
		if err := q.EnsureCollection(ctx); err != nil {
			return fmt.Errorf("failed to ensure qdrant collection: %w", err)
		}
		index, vectors = q, q
	}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics, err = metrics.New(a.Registry)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	stagePolicy := pipeline.NewRetryPolicy(cfg.Pipeline)
	a.Runner = pipeline.NewRunner(a.Images, stagePolicy, a.Metrics,
		pipeline.NewMetadataStage(a.Storage, processing.NewExifExtractor()),
		pipeline.NewThumbnailStage(a.Storage, processing.NewImagingThumbnailer(cfg.Thumbnail)),
		pipeline.NewEmbeddingStage(a.Storage, processing.NewEmbeddingClient(cfg.Embedding), index),
	)

	switch cfg.Queue.Backend {
	case "redis":
		a.asynqClient = asynq.NewClient(pipeline.RedisOpt(cfg.Queue))
		inspector := asynq.NewInspector(pipeline.RedisOpt(cfg.Queue))
		a.closers = append(a.closers, a.asynqClient.Close, inspector.Close)
		taskTimeout := stagePolicy.Budget()
		if taskTimeout > 0 {
			taskTimeout += time.Minute
		}
		a.Dispatcher = pipeline.NewAsynqDispatcher(a.asynqClient, inspector, cfg.Queue.Name, taskTimeout)
	default:
		a.pool = pipeline.NewWorkerPool(a.Runner, cfg.Pipeline.Workers, cfg.Pipeline.QueueSize)
		a.Dispatcher = a.pool
	}

	a.Reconciler = pipeline.NewReconciler(a.Images, a.Batches, a.Dispatcher, pipeline.ReconcilerConfig{
		Schedule:   cfg.Pipeline.SweepSchedule,
		PageSize:   cfg.Pipeline.SweepPageSize,
		StaleAfter: cfg.Grouping.StaleAfter,
	}, a.Metrics)

	var remote processing.Clusterer
	if cfg.Grouping.BaseURL != "" {
		remote = processing.NewRemoteClusterer(cfg.Grouping)
	}
	groupingPolicy := pipeline.RetryPolicy{
		MaxAttempts:    cfg.Grouping.MaxAttempts,
		InitialBackoff: cfg.Pipeline.InitialBackoff,
		MaxBackoff:     cfg.Pipeline.MaxBackoff,
		AttemptTimeout: cfg.Grouping.Timeout,
	}
	qualityPolicy := pipeline.RetryPolicy{
		MaxAttempts:    cfg.Pipeline.MaxAttempts,
		InitialBackoff: cfg.Pipeline.InitialBackoff,
		MaxBackoff:     cfg.Pipeline.MaxBackoff,
		AttemptTimeout: cfg.Quality.Timeout,
	}

	locks := service.NewKeyedMutex()
	a.Ingest = service.NewIngestService(a.Images, a.Storage, a.Dispatcher, vectors, a.Metrics, a.Logger, cfg.Ingest)
	a.Batch = service.NewBatchService(a.Batches, a.Images, a.Ingest, locks)
	a.Grouping = service.NewGroupingService(a.Batches, processing.NewAlgorithmRouter(remote), locks, groupingPolicy, a.Metrics)
	a.Ranking = service.NewRankingService(a.Batches, a.Images, a.Storage, processing.NewQualityClient(cfg.Quality),
		locks, qualityPolicy, a.Metrics, cfg.Quality.Concurrency)
	return nil
}

// StartWorkers starts stage consumption: the in-process pool, or an asynq server when
// the queue backend is redis.
func (a *App) StartWorkers() error {
	if a.pool != nil {
		a.pool.Start()
		return nil
	}
	a.asynqServer = pipeline.NewAsynqServer(a.Config.Queue)
	if err := a.asynqServer.Start(pipeline.NewAsynqMux(a.Runner)); err != nil {
		return fmt.Errorf("failed to start queue workers: %w", err)
	}
	return nil
}

// StartReconciler optionally sweeps once, then schedules periodic sweeps.
func (a *App) StartReconciler(ctx context.Context) error {
	if a.Config.Pipeline.SweepOnStart {
		go func() {
			if _, err := a.Reconciler.Sweep(ctx); err != nil {
				a.Logger.WithError(err).Error("Startup sweep failed")
			}
		}()
	}
	return a.Reconciler.Start(ctx)
}

// Router builds the HTTP surface over the App's services.
func (a *App) Router() *gin.Engine {
	checks := map[string]handler.HealthCheck{
		"database": func(ctx context.Context) error {
			sqlDB, err := a.DB.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}
	return api.SetupRouter(api.Services{
		Ingest:   a.Ingest,
		Batches:  a.Batch,
		Grouping: a.Grouping,
		Ranking:  a.Ranking,
	}, api.RouterOptions{
		Mode:             a.Config.Server.Mode,
		CORS:             a.Config.Server.CORS,
		GroupingDefaults: api.GroupingDefaults(a.Config.Grouping),
		DefaultMetric:    a.Config.Quality.DefaultMetric,
		Gatherer:         a.Registry,
		HealthChecks:     checks,
		Logger:           a.Logger,
	})
}

// Shutdown stops background work, draining queued stage tasks until ctx expires.
func (a *App) Shutdown(ctx context.Context) error {
	if a.Reconciler != nil {
		a.Reconciler.Stop()
	}
	var errs []error
	if a.pool != nil {
		if err := a.pool.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("worker pool: %w", err))
		}
	}
	if a.asynqServer != nil {
		a.asynqServer.Shutdown()
	}
	return errors.Join(errs...)
}

// Close releases connections. Call after Shutdown.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
