package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Abhinav-Prajapati/pixal-judge/internal/app"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/config"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/logger"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/service"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/source"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/source/localdir"
)

const pageSize = 50

type ingestStats struct {
	Total      int
	Created    int
	Duplicates int
	Failed     int
	ImageIDs   []string
}

func main() {
	appLogger := logger.New(&logger.Config{
		Level:       "info",
		Format:      "json",
		ServiceName: "pixal-ingest",
	})
	logger.SetDefaultLogger(appLogger)

	dir := flag.String("dir", "", "Directory of images to ingest")
	limit := flag.Int("limit", 0, "Maximum number of files to ingest (0 = all)")
	batchName := flag.String("batch", "", "Create a batch with this name holding every ingested image")
	reconcile := flag.Bool("reconcile", false, "Sweep for images missing derived assets and process them, then exit")
	configPath := flag.String("config", "", "Path to config file")
	drainTimeout := flag.Duration("drain-timeout", 30*time.Minute, "How long to wait for queued stage tasks before exiting")
	flag.Parse()

	if *dir == "" && !*reconcile {
		appLogger.Fatal("Either -dir or -reconcile is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}
	// The CLI always processes in-process so it can wait for its own work.
	cfg.Queue.Backend = "memory"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		appLogger.Info("Received shutdown signal, canceling...")
		cancel()
	}()

	a, err := app.New(ctx, cfg, appLogger)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize application")
	}
	defer a.Close()

	if err := a.StartWorkers(); err != nil {
		appLogger.WithError(err).Fatal("Failed to start stage workers")
	}

	if *dir != "" {
		src := localdir.NewAdapter(*dir, cfg.Ingest.AllowedExtensions)
		appLogger.WithFields(logger.Fields{
			"source": src.GetDisplayName(),
			"limit":  *limit,
		}).Info("Starting ingestion")

		stats, err := ingestFromSource(ctx, a.Ingest, src, *limit)
		if err != nil {
			appLogger.WithError(err).Error("Ingestion stopped early")
		}
		appLogger.WithFields(logger.Fields{
			"total":      stats.Total,
			"created":    stats.Created,
			"duplicates": stats.Duplicates,
			"failed":     stats.Failed,
		}).Info("Ingestion completed")

		if *batchName != "" && len(stats.ImageIDs) > 0 {
			batch, err := a.Batch.Create(ctx, *batchName, stats.ImageIDs)
			if err != nil {
				appLogger.WithError(err).Error("Failed to create batch")
			} else {
				appLogger.WithFields(logger.Fields{
					logger.FieldBatchID: batch.ID,
					"images":            len(batch.Associations),
				}).Info("Batch created")
			}
		}
	}

	if *reconcile {
		sweep, err := a.Reconciler.Sweep(ctx)
		if err != nil {
			appLogger.WithError(err).Error("Sweep failed")
		} else {
			fields := logger.Fields{"stale_batches": sweep.StaleBatches}
			for stage, n := range sweep.Dispatched {
				fields[string(stage)] = n
			}
			appLogger.WithFields(fields).Info("Sweep dispatched missing stages")
		}
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), *drainTimeout)
	defer drainCancel()
	appLogger.Info("Waiting for stage tasks to finish")
	if err := a.Shutdown(drainCtx); err != nil {
		appLogger.WithError(err).Warn("Stage tasks still pending at exit, the next sweep will pick them up")
	}
}

// ingestFromSource pages through src, ingesting up to limit files (0 = all).
func ingestFromSource(ctx context.Context, ingest *service.IngestService, src source.Source, limit int) (*ingestStats, error) {
	stats := &ingestStats{}
	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		n := pageSize
		if limit > 0 && limit-stats.Total < n {
			n = limit - stats.Total
		}
		if n <= 0 {
			return stats, nil
		}
		items, next, err := src.FetchBatch(ctx, cursor, n)
		if err != nil {
			return stats, err
		}
		uploads := make([]service.Upload, len(items))
		for i, item := range items {
			uploads[i] = service.Upload{Name: item.Name, Size: item.Size, Open: item.Open}
		}
		for i, out := range ingest.IngestMany(ctx, uploads) {
			stats.Total++
			switch {
			case out.Error != "":
				stats.Failed++
				logger.With(logger.Fields{"source_id": items[i].SourceID}).
					WithStatus("failed").Warn(ctx, "Skipping file: %s", out.Error)
				continue
			case out.IsDuplicate:
				stats.Duplicates++
			default:
				stats.Created++
			}
			stats.ImageIDs = append(stats.ImageIDs, out.ImageID)
		}
		if next == "" {
			return stats, nil
		}
		cursor = next
	}
}
