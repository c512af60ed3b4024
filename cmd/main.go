package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tweetfeed/internal/config"
	"tweetfeed/internal/database"
	"tweetfeed/internal/ingest"
	"tweetfeed/internal/rss"
	"tweetfeed/internal/scheduler"
	"tweetfeed/internal/timeline"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	start := time.Now()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.ErrorContext(ctx, "Failed to load config",
			"error", err)

		return
	}

	db, err := database.New(ctx, cfg.DBPath, log)
	if err != nil {
		log.ErrorContext(ctx, "Failed to initialize db",
			"error", err,
			"dbPath", cfg.DBPath)

		return
	}
	defer func() {
		if err = db.Close(); err != nil {
			log.ErrorContext(ctx, "Failed to close db",
				"error", err,
				"dbPath", cfg.DBPath)
		}
	}()
	log.InfoContext(ctx, "DB is initialized",
		"dbPath", cfg.DBPath)

	renderer, err := rss.NewRenderer()
	if err != nil {
		log.ErrorContext(ctx, "Failed to create renderer",
			"error", err)

		return
	}

	docs, err := rss.NewDocuments(cfg.FeedDir, cfg.FeedBaseURL, log)
	if err != nil {
		log.ErrorContext(ctx, "Failed to prepare feed directory",
			"error", err,
			"feedDir", cfg.FeedDir)

		return
	}

	client := timeline.NewHTTPClient(cfg.APIBaseURL, cfg.Token, cfg.PageSize, log)
	poller := ingest.New(db, client, cfg.PollInterval, cfg.MaxPollBackoff, log)
	synthesizer := rss.NewSynthesizer(db, docs, renderer, cfg.BatchSize, cfg.RetentionCap, log)

	if cfg.RebuildOnStart {
		if err = synthesizer.RebuildAll(ctx); err != nil {
			log.ErrorContext(ctx, "Failed to rebuild feed documents",
				"error", err,
				"feedDir", cfg.FeedDir)
		}
	}

	if unprocessed, countErr := db.CountUnprocessed(ctx); countErr == nil {
		log.InfoContext(ctx, "Ingestion backlog",
			"unprocessed", unprocessed)
	}

	sched := scheduler.New(ctx, poller, synthesizer, cfg.PollInterval, cfg.SynthesizeInterval, log)

	if err = sched.Start(); err != nil {
		log.ErrorContext(ctx, "Failed to start scheduler",
			"error", err,
			"pollInterval", cfg.PollInterval,
			"synthesizeInterval", cfg.SynthesizeInterval)

		return
	}
	log.InfoContext(ctx, "Scheduler is started",
		"pollInterval", cfg.PollInterval,
		"synthesizeInterval", cfg.SynthesizeInterval,
		"pageSize", cfg.PageSize,
		"batchSize", cfg.BatchSize,
		"retentionCap", cfg.RetentionCap)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	sig := <-c
	log.InfoContext(ctx, "Shutdown signal is received",
		"signal", sig.String())

	// The context stays live until Stop returns, so an in-flight page commit
	// or batch write finishes instead of being aborted mid-cycle.
	sched.Stop()
	cancel()
	log.InfoContext(ctx, "Scheduler is stopped",
		"uptimeSeconds", time.Since(start).Seconds())
}
