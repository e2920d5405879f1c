// Package main provides the fileloader ingestion service.
//
// The service watches a directory for delivered data files, validates them
// against their declared row models, stages and audits the rows, and merges
// the survivors into their target tables.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fileloader-io/fileloader/internal/config"
	"github.com/fileloader-io/fileloader/internal/notify"
	"github.com/fileloader-io/fileloader/internal/pipeline"
	"github.com/fileloader-io/fileloader/internal/source"
	"github.com/fileloader-io/fileloader/internal/storage"
	"github.com/fileloader-io/fileloader/internal/telemetry"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "fileloader"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	settings, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: settings.LogLevel,
	}))

	logger.Info("Starting fileloader service",
		slog.String("service", name),
		slog.String("version", version),
	)

	logger.Info("Loaded configuration",
		slog.String("database_url", settings.MaskDatabaseURL()),
		slog.String("directory_path", settings.DirectoryPath),
		slog.String("archive_path", settings.ArchivePath),
		slog.String("sources_path", settings.SourcesPath),
		slog.Int("batch_size", settings.BatchSize),
		slog.Int("workers", settings.Workers),
		slog.Duration("poll_interval", settings.PollInterval),
		slog.String("log_level", settings.LogLevel.String()),
	)

	registry, err := source.LoadDir(settings.SourcesPath)
	if err != nil {
		logger.Error("Failed to load source configurations", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Loaded source registry", slog.Int("sources", len(registry.Sources())))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.Connect(ctx, settings.DatabaseURL, settings.DBCallTimeout, logger)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = db.Close() // Ensure connection closes on normal shutdown
	}()

	if err := db.EnsureControlTables(ctx); err != nil {
		logger.Error("Failed to create control tables", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := db.EnsureTargetTables(ctx, registry.Sources()); err != nil {
		logger.Error("Failed to create target tables", slog.String("error", err.Error()))
		os.Exit(1)
	}

	var email *notify.EmailSender
	if settings.SMTPHost != "" {
		email = notify.NewEmailSender(settings.SMTPHost, settings.SMTPPort,
			settings.SMTPUser, settings.SMTPPassword,
			settings.FromEmail, settings.DataTeamEmail)

		logger.Info("Email notifications enabled", slog.String("smtp_host", settings.SMTPHost))
	} else {
		logger.Warn("Email notifications disabled",
			slog.String("note", "Set SMTP_HOST to notify file owners about rejected files"))
	}

	var slackSender *notify.SlackSender
	if settings.SlackWebhookURL != "" {
		slackSender = notify.NewSlackSender(settings.SlackWebhookURL)

		logger.Info("Slack notifications enabled")
	}

	notifier := notify.New(email, slackSender, logger)

	emitter := telemetry.NewEmitter(settings.KafkaBrokers, settings.KafkaTopic, logger)
	if emitter != nil {
		logger.Info("Telemetry enabled", slog.String("kafka_topic", settings.KafkaTopic))

		defer func() {
			_ = emitter.Close()
		}()
	}

	p := pipeline.New(db, registry, notifier, emitter, pipeline.Options{
		ArchivePath:    settings.ArchivePath,
		DuplicatesPath: settings.DuplicateFilesPath,
		BatchSize:      settings.BatchSize,
	}, logger)

	scheduler := pipeline.NewScheduler(p, notifier, settings.DirectoryPath, settings.Workers, logger)

	if err := run(ctx, scheduler, settings.PollInterval, logger); err != nil {
		logger.Error("Load run failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Fileloader service stopped")
}

// run executes one load run, then keeps polling when an interval is
// configured. A zero interval means one-shot mode for cron-style
// deployments.
func run(ctx context.Context, scheduler *pipeline.Scheduler, interval time.Duration, logger *slog.Logger) error {
	if _, err := scheduler.Run(ctx); err != nil {
		return err
	}

	if interval <= 0 {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutdown signal received")

			return nil
		case <-ticker.C:
			if _, err := scheduler.Run(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}

				logger.Error("Load run failed, will retry next poll", slog.String("error", err.Error()))
			}
		}
	}
}
