package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/codebuildervaibhav/audio-pipeline/internal/cleanup"
	"github.com/codebuildervaibhav/audio-pipeline/internal/config"
	"github.com/codebuildervaibhav/audio-pipeline/internal/handlers"
	applog "github.com/codebuildervaibhav/audio-pipeline/internal/logger"
	"github.com/codebuildervaibhav/audio-pipeline/internal/queue"
	"github.com/codebuildervaibhav/audio-pipeline/internal/storage"
	"github.com/codebuildervaibhav/audio-pipeline/internal/transcription"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default $CONFIG_PATH or config/config.yaml)")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		os.Stderr.WriteString("Failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logBuffer := applog.NewLogBuffer(applog.DefaultBufferLines)
	log := applog.InitLogger(cfg.Logging.Level, cfg.Logging.Format, logBuffer)
	defer log.Sync()

	if err := run(cfg, log, logBuffer); err != nil {
		log.Fatal("Server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger, logBuffer *applog.LogBuffer) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("Initializing components...")

	files, err := storage.NewLocalStorage(cfg.Storage.UploadDir, cfg.Storage.OutputDir)
	if err != nil {
		return err
	}

	db, err := storage.NewMetadataDB(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	var records queue.RecordStore
	switch cfg.Storage.RecordBackend {
	case config.RecordBackendSQL:
		records = db.Records()
	default:
		if records, err = storage.NewFileRecordStore(cfg.Storage.JobStateDir); err != nil {
			return err
		}
	}

	// Google Drive client (optional - may fail if credentials not set up)
	driveClient := connectDrive(ctx, cfg, log)

	var (
		mirror  queue.RecordStore
		fetcher transcription.Fetcher
		drive   handlers.DriveFiles
	)
	if driveClient != nil {
		fetcher = driveClient
		drive = driveClient
		if cfg.GoogleDrive.MirrorRecords {
			mirror = driveClient
			log.Info("Mirroring job records to Google Drive")
		}
	}

	analyzer, err := transcription.NewAnalyzer(cfg.Pipeline.LLMCommand, cfg.Pipeline.LLMChunkChars, log)
	if err != nil {
		return err
	}
	executors := queue.Executors{
		Preprocess: transcription.NewNormalizer(cfg.Pipeline.FFmpegPath, files, fetcher, log),
		Transcribe: transcription.NewWhisperTranscriber(transcription.WhisperOptions{
			PythonPath:      cfg.Pipeline.PythonPath,
			Model:           cfg.Pipeline.WhisperModel,
			Language:        cfg.Pipeline.Language,
			MinSegmentWords: cfg.Pipeline.MinSegmentWords,
		}, log),
		Analyze: analyzer,
	}

	store := queue.NewStore(queue.StoreOptions{
		Records:  records,
		Mirror:   mirror,
		Metadata: db,
		Logger:   log,
	})
	worker, err := queue.NewWorker(store, executors, db, log, cfg.PollInterval())
	if err != nil {
		return err
	}
	worker.Start(ctx)

	cleanupScheduler := cleanup.NewScheduler(
		cfg.Storage.UploadDir,
		cfg.Cleanup.IntervalMinutes,
		cfg.Cleanup.MaxAgeHours,
		store,
		log,
	)
	cleanupScheduler.Start()
	defer cleanupScheduler.Stop()

	app := fiber.New(fiber.Config{
		BodyLimit:             int(cfg.MaxFileBytes()) + 1024*1024,
		DisableStartupMessage: true,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Output: io.MultiWriter(os.Stdout, logBuffer),
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept",
	}))

	handlers.Register(app, handlers.Deps{
		Store:             store,
		Files:             files,
		Drive:             drive,
		Catalog:           db,
		Logs:              logBuffer,
		MaxFileBytes:      cfg.MaxFileBytes(),
		AllowedExtensions: cfg.Limits.AllowedExtensions,
		Metrics:           cfg.Metrics.Enabled,
		Logger:            log,
	})

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		log.Info("Shutting down gracefully...")
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			log.Warn("HTTP shutdown incomplete", zap.Error(err))
		}
	}()

	log.Info("Server starting", zap.String("addr", cfg.Addr()))
	if err := app.Listen(cfg.Addr()); err != nil {
		stop()
		return err
	}

	// The worker sees the same cancelled context; a running job ends as
	// interrupted and is persisted before Done closes.
	select {
	case <-worker.Done():
	case <-time.After(shutdownTimeout):
		log.Warn("Worker did not stop in time")
	}
	log.Info("Server stopped")
	return nil
}

// connectDrive returns a Drive client when credentials and a cached token
// exist, or nil.
func connectDrive(ctx context.Context, cfg *config.Config, log *zap.Logger) *storage.DriveClient {
	if _, err := os.Stat(cfg.GoogleDrive.CredentialsFile); err != nil {
		log.Info("Google Drive credentials not found - Drive features disabled")
		return nil
	}
	client, err := storage.NewDriveClient(ctx,
		cfg.GoogleDrive.CredentialsFile,
		cfg.GoogleDrive.TokenFile,
		cfg.GoogleDrive.FolderName,
	)
	switch {
	case errors.Is(err, storage.ErrNoToken):
		log.Warn("Google Drive not authorized; run `process -gdrive-auth`")
		return nil
	case err != nil:
		log.Warn("Google Drive not available", zap.Error(err))
		return nil
	}
	log.Info("Google Drive integration enabled", zap.String("folder", cfg.GoogleDrive.FolderName))
	return client
}
