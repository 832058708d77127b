package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/codebuildervaibhav/audio-pipeline/internal/metrics"
	"github.com/codebuildervaibhav/audio-pipeline/internal/queue"
	"github.com/codebuildervaibhav/audio-pipeline/internal/storage"
)

// Version is reported by /health.
const Version = "1.0.0"

// LogSource exposes recently written log lines.
type LogSource interface {
	Lines() []string
}

// Deps are the collaborators the HTTP surface is built from. Drive, Logs and
// Catalog may be nil; their routes then report the feature as unavailable.
type Deps struct {
	Store             *queue.Store
	Files             *storage.LocalStorage
	Drive             DriveFiles
	Catalog           Catalog
	Logs              LogSource
	MaxFileBytes      int64
	AllowedExtensions []string
	SearchLimit       int
	StreamInterval    time.Duration
	Metrics           bool
	Logger            *zap.Logger
}

// Register mounts every route on app.
func Register(app *fiber.App, d Deps) {
	upload := NewUploadHandler(d.Store, d.Files, d.MaxFileBytes, d.AllowedExtensions, d.Logger)
	gdrive := NewGDriveHandler(d.Store, d.Drive, d.AllowedExtensions, d.Logger)
	jobs := NewQueueHandler(d.Store, d.Files, d.Logger)
	stream := NewStreamHandler(d.Store, d.StreamInterval, d.Logger)

	app.Get("/health", func(c *fiber.Ctx) error {
		snap := d.Store.Snapshot()
		return c.JSON(fiber.Map{
			"status":         "healthy",
			"version":        Version,
			"paused":         snap.Paused,
			"current_job_id": snap.CurrentJobID,
		})
	})
	if d.Metrics {
		app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	}

	api := app.Group("/api")
	api.Get("/config", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"gdrive":           d.Drive != nil,
			"max_file_size_mb": d.MaxFileBytes / (1024 * 1024),
		})
	})
	api.Get("/logs", func(c *fiber.Ctx) error {
		if d.Logs == nil {
			return c.JSON(fiber.Map{"logs": []string{}})
		}
		return c.JSON(fiber.Map{"logs": d.Logs.Lines()})
	})

	api.Post("/upload", upload.Handle)
	api.Post("/queue/gdrive", gdrive.Handle)

	api.Get("/queue", jobs.Queue)
	api.Delete("/queue/pending/:qid", jobs.WithdrawPending)
	api.Post("/queue/pause", jobs.Pause)
	api.Post("/queue/resume", jobs.Resume)
	api.Get("/jobs", jobs.Jobs)
	api.Get("/status/:id", jobs.Status)
	api.Get("/result/:id", jobs.Result)
	api.Get("/audio/:id", jobs.Audio)
	api.Delete("/job/:id", jobs.DeleteJob)
	api.Post("/job/:id/cancel", jobs.Cancel)

	if d.Catalog != nil {
		catalog := NewCatalogHandler(d.Catalog, d.SearchLimit, d.Logger)
		api.Get("/folders", catalog.ListFolders)
		api.Post("/folders", catalog.CreateFolder)
		api.Patch("/folders/:id", catalog.RenameFolder)
		api.Delete("/folders/:id", catalog.DeleteFolder)
		api.Get("/search/transcripts", catalog.SearchTranscripts)
		api.Get("/search/meetings", catalog.SearchMeetings)
	}

	app.Use("/ws", stream.Upgrade)
	app.Get("/ws/jobs/:id", websocket.New(stream.Handle))
}
