package handlers

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/codebuildervaibhav/audio-pipeline/internal/queue"
	"github.com/codebuildervaibhav/audio-pipeline/internal/storage"
	"github.com/codebuildervaibhav/audio-pipeline/internal/transcription"
)

// DriveFiles looks up Google Drive files by id.
type DriveFiles interface {
	Lookup(ctx context.Context, fileID string) (storage.DriveFile, error)
}

var (
	fileIDPath  = regexp.MustCompile(`/file/d/([a-zA-Z0-9_-]+)`)
	fileIDQuery = regexp.MustCompile(`[?&]id=([a-zA-Z0-9_-]+)`)
	fileIDBare  = regexp.MustCompile(`^([a-zA-Z0-9_-]{25,80})$`)
	fileIDValid = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	sha256Hex   = regexp.MustCompile(`^[a-f0-9]{64}$`)
)

// GDriveHandler queues files that live in Google Drive. The preprocess stage
// downloads them when the job runs.
type GDriveHandler struct {
	store   *queue.Store
	drive   DriveFiles
	allowed []string
	logger  *zap.Logger
}

// NewGDriveHandler creates a new Google Drive handler. drive may be nil when
// Drive is not configured.
func NewGDriveHandler(store *queue.Store, drive DriveFiles, allowed []string, logger *zap.Logger) *GDriveHandler {
	return &GDriveHandler{
		store:   store,
		drive:   drive,
		allowed: allowed,
		logger:  logger.With(zap.String("component", "gdrive")),
	}
}

// GDriveRequest represents the request body. URL may be a share link or a
// bare file id. FileHash is the SHA-256 of the content; when empty the
// checksum Drive reports is used.
type GDriveRequest struct {
	URL      string `json:"url"`
	FileID   string `json:"file_id"`
	FileHash string `json:"file_hash"`
	FolderID *int64 `json:"folder_id"`
}

// Handle processes Google Drive link requests
func (h *GDriveHandler) Handle(c *fiber.Ctx) error {
	if h.drive == nil {
		return fail(c, fiber.StatusServiceUnavailable, "Google Drive is not configured", "ERR_GDRIVE_DISABLED")
	}

	var req GDriveRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "Invalid request body", "ERR_INVALID_BODY")
	}

	fileID := strings.TrimSpace(req.FileID)
	url := strings.TrimSpace(req.URL)
	switch {
	case fileID != "":
		if !fileIDValid.MatchString(fileID) {
			return fail(c, fiber.StatusBadRequest, "Invalid Google Drive file id", "ERR_INVALID_URL")
		}
	case url != "":
		if fileID = extractGDriveFileID(url); fileID == "" {
			return fail(c, fiber.StatusBadRequest, "Invalid Google Drive URL", "ERR_INVALID_URL")
		}
	default:
		return fail(c, fiber.StatusBadRequest, "URL or file_id is required", "ERR_NO_URL")
	}

	hash := strings.ToLower(strings.TrimSpace(req.FileHash))
	if hash != "" && !sha256Hex.MatchString(hash) {
		return fail(c, fiber.StatusBadRequest, "file_hash must be a hex SHA-256", "ERR_INVALID_HASH")
	}

	file, err := h.drive.Lookup(c.UserContext(), fileID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fail(c, fiber.StatusNotFound, "File not accessible (may be private or doesn't exist)", "ERR_FILE_NOT_ACCESSIBLE")
		}
		h.logger.Error("Drive lookup failed", zap.String("file_id", fileID), zap.Error(err))
		return fail(c, fiber.StatusBadGateway, "Failed to reach Google Drive", "ERR_GDRIVE_FAILED")
	}
	if !transcription.ValidateAudioFormat(file.Name, h.allowed) {
		return fail(c, fiber.StatusBadRequest, "Unsupported audio format: "+file.Name, "ERR_INVALID_FORMAT")
	}
	if hash == "" {
		hash = file.SHA256
	}

	sub := submit(h.store, storage.GDriveRefPrefix+fileID, file.Name, hash, req.FolderID)
	h.logger.Info("Drive file queued", zap.String("file_id", fileID), zap.String("queue_id", sub.QueueID))
	return c.JSON(sub)
}

// extractGDriveFileID extracts the file ID from various Google Drive URL formats
func extractGDriveFileID(url string) string {
	// https://drive.google.com/file/d/{ID}/view
	if matches := fileIDPath.FindStringSubmatch(url); len(matches) > 1 {
		return matches[1]
	}
	// https://drive.google.com/open?id={ID}
	if matches := fileIDQuery.FindStringSubmatch(url); len(matches) > 1 {
		return matches[1]
	}
	if matches := fileIDBare.FindStringSubmatch(url); len(matches) > 1 {
		return matches[1]
	}
	return ""
}
