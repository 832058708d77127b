package handlers

import (
	"errors"
	"fmt"
	"mime/multipart"
	"os"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/codebuildervaibhav/audio-pipeline/internal/queue"
	"github.com/codebuildervaibhav/audio-pipeline/internal/storage"
	"github.com/codebuildervaibhav/audio-pipeline/internal/transcription"
)

// Advisory dedup warnings attached to a submission.
const (
	warnDuplicateQueued  = "Duplicate file already in queue"
	warnAlreadyProcessed = "File was already processed previously"
)

// Submission is the per-file answer to a queue submission.
type Submission struct {
	OriginalFilename string   `json:"original_filename"`
	QueueID          string   `json:"queue_id"`
	FolderID         *int64   `json:"folder_id"`
	Warnings         []string `json:"warnings"`
}

// UploadHandler handles file uploads
type UploadHandler struct {
	store    *queue.Store
	files    *storage.LocalStorage
	maxBytes int64
	allowed  []string
	logger   *zap.Logger
}

// NewUploadHandler creates a new upload handler
func NewUploadHandler(store *queue.Store, files *storage.LocalStorage, maxBytes int64, allowed []string, logger *zap.Logger) *UploadHandler {
	return &UploadHandler{
		store:    store,
		files:    files,
		maxBytes: maxBytes,
		allowed:  allowed,
		logger:   logger.With(zap.String("component", "upload")),
	}
}

// Handle accepts one or more files in the "files" (or "file") form field and
// queues each of them. Every file is validated and saved before any is queued.
func (h *UploadHandler) Handle(c *fiber.Ctx) error {
	form, err := c.MultipartForm()
	if err != nil {
		return fail(c, fiber.StatusBadRequest, "Invalid multipart form", "ERR_INVALID_FORM")
	}
	var headers []*multipart.FileHeader
	headers = append(headers, form.File["files"]...)
	headers = append(headers, form.File["file"]...)
	if len(headers) == 0 {
		return fail(c, fiber.StatusBadRequest, "No file uploaded", "ERR_NO_FILE")
	}
	folderID := parseFolderID(c.FormValue("folder_id"))

	for _, fh := range headers {
		if err := transcription.ValidateUpload(fh.Filename, fh.Size, h.maxBytes, h.allowed); err != nil {
			return h.rejectFile(c, fh.Filename, err)
		}
	}

	saved := make([]storage.UploadedFile, 0, len(headers))
	discard := func() {
		for _, f := range saved {
			os.Remove(f.Path)
		}
	}
	for _, fh := range headers {
		f, err := h.save(fh)
		if err != nil {
			discard()
			if errors.Is(err, storage.ErrTooLarge) {
				return h.rejectFile(c, fh.Filename, err)
			}
			h.logger.Error("Failed to save uploaded file", zap.String("filename", fh.Filename), zap.Error(err))
			return fail(c, fiber.StatusInternalServerError, "Failed to save file", "ERR_SAVE_FAILED")
		}
		saved = append(saved, f)
	}

	results := make([]Submission, 0, len(saved))
	for i, f := range saved {
		results = append(results, submit(h.store, f.Path, headers[i].Filename, f.Hash, folderID))
	}
	return c.JSON(fiber.Map{"results": results})
}

func (h *UploadHandler) save(fh *multipart.FileHeader) (storage.UploadedFile, error) {
	src, err := fh.Open()
	if err != nil {
		return storage.UploadedFile{}, err
	}
	defer src.Close()
	return h.files.SaveUpload(fh.Filename, src, h.maxBytes)
}

func (h *UploadHandler) rejectFile(c *fiber.Ctx, filename string, err error) error {
	switch {
	case errors.Is(err, storage.ErrTooLarge):
		return fail(c, fiber.StatusBadRequest,
			fmt.Sprintf("File too large (max %dMB): %s", h.maxBytes/(1024*1024), filename), "ERR_FILE_TOO_LARGE")
	case errors.Is(err, transcription.ErrEmptyFile):
		return fail(c, fiber.StatusBadRequest, "File is empty: "+filename, "ERR_EMPTY_FILE")
	default:
		allowed := h.allowed
		if len(allowed) == 0 {
			allowed = transcription.DefaultFormats
		}
		return fail(c, fiber.StatusBadRequest,
			"Unsupported audio format. Allowed formats: "+strings.Join(allowed, ", "), "ERR_INVALID_FORMAT")
	}
}

// submit runs the advisory dedup checks and queues one payload.
func submit(store *queue.Store, payloadRef, filename, hash string, folderID *int64) Submission {
	var warnings []string
	if store.IsDuplicateQueued(hash) {
		warnings = append(warnings, warnDuplicateQueued)
	}
	if hash != "" && store.IsAlreadyProcessed(hash) {
		warnings = append(warnings, warnAlreadyProcessed)
	}
	return Submission{
		OriginalFilename: filename,
		QueueID:          store.Enqueue(payloadRef, filename, hash, folderID),
		FolderID:         folderID,
		Warnings:         warnings,
	}
}

// parseFolderID reads an optional folder id. Blank or malformed values mean
// no folder.
func parseFolderID(s string) *int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	return &id
}

func fail(c *fiber.Ctx, status int, msg, code string) error {
	return c.Status(status).JSON(fiber.Map{
		"error": msg,
		"code":  code,
	})
}
