package handlers

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/codebuildervaibhav/audio-pipeline/internal/storage"
)

// DefaultSearchLimit caps search results when the request gives no limit.
const DefaultSearchLimit = 20

// Catalog is the metadata store behind folders and search.
type Catalog interface {
	ListFolders(ctx context.Context) ([]storage.Folder, error)
	CreateFolder(ctx context.Context, name string) (storage.Folder, error)
	RenameFolder(ctx context.Context, id int64, name string) (storage.Folder, error)
	DeleteFolder(ctx context.Context, id int64) error
	SearchSegments(ctx context.Context, q string, limit int, folderIDs []int64) ([]storage.SegmentHit, error)
	SearchMeetings(ctx context.Context, q string, limit int, folderIDs []int64) ([]storage.MeetingHit, error)
}

// CatalogHandler serves folders and transcript search.
type CatalogHandler struct {
	catalog     Catalog
	searchLimit int
	logger      *zap.Logger
}

// NewCatalogHandler creates the folder and search handler.
func NewCatalogHandler(catalog Catalog, searchLimit int, logger *zap.Logger) *CatalogHandler {
	if searchLimit <= 0 {
		searchLimit = DefaultSearchLimit
	}
	return &CatalogHandler{
		catalog:     catalog,
		searchLimit: searchLimit,
		logger:      logger.With(zap.String("component", "catalog_api")),
	}
}

type folderRequest struct {
	Name string `json:"name" form:"name"`
}

// ListFolders returns all folders.
func (h *CatalogHandler) ListFolders(c *fiber.Ctx) error {
	folders, err := h.catalog.ListFolders(c.UserContext())
	if err != nil {
		return h.internal(c, "Failed to list folders", err)
	}
	if folders == nil {
		folders = []storage.Folder{}
	}
	return c.JSON(fiber.Map{"folders": folders})
}

// CreateFolder creates a folder from a form or JSON name.
func (h *CatalogHandler) CreateFolder(c *fiber.Ctx) error {
	var req folderRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "Invalid request body", "ERR_INVALID_BODY")
	}
	folder, err := h.catalog.CreateFolder(c.UserContext(), req.Name)
	if errors.Is(err, storage.ErrInvalidName) {
		return fail(c, fiber.StatusBadRequest, "name is required", "ERR_INVALID_NAME")
	}
	if err != nil {
		return h.internal(c, "Failed to create folder", err)
	}
	return c.Status(fiber.StatusCreated).JSON(folder)
}

// RenameFolder changes a folder's name.
func (h *CatalogHandler) RenameFolder(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil {
		return fail(c, fiber.StatusBadRequest, "Invalid folder id", "ERR_INVALID_ID")
	}
	var req folderRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "Invalid request body", "ERR_INVALID_BODY")
	}
	folder, err := h.catalog.RenameFolder(c.UserContext(), int64(id), req.Name)
	switch {
	case errors.Is(err, storage.ErrInvalidName):
		return fail(c, fiber.StatusBadRequest, "name is required", "ERR_INVALID_NAME")
	case errors.Is(err, storage.ErrNotFound):
		return fail(c, fiber.StatusNotFound, "Folder not found", "ERR_FOLDER_NOT_FOUND")
	case err != nil:
		return h.internal(c, "Failed to rename folder", err)
	}
	return c.JSON(folder)
}

// DeleteFolder removes a folder; its jobs become unassigned.
func (h *CatalogHandler) DeleteFolder(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil {
		return fail(c, fiber.StatusBadRequest, "Invalid folder id", "ERR_INVALID_ID")
	}
	err = h.catalog.DeleteFolder(c.UserContext(), int64(id))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return fail(c, fiber.StatusNotFound, "Folder not found", "ERR_FOLDER_NOT_FOUND")
	case err != nil:
		return h.internal(c, "Failed to delete folder", err)
	}
	return c.JSON(fiber.Map{"ok": true})
}

// SearchTranscripts searches transcript segments.
func (h *CatalogHandler) SearchTranscripts(c *fiber.Ctx) error {
	q, limit, folderIDs := h.searchParams(c)
	if q == "" {
		return c.JSON(fiber.Map{"results": []storage.SegmentHit{}})
	}
	hits, err := h.catalog.SearchSegments(c.UserContext(), q, limit, folderIDs)
	if err != nil {
		return h.internal(c, "Search failed", err)
	}
	if hits == nil {
		hits = []storage.SegmentHit{}
	}
	return c.JSON(fiber.Map{"results": hits})
}

// SearchMeetings searches meeting topics and subtopics.
func (h *CatalogHandler) SearchMeetings(c *fiber.Ctx) error {
	q, limit, folderIDs := h.searchParams(c)
	if q == "" {
		return c.JSON(fiber.Map{"results": []storage.MeetingHit{}})
	}
	hits, err := h.catalog.SearchMeetings(c.UserContext(), q, limit, folderIDs)
	if err != nil {
		return h.internal(c, "Search failed", err)
	}
	if hits == nil {
		hits = []storage.MeetingHit{}
	}
	return c.JSON(fiber.Map{"results": hits})
}

func (h *CatalogHandler) searchParams(c *fiber.Ctx) (string, int, []int64) {
	limit := c.QueryInt("limit", h.searchLimit)
	if limit <= 0 {
		limit = h.searchLimit
	}
	return strings.TrimSpace(c.Query("q")), limit, parseFolderIDs(c.Query("folder_ids"))
}

func (h *CatalogHandler) internal(c *fiber.Ctx, msg string, err error) error {
	h.logger.Error(msg, zap.Error(err))
	return fail(c, fiber.StatusInternalServerError, msg, "ERR_INTERNAL")
}

// parseFolderIDs reads a comma-separated id list, skipping malformed entries.
// No valid id means no filter.
func parseFolderIDs(s string) []int64 {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
