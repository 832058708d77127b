package handlers

import (
	"errors"
	"os"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/codebuildervaibhav/audio-pipeline/internal/queue"
	"github.com/codebuildervaibhav/audio-pipeline/internal/types"
)

// AudioPaths locates a job's normalized audio.
type AudioPaths interface {
	AudioPath(jobID string) string
}

// QueueHandler serves queue state and job control.
type QueueHandler struct {
	store  *queue.Store
	paths  AudioPaths
	logger *zap.Logger
}

// NewQueueHandler creates the queue and job handler.
func NewQueueHandler(store *queue.Store, paths AudioPaths, logger *zap.Logger) *QueueHandler {
	return &QueueHandler{
		store:  store,
		paths:  paths,
		logger: logger.With(zap.String("component", "queue_api")),
	}
}

// Queue returns paused flag, current job, pending items and all jobs.
func (h *QueueHandler) Queue(c *fiber.Ctx) error {
	return c.JSON(h.store.Snapshot())
}

// Jobs lists every job record.
func (h *QueueHandler) Jobs(c *fiber.Ctx) error {
	return c.JSON(h.store.Snapshot().Jobs)
}

// Status returns one job with its stage states.
func (h *QueueHandler) Status(c *fiber.Ctx) error {
	job, ok := h.store.Get(c.Params("id"))
	if !ok {
		return jobNotFound(c)
	}
	return c.JSON(job)
}

// Result returns the job result once completed, otherwise the stage states.
func (h *QueueHandler) Result(c *fiber.Ctx) error {
	job, ok := h.store.Get(c.Params("id"))
	if !ok {
		return jobNotFound(c)
	}
	if job.Status != types.JobCompleted {
		return c.JSON(fiber.Map{
			"job_id": job.ID,
			"status": job.Status,
			"result": nil,
			"stages": job.Stages,
		})
	}
	return c.JSON(fiber.Map{
		"job_id": job.ID,
		"status": job.Status,
		"result": job.Result,
	})
}

// Audio serves the normalized WAV once the preprocess stage produced it.
func (h *QueueHandler) Audio(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, ok := h.store.Get(id); !ok {
		return jobNotFound(c)
	}
	path := h.paths.AudioPath(id)
	if _, err := os.Stat(path); err != nil {
		return fail(c, fiber.StatusNotFound, "Audio not ready yet", "ERR_AUDIO_NOT_READY")
	}
	c.Set(fiber.HeaderContentType, "audio/wav")
	return c.SendFile(path)
}

// WithdrawPending removes a queue item that has not started.
func (h *QueueHandler) WithdrawPending(c *fiber.Ctx) error {
	if !h.store.Withdraw(c.Params("qid")) {
		return fail(c, fiber.StatusNotFound, "Pending item not found or already started", "ERR_NOT_PENDING")
	}
	return c.JSON(fiber.Map{"ok": true})
}

// DeleteJob removes a finished job and its persisted state.
func (h *QueueHandler) DeleteJob(c *fiber.Ctx) error {
	err := h.store.Remove(c.UserContext(), c.Params("id"))
	switch {
	case errors.Is(err, queue.ErrJobNotFound):
		return jobNotFound(c)
	case errors.Is(err, queue.ErrJobRunning):
		return fail(c, fiber.StatusConflict, "Job is running; cancel it first", "ERR_JOB_RUNNING")
	case err != nil:
		h.logger.Error("Failed to remove job", zap.Error(err))
		return fail(c, fiber.StatusInternalServerError, "Failed to remove job", "ERR_DELETE_FAILED")
	}
	return c.JSON(fiber.Map{"ok": true})
}

// Cancel requests cancellation of a running job.
func (h *QueueHandler) Cancel(c *fiber.Ctx) error {
	if !h.store.RequestCancel(c.Params("id")) {
		return fail(c, fiber.StatusNotFound, "Job not found or not running", "ERR_NOT_RUNNING")
	}
	return c.JSON(fiber.Map{"ok": true})
}

// Pause stops new jobs from starting; the current job finishes.
func (h *QueueHandler) Pause(c *fiber.Ctx) error {
	h.store.Pause()
	return c.JSON(fiber.Map{"ok": true, "paused": true})
}

// Resume lets the worker claim items again.
func (h *QueueHandler) Resume(c *fiber.Ctx) error {
	h.store.Resume()
	return c.JSON(fiber.Map{"ok": true, "paused": false})
}

func jobNotFound(c *fiber.Ctx) error {
	return fail(c, fiber.StatusNotFound, "Job not found", "ERR_JOB_NOT_FOUND")
}
