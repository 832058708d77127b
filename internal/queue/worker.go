package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codebuildervaibhav/audio-pipeline/internal/metrics"
	"github.com/codebuildervaibhav/audio-pipeline/internal/types"
)

const (
	defaultPollInterval   = time.Second
	defaultPersistTimeout = 30 * time.Second
)

// Worker is the single background loop that claims queue items and runs their
// stages in order. Only one job's stages ever run at a time.
type Worker struct {
	store          *Store
	executors      Executors
	indexer        Indexer
	logger         *zap.Logger
	pollInterval   time.Duration
	persistTimeout time.Duration

	recoverOnce sync.Once
	done        chan struct{}
}

// NewWorker creates a worker over store. indexer may be nil.
func NewWorker(store *Store, executors Executors, indexer Indexer, logger *zap.Logger, pollInterval time.Duration) (*Worker, error) {
	if store == nil {
		return nil, errors.New("worker: store is required")
	}
	for _, id := range types.StageOrder {
		if executors.get(id) == nil {
			return nil, fmt.Errorf("worker: no executor for stage %q", id)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Worker{
		store:          store,
		executors:      executors,
		indexer:        indexer,
		logger:         logger.With(zap.String("component", "worker")),
		pollInterval:   pollInterval,
		persistTimeout: defaultPersistTimeout,
		done:           make(chan struct{}),
	}, nil
}

// Start runs the loop in its own goroutine until ctx is done.
func (w *Worker) Start(ctx context.Context) {
	go func() {
		defer close(w.done)
		w.Run(ctx)
	}()
}

// Done is closed when a loop started with Start has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Run replays persisted records once, then processes queue items until ctx
// is done. A failing job never stops the loop.
func (w *Worker) Run(ctx context.Context) {
	w.recoverRecords(ctx)
	w.logger.Info("Worker started", zap.Duration("poll_interval", w.pollInterval))

	timer := time.NewTimer(w.pollInterval)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			w.logger.Info("Worker stopped")
			return
		}
		if _, ok := w.ProcessNext(ctx); ok {
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(w.pollInterval)
		select {
		case <-ctx.Done():
		case <-timer.C:
		case <-w.store.wake:
		}
	}
}

func (w *Worker) recoverRecords(ctx context.Context) {
	w.recoverOnce.Do(func() {
		if _, err := w.store.Recover(ctx); err != nil {
			w.logger.Error("Failed to recover persisted jobs", zap.Error(err))
		}
	})
}

// ProcessNext claims the oldest pending item and runs it to a terminal
// status. It returns false when the queue is paused or empty.
func (w *Worker) ProcessNext(ctx context.Context) (*Job, bool) {
	job, item, token, ok := w.store.claimNext(ctx)
	if !ok {
		return nil, false
	}
	defer token.release()

	metrics.SetWorkerBusy(true)
	defer metrics.SetWorkerBusy(false)

	log := w.logger.With(zap.String("job_id", job.ID), zap.String("filename", job.OriginalFilename))
	log.Info("Processing job", zap.String("queue_id", item.QueueID))
	start := time.Now()

	status, errMsg := w.runStages(ctx, job.ID, item, token, log)

	final, err := w.store.finish(job.ID, status, errMsg)
	if err != nil {
		// Only reachable if the record vanished, which Remove prevents.
		log.Error("Failed to finish job", zap.Error(err))
		w.store.release(job.ID)
		return nil, true
	}

	if final.Status == types.JobCompleted {
		w.index(ctx, final, log)
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.persistTimeout)
	w.store.persistTerminal(persistCtx, final)
	cancel()
	w.store.release(job.ID)

	metrics.JobFinished(string(final.Status))
	log.Info("Job finished",
		zap.String("status", string(final.Status)),
		zap.String("error", final.Error),
		zap.Duration("elapsed", time.Since(start)))
	return final, true
}

// runStages executes the stage protocol and returns the job's terminal status.
func (w *Worker) runStages(ctx context.Context, jobID string, item Item, token *CancelToken, log *zap.Logger) (types.JobStatus, string) {
	for _, stage := range types.StageOrder {
		if token.Cancelled() {
			return types.JobCancelled, cancelledByUser
		}
		if ctx.Err() != nil {
			return types.JobCancelled, interruptedMessage
		}

		prior, err := w.store.startStage(jobID, stage)
		if err != nil {
			log.Error("Failed to start stage", zap.String("stage", stage), zap.Error(err))
			return types.JobFailed, err.Error()
		}

		task := Task{
			JobID:            jobID,
			PayloadRef:       item.PayloadRef,
			OriginalFilename: item.OriginalFilename,
			FolderID:         item.FolderID,
			Result:           prior,
		}
		report := func(message string, progress float64) {
			if err := w.store.reportProgress(jobID, stage, message, progress); err != nil {
				log.Debug("Dropped progress report", zap.String("stage", stage), zap.Error(err))
			}
		}

		stageStart := time.Now()
		out, execErr := w.execute(token.Context(), stage, task, report, token, log)
		elapsed := time.Since(stageStart)

		switch {
		case token.Cancelled():
			w.must(log, stage, w.store.skipStage(jobID, stage))
			metrics.ObserveStage(stage, string(types.StageSkipped), elapsed)
			log.Info("Stage cancelled", zap.String("stage", stage))
			return types.JobCancelled, cancelledByUser

		case execErr != nil && ctx.Err() != nil:
			w.must(log, stage, w.store.skipStage(jobID, stage))
			metrics.ObserveStage(stage, string(types.StageSkipped), elapsed)
			log.Warn("Stage interrupted by shutdown", zap.String("stage", stage), zap.Error(execErr))
			return types.JobCancelled, interruptedMessage

		case execErr != nil:
			w.must(log, stage, w.store.failStage(jobID, stage, execErr.Error()))
			metrics.ObserveStage(stage, string(types.StageFailed), elapsed)
			log.Error("Stage failed", zap.String("stage", stage), zap.Error(execErr))
			return types.JobFailed, execErr.Error()
		}

		w.must(log, stage, w.store.completeStage(jobID, stage, out))
		metrics.ObserveStage(stage, string(types.StageCompleted), elapsed)
		log.Info("Stage completed", zap.String("stage", stage), zap.Duration("elapsed", elapsed))
	}
	return types.JobCompleted, ""
}

// execute invokes one executor, converting a panic into a stage error.
func (w *Worker) execute(ctx context.Context, stage string, task Task, report ProgressFunc, token *CancelToken, log *zap.Logger) (out Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Stage panicked",
				zap.String("stage", stage),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))
			out = Output{}
			err = fmt.Errorf("stage panic: %v", r)
		}
	}()
	return w.executors.get(stage).Execute(ctx, task, report, token)
}

// index calls the best-effort indexing hook. Failures never change the job.
func (w *Worker) index(ctx context.Context, job *Job, log *zap.Logger) {
	if w.indexer == nil {
		return
	}
	req := types.IndexRequest{
		JobID:            job.ID,
		OriginalFilename: job.OriginalFilename,
		FolderID:         job.FolderID,
	}
	if t := job.Result.Transcript; t != nil {
		req.Segments = t.Segments
	}
	if a := job.Result.Analysis; a != nil {
		req.MainTopic = a.MainTopic
		req.Subtopics = a.Subtopics
	}

	defer func() {
		if r := recover(); r != nil {
			log.Warn("Indexing hook panicked", zap.Any("panic", r))
		}
	}()
	indexCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.persistTimeout)
	defer cancel()
	if err := w.indexer.Index(indexCtx, req); err != nil {
		log.Warn("Indexing failed", zap.Error(err))
	}
}

func (w *Worker) must(log *zap.Logger, stage string, err error) {
	if err != nil {
		log.Error("Failed to update stage", zap.String("stage", stage), zap.Error(err))
	}
}
