package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codebuildervaibhav/audio-pipeline/internal/metrics"
	"github.com/codebuildervaibhav/audio-pipeline/internal/types"
)

// slowLockWait is logged when a caller waited this long for the store lock.
const slowLockWait = 50 * time.Millisecond

// StoreOptions wires the store to its persistence collaborators. Every field
// is optional: a nil Records keeps jobs in memory only.
type StoreOptions struct {
	Records  RecordStore
	Mirror   RecordStore
	Metadata MetadataStore
	Logger   *zap.Logger
	Now      func() time.Time
	NewID    func() string
}

// Store owns the job table, the queue, the dedup index, the paused flag and
// the current job pointer, all behind one mutex. No I/O happens while the
// mutex is held.
type Store struct {
	mu         sync.Mutex
	jobs       map[string]*Job
	queue      fifo
	dedup      *dedupIndex
	paused     bool
	currentID  string
	currentTok *CancelToken

	wake chan struct{}

	records  RecordStore
	mirror   RecordStore
	metadata MetadataStore
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string
}

// Snapshot is a consistent view of the whole queue.
type Snapshot struct {
	Paused       bool   `json:"paused"`
	CurrentJobID string `json:"current_job_id"`
	Pending      []Item `json:"pending"`
	Jobs         []*Job `json:"jobs"`
}

// NewStore creates an empty store.
func NewStore(opts StoreOptions) *Store {
	s := &Store{
		jobs:     make(map[string]*Job),
		dedup:    newDedupIndex(),
		wake:     make(chan struct{}, 1),
		records:  opts.Records,
		mirror:   opts.Mirror,
		metadata: opts.Metadata,
		logger:   opts.Logger,
		now:      opts.Now,
		newID:    opts.NewID,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.With(zap.String("component", "state_store"))
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = func() string { return uuid.New().String() }
	}
	return s
}

// Enqueue appends a submission to the tail of the queue and returns its queue id.
func (s *Store) Enqueue(payloadRef, filename, fileHash string, folderID *int64) string {
	item := &Item{
		QueueID:          s.newID(),
		PayloadRef:       payloadRef,
		OriginalFilename: filename,
		FileHash:         fileHash,
		FolderID:         folderID,
		Status:           ItemPending,
		EnqueuedAt:       s.now(),
	}

	s.mu.Lock()
	s.queue.push(item)
	pending := s.queue.pendingCount()
	s.mu.Unlock()

	metrics.SetQueuePending(pending)
	s.notify()
	s.logger.Info("Item enqueued",
		zap.String("queue_id", item.QueueID),
		zap.String("filename", filename))
	return item.QueueID
}

// Withdraw removes a submission that has not been claimed yet.
func (s *Store) Withdraw(queueID string) bool {
	s.mu.Lock()
	ok := s.queue.withdraw(queueID)
	pending := s.queue.pendingCount()
	s.mu.Unlock()

	if ok {
		metrics.SetQueuePending(pending)
		s.logger.Info("Item withdrawn", zap.String("queue_id", queueID))
	}
	return ok
}

// Pending returns the unclaimed submissions in FIFO order.
func (s *Store) Pending() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.pending()
}

// Get returns a copy of a job record.
func (s *Store) Get(jobID string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, false
	}
	return job.Clone(), true
}

// Snapshot builds the full queue view under a single lock acquisition.
func (s *Store) Snapshot() Snapshot {
	start := time.Now()
	s.mu.Lock()
	if wait := time.Since(start); wait > slowLockWait {
		s.logger.Warn("Snapshot waited for lock", zap.Duration("wait", wait))
	}
	snap := Snapshot{
		Paused:       s.paused,
		CurrentJobID: s.currentID,
		Pending:      s.queue.pending(),
		Jobs:         make([]*Job, 0, len(s.jobs)),
	}
	for _, job := range s.jobs {
		snap.Jobs = append(snap.Jobs, job.Clone())
	}
	s.mu.Unlock()

	sort.Slice(snap.Jobs, func(i, j int) bool {
		a, b := snap.Jobs[i], snap.Jobs[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return snap
}

// RequestCancel flags a running job for cooperative cancellation. It returns
// false when the job does not exist or is not running.
func (s *Store) RequestCancel(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok || job.Status != types.JobRunning {
		return false
	}
	job.CancelRequested = true
	if jobID == s.currentID && s.currentTok != nil {
		s.currentTok.Cancel()
	}
	s.logger.Info("Cancellation requested", zap.String("job_id", jobID))
	return true
}

// Pause stops the worker from claiming new items. A job already running is
// not interrupted.
func (s *Store) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	s.logger.Info("Queue paused")
}

// Resume lets the worker claim items again.
func (s *Store) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.notify()
	s.logger.Info("Queue resumed")
}

// Paused reports whether the queue is paused.
func (s *Store) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// IsDuplicateQueued reports whether hash belongs to the running job or to any
// item still in the queue. Advisory only.
func (s *Store) IsDuplicateQueued(hash string) bool {
	if hash == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.currentID != "" {
		if job, ok := s.jobs[s.currentID]; ok && job.FileHash == hash {
			return true
		}
	}
	return s.queue.hasHash(hash)
}

// IsAlreadyProcessed reports whether a job with hash completed before.
func (s *Store) IsAlreadyProcessed(hash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dedup.isProcessed(hash)
}

// ActivePayloadRefs returns the payload references of every item still in the
// queue, claimed ones included.
func (s *Store) ActivePayloadRefs() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	refs := make(map[string]bool, len(s.queue.items))
	for _, item := range s.queue.items {
		refs[item.PayloadRef] = true
	}
	return refs
}

// Remove deletes a finished job from memory, durable storage and the
// metadata store, and forgets its hash. Running jobs cannot be removed.
func (s *Store) Remove(ctx context.Context, jobID string) error {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return ErrJobNotFound
	}
	if job.Status == types.JobRunning || jobID == s.currentID {
		s.mu.Unlock()
		return ErrJobRunning
	}
	delete(s.jobs, jobID)
	s.dedup.forget(jobID)
	s.mu.Unlock()

	if s.records != nil {
		if err := s.records.Delete(ctx, jobID); err != nil {
			s.logger.Error("Failed to delete job record", zap.String("job_id", jobID), zap.Error(err))
		}
	}
	if s.mirror != nil {
		if err := s.mirror.Delete(ctx, jobID); err != nil {
			s.logger.Error("Failed to delete mirrored job record", zap.String("job_id", jobID), zap.Error(err))
		}
	}
	if s.metadata != nil {
		if err := s.metadata.DeleteJobRow(ctx, jobID); err != nil {
			s.logger.Error("Failed to delete job row", zap.String("job_id", jobID), zap.Error(err))
		}
	}
	s.logger.Info("Job removed", zap.String("job_id", jobID))
	return nil
}

// Recover loads persisted terminal records and rebuilds the processed-hash
// set. Reading and parsing happen outside the lock; only the final apply
// step holds it. Records already in memory are left untouched.
func (s *Store) Recover(ctx context.Context) (int, error) {
	if s.records == nil && s.mirror == nil {
		return 0, nil
	}
	start := time.Now()

	var raw [][]byte
	if s.records != nil {
		local, err := s.records.ReadAll(ctx)
		if err != nil {
			return 0, err
		}
		raw = append(raw, local...)
	}
	if s.mirror != nil {
		remote, err := s.mirror.ReadAll(ctx)
		if err != nil {
			s.logger.Warn("Failed to read mirrored job records", zap.Error(err))
		}
		raw = append(raw, remote...)
	}

	seen := make(map[string]struct{}, len(raw))
	loaded := make([]*Job, 0, len(raw))
	for _, data := range raw {
		job, err := DecodeRecord(data)
		if err != nil {
			s.logger.Warn("Skipping unreadable job record", zap.Error(err))
			continue
		}
		if !job.Status.IsTerminal() {
			s.logger.Warn("Skipping non-terminal job record",
				zap.String("job_id", job.ID),
				zap.String("status", string(job.Status)))
			continue
		}
		if _, dup := seen[job.ID]; dup {
			continue
		}
		seen[job.ID] = struct{}{}
		loaded = append(loaded, job)
	}
	parsed := time.Since(start)

	applyStart := time.Now()
	s.mu.Lock()
	applied := 0
	for _, job := range loaded {
		if _, exists := s.jobs[job.ID]; exists {
			continue
		}
		s.jobs[job.ID] = job
		if job.Status == types.JobCompleted {
			s.dedup.recordCompleted(job.ID, job.FileHash)
		}
		applied++
	}
	s.mu.Unlock()

	s.logger.Info("Recovered persisted jobs",
		zap.Int("records", len(raw)),
		zap.Int("applied", applied),
		zap.Duration("parse", parsed),
		zap.Duration("lock_held", time.Since(applyStart)))
	return applied, nil
}

func (s *Store) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// claimNext claims the oldest pending item unless paused, publishes a running
// job for it and returns a copy of the job with the job's cancel token.
func (s *Store) claimNext(parent context.Context) (*Job, Item, *CancelToken, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.paused {
		return nil, Item{}, nil, false
	}
	item := s.queue.claimNext()
	if item == nil {
		return nil, Item{}, nil, false
	}

	job := NewJob(s.newID(), *item, s.now())
	if err := job.Transition(types.JobRunning, s.now()); err != nil {
		// NewJob always starts pending.
		panic(err)
	}
	item.JobID = job.ID
	token := NewCancelToken(parent)

	s.jobs[job.ID] = job
	s.currentID = job.ID
	s.currentTok = token
	metrics.SetQueuePending(s.queue.pendingCount())

	return job.Clone(), *item, token, true
}

// mutate applies fn to a job under the lock.
func (s *Store) mutate(jobID string, fn func(job *Job) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	return fn(job)
}

// startStage marks a stage running and returns the outputs of the stages
// completed before it.
func (s *Store) startStage(jobID, stage string) (types.Result, error) {
	var result types.Result
	err := s.mutate(jobID, func(job *Job) error {
		if err := job.startStage(stage, s.now()); err != nil {
			return err
		}
		result = job.Result.Clone()
		return nil
	})
	return result, err
}

func (s *Store) reportProgress(jobID, stage, message string, progress float64) error {
	return s.mutate(jobID, func(job *Job) error {
		return job.reportProgress(stage, message, progress, s.now())
	})
}

func (s *Store) completeStage(jobID, stage string, out Output) error {
	return s.mutate(jobID, func(job *Job) error {
		if err := job.completeStage(stage, out.Detail); err != nil {
			return err
		}
		out.mergeInto(&job.Result)
		return nil
	})
}

func (s *Store) failStage(jobID, stage, detail string) error {
	return s.mutate(jobID, func(job *Job) error {
		return job.failStage(stage, detail)
	})
}

func (s *Store) skipStage(jobID, stage string) error {
	return s.mutate(jobID, func(job *Job) error {
		return job.skipStage(stage)
	})
}

// finish moves the job to its terminal status and returns a copy of it.
func (s *Store) finish(jobID string, status types.JobStatus, errMsg string) (*Job, error) {
	var out *Job
	err := s.mutate(jobID, func(job *Job) error {
		if err := job.Transition(status, s.now()); err != nil {
			return err
		}
		if status != types.JobCompleted {
			job.Error = errMsg
		}
		out = job.Clone()
		return nil
	})
	return out, err
}

// persistTerminal writes a terminal record to durable storage, the remote
// mirror and the metadata store. Failures are logged and swallowed; the
// in-memory record stays authoritative.
func (s *Store) persistTerminal(ctx context.Context, job *Job) {
	if !job.Status.IsTerminal() {
		return
	}
	log := s.logger.With(zap.String("job_id", job.ID), zap.String("status", string(job.Status)))

	data, err := EncodeRecord(job)
	if err != nil {
		log.Error("Failed to serialize job record", zap.Error(err))
		metrics.PersistFailure("encode")
		return
	}
	if s.records != nil {
		if err := s.records.Write(ctx, job.ID, data); err != nil {
			log.Error("Failed to persist job record; state will be lost on restart", zap.Error(err))
			metrics.PersistFailure("records")
		}
	}
	if s.mirror != nil {
		if err := s.mirror.Write(ctx, job.ID, data); err != nil {
			log.Error("Failed to mirror job record", zap.Error(err))
			metrics.PersistFailure("mirror")
		}
	}
	if s.metadata != nil {
		row := types.JobRow{
			JobID:            job.ID,
			FolderID:         job.FolderID,
			OriginalFilename: job.OriginalFilename,
			FileHash:         job.FileHash,
			Status:           job.Status,
		}
		if err := s.metadata.UpsertJobRow(ctx, row); err != nil {
			log.Error("Failed to upsert job row", zap.Error(err))
			metrics.PersistFailure("metadata")
		}
	}
}

// release clears the current job after it was persisted: the hash of a
// completed job enters the processed set and its queue item is dropped.
func (s *Store) release(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job, ok := s.jobs[jobID]; ok {
		if job.Status == types.JobCompleted {
			s.dedup.recordCompleted(job.ID, job.FileHash)
		}
		if job.QueueID != "" {
			s.queue.remove(job.QueueID)
		}
	}
	if s.currentID == jobID {
		s.currentID = ""
		s.currentTok = nil
	}
}
