package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/codebuildervaibhav/audio-pipeline/internal/types"
)

var (
	// ErrJobNotFound is returned when no record exists for a job id.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobRunning is returned when an operation needs a job that is no longer active.
	ErrJobRunning = errors.New("job is running")
	// ErrInvalidTransition is returned for a status change the state machine does not allow.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrJobFinished is returned when mutating a job that already reached a terminal status.
	ErrJobFinished = errors.New("job already finished")
)

const (
	cancelledByUser    = "Cancelled by user"
	interruptedMessage = "Interrupted by shutdown"
)

// StageState is the progress of one stage of a job.
type StageState struct {
	Name       string            `json:"name"`
	Status     types.StageStatus `json:"status"`
	Message    string            `json:"message"`
	Detail     string            `json:"detail"`
	Progress   float64           `json:"progress"`
	ETASeconds *float64          `json:"eta_seconds"`

	// startTime is only used for ETA math and is never persisted.
	startTime time.Time
}

// Job is the authoritative record of one claimed queue item.
type Job struct {
	ID               string                 `json:"job_id"`
	QueueID          string                 `json:"queue_id,omitempty"`
	OriginalFilename string                 `json:"original_filename"`
	FileHash         string                 `json:"file_hash,omitempty"`
	FolderID         *int64                 `json:"folder_id"`
	Status           types.JobStatus        `json:"status"`
	Stages           map[string]*StageState `json:"stages"`
	Result           types.Result           `json:"result"`
	Error            string                 `json:"error,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	FinishedAt       *time.Time             `json:"finished_at,omitempty"`

	CancelRequested bool `json:"-"`
}

// NewJob creates a pending job with every stage pending.
func NewJob(id string, item Item, now time.Time) *Job {
	job := &Job{
		ID:               id,
		QueueID:          item.QueueID,
		OriginalFilename: item.OriginalFilename,
		FileHash:         item.FileHash,
		FolderID:         item.FolderID,
		Status:           types.JobPending,
		Stages:           make(map[string]*StageState, len(types.StageOrder)),
		CreatedAt:        now,
	}
	for _, id := range types.StageOrder {
		job.Stages[id] = &StageState{Name: types.StageLabels[id], Status: types.StagePending}
	}
	return job
}

// Clone returns a deep copy safe to hand out of the store lock.
func (j *Job) Clone() *Job {
	out := *j
	out.Stages = make(map[string]*StageState, len(j.Stages))
	for id, st := range j.Stages {
		cp := *st
		if st.ETASeconds != nil {
			eta := *st.ETASeconds
			cp.ETASeconds = &eta
		}
		out.Stages[id] = &cp
	}
	if j.FolderID != nil {
		fid := *j.FolderID
		out.FolderID = &fid
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		out.FinishedAt = &t
	}
	out.Result = j.Result.Clone()
	return &out
}

// Transition moves the job to status, enforcing Pending -> Running -> terminal.
func (j *Job) Transition(status types.JobStatus, now time.Time) error {
	if !isValidTransition(j.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, status)
	}
	j.Status = status
	if status.IsTerminal() {
		j.FinishedAt = &now
		// Frozen stages carry no ETA.
		for _, st := range j.Stages {
			st.ETASeconds = nil
		}
	}
	return nil
}

func isValidTransition(from, to types.JobStatus) bool {
	switch from {
	case types.JobPending:
		return to == types.JobRunning
	case types.JobRunning:
		return to == types.JobCompleted || to == types.JobFailed || to == types.JobCancelled
	default:
		return false
	}
}

func (j *Job) stage(id string) (*StageState, error) {
	if j.Status != types.JobRunning {
		if j.Status.IsTerminal() {
			return nil, ErrJobFinished
		}
		return nil, fmt.Errorf("%w: stage %s on %s job", ErrInvalidTransition, id, j.Status)
	}
	st, ok := j.Stages[id]
	if !ok {
		return nil, fmt.Errorf("unknown stage %q", id)
	}
	return st, nil
}

// startStage marks a stage running with zero progress and records its start time.
func (j *Job) startStage(id string, now time.Time) error {
	st, err := j.stage(id)
	if err != nil {
		return err
	}
	st.Status = types.StageRunning
	st.Message = "Starting..."
	st.Progress = 0
	st.ETASeconds = nil
	st.startTime = now
	return nil
}

// reportProgress updates a running stage's message, progress and ETA.
func (j *Job) reportProgress(id, message string, progress float64, now time.Time) error {
	st, err := j.stage(id)
	if err != nil {
		return err
	}
	if st.Status != types.StageRunning {
		return fmt.Errorf("%w: progress on %s stage %s", ErrInvalidTransition, st.Status, id)
	}
	progress = clampProgress(progress)
	st.Message = message
	st.Progress = progress
	st.ETASeconds = EstimateETA(now.Sub(st.startTime), progress)
	return nil
}

func (j *Job) completeStage(id, detail string) error {
	st, err := j.stage(id)
	if err != nil {
		return err
	}
	st.Status = types.StageCompleted
	st.Message = "Done"
	st.Detail = detail
	st.Progress = 100
	st.ETASeconds = nil
	return nil
}

func (j *Job) failStage(id, detail string) error {
	st, err := j.stage(id)
	if err != nil {
		return err
	}
	st.Status = types.StageFailed
	st.Message = "Failed"
	st.Detail = detail
	st.Progress = 0
	st.ETASeconds = nil
	return nil
}

// skipStage marks an in-flight stage as abandoned by cancellation.
func (j *Job) skipStage(id string) error {
	st, err := j.stage(id)
	if err != nil {
		return err
	}
	st.Status = types.StageSkipped
	st.Message = "Cancelled"
	st.ETASeconds = nil
	return nil
}
