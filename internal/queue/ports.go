package queue

import (
	"context"

	"github.com/codebuildervaibhav/audio-pipeline/internal/types"
)

// ProgressFunc receives a stage's progress message and percentage (0-100).
type ProgressFunc func(message string, progress float64)

// Task is the working context handed to each stage of a job. Result holds
// the outputs of the stages completed so far.
type Task struct {
	JobID            string
	PayloadRef       string
	OriginalFilename string
	FolderID         *int64
	Result           types.Result
}

// Output is what a stage contributes to the job result. Only the field of the
// stage that produced it is set.
type Output struct {
	Detail     string
	Audio      *types.AudioOutput
	Transcript *types.TranscriptOutput
	Analysis   *types.AnalysisOutput
}

func (o Output) mergeInto(r *types.Result) {
	if o.Audio != nil {
		r.Audio = o.Audio
	}
	if o.Transcript != nil {
		r.Transcript = o.Transcript
	}
	if o.Analysis != nil {
		r.Analysis = o.Analysis
	}
}

// Executor runs one stage. Implementations report progress through report,
// poll token.Cancelled at safe checkpoints and return ErrCancelled (or any
// error) when they stop early.
type Executor interface {
	Execute(ctx context.Context, task Task, report ProgressFunc, token *CancelToken) (Output, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task Task, report ProgressFunc, token *CancelToken) (Output, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, task Task, report ProgressFunc, token *CancelToken) (Output, error) {
	return f(ctx, task, report, token)
}

// Executors are the three stages of a job, run in types.StageOrder.
type Executors struct {
	Preprocess Executor
	Transcribe Executor
	Analyze    Executor
}

func (e Executors) get(stage string) Executor {
	switch stage {
	case types.StagePreprocess:
		return e.Preprocess
	case types.StageTranscribe:
		return e.Transcribe
	case types.StageAnalyze:
		return e.Analyze
	}
	return nil
}

// RecordStore durably keeps serialized terminal job records keyed by job id.
type RecordStore interface {
	Write(ctx context.Context, jobID string, data []byte) error
	ReadAll(ctx context.Context) ([][]byte, error)
	Delete(ctx context.Context, jobID string) error
}

// MetadataStore keeps the lightweight job rows used for folders and search.
type MetadataStore interface {
	UpsertJobRow(ctx context.Context, row types.JobRow) error
	DeleteJobRow(ctx context.Context, jobID string) error
}

// Indexer makes a completed job searchable. Calls are best-effort: errors are
// logged and never change the job's status.
type Indexer interface {
	Index(ctx context.Context, req types.IndexRequest) error
}
