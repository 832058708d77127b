package types

// JobStatus is the overall lifecycle state of a job.
type JobStatus string

// Job status constants
const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether no further transition can follow s.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobRunning, JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// StageStatus is the state of one pipeline stage within a job.
type StageStatus string

// Stage status constants
const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

// Valid reports whether s is a known stage status.
func (s StageStatus) Valid() bool {
	switch s {
	case StagePending, StageRunning, StageCompleted, StageFailed, StageSkipped:
		return true
	}
	return false
}

// Stage identifiers
const (
	StagePreprocess = "preprocess"
	StageTranscribe = "transcribe"
	StageAnalyze    = "analyze"
)

// StageOrder is the fixed execution order of a job's stages.
var StageOrder = []string{StagePreprocess, StageTranscribe, StageAnalyze}

// StageLabels are the human-readable stage names shown to callers.
var StageLabels = map[string]string{
	StagePreprocess: "Preprocess audio",
	StageTranscribe: "Transcribe (Whisper)",
	StageAnalyze:    "Extract topics & truth statements",
}

// Segment represents a timestamped segment of transcription
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// AudioOutput is produced by the preprocess stage.
type AudioOutput struct {
	Ready bool   `json:"ready"`
	Path  string `json:"path,omitempty"`
}

// TranscriptOutput is produced by the transcribe stage.
type TranscriptOutput struct {
	Text     string    `json:"text"`
	Language string    `json:"language,omitempty"`
	Segments []Segment `json:"segments"`
}

// AnalysisOutput is produced by the analyze stage.
type AnalysisOutput struct {
	MainTopic       string   `json:"main_topic"`
	Subtopics       []string `json:"subtopics"`
	TruthStatements string   `json:"truth_statements_md"`
}

// Result accumulates stage outputs as a job progresses. A nil field means
// the stage producing it has not completed.
type Result struct {
	Audio      *AudioOutput      `json:"audio,omitempty"`
	Transcript *TranscriptOutput `json:"transcript,omitempty"`
	Analysis   *AnalysisOutput   `json:"analysis,omitempty"`
}

// Clone returns a deep copy of r.
func (r Result) Clone() Result {
	var out Result
	if r.Audio != nil {
		a := *r.Audio
		out.Audio = &a
	}
	if r.Transcript != nil {
		t := *r.Transcript
		t.Segments = append([]Segment(nil), r.Transcript.Segments...)
		out.Transcript = &t
	}
	if r.Analysis != nil {
		a := *r.Analysis
		a.Subtopics = append([]string(nil), r.Analysis.Subtopics...)
		out.Analysis = &a
	}
	return out
}

// JobRow is the lightweight job row kept in the metadata store.
type JobRow struct {
	JobID            string
	FolderID         *int64
	OriginalFilename string
	FileHash         string
	Status           JobStatus
}

// IndexRequest carries a completed job's searchable output.
type IndexRequest struct {
	JobID            string
	OriginalFilename string
	FolderID         *int64
	Segments         []Segment
	MainTopic        string
	Subtopics        []string
}
