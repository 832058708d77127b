package transcription

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/codebuildervaibhav/audio-pipeline/internal/queue"
	"github.com/codebuildervaibhav/audio-pipeline/internal/types"
)

// DefaultMinSegmentWords is the minimum words per merged transcript segment.
const DefaultMinSegmentWords = 10

// WhisperTranscriber is the transcribe stage. It wraps Python's OpenAI
// Whisper CLI and reads its JSON output.
type WhisperTranscriber struct {
	python   string
	model    string
	language string
	minWords int
	runner   commandRunner
	logger   *zap.Logger
}

// WhisperOptions configures the transcriber.
type WhisperOptions struct {
	PythonPath      string
	Model           string
	Language        string // empty means auto-detect
	MinSegmentWords int
}

// NewWhisperTranscriber creates a new transcriber using Python Whisper
func NewWhisperTranscriber(opts WhisperOptions, logger *zap.Logger) *WhisperTranscriber {
	wt := &WhisperTranscriber{
		python:   opts.PythonPath,
		model:    opts.Model,
		language: opts.Language,
		minWords: opts.MinSegmentWords,
		runner:   execRunner{},
		logger:   logger.With(zap.String("component", "transcribe")),
	}
	if wt.python == "" {
		wt.python = "python"
	}
	if wt.model == "" {
		wt.model = "small"
	}
	if wt.minWords <= 0 {
		wt.minWords = DefaultMinSegmentWords
	}
	return wt
}

// Execute implements queue.Executor.
func (wt *WhisperTranscriber) Execute(ctx context.Context, task queue.Task, report queue.ProgressFunc, token *queue.CancelToken) (queue.Output, error) {
	audio := task.Result.Audio
	if audio == nil || !audio.Ready {
		return queue.Output{}, stageErr(types.StageTranscribe, "preprocessed audio not found", nil)
	}
	if _, err := os.Stat(audio.Path); err != nil {
		return queue.Output{}, stageErr(types.StageTranscribe, "preprocessed audio not found", err)
	}

	if token.Cancelled() {
		return queue.Output{}, queue.ErrCancelled
	}
	report("Loading Whisper model...", 5)

	tempDir, err := os.MkdirTemp("", "whisper-*")
	if err != nil {
		return queue.Output{}, stageErr(types.StageTranscribe, "failed to create temp directory", err)
	}
	defer os.RemoveAll(tempDir)

	report("Transcribing audio...", 40)
	raw, err := wt.transcribe(ctx, audio.Path, tempDir)
	if err != nil {
		return queue.Output{}, err
	}
	if token.Cancelled() {
		return queue.Output{}, queue.ErrCancelled
	}

	report("Processing transcription...", 90)
	out := &types.TranscriptOutput{
		Text:     strings.TrimSpace(raw.Text),
		Language: raw.Language,
		Segments: mergeSegmentsByMinWords(raw.Segments, wt.minWords),
	}

	wt.logger.Info("Transcription completed",
		zap.String("job_id", task.JobID),
		zap.Int("raw_segments", len(raw.Segments)),
		zap.Int("segments", len(out.Segments)),
		zap.String("language", out.Language))
	return queue.Output{
		Detail:     fmt.Sprintf("%d segments", len(out.Segments)),
		Transcript: out,
	}, nil
}

// transcribe runs Whisper on audioPath and parses the JSON it writes to outDir.
func (wt *WhisperTranscriber) transcribe(ctx context.Context, audioPath, outDir string) (*WhisperOutput, error) {
	absAudioPath, err := filepath.Abs(audioPath)
	if err != nil {
		return nil, stageErr(types.StageTranscribe, "failed to get absolute path", err)
	}

	args := []string{"-m", "whisper",
		absAudioPath,
		"--model", wt.model,
		"--output_dir", outDir,
		"--output_format", "json", // Get JSON for segments
		"--fp16", "False", // Disable fp16 for CPU compatibility
	}
	if wt.language != "" {
		args = append(args, "--language", wt.language)
	}

	if _, err := wt.runner.Run(ctx, wt.python, args, nil); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, stageErr(types.StageTranscribe, "whisper transcription failed", err)
	}

	baseName := strings.TrimSuffix(filepath.Base(audioPath), filepath.Ext(audioPath))
	jsonData, err := os.ReadFile(filepath.Join(outDir, baseName+".json"))
	if err != nil {
		return nil, stageErr(types.StageTranscribe, "failed to read whisper output", err)
	}

	var whisperOutput WhisperOutput
	if err := json.Unmarshal(jsonData, &whisperOutput); err != nil {
		return nil, stageErr(types.StageTranscribe, "failed to parse whisper JSON", err)
	}
	return &whisperOutput, nil
}

// WhisperOutput matches Python Whisper's JSON output format
type WhisperOutput struct {
	Text     string           `json:"text"`
	Language string           `json:"language"`
	Segments []WhisperSegment `json:"segments"`
}

// WhisperSegment represents a timestamped segment from Whisper
type WhisperSegment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// mergeSegmentsByMinWords joins consecutive segments until each holds at
// least minWords words. Joined parts are separated by ", " to mark pauses, and
// a short trailing segment is folded into the one before it.
func mergeSegmentsByMinWords(raw []WhisperSegment, minWords int) []types.Segment {
	var segs []types.Segment
	for _, s := range raw {
		if text := strings.TrimSpace(s.Text); text != "" {
			segs = append(segs, types.Segment{Start: s.Start, End: s.End, Text: text})
		}
	}
	if len(segs) == 0 {
		return []types.Segment{}
	}

	var merged []types.Segment
	acc := segs[0]
	accWords := len(strings.Fields(acc.Text))
	for _, seg := range segs[1:] {
		words := len(strings.Fields(seg.Text))
		if accWords+words < minWords {
			acc.Text += ", " + seg.Text
			acc.End = seg.End
			accWords += words
			continue
		}
		merged = append(merged, acc)
		acc = seg
		accWords = words
	}
	merged = append(merged, acc)

	if n := len(merged); n > 1 && len(strings.Fields(merged[n-1].Text)) < minWords {
		last := merged[n-1]
		merged = merged[:n-1]
		merged[n-2].End = last.End
		merged[n-2].Text += ", " + last.Text
	}
	return merged
}
