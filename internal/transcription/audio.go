package transcription

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/codebuildervaibhav/audio-pipeline/internal/queue"
	"github.com/codebuildervaibhav/audio-pipeline/internal/storage"
	"github.com/codebuildervaibhav/audio-pipeline/internal/types"
)

// DefaultFormats are the extensions accepted when no list is configured.
var DefaultFormats = []string{".mp3", ".wav", ".m4a", ".mp4", ".ogg", ".flac", ".webm", ".aac", ".wma"}

var (
	// ErrUnsupportedFormat is returned for a file extension that is not accepted.
	ErrUnsupportedFormat = errors.New("unsupported file format")
	// ErrEmptyFile is returned for a zero-byte upload.
	ErrEmptyFile = errors.New("file is empty")
)

// Fetcher downloads a remote payload to a local path.
type Fetcher interface {
	Fetch(ctx context.Context, fileID, dst string) error
}

// AudioPaths decides where a job's normalized audio is written.
type AudioPaths interface {
	AudioPath(jobID string) string
}

// Normalizer is the preprocess stage: it resolves the payload and converts it
// to 16kHz mono WAV with ffmpeg.
type Normalizer struct {
	ffmpeg  string
	paths   AudioPaths
	fetcher Fetcher
	runner  commandRunner
	logger  *zap.Logger
}

// NewNormalizer creates the preprocess executor. fetcher may be nil, in which
// case gdrive: references fail.
func NewNormalizer(ffmpegPath string, paths AudioPaths, fetcher Fetcher, logger *zap.Logger) *Normalizer {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Normalizer{
		ffmpeg:  ffmpegPath,
		paths:   paths,
		fetcher: fetcher,
		runner:  execRunner{},
		logger:  logger.With(zap.String("component", "preprocess")),
	}
}

// Execute implements queue.Executor.
func (n *Normalizer) Execute(ctx context.Context, task queue.Task, report queue.ProgressFunc, token *queue.CancelToken) (queue.Output, error) {
	report("Loading file...", 10)

	input, cleanup, err := n.resolve(ctx, task)
	if err != nil {
		return queue.Output{}, err
	}
	defer cleanup()

	if token.Cancelled() {
		return queue.Output{}, queue.ErrCancelled
	}
	report("Normalizing...", 50)

	out := n.paths.AudioPath(task.JobID)
	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return queue.Output{}, stageErr(types.StagePreprocess, "failed to create output directory", err)
	}
	if err := NormalizeAudio(ctx, n.runner, n.ffmpeg, input, out); err != nil {
		return queue.Output{}, err
	}

	report("Exporting WAV...", 80)
	info, err := os.Stat(out)
	if err != nil || info.Size() == 0 {
		return queue.Output{}, stageErr(types.StagePreprocess, "ffmpeg produced no audio", err)
	}

	n.logger.Info("Audio normalized",
		zap.String("job_id", task.JobID),
		zap.String("path", out),
		zap.Int64("bytes", info.Size()))
	return queue.Output{
		Detail: "Audio ready",
		Audio:  &types.AudioOutput{Ready: true, Path: out},
	}, nil
}

// resolve returns a local path for the task's payload. Downloaded payloads
// are removed by the returned cleanup func.
func (n *Normalizer) resolve(ctx context.Context, task queue.Task) (string, func(), error) {
	noop := func() {}

	fileID, remote := storage.ParseGDriveRef(task.PayloadRef)
	if !remote {
		if _, err := os.Stat(task.PayloadRef); err != nil {
			return "", noop, stageErr(types.StagePreprocess, "input file not found", err)
		}
		return task.PayloadRef, noop, nil
	}

	if n.fetcher == nil {
		return "", noop, stageErr(types.StagePreprocess, "Google Drive is not configured", nil)
	}
	tmp, err := os.MkdirTemp("", "payload-*")
	if err != nil {
		return "", noop, stageErr(types.StagePreprocess, "failed to create temp directory", err)
	}
	cleanup := func() { os.RemoveAll(tmp) }

	dst := filepath.Join(tmp, filepath.Base(task.OriginalFilename))
	if err := n.fetcher.Fetch(ctx, fileID, dst); err != nil {
		cleanup()
		return "", noop, stageErr(types.StagePreprocess, "failed to download payload", err)
	}
	return dst, cleanup, nil
}

// NormalizeAudio converts any audio file to 16kHz mono WAV format
func NormalizeAudio(ctx context.Context, runner commandRunner, ffmpeg, inputPath, outputPath string) error {
	args := []string{
		"-i", inputPath,
		"-vn",               // Drop video streams
		"-af", "loudnorm",   // Loudness normalization
		"-ar", "16000",      // 16kHz sample rate
		"-ac", "1",          // Mono
		"-c:a", "pcm_s16le", // 16-bit PCM
		"-y",                // Overwrite output
		outputPath,
	}
	if _, err := runner.Run(ctx, ffmpeg, args, nil); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return stageErr(types.StagePreprocess, "ffmpeg failed", err)
	}
	return nil
}

// ValidateAudioFormat checks if the file format is supported. An empty
// allowed list means DefaultFormats.
func ValidateAudioFormat(filename string, allowed []string) bool {
	if len(allowed) == 0 {
		allowed = DefaultFormats
	}
	ext := strings.ToLower(filepath.Ext(filename))
	for _, format := range allowed {
		if ext == strings.ToLower(format) {
			return true
		}
	}
	return false
}

// ValidateUpload checks a submission before it is queued. A maxBytes of zero
// disables the size check.
func ValidateUpload(filename string, size, maxBytes int64, allowed []string) error {
	if !ValidateAudioFormat(filename, allowed) {
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(filename))
	}
	if size == 0 {
		return ErrEmptyFile
	}
	if maxBytes > 0 && size > maxBytes {
		return storage.ErrTooLarge
	}
	return nil
}
