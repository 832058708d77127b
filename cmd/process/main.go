// Command process runs a single media file through the pipeline without the
// HTTP server, the way the server's worker would, and prints the result.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/codebuildervaibhav/audio-pipeline/internal/config"
	applog "github.com/codebuildervaibhav/audio-pipeline/internal/logger"
	"github.com/codebuildervaibhav/audio-pipeline/internal/queue"
	"github.com/codebuildervaibhav/audio-pipeline/internal/storage"
	"github.com/codebuildervaibhav/audio-pipeline/internal/transcription"
	"github.com/codebuildervaibhav/audio-pipeline/internal/types"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	outputDir := flag.String("out", "", "directory for the normalized WAV (default storage.output_dir)")
	gdriveAuth := flag.Bool("gdrive-auth", false, "authorize Google Drive access and cache the token, then exit")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <media file | gdrive:<fileId>>\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(1)
	}
	log := applog.InitLogger(cfg.Logging.Level, cfg.Logging.Format, nil)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *gdriveAuth {
		if err := authorize(ctx, cfg); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("Token saved to", cfg.GoogleDrive.TokenFile)
		return
	}

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	if *outputDir != "" {
		cfg.Storage.OutputDir = *outputDir
	}

	job, err := processFile(ctx, cfg, flag.Arg(0), log, os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if job.Status != types.JobCompleted {
		os.Exit(1)
	}
}

func authorize(ctx context.Context, cfg *config.Config) error {
	oauth, err := storage.LoadOAuthConfig(cfg.GoogleDrive.CredentialsFile)
	if err != nil {
		return err
	}
	return storage.Authorize(ctx, oauth, cfg.GoogleDrive.TokenFile, os.Stdin, os.Stdout)
}

// processFile queues ref on an in-memory store and runs it to a terminal
// status on the calling goroutine.
func processFile(ctx context.Context, cfg *config.Config, ref string, log *zap.Logger, out io.Writer) (*queue.Job, error) {
	name := ref
	var fetcher transcription.Fetcher
	if fileID, remote := storage.ParseGDriveRef(ref); remote {
		drive, err := storage.NewDriveClient(ctx, cfg.GoogleDrive.CredentialsFile, cfg.GoogleDrive.TokenFile, cfg.GoogleDrive.FolderName)
		if err != nil {
			return nil, err
		}
		file, err := drive.Lookup(ctx, fileID)
		if err != nil {
			return nil, err
		}
		name = file.Name
		fetcher = drive
	} else if _, err := os.Stat(ref); err != nil {
		return nil, fmt.Errorf("input file not found: %w", err)
	}
	if !transcription.ValidateAudioFormat(name, cfg.Limits.AllowedExtensions) {
		return nil, fmt.Errorf("%w: %s", transcription.ErrUnsupportedFormat, name)
	}

	files, err := storage.NewLocalStorage(os.TempDir(), cfg.Storage.OutputDir)
	if err != nil {
		return nil, err
	}
	analyzer, err := transcription.NewAnalyzer(cfg.Pipeline.LLMCommand, cfg.Pipeline.LLMChunkChars, log)
	if err != nil {
		return nil, err
	}
	executors := queue.Executors{
		Preprocess: transcription.NewNormalizer(cfg.Pipeline.FFmpegPath, files, fetcher, log),
		Transcribe: transcription.NewWhisperTranscriber(transcription.WhisperOptions{
			PythonPath:      cfg.Pipeline.PythonPath,
			Model:           cfg.Pipeline.WhisperModel,
			Language:        cfg.Pipeline.Language,
			MinSegmentWords: cfg.Pipeline.MinSegmentWords,
		}, log),
		Analyze: analyzer,
	}

	return runOnce(ctx, queue.NewStore(queue.StoreOptions{Logger: log}), executors, ref, filepath.Base(name), log, out)
}

// runOnce processes one submission and writes stage updates and the final
// job record to out.
func runOnce(ctx context.Context, store *queue.Store, executors queue.Executors, ref, name string, log *zap.Logger, out io.Writer) (*queue.Job, error) {
	worker, err := queue.NewWorker(store, executors, nil, log, time.Second)
	if err != nil {
		return nil, err
	}
	store.Enqueue(ref, name, "", nil)

	done := make(chan struct{})
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		watch(store, done, out)
	}()
	job, ok := worker.ProcessNext(ctx)
	close(done)
	<-watched
	if !ok || job == nil {
		return nil, fmt.Errorf("job for %s did not run", name)
	}

	for _, id := range types.StageOrder {
		st := job.Stages[id]
		fmt.Fprintf(out, "%-34s %-9s %s\n", st.Name, st.Status, st.Detail)
	}
	if job.Error != "" {
		fmt.Fprintf(out, "Job %s: %s\n", job.Status, job.Error)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(job); err != nil {
		return job, err
	}
	return job, nil
}

// watch prints a line whenever the running job's stage message changes.
func watch(store *queue.Store, done <-chan struct{}, out io.Writer) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	last := ""
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}
		snap := store.Snapshot()
		job, ok := store.Get(snap.CurrentJobID)
		if !ok {
			continue
		}
		for _, id := range types.StageOrder {
			st := job.Stages[id]
			if st.Status != types.StageRunning {
				continue
			}
			line := fmt.Sprintf("[%s] %s (%.0f%%)", id, st.Message, st.Progress)
			if st.ETASeconds != nil {
				line += fmt.Sprintf(" ~%.0fs left", *st.ETASeconds)
			}
			if line != last {
				fmt.Fprintln(out, line)
				last = line
			}
		}
	}
}
