package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap/zaptest"

	"github.com/codebuildervaibhav/audio-pipeline/internal/queue"
	"github.com/codebuildervaibhav/audio-pipeline/internal/storage"
	"github.com/codebuildervaibhav/audio-pipeline/internal/types"
)

type testEnv struct {
	app   *fiber.App
	store *queue.Store
	files *storage.LocalStorage
	db    *storage.MetadataDB
}

type envOptions struct {
	worker   bool // run a worker with stageExecutors
	hold     chan struct{}
	drive    DriveFiles
	maxBytes int64
}

func newEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	log := zaptest.NewLogger(t)
	dir := t.TempDir()

	files, err := storage.NewLocalStorage(filepath.Join(dir, "uploads"), filepath.Join(dir, "outputs"))
	if err != nil {
		t.Fatal(err)
	}
	db, err := storage.NewMetadataDB(context.Background(), storage.DriverSQLite, filepath.Join(dir, "meta.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	store := queue.NewStore(queue.StoreOptions{Metadata: db, Logger: log})
	if opts.worker {
		w, err := queue.NewWorker(store, stageExecutors(files, opts.hold), db, log, 10*time.Millisecond)
		if err != nil {
			t.Fatal(err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		w.Start(ctx)
		t.Cleanup(func() {
			cancel()
			<-w.Done()
		})
	}

	maxBytes := opts.maxBytes
	if maxBytes == 0 {
		maxBytes = 1 << 20
	}
	app := fiber.New()
	Register(app, Deps{
		Store:          store,
		Files:          files,
		Drive:          opts.drive,
		Catalog:        db,
		MaxFileBytes:   maxBytes,
		StreamInterval: 10 * time.Millisecond,
		Metrics:        true,
		Logger:         log,
	})
	return &testEnv{app: app, store: store, files: files, db: db}
}

// do sends req and decodes a JSON body into out when out is not nil.
func (e *testEnv) do(t *testing.T, req *http.Request, out interface{}) *http.Response {
	t.Helper()
	resp, err := e.app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	if out != nil {
		body, _ := io.ReadAll(resp.Body)
		if err := json.Unmarshal(body, out); err != nil {
			t.Fatalf("%s %s: decode %q: %v", req.Method, req.URL.Path, body, err)
		}
	}
	return resp
}

func (e *testEnv) request(t *testing.T, method, path string, out interface{}) int {
	t.Helper()
	return e.do(t, httptest.NewRequest(method, path, nil), out).StatusCode
}

func jsonRequest(method, path string, body interface{}) *http.Request {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(method, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

type upload struct {
	name    string
	content string
}

func uploadRequest(t *testing.T, folderID string, files ...upload) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range files {
		part, err := mw.CreateFormFile("files", f.name)
		if err != nil {
			t.Fatal(err)
		}
		part.Write([]byte(f.content))
	}
	if folderID != "" {
		mw.WriteField("folder_id", folderID)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

type uploadResponse struct {
	Results []Submission `json:"results"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// stageExecutors completes every stage instantly. When hold is not nil the
// transcribe stage waits for it to close or for cancellation.
func stageExecutors(files *storage.LocalStorage, hold chan struct{}) queue.Executors {
	return queue.Executors{
		Preprocess: queue.ExecutorFunc(func(ctx context.Context, task queue.Task, report queue.ProgressFunc, token *queue.CancelToken) (queue.Output, error) {
			path := files.AudioPath(task.JobID)
			if err := os.WriteFile(path, []byte("RIFFdata"), 0644); err != nil {
				return queue.Output{}, err
			}
			return queue.Output{Audio: &types.AudioOutput{Ready: true, Path: path}}, nil
		}),
		Transcribe: queue.ExecutorFunc(func(ctx context.Context, task queue.Task, report queue.ProgressFunc, token *queue.CancelToken) (queue.Output, error) {
			if hold != nil {
				select {
				case <-token.Context().Done():
					return queue.Output{}, queue.ErrCancelled
				case <-hold:
				}
			}
			return queue.Output{Transcript: &types.TranscriptOutput{
				Text:     "hello world",
				Segments: []types.Segment{{Start: 0, End: 2, Text: "hello world"}},
			}}, nil
		}),
		Analyze: queue.ExecutorFunc(func(ctx context.Context, task queue.Task, report queue.ProgressFunc, token *queue.CancelToken) (queue.Output, error) {
			return queue.Output{Analysis: &types.AnalysisOutput{
				MainTopic: "greetings",
				Subtopics: []string{"salutations"},
			}}, nil
		}),
	}
}

func waitForStatus(t *testing.T, store *queue.Store, jobID string, want types.JobStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if job, ok := store.Get(jobID); ok && job.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for job %s to be %s", jobID, want)
}

// waitForJob returns the job id created for queueID.
func waitForJob(t *testing.T, store *queue.Store, queueID string) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, job := range store.Snapshot().Jobs {
			if job.QueueID == queueID {
				return job.ID
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for queue item %s to be claimed", queueID)
	return ""
}

type fakeDrive map[string]storage.DriveFile

func (d fakeDrive) Lookup(_ context.Context, fileID string) (storage.DriveFile, error) {
	file, ok := d[fileID]
	if !ok {
		return storage.DriveFile{}, storage.ErrNotFound
	}
	return file, nil
}
