package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/codebuildervaibhav/audio-pipeline/internal/types"
)

// memRecords is an in-memory RecordStore.
type memRecords struct {
	mu       sync.Mutex
	data     map[string][]byte
	writeErr error
}

func newMemRecords() *memRecords {
	return &memRecords{data: make(map[string][]byte)}
}

func (m *memRecords) Write(_ context.Context, jobID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.data[jobID] = append([]byte(nil), data...)
	return nil
}

func (m *memRecords) ReadAll(context.Context) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([][]byte, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.data[k])
	}
	return out, nil
}

func (m *memRecords) Delete(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, jobID)
	return nil
}

func (m *memRecords) has(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[jobID]
	return ok
}

// memMetadata records job rows.
type memMetadata struct {
	mu   sync.Mutex
	rows map[string]types.JobRow
}

func newMemMetadata() *memMetadata {
	return &memMetadata{rows: make(map[string]types.JobRow)}
}

func (m *memMetadata) UpsertJobRow(_ context.Context, row types.JobRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[row.JobID] = row
	return nil
}

func (m *memMetadata) DeleteJobRow(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, jobID)
	return nil
}

func (m *memMetadata) row(jobID string) (types.JobRow, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[jobID]
	return row, ok
}

// fakeIndexer records index requests and can be told to fail.
type fakeIndexer struct {
	mu   sync.Mutex
	reqs []types.IndexRequest
	err  error
}

func (f *fakeIndexer) Index(_ context.Context, req types.IndexRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.err
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func okStage(out Output) Executor {
	return ExecutorFunc(func(ctx context.Context, task Task, report ProgressFunc, token *CancelToken) (Output, error) {
		report("working", 50)
		return out, nil
	})
}

// okExecutors complete every stage with a small typed output.
func okExecutors() Executors {
	return Executors{
		Preprocess: okStage(Output{Detail: "audio ready", Audio: &types.AudioOutput{Ready: true, Path: "/tmp/a.wav"}}),
		Transcribe: okStage(Output{Detail: "1 segments", Transcript: &types.TranscriptOutput{
			Text:     "hello world",
			Language: "en",
			Segments: []types.Segment{{Start: 0, End: 1.5, Text: "hello world"}},
		}}),
		Analyze: okStage(Output{Detail: "topic", Analysis: &types.AnalysisOutput{
			MainTopic:       "greetings",
			Subtopics:       []string{"hello"},
			TruthStatements: "| a | b |",
		}}),
	}
}

// blockingStage signals started and then waits for release or cancellation.
type blockingStage struct {
	started chan struct{}
	release chan struct{}
}

func newBlockingStage() *blockingStage {
	return &blockingStage{started: make(chan struct{}, 1), release: make(chan struct{})}
}

func (b *blockingStage) Execute(ctx context.Context, task Task, report ProgressFunc, token *CancelToken) (Output, error) {
	report("blocked", 10)
	b.started <- struct{}{}
	select {
	case <-b.release:
		return Output{Detail: "released"}, nil
	case <-ctx.Done():
		if token.Cancelled() {
			return Output{}, ErrCancelled
		}
		return Output{}, ctx.Err()
	}
}

func newTestStore(t *testing.T, records RecordStore, metadata MetadataStore) *Store {
	t.Helper()
	return NewStore(StoreOptions{
		Records:  records,
		Metadata: metadata,
		Logger:   zaptest.NewLogger(t),
	})
}

func newTestWorker(t *testing.T, store *Store, ex Executors, indexer Indexer) *Worker {
	t.Helper()
	w, err := NewWorker(store, ex, indexer, zaptest.NewLogger(t), 10*time.Millisecond)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	return w
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

var errBoom = errors.New("boom")
