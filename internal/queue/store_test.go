package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/codebuildervaibhav/audio-pipeline/internal/types"
)

// TestEnqueuePreservesOrder verifies pending items are listed in submission order.
func TestEnqueuePreservesOrder(t *testing.T) {
	s := newTestStore(t, nil, nil)

	var want []string
	for i := 0; i < 5; i++ {
		want = append(want, s.Enqueue(fmt.Sprintf("/in/%d.wav", i), fmt.Sprintf("%d.wav", i), "", nil))
	}

	snap := s.Snapshot()
	if len(snap.Pending) != len(want) {
		t.Fatalf("pending = %d, want %d", len(snap.Pending), len(want))
	}
	for i, item := range snap.Pending {
		if item.QueueID != want[i] {
			t.Fatalf("pending[%d] = %q, want %q", i, item.QueueID, want[i])
		}
		if item.Status != ItemPending {
			t.Fatalf("pending[%d] status = %s, want pending", i, item.Status)
		}
	}

	if _, item, _, ok := s.claimNext(context.Background()); !ok || item.QueueID != want[0] {
		t.Fatalf("claimNext = %q, %v, want %q", item.QueueID, ok, want[0])
	}
	if got := s.Pending(); len(got) != 4 || got[0].QueueID != want[1] {
		t.Fatalf("pending after claim = %+v", got)
	}
}

// TestWithdraw verifies withdraw is idempotent and never removes claimed items.
func TestWithdraw(t *testing.T) {
	s := newTestStore(t, nil, nil)
	first := s.Enqueue("/in/a.wav", "a.wav", "", nil)
	second := s.Enqueue("/in/b.wav", "b.wav", "", nil)

	if !s.Withdraw(second) {
		t.Fatal("first withdraw = false, want true")
	}
	if s.Withdraw(second) {
		t.Fatal("second withdraw = true, want false")
	}
	if s.Withdraw("missing") {
		t.Fatal("withdraw of unknown id = true, want false")
	}

	if _, _, _, ok := s.claimNext(context.Background()); !ok {
		t.Fatal("claimNext found nothing")
	}
	if s.Withdraw(first) {
		t.Fatal("withdraw of claimed item = true, want false")
	}
}

// TestDuplicateQueued covers two identical submissions before either is claimed.
func TestDuplicateQueued(t *testing.T) {
	s := newTestStore(t, nil, nil)

	if s.IsDuplicateQueued("H2") {
		t.Fatal("empty queue reports duplicate")
	}
	s.Enqueue("/in/a.wav", "a.wav", "H2", nil)
	if !s.IsDuplicateQueued("H2") {
		t.Fatal("second submission not flagged as duplicate")
	}
	if s.IsDuplicateQueued("") {
		t.Fatal("empty hash flagged as duplicate")
	}

	// A claimed item still counts as in flight.
	if _, _, _, ok := s.claimNext(context.Background()); !ok {
		t.Fatal("claimNext found nothing")
	}
	if !s.IsDuplicateQueued("H2") {
		t.Fatal("running job hash not flagged as duplicate")
	}
}

// TestPauseBlocksClaim verifies claimNext returns nothing while paused.
func TestPauseBlocksClaim(t *testing.T) {
	s := newTestStore(t, nil, nil)
	s.Enqueue("/in/a.wav", "a.wav", "", nil)

	s.Pause()
	if !s.Paused() || !s.Snapshot().Paused {
		t.Fatal("pause not reflected")
	}
	if _, _, _, ok := s.claimNext(context.Background()); ok {
		t.Fatal("claimNext returned work while paused")
	}

	s.Resume()
	if _, _, _, ok := s.claimNext(context.Background()); !ok {
		t.Fatal("claimNext returned nothing after resume")
	}
}

// TestClaimPublishesRunningJob checks the claimed job is visible and current.
func TestClaimPublishesRunningJob(t *testing.T) {
	s := newTestStore(t, nil, nil)
	folder := int64(3)
	qid := s.Enqueue("/in/a.wav", "a.wav", "h", &folder)

	job, item, token, ok := s.claimNext(context.Background())
	if !ok {
		t.Fatal("claimNext found nothing")
	}
	defer token.release()

	if item.JobID != job.ID || item.QueueID != qid {
		t.Fatalf("item = %+v, job id %q", item, job.ID)
	}
	got, ok := s.Get(job.ID)
	if !ok {
		t.Fatal("claimed job not in store")
	}
	if got.Status != types.JobRunning {
		t.Fatalf("status = %s, want running", got.Status)
	}
	if got.FolderID == nil || *got.FolderID != 3 {
		t.Fatalf("folder id = %v, want 3", got.FolderID)
	}
	if snap := s.Snapshot(); snap.CurrentJobID != job.ID {
		t.Fatalf("current job = %q, want %q", snap.CurrentJobID, job.ID)
	}
}

// TestRequestCancel verifies only running jobs accept a cancel request.
func TestRequestCancel(t *testing.T) {
	s := newTestStore(t, nil, nil)
	if s.RequestCancel("missing") {
		t.Fatal("cancel of unknown job = true")
	}

	s.Enqueue("/in/a.wav", "a.wav", "", nil)
	job, _, token, _ := s.claimNext(context.Background())
	defer token.release()

	if !s.RequestCancel(job.ID) {
		t.Fatal("cancel of running job = false")
	}
	if !token.Cancelled() {
		t.Fatal("token not cancelled")
	}
	if token.Context().Err() == nil {
		t.Fatal("token context not cancelled")
	}
	got, _ := s.Get(job.ID)
	if !got.CancelRequested {
		t.Fatal("cancel_requested not set")
	}
}

// TestRequestCancelTerminalJob verifies cancel on a finished job is refused and changes nothing.
func TestRequestCancelTerminalJob(t *testing.T) {
	for _, status := range []types.JobStatus{types.JobCompleted, types.JobFailed, types.JobCancelled} {
		s := newTestStore(t, nil, nil)
		s.Enqueue("/in/a.wav", "a.wav", "", nil)
		job, _, token, _ := s.claimNext(context.Background())
		if _, err := s.finish(job.ID, status, "x"); err != nil {
			t.Fatalf("finish: %v", err)
		}
		s.release(job.ID)
		token.release()

		before, _ := s.Get(job.ID)
		if s.RequestCancel(job.ID) {
			t.Fatalf("cancel of %s job = true, want false", status)
		}
		after, _ := s.Get(job.ID)
		if after.CancelRequested || after.Status != before.Status || after.Error != before.Error {
			t.Fatalf("%s job mutated by cancel: %+v", status, after)
		}
	}
}

// TestRemove covers removal of finished, running and unknown jobs.
func TestRemove(t *testing.T) {
	records := newMemRecords()
	meta := newMemMetadata()
	s := newTestStore(t, records, meta)
	ctx := context.Background()

	if err := s.Remove(ctx, "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("remove unknown = %v, want ErrJobNotFound", err)
	}

	s.Enqueue("/in/a.wav", "a.wav", "h", nil)
	job, _, token, _ := s.claimNext(ctx)
	if err := s.Remove(ctx, job.ID); !errors.Is(err, ErrJobRunning) {
		t.Fatalf("remove running = %v, want ErrJobRunning", err)
	}

	final, err := s.finish(job.ID, types.JobCompleted, "")
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	// Still current until persisted and released.
	if err := s.Remove(ctx, job.ID); !errors.Is(err, ErrJobRunning) {
		t.Fatalf("remove before release = %v, want ErrJobRunning", err)
	}
	s.persistTerminal(ctx, final)
	s.release(job.ID)
	token.release()

	if !records.has(job.ID) {
		t.Fatal("record not persisted")
	}
	if _, ok := meta.row(job.ID); !ok {
		t.Fatal("metadata row not written")
	}
	if !s.IsAlreadyProcessed("h") {
		t.Fatal("hash not marked processed")
	}

	if err := s.Remove(ctx, job.ID); err != nil {
		t.Fatalf("remove finished: %v", err)
	}
	if _, ok := s.Get(job.ID); ok {
		t.Fatal("job still in store")
	}
	if records.has(job.ID) {
		t.Fatal("record not deleted")
	}
	if _, ok := meta.row(job.ID); ok {
		t.Fatal("metadata row not deleted")
	}
	if s.IsAlreadyProcessed("h") {
		t.Fatal("hash still marked processed")
	}
	if err := s.Remove(ctx, job.ID); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("second remove = %v, want ErrJobNotFound", err)
	}
}

// TestPersistFailureKeepsMemoryRecord verifies a failed durable write is swallowed.
func TestPersistFailureKeepsMemoryRecord(t *testing.T) {
	records := newMemRecords()
	records.writeErr = errors.New("disk full")
	s := newTestStore(t, records, nil)
	ctx := context.Background()

	s.Enqueue("/in/a.wav", "a.wav", "", nil)
	job, _, token, _ := s.claimNext(ctx)
	defer token.release()
	final, _ := s.finish(job.ID, types.JobFailed, "bad input")
	s.persistTerminal(ctx, final)
	s.release(job.ID)

	got, ok := s.Get(job.ID)
	if !ok || got.Status != types.JobFailed || got.Error != "bad input" {
		t.Fatalf("in-memory record = %+v, %v", got, ok)
	}
}

// TestRecoverSkipsBadRecords verifies one corrupt record does not block the rest.
func TestRecoverSkipsBadRecords(t *testing.T) {
	records := newMemRecords()
	ctx := context.Background()
	records.data["a-corrupt"] = []byte("{not json")
	records.data["b-noid"] = []byte(`{"status":"completed"}`)
	records.data["c-running"] = []byte(`{"job_id":"c","status":"running"}`)
	records.data["d-ok"] = []byte(`{"job_id":"d","status":"completed","file_hash":"hd","original_filename":"d.wav"}`)
	records.data["e-failed"] = []byte(`{"job_id":"e","status":"failed","file_hash":"he","error":"x"}`)

	s := newTestStore(t, records, nil)
	n, err := s.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 2 {
		t.Fatalf("recovered = %d, want 2", n)
	}
	if _, ok := s.Get("c"); ok {
		t.Fatal("running record was loaded")
	}
	d, ok := s.Get("d")
	if !ok {
		t.Fatal("valid record not loaded")
	}
	if len(d.Stages) != len(types.StageOrder) {
		t.Fatalf("stages = %d, want %d", len(d.Stages), len(types.StageOrder))
	}
	if !s.IsAlreadyProcessed("hd") {
		t.Fatal("completed hash not rebuilt")
	}
	if s.IsAlreadyProcessed("he") {
		t.Fatal("failed hash marked processed")
	}
}

func TestActivePayloadRefs(t *testing.T) {
	s := newTestStore(t, nil, nil)
	s.Enqueue("/in/a.wav", "a.wav", "", nil)
	withdrawn := s.Enqueue("/in/b.wav", "b.wav", "", nil)
	s.Enqueue("/in/c.wav", "c.wav", "", nil)
	s.Withdraw(withdrawn)

	if _, _, _, ok := s.claimNext(context.Background()); !ok {
		t.Fatal("claimNext found nothing")
	}

	refs := s.ActivePayloadRefs()
	if !refs["/in/a.wav"] || !refs["/in/c.wav"] {
		t.Fatalf("refs = %v, want claimed and pending items", refs)
	}
	if refs["/in/b.wav"] {
		t.Fatal("withdrawn item still reported active")
	}
}
