package queue

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/codebuildervaibhav/audio-pipeline/internal/types"
)

// EncodeRecord serializes a job for durable storage.
func EncodeRecord(job *Job) ([]byte, error) {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	return data, nil
}

// DecodeRecord parses a persisted job. Unknown stage statuses fall back to
// pending and missing stages are recreated.
func DecodeRecord(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job record: %w", err)
	}
	if job.ID == "" {
		return nil, errors.New("decode job record: missing job_id")
	}
	if !job.Status.Valid() {
		return nil, fmt.Errorf("decode job record %s: unknown status %q", job.ID, job.Status)
	}
	if job.Stages == nil {
		job.Stages = make(map[string]*StageState, len(types.StageOrder))
	}
	for _, id := range types.StageOrder {
		st, ok := job.Stages[id]
		if !ok || st == nil {
			job.Stages[id] = &StageState{Name: types.StageLabels[id], Status: types.StagePending}
			continue
		}
		if !st.Status.Valid() {
			st.Status = types.StagePending
		}
		if st.Name == "" {
			st.Name = types.StageLabels[id]
		}
	}
	return &job, nil
}
