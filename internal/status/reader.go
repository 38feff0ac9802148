// Package status exposes read-only job status for polling clients.
package status

import (
	"context"
	"fmt"

	"github.com/clipseek/clipseek/internal/pipeline"
	"github.com/clipseek/clipseek/internal/queue"
)

// JobStatus is the polling view of a job.
type JobStatus struct {
	JobID    string             `json:"job_id"`
	Key      pipeline.SearchKey `json:"key"`
	Kind     pipeline.JobKind   `json:"kind"`
	State    pipeline.JobState  `json:"state"`
	Progress int                `json:"progress"`
	// QueuePosition is the zero-based spot within the job's priority class,
	// present only while the job is waiting.
	QueuePosition *int64                `json:"queue_position,omitempty"`
	Result        []pipeline.ResultItem `json:"result,omitempty"`
	Error         *pipeline.Error       `json:"error,omitempty"`
}

// Reader answers status queries against the queue's job records.
type Reader struct {
	queue *queue.Queue
}

// NewReader constructs a Reader.
func NewReader(q *queue.Queue) *Reader {
	return &Reader{queue: q}
}

// Status returns the current view of a job. Terminal jobs carry their result
// or classified error verbatim; waiting jobs additionally carry their queue
// position. Returns pipeline.ErrJobNotFound for unknown or already swept ids.
func (r *Reader) Status(ctx context.Context, jobID string) (JobStatus, error) {
	job, err := r.queue.Get(ctx, jobID)
	if err != nil {
		return JobStatus{}, err
	}
	st := JobStatus{
		JobID:    job.ID,
		Key:      job.Key,
		Kind:     job.Kind,
		State:    job.State,
		Progress: job.Progress,
		Result:   job.Result,
		Error:    job.Error,
	}
	if job.State == pipeline.StateWaiting {
		pos, ok, err := r.queue.Position(ctx, job)
		if err != nil {
			return JobStatus{}, fmt.Errorf("queue position: %w", err)
		}
		if ok {
			st.QueuePosition = &pos
		}
	}
	return st, nil
}
