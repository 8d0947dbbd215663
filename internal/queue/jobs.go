package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/mediavault/internal/processing"
)

const (
	// ConvertVideoTask is scheduled each time a video needing conversion is
	// uploaded.
	ConvertVideoTask = "media:convert"
	// QueueName is the asynq queue conversions are enqueued on.
	QueueName = "media"
)

// Enqueuer is the subset of *asynq.Client the dispatcher uses.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Dispatcher hands conversions to a Redis-backed asynq queue. Conversions
// are never retried automatically and at most one task per item is queued.
type Dispatcher struct {
	client Enqueuer
}

var _ processing.Dispatcher = (*Dispatcher)(nil)

// NewDispatcher wraps an asynq client.
func NewDispatcher(client Enqueuer) *Dispatcher {
	return &Dispatcher{client: client}
}

// NewConvertTask serializes job into a conversion task.
func NewConvertTask(job processing.Job) (*asynq.Task, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return asynq.NewTask(ConvertVideoTask, data), nil
}

// ParseConvertTask decodes the job carried by a conversion task.
func ParseConvertTask(task *asynq.Task) (processing.Job, error) {
	var job processing.Job
	if err := json.Unmarshal(task.Payload(), &job); err != nil {
		return job, fmt.Errorf("decode payload: %w", err)
	}
	if job.ItemID == "" || job.SourcePath == "" || job.OutputName == "" {
		return job, fmt.Errorf("decode payload: incomplete job %+v", job)
	}
	return job, nil
}

// Dispatch enqueues job. The item id doubles as the task id, so a second
// enqueue while the first is still queued or running is rejected.
func (d *Dispatcher) Dispatch(ctx context.Context, job processing.Job) error {
	task, err := NewConvertTask(job)
	if err != nil {
		return err
	}
	_, err = d.client.EnqueueContext(ctx, task,
		asynq.TaskID(job.ItemID),
		asynq.MaxRetry(0),
		asynq.Queue(QueueName),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return fmt.Errorf("enqueue convert %s: %w", job.ItemID, processing.ErrAlreadyConverting)
	}
	if err != nil {
		return fmt.Errorf("enqueue convert task: %w", err)
	}
	return nil
}
