// Package scheduler dispatches caption generation work onto a bounded
// worker pool backed by asynq/Redis, with compare-and-swap task claims
// against Postgres so retries and crash recovery never double-process
// the same image.
package scheduler

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/vedfolnir/vedfolnir/internal/domain"
	"github.com/vedfolnir/vedfolnir/internal/observability"
)

// TaskCaption is the asynq task type for a single image caption job.
const TaskCaption = "caption:generate"

// Queue enqueues caption generation tasks onto the Redis-backed queue.
type Queue struct {
	client *asynq.Client
}

// New builds a Queue connected to redisURL.
func New(redisURL string) (*Queue, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=scheduler.New: %w", err)
	}
	return &Queue{client: asynq.NewClient(opt)}, nil
}

// EnqueueCaptionTask implements domain.Queue.
func (q *Queue) EnqueueCaptionTask(ctx domain.Context, payload domain.CaptionTaskPayload) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("op=scheduler.EnqueueCaptionTask: %w", err)
	}
	t := asynq.NewTask(TaskCaption, b)
	info, err := q.client.EnqueueContext(ctx, t, asynq.MaxRetry(1), asynq.Retention(24*time.Hour))
	if err != nil {
		return "", fmt.Errorf("op=scheduler.EnqueueCaptionTask: %w", err)
	}
	observability.EnqueueTask("caption")
	return info.ID, nil
}

// Close releases the underlying Redis connection.
func (q *Queue) Close() error {
	return q.client.Close()
}
