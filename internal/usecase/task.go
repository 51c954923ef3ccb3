// Package usecase contains application business logic services, thin
// orchestration layers over the domain repository ports and the
// scheduler, reused by both the HTTP server and any future CLI.
package usecase

import (
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"

	"github.com/vedfolnir/vedfolnir/internal/domain"
	obsctx "github.com/vedfolnir/vedfolnir/internal/observability"
)

// Scheduler is the subset of scheduler.Scheduler that TaskService drives;
// declared here so this package depends on a capability, not the
// concrete scheduler type.
type Scheduler interface {
	Enqueue(ctx domain.Context, userID, platformConnectionID string) (string, error)
	Cancel(ctx domain.Context, runID string) error
	Status(ctx domain.Context, runID string) (domain.ProcessingRun, error)
}

// TaskService exposes the ProcessingRun lifecycle (Enqueue, Status,
// Cancel, Results) as the usecase layer the HTTP server delegates to.
type TaskService struct {
	Scheduler Scheduler
	Tasks     domain.CaptionTaskRepository
	Images    domain.ImageRepository
	Runs      domain.ProcessingRunRepository
}

// NewTaskService constructs a TaskService with its dependencies.
func NewTaskService(sched Scheduler, tasks domain.CaptionTaskRepository, images domain.ImageRepository, runs domain.ProcessingRunRepository) TaskService {
	return TaskService{Scheduler: sched, Tasks: tasks, Images: images, Runs: runs}
}

// Enqueue opens a new ProcessingRun (the externally-visible "task") for
// userID against platformConnectionID, returning its id.
func (s TaskService) Enqueue(ctx domain.Context, userID, platformConnectionID string) (string, error) {
	tr := otel.Tracer("usecase.task")
	ctx, span := tr.Start(ctx, "TaskService.Enqueue")
	defer span.End()

	lg := obsctx.LoggerFromContext(ctx)
	lg.Info("enqueue task", slog.String("user_id", userID), slog.String("platform_connection_id", platformConnectionID))

	taskID, err := s.Scheduler.Enqueue(ctx, userID, platformConnectionID)
	if err != nil {
		lg.Error("enqueue task failed", slog.Any("error", err))
		return "", err
	}
	lg.Info("task enqueued", slog.String("task_id", taskID))
	return taskID, nil
}

// Status returns the current ProcessingRun state for a task id, verifying
// ownership so one user cannot poll another's task.
func (s TaskService) Status(ctx domain.Context, userID, taskID string) (domain.ProcessingRun, error) {
	tr := otel.Tracer("usecase.task")
	ctx, span := tr.Start(ctx, "TaskService.Status")
	defer span.End()

	run, err := s.Scheduler.Status(ctx, taskID)
	if err != nil {
		return domain.ProcessingRun{}, err
	}
	if run.UserID != userID {
		return domain.ProcessingRun{}, fmt.Errorf("op=usecase.task.Status: %w", domain.ErrNotFound)
	}
	return run, nil
}

// Cancel requests cancellation of a task on behalf of userID.
func (s TaskService) Cancel(ctx domain.Context, userID, taskID string) error {
	tr := otel.Tracer("usecase.task")
	ctx, span := tr.Start(ctx, "TaskService.Cancel")
	defer span.End()

	run, err := s.Runs.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("op=usecase.task.Cancel: %w", err)
	}
	if run.UserID != userID {
		return fmt.Errorf("op=usecase.task.Cancel: %w", domain.ErrNotFound)
	}
	return s.Scheduler.Cancel(ctx, taskID)
}

// TaskResultImage is one captioned attachment in a task's result set.
type TaskResultImage struct {
	ImageID          string                    `json:"image_id"`
	OriginalURL      string                    `json:"original_url"`
	GeneratedCaption string                    `json:"generated_caption"`
	ReviewedCaption  string                    `json:"reviewed_caption,omitempty"`
	QualityScore     float64                   `json:"quality_score"`
	Status           domain.ImageCaptionStatus `json:"status"`
	TaskStatus       domain.CaptionTaskStatus  `json:"task_status"`
}

// Results assembles the per-image outcome of every caption generation
// task dispatched for taskID, the basis for GET /v1/tasks/{id}/results.
func (s TaskService) Results(ctx domain.Context, userID, taskID string) (domain.ProcessingRun, []TaskResultImage, error) {
	tr := otel.Tracer("usecase.task")
	ctx, span := tr.Start(ctx, "TaskService.Results")
	defer span.End()

	run, err := s.Runs.Get(ctx, taskID)
	if err != nil {
		return domain.ProcessingRun{}, nil, fmt.Errorf("op=usecase.task.Results: %w", err)
	}
	if run.UserID != userID {
		return domain.ProcessingRun{}, nil, fmt.Errorf("op=usecase.task.Results: %w", domain.ErrNotFound)
	}

	tasks, err := s.Tasks.ListByRun(ctx, taskID)
	if err != nil {
		return domain.ProcessingRun{}, nil, fmt.Errorf("op=usecase.task.Results: %w", err)
	}

	results := make([]TaskResultImage, 0, len(tasks))
	for _, t := range tasks {
		img, err := s.Images.Get(ctx, t.ImageID)
		if err != nil {
			obsctx.LoggerFromContext(ctx).Warn("results: image lookup failed, skipping",
				slog.String("task_id", t.ID), slog.String("image_id", t.ImageID), slog.Any("error", err))
			continue
		}
		results = append(results, TaskResultImage{
			ImageID:          img.ID,
			OriginalURL:      img.OriginalURL,
			GeneratedCaption: img.GeneratedCaption,
			ReviewedCaption:  img.ReviewedCaption,
			QualityScore:     img.QualityScore,
			Status:           img.Status,
			TaskStatus:       t.Status,
		})
	}
	return run, results, nil
}
