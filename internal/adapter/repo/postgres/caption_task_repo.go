package postgres

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vedfolnir/vedfolnir/internal/domain"
)

// CaptionTaskRepo persists and loads CaptionGenerationTask records,
// including the compare-and-swap dequeue the scheduler uses to hand
// exactly one worker a given task.
type CaptionTaskRepo struct{ Pool PgxPool }

// NewCaptionTaskRepo constructs a CaptionTaskRepo.
func NewCaptionTaskRepo(p PgxPool) *CaptionTaskRepo { return &CaptionTaskRepo{Pool: p} }

const captionTaskColumns = `id, processing_run_id, image_id, user_id, platform_connection_id, status,
	attempts, max_attempts, next_retry_at, error_message, created_at, updated_at`

// Create inserts a new caption generation task and returns its id.
func (r *CaptionTaskRepo) Create(ctx domain.Context, t domain.CaptionGenerationTask) (string, error) {
	tracer := otel.Tracer("repo.caption_tasks")
	ctx, span := tracer.Start(ctx, "caption_tasks.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "caption_generation_tasks"),
	)
	id := t.ID
	if id == "" {
		id = uuid.New().String()
	}
	maxAttempts := t.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	q := `INSERT INTO caption_generation_tasks (id, processing_run_id, image_id, user_id, platform_connection_id, status, max_attempts, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)`
	now := time.Now().UTC()
	_, err := r.Pool.Exec(ctx, q, id, t.ProcessingRunID, t.ImageID, t.UserID, t.PlatformConnectionID, domain.TaskQueued, maxAttempts, now)
	if err != nil {
		return "", fmt.Errorf("op=caption_task.create: %w", err)
	}
	return id, nil
}

// Get loads a caption generation task by id.
func (r *CaptionTaskRepo) Get(ctx domain.Context, id string) (domain.CaptionGenerationTask, error) {
	tracer := otel.Tracer("repo.caption_tasks")
	ctx, span := tracer.Start(ctx, "caption_tasks.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "caption_generation_tasks"),
	)
	q := `SELECT ` + captionTaskColumns + ` FROM caption_generation_tasks WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, id)
	return scanCaptionTask(row, "op=caption_task.get")
}

// ClaimNext atomically selects the oldest claimable task (queued, or
// running with an expired retry deadline) and flips it to running,
// inside one transaction so two workers never claim the same row.
func (r *CaptionTaskRepo) ClaimNext(ctx domain.Context) (*domain.CaptionGenerationTask, error) {
	tracer := otel.Tracer("repo.caption_tasks")
	ctx, span := tracer.Start(ctx, "caption_tasks.ClaimNext")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "caption_generation_tasks"),
	)

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("op=caption_task.claim_next.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				slog.Error("failed to rollback caption task claim", slog.Any("error", rbErr))
			}
		}
	}()

	selectQ := `SELECT id FROM caption_generation_tasks
	            WHERE status='queued' OR (status='running' AND next_retry_at IS NOT NULL AND next_retry_at <= $1)
	            ORDER BY created_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED`
	row := tx.QueryRow(ctx, selectQ, time.Now().UTC())
	var id string
	if err := row.Scan(&id); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("op=caption_task.claim_next.select: %w", err)
	}

	now := time.Now().UTC()
	updateQ := `UPDATE caption_generation_tasks SET status='running', attempts=attempts+1, claimed_at=$2, updated_at=$2 WHERE id=$1
	            RETURNING ` + captionTaskColumns
	row = tx.QueryRow(ctx, updateQ, id, now)
	task, err := scanCaptionTask(row, "op=caption_task.claim_next.update")
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("op=caption_task.claim_next.commit: %w", err)
	}
	committed = true
	return &task, nil
}

// MarkCompleted marks a task's terminal success.
func (r *CaptionTaskRepo) MarkCompleted(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.caption_tasks")
	ctx, span := tracer.Start(ctx, "caption_tasks.MarkCompleted")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "caption_generation_tasks"),
	)
	q := `UPDATE caption_generation_tasks SET status=$2, updated_at=$3 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, domain.TaskCompleted, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=caption_task.mark_completed: %w", err)
	}
	return nil
}

// MarkFailed records a failure, optionally scheduling a retry by setting
// status back to 'running' so ClaimNext's expired-deadline branch picks
// it back up; a nil nextRetryAt marks the task terminally failed.
func (r *CaptionTaskRepo) MarkFailed(ctx domain.Context, id string, errMsg string, nextRetryAt *time.Time) error {
	tracer := otel.Tracer("repo.caption_tasks")
	ctx, span := tracer.Start(ctx, "caption_tasks.MarkFailed")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "caption_generation_tasks"),
	)
	now := time.Now().UTC()
	if nextRetryAt == nil {
		q := `UPDATE caption_generation_tasks SET status=$2, error_message=$3, next_retry_at=NULL, updated_at=$4 WHERE id=$1`
		if _, err := r.Pool.Exec(ctx, q, id, domain.TaskFailed, errMsg, now); err != nil {
			return fmt.Errorf("op=caption_task.mark_failed: %w", err)
		}
		return nil
	}
	q := `UPDATE caption_generation_tasks SET status='running', error_message=$2, next_retry_at=$3, updated_at=$4 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, errMsg, nextRetryAt.UTC(), now); err != nil {
		return fmt.Errorf("op=caption_task.mark_failed_retry: %w", err)
	}
	return nil
}

// Cancel marks a task cancelled; the scheduler checks this before
// dispatching so already-cancelled processing runs stop promptly.
func (r *CaptionTaskRepo) Cancel(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.caption_tasks")
	ctx, span := tracer.Start(ctx, "caption_tasks.Cancel")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "caption_generation_tasks"),
	)
	q := `UPDATE caption_generation_tasks SET status=$2, updated_at=$3 WHERE id=$1 AND status IN ('queued','running')`
	if _, err := r.Pool.Exec(ctx, q, id, domain.TaskCancelled, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=caption_task.cancel: %w", err)
	}
	return nil
}

// ResetStuckRunning reclaims tasks left 'running' with no next_retry_at
// because their worker crashed mid-task, so they become claimable
// again; called once at boot and then on every periodic sweep by
// scheduler.Reconciler.
func (r *CaptionTaskRepo) ResetStuckRunning(ctx domain.Context, olderThan time.Duration) (int, error) {
	tracer := otel.Tracer("repo.caption_tasks")
	ctx, span := tracer.Start(ctx, "caption_tasks.ResetStuckRunning")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "caption_generation_tasks"),
	)
	cutoff := time.Now().UTC().Add(-olderThan)
	q := `UPDATE caption_generation_tasks SET next_retry_at=$2, updated_at=$2
	      WHERE status='running' AND next_retry_at IS NULL AND claimed_at < $1`
	tag, err := r.Pool.Exec(ctx, q, cutoff, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("op=caption_task.reset_stuck_running: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ListByRun lists every task dispatched for a processing run, oldest
// first, backing the Results and bulk-review endpoints.
func (r *CaptionTaskRepo) ListByRun(ctx domain.Context, processingRunID string) ([]domain.CaptionGenerationTask, error) {
	tracer := otel.Tracer("repo.caption_tasks")
	ctx, span := tracer.Start(ctx, "caption_tasks.ListByRun")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "caption_generation_tasks"),
	)
	q := `SELECT ` + captionTaskColumns + ` FROM caption_generation_tasks WHERE processing_run_id=$1 ORDER BY created_at ASC`
	rows, err := r.Pool.Query(ctx, q, processingRunID)
	if err != nil {
		return nil, fmt.Errorf("op=caption_task.list_by_run: %w", err)
	}
	defer rows.Close()

	var tasks []domain.CaptionGenerationTask
	for rows.Next() {
		var t domain.CaptionGenerationTask
		if err := rows.Scan(&t.ID, &t.ProcessingRunID, &t.ImageID, &t.UserID, &t.PlatformConnectionID, &t.Status,
			&t.Attempts, &t.MaxAttempts, &t.NextRetryAt, &t.ErrorMessage, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("op=caption_task.list_by_run_scan: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=caption_task.list_by_run_rows: %w", err)
	}
	return tasks, nil
}

func scanCaptionTask(row pgx.Row, op string) (domain.CaptionGenerationTask, error) {
	var t domain.CaptionGenerationTask
	if err := row.Scan(&t.ID, &t.ProcessingRunID, &t.ImageID, &t.UserID, &t.PlatformConnectionID, &t.Status,
		&t.Attempts, &t.MaxAttempts, &t.NextRetryAt, &t.ErrorMessage, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.CaptionGenerationTask{}, fmt.Errorf("%s: %w", op, domain.ErrNotFound)
		}
		return domain.CaptionGenerationTask{}, fmt.Errorf("%s: %w", op, err)
	}
	return t, nil
}
