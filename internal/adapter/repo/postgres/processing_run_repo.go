package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vedfolnir/vedfolnir/internal/domain"
)

// ProcessingRunRepo persists and loads ProcessingRun records.
type ProcessingRunRepo struct{ Pool PgxPool }

// NewProcessingRunRepo constructs a ProcessingRunRepo.
func NewProcessingRunRepo(p PgxPool) *ProcessingRunRepo { return &ProcessingRunRepo{Pool: p} }

const processingRunColumns = `id, user_id, platform_connection_id, status, posts_processed, images_processed,
	images_captioned, error_message, started_at, completed_at, created_at`

// Create inserts a new processing run and returns its id.
func (r *ProcessingRunRepo) Create(ctx domain.Context, run domain.ProcessingRun) (string, error) {
	tracer := otel.Tracer("repo.processing_runs")
	ctx, span := tracer.Start(ctx, "processing_runs.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "processing_runs"),
	)
	id := run.ID
	if id == "" {
		id = uuid.New().String()
	}
	status := run.Status
	if status == "" {
		status = domain.RunQueued
	}
	q := `INSERT INTO processing_runs (id, user_id, platform_connection_id, status, created_at)
	      VALUES ($1,$2,$3,$4,$5)`
	_, err := r.Pool.Exec(ctx, q, id, run.UserID, run.PlatformConnectionID, status, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("op=processing_run.create: %w", err)
	}
	return id, nil
}

// Get loads a processing run by id.
func (r *ProcessingRunRepo) Get(ctx domain.Context, id string) (domain.ProcessingRun, error) {
	tracer := otel.Tracer("repo.processing_runs")
	ctx, span := tracer.Start(ctx, "processing_runs.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "processing_runs"),
	)
	q := `SELECT ` + processingRunColumns + ` FROM processing_runs WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, id)
	return scanProcessingRun(row, "op=processing_run.get")
}

// UpdateStatus transitions a run's status, stamping started_at/completed_at
// as the lifecycle demands.
func (r *ProcessingRunRepo) UpdateStatus(ctx domain.Context, id string, status domain.ProcessingRunStatus, errMsg *string) error {
	tracer := otel.Tracer("repo.processing_runs")
	ctx, span := tracer.Start(ctx, "processing_runs.UpdateStatus")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "processing_runs"),
	)
	msg := ""
	if errMsg != nil {
		msg = *errMsg
	}
	now := time.Now().UTC()
	var q string
	switch status {
	case domain.RunRunning:
		q = `UPDATE processing_runs SET status=$2, error_message=$3, started_at=COALESCE(started_at,$4) WHERE id=$1`
	case domain.RunCompleted, domain.RunFailed, domain.RunCancelled:
		q = `UPDATE processing_runs SET status=$2, error_message=$3, completed_at=$4 WHERE id=$1`
	default:
		q = `UPDATE processing_runs SET status=$2, error_message=$3 WHERE id=$1`
	}
	if _, err := r.Pool.Exec(ctx, q, id, status, msg, now); err != nil {
		return fmt.Errorf("op=processing_run.update_status: %w", err)
	}
	return nil
}

// UpdateProgress bumps the run's running counters as the scheduler works
// through its caption generation tasks.
func (r *ProcessingRunRepo) UpdateProgress(ctx domain.Context, id string, postsProcessed, imagesProcessed, imagesCaptioned int) error {
	tracer := otel.Tracer("repo.processing_runs")
	ctx, span := tracer.Start(ctx, "processing_runs.UpdateProgress")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "processing_runs"),
	)
	q := `UPDATE processing_runs SET posts_processed=$2, images_processed=$3, images_captioned=$4 WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, id, postsProcessed, imagesProcessed, imagesCaptioned)
	if err != nil {
		return fmt.Errorf("op=processing_run.update_progress: %w", err)
	}
	return nil
}

// ActiveForUser returns the user's currently queued-or-running run, if
// any, so the scheduler can enforce one concurrent run per user.
func (r *ProcessingRunRepo) ActiveForUser(ctx domain.Context, userID string) (*domain.ProcessingRun, error) {
	tracer := otel.Tracer("repo.processing_runs")
	ctx, span := tracer.Start(ctx, "processing_runs.ActiveForUser")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "processing_runs"),
	)
	q := `SELECT ` + processingRunColumns + ` FROM processing_runs
	      WHERE user_id=$1 AND status IN ('queued','running') ORDER BY created_at DESC LIMIT 1`
	row := r.Pool.QueryRow(ctx, q, userID)
	run, err := scanProcessingRun(row, "op=processing_run.active_for_user")
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &run, nil
}

// ResetStuckRunning re-queues runs left RunRunning longer than olderThan,
// the ProcessingRun-level counterpart of CaptionTaskRepo.ResetStuckRunning,
// used by scheduler.Scheduler to recover from a crashed worker pool.
func (r *ProcessingRunRepo) ResetStuckRunning(ctx domain.Context, olderThan time.Duration) ([]string, error) {
	tracer := otel.Tracer("repo.processing_runs")
	ctx, span := tracer.Start(ctx, "processing_runs.ResetStuckRunning")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "processing_runs"),
	)
	cutoff := time.Now().UTC().Add(-olderThan)
	q := `UPDATE processing_runs SET status='queued', started_at=NULL
	      WHERE status='running' AND started_at IS NOT NULL AND started_at < $1
	      RETURNING id`
	rows, err := r.Pool.Query(ctx, q, cutoff)
	if err != nil {
		return nil, fmt.Errorf("op=processing_run.reset_stuck_running: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("op=processing_run.reset_stuck_running_scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=processing_run.reset_stuck_running_rows: %w", err)
	}
	return ids, nil
}

func scanProcessingRun(row pgx.Row, op string) (domain.ProcessingRun, error) {
	var run domain.ProcessingRun
	if err := row.Scan(&run.ID, &run.UserID, &run.PlatformConnectionID, &run.Status, &run.PostsProcessed, &run.ImagesProcessed,
		&run.ImagesCaptioned, &run.ErrorMessage, &run.StartedAt, &run.CompletedAt, &run.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.ProcessingRun{}, fmt.Errorf("%s: %w", op, domain.ErrNotFound)
		}
		return domain.ProcessingRun{}, fmt.Errorf("%s: %w", op, err)
	}
	return run, nil
}
