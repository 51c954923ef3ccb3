package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vedfolnir/vedfolnir/internal/domain"
)

// UserSettingsRepo persists and loads UserSettings records.
type UserSettingsRepo struct{ Pool PgxPool }

// NewUserSettingsRepo constructs a UserSettingsRepo.
func NewUserSettingsRepo(p PgxPool) *UserSettingsRepo { return &UserSettingsRepo{Pool: p} }

// Get loads a user's settings, falling back to the table's column
// defaults if the row doesn't exist yet (new users get defaults until
// they first save preferences).
func (r *UserSettingsRepo) Get(ctx domain.Context, userID string) (domain.UserSettings, error) {
	tracer := otel.Tracer("repo.user_settings")
	ctx, span := tracer.Start(ctx, "user_settings.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "user_settings"),
	)
	q := `SELECT user_id, caption_max_length, quality_min_score, auto_approve_high_quality, review_required, notify_on_completion, updated_at
	      FROM user_settings WHERE user_id=$1`
	row := r.Pool.QueryRow(ctx, q, userID)
	var s domain.UserSettings
	if err := row.Scan(&s.UserID, &s.CaptionMaxLength, &s.QualityMinScore, &s.AutoApproveHighQuality, &s.ReviewRequired, &s.NotifyOnCompletion, &s.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.UserSettings{
				UserID:             userID,
				CaptionMaxLength:   500,
				QualityMinScore:    0.6,
				ReviewRequired:     true,
				NotifyOnCompletion: true,
			}, nil
		}
		return domain.UserSettings{}, fmt.Errorf("op=user_settings.get: %w", err)
	}
	return s, nil
}

// Upsert saves a user's settings, creating the row on first save.
func (r *UserSettingsRepo) Upsert(ctx domain.Context, s domain.UserSettings) error {
	tracer := otel.Tracer("repo.user_settings")
	ctx, span := tracer.Start(ctx, "user_settings.Upsert")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPSERT"),
		attribute.String("db.sql.table", "user_settings"),
	)
	q := `INSERT INTO user_settings (user_id, caption_max_length, quality_min_score, auto_approve_high_quality, review_required, notify_on_completion, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7)
	      ON CONFLICT (user_id) DO UPDATE SET
	        caption_max_length=EXCLUDED.caption_max_length,
	        quality_min_score=EXCLUDED.quality_min_score,
	        auto_approve_high_quality=EXCLUDED.auto_approve_high_quality,
	        review_required=EXCLUDED.review_required,
	        notify_on_completion=EXCLUDED.notify_on_completion,
	        updated_at=EXCLUDED.updated_at`
	_, err := r.Pool.Exec(ctx, q, s.UserID, s.CaptionMaxLength, s.QualityMinScore, s.AutoApproveHighQuality, s.ReviewRequired, s.NotifyOnCompletion, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=user_settings.upsert: %w", err)
	}
	return nil
}
