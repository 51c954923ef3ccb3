package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vedfolnir/vedfolnir/internal/domain"
)

// ImageRepo persists and loads Image records.
type ImageRepo struct{ Pool PgxPool }

// NewImageRepo constructs an ImageRepo.
func NewImageRepo(p PgxPool) *ImageRepo { return &ImageRepo{Pool: p} }

const imageColumns = `id, post_id, platform_media_id, original_url, local_path, content_hash, mime_type,
	width_px, height_px, byte_size, original_alt_text, generated_caption, reviewed_caption, final_caption,
	quality_score, prompt_used, status, needs_special_review, reviewer_notes, caption_model_used, retry_count,
	last_error, created_at, updated_at`

// Create inserts a new image row, deduplicated on (post_id, original_url).
func (r *ImageRepo) Create(ctx domain.Context, img domain.Image) (string, error) {
	tracer := otel.Tracer("repo.images")
	ctx, span := tracer.Start(ctx, "images.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "images"),
	)
	id := img.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	status := img.Status
	if status == "" {
		status = domain.ImagePending
	}
	q := `INSERT INTO images (id, post_id, platform_media_id, original_url, local_path, content_hash, mime_type,
	      width_px, height_px, byte_size, original_alt_text, status, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$13)
	      ON CONFLICT (post_id, original_url) DO NOTHING`
	_, err := r.Pool.Exec(ctx, q, id, img.PostID, img.PlatformMediaID, img.OriginalURL, img.LocalPath, img.ContentHash,
		img.MIMEType, img.WidthPx, img.HeightPx, img.ByteSize, img.OriginalAltText, status, now)
	if err != nil {
		return "", fmt.Errorf("op=image.create: %w", err)
	}
	return id, nil
}

// Get loads an image by id.
func (r *ImageRepo) Get(ctx domain.Context, id string) (domain.Image, error) {
	tracer := otel.Tracer("repo.images")
	ctx, span := tracer.Start(ctx, "images.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "images"),
	)
	q := `SELECT ` + imageColumns + ` FROM images WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, id)
	return scanImage(row, "op=image.get")
}

// GetByContentHash finds an already-processed image sharing the same
// content, used by the content-addressed dedup path in imageproc.
func (r *ImageRepo) GetByContentHash(ctx domain.Context, hash string) (domain.Image, error) {
	tracer := otel.Tracer("repo.images")
	ctx, span := tracer.Start(ctx, "images.GetByContentHash")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "images"),
	)
	q := `SELECT ` + imageColumns + ` FROM images WHERE content_hash=$1 AND content_hash != '' ORDER BY created_at ASC LIMIT 1`
	row := r.Pool.QueryRow(ctx, q, hash)
	return scanImage(row, "op=image.get_by_content_hash")
}

// ListByPost lists every image attached to a post.
func (r *ImageRepo) ListByPost(ctx domain.Context, postID string) ([]domain.Image, error) {
	tracer := otel.Tracer("repo.images")
	ctx, span := tracer.Start(ctx, "images.ListByPost")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "images"),
	)
	q := `SELECT ` + imageColumns + ` FROM images WHERE post_id=$1 ORDER BY attachment_index ASC`
	rows, err := r.Pool.Query(ctx, q, postID)
	if err != nil {
		return nil, fmt.Errorf("op=image.list_by_post: %w", err)
	}
	defer rows.Close()

	var imgs []domain.Image
	for rows.Next() {
		img, err := scanImageRows(rows)
		if err != nil {
			return nil, fmt.Errorf("op=image.list_by_post_scan: %w", err)
		}
		imgs = append(imgs, img)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=image.list_by_post_rows: %w", err)
	}
	return imgs, nil
}

// UpdateCaption records a freshly generated caption, its quality score,
// the prompt that produced it, and whether the fallback ladder was
// exhausted without reaching an acceptable quality score (needsSpecialReview).
func (r *ImageRepo) UpdateCaption(ctx domain.Context, id string, generated string, score float64, model string, promptUsed string, needsSpecialReview bool) error {
	tracer := otel.Tracer("repo.images")
	ctx, span := tracer.Start(ctx, "images.UpdateCaption")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "images"),
	)
	q := `UPDATE images SET generated_caption=$2, quality_score=$3, caption_model_used=$4, prompt_used=$5,
	      needs_special_review=$6, status=$7, updated_at=$8 WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, id, generated, score, model, promptUsed, needsSpecialReview, domain.ImageGenerated, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=image.update_caption: %w", err)
	}
	return nil
}

// UpdateReview records a human reviewer's edited caption, decision, and
// any notes left to explain the decision.
func (r *ImageRepo) UpdateReview(ctx domain.Context, id string, reviewedCaption string, status domain.ImageCaptionStatus, notes string) error {
	tracer := otel.Tracer("repo.images")
	ctx, span := tracer.Start(ctx, "images.UpdateReview")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "images"),
	)
	q := `UPDATE images SET reviewed_caption=$2, final_caption=$2, status=$3, reviewer_notes=$4, updated_at=$5 WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, id, reviewedCaption, status, notes, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=image.update_review: %w", err)
	}
	return nil
}

// UpdateStatus transitions an image's status, optionally recording an error message.
func (r *ImageRepo) UpdateStatus(ctx domain.Context, id string, status domain.ImageCaptionStatus, errMsg *string) error {
	tracer := otel.Tracer("repo.images")
	ctx, span := tracer.Start(ctx, "images.UpdateStatus")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "images"),
	)
	msg := ""
	if errMsg != nil {
		msg = *errMsg
	}
	q := `UPDATE images SET status=$2, last_error=$3, updated_at=$4 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, status, msg, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=image.update_status: %w", err)
	}
	return nil
}

// ListPendingReview lists images awaiting human review for a user,
// oldest first, backing the review queue endpoint.
func (r *ImageRepo) ListPendingReview(ctx domain.Context, userID string, limit, offset int) ([]domain.Image, error) {
	tracer := otel.Tracer("repo.images")
	ctx, span := tracer.Start(ctx, "images.ListPendingReview")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "images"),
	)
	q := `SELECT ` + qualify("images", imageColumns) + ` FROM images
	      JOIN posts ON posts.id = images.post_id
	      JOIN platform_connections ON platform_connections.id = posts.platform_connection_id
	      WHERE platform_connections.user_id = $1 AND images.status = $2
	      ORDER BY images.created_at ASC LIMIT $3 OFFSET $4`
	rows, err := r.Pool.Query(ctx, q, userID, domain.ImageGenerated, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("op=image.list_pending_review: %w", err)
	}
	defer rows.Close()

	var imgs []domain.Image
	for rows.Next() {
		img, err := scanImageRows(rows)
		if err != nil {
			return nil, fmt.Errorf("op=image.list_pending_review_scan: %w", err)
		}
		imgs = append(imgs, img)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=image.list_pending_review_rows: %w", err)
	}
	return imgs, nil
}

// qualify prefixes every column in a comma-separated column list with
// table, avoiding ambiguous-column errors in the ListPendingReview join.
func qualify(table, columns string) string {
	out := ""
	start := 0
	for i := 0; i <= len(columns); i++ {
		if i == len(columns) || columns[i] == ',' {
			col := columns[start:i]
			for len(col) > 0 && col[0] == ' ' {
				col = col[1:]
			}
			if out != "" {
				out += ", "
			}
			out += table + "." + col
			start = i + 1
		}
	}
	return out
}

func scanImage(row pgx.Row, op string) (domain.Image, error) {
	var img domain.Image
	if err := row.Scan(&img.ID, &img.PostID, &img.PlatformMediaID, &img.OriginalURL, &img.LocalPath, &img.ContentHash, &img.MIMEType,
		&img.WidthPx, &img.HeightPx, &img.ByteSize, &img.OriginalAltText, &img.GeneratedCaption, &img.ReviewedCaption, &img.FinalCaption,
		&img.QualityScore, &img.PromptUsed, &img.Status, &img.NeedsSpecialReview, &img.ReviewerNotes, &img.CaptionModelUsed,
		&img.RetryCount, &img.LastError, &img.CreatedAt, &img.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Image{}, fmt.Errorf("%s: %w", op, domain.ErrNotFound)
		}
		return domain.Image{}, fmt.Errorf("%s: %w", op, err)
	}
	return img, nil
}

func scanImageRows(rows pgx.Rows) (domain.Image, error) {
	var img domain.Image
	err := rows.Scan(&img.ID, &img.PostID, &img.PlatformMediaID, &img.OriginalURL, &img.LocalPath, &img.ContentHash, &img.MIMEType,
		&img.WidthPx, &img.HeightPx, &img.ByteSize, &img.OriginalAltText, &img.GeneratedCaption, &img.ReviewedCaption, &img.FinalCaption,
		&img.QualityScore, &img.PromptUsed, &img.Status, &img.NeedsSpecialReview, &img.ReviewerNotes, &img.CaptionModelUsed,
		&img.RetryCount, &img.LastError, &img.CreatedAt, &img.UpdatedAt)
	return img, err
}
