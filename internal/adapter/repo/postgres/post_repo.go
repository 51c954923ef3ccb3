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

// PostRepo persists and loads Post records.
type PostRepo struct{ Pool PgxPool }

// NewPostRepo constructs a PostRepo.
func NewPostRepo(p PgxPool) *PostRepo { return &PostRepo{Pool: p} }

const postColumns = `id, platform_connection_id, platform_post_id, platform_post_url, author_id, content, status, created_at, updated_at`

// Create inserts a new post, deriving platform_type/instance_url onto
// the row from the owning connection so ingestion can filter by either
// without a join; both values are looked up from platform_connections
// inside the INSERT, so callers only pass PlatformConnectionID.
func (r *PostRepo) Create(ctx domain.Context, p domain.Post) (string, error) {
	tracer := otel.Tracer("repo.posts")
	ctx, span := tracer.Start(ctx, "posts.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "posts"),
	)
	id := p.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	status := p.Status
	if status == "" {
		status = domain.PostPending
	}
	q := `INSERT INTO posts (id, platform_connection_id, platform_post_id, platform_post_url, platform_type, instance_url, author_id, content, status, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,(SELECT platform_type FROM platform_connections WHERE id=$2),(SELECT instance_url FROM platform_connections WHERE id=$2),$5,$6,$7,$8,$8)
	      ON CONFLICT (platform_connection_id, platform_post_id) DO NOTHING`
	_, err := r.Pool.Exec(ctx, q, id, p.PlatformConnectionID, p.PlatformPostID, p.PlatformPostURL, p.AuthorID, p.Content, status, now)
	if err != nil {
		return "", fmt.Errorf("op=post.create: %w", err)
	}
	return id, nil
}

// Get loads a post by id.
func (r *PostRepo) Get(ctx domain.Context, id string) (domain.Post, error) {
	tracer := otel.Tracer("repo.posts")
	ctx, span := tracer.Start(ctx, "posts.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "posts"),
	)
	q := `SELECT ` + postColumns + ` FROM posts WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, id)
	return scanPost(row, "op=post.get")
}

// FindByPlatformPostID implements the ingestion pipeline's
// already-seen-this-post dedup check.
func (r *PostRepo) FindByPlatformPostID(ctx domain.Context, platformConnectionID, platformPostID string) (domain.Post, error) {
	tracer := otel.Tracer("repo.posts")
	ctx, span := tracer.Start(ctx, "posts.FindByPlatformPostID")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "posts"),
	)
	q := `SELECT ` + postColumns + ` FROM posts WHERE platform_connection_id=$1 AND platform_post_id=$2`
	row := r.Pool.QueryRow(ctx, q, platformConnectionID, platformPostID)
	return scanPost(row, "op=post.find_by_platform_post_id")
}

// UpdateStatus transitions a post's processing status.
func (r *PostRepo) UpdateStatus(ctx domain.Context, id string, status domain.PostStatus) error {
	tracer := otel.Tracer("repo.posts")
	ctx, span := tracer.Start(ctx, "posts.UpdateStatus")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "posts"),
	)
	q := `UPDATE posts SET status=$2, updated_at=$3 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, status, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=post.update_status: %w", err)
	}
	return nil
}

func scanPost(row pgx.Row, op string) (domain.Post, error) {
	var p domain.Post
	if err := row.Scan(&p.ID, &p.PlatformConnectionID, &p.PlatformPostID, &p.PlatformPostURL, &p.AuthorID, &p.Content, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Post{}, fmt.Errorf("%s: %w", op, domain.ErrNotFound)
		}
		return domain.Post{}, fmt.Errorf("%s: %w", op, err)
	}
	return p, nil
}
