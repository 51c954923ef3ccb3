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

// PlatformConnectionRepo persists and loads PlatformConnection records.
// Token/secret columns are encrypted ciphertext by the time they reach
// this repo; internal/cryptutil handles the encrypt/decrypt boundary in
// the usecase layer, not here.
type PlatformConnectionRepo struct{ Pool PgxPool }

// NewPlatformConnectionRepo constructs a PlatformConnectionRepo.
func NewPlatformConnectionRepo(p PgxPool) *PlatformConnectionRepo {
	return &PlatformConnectionRepo{Pool: p}
}

const platformConnectionColumns = `id, user_id, platform_type, instance_url, username,
	encrypted_access_token, encrypted_client_secret, is_active, is_default, last_used_at, created_at, updated_at`

// Create inserts a new platform connection and returns its id.
func (r *PlatformConnectionRepo) Create(ctx domain.Context, c domain.PlatformConnection) (string, error) {
	tracer := otel.Tracer("repo.platform_connections")
	ctx, span := tracer.Start(ctx, "platform_connections.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "platform_connections"),
	)
	id := c.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	q := `INSERT INTO platform_connections
	      (id, user_id, name, platform_type, instance_url, username, encrypted_access_token, encrypted_client_secret, is_active, is_default, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
	name := c.Username + "@" + c.InstanceURL
	_, err := r.Pool.Exec(ctx, q, id, c.UserID, name, c.PlatformType, c.InstanceURL, c.Username,
		c.EncryptedAccessToken, c.EncryptedClientSecret, c.IsActive, c.IsDefault, now, now)
	if err != nil {
		return "", fmt.Errorf("op=platform_connection.create: %w", err)
	}
	return id, nil
}

// Get loads a platform connection by id.
func (r *PlatformConnectionRepo) Get(ctx domain.Context, id string) (domain.PlatformConnection, error) {
	tracer := otel.Tracer("repo.platform_connections")
	ctx, span := tracer.Start(ctx, "platform_connections.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "platform_connections"),
	)
	q := `SELECT ` + platformConnectionColumns + ` FROM platform_connections WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, id)
	return scanPlatformConnection(row, "op=platform_connection.get")
}

// ListByUser lists every connection owned by userID, most recently created first.
func (r *PlatformConnectionRepo) ListByUser(ctx domain.Context, userID string) ([]domain.PlatformConnection, error) {
	tracer := otel.Tracer("repo.platform_connections")
	ctx, span := tracer.Start(ctx, "platform_connections.ListByUser")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "platform_connections"),
	)
	q := `SELECT ` + platformConnectionColumns + ` FROM platform_connections WHERE user_id=$1 ORDER BY created_at DESC`
	rows, err := r.Pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("op=platform_connection.list_by_user: %w", err)
	}
	defer rows.Close()

	var conns []domain.PlatformConnection
	for rows.Next() {
		c, err := scanPlatformConnectionRows(rows)
		if err != nil {
			return nil, fmt.Errorf("op=platform_connection.list_by_user_scan: %w", err)
		}
		conns = append(conns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=platform_connection.list_by_user_rows: %w", err)
	}
	return conns, nil
}

// UpdateLastUsed stamps the connection's last-used timestamp, used to
// surface "most recently active" ordering in the dashboard.
func (r *PlatformConnectionRepo) UpdateLastUsed(ctx domain.Context, id string, at time.Time) error {
	tracer := otel.Tracer("repo.platform_connections")
	ctx, span := tracer.Start(ctx, "platform_connections.UpdateLastUsed")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "platform_connections"),
	)
	q := `UPDATE platform_connections SET last_used_at=$2, updated_at=$2 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, at.UTC()); err != nil {
		return fmt.Errorf("op=platform_connection.update_last_used: %w", err)
	}
	return nil
}

// Deactivate marks a connection inactive; the scheduler and ingestion
// pipeline both skip inactive connections rather than deleting history.
func (r *PlatformConnectionRepo) Deactivate(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.platform_connections")
	ctx, span := tracer.Start(ctx, "platform_connections.Deactivate")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "platform_connections"),
	)
	q := `UPDATE platform_connections SET is_active=FALSE, is_default=FALSE, updated_at=$2 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=platform_connection.deactivate: %w", err)
	}
	return nil
}

func scanPlatformConnection(row pgx.Row, op string) (domain.PlatformConnection, error) {
	var c domain.PlatformConnection
	if err := row.Scan(&c.ID, &c.UserID, &c.PlatformType, &c.InstanceURL, &c.Username,
		&c.EncryptedAccessToken, &c.EncryptedClientSecret, &c.IsActive, &c.IsDefault, &c.LastUsedAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.PlatformConnection{}, fmt.Errorf("%s: %w", op, domain.ErrNotFound)
		}
		return domain.PlatformConnection{}, fmt.Errorf("%s: %w", op, err)
	}
	return c, nil
}

func scanPlatformConnectionRows(rows pgx.Rows) (domain.PlatformConnection, error) {
	var c domain.PlatformConnection
	err := rows.Scan(&c.ID, &c.UserID, &c.PlatformType, &c.InstanceURL, &c.Username,
		&c.EncryptedAccessToken, &c.EncryptedClientSecret, &c.IsActive, &c.IsDefault, &c.LastUsedAt, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}
