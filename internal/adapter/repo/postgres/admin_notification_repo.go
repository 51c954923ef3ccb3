package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vedfolnir/vedfolnir/internal/domain"
)

// AdminNotificationRepo persists and loads AdminNotification records
// raised by internal/errorrecovery.
type AdminNotificationRepo struct{ Pool PgxPool }

// NewAdminNotificationRepo constructs an AdminNotificationRepo.
func NewAdminNotificationRepo(p PgxPool) *AdminNotificationRepo { return &AdminNotificationRepo{Pool: p} }

// Create inserts a new admin notification and returns its id.
func (r *AdminNotificationRepo) Create(ctx domain.Context, n domain.AdminNotification) (string, error) {
	tracer := otel.Tracer("repo.admin_notifications")
	ctx, span := tracer.Start(ctx, "admin_notifications.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "admin_notifications"),
	)
	id := n.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO admin_notifications (id, category, message, created_at) VALUES ($1,$2,$3,$4)`
	if _, err := r.Pool.Exec(ctx, q, id, n.Category, n.Message, time.Now().UTC()); err != nil {
		return "", fmt.Errorf("op=admin_notification.create: %w", err)
	}
	return id, nil
}

// ListUnread lists unread notifications, most recent first, for the
// admin dashboard's alert panel.
func (r *AdminNotificationRepo) ListUnread(ctx domain.Context, limit int) ([]domain.AdminNotification, error) {
	tracer := otel.Tracer("repo.admin_notifications")
	ctx, span := tracer.Start(ctx, "admin_notifications.ListUnread")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "admin_notifications"),
	)
	q := `SELECT id, category, message, read, created_at FROM admin_notifications WHERE NOT read ORDER BY created_at DESC LIMIT $1`
	rows, err := r.Pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("op=admin_notification.list_unread: %w", err)
	}
	defer rows.Close()

	var out []domain.AdminNotification
	for rows.Next() {
		var n domain.AdminNotification
		if err := rows.Scan(&n.ID, &n.Category, &n.Message, &n.Read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=admin_notification.list_unread_scan: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=admin_notification.list_unread_rows: %w", err)
	}
	return out, nil
}

// MarkRead marks a notification as read/acknowledged by an admin.
func (r *AdminNotificationRepo) MarkRead(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.admin_notifications")
	ctx, span := tracer.Start(ctx, "admin_notifications.MarkRead")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "admin_notifications"),
	)
	q := `UPDATE admin_notifications SET read=TRUE WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("op=admin_notification.mark_read: %w", err)
	}
	return nil
}
