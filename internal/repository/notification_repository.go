package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/iliyamo/service-dispatch/internal/model"
)

// NotificationRepo persists user notifications.
type NotificationRepo struct {
	db *sql.DB
}

// NewNotificationRepo returns a new NotificationRepo bound to the given database.
func NewNotificationRepo(db *sql.DB) *NotificationRepo { return &NotificationRepo{db: db} }

// Insert stores n and fills in its id and creation time.
func (r *NotificationRepo) Insert(ctx context.Context, n *model.Notification) error {
	var data any
	if len(n.Data) > 0 {
		raw, err := json.Marshal(n.Data)
		if err != nil {
			return err
		}
		data = raw
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO notifications (user_id, title, body, type, data, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		n.UserID, n.Title, n.Body, n.Type, data, n.CreatedAt)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	n.ID = uint64(id)
	return nil
}
