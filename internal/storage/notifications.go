package storage

import (
	"time"

	"github.com/pkg/errors"

	"github.com/studyhub/peercall/internal/models"
)

// CreateNotification stores n. ID and CreatedAt must already be set.
func (d *DB) CreateNotification(n *models.Notification) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO notifications (id, user_id, message, type, is_read, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		n.ID, n.UserID, n.Message, string(n.Type), boolInt(n.IsRead), n.CreatedAt.UnixMilli(),
	)
	return errors.Wrap(err, "insert notification")
}

// ListNotifications returns the latest limit notifications of userID, newest
// first, and how many of all of userID's notifications are unread.
func (d *DB) ListNotifications(userID string, limit int) ([]models.Notification, int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var unread int
	if err := d.db.QueryRow(`
		SELECT COUNT(*) FROM notifications WHERE user_id = ? AND is_read = 0`, userID).
		Scan(&unread); err != nil {
		return nil, 0, errors.Wrap(err, "count unread notifications")
	}

	rows, err := d.db.Query(`
		SELECT id, user_id, message, type, is_read, created_at
		FROM notifications WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, 0, errors.Wrap(err, "query notifications")
	}
	defer rows.Close()

	out := []models.Notification{}
	for rows.Next() {
		var n models.Notification
		var typ string
		var read int
		var created int64
		if err := rows.Scan(&n.ID, &n.UserID, &n.Message, &typ, &read, &created); err != nil {
			return nil, 0, errors.Wrap(err, "scan notification")
		}
		n.Type = models.NotificationType(typ)
		n.IsRead = read != 0
		n.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, n)
	}
	return out, unread, errors.Wrap(rows.Err(), "iterate notifications")
}

// MarkNotificationRead flags one of userID's notifications as read. It returns
// ErrNotFound when the notification does not exist or belongs to someone else.
func (d *DB) MarkNotificationRead(id, userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.Exec(`
		UPDATE notifications SET is_read = 1 WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return errors.Wrap(err, "update notification")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "update notification")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
