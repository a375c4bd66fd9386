package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/playok/fitalert/internal/model"
)

const notificationColumns = `id, alert_id, user_id, title, message, type, url, dedup_key, created_at, is_read, read_at`

func scanNotification(sc rowScanner) (*model.Notification, error) {
	var (
		n         model.Notification
		alertID   sql.NullInt64
		createdAt int64
		isRead    int
		readAt    sql.NullInt64
	)
	if err := sc.Scan(&n.ID, &alertID, &n.UserID, &n.Title, &n.Message, &n.Type, &n.URL, &n.DedupKey,
		&createdAt, &isRead, &readAt); err != nil {
		return nil, err
	}
	if alertID.Valid {
		id := alertID.Int64
		n.AlertID = &id
	}
	n.CreatedAt = fromMillis(createdAt)
	n.IsRead = isRead != 0
	n.ReadAt = timePtr(readAt)
	return &n, nil
}

// InsertNotification stores n and sets its ID. When n has a dedup key that
// already exists for the same user nothing is written and false is returned.
func (s *Store) InsertNotification(ctx context.Context, n *model.Notification) (bool, error) {
	var alertID sql.NullInt64
	if n.AlertID != nil {
		alertID = sql.NullInt64{Int64: *n.AlertID, Valid: true}
	}
	err := s.db.QueryRowContext(ctx, s.q(`INSERT INTO notifications (alert_id, user_id, title, message, type, url, dedup_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, dedup_key) WHERE dedup_key <> '' DO NOTHING
		RETURNING id`),
		alertID, n.UserID, n.Title, n.Message, string(n.Type), n.URL, n.DedupKey, millis(n.CreatedAt)).Scan(&n.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListNotifications returns a user's notifications, newest first.
func (s *Store) ListNotifications(ctx context.Context, userID string, includeRead bool) ([]model.Notification, error) {
	query := "SELECT " + notificationColumns + " FROM notifications WHERE user_id = ?"
	if !includeRead {
		query += " AND is_read = 0"
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := s.db.QueryContext(ctx, s.q(query), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []model.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *n)
	}
	return result, rows.Err()
}

// GetNotification returns a notification by ID, or nil.
func (s *Store) GetNotification(ctx context.Context, id int64) (*model.Notification, error) {
	n, err := scanNotification(s.db.QueryRowContext(ctx, s.q("SELECT "+notificationColumns+" FROM notifications WHERE id = ?"), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return n, err
}

// CountUnread returns the number of unread notifications for a user.
func (s *Store) CountUnread(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q("SELECT COUNT(*) FROM notifications WHERE user_id = ? AND is_read = 0"), userID).Scan(&n)
	return n, err
}

// CountNotifications returns the number of notifications for a user.
func (s *Store) CountNotifications(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, s.q("SELECT COUNT(*) FROM notifications WHERE user_id = ?"), userID).Scan(&n)
	return n, err
}

// MarkNotificationRead flags one notification as read. Returns false if it
// does not exist.
func (s *Store) MarkNotificationRead(ctx context.Context, id int64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q("UPDATE notifications SET is_read = 1, read_at = COALESCE(read_at, ?) WHERE id = ?"), millis(at), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkAllNotificationsRead flags every unread notification of a user as
// read. Returns false if there were none.
func (s *Store) MarkAllNotificationsRead(ctx context.Context, userID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q("UPDATE notifications SET is_read = 1, read_at = ? WHERE user_id = ? AND is_read = 0"), millis(at), userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteNotificationsBatch deletes up to limit of a user's notifications
// and returns how many were removed.
func (s *Store) DeleteNotificationsBatch(ctx context.Context, userID string, limit int) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM notifications WHERE id IN (
		SELECT id FROM notifications WHERE user_id = ? ORDER BY id LIMIT ?)`), userID, limit)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
