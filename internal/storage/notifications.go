package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const notificationColumns = `id, user_id, coin_id, alert_type, message, payload, delivery_status, sent_at, acknowledged_at`

const (
	insertNotificationSQL = `INSERT INTO notification_log (
        id, user_id, coin_id, alert_type, message, payload, delivery_status, sent_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    RETURNING ` + notificationColumns + `;`

	lastNotificationAtSQL = `SELECT max(sent_at)
    FROM notification_log
    WHERE user_id = $1 AND coin_id = $2 AND alert_type = $3;`

	claimPendingNotificationsSQL = `UPDATE notification_log
    SET delivery_status = 'delivered'
    WHERE user_id = $1
      AND delivery_status IN ('pending_browser', 'queued')
    RETURNING ` + notificationColumns + `;`

	listNotificationsSQL = `SELECT ` + notificationColumns + `
    FROM notification_log
    WHERE user_id = $1
    ORDER BY sent_at DESC
    LIMIT $2;`

	acknowledgeNotificationSQL = `UPDATE notification_log
    SET delivery_status = 'read', acknowledged_at = $3
    WHERE user_id = $1 AND id = $2;`

	deleteCoinNotificationsSQL = `DELETE FROM notification_log WHERE user_id = $1 AND coin_id = $2;`

	deleteNotificationsBeforeSQL = `DELETE FROM notification_log WHERE sent_at < $1;`
)

// InsertNotification appends a row to the notification log.
func (q *queries) InsertNotification(ctx context.Context, entry NotificationLogEntry) (NotificationLogEntry, error) {
	db, err := q.conn()
	if err != nil {
		return NotificationLogEntry{}, err
	}

	var payload any
	if len(entry.Payload) > 0 {
		payload = []byte(entry.Payload)
	}

	row := db.QueryRow(ctx, insertNotificationSQL,
		entry.ID,
		entry.UserID,
		entry.CoinID,
		entry.AlertType,
		entry.Message,
		payload,
		string(entry.DeliveryStatus),
		entry.SentAt,
	)
	saved, err := scanNotification(row)
	if err != nil {
		return NotificationLogEntry{}, fmt.Errorf("insert notification: %w", err)
	}
	return saved, nil
}

// LastNotificationAt returns the newest sent_at for (user, coin, type), if any.
func (q *queries) LastNotificationAt(ctx context.Context, userID, coinID, alertType string) (time.Time, bool, error) {
	db, err := q.conn()
	if err != nil {
		return time.Time{}, false, err
	}
	var last *time.Time
	if err := db.QueryRow(ctx, lastNotificationAtSQL, userID, coinID, alertType).Scan(&last); err != nil {
		return time.Time{}, false, fmt.Errorf("last notification: %w", err)
	}
	if last == nil {
		return time.Time{}, false, nil
	}
	return *last, true, nil
}

// ClaimPendingNotifications hands undelivered rows to the polling client.
func (q *queries) ClaimPendingNotifications(ctx context.Context, userID string) ([]NotificationLogEntry, error) {
	db, err := q.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(ctx, claimPendingNotificationsSQL, userID)
	if err != nil {
		return nil, fmt.Errorf("claim pending notifications: %w", err)
	}
	return collectNotifications(rows)
}

// ListNotifications lists a user's most recent notifications.
func (q *queries) ListNotifications(ctx context.Context, userID string, limit int) ([]NotificationLogEntry, error) {
	db, err := q.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(ctx, listNotificationsSQL, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return collectNotifications(rows)
}

// AcknowledgeNotification marks a notification read.
func (q *queries) AcknowledgeNotification(ctx context.Context, userID, id string, at time.Time) error {
	db, err := q.conn()
	if err != nil {
		return err
	}
	tag, err := db.Exec(ctx, acknowledgeNotificationSQL, userID, id, at)
	if err != nil {
		return fmt.Errorf("acknowledge notification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("acknowledge notification %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteCoinNotifications removes a user's notifications for one coin.
func (q *queries) DeleteCoinNotifications(ctx context.Context, userID, coinID string) (int64, error) {
	db, err := q.conn()
	if err != nil {
		return 0, err
	}
	tag, err := db.Exec(ctx, deleteCoinNotificationsSQL, userID, coinID)
	if err != nil {
		return 0, fmt.Errorf("delete coin notifications: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteNotificationsBefore prunes historical notifications.
func (q *queries) DeleteNotificationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	db, err := q.conn()
	if err != nil {
		return 0, err
	}
	tag, err := db.Exec(ctx, deleteNotificationsBeforeSQL, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete notifications before: %w", err)
	}
	return tag.RowsAffected(), nil
}

func collectNotifications(rows pgx.Rows) ([]NotificationLogEntry, error) {
	defer rows.Close()

	entries := make([]NotificationLogEntry, 0)
	for rows.Next() {
		entry, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return entries, nil
}

func scanNotification(row pgx.Row) (NotificationLogEntry, error) {
	var (
		entry   NotificationLogEntry
		payload []byte
		status  string
		ackAt   *time.Time
	)
	if err := row.Scan(
		&entry.ID,
		&entry.UserID,
		&entry.CoinID,
		&entry.AlertType,
		&entry.Message,
		&payload,
		&status,
		&entry.SentAt,
		&ackAt,
	); err != nil {
		return NotificationLogEntry{}, err
	}
	if len(payload) > 0 {
		entry.Payload = json.RawMessage(payload)
	}
	entry.DeliveryStatus = DeliveryStatus(status)
	entry.AcknowledgedAt = ackAt
	return entry, nil
}
