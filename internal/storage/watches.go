package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const userAlertColumns = `id, user_id, coin_id, alert_type, threshold_value, is_active, created_at, updated_at`

const (
	upsertUserAlertSQL = `INSERT INTO user_alerts (
        id, user_id, coin_id, alert_type, threshold_value, is_active, created_at, updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$7
    )
    ON CONFLICT (user_id, coin_id, alert_type) DO UPDATE
    SET threshold_value = EXCLUDED.threshold_value,
        is_active       = EXCLUDED.is_active,
        updated_at      = EXCLUDED.updated_at
    RETURNING ` + userAlertColumns + `;`

	listUserAlertsSQL = `SELECT ` + userAlertColumns + `
    FROM user_alerts
    WHERE user_id = $1
    ORDER BY coin_id, alert_type;`

	listActiveUserAlertsSQL = `SELECT ` + userAlertColumns + `
    FROM user_alerts
    WHERE is_active
    ORDER BY coin_id, user_id;`

	deleteUserAlertSQL = `DELETE FROM user_alerts
    WHERE user_id = $1 AND coin_id = $2 AND alert_type = $3;`
)

// UpsertUserAlert creates or replaces the watch keyed by (user, coin, type).
func (q *queries) UpsertUserAlert(ctx context.Context, alert UserAlert) (UserAlert, error) {
	db, err := q.conn()
	if err != nil {
		return UserAlert{}, err
	}
	row := db.QueryRow(ctx, upsertUserAlertSQL,
		alert.ID,
		alert.UserID,
		alert.CoinID,
		string(alert.AlertType),
		alert.ThresholdValue.String(),
		alert.IsActive,
		alert.UpdatedAt,
	)
	saved, err := scanUserAlert(row)
	if err != nil {
		return UserAlert{}, fmt.Errorf("upsert user alert: %w", err)
	}
	return saved, nil
}

// ListUserAlerts lists every watch owned by a user.
func (q *queries) ListUserAlerts(ctx context.Context, userID string) ([]UserAlert, error) {
	db, err := q.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(ctx, listUserAlertsSQL, userID)
	if err != nil {
		return nil, fmt.Errorf("list user alerts: %w", err)
	}
	return collectUserAlerts(rows)
}

// ListActiveUserAlerts lists all active watches across users.
func (q *queries) ListActiveUserAlerts(ctx context.Context) ([]UserAlert, error) {
	db, err := q.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(ctx, listActiveUserAlertsSQL)
	if err != nil {
		return nil, fmt.Errorf("list active user alerts: %w", err)
	}
	return collectUserAlerts(rows)
}

// DeleteUserAlert removes one watch.
func (q *queries) DeleteUserAlert(ctx context.Context, userID, coinID string, alertType WatchType) error {
	db, err := q.conn()
	if err != nil {
		return err
	}
	tag, err := db.Exec(ctx, deleteUserAlertSQL, userID, coinID, string(alertType))
	if err != nil {
		return fmt.Errorf("delete user alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete user alert: %w", ErrNotFound)
	}
	return nil
}

func collectUserAlerts(rows pgx.Rows) ([]UserAlert, error) {
	defer rows.Close()

	alerts := make([]UserAlert, 0)
	for rows.Next() {
		alert, err := scanUserAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

func scanUserAlert(row pgx.Row) (UserAlert, error) {
	var (
		alert        UserAlert
		alertType    string
		thresholdStr string
	)
	if err := row.Scan(
		&alert.ID,
		&alert.UserID,
		&alert.CoinID,
		&alertType,
		&thresholdStr,
		&alert.IsActive,
		&alert.CreatedAt,
		&alert.UpdatedAt,
	); err != nil {
		return UserAlert{}, err
	}

	threshold, err := decimal.NewFromString(thresholdStr)
	if err != nil {
		return UserAlert{}, fmt.Errorf("parse threshold value: %w", err)
	}
	alert.AlertType = WatchType(alertType)
	alert.ThresholdValue = threshold
	return alert, nil
}
