package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const preferenceColumns = `user_id, critical_only, important_and_critical, all_notifications,
        quiet_hours_enabled, quiet_start, quiet_end, timezone, updated_at`

const (
	getPreferencesSQL = `SELECT ` + preferenceColumns + `
    FROM notification_preferences
    WHERE user_id = $1;`

	upsertPreferencesSQL = `INSERT INTO notification_preferences (
        user_id, critical_only, important_and_critical, all_notifications,
        quiet_hours_enabled, quiet_start, quiet_end, timezone, updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    ON CONFLICT (user_id) DO UPDATE
    SET critical_only          = EXCLUDED.critical_only,
        important_and_critical = EXCLUDED.important_and_critical,
        all_notifications      = EXCLUDED.all_notifications,
        quiet_hours_enabled    = EXCLUDED.quiet_hours_enabled,
        quiet_start            = EXCLUDED.quiet_start,
        quiet_end              = EXCLUDED.quiet_end,
        timezone               = EXCLUDED.timezone,
        updated_at             = EXCLUDED.updated_at
    RETURNING ` + preferenceColumns + `;`
)

// GetPreferences returns the stored preferences for a user.
func (q *queries) GetPreferences(ctx context.Context, userID string) (Preferences, error) {
	db, err := q.conn()
	if err != nil {
		return Preferences{}, err
	}
	prefs, err := scanPreferences(db.QueryRow(ctx, getPreferencesSQL, userID))
	if err != nil {
		return Preferences{}, wrapNoRows("get preferences", err)
	}
	return prefs, nil
}

// UpsertPreferences stores a user's preferences.
func (q *queries) UpsertPreferences(ctx context.Context, prefs Preferences) (Preferences, error) {
	db, err := q.conn()
	if err != nil {
		return Preferences{}, err
	}
	row := db.QueryRow(ctx, upsertPreferencesSQL,
		prefs.UserID,
		prefs.CriticalOnly,
		prefs.ImportantAndCritical,
		prefs.AllNotifications,
		prefs.QuietHoursEnabled,
		prefs.QuietStart,
		prefs.QuietEnd,
		prefs.Timezone,
		prefs.UpdatedAt,
	)
	saved, err := scanPreferences(row)
	if err != nil {
		return Preferences{}, fmt.Errorf("upsert preferences: %w", err)
	}
	return saved, nil
}

func scanPreferences(row pgx.Row) (Preferences, error) {
	var prefs Preferences
	if err := row.Scan(
		&prefs.UserID,
		&prefs.CriticalOnly,
		&prefs.ImportantAndCritical,
		&prefs.AllNotifications,
		&prefs.QuietHoursEnabled,
		&prefs.QuietStart,
		&prefs.QuietEnd,
		&prefs.Timezone,
		&prefs.UpdatedAt,
	); err != nil {
		return Preferences{}, err
	}
	return prefs, nil
}
