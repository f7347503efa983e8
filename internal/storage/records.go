package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

const alertRecordColumns = `id, user_id, coin_id, alert_type, proof_link, eggs_staked, status,
        archived, admin_authored, new_contract, verified_at, created_at`

const (
	findActiveRecordSQL = `SELECT ` + alertRecordColumns + `
    FROM alert_records
    WHERE user_id = $1
      AND coin_id = $2
      AND alert_type = $3
      AND NOT archived
    ORDER BY created_at DESC
    LIMIT 1;`

	findActiveAdminRecordSQL = `SELECT ` + alertRecordColumns + `
    FROM alert_records
    WHERE coin_id = $1
      AND alert_type = $2
      AND admin_authored
      AND NOT archived
    LIMIT 1;`

	insertAlertRecordSQL = `INSERT INTO alert_records (
        id, user_id, coin_id, alert_type, proof_link, eggs_staked, status,
        archived, admin_authored, new_contract, verified_at, created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
    )
    RETURNING ` + alertRecordColumns + `;`

	updateProofLinkSQL = `UPDATE alert_records SET proof_link = $2 WHERE id = $1;`

	listAlertRecordsSQL = `SELECT ` + alertRecordColumns + `
    FROM alert_records
    WHERE ($1 = '' OR coin_id = $1)
      AND ($2 = '' OR alert_type = $2)
      AND ($3 = '' OR status = $3)
      AND ($4 = '' OR user_id = $4)
      AND ($5 OR NOT archived)
    ORDER BY created_at;`

	lockPoolSQL = `SELECT pg_advisory_xact_lock(hashtext($1 || ':' || $2));`

	lockPoolMembersSQL = `SELECT ` + alertRecordColumns + `
    FROM alert_records
    WHERE coin_id = $1
      AND alert_type = $2
      AND NOT archived
    ORDER BY created_at
    FOR UPDATE;`

	markVerifiedSQL = `UPDATE alert_records
    SET status = 'verified', verified_at = $2
    WHERE id = ANY($1);`

	markRejectedSQL = `UPDATE alert_records
    SET status = 'rejected', archived = TRUE
    WHERE id = ANY($1);`

	deletePoolSQL = `DELETE FROM alert_records WHERE coin_id = $1 AND alert_type = $2;`

	hasVerifiedRecordSQL = `SELECT EXISTS (
        SELECT 1 FROM alert_records
        WHERE coin_id = $1 AND alert_type = $2 AND status = 'verified' AND NOT archived
    );`

	archiveVerifiedBeforeSQL = `UPDATE alert_records
    SET archived = TRUE
    WHERE status = 'verified'
      AND NOT archived
      AND verified_at < $1;`
)

// FindActiveRecord returns the caller's non-archived record for a pool.
func (q *queries) FindActiveRecord(ctx context.Context, userID, coinID string, alertType AlertType) (AlertRecord, error) {
	db, err := q.conn()
	if err != nil {
		return AlertRecord{}, err
	}
	rec, err := scanAlertRecord(db.QueryRow(ctx, findActiveRecordSQL, userID, coinID, string(alertType)))
	if err != nil {
		return AlertRecord{}, wrapNoRows("find active record", err)
	}
	return rec, nil
}

// FindActiveAdminRecord returns the non-archived admin declaration for a pool.
func (q *queries) FindActiveAdminRecord(ctx context.Context, coinID string, alertType AlertType) (AlertRecord, error) {
	db, err := q.conn()
	if err != nil {
		return AlertRecord{}, err
	}
	rec, err := scanAlertRecord(db.QueryRow(ctx, findActiveAdminRecordSQL, coinID, string(alertType)))
	if err != nil {
		return AlertRecord{}, wrapNoRows("find admin record", err)
	}
	return rec, nil
}

// InsertAlertRecord persists a new record.
func (q *queries) InsertAlertRecord(ctx context.Context, rec AlertRecord) (AlertRecord, error) {
	db, err := q.conn()
	if err != nil {
		return AlertRecord{}, err
	}
	row := db.QueryRow(ctx, insertAlertRecordSQL,
		rec.ID,
		rec.UserID,
		rec.CoinID,
		string(rec.AlertType),
		rec.ProofLink,
		rec.EggsStaked,
		string(rec.Status),
		rec.Archived,
		rec.AdminAuthored,
		rec.NewContract,
		rec.VerifiedAt,
		rec.CreatedAt,
	)
	inserted, err := scanAlertRecord(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return AlertRecord{}, fmt.Errorf("insert alert record: %w", ErrDuplicate)
		}
		return AlertRecord{}, fmt.Errorf("insert alert record: %w", err)
	}
	return inserted, nil
}

// UpdateProofLink replaces the proof link of a record.
func (q *queries) UpdateProofLink(ctx context.Context, id, proofLink string) error {
	db, err := q.conn()
	if err != nil {
		return err
	}
	tag, err := db.Exec(ctx, updateProofLinkSQL, id, proofLink)
	if err != nil {
		return fmt.Errorf("update proof link: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update proof link %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListAlertRecords lists records matching the filter, oldest first.
func (q *queries) ListAlertRecords(ctx context.Context, filter AlertFilter) ([]AlertRecord, error) {
	db, err := q.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(ctx, listAlertRecordsSQL,
		filter.CoinID,
		string(filter.AlertType),
		string(filter.Status),
		filter.UserID,
		filter.IncludeArchived,
	)
	if err != nil {
		return nil, fmt.Errorf("list alert records: %w", err)
	}
	return collectAlertRecords(rows)
}

// LockPool takes a transaction-scoped advisory lock on the pool key. It blocks until
// concurrent holders commit or roll back, so it also covers pools with no rows yet.
func (q *queries) LockPool(ctx context.Context, coinID string, alertType AlertType) error {
	db, err := q.conn()
	if err != nil {
		return err
	}
	if _, err := db.Exec(ctx, lockPoolSQL, coinID, string(alertType)); err != nil {
		return fmt.Errorf("lock pool %s/%s: %w", coinID, alertType, err)
	}
	return nil
}

// LockPoolMembers selects the pool's live records FOR UPDATE.
func (q *queries) LockPoolMembers(ctx context.Context, coinID string, alertType AlertType) ([]AlertRecord, error) {
	db, err := q.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(ctx, lockPoolMembersSQL, coinID, string(alertType))
	if err != nil {
		return nil, fmt.Errorf("lock pool members: %w", err)
	}
	return collectAlertRecords(rows)
}

// MarkVerified transitions the given records to verified.
func (q *queries) MarkVerified(ctx context.Context, ids []string, at time.Time) error {
	db, err := q.conn()
	if err != nil {
		return err
	}
	if _, err := db.Exec(ctx, markVerifiedSQL, ids, at); err != nil {
		return fmt.Errorf("mark verified: %w", err)
	}
	return nil
}

// MarkRejected transitions the given records to rejected and archives them.
func (q *queries) MarkRejected(ctx context.Context, ids []string) error {
	db, err := q.conn()
	if err != nil {
		return err
	}
	if _, err := db.Exec(ctx, markRejectedSQL, ids); err != nil {
		return fmt.Errorf("mark rejected: %w", err)
	}
	return nil
}

// DeletePool removes every record of a pool, archived or not.
func (q *queries) DeletePool(ctx context.Context, coinID string, alertType AlertType) (int64, error) {
	db, err := q.conn()
	if err != nil {
		return 0, err
	}
	tag, err := db.Exec(ctx, deletePoolSQL, coinID, string(alertType))
	if err != nil {
		return 0, fmt.Errorf("delete pool: %w", err)
	}
	return tag.RowsAffected(), nil
}

// HasVerifiedRecord reports whether any live record of the pool is verified.
func (q *queries) HasVerifiedRecord(ctx context.Context, coinID string, alertType AlertType) (bool, error) {
	db, err := q.conn()
	if err != nil {
		return false, err
	}
	var exists bool
	if err := db.QueryRow(ctx, hasVerifiedRecordSQL, coinID, string(alertType)).Scan(&exists); err != nil {
		return false, fmt.Errorf("has verified record: %w", err)
	}
	return exists, nil
}

// ArchiveVerifiedBefore archives verified records whose display window has passed.
func (q *queries) ArchiveVerifiedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	db, err := q.conn()
	if err != nil {
		return 0, err
	}
	tag, err := db.Exec(ctx, archiveVerifiedBeforeSQL, cutoff)
	if err != nil {
		return 0, fmt.Errorf("archive verified records: %w", err)
	}
	return tag.RowsAffected(), nil
}

func collectAlertRecords(rows pgx.Rows) ([]AlertRecord, error) {
	defer rows.Close()

	records := make([]AlertRecord, 0)
	for rows.Next() {
		rec, err := scanAlertRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func scanAlertRecord(row pgx.Row) (AlertRecord, error) {
	var (
		rec        AlertRecord
		alertType  string
		status     string
		verifiedAt *time.Time
	)
	if err := row.Scan(
		&rec.ID,
		&rec.UserID,
		&rec.CoinID,
		&alertType,
		&rec.ProofLink,
		&rec.EggsStaked,
		&status,
		&rec.Archived,
		&rec.AdminAuthored,
		&rec.NewContract,
		&verifiedAt,
		&rec.CreatedAt,
	); err != nil {
		return AlertRecord{}, err
	}
	rec.AlertType = AlertType(alertType)
	rec.Status = AlertStatus(status)
	rec.VerifiedAt = verifiedAt
	return rec, nil
}

func wrapNoRows(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}
