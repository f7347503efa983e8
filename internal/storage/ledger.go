package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const quotaColumns = `user_id, eggs, tokens_used, tokens_limit, billing_plan, updated_at`

const (
	getBalanceSQL = `SELECT ` + quotaColumns + ` FROM quota_ledger WHERE user_id = $1;`

	debitSQL = `UPDATE quota_ledger
    SET eggs = eggs - $2, updated_at = now()
    WHERE user_id = $1
      AND eggs >= $2
    RETURNING ` + quotaColumns + `;`

	creditSQL = `INSERT INTO quota_ledger (user_id, eggs)
    VALUES ($1, $2)
    ON CONFLICT (user_id) DO UPDATE
    SET eggs = quota_ledger.eggs + EXCLUDED.eggs,
        updated_at = now()
    RETURNING ` + quotaColumns + `;`
)

// GetBalance returns the user's ledger entry.
func (q *queries) GetBalance(ctx context.Context, userID string) (QuotaEntry, error) {
	db, err := q.conn()
	if err != nil {
		return QuotaEntry{}, err
	}
	entry, err := scanQuota(db.QueryRow(ctx, getBalanceSQL, userID))
	if err != nil {
		return QuotaEntry{}, wrapNoRows("get balance", err)
	}
	return entry, nil
}

// Debit removes amount eggs in a single conditional update so the balance never goes negative.
func (q *queries) Debit(ctx context.Context, userID string, amount int64) (QuotaEntry, error) {
	if amount < 0 {
		return QuotaEntry{}, fmt.Errorf("debit: negative amount %d", amount)
	}
	db, err := q.conn()
	if err != nil {
		return QuotaEntry{}, err
	}
	entry, err := scanQuota(db.QueryRow(ctx, debitSQL, userID, amount))
	if errors.Is(err, pgx.ErrNoRows) {
		return QuotaEntry{}, fmt.Errorf("debit %d eggs from %s: %w", amount, userID, ErrInsufficientFunds)
	}
	if err != nil {
		return QuotaEntry{}, fmt.Errorf("debit: %w", err)
	}
	return entry, nil
}

// Credit adds amount eggs, creating the ledger row when missing.
func (q *queries) Credit(ctx context.Context, userID string, amount int64) (QuotaEntry, error) {
	if amount < 0 {
		return QuotaEntry{}, fmt.Errorf("credit: negative amount %d", amount)
	}
	db, err := q.conn()
	if err != nil {
		return QuotaEntry{}, err
	}
	entry, err := scanQuota(db.QueryRow(ctx, creditSQL, userID, amount))
	if err != nil {
		return QuotaEntry{}, fmt.Errorf("credit: %w", err)
	}
	return entry, nil
}

func scanQuota(row pgx.Row) (QuotaEntry, error) {
	var entry QuotaEntry
	if err := row.Scan(
		&entry.UserID,
		&entry.Eggs,
		&entry.TokensUsed,
		&entry.TokensLimit,
		&entry.BillingPlan,
		&entry.UpdatedAt,
	); err != nil {
		return QuotaEntry{}, err
	}
	return entry, nil
}
