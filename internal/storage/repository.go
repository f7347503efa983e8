package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("storage: not found")
	// ErrInsufficientFunds is returned by Debit when the balance cannot cover the amount.
	ErrInsufficientFunds = errors.New("storage: insufficient eggs")
	// ErrDuplicate is returned when an insert collides with a live record of the same key.
	ErrDuplicate = errors.New("storage: duplicate record")
)

//go:embed schema.sql
var schemaSQL string

const (
	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// AlertRecordStore persists staked community alerts.
type AlertRecordStore interface {
	FindActiveRecord(ctx context.Context, userID, coinID string, alertType AlertType) (AlertRecord, error)
	FindActiveAdminRecord(ctx context.Context, coinID string, alertType AlertType) (AlertRecord, error)
	InsertAlertRecord(ctx context.Context, rec AlertRecord) (AlertRecord, error)
	UpdateProofLink(ctx context.Context, id, proofLink string) error
	// LockPool serialises writers of one pool until the enclosing transaction ends. Take it
	// before reading pool state inside InTx.
	LockPool(ctx context.Context, coinID string, alertType AlertType) error
	ListAlertRecords(ctx context.Context, filter AlertFilter) ([]AlertRecord, error)
	// LockPoolMembers returns the non-archived records of a pool, locking them until the
	// enclosing transaction ends. Rows inserted by other transactions are not covered; use
	// LockPool for that.
	LockPoolMembers(ctx context.Context, coinID string, alertType AlertType) ([]AlertRecord, error)
	MarkVerified(ctx context.Context, ids []string, at time.Time) error
	MarkRejected(ctx context.Context, ids []string) error
	DeletePool(ctx context.Context, coinID string, alertType AlertType) (int64, error)
	// HasVerifiedRecord ignores archived records.
	HasVerifiedRecord(ctx context.Context, coinID string, alertType AlertType) (bool, error)
	ArchiveVerifiedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// QuotaLedger tracks per-user egg balances.
type QuotaLedger interface {
	GetBalance(ctx context.Context, userID string) (QuotaEntry, error)
	Debit(ctx context.Context, userID string, amount int64) (QuotaEntry, error)
	Credit(ctx context.Context, userID string, amount int64) (QuotaEntry, error)
}

// UserAlertStore persists threshold watches.
type UserAlertStore interface {
	UpsertUserAlert(ctx context.Context, alert UserAlert) (UserAlert, error)
	ListUserAlerts(ctx context.Context, userID string) ([]UserAlert, error)
	ListActiveUserAlerts(ctx context.Context) ([]UserAlert, error)
	DeleteUserAlert(ctx context.Context, userID, coinID string, alertType WatchType) error
}

// NotificationStore persists the notification log.
type NotificationStore interface {
	InsertNotification(ctx context.Context, entry NotificationLogEntry) (NotificationLogEntry, error)
	LastNotificationAt(ctx context.Context, userID, coinID, alertType string) (time.Time, bool, error)
	// ClaimPendingNotifications returns undelivered rows and marks them delivered.
	ClaimPendingNotifications(ctx context.Context, userID string) ([]NotificationLogEntry, error)
	ListNotifications(ctx context.Context, userID string, limit int) ([]NotificationLogEntry, error)
	AcknowledgeNotification(ctx context.Context, userID, id string, at time.Time) error
	DeleteCoinNotifications(ctx context.Context, userID, coinID string) (int64, error)
	DeleteNotificationsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// PreferenceStore persists notification preferences.
type PreferenceStore interface {
	GetPreferences(ctx context.Context, userID string) (Preferences, error)
	UpsertPreferences(ctx context.Context, prefs Preferences) (Preferences, error)
}

// Repository is the full set of persistence operations.
type Repository interface {
	AlertRecordStore
	QuotaLedger
	UserAlertStore
	NotificationStore
	PreferenceStore
}

// TxRunner executes fn as a single unit of work. When fn returns an error every write
// made through the supplied Repository is discarded.
type TxRunner interface {
	InTx(ctx context.Context, fn func(repo Repository) error) error
}

// Backend is a Repository that can also open transactions.
type Backend interface {
	Repository
	TxRunner
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// queries implements Repository on top of a pool or a transaction.
type queries struct {
	db querier
}

func (q *queries) conn() (querier, error) {
	if q == nil || q.db == nil {
		return nil, ErrNotConfigured
	}
	return q.db, nil
}

// Store aggregates access to every table.
type Store struct {
	*queries
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	s := &Store{pool: pool, queries: &queries{}}
	if pool != nil {
		s.queries.db = pool
	}
	return s
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InTx runs fn inside a database transaction, committing only when fn succeeds.
func (s *Store) InTx(ctx context.Context, fn func(repo Repository) error) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(&queries{db: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// unlock best effort; a leaked lock ends with the session
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

var (
	_ Backend        = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
	_ Repository     = (*queries)(nil)
)
