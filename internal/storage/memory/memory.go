// Package memory is an in-process storage.Backend used by tests and by the
// no-database development mode. Transactions serialise on a single mutex and
// operate on a copy of the state that is swapped in on commit.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"coinbeat/internal/storage"
)

type state struct {
	records       []storage.AlertRecord
	ledger        map[string]storage.QuotaEntry
	watches       []storage.UserAlert
	notifications []storage.NotificationLogEntry
	prefs         map[string]storage.Preferences
}

func newState() *state {
	return &state{
		ledger: make(map[string]storage.QuotaEntry),
		prefs:  make(map[string]storage.Preferences),
	}
}

func (s *state) clone() *state {
	c := &state{
		records:       slices.Clone(s.records),
		watches:       slices.Clone(s.watches),
		notifications: slices.Clone(s.notifications),
		ledger:        make(map[string]storage.QuotaEntry, len(s.ledger)),
		prefs:         make(map[string]storage.Preferences, len(s.prefs)),
	}
	for k, v := range s.ledger {
		c.ledger[k] = v
	}
	for k, v := range s.prefs {
		c.prefs[k] = v
	}
	return c
}

type noopLocker struct{}

func (noopLocker) Lock()   {}
func (noopLocker) Unlock() {}

// view implements storage.Repository over a state. Store views lock the store
// mutex; transaction views run while the mutex is already held.
type view struct {
	lock sync.Locker
	st   *state
	now  func() time.Time
}

// Store is an in-memory storage.Backend.
type Store struct {
	mu sync.Mutex
	*view
}

// New constructs an empty Store.
func New() *Store {
	s := &Store{}
	s.view = &view{lock: &s.mu, st: newState(), now: time.Now}
	return s
}

// SetClock overrides the time source used for ledger timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.view.now = now
}

// InTx runs fn against a copy of the state and publishes it only when fn succeeds.
func (s *Store) InTx(ctx context.Context, fn func(repo storage.Repository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &view{lock: noopLocker{}, st: s.view.st.clone(), now: s.view.now}
	if err := fn(tx); err != nil {
		return err
	}
	s.view.st = tx.st
	return nil
}

// FindActiveRecord implements storage.AlertRecordStore.
func (v *view) FindActiveRecord(_ context.Context, userID, coinID string, alertType storage.AlertType) (storage.AlertRecord, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	for i := len(v.st.records) - 1; i >= 0; i-- {
		rec := v.st.records[i]
		if rec.UserID == userID && rec.CoinID == coinID && rec.AlertType == alertType && !rec.Archived {
			return cloneRecord(rec), nil
		}
	}
	return storage.AlertRecord{}, fmt.Errorf("find active record: %w", storage.ErrNotFound)
}

// FindActiveAdminRecord implements storage.AlertRecordStore.
func (v *view) FindActiveAdminRecord(_ context.Context, coinID string, alertType storage.AlertType) (storage.AlertRecord, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	for _, rec := range v.st.records {
		if rec.CoinID == coinID && rec.AlertType == alertType && rec.AdminAuthored && !rec.Archived {
			return cloneRecord(rec), nil
		}
	}
	return storage.AlertRecord{}, fmt.Errorf("find admin record: %w", storage.ErrNotFound)
}

// InsertAlertRecord implements storage.AlertRecordStore.
func (v *view) InsertAlertRecord(_ context.Context, rec storage.AlertRecord) (storage.AlertRecord, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	for _, existing := range v.st.records {
		if existing.ID == rec.ID {
			return storage.AlertRecord{}, fmt.Errorf("insert alert record: duplicate id %s", rec.ID)
		}
		if sameLiveKey(existing, rec) {
			return storage.AlertRecord{}, fmt.Errorf("insert alert record: %w", storage.ErrDuplicate)
		}
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = v.now().UTC()
	}
	rec = cloneRecord(rec)
	v.st.records = append(v.st.records, rec)
	return cloneRecord(rec), nil
}

// sameLiveKey mirrors the partial unique indexes on alert_records.
func sameLiveKey(existing, rec storage.AlertRecord) bool {
	if existing.Archived || rec.Archived || existing.AdminAuthored != rec.AdminAuthored {
		return false
	}
	if existing.CoinID != rec.CoinID || existing.AlertType != rec.AlertType {
		return false
	}
	return rec.AdminAuthored || existing.UserID == rec.UserID
}

// UpdateProofLink implements storage.AlertRecordStore.
func (v *view) UpdateProofLink(_ context.Context, id, proofLink string) error {
	v.lock.Lock()
	defer v.lock.Unlock()

	for i := range v.st.records {
		if v.st.records[i].ID == id {
			v.st.records[i].ProofLink = proofLink
			return nil
		}
	}
	return fmt.Errorf("update proof link %s: %w", id, storage.ErrNotFound)
}

// ListAlertRecords implements storage.AlertRecordStore.
func (v *view) ListAlertRecords(_ context.Context, filter storage.AlertFilter) ([]storage.AlertRecord, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	out := make([]storage.AlertRecord, 0)
	for _, rec := range v.st.records {
		if filter.CoinID != "" && rec.CoinID != filter.CoinID {
			continue
		}
		if filter.AlertType != "" && rec.AlertType != filter.AlertType {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		if filter.UserID != "" && rec.UserID != filter.UserID {
			continue
		}
		if rec.Archived && !filter.IncludeArchived {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	return out, nil
}

// LockPool implements storage.AlertRecordStore. Transactions already hold the store
// mutex, so there is nothing to lock.
func (v *view) LockPool(context.Context, string, storage.AlertType) error {
	return nil
}

// LockPoolMembers implements storage.AlertRecordStore. The store mutex already serialises
// transactions, so no per-row lock is taken.
func (v *view) LockPoolMembers(ctx context.Context, coinID string, alertType storage.AlertType) ([]storage.AlertRecord, error) {
	return v.ListAlertRecords(ctx, storage.AlertFilter{CoinID: coinID, AlertType: alertType})
}

// MarkVerified implements storage.AlertRecordStore.
func (v *view) MarkVerified(_ context.Context, ids []string, at time.Time) error {
	v.lock.Lock()
	defer v.lock.Unlock()

	for i := range v.st.records {
		if slices.Contains(ids, v.st.records[i].ID) {
			stamp := at
			v.st.records[i].Status = storage.StatusVerified
			v.st.records[i].VerifiedAt = &stamp
		}
	}
	return nil
}

// MarkRejected implements storage.AlertRecordStore.
func (v *view) MarkRejected(_ context.Context, ids []string) error {
	v.lock.Lock()
	defer v.lock.Unlock()

	for i := range v.st.records {
		if slices.Contains(ids, v.st.records[i].ID) {
			v.st.records[i].Status = storage.StatusRejected
			v.st.records[i].Archived = true
		}
	}
	return nil
}

// DeletePool implements storage.AlertRecordStore.
func (v *view) DeletePool(_ context.Context, coinID string, alertType storage.AlertType) (int64, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	before := len(v.st.records)
	v.st.records = slices.DeleteFunc(v.st.records, func(rec storage.AlertRecord) bool {
		return rec.CoinID == coinID && rec.AlertType == alertType
	})
	return int64(before - len(v.st.records)), nil
}

// HasVerifiedRecord implements storage.AlertRecordStore.
func (v *view) HasVerifiedRecord(_ context.Context, coinID string, alertType storage.AlertType) (bool, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	return slices.ContainsFunc(v.st.records, func(rec storage.AlertRecord) bool {
		return rec.CoinID == coinID && rec.AlertType == alertType && rec.Status == storage.StatusVerified && !rec.Archived
	}), nil
}

// ArchiveVerifiedBefore implements storage.AlertRecordStore.
func (v *view) ArchiveVerifiedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	var n int64
	for i := range v.st.records {
		rec := &v.st.records[i]
		if rec.Status == storage.StatusVerified && !rec.Archived && rec.VerifiedAt != nil && rec.VerifiedAt.Before(cutoff) {
			rec.Archived = true
			n++
		}
	}
	return n, nil
}

// GetBalance implements storage.QuotaLedger.
func (v *view) GetBalance(_ context.Context, userID string) (storage.QuotaEntry, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	entry, ok := v.st.ledger[userID]
	if !ok {
		return storage.QuotaEntry{}, fmt.Errorf("get balance: %w", storage.ErrNotFound)
	}
	return entry, nil
}

// Debit implements storage.QuotaLedger.
func (v *view) Debit(_ context.Context, userID string, amount int64) (storage.QuotaEntry, error) {
	if amount < 0 {
		return storage.QuotaEntry{}, fmt.Errorf("debit: negative amount %d", amount)
	}
	v.lock.Lock()
	defer v.lock.Unlock()

	entry, ok := v.st.ledger[userID]
	if !ok || entry.Eggs < amount {
		return storage.QuotaEntry{}, fmt.Errorf("debit %d eggs from %s: %w", amount, userID, storage.ErrInsufficientFunds)
	}
	entry.Eggs -= amount
	entry.UpdatedAt = v.now().UTC()
	v.st.ledger[userID] = entry
	return entry, nil
}

// Credit implements storage.QuotaLedger.
func (v *view) Credit(_ context.Context, userID string, amount int64) (storage.QuotaEntry, error) {
	if amount < 0 {
		return storage.QuotaEntry{}, fmt.Errorf("credit: negative amount %d", amount)
	}
	v.lock.Lock()
	defer v.lock.Unlock()

	entry, ok := v.st.ledger[userID]
	if !ok {
		entry = storage.QuotaEntry{UserID: userID, BillingPlan: "free"}
	}
	entry.Eggs += amount
	entry.UpdatedAt = v.now().UTC()
	v.st.ledger[userID] = entry
	return entry, nil
}

// UpsertUserAlert implements storage.UserAlertStore.
func (v *view) UpsertUserAlert(_ context.Context, alert storage.UserAlert) (storage.UserAlert, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	for i := range v.st.watches {
		w := &v.st.watches[i]
		if w.UserID == alert.UserID && w.CoinID == alert.CoinID && w.AlertType == alert.AlertType {
			w.ThresholdValue = alert.ThresholdValue
			w.IsActive = alert.IsActive
			w.UpdatedAt = alert.UpdatedAt
			return *w, nil
		}
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = alert.UpdatedAt
	}
	v.st.watches = append(v.st.watches, alert)
	return alert, nil
}

// ListUserAlerts implements storage.UserAlertStore.
func (v *view) ListUserAlerts(_ context.Context, userID string) ([]storage.UserAlert, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	out := make([]storage.UserAlert, 0)
	for _, w := range v.st.watches {
		if w.UserID == userID {
			out = append(out, w)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CoinID != out[j].CoinID {
			return out[i].CoinID < out[j].CoinID
		}
		return out[i].AlertType < out[j].AlertType
	})
	return out, nil
}

// ListActiveUserAlerts implements storage.UserAlertStore.
func (v *view) ListActiveUserAlerts(_ context.Context) ([]storage.UserAlert, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	out := make([]storage.UserAlert, 0)
	for _, w := range v.st.watches {
		if w.IsActive {
			out = append(out, w)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CoinID != out[j].CoinID {
			return out[i].CoinID < out[j].CoinID
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

// DeleteUserAlert implements storage.UserAlertStore.
func (v *view) DeleteUserAlert(_ context.Context, userID, coinID string, alertType storage.WatchType) error {
	v.lock.Lock()
	defer v.lock.Unlock()

	before := len(v.st.watches)
	v.st.watches = slices.DeleteFunc(v.st.watches, func(w storage.UserAlert) bool {
		return w.UserID == userID && w.CoinID == coinID && w.AlertType == alertType
	})
	if len(v.st.watches) == before {
		return fmt.Errorf("delete user alert: %w", storage.ErrNotFound)
	}
	return nil
}

// InsertNotification implements storage.NotificationStore.
func (v *view) InsertNotification(_ context.Context, entry storage.NotificationLogEntry) (storage.NotificationLogEntry, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	if entry.SentAt.IsZero() {
		entry.SentAt = v.now().UTC()
	}
	v.st.notifications = append(v.st.notifications, entry)
	return entry, nil
}

// LastNotificationAt implements storage.NotificationStore.
func (v *view) LastNotificationAt(_ context.Context, userID, coinID, alertType string) (time.Time, bool, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	var (
		last  time.Time
		found bool
	)
	for _, n := range v.st.notifications {
		if n.UserID == userID && n.CoinID == coinID && n.AlertType == alertType {
			if !found || n.SentAt.After(last) {
				last = n.SentAt
				found = true
			}
		}
	}
	return last, found, nil
}

// ClaimPendingNotifications implements storage.NotificationStore.
func (v *view) ClaimPendingNotifications(_ context.Context, userID string) ([]storage.NotificationLogEntry, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	out := make([]storage.NotificationLogEntry, 0)
	for i := range v.st.notifications {
		n := &v.st.notifications[i]
		if n.UserID != userID {
			continue
		}
		if n.DeliveryStatus == storage.DeliveryPendingBrowser || n.DeliveryStatus == storage.DeliveryQueued {
			n.DeliveryStatus = storage.DeliveryDelivered
			out = append(out, *n)
		}
	}
	return out, nil
}

// ListNotifications implements storage.NotificationStore.
func (v *view) ListNotifications(_ context.Context, userID string, limit int) ([]storage.NotificationLogEntry, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	out := make([]storage.NotificationLogEntry, 0)
	for _, n := range v.st.notifications {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SentAt.After(out[j].SentAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AcknowledgeNotification implements storage.NotificationStore.
func (v *view) AcknowledgeNotification(_ context.Context, userID, id string, at time.Time) error {
	v.lock.Lock()
	defer v.lock.Unlock()

	for i := range v.st.notifications {
		n := &v.st.notifications[i]
		if n.ID == id && n.UserID == userID {
			stamp := at
			n.DeliveryStatus = storage.DeliveryRead
			n.AcknowledgedAt = &stamp
			return nil
		}
	}
	return fmt.Errorf("acknowledge notification %s: %w", id, storage.ErrNotFound)
}

// DeleteCoinNotifications implements storage.NotificationStore.
func (v *view) DeleteCoinNotifications(_ context.Context, userID, coinID string) (int64, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	before := len(v.st.notifications)
	v.st.notifications = slices.DeleteFunc(v.st.notifications, func(n storage.NotificationLogEntry) bool {
		return n.UserID == userID && n.CoinID == coinID
	})
	return int64(before - len(v.st.notifications)), nil
}

// DeleteNotificationsBefore implements storage.NotificationStore.
func (v *view) DeleteNotificationsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	before := len(v.st.notifications)
	v.st.notifications = slices.DeleteFunc(v.st.notifications, func(n storage.NotificationLogEntry) bool {
		return n.SentAt.Before(cutoff)
	})
	return int64(before - len(v.st.notifications)), nil
}

// GetPreferences implements storage.PreferenceStore.
func (v *view) GetPreferences(_ context.Context, userID string) (storage.Preferences, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	prefs, ok := v.st.prefs[userID]
	if !ok {
		return storage.Preferences{}, fmt.Errorf("get preferences: %w", storage.ErrNotFound)
	}
	return prefs, nil
}

// UpsertPreferences implements storage.PreferenceStore.
func (v *view) UpsertPreferences(_ context.Context, prefs storage.Preferences) (storage.Preferences, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	v.st.prefs[prefs.UserID] = prefs
	return prefs, nil
}

func cloneRecord(rec storage.AlertRecord) storage.AlertRecord {
	if rec.VerifiedAt != nil {
		at := *rec.VerifiedAt
		rec.VerifiedAt = &at
	}
	return rec
}

var _ storage.Backend = (*Store)(nil)
