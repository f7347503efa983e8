package verification

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coinbeat/internal/alerting"
	"coinbeat/internal/apperr"
	"coinbeat/internal/pool"
	"coinbeat/internal/storage"
	"coinbeat/internal/storage/memory"
)

var fixedNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type recordingOps struct {
	mu     sync.Mutex
	events []alerting.OpsEvent
}

func (r *recordingOps) Notify(_ context.Context, event alerting.OpsEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func newTestService(t *testing.T) (*Service, *memory.Store, *recordingOps) {
	t.Helper()
	store := memory.New()
	store.SetClock(func() time.Time { return fixedNow })
	ops := &recordingOps{}
	svc := NewService(store, Config{
		PoolSize:         6,
		StakeCost:        2,
		RewardMultiplier: 2,
		Payload:          alerting.PayloadTemplate{Icon: "/icon.png", ClickBaseURL: "/coins"},
	}, ops, nil, zerolog.Nop())
	svc.SetClock(func() time.Time { return fixedNow })
	return svc, store, ops
}

func fund(t *testing.T, store *memory.Store, userID string, eggs int64) {
	t.Helper()
	_, err := store.Credit(context.Background(), userID, eggs)
	require.NoError(t, err)
}

func balance(t *testing.T, store *memory.Store, userID string) int64 {
	t.Helper()
	entry, err := store.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	return entry.Eggs
}

func stake(t *testing.T, svc *Service, userID string) StakeResult {
	t.Helper()
	res, err := svc.Stake(context.Background(), StakeRequest{
		UserID:    userID,
		CoinID:    "coinx",
		AlertType: storage.AlertMigration,
		ProofLink: "https://example.com/" + userID,
	})
	require.NoError(t, err)
	return res
}

var migrationKey = pool.Key{CoinID: "coinx", AlertType: storage.AlertMigration}

func TestStakeDebitsAndCreatesPendingRecord(t *testing.T) {
	svc, store, _ := newTestService(t)
	fund(t, store, "a", 10)

	res := stake(t, svc, "a")
	assert.True(t, res.Created)
	assert.Equal(t, int64(2), res.Record.EggsStaked)
	assert.Equal(t, storage.StatusPending, res.Record.Status)
	assert.False(t, res.Record.Archived)
	assert.Equal(t, int64(8), balance(t, store, "a"))
}

func TestRestakeUpdatesProofLinkOnly(t *testing.T) {
	svc, store, _ := newTestService(t)
	fund(t, store, "a", 10)
	stake(t, svc, "a")

	res, err := svc.Stake(context.Background(), StakeRequest{
		UserID: "a", CoinID: "coinx", AlertType: storage.AlertMigration, ProofLink: "https://example.com/new",
	})
	require.NoError(t, err)
	assert.True(t, res.Updated)
	assert.False(t, res.Created)

	records, err := store.ListAlertRecords(context.Background(), storage.AlertFilter{CoinID: "coinx"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "https://example.com/new", records[0].ProofLink)
	assert.Equal(t, int64(2), records[0].EggsStaked)
	assert.Equal(t, int64(8), balance(t, store, "a"))
}

func TestStakeInsufficientEggsLeavesNoRecord(t *testing.T) {
	svc, store, _ := newTestService(t)
	fund(t, store, "a", 1)

	_, err := svc.Stake(context.Background(), StakeRequest{
		UserID: "a", CoinID: "coinx", AlertType: storage.AlertMigration, ProofLink: "https://example.com/a",
	})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindInsufficientFunds))

	records, err := store.ListAlertRecords(context.Background(), storage.AlertFilter{})
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Equal(t, int64(1), balance(t, store, "a"))
}

func TestStakeValidation(t *testing.T) {
	svc, _, _ := newTestService(t)

	cases := []StakeRequest{
		{CoinID: "coinx", AlertType: storage.AlertMigration, ProofLink: "https://x.io"},
		{UserID: "a", CoinID: "coinx", AlertType: "moon", ProofLink: "https://x.io"},
		{UserID: "a", CoinID: "coinx", AlertType: storage.AlertRebrand, ProofLink: "not a url"},
	}
	for _, req := range cases {
		_, err := svc.Stake(context.Background(), req)
		assert.True(t, apperr.Is(err, apperr.KindValidation), "%+v", req)
	}
}

func TestStakeReachingPoolSizeNotifiesOps(t *testing.T) {
	svc, store, ops := newTestService(t)
	for _, u := range []string{"a", "b", "c"} {
		fund(t, store, u, 2)
		stake(t, svc, u)
	}

	require.Len(t, ops.events, 1)
	assert.Equal(t, alerting.OpsPoolReady, ops.events[0].Kind)
	assert.Equal(t, int64(6), ops.events[0].TotalEggs)
	assert.Equal(t, 3, ops.events[0].Members)
}

func TestVerifyScenario(t *testing.T) {
	svc, store, _ := newTestService(t)
	for _, u := range []string{"a", "b", "c"} {
		fund(t, store, u, 2)
		stake(t, svc, u)
		assert.Equal(t, int64(0), balance(t, store, u))
	}

	rewards, err := svc.Verify(context.Background(), migrationKey)
	require.NoError(t, err)
	require.Len(t, rewards, 3)
	for _, r := range rewards {
		assert.Equal(t, int64(4), r.EggsAwarded)
		assert.Equal(t, int64(4), balance(t, store, r.UserID))
	}

	records, err := store.ListAlertRecords(context.Background(), storage.AlertFilter{CoinID: "coinx"})
	require.NoError(t, err)
	require.Len(t, records, 3)
	for _, rec := range records {
		assert.Equal(t, storage.StatusVerified, rec.Status)
		require.NotNil(t, rec.VerifiedAt)
		assert.True(t, rec.VerifiedAt.Equal(fixedNow))
		assert.False(t, rec.Archived)
	}

	pools := pool.Aggregate(records)
	require.Len(t, pools, 1)
	assert.Equal(t, storage.StatusVerified, pools[0].Status)

	for _, u := range []string{"a", "b", "c"} {
		entries, err := store.ListNotifications(context.Background(), u, 10)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, storage.NotifyAlertVerified, entries[0].AlertType)
		assert.Equal(t, storage.DeliveryQueued, entries[0].DeliveryStatus)

		var payload alerting.Payload
		require.NoError(t, json.Unmarshal(entries[0].Payload, &payload))
		assert.Equal(t, "/coins/coinx", payload.URL)
	}
}

func TestVerifyTwiceConflictsWithoutPayingAgain(t *testing.T) {
	svc, store, _ := newTestService(t)
	for _, u := range []string{"a", "b", "c"} {
		fund(t, store, u, 2)
		stake(t, svc, u)
	}
	_, err := svc.Verify(context.Background(), migrationKey)
	require.NoError(t, err)

	_, err = svc.Verify(context.Background(), migrationKey)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindConflict))
	for _, u := range []string{"a", "b", "c"} {
		assert.Equal(t, int64(4), balance(t, store, u))
	}
}

func TestConcurrentVerifyPaysOnce(t *testing.T) {
	svc, store, _ := newTestService(t)
	for _, u := range []string{"a", "b", "c"} {
		fund(t, store, u, 2)
		stake(t, svc, u)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Verify(context.Background(), migrationKey); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	for _, u := range []string{"a", "b", "c"} {
		assert.Equal(t, int64(4), balance(t, store, u))
	}
}

func TestVerifyBoundary(t *testing.T) {
	svc, store, _ := newTestService(t)
	svc.cfg.PoolSize = 5
	for _, u := range []string{"a", "b"} {
		fund(t, store, u, 2)
		stake(t, svc, u)
	}

	// 4 eggs staked, size 5
	_, err := svc.Verify(context.Background(), migrationKey)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindInvalidState))

	svc.cfg.PoolSize = 4
	_, err = svc.Verify(context.Background(), migrationKey)
	require.NoError(t, err)
}

func TestVerifyUnfilledLeavesPoolPending(t *testing.T) {
	svc, store, _ := newTestService(t)
	fund(t, store, "a", 2)
	stake(t, svc, "a")

	_, err := svc.Verify(context.Background(), migrationKey)
	assert.True(t, apperr.Is(err, apperr.KindInvalidState))

	records, err := store.ListAlertRecords(context.Background(), storage.AlertFilter{CoinID: "coinx"})
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, records[0].Status)
	assert.Equal(t, int64(0), balance(t, store, "a"))
}

func TestVerifyEmptyPoolNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Verify(context.Background(), migrationKey)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	_, err = svc.Reject(context.Background(), migrationKey)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestRejectScenario(t *testing.T) {
	svc, store, ops := newTestService(t)
	for _, u := range []string{"a", "b", "c"} {
		fund(t, store, u, 2)
		stake(t, svc, u)
	}

	notified, err := svc.Reject(context.Background(), migrationKey)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, notified)

	records, err := store.ListAlertRecords(context.Background(), storage.AlertFilter{CoinID: "coinx", IncludeArchived: true})
	require.NoError(t, err)
	require.Len(t, records, 3)
	for _, rec := range records {
		assert.Equal(t, storage.StatusRejected, rec.Status)
		assert.True(t, rec.Archived)
	}

	for _, u := range []string{"a", "b", "c"} {
		assert.Equal(t, int64(0), balance(t, store, u))
		entries, err := store.ListNotifications(context.Background(), u, 10)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, storage.NotifyAlertRejected, entries[0].AlertType)
		assert.Contains(t, entries[0].Message, "forfeited")
	}

	assert.Equal(t, alerting.OpsPoolRejected, ops.events[len(ops.events)-1].Kind)
}

func TestRejectVerifiedPoolConflicts(t *testing.T) {
	svc, store, _ := newTestService(t)
	for _, u := range []string{"a", "b", "c"} {
		fund(t, store, u, 2)
		stake(t, svc, u)
	}
	_, err := svc.Verify(context.Background(), migrationKey)
	require.NoError(t, err)

	_, err = svc.Reject(context.Background(), migrationKey)
	assert.True(t, apperr.Is(err, apperr.KindConflict))
}

func TestStakeOnVerifiedPoolConflicts(t *testing.T) {
	svc, store, _ := newTestService(t)
	for _, u := range []string{"a", "b", "c"} {
		fund(t, store, u, 2)
		stake(t, svc, u)
	}
	_, err := svc.Verify(context.Background(), migrationKey)
	require.NoError(t, err)

	fund(t, store, "d", 2)
	_, err = svc.Stake(context.Background(), StakeRequest{
		UserID: "d", CoinID: "coinx", AlertType: storage.AlertMigration, ProofLink: "https://example.com/d",
	})
	assert.True(t, apperr.Is(err, apperr.KindConflict))
	assert.Equal(t, int64(2), balance(t, store, "d"))
}

func TestDeleteRemovesPool(t *testing.T) {
	svc, store, _ := newTestService(t)
	fund(t, store, "a", 2)
	stake(t, svc, "a")

	n, err := svc.Delete(context.Background(), migrationKey)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	records, err := store.ListAlertRecords(context.Background(), storage.AlertFilter{IncludeArchived: true})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestCreateAdminAlert(t *testing.T) {
	svc, _, ops := newTestService(t)

	rec, err := svc.CreateAdminAlert(context.Background(), "admin", AdminAlertRequest{
		CoinID:      "coinx",
		AlertType:   storage.AlertMigration,
		ProofLink:   "https://example.com/announcement",
		NewContract: "0x52908400098527886e0f7030069857d2e4169ee7",
	})
	require.NoError(t, err)
	assert.Equal(t, storage.StatusVerified, rec.Status)
	assert.True(t, rec.AdminAuthored)
	assert.Equal(t, int64(0), rec.EggsStaked)
	require.NotNil(t, rec.VerifiedAt)
	assert.Equal(t, "0x52908400098527886E0F7030069857D2E4169EE7", rec.NewContract)
	assert.Equal(t, alerting.OpsAdminAlert, ops.events[0].Kind)

	_, err = svc.CreateAdminAlert(context.Background(), "admin", AdminAlertRequest{
		CoinID: "coinx", AlertType: storage.AlertMigration, ProofLink: "https://example.com/again",
	})
	assert.True(t, apperr.Is(err, apperr.KindConflict))
}

func TestCreateAdminAlertRejectsBadContract(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.CreateAdminAlert(context.Background(), "admin", AdminAlertRequest{
		CoinID: "coinx", AlertType: storage.AlertMigration, ProofLink: "https://example.com/a", NewContract: "0x1234",
	})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = svc.CreateAdminAlert(context.Background(), "admin", AdminAlertRequest{
		CoinID:      "coinx",
		AlertType:   storage.AlertDelisting,
		ProofLink:   "https://example.com/a",
		NewContract: "0x52908400098527886e0f7030069857d2e4169ee7",
	})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestListAlertsReportsPoolTotals(t *testing.T) {
	svc, store, _ := newTestService(t)
	for _, u := range []string{"a", "b"} {
		fund(t, store, u, 2)
		stake(t, svc, u)
	}

	view, err := svc.ListAlerts(context.Background(), storage.AlertFilter{CoinID: "coinx", AlertType: storage.AlertMigration})
	require.NoError(t, err)
	assert.Len(t, view.Records, 2)
	assert.Equal(t, int64(4), view.TotalEggs)
	assert.False(t, view.PoolFilled)

	_, err = svc.ListAlerts(context.Background(), storage.AlertFilter{Status: "done"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

// tracingBackend records the order of pool reads inside transactions. When blindLookup is
// set FindActiveRecord always misses, as it would for two first stakes racing on Postgres.
type tracingBackend struct {
	*memory.Store
	blindLookup bool

	mu    sync.Mutex
	calls []string
}

func (b *tracingBackend) InTx(ctx context.Context, fn func(repo storage.Repository) error) error {
	return b.Store.InTx(ctx, func(repo storage.Repository) error {
		return fn(&tracingRepo{Repository: repo, backend: b})
	})
}

func (b *tracingBackend) record(call string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, call)
}

func (b *tracingBackend) reset() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	calls := b.calls
	b.calls = nil
	return calls
}

type tracingRepo struct {
	storage.Repository
	backend *tracingBackend
}

func (r *tracingRepo) LockPool(ctx context.Context, coinID string, alertType storage.AlertType) error {
	r.backend.record("LockPool " + coinID + "/" + string(alertType))
	return r.Repository.LockPool(ctx, coinID, alertType)
}

func (r *tracingRepo) FindActiveRecord(ctx context.Context, userID, coinID string, alertType storage.AlertType) (storage.AlertRecord, error) {
	r.backend.record("FindActiveRecord")
	if r.backend.blindLookup {
		return storage.AlertRecord{}, storage.ErrNotFound
	}
	return r.Repository.FindActiveRecord(ctx, userID, coinID, alertType)
}

func (r *tracingRepo) FindActiveAdminRecord(ctx context.Context, coinID string, alertType storage.AlertType) (storage.AlertRecord, error) {
	r.backend.record("FindActiveAdminRecord")
	return r.Repository.FindActiveAdminRecord(ctx, coinID, alertType)
}

func (r *tracingRepo) LockPoolMembers(ctx context.Context, coinID string, alertType storage.AlertType) ([]storage.AlertRecord, error) {
	r.backend.record("LockPoolMembers")
	return r.Repository.LockPoolMembers(ctx, coinID, alertType)
}

func newTracingService(t *testing.T) (*Service, *tracingBackend) {
	t.Helper()
	backend := &tracingBackend{Store: memory.New()}
	backend.SetClock(func() time.Time { return fixedNow })
	svc := NewService(backend, Config{PoolSize: 6, StakeCost: 2, RewardMultiplier: 2}, nil, nil, zerolog.Nop())
	svc.SetClock(func() time.Time { return fixedNow })
	return svc, backend
}

func TestPoolLockTakenBeforeAnyPoolRead(t *testing.T) {
	svc, backend := newTracingService(t)
	ctx := context.Background()
	for _, u := range []string{"a", "b", "c", "d"} {
		fund(t, backend.Store, u, 2)
	}
	lock := "LockPool coinx/migration"

	for _, u := range []string{"a", "b", "c"} {
		stake(t, svc, u)
		calls := backend.reset()
		require.NotEmpty(t, calls)
		assert.Equal(t, lock, calls[0])
		assert.Contains(t, calls, "LockPoolMembers")
	}

	_, err := svc.Verify(ctx, migrationKey)
	require.NoError(t, err)
	assert.Equal(t, []string{lock, "LockPoolMembers"}, backend.reset())

	delisting := pool.Key{CoinID: "coinx", AlertType: storage.AlertDelisting}
	_, err = svc.Stake(ctx, StakeRequest{UserID: "d", CoinID: "coinx", AlertType: storage.AlertDelisting, ProofLink: "https://example.com/d"})
	require.NoError(t, err)
	backend.reset()

	_, err = svc.Reject(ctx, delisting)
	require.NoError(t, err)
	assert.Equal(t, []string{"LockPool coinx/delisting", "LockPoolMembers"}, backend.reset())

	_, err = svc.CreateAdminAlert(ctx, "admin", AdminAlertRequest{CoinID: "coinx", AlertType: storage.AlertRebrand, ProofLink: "https://example.com/r"})
	require.NoError(t, err)
	assert.Equal(t, []string{"LockPool coinx/rebrand", "FindActiveAdminRecord", "LockPoolMembers"}, backend.reset())
}

func TestDuplicateActiveStakeConflictsAndRefunds(t *testing.T) {
	svc, backend := newTracingService(t)
	fund(t, backend.Store, "a", 4)
	stake(t, svc, "a")

	backend.blindLookup = true
	_, err := svc.Stake(context.Background(), StakeRequest{
		UserID: "a", CoinID: "coinx", AlertType: storage.AlertMigration, ProofLink: "https://example.com/again",
	})
	assert.True(t, apperr.Is(err, apperr.KindConflict))

	assert.Equal(t, int64(2), balance(t, backend.Store, "a"))
	records, err := backend.ListAlertRecords(context.Background(), storage.AlertFilter{UserID: "a"})
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestCreateAdminAlertOnPendingPoolConflicts(t *testing.T) {
	svc, store, ops := newTestService(t)
	ctx := context.Background()
	fund(t, store, "a", 2)
	stake(t, svc, "a")

	req := AdminAlertRequest{CoinID: "coinx", AlertType: storage.AlertMigration, ProofLink: "https://example.com/announcement"}
	_, err := svc.CreateAdminAlert(ctx, "admin", req)
	assert.True(t, apperr.Is(err, apperr.KindConflict))
	assert.Empty(t, ops.events)

	records, err := store.ListAlertRecords(ctx, storage.AlertFilter{CoinID: "coinx"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, storage.StatusPending, records[0].Status)

	_, err = svc.Reject(ctx, migrationKey)
	require.NoError(t, err)

	rec, err := svc.CreateAdminAlert(ctx, "admin", req)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusVerified, rec.Status)
}
