package subscriptions

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coinbeat/internal/apperr"
	"coinbeat/internal/storage"
	"coinbeat/internal/storage/memory"
)

func threshold(v string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(v))
}

func TestUpsertWatchIsUniquePerKey(t *testing.T) {
	svc := New(memory.New(), zerolog.Nop())
	ctx := context.Background()

	_, err := svc.UpsertWatch(ctx, WatchRequest{UserID: "u1", CoinID: "btc", AlertType: storage.WatchPriceDrop, ThresholdValue: threshold("10")})
	require.NoError(t, err)
	inactive := false
	_, err = svc.UpsertWatch(ctx, WatchRequest{UserID: "u1", CoinID: "btc", AlertType: storage.WatchPriceDrop, ThresholdValue: threshold("12.5"), IsActive: &inactive})
	require.NoError(t, err)

	watches, err := svc.ListWatches(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, watches, 1)
	assert.True(t, watches[0].ThresholdValue.Equal(decimal.RequireFromString("12.5")))
	assert.False(t, watches[0].IsActive)
}

func TestUpsertWatchValidation(t *testing.T) {
	svc := New(memory.New(), zerolog.Nop())
	ctx := context.Background()

	_, err := svc.UpsertWatch(ctx, WatchRequest{UserID: "u1", CoinID: "btc", AlertType: storage.WatchHealthScore})
	assert.True(t, apperr.Is(err, apperr.KindValidation), "metric watches need a threshold")

	_, err = svc.UpsertWatch(ctx, WatchRequest{UserID: "u1", CoinID: "btc", AlertType: "moon", ThresholdValue: threshold("1")})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = svc.UpsertWatch(ctx, WatchRequest{UserID: "u1", CoinID: "btc", AlertType: storage.WatchPriceDrop, ThresholdValue: threshold("-1")})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = svc.UpsertWatch(ctx, WatchRequest{UserID: "u1", CoinID: "btc", AlertType: storage.WatchMigration})
	assert.NoError(t, err)
}

func TestDeleteWatchNotFound(t *testing.T) {
	svc := New(memory.New(), zerolog.Nop())
	err := svc.DeleteWatch(context.Background(), "u1", "btc", storage.WatchPriceDrop)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestPreferencesDefaultAndStrictSave(t *testing.T) {
	svc := New(memory.New(), zerolog.Nop())
	ctx := context.Background()

	prefs, err := svc.Preferences(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, prefs.ImportantAndCritical)

	_, err = svc.SavePreferences(ctx, storage.Preferences{UserID: "u1", CriticalOnly: true, AllNotifications: true})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	saved, err := svc.SavePreferences(ctx, storage.Preferences{UserID: "u1", CriticalOnly: true, QuietHoursEnabled: true})
	require.NoError(t, err)
	assert.Equal(t, "22:00", saved.QuietStart)

	prefs, err = svc.Preferences(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, prefs.CriticalOnly)
	assert.False(t, prefs.ImportantAndCritical)
}

func TestInboxLifecycle(t *testing.T) {
	store := memory.New()
	svc := New(store, zerolog.Nop())
	ctx := context.Background()

	for _, id := range []string{"n1", "n2"} {
		_, err := store.InsertNotification(ctx, storage.NotificationLogEntry{
			ID: id, UserID: "u1", CoinID: "btc", AlertType: "price_drop", DeliveryStatus: storage.DeliveryPendingBrowser,
		})
		require.NoError(t, err)
	}

	polled, err := svc.Poll(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, polled, 2)

	again, err := svc.Poll(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, svc.Acknowledge(ctx, "u1", "n1"))
	assert.True(t, apperr.Is(svc.Acknowledge(ctx, "u1", "missing"), apperr.KindNotFound))

	history, err := svc.History(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	statuses := []storage.DeliveryStatus{history[0].DeliveryStatus, history[1].DeliveryStatus}
	assert.ElementsMatch(t, []storage.DeliveryStatus{storage.DeliveryRead, storage.DeliveryDelivered}, statuses)

	n, err := svc.ClearCoin(ctx, "u1", "btc")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestBalanceDefaultsToZero(t *testing.T) {
	svc := New(memory.New(), zerolog.Nop())
	entry, err := svc.Balance(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, int64(0), entry.Eggs)
}
