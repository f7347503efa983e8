package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, int64(6), cfg.Pool.Size)
	assert.Equal(t, cfg.Pool.Size, cfg.Pool.DisplayMin, "display_min falls back to pool.size")
	assert.Equal(t, int64(2), cfg.Pool.StakeCost)
	assert.Equal(t, 30*time.Minute, cfg.Notifications.PriceDropCooldown)
	assert.Equal(t, 24*time.Hour, cfg.Notifications.MigrationCooldown)
	assert.Equal(t, 720*time.Hour, cfg.Pool.DisplayWindow)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	path := filepath.Join(dir, "coinbeat.yaml")
	body := "pool:\n  size: 20\n  display_min: 10\nnotifications:\n  price_drop_cooldown: 15m\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("COINBEAT_DATABASE_DSN", "postgres://localhost/coinbeat")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, int64(20), cfg.Pool.Size)
	assert.Equal(t, int64(10), cfg.Pool.DisplayMin)
	assert.Equal(t, 15*time.Minute, cfg.Notifications.PriceDropCooldown)
	assert.Equal(t, "postgres://localhost/coinbeat", cfg.Database.DSN)
}

func TestValidateRejectsBadPool(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Pool.Size = 0
	assert.Error(t, cfg.Validate())

	cfg.Pool.Size = 6
	cfg.Ops.Telegram.Enabled = true
	assert.Error(t, cfg.Validate(), "telegram without credentials")
}

func TestValidateRetentionCoversCooldowns(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	cfg.Notifications.Retention = 12 * time.Hour
	assert.ErrorContains(t, cfg.Validate(), "notifications.retention")

	cfg.Notifications.Retention = 24 * time.Hour
	assert.NoError(t, cfg.Validate())

	cfg.Notifications.DelistingCooldown = 48 * time.Hour
	assert.Error(t, cfg.Validate())

	cfg.Notifications.Retention = 0
	assert.NoError(t, cfg.Validate())

	cfg.Notifications.Retention = -time.Hour
	assert.Error(t, cfg.Validate())
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (equivalent of testing.T.Chdir, added in Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}
