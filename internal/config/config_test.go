package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"magnet-queue/internal/scheduler"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr)
	assert.Equal(t, scheduler.DefaultLimits(), cfg.Limits())
	assert.Equal(t, time.Second, cfg.Queue.Tick)
	assert.Equal(t, 50, cfg.Engine.MaxConnsPerJob)
	assert.Equal(t, 12*time.Hour, cfg.Auth.TokenTTL)
	assert.Equal(t, "magnet-queue/backups", cfg.Backup.KeyPrefix)

	level, err := cfg.LogLevel()
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, level)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("MAGNET_QUEUE_ACTIVEDOWNLOADS", "8")
	t.Setenv("MAGNET_QUEUE_ACTIVELIMIT", "-1")
	t.Setenv("MAGNET_QUEUE_DONTCOUNTSLOWTORRENTS", "false")
	t.Setenv("MAGNET_QUEUE_SLOWGRACE", "30s")
	t.Setenv("MAGNET_ENGINE_DOWNLOADRATELIMIT", "1048576")

	cfg, err := Load()
	require.NoError(t, err)
	limits := cfg.Limits()
	assert.Equal(t, 8, limits.ActiveDownloads)
	assert.Equal(t, scheduler.Unlimited, limits.ActiveLimit)
	assert.False(t, limits.DontCountSlowTorrents)
	assert.Equal(t, 30*time.Second, limits.SlowGracePeriod)
	assert.Equal(t, int64(1<<20), cfg.Engine.DownloadRateLimit)
}

func TestLoadRejectsInvalidQueue(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("MAGNET_QUEUE_ACTIVESEEDS", "-5")

	_, err := Load()
	assert.ErrorIs(t, err, scheduler.ErrInvalidLimits)
}

func TestLoadRejectsBadTickAndLevel(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("MAGNET_QUEUE_TICK", "0s")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("MAGNET_QUEUE_TICK", "1s")
	t.Setenv("MAGNET_LOG_LEVEL", "chatty")
	_, err = Load()
	assert.Error(t, err)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(`
queue:
  activechecking: 2
  inactiveuprate: 512
backup:
  schedule: "@every 6h"
`), 0o644))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Queue.ActiveChecking)
	assert.Equal(t, int64(512), cfg.Queue.InactiveUpRate)
	assert.Equal(t, "@every 6h", cfg.Backup.Schedule)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	// registers cleanup for the variable .env is about to set
	t.Setenv("MAGNET_SERVER_ADDR", "")
	require.NoError(t, os.Unsetenv("MAGNET_SERVER_ADDR"))
	t.Setenv("MAGNET_DATABASE_PATH", "/from/env.db")

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(`
# comment
MAGNET_SERVER_ADDR="127.0.0.1:9000"
MAGNET_DATABASE_PATH=/from/dotenv.db
broken line
`), 0o644))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, "/from/env.db", cfg.Database.Path, "real environment wins over .env")
}
