package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fedfs/internal/cache"
	"fedfs/internal/controller"
	"fedfs/internal/driver"
)

func TestDir(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		t.Setenv("FEDFS_CONFIG_DIR", "")
		assert.True(t, strings.HasSuffix(Dir(), ".fedfs"), Dir())
	})

	t.Run("override with FEDFS_CONFIG_DIR", func(t *testing.T) {
		t.Setenv("FEDFS_CONFIG_DIR", "/tmp/test-fedfs-config")
		assert.Equal(t, "/tmp/test-fedfs-config", Dir())
		assert.Equal(t, "/tmp/test-fedfs-config/config.yaml", Path())
		assert.Equal(t, "/tmp/test-fedfs-config/fedfs.lock", LockPath())
	})
}

func TestDefaultsMatchController(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, controller.DefaultConfig(), cfg.Controller())
	assert.Equal(t, driver.DefaultSuffixes, cfg.Suffixes)

	lvl, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, log.WarnLevel, lvl)
}

func TestInitWritesTemplateOnce(t *testing.T) {
	t.Setenv("FEDFS_CONFIG_DIR", filepath.Join(t.TempDir(), "cfg"))

	require.NoError(t, Init())
	require.NoError(t, os.WriteFile(Path(), []byte("log_level: debug\n"), 0600))
	require.NoError(t, Init())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadMergesFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
wait_timeout: 2s
cache_strategy: write-through
pool:
  kind: temp
suffixes:
  ear: zip
`), 0600))
	t.Setenv("FEDFS_NESTED_LOCK_TIMEOUT", "50ms")
	t.Setenv("FEDFS_POOL_DIR", "/tmp/fedfs-pool")

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.WaitTimeout)
	assert.Equal(t, 50*time.Millisecond, cfg.NestedLockTimeout)
	assert.Equal(t, 20*time.Millisecond, cfg.LockRetryMaxDelay)
	assert.Equal(t, PoolConfig{Kind: "temp", Dir: "/tmp/fedfs-pool"}, cfg.Pool)
	assert.Equal(t, map[string]string{"ear": "zip"}, cfg.Suffixes)

	strategy, err := cfg.Strategy()
	require.NoError(t, err)
	assert.Equal(t, cache.WriteThrough, strategy)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFromPath(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	for _, content := range []string{
		"log_level: loud\n",
		"pool:\n  kind: disk\n",
		"cache_strategy: sometimes\n",
		"lock_retry_min_delay: 1s\n",
		"wait_timeout: [1]\n",
	} {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(content), 0600))
		_, err := LoadFromPath(path)
		assert.Error(t, err, content)
	}
}
