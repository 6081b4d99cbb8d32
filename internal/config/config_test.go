package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.RPCTimeout())
	assert.Equal(t, 10*time.Second, cfg.BackoffWindow())
	assert.Equal(t, "index", cfg.TableKind)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mergeplane.yaml")
	body := `
rpc_timeout_ms: 500
backoff_window_ms: 20
table_kind: index
executor:
  parallelism: 3
  memory_quota: 64
scheduler:
  global_max: 2
  by_table:
    orders: 1
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, cfg.RPCTimeout())
	assert.Equal(t, 3, cfg.Executor.Parallelism)
	assert.Equal(t, int64(64), cfg.Executor.MemoryQuota)
	assert.Equal(t, 1, cfg.Scheduler.GetTableLimit("orders"))
	assert.Equal(t, 2, cfg.Scheduler.GetTableLimit("users"))
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvRPCTimeoutMS, "1500")
	t.Setenv(EnvBackoffWindowMS, "250")
	t.Setenv(EnvAdminAddr, "http://admin:9000")
	t.Setenv(EnvTempBuildRoot, "/tmp/build")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, cfg.RPCTimeout())
	assert.Equal(t, 250*time.Millisecond, cfg.BackoffWindow())
	assert.Equal(t, "http://admin:9000", cfg.AdminAddr)
	assert.Equal(t, "/tmp/build", cfg.TempBuildRoot)
}

func TestEnvOverrideRejectsGarbage(t *testing.T) {
	t.Setenv(EnvRPCTimeoutMS, "soon")
	_, err := LoadConfig("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RPCTimeoutMS = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.BackoffWindowMS = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Executor.Parallelism = 0
	assert.Error(t, cfg.Validate())
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "mergeplane.yaml")
	cfg := DefaultConfig()
	cfg.BackoffWindowMS = 42
	require.NoError(t, SaveConfig(path, cfg))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 42, loaded.BackoffWindowMS)
}
