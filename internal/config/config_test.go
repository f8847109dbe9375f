package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadEnvOnlyDefaults(t *testing.T) {
	t.Setenv("DCA_DB_DSN", "sqlite:file:test?mode=memory")
	t.Setenv("DCA_WORKER_CONCURRENCY", "8")

	cfg, err := Load("", true)
	require.NoError(t, err)
	require.Equal(t, "sqlite:file:test?mode=memory", cfg.DB.DSN)
	require.Equal(t, 8, cfg.Worker.Concurrency)
	require.Equal(t, "@every 30s", cfg.Scheduler.Spec)
	require.Equal(t, 15*time.Minute, cfg.Worker.JobTimeout)
	require.Greater(t, cfg.Queue.LeaseTimeout, cfg.Worker.JobTimeout)
	require.EqualValues(t, 3, cfg.Deposit.MinimumConfirmations)
	require.Len(t, cfg.Chain.WrappedNative, 1)
}

func TestLoadFileWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
queue:
  backend: memory
scheduler:
  spec: "*/10 * * * * *"
tokens:
  - address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
    symbol: USDC
    decimals: 6
`), 0o600))
	t.Setenv("DCA_SCHEDULER_BATCH_SIZE", "25")

	cfg, err := Load(path, false)
	require.NoError(t, err)
	require.Equal(t, "memory", cfg.Queue.Backend)
	require.Equal(t, "*/10 * * * * *", cfg.Scheduler.Spec)
	require.Equal(t, 25, cfg.Scheduler.BatchSize)
	require.Len(t, cfg.Tokens, 1)
	require.EqualValues(t, 6, cfg.Tokens[0].Decimals)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), false)
	require.Error(t, err)
}
