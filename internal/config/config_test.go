package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rvexec.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
runner: kube
workers: 8
kube:
  namespace: emu
  poll_interval: 250ms
emulator:
  max_instructions: 1000
source:
  kind: dir
  spool_dir: /var/spool/rv
programs:
  kind: gateway
  gateway: http://gw.local/ipfs
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, RunnerKube, cfg.Runner)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, "emu", cfg.Kube.Namespace)
	assert.Equal(t, "rvexec/executor:latest", cfg.Kube.ExecutorImage, "unset keys keep defaults")
	assert.Equal(t, uint64(1000), cfg.Emulator.MaxInstructions)
	assert.Equal(t, SourceDir, cfg.Source.Kind)
	assert.Equal(t, "/var/spool/rv", cfg.Source.SpoolDir)
	assert.Equal(t, "http://gw.local/ipfs", cfg.Programs.Gateway)
	assert.Equal(t, 250*time.Millisecond, Duration(cfg.Kube.PollInterval, time.Second))
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]string{
		"runner":   "runner: docker\n",
		"source":   "source: {kind: kafka}\n",
		"gateway":  "programs: {kind: gateway}\n",
		"workers":  "workers: 0\n",
		"duration": "kube: {poll_interval: soon}\n",
		"yaml":     "runner: [\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "c.yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Run("strings", func(t *testing.T) {
		t.Setenv("RVEXEC_RUNNER", "kube")
		t.Setenv("RVEXEC_NAMESPACE", "ci")
		t.Setenv("RVEXEC_GATEWAY", "http://gw")
		t.Setenv("RVEXEC_LOG_LEVEL", "debug")

		cfg := DefaultConfig()
		require.NoError(t, cfg.applyEnvOverrides())
		assert.Equal(t, RunnerKube, cfg.Runner)
		assert.Equal(t, "ci", cfg.Kube.Namespace)
		assert.Equal(t, "http://gw", cfg.Programs.Gateway)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})

	t.Run("numbers and bools", func(t *testing.T) {
		t.Setenv("RVEXEC_WORKERS", "2")
		t.Setenv("RVEXEC_MAX_INSTRUCTIONS", "0x100")
		t.Setenv("RVEXEC_VERIFY", "false")

		cfg := DefaultConfig()
		require.NoError(t, cfg.applyEnvOverrides())
		assert.Equal(t, 2, cfg.Workers)
		assert.Equal(t, uint64(256), cfg.Emulator.MaxInstructions)
		assert.False(t, cfg.Verify.Enabled)
	})

	t.Run("empty values are ignored", func(t *testing.T) {
		t.Setenv("RVEXEC_RUNNER", "  ")
		cfg := DefaultConfig()
		require.NoError(t, cfg.applyEnvOverrides())
		assert.Equal(t, RunnerLocal, cfg.Runner)
	})

	t.Run("malformed", func(t *testing.T) {
		t.Setenv("RVEXEC_WORKERS", "many")
		cfg := DefaultConfig()
		assert.ErrorContains(t, cfg.applyEnvOverrides(), "RVEXEC_WORKERS")
	})
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "rvexec.yaml")
	cfg := DefaultConfig()
	cfg.Workers = 3
	cfg.Verify.CallBudget = 42
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
