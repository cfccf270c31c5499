package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5*time.Minute, cfg.State.ConfirmationTTL.Std())
	assert.Equal(t, 10*time.Minute, cfg.State.TaskPendingTTL.Std())
	assert.Equal(t, 2, cfg.State.MaxRetries)
	assert.Equal(t, float64(100000), cfg.Safety.AmountThreshold)
	assert.Equal(t, 10, cfg.Safety.RecipientsThreshold)
	assert.False(t, cfg.Safety.EmergencyStop)
	assert.Contains(t, cfg.State.CancelKeywords, "cancel")
	assert.Contains(t, cfg.State.CancelKeywords, "キャンセル")
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `
server:
  addr: ":9000"
state:
  backend: memory
  confirmation_ttl: 2m
safety:
  emergency_stop: true
logging:
  level: debug
  format: text
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "memory", cfg.State.Backend)
	assert.Equal(t, 2*time.Minute, cfg.State.ConfirmationTTL.Std())
	assert.True(t, cfg.Safety.EmergencyStop)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// untouched sections keep defaults
	assert.Equal(t, 10*time.Minute, cfg.State.TaskPendingTTL.Std())
	assert.Equal(t, 16, cfg.Tasks.Limit)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8721", cfg.Server.Addr)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("BANTO_ADDR", ":7001")
	t.Setenv("BANTO_EMERGENCY_STOP", "true")
	t.Setenv("BANTO_STATE_BACKEND", "memory")
	t.Setenv("BANTO_TASK_LIMIT", "4")

	cfg := Default()
	cfg.ApplyEnv()

	assert.Equal(t, ":7001", cfg.Server.Addr)
	assert.True(t, cfg.Safety.EmergencyStop)
	assert.Equal(t, "memory", cfg.State.Backend)
	assert.Equal(t, 4, cfg.Tasks.Limit)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = " " }},
		{"bad state backend", func(c *Config) { c.State.Backend = "redis" }},
		{"zero confirmation ttl", func(c *Config) { c.State.ConfirmationTTL = 0 }},
		{"no cancel keywords", func(c *Config) { c.State.CancelKeywords = nil }},
		{"zero amount threshold", func(c *Config) { c.Safety.AmountThreshold = 0 }},
		{"zero task limit", func(c *Config) { c.Tasks.Limit = 0 }},
		{"zero collaborator timeout", func(c *Config) { c.Collab.DecideTimeout = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDurationUnmarshalForms(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
state:
  confirmation_ttl: 90
  task_pending_ttl: 1h
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.State.ConfirmationTTL.Std())
	assert.Equal(t, time.Hour, cfg.State.TaskPendingTTL.Std())
}

func TestWriteDefaultRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	require.NoError(t, WriteDefault(path))
	require.Error(t, WriteDefault(path))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Addr, cfg.Server.Addr)
}

func TestRuntimeHolderSwapsSnapshots(t *testing.T) {
	cfg := Default()
	holder := NewRuntimeHolder(cfg.RuntimeSnapshot())

	assert.False(t, holder.Load().EmergencyStop)

	next := holder.SetEmergencyStop(true)
	assert.True(t, next.EmergencyStop)
	assert.True(t, holder.Load().EmergencyStop)

	holder.SetEmergencyStop(false)
	assert.False(t, holder.Load().EmergencyStop)
}
