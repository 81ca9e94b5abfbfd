package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnv(string) (string, bool) { return "", false }

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse(nil, "", noEnv)
	require.NoError(t, err)

	want := Default()
	want.Socket = filepath.Join(".stacktrain", "stacktrain.sock")
	assert.Equal(t, want, cfg)
	assert.Equal(t, 10*time.Second, cfg.TickInterval.Std())
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}

func TestParse_File(t *testing.T) {
	data := []byte(`
database: /var/lib/stacktrain/q.db
trunk: develop
tick_interval: 2s
integration_timeout: 15m
rebase_rate: 0.5
max_consecutive_failures: 5
retention: 168h
log_level: debug
integrator:
  trunk_command: git rev-parse origin/develop
  integrate_command: ./scripts/land.sh
`)
	cfg, err := Parse(data, "stacktrain.yaml", noEnv)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/stacktrain/q.db", cfg.Database)
	assert.Equal(t, "/var/lib/stacktrain/stacktrain.sock", cfg.Socket)
	assert.Equal(t, "develop", cfg.Trunk)
	assert.Equal(t, 0.5, cfg.RebaseRate)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	assert.Equal(t, "./scripts/land.sh", cfg.Integrator.IntegrateCommand)
	assert.Empty(t, cfg.Integrator.RebaseCommand)

	tc := cfg.Train()
	assert.Equal(t, 2*time.Second, tc.TickInterval)
	assert.Equal(t, 15*time.Minute, tc.IntegrationTimeout)
	assert.Equal(t, 5, tc.MaxConsecutiveFailures)
	assert.Equal(t, 168*time.Hour, tc.Retention)
	assert.Equal(t, 5*time.Minute, cfg.LockTTL.Std(), "unset field keeps its default")
}

func TestParse_SchemaRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown field", "databse: q.db\n"},
		{"bad duration", "tick_interval: soon\n"},
		{"negative rate", "rebase_rate: -1\n"},
		{"fractional failures", "max_consecutive_failures: 1.5\n"},
		{"bad log level", "log_level: loud\n"},
		{"empty database", "database: \"\"\n"},
		{"unknown hook", "integrator:\n  merge_command: x\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml), "bad.yaml", noEnv)
			require.Error(t, err)
			assert.True(t, IsConfigError(err))
			assert.Contains(t, err.Error(), "bad.yaml")
		})
	}
}

func TestParse_MalformedYAML(t *testing.T) {
	_, err := Parse([]byte("database: [unterminated\n"), "x.yaml", noEnv)
	assert.True(t, IsConfigError(err))
}

func TestParse_EnvOverridesFile(t *testing.T) {
	env := envMap(map[string]string{
		"STACKTRAIN_DATABASE":          "/tmp/env.db",
		"STACKTRAIN_REBASE_RATE":       "4",
		"STACKTRAIN_INTEGRATE_COMMAND": "make land",
		"STACKTRAIN_LOG_LEVEL":         "warn",
	})
	cfg, err := Parse([]byte("database: file.db\nrebase_rate: 1\n"), "", env)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/env.db", cfg.Database)
	assert.Equal(t, 4.0, cfg.RebaseRate)
	assert.Equal(t, "make land", cfg.Integrator.IntegrateCommand)
	assert.Equal(t, slog.LevelWarn, cfg.SlogLevel())
}

func TestParse_EnvIsValidated(t *testing.T) {
	_, err := Parse(nil, "", envMap(map[string]string{"STACKTRAIN_TICK_INTERVAL": "often"}))
	assert.True(t, IsConfigError(err))

	_, err = Parse(nil, "", envMap(map[string]string{"STACKTRAIN_MAX_CONSECUTIVE_FAILURES": "many"}))
	assert.True(t, IsConfigError(err))
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("trunk: release\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "release", cfg.Trunk)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.True(t, IsConfigError(err), "an explicit path must exist")
}

func TestExecIntegratorCarriesTrunk(t *testing.T) {
	cfg := Default()
	cfg.Trunk = "develop"
	cfg.Integrator.RebaseCommand = "true"

	x := cfg.ExecIntegrator("/repo")
	assert.Equal(t, "/repo", x.Dir)
	assert.Equal(t, "true", x.RebaseCommand)
	assert.Contains(t, x.Env, "STACKTRAIN_TRUNK=develop")
}
