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

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 500*time.Millisecond, cfg.Refresh.Interval())
	assert.Equal(t, 10*time.Minute, cfg.Registry.IdleTTL())
	assert.Equal(t, slog.LevelInfo, cfg.Log.SlogLevel())
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "loom.toml", `
data_dir = "/var/lib/loom"

[author]
name = "Ann"
email = "ann@example.com"

[diff]
algorithm = "matcher"

[merge]
strict_appends = true
parallelism = 4

[record]
ignore = ["build/**", "*.tmp"]

[log]
level = "debug"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/loom", cfg.DataDir)
	assert.Equal(t, "Ann <ann@example.com>", cfg.Author.String())
	assert.Equal(t, "matcher", cfg.Diff.Algorithm)
	assert.True(t, cfg.Merge.StrictAppends)
	assert.Equal(t, 4, cfg.Merge.Parallelism)
	assert.Equal(t, []string{"build/**", "*.tmp"}, cfg.Record.Ignore)
	assert.Equal(t, slog.LevelDebug, cfg.Log.SlogLevel())
	assert.Equal(t, 4096, cfg.Cache.Changes, "defaults fill unset fields")
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "loom.yaml", `
data_dir: ./repos
registry:
  max_open: 8
  idle_ttl_sec: 30
refresh:
  enabled: false
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "./repos", cfg.DataDir)
	assert.Equal(t, 8, cfg.Registry.MaxOpen)
	assert.Equal(t, 30*time.Second, cfg.Registry.IdleTTL())
	assert.False(t, cfg.Refresh.Enabled)
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default().DataDir, cfg.DataDir)
}

func TestLoadRejects(t *testing.T) {
	_, err := Load(writeFile(t, "loom.ini", "x=1"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad.toml", "data_dir = "))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad.toml", "[diff]\nalgorithm = \"patience\"\n"))
	assert.ErrorContains(t, err, "patience")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOOM_DATA", "/tmp/loom")
	t.Setenv("LOOM_AUTHOR", "Bob")
	t.Setenv("LOOM_STRICT_APPENDS", "true")
	t.Setenv("LOOM_PARALLELISM", "2")
	t.Setenv("LOOM_IDLE_TTL", "90s")
	t.Setenv("LOOM_REFRESH_INTERVAL", "2s")
	t.Setenv("LOOM_RECORD_IGNORE", "a/**,b/**")
	t.Setenv("LOOM_MAX_OPEN", "not-a-number")

	cfg := FromEnv()
	assert.Equal(t, "/tmp/loom", cfg.DataDir)
	assert.Equal(t, "Bob", cfg.Author.String())
	assert.True(t, cfg.Merge.StrictAppends)
	assert.Equal(t, 2, cfg.Merge.Parallelism)
	assert.Equal(t, 90*time.Second, cfg.Registry.IdleTTL())
	assert.Equal(t, 2*time.Second, cfg.Refresh.Interval())
	assert.Equal(t, []string{"a/**", "b/**"}, cfg.Record.Ignore)
	assert.Equal(t, 256, cfg.Registry.MaxOpen)

	path := writeFile(t, "loom.toml", "data_dir = \"/from/file\"\n")
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/loom", loaded.DataDir, "environment wins over file")
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.DataDir = ""
	cfg.Registry.MaxOpen = 0
	cfg.Log.Level = "loud"

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "data_dir")
	assert.ErrorContains(t, err, "max_open")
	assert.ErrorContains(t, err, "loud")
}
