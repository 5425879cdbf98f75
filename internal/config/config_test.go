package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Equal(t, "leadpilot", cfg.Name)
	require.Equal(t, 20, cfg.Throttle.PerHourCap)
	require.Equal(t, 3, cfg.Engine.MaxRetries)
	require.True(t, cfg.Audit.Enabled)
}

func TestLoadLayersOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leadpilot.yaml")
	body := []byte("throttle:\n  per_hour_cap: 7\nengine:\n  max_retries: 1\n")
	require.NoError(t, os.WriteFile(path, body, 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 7, cfg.Throttle.PerHourCap)
	require.Equal(t, 1, cfg.Engine.MaxRetries)
	// Untouched sections keep their defaults.
	require.Equal(t, 100, cfg.Throttle.PerDayCap)
	require.Equal(t, "22:00", cfg.Throttle.QuietHours.Start)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("throttle: [not a map"), 0644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "leadpilot.yaml")

	cfg := DefaultConfig()
	cfg.Name = "custom"
	cfg.Throttle.PerDayCap = 42
	cfg.ApprovalTTLMs = 12345
	require.NoError(t, cfg.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "custom", got.Name)
	require.Equal(t, 42, got.Throttle.PerDayCap)
	require.Equal(t, 12345, got.ApprovalTTLMs)
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "leadpilot.yaml")
	require.NoError(t, DefaultConfig().Save(path))

	reloaded := make(chan *Config, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, Watch(ctx, path, nil, func(cfg *Config) { reloaded <- cfg }))

	body := []byte("throttle:\n  per_hour_cap: 3\n")
	require.NoError(t, os.WriteFile(path, body, 0644))

	select {
	case cfg := <-reloaded:
		require.Equal(t, 3, cfg.Throttle.PerHourCap)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never reloaded")
	}
}

func TestWatchIgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "leadpilot.yaml")
	require.NoError(t, DefaultConfig().Save(path))

	reloaded := make(chan *Config, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, Watch(ctx, path, nil, func(cfg *Config) { reloaded <- cfg }))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0644))

	select {
	case <-reloaded:
		t.Fatal("reload fired for an unrelated file")
	case <-time.After(200 * time.Millisecond):
	}
}
