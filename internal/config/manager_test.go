package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestManager_Status(t *testing.T) {
	clearEnv(t)
	path := writeConfigFile(t, "redis:\n  max_connections: 16\n")

	mgr, err := NewManager(path, discardLogger())
	require.NoError(t, err)

	status := mgr.Status()
	assert.Equal(t, path, status.Path)
	assert.NotEmpty(t, status.Checksum)
	assert.False(t, status.LoadedAt.IsZero())
	assert.Equal(t, uint64(1), status.ReloadCount)
	assert.Equal(t, 16, mgr.Get().Redis.MaxConnections)
}

func TestManager_ReloadUpdatesChecksumAndConfig(t *testing.T) {
	clearEnv(t)
	path := writeConfigFile(t, "redis:\n  max_connections: 16\n")

	mgr, err := NewManager(path, discardLogger())
	require.NoError(t, err)
	before := mgr.Status()

	require.NoError(t, os.WriteFile(path, []byte("redis:\n  max_connections: 32\n"), 0o600))
	require.NoError(t, mgr.Reload())

	after := mgr.Status()
	assert.NotEqual(t, before.Checksum, after.Checksum)
	assert.Equal(t, uint64(2), after.ReloadCount)
	assert.Equal(t, 32, mgr.Get().Redis.MaxConnections)
}

func TestManager_ReloadKeepsPreviousConfigOnError(t *testing.T) {
	clearEnv(t)
	path := writeConfigFile(t, "redis:\n  max_connections: 16\n")

	mgr, err := NewManager(path, discardLogger())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("redis:\n  max_connections: 0\n"), 0o600))
	assert.Error(t, mgr.Reload())
	assert.Equal(t, 16, mgr.Get().Redis.MaxConnections)
}

func TestManager_OnChangeNotifiedAfterReload(t *testing.T) {
	clearEnv(t)
	path := writeConfigFile(t, "redis:\n  max_connections: 16\n")

	mgr, err := NewManager(path, discardLogger())
	require.NoError(t, err)

	notified := make(chan *Config, 1)
	mgr.OnChange(func(cfg *Config) { notified <- cfg })

	require.NoError(t, os.WriteFile(path, []byte("redis:\n  max_connections: 24\n"), 0o600))
	require.NoError(t, mgr.Reload())

	select {
	case cfg := <-notified:
		assert.Equal(t, 24, cfg.Redis.MaxConnections)
	case <-time.After(time.Second):
		t.Fatal("OnChange callback was not invoked")
	}
}

func TestManager_WatchReloadsOnFileWrite(t *testing.T) {
	clearEnv(t)
	path := writeConfigFile(t, "redis:\n  max_connections: 16\n")

	mgr, err := NewManager(path, discardLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, mgr.Watch(ctx))
	defer func() { _ = mgr.Close() }()

	require.NoError(t, os.WriteFile(path, []byte("redis:\n  max_connections: 48\n"), 0o600))

	require.Eventually(t, func() bool {
		return mgr.Get().Redis.MaxConnections == 48
	}, 3*time.Second, 10*time.Millisecond)
}

func TestManager_EmptyPathWatchIsNoOp(t *testing.T) {
	clearEnv(t)
	mgr, err := NewManager("", discardLogger())
	require.NoError(t, err)
	assert.NoError(t, mgr.Watch(context.Background()))
}
