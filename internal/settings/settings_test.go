package settings

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDefaultsWhenFileMissing(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "settings.yaml"), zap.NewNop())
	require.NoError(t, store.Load())

	got := store.Get()
	assert.Equal(t, 5, got.HomeTargetLimit)
	assert.Equal(t, 5, got.LockTargetLimit)
	assert.False(t, got.SplitSmartspace)
	assert.Equal(t, ExpandedOpenModeIfLocked, got.ExpandedOpenMode)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"home_target_limit: 3\nlock_target_limit: 7\nsplit_smartspace: true\n"), 0o644))

	store := NewStore(path, zap.NewNop())
	require.NoError(t, store.Load())

	got := store.Get()
	assert.Equal(t, 3, got.HomeTargetLimit)
	assert.Equal(t, 7, got.LockTargetLimit)
	assert.True(t, got.SplitSmartspace)
	// Unset keys keep their defaults.
	assert.Equal(t, ExpandedOpenModeIfLocked, got.ExpandedOpenMode)
}

func TestSubscriberNotifiedOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	store := NewStore(path, zap.NewNop())
	require.NoError(t, store.Load())

	changes := make(chan Settings, 1)
	sub := store.Subscribe(func(s Settings) { changes <- s })
	defer sub.Unsubscribe()

	require.NoError(t, os.WriteFile(path, []byte("split_smartspace: true\n"), 0o644))
	require.NoError(t, store.Load())

	select {
	case got := <-changes:
		assert.True(t, got.SplitSmartspace)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for settings change")
	}
}

func TestReloadIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("home_target_limit: 3\n"), 0o644))

	store := NewStore(path, zap.NewNop())
	require.NoError(t, store.Load())

	notified := make(chan struct{}, 2)
	sub := store.Subscribe(func(Settings) { notified <- struct{}{} })
	defer sub.Unsubscribe()

	// Loading identical content must not republish.
	require.NoError(t, store.Load())
	select {
	case <-notified:
		t.Fatal("unchanged settings should not notify subscribers")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("home_target_limit: 3\n"), 0o644))

	store := NewStore(path, zap.NewNop())
	require.NoError(t, store.Load())
	require.NoError(t, store.Watch())
	defer store.Stop()

	changes := make(chan Settings, 1)
	sub := store.Subscribe(func(s Settings) { changes <- s })
	defer sub.Unsubscribe()

	require.NoError(t, os.WriteFile(path, []byte("home_target_limit: 9\n"), 0o644))

	select {
	case got := <-changes:
		assert.Equal(t, 9, got.HomeTargetLimit)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for watched reload")
	}
}
