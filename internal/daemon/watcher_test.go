package daemon

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/require"

	"github.com/animus-coder/taskplane/internal/contract"
)

type countingSweeper struct {
	calls atomic.Int32
}

func (s *countingSweeper) CheckAll(context.Context) ([]*contract.Trip, error) {
	s.calls.Add(1)
	return nil, nil
}

func TestWatcherSweepsOnStartupAndOnChange(t *testing.T) {
	dir := t.TempDir()
	sweeper := &countingSweeper{}
	w := NewWatcher(dir, sweeper, 0, nil, nil)
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return sweeper.calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	// Temp and lock files are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".T-1.json.tmp-1"), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "T-1.json.lock"), nil, 0o600))
	time.Sleep(100 * time.Millisecond)
	require.EqualValues(t, 1, sweeper.calls.Load())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "T-1.json"), []byte("{}"), 0o644))
	require.Eventually(t, func() bool { return sweeper.calls.Load() == 2 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestWatcherPeriodicSweep(t *testing.T) {
	sweeper := &countingSweeper{}
	w := NewWatcher(t.TempDir(), sweeper, 30*time.Millisecond, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return sweeper.calls.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestIsContractEvent(t *testing.T) {
	cases := []struct {
		ev   fsnotify.Event
		want bool
	}{
		{fsnotify.Event{Name: "/c/T-1.json", Op: fsnotify.Create}, true},
		{fsnotify.Event{Name: "/c/T-1.json", Op: fsnotify.Write}, true},
		{fsnotify.Event{Name: "/c/T-1.json", Op: fsnotify.Chmod}, false},
		{fsnotify.Event{Name: "/c/T-1.json.lock", Op: fsnotify.Write}, false},
		{fsnotify.Event{Name: "/c/.T-1.json.tmp-42", Op: fsnotify.Create}, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, isContractEvent(tc.ev), tc.ev.String())
	}
}
