package watch

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drainFor(t *testing.T, b *Bridge, d time.Duration) []Event {
	t.Helper()
	var got []Event
	deadline := time.After(d)
	for {
		select {
		case e, ok := <-b.Events():
			if !ok {
				return got
			}
			got = append(got, e)
		case <-deadline:
			return got
		}
	}
}

func TestBridge_WriteBurstDebouncesToOneEvent(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("1"), 0o644))

	b, err := Start(root)
	require.NoError(t, err)
	defer b.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte("burst"), 0o644))
		time.Sleep(20 * time.Millisecond)
	}

	events := drainFor(t, b, 2*time.Second)
	var writes int
	for _, e := range events {
		if e.Kind == Write && e.Path == path {
			writes++
		}
	}
	assert.Equal(t, 1, writes, "expected a burst of writes to collapse into a single Write event, got %v", events)
}

func TestBridge_SkipsControlDirectory(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".mirra"), 0o755))

	b, err := Start(root)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, os.WriteFile(filepath.Join(root, ".mirra", "state"), []byte("x"), 0o644))
	events := drainFor(t, b, 1500*time.Millisecond)
	for _, e := range events {
		assert.NotContains(t, e.Path, ".mirra")
	}
}

func TestBridge_WatcherErrorTriggersRescan(t *testing.T) {
	root := t.TempDir()
	b, err := Start(root)
	require.NoError(t, err)
	defer b.Close()

	b.w.Errors <- errors.New("simulated watcher failure")

	events := drainFor(t, b, 1500*time.Millisecond)
	var rescans int
	for _, e := range events {
		if e.Kind == Rescan {
			rescans++
		}
	}
	assert.Equal(t, 1, rescans, "expected a watcher error to deliver exactly one Rescan event, got %v", events)
}

func TestBridge_CloseStopsDelivery(t *testing.T) {
	root := t.TempDir()
	b, err := Start(root)
	require.NoError(t, err)
	require.NoError(t, b.Close())
	_, ok := <-b.Events()
	assert.False(t, ok, "Events channel should be closed after Close")
}
