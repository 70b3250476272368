package watch

import (
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/litany/internal/logging"
)

type countingSink struct{ n atomic.Int32 }

func (c *countingSink) Invalidate() { c.n.Add(1) }

func newTestWatcher(t *testing.T, sink Invalidator) (*Watcher, string) {
	t.Helper()
	dir := t.TempDir()
	w, err := New(dir, "litany.db", sink, Options{
		Quiet:  10 * time.Millisecond,
		Logger: logging.New(io.Discard, logging.LevelError),
	})
	require.NoError(t, err)
	t.Cleanup(func() { w.Stop() })
	return w, dir
}

func waitSignal(t *testing.T, w *Watcher) {
	t.Helper()
	select {
	case <-w.Signals():
	case <-time.After(2 * time.Second):
		t.Fatal("no change signal")
	}
}

func TestWatcher_relevant(t *testing.T) {
	w := &Watcher{base: "litany.db"}
	tests := []struct {
		name string
		op   fsnotify.Op
		want bool
	}{
		{"litany.db", fsnotify.Write, true},
		{"litany.db-wal", fsnotify.Write, true},
		{"litany.db-journal", fsnotify.Create, true},
		{"litany.db", fsnotify.Remove, true},
		{"litany.db", fsnotify.Rename, true},
		{"litany.db-shm", fsnotify.Write, false},
		{"litany.db", fsnotify.Chmod, false},
		{"litany.dbx", fsnotify.Write, false},
		{"notes.txt", fsnotify.Write, false},
	}
	for _, tt := range tests {
		ev := fsnotify.Event{Name: filepath.Join("/data", tt.name), Op: tt.op}
		assert.Equal(t, tt.want, w.relevant(ev), "%s %s", tt.name, tt.op)
	}
}

func TestWatcher_StartStop(t *testing.T) {
	w, _ := newTestWatcher(t, nil)
	assert.False(t, w.IsRunning())

	require.NoError(t, w.Start())
	assert.True(t, w.IsRunning())
	assert.Error(t, w.Start(), "second Start must fail")

	require.NoError(t, w.Stop())
	assert.False(t, w.IsRunning())
	assert.NoError(t, w.Stop(), "Stop is idempotent")
	assert.Error(t, w.Start(), "a stopped watcher cannot restart")
}

func TestWatcher_missingDir(t *testing.T) {
	w, err := New(filepath.Join(t.TempDir(), "missing"), "litany.db", nil, Options{
		Logger: logging.New(io.Discard, logging.LevelError),
	})
	require.NoError(t, err)
	defer w.Stop()
	assert.Error(t, w.Start())
}

func TestWatcher_signalsOnDatabaseWrite(t *testing.T) {
	sink := &countingSink{}
	w, dir := newTestWatcher(t, sink)
	require.NoError(t, w.Start())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "litany.db-wal"), []byte("page"), 0o644))
	waitSignal(t, w)
	assert.GreaterOrEqual(t, sink.n.Load(), int32(1))
}

func TestWatcher_ignoresOtherFiles(t *testing.T) {
	sink := &countingSink{}
	w, dir := newTestWatcher(t, sink)
	require.NoError(t, w.Start())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "litany.db-shm"), []byte("x"), 0o644))

	select {
	case <-w.Signals():
		t.Fatal("unexpected change signal")
	case <-time.After(150 * time.Millisecond):
	}
	assert.Equal(t, int32(0), sink.n.Load())
}

func TestWatcher_coalescesBurst(t *testing.T) {
	sink := &countingSink{}
	dir := t.TempDir()
	w, err := New(dir, "litany.db", sink, Options{
		Quiet:  200 * time.Millisecond,
		Logger: logging.New(io.Discard, logging.LevelError),
	})
	require.NoError(t, err)
	defer w.Stop()
	require.NoError(t, w.Start())

	path := filepath.Join(dir, "litany.db")
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte{byte(i)}, 0o644))
	}
	waitSignal(t, w)
	assert.Equal(t, int32(1), sink.n.Load())
}
