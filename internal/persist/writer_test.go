package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/litany/internal/db"
	apperrors "github.com/kimhsiao/litany/internal/errors"
	"github.com/kimhsiao/litany/internal/logging"
)

// fakeBatcher records every batch and can fail or block on demand.
type fakeBatcher struct {
	mu      sync.Mutex
	batches [][]db.Entry
	values  map[string][]byte
	fail    func(entries []db.Entry) error
	block   chan struct{} // when set, PutBatch waits on it
	entered chan struct{}
}

func newFakeBatcher() *fakeBatcher {
	return &fakeBatcher{values: make(map[string][]byte)}
}

func (f *fakeBatcher) PutBatch(_ context.Context, entries []db.Entry) error {
	f.mu.Lock()
	block, entered, fail := f.block, f.entered, f.fail
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if fail != nil {
		if err := fail(entries); err != nil {
			return err
		}
	}
	f.batches = append(f.batches, append([]db.Entry(nil), entries...))
	for _, e := range entries {
		f.values[e.Key] = e.Value
	}
	return nil
}

func (f *fakeBatcher) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func (f *fakeBatcher) value(key string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.values[key]
}

func quietLogger() *logging.Logger {
	return logging.New(&bytes.Buffer{}, logging.LevelError)
}

func TestWriter_DebouncesIntoOneBatch(t *testing.T) {
	store := newFakeBatcher()
	w := NewWriter(store, Options{Delay: 20 * time.Millisecond, Logger: quietLogger()})

	for i := 0; i < 5; i++ {
		require.NoError(t, w.Schedule("records", []byte{byte('0' + i)}))
		time.Sleep(5 * time.Millisecond)
	}
	require.NoError(t, w.Schedule("trash", []byte("t")))

	require.Eventually(t, func() bool { return store.batchCount() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 1, store.batchCount(), "rapid schedules must collapse into one batch")
	assert.Equal(t, []byte("4"), store.value("records"), "last staged value wins")
	assert.Equal(t, []byte("t"), store.value("trash"))
	assert.Empty(t, w.Pending())
}

func TestWriter_FlushWritesImmediately(t *testing.T) {
	store := newFakeBatcher()
	w := NewWriter(store, Options{Delay: time.Hour, Logger: quietLogger()})

	require.NoError(t, w.Schedule("b", []byte("2")))
	require.NoError(t, w.Schedule("a", []byte("1")))
	assert.Equal(t, []string{"a", "b"}, w.Pending())

	require.NoError(t, w.Flush(context.Background()))
	require.Equal(t, 1, store.batchCount())
	assert.Equal(t, "a", store.batches[0][0].Key, "batch entries are key-ordered")

	// Nothing staged: no batch
	require.NoError(t, w.Flush(context.Background()))
	assert.Equal(t, 1, store.batchCount())
}

func TestWriter_ValuesStagedDuringFlushGoToNextCycle(t *testing.T) {
	store := newFakeBatcher()
	block := make(chan struct{})
	store.block = block
	store.entered = make(chan struct{}, 1)
	w := NewWriter(store, Options{Delay: time.Hour, Logger: quietLogger()})

	require.NoError(t, w.Schedule("records", []byte("v1")))

	done := make(chan error, 1)
	go func() { done <- w.Flush(context.Background()) }()
	<-store.entered

	// Batch v1 is in flight; v2 must survive it.
	require.NoError(t, w.Schedule("records", []byte("v2")))
	assert.Equal(t, []string{"records"}, w.Pending())

	store.mu.Lock()
	store.block = nil
	store.entered = nil
	store.mu.Unlock()
	close(block)

	require.NoError(t, <-done)
	assert.Equal(t, []byte("v1"), store.value("records"))

	require.NoError(t, w.Flush(context.Background()))
	assert.Equal(t, []byte("v2"), store.value("records"))
}

func TestWriter_FailureRestagesAndReports(t *testing.T) {
	store := newFakeBatcher()
	quota := apperrors.New(apperrors.ErrQuotaExceeded, "full")
	store.fail = func(entries []db.Entry) error {
		if len(entries) > 1 || entries[0].Key == "records" {
			return quota
		}
		return nil
	}

	now := func() int64 { return 1700000000000 }
	w := NewWriter(store, Options{
		Delay:    time.Hour,
		Logger:   quietLogger(),
		Fallback: RecordPrefixFallback("records", 2, now),
	})

	records := `[{"id":"1"},{"id":"2"},{"id":"3"}]`
	require.NoError(t, w.Schedule("records", []byte(records)))

	err := w.Flush(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrQuotaExceeded))

	// Failed value is re-staged for the next cycle.
	assert.Equal(t, []string{"records"}, w.Pending())

	// Fallback backup holds a bounded prefix.
	backup := store.value("backup:1700000000000")
	require.NotNil(t, backup)
	var items []map[string]string
	require.NoError(t, json.Unmarshal(backup, &items))
	assert.Len(t, items, 2)
	assert.Equal(t, "1", items[0]["id"])
}

func TestWriter_FailureKeepsNewerValue(t *testing.T) {
	store := newFakeBatcher()
	store.block = make(chan struct{})
	store.entered = make(chan struct{}, 1)
	store.fail = func([]db.Entry) error { return apperrors.New(apperrors.ErrWriteFailed, "disk") }
	w := NewWriter(store, Options{Delay: time.Hour, Logger: quietLogger()})

	require.NoError(t, w.Schedule("records", []byte("old")))
	done := make(chan error, 1)
	go func() { done <- w.Flush(context.Background()) }()
	<-store.entered

	require.NoError(t, w.Schedule("records", []byte("new")))
	close(store.block)
	require.Error(t, <-done)

	store.mu.Lock()
	store.block = nil
	store.entered = nil
	store.fail = nil
	store.mu.Unlock()

	require.NoError(t, w.Flush(context.Background()))
	assert.Equal(t, []byte("new"), store.value("records"), "re-staging must not clobber a newer value")
}

func TestWriter_FallbackFailureIsJoined(t *testing.T) {
	store := newFakeBatcher()
	original := apperrors.New(apperrors.ErrQuotaExceeded, "full")
	store.fail = func([]db.Entry) error { return original }

	w := NewWriter(store, Options{
		Delay:    time.Hour,
		Logger:   quietLogger(),
		Fallback: RecordPrefixFallback("records", 50, func() int64 { return 1 }),
	})
	require.NoError(t, w.Schedule("records", []byte(`[1,2,3]`)))

	err := w.Flush(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, original, "original error must be preserved")
	assert.True(t, apperrors.Is(err, apperrors.ErrWriteFailed), "fallback failure is reported too")
}

func TestWriter_TimerFailureGoesToHandler(t *testing.T) {
	store := newFakeBatcher()
	store.fail = func([]db.Entry) error { return apperrors.New(apperrors.ErrWriteFailed, "disk") }

	errs := make(chan error, 1)
	w := NewWriter(store, Options{
		Delay:   10 * time.Millisecond,
		Logger:  quietLogger(),
		OnError: func(err error) { errs <- err },
	})
	require.NoError(t, w.Schedule("records", []byte("x")))

	select {
	case err := <-errs:
		assert.True(t, apperrors.Is(err, apperrors.ErrWriteFailed))
	case <-time.After(time.Second):
		t.Fatal("error handler was not called")
	}
}

func TestWriter_Close(t *testing.T) {
	store := newFakeBatcher()
	w := NewWriter(store, Options{Delay: time.Hour, Logger: quietLogger()})

	require.NoError(t, w.Schedule("records", []byte("x")))
	require.NoError(t, w.Close(context.Background()))
	assert.Equal(t, []byte("x"), store.value("records"))

	err := w.Schedule("records", []byte("y"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRecordPrefixFallback(t *testing.T) {
	fb := RecordPrefixFallback("records", 1, func() int64 { return 42 })

	_, _, ok := fb(map[string][]byte{"trash": []byte(`[]`)})
	assert.False(t, ok, "no records staged")

	_, _, ok = fb(map[string][]byte{"records": []byte(`not json`)})
	assert.False(t, ok, "unparseable collection")

	key, value, ok := fb(map[string][]byte{"records": []byte(`[{"a":1},{"a":2}]`)})
	require.True(t, ok)
	assert.Equal(t, "backup:42", key)
	assert.JSONEq(t, `[{"a":1}]`, string(value))
}

func TestWriter_SameKeyTwiceThenFlushPersistsLatestOnce(t *testing.T) {
	store := newFakeBatcher()
	w := NewWriter(store, Options{Delay: time.Hour, Logger: quietLogger()})

	require.NoError(t, w.Schedule("k", []byte("v1")))
	require.NoError(t, w.Schedule("k", []byte("v2")))
	require.NoError(t, w.Flush(context.Background()))

	require.Equal(t, 1, store.batchCount())
	require.Len(t, store.batches[0], 1)
	assert.Equal(t, db.Entry{Key: "k", Value: []byte("v2")}, store.batches[0][0])
}
