// Package persist provides the debounced durable writer shared by the record
// collection and the trash list.
package persist

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kimhsiao/litany/internal/db"
	apperrors "github.com/kimhsiao/litany/internal/errors"
	"github.com/kimhsiao/litany/internal/logging"
)

// DefaultDelay is the quiet period before staged values are written.
const DefaultDelay = 300 * time.Millisecond

// BackupPrefix prefixes the keys of fallback backups.
const BackupPrefix = "backup:"

// Batcher is the durable side of the writer.
type Batcher interface {
	PutBatch(ctx context.Context, entries []db.Entry) error
}

// FallbackFunc builds a smaller best-effort backup from the values of a
// failed batch. ok=false means there is nothing worth backing up.
type FallbackFunc func(failed map[string][]byte) (key string, value []byte, ok bool)

// Options configures a Writer.
type Options struct {
	// Delay is the shared quiet period. Zero means DefaultDelay.
	Delay time.Duration

	// OnError receives failures of timer-driven flushes. Failures of an
	// explicit Flush are returned to the caller instead.
	OnError func(error)

	// Fallback is attempted after a failed batch.
	Fallback FallbackFunc

	Logger *logging.Logger
}

// Writer stages key/value pairs and writes them in one batch once no new
// value has been staged for the quiet period.
type Writer struct {
	store    Batcher
	delay    time.Duration
	onError  func(error)
	fallback FallbackFunc
	log      *logging.Logger

	mu      sync.Mutex
	staged  map[string][]byte
	timer   *time.Timer
	closed  bool
	flushMu sync.Mutex // one batch in flight at a time, committed in order
}

// ErrClosed is returned by Schedule after Close.
var ErrClosed = apperrors.New(apperrors.ErrWriteFailed, "writer is closed")

// NewWriter creates a Writer over store.
func NewWriter(store Batcher, opts Options) *Writer {
	if opts.Delay <= 0 {
		opts.Delay = DefaultDelay
	}
	if opts.Logger == nil {
		opts.Logger = logging.Get()
	}
	return &Writer{
		store:    store,
		delay:    opts.Delay,
		onError:  opts.OnError,
		fallback: opts.Fallback,
		log:      opts.Logger.Named("writer"),
		staged:   make(map[string][]byte),
	}
}

// Schedule stages value under key, replacing any value already staged for
// it, and restarts the shared quiet-period timer.
func (w *Writer) Schedule(key string, value []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	w.staged[key] = value
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.delay, w.onTimer)
	return nil
}

// Pending returns the staged keys in ascending order.
func (w *Writer) Pending() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	keys := make([]string, 0, len(w.staged))
	for k := range w.staged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (w *Writer) onTimer() {
	if err := w.Flush(context.Background()); err != nil && w.onError != nil {
		w.onError(err)
	}
}

// Flush writes every staged value now. Values staged while the batch is
// being written belong to the next cycle.
func (w *Writer) Flush(ctx context.Context) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	batch := w.staged
	w.staged = make(map[string][]byte)
	w.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	entries := make([]db.Entry, 0, len(batch))
	for k, v := range batch {
		entries = append(entries, db.Entry{Key: k, Value: v})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })

	err := w.store.PutBatch(ctx, entries)
	if err == nil {
		w.log.Debug("Batch written", map[string]interface{}{"keys": len(entries)})
		return nil
	}

	restaged := w.restage(batch)
	w.log.WarnErr("Durable write failed, in-memory state kept", err, map[string]interface{}{
		"keys":     len(entries),
		"restaged": restaged,
	})

	if fbErr := w.writeFallback(ctx, batch); fbErr != nil {
		w.log.WarnErr("Fallback backup failed", fbErr)
		return stderrors.Join(err, fbErr)
	}
	return err
}

// restage puts failed values back unless a newer value was staged meanwhile.
func (w *Writer) restage(batch map[string][]byte) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for k, v := range batch {
		if _, newer := w.staged[k]; newer {
			continue
		}
		w.staged[k] = v
		n++
	}
	return n
}

func (w *Writer) writeFallback(ctx context.Context, batch map[string][]byte) error {
	if w.fallback == nil {
		return nil
	}
	key, value, ok := w.fallback(batch)
	if !ok {
		return nil
	}
	if err := w.store.PutBatch(ctx, []db.Entry{{Key: key, Value: value}}); err != nil {
		return apperrors.Wrap(apperrors.ErrWriteFailed, fmt.Sprintf("write fallback %s", key), err)
	}
	w.log.Info("Fallback backup written", map[string]interface{}{"key": key, "bytes": len(value)})
	return nil
}

// Close flushes staged values and rejects further Schedule calls.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return w.Flush(ctx)
}

// RecordPrefixFallback returns a FallbackFunc that backs up at most limit
// elements of the JSON array staged under sourceKey, stored as
// backup:<unix-ms>.
func RecordPrefixFallback(sourceKey string, limit int, now func() int64) FallbackFunc {
	return func(failed map[string][]byte) (string, []byte, bool) {
		raw, ok := failed[sourceKey]
		if !ok || limit <= 0 {
			return "", nil, false
		}
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return "", nil, false
		}
		if len(items) > limit {
			items = items[:limit]
		}
		value, err := json.Marshal(items)
		if err != nil {
			return "", nil, false
		}
		return fmt.Sprintf("%s%d", BackupPrefix, now()), value, true
	}
}
