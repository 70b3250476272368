// Package watch turns filesystem changes to the database files in a data
// directory into a payload-free "re-read" signal.
package watch

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kimhsiao/litany/internal/logging"
)

// DefaultQuiet coalesces the burst of events a single SQLite commit produces.
const DefaultQuiet = 50 * time.Millisecond

// Invalidator is told to drop cached state when the database changes.
type Invalidator interface {
	Invalidate()
}

// Options configures a Watcher.
type Options struct {
	Quiet  time.Duration
	Logger *logging.Logger
}

// Watcher watches one data directory for changes to a database file and its
// journal companions.
type Watcher struct {
	fsw     *fsnotify.Watcher
	dir     string
	base    string
	sink    Invalidator
	quiet   time.Duration
	signals chan struct{}
	log     *logging.Logger

	mu      sync.Mutex
	running bool
	stopped bool
	timer   *time.Timer
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a Watcher for the database named base inside dir. sink may be
// nil when only Signals is consumed.
func New(dir, base string, sink Invalidator, opts Options) (*Watcher, error) {
	if opts.Quiet <= 0 {
		opts.Quiet = DefaultQuiet
	}
	if opts.Logger == nil {
		opts.Logger = logging.Get()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &Watcher{
		fsw:     fsw,
		dir:     dir,
		base:    base,
		sink:    sink,
		quiet:   opts.Quiet,
		signals: make(chan struct{}, 1),
		log:     opts.Logger.Named("watch"),
	}, nil
}

// Start begins watching. The directory must exist.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}
	if w.stopped {
		return fmt.Errorf("watcher already stopped")
	}
	if err := w.fsw.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch data directory %s: %w", w.dir, err)
	}

	w.running = true
	w.done = make(chan struct{})
	w.wg.Add(1)
	go w.loop()

	w.log.Info("Watching data directory", map[string]interface{}{
		"dir":  w.dir,
		"file": w.base,
	})
	return nil
}

// Stop ends watching and waits for the event loop to exit. A pending
// signal is dropped.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		stopped := w.stopped
		w.stopped = true
		w.mu.Unlock()
		if stopped {
			return nil
		}
		return w.fsw.Close()
	}
	w.running = false
	w.stopped = true
	close(w.done)
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()

	err := w.fsw.Close()
	w.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// Signals delivers one value per coalesced burst of changes. Signals that
// are not received in time merge into the next one.
func (w *Watcher) Signals() <-chan struct{} {
	return w.signals
}

// IsRunning reports whether the watcher is active.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if w.relevant(event) {
				w.arm()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.WarnErr("Watch error", err)
		}
	}
}

// relevant reports whether event touches the database or its journals.
// The shared-memory index changes on plain reads and is ignored.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	name := filepath.Base(event.Name)
	if !strings.HasPrefix(name, w.base) {
		return false
	}
	switch strings.TrimPrefix(name, w.base) {
	case "", "-wal", "-journal":
	default:
		return false
	}
	return event.Has(fsnotify.Create) || event.Has(fsnotify.Write) ||
		event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)
}

// arm restarts the quiet-period timer.
func (w *Watcher) arm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.quiet, w.fire)
}

func (w *Watcher) fire() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.timer = nil
	w.mu.Unlock()

	if w.sink != nil {
		w.sink.Invalidate()
	}
	select {
	case w.signals <- struct{}{}:
	default:
	}
	w.log.Debug("Data directory changed", map[string]interface{}{"dir": w.dir})
}
