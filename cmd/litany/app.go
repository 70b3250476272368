package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/kimhsiao/litany/internal/config"
	"github.com/kimhsiao/litany/internal/db"
	"github.com/kimhsiao/litany/internal/export"
	"github.com/kimhsiao/litany/internal/logging"
	"github.com/kimhsiao/litany/internal/models"
	"github.com/kimhsiao/litany/internal/store"
	"github.com/kimhsiao/litany/internal/sync"
	"github.com/kimhsiao/litany/internal/sync/conflict"
	"github.com/kimhsiao/litany/internal/watch"
)

// app holds the components opened for one command invocation.
type app struct {
	cfg        *config.Config
	log        *logging.Logger
	logFile    io.Closer
	db         *db.DB
	repo       *db.Repository
	store      *store.Store
	engine     *conflict.Engine
	reconciler *sync.Reconciler
	exporter   *export.Service
}

func newApp(cfg *config.Config, stderr io.Writer) (*app, error) {
	a := &app{cfg: cfg}

	out := stderr
	if cfg.LogFile != "" {
		w := logging.NewFileWriter(logging.FileOptions{Path: cfg.LogFile})
		a.logFile = w
		out = w
	}
	a.log = logging.New(out, cfg.Level())

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		a.closeLog()
		return nil, fmt.Errorf("failed to open data directory %s: %w", cfg.DataDir, err)
	}
	a.db = database
	a.repo = db.NewRepository(database.DB, db.WithQuota(cfg.QuotaBytes))

	a.store = store.New(a.repo, store.Options{
		CacheTTL:    cfg.CacheTTL(),
		Debounce:    cfg.Debounce(),
		BackupLimit: cfg.BackupRecordLimit,
		Logger:      a.log,
	})
	a.engine = conflict.NewEngine(a.repo, conflict.Options{Logger: a.log})
	a.engine.SetEventCallbacks(conflict.EventCallbacks{
		OnManualRequired: func(c *models.ConflictRecord) {
			a.log.Warn("Conflict needs manual resolution", map[string]interface{}{
				"record_id":   string(c.RecordID),
				"conflict_id": c.ID,
				"field":       string(c.Field),
			})
		},
	})
	a.reconciler = sync.NewReconciler(a.store, a.engine, a.repo, a.log)
	a.exporter = export.NewService(a.store, a.repo, a.reconciler, a.log)
	return a, nil
}

// newWatcher watches the app's database for writes by other processes.
func (a *app) newWatcher() (*watch.Watcher, error) {
	return watch.New(a.cfg.DataDir, db.FileName, a.store, watch.Options{Logger: a.log})
}

// close flushes pending writes and releases every resource.
func (a *app) close(ctx context.Context) error {
	var firstErr error
	if err := a.store.Close(ctx); err != nil {
		firstErr = err
	}
	if err := a.repo.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := a.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	a.closeLog()
	return firstErr
}

func (a *app) closeLog() {
	if a.logFile != nil {
		a.logFile.Close()
	}
}

// readInput reads a named file, or stdin for "-".
func readInput(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}
