// Package trash manages soft-deleted records, persisted independently of the
// live collection.
package trash

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/litany/internal/errors"
	"github.com/kimhsiao/litany/internal/logging"
	"github.com/kimhsiao/litany/internal/models"
)

// Key is the durable key holding the trash list.
const Key = "trash"

// DefaultRetentionDays is how long entries stay before PurgeExpired drops them.
const DefaultRetentionDays = 30

const dayMillis = int64(24 * time.Hour / time.Millisecond)

// Reader loads the persisted list.
type Reader interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// Scheduler stages the list for a debounced write.
type Scheduler interface {
	Schedule(key string, value []byte) error
}

// Manager holds the trash list in memory and stages every change.
type Manager struct {
	reader Reader
	writer Scheduler
	log    *logging.Logger

	mu      sync.Mutex
	entries []models.TrashEntry // newest first
	loaded  bool
}

// NewManager creates a Manager. The list is loaded lazily.
func NewManager(reader Reader, writer Scheduler, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Get()
	}
	return &Manager{reader: reader, writer: writer, log: logger.Named("trash")}
}

// Invalidate marks the in-memory list stale so the next call re-reads it.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaded = false
}

// loadLocked re-reads a stale list. A read error keeps the list already in
// memory; undecodable data degrades to an empty list.
func (m *Manager) loadLocked(ctx context.Context) {
	if m.loaded {
		return
	}
	m.loaded = true

	raw, err := m.reader.Get(ctx, Key)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		m.entries = nil
		return
	}
	if err != nil {
		m.log.Error("Trash unreadable, keeping in-memory list", err)
		return
	}
	var entries []models.TrashEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		m.log.Error("Trash corrupted, starting empty", apperrors.Wrap(apperrors.ErrCorruptedData, "decode trash", err))
		m.entries = nil
		return
	}
	sortNewestFirst(entries)
	m.entries = entries
}

func sortNewestFirst(entries []models.TrashEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].DeletedAt > entries[j].DeletedAt
	})
}

func (m *Manager) persistLocked() error {
	entries := m.entries
	if entries == nil {
		entries = []models.TrashEntry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "encode trash", err)
	}
	return m.writer.Schedule(Key, data)
}

func cloneEntry(e models.TrashEntry) models.TrashEntry {
	return models.TrashEntry{Record: e.Record.Clone(), DeletedAt: e.DeletedAt}
}

// List returns the entries newest first.
func (m *Manager) List(ctx context.Context) []models.TrashEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadLocked(ctx)

	out := make([]models.TrashEntry, len(m.entries))
	for i, e := range m.entries {
		out[i] = cloneEntry(e)
	}
	return out
}

// Contains reports whether id is in the trash.
func (m *Manager) Contains(ctx context.Context, id models.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadLocked(ctx)
	return m.indexLocked(id) >= 0
}

func (m *Manager) indexLocked(id models.UUID) int {
	for i := range m.entries {
		if m.entries[i].ID == id {
			return i
		}
	}
	return -1
}

// Add moves a record into the trash at deletedAt. An existing entry with the
// same id is replaced.
func (m *Manager) Add(ctx context.Context, record models.Record, deletedAt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadLocked(ctx)

	if i := m.indexLocked(record.ID); i >= 0 {
		m.entries = append(m.entries[:i], m.entries[i+1:]...)
	}
	entry := models.TrashEntry{Record: record.Clone(), DeletedAt: deletedAt}
	m.entries = append([]models.TrashEntry{entry}, m.entries...)
	sortNewestFirst(m.entries)
	return m.persistLocked()
}

// Take removes id from the trash and returns the bare record. ok is false
// when id is not in the trash.
func (m *Manager) Take(ctx context.Context, id models.UUID) (models.Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadLocked(ctx)

	i := m.indexLocked(id)
	if i < 0 {
		return models.Record{}, false, nil
	}
	record := m.entries[i].Record.Clone()
	m.entries = append(m.entries[:i], m.entries[i+1:]...)
	return record, true, m.persistLocked()
}

// Purge permanently removes id. Missing ids are a no-op.
func (m *Manager) Purge(ctx context.Context, id models.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadLocked(ctx)

	i := m.indexLocked(id)
	if i < 0 {
		return false, nil
	}
	m.entries = append(m.entries[:i], m.entries[i+1:]...)
	return true, m.persistLocked()
}

// PurgeExpired removes entries deleted strictly before now minus
// retentionDays. An entry exactly at the edge is kept. A non-positive
// retention uses DefaultRetentionDays.
func (m *Manager) PurgeExpired(ctx context.Context, retentionDays int, now int64) (int, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	edge := now - int64(retentionDays)*dayMillis

	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadLocked(ctx)

	kept := m.entries[:0]
	removed := 0
	for _, e := range m.entries {
		if e.DeletedAt < edge {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	if removed == 0 {
		return 0, nil
	}
	m.log.Info("Expired trash purged", map[string]interface{}{
		"removed":        removed,
		"retention_days": retentionDays,
	})
	return removed, m.persistLocked()
}

// Replace swaps the whole list, used by import.
func (m *Manager) Replace(ctx context.Context, entries []models.TrashEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make([]models.TrashEntry, len(entries))
	for i, e := range entries {
		m.entries[i] = cloneEntry(e)
	}
	sortNewestFirst(m.entries)
	m.loaded = true
	return m.persistLocked()
}
