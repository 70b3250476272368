// Package store provides the local-first record store: an in-memory
// collection kept fresh against durable storage, with debounced writes and a
// trash lifecycle.
package store

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/kimhsiao/litany/internal/db"
	apperrors "github.com/kimhsiao/litany/internal/errors"
	"github.com/kimhsiao/litany/internal/logging"
	"github.com/kimhsiao/litany/internal/models"
	"github.com/kimhsiao/litany/internal/persist"
	"github.com/kimhsiao/litany/internal/trash"
	"github.com/kimhsiao/litany/internal/uuid"
)

// RecordsKey is the durable key holding the live collection.
const RecordsKey = "records"

// DefaultCacheTTL is the freshness window after the last durable read or write.
const DefaultCacheTTL = 2 * time.Second

// DefaultBackupLimit bounds the fallback backup written after a failed flush.
const DefaultBackupLimit = 50

const freshKey = "collection"

// Options configures a Store.
type Options struct {
	CacheTTL    time.Duration
	Debounce    time.Duration
	BackupLimit int

	// OnWriteError receives failures of background flushes.
	OnWriteError func(error)

	// Clock returns the current time in Unix milliseconds.
	Clock func() int64
	NewID uuid.Generator

	Logger *logging.Logger
}

// Store is the canonical record collection for one data directory.
type Store struct {
	kv     db.KVStore
	writer *persist.Writer
	trash  *trash.Manager
	fresh  *cache.Cache
	clock  func() int64
	newID  uuid.Generator
	log    *logging.Logger

	mu      sync.Mutex
	records []models.Record // newest first
	gen     atomic.Uint64
}

// New creates a Store over kv. The collection is read lazily.
func New(kv db.KVStore, opts Options) *Store {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.BackupLimit <= 0 {
		opts.BackupLimit = DefaultBackupLimit
	}
	if opts.Clock == nil {
		opts.Clock = func() int64 { return time.Now().UnixMilli() }
	}
	if opts.NewID == nil {
		opts.NewID = uuid.New
	}
	if opts.Logger == nil {
		opts.Logger = logging.Get()
	}

	log := opts.Logger.Named("store")
	onError := opts.OnWriteError
	if onError == nil {
		onError = func(err error) {
			log.WarnErr("Background flush failed", err)
		}
	}

	writer := persist.NewWriter(kv, persist.Options{
		Delay:    opts.Debounce,
		OnError:  onError,
		Fallback: persist.RecordPrefixFallback(RecordsKey, opts.BackupLimit, opts.Clock),
		Logger:   opts.Logger,
	})

	return &Store{
		kv:     kv,
		writer: writer,
		trash:  trash.NewManager(flushingReader{kv: kv, writer: writer}, writer, opts.Logger),
		fresh:  cache.New(opts.CacheTTL, 2*opts.CacheTTL),
		clock:  opts.Clock,
		newID:  opts.NewID,
		log:    log,
	}
}

// flushingReader writes staged values before reading so a re-read never
// observes durable state older than memory.
type flushingReader struct {
	kv     db.KVStore
	writer *persist.Writer
}

func (r flushingReader) Get(ctx context.Context, key string) ([]byte, error) {
	if err := r.writer.Flush(ctx); err != nil {
		return nil, err
	}
	return r.kv.Get(ctx, key)
}

// Now returns the store clock's current time in Unix milliseconds.
func (s *Store) Now() int64 {
	return s.clock()
}

// loadLocked returns the collection, re-reading durable storage when the
// freshness window has lapsed. Pending writes are flushed before the read.
func (s *Store) loadLocked(ctx context.Context) []models.Record {
	if _, ok := s.fresh.Get(freshKey); ok {
		return s.records
	}

	gen := s.gen.Load()
	if err := s.writer.Flush(ctx); err != nil {
		// Durable state lags memory; keep serving memory.
		s.log.WarnErr("Flush before re-read failed, keeping in-memory collection", err)
		s.markFresh(gen)
		return s.records
	}

	records := s.readDurable(ctx)
	s.records = records
	s.markFresh(gen)
	return s.records
}

// markFresh opens a new freshness window unless an invalidation arrived
// after gen was observed.
func (s *Store) markFresh(gen uint64) {
	if s.gen.Load() != gen {
		return
	}
	s.fresh.Set(freshKey, gen, cache.DefaultExpiration)
}

func (s *Store) readDurable(ctx context.Context) []models.Record {
	raw, err := s.kv.Get(ctx, RecordsKey)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return []models.Record{}
	}
	if err != nil {
		s.log.Error("Collection unreadable, starting empty", err)
		return []models.Record{}
	}

	var records []models.Record
	if err := json.Unmarshal(raw, &records); err != nil {
		s.log.Error("Collection corrupted, starting empty",
			apperrors.Wrap(apperrors.ErrCorruptedData, "decode collection", err))
		return []models.Record{}
	}
	if records == nil {
		records = []models.Record{}
	}
	s.log.Debug("Collection read", map[string]interface{}{"count": len(records)})
	return records
}

// persistLocked stages the collection and restarts the freshness window.
func (s *Store) persistLocked() error {
	data, err := json.Marshal(s.records)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "encode collection", err)
	}
	s.markFresh(s.gen.Load())
	return s.writer.Schedule(RecordsKey, data)
}

func (s *Store) indexLocked(id models.UUID) int {
	for i := range s.records {
		if s.records[i].ID == id {
			return i
		}
	}
	return -1
}

func cloneAll(records []models.Record) []models.Record {
	out := make([]models.Record, len(records))
	for i := range records {
		out[i] = records[i].Clone()
	}
	return out
}

// LoadAll returns a copy of the live collection, newest first.
func (s *Store) LoadAll(ctx context.Context) []models.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneAll(s.loadLocked(ctx))
}

// Get returns one live record.
func (s *Store) Get(ctx context.Context, id models.UUID) (models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked(ctx)

	i := s.indexLocked(id)
	if i < 0 {
		return models.Record{}, apperrors.Newf(apperrors.ErrNotFound, "record %s not found", id)
	}
	return s.records[i].Clone(), nil
}

// Create adds a new record built from d.
func (s *Store) Create(ctx context.Context, d models.Draft) (models.Record, error) {
	if err := d.Validate(); err != nil {
		return models.Record{}, apperrors.Wrap(apperrors.ErrValidation, "invalid record", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked(ctx)

	id := s.newID()
	for s.indexLocked(id) >= 0 || s.trash.Contains(ctx, id) {
		id = s.newID()
	}

	tags := d.Tags
	if tags == nil {
		tags = []string{}
	}
	now := s.clock()
	record := models.Record{
		ID:          id,
		Title:       d.Title,
		Arabic:      d.Arabic,
		Latin:       d.Latin,
		Translation: d.Translation,
		Category:    d.Category,
		Tags:        append(make([]string, 0, len(tags)), tags...),
		Source:      d.Source,
		Favorite:    d.Favorite,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.records = append([]models.Record{record}, s.records...)

	s.log.Debug("Record created", map[string]interface{}{"id": id})
	return record.Clone(), s.persistLocked()
}

// Update applies p to the record. updatedAt always moves forward, even when
// the clock has not.
func (s *Store) Update(ctx context.Context, id models.UUID, p models.Patch) (models.Record, error) {
	if err := p.Validate(); err != nil {
		return models.Record{}, apperrors.Wrap(apperrors.ErrValidation, "invalid patch", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked(ctx)

	i := s.indexLocked(id)
	if i < 0 {
		return models.Record{}, apperrors.Newf(apperrors.ErrNotFound, "record %s not found", id)
	}

	updated := s.records[i].Clone()
	p.Apply(&updated)
	updated.UpdatedAt = max(s.clock(), s.records[i].UpdatedAt+1)
	s.records[i] = updated

	return updated.Clone(), s.persistLocked()
}

// SoftDelete moves a live record to the trash. Missing ids are a no-op.
func (s *Store) SoftDelete(ctx context.Context, id models.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked(ctx)

	i := s.indexLocked(id)
	if i < 0 {
		return false, nil
	}
	record := s.records[i]
	s.records = append(s.records[:i:i], s.records[i+1:]...)

	if err := s.trash.Add(ctx, record, s.clock()); err != nil {
		return true, err
	}
	return true, s.persistLocked()
}

// Restore moves a trashed record back to the front of the collection.
// Missing ids are a no-op.
func (s *Store) Restore(ctx context.Context, id models.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked(ctx)

	record, ok, err := s.trash.Take(ctx, id)
	if err != nil || !ok {
		return ok, err
	}
	if i := s.indexLocked(id); i >= 0 {
		s.records = append(s.records[:i:i], s.records[i+1:]...)
	}
	s.records = append([]models.Record{record}, s.records...)
	return true, s.persistLocked()
}

// Purge permanently removes a trashed record.
func (s *Store) Purge(ctx context.Context, id models.UUID) (bool, error) {
	return s.trash.Purge(ctx, id)
}

// PurgeExpired removes trash entries older than retentionDays.
func (s *Store) PurgeExpired(ctx context.Context, retentionDays int) (int, error) {
	return s.trash.PurgeExpired(ctx, retentionDays, s.clock())
}

// Trash lists trashed records, newest first.
func (s *Store) Trash(ctx context.Context) []models.TrashEntry {
	return s.trash.List(ctx)
}

// InTrash reports whether id is trashed.
func (s *Store) InTrash(ctx context.Context, id models.UUID) bool {
	return s.trash.Contains(ctx, id)
}

// ApplyMerged replaces a live record with a merged copy. The record keeps
// its position and createdAt; updatedAt never moves backwards. Title and
// category must stay set.
func (s *Store) ApplyMerged(ctx context.Context, merged models.Record) (models.Record, error) {
	required := models.Draft{Title: merged.Title, Category: merged.Category}
	if err := required.Validate(); err != nil {
		return models.Record{}, apperrors.Wrap(apperrors.ErrValidation, "invalid merged record", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked(ctx)

	i := s.indexLocked(merged.ID)
	if i < 0 {
		return models.Record{}, apperrors.Newf(apperrors.ErrNotFound, "record %s not found", merged.ID)
	}
	next := merged.Clone()
	next.CreatedAt = s.records[i].CreatedAt
	next.UpdatedAt = max(next.UpdatedAt, s.records[i].UpdatedAt)
	if next.Tags == nil {
		next.Tags = []string{}
	}
	s.records[i] = next
	return next.Clone(), s.persistLocked()
}

// Adopt inserts an externally supplied record as-is, keeping its id and
// timestamps.
func (s *Store) Adopt(ctx context.Context, r models.Record) (models.Record, error) {
	if r.ID == "" {
		return models.Record{}, apperrors.New(apperrors.ErrValidation, "record id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked(ctx)

	if s.indexLocked(r.ID) >= 0 || s.trash.Contains(ctx, r.ID) {
		return models.Record{}, apperrors.Newf(apperrors.ErrDuplicate, "record %s already exists", r.ID)
	}
	adopted := r.Clone()
	if adopted.Tags == nil {
		adopted.Tags = []string{}
	}
	if adopted.UpdatedAt < adopted.CreatedAt {
		adopted.UpdatedAt = adopted.CreatedAt
	}
	s.records = append([]models.Record{adopted}, s.records...)
	return adopted.Clone(), s.persistLocked()
}

// ReplaceAll swaps the live collection and the trash wholesale.
func (s *Store) ReplaceAll(ctx context.Context, records []models.Record, trashed []models.TrashEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = cloneAll(records)
	for i := range s.records {
		if s.records[i].Tags == nil {
			s.records[i].Tags = []string{}
		}
	}
	if err := s.trash.Replace(ctx, trashed); err != nil {
		return err
	}
	return s.persistLocked()
}

// Invalidate drops the freshness window so the next read re-reads durable
// storage. A read already in flight will not reopen the window.
func (s *Store) Invalidate() {
	s.gen.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fresh.Delete(freshKey)
	s.trash.Invalidate()
}

// Flush forces pending durable writes.
func (s *Store) Flush(ctx context.Context) error {
	return s.writer.Flush(ctx)
}

// Pending lists durable keys waiting for the next flush.
func (s *Store) Pending() []string {
	return s.writer.Pending()
}

// Close flushes pending writes and stops accepting new ones.
func (s *Store) Close(ctx context.Context) error {
	return s.writer.Close(ctx)
}
