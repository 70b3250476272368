// Package db provides repository operations for Litany's durable state.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zeebo/xxh3"

	apperrors "github.com/kimhsiao/litany/internal/errors"
	"github.com/kimhsiao/litany/internal/models"
)

// Repository provides key/value, conflict history and preference storage.
type Repository struct {
	db    *sql.DB
	quota int64
	now   func() time.Time

	// Prepared statements are created on first use and cached for reuse.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// Option configures a Repository.
type Option func(*Repository)

// WithQuota caps the total stored value bytes. Zero means unlimited.
func WithQuota(bytes int64) Option {
	return func(r *Repository) {
		r.quota = bytes
	}
}

// WithClock overrides the clock used for row timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) {
		r.now = now
	}
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB, opts ...Option) *Repository {
	r := &Repository{db: db, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// If another goroutine already stored one, close our duplicate.
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

// Quota returns the configured capacity in bytes (zero is unlimited).
func (r *Repository) Quota() int64 {
	return r.quota
}

// Checksum returns the hex xxh3 digest stored alongside every value.
func Checksum(value []byte) string {
	return fmt.Sprintf("%016x", xxh3.Hash(value))
}

// =====================================================
// Key/Value Operations
// =====================================================

// Get returns the value stored under key after verifying its checksum.
func (r *Repository) Get(ctx context.Context, key string) ([]byte, error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT value, checksum FROM kv WHERE key = ?`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "prepare kv read", err)
	}

	var value []byte
	var sum string
	err = stmt.QueryRowContext(ctx, key).Scan(&value, &sum)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "key %q not found", key)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("read key %q", key), err)
	}
	if got := Checksum(value); got != sum {
		return nil, apperrors.Newf(apperrors.ErrCorruptedData,
			"checksum mismatch for key %q: stored %s, computed %s", key, sum, got)
	}
	return value, nil
}

// PutBatch upserts every entry in a single transaction. The batch is
// rejected with ErrQuotaExceeded when it would push stored bytes past the
// quota.
func (r *Repository) PutBatch(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrWriteFailed, "begin batch", err)
	}
	defer tx.Rollback()

	if r.quota > 0 {
		if err := r.checkQuota(ctx, tx, entries); err != nil {
			return err
		}
	}

	// The transaction owns the only connection, so prepare on it directly.
	txStmt, err := tx.PrepareContext(ctx, `
	INSERT INTO kv (key, value, checksum, size, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		checksum = excluded.checksum,
		size = excluded.size,
		updated_at = excluded.updated_at
	`)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrWriteFailed, "prepare batch", err)
	}
	defer txStmt.Close()

	now := r.now().UnixMilli()
	for _, e := range entries {
		if e.Key == "" {
			return apperrors.New(apperrors.ErrValidation, "empty key in batch")
		}
		value := e.Value
		if value == nil {
			value = []byte{}
		}
		if _, err := txStmt.ExecContext(ctx, e.Key, value, Checksum(value), len(value), now); err != nil {
			return apperrors.Wrap(apperrors.ErrWriteFailed, fmt.Sprintf("write key %q", e.Key), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrWriteFailed, "commit batch", err)
	}
	return nil
}

func (r *Repository) checkQuota(ctx context.Context, tx *sql.Tx, entries []Entry) error {
	var total int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM kv`).Scan(&total); err != nil {
		return apperrors.Wrap(apperrors.ErrWriteFailed, "read usage", err)
	}

	seen := make(map[string]int64, len(entries))
	for _, e := range entries {
		if prev, ok := seen[e.Key]; ok {
			total -= prev
		} else {
			var existing int64
			err := tx.QueryRowContext(ctx, `SELECT size FROM kv WHERE key = ?`, e.Key).Scan(&existing)
			if err != nil && !stderrors.Is(err, sql.ErrNoRows) {
				return apperrors.Wrap(apperrors.ErrWriteFailed, "read entry size", err)
			}
			total -= existing
		}
		seen[e.Key] = int64(len(e.Value))
		total += int64(len(e.Value))
	}

	if total > r.quota {
		return apperrors.Newf(apperrors.ErrQuotaExceeded,
			"batch needs %d bytes, quota is %d", total, r.quota)
	}
	return nil
}

// Delete removes key.
func (r *Repository) Delete(ctx context.Context, key string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return apperrors.Wrap(apperrors.ErrWriteFailed, fmt.Sprintf("delete key %q", key), err)
	}
	return nil
}

// Keys lists keys starting with prefix.
func (r *Repository) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT key FROM kv WHERE substr(key, 1, ?) = ? ORDER BY key`, len(prefix), prefix)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list keys", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan key", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Usage returns the total stored value bytes.
func (r *Repository) Usage(ctx context.Context) (int64, error) {
	var total int64
	if err := r.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM kv`).Scan(&total); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "read usage", err)
	}
	return total, nil
}

// =====================================================
// Conflict History Operations
// =====================================================

func encodeValue(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeValue(f models.Field, s sql.NullString) (any, error) {
	if !s.Valid {
		return nil, nil
	}
	return f.DecodeValue([]byte(s.String))
}

// AppendConflicts stores conflicts in one transaction.
func (r *Repository) AppendConflicts(ctx context.Context, conflicts []*models.ConflictRecord) error {
	if len(conflicts) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "begin conflict append", err)
	}
	defer tx.Rollback()

	query := `
	INSERT INTO conflict_history (id, record_id, field, local_value, remote_value, base_value,
		conflict_type, detected_at, resolution_strategy, resolution_value, resolution_at, resolution_notes)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for _, c := range conflicts {
		var local, remote, base sql.NullString
		if local, err = encodeValue(c.LocalValue); err != nil {
			return apperrors.Wrap(apperrors.ErrValidation, "encode local value", err)
		}
		if remote, err = encodeValue(c.RemoteValue); err != nil {
			return apperrors.Wrap(apperrors.ErrValidation, "encode remote value", err)
		}
		if base, err = encodeValue(c.BaseValue); err != nil {
			return apperrors.Wrap(apperrors.ErrValidation, "encode base value", err)
		}
		strategy, value, at, notes, err := resolutionColumns(c.Resolution)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, c.ID, c.RecordID, string(c.Field), local, remote, base,
			string(c.ConflictType), c.Timestamp, strategy, value, at, notes); err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "insert conflict", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "commit conflict append", err)
	}
	return nil
}

func resolutionColumns(res *models.Resolution) (strategy, value sql.NullString, at sql.NullInt64, notes sql.NullString, err error) {
	if res == nil {
		return
	}
	strategy = sql.NullString{String: string(res.Strategy), Valid: true}
	if value, err = encodeValue(res.ResolvedValue); err != nil {
		err = apperrors.Wrap(apperrors.ErrValidation, "encode resolved value", err)
		return
	}
	at = sql.NullInt64{Int64: res.Timestamp, Valid: true}
	if res.Notes != "" {
		notes = sql.NullString{String: res.Notes, Valid: true}
	}
	return
}

const conflictColumns = `id, record_id, field, local_value, remote_value, base_value,
	conflict_type, detected_at, resolution_strategy, resolution_value, resolution_at, resolution_notes`

func scanConflicts(rows *sql.Rows) ([]*models.ConflictRecord, error) {
	var out []*models.ConflictRecord
	for rows.Next() {
		var c models.ConflictRecord
		var recordID, field, ctype string
		var local, remote, base, strategy, value, notes sql.NullString
		var at sql.NullInt64
		if err := rows.Scan(&c.ID, &recordID, &field, &local, &remote, &base,
			&ctype, &c.Timestamp, &strategy, &value, &at, &notes); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan conflict", err)
		}
		c.RecordID = models.UUID(recordID)
		c.Field = models.Field(field)
		c.ConflictType = models.ConflictType(ctype)
		if !c.Field.Valid() {
			return nil, apperrors.Newf(apperrors.ErrCorruptedData, "conflict %s has unknown field %q", c.ID, field)
		}

		var err error
		if c.LocalValue, err = decodeValue(c.Field, local); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCorruptedData, "decode local value", err)
		}
		if c.RemoteValue, err = decodeValue(c.Field, remote); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCorruptedData, "decode remote value", err)
		}
		if c.BaseValue, err = decodeValue(c.Field, base); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCorruptedData, "decode base value", err)
		}
		if strategy.Valid {
			res := &models.Resolution{
				Strategy:  models.Strategy(strategy.String),
				Timestamp: at.Int64,
				Notes:     notes.String,
			}
			if res.ResolvedValue, err = decodeValue(c.Field, value); err != nil {
				return nil, apperrors.Wrap(apperrors.ErrCorruptedData, "decode resolved value", err)
			}
			c.Resolution = res
		}
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "iterate conflicts", err)
	}
	return out, nil
}

// ListConflicts returns a record's conflict history in detection order.
func (r *Repository) ListConflicts(ctx context.Context, recordID models.UUID) ([]*models.ConflictRecord, error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT `+conflictColumns+`
	FROM conflict_history WHERE record_id = ? ORDER BY detected_at, rowid`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "prepare conflict list", err)
	}
	rows, err := stmt.QueryContext(ctx, recordID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list conflicts", err)
	}
	defer rows.Close()
	return scanConflicts(rows)
}

// ListAllConflicts returns every stored conflict grouped by record.
func (r *Repository) ListAllConflicts(ctx context.Context) ([]*models.ConflictRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+conflictColumns+`
	FROM conflict_history ORDER BY record_id, detected_at, rowid`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list conflicts", err)
	}
	defer rows.Close()
	return scanConflicts(rows)
}

// SetResolution stores res on the history entry.
func (r *Repository) SetResolution(ctx context.Context, recordID models.UUID, conflictID string, res *models.Resolution) error {
	if res == nil {
		return apperrors.New(apperrors.ErrValidation, "resolution is required")
	}
	strategy, value, at, notes, err := resolutionColumns(res)
	if err != nil {
		return err
	}
	result, err := r.db.ExecContext(ctx, `
	UPDATE conflict_history
	SET resolution_strategy = ?, resolution_value = ?, resolution_at = ?, resolution_notes = ?
	WHERE record_id = ? AND id = ?
	`, strategy, value, at, notes, recordID, conflictID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "store resolution", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperrors.Newf(apperrors.ErrNotFound, "conflict %s not found for record %s", conflictID, recordID)
	}
	return nil
}

// ClearConflicts removes a record's conflict history.
func (r *Repository) ClearConflicts(ctx context.Context, recordID models.UUID) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM conflict_history WHERE record_id = ?`, recordID)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "clear conflicts", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// =====================================================
// Preference Operations
// =====================================================

// SetPreference stores the preference for field.
func (r *Repository) SetPreference(ctx context.Context, field models.Field, pref models.Preference) error {
	if !field.Valid() {
		return apperrors.Newf(apperrors.ErrValidation, "unknown field %q", field)
	}
	if !pref.Valid() {
		return apperrors.Newf(apperrors.ErrValidation, "unknown preference %q", pref)
	}
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO resolution_preferences (field, preference, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(field) DO UPDATE SET preference = excluded.preference, updated_at = excluded.updated_at
	`, string(field), string(pref), r.now().UnixMilli())
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "store preference", err)
	}
	return nil
}

// DeletePreference removes the preference for field.
func (r *Repository) DeletePreference(ctx context.Context, field models.Field) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM resolution_preferences WHERE field = ?`, string(field)); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "delete preference", err)
	}
	return nil
}

// Preferences returns every stored preference.
func (r *Repository) Preferences(ctx context.Context) (map[models.Field]models.Preference, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT field, preference FROM resolution_preferences`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list preferences", err)
	}
	defer rows.Close()

	prefs := make(map[models.Field]models.Preference)
	for rows.Next() {
		var field, pref string
		if err := rows.Scan(&field, &pref); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan preference", err)
		}
		prefs[models.Field(field)] = models.Preference(pref)
	}
	return prefs, rows.Err()
}

// SortedFields returns the fields of a preference map in whitelist order.
func SortedFields(prefs map[models.Field]models.Preference) []models.Field {
	order := make(map[models.Field]int)
	for i, f := range models.Fields() {
		order[f] = i
	}
	fields := make([]models.Field, 0, len(prefs))
	for f := range prefs {
		fields = append(fields, f)
	}
	sort.Slice(fields, func(i, j int) bool {
		oi, ok1 := order[fields[i]]
		oj, ok2 := order[fields[j]]
		if ok1 != ok2 {
			return ok1
		}
		if oi != oj {
			return oi < oj
		}
		return fields[i] < fields[j]
	})
	return fields
}
