// Package db provides repository interfaces for Litany's durable state.
package db

import (
	"context"

	"github.com/kimhsiao/litany/internal/models"
)

// Entry is one key/value pair in a batched write.
type Entry struct {
	Key   string
	Value []byte
}

// KVStore defines the durable key/value operations behind the record
// collection, the trash list and backups.
type KVStore interface {
	// Get returns the value stored under key. Missing keys yield ErrNotFound,
	// checksum mismatches ErrCorruptedData.
	Get(ctx context.Context, key string) ([]byte, error)

	// PutBatch writes every entry in one transaction, or none of them.
	PutBatch(ctx context.Context, entries []Entry) error

	// Delete removes key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists stored keys with the given prefix in ascending order.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Usage returns the number of value bytes currently stored.
	Usage(ctx context.Context) (int64, error)
}

// ConflictStore defines persistence for the per-record conflict history.
type ConflictStore interface {
	// AppendConflicts stores newly detected conflicts.
	AppendConflicts(ctx context.Context, conflicts []*models.ConflictRecord) error

	// ListConflicts returns a record's history in detection order.
	ListConflicts(ctx context.Context, recordID models.UUID) ([]*models.ConflictRecord, error)

	// ListAllConflicts returns every stored conflict.
	ListAllConflicts(ctx context.Context) ([]*models.ConflictRecord, error)

	// SetResolution attaches a resolution to an existing history entry.
	SetResolution(ctx context.Context, recordID models.UUID, conflictID string, res *models.Resolution) error

	// ClearConflicts drops a record's history and returns how many entries went.
	ClearConflicts(ctx context.Context, recordID models.UUID) (int64, error)
}

// PreferenceStore defines persistence for per-field resolution preferences.
type PreferenceStore interface {
	SetPreference(ctx context.Context, field models.Field, pref models.Preference) error
	DeletePreference(ctx context.Context, field models.Field) error
	Preferences(ctx context.Context) (map[models.Field]models.Preference, error)
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ KVStore         = (*Repository)(nil)
	_ ConflictStore   = (*Repository)(nil)
	_ PreferenceStore = (*Repository)(nil)
)
