// Package sync reconciles an externally supplied copy of the collection
// with the local store.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/kimhsiao/litany/internal/db"
	apperrors "github.com/kimhsiao/litany/internal/errors"
	"github.com/kimhsiao/litany/internal/logging"
	"github.com/kimhsiao/litany/internal/models"
	"github.com/kimhsiao/litany/internal/store"
	"github.com/kimhsiao/litany/internal/sync/conflict"
	"github.com/kimhsiao/litany/internal/uuid"
)

// BasesKey is the durable key holding the last seen remote version of
// every reconciled record.
const BasesKey = "sync:bases"

// SyncStatus represents the current reconciler status.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusFailed  SyncStatus = "failed"
)

// Snapshot is a remote copy of the collection.
type Snapshot struct {
	Records []models.Record
	Trash   []models.TrashEntry
}

// SyncResult summarizes one reconciliation.
type SyncResult struct {
	StartTime time.Time     `json:"startTime" yaml:"startTime"`
	EndTime   time.Time     `json:"endTime" yaml:"endTime"`
	Duration  time.Duration `json:"duration" yaml:"duration"`

	Adopted        int `json:"adopted" yaml:"adopted"`
	Merged         int `json:"merged" yaml:"merged"`
	Unchanged      int `json:"unchanged" yaml:"unchanged"`
	SkippedTrashed int `json:"skippedTrashed" yaml:"skippedTrashed"`
	RemoteDeleted  int `json:"remoteDeleted" yaml:"remoteDeleted"`
	Failed         int `json:"failed" yaml:"failed"`

	Conflicts      int `json:"conflicts" yaml:"conflicts"`
	ManualRequired int `json:"manualRequired" yaml:"manualRequired"`

	Error string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Reconciler applies remote snapshots to a store through the merge engine.
type Reconciler struct {
	store  *store.Store
	engine *conflict.Engine
	kv     db.KVStore
	log    *logging.Logger

	mu       stdsync.Mutex
	status   SyncStatus
	lastSync *time.Time
	lastErr  error
}

// NewReconciler creates a Reconciler. Base snapshots are kept in kv.
func NewReconciler(st *store.Store, engine *conflict.Engine, kv db.KVStore, logger *logging.Logger) *Reconciler {
	if logger == nil {
		logger = logging.Get()
	}
	return &Reconciler{
		store:  st,
		engine: engine,
		kv:     kv,
		log:    logger.Named("sync"),
		status: SyncStatusIdle,
	}
}

// Status returns the current status.
func (r *Reconciler) Status() SyncStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// LastSync returns the end time of the last successful reconciliation.
func (r *Reconciler) LastSync() *time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSync
}

// LastError returns the error of the last reconciliation, if any.
func (r *Reconciler) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// Apply reconciles snap into the store. New ids are adopted; ids in the
// local trash are skipped; ids present on both sides are merged against
// the last seen remote version. Remote deletions of live records are
// counted but never applied.
func (r *Reconciler) Apply(ctx context.Context, snap Snapshot) (*SyncResult, error) {
	r.mu.Lock()
	if r.status == SyncStatusSyncing {
		r.mu.Unlock()
		return nil, fmt.Errorf("sync already in progress")
	}
	r.status = SyncStatusSyncing
	r.mu.Unlock()

	result := &SyncResult{StartTime: time.Now()}
	err := r.apply(ctx, snap, result)

	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastErr = err
	if err != nil {
		r.status = SyncStatusFailed
		result.Error = err.Error()
		return result, err
	}
	r.status = SyncStatusIdle
	end := result.EndTime
	r.lastSync = &end
	return result, nil
}

func (r *Reconciler) apply(ctx context.Context, snap Snapshot, result *SyncResult) error {
	bases := r.loadBases(ctx)

	for _, remote := range snap.Records {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := uuid.Validate(string(remote.ID)); err != nil {
			r.log.WarnErr("Skipping remote record with invalid id", err, map[string]interface{}{
				"record_id": string(remote.ID),
			})
			result.Failed++
			continue
		}

		if r.store.InTrash(ctx, remote.ID) {
			result.SkippedTrashed++
			continue
		}

		local, err := r.store.Get(ctx, remote.ID)
		if apperrors.Is(err, apperrors.ErrNotFound) {
			if _, err := r.store.Adopt(ctx, remote); err != nil {
				r.log.WarnErr("Failed to adopt remote record", err, map[string]interface{}{
					"record_id": string(remote.ID),
				})
				result.Failed++
				continue
			}
			bases[remote.ID] = remote.Clone()
			result.Adopted++
			continue
		}
		if err != nil {
			return err
		}

		var base *models.Record
		if b, ok := bases[remote.ID]; ok {
			base = &b
		}
		merged, err := r.engine.MergeRecords(ctx, &local, &remote, base)
		if err != nil {
			r.log.WarnErr("Failed to merge record", err, map[string]interface{}{
				"record_id": string(remote.ID),
			})
			result.Failed++
			continue
		}
		result.Conflicts += len(merged.Conflicts)
		result.ManualRequired += merged.ManualRequiredCount
		bases[remote.ID] = remote.Clone()

		if merged.MergedRecord.Fingerprint() == local.Fingerprint() {
			result.Unchanged++
			continue
		}
		if _, err := r.store.ApplyMerged(ctx, merged.MergedRecord); err != nil {
			return err
		}
		result.Merged++
	}

	for _, entry := range snap.Trash {
		if _, err := r.store.Get(ctx, entry.Record.ID); err == nil {
			result.RemoteDeleted++
		}
	}

	if err := r.saveBases(ctx, bases); err != nil {
		return err
	}

	r.log.Info("Snapshot reconciled", map[string]interface{}{
		"adopted":         result.Adopted,
		"merged":          result.Merged,
		"unchanged":       result.Unchanged,
		"skipped_trashed": result.SkippedTrashed,
		"remote_deleted":  result.RemoteDeleted,
		"conflicts":       result.Conflicts,
		"manual_required": result.ManualRequired,
	})
	return nil
}

func (r *Reconciler) loadBases(ctx context.Context) map[models.UUID]models.Record {
	bases := make(map[models.UUID]models.Record)
	data, err := r.kv.Get(ctx, BasesKey)
	if err != nil {
		if !apperrors.Is(err, apperrors.ErrNotFound) {
			r.log.WarnErr("Base snapshots unreadable, merging without bases", err)
		}
		return bases
	}
	if err := json.Unmarshal(data, &bases); err != nil {
		r.log.WarnErr("Base snapshots corrupt, merging without bases", err)
		return make(map[models.UUID]models.Record)
	}
	return bases
}

func (r *Reconciler) saveBases(ctx context.Context, bases map[models.UUID]models.Record) error {
	data, err := json.Marshal(bases)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "encode base snapshots", err)
	}
	return r.kv.PutBatch(ctx, []db.Entry{{Key: BasesKey, Value: data}})
}

// Base returns the stored base snapshot for id.
func (r *Reconciler) Base(ctx context.Context, id models.UUID) (models.Record, bool) {
	b, ok := r.loadBases(ctx)[id]
	return b, ok
}
