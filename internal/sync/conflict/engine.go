// Package conflict provides three-way record merging with field-level
// conflict detection, an ordered resolution policy and an audit history.
package conflict

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kimhsiao/litany/internal/db"
	apperrors "github.com/kimhsiao/litany/internal/errors"
	"github.com/kimhsiao/litany/internal/logging"
	"github.com/kimhsiao/litany/internal/models"
	"github.com/kimhsiao/litany/internal/uuid"
)

var (
	// ErrInvalidMerge is returned when either side of a merge is nil.
	ErrInvalidMerge = apperrors.New(apperrors.ErrValidation, "invalid merge: local and remote must be non-nil")

	// ErrRecordIDMismatch is returned when the merged sides are different records.
	ErrRecordIDMismatch = apperrors.New(apperrors.ErrValidation, "record ID mismatch")

	// ErrReentrantMerge is returned when a merge for a record starts while
	// another merge of the same record is still running on the call stack.
	ErrReentrantMerge = apperrors.New(apperrors.ErrReentrantMerge, "merge already in progress for record")

	// ErrInvalidResolution is returned for resolutions with an unknown strategy.
	ErrInvalidResolution = apperrors.New(apperrors.ErrValidation, "invalid resolution strategy")
)

// Store is the persistence the engine needs.
type Store interface {
	db.ConflictStore
	db.PreferenceStore
}

// EventCallbacks are invoked synchronously after a merge has been recorded.
type EventCallbacks struct {
	OnConflict       func(c *models.ConflictRecord)
	OnManualRequired func(c *models.ConflictRecord)
}

// Options configures an Engine.
type Options struct {
	Clock  func() int64
	NewID  uuid.Generator
	Logger *logging.Logger
}

// Engine detects and resolves divergences between two copies of a record.
type Engine struct {
	store Store
	clock func() int64
	newID uuid.Generator
	log   *logging.Logger

	mu        sync.Mutex
	active    map[models.UUID]bool
	callbacks EventCallbacks
}

// NewEngine creates an Engine backed by store.
func NewEngine(store Store, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = func() int64 { return time.Now().UnixMilli() }
	}
	if opts.NewID == nil {
		opts.NewID = uuid.New
	}
	if opts.Logger == nil {
		opts.Logger = logging.Get()
	}
	return &Engine{
		store:  store,
		clock:  opts.Clock,
		newID:  opts.NewID,
		log:    opts.Logger.Named("conflict"),
		active: make(map[models.UUID]bool),
	}
}

// SetEventCallbacks replaces the merge event callbacks.
func (e *Engine) SetEventCallbacks(cb EventCallbacks) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callbacks = cb
}

func (e *Engine) enter(id models.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active[id] {
		return false
	}
	e.active[id] = true
	return true
}

func (e *Engine) leave(id models.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, id)
}

// MergeRecords merges remote into local using base as the last agreed
// version, when one is known. Every detected conflict is appended to the
// record's history. Success is false while any conflict needs a manual
// decision; those fields keep the local value in MergedRecord.
func (e *Engine) MergeRecords(ctx context.Context, local, remote, base *models.Record) (*models.MergeResult, error) {
	if local == nil || remote == nil {
		return nil, ErrInvalidMerge
	}
	if local.ID != remote.ID || (base != nil && base.ID != local.ID) {
		return nil, fmt.Errorf("%w: %s vs %s", ErrRecordIDMismatch, local.ID, remote.ID)
	}
	if !e.enter(local.ID) {
		return nil, fmt.Errorf("%w %s", ErrReentrantMerge, local.ID)
	}
	defer e.leave(local.ID)

	merged := local.Clone()
	result := &models.MergeResult{Success: true}

	if local.Fingerprint() == remote.Fingerprint() {
		result.MergedRecord = merged
		return result, nil
	}

	diffs, err := detect(local, remote, base, &merged)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "detect conflicts", err)
	}
	if len(diffs) == 0 {
		result.MergedRecord = merged
		return result, nil
	}

	prefs, err := e.store.Preferences(ctx)
	if err != nil {
		e.log.WarnErr("Failed to load resolution preferences", err)
		prefs = nil
	}

	now := e.clock()
	for _, d := range diffs {
		c := &models.ConflictRecord{
			ID:           e.newID().String(),
			RecordID:     local.ID,
			Field:        d.field,
			LocalValue:   d.local,
			RemoteValue:  d.remote,
			BaseValue:    d.base,
			Timestamp:    now,
			ConflictType: d.kind,
		}

		verdict := decide(d, prefs)
		if verdict.manual {
			result.ManualRequiredCount++
		} else {
			if err := d.field.Assign(&merged, verdict.value); err != nil {
				return nil, apperrors.Wrap(apperrors.ErrInternal, "apply resolution", err)
			}
			c.Resolution = &models.Resolution{
				Strategy:      verdict.strategy,
				ResolvedValue: verdict.value,
				Timestamp:     now,
				Notes:         verdict.notes,
			}
			result.AutoResolvedCount++
		}
		result.Conflicts = append(result.Conflicts, c)
	}

	result.Success = result.ManualRequiredCount == 0
	result.MergedRecord = merged

	if err := e.store.AppendConflicts(ctx, result.Conflicts); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "record conflict history", err)
	}

	e.log.Info("Record merged", map[string]interface{}{
		"record_id":       string(local.ID),
		"conflicts":       len(result.Conflicts),
		"auto_resolved":   result.AutoResolvedCount,
		"manual_required": result.ManualRequiredCount,
	})
	e.notify(result.Conflicts)

	return result, nil
}

func (e *Engine) notify(conflicts []*models.ConflictRecord) {
	e.mu.Lock()
	cb := e.callbacks
	e.mu.Unlock()

	for _, c := range conflicts {
		if cb.OnConflict != nil {
			cb.OnConflict(c)
		}
		if !c.Resolved() && cb.OnManualRequired != nil {
			cb.OnManualRequired(c)
		}
	}
}

// ResolveManually attaches res to a stored conflict. The live record is not
// touched; applying the chosen value is the caller's decision.
func (e *Engine) ResolveManually(ctx context.Context, recordID models.UUID, conflictID string, res models.Resolution) error {
	if !res.Strategy.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidResolution, res.Strategy)
	}
	if res.Timestamp == 0 {
		res.Timestamp = e.clock()
	}
	if err := e.store.SetResolution(ctx, recordID, conflictID, &res); err != nil {
		return err
	}
	e.log.Info("Conflict resolved manually", map[string]interface{}{
		"record_id":   string(recordID),
		"conflict_id": conflictID,
		"strategy":    string(res.Strategy),
	})
	return nil
}

// ResolutionRequest is one entry of a batch resolution.
type ResolutionRequest struct {
	RecordID   models.UUID
	ConflictID string
	Resolution models.Resolution
}

// BatchError reports the failure of one batch entry.
type BatchError struct {
	RecordID   models.UUID
	ConflictID string
	Err        error
}

// BatchResult summarizes ResolveBatch.
type BatchResult struct {
	Succeeded int
	Failed    int
	Errors    []BatchError
}

// ResolveBatch applies each request independently.
func (e *Engine) ResolveBatch(ctx context.Context, reqs []ResolutionRequest) BatchResult {
	var out BatchResult
	for _, r := range reqs {
		if err := e.ResolveManually(ctx, r.RecordID, r.ConflictID, r.Resolution); err != nil {
			out.Failed++
			out.Errors = append(out.Errors, BatchError{RecordID: r.RecordID, ConflictID: r.ConflictID, Err: err})
			continue
		}
		out.Succeeded++
	}
	return out
}

// SetPreference stores a per-field preference consulted before any default rule.
func (e *Engine) SetPreference(ctx context.Context, field models.Field, pref models.Preference) error {
	return e.store.SetPreference(ctx, field, pref)
}

// ClearPreference removes a per-field preference.
func (e *Engine) ClearPreference(ctx context.Context, field models.Field) error {
	return e.store.DeletePreference(ctx, field)
}

// Preferences returns the stored per-field preferences.
func (e *Engine) Preferences(ctx context.Context) (map[models.Field]models.Preference, error) {
	return e.store.Preferences(ctx)
}

// History returns a record's conflicts in detection order.
func (e *Engine) History(ctx context.Context, recordID models.UUID) ([]*models.ConflictRecord, error) {
	return e.store.ListConflicts(ctx, recordID)
}

// Unresolved returns a record's conflicts that still lack a resolution.
func (e *Engine) Unresolved(ctx context.Context, recordID models.UUID) ([]*models.ConflictRecord, error) {
	all, err := e.store.ListConflicts(ctx, recordID)
	if err != nil {
		return nil, err
	}
	var open []*models.ConflictRecord
	for _, c := range all {
		if !c.Resolved() {
			open = append(open, c)
		}
	}
	return open, nil
}

// ClearHistory drops a record's conflict history.
func (e *Engine) ClearHistory(ctx context.Context, recordID models.UUID) (int64, error) {
	n, err := e.store.ClearConflicts(ctx, recordID)
	if err != nil {
		return 0, err
	}
	e.log.Info("Conflict history cleared", map[string]interface{}{
		"record_id": string(recordID),
		"removed":   n,
	})
	return n, nil
}

// Report aggregates the conflict history.
type Report struct {
	Total              int                         `json:"total" yaml:"total"`
	Resolved           int                         `json:"resolved" yaml:"resolved"`
	Unresolved         int                         `json:"unresolved" yaml:"unresolved"`
	ByType             map[models.ConflictType]int `json:"byType" yaml:"byType"`
	ByField            map[models.Field]int        `json:"byField" yaml:"byField"`
	AutoResolutionRate float64                     `json:"autoResolutionRate" yaml:"autoResolutionRate"`
}

// Fields returns the report's fields in name order.
func (r *Report) Fields() []models.Field {
	fields := make([]models.Field, 0, len(r.ByField))
	for f := range r.ByField {
		fields = append(fields, f)
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i] < fields[j] })
	return fields
}

// Report builds statistics over the whole history.
func (e *Engine) Report(ctx context.Context) (*Report, error) {
	all, err := e.store.ListAllConflicts(ctx)
	if err != nil {
		return nil, err
	}
	return buildReport(all), nil
}

func buildReport(conflicts []*models.ConflictRecord) *Report {
	r := &Report{
		Total:   len(conflicts),
		ByType:  make(map[models.ConflictType]int),
		ByField: make(map[models.Field]int),
	}
	for _, c := range conflicts {
		r.ByType[c.ConflictType]++
		r.ByField[c.Field]++
		if c.Resolved() {
			r.Resolved++
		}
	}
	r.Unresolved = r.Total - r.Resolved
	if r.Total > 0 {
		r.AutoResolutionRate = float64(r.Resolved) / float64(r.Total)
	}
	return r
}
