// Package export provides interchange export/import and archive snapshots
// of the record collection.
package export

import (
	"context"
	"fmt"
	"time"

	"github.com/kimhsiao/litany/internal/db"
	apperrors "github.com/kimhsiao/litany/internal/errors"
	"github.com/kimhsiao/litany/internal/logging"
	"github.com/kimhsiao/litany/internal/models"
	"github.com/kimhsiao/litany/internal/store"
	"github.com/kimhsiao/litany/internal/sync"
)

// ImportMode selects how an envelope is applied.
type ImportMode string

const (
	// ModeReplace swaps the live collection, the trash and the preferences.
	ModeReplace ImportMode = "replace"
	// ModeMerge reconciles the envelope's records into the store through
	// the merge engine. Local preferences are kept.
	ModeMerge ImportMode = "merge"
)

// ParseImportMode converts a flag value to an ImportMode.
func ParseImportMode(s string) (ImportMode, error) {
	switch ImportMode(s) {
	case ModeReplace, ModeMerge:
		return ImportMode(s), nil
	case "":
		return ModeMerge, nil
	}
	return "", apperrors.Newf(apperrors.ErrValidation, "unknown import mode %q", s)
}

// ImportOptions configures an import.
type ImportOptions struct {
	Mode ImportMode

	// SkipInvalid imports the valid entries and reports the rest instead
	// of rejecting the whole envelope.
	SkipInvalid bool
}

// ImportResult represents the result of an import operation.
type ImportResult struct {
	Mode        ImportMode       `json:"mode" yaml:"mode"`
	Records     int              `json:"records" yaml:"records"`
	Trash       int              `json:"trash" yaml:"trash"`
	Preferences int              `json:"preferences" yaml:"preferences"`
	Skipped     int              `json:"skipped" yaml:"skipped"`
	Problems    []Problem        `json:"problems,omitempty" yaml:"problems,omitempty"`
	Sync        *sync.SyncResult `json:"sync,omitempty" yaml:"sync,omitempty"`
	Duration    time.Duration    `json:"duration" yaml:"duration"`
}

// Service provides export/import functionality over a store.
type Service struct {
	store      *store.Store
	prefs      db.PreferenceStore
	reconciler *sync.Reconciler
	log        *logging.Logger
}

// NewService creates a new Service.
func NewService(st *store.Store, prefs db.PreferenceStore, reconciler *sync.Reconciler, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Get()
	}
	return &Service{
		store:      st,
		prefs:      prefs,
		reconciler: reconciler,
		log:        logger.Named("export"),
	}
}

// Export captures the current collection, trash and preferences.
func (s *Service) Export(ctx context.Context) (*Envelope, error) {
	prefs, err := s.prefs.Preferences(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrExportFailed, "read preferences", err)
	}
	return &Envelope{
		SchemaVersion: SchemaVersion,
		ExportedAt:    s.store.Now(),
		Records:       s.store.LoadAll(ctx),
		Trash:         s.store.Trash(ctx),
		Preferences:   prefs,
	}, nil
}

// Import decodes data and applies it. Without SkipInvalid, any problem
// rejects the whole envelope and the store is left untouched.
func (s *Service) Import(ctx context.Context, data []byte, opts ImportOptions) (*ImportResult, error) {
	start := time.Now()
	if opts.Mode == "" {
		opts.Mode = ModeMerge
	}

	env, problems, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if len(problems) > 0 && !opts.SkipInvalid {
		s.log.Warn("Import rejected", map[string]interface{}{
			"problems": len(problems),
		})
		return nil, apperrors.Wrap(apperrors.ErrImportFailed,
			fmt.Sprintf("%d invalid entries", len(problems)), &ImportError{Problems: problems})
	}

	result := &ImportResult{
		Mode:     opts.Mode,
		Records:  len(env.Records),
		Trash:    len(env.Trash),
		Skipped:  len(problems),
		Problems: problems,
	}

	switch opts.Mode {
	case ModeReplace:
		if err := s.store.ReplaceAll(ctx, env.Records, env.Trash); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrImportFailed, "replace collection", err)
		}
		if err := s.replacePreferences(ctx, env.Preferences); err != nil {
			return nil, err
		}
		result.Preferences = len(env.Preferences)
	case ModeMerge:
		res, err := s.reconciler.Apply(ctx, sync.Snapshot{Records: env.Records, Trash: env.Trash})
		result.Sync = res
		if err != nil {
			return result, apperrors.Wrap(apperrors.ErrImportFailed, "reconcile envelope", err)
		}
	default:
		return nil, apperrors.Newf(apperrors.ErrValidation, "unknown import mode %q", opts.Mode)
	}

	if err := s.store.Flush(ctx); err != nil {
		s.log.WarnErr("Imported data not yet durable", err)
	}
	result.Duration = time.Since(start)

	s.log.Info("Import completed", map[string]interface{}{
		"mode":    string(opts.Mode),
		"records": result.Records,
		"trash":   result.Trash,
		"skipped": result.Skipped,
	})
	return result, nil
}

func (s *Service) replacePreferences(ctx context.Context, prefs map[models.Field]models.Preference) error {
	current, err := s.prefs.Preferences(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrImportFailed, "read preferences", err)
	}
	for field := range current {
		if _, keep := prefs[field]; keep {
			continue
		}
		if err := s.prefs.DeletePreference(ctx, field); err != nil {
			return apperrors.Wrap(apperrors.ErrImportFailed, "clear preference", err)
		}
	}
	for _, field := range db.SortedFields(prefs) {
		if err := s.prefs.SetPreference(ctx, field, prefs[field]); err != nil {
			return apperrors.Wrap(apperrors.ErrImportFailed, "store preference", err)
		}
	}
	return nil
}
