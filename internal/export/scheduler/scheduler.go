// Package scheduler provides automatic archive snapshots with retention.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kimhsiao/litany/internal/export"
	"github.com/kimhsiao/litany/internal/logging"
)

// ExportInterval defines the scheduling frequency.
type ExportInterval string

const (
	IntervalManual  ExportInterval = "manual"
	IntervalDaily   ExportInterval = "daily"
	IntervalWeekly  ExportInterval = "weekly"
	IntervalMonthly ExportInterval = "monthly"
)

// DefaultExportDir is used when no export directory is configured.
const DefaultExportDir = "exports"

// ParseInterval accepts a named interval or a Go duration such as "6h".
func ParseInterval(s string) (ExportInterval, time.Duration, error) {
	switch iv := ExportInterval(strings.ToLower(strings.TrimSpace(s))); iv {
	case "", IntervalManual:
		return IntervalManual, 0, nil
	case IntervalDaily, IntervalWeekly, IntervalMonthly:
		return iv, 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return "", 0, fmt.Errorf("unknown interval: %s", s)
	}
	return "", d, nil
}

// SchedulerConfig holds the scheduler configuration.
type SchedulerConfig struct {
	Interval       ExportInterval // How often to export
	Every          time.Duration  // Explicit period, overrides Interval when set
	RetentionCount int            // Number of archives to keep (0 = unlimited)
	ExportDir      string         // Directory to store exports
}

// Scheduler manages automatic export scheduling.
type Scheduler struct {
	archiver export.Archiver
	config   *SchedulerConfig
	now      func() time.Time
	logger   *logging.Logger

	mu     sync.Mutex
	ticker *time.Ticker
	stopCh chan struct{}
	done   chan struct{}
}

// NewScheduler creates a new export scheduler.
func NewScheduler(archiver export.Archiver, config *SchedulerConfig, logger *logging.Logger) *Scheduler {
	if config.ExportDir == "" {
		config.ExportDir = DefaultExportDir
	}
	if config.RetentionCount < 0 {
		config.RetentionCount = 0
	}
	if logger == nil {
		logger = logging.Get()
	}

	return &Scheduler{
		archiver: archiver,
		config:   config,
		now:      time.Now,
		logger:   logger.Named("export-scheduler"),
	}
}

// Start begins the automatic export scheduler. It performs an initial
// export unless the interval is manual.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.config.Every <= 0 && s.config.Interval == IntervalManual {
		s.logger.Info("Scheduler in manual mode, automatic exports disabled")
		return nil
	}

	dur, err := s.intervalDuration()
	if err != nil {
		return fmt.Errorf("invalid interval: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ticker != nil {
		return fmt.Errorf("scheduler already running")
	}
	s.ticker = time.NewTicker(dur)
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	ticker, stopCh, done := s.ticker, s.stopCh, s.done

	s.logger.Info("Scheduler started", map[string]interface{}{
		"interval":        dur.String(),
		"retention_count": s.config.RetentionCount,
		"export_dir":      s.config.ExportDir,
	})

	go func() {
		defer close(done)
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error("Initial export failed", err)
		}
		for {
			select {
			case <-ticker.C:
				if _, err := s.RunOnce(ctx); err != nil {
					s.logger.Error("Scheduled export failed", err)
				}
			case <-stopCh:
				s.logger.Info("Scheduler stopped")
				return
			case <-ctx.Done():
				s.logger.Info("Scheduler context cancelled")
				return
			}
		}
	}()

	return nil
}

// Stop shuts the scheduler down and waits for a running export to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.ticker == nil {
		s.mu.Unlock()
		return
	}
	s.ticker.Stop()
	close(s.stopCh)
	done := s.done
	s.ticker = nil
	s.mu.Unlock()
	<-done
}

// RunOnce performs a single export followed by retention.
func (s *Scheduler) RunOnce(ctx context.Context) (*export.ArchiveResult, error) {
	outputPath := filepath.Join(s.config.ExportDir, export.ArchiveName(s.now()))

	result, err := s.archiver.ExportArchive(ctx, outputPath)
	if err != nil {
		return nil, fmt.Errorf("export failed: %w", err)
	}

	s.logger.Info("Export completed", map[string]interface{}{
		"file":       result.FilePath,
		"size_bytes": result.SizeBytes,
		"records":    result.RecordCount,
		"duration":   result.Duration.String(),
	})

	if s.config.RetentionCount > 0 {
		if err := s.applyRetentionPolicy(); err != nil {
			s.logger.Error("Retention policy failed", err)
		}
	}
	return result, nil
}

// intervalDuration converts the interval to a time.Duration.
func (s *Scheduler) intervalDuration() (time.Duration, error) {
	if s.config.Every > 0 {
		return s.config.Every, nil
	}
	switch s.config.Interval {
	case IntervalDaily:
		return 24 * time.Hour, nil
	case IntervalWeekly:
		return 7 * 24 * time.Hour, nil
	case IntervalMonthly:
		return 30 * 24 * time.Hour, nil
	case IntervalManual:
		return 0, fmt.Errorf("manual interval has no duration")
	default:
		return 0, fmt.Errorf("unknown interval: %s", s.config.Interval)
	}
}

// applyRetentionPolicy removes the oldest archives beyond the retention count.
func (s *Scheduler) applyRetentionPolicy() error {
	archives, err := ListArchives(s.config.ExportDir)
	if err != nil {
		return fmt.Errorf("failed to list archives: %w", err)
	}
	if len(archives) <= s.config.RetentionCount {
		return nil
	}

	for _, archive := range archives[:len(archives)-s.config.RetentionCount] {
		if err := os.Remove(archive.Path); err != nil {
			s.logger.Error("Failed to delete old archive", err, map[string]interface{}{
				"path": archive.Path,
			})
			continue
		}
		s.logger.Info("Deleted old archive", map[string]interface{}{"path": archive.Path})
	}
	return nil
}

// ArchiveInfo represents metadata about an export archive.
type ArchiveInfo struct {
	Path      string    `json:"path" yaml:"path"`
	SizeBytes int64     `json:"sizeBytes" yaml:"sizeBytes"`
	CreatedAt time.Time `json:"createdAt" yaml:"createdAt"`
}

// ListArchives returns the archives in exportDir, oldest first.
func ListArchives(exportDir string) ([]*ArchiveInfo, error) {
	entries, err := os.ReadDir(exportDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var archives []*ArchiveInfo
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "litany_") || !strings.HasSuffix(name, ".tar.gz") {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			return nil, err
		}
		archives = append(archives, &ArchiveInfo{
			Path:      filepath.Join(exportDir, name),
			SizeBytes: fi.Size(),
			CreatedAt: fi.ModTime(),
		})
	}

	sort.Slice(archives, func(i, j int) bool {
		if !archives[i].CreatedAt.Equal(archives[j].CreatedAt) {
			return archives[i].CreatedAt.Before(archives[j].CreatedAt)
		}
		return archives[i].Path < archives[j].Path
	})
	return archives, nil
}

// GetConfig returns the current scheduler configuration.
func (s *Scheduler) GetConfig() *SchedulerConfig {
	return s.config
}
