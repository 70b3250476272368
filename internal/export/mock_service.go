package export

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"
)

// MockArchiver is a mock implementation of Archiver for testing.
type MockArchiver struct {
	mu            sync.Mutex
	shouldSucceed bool
	exportDelay   time.Duration
	paths         []string
}

// NewMockArchiver creates a new mock archiver.
func NewMockArchiver() *MockArchiver {
	return &MockArchiver{shouldSucceed: true}
}

// ExportArchive writes a placeholder file at path.
func (m *MockArchiver) ExportArchive(ctx context.Context, path string) (*ArchiveResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.paths = append(m.paths, path)

	if m.exportDelay > 0 {
		select {
		case <-time.After(m.exportDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if !m.shouldSucceed {
		return nil, fmt.Errorf("mock export failed")
	}

	if err := os.WriteFile(path, []byte("mock export data"), 0o644); err != nil {
		return nil, fmt.Errorf("failed to create mock export file: %w", err)
	}

	return &ArchiveResult{
		FilePath:  path,
		SizeBytes: 16,
		Checksum:  "mock-checksum-12345",
		Duration:  10 * time.Millisecond,
	}, nil
}

// SetShouldSucceed controls whether the mock export will succeed.
func (m *MockArchiver) SetShouldSucceed(shouldSucceed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shouldSucceed = shouldSucceed
}

// SetExportDelay sets a delay for export operations.
func (m *MockArchiver) SetExportDelay(delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exportDelay = delay
}

// CallCount returns the number of times ExportArchive was called.
func (m *MockArchiver) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.paths)
}

// Paths returns the paths passed to ExportArchive in call order.
func (m *MockArchiver) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.paths...)
}
