package export

import "context"

// Archiver defines the contract for archive snapshots.
// This interface allows mocking the service in scheduler tests.
type Archiver interface {
	// ExportArchive writes a snapshot archive to path.
	ExportArchive(ctx context.Context, path string) (*ArchiveResult, error)
}

// Ensure *Service implements the interface at compile time.
var _ Archiver = (*Service)(nil)
