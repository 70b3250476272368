package export

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	apperrors "github.com/kimhsiao/litany/internal/errors"
)

const (
	manifestName = "manifest.json"
	dataName     = "data.json"

	// ArchiveVersion is the archive layout version written to the manifest.
	ArchiveVersion = "1.0"

	// maxEntrySize bounds a single extracted archive entry.
	maxEntrySize = 64 << 20
)

// Manifest describes an archive's payload.
type Manifest struct {
	Version       string    `json:"version"`
	SchemaVersion int       `json:"schema_version"`
	ExportedAt    time.Time `json:"exported_at"`
	RecordCount   int       `json:"record_count"`
	TrashCount    int       `json:"trash_count"`
	Checksum      string    `json:"checksum"`
}

// ArchiveResult represents the result of an archive export.
type ArchiveResult struct {
	FilePath    string        `json:"filePath" yaml:"filePath"`
	SizeBytes   int64         `json:"sizeBytes" yaml:"sizeBytes"`
	RecordCount int           `json:"recordCount" yaml:"recordCount"`
	TrashCount  int           `json:"trashCount" yaml:"trashCount"`
	Checksum    string        `json:"checksum" yaml:"checksum"`
	Duration    time.Duration `json:"duration" yaml:"duration"`
}

// ArchiveName returns the default file name for an archive taken at t.
func ArchiveName(t time.Time) string {
	return fmt.Sprintf("litany_%s.tar.gz", t.Format("20060102_150405.000"))
}

// Checksum returns the hex SHA-256 of data.
func Checksum(data []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(data))
}

// ExportArchive writes the current envelope as a tar.gz archive at path.
func (s *Service) ExportArchive(ctx context.Context, path string) (*ArchiveResult, error) {
	start := time.Now()

	env, err := s.Export(ctx)
	if err != nil {
		return nil, err
	}
	data, err := Marshal(env)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrExportFailed, "encode envelope", err)
	}

	manifest := &Manifest{
		Version:       ArchiveVersion,
		SchemaVersion: env.SchemaVersion,
		ExportedAt:    time.UnixMilli(env.ExportedAt).UTC(),
		RecordCount:   len(env.Records),
		TrashCount:    len(env.Trash),
		Checksum:      Checksum(data),
	}

	size, err := WriteArchive(path, data, manifest)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrExportFailed, "write archive", err)
	}

	result := &ArchiveResult{
		FilePath:    path,
		SizeBytes:   size,
		RecordCount: manifest.RecordCount,
		TrashCount:  manifest.TrashCount,
		Checksum:    manifest.Checksum,
		Duration:    time.Since(start),
	}
	s.log.Info("Archive exported", map[string]interface{}{
		"file":       path,
		"size_bytes": size,
		"records":    result.RecordCount,
	})
	return result, nil
}

// ImportArchive verifies and imports an archive written by ExportArchive.
func (s *Service) ImportArchive(ctx context.Context, path string, opts ImportOptions) (*ImportResult, error) {
	data, _, err := ReadArchive(path)
	if err != nil {
		return nil, err
	}
	return s.Import(ctx, data, opts)
}

// WriteArchive writes manifest and data into a tar.gz file. The file is
// written beside path and renamed into place once complete.
func WriteArchive(path string, data []byte, manifest *Manifest) (int64, error) {
	manifestData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return 0, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create archive directory: %w", err)
	}

	tempPath := path + ".tmp"
	outFile, err := os.Create(tempPath)
	if err != nil {
		return 0, err
	}
	defer os.Remove(tempPath)
	defer outFile.Close()

	gzw := gzip.NewWriter(outFile)
	tw := tar.NewWriter(gzw)

	modTime := manifest.ExportedAt
	for _, entry := range []struct {
		name string
		body []byte
	}{
		{manifestName, manifestData},
		{dataName, data},
	} {
		header := &tar.Header{
			Name:    entry.name,
			Mode:    0o644,
			Size:    int64(len(entry.body)),
			ModTime: modTime,
		}
		if err := tw.WriteHeader(header); err != nil {
			return 0, err
		}
		if _, err := tw.Write(entry.body); err != nil {
			return 0, err
		}
	}

	if err := tw.Close(); err != nil {
		return 0, err
	}
	if err := gzw.Close(); err != nil {
		return 0, err
	}
	if err := outFile.Close(); err != nil {
		return 0, err
	}

	info, err := os.Stat(tempPath)
	if err != nil {
		return 0, err
	}
	if err := os.Rename(tempPath, path); err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// ReadArchive extracts the envelope and manifest from an archive and
// verifies the envelope checksum.
func ReadArchive(path string) ([]byte, *Manifest, error) {
	inFile, err := os.Open(path)
	if err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrNotFound, "open archive", err)
	}
	defer inFile.Close()

	gzr, err := gzip.NewReader(inFile)
	if err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrCorruptedArchive, "not a gzip archive", err)
	}
	defer gzr.Close()

	entries := make(map[string][]byte, 2)
	tr := tar.NewReader(gzr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, apperrors.Wrap(apperrors.ErrCorruptedArchive, "read archive", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		if header.Name != manifestName && header.Name != dataName {
			continue
		}
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, io.LimitReader(tr, maxEntrySize+1)); err != nil {
			return nil, nil, apperrors.Wrap(apperrors.ErrCorruptedArchive, "read archive entry", err)
		}
		if buf.Len() > maxEntrySize {
			return nil, nil, apperrors.Newf(apperrors.ErrCorruptedArchive, "archive entry %s too large", header.Name)
		}
		entries[header.Name] = buf.Bytes()
	}

	manifestData, ok := entries[manifestName]
	if !ok {
		return nil, nil, apperrors.New(apperrors.ErrCorruptedArchive, "archive missing manifest")
	}
	data, ok := entries[dataName]
	if !ok {
		return nil, nil, apperrors.New(apperrors.ErrCorruptedArchive, "archive missing data")
	}

	var manifest Manifest
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrCorruptedArchive, "invalid manifest", err)
	}
	if manifest.Checksum == "" {
		return nil, nil, apperrors.New(apperrors.ErrCorruptedArchive, "manifest missing checksum")
	}
	if got := Checksum(data); got != manifest.Checksum {
		return nil, nil, apperrors.Newf(apperrors.ErrCorruptedArchive,
			"checksum mismatch: manifest %s, data %s", manifest.Checksum, got)
	}
	return data, &manifest, nil
}
