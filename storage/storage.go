// Package storage abstracts the filesystem under the columnar repository:
// a local data directory or an S3-compatible object store. Paths are
// slash-separated and relative to the filesystem root.
package storage

import (
	"context"
	"io"
)

// FileInfo describes one entry of a listing or stat call.
type FileInfo struct {
	Path  string
	Size  int64
	IsDir bool
}

// FileSystem is the capability the repository code sees. Missing files
// surface as io/fs.ErrNotExist so callers can test with errors.Is.
type FileSystem interface {
	// OpenInput opens path for reading.
	OpenInput(ctx context.Context, path string) (io.ReadCloser, error)

	// OpenOutput opens path for writing, replacing any existing file.
	// The content is in place once Close returns; no fsync is issued.
	OpenOutput(ctx context.Context, path string) (io.WriteCloser, error)

	// CreateDir creates a directory, with parents when recursive. A no-op
	// on stores without directories.
	CreateDir(path string, recursive bool) error

	// GetFileInfo stats a single path.
	GetFileInfo(ctx context.Context, path string) (FileInfo, error)

	// List enumerates files under dir. With allowNotFound a missing dir
	// yields an empty listing instead of an error.
	List(ctx context.Context, dir string, recursive, allowNotFound bool) ([]FileInfo, error)
}
