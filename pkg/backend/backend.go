// Package backend provides the remote object storage that the archive sink
// writes records to. Any rclone backend can serve as the remote.
package backend

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("not found")

// ObjectInfo describes a remote object or directory.
type ObjectInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
	IsDir   bool
}

// Backend abstracts a remote object store.
type Backend interface {
	// Name returns the configured name of this backend.
	Name() string

	// Type returns the backend type (e.g. "s3", "azureblob", "local").
	Type() string

	// List returns the direct children of dir.
	List(ctx context.Context, dir string) ([]ObjectInfo, error)

	// Open returns a reader for the entire object.
	Open(ctx context.Context, path string) (io.ReadCloser, error)

	// Write creates or overwrites the object at path.
	Write(ctx context.Context, path string, r io.Reader, size int64) error

	// Delete removes an object.
	Delete(ctx context.Context, path string) error

	// Close releases resources held by this backend.
	Close() error
}
