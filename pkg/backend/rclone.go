package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	// Register rclone backends via blank imports.
	_ "github.com/rclone/rclone/backend/azureblob"
	_ "github.com/rclone/rclone/backend/googlecloudstorage"
	_ "github.com/rclone/rclone/backend/local"
	_ "github.com/rclone/rclone/backend/s3"
	_ "github.com/rclone/rclone/backend/sftp"

	"github.com/rclone/rclone/fs"
	"github.com/rclone/rclone/fs/config/configmap"
	"github.com/rclone/rclone/fs/object"
)

// RcloneBackend wraps an rclone fs.Fs as a Backend.
type RcloneBackend struct {
	name     string
	backType string
	rfs      fs.Fs
}

// NewRcloneBackend creates a backend.
// backendType is the rclone backend name (e.g. "s3", "azureblob", "local").
// remotePath is the bucket/container plus optional prefix.
// params maps rclone config keys to values.
func NewRcloneBackend(ctx context.Context, name, backendType, remotePath string, params map[string]string) (*RcloneBackend, error) {
	regInfo, err := fs.Find(backendType)
	if err != nil {
		return nil, fmt.Errorf("backend.NewRcloneBackend: unknown type %q: %w", backendType, err)
	}

	rfs, err := regInfo.NewFs(ctx, name, remotePath, configmap.Simple(params))
	if err != nil {
		return nil, fmt.Errorf("backend.NewRcloneBackend: create %q (%s): %w", name, backendType, err)
	}

	slog.Info("Backend created",
		"component", "backend", "name", name,
		"type", backendType, "path", remotePath,
	)
	return &RcloneBackend{name: name, backType: backendType, rfs: rfs}, nil
}

func (b *RcloneBackend) Name() string { return b.name }
func (b *RcloneBackend) Type() string { return b.backType }

// List returns objects and directories directly under dir.
func (b *RcloneBackend) List(ctx context.Context, dir string) ([]ObjectInfo, error) {
	entries, err := b.rfs.List(ctx, dir)
	if err != nil {
		if errors.Is(err, fs.ErrorDirNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("backend %s: List %q: %w", b.name, dir, err)
	}

	result := make([]ObjectInfo, 0, len(entries))
	for _, entry := range entries {
		oi := ObjectInfo{
			Path:    strings.TrimPrefix(strings.TrimPrefix(entry.Remote(), dir), "/"),
			Size:    entry.Size(),
			ModTime: entry.ModTime(ctx),
		}
		if _, ok := entry.(fs.Directory); ok {
			oi.IsDir = true
		}
		result = append(result, oi)
	}
	return result, nil
}

// Open returns a reader for the entire object.
func (b *RcloneBackend) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	obj, err := b.rfs.NewObject(ctx, path)
	if err != nil {
		if errors.Is(err, fs.ErrorObjectNotFound) {
			return nil, fmt.Errorf("backend %s: Open %q: %w", b.name, path, ErrNotFound)
		}
		return nil, fmt.Errorf("backend %s: Open %q: %w", b.name, path, err)
	}

	rc, err := obj.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("backend %s: Open %q: %w", b.name, path, err)
	}
	return rc, nil
}

// Write writes data to the given path.
func (b *RcloneBackend) Write(ctx context.Context, path string, r io.Reader, size int64) error {
	info := object.NewStaticObjectInfo(path, time.Now(), size, true, nil, nil)
	if _, err := b.rfs.Put(ctx, r, info); err != nil {
		return fmt.Errorf("backend %s: Write %q: %w", b.name, path, err)
	}
	return nil
}

// Delete removes an object.
func (b *RcloneBackend) Delete(ctx context.Context, path string) error {
	obj, err := b.rfs.NewObject(ctx, path)
	if err != nil {
		if errors.Is(err, fs.ErrorObjectNotFound) {
			return fmt.Errorf("backend %s: Delete %q: %w", b.name, path, ErrNotFound)
		}
		return fmt.Errorf("backend %s: Delete %q: %w", b.name, path, err)
	}
	if err := obj.Remove(ctx); err != nil {
		return fmt.Errorf("backend %s: Delete %q: %w", b.name, path, err)
	}
	return nil
}

// Close releases resources.
func (b *RcloneBackend) Close() error {
	slog.Info("Backend closed", "component", "backend", "name", b.name)
	return nil
}
