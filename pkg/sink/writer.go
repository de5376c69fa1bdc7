package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sitepulse/sitepulse/pkg/record"
)

// Writer writes records as JSON lines to an io.Writer (stdout for container
// log aggregation).
type Writer struct {
	name    string
	encoder *json.Encoder
	mu      sync.Mutex
}

// NewWriter creates a JSON lines sink on w.
func NewWriter(name string, w io.Writer) *Writer {
	return &Writer{name: name, encoder: json.NewEncoder(w)}
}

func (w *Writer) Name() string { return w.name }

// Send writes rec as one JSON line.
func (w *Writer) Send(_ context.Context, rec record.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.encoder.Encode(rec); err != nil {
		return fmt.Errorf("sink.Writer: %w", err)
	}
	return nil
}

// File writes records as JSON lines to a file.
type File struct {
	Writer
	file *os.File
}

// NewFile creates a file sink that appends JSONL to path.
func NewFile(name, path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sink.NewFile: %w", err)
	}
	return &File{
		Writer: Writer{name: name, encoder: json.NewEncoder(f)},
		file:   f,
	}, nil
}

// Close closes the file.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.file.Close()
}
