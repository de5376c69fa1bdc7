// Package sink implements the first-party delivery destinations for
// telemetry records.
package sink

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sitepulse/sitepulse/pkg/dispatch"
	"github.com/sitepulse/sitepulse/pkg/record"
)

// Sink types accepted in configuration.
const (
	TypePostgres = "postgres"
	TypeHTTP     = "http"
	TypeLoki     = "loki"
	TypeKafka    = "kafka"
	TypeArchive  = "archive"
	TypeFile     = "file"
	TypeStdout   = "stdout"
	TypeMemory   = "memory"
	TypeNop      = "nop"
)

// Config describes one first-party sink. Only the fields relevant to Type
// are read.
type Config struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`

	// http, loki
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Labels  map[string]string `yaml:"labels"`

	// postgres
	DSN         string `yaml:"dsn"`
	AutoMigrate bool   `yaml:"auto_migrate"`

	// kafka
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`

	// file
	Path string `yaml:"path"`

	// archive: any rclone backend
	Backend    string            `yaml:"backend"`
	RemotePath string            `yaml:"remote_path"`
	Params     map[string]string `yaml:"params"`
	Gzip       bool              `yaml:"gzip"`

	// http, kafka: records are buffered and sent in batches when > 1. At
	// most max_pending records are held; 0 means ten batches.
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxPending    int           `yaml:"max_pending"`
}

// DisplayName returns Name, falling back to Type.
func (c Config) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Type
}

// New builds the sink described by cfg.
func New(ctx context.Context, cfg Config) (dispatch.Sink, error) {
	name := cfg.DisplayName()
	switch cfg.Type {
	case TypePostgres:
		if cfg.AutoMigrate {
			if err := Migrate(cfg.DSN, "up"); err != nil {
				return nil, fmt.Errorf("sink.New %s: %w", name, err)
			}
		}
		return OpenPostgres(ctx, name, cfg.DSN)
	case TypeHTTP:
		h := NewHTTP(name, cfg.URL, cfg.Headers)
		if cfg.BatchSize > 1 {
			return NewBatcher(h, cfg.BatchSize, cfg.FlushInterval, cfg.MaxPending), nil
		}
		return h, nil
	case TypeLoki:
		return NewLoki(name, cfg.URL, cfg.Labels), nil
	case TypeKafka:
		k, err := NewKafka(name, cfg.Brokers, cfg.Topic)
		if err != nil {
			return nil, err
		}
		if cfg.BatchSize > 1 {
			return NewBatcher(k, cfg.BatchSize, cfg.FlushInterval, cfg.MaxPending), nil
		}
		return k, nil
	case TypeArchive:
		a, err := OpenArchive(ctx, name, cfg.Backend, cfg.RemotePath, cfg.Params)
		if err != nil {
			return nil, err
		}
		a.Gzip = cfg.Gzip
		return a, nil
	case TypeFile:
		path := cfg.Path
		if path == "" {
			path = "/var/log/sitepulse/records.jsonl"
		}
		return NewFile(name, path)
	case TypeStdout:
		return NewWriter(name, os.Stdout), nil
	case TypeMemory:
		return NewMemory(name), nil
	case TypeNop, "":
		return Nop{}, nil
	default:
		return nil, fmt.Errorf("sink.New: unknown sink type %q", cfg.Type)
	}
}

// Nop discards all records.
type Nop struct{}

func (Nop) Name() string                              { return TypeNop }
func (Nop) Send(context.Context, record.Record) error { return nil }
