package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/sitepulse/sitepulse/pkg/record"
)

const insertRecord = `INSERT INTO telemetry_records (
	id, kind, session_id, ts, page_path, referrer, event_name, event_category,
	parameters, device, geo, ip_address, session_elapsed_seconds, enrichment
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (id) DO NOTHING`

// Postgres inserts records into the telemetry_records table.
type Postgres struct {
	name string
	db   *sql.DB
}

// OpenPostgres connects to dsn through the pgx driver and verifies the
// connection.
func OpenPostgres(ctx context.Context, name, dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sink.OpenPostgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sink.OpenPostgres: ping: %w", err)
	}
	slog.Info("postgres sink connected", "component", "sink", "sink", name)
	return NewPostgres(name, db), nil
}

// NewPostgres wraps an open database handle.
func NewPostgres(name string, db *sql.DB) *Postgres {
	return &Postgres{name: name, db: db}
}

func (p *Postgres) Name() string { return p.name }

// Send inserts rec. A record already present is left untouched.
func (p *Postgres) Send(ctx context.Context, rec record.Record) error {
	args, err := insertArgs(rec)
	if err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, insertRecord, args...); err != nil {
		return fmt.Errorf("sink.Postgres: insert %s: %w", rec.ID, err)
	}
	return nil
}

// Ping checks the connection. Used as a health check.
func (p *Postgres) Ping() error {
	return p.db.Ping()
}

// Close closes the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

func insertArgs(rec record.Record) ([]any, error) {
	params, err := jsonColumn(rec.Parameters, len(rec.Parameters) == 0)
	if err != nil {
		return nil, fmt.Errorf("sink.Postgres: parameters: %w", err)
	}
	device, err := jsonColumn(rec.Device, rec.Device == nil)
	if err != nil {
		return nil, fmt.Errorf("sink.Postgres: device: %w", err)
	}
	geo, err := jsonColumn(rec.Geo, rec.Geo == nil)
	if err != nil {
		return nil, fmt.Errorf("sink.Postgres: geo: %w", err)
	}
	enrichment := rec.Enrichment
	if enrichment == record.EnrichmentPending {
		enrichment = record.EnrichmentFull
	}
	var elapsed any
	if rec.SessionElapsedSeconds != nil {
		elapsed = *rec.SessionElapsedSeconds
	}
	return []any{
		rec.ID, string(rec.Kind), rec.SessionID, rec.Timestamp, rec.PagePath,
		nullString(rec.Referrer), nullString(rec.EventName), nullString(rec.EventCategory),
		params, device, geo, nullString(rec.IPAddress), elapsed, string(enrichment),
	}, nil
}

func jsonColumn(v any, empty bool) (any, error) {
	if empty {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
