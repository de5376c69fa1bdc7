package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/sitepulse/sitepulse/pkg/backend"
	"github.com/sitepulse/sitepulse/pkg/record"
)

// Archive stores each record as a JSON object on a remote, partitioned by
// day and kind: records/2006/01/02/pageview/<id>.json. With Gzip set the
// object is compressed and named <id>.json.gz.
type Archive struct {
	name   string
	remote backend.Backend
	Gzip   bool
}

// OpenArchive creates the rclone remote and an archive sink over it.
func OpenArchive(ctx context.Context, name, backendType, remotePath string, params map[string]string) (*Archive, error) {
	if params == nil {
		params = map[string]string{}
	}
	b, err := backend.NewRcloneBackend(ctx, name, backendType, remotePath, params)
	if err != nil {
		return nil, fmt.Errorf("sink.OpenArchive: %w", err)
	}
	return NewArchive(name, b), nil
}

// NewArchive wraps an existing backend.
func NewArchive(name string, remote backend.Backend) *Archive {
	return &Archive{name: name, remote: remote}
}

func (a *Archive) Name() string { return a.name }

// ObjectPath returns where rec is stored.
func ObjectPath(rec record.Record) string {
	ts := rec.Timestamp.UTC()
	return path.Join("records", ts.Format("2006/01/02"), string(rec.Kind), rec.ID+".json")
}

func (a *Archive) objectPath(rec record.Record) string {
	if a.Gzip {
		return ObjectPath(rec) + ".gz"
	}
	return ObjectPath(rec)
}

// Send uploads rec.
func (a *Archive) Send(ctx context.Context, rec record.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("sink.Archive: marshal: %w", err)
	}
	if a.Gzip {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return fmt.Errorf("sink.Archive: gzip: %w", err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("sink.Archive: gzip: %w", err)
		}
		data = buf.Bytes()
	}
	if err := a.remote.Write(ctx, a.objectPath(rec), bytes.NewReader(data), int64(len(data))); err != nil {
		return fmt.Errorf("sink.Archive: %w", err)
	}
	return nil
}

// Backend returns the rclone backend type of the remote.
func (a *Archive) Backend() string { return a.remote.Type() }

// Ping lists the archive root. Used as a health check.
func (a *Archive) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := a.remote.List(ctx, ""); err != nil {
		return fmt.Errorf("sink.Archive %s: %w", a.name, err)
	}
	return nil
}

// Days lists the days holding archived records, oldest first.
func (a *Archive) Days(ctx context.Context) ([]time.Time, error) {
	var days []time.Time
	years, err := a.subdirs(ctx, "records")
	if err != nil {
		return nil, err
	}
	for _, y := range years {
		months, err := a.subdirs(ctx, path.Join("records", y))
		if err != nil {
			return nil, err
		}
		for _, m := range months {
			ds, err := a.subdirs(ctx, path.Join("records", y, m))
			if err != nil {
				return nil, err
			}
			for _, d := range ds {
				day, err := time.Parse("2006/01/02", y+"/"+m+"/"+d)
				if err != nil {
					continue
				}
				days = append(days, day)
			}
		}
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days, nil
}

// Read returns the records of kind archived on day, ordered by capture
// time.
func (a *Archive) Read(ctx context.Context, day time.Time, kind record.Kind) ([]record.Record, error) {
	dir := path.Join("records", day.UTC().Format("2006/01/02"), string(kind))
	objs, err := a.remote.List(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("sink.Archive.Read: %w", err)
	}
	var recs []record.Record
	for _, o := range objs {
		if o.IsDir {
			continue
		}
		rec, err := a.readObject(ctx, path.Join(dir, o.Path))
		if err != nil {
			return nil, fmt.Errorf("sink.Archive.Read: %w", err)
		}
		recs = append(recs, rec)
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Timestamp.Before(recs[j].Timestamp) })
	return recs, nil
}

func (a *Archive) readObject(ctx context.Context, p string) (record.Record, error) {
	var rec record.Record
	rc, err := a.remote.Open(ctx, p)
	if err != nil {
		return rec, err
	}
	defer rc.Close()

	var r io.Reader = rc
	if strings.HasSuffix(p, ".gz") {
		zr, err := gzip.NewReader(rc)
		if err != nil {
			return rec, fmt.Errorf("%s: %w", p, err)
		}
		defer zr.Close()
		r = zr
	}
	if err := json.NewDecoder(r).Decode(&rec); err != nil {
		return rec, fmt.Errorf("%s: %w", p, err)
	}
	return rec, nil
}

// Prune deletes every record archived on a day before the day of before and
// returns how many objects it removed.
func (a *Archive) Prune(ctx context.Context, before time.Time) (int, error) {
	cutoff := before.UTC().Truncate(24 * time.Hour)
	days, err := a.Days(ctx)
	if err != nil {
		return 0, fmt.Errorf("sink.Archive.Prune: %w", err)
	}
	removed := 0
	for _, day := range days {
		if !day.Before(cutoff) {
			break
		}
		dayDir := path.Join("records", day.Format("2006/01/02"))
		kinds, err := a.subdirs(ctx, dayDir)
		if err != nil {
			return removed, fmt.Errorf("sink.Archive.Prune: %w", err)
		}
		for _, kind := range kinds {
			dir := path.Join(dayDir, kind)
			objs, err := a.remote.List(ctx, dir)
			if err != nil {
				return removed, fmt.Errorf("sink.Archive.Prune: %w", err)
			}
			for _, o := range objs {
				if o.IsDir {
					continue
				}
				err := a.remote.Delete(ctx, path.Join(dir, o.Path))
				if err != nil && !errors.Is(err, backend.ErrNotFound) {
					return removed, fmt.Errorf("sink.Archive.Prune: %w", err)
				}
				if err == nil {
					removed++
				}
			}
		}
	}
	return removed, nil
}

func (a *Archive) subdirs(ctx context.Context, dir string) ([]string, error) {
	objs, err := a.remote.List(ctx, dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, o := range objs {
		if o.IsDir {
			names = append(names, o.Path)
		}
	}
	return names, nil
}

// Close closes the remote.
func (a *Archive) Close() error {
	return a.remote.Close()
}
