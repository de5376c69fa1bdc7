package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sitepulse/sitepulse/pkg/kv"
	"github.com/sitepulse/sitepulse/pkg/metrics"
	"github.com/sitepulse/sitepulse/pkg/record"
)

// DefaultCapacity is the number of records each log keeps.
const DefaultCapacity = 1000

// entry pairs a record with its persistence sequence number.
type entry struct {
	seq uint64
	rec record.Record
}

// BoundedLog is a fixed-capacity FIFO ring of records, mirrored to durable
// key-value storage. It always holds the most recent Capacity() records in
// insertion order.
type BoundedLog struct {
	mu     sync.Mutex
	db     kv.Store
	name   string
	prefix string
	ring   []entry
	head   int // index of the oldest entry
	size   int
	seq    uint64
}

// OpenBoundedLog loads the log stored under name from db. Entries beyond
// capacity are evicted oldest first; corrupt entries are skipped.
func OpenBoundedLog(db kv.Store, name string, capacity int) (*BoundedLog, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l := &BoundedLog{
		db:     db,
		name:   name,
		prefix: name + ":",
		ring:   make([]entry, capacity),
	}

	var stale []string
	err := db.Scan(l.prefix, func(key string, value []byte) error {
		seq, err := strconv.ParseUint(strings.TrimPrefix(key, l.prefix), 10, 64)
		if err != nil {
			stale = append(stale, key)
			return nil
		}
		var rec record.Record
		if err := json.Unmarshal(value, &rec); err != nil {
			slog.Warn("skipping corrupt log entry", "log", name, "key", key, "error", err)
			stale = append(stale, key)
			return nil
		}
		if evicted, ok := l.push(entry{seq: seq, rec: rec}); ok {
			stale = append(stale, l.key(evicted.seq))
		}
		if seq > l.seq {
			l.seq = seq
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store.OpenBoundedLog %s: %w", name, err)
	}
	if len(stale) > 0 {
		b := &kv.Batch{Deletes: stale}
		if err := db.Write(b); err != nil {
			slog.Warn("failed to prune log entries", "log", name, "count", len(stale), "error", err)
		}
	}
	metrics.StoreRecords.WithLabelValues(name).Set(float64(l.size))
	return l, nil
}

// key returns the durable key for seq. Zero padding keeps key order equal to
// insertion order.
func (l *BoundedLog) key(seq uint64) string {
	return fmt.Sprintf("%s%020d", l.prefix, seq)
}

// push adds e to the ring, returning the evicted entry if the ring was full.
// Caller holds mu (or owns l exclusively).
func (l *BoundedLog) push(e entry) (entry, bool) {
	capacity := len(l.ring)
	if l.size < capacity {
		l.ring[(l.head+l.size)%capacity] = e
		l.size++
		return entry{}, false
	}
	evicted := l.ring[l.head]
	l.ring[l.head] = e
	l.head = (l.head + 1) % capacity
	return evicted, true
}

// Append adds rec as the newest entry, evicting the oldest when full.
// Persistence failures are logged and counted; the in-memory log proceeds.
func (l *BoundedLog) Append(rec record.Record) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	e := entry{seq: l.seq, rec: rec}
	evicted, didEvict := l.push(e)

	b := &kv.Batch{}
	if didEvict {
		b.Delete(l.key(evicted.seq))
		metrics.StoreEvictions.WithLabelValues(l.name).Inc()
	}
	if data, err := json.Marshal(rec); err != nil {
		slog.Warn("log entry not persisted", "log", l.name, "id", rec.ID, "error", err)
		metrics.StorePersistErrors.WithLabelValues(l.name).Inc()
	} else {
		b.Set(l.key(e.seq), data)
	}
	if err := l.db.Write(b); err != nil {
		slog.Warn("log write failed", "log", l.name, "id", rec.ID, "error", err)
		metrics.StorePersistErrors.WithLabelValues(l.name).Inc()
	}
	metrics.StoreRecords.WithLabelValues(l.name).Set(float64(l.size))
}

// Update applies fn to the stored record with the given ID in place, keeping
// its position. It reports false if the record is no longer in the log.
func (l *BoundedLog) Update(id string, fn func(*record.Record)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := 0; i < l.size; i++ {
		idx := (l.head + i) % len(l.ring)
		if l.ring[idx].rec.ID != id {
			continue
		}
		fn(&l.ring[idx].rec)
		data, err := json.Marshal(l.ring[idx].rec)
		if err != nil {
			slog.Warn("log update not persisted", "log", l.name, "id", id, "error", err)
			metrics.StorePersistErrors.WithLabelValues(l.name).Inc()
			return true
		}
		if err := l.db.Set(l.key(l.ring[idx].seq), data); err != nil {
			slog.Warn("log update write failed", "log", l.name, "id", id, "error", err)
			metrics.StorePersistErrors.WithLabelValues(l.name).Inc()
		}
		return true
	}
	return false
}

// Since returns copies of records with Timestamp at or after cutoff, oldest
// first. A zero cutoff returns every record.
func (l *BoundedLog) Since(cutoff time.Time) []record.Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]record.Record, 0, l.size)
	for i := 0; i < l.size; i++ {
		rec := l.ring[(l.head+i)%len(l.ring)].rec
		if !cutoff.IsZero() && rec.Timestamp.Before(cutoff) {
			continue
		}
		out = append(out, rec.Clone())
	}
	return out
}

// All returns every retained record, oldest first.
func (l *BoundedLog) All() []record.Record {
	return l.Since(time.Time{})
}

// Len returns the number of retained records.
func (l *BoundedLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Capacity returns the maximum number of retained records.
func (l *BoundedLog) Capacity() int {
	return len(l.ring)
}
