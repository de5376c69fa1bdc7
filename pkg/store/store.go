// Package store keeps the most recent page views and events in two bounded
// logs for local dashboard queries, independent of any remote sink.
package store

import (
	"fmt"
	"sort"
	"time"

	"github.com/sitepulse/sitepulse/pkg/kv"
	"github.com/sitepulse/sitepulse/pkg/record"
)

const (
	pageViewLog = "pageviews"
	eventLog    = "events"
)

// Local is the local bounded store: one log for page views, one for events.
type Local struct {
	pageViews *BoundedLog
	events    *BoundedLog
	now       func() time.Time
}

// Open loads both logs from db. capacity applies to each log.
func Open(db kv.Store, capacity int) (*Local, error) {
	pv, err := OpenBoundedLog(db, pageViewLog, capacity)
	if err != nil {
		return nil, fmt.Errorf("store.Open: %w", err)
	}
	ev, err := OpenBoundedLog(db, eventLog, capacity)
	if err != nil {
		return nil, fmt.Errorf("store.Open: %w", err)
	}
	return &Local{pageViews: pv, events: ev, now: time.Now}, nil
}

// SetClock overrides the clock used for window cutoffs.
func (s *Local) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Local) log(kind record.Kind) *BoundedLog {
	if kind == record.KindEvent {
		return s.events
	}
	return s.pageViews
}

// Append adds rec to the log for its kind. It never fails.
func (s *Local) Append(rec record.Record) {
	s.log(rec.Kind).Append(rec)
}

// Update patches a stored record in place. It reports false if the record has
// already been evicted.
func (s *Local) Update(kind record.Kind, id string, fn func(*record.Record)) bool {
	return s.log(kind).Update(id, fn)
}

// Cutoff returns the start of a trailing window of days. days <= 0 means no
// window and yields the zero time.
func (s *Local) Cutoff(days int) time.Time {
	if days <= 0 {
		return time.Time{}
	}
	return s.now().Add(-time.Duration(days) * 24 * time.Hour)
}

// PageViews returns page views in the trailing window, oldest first.
func (s *Local) PageViews(days int) []record.Record {
	return s.pageViews.Since(s.Cutoff(days))
}

// Events returns events in the trailing window, oldest first.
func (s *Local) Events(days int) []record.Record {
	return s.events.Since(s.Cutoff(days))
}

// Query returns both kinds in the trailing window ordered by timestamp.
// Records with equal timestamps keep page views before events.
func (s *Local) Query(days int) []record.Record {
	out := append(s.PageViews(days), s.Events(days)...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// Len returns the number of retained page views and events.
func (s *Local) Len() (pageViews, events int) {
	return s.pageViews.Len(), s.events.Len()
}
