// Package aggregate computes dashboard metrics over a window of records.
// Compute is a pure function of its input; Aggregator feeds it from a store.
package aggregate

import (
	"sort"
	"time"

	"github.com/sitepulse/sitepulse/pkg/record"
)

// DefaultTopN is the length of top-pages and top-events lists when the
// caller does not choose one.
const DefaultTopN = 10

// Count is a key and how often it occurred.
type Count struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// Share is a Count with its percentage of the records that had the field.
type Share struct {
	Key     string  `json:"key"`
	Count   int     `json:"count"`
	Percent float64 `json:"percent"`
}

// Stats is the dashboard summary for one window.
type Stats struct {
	TotalPageViews                int     `json:"total_page_views"`
	TotalEvents                   int     `json:"total_events"`
	UniqueVisitors                int     `json:"unique_visitors"`
	BounceRate                    float64 `json:"bounce_rate"`
	AverageSessionDurationMinutes float64 `json:"average_session_duration_minutes"`

	TopPages  []Count `json:"top_pages"`
	TopEvents []Count `json:"top_events"`

	DeviceBreakdown  []Share `json:"device_breakdown"`
	BrowserBreakdown []Share `json:"browser_breakdown"`
	OSBreakdown      []Share `json:"os_breakdown"`
	CountryBreakdown []Share `json:"country_breakdown"`
	CityBreakdown    []Share `json:"city_breakdown"`
}

type session struct {
	views       int
	first, last time.Time
}

// Compute derives Stats from records. Input order decides ties in every
// ranking: equal counts keep first-seen order.
func Compute(records []record.Record, topN int) Stats {
	if topN <= 0 {
		topN = DefaultTopN
	}

	var (
		st       Stats
		pages    = newCounter()
		events   = newCounter()
		devices  = newCounter()
		browsers = newCounter()
		systems  = newCounter()
		country  = newCounter()
		city     = newCounter()
		sessions = make(map[string]*session)
	)

	for _, r := range records {
		switch r.Kind {
		case record.KindPageView:
			st.TotalPageViews++
			pages.add(r.PagePath)
			s, ok := sessions[r.SessionID]
			if !ok {
				s = &session{first: r.Timestamp, last: r.Timestamp}
				sessions[r.SessionID] = s
			}
			s.views++
			if r.Timestamp.Before(s.first) {
				s.first = r.Timestamp
			}
			if r.Timestamp.After(s.last) {
				s.last = r.Timestamp
			}
		case record.KindEvent:
			st.TotalEvents++
			events.add(r.EventName)
		}

		if d := r.Device; d != nil {
			devices.add(string(d.DeviceType))
			browsers.add(d.Browser)
			systems.add(d.OperatingSystem)
		}
		if g := r.Geo; g != nil {
			country.add(g.Country)
			city.add(g.City)
		}
	}

	st.UniqueVisitors = len(sessions)

	var bounces, qualifying int
	var total time.Duration
	for _, s := range sessions {
		if s.views == 1 {
			bounces++
		}
		if s.views >= 2 {
			qualifying++
			total += s.last.Sub(s.first)
		}
	}
	if len(sessions) > 0 {
		st.BounceRate = float64(bounces) / float64(len(sessions)) * 100
	}
	if qualifying > 0 {
		st.AverageSessionDurationMinutes = total.Minutes() / float64(qualifying)
	}

	st.TopPages = pages.top(topN)
	st.TopEvents = events.top(topN)
	st.DeviceBreakdown = devices.shares()
	st.BrowserBreakdown = browsers.shares()
	st.OSBreakdown = systems.shares()
	st.CountryBreakdown = country.shares()
	st.CityBreakdown = city.shares()
	return st
}

// TopPages ranks page paths of the page views in records.
func TopPages(records []record.Record, n int) []Count {
	c := newCounter()
	for _, r := range records {
		if r.Kind == record.KindPageView {
			c.add(r.PagePath)
		}
	}
	return c.top(n)
}

// TopEvents ranks event names of the events in records.
func TopEvents(records []record.Record, n int) []Count {
	c := newCounter()
	for _, r := range records {
		if r.Kind == record.KindEvent {
			c.add(r.EventName)
		}
	}
	return c.top(n)
}

// counter counts keys and remembers the order they were first seen in.
type counter struct {
	counts map[string]int
	order  []string
	total  int
}

func newCounter() *counter {
	return &counter{counts: make(map[string]int)}
}

// add counts key. Empty keys mean the field was absent.
func (c *counter) add(key string) {
	if key == "" {
		return
	}
	if _, ok := c.counts[key]; !ok {
		c.order = append(c.order, key)
	}
	c.counts[key]++
	c.total++
}

func (c *counter) ranked() []Count {
	out := make([]Count, len(c.order))
	for i, k := range c.order {
		out[i] = Count{Key: k, Count: c.counts[k]}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	return out
}

func (c *counter) top(n int) []Count {
	if n <= 0 {
		n = DefaultTopN
	}
	out := c.ranked()
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func (c *counter) shares() []Share {
	ranked := c.ranked()
	out := make([]Share, len(ranked))
	for i, r := range ranked {
		out[i] = Share{Key: r.Key, Count: r.Count, Percent: float64(r.Count) / float64(c.total) * 100}
	}
	return out
}
