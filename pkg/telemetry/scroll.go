package telemetry

import (
	"strconv"

	"github.com/sitepulse/sitepulse/pkg/record"
)

// ScrollMilestones are the depths, in percent, reported once per page per
// session.
var ScrollMilestones = []int{25, 50, 75, 100}

const scrollKeyPrefix = "sitepulse_scroll:"

// TrackScrollDepth reports every milestone at or below percent that has not
// yet been reported for client.Path in this session. It does nothing unless
// scroll-depth tracking is enabled. Milestones passed while captures are
// suppressed stay unreported.
func (c *Collector) TrackScrollDepth(cl Client, percent int) {
	defer c.recoverCapture(record.KindEvent)

	if !c.pipeline.Features().ScrollDepth || cl.Scope == nil {
		return
	}
	path := cl.Path
	if path == "" {
		path = "/"
	}
	if c.suppressed(record.KindEvent, path, cl.Scope) {
		return
	}
	key := scrollKeyPrefix + path
	reached := 0
	if v, ok := cl.Scope.Get(key); ok {
		reached, _ = strconv.Atoi(v)
	}

	for _, m := range ScrollMilestones {
		if m <= reached || m > percent {
			continue
		}
		if err := cl.Scope.Set(key, strconv.Itoa(m)); err != nil {
			return
		}
		reached = m
		c.TrackEvent(cl, "scroll_depth", map[string]any{
			"event_category": "engagement",
			"percent":        m,
		})
	}
}
