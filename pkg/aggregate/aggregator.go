package aggregate

import "github.com/sitepulse/sitepulse/pkg/record"

// Source supplies the records of a trailing window of days.
type Source interface {
	PageViews(days int) []record.Record
	Events(days int) []record.Record
	Query(days int) []record.Record
}

// Aggregator answers dashboard queries from a Source.
type Aggregator struct {
	src  Source
	topN int
}

// New returns an aggregator. topN <= 0 uses DefaultTopN.
func New(src Source, topN int) *Aggregator {
	if topN <= 0 {
		topN = DefaultTopN
	}
	return &Aggregator{src: src, topN: topN}
}

// ComputeStats summarizes the trailing window.
func (a *Aggregator) ComputeStats(days int) Stats {
	return Compute(a.src.Query(days), a.topN)
}

// PageViews returns page views in the window, oldest first.
func (a *Aggregator) PageViews(days int) []record.Record {
	return a.src.PageViews(days)
}

// Events returns events in the window, oldest first.
func (a *Aggregator) Events(days int) []record.Record {
	return a.src.Events(days)
}

// TopPages returns the n most viewed pages in the window.
func (a *Aggregator) TopPages(days, n int) []Count {
	if n <= 0 {
		n = a.topN
	}
	return TopPages(a.src.PageViews(days), n)
}

// TopEvents returns the n most frequent events in the window.
func (a *Aggregator) TopEvents(days, n int) []Count {
	if n <= 0 {
		n = a.topN
	}
	return TopEvents(a.src.Events(days), n)
}
