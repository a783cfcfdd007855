// Package stats implements the read-only aggregation collaborator of
// spec.md §2 "Stats": counters for request outcomes and replay progress,
// pulled from whichever goroutine wants them (spec.md §5: "Statistics
// aggregation is read-only and may run on any thread").
//
// Backed by github.com/rcrowley/go-metrics, a direct dependency of the
// teacher's go.mod, the same library Couchbase's index server uses for
// per-request counters.
package stats

import (
	metrics "github.com/rcrowley/go-metrics"
)

// Stats is the read-only aggregation surface. It never mutates core
// state; Index and IndexZone report into it, and any caller may read it
// concurrently.
type Stats struct {
	registry metrics.Registry

	Hits           metrics.Counter
	Misses         metrics.Counter
	OverflowRecords metrics.Counter
	Deletes        metrics.Counter
	ReplayedChapters metrics.Counter
	ReplayedRecords metrics.Counter
	OpenChapterSize metrics.Gauge
	ChapterWriterQueued metrics.Gauge
}

func New() *Stats {
	r := metrics.NewRegistry()
	s := &Stats{
		registry:            r,
		Hits:                metrics.NewCounter(),
		Misses:              metrics.NewCounter(),
		OverflowRecords:     metrics.NewCounter(),
		Deletes:             metrics.NewCounter(),
		ReplayedChapters:    metrics.NewCounter(),
		ReplayedRecords:     metrics.NewCounter(),
		OpenChapterSize:     metrics.NewGauge(),
		ChapterWriterQueued: metrics.NewGauge(),
	}
	r.Register("index.hits", s.Hits)
	r.Register("index.misses", s.Misses)
	r.Register("index.overflow_records", s.OverflowRecords)
	r.Register("index.deletes", s.Deletes)
	r.Register("replay.chapters", s.ReplayedChapters)
	r.Register("replay.records", s.ReplayedRecords)
	r.Register("index.open_chapter_size", s.OpenChapterSize)
	r.Register("chapterwriter.queued", s.ChapterWriterQueued)
	return s
}

// Snapshot is a point-in-time copy of the counters, suitable for periodic
// logging or export without holding onto the live go-metrics objects.
type Snapshot struct {
	Hits                int64
	Misses              int64
	OverflowRecords     int64
	Deletes             int64
	ReplayedChapters    int64
	ReplayedRecords     int64
	OpenChapterSize     int64
	ChapterWriterQueued int64
}

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Hits:                s.Hits.Count(),
		Misses:              s.Misses.Count(),
		OverflowRecords:     s.OverflowRecords.Count(),
		Deletes:             s.Deletes.Count(),
		ReplayedChapters:    s.ReplayedChapters.Count(),
		ReplayedRecords:     s.ReplayedRecords.Count(),
		OpenChapterSize:     s.OpenChapterSize.Value(),
		ChapterWriterQueued: s.ChapterWriterQueued.Value(),
	}
}
