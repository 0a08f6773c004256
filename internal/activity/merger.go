// Package activity maintains the ordered, deduplicated timeline of one
// session's telemetry stream.
package activity

import (
	"sort"

	"github.com/taskdeck/taskdeck/internal/models"
)

// Merger converts a raw, possibly-duplicated, possibly out-of-order frame
// sequence into a stable ordered timeline. One merger is owned by exactly
// one subscription; it is discarded when the subscription is torn down.
//
// Merger is not safe for concurrent use. Frames for a single session are
// delivered serially by the stream client, so no locking is needed.
type Merger struct {
	records  []models.ActivityRecord
	byID     map[string]int // correlation id -> index in records
	sorted   []models.ActivityRecord
	dirty    bool
	finished bool
}

// NewMerger creates an empty timeline.
func NewMerger() *Merger {
	return &Merger{byID: make(map[string]int)}
}

// Ingest merges one record into the timeline.
//
// A record sharing a non-empty correlation ID with an existing record
// replaces it in place: position follows delivery order, not timestamp, so a
// late frame with an older timestamp still lands in the original slot.
// Records without a correlation ID always append. Ingest remains safe to
// call after a finished record has been seen.
func (m *Merger) Ingest(rec models.ActivityRecord) {
	if rec.IsFinished() {
		m.finished = true
	}

	if rec.ID != "" {
		if idx, ok := m.byID[rec.ID]; ok {
			m.records[idx] = rec
			m.dirty = true
			return
		}
		m.byID[rec.ID] = len(m.records)
	}
	m.records = append(m.records, rec)
	m.dirty = true
}

// Snapshot returns the timeline sorted by timestamp ascending. The sort is
// stable: records with equal timestamps keep their merge order. The result
// is recomputed lazily; repeated calls without an intervening Ingest return
// identical output. The returned slice is the caller's to mutate.
func (m *Merger) Snapshot() []models.ActivityRecord {
	if m.dirty || m.sorted == nil {
		m.sorted = make([]models.ActivityRecord, len(m.records))
		copy(m.sorted, m.records)
		sort.SliceStable(m.sorted, func(i, j int) bool {
			return m.sorted[i].Timestamp.Before(m.sorted[j].Timestamp)
		})
		m.dirty = false
	}
	out := make([]models.ActivityRecord, len(m.sorted))
	copy(out, m.sorted)
	return out
}

// Len returns the number of merged records.
func (m *Merger) Len() int {
	return len(m.records)
}

// Finished reports whether a finished record has been ingested.
func (m *Merger) Finished() bool {
	return m.finished
}
