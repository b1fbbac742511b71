// Package eventlog keeps a bounded in-memory ring of structured operational events (session opened, restore
// failed, trigger disabled, ...). Every event is also emitted through zerolog, and the ring can be flushed to the
// preferences store so events survive a restart.
package eventlog

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Entry is one recorded event.
type Entry struct {
	ID   string         `json:"id"`
	Time time.Time      `json:"time"`
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// Log is a fixed-capacity event ring. Oldest entries are dropped first.
type Log struct {
	mu    sync.Mutex
	ring  []Entry
	limit int
	log   zerolog.Logger

	now func() time.Time
}

// New returns a Log that keeps at most limit entries.
func New(limit int, logger zerolog.Logger) *Log {
	return &Log{
		limit: limit,
		log:   logger.With().Str("component", "eventlog").Logger(),
		now:   time.Now,
	}
}

// Record appends an event and emits it through the structured logger.
func (l *Log) Record(eventType string, data map[string]any) {
	entry := Entry{
		ID:   uuid.NewString(),
		Time: l.clock(),
		Type: eventType,
		Data: data,
	}

	ev := l.log.Info().Str("event", eventType)
	for k, v := range data {
		ev = ev.Interface(k, v)
	}
	ev.Msg("event recorded")

	l.mu.Lock()
	defer l.mu.Unlock()
	l.ring = append(l.ring, entry)
	if len(l.ring) > l.limit {
		l.ring = l.ring[len(l.ring)-l.limit:]
	}
}

// Recent returns the entries in insertion order, optionally filtered to types with the given prefix.
func (l *Log) Recent(typePrefix string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, 0, len(l.ring))
	for _, e := range l.ring {
		if typePrefix != "" && !strings.HasPrefix(e.Type, typePrefix) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Snapshot returns a copy of the whole ring, for flushing to the store.
func (l *Log) Snapshot() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, len(l.ring))
	copy(out, l.ring)
	return out
}

// Len returns the number of entries currently held.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ring)
}

// Merge combines the in-memory entries with a persisted set, de-duplicating by entry ID and sorting by time. An
// entry flushed to the store and still sitting in the ring appears once. The prefix filter applies to both sides.
func (l *Log) Merge(persisted []Entry, typePrefix string) []Entry {
	merged := l.Recent(typePrefix)

	seen := make(map[string]bool, len(merged))
	for _, e := range merged {
		seen[e.ID] = true
	}
	for _, e := range persisted {
		if typePrefix != "" && !strings.HasPrefix(e.Type, typePrefix) {
			continue
		}
		if seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		merged = append(merged, e)
	}

	sort.Slice(merged, func(i, j int) bool { return merged[i].Time.Before(merged[j].Time) })
	return merged
}

func (l *Log) clock() time.Time {
	if l.now != nil {
		return l.now()
	}
	return time.Now()
}
