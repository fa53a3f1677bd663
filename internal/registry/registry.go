// Package registry owns the current tracked-event set.
//
// Refresh is copy-on-write: the new set is built entirely off the hot path
// and swapped in atomically, so a concurrent reader sees either the whole old
// registry or the whole new one. Listeners receive (added, removed, modified)
// diffs and can react incrementally, which is what keeps subscription churn
// proportional to actual change rather than snapshot size.
package registry

import (
	"log/slog"
	"sync"
	"time"

	"crossarb/internal/metrics"
	"crossarb/pkg/types"
)

// statusBuffer pads the LIVE window on both ends: an event goes LIVE slightly
// before its start time and stays PRE-eligible slightly after.
const statusBuffer = 30 * time.Minute

// endedRetention keeps ENDED events visible for a short while before GC so
// in-flight evaluations drain naturally.
const endedRetention = 10 * time.Minute

// maxGameDuration bounds how long after start time an event can still be
// LIVE, per sport.
var maxGameDuration = map[string]time.Duration{
	"basketball": 3 * time.Hour,
	"soccer":     150 * time.Minute,
	"football":   4 * time.Hour,
	"baseball":   4 * time.Hour,
	"hockey":     3 * time.Hour,
	"tennis":     4 * time.Hour,
}

const defaultGameDuration = 4 * time.Hour

// Diff describes one refresh's effect on the tracked set.
type Diff struct {
	Added    []types.TrackedEvent
	Removed  []types.TrackedEvent
	Modified []types.TrackedEvent
}

// Empty reports whether the diff carries no change.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Modified) == 0
}

// Listener observes refresh diffs. Called synchronously after the swap;
// panics are recovered and counted.
type Listener func(Diff)

type marketRef struct {
	venue    types.Venue
	marketID string
}

// Registry stores tracked events behind a read-mostly lock.
type Registry struct {
	mu       sync.RWMutex
	events   map[string]types.TrackedEvent
	byMarket map[marketRef]string

	listenersMu sync.RWMutex
	listeners   []Listener

	logger *slog.Logger

	// now is swappable in tests.
	now func() time.Time
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		events:   make(map[string]types.TrackedEvent),
		byMarket: make(map[marketRef]string),
		logger:   logger.With("component", "registry"),
		now:      time.Now,
	}
}

// OnChange registers a diff listener.
func (r *Registry) OnChange(l Listener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Refresh replaces the tracked set with the matcher's latest output.
// FirstSeenAt and the opportunity counter survive across refreshes for
// events that persist. Returns the diff it notified.
func (r *Registry) Refresh(events []types.TrackedEvent) Diff {
	now := r.now()

	next := make(map[string]types.TrackedEvent, len(events))
	nextIdx := make(map[marketRef]string)

	r.mu.RLock()
	for _, ev := range events {
		if old, ok := r.events[ev.EventKey]; ok {
			ev.FirstSeenAt = old.FirstSeenAt
			ev.OpportunitiesFound = old.OpportunitiesFound
		} else {
			ev.FirstSeenAt = now
		}
		ev.LastRefreshedAt = now
		ev.Status = statusFor(ev, now)
		next[ev.EventKey] = ev
		for _, m := range ev.Members {
			nextIdx[marketRef{m.Venue, m.ID}] = ev.EventKey
		}
	}
	r.mu.RUnlock()

	r.mu.Lock()
	diff := diffSets(r.events, next)
	r.events = next
	r.byMarket = nextIdx
	r.mu.Unlock()

	metrics.TrackedEvents.Set(float64(len(next)))
	if !diff.Empty() {
		r.logger.Info("registry refreshed",
			"tracked", len(next),
			"added", len(diff.Added),
			"removed", len(diff.Removed),
			"modified", len(diff.Modified),
		)
		r.notify(diff)
	}
	return diff
}

// Retag recomputes event statuses against the current clock and notifies a
// modified-only diff when any changed. Cheap; run it between refreshes so
// events cross PRE to LIVE on time.
func (r *Registry) Retag() {
	now := r.now()

	r.mu.Lock()
	var modified []types.TrackedEvent
	for key, ev := range r.events {
		if s := statusFor(ev, now); s != ev.Status {
			ev.Status = s
			r.events[key] = ev
			modified = append(modified, ev)
		}
	}
	r.mu.Unlock()

	if len(modified) > 0 {
		r.notify(Diff{Modified: modified})
	}
}

// GC drops ENDED events that have been over for longer than the retention
// window and notifies their removal.
func (r *Registry) GC() int {
	now := r.now()

	r.mu.Lock()
	var removed []types.TrackedEvent
	for key, ev := range r.events {
		if ev.Status != types.StatusEnded {
			continue
		}
		if now.Sub(endTime(ev)) < endedRetention {
			continue
		}
		delete(r.events, key)
		for _, m := range ev.Members {
			delete(r.byMarket, marketRef{m.Venue, m.ID})
		}
		removed = append(removed, ev)
	}
	count := len(r.events)
	r.mu.Unlock()

	if len(removed) > 0 {
		metrics.TrackedEvents.Set(float64(count))
		r.notify(Diff{Removed: removed})
	}
	return len(removed)
}

// Get returns the event for a key.
func (r *Registry) Get(eventKey string) (types.TrackedEvent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ev, ok := r.events[eventKey]
	return ev, ok
}

// FindByMarket maps a member market back to its tracked event.
func (r *Registry) FindByMarket(v types.Venue, marketID string) (types.TrackedEvent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.byMarket[marketRef{v, marketID}]
	if !ok {
		return types.TrackedEvent{}, false
	}
	ev, ok := r.events[key]
	return ev, ok
}

// Snapshot copies the current tracked set.
func (r *Registry) Snapshot() []types.TrackedEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.TrackedEvent, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev)
	}
	return out
}

// Len returns the tracked-event count.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.events)
}

// RecordOpportunity bumps the event's opportunity counter.
func (r *Registry) RecordOpportunity(eventKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev, ok := r.events[eventKey]; ok {
		ev.OpportunitiesFound++
		r.events[eventKey] = ev
	}
}

func (r *Registry) notify(diff Diff) {
	r.listenersMu.RLock()
	listeners := r.listeners
	r.listenersMu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					metrics.HandlerPanics.Inc()
					r.logger.Error("registry listener panicked", "panic", rec)
				}
			}()
			l(diff)
		}()
	}
}

// statusFor assigns PRE, LIVE, or ENDED from the earliest member start time.
// LIVE means the start time lies within (-maxGameDuration, +buffer) of now:
// the game started recently enough to still be running, or starts imminently.
func statusFor(ev types.TrackedEvent, now time.Time) types.EventStatus {
	start := earliestStart(ev)
	if start.IsZero() {
		// No start time reported anywhere: treat as PRE until close.
		return types.StatusPre
	}

	sinceStart := now.Sub(start)
	switch {
	case sinceStart > gameDuration(ev.Sport):
		return types.StatusEnded
	case sinceStart > -statusBuffer:
		return types.StatusLive
	default:
		return types.StatusPre
	}
}

func earliestStart(ev types.TrackedEvent) time.Time {
	var start time.Time
	for _, m := range ev.Members {
		if m.StartTime.IsZero() {
			continue
		}
		if start.IsZero() || m.StartTime.Before(start) {
			start = m.StartTime
		}
	}
	return start
}

func endTime(ev types.TrackedEvent) time.Time {
	start := earliestStart(ev)
	if start.IsZero() {
		return ev.LastRefreshedAt
	}
	return start.Add(gameDuration(ev.Sport))
}

func gameDuration(sport string) time.Duration {
	if d, ok := maxGameDuration[sport]; ok {
		return d
	}
	return defaultGameDuration
}

func diffSets(old, next map[string]types.TrackedEvent) Diff {
	var d Diff
	for key, ev := range next {
		prev, ok := old[key]
		switch {
		case !ok:
			d.Added = append(d.Added, ev)
		case eventChanged(prev, ev):
			d.Modified = append(d.Modified, ev)
		}
	}
	for key, ev := range old {
		if _, ok := next[key]; !ok {
			d.Removed = append(d.Removed, ev)
		}
	}
	return d
}

func eventChanged(a, b types.TrackedEvent) bool {
	if a.Status != b.Status || a.Flip != b.Flip || a.Quality != b.Quality {
		return true
	}
	if len(a.Members) != len(b.Members) {
		return true
	}
	for i := range a.Members {
		if a.Members[i].Venue != b.Members[i].Venue || a.Members[i].ID != b.Members[i].ID {
			return true
		}
	}
	return false
}
