// Package subs reconciles desired market subscriptions against each venue
// stream client.
//
// The desired set is derived from the registry: member markets of tracked
// events, LIVE events first, capped per venue by the runtime config. The
// manager owns the authoritative view of what it has asked each client to
// subscribe; clients only execute. Reconciles are debounced so a burst of
// registry diffs collapses into one pass.
package subs

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"crossarb/internal/registry"
	"crossarb/internal/venue"
	"crossarb/pkg/types"
)

const (
	defaultDebounce = time.Second
	safetyInterval  = 30 * time.Second // reconcile even without triggers
	maxReasons      = 5
)

// Dropper removes a market's cached prices once it is unsubscribed.
type Dropper interface {
	DropMarket(v types.Venue, marketID string)
}

// Manager reconciles subscriptions for all venues.
type Manager struct {
	reg     *registry.Registry
	clients map[types.Venue]venue.StreamClient
	dropper Dropper
	cfgFn   func() types.RuntimeConfig
	logger  *slog.Logger

	debounce time.Duration

	mu      sync.Mutex
	pending bool
	reasons map[string]bool
	kick    chan struct{}

	// current is what this manager has successfully asked each client to
	// hold. Venues that were skipped (not CONNECTED) keep their last view.
	current map[types.Venue]map[string]bool
}

// New builds a manager over the given clients. cfgFn supplies the live
// runtime config on every pass.
func New(reg *registry.Registry, clients map[types.Venue]venue.StreamClient, dropper Dropper, cfgFn func() types.RuntimeConfig, logger *slog.Logger) *Manager {
	m := &Manager{
		reg:      reg,
		clients:  clients,
		dropper:  dropper,
		cfgFn:    cfgFn,
		logger:   logger.With("component", "subs"),
		debounce: defaultDebounce,
		reasons:  make(map[string]bool),
		kick:     make(chan struct{}, 1),
		current:  make(map[types.Venue]map[string]bool),
	}
	for v := range clients {
		m.current[v] = make(map[string]bool)
	}

	reg.OnChange(func(registry.Diff) { m.Request("registry") })
	for _, c := range clients {
		c.OnStateChange(func(v types.Venue, from, to types.ConnState) {
			// A reconnect may have happened while we were skipping this
			// venue; re-enqueue so the desired set is re-applied.
			if to == types.ConnConnected {
				m.Request("reconnected")
				return
			}
			// Leaving CONNECTED means the socket (and on Disconnect the
			// client's whole subscription set) is gone. Forget our view so
			// the next reconcile re-applies everything; re-subscribing ids
			// the client still holds is idempotent.
			if from == types.ConnConnected || to == types.ConnIdle || to == types.ConnDisabled {
				m.mu.Lock()
				m.current[v] = make(map[string]bool)
				m.mu.Unlock()
			}
		})
	}
	return m
}

// Request asks for a reconcile pass. Requests arriving before the debounce
// timer fires merge their reasons and defer to a single pass.
func (m *Manager) Request(reason string) {
	m.mu.Lock()
	if len(m.reasons) < maxReasons {
		m.reasons[reason] = true
	}
	already := m.pending
	m.pending = true
	m.mu.Unlock()

	if !already {
		select {
		case m.kick <- struct{}{}:
		default:
		}
	}
}

// Run drives debounced reconciliation until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	safety := time.NewTicker(safetyInterval)
	defer safety.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-safety.C:
			m.Request("periodic")
		case <-m.kick:
			// Debounce window: let a burst of triggers settle.
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.debounce):
			}
			m.Reconcile()
		}
	}
}

// Reconcile runs one pass immediately: compute desired sets, then per venue
// issue unsubscribes before subscribes. Exported for the worker's shutdown
// path and tests; normal operation goes through Request.
func (m *Manager) Reconcile() {
	m.mu.Lock()
	reasons := make([]string, 0, len(m.reasons))
	for r := range m.reasons {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	m.reasons = make(map[string]bool)
	m.pending = false
	m.mu.Unlock()

	desired := m.desiredSets()

	for v, client := range m.clients {
		if client.Status().State != types.ConnConnected {
			// Leave current untouched; the CONNECTED transition re-enqueues.
			continue
		}

		want := desired[v]

		m.mu.Lock()
		cur := m.current[v]
		var toRemove, toAdd []string
		for id := range cur {
			if !want[id] {
				toRemove = append(toRemove, id)
			}
		}
		for id := range want {
			if !cur[id] {
				toAdd = append(toAdd, id)
			}
		}
		m.mu.Unlock()
		if len(toRemove) == 0 && len(toAdd) == 0 {
			continue
		}
		sort.Strings(toRemove)
		sort.Strings(toAdd)

		// Unsubscribes first to free venue-side capacity.
		if len(toRemove) > 0 {
			if err := client.UnsubscribeMarkets(toRemove); err != nil {
				m.logger.Warn("unsubscribe failed", "venue", v, "count", len(toRemove), "error", err)
				continue
			}
			m.mu.Lock()
			for _, id := range toRemove {
				delete(cur, id)
			}
			m.mu.Unlock()
			for _, id := range toRemove {
				m.dropper.DropMarket(v, id)
			}
		}
		if len(toAdd) > 0 {
			if err := client.SubscribeMarkets(toAdd); err != nil {
				m.logger.Warn("subscribe failed", "venue", v, "count", len(toAdd), "error", err)
				continue
			}
			m.mu.Lock()
			for _, id := range toAdd {
				cur[id] = true
			}
			m.mu.Unlock()
		}

		m.logger.Debug("reconciled",
			"venue", v,
			"added", len(toAdd),
			"removed", len(toRemove),
			"total", len(cur),
			"reasons", reasons,
		)
	}
}

// desiredSets builds the per-venue target: member markets of tracked events,
// LIVE first, then nearest start time, capped per venue.
func (m *Manager) desiredSets() map[types.Venue]map[string]bool {
	cfg := m.cfgFn()
	limit := cfg.MaxSubscriptionsPerVenue

	events := m.reg.Snapshot()
	sort.Slice(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if (a.Status == types.StatusLive) != (b.Status == types.StatusLive) {
			return a.Status == types.StatusLive
		}
		sa, sb := eventStart(a), eventStart(b)
		if !sa.Equal(sb) {
			return sa.Before(sb)
		}
		return a.EventKey < b.EventKey
	})

	desired := make(map[types.Venue]map[string]bool, len(m.clients))
	for v := range m.clients {
		desired[v] = make(map[string]bool)
	}

	for _, ev := range events {
		if ev.Status == types.StatusEnded {
			continue
		}
		if cfg.LiveEventsOnly && ev.Status != types.StatusLive {
			continue
		}
		if cfg.SportsOnly && ev.HomeTeam == "" {
			continue
		}
		for _, member := range ev.Members {
			set, ok := desired[member.Venue]
			if !ok || len(set) >= limit {
				continue
			}
			set[member.ID] = true
		}
	}
	return desired
}

// Current reports the manager's view of one venue's subscriptions.
func (m *Manager) Current(v types.Venue) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.current[v]))
	for id := range m.current[v] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func eventStart(ev types.TrackedEvent) time.Time {
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
