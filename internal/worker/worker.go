// Package worker owns the process lifecycle: component wiring, the main
// refresh loop, runtime config polling, the decoupled heartbeat, and the
// ordered shutdown sequence.
package worker

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"crossarb/internal/arb"
	"crossarb/internal/config"
	"crossarb/internal/kv"
	"crossarb/internal/match"
	"crossarb/internal/metrics"
	"crossarb/internal/ops"
	"crossarb/internal/pricecache"
	"crossarb/internal/registry"
	"crossarb/internal/safety"
	"crossarb/internal/subs"
	"crossarb/internal/venue"
	"crossarb/internal/venue/kalshi"
	"crossarb/internal/venue/polymarket"
	"crossarb/internal/venue/sxbet"
	"crossarb/pkg/types"
)

const (
	heartbeatSchemaVersion = 1
	refreshDeadline        = 10 * time.Second
)

// Discoverer is the REST market discovery surface of one venue.
type Discoverer interface {
	FetchMarkets(ctx context.Context) ([]types.VenueMarket, error)
}

// Worker wires every component and drives them from the main loop.
type Worker struct {
	cfg    *config.Config
	store  *kv.Store
	cache  *pricecache.Cache
	reg    *registry.Registry
	gates  *safety.Gates
	eval   *arb.Evaluator
	subs   *subs.Manager
	ops    *ops.Server
	logger *slog.Logger

	clients   map[types.Venue]venue.StreamClient
	discovery map[types.Venue]Discoverer

	instanceID string

	mu             sync.Mutex
	runtime        types.RuntimeConfig
	state          types.WorkerState
	lastRefreshAt  time.Time
	shutdownReason string
	connected      bool

	tickCount         atomic.Uint64
	refreshInProgress atomic.Bool
	hbInFlight        atomic.Bool
	hbWrites          sync.WaitGroup

	// lastGood holds the most recent successful snapshot per venue so one
	// venue's REST outage does not erase its tracked events. Only touched by
	// refresh, which is single-flight.
	lastGood map[types.Venue][]types.VenueMarket

	now func() time.Time
}

// New builds the full component graph from static config. Nothing connects
// or writes until Run.
func New(cfg *config.Config, store *kv.Store, logger *slog.Logger) *Worker {
	w := &Worker{
		cfg:        cfg,
		store:      store,
		cache:      pricecache.New(),
		reg:        registry.New(logger),
		logger:     logger.With("component", "worker"),
		clients:    make(map[types.Venue]venue.StreamClient),
		discovery:  make(map[types.Venue]Discoverer),
		lastGood:   make(map[types.Venue][]types.VenueMarket),
		instanceID: uuid.NewString(),
		runtime:    types.DefaultRuntimeConfig(),
		state:      types.WorkerStarting,
		now:        time.Now,
	}

	sink := func(u types.PriceUpdate) { w.cache.Put(u) }
	if vc := cfg.Venues.Kalshi; vc.Enabled() {
		w.clients[types.VenueKalshi] = kalshi.New(vc, sink, logger)
	}
	if vc := cfg.Venues.Kalshi; vc.RESTBaseURL != "" {
		w.discovery[types.VenueKalshi] = kalshi.NewDiscovery(vc, logger)
	}
	if vc := cfg.Venues.Polymarket; vc.Enabled() {
		w.clients[types.VenuePolymarket] = polymarket.New(vc, sink, logger)
	}
	if vc := cfg.Venues.Polymarket; vc.RESTBaseURL != "" {
		w.discovery[types.VenuePolymarket] = polymarket.NewDiscovery(vc, logger)
	}
	if vc := cfg.Venues.SXBet; vc.Enabled() {
		w.clients[types.VenueSXBet] = sxbet.New(vc, sink, logger)
	}
	if vc := cfg.Venues.SXBet; vc.RESTBaseURL != "" {
		w.discovery[types.VenueSXBet] = sxbet.NewDiscovery(vc, logger)
	}

	cfgFn := w.Runtime
	w.gates = safety.New(cfgFn, cfg.Evaluator.BreakerFailures, cfg.Evaluator.BreakerCooldown, logger)
	fees := map[types.Venue]int{
		types.VenueKalshi:     cfg.Venues.Kalshi.TakerFeeBps,
		types.VenuePolymarket: cfg.Venues.Polymarket.TakerFeeBps,
		types.VenueSXBet:      cfg.Venues.SXBet.TakerFeeBps,
	}
	w.eval = arb.New(w.cache, w.reg, w.gates, cfgFn, fees, cfg.Evaluator.ThrottleInterval, logger)
	w.subs = subs.New(w.reg, w.clients, w.cache, cfgFn, logger)

	// Every emitted opportunity is logged, persisted, and reported to the
	// breaker as an execution attempt.
	executor := arb.NewLogExecutor(logger)
	w.eval.OnOpportunity(func(opp types.Opportunity) {
		err := executor.Execute(context.Background(), opp)
		w.gates.ReportExecution(err)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.store.AppendOpportunity(ctx, opp); err != nil {
			w.logger.Error("opportunity append failed", "error", err)
		}
	})

	if cfg.Ops.Enabled {
		w.ops = ops.NewServer(cfg.Ops, w, store, logger)
	}
	return w
}

// Runtime returns the last known runtime config. Safe for concurrent use;
// every component reads config through this.
func (w *Worker) Runtime() types.RuntimeConfig {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.runtime
}

// State returns the current lifecycle phase.
func (w *Worker) State() types.WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s types.WorkerState) {
	w.mu.Lock()
	changed := w.state != s
	w.state = s
	w.mu.Unlock()
	if changed {
		w.logger.Info("worker state", "state", string(s))
	}
}

// Run drives the worker until ctx is cancelled, then performs the ordered
// shutdown sequence before returning.
func (w *Worker) Run(ctx context.Context) error {
	// The STARTING heartbeat goes out before any connection work so external
	// observers see the instance immediately.
	if err := w.writeHeartbeat(ctx); err != nil {
		w.logger.Warn("starting heartbeat failed", "error", err)
	}

	if w.ops != nil {
		go func() {
			if err := w.ops.Start(); err != nil {
				w.logger.Error("ops server exited", "error", err)
			}
		}()
	}

	loopCtx, cancelLoops := context.WithCancel(context.Background())
	var loops sync.WaitGroup
	loops.Add(3)
	go func() { defer loops.Done(); w.runHeartbeat(loopCtx) }()
	go func() { defer loops.Done(); w.eval.Run(loopCtx) }()
	go func() { defer loops.Done(); w.subs.Run(loopCtx) }()

	w.pollConfig(ctx)
	w.applyEnabled()
	w.setState(w.runState())
	w.refresh(ctx)

	refreshTicker := time.NewTicker(w.cfg.Worker.RefreshInterval)
	defer refreshTicker.Stop()
	pollTicker := time.NewTicker(w.cfg.Worker.ConfigPollInterval)
	defer pollTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.shutdown("signal", cancelLoops, &loops)
			return nil
		case <-pollTicker.C:
			w.pollConfig(context.Background())
			w.applyEnabled()
			w.setState(w.runState())
		case <-refreshTicker.C:
			if w.Runtime().LiveArbEnabled {
				w.refresh(context.Background())
			}
			w.reg.Retag()
			w.reg.GC()
			metrics.TrackedEvents.Set(float64(w.reg.Len()))
		}
	}
}

// runState maps the enabled flag to the reported lifecycle phase.
func (w *Worker) runState() types.WorkerState {
	if w.Runtime().LiveArbEnabled {
		return types.WorkerRunning
	}
	return types.WorkerIdle
}

// applyEnabled connects or disconnects the venue clients when the runtime
// toggle flips. The heartbeat and config poll keep running either way.
func (w *Worker) applyEnabled() {
	enabled := w.Runtime().LiveArbEnabled

	w.mu.Lock()
	if w.connected == enabled {
		w.mu.Unlock()
		return
	}
	w.connected = enabled
	w.mu.Unlock()

	if enabled {
		for v, c := range w.clients {
			if err := c.Connect(); err != nil {
				w.logger.Error("venue connect failed", "venue", string(v), "error", err)
			}
		}
		w.subs.Request("enabled")
		return
	}
	for _, c := range w.clients {
		c.Disconnect()
	}
}

// pollConfig refreshes the runtime config from the KV. A read error keeps
// the last good copy.
func (w *Worker) pollConfig(ctx context.Context) {
	cfg, err := w.store.RuntimeConfig(ctx)
	if err != nil {
		w.logger.Warn("runtime config poll failed, keeping last", "error", err)
		return
	}
	w.mu.Lock()
	w.runtime = cfg
	w.mu.Unlock()
}

// refresh pulls market snapshots from every venue, rebuilds the tracked event
// set, and sweeps the evaluator over the result.
func (w *Worker) refresh(ctx context.Context) {
	if !w.refreshInProgress.CompareAndSwap(false, true) {
		return
	}
	defer w.refreshInProgress.Store(false)

	ctx, cancel := context.WithTimeout(ctx, refreshDeadline)
	defer cancel()

	var (
		mu    sync.Mutex
		fresh = make(map[types.Venue][]types.VenueMarket)
		wg    sync.WaitGroup
	)
	for v, d := range w.discovery {
		wg.Add(1)
		go func(v types.Venue, d Discoverer) {
			defer wg.Done()
			ms, err := d.FetchMarkets(ctx)
			if err != nil {
				w.logger.Warn("snapshot fetch failed", "venue", string(v), "error", err)
				return
			}
			mu.Lock()
			fresh[v] = ms
			mu.Unlock()
		}(v, d)
	}
	wg.Wait()

	if len(fresh) == 0 {
		// Nothing fetched: keep the previous registry untouched.
		metrics.SnapshotRefreshes.WithLabelValues("error").Inc()
		return
	}

	// A venue whose fetch failed keeps its last good snapshot, so a transient
	// REST outage never deletes that venue's tracked events. Only a successful
	// fetch may shrink a venue's market list.
	failed := 0
	var markets []types.VenueMarket
	for v := range w.discovery {
		if ms, ok := fresh[v]; ok {
			w.lastGood[v] = ms
		} else if _, ok := w.lastGood[v]; ok {
			failed++
		} else {
			failed++
			continue
		}
		markets = append(markets, w.lastGood[v]...)
	}
	if failed == 0 {
		metrics.SnapshotRefreshes.WithLabelValues("ok").Inc()
	} else {
		metrics.SnapshotRefreshes.WithLabelValues("error").Inc()
	}

	// Deterministic matcher input regardless of fetch completion order.
	sort.Slice(markets, func(i, j int) bool {
		if markets[i].Venue != markets[j].Venue {
			return markets[i].Venue < markets[j].Venue
		}
		return markets[i].ID < markets[j].ID
	})

	if w.Runtime().RuleBasedMatcherEnabled {
		events := match.Match(markets, match.Config{
			TimeTolerance: w.cfg.Matcher.TimeTolerance,
			MinQuality:    w.cfg.Matcher.MinQuality,
		})
		diff := w.reg.Refresh(events)
		w.logger.Info("refresh complete",
			"markets", len(markets), "events", w.reg.Len(),
			"added", len(diff.Added), "removed", len(diff.Removed), "modified", len(diff.Modified))
	}
	metrics.TrackedEvents.Set(float64(w.reg.Len()))

	if failed == 0 {
		w.mu.Lock()
		w.lastRefreshAt = w.now()
		w.mu.Unlock()
	}

	w.eval.EvaluateAll()
}

// shutdown runs the ordered stop sequence: stop the background loops and
// drain any in-flight heartbeat write, write the STOPPING record, disconnect
// venues, wait the stopping delay so external observers can see STOPPING,
// then write STOPPED.
func (w *Worker) shutdown(reason string, cancelLoops context.CancelFunc, loops *sync.WaitGroup) {
	w.mu.Lock()
	w.shutdownReason = reason
	w.mu.Unlock()
	w.setState(types.WorkerStopping)

	// An in-flight periodic write landing after the STOPPING record would
	// briefly re-publish a RUNNING state, so drain before writing.
	cancelLoops()
	loops.Wait()
	w.hbWrites.Wait()

	ctx := context.Background()
	if err := w.writeHeartbeat(ctx); err != nil {
		w.logger.Warn("stopping heartbeat failed", "error", err)
	}

	for _, c := range w.clients {
		c.Disconnect()
	}
	if w.ops != nil {
		if err := w.ops.Stop(); err != nil {
			w.logger.Warn("ops server stop failed", "error", err)
		}
	}

	time.Sleep(w.cfg.Worker.StoppingDelay)

	w.setState(types.WorkerStopped)
	if err := w.writeHeartbeat(ctx); err != nil {
		w.logger.Warn("stopped heartbeat failed", "error", err)
	}
	w.logger.Info("worker stopped", "reason", reason)
}
