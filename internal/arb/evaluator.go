// Package arb evaluates tracked events for two-leg cross-venue arbitrage.
//
// The evaluator is triggered by price cache updates (its cache handler is a
// non-blocking channel send, never work) and by periodic sweeps over the
// whole registry so snapshot-only events still get evaluated. A per-event
// throttle coalesces update bursts: at most one evaluation per event per
// throttle interval, latest prices win.
//
// All monetary math is integer cents with cost rounded up, matching venue
// fee rounding. Profit percent is (1-cost)/cost*100 and the threshold is
// inclusive.
package arb

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"crossarb/internal/metrics"
	"crossarb/internal/pricecache"
	"crossarb/internal/registry"
	"crossarb/internal/safety"
	"crossarb/pkg/types"
)

const (
	triggerBuffer = 4096
	queueCapacity = 1024
)

// Listener receives emitted opportunities in profit order.
type Listener func(types.Opportunity)

// Evaluator turns price changes into opportunities.
type Evaluator struct {
	cache  *pricecache.Cache
	reg    *registry.Registry
	gates  *safety.Gates
	cfgFn  func() types.RuntimeConfig
	fees   map[types.Venue]int // taker fee bps per venue
	logger *slog.Logger

	throttle time.Duration

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter

	trigger chan string // event keys needing evaluation
	queue   chan types.Opportunity

	listenersMu sync.RWMutex
	listeners   []Listener

	// now is swappable in tests.
	now func() time.Time
}

// New builds an evaluator and registers its cache trigger.
func New(cache *pricecache.Cache, reg *registry.Registry, gates *safety.Gates, cfgFn func() types.RuntimeConfig, fees map[types.Venue]int, throttle time.Duration, logger *slog.Logger) *Evaluator {
	e := &Evaluator{
		cache:    cache,
		reg:      reg,
		gates:    gates,
		cfgFn:    cfgFn,
		fees:     fees,
		logger:   logger.With("component", "evaluator"),
		throttle: throttle,
		limiters: make(map[string]*rate.Limiter),
		trigger:  make(chan string, triggerBuffer),
		queue:    make(chan types.Opportunity, queueCapacity),
		now:      time.Now,
	}

	cache.Subscribe(func(key types.PriceKey, _ types.PricePoint) {
		ev, ok := reg.FindByMarket(key.Venue, key.MarketID)
		if !ok {
			return
		}
		select {
		case e.trigger <- ev.EventKey:
		default:
			// Trigger buffer full; the periodic sweep catches up.
		}
	})

	// Limiters are allocated per event key; drop them with the event or the
	// map grows for the lifetime of the process.
	reg.OnChange(func(d registry.Diff) {
		if len(d.Removed) == 0 {
			return
		}
		e.limitersMu.Lock()
		for _, ev := range d.Removed {
			delete(e.limiters, ev.EventKey)
		}
		e.limitersMu.Unlock()
	})
	return e
}

// OnOpportunity registers an emission listener.
func (e *Evaluator) OnOpportunity(l Listener) {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()
	e.listeners = append(e.listeners, l)
}

// Run drives the dispatch and emission loops until ctx is cancelled.
func (e *Evaluator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case eventKey := <-e.trigger:
				e.EvaluateEvent(eventKey)
			}
		}
	}()

	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case opp := <-e.queue:
				e.deliver(opp)
			}
		}
	}()

	wg.Wait()
}

// EvaluateAll sweeps every tracked event. Called after registry refreshes so
// snapshot-price-only events are evaluated even with no stream traffic.
func (e *Evaluator) EvaluateAll() {
	for _, ev := range e.reg.Snapshot() {
		e.EvaluateEvent(ev.EventKey)
	}
}

// EvaluateEvent runs one throttled evaluation pass for an event.
func (e *Evaluator) EvaluateEvent(eventKey string) {
	cfg := e.cfgFn()
	if !cfg.LiveArbEnabled {
		return
	}

	ev, ok := e.reg.Get(eventKey)
	if !ok {
		return
	}
	if cfg.LiveEventsOnly && ev.Status != types.StatusLive {
		return
	}
	if !e.limiter(eventKey).Allow() {
		// Throttled. The price that triggered this is still in the cache;
		// the next trigger or sweep evaluates with the latest prices.
		return
	}

	timer := prometheus.NewTimer(metrics.EvaluationDuration)
	defer timer.ObserveDuration()

	opps := e.findOpportunities(ev, cfg)
	if len(opps) == 0 {
		return
	}

	sort.Slice(opps, func(i, j int) bool { return opps[i].ProfitPct > opps[j].ProfitPct })
	for _, opp := range opps {
		e.reg.RecordOpportunity(ev.EventKey)
		metrics.OpportunitiesEmitted.Inc()
		e.enqueue(opp)
	}
}

// findOpportunities enumerates unordered member pairs and both leg
// orientations per pair. Flip groups pair same-side legs (YES/YES, NO/NO);
// normal groups pair complementary sides.
func (e *Evaluator) findOpportunities(ev types.TrackedEvent, cfg types.RuntimeConfig) []types.Opportunity {
	var opps []types.Opportunity

	for i := 0; i < len(ev.Members); i++ {
		for j := i + 1; j < len(ev.Members); j++ {
			a, b := ev.Members[i], ev.Members[j]

			var orientations [][2]types.Outcome
			if ev.Flip {
				orientations = [][2]types.Outcome{
					{types.OutcomeYes, types.OutcomeYes},
					{types.OutcomeNo, types.OutcomeNo},
				}
			} else {
				orientations = [][2]types.Outcome{
					{types.OutcomeYes, types.OutcomeNo},
					{types.OutcomeNo, types.OutcomeYes},
				}
			}

			for _, sides := range orientations {
				opp, ok := e.tryPair(ev, a, b, sides[0], sides[1], cfg)
				if ok {
					opps = append(opps, opp)
				}
			}
		}
	}
	return opps
}

func (e *Evaluator) tryPair(ev types.TrackedEvent, a, b types.VenueMarket, sideA, sideB types.Outcome, cfg types.RuntimeConfig) (types.Opportunity, bool) {
	pointA, ok := e.effective(a, sideA)
	if !ok {
		return types.Opportunity{}, false
	}
	pointB, ok := e.effective(b, sideB)
	if !ok {
		return types.Opportunity{}, false
	}

	costA := legCostCents(a, pointA)
	costB := legCostCents(b, pointB)
	if costA <= 0 || costB <= 0 {
		return types.Opportunity{}, false
	}

	// Integer cents, rounded up: the fee-inclusive cost of the pair.
	costCents := int(math.Ceil(costA + costB))
	if costCents >= 100 {
		return types.Opportunity{}, false
	}
	cost := float64(costCents) / 100
	profitPct := (1 - cost) / cost * 100
	if profitPct < cfg.MinProfitPct() {
		return types.Opportunity{}, false
	}

	now := e.now()
	opp := types.Opportunity{
		ID:       types.OpportunityID(ev.EventKey, a.ID, b.ID, now),
		EventKey: ev.EventKey,
		LegA:     makeLeg(a, sideA, costA, pointA, now),
		LegB:     makeLeg(b, sideB, costB, pointB, now),
		Flip:     ev.Flip,

		CostCents:   costCents,
		ProfitAbs:   1 - cost,
		ProfitPct:   profitPct,
		SkewMs:      absMs(pointA.ObservedAt, pointB.ObservedAt),
		DetectedAt:  now,
		FeeEstimate: float64(e.fees[a.Venue]+e.fees[b.Venue]) / 10000,
	}

	if reason := e.gates.Check(opp, pointA, pointB); reason != "" {
		e.logger.Debug("opportunity blocked",
			"event", ev.EventKey, "reason", reason, "profit_pct", profitPct)
		return types.Opportunity{}, false
	}
	return opp, true
}

// effective returns the leg's price point: the stream point when one exists,
// stale or not (the freshness gate decides and counts), otherwise the
// snapshot price.
func (e *Evaluator) effective(m types.VenueMarket, side types.Outcome) (types.PricePoint, bool) {
	key := types.PriceKey{Venue: m.Venue, MarketID: m.ID, Outcome: side}
	if p, ok := e.cache.Get(key); ok {
		return p, true
	}
	return e.cache.GetEffective(m, side, 0)
}

// legCostCents is the cent cost of taking one leg. Prediction legs cost
// their price. Sportsbook legs cost the taker's stake per $1 payout,
// 100/decimalOdds, which is the cent-equivalent of the complementary
// outcome's maker probability.
func legCostCents(m types.VenueMarket, p types.PricePoint) float64 {
	if m.Kind == types.KindSportsbook && p.DecimalOdds > 1 {
		return 100 / p.DecimalOdds
	}
	return p.PriceCents
}

func makeLeg(m types.VenueMarket, side types.Outcome, costCents float64, p types.PricePoint, now time.Time) types.Leg {
	return types.Leg{
		Venue:      m.Venue,
		MarketID:   m.ID,
		Side:       side,
		PriceCents: costCents,
		Source:     p.Source,
		ObservedAt: p.ObservedAt,
		AgeMs:      now.Sub(p.ObservedAt).Milliseconds(),
	}
}

// enqueue adds to the bounded emission queue, dropping the oldest entry on
// overflow.
func (e *Evaluator) enqueue(opp types.Opportunity) {
	for {
		select {
		case e.queue <- opp:
			return
		default:
			select {
			case <-e.queue:
				metrics.OpportunityQueueDrops.Inc()
			default:
			}
		}
	}
}

func (e *Evaluator) deliver(opp types.Opportunity) {
	e.listenersMu.RLock()
	listeners := e.listeners
	e.listenersMu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					metrics.HandlerPanics.Inc()
					e.logger.Error("opportunity listener panicked", "panic", r)
				}
			}()
			l(opp)
		}()
	}
}

func (e *Evaluator) limiter(eventKey string) *rate.Limiter {
	e.limitersMu.Lock()
	defer e.limitersMu.Unlock()
	l, ok := e.limiters[eventKey]
	if !ok {
		l = rate.NewLimiter(rate.Every(e.throttle), 1)
		e.limiters[eventKey] = l
	}
	return l
}

func absMs(a, b time.Time) int64 {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d.Milliseconds()
}
