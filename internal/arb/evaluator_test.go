package arb

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"crossarb/internal/pricecache"
	"crossarb/internal/registry"
	"crossarb/internal/safety"
	"crossarb/pkg/types"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	cache *pricecache.Cache
	reg   *registry.Registry
	gates *safety.Gates
	eval  *Evaluator
	cfg   types.RuntimeConfig
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		cache: pricecache.New(),
		reg:   registry.New(discard()),
		cfg:   types.DefaultRuntimeConfig(),
	}
	cfgFn := func() types.RuntimeConfig { return f.cfg }
	f.gates = safety.New(cfgFn, 5, time.Minute, discard())
	fees := map[types.Venue]int{types.VenueKalshi: 100, types.VenuePolymarket: 0, types.VenueSXBet: 150}
	f.eval = New(f.cache, f.reg, f.gates, cfgFn, fees, 100*time.Millisecond, discard())
	return f
}

func (f *fixture) track(ev types.TrackedEvent) {
	f.reg.Refresh([]types.TrackedEvent{ev})
}

func (f *fixture) put(v types.Venue, marketID string, outcome types.Outcome, cents float64, at time.Time) {
	f.cache.Put(types.PriceUpdate{
		Key:         types.PriceKey{Venue: v, MarketID: marketID, Outcome: outcome},
		Kind:        types.KindPrediction,
		PriceCents:  cents,
		ImpliedProb: cents / 100,
		Source:      types.SourceStream,
		ObservedAt:  at,
	})
}

func (f *fixture) drain() []types.Opportunity {
	var out []types.Opportunity
	for {
		select {
		case opp := <-f.eval.queue:
			out = append(out, opp)
		default:
			return out
		}
	}
}

func predictionEvent(flip bool) types.TrackedEvent {
	start := time.Now().Add(time.Hour)
	return types.TrackedEvent{
		EventKey: "soccer|2025-03-01|teama,teamb",
		Sport:    "soccer",
		Flip:     flip,
		Members: []types.VenueMarket{
			{ID: "m-a", Venue: types.VenueKalshi, Kind: types.KindPrediction, StartTime: start},
			{ID: "m-b", Venue: types.VenuePolymarket, Kind: types.KindPrediction, StartTime: start},
		},
	}
}

func TestTwoVenuePredictionArb(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.track(predictionEvent(false))

	now := time.Now()
	f.put(types.VenueKalshi, "m-a", types.OutcomeYes, 55, now.Add(-200*time.Millisecond))
	f.put(types.VenuePolymarket, "m-b", types.OutcomeNo, 40, now.Add(-100*time.Millisecond))

	f.eval.EvaluateEvent("soccer|2025-03-01|teama,teamb")

	opps := f.drain()
	if len(opps) != 1 {
		t.Fatalf("expected exactly 1 opportunity, got %d: %+v", len(opps), opps)
	}

	opp := opps[0]
	if opp.CostCents != 95 {
		t.Errorf("expected cost 95c, got %d", opp.CostCents)
	}
	if opp.ProfitPct < 5.26 || opp.ProfitPct > 5.27 {
		t.Errorf("expected profit ~5.26%%, got %v", opp.ProfitPct)
	}
	if opp.SkewMs != 100 {
		t.Errorf("expected skew 100ms, got %d", opp.SkewMs)
	}
	if opp.LegA.Side != types.OutcomeYes || opp.LegB.Side != types.OutcomeNo {
		t.Errorf("unexpected sides: %+v / %+v", opp.LegA, opp.LegB)
	}
	if opp.Flip {
		t.Error("flip must be false for a plain pair")
	}
	// Kalshi 100bps + Polymarket 0bps.
	if opp.FeeEstimate != 0.01 {
		t.Errorf("expected fee estimate 0.01, got %v", opp.FeeEstimate)
	}

	if ev, _ := f.reg.Get(opp.EventKey); ev.OpportunitiesFound != 1 {
		t.Errorf("event counter should increment, got %d", ev.OpportunitiesFound)
	}
}

func TestStaleLegBlocksWithFreshnessReason(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.track(predictionEvent(false))

	now := time.Now()
	f.put(types.VenueKalshi, "m-a", types.OutcomeYes, 55, now.Add(-200*time.Millisecond))
	f.put(types.VenuePolymarket, "m-b", types.OutcomeNo, 40, now.Add(-3*time.Second))

	f.eval.EvaluateEvent("soccer|2025-03-01|teama,teamb")

	if opps := f.drain(); len(opps) != 0 {
		t.Fatalf("stale leg must not emit, got %+v", opps)
	}
	if got := f.gates.BlockedReasons()[safety.ReasonFreshness]; got != 1 {
		t.Errorf("expected freshness counter 1, got %d", got)
	}
}

func TestOpposingDirectionFlipPairsSameSides(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.track(predictionEvent(true))

	now := time.Now()
	f.put(types.VenueKalshi, "m-a", types.OutcomeYes, 60, now.Add(-100*time.Millisecond))
	f.put(types.VenuePolymarket, "m-b", types.OutcomeYes, 35, now.Add(-50*time.Millisecond))

	f.eval.EvaluateEvent("soccer|2025-03-01|teama,teamb")

	opps := f.drain()
	if len(opps) != 1 {
		t.Fatalf("expected 1 flip opportunity, got %d: %+v", len(opps), opps)
	}
	opp := opps[0]
	if !opp.Flip {
		t.Error("flip flag must carry through")
	}
	if opp.LegA.Side != types.OutcomeYes || opp.LegB.Side != types.OutcomeYes {
		t.Errorf("flip pairs YES with YES, got %v/%v", opp.LegA.Side, opp.LegB.Side)
	}
	if opp.CostCents != 95 {
		t.Errorf("expected cost 95c, got %d", opp.CostCents)
	}
}

func TestCostAtOneEmitsNothing(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.track(predictionEvent(false))

	now := time.Now()
	f.put(types.VenueKalshi, "m-a", types.OutcomeYes, 60, now)
	f.put(types.VenuePolymarket, "m-b", types.OutcomeNo, 40, now)

	f.eval.EvaluateEvent("soccer|2025-03-01|teama,teamb")
	if opps := f.drain(); len(opps) != 0 {
		t.Fatalf("cost of exactly 1.0 must not emit, got %+v", opps)
	}
}

func TestProfitThresholdInclusive(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.cfg.MinProfitBps = 2500 // 25%, exactly the profit of an 80c pair
	f.track(predictionEvent(false))

	now := time.Now()
	f.put(types.VenueKalshi, "m-a", types.OutcomeYes, 45, now)
	f.put(types.VenuePolymarket, "m-b", types.OutcomeNo, 35, now)

	f.eval.EvaluateEvent("soccer|2025-03-01|teama,teamb")

	opps := f.drain()
	if len(opps) != 1 {
		t.Fatalf("profit exactly at threshold must emit, got %+v", opps)
	}
	if opps[0].ProfitPct != 25 {
		t.Errorf("expected exactly 25%%, got %v", opps[0].ProfitPct)
	}
}

func TestSportsbookLegCostsFromDecimalOdds(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	start := time.Now().Add(time.Hour)
	f.track(types.TrackedEvent{
		EventKey: "basketball|2025-03-01|celtics,lakers",
		Sport:    "basketball",
		Members: []types.VenueMarket{
			{ID: "m-a", Venue: types.VenueKalshi, Kind: types.KindPrediction, StartTime: start},
			{ID: "0xsx", Venue: types.VenueSXBet, Kind: types.KindSportsbook, StartTime: start},
		},
	})

	now := time.Now()
	f.put(types.VenueKalshi, "m-a", types.OutcomeYes, 55, now.Add(-100*time.Millisecond))
	// Sportsbook NO side: maker prob 0.60, taker odds 2.5, taker cost 40c.
	f.cache.Put(types.PriceUpdate{
		Key:         types.PriceKey{Venue: types.VenueSXBet, MarketID: "0xsx", Outcome: types.OutcomeNo},
		Kind:        types.KindSportsbook,
		PriceCents:  60,
		ImpliedProb: 0.60,
		DecimalOdds: 2.5,
		Source:      types.SourceStream,
		ObservedAt:  now.Add(-50 * time.Millisecond),
	})

	f.eval.EvaluateEvent("basketball|2025-03-01|celtics,lakers")

	opps := f.drain()
	if len(opps) != 1 {
		t.Fatalf("expected 1 opportunity, got %d: %+v", len(opps), opps)
	}
	opp := opps[0]
	if opp.CostCents != 95 {
		t.Errorf("expected 55c + 100/2.5 = 95c, got %d", opp.CostCents)
	}
	if opp.LegB.PriceCents != 40 {
		t.Errorf("sportsbook leg cost should be 40c, got %v", opp.LegB.PriceCents)
	}
}

func TestPerEventThrottle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.track(predictionEvent(false))

	now := time.Now()
	f.put(types.VenueKalshi, "m-a", types.OutcomeYes, 55, now)
	f.put(types.VenuePolymarket, "m-b", types.OutcomeNo, 40, now)

	f.eval.EvaluateEvent("soccer|2025-03-01|teama,teamb")
	f.eval.EvaluateEvent("soccer|2025-03-01|teama,teamb") // within 100ms, throttled

	if opps := f.drain(); len(opps) != 1 {
		t.Fatalf("second evaluation within the throttle must be skipped, got %d", len(opps))
	}
}

func TestDisabledConfigSkipsEvaluation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.cfg.LiveArbEnabled = false
	f.track(predictionEvent(false))

	now := time.Now()
	f.put(types.VenueKalshi, "m-a", types.OutcomeYes, 55, now)
	f.put(types.VenuePolymarket, "m-b", types.OutcomeNo, 40, now)

	f.eval.EvaluateEvent("soccer|2025-03-01|teama,teamb")
	if opps := f.drain(); len(opps) != 0 {
		t.Fatalf("disabled evaluator must emit nothing, got %+v", opps)
	}
}

func TestQueueDropsOldestOnOverflow(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	for i := 0; i < queueCapacity+3; i++ {
		f.eval.enqueue(types.Opportunity{ID: string(rune('A' + i%26)), CostCents: i})
	}

	opps := f.drain()
	if len(opps) != queueCapacity {
		t.Fatalf("queue must stay bounded at %d, got %d", queueCapacity, len(opps))
	}
	if opps[0].CostCents != 3 {
		t.Errorf("oldest entries must be dropped first, got first=%d", opps[0].CostCents)
	}
}

func TestLimitersPrunedWithRemovedEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.track(predictionEvent(false))

	f.eval.EvaluateEvent("soccer|2025-03-01|teama,teamb")

	f.eval.limitersMu.Lock()
	_, allocated := f.eval.limiters["soccer|2025-03-01|teama,teamb"]
	f.eval.limitersMu.Unlock()
	if !allocated {
		t.Fatal("evaluation should allocate a per-event limiter")
	}

	// Refresh without the event removes it; its limiter must go too.
	f.reg.Refresh(nil)

	f.eval.limitersMu.Lock()
	left := len(f.eval.limiters)
	f.eval.limitersMu.Unlock()
	if left != 0 {
		t.Errorf("limiters for removed events must be dropped, %d left", left)
	}
}
