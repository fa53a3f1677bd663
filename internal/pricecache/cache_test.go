package pricecache

import (
	"testing"
	"time"

	"crossarb/pkg/types"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func yesUpdate(cents float64, at time.Time) types.PriceUpdate {
	return types.PriceUpdate{
		Key:         types.PriceKey{Venue: types.VenueKalshi, MarketID: "m1", Outcome: types.OutcomeYes},
		Kind:        types.KindPrediction,
		PriceCents:  cents,
		ImpliedProb: cents / 100,
		Source:      types.SourceStream,
		ObservedAt:  at,
	}
}

func TestPutStoresAndFiresHandler(t *testing.T) {
	t.Parallel()
	c := New()

	var fired int
	c.Subscribe(func(types.PriceKey, types.PricePoint) { fired++ })

	if !c.Put(yesUpdate(55, t0)) {
		t.Fatal("put should accept a valid update")
	}

	p, ok := c.Get(types.PriceKey{Venue: types.VenueKalshi, MarketID: "m1", Outcome: types.OutcomeYes})
	if !ok || p.PriceCents != 55 {
		t.Fatalf("expected stored 55, got %+v ok=%v", p, ok)
	}
	// Primary + derived complement
	if fired != 2 {
		t.Errorf("expected 2 handler invocations (yes + derived no), got %d", fired)
	}
}

func TestPutDropsStrictlyOlder(t *testing.T) {
	t.Parallel()
	c := New()

	c.Put(yesUpdate(55, t0))
	if c.Put(yesUpdate(60, t0.Add(-time.Second))) {
		t.Fatal("older update must be dropped")
	}

	p, _ := c.Get(types.PriceKey{Venue: types.VenueKalshi, MarketID: "m1", Outcome: types.OutcomeYes})
	if p.PriceCents != 55 {
		t.Errorf("stored point should remain 55, got %v", p.PriceCents)
	}
}

func TestPutEqualTimestampAccepted(t *testing.T) {
	t.Parallel()
	c := New()

	var fired int
	c.Subscribe(func(key types.PriceKey, _ types.PricePoint) {
		if key.Outcome == types.OutcomeYes {
			fired++
		}
	})

	u := yesUpdate(55, t0)
	c.Put(u)
	u.HasBid, u.BestBid, u.BestBidSize = true, 54, 120
	if !c.Put(u) {
		t.Fatal("equal-timestamp put must be accepted")
	}

	p, _ := c.Get(u.Key)
	if !p.HasBid || p.BestBid != 54 {
		t.Errorf("refined metadata should replace stored point, got %+v", p)
	}
	if fired != 2 {
		t.Errorf("handlers should fire on both puts, got %d", fired)
	}
}

func TestComplementDerived(t *testing.T) {
	t.Parallel()
	c := New()

	u := yesUpdate(55, t0)
	u.HasBid, u.BestBid, u.BestBidSize = true, 54, 10
	u.HasAsk, u.BestAsk, u.BestAskSize = true, 56, 20
	c.Put(u)

	no, ok := c.Get(types.PriceKey{Venue: types.VenueKalshi, MarketID: "m1", Outcome: types.OutcomeNo})
	if !ok {
		t.Fatal("complement should be written")
	}
	if no.PriceCents != 45 || no.ImpliedProb != 0.45 {
		t.Errorf("complement should be 45c/0.45, got %v/%v", no.PriceCents, no.ImpliedProb)
	}
	if no.Source != types.SourceStream || !no.ObservedAt.Equal(t0) {
		t.Errorf("complement keeps source and observedAt, got %+v", no)
	}
	// NO bid mirrors YES ask
	if !no.HasBid || no.BestBid != 44 || no.BestBidSize != 20 {
		t.Errorf("complement top-of-book should mirror, got %+v", no)
	}
}

func TestComplementYieldsToFresherIndependentReading(t *testing.T) {
	t.Parallel()
	c := New()

	// Independent NO reading at t0+1s
	no := yesUpdate(48, t0.Add(time.Second))
	no.Key.Outcome = types.OutcomeNo
	c.Put(no)

	// Older YES update must not clobber the fresher NO point
	c.Put(yesUpdate(55, t0))

	p, _ := c.Get(no.Key)
	if p.PriceCents != 48 {
		t.Errorf("fresher independent complement must survive, got %v", p.PriceCents)
	}
}

func TestComplementLosesTies(t *testing.T) {
	t.Parallel()
	c := New()

	no := yesUpdate(48, t0)
	no.Key.Outcome = types.OutcomeNo
	c.Put(no)

	// A YES put at the same instant must not overwrite the venue-reported NO.
	c.Put(yesUpdate(55, t0))

	p, _ := c.Get(no.Key)
	if p.PriceCents != 48 {
		t.Errorf("derived complement must lose the tie, got %v", p.PriceCents)
	}
}

func TestSportsbookNeverComplemented(t *testing.T) {
	t.Parallel()
	c := New()

	u := types.PriceUpdate{
		Key:         types.PriceKey{Venue: types.VenueSXBet, MarketID: "sx1", Outcome: types.OutcomeYes},
		Kind:        types.KindSportsbook,
		PriceCents:  40,
		ImpliedProb: 0.40,
		DecimalOdds: 2.5,
		Source:      types.SourceStream,
		ObservedAt:  t0,
	}
	c.Put(u)

	if _, ok := c.Get(types.PriceKey{Venue: types.VenueSXBet, MarketID: "sx1", Outcome: types.OutcomeNo}); ok {
		t.Fatal("sportsbook legs must not be auto-complemented")
	}
}

func TestMalformedDropped(t *testing.T) {
	t.Parallel()
	c := New()

	u := yesUpdate(155, t0) // out of range
	if c.Put(u) {
		t.Fatal("out-of-range price must be dropped")
	}
	u = yesUpdate(55, time.Time{}) // zero observedAt
	if c.Put(u) {
		t.Fatal("zero observedAt must be dropped")
	}
}

func TestGetEffectiveFallsBackToSnapshot(t *testing.T) {
	t.Parallel()
	c := New()
	c.now = func() time.Time { return t0.Add(10 * time.Second) }

	m := types.VenueMarket{
		ID: "m1", Venue: types.VenueKalshi, Kind: types.KindPrediction,
		YesPriceCents: 52, NoPriceCents: 48, CreatedAt: t0,
	}

	// No stream point at all: snapshot wins.
	p, ok := c.GetEffective(m, types.OutcomeYes, 2*time.Second)
	if !ok || p.Source != types.SourceSnapshot || p.PriceCents != 52 {
		t.Fatalf("expected snapshot fallback 52c, got %+v ok=%v", p, ok)
	}

	// Stale stream point: snapshot wins.
	c.Put(yesUpdate(55, t0.Add(2*time.Second))) // 8s old vs 2s budget
	p, _ = c.GetEffective(m, types.OutcomeYes, 2*time.Second)
	if p.Source != types.SourceSnapshot {
		t.Fatalf("stale stream point should fall back, got %+v", p)
	}

	// Fresh stream point wins.
	c.Put(yesUpdate(56, t0.Add(9*time.Second)))
	p, _ = c.GetEffective(m, types.OutcomeYes, 2*time.Second)
	if p.Source != types.SourceStream || p.PriceCents != 56 {
		t.Fatalf("fresh stream point should win, got %+v", p)
	}
}

func TestIsStale(t *testing.T) {
	t.Parallel()
	c := New()
	c.now = func() time.Time { return t0.Add(3 * time.Second) }

	key := types.PriceKey{Venue: types.VenueKalshi, MarketID: "m1", Outcome: types.OutcomeYes}
	if !c.IsStale(key, time.Second) {
		t.Error("missing key must be stale")
	}

	c.Put(yesUpdate(55, t0))
	if !c.IsStale(key, 2*time.Second) {
		t.Error("3s-old point must be stale at 2s budget")
	}
	if c.IsStale(key, 5*time.Second) {
		t.Error("3s-old point must be fresh at 5s budget")
	}
}

func TestDropMarketAndClear(t *testing.T) {
	t.Parallel()
	c := New()

	c.Put(yesUpdate(55, t0))
	c.DropMarket(types.VenueKalshi, "m1")
	if _, ok := c.Get(types.PriceKey{Venue: types.VenueKalshi, MarketID: "m1", Outcome: types.OutcomeYes}); ok {
		t.Fatal("DropMarket should remove both outcomes")
	}

	c.Put(yesUpdate(55, t0))
	c.Clear()
	if stats := c.Stats(); len(stats.PointsByVenue) != 0 {
		t.Fatalf("Clear should empty the cache, got %+v", stats.PointsByVenue)
	}
}

func TestStats(t *testing.T) {
	t.Parallel()
	c := New()
	c.now = func() time.Time { return t0.Add(5 * time.Second) }

	c.Put(yesUpdate(55, t0))
	u := yesUpdate(60, t0.Add(4*time.Second))
	u.Key.MarketID = "m2"
	c.Put(u)

	stats := c.Stats()
	if stats.PointsByVenue[types.VenueKalshi] != 4 { // 2 markets × yes+no
		t.Errorf("expected 4 kalshi points, got %d", stats.PointsByVenue[types.VenueKalshi])
	}
	if stats.TotalUpdates != 2 {
		t.Errorf("expected 2 accepted updates, got %d", stats.TotalUpdates)
	}
	if stats.OldestAgeMs != 5000 || stats.NewestAgeMs != 1000 {
		t.Errorf("unexpected ages: oldest=%d newest=%d", stats.OldestAgeMs, stats.NewestAgeMs)
	}
}
