package match

import (
	"reflect"
	"testing"
	"time"

	"crossarb/pkg/types"
)

var gameTime = time.Date(2025, 3, 1, 23, 0, 0, 0, time.UTC)

func sportsMarket(venue types.Venue, id, title string, start time.Time) types.VenueMarket {
	return types.VenueMarket{
		ID: id, Venue: venue, Kind: types.KindPrediction,
		Title: title, Sport: "basketball", StartTime: start,
		CreatedAt: start.Add(-24 * time.Hour),
		Liquidity: 1000,
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"Will the Lakers beat the Celtics?": "will the lakers beat the celtics",
		"LAL vs. BOS":                       "lakers vs celtics",
		"BTC above $70K on 2025-03-01!":     "bitcoin above $70k on 2025-03-01",
		"Man   Utd  @  ARS":                 "man united @ arsenal",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestExtractMatchup(t *testing.T) {
	t.Parallel()

	f := Extract(Normalize("Lakers vs Celtics 2025-03-01"), 2025)
	if f.HomeTeam != "lakers" || f.AwayTeam != "celtics" {
		t.Errorf("teams not extracted: %+v", f)
	}
	if f.Date != "2025-03-01" {
		t.Errorf("date not extracted: %+v", f)
	}
}

func TestExtractThresholdAndDirection(t *testing.T) {
	t.Parallel()

	f := Extract(Normalize("Will BTC close above $70K on March 1?"), 2025)
	if f.Direction != "above" {
		t.Errorf("direction: %+v", f)
	}
	if !f.HasThreshold || f.Threshold != 70000 || f.Unit != "$" {
		t.Errorf("threshold: %+v", f)
	}
	if f.Metric != "price" {
		t.Errorf("metric: %+v", f)
	}
	if f.Date != "2025-03-01" {
		t.Errorf("month-day date: %+v", f)
	}

	g := Extract(Normalize("Will BTC stay below $70K on March 1?"), 2025)
	if g.Family() != f.Family() {
		t.Error("above and below must share a direction family")
	}
}

func TestMatchGroupsAcrossVenues(t *testing.T) {
	t.Parallel()

	markets := []types.VenueMarket{
		sportsMarket(types.VenueKalshi, "k1", "Lakers vs Celtics", gameTime),
		{
			ID: "0xsx", Venue: types.VenueSXBet, Kind: types.KindSportsbook,
			Title: "Lakers vs Celtics", Sport: "basketball",
			HomeTeam: "Lakers", AwayTeam: "Celtics",
			StartTime: gameTime.Add(10 * time.Minute), CreatedAt: gameTime.Add(-time.Hour),
		},
		sportsMarket(types.VenuePolymarket, "lonely", "Knicks vs Heat", gameTime),
	}

	events := Match(markets, DefaultConfig())
	if len(events) != 1 {
		t.Fatalf("expected 1 event (single-venue group dropped), got %d: %+v", len(events), events)
	}

	ev := events[0]
	if len(ev.Members) != 2 {
		t.Fatalf("expected 2 members, got %+v", ev.Members)
	}
	if ev.Quality < 0.70 {
		t.Errorf("quality below cutoff should not emit: %v", ev.Quality)
	}
	if ev.Flip {
		t.Error("matchup group has no opposing directions")
	}
	if ev.EventKey != "basketball|2025-03-01|celtics,lakers" {
		t.Errorf("unexpected event key %q", ev.EventKey)
	}
}

func TestMatchIgnoresVenueSportVocabulary(t *testing.T) {
	t.Parallel()

	// Venues label the same game differently ("Sports", "sports",
	// "basketball"); grouping must key on the team pair and date, not the
	// label, and the canonical sport must win the key's sport slot.
	a := sportsMarket(types.VenueKalshi, "k1", "Lakers vs Celtics", gameTime)
	a.Sport = "sports"
	b := sportsMarket(types.VenuePolymarket, "p1", "Lakers vs Celtics", gameTime)
	b.Sport = "Sports"
	c := sportsMarket(types.VenueSXBet, "s1", "Lakers vs Celtics", gameTime)
	c.Sport = "basketball"

	events := Match([]types.VenueMarket{a, b, c}, DefaultConfig())
	if len(events) != 1 {
		t.Fatalf("mixed sport labels must still group, got %d: %+v", len(events), events)
	}
	ev := events[0]
	if len(ev.Members) != 3 {
		t.Fatalf("expected 3 members, got %+v", ev.Members)
	}
	if ev.EventKey != "basketball|2025-03-01|celtics,lakers" {
		t.Errorf("unexpected event key %q", ev.EventKey)
	}
	if ev.Sport != "basketball" {
		t.Errorf("canonical sport = %q, want basketball", ev.Sport)
	}
}

func TestMatchGenericLabelsFallBackToSportsSlot(t *testing.T) {
	t.Parallel()

	a := sportsMarket(types.VenueKalshi, "k1", "Knicks vs Heat", gameTime)
	a.Sport = "Games"
	b := sportsMarket(types.VenuePolymarket, "p1", "Knicks vs Heat", gameTime)
	b.Sport = ""

	events := Match([]types.VenueMarket{a, b}, DefaultConfig())
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %+v", events)
	}
	if events[0].EventKey != "sports|2025-03-01|heat,knicks" {
		t.Errorf("unexpected event key %q", events[0].EventKey)
	}
	if events[0].Sport != "" {
		t.Errorf("no member maps to a canonical sport, got %q", events[0].Sport)
	}
}

func TestMatchOpposingDirectionsFlip(t *testing.T) {
	t.Parallel()

	created := time.Date(2025, 2, 28, 0, 0, 0, 0, time.UTC)
	markets := []types.VenueMarket{
		{ID: "a", Venue: types.VenueKalshi, Kind: types.KindPrediction,
			Title: "Austin high above 70° on 2025-03-01", CreatedAt: created, Liquidity: 10},
		{ID: "b", Venue: types.VenuePolymarket, Kind: types.KindPrediction,
			Title: "Austin high below 70° on 2025-03-01", CreatedAt: created, Liquidity: 10},
	}

	events := Match(markets, DefaultConfig())
	if len(events) != 1 {
		t.Fatalf("opposing directions must group, got %d events", len(events))
	}
	if !events[0].Flip {
		t.Error("flip flag must be set for opposing directions")
	}
}

func TestMatchTimeToleranceRejects(t *testing.T) {
	t.Parallel()

	markets := []types.VenueMarket{
		sportsMarket(types.VenueKalshi, "k1", "Lakers vs Celtics", gameTime),
		sportsMarket(types.VenuePolymarket, "p1", "Lakers vs Celtics", gameTime.Add(2*time.Hour)),
	}

	if events := Match(markets, DefaultConfig()); len(events) != 0 {
		t.Fatalf("start times 2h apart must not group, got %+v", events)
	}
}

func TestMatchKeepsBestMarketPerVenue(t *testing.T) {
	t.Parallel()

	thin := sportsMarket(types.VenueKalshi, "thin", "Lakers vs Celtics", gameTime)
	thin.Liquidity = 5
	deep := sportsMarket(types.VenueKalshi, "deep", "Lakers vs Celtics", gameTime)
	deep.Liquidity = 5000

	markets := []types.VenueMarket{
		thin, deep,
		sportsMarket(types.VenuePolymarket, "p1", "Lakers vs Celtics", gameTime),
	}

	events := Match(markets, DefaultConfig())
	if len(events) != 1 || len(events[0].Members) != 2 {
		t.Fatalf("expected one 2-member event, got %+v", events)
	}
	m, ok := events[0].Member(types.VenueKalshi)
	if !ok || m.ID != "deep" {
		t.Errorf("highest-liquidity market should win the venue slot, got %+v", m)
	}
}

func TestMatchIdempotent(t *testing.T) {
	t.Parallel()

	markets := []types.VenueMarket{
		sportsMarket(types.VenueKalshi, "k1", "Lakers vs Celtics", gameTime),
		sportsMarket(types.VenuePolymarket, "p1", "LAL vs BOS", gameTime),
		sportsMarket(types.VenueSXBet, "s1", "Knicks @ Heat", gameTime),
		sportsMarket(types.VenueKalshi, "k2", "Knicks at Heat", gameTime),
	}

	first := Match(markets, DefaultConfig())
	second := Match(markets, DefaultConfig())
	if !reflect.DeepEqual(first, second) {
		t.Error("match must be deterministic over the same input")
	}
	if len(first) != 2 {
		t.Fatalf("expected 2 events, got %+v", first)
	}
	// Alias expansion makes LAL/BOS collide with Lakers/Celtics.
	if _, ok := first[0].Member(types.VenuePolymarket); !ok && first[0].EventKey == "basketball|2025-03-01|celtics,lakers" {
		t.Errorf("alias-expanded titles should group: %+v", first[0])
	}
}
