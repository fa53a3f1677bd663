// Package match groups venue markets that describe the same real-world event.
//
// Matching is a pure, deterministic function over a market snapshot: titles
// are normalized, features extracted, and markets sharing a derived event key
// are grouped. Groups are validated (distinct venues, agreeing times, one
// market per venue) and scored; low-confidence groups are discarded. The same
// input always produces the same output, which makes the registry's
// refresh-diff stable.
package match

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"crossarb/pkg/types"
)

// Config holds the matcher's tolerances.
type Config struct {
	// TimeTolerance is the maximum start-time disagreement between members.
	TimeTolerance time.Duration
	// MinQuality discards groups scoring below it.
	MinQuality float64
}

// DefaultConfig mirrors the tolerances the matcher ships with.
func DefaultConfig() Config {
	return Config{TimeTolerance: 30 * time.Minute, MinQuality: 0.70}
}

// Quality score weights. Team identity dominates; the rest refines.
const (
	weightTeams     = 0.40
	weightDate      = 0.25
	weightThreshold = 0.15
	weightMetric    = 0.10
	weightDirection = 0.10

	thresholdTolerance = 0.01 // relative
)

type candidate struct {
	market   types.VenueMarket
	features Features
}

// Match groups a market snapshot into tracked events. Deterministic and
// side-effect free; call it off the hot path and hand the result to the
// registry.
func Match(markets []types.VenueMarket, cfg Config) []types.TrackedEvent {
	groups := make(map[string][]candidate)
	for _, m := range markets {
		c := candidate{market: m, features: featuresFor(m)}
		key := eventKey(m, c.features)
		if key == "" {
			continue
		}
		groups[key] = append(groups[key], c)
	}

	var events []types.TrackedEvent
	for key, members := range groups {
		ev, ok := buildEvent(key, members, cfg)
		if !ok {
			continue
		}
		events = append(events, ev)
	}

	sort.Slice(events, func(i, j int) bool { return events[i].EventKey < events[j].EventKey })
	return events
}

func featuresFor(m types.VenueMarket) Features {
	refYear := m.StartTime.Year()
	if m.StartTime.IsZero() {
		refYear = m.CreatedAt.Year()
	}
	f := Extract(Normalize(m.Title), refYear)

	// Structured venue metadata beats title parsing when present.
	if m.HomeTeam != "" && m.AwayTeam != "" {
		f.HomeTeam = Normalize(m.HomeTeam)
		f.AwayTeam = Normalize(m.AwayTeam)
	}
	if f.Date == "" && !m.StartTime.IsZero() {
		f.Date = m.StartTime.UTC().Format("2006-01-02")
	}
	return f
}

// eventKey derives the grouping key. Sports matchups key on the team pair and
// date only: venue sport labels share no vocabulary ("Sports" vs "basketball"),
// so keying on them would split the same game across venues. The canonical
// sport is restored into the final EventKey by buildEvent. Everything else
// keys on metric|entity|date|threshold|direction-family, so opposing
// directions still collide.
func eventKey(m types.VenueMarket, f Features) string {
	if f.HomeTeam != "" && f.AwayTeam != "" {
		teams := []string{f.HomeTeam, f.AwayTeam}
		sort.Strings(teams)
		return fmt.Sprintf("matchup|%s|%s,%s", f.Date, teams[0], teams[1])
	}

	entity := Entity(Normalize(m.Title), f)
	if entity == "" {
		return ""
	}
	threshold := "-"
	if f.HasThreshold {
		threshold = fmt.Sprintf("%g%s", f.Threshold, f.Unit)
	}
	return fmt.Sprintf("%s|%s|%s|%s|%s", f.Metric, entity, f.Date, threshold, f.Family())
}

func buildEvent(key string, members []candidate, cfg Config) (types.TrackedEvent, bool) {
	members = dedupePerVenue(members)
	if len(members) < 2 {
		return types.TrackedEvent{}, false
	}
	if !timesAgree(members, cfg.TimeTolerance) {
		return types.TrackedEvent{}, false
	}

	quality := scoreGroup(members, cfg)
	if quality < cfg.MinQuality {
		return types.TrackedEvent{}, false
	}

	ev := types.TrackedEvent{
		EventKey: key,
		HomeTeam: members[0].features.HomeTeam,
		AwayTeam: members[0].features.AwayTeam,
		Quality:  quality,
		Flip:     hasOpposingDirections(members),
	}
	for _, c := range members {
		ev.Members = append(ev.Members, c.market)
	}

	if ev.HomeTeam != "" && ev.AwayTeam != "" {
		ev.Sport = groupSport(members)
		teams := []string{ev.HomeTeam, ev.AwayTeam}
		sort.Strings(teams)
		slot := ev.Sport
		if slot == "" {
			slot = "sports"
		}
		ev.EventKey = fmt.Sprintf("%s|%s|%s,%s", slot, members[0].features.Date, teams[0], teams[1])
	} else {
		ev.Sport = members[0].market.Sport
	}
	return ev, true
}

// sportNames maps venue sport/league labels onto canonical sport names.
// Generic labels ("Sports", "Games") and unknown vocabulary map to "", which
// the registry treats as default-duration.
var sportNames = map[string]string{
	"basketball": "basketball", "nba": "basketball", "wnba": "basketball", "ncaab": "basketball",
	"soccer": "soccer", "epl": "soccer", "mls": "soccer", "ucl": "soccer", "la liga": "soccer",
	"football": "football", "nfl": "football", "ncaaf": "football",
	"baseball": "baseball", "mlb": "baseball",
	"hockey": "hockey", "nhl": "hockey", "ice hockey": "hockey",
	"tennis": "tennis", "mma": "mma", "ufc": "mma", "boxing": "boxing",
	"golf": "golf", "cricket": "cricket",
}

// groupSport picks the first member whose venue label maps to a canonical
// sport; members are already sorted by venue, so the pick is deterministic.
func groupSport(members []candidate) string {
	for _, c := range members {
		if s := sportNames[strings.ToLower(strings.TrimSpace(c.market.Sport))]; s != "" {
			return s
		}
	}
	return ""
}

// dedupePerVenue keeps at most one market per venue, preferring liquidity
// then volume. Output order is deterministic (by venue name).
func dedupePerVenue(members []candidate) []candidate {
	best := make(map[types.Venue]candidate)
	for _, c := range members {
		cur, ok := best[c.market.Venue]
		if !ok || betterMarket(c.market, cur.market) {
			best[c.market.Venue] = c
		}
	}

	out := make([]candidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].market.Venue < out[j].market.Venue })
	return out
}

func betterMarket(a, b types.VenueMarket) bool {
	if a.Liquidity != b.Liquidity {
		return a.Liquidity > b.Liquidity
	}
	return a.Volume24h > b.Volume24h
}

func timesAgree(members []candidate, tolerance time.Duration) bool {
	var anchor time.Time
	for _, c := range members {
		if c.market.StartTime.IsZero() {
			continue
		}
		if anchor.IsZero() {
			anchor = c.market.StartTime
			continue
		}
		diff := c.market.StartTime.Sub(anchor)
		if diff < 0 {
			diff = -diff
		}
		if diff > tolerance {
			return false
		}
	}
	return true
}

// scoreGroup computes the weighted quality score. With more than two members
// the weakest pair decides, so one bad apple sinks the group.
func scoreGroup(members []candidate, cfg Config) float64 {
	score := 1.0
	for i := 0; i < len(members); i++ {
		for j := i + 1; j < len(members); j++ {
			if s := scorePair(members[i], members[j], cfg); s < score {
				score = s
			}
		}
	}
	return score
}

func scorePair(a, b candidate, cfg Config) float64 {
	fa, fb := a.features, b.features
	var score float64

	switch {
	case fa.HomeTeam != "" && sameTeamPair(fa, fb):
		score += weightTeams
	case fa.HomeTeam == "" && fb.HomeTeam == "":
		// Non-matchup markets matched by entity in the event key.
		score += weightTeams
	}

	if fa.Date != "" && fa.Date == fb.Date {
		score += weightDate
	} else if fa.Date == "" && fb.Date == "" {
		score += weightDate
	} else if datesWithinTolerance(a.market.StartTime, b.market.StartTime, cfg.TimeTolerance) {
		score += weightDate
	}

	switch {
	case fa.HasThreshold && fb.HasThreshold:
		if thresholdsClose(fa.Threshold, fb.Threshold) {
			score += weightThreshold
		}
	case !fa.HasThreshold && !fb.HasThreshold:
		score += weightThreshold
	}

	if fa.Metric == fb.Metric {
		score += weightMetric
	}

	if directionsCompatible(fa, fb) {
		score += weightDirection
	}

	return score
}

func sameTeamPair(a, b Features) bool {
	return (a.HomeTeam == b.HomeTeam && a.AwayTeam == b.AwayTeam) ||
		(a.HomeTeam == b.AwayTeam && a.AwayTeam == b.HomeTeam)
}

func datesWithinTolerance(a, b time.Time, tolerance time.Duration) bool {
	if a.IsZero() || b.IsZero() {
		return false
	}
	diff := a.Sub(b)
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}

func thresholdsClose(a, b float64) bool {
	if a == b {
		return true
	}
	larger := math.Max(math.Abs(a), math.Abs(b))
	if larger == 0 {
		return false
	}
	return math.Abs(a-b)/larger <= thresholdTolerance
}

// directionsCompatible: identical directions, opposing directions in the same
// family (flip pairs), or directionless on both sides.
func directionsCompatible(a, b Features) bool {
	if a.Direction == b.Direction {
		return true
	}
	return a.Family() == b.Family() && a.Direction != "" && b.Direction != ""
}

func hasOpposingDirections(members []candidate) bool {
	seen := make(map[string]bool)
	for _, c := range members {
		if c.features.Direction != "" {
			seen[c.features.Direction] = true
		}
	}
	return (seen["above"] && seen["below"]) || (seen["wins"] && seen["loses"])
}

// Describe renders a short human label for logs.
func Describe(ev types.TrackedEvent) string {
	if ev.HomeTeam != "" {
		return fmt.Sprintf("%s vs %s", ev.HomeTeam, ev.AwayTeam)
	}
	return strings.SplitN(ev.EventKey, "|", 2)[0] + " event"
}
