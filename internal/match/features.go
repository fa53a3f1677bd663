package match

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Features is everything the matcher extracts from one market's normalized
// title plus its structured metadata.
type Features struct {
	HomeTeam string
	AwayTeam string

	Date string // YYYY-MM-DD, empty if none found

	Threshold    float64
	HasThreshold bool
	Unit         string // "%", "°", "$", or empty

	Metric    string // price, temperature, score, rate, generic
	Direction string // above, below, wins, loses, or empty
}

// Family maps opposing directions to one label so "above 70" and "below 70"
// derive the same event key.
func (f Features) Family() string {
	switch f.Direction {
	case "above", "below":
		return "threshold"
	case "wins", "loses":
		return "winner"
	default:
		return "outcome"
	}
}

var (
	matchupRe = regexp.MustCompile(`^(.+?)\s+(?:vs|@|at)\s+(.+?)(?:\s+on\s.*|\s+\d{4}-\d{2}-\d{2}.*)?$`)

	isoDateRe   = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	slashDateRe = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})\b`)
	monthDayRe  = regexp.MustCompile(`\b(january|february|march|april|may|june|july|august|september|october|november|december)\s+(\d{1,2})\b`)

	thresholdRe = regexp.MustCompile(`(\$?)(\d+(?:\.\d+)?)(k|m|b)?\s*(%|°)?`)
)

var monthIndex = map[string]time.Month{
	"january": 1, "february": 2, "march": 3, "april": 4, "may": 5, "june": 6,
	"july": 7, "august": 8, "september": 9, "october": 10, "november": 11,
	"december": 12,
}

var directionWords = map[string]string{
	"above": "above", "over": "above", "exceed": "above", "exceeds": "above",
	"higher": "above", "reach": "above", "reaches": "above",
	"below": "below", "under": "below", "less": "below", "lower": "below",
	"wins": "wins", "win": "wins", "beat": "wins", "beats": "wins",
	"loses": "loses", "lose": "loses",
}

var metricWords = map[string]string{
	"price": "price", "bitcoin": "price", "ethereum": "price", "solana": "price",
	"ripple": "price", "close": "price", "trading": "price",
	"temperature": "temperature", "degrees": "temperature", "high": "temperature",
	"score": "score", "points": "score", "goals": "score",
	"rate": "rate", "inflation": "rate", "unemployment": "rate", "cpi": "rate",
}

// Extract pulls matching features from a normalized title. refYear anchors
// dates given without a year (taken from the market's start time, or the
// snapshot time when the venue reports none).
func Extract(normalized string, refYear int) Features {
	var f Features

	if m := matchupRe.FindStringSubmatch(normalized); m != nil {
		f.HomeTeam = cleanTeam(m[1])
		f.AwayTeam = cleanTeam(m[2])
	}

	f.Date = extractDate(normalized, refYear)

	tokens := strings.Fields(normalized)
	for _, tok := range tokens {
		if d, ok := directionWords[tok]; ok && f.Direction == "" {
			f.Direction = d
		}
		if m, ok := metricWords[tok]; ok && f.Metric == "" {
			f.Metric = m
		}
	}
	if f.Metric == "" {
		f.Metric = "generic"
	}

	// Thresholds only make sense for directional markets; a matchup title's
	// numbers are dates and jersey noise.
	if f.Direction == "above" || f.Direction == "below" {
		f.Threshold, f.Unit, f.HasThreshold = extractThreshold(normalized)
	}

	return f
}

// Entity is the subject of a non-matchup market: the leading tokens of the
// normalized title up to the direction word, with question scaffolding
// removed.
func Entity(normalized string, f Features) string {
	stop := map[string]bool{"will": true, "the": true, "a": true, "an": true, "be": true, "is": true}
	var parts []string
	for _, tok := range strings.Fields(normalized) {
		if directionWords[tok] == f.Direction && f.Direction != "" {
			break
		}
		if stop[tok] || isoDateRe.MatchString(tok) {
			continue
		}
		parts = append(parts, tok)
		if len(parts) == 3 {
			break
		}
	}
	return strings.Join(parts, " ")
}

func cleanTeam(s string) string {
	s = strings.TrimSpace(s)
	// Drop trailing date fragments picked up by the matchup pattern.
	s = isoDateRe.ReplaceAllString(s, "")
	s = slashDateRe.ReplaceAllString(s, "")
	s = monthDayRe.ReplaceAllString(s, "")
	return strings.Join(strings.Fields(s), " ")
}

func extractDate(s string, refYear int) string {
	if m := isoDateRe.FindStringSubmatch(s); m != nil {
		return fmt.Sprintf("%s-%s-%s", m[1], m[2], m[3])
	}
	if m := monthDayRe.FindStringSubmatch(s); m != nil {
		day, _ := strconv.Atoi(m[2])
		return fmt.Sprintf("%04d-%02d-%02d", refYear, monthIndex[m[1]], day)
	}
	if m := slashDateRe.FindStringSubmatch(s); m != nil {
		mo, _ := strconv.Atoi(m[1])
		day, _ := strconv.Atoi(m[2])
		if mo >= 1 && mo <= 12 && day >= 1 && day <= 31 {
			return fmt.Sprintf("%04d-%02d-%02d", refYear, mo, day)
		}
	}
	return ""
}

func extractThreshold(s string) (value float64, unit string, ok bool) {
	for _, m := range thresholdRe.FindAllStringSubmatch(s, -1) {
		v, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			continue
		}
		switch m[3] {
		case "k":
			v *= 1e3
		case "m":
			v *= 1e6
		case "b":
			v *= 1e9
		}
		switch {
		case m[1] == "$":
			unit = "$"
		case m[4] != "":
			unit = m[4]
		}
		// Skip bare small integers that look like dates when no unit or
		// multiplier disambiguates; the first marked number wins.
		if m[1] == "" && m[3] == "" && m[4] == "" && isoDateRe.MatchString(s) {
			continue
		}
		return v, unit, true
	}
	return 0, "", false
}
