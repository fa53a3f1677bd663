// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the worker — venues, price keys
// and points, venue market metadata, tracked events, opportunities, and the
// heartbeat record written to the external KV. It has no dependencies on
// internal packages, so it can be imported by any layer.
package types

import (
	"fmt"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Venue identifies a trading platform we consume prices from.
type Venue string

const (
	VenueKalshi     Venue = "kalshi"     // prediction venue, integer cent prices
	VenuePolymarket Venue = "polymarket" // prediction venue, decimal [0,1] prices
	VenueSXBet      Venue = "sxbet"      // sportsbook venue, 1e20-scaled implied odds
)

// AllVenues lists every venue the worker knows about, in stable order.
var AllVenues = []Venue{VenueKalshi, VenuePolymarket, VenueSXBet}

// Valid reports whether v is a known venue.
func (v Venue) Valid() bool {
	switch v {
	case VenueKalshi, VenuePolymarket, VenueSXBet:
		return true
	}
	return false
}

// MarketKind distinguishes binary prediction markets from sportsbook two-leg markets.
type MarketKind string

const (
	KindPrediction MarketKind = "prediction"
	KindSportsbook MarketKind = "sportsbook"
)

// Outcome is one side of a binary market.
type Outcome string

const (
	OutcomeYes Outcome = "YES"
	OutcomeNo  Outcome = "NO"
)

// Complement returns the opposite outcome.
func (o Outcome) Complement() Outcome {
	if o == OutcomeYes {
		return OutcomeNo
	}
	return OutcomeYes
}

// PriceSource records where a price point came from. Stream points are the
// freshest; snapshot points are embedded in the market metadata from the last
// discovery refresh; rest points come from one-off REST reads.
type PriceSource string

const (
	SourceStream   PriceSource = "stream"
	SourceSnapshot PriceSource = "snapshot"
	SourceREST     PriceSource = "rest"
)

// ————————————————————————————————————————————————————————————————————————
// Prices
// ————————————————————————————————————————————————————————————————————————

// PriceKey addresses one outcome of one market on one venue.
// Keys are case-sensitive and never stored on their own.
type PriceKey struct {
	Venue    Venue
	MarketID string
	Outcome  Outcome
}

func (k PriceKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Venue, k.MarketID, k.Outcome)
}

// PricePoint is the freshest known price for one PriceKey.
//
// PriceCents is always the implied cost in cents (0–100), regardless of how
// the venue quotes; ImpliedProb = PriceCents/100 for prediction markets, or
// 1/DecimalOdds for sportsbook markets. DecimalOdds is zero for prediction
// markets.
type PricePoint struct {
	PriceCents  float64
	ImpliedProb float64 // 0..1, six decimal digits of precision
	DecimalOdds float64 // sportsbook taker odds, >= 1.01; 0 for prediction
	Source      PriceSource
	ObservedAt  time.Time

	// Top-of-book metadata when the venue provides it.
	HasBid      bool
	HasAsk      bool
	BestBid     float64 // cents
	BestAsk     float64 // cents
	BestBidSize float64 // contracts quoted at the best bid
	BestAskSize float64 // contracts quoted at the best ask
}

// Spread returns bestAsk − bestBid in cents, or false when either side is missing.
func (p PricePoint) Spread() (float64, bool) {
	if !p.HasBid || !p.HasAsk {
		return 0, false
	}
	return p.BestAsk - p.BestBid, true
}

// PriceUpdate is a normalized inbound price produced by a venue stream client
// and handed to the price cache. Kind tells the cache whether the complement
// rule applies (prediction only).
type PriceUpdate struct {
	Key  PriceKey
	Kind MarketKind

	PriceCents  float64
	ImpliedProb float64
	DecimalOdds float64
	Source      PriceSource
	ObservedAt  time.Time

	HasBid      bool
	HasAsk      bool
	BestBid     float64
	BestAsk     float64
	BestBidSize float64
	BestAskSize float64
}

// Point converts the update into a storable PricePoint.
func (u PriceUpdate) Point() PricePoint {
	return PricePoint{
		PriceCents:  u.PriceCents,
		ImpliedProb: u.ImpliedProb,
		DecimalOdds: u.DecimalOdds,
		Source:      u.Source,
		ObservedAt:  u.ObservedAt,
		HasBid:      u.HasBid,
		HasAsk:      u.HasAsk,
		BestBid:     u.BestBid,
		BestAsk:     u.BestAsk,
		BestBidSize: u.BestBidSize,
		BestAskSize: u.BestAskSize,
	}
}

// ————————————————————————————————————————————————————————————————————————
// Markets and events
// ————————————————————————————————————————————————————————————————————————

// VenueMarket is one venue's listing for a real-world event, produced by the
// discovery refresh. Snapshot prices are always stored as implied cents
// (sportsbook odds are converted on ingest) so the matcher and the cache
// fallback can treat all venues uniformly.
type VenueMarket struct {
	ID    string
	Venue Venue
	Kind  MarketKind
	Title string

	Sport    string // empty for non-sports markets
	HomeTeam string
	AwayTeam string

	StartTime time.Time // zero if the venue doesn't report one
	CloseTime time.Time
	CreatedAt time.Time // when this snapshot row was built

	YesPriceCents float64 // snapshot price for YES / side A
	NoPriceCents  float64 // snapshot price for NO / side B

	Liquidity float64
	Volume24h float64
}

// EventStatus is the lifecycle phase of a tracked event.
type EventStatus string

const (
	StatusPre   EventStatus = "PRE"
	StatusLive  EventStatus = "LIVE"
	StatusEnded EventStatus = "ENDED"
)

// TrackedEvent groups 2+ venue markets judged to represent the same
// real-world event. Members always come from distinct venues.
type TrackedEvent struct {
	EventKey string
	Sport    string
	HomeTeam string
	AwayTeam string
	Status   EventStatus

	Members []VenueMarket
	Quality float64 // matcher confidence in [0,1]

	// Flip marks groups whose members carry opposing direction modifiers
	// ("above 70" vs "below 70"): the evaluator pairs YES with YES instead
	// of YES with NO.
	Flip bool

	FirstSeenAt        time.Time
	LastRefreshedAt    time.Time
	OpportunitiesFound int
}

// Member returns the member market listed by the given venue, if any.
func (e *TrackedEvent) Member(v Venue) (VenueMarket, bool) {
	for _, m := range e.Members {
		if m.Venue == v {
			return m, true
		}
	}
	return VenueMarket{}, false
}

// ————————————————————————————————————————————————————————————————————————
// Connection status
// ————————————————————————————————————————————————————————————————————————

// ConnState is the venue stream client state machine.
type ConnState string

const (
	ConnDisabled     ConnState = "DISABLED"     // credentials/URL absent; terminal until reconfigured
	ConnIdle         ConnState = "IDLE"         // created or disconnected, not running
	ConnConnecting   ConnState = "CONNECTING"   // dial in progress
	ConnConnected    ConnState = "CONNECTED"    // handshake done, subscriptions applied
	ConnReconnecting ConnState = "RECONNECTING" // socket dropped, backoff in progress
	ConnError        ConnState = "ERROR"        // retry budget exhausted or persistent failure
)

// ConnectionStatus is the externally-observable state of one stream client.
type ConnectionStatus struct {
	State           ConnState `json:"state"`
	LastMessageAt   time.Time `json:"last_message_at"`
	SubscribedCount int       `json:"subscribed_count"`
	ErrorMessage    string    `json:"error_message,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Opportunities
// ————————————————————————————————————————————————————————————————————————

// Leg is one side of a two-leg opportunity.
type Leg struct {
	Venue      Venue     `json:"venue"`
	MarketID   string    `json:"market_id"`
	Side       Outcome   `json:"side"`
	PriceCents float64   `json:"price_cents"`
	Source     PriceSource `json:"source"`
	ObservedAt time.Time `json:"observed_at"`
	AgeMs      int64     `json:"age_ms"`
}

// Opportunity is an arbitrage pair whose combined cost clears the profit
// threshold. Emitted at most once per detection; ID is idempotent over
// (eventKey, legA market, legB market, detection second).
type Opportunity struct {
	ID       string `json:"id"`
	EventKey string `json:"event_key"`

	LegA Leg  `json:"leg_a"`
	LegB Leg  `json:"leg_b"`
	Flip bool `json:"flip"`

	CostCents  int     `json:"cost_cents"` // combined cost, rounded up
	ProfitAbs  float64 `json:"profit_abs"` // guaranteed payout minus cost, per $1
	ProfitPct  float64 `json:"profit_pct"`
	SkewMs     int64   `json:"skew_ms"`
	DetectedAt time.Time `json:"detected_at"`

	FeeEstimate float64 `json:"fee_estimate"` // estimated fees per $1 notional
}

// OpportunityID builds the idempotent opportunity identifier.
func OpportunityID(eventKey, marketA, marketB string, detectedAt time.Time) string {
	return fmt.Sprintf("%s|%s|%s|%d", eventKey, marketA, marketB, detectedAt.Unix())
}

// ————————————————————————————————————————————————————————————————————————
// Worker heartbeat + runtime config
// ————————————————————————————————————————————————————————————————————————

// WorkerState is the worker lifecycle phase reported in the heartbeat.
type WorkerState string

const (
	WorkerStarting WorkerState = "STARTING"
	WorkerRunning  WorkerState = "RUNNING"
	WorkerIdle     WorkerState = "IDLE"
	WorkerStopping WorkerState = "STOPPING"
	WorkerStopped  WorkerState = "STOPPED"
)

// CacheStats summarizes price cache contents for the heartbeat.
type CacheStats struct {
	PointsByVenue map[Venue]int `json:"points_by_venue"`
	TotalUpdates  uint64        `json:"total_updates"`
	OldestAgeMs   int64         `json:"oldest_age_ms"`
	NewestAgeMs   int64         `json:"newest_age_ms"`
}

// BreakerStatus reports circuit breaker state for the heartbeat.
type BreakerStatus struct {
	State               string `json:"state"` // closed | open | half-open
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
}

// WorkerHeartbeat is written to the external KV on a fixed cadence,
// independently of the main loop. Readers must tolerate unknown fields.
type WorkerHeartbeat struct {
	SchemaVersion int         `json:"schema_version"`
	InstanceID    string      `json:"instance_id"`
	UpdatedAt     time.Time   `json:"updated_at"`
	State         WorkerState `json:"state"`
	TickCount     uint64      `json:"tick_count"`

	Platforms      map[Venue]ConnectionStatus `json:"platforms"`
	PriceCache     CacheStats                 `json:"price_cache"`
	CircuitBreaker BreakerStatus              `json:"circuit_breaker"`
	BlockedReasons map[string]uint64          `json:"blocked_reasons"`
	TrackedEvents  int                        `json:"tracked_events"`

	LastRefreshAt     time.Time `json:"last_refresh_at"`
	RefreshInProgress bool      `json:"refresh_in_progress"`
	ShutdownReason    string    `json:"shutdown_reason,omitempty"`
}

// RuntimeConfig is the toggleable configuration object read from the external
// KV under a single key. Unknown fields in the stored JSON are ignored.
type RuntimeConfig struct {
	LiveArbEnabled           bool `json:"liveArbEnabled"`
	RuleBasedMatcherEnabled  bool `json:"ruleBasedMatcherEnabled"`
	SportsOnly               bool `json:"sportsOnly"`
	LiveEventsOnly           bool `json:"liveEventsOnly"`
	MinProfitBps             int  `json:"minProfitBps"`
	MaxPriceAgeMs            int  `json:"maxPriceAgeMs"`
	MaxSkewMs                int  `json:"maxSkewMs"`
	MaxSlippageBps           int  `json:"maxSlippageBps"`
	MaxSubscriptionsPerVenue int  `json:"maxSubscriptionsPerVenue"`
	RefreshIntervalMs        int  `json:"refreshIntervalMs"`
}

// DefaultRuntimeConfig returns the defaults applied when the KV object is
// missing or partial.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		LiveArbEnabled:           true,
		RuleBasedMatcherEnabled:  true,
		MinProfitBps:             50,
		MaxPriceAgeMs:            2000,
		MaxSkewMs:                500,
		MaxSlippageBps:           100,
		MaxSubscriptionsPerVenue: 100,
		RefreshIntervalMs:        15000,
	}
}

// MinProfitPct converts the basis-point threshold to percent.
func (c RuntimeConfig) MinProfitPct() float64 {
	return float64(c.MinProfitBps) / 100.0
}
