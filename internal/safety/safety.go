// Package safety is the last line before an opportunity reaches listeners.
//
// Gates run in a fixed order and the first failure wins: freshness, skew,
// slippage, profit re-check, circuit breaker. Every block increments a
// per-reason counter that the heartbeat exposes, so a quiet worker can be
// told apart from one discarding everything for the same reason.
package safety

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"crossarb/internal/metrics"
	"crossarb/pkg/types"
)

// Block reason tags. Fixed vocabulary; they label metrics and heartbeats.
const (
	ReasonFreshness   = "freshness"
	ReasonSkew        = "skew"
	ReasonSlippage    = "slippage"
	ReasonProfit      = "profitValidity"
	ReasonBreakerOpen = "breakerOpen"
)

// intendedSize is the notional top-of-book size (contracts) a leg's quote
// must support for the slippage gate to pass.
const intendedSize = 10.0

// Gates applies the pre-emission checks.
type Gates struct {
	cfgFn   func() types.RuntimeConfig
	breaker *gobreaker.TwoStepCircuitBreaker
	logger  *slog.Logger

	mu      sync.Mutex
	blocked map[string]uint64

	// now is swappable in tests.
	now func() time.Time
}

// New builds the gate chain. The breaker opens after maxFailures consecutive
// executor failures and auto-resets after cooldown.
func New(cfgFn func() types.RuntimeConfig, maxFailures uint32, cooldown time.Duration, logger *slog.Logger) *Gates {
	g := &Gates{
		cfgFn:   cfgFn,
		logger:  logger.With("component", "safety"),
		blocked: make(map[string]uint64),
		now:     time.Now,
	}
	g.breaker = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        "executor",
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			g.logger.Warn("breaker state change", "from", from.String(), "to", to.String())
			metrics.BreakerState.Set(breakerGaugeValue(to))
		},
	})
	return g
}

// Check runs the gate chain over a candidate opportunity. pointA and pointB
// are the cached points behind the legs, carried separately because the legs
// themselves don't keep the order book. Returns the blocking reason, or ""
// when every gate passes.
func (g *Gates) Check(opp types.Opportunity, pointA, pointB types.PricePoint) string {
	cfg := g.cfgFn()
	now := g.now()

	if reason := g.checkFreshness(opp, cfg, now); reason != "" {
		return g.block(reason)
	}
	if skew := absMs(opp.LegA.ObservedAt, opp.LegB.ObservedAt); skew > int64(cfg.MaxSkewMs) {
		return g.block(ReasonSkew)
	}
	if !slippageOK(pointA, cfg.MaxSlippageBps) || !slippageOK(pointB, cfg.MaxSlippageBps) {
		return g.block(ReasonSlippage)
	}
	// Re-derive profit from the leg prices; a mutated or rounded input that
	// no longer clears the threshold must not slip through.
	if recomputeProfitPct(opp) < cfg.MinProfitPct() {
		return g.block(ReasonProfit)
	}
	// Half-open passes: the one probe request it admits is how the breaker
	// finds its way back to closed after the cooldown.
	if g.breaker.State() == gobreaker.StateOpen {
		return g.block(ReasonBreakerOpen)
	}
	return ""
}

// checkFreshness enforces a strict age bound per leg. Stream legs use
// maxPriceAgeMs. Snapshot legs age from the snapshot build, so they get a
// budget of two refresh intervals instead; otherwise a venue with zero
// subscriptions could never produce a valid leg.
func (g *Gates) checkFreshness(opp types.Opportunity, cfg types.RuntimeConfig, now time.Time) string {
	for _, leg := range []types.Leg{opp.LegA, opp.LegB} {
		budget := int64(cfg.MaxPriceAgeMs)
		if leg.Source == types.SourceSnapshot {
			budget = int64(cfg.RefreshIntervalMs) * 2
		}
		if now.Sub(leg.ObservedAt).Milliseconds() >= budget {
			return ReasonFreshness
		}
	}
	return ""
}

func slippageOK(p types.PricePoint, maxSlippageBps int) bool {
	if !p.HasBid || !p.HasAsk {
		// No book, nothing to estimate against. Snapshot and single-sided
		// points pass; freshness already bounded their risk.
		return true
	}
	mid := (p.BestBid + p.BestAsk) / 2
	if mid <= 0 {
		return false
	}
	halfSpreadBps := (p.BestAsk - p.BestBid) / 2 / mid * 10000
	if halfSpreadBps > float64(maxSlippageBps) {
		return false
	}
	return p.BestBidSize >= intendedSize && p.BestAskSize >= intendedSize
}

func recomputeProfitPct(opp types.Opportunity) float64 {
	costCents := int(math.Ceil(opp.LegA.PriceCents + opp.LegB.PriceCents))
	if costCents >= 100 {
		return 0
	}
	cost := float64(costCents) / 100
	return (1 - cost) / cost * 100
}

func (g *Gates) block(reason string) string {
	g.mu.Lock()
	g.blocked[reason]++
	g.mu.Unlock()
	metrics.OpportunitiesBlocked.WithLabelValues(reason).Inc()
	return reason
}

// ReportExecution feeds one executor outcome into the breaker.
func (g *Gates) ReportExecution(err error) {
	done, allowErr := g.breaker.Allow()
	if allowErr != nil {
		// Breaker already open; the failure that opened it was counted.
		return
	}
	done(err == nil)
}

// BlockedReasons copies the reason counters for the heartbeat.
func (g *Gates) BlockedReasons() map[string]uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]uint64, len(g.blocked))
	for k, v := range g.blocked {
		out[k] = v
	}
	return out
}

// BreakerStatus reports the breaker for the heartbeat.
func (g *Gates) BreakerStatus() types.BreakerStatus {
	return types.BreakerStatus{
		State:               g.breaker.State().String(),
		ConsecutiveFailures: g.breaker.Counts().ConsecutiveFailures,
	}
}

func absMs(a, b time.Time) int64 {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d.Milliseconds()
}

func breakerGaugeValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}
