package arb

import (
	"context"
	"log/slog"

	"crossarb/pkg/types"
)

// Executor acts on an emitted opportunity. The detection worker ships with a
// log-only executor; a trading executor implements the same port. Execution
// outcomes feed the circuit breaker, so implementations must return an error
// for anything that should count as a failure.
type Executor interface {
	Execute(ctx context.Context, opp types.Opportunity) error
}

// LogExecutor records opportunities without placing orders.
type LogExecutor struct {
	logger *slog.Logger
}

// NewLogExecutor builds the default executor.
func NewLogExecutor(logger *slog.Logger) *LogExecutor {
	return &LogExecutor{logger: logger.With("component", "executor")}
}

// Execute logs the opportunity. Never fails.
func (x *LogExecutor) Execute(_ context.Context, opp types.Opportunity) error {
	x.logger.Info("arbitrage opportunity",
		"id", opp.ID,
		"event", opp.EventKey,
		"leg_a", legSummary(opp.LegA),
		"leg_b", legSummary(opp.LegB),
		"flip", opp.Flip,
		"cost_cents", opp.CostCents,
		"profit_pct", opp.ProfitPct,
		"skew_ms", opp.SkewMs,
		"fee_estimate", opp.FeeEstimate,
	)
	return nil
}

func legSummary(l types.Leg) string {
	return string(l.Venue) + "/" + l.MarketID + "/" + string(l.Side)
}
