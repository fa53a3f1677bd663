package kv

import (
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"crossarb/pkg/types"
)

// WriteOpportunitiesCSV renders opportunities as CSV. Pure projection over
// the stored records; the ops server exposes it for spreadsheet pulls.
func WriteOpportunitiesCSV(w io.Writer, opps []types.Opportunity) error {
	cw := csv.NewWriter(w)
	header := []string{
		"id", "detected_at", "event_key", "flip",
		"venue_a", "market_a", "side_a", "price_a_cents",
		"venue_b", "market_b", "side_b", "price_b_cents",
		"cost_cents", "profit_pct", "skew_ms", "fee_estimate",
	}
	if err := cw.Write(header); err != nil {
		return err
	}

	for _, opp := range opps {
		row := []string{
			opp.ID,
			opp.DetectedAt.UTC().Format(time.RFC3339),
			opp.EventKey,
			fmt.Sprint(opp.Flip),
			string(opp.LegA.Venue), opp.LegA.MarketID, string(opp.LegA.Side), fmt.Sprintf("%.2f", opp.LegA.PriceCents),
			string(opp.LegB.Venue), opp.LegB.MarketID, string(opp.LegB.Side), fmt.Sprintf("%.2f", opp.LegB.PriceCents),
			fmt.Sprint(opp.CostCents),
			fmt.Sprintf("%.4f", opp.ProfitPct),
			fmt.Sprint(opp.SkewMs),
			fmt.Sprintf("%.4f", opp.FeeEstimate),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}
