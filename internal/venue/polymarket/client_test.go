package polymarket

import (
	"encoding/json"
	"testing"
	"time"

	"crossarb/internal/venue"
	"crossarb/pkg/types"
)

func TestParseBookEvent(t *testing.T) {
	t.Parallel()
	raw := `[{"event_type":"book","asset_id":"tok1",
		"bids":[{"price":"0.52","size":"100"},{"price":"0.54","size":"40"}],
		"asks":[{"price":"0.58","size":"25"},{"price":"0.56","size":"60"}]}]`

	in, err := protocol{}.Parse([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if in.Kind != venue.InboundPrices || len(in.Updates) != 1 {
		t.Fatalf("expected one update, got %+v", in)
	}

	u := in.Updates[0]
	if u.Key.Venue != types.VenuePolymarket || u.Key.MarketID != "tok1" || u.Key.Outcome != types.OutcomeYes {
		t.Errorf("unexpected key: %+v", u.Key)
	}
	// Best bid 0.54, best ask 0.56, regardless of level order.
	if u.BestBid != 54 || u.BestAsk != 56 {
		t.Errorf("expected best 54/56, got %v/%v", u.BestBid, u.BestAsk)
	}
	if u.PriceCents != 55 || u.ImpliedProb != 0.55 {
		t.Errorf("expected mid 55c, got %v/%v", u.PriceCents, u.ImpliedProb)
	}
	if u.BestBidSize != 40 || u.BestAskSize != 60 {
		t.Errorf("sizes should follow the best level, got %v/%v", u.BestBidSize, u.BestAskSize)
	}
	if u.Kind != types.KindPrediction || u.Source != types.SourceStream {
		t.Errorf("unexpected tagging: %+v", u)
	}
}

func TestParseMultipleBookEvents(t *testing.T) {
	t.Parallel()
	raw := `[
		{"event_type":"book","asset_id":"a","bids":[{"price":"0.3","size":"1"}],"asks":[]},
		{"event_type":"price_change","asset_id":"a","changes":[]},
		{"event_type":"book","asset_id":"b","bids":[],"asks":[{"price":"0.7","size":"2"}]}
	]`

	in, err := protocol{}.Parse([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if len(in.Updates) != 2 {
		t.Fatalf("expected 2 updates (price_change skipped), got %d", len(in.Updates))
	}
	if in.Updates[0].PriceCents != 30 || in.Updates[1].PriceCents != 70 {
		t.Errorf("single-sided books use the quoted side, got %v/%v",
			in.Updates[0].PriceCents, in.Updates[1].PriceCents)
	}
}

func TestParseNonPriceFrames(t *testing.T) {
	t.Parallel()
	p := protocol{}

	if in, err := p.Parse([]byte(`PONG`)); err != nil || in.Kind != venue.InboundHeartbeat {
		t.Errorf("PONG should be a heartbeat, got %+v err=%v", in, err)
	}
	if in, err := p.Parse([]byte(`[{"event_type":"last_trade_price","asset_id":"a"}]`)); err != nil || in.Kind != venue.InboundUnknown {
		t.Errorf("last trade events are ignored, got %+v err=%v", in, err)
	}
	if _, err := p.Parse([]byte(`{{bad`)); err == nil {
		t.Error("invalid JSON must be a parse error")
	}
	if _, err := p.Parse([]byte(`[{"event_type":"book","asset_id":"a","bids":[{"price":"1.5","size":"1"}]}]`)); err == nil {
		t.Error("price outside [0,1] must be a parse error")
	}
	if _, err := p.Parse([]byte(`[{"event_type":"book","asset_id":"a"}]`)); err == nil {
		t.Error("empty book must be a parse error")
	}
}

func TestSubscribeFrameShape(t *testing.T) {
	t.Parallel()
	raw, err := json.Marshal(protocol{}.SubscribeFrame([]string{"tok1", "tok2"}))
	if err != nil {
		t.Fatal(err)
	}
	var frame subscribeMessage
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatal(err)
	}
	if frame.Type != "market" || len(frame.AssetIDs) != 2 {
		t.Errorf("unexpected frame: %+v", frame)
	}
}

func TestGammaMarketNormalization(t *testing.T) {
	t.Parallel()
	now := time.Now()

	gm := gammaMarket{
		Question:        "Will the Lakers beat the Celtics?",
		Category:        "Sports",
		Active:          true,
		AcceptingOrders: true,
		EnableOrderBook: true,
		StartDate:       "2025-03-01T23:00:00Z",
		EndDate:         "2025-03-02T03:00:00Z",
		Liquidity:       "15000.5",
		Volume24hr:      8000,
		OutcomePrices:   `["0.55","0.45"]`,
		ClobTokenIds:    `["yes-token","no-token"]`,
	}

	vm, ok := toVenueMarket(gm, now)
	if !ok {
		t.Fatal("market should normalize")
	}
	if vm.ID != "yes-token" {
		t.Errorf("market id should be the YES token, got %q", vm.ID)
	}
	if vm.YesPriceCents != 55 || vm.NoPriceCents != 45 {
		t.Errorf("expected 55/45, got %v/%v", vm.YesPriceCents, vm.NoPriceCents)
	}
	if vm.Liquidity != 15000.5 {
		t.Errorf("string liquidity should parse, got %v", vm.Liquidity)
	}
	if vm.Sport != "sports" {
		t.Errorf("category must be lowercased, got %q", vm.Sport)
	}
	if !vm.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt should be the snapshot time")
	}

	gm.Closed = true
	if _, ok := toVenueMarket(gm, now); ok {
		t.Error("closed markets must be dropped")
	}
	gm.Closed = false
	gm.OutcomePrices = `["0","1"]`
	if _, ok := toVenueMarket(gm, now); ok {
		t.Error("degenerate prices must be dropped")
	}
}
