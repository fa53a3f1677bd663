package kalshi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"crossarb/internal/config"
	"crossarb/internal/venue"
	"crossarb/pkg/types"
)

func parseOne(t *testing.T, raw string) types.PriceUpdate {
	t.Helper()
	p := &protocol{}
	in, err := p.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if in.Kind != venue.InboundPrices || len(in.Updates) != 1 {
		t.Fatalf("expected one price update, got %+v", in)
	}
	return in.Updates[0]
}

func TestParseTickerMidFromBook(t *testing.T) {
	t.Parallel()
	u := parseOne(t, `{"type":"ticker_v2","msg":{"market_ticker":"KXGAME","price":50,"yes_bid":54,"yes_ask":56,"yes_bid_size":100,"yes_ask_size":80}}`)

	if u.Key.Venue != types.VenueKalshi || u.Key.MarketID != "KXGAME" || u.Key.Outcome != types.OutcomeYes {
		t.Errorf("unexpected key: %+v", u.Key)
	}
	// Mid of 54/56, not the last-trade 50.
	if u.PriceCents != 55 || u.ImpliedProb != 0.55 {
		t.Errorf("expected mid 55c, got %v/%v", u.PriceCents, u.ImpliedProb)
	}
	if !u.HasBid || !u.HasAsk || u.BestBid != 54 || u.BestAsk != 56 {
		t.Errorf("top-of-book not carried: %+v", u)
	}
	if u.BestBidSize != 100 || u.BestAskSize != 80 {
		t.Errorf("sizes not carried: %+v", u)
	}
}

func TestParseTickerSingleSide(t *testing.T) {
	t.Parallel()
	u := parseOne(t, `{"type":"ticker_v2","msg":{"market_ticker":"KXGAME","price":50,"yes_bid":54}}`)
	if u.PriceCents != 54 {
		t.Errorf("single quoted side should win over last trade, got %v", u.PriceCents)
	}
	if u.HasAsk {
		t.Error("missing ask must not be reported")
	}
}

func TestParseTickerLastTradeFallback(t *testing.T) {
	t.Parallel()
	u := parseOne(t, `{"type":"ticker_v2","msg":{"market_ticker":"KXGAME","price":50}}`)
	if u.PriceCents != 50 {
		t.Errorf("last trade is the only price available, got %v", u.PriceCents)
	}
}

func TestParseAcksAndUnknown(t *testing.T) {
	t.Parallel()
	p := &protocol{}

	in, err := p.Parse([]byte(`{"type":"subscribed","msg":{"channel":"ticker_v2"}}`))
	if err != nil || in.Kind != venue.InboundAck {
		t.Errorf("expected ack, got %+v err=%v", in, err)
	}

	in, err = p.Parse([]byte(`{"type":"trade","msg":{}}`))
	if err != nil || in.Kind != venue.InboundUnknown {
		t.Errorf("unknown frame types are ignored, got %+v err=%v", in, err)
	}

	if _, err = p.Parse([]byte(`not json`)); err == nil {
		t.Error("invalid JSON must be a parse error")
	}
	if _, err = p.Parse([]byte(`{"type":"ticker_v2","msg":{"price":50}}`)); err == nil {
		t.Error("ticker without market_ticker must be a parse error")
	}
	if _, err = p.Parse([]byte(`{"type":"error","msg":{"code":6}}`)); err == nil {
		t.Error("server error frames count as parse errors")
	}
}

func TestSubscribeFrameShape(t *testing.T) {
	t.Parallel()
	p := &protocol{}

	raw, err := json.Marshal(p.SubscribeFrame([]string{"m1", "m2"}))
	if err != nil {
		t.Fatal(err)
	}
	var frame command
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatal(err)
	}
	if frame.Cmd != "subscribe" || len(frame.Params.MarketTickers) != 2 {
		t.Errorf("unexpected frame: %+v", frame)
	}

	// Command IDs are unique per connection.
	raw2, _ := json.Marshal(p.UnsubscribeFrame([]string{"m1"}))
	var frame2 command
	json.Unmarshal(raw2, &frame2)
	if frame2.ID == frame.ID {
		t.Error("command ids must increment")
	}
	if frame2.Cmd != "unsubscribe" {
		t.Errorf("unexpected cmd: %s", frame2.Cmd)
	}
}

func TestFetchMarketsPagesAndNormalizes(t *testing.T) {
	t.Parallel()

	page := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/trade-api/v2/markets" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		page++
		if r.URL.Query().Get("cursor") == "" {
			// Full page forces a second request.
			markets := make([]restMarket, pageLimit)
			for i := range markets {
				markets[i] = restMarket{Ticker: "PAGE1", Title: "t", YesBid: 40, YesAsk: 42, OpenTime: "2025-03-01T18:00:00Z"}
			}
			json.NewEncoder(w).Encode(marketsResponse{Markets: markets, Cursor: "next"})
			return
		}
		json.NewEncoder(w).Encode(marketsResponse{Markets: []restMarket{
			{Ticker: "KXNBA-LAL-BOS", Title: "Lakers vs Celtics", Category: "Basketball", YesBid: 54, YesAsk: 56, Liquidity: 120000, Volume24h: 9000, OpenTime: "2025-03-01T23:00:00Z"},
			{Ticker: "DEAD", Title: "settled", LastPrice: 100}, // out of range, dropped
		}})
	}))
	defer srv.Close()

	d := NewDiscovery(config.VenueConfig{RESTBaseURL: srv.URL}, discardLogger())
	markets, err := d.FetchMarkets(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if page != 2 {
		t.Errorf("expected 2 pages fetched, got %d", page)
	}
	if len(markets) != pageLimit+1 {
		t.Fatalf("expected %d markets, got %d", pageLimit+1, len(markets))
	}

	last := markets[len(markets)-1]
	if last.ID != "KXNBA-LAL-BOS" || last.Venue != types.VenueKalshi || last.Kind != types.KindPrediction {
		t.Errorf("unexpected market: %+v", last)
	}
	if last.YesPriceCents != 55 || last.NoPriceCents != 45 {
		t.Errorf("expected 55/45 snapshot prices, got %v/%v", last.YesPriceCents, last.NoPriceCents)
	}
	if last.Sport != "basketball" {
		t.Errorf("category should lowercase into sport, got %q", last.Sport)
	}
	if last.StartTime.IsZero() || last.CreatedAt.IsZero() {
		t.Errorf("times should be set: %+v", last)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
