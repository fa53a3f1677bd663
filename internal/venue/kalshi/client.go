// Package kalshi implements the Kalshi stream client and market discovery.
//
// Kalshi quotes binary contracts in integer cents (0-100). The stream carries
// top-of-book ticker updates; mid-price is derived from yes_bid/yes_ask when
// both sides are quoted, a single side when only one exists, and the
// last-trade price only when no book is available at all.
package kalshi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"crossarb/internal/config"
	"crossarb/internal/venue"
	"crossarb/pkg/types"
)

// Client is the Kalshi stream client: the shared connection core plus the
// Kalshi wire protocol.
type Client struct {
	*venue.Conn
}

// New builds a Kalshi client. An empty WSURL leaves the client DISABLED.
func New(cfg config.VenueConfig, sink venue.Sink, logger *slog.Logger) *Client {
	return &Client{
		Conn: venue.NewConn(types.VenueKalshi, cfg.WSURL, cfg.PingPeriod, &protocol{}, sink, logger),
	}
}

// protocol speaks the Kalshi websocket command/message format.
type protocol struct {
	cmdID atomic.Int64
}

type command struct {
	ID     int64         `json:"id"`
	Cmd    string        `json:"cmd"`
	Params commandParams `json:"params"`
}

type commandParams struct {
	Channels      []string `json:"channels"`
	MarketTickers []string `json:"market_tickers"`
}

func (p *protocol) SubscribeFrame(ids []string) any {
	return command{
		ID:     p.cmdID.Add(1),
		Cmd:    "subscribe",
		Params: commandParams{Channels: []string{"ticker_v2"}, MarketTickers: ids},
	}
}

func (p *protocol) UnsubscribeFrame(ids []string) any {
	return command{
		ID:     p.cmdID.Add(1),
		Cmd:    "unsubscribe",
		Params: commandParams{Channels: []string{"ticker_v2"}, MarketTickers: ids},
	}
}

// PingFrame is nil: Kalshi keeps the socket alive with transport pings.
func (p *protocol) PingFrame() any { return nil }

type envelope struct {
	Type string          `json:"type"`
	Msg  json.RawMessage `json:"msg"`
}

type tickerMsg struct {
	MarketTicker string `json:"market_ticker"`
	Price        *int   `json:"price"`
	YesBid       *int   `json:"yes_bid"`
	YesAsk       *int   `json:"yes_ask"`
	YesBidSize   int    `json:"yes_bid_size"`
	YesAskSize   int    `json:"yes_ask_size"`
}

func (p *protocol) Parse(data []byte) (venue.Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return venue.Inbound{}, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Type {
	case "ticker_v2", "ticker":
		return p.parseTicker(env.Msg)
	case "subscribed", "unsubscribed", "ok":
		return venue.Inbound{Kind: venue.InboundAck}, nil
	case "heartbeat":
		return venue.Inbound{Kind: venue.InboundHeartbeat}, nil
	case "error":
		return venue.Inbound{}, fmt.Errorf("server error frame: %s", string(env.Msg))
	default:
		return venue.Inbound{Kind: venue.InboundUnknown}, nil
	}
}

func (p *protocol) parseTicker(raw json.RawMessage) (venue.Inbound, error) {
	var m tickerMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return venue.Inbound{}, fmt.Errorf("decode ticker: %w", err)
	}
	if m.MarketTicker == "" {
		return venue.Inbound{}, fmt.Errorf("ticker missing market_ticker")
	}

	u := types.PriceUpdate{
		Key: types.PriceKey{
			Venue:    types.VenueKalshi,
			MarketID: m.MarketTicker,
			Outcome:  types.OutcomeYes,
		},
		Kind:       types.KindPrediction,
		Source:     types.SourceStream,
		ObservedAt: time.Now(),
	}

	if m.YesBid != nil {
		u.HasBid = true
		u.BestBid = float64(*m.YesBid)
		u.BestBidSize = float64(m.YesBidSize)
	}
	if m.YesAsk != nil {
		u.HasAsk = true
		u.BestAsk = float64(*m.YesAsk)
		u.BestAskSize = float64(m.YesAskSize)
	}

	// Book beats tape: last-trade price is used only when no side is quoted.
	switch {
	case u.HasBid && u.HasAsk:
		u.PriceCents = (u.BestBid + u.BestAsk) / 2
	case u.HasBid:
		u.PriceCents = u.BestBid
	case u.HasAsk:
		u.PriceCents = u.BestAsk
	case m.Price != nil:
		u.PriceCents = float64(*m.Price)
	default:
		return venue.Inbound{}, fmt.Errorf("ticker for %s carries no price", m.MarketTicker)
	}
	u.ImpliedProb = u.PriceCents / 100

	return venue.Inbound{Kind: venue.InboundPrices, Updates: []types.PriceUpdate{u}}, nil
}
