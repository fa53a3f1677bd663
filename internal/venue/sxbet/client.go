// Package sxbet implements the SX Bet stream client and market discovery.
//
// SX Bet is a sportsbook: maker odds arrive as a fixed-point integer, the
// implied probability scaled by 10^20. The taker's decimal odds are
// 1/(1-impliedMakerProb), clamped to >=1.01. The two outcomes of a market
// quote independently and are never derived from each other, so every update
// carries its explicit outcome side.
package sxbet

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/internal/config"
	"crossarb/internal/venue"
	"crossarb/pkg/types"
)

// oddsScale is the fixed-point denominator for maker odds.
var oddsScale = decimal.New(1, 20)

const minDecimalOdds = 1.01

// Client is the SX Bet stream client.
type Client struct {
	*venue.Conn
}

// New builds an SX Bet client. An empty WSURL leaves the client DISABLED.
func New(cfg config.VenueConfig, sink venue.Sink, logger *slog.Logger) *Client {
	return &Client{
		Conn: venue.NewConn(types.VenueSXBet, cfg.WSURL, cfg.PingPeriod, protocol{}, sink, logger),
	}
}

type protocol struct{}

type controlFrame struct {
	Type         string   `json:"type"`
	Channel      string   `json:"channel,omitempty"`
	MarketHashes []string `json:"marketHashes,omitempty"`
}

func (protocol) SubscribeFrame(ids []string) any {
	return controlFrame{Type: "subscribe", Channel: "markets", MarketHashes: ids}
}

func (protocol) UnsubscribeFrame(ids []string) any {
	return controlFrame{Type: "unsubscribe", Channel: "markets", MarketHashes: ids}
}

func (protocol) PingFrame() any {
	return controlFrame{Type: "ping"}
}

type inboundFrame struct {
	Type       string `json:"type"`
	MarketHash string `json:"marketHash"`
	Outcome    int    `json:"outcome"`
	Odds       string `json:"odds"` // implied maker probability x 10^20
	Stake      string `json:"stake"`
}

func (protocol) Parse(data []byte) (venue.Inbound, error) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return venue.Inbound{}, fmt.Errorf("decode frame: %w", err)
	}

	switch f.Type {
	case "odds_update", "market_update":
		u, err := oddsToUpdate(f, time.Now())
		if err != nil {
			return venue.Inbound{}, err
		}
		return venue.Inbound{Kind: venue.InboundPrices, Updates: []types.PriceUpdate{u}}, nil
	case "score_update":
		return venue.Inbound{Kind: venue.InboundScore}, nil
	case "subscribed", "unsubscribed":
		return venue.Inbound{Kind: venue.InboundAck}, nil
	case "pong":
		return venue.Inbound{Kind: venue.InboundHeartbeat}, nil
	default:
		return venue.Inbound{Kind: venue.InboundUnknown}, nil
	}
}

func oddsToUpdate(f inboundFrame, now time.Time) (types.PriceUpdate, error) {
	if f.MarketHash == "" {
		return types.PriceUpdate{}, fmt.Errorf("frame missing marketHash")
	}

	var outcome types.Outcome
	switch f.Outcome {
	case 1:
		outcome = types.OutcomeYes
	case 2:
		outcome = types.OutcomeNo
	default:
		return types.PriceUpdate{}, fmt.Errorf("unknown outcome index %d", f.Outcome)
	}

	prob, odds, err := ConvertMakerOdds(f.Odds)
	if err != nil {
		return types.PriceUpdate{}, fmt.Errorf("market %s: %w", f.MarketHash, err)
	}

	return types.PriceUpdate{
		Key: types.PriceKey{
			Venue:    types.VenueSXBet,
			MarketID: f.MarketHash,
			Outcome:  outcome,
		},
		Kind:        types.KindSportsbook,
		PriceCents:  prob * 100,
		ImpliedProb: prob,
		DecimalOdds: odds,
		Source:      types.SourceStream,
		ObservedAt:  now,
	}, nil
}

// ConvertMakerOdds turns a 10^20-scaled implied maker probability into the
// implied probability (6 decimal digits) and the taker's decimal odds,
// clamped to the venue's minimum of 1.01.
func ConvertMakerOdds(raw string) (impliedProb, decimalOdds float64, err error) {
	fixed, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, 0, fmt.Errorf("odds %q: %w", raw, err)
	}

	p := fixed.Div(oddsScale)
	if p.IsNegative() || p.GreaterThanOrEqual(decimal.New(1, 0)) {
		return 0, 0, fmt.Errorf("implied probability %s out of [0,1)", p)
	}

	odds := decimal.New(1, 0).Div(decimal.New(1, 0).Sub(p))
	decimalOdds, _ = odds.Float64()
	if decimalOdds < minDecimalOdds {
		decimalOdds = minDecimalOdds
	}

	impliedProb, _ = p.Round(6).Float64()
	return impliedProb, decimalOdds, nil
}
