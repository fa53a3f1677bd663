// Package polymarket implements the Polymarket CLOB stream client and Gamma
// market discovery.
//
// Polymarket quotes outcome tokens as decimals in [0,1]; the client scales to
// cents on ingest. A market is tracked by its YES token ID; the price cache
// derives the NO side from the YES update, so only one token per market is
// subscribed.
package polymarket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"crossarb/internal/config"
	"crossarb/internal/venue"
	"crossarb/pkg/types"
)

// Client is the Polymarket stream client.
type Client struct {
	*venue.Conn
}

// New builds a Polymarket client. An empty WSURL leaves the client DISABLED.
func New(cfg config.VenueConfig, sink venue.Sink, logger *slog.Logger) *Client {
	return &Client{
		Conn: venue.NewConn(types.VenuePolymarket, cfg.WSURL, cfg.PingPeriod, protocol{}, sink, logger),
	}
}

type protocol struct{}

type subscribeMessage struct {
	AssetIDs []string `json:"assets_ids"`
	Type     string   `json:"type"`
	Action   string   `json:"action,omitempty"`
}

func (protocol) SubscribeFrame(ids []string) any {
	return subscribeMessage{AssetIDs: ids, Type: "market"}
}

func (protocol) UnsubscribeFrame(ids []string) any {
	return subscribeMessage{AssetIDs: ids, Type: "market", Action: "unsubscribe"}
}

// PingFrame keeps the CLOB socket alive; the server answers with PONG.
func (protocol) PingFrame() any { return "PING" }

type bookEvent struct {
	EventType string       `json:"event_type"`
	AssetID   string       `json:"asset_id"`
	Bids      []priceLevel `json:"bids"`
	Asks      []priceLevel `json:"asks"`
}

type priceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// Parse handles the CLOB market channel. Events arrive as a JSON array; only
// book events produce price updates. Price-change deltas and last-trade
// events are ignored: the next book event carries the authoritative state.
func (protocol) Parse(data []byte) (venue.Inbound, error) {
	if s := string(data); s == "PONG" || s == `"PONG"` {
		return venue.Inbound{Kind: venue.InboundHeartbeat}, nil
	}

	var events []bookEvent
	if err := json.Unmarshal(data, &events); err != nil {
		// Single-object frames (acks, errors) also occur.
		var one bookEvent
		if err2 := json.Unmarshal(data, &one); err2 != nil {
			return venue.Inbound{}, fmt.Errorf("decode events: %w", err)
		}
		events = []bookEvent{one}
	}

	now := time.Now()
	var updates []types.PriceUpdate
	for _, ev := range events {
		if ev.EventType != "book" {
			continue
		}
		u, err := bookToUpdate(ev, now)
		if err != nil {
			return venue.Inbound{}, err
		}
		updates = append(updates, u)
	}

	if len(updates) == 0 {
		return venue.Inbound{Kind: venue.InboundUnknown}, nil
	}
	return venue.Inbound{Kind: venue.InboundPrices, Updates: updates}, nil
}

func bookToUpdate(ev bookEvent, now time.Time) (types.PriceUpdate, error) {
	if ev.AssetID == "" {
		return types.PriceUpdate{}, fmt.Errorf("book event missing asset_id")
	}

	u := types.PriceUpdate{
		Key: types.PriceKey{
			Venue:    types.VenuePolymarket,
			MarketID: ev.AssetID,
			Outcome:  types.OutcomeYes,
		},
		Kind:       types.KindPrediction,
		Source:     types.SourceStream,
		ObservedAt: now,
	}

	// Levels are not guaranteed sorted; take best explicitly. Prices are
	// decimals in [0,1], scaled to cents.
	for _, lvl := range ev.Bids {
		price, size, err := parseLevel(lvl)
		if err != nil {
			return types.PriceUpdate{}, err
		}
		if !u.HasBid || price > u.BestBid {
			u.HasBid, u.BestBid, u.BestBidSize = true, price, size
		}
	}
	for _, lvl := range ev.Asks {
		price, size, err := parseLevel(lvl)
		if err != nil {
			return types.PriceUpdate{}, err
		}
		if !u.HasAsk || price < u.BestAsk {
			u.HasAsk, u.BestAsk, u.BestAskSize = true, price, size
		}
	}

	switch {
	case u.HasBid && u.HasAsk:
		u.PriceCents = (u.BestBid + u.BestAsk) / 2
	case u.HasBid:
		u.PriceCents = u.BestBid
	case u.HasAsk:
		u.PriceCents = u.BestAsk
	default:
		return types.PriceUpdate{}, fmt.Errorf("book for %s is empty", ev.AssetID)
	}
	u.ImpliedProb = u.PriceCents / 100

	return u, nil
}

func parseLevel(lvl priceLevel) (cents, size float64, err error) {
	p, err := strconv.ParseFloat(lvl.Price, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("level price %q: %w", lvl.Price, err)
	}
	if p < 0 || p > 1 {
		return 0, 0, fmt.Errorf("level price %v out of [0,1]", p)
	}
	s, err := strconv.ParseFloat(lvl.Size, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("level size %q: %w", lvl.Size, err)
	}
	return p * 100, s, nil
}
