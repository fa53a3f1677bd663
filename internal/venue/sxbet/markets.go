package sxbet

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"crossarb/internal/config"
	"crossarb/pkg/types"
)

const (
	discoveryTimeout = 10 * time.Second
	maxPages         = 10
)

// Discovery fetches the active SX Bet market universe over REST.
type Discovery struct {
	client *resty.Client
	logger *slog.Logger
}

// NewDiscovery builds a discovery client against cfg.RESTBaseURL.
func NewDiscovery(cfg config.VenueConfig, logger *slog.Logger) *Discovery {
	client := resty.New().
		SetBaseURL(cfg.RESTBaseURL).
		SetTimeout(discoveryTimeout).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)
	if cfg.APIKey != "" {
		client.SetHeader("X-Api-Key", cfg.APIKey)
	}
	return &Discovery{
		client: client,
		logger: logger.With("component", "discovery", "venue", string(types.VenueSXBet)),
	}
}

type activeMarketsResponse struct {
	Status string `json:"status"`
	Data   struct {
		Markets []restMarket `json:"markets"`
		NextKey string       `json:"nextKey"`
	} `json:"data"`
}

type restMarket struct {
	MarketHash  string `json:"marketHash"`
	Status      string `json:"status"`
	TeamOneName string `json:"teamOneName"`
	TeamTwoName string `json:"teamTwoName"`
	SportLabel  string `json:"sportLabel"`
	LeagueLabel string `json:"leagueLabel"`
	GameTime    int64  `json:"gameTime"` // unix seconds
	Type        int    `json:"type"`
}

// moneylineType is the 1X2/moneyline market type; other market types
// (spreads, totals) don't map onto a binary YES/NO pair.
const moneylineType = 226

// FetchMarkets pages through /markets/active and returns moneyline markets
// as normalized VenueMarkets. Sportsbook snapshots carry no resting price;
// legs price only once the stream delivers odds.
func (d *Discovery) FetchMarkets(ctx context.Context) ([]types.VenueMarket, error) {
	snapshotAt := time.Now()
	var out []types.VenueMarket
	nextKey := ""

	for page := 0; page < maxPages; page++ {
		var body activeMarketsResponse
		req := d.client.R().
			SetContext(ctx).
			SetQueryParam("onlyMainLine", "true").
			SetResult(&body)
		if nextKey != "" {
			req.SetQueryParam("paginationKey", nextKey)
		}

		resp, err := req.Get("/markets/active")
		if err != nil {
			return nil, fmt.Errorf("fetch markets: %w", err)
		}
		if resp.IsError() || body.Status != "success" {
			return nil, fmt.Errorf("fetch markets: status %d (%s)", resp.StatusCode(), body.Status)
		}

		for _, m := range body.Data.Markets {
			vm, ok := toVenueMarket(m, snapshotAt)
			if !ok {
				continue
			}
			out = append(out, vm)
		}

		if body.Data.NextKey == "" {
			break
		}
		nextKey = body.Data.NextKey
	}

	d.logger.Debug("market snapshot fetched", "count", len(out))
	return out, nil
}

func toVenueMarket(m restMarket, snapshotAt time.Time) (types.VenueMarket, bool) {
	if m.MarketHash == "" || m.Status != "ACTIVE" || m.Type != moneylineType {
		return types.VenueMarket{}, false
	}
	if m.TeamOneName == "" || m.TeamTwoName == "" {
		return types.VenueMarket{}, false
	}

	return types.VenueMarket{
		ID:        m.MarketHash,
		Venue:     types.VenueSXBet,
		Kind:      types.KindSportsbook,
		Title:     fmt.Sprintf("%s vs %s", m.TeamOneName, m.TeamTwoName),
		Sport:     strings.ToLower(m.SportLabel),
		HomeTeam:  m.TeamOneName,
		AwayTeam:  m.TeamTwoName,
		StartTime: time.Unix(m.GameTime, 0).UTC(),
		CreatedAt: snapshotAt,
	}, true
}
