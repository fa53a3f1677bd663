package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"crossarb/internal/config"
	"crossarb/pkg/types"
)

const (
	discoveryTimeout = 10 * time.Second
	pageLimit        = 100
	maxPages         = 20
)

// Discovery fetches the active Polymarket universe from the Gamma API.
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
	return &Discovery{
		client: client,
		logger: logger.With("component", "discovery", "venue", string(types.VenuePolymarket)),
	}
}

// gammaMarket is the JSON shape returned by the Gamma API. Several fields are
// string-encoded JSON arrays, a quirk of the API.
type gammaMarket struct {
	Question        string  `json:"question"`
	Slug            string  `json:"slug"`
	Category        string  `json:"category"`
	Active          bool    `json:"active"`
	Closed          bool    `json:"closed"`
	AcceptingOrders bool    `json:"acceptingOrders"`
	EnableOrderBook bool    `json:"enableOrderBook"`
	StartDate       string  `json:"startDate"`
	EndDate         string  `json:"endDate"`
	Liquidity       string  `json:"liquidity"`
	Volume24hr      float64 `json:"volume24hr"`
	OutcomePrices   string  `json:"outcomePrices"`
	ClobTokenIds    string  `json:"clobTokenIds"`
}

// FetchMarkets pages through the Gamma /markets endpoint. Each market is
// keyed by its YES token ID, the same ID the stream subscribes to.
func (d *Discovery) FetchMarkets(ctx context.Context) ([]types.VenueMarket, error) {
	snapshotAt := time.Now()
	var out []types.VenueMarket

	for page := 0; page < maxPages; page++ {
		var batch []gammaMarket
		resp, err := d.client.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"limit":  strconv.Itoa(pageLimit),
				"offset": strconv.Itoa(page * pageLimit),
				"active": "true",
				"closed": "false",
			}).
			SetResult(&batch).
			Get("/markets")
		if err != nil {
			return nil, fmt.Errorf("fetch markets page %d: %w", page, err)
		}
		if resp.IsError() {
			return nil, fmt.Errorf("fetch markets: status %d", resp.StatusCode())
		}

		for _, gm := range batch {
			vm, ok := toVenueMarket(gm, snapshotAt)
			if !ok {
				continue
			}
			out = append(out, vm)
		}

		if len(batch) < pageLimit {
			break
		}
	}

	d.logger.Debug("market snapshot fetched", "count", len(out))
	return out, nil
}

func toVenueMarket(gm gammaMarket, snapshotAt time.Time) (types.VenueMarket, bool) {
	if !gm.Active || gm.Closed || !gm.AcceptingOrders || !gm.EnableOrderBook {
		return types.VenueMarket{}, false
	}

	var tokenIDs []string
	if err := parseJSONArray(gm.ClobTokenIds, &tokenIDs); err != nil || len(tokenIDs) < 1 {
		return types.VenueMarket{}, false
	}

	var priceStrs []string
	yes := 0.0
	if err := parseJSONArray(gm.OutcomePrices, &priceStrs); err == nil && len(priceStrs) >= 1 {
		if p, err := strconv.ParseFloat(priceStrs[0], 64); err == nil {
			yes = p * 100
		}
	}
	if yes <= 0 || yes >= 100 {
		return types.VenueMarket{}, false
	}

	liquidity, _ := strconv.ParseFloat(gm.Liquidity, 64)

	vm := types.VenueMarket{
		ID:            tokenIDs[0],
		Venue:         types.VenuePolymarket,
		Kind:          types.KindPrediction,
		Title:         gm.Question,
		Sport:         strings.ToLower(gm.Category),
		CreatedAt:     snapshotAt,
		YesPriceCents: yes,
		NoPriceCents:  100 - yes,
		Liquidity:     liquidity,
		Volume24h:     gm.Volume24hr,
	}
	if t, err := time.Parse(time.RFC3339, gm.StartDate); err == nil {
		vm.StartTime = t
	}
	if t, err := time.Parse(time.RFC3339, gm.EndDate); err == nil {
		vm.CloseTime = t
	}
	return vm, true
}

// parseJSONArray decodes Gamma's string-encoded arrays like `["a","b"]`.
func parseJSONArray(s string, out *[]string) error {
	if s == "" {
		return fmt.Errorf("empty array field")
	}
	return json.Unmarshal([]byte(s), out)
}
