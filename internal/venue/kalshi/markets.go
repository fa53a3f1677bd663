package kalshi

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
	pageLimit        = 200
	maxPages         = 10
)

// Discovery fetches the open Kalshi market universe over REST.
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
		SetRetryWaitTime(500 * time.Millisecond)
	if cfg.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}
	return &Discovery{
		client: client,
		logger: logger.With("component", "discovery", "venue", string(types.VenueKalshi)),
	}
}

type marketsResponse struct {
	Markets []restMarket `json:"markets"`
	Cursor  string       `json:"cursor"`
}

type restMarket struct {
	Ticker    string `json:"ticker"`
	Title     string `json:"title"`
	Category  string `json:"category"`
	Status    string `json:"status"`
	YesBid    int    `json:"yes_bid"`
	YesAsk    int    `json:"yes_ask"`
	LastPrice int    `json:"last_price"`
	OpenTime  string `json:"open_time"`
	CloseTime string `json:"close_time"`
	Liquidity int64  `json:"liquidity"`
	Volume24h int64  `json:"volume_24h"`
}

// FetchMarkets pages through /trade-api/v2/markets and returns the open
// universe as normalized VenueMarkets. CreatedAt is the snapshot time so
// snapshot prices age from the moment they were fetched.
func (d *Discovery) FetchMarkets(ctx context.Context) ([]types.VenueMarket, error) {
	snapshotAt := time.Now()
	var out []types.VenueMarket
	cursor := ""

	for page := 0; page < maxPages; page++ {
		var body marketsResponse
		req := d.client.R().
			SetContext(ctx).
			SetQueryParam("limit", fmt.Sprint(pageLimit)).
			SetQueryParam("status", "open").
			SetResult(&body)
		if cursor != "" {
			req.SetQueryParam("cursor", cursor)
		}

		resp, err := req.Get("/trade-api/v2/markets")
		if err != nil {
			return nil, fmt.Errorf("fetch markets: %w", err)
		}
		if resp.IsError() {
			return nil, fmt.Errorf("fetch markets: status %d", resp.StatusCode())
		}

		for _, m := range body.Markets {
			vm, ok := toVenueMarket(m, snapshotAt)
			if !ok {
				continue
			}
			out = append(out, vm)
		}

		if body.Cursor == "" || len(body.Markets) < pageLimit {
			break
		}
		cursor = body.Cursor
	}

	d.logger.Debug("market snapshot fetched", "count", len(out))
	return out, nil
}

func toVenueMarket(m restMarket, snapshotAt time.Time) (types.VenueMarket, bool) {
	if m.Ticker == "" || m.Status != "" && m.Status != "active" && m.Status != "open" {
		return types.VenueMarket{}, false
	}

	var yes float64
	switch {
	case m.YesBid > 0 && m.YesAsk > 0:
		yes = float64(m.YesBid+m.YesAsk) / 2
	case m.YesBid > 0:
		yes = float64(m.YesBid)
	case m.YesAsk > 0:
		yes = float64(m.YesAsk)
	default:
		yes = float64(m.LastPrice)
	}
	if yes <= 0 || yes >= 100 {
		return types.VenueMarket{}, false
	}

	vm := types.VenueMarket{
		ID:            m.Ticker,
		Venue:         types.VenueKalshi,
		Kind:          types.KindPrediction,
		Title:         m.Title,
		Sport:         strings.ToLower(m.Category),
		CreatedAt:     snapshotAt,
		YesPriceCents: yes,
		NoPriceCents:  100 - yes,
		Liquidity:     float64(m.Liquidity) / 100,
		Volume24h:     float64(m.Volume24h),
	}
	if t, err := time.Parse(time.RFC3339, m.OpenTime); err == nil {
		vm.StartTime = t
	}
	if t, err := time.Parse(time.RFC3339, m.CloseTime); err == nil {
		vm.CloseTime = t
	}
	return vm, true
}
