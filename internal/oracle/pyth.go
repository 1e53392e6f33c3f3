package oracle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	pythProvider   = "pyth"
	pythLatestPath = "/v2/updates/price/latest"
	pythHealthPath = "/live"
)

// PythOptions parameterise the Hermes price service adapter.
type PythOptions struct {
	HTTPOptions
	// Feeds maps asset ids to Pyth price feed ids.
	Feeds map[string]string
}

// Pyth reads aggregated prices from a Hermes endpoint.
type Pyth struct {
	Common
	opts   PythOptions
	logger zerolog.Logger
	client *http.Client
}

// NewPyth constructs a Pyth adapter.
func NewPyth(base Common, opts PythOptions, logger zerolog.Logger) *Pyth {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://hermes.pyth.network"
	}
	return &Pyth{
		Common: base,
		opts:   opts,
		logger: logger.With().Str("component", "oracle").Str("oracle_id", base.OracleID).Str("provider", pythProvider).Logger(),
		client: newHTTPClient(opts.Timeout),
	}
}

// Provider names the upstream network.
func (p *Pyth) Provider() string { return pythProvider }

// FetchPrice retrieves the latest parsed price update for the asset.
func (p *Pyth) FetchPrice(ctx context.Context, assetID string) Quote {
	started := time.Now()
	feedID, ok := p.opts.Feeds[assetID]
	if !ok {
		return p.finish(pythProvider, assetID, "", decimal.Decimal{}, started, fmt.Errorf("%w: %s", ErrUnknownAsset, assetID), p.logger)
	}

	price, endpoint, err := tryEndpoints(ctx, p.opts.endpoints(), p.logger, func(ctx context.Context, base string) (decimal.Decimal, error) {
		return p.fetchFrom(ctx, base, feedID)
	})
	return p.finish(pythProvider, assetID, endpoint, price, started, err, p.logger)
}

func (p *Pyth) fetchFrom(ctx context.Context, base, feedID string) (decimal.Decimal, error) {
	query := url.Values{}
	query.Set("ids[]", feedID)
	query.Set("parsed", "true")
	endpoint := base + pythLatestPath + "?" + query.Encode()

	var res pythLatestResponse
	if err := getJSON(ctx, p.client, p.opts.HTTPOptions, endpoint, parsePythError, &res); err != nil {
		return decimal.Decimal{}, err
	}

	want := strings.TrimPrefix(strings.ToLower(feedID), "0x")
	for _, update := range res.Parsed {
		if strings.TrimPrefix(strings.ToLower(update.ID), "0x") != want {
			continue
		}
		raw, err := decimal.NewFromString(update.Price.Price)
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("parse pyth price: %w", err)
		}
		return raw.Shift(update.Price.Expo), nil
	}
	return decimal.Decimal{}, errors.New("pyth response missing requested feed")
}

// HealthCheck probes the Hermes liveness endpoint.
func (p *Pyth) HealthCheck(ctx context.Context) error {
	_, _, err := tryEndpoints(ctx, p.opts.endpoints(), p.logger, func(ctx context.Context, base string) (struct{}, error) {
		return struct{}{}, getJSON(ctx, p.client, p.opts.HTTPOptions, base+pythHealthPath, parsePythError, nil)
	})
	return err
}

type pythLatestResponse struct {
	Parsed []struct {
		ID    string `json:"id"`
		Price struct {
			Price       string `json:"price"`
			Conf        string `json:"conf"`
			Expo        int32  `json:"expo"`
			PublishTime int64  `json:"publish_time"`
		} `json:"price"`
	} `json:"parsed"`
}

func parsePythError(status int, payload []byte) error {
	return providerError(pythProvider, status, payload, "message", "error")
}

var _ Adapter = (*Pyth)(nil)
