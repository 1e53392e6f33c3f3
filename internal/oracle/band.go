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
	bandProvider   = "band"
	bandPricesPath = "/oracle/v1/request_prices"
	bandParamsPath = "/oracle/v1/params"
)

// BandOptions parameterise the Band standard dataset adapter.
type BandOptions struct {
	HTTPOptions
	// Symbols maps asset ids to Band symbols, e.g. BTC-USD -> BTC.
	Symbols map[string]string
}

// Band reads reference prices from a Band REST gateway.
type Band struct {
	Common
	opts   BandOptions
	logger zerolog.Logger
	client *http.Client
}

// NewBand constructs a Band adapter.
func NewBand(base Common, opts BandOptions, logger zerolog.Logger) *Band {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://laozi1.bandchain.org/api"
	}
	return &Band{
		Common: base,
		opts:   opts,
		logger: logger.With().Str("component", "oracle").Str("oracle_id", base.OracleID).Str("provider", bandProvider).Logger(),
		client: newHTTPClient(opts.Timeout),
	}
}

// Provider names the upstream network.
func (b *Band) Provider() string { return bandProvider }

// FetchPrice retrieves px/multiplier for the mapped symbol.
func (b *Band) FetchPrice(ctx context.Context, assetID string) Quote {
	started := time.Now()
	symbol, ok := b.symbol(assetID)
	if !ok {
		return b.finish(bandProvider, assetID, "", decimal.Decimal{}, started, fmt.Errorf("%w: %s", ErrUnknownAsset, assetID), b.logger)
	}

	price, endpoint, err := tryEndpoints(ctx, b.opts.endpoints(), b.logger, func(ctx context.Context, base string) (decimal.Decimal, error) {
		return b.fetchFrom(ctx, base, symbol)
	})
	return b.finish(bandProvider, assetID, endpoint, price, started, err, b.logger)
}

func (b *Band) symbol(assetID string) (string, bool) {
	if sym, ok := b.opts.Symbols[assetID]; ok {
		return sym, true
	}
	return "", false
}

func (b *Band) fetchFrom(ctx context.Context, base, symbol string) (decimal.Decimal, error) {
	query := url.Values{}
	query.Set("symbols", symbol)
	endpoint := base + bandPricesPath + "?" + query.Encode()

	var res bandPricesResponse
	if err := getJSON(ctx, b.client, b.opts.HTTPOptions, endpoint, parseBandError, &res); err != nil {
		return decimal.Decimal{}, err
	}

	for _, result := range res.PriceResults {
		if !strings.EqualFold(result.Symbol, symbol) {
			continue
		}
		px, err := decimal.NewFromString(result.Px)
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("parse band px: %w", err)
		}
		multiplier, err := decimal.NewFromString(result.Multiplier)
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("parse band multiplier: %w", err)
		}
		if multiplier.IsZero() {
			return decimal.Decimal{}, errors.New("band multiplier is zero")
		}
		return px.Div(multiplier), nil
	}
	return decimal.Decimal{}, errors.New("band response missing requested symbol")
}

// HealthCheck queries the oracle module params, which is cheap and always present.
func (b *Band) HealthCheck(ctx context.Context) error {
	_, _, err := tryEndpoints(ctx, b.opts.endpoints(), b.logger, func(ctx context.Context, base string) (struct{}, error) {
		return struct{}{}, getJSON(ctx, b.client, b.opts.HTTPOptions, base+bandParamsPath, parseBandError, nil)
	})
	return err
}

type bandPricesResponse struct {
	PriceResults []struct {
		Symbol      string `json:"symbol"`
		Multiplier  string `json:"multiplier"`
		Px          string `json:"px"`
		RequestID   string `json:"request_id"`
		ResolveTime string `json:"resolve_time"`
	} `json:"price_results"`
}

func parseBandError(status int, payload []byte) error {
	return providerError(bandProvider, status, payload, "message", "error")
}

var _ Adapter = (*Band)(nil)
