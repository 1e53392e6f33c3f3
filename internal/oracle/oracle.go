package oracle

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"oracle-consensus/internal/signing"
)

// FetchStatus reports how a single fetch attempt ended.
type FetchStatus string

const (
	StatusSuccess FetchStatus = "success"
	StatusTimeout FetchStatus = "timeout"
	StatusError   FetchStatus = "error"
)

var (
	// ErrUnknownAsset indicates the adapter has no feed mapped for the asset.
	ErrUnknownAsset = errors.New("oracle: asset not supported by provider")
	// ErrNonPositivePrice indicates the provider returned zero or a negative answer.
	ErrNonPositivePrice = errors.New("oracle: provider returned non-positive price")
	// ErrNoEndpoints indicates neither a primary nor a fallback endpoint is configured.
	ErrNoEndpoints = errors.New("oracle: no endpoints configured")
)

// Quote is one provider's signed answer for an asset.
type Quote struct {
	OracleID       string          `json:"oracle_id"`
	Provider       string          `json:"provider"`
	AssetID        string          `json:"asset_id"`
	Price          decimal.Decimal `json:"price"`
	Signature      hexutil.Bytes   `json:"signature,omitempty"`
	SignatureValid bool            `json:"signature_valid"`
	Latency        time.Duration   `json:"latency_ns"`
	Status         FetchStatus     `json:"status"`
	Endpoint       string          `json:"endpoint,omitempty"`
	Error          string          `json:"error,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Usable reports whether the quote may take part in consensus.
func (q Quote) Usable() bool {
	return q.Status == StatusSuccess && q.SignatureValid
}

// Adapter fetches signed quotes from a single provider.
type Adapter interface {
	ID() string
	Provider() string
	StakeWeight() decimal.Decimal
	// FetchPrice never returns an error; failures are reported in the quote.
	FetchPrice(ctx context.Context, assetID string) Quote
	HealthCheck(ctx context.Context) error
}

// TimeoutQuote records an adapter that did not answer before the deadline.
func TimeoutQuote(a Adapter, assetID string, latency time.Duration) Quote {
	return Quote{
		OracleID:  a.ID(),
		Provider:  a.Provider(),
		AssetID:   assetID,
		Latency:   latency,
		Status:    StatusTimeout,
		Error:     context.DeadlineExceeded.Error(),
		Timestamp: now(),
	}
}

// ErrorQuote records an adapter failure.
func ErrorQuote(a Adapter, assetID string, latency time.Duration, err error) Quote {
	return Quote{
		OracleID:  a.ID(),
		Provider:  a.Provider(),
		AssetID:   assetID,
		Latency:   latency,
		Status:    classify(err),
		Error:     err.Error(),
		Timestamp: now(),
	}
}

// Common holds the identity, weight and attestation key every adapter carries.
type Common struct {
	OracleID string
	Weight   decimal.Decimal
	Signer   *signing.Signer
}

func (c Common) ID() string                   { return c.OracleID }
func (c Common) StakeWeight() decimal.Decimal { return c.Weight }

// finish builds the quote for a completed fetch, signing the answer and
// self-checking the signature.
func (c Common) finish(provider, assetID, endpoint string, price decimal.Decimal, started time.Time, fetchErr error, logger zerolog.Logger) Quote {
	q := Quote{
		OracleID:  c.OracleID,
		Provider:  provider,
		AssetID:   assetID,
		Endpoint:  endpoint,
		Latency:   time.Since(started),
		Timestamp: now(),
	}
	if fetchErr == nil && !price.IsPositive() {
		fetchErr = ErrNonPositivePrice
	}
	if fetchErr != nil {
		q.Status = classify(fetchErr)
		q.Error = fetchErr.Error()
		logger.Warn().Err(fetchErr).Str("asset_id", assetID).Str("status", string(q.Status)).Msg("fetch failed")
		return q
	}

	q.Status = StatusSuccess
	q.Price = price

	sig, err := c.Signer.Sign(assetID, price, c.OracleID)
	if err != nil {
		q.Error = fmt.Sprintf("sign quote: %v", err)
		logger.Warn().Err(err).Str("asset_id", assetID).Msg("quote left unsigned")
		return q
	}
	q.Signature = sig
	q.SignatureValid = signing.Verify(c.Signer.Address(), assetID, price, c.OracleID, sig) == nil
	return q
}

func classify(err error) FetchStatus {
	if errors.Is(err, context.DeadlineExceeded) {
		return StatusTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return StatusTimeout
	}
	return StatusError
}

func now() time.Time {
	return time.Now().UTC()
}

// tryEndpoints calls fn against each endpoint in order until one succeeds.
func tryEndpoints[T any](ctx context.Context, endpoints []string, logger zerolog.Logger, fn func(ctx context.Context, endpoint string) (T, error)) (T, string, error) {
	var zero T
	if len(endpoints) == 0 {
		return zero, "", ErrNoEndpoints
	}

	var errs []error
	for i, endpoint := range endpoints {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		val, err := fn(ctx, endpoint)
		if err == nil {
			if i > 0 {
				logger.Info().Str("endpoint", endpoint).Int("attempt", i+1).Msg("fallback endpoint answered")
			}
			return val, endpoint, nil
		}
		if errors.Is(err, ErrUnknownAsset) {
			return zero, endpoint, err
		}
		logger.Debug().Err(err).Str("endpoint", endpoint).Msg("endpoint failed")
		errs = append(errs, fmt.Errorf("%s: %w", endpoint, err))
	}
	return zero, "", errors.Join(errs...)
}

func endpointList(primary string, fallbacks []string) []string {
	out := make([]string, 0, len(fallbacks)+1)
	if primary != "" {
		out = append(out, primary)
	}
	for _, f := range fallbacks {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
