package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"oracle-consensus/internal/oracle"
	"oracle-consensus/internal/verification"
)

// insertColumns is shared by the live table, the archive copy and scans.
const insertColumns = `verification_id,
        asset_id,
        claimed_value,
        consensus_price,
        consensus_reached,
        consensus_percentage,
        price_variance,
        within_tolerance,
        status,
        rejection_reason,
        total_oracles,
        successful_oracles,
        failed_oracles,
        min_price,
        max_price,
        avg_price,
        stddev_price,
        duration_ns,
        quotes,
        outliers,
        created_at`

// selectColumns casts numerics to text so decimals round-trip exactly.
const selectColumns = `verification_id::text,
        asset_id,
        claimed_value::text,
        consensus_price::text,
        consensus_reached,
        consensus_percentage::text,
        price_variance::text,
        within_tolerance,
        status,
        rejection_reason,
        total_oracles,
        successful_oracles,
        failed_oracles,
        min_price::text,
        max_price::text,
        avg_price::text,
        stddev_price::text,
        duration_ns,
        quotes,
        outliers,
        created_at`

// resultArgs flattens a result into insertColumns order.
func resultArgs(r *verification.Result) ([]any, error) {
	quotes := r.Quotes
	if quotes == nil {
		quotes = []oracle.Quote{}
	}
	payload, err := json.Marshal(quotes)
	if err != nil {
		return nil, fmt.Errorf("marshal quotes: %w", err)
	}
	outliers := r.Outliers
	if outliers == nil {
		outliers = []string{}
	}

	return []any{
		r.VerificationID,
		r.AssetID,
		r.ClaimedValue.String(),
		r.ConsensusPrice.String(),
		r.ConsensusReached,
		r.ConsensusPercentage.String(),
		r.PriceVariance.String(),
		r.WithinTolerance,
		string(r.Status),
		string(r.RejectionReason),
		r.TotalOracles,
		r.SuccessfulOracles,
		r.FailedOracles,
		r.MinPrice.String(),
		r.MaxPrice.String(),
		r.AvgPrice.String(),
		r.StdDevPrice.String(),
		r.Duration.Nanoseconds(),
		payload,
		outliers,
		r.CreatedAt,
	}, nil
}

func scanResult(row pgx.Row) (*verification.Result, error) {
	var (
		r            verification.Result
		claimed      string
		consensusPx  string
		consensusPct string
		variance     string
		status       string
		reason       string
		minPx        string
		maxPx        string
		avgPx        string
		stddevPx     string
		durationNS   int64
		quotes       []byte
		outliers     []string
		createdAt    time.Time
	)

	if err := row.Scan(
		&r.VerificationID,
		&r.AssetID,
		&claimed,
		&consensusPx,
		&r.ConsensusReached,
		&consensusPct,
		&variance,
		&r.WithinTolerance,
		&status,
		&reason,
		&r.TotalOracles,
		&r.SuccessfulOracles,
		&r.FailedOracles,
		&minPx,
		&maxPx,
		&avgPx,
		&stddevPx,
		&durationNS,
		&quotes,
		&outliers,
		&createdAt,
	); err != nil {
		return nil, err
	}

	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"claimed_value", claimed, &r.ClaimedValue},
		{"consensus_price", consensusPx, &r.ConsensusPrice},
		{"consensus_percentage", consensusPct, &r.ConsensusPercentage},
		{"price_variance", variance, &r.PriceVariance},
		{"min_price", minPx, &r.MinPrice},
		{"max_price", maxPx, &r.MaxPrice},
		{"avg_price", avgPx, &r.AvgPrice},
		{"stddev_price", stddevPx, &r.StdDevPrice},
	}
	for _, f := range fields {
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", f.name, err)
		}
		*f.dst = d
	}

	if err := json.Unmarshal(quotes, &r.Quotes); err != nil {
		return nil, fmt.Errorf("decode quotes: %w", err)
	}
	if len(r.Quotes) == 0 {
		r.Quotes = nil
	}
	if len(outliers) > 0 {
		r.Outliers = outliers
	}
	r.Status = verification.Status(status)
	r.RejectionReason = verification.Reason(reason)
	r.Duration = time.Duration(durationNS)
	r.CreatedAt = createdAt.UTC()
	return &r, nil
}
