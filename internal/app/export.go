package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"oracle-consensus/internal/verification"
)

// ExportOptions hold parameters for exporting verification history.
type ExportOptions struct {
	AssetID   string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// Export renders an asset's verification history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.AssetID == "" {
		return errors.New("--asset is required")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.AddDate(0, 0, -a.Config.Retention.RetentionDays)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	results, err := store.ListBetween(ctx, opts.AssetID, from, to, 0)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		a.Logger.Info().Str("asset_id", opts.AssetID).Msg("no verifications found for export window")
		return nil
	}

	downsampled := downsample(results, opts.MaxPoints)
	a.Logger.Info().Int("total", len(results)).Int("exported", len(downsampled)).Msg("exporting verifications")

	if opts.CSVPath != "" {
		if err := writeResultsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeResultsPNG(opts.PNGPath, opts.AssetID, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsample(results []*verification.Result, max int) []*verification.Result {
	if max <= 1 || len(results) <= max {
		return results
	}

	out := make([]*verification.Result, 0, max)
	step := float64(len(results)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(results) {
			idx = len(results) - 1
		}
		out = append(out, results[idx])
	}
	return out
}

func writeResultsCSV(path string, results []*verification.Result) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{
		"created_at", "verification_id", "asset_id", "status", "rejection_reason",
		"claimed_value", "consensus_price", "consensus_percentage", "price_variance",
		"total_oracles", "successful_oracles", "failed_oracles", "outliers", "duration_ms",
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, r := range results {
		record := []string{
			r.CreatedAt.UTC().Format(time.RFC3339Nano),
			r.VerificationID,
			r.AssetID,
			string(r.Status),
			string(r.RejectionReason),
			r.ClaimedValue.String(),
			r.ConsensusPrice.String(),
			r.ConsensusPercentage.String(),
			r.PriceVariance.String(),
			strconv.Itoa(r.TotalOracles),
			strconv.Itoa(r.SuccessfulOracles),
			strconv.Itoa(r.FailedOracles),
			strings.Join(r.Outliers, ";"),
			strconv.FormatInt(r.Duration.Milliseconds(), 10),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

// writeResultsPNG charts consensus against claimed values, with variance on
// the secondary axis. ERROR results carry no consensus price and are skipped.
func writeResultsPNG(path, assetID string, results []*verification.Result) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	var (
		x         []time.Time
		consensus []float64
		claimed   []float64
		variance  []float64
	)
	for _, r := range results {
		if r.Status == verification.StatusError {
			continue
		}
		x = append(x, r.CreatedAt)
		consensus = append(consensus, r.ConsensusPrice.InexactFloat64())
		claimed = append(claimed, r.ClaimedValue.InexactFloat64())
		variance = append(variance, r.PriceVariance.Shift(2).InexactFloat64())
	}
	if len(x) < 2 {
		return errors.New("need at least two decided verifications to draw a chart")
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Title:  assetID,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price",
			ValueFormatter: priceFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Variance (%)",
			ValueFormatter: priceFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Consensus",
				XValues: x,
				YValues: consensus,
			},
			chart.TimeSeries{
				Name:    "Claimed",
				XValues: x,
				YValues: claimed,
			},
			chart.TimeSeries{
				Name:    "Variance %",
				XValues: x,
				YValues: variance,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
