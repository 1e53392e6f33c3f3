package app

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"oracle-consensus/internal/health"
	"oracle-consensus/internal/oracle"
	"oracle-consensus/internal/verification"
)

func (a *App) printJSON(v any) error {
	enc := json.NewEncoder(a.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printResult renders a single verification with its per-oracle audit trail.
func (a *App) printResult(res *verification.Result, asJSON bool) error {
	if asJSON {
		return a.printJSON(res)
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Verification\t%s\n", res.VerificationID)
	fmt.Fprintf(writer, "Asset\t%s\n", res.AssetID)
	fmt.Fprintf(writer, "Status\t%s\n", statusLine(res))
	fmt.Fprintf(writer, "Claimed\t%s\n", res.ClaimedValue.String())
	fmt.Fprintf(writer, "Consensus\t%s\n", res.ConsensusPrice.String())
	fmt.Fprintf(writer, "Agreement\t%s%% (reached=%t)\n", formatPct(res.ConsensusPercentage), res.ConsensusReached)
	fmt.Fprintf(writer, "Variance\t%s%% (within=%t)\n", formatPct(res.PriceVariance), res.WithinTolerance)
	fmt.Fprintf(writer, "Oracles\t%d total, %d ok, %d failed\n", res.TotalOracles, res.SuccessfulOracles, res.FailedOracles)
	fmt.Fprintf(writer, "Range\t%s .. %s (avg %s, stddev %s)\n",
		formatDecimal(res.MinPrice, 4), formatDecimal(res.MaxPrice, 4),
		formatDecimal(res.AvgPrice, 4), formatDecimal(res.StdDevPrice, 4))
	if len(res.Outliers) > 0 {
		fmt.Fprintf(writer, "Outliers\t%s\n", strings.Join(res.Outliers, ","))
	}
	fmt.Fprintf(writer, "Duration\t%s\n", res.Duration.Round(time.Microsecond))
	fmt.Fprintf(writer, "Created (UTC)\t%s\n", res.CreatedAt.UTC().Format(time.RFC3339Nano))
	fmt.Fprintln(writer)

	fmt.Fprintln(writer, "Oracle\tProvider\tStatus\tPrice\tSigned\tLatency\tError")
	for _, q := range res.Quotes {
		price := "-"
		if q.Status == oracle.StatusSuccess {
			price = q.Price.String()
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
			q.OracleID, q.Provider, q.Status, price, q.SignatureValid,
			q.Latency.Round(time.Millisecond), sanitizeInline(q.Error))
	}
	return writer.Flush()
}

func (a *App) printHistory(results []*verification.Result, asJSON bool) error {
	if asJSON {
		return a.printJSON(results)
	}
	if len(results) == 0 {
		fmt.Fprintln(a.Out, "no verifications found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tVerification\tStatus\tClaimed\tConsensus\tVariance%\tOracles")
	for _, res := range results {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%d/%d\n",
			res.CreatedAt.UTC().Format(time.RFC3339),
			res.VerificationID,
			statusLine(res),
			res.ClaimedValue.String(),
			res.ConsensusPrice.String(),
			formatPct(res.PriceVariance),
			res.SuccessfulOracles, res.TotalOracles,
		)
	}
	return writer.Flush()
}

func (a *App) printHealth(records []health.Record, healthy bool, asJSON bool) error {
	if asJSON {
		return a.printJSON(struct {
			Healthy bool            `json:"healthy"`
			Oracles []health.Record `json:"oracles"`
		}{healthy, records})
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Oracle\tScore\tActive\tFailures\tLast success\tLast error")
	for _, rec := range records {
		lastSuccess := "-"
		if !rec.LastSuccess.IsZero() {
			lastSuccess = rec.LastSuccess.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(writer, "%s\t%.4f\t%t\t%d\t%s\t%s\n",
			rec.OracleID, rec.Score, rec.Active, rec.ConsecutiveFailures, lastSuccess, sanitizeInline(rec.LastError))
	}
	fmt.Fprintf(writer, "\nService healthy: %t\n", healthy)
	return writer.Flush()
}

func statusLine(res *verification.Result) string {
	if res.RejectionReason == verification.ReasonNone {
		return string(res.Status)
	}
	return fmt.Sprintf("%s (%s)", res.Status, res.RejectionReason)
}

func formatPct(d decimal.Decimal) string {
	return d.Mul(decimal.NewFromInt(100)).StringFixed(3)
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
