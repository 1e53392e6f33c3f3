// Package consensus holds the order-independent statistics behind a
// verification decision: outlier fences, the ⌊n/3⌋ fault bound and the
// stake-weighted median.
package consensus

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"
)

var (
	// NarrowFence and WideFence are the IQR multipliers tried in order.
	NarrowFence = decimal.NewFromFloat(1.5)
	WideFence   = decimal.NewFromFloat(2.5)

	// madScale makes the median absolute deviation comparable to a standard deviation.
	madScale = decimal.NewFromFloat(1.4826)

	two = decimal.NewFromInt(2)
)

// Sample is one valid price taking part in aggregation.
type Sample struct {
	OracleID string
	Price    decimal.Decimal
	Weight   decimal.Decimal
}

// Filtered is the outcome of outlier detection.
type Filtered struct {
	Retained []Sample
	Removed  []Sample
	// Fence is the multiplier that produced the final band.
	Fence decimal.Decimal
	// Trimmed is set when even the wide band flagged too many samples and
	// only the most extreme ones were dropped.
	Trimmed bool
}

// MaxFaulty is the Byzantine bound ⌊n/3⌋.
func MaxFaulty(n int) int {
	return n / 3
}

// SortSamples orders samples by price then oracle id so every later step is
// independent of arrival order.
func SortSamples(samples []Sample) []Sample {
	out := make([]Sample, len(samples))
	copy(out, samples)
	sort.SliceStable(out, func(i, j int) bool {
		if c := out[i].Price.Cmp(out[j].Price); c != 0 {
			return c < 0
		}
		return out[i].OracleID < out[j].OracleID
	})
	return out
}

// RemoveOutliers drops prices outside the fence around the central band.
// Four or more samples use Tukey's IQR fence; three samples use a MAD fence
// since their quartiles collapse onto the extremes, and within that fence a
// price within tolerance of the median is never flagged. At most ⌊n/3⌋
// samples are removed.
func RemoveOutliers(samples []Sample, tolerance decimal.Decimal) Filtered {
	sorted := SortSamples(samples)
	n := len(sorted)
	if n < 3 {
		return Filtered{Retained: sorted, Fence: NarrowFence}
	}

	prices := make([]decimal.Decimal, n)
	for i, s := range sorted {
		prices[i] = s.Price
	}
	median := Quantile(prices, decimal.NewFromFloat(0.5))
	floor := median.Abs().Mul(tolerance)
	limit := MaxFaulty(n)

	var flagged []int
	fence := NarrowFence
	for _, k := range []decimal.Decimal{NarrowFence, WideFence} {
		fence = k
		lo, hi := band(prices, median, k, floor)
		flagged = flagged[:0]
		for i, p := range prices {
			if p.LessThan(lo) || p.GreaterThan(hi) {
				flagged = append(flagged, i)
			}
		}
		if len(flagged) <= limit {
			break
		}
	}

	trimmed := false
	if len(flagged) > limit {
		// keep the limit most distant from the median
		sort.SliceStable(flagged, func(a, b int) bool {
			da := prices[flagged[a]].Sub(median).Abs()
			db := prices[flagged[b]].Sub(median).Abs()
			if c := da.Cmp(db); c != 0 {
				return c > 0
			}
			return sorted[flagged[a]].OracleID < sorted[flagged[b]].OracleID
		})
		flagged = flagged[:limit]
		trimmed = true
	}

	drop := make(map[int]struct{}, len(flagged))
	for _, i := range flagged {
		drop[i] = struct{}{}
	}
	out := Filtered{Fence: fence, Trimmed: trimmed}
	for i, s := range sorted {
		if _, ok := drop[i]; ok {
			out.Removed = append(out.Removed, s)
			continue
		}
		out.Retained = append(out.Retained, s)
	}
	return out
}

// band returns the inclusive [lo, hi] acceptance interval. The IQR fence is
// used as is. The MAD fence never shrinks below floor around the median,
// since three tightly clustered prices have a MAD near zero.
func band(prices []decimal.Decimal, median, k, floor decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	if len(prices) >= 4 {
		q1 := Quantile(prices, decimal.NewFromFloat(0.25))
		q3 := Quantile(prices, decimal.NewFromFloat(0.75))
		spread := q3.Sub(q1).Mul(k)
		return q1.Sub(spread), q3.Add(spread)
	}

	spread := MAD(prices, median).Mul(madScale).Mul(k)
	if spread.LessThan(floor) {
		spread = floor
	}
	return median.Sub(spread), median.Add(spread)
}

// Quantile interpolates linearly between closest ranks of sorted prices.
func Quantile(sorted []decimal.Decimal, q decimal.Decimal) decimal.Decimal {
	n := len(sorted)
	if n == 0 {
		return decimal.Zero
	}
	if n == 1 {
		return sorted[0]
	}
	pos := q.Mul(decimal.NewFromInt(int64(n - 1)))
	lower := pos.Floor()
	idx := int(lower.IntPart())
	if idx >= n-1 {
		return sorted[n-1]
	}
	frac := pos.Sub(lower)
	return sorted[idx].Add(sorted[idx+1].Sub(sorted[idx]).Mul(frac))
}

// MAD is the median absolute deviation around median.
func MAD(prices []decimal.Decimal, median decimal.Decimal) decimal.Decimal {
	devs := make([]decimal.Decimal, len(prices))
	for i, p := range prices {
		devs[i] = p.Sub(median).Abs()
	}
	sort.Slice(devs, func(i, j int) bool { return devs[i].LessThan(devs[j]) })
	return Quantile(devs, decimal.NewFromFloat(0.5))
}

// WeightedMedian returns the price at which cumulative stake weight first
// reaches half the total. An exact tie at the half-way mark averages the two
// neighbouring prices, which reduces to the ordinary median for equal weights.
func WeightedMedian(samples []Sample) decimal.Decimal {
	sorted := SortSamples(samples)
	if len(sorted) == 0 {
		return decimal.Zero
	}

	total := decimal.Zero
	for _, s := range sorted {
		total = total.Add(effectiveWeight(s))
	}
	if total.IsZero() {
		return Quantile(priceList(sorted), decimal.NewFromFloat(0.5))
	}
	half := total.Div(two)

	cum := decimal.Zero
	for i, s := range sorted {
		cum = cum.Add(effectiveWeight(s))
		switch cum.Cmp(half) {
		case 0:
			if i+1 < len(sorted) {
				return s.Price.Add(sorted[i+1].Price).Div(two)
			}
			return s.Price
		case 1:
			return s.Price
		}
	}
	return sorted[len(sorted)-1].Price
}

func effectiveWeight(s Sample) decimal.Decimal {
	if s.Weight.IsNegative() {
		return decimal.Zero
	}
	return s.Weight
}

func priceList(samples []Sample) []decimal.Decimal {
	out := make([]decimal.Decimal, len(samples))
	for i, s := range samples {
		out[i] = s.Price
	}
	return out
}

// WithinTolerance reports |price − reference| ÷ reference ≤ tolerance.
func WithinTolerance(price, reference, tolerance decimal.Decimal) bool {
	return RelativeDeviation(price, reference).LessThanOrEqual(tolerance)
}

// RelativeDeviation is |price − reference| ÷ reference.
func RelativeDeviation(price, reference decimal.Decimal) decimal.Decimal {
	if reference.IsZero() {
		return decimal.Zero
	}
	return price.Sub(reference).Abs().Div(reference.Abs())
}

// Summary describes the spread of the retained prices.
type Summary struct {
	Min    decimal.Decimal
	Max    decimal.Decimal
	Mean   decimal.Decimal
	StdDev decimal.Decimal
}

// Summarize computes min, max, mean and population standard deviation.
func Summarize(samples []Sample) Summary {
	if len(samples) == 0 {
		return Summary{}
	}
	lo, hi, sum := samples[0].Price, samples[0].Price, decimal.Zero
	for _, s := range samples {
		if s.Price.LessThan(lo) {
			lo = s.Price
		}
		if s.Price.GreaterThan(hi) {
			hi = s.Price
		}
		sum = sum.Add(s.Price)
	}
	count := decimal.NewFromInt(int64(len(samples)))
	mean := sum.Div(count)

	variance := decimal.Zero
	for _, s := range samples {
		d := s.Price.Sub(mean)
		variance = variance.Add(d.Mul(d))
	}
	variance = variance.Div(count)

	// decimal has no square root
	std := decimal.NewFromFloat(math.Sqrt(variance.InexactFloat64())).Round(8)

	return Summary{Min: lo, Max: hi, Mean: mean, StdDev: std}
}
