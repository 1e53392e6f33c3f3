package consensus

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplesOf(prices ...float64) []Sample {
	out := make([]Sample, len(prices))
	for i, p := range prices {
		out[i] = Sample{OracleID: fmt.Sprintf("o%d", i+1), Price: decimal.NewFromFloat(p), Weight: decimal.NewFromInt(1)}
	}
	return out
}

func priceSet(samples []Sample) []string {
	out := make([]string, len(samples))
	for i, s := range samples {
		out[i] = s.Price.String()
	}
	return out
}

var tol5 = decimal.NewFromFloat(0.05)

func TestQuantile(t *testing.T) {
	prices := []decimal.Decimal{decimal.NewFromInt(1), decimal.NewFromInt(2), decimal.NewFromInt(3), decimal.NewFromInt(4)}
	assert.Equal(t, "1.75", Quantile(prices, decimal.NewFromFloat(0.25)).String())
	assert.Equal(t, "2.5", Quantile(prices, decimal.NewFromFloat(0.5)).String())
	assert.Equal(t, "3.25", Quantile(prices, decimal.NewFromFloat(0.75)).String())
	assert.Equal(t, "4", Quantile(prices, decimal.NewFromInt(1)).String())
	assert.True(t, Quantile(nil, decimal.NewFromFloat(0.5)).IsZero())
}

func TestRemoveOutliersSmallSetDropsFarPrice(t *testing.T) {
	got := RemoveOutliers(samplesOf(43000, 100000, 43010), tol5)
	assert.Equal(t, []string{"43000", "43010"}, priceSet(got.Retained))
	require.Len(t, got.Removed, 1)
	assert.Equal(t, "o2", got.Removed[0].OracleID)
	assert.False(t, got.Trimmed)
}

func TestRemoveOutliersKeepsTightCluster(t *testing.T) {
	got := RemoveOutliers(samplesOf(43250, 43260, 43280), tol5)
	assert.Len(t, got.Retained, 3)
	assert.Empty(t, got.Removed)
}

func TestRemoveOutliersIQRFenceIgnoresTolerance(t *testing.T) {
	// Q1 = Q3 = 100, so the band is [100, 100] even though 103 is within 5%.
	got := RemoveOutliers(samplesOf(100, 100, 100, 100, 103), tol5)
	assert.Equal(t, []string{"103"}, priceSet(got.Removed))
	assert.Len(t, got.Retained, 4)
	assert.True(t, got.Fence.Equal(NarrowFence))
	assert.False(t, got.Trimmed)
}

func TestRemoveOutliersMADFenceToleranceFloor(t *testing.T) {
	// MAD is zero; the floor keeps 100.01 in a three-sample set.
	got := RemoveOutliers(samplesOf(100, 100, 100.01), tol5)
	assert.Empty(t, got.Removed)
}

func TestRemoveOutliersIQRFence(t *testing.T) {
	got := RemoveOutliers(samplesOf(100, 101, 102, 103, 104, 200), tol5)
	assert.Equal(t, []string{"200"}, priceSet(got.Removed))
	assert.True(t, got.Fence.Equal(NarrowFence))
}

func TestRemoveOutliersWidensFence(t *testing.T) {
	got := RemoveOutliers(samplesOf(82, 100, 105, 110, 140), decimal.NewFromFloat(0.01))
	assert.Equal(t, []string{"140"}, priceSet(got.Removed))
	assert.True(t, got.Fence.Equal(WideFence))
	assert.False(t, got.Trimmed)
}

func TestRemoveOutliersTrimsToByzantineBound(t *testing.T) {
	got := RemoveOutliers(samplesOf(10, 11, 50, 50, 50, 50, 50, 89, 90), tol5)
	require.True(t, got.Trimmed)
	require.Len(t, got.Removed, 3)
	assert.ElementsMatch(t, []string{"10", "11", "90"}, priceSet(got.Removed))
	assert.Len(t, got.Retained, 6)
}

func TestRemoveOutliersNeverExceedsBound(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for iter := 0; iter < 500; iter++ {
		n := 3 + rng.Intn(12)
		prices := make([]float64, n)
		for i := range prices {
			if rng.Intn(3) == 0 {
				prices[i] = rng.Float64() * 100000
			} else {
				prices[i] = 43000 + rng.Float64()*100
			}
		}
		got := RemoveOutliers(samplesOf(prices...), tol5)
		require.LessOrEqual(t, len(got.Removed), MaxFaulty(n), "prices=%v", prices)
		require.Equal(t, n, len(got.Removed)+len(got.Retained))
	}
}

func TestRemoveOutliersOrderIndependent(t *testing.T) {
	a := RemoveOutliers(samplesOf(43000, 43010, 100000, 43020), tol5)
	b := RemoveOutliers([]Sample{
		{OracleID: "o3", Price: decimal.NewFromInt(100000), Weight: decimal.NewFromInt(1)},
		{OracleID: "o4", Price: decimal.NewFromInt(43020), Weight: decimal.NewFromInt(1)},
		{OracleID: "o1", Price: decimal.NewFromInt(43000), Weight: decimal.NewFromInt(1)},
		{OracleID: "o2", Price: decimal.NewFromInt(43010), Weight: decimal.NewFromInt(1)},
	}, tol5)
	assert.Equal(t, priceSet(a.Retained), priceSet(b.Retained))
	assert.Equal(t, priceSet(a.Removed), priceSet(b.Removed))
}

func TestWeightedMedianScenario(t *testing.T) {
	samples := []Sample{
		{OracleID: "chainlink", Price: decimal.NewFromInt(43250), Weight: decimal.NewFromFloat(1.5)},
		{OracleID: "pyth", Price: decimal.NewFromInt(43260), Weight: decimal.NewFromFloat(1.3)},
		{OracleID: "band", Price: decimal.NewFromInt(43280), Weight: decimal.NewFromFloat(1.2)},
	}
	median := WeightedMedian(samples)
	assert.True(t, median.Sub(decimal.NewFromInt(43265)).Abs().LessThanOrEqual(decimal.NewFromInt(15)), median.String())
	assert.Equal(t, "43260", median.String())
}

func TestWeightedMedianFollowsHeavyStake(t *testing.T) {
	samples := []Sample{
		{OracleID: "a", Price: decimal.NewFromInt(100), Weight: decimal.NewFromInt(5)},
		{OracleID: "b", Price: decimal.NewFromInt(110), Weight: decimal.NewFromInt(1)},
		{OracleID: "c", Price: decimal.NewFromInt(120), Weight: decimal.NewFromInt(1)},
	}
	assert.Equal(t, "100", WeightedMedian(samples).String())
}

func TestWeightedMedianEqualWeightsEvenCount(t *testing.T) {
	assert.Equal(t, "43005", WeightedMedian(samplesOf(43010, 43000)).String())
	assert.True(t, WeightedMedian(nil).IsZero())
}

func TestRelativeDeviation(t *testing.T) {
	dev := RelativeDeviation(decimal.NewFromInt(120), decimal.NewFromInt(100))
	assert.Equal(t, "0.2", dev.String())
	assert.False(t, WithinTolerance(decimal.NewFromInt(120), decimal.NewFromInt(100), tol5))
	assert.True(t, WithinTolerance(decimal.NewFromInt(105), decimal.NewFromInt(100), tol5))
}

func TestSummarize(t *testing.T) {
	s := Summarize(samplesOf(2, 4, 4, 4, 5, 5, 7, 9))
	assert.Equal(t, "2", s.Min.String())
	assert.Equal(t, "9", s.Max.String())
	assert.Equal(t, "5", s.Mean.String())
	assert.Equal(t, "2", s.StdDev.String())
	assert.True(t, Summarize(nil).Mean.IsZero())
}
