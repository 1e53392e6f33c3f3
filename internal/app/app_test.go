package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oracle-consensus/internal/config"
	"oracle-consensus/internal/storage"
	"oracle-consensus/internal/verification"
)

const btcFeed = "e62df6c8b4a85fe1a67db44dc12de5db330f7ac66b72dc658afedf0f4a415b43"

func pythStub(t *testing.T, price string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/live" {
			w.WriteHeader(http.StatusOK)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"parsed": []map[string]any{{
				"id":    btcFeed,
				"price": map[string]any{"price": price, "conf": "1", "expo": 0, "publish_time": time.Now().Unix()},
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func bandStub(t *testing.T, px string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/params") {
			_ = json.NewEncoder(w).Encode(map[string]any{"params": map[string]any{}})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"price_results": []map[string]any{{"symbol": "BTC", "multiplier": "1", "px": px}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newKey(t *testing.T) string {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return hexutil.Encode(crypto.FromECDSA(key))
}

func testApp(t *testing.T, store *storage.MemoryStore) (*App, *bytes.Buffer) {
	t.Helper()
	cfg := &config.Config{
		Consensus: config.ConsensusConfig{
			Profile:        config.ProfileStandard,
			MinConsensus:   0.51,
			PriceTolerance: 0.05,
			FetchTimeout:   2 * time.Second,
			MinOracles:     3,
		},
		Health:    config.HealthConfig{Interval: time.Minute, ReliabilityThreshold: 0.7, Alpha: 0.3, ProbeTimeout: time.Second},
		Retention: config.RetentionConfig{Interval: time.Hour, ArchiveDays: 30, RetentionDays: 90, BatchSize: 100},
		Export:    config.ExportConfig{MaxDataPoints: 100},
		Oracles: []config.OracleConfig{
			{ID: "pyth-1", Provider: config.ProviderPyth, Enabled: true, StakeWeight: 1.5, SigningKey: newKey(t),
				URL: pythStub(t, "43250").URL, Feeds: map[string]string{"btc-usd": btcFeed}},
			{ID: "pyth-2", Provider: config.ProviderPyth, Enabled: true, StakeWeight: 1.3, SigningKey: newKey(t),
				URL: pythStub(t, "43260").URL, Feeds: map[string]string{"btc-usd": btcFeed}},
			{ID: "band-1", Provider: config.ProviderBand, Enabled: true, StakeWeight: 1.2, SigningKey: newKey(t),
				URL: bandStub(t, "43280").URL, Feeds: map[string]string{"btc-usd": "BTC"}},
			{ID: "disabled", Provider: config.ProviderBand, Enabled: false},
		},
	}

	var out bytes.Buffer
	a := NewApp(cfg, zerolog.Nop())
	a.Out = &out
	a.openStore = func(context.Context) (resultStore, func(), error) {
		return store, nil, nil
	}
	return a, &out
}

func TestVerifyEndToEnd(t *testing.T) {
	store := storage.NewMemoryStore()
	a, out := testApp(t, store)
	ctx := context.Background()

	require.NoError(t, a.Verify(ctx, VerifyOptions{AssetID: "BTC-USD", ClaimedValue: decimal.RequireFromString("43250"), JSON: true}))

	var res verification.Result
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.Equal(t, verification.StatusApproved, res.Status)
	assert.True(t, res.ConsensusPrice.Equal(decimal.RequireFromString("43260")), res.ConsensusPrice.String())
	assert.Equal(t, 3, res.TotalOracles)
	assert.Equal(t, 3, res.SuccessfulOracles)

	out.Reset()
	require.NoError(t, a.Get(ctx, res.VerificationID, false))
	assert.Contains(t, out.String(), res.VerificationID)
	assert.Contains(t, out.String(), "APPROVED")
	assert.Contains(t, out.String(), "band-1")

	tol := decimal.RequireFromString("0.01")
	out.Reset()
	require.NoError(t, a.Verify(ctx, VerifyOptions{AssetID: "BTC-USD", ClaimedValue: decimal.RequireFromString("52000"), PriceTolerance: &tol}))
	assert.Contains(t, out.String(), "TOLERANCE_EXCEEDED")

	out.Reset()
	require.NoError(t, a.History(ctx, HistoryOptions{AssetID: "BTC-USD", Limit: 10}))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "REJECTED")
}

func TestVerifyInsufficientOracles(t *testing.T) {
	a, out := testApp(t, storage.NewMemoryStore())
	a.Config.Oracles[2].Enabled = false

	err := a.Verify(context.Background(), VerifyOptions{AssetID: "BTC-USD", ClaimedValue: decimal.NewFromInt(43250)})
	require.ErrorIs(t, err, verification.ErrInsufficientOracles)
	assert.Contains(t, out.String(), "INSUFFICIENT_ORACLES")
}

func TestHealthCommand(t *testing.T) {
	a, out := testApp(t, storage.NewMemoryStore())
	require.NoError(t, a.Health(context.Background(), false))
	assert.Contains(t, out.String(), "pyth-1")
	assert.Contains(t, out.String(), "Service healthy: true")
	assert.NotContains(t, out.String(), "disabled")
}

func TestExportCSV(t *testing.T) {
	store := storage.NewMemoryStore()
	a, _ := testApp(t, store)
	ctx := context.Background()
	for _, claimed := range []string{"43250", "43300", "52000"} {
		require.NoError(t, a.Verify(ctx, VerifyOptions{AssetID: "BTC-USD", ClaimedValue: decimal.RequireFromString(claimed)}))
	}

	dir := t.TempDir()
	csvPath := filepath.Join(dir, "out", "btc.csv")
	pngPath := filepath.Join(dir, "btc.png")
	require.NoError(t, a.Export(ctx, ExportOptions{AssetID: "BTC-USD", CSVPath: csvPath, PNGPath: pngPath}))

	data, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	rows := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, rows, 4)
	assert.True(t, strings.HasPrefix(rows[0], "created_at,verification_id"))

	info, err := os.Stat(pngPath)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestBuildAdaptersRejectsMissingKey(t *testing.T) {
	cfg := &config.Config{Oracles: []config.OracleConfig{{ID: "pyth-1", Provider: config.ProviderPyth, Enabled: true}}}
	_, _, _, err := buildAdapters(cfg, zerolog.Nop())
	require.Error(t, err)
}

func TestDownsample(t *testing.T) {
	results := make([]*verification.Result, 10)
	for i := range results {
		results[i] = &verification.Result{TotalOracles: i}
	}
	got := downsample(results, 4)
	require.Len(t, got, 4)
	assert.Equal(t, 0, got[0].TotalOracles)
	assert.Equal(t, 9, got[3].TotalOracles)
	assert.Len(t, downsample(results, 0), 10)
}

func TestVerifyProbeSkipsUnreachableOracle(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(down.Close)

	a, out := testApp(t, storage.NewMemoryStore())
	a.Config.Oracles[3] = config.OracleConfig{
		ID: "pyth-down", Provider: config.ProviderPyth, Enabled: true, StakeWeight: 1, SigningKey: newKey(t),
		URL: down.URL, Feeds: map[string]string{"btc-usd": btcFeed},
	}
	ctx := context.Background()

	require.NoError(t, a.Verify(ctx, VerifyOptions{AssetID: "BTC-USD", ClaimedValue: decimal.RequireFromString("43260"), JSON: true}))
	var res verification.Result
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.Equal(t, 4, res.TotalOracles)
	assert.Equal(t, 1, res.FailedOracles)

	out.Reset()
	require.NoError(t, a.Verify(ctx, VerifyOptions{AssetID: "BTC-USD", ClaimedValue: decimal.RequireFromString("43260"), Probe: true, JSON: true}))
	res = verification.Result{}
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.Equal(t, 3, res.TotalOracles, "探测后不可用的预言机不应参与")
	assert.Zero(t, res.FailedOracles)
	for _, q := range res.Quotes {
		assert.NotEqual(t, "pyth-down", q.OracleID)
	}
}
