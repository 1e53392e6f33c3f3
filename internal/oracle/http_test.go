package oracle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPythFeed = "0xe62df6c8b4a85fe1a67db44dc12de5db330f7ac66b72dc658afedf0f4a415b43"

func pythServer(t *testing.T, price string, expo int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case pythHealthPath:
			w.WriteHeader(http.StatusOK)
			return
		case pythLatestPath:
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("ids[]"); got != testPythFeed {
			t.Fatalf("ids[] 参数不正确: %s", got)
		}
		if r.Header.Get("X-API-Key") != "secret" {
			t.Fatalf("缺少 API key header")
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"parsed": []map[string]any{{
				"id": testPythFeed[2:],
				"price": map[string]any{
					"price":        price,
					"conf":         "1000",
					"expo":         expo,
					"publish_time": time.Now().Unix(),
				},
			}},
		})
	}))
}

func TestPythFetchSuccess(t *testing.T) {
	srv := pythServer(t, "4325012345678", -8)
	defer srv.Close()

	p := NewPyth(testCommon(t, "pyth-1", 1.3), PythOptions{
		HTTPOptions: HTTPOptions{BaseURL: srv.URL, APIKey: "secret", Timeout: time.Second},
		Feeds:       map[string]string{"BTC-USD": testPythFeed},
	}, noopLogger())

	q := p.FetchPrice(context.Background(), "BTC-USD")
	require.Equal(t, StatusSuccess, q.Status, q.Error)
	assert.True(t, q.Price.Equal(decimal.RequireFromString("43250.12345678")), q.Price.String())
	assert.True(t, q.SignatureValid)
	assert.Equal(t, "pyth", q.Provider)
	assert.Equal(t, srv.URL, q.Endpoint)
	assert.True(t, p.StakeWeight().Equal(decimal.NewFromFloat(1.3)))
	assert.NoError(t, p.HealthCheck(context.Background()))
}

func TestPythFallsBackToSecondaryEndpoint(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "maintenance"})
	}))
	defer down.Close()
	up := pythServer(t, "100000000", -8)
	defer up.Close()

	p := NewPyth(testCommon(t, "pyth-1", 1.3), PythOptions{
		HTTPOptions: HTTPOptions{BaseURL: down.URL, FallbackURLs: []string{up.URL + "/"}, APIKey: "secret", Timeout: time.Second},
		Feeds:       map[string]string{"USDC-USD": testPythFeed},
	}, noopLogger())

	q := p.FetchPrice(context.Background(), "USDC-USD")
	require.Equal(t, StatusSuccess, q.Status, q.Error)
	assert.True(t, q.Price.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, up.URL, q.Endpoint)
}

func TestPythUnknownAsset(t *testing.T) {
	p := NewPyth(testCommon(t, "pyth-1", 1.3), PythOptions{HTTPOptions: HTTPOptions{BaseURL: "http://127.0.0.1:1"}}, noopLogger())
	q := p.FetchPrice(context.Background(), "DOGE-USD")
	assert.Equal(t, StatusError, q.Status)
	assert.False(t, q.Usable())
	assert.Contains(t, q.Error, "not supported")
}

func TestPythAllEndpointsFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "bad feed id"})
	}))
	defer srv.Close()

	p := NewPyth(testCommon(t, "pyth-1", 1.3), PythOptions{
		HTTPOptions: HTTPOptions{BaseURL: srv.URL, Timeout: time.Second},
		Feeds:       map[string]string{"BTC-USD": testPythFeed},
	}, noopLogger())

	q := p.FetchPrice(context.Background(), "BTC-USD")
	assert.Equal(t, StatusError, q.Status)
	assert.Contains(t, q.Error, "pyth api error (400): bad feed id")
	assert.Error(t, p.HealthCheck(context.Background()))
}

func TestPythTimeoutIsClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	p := NewPyth(testCommon(t, "pyth-1", 1.3), PythOptions{
		HTTPOptions: HTTPOptions{BaseURL: srv.URL, Timeout: 5 * time.Second},
		Feeds:       map[string]string{"BTC-USD": testPythFeed},
	}, noopLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	q := p.FetchPrice(ctx, "BTC-USD")
	assert.Equal(t, StatusTimeout, q.Status)
}

func TestBandFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case bandParamsPath:
			_ = json.NewEncoder(w).Encode(map[string]any{"params": map[string]any{}})
			return
		case bandPricesPath:
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("symbols") != "BTC" {
			t.Fatalf("symbols 参数不正确")
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"price_results": []map[string]string{
				{"symbol": "ETH", "multiplier": "1000000000", "px": "2300000000000"},
				{"symbol": "BTC", "multiplier": "1000000000", "px": "43280000000000", "request_id": "1", "resolve_time": "1700000000"},
			},
		})
	}))
	defer srv.Close()

	b := NewBand(testCommon(t, "band-1", 1.2), BandOptions{
		HTTPOptions: HTTPOptions{BaseURL: srv.URL, Timeout: time.Second},
		Symbols:     map[string]string{"BTC-USD": "BTC"},
	}, noopLogger())

	q := b.FetchPrice(context.Background(), "BTC-USD")
	require.Equal(t, StatusSuccess, q.Status, q.Error)
	assert.True(t, q.Price.Equal(decimal.NewFromInt(43280)), q.Price.String())
	assert.True(t, q.SignatureValid)
	assert.Equal(t, "band", b.Provider())
	assert.NoError(t, b.HealthCheck(context.Background()))
}

func TestBandMissingSymbolInResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"price_results": []map[string]string{}})
	}))
	defer srv.Close()

	b := NewBand(testCommon(t, "band-1", 1.2), BandOptions{
		HTTPOptions: HTTPOptions{BaseURL: srv.URL, Timeout: time.Second},
		Symbols:     map[string]string{"BTC-USD": "BTC"},
	}, noopLogger())

	q := b.FetchPrice(context.Background(), "BTC-USD")
	assert.Equal(t, StatusError, q.Status)
	assert.Contains(t, q.Error, "missing requested symbol")
}

func TestBandZeroMultiplier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"price_results": []map[string]string{{"symbol": "BTC", "multiplier": "0", "px": "1"}},
		})
	}))
	defer srv.Close()

	b := NewBand(testCommon(t, "band-1", 1.2), BandOptions{
		HTTPOptions: HTTPOptions{BaseURL: srv.URL, Timeout: time.Second},
		Symbols:     map[string]string{"BTC-USD": "BTC"},
	}, noopLogger())

	q := b.FetchPrice(context.Background(), "BTC-USD")
	assert.Equal(t, StatusError, q.Status)
}
