package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"oracle-consensus/internal/verification"
)

// Verifier is the verification surface served over HTTP.
type Verifier interface {
	Verify(ctx context.Context, req verification.Request) (*verification.Result, error)
	GetVerification(ctx context.Context, verificationID string) (*verification.Result, error)
	GetHistory(ctx context.Context, assetID string, limit int) ([]*verification.Result, error)
	HealthCheck(ctx context.Context) bool
}

// VerifyRequest is the body of POST /v1/verifications. Numbers may be sent
// as JSON numbers or strings.
type VerifyRequest struct {
	AssetID        string           `json:"asset_id"`
	ClaimedValue   decimal.Decimal  `json:"claimed_value"`
	MinConsensus   *decimal.Decimal `json:"min_consensus,omitempty"`
	PriceTolerance *decimal.Decimal `json:"price_tolerance,omitempty"`
	MinOracles     *int             `json:"min_oracles,omitempty"`
}

type api struct {
	verifier Verifier
	logger   zerolog.Logger
}

// NewAPI exposes verifier as a JSON HTTP handler.
func NewAPI(verifier Verifier, logger zerolog.Logger) http.Handler {
	a := &api{verifier: verifier, logger: logger.With().Str("component", "api").Logger()}
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/verifications", a.handleVerify)
	mux.HandleFunc("GET /v1/verifications/{id}", a.handleGet)
	mux.HandleFunc("GET /v1/assets/{asset}/history", a.handleHistory)
	mux.HandleFunc("GET /healthz", a.handleHealth)

	return mux
}

func (a *api) handleVerify(w http.ResponseWriter, r *http.Request) {
	var body VerifyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	req := verification.Request{AssetID: body.AssetID, ClaimedValue: body.ClaimedValue}
	if body.MinConsensus != nil || body.PriceTolerance != nil || body.MinOracles != nil {
		req.Overrides = &verification.Thresholds{
			MinConsensus:   body.MinConsensus,
			PriceTolerance: body.PriceTolerance,
			MinOracles:     body.MinOracles,
		}
	}

	res, err := a.verifier.Verify(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, verification.ErrInsufficientOracles) && res != nil:
		// the ERROR result is persisted; callers still get its id
		writeJSON(w, http.StatusUnprocessableEntity, res)
	default:
		a.fail(w, r, err)
	}
}

func (a *api) handleGet(w http.ResponseWriter, r *http.Request) {
	res, err := a.verifier.GetVerification(r.Context(), r.PathValue("id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	results, err := a.verifier.GetHistory(r.Context(), r.PathValue("asset"), limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if results == nil {
		results = []*verification.Result{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results, "count": len(results)})
}

func (a *api) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !a.verifier.HealthCheck(r.Context()) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"healthy": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"healthy": true})
}

func (a *api) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, verification.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, verification.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, verification.ErrInsufficientOracles):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, verification.ErrPersistence):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		a.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, status, err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
