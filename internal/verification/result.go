package verification

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"oracle-consensus/internal/oracle"
)

var (
	// ErrInsufficientOracles is returned, together with an ERROR result, when
	// fewer than the minimum number of valid quotes arrived.
	ErrInsufficientOracles = errors.New("verification: insufficient valid oracle quotes")
	// ErrPersistence wraps any failure to record a result in the audit trail.
	ErrPersistence = errors.New("verification: failed to persist result")
	// ErrNotFound is returned by stores for unknown verification ids.
	ErrNotFound = errors.New("verification: result not found")
	// ErrInvalidRequest rejects malformed requests before any oracle is queried.
	ErrInvalidRequest = errors.New("verification: invalid request")
)

// Status is the final decision of a verification call.
type Status string

const (
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
	StatusError    Status = "ERROR"
)

// Reason names the single check that failed. Empty for APPROVED results.
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonConsensusNotReached Reason = "CONSENSUS_NOT_REACHED"
	ReasonToleranceExceeded   Reason = "TOLERANCE_EXCEEDED"
	ReasonInsufficientOracles Reason = "INSUFFICIENT_ORACLES"
)

// Phase tracks progress through a single call.
type Phase string

const (
	PhaseIdle        Phase = "IDLE"
	PhaseFetching    Phase = "FETCHING"
	PhaseValidating  Phase = "VALIDATING"
	PhaseAggregating Phase = "AGGREGATING"
	PhaseDecided     Phase = "DECIDED"
)

// Thresholds override the configured decision parameters for one request.
// Nil fields fall back to the service defaults.
type Thresholds struct {
	MinConsensus   *decimal.Decimal
	PriceTolerance *decimal.Decimal
	MinOracles     *int
}

// Request asks whether ClaimedValue is an acceptable price for AssetID.
type Request struct {
	AssetID      string
	ClaimedValue decimal.Decimal
	Overrides    *Thresholds
}

// Result is the immutable, persisted outcome of a verification call.
type Result struct {
	VerificationID      string          `json:"verification_id"`
	AssetID             string          `json:"asset_id"`
	ClaimedValue        decimal.Decimal `json:"claimed_value"`
	ConsensusPrice      decimal.Decimal `json:"consensus_price"`
	ConsensusReached    bool            `json:"consensus_reached"`
	ConsensusPercentage decimal.Decimal `json:"consensus_percentage"`
	PriceVariance       decimal.Decimal `json:"price_variance"`
	WithinTolerance     bool            `json:"within_tolerance"`
	Status              Status          `json:"status"`
	RejectionReason     Reason          `json:"rejection_reason,omitempty"`
	TotalOracles        int             `json:"total_oracles"`
	SuccessfulOracles   int             `json:"successful_oracles"`
	FailedOracles       int             `json:"failed_oracles"`
	MinPrice            decimal.Decimal `json:"min_price"`
	MaxPrice            decimal.Decimal `json:"max_price"`
	AvgPrice            decimal.Decimal `json:"avg_price"`
	StdDevPrice         decimal.Decimal `json:"stddev_price"`
	Duration            time.Duration   `json:"duration_ns"`
	Quotes              []oracle.Quote  `json:"quotes"`
	Outliers            []string        `json:"outliers,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
}

// Approved reports whether both consensus and tolerance checks passed.
func (r *Result) Approved() bool {
	return r != nil && r.Status == StatusApproved
}
