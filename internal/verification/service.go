package verification

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"oracle-consensus/internal/alerting"
	"oracle-consensus/internal/consensus"
	"oracle-consensus/internal/metrics"
	"oracle-consensus/internal/oracle"
	"oracle-consensus/internal/signing"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 1000
)

// Store is the audit trail for verification results. Writes are append-only.
type Store interface {
	SaveResult(ctx context.Context, result *Result) error
	GetResult(ctx context.Context, verificationID string) (*Result, error)
	ListHistory(ctx context.Context, assetID string, limit int) ([]*Result, error)
}

// Pinger is implemented by stores that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Eligibility decides which adapters may be dispatched. Implementations must
// be safe for concurrent reads.
type Eligibility interface {
	IsActive(oracleID string) bool
}

// Options are the default decision parameters.
type Options struct {
	MinConsensus     decimal.Decimal
	PriceTolerance   decimal.Decimal
	FetchTimeout     time.Duration
	MinOracles       int
	NotifyRejections bool
	AlertChannels    []string
}

// Deps are the collaborators of a Service. Eligibility, Notifier and Metrics
// are optional.
type Deps struct {
	Adapters    []oracle.Adapter
	Registry    *signing.Registry
	Store       Store
	Eligibility Eligibility
	Notifier    alerting.Notifier
	Metrics     *metrics.Metrics
}

// Service verifies claimed asset values against oracle consensus.
type Service struct {
	opts        Options
	adapters    []oracle.Adapter
	registry    *signing.Registry
	store       Store
	eligibility Eligibility
	notifier    alerting.Notifier
	metrics     *metrics.Metrics
	logger      zerolog.Logger

	newID func() string
	clock func() time.Time
}

// New constructs the verification service.
func New(opts Options, deps Deps, logger zerolog.Logger) *Service {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 5 * time.Second
	}
	if opts.MinOracles <= 0 {
		opts.MinOracles = 3
	}
	if opts.MinConsensus.IsZero() {
		opts.MinConsensus = decimal.NewFromFloat(0.51)
	}
	if opts.PriceTolerance.IsZero() {
		opts.PriceTolerance = decimal.NewFromFloat(0.05)
	}
	registry := deps.Registry
	if registry == nil {
		registry = signing.NewRegistry()
	}

	return &Service{
		opts:        opts,
		adapters:    deps.Adapters,
		registry:    registry,
		store:       deps.Store,
		eligibility: deps.Eligibility,
		notifier:    deps.Notifier,
		metrics:     deps.Metrics,
		logger:      logger.With().Str("component", "verification").Logger(),
		newID:       func() string { return uuid.NewString() },
		clock:       func() time.Time { return time.Now().UTC() },
	}
}

type thresholds struct {
	minConsensus   decimal.Decimal
	priceTolerance decimal.Decimal
	minOracles     int
}

func (s *Service) thresholds(o *Thresholds) thresholds {
	th := thresholds{
		minConsensus:   s.opts.MinConsensus,
		priceTolerance: s.opts.PriceTolerance,
		minOracles:     s.opts.MinOracles,
	}
	if o == nil {
		return th
	}
	if o.MinConsensus != nil {
		th.minConsensus = *o.MinConsensus
	}
	if o.PriceTolerance != nil {
		th.priceTolerance = *o.PriceTolerance
	}
	if o.MinOracles != nil && *o.MinOracles > 0 {
		th.minOracles = *o.MinOracles
	}
	return th
}

// VerifyAssetValue checks claimed against the configured thresholds.
func (s *Service) VerifyAssetValue(ctx context.Context, assetID string, claimed decimal.Decimal) (*Result, error) {
	return s.Verify(ctx, Request{AssetID: assetID, ClaimedValue: claimed})
}

// Verify runs one verification call. A REJECTED result is not an error.
// ErrInsufficientOracles is returned together with the persisted ERROR result.
func (s *Service) Verify(ctx context.Context, req Request) (*Result, error) {
	if req.AssetID == "" {
		return nil, fmt.Errorf("%w: asset id is required", ErrInvalidRequest)
	}
	if !req.ClaimedValue.IsPositive() {
		return nil, fmt.Errorf("%w: claimed value must be positive", ErrInvalidRequest)
	}
	th := s.thresholds(req.Overrides)
	if th.minConsensus.IsNegative() || th.minConsensus.GreaterThan(decimal.NewFromInt(1)) || th.priceTolerance.IsNegative() {
		return nil, fmt.Errorf("%w: thresholds out of range", ErrInvalidRequest)
	}

	started := time.Now()
	c := &call{
		id:     s.newID(),
		phase:  PhaseIdle,
		logger: s.logger.With().Str("asset_id", req.AssetID).Logger(),
	}
	c.logger = c.logger.With().Str("verification_id", c.id).Logger()

	adapters := s.activeAdapters()

	c.advance(PhaseFetching)
	quotes, err := s.fetchAll(ctx, adapters, req.AssetID)
	if err != nil {
		return nil, err
	}

	c.advance(PhaseValidating)
	quotes = s.validate(adapters, req.AssetID, quotes, c.logger)

	res := &Result{
		VerificationID: c.id,
		AssetID:        req.AssetID,
		ClaimedValue:   req.ClaimedValue,
		TotalOracles:   len(quotes),
		Quotes:         quotes,
	}

	weights := make(map[string]decimal.Decimal, len(adapters))
	for _, a := range adapters {
		weights[a.ID()] = a.StakeWeight()
	}
	samples := make([]consensus.Sample, 0, len(quotes))
	for _, q := range quotes {
		if q.Usable() {
			samples = append(samples, consensus.Sample{OracleID: q.OracleID, Price: q.Price, Weight: weights[q.OracleID]})
		}
	}
	res.SuccessfulOracles = len(samples)
	res.FailedOracles = res.TotalOracles - res.SuccessfulOracles

	if len(samples) < th.minOracles {
		c.advance(PhaseDecided)
		res.Status = StatusError
		res.RejectionReason = ReasonInsufficientOracles
		if err := s.finish(ctx, res, started, c); err != nil {
			return nil, err
		}
		return res, fmt.Errorf("%w: %d valid of %d required", ErrInsufficientOracles, len(samples), th.minOracles)
	}

	c.advance(PhaseAggregating)
	filtered := consensus.RemoveOutliers(samples, th.priceTolerance)
	for _, removed := range filtered.Removed {
		res.Outliers = append(res.Outliers, removed.OracleID)
		s.metrics.ObserveOutlier(removed.OracleID)
	}
	sort.Strings(res.Outliers)
	if len(filtered.Removed) > 0 {
		c.logger.Info().Strs("outliers", res.Outliers).Str("fence", filtered.Fence.String()).Bool("trimmed", filtered.Trimmed).Msg("outliers removed")
	}

	median := consensus.WeightedMedian(filtered.Retained)
	summary := consensus.Summarize(filtered.Retained)
	res.ConsensusPrice = median
	res.MinPrice = summary.Min
	res.MaxPrice = summary.Max
	res.AvgPrice = summary.Mean
	res.StdDevPrice = summary.StdDev

	agreeing := 0
	for _, sample := range samples {
		if consensus.WithinTolerance(sample.Price, median, th.priceTolerance) {
			agreeing++
		}
	}
	res.ConsensusPercentage = decimal.NewFromInt(int64(agreeing)).Div(decimal.NewFromInt(int64(res.TotalOracles)))
	res.ConsensusReached = res.ConsensusPercentage.GreaterThanOrEqual(th.minConsensus)

	res.PriceVariance = consensus.RelativeDeviation(req.ClaimedValue, median)
	res.WithinTolerance = res.PriceVariance.LessThanOrEqual(th.priceTolerance)

	c.advance(PhaseDecided)
	switch {
	case !res.ConsensusReached:
		res.Status = StatusRejected
		res.RejectionReason = ReasonConsensusNotReached
	case !res.WithinTolerance:
		res.Status = StatusRejected
		res.RejectionReason = ReasonToleranceExceeded
	default:
		res.Status = StatusApproved
	}

	if err := s.finish(ctx, res, started, c); err != nil {
		return nil, err
	}
	if res.Status == StatusRejected {
		s.notifyRejection(ctx, res)
	}
	return res, nil
}

// finish stamps, persists and reports a decided result.
func (s *Service) finish(ctx context.Context, res *Result, started time.Time, c *call) error {
	res.Duration = time.Since(started)
	res.CreatedAt = s.clock().UTC().Truncate(time.Microsecond)

	if s.store == nil {
		return fmt.Errorf("%w: store not configured", ErrPersistence)
	}
	if err := s.store.SaveResult(ctx, res); err != nil {
		c.logger.Error().Err(err).Msg("failed to persist verification result")
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	s.metrics.ObserveVerification(string(res.Status), string(res.RejectionReason), res.Duration)
	c.logger.Info().
		Str("status", string(res.Status)).
		Str("reason", string(res.RejectionReason)).
		Str("consensus_price", res.ConsensusPrice.String()).
		Str("consensus_pct", res.ConsensusPercentage.StringFixed(4)).
		Str("variance", res.PriceVariance.StringFixed(6)).
		Int("total", res.TotalOracles).
		Int("successful", res.SuccessfulOracles).
		Dur("duration", res.Duration).
		Msg("verification decided")
	return nil
}

func (s *Service) notifyRejection(ctx context.Context, res *Result) {
	if !s.opts.NotifyRejections || s.notifier == nil {
		return
	}
	note := alerting.Notification{
		At:      res.CreatedAt,
		Kind:    alerting.KindVerificationRejected,
		Subject: res.AssetID,
		Fields: []alerting.Field{
			{Key: "Verification", Value: res.VerificationID},
			{Key: "Reason", Value: string(res.RejectionReason)},
			{Key: "Claimed", Value: res.ClaimedValue.String()},
			{Key: "Consensus", Value: res.ConsensusPrice.String()},
			{Key: "Variance", Value: res.PriceVariance.StringFixed(4)},
			{Key: "Agreement", Value: res.ConsensusPercentage.StringFixed(4)},
		},
		Channels: s.opts.AlertChannels,
	}
	if err := s.notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Str("verification_id", res.VerificationID).Msg("failed to dispatch rejection alert")
	}
}

func (s *Service) activeAdapters() []oracle.Adapter {
	if s.eligibility == nil {
		return s.adapters
	}
	active := make([]oracle.Adapter, 0, len(s.adapters))
	for _, a := range s.adapters {
		if s.eligibility.IsActive(a.ID()) {
			active = append(active, a)
		}
	}
	return active
}

type indexedQuote struct {
	idx   int
	quote oracle.Quote
}

// fetchAll dispatches every adapter concurrently and waits at most the global
// fetch timeout. Late adapters are recorded as timeouts and abandoned.
func (s *Service) fetchAll(ctx context.Context, adapters []oracle.Adapter, assetID string) ([]oracle.Quote, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	defer cancel()

	started := time.Now()
	results := make(chan indexedQuote, len(adapters))
	for i, a := range adapters {
		go func(i int, a oracle.Adapter) {
			defer func() {
				if r := recover(); r != nil {
					results <- indexedQuote{idx: i, quote: oracle.ErrorQuote(a, assetID, time.Since(started), fmt.Errorf("adapter panic: %v", r))}
				}
			}()
			results <- indexedQuote{idx: i, quote: a.FetchPrice(fetchCtx, assetID)}
		}(i, a)
	}

	quotes := make([]oracle.Quote, len(adapters))
	done := collectQuotes(results, fetchCtx.Done(), quotes)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	elapsed := time.Since(started)
	for i, a := range adapters {
		if !done[i] {
			quotes[i] = oracle.TimeoutQuote(a, assetID, elapsed)
		}
		s.metrics.ObserveQuote(a.ID(), string(quotes[i].Status), quotes[i].Latency)
	}
	return quotes, nil
}

// collectQuotes fills quotes from results until every slot is set or stop
// closes, then takes whatever is already buffered. It reports which slots
// were filled.
func collectQuotes(results <-chan indexedQuote, stop <-chan struct{}, quotes []oracle.Quote) []bool {
	done := make([]bool, len(quotes))
	take := func(r indexedQuote) {
		quotes[r.idx] = r.quote
		done[r.idx] = true
	}
wait:
	for pending := len(quotes); pending > 0; pending-- {
		select {
		case r := <-results:
			take(r)
		case <-stop:
			break wait
		}
	}
	// quotes that landed together with the deadline still count
	for {
		select {
		case r := <-results:
			take(r)
		default:
			return done
		}
	}
}

// validate re-checks every successful quote against the trusted signer
// registry. Quotes stay in the audit list either way.
func (s *Service) validate(adapters []oracle.Adapter, assetID string, quotes []oracle.Quote, logger zerolog.Logger) []oracle.Quote {
	out := make([]oracle.Quote, len(quotes))
	for i, q := range quotes {
		id := adapters[i].ID()
		if q.Status != oracle.StatusSuccess {
			q.SignatureValid = false
			out[i] = q
			continue
		}

		var err error
		switch {
		case q.OracleID != id || q.AssetID != assetID:
			err = fmt.Errorf("quote identity mismatch: oracle %q asset %q", q.OracleID, q.AssetID)
		case !q.SignatureValid:
			err = fmt.Errorf("adapter flagged signature invalid")
		default:
			err = s.registry.Verify(id, assetID, q.Price, q.Signature)
		}
		if err != nil {
			q.SignatureValid = false
			if q.Error == "" {
				q.Error = err.Error()
			}
			s.metrics.ObserveSignatureFailure(id)
			logger.Warn().Err(err).Str("oracle_id", id).Msg("quote signature rejected")
		}
		out[i] = q
	}
	return out
}

// GetVerification returns a stored result by id.
func (s *Service) GetVerification(ctx context.Context, verificationID string) (*Result, error) {
	if verificationID == "" {
		return nil, fmt.Errorf("%w: verification id is required", ErrInvalidRequest)
	}
	if s.store == nil {
		return nil, ErrNotFound
	}
	return s.store.GetResult(ctx, verificationID)
}

// GetHistory lists results for an asset, newest first.
func (s *Service) GetHistory(ctx context.Context, assetID string, limit int) ([]*Result, error) {
	if assetID == "" {
		return nil, fmt.Errorf("%w: asset id is required", ErrInvalidRequest)
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if s.store == nil {
		return nil, nil
	}
	return s.store.ListHistory(ctx, assetID, limit)
}

// HealthCheck reports whether enough oracles are eligible to reach a
// decision and the audit store is reachable.
func (s *Service) HealthCheck(ctx context.Context) bool {
	if len(s.activeAdapters()) < s.opts.MinOracles {
		return false
	}
	if s.store == nil {
		return false
	}
	if p, ok := s.store.(Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("store ping failed")
			return false
		}
	}
	return true
}

type call struct {
	id     string
	phase  Phase
	logger zerolog.Logger
}

func (c *call) advance(next Phase) {
	c.logger.Debug().Str("from", string(c.phase)).Str("phase", string(next)).Msg("phase transition")
	c.phase = next
}
