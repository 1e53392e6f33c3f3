// Package health tracks a rolling reliability score for every oracle adapter
// and decides which adapters take part in verification calls.
package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"oracle-consensus/internal/alerting"
	"oracle-consensus/internal/metrics"
	"oracle-consensus/internal/oracle"
)

// ErrUnknownOracle is returned by Record for ids that were never registered.
var ErrUnknownOracle = errors.New("health: unknown oracle")

// Record is the health state of one adapter.
type Record struct {
	OracleID            string    `json:"oracle_id"`
	Score               float64   `json:"reliability_score"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSuccess         time.Time `json:"last_success"`
	LastCheck           time.Time `json:"last_check"`
	LastError           string    `json:"last_error,omitempty"`
	Active              bool      `json:"active"`
}

// Options configure the monitor.
type Options struct {
	// Alpha is the EMA smoothing factor.
	Alpha        float64
	Threshold    float64
	ProbeTimeout time.Duration
	Concurrency  int
	Channels     []string
}

// snapshot is never mutated after it is published.
type snapshot map[string]Record

// Monitor probes adapters on demand and publishes immutable snapshots.
type Monitor struct {
	opts     Options
	adapters []oracle.Adapter
	notifier alerting.Notifier
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	// cycle serializes RunHealthCycle; readers only touch state.
	cycle sync.Mutex
	state atomic.Pointer[snapshot]
	clock func() time.Time
}

// NewMonitor registers adapters with an initial score of 1.0.
func NewMonitor(adapters []oracle.Adapter, opts Options, notifier alerting.Notifier, m *metrics.Metrics, logger zerolog.Logger) *Monitor {
	if opts.Alpha <= 0 || opts.Alpha > 1 {
		opts.Alpha = 0.3
	}
	if opts.Threshold <= 0 {
		opts.Threshold = 0.7
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}

	mon := &Monitor{
		opts:     opts,
		adapters: adapters,
		notifier: notifier,
		metrics:  m,
		logger:   logger.With().Str("component", "health").Logger(),
		clock:    func() time.Time { return time.Now().UTC() },
	}

	initial := make(snapshot, len(adapters))
	for _, a := range adapters {
		initial[a.ID()] = Record{OracleID: a.ID(), Score: 1, Active: true}
		m.SetOracleHealth(a.ID(), 1, true)
	}
	mon.state.Store(&initial)
	return mon
}

// IsActive reports whether the adapter may be dispatched. Unknown ids are inactive.
func (m *Monitor) IsActive(oracleID string) bool {
	rec, ok := (*m.state.Load())[oracleID]
	return ok && rec.Active
}

// Record returns the current state of one adapter.
func (m *Monitor) Record(oracleID string) (Record, error) {
	rec, ok := (*m.state.Load())[oracleID]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownOracle, oracleID)
	}
	return rec, nil
}

// Records returns all records sorted by oracle id.
func (m *Monitor) Records() []Record {
	snap := *m.state.Load()
	out := make([]Record, 0, len(snap))
	for _, rec := range snap {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OracleID < out[j].OracleID })
	return out
}

// ActiveCount returns the number of adapters currently eligible.
func (m *Monitor) ActiveCount() int {
	n := 0
	for _, rec := range *m.state.Load() {
		if rec.Active {
			n++
		}
	}
	return n
}

// maxWarmupCycles bounds Warmup when the threshold can never be crossed.
const maxWarmupCycles = 32

// ExclusionCycles is the number of consecutive failed probes that takes an
// adapter from a perfect score below the threshold.
func (m *Monitor) ExclusionCycles() int {
	score, n := 1.0, 0
	for score >= m.opts.Threshold && n < maxWarmupCycles {
		score = m.opts.Alpha*0 + (1-m.opts.Alpha)*score
		n++
	}
	return n
}

// Warmup runs ExclusionCycles health cycles back to back, so an adapter that
// fails every probe is inactive afterwards. One-shot processes call it
// before their first verification.
func (m *Monitor) Warmup(ctx context.Context) error {
	cycles := m.ExclusionCycles()
	for i := 0; i < cycles; i++ {
		if err := m.RunHealthCycle(ctx); err != nil {
			return err
		}
	}
	m.logger.Debug().Int("cycles", cycles).Int("active", m.ActiveCount()).Msg("health warmup complete")
	return nil
}

type probe struct {
	err  error
	took time.Duration
}

// RunHealthCycle probes every adapter and folds the outcomes into the scores.
// Concurrent invocations wait for each other.
func (m *Monitor) RunHealthCycle(ctx context.Context) error {
	m.cycle.Lock()
	defer m.cycle.Unlock()

	probes := make([]probe, len(m.adapters))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Concurrency)
	for i, a := range m.adapters {
		g.Go(func() error {
			probes[i] = m.probe(gctx, a)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		m.logger.Warn().Err(err).Msg("health cycle aborted")
		return err
	}

	prev := *m.state.Load()
	next := make(snapshot, len(prev))
	for id, rec := range prev {
		next[id] = rec
	}

	now := m.clock()
	var transitions []Record
	for i, a := range m.adapters {
		rec := m.apply(next[a.ID()], probes[i], now)
		rec.OracleID = a.ID()
		if rec.Active != next[a.ID()].Active {
			transitions = append(transitions, rec)
		}
		next[a.ID()] = rec
		m.metrics.SetOracleHealth(rec.OracleID, rec.Score, rec.Active)
	}
	m.state.Store(&next)
	m.metrics.ObserveHealthCycle()

	for _, rec := range transitions {
		m.announce(ctx, rec)
	}
	m.logger.Debug().Int("adapters", len(m.adapters)).Int("transitions", len(transitions)).Msg("health cycle complete")
	return nil
}

func (m *Monitor) probe(ctx context.Context, a oracle.Adapter) (p probe) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p = probe{err: fmt.Errorf("health check panic: %v", r), took: time.Since(started)}
		}
	}()

	pctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()
	err := a.HealthCheck(pctx)
	return probe{err: err, took: time.Since(started)}
}

func (m *Monitor) apply(rec Record, p probe, now time.Time) Record {
	outcome := 0.0
	if p.err == nil {
		outcome = 1
	}
	rec.Score = m.opts.Alpha*outcome + (1-m.opts.Alpha)*rec.Score
	rec.LastCheck = now
	if p.err == nil {
		rec.ConsecutiveFailures = 0
		rec.LastSuccess = now
		rec.LastError = ""
	} else {
		rec.ConsecutiveFailures++
		rec.LastError = p.err.Error()
		m.logger.Warn().Err(p.err).Str("oracle_id", rec.OracleID).Dur("took", p.took).Float64("score", rec.Score).Msg("health probe failed")
	}
	rec.Active = rec.Score >= m.opts.Threshold
	return rec
}

func (m *Monitor) announce(ctx context.Context, rec Record) {
	kind := alerting.KindOracleRestored
	event := m.logger.Info()
	if !rec.Active {
		kind = alerting.KindOracleExcluded
		event = m.logger.Warn()
	}
	event.Str("oracle_id", rec.OracleID).Float64("score", rec.Score).Msg(string(kind))

	if m.notifier == nil {
		return
	}
	note := alerting.Notification{
		At:      rec.LastCheck,
		Kind:    kind,
		Subject: rec.OracleID,
		Fields: []alerting.Field{
			{Key: "Score", Value: strconv.FormatFloat(rec.Score, 'f', 4, 64)},
			{Key: "Threshold", Value: strconv.FormatFloat(m.opts.Threshold, 'f', 2, 64)},
			{Key: "Consecutive failures", Value: strconv.Itoa(rec.ConsecutiveFailures)},
		},
		Channels:      m.opts.Channels,
		AdditionalMsg: rec.LastError,
	}
	if err := m.notifier.Notify(ctx, note); err != nil {
		m.logger.Error().Err(err).Str("oracle_id", rec.OracleID).Msg("failed to dispatch health alert")
	}
}
