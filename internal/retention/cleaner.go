// Package retention moves aged verification results to the archive tier and
// purges archived results past the retention window.
package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"oracle-consensus/internal/metrics"
)

// ErrInvalidWindow is returned when the archive window is not shorter than retention.
var ErrInvalidWindow = errors.New("retention: archive_days must be less than retention_days")

// Store is implemented by the audit store. Each call moves or deletes at most
// batch rows in a single transaction and reports how many it touched.
type Store interface {
	ArchiveBefore(ctx context.Context, cutoff time.Time, batch int) (int64, error)
	PurgeArchivedBefore(ctx context.Context, cutoff time.Time, batch int) (int64, error)
}

// AdvisoryLocker is implemented by stores that can coordinate instances.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Options configure the cleaner.
type Options struct {
	ArchiveDays   int
	RetentionDays int
	BatchSize     int
	LockKey       int64
}

// Report summarizes one cleanup cycle.
type Report struct {
	ArchiveCutoff time.Time
	PurgeCutoff   time.Time
	Archived      int64
	Purged        int64
	// Skipped is set when another instance held the lock.
	Skipped bool
}

// Cleaner runs cleanup cycles.
type Cleaner struct {
	opts    Options
	store   Store
	metrics *metrics.Metrics
	logger  zerolog.Logger
	clock   func() time.Time
}

// New validates the retention windows.
func New(store Store, opts Options, m *metrics.Metrics, logger zerolog.Logger) (*Cleaner, error) {
	if opts.ArchiveDays <= 0 {
		opts.ArchiveDays = 30
	}
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = 90
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}
	if opts.ArchiveDays >= opts.RetentionDays {
		return nil, fmt.Errorf("%w: archive=%d retention=%d", ErrInvalidWindow, opts.ArchiveDays, opts.RetentionDays)
	}
	return &Cleaner{
		opts:    opts,
		store:   store,
		metrics: m,
		logger:  logger.With().Str("component", "retention").Logger(),
		clock:   func() time.Time { return time.Now().UTC() },
	}, nil
}

// RunCleanupCycle archives then purges in batches until nothing is left.
// A failed batch is rolled back by the store and aborts the cycle; rows moved
// by earlier batches stay moved.
func (c *Cleaner) RunCleanupCycle(ctx context.Context) (Report, error) {
	now := c.clock()
	report := Report{
		ArchiveCutoff: now.AddDate(0, 0, -c.opts.ArchiveDays),
		PurgeCutoff:   now.AddDate(0, 0, -c.opts.RetentionDays),
	}

	if locker, ok := c.store.(AdvisoryLocker); ok && c.opts.LockKey != 0 {
		unlock, acquired, err := locker.TryAdvisoryLock(ctx, c.opts.LockKey)
		if err != nil {
			c.metrics.ObserveCleanup(0, 0, err)
			return report, fmt.Errorf("acquire cleanup lock: %w", err)
		}
		if !acquired {
			c.logger.Info().Int64("lock_key", c.opts.LockKey).Msg("cleanup already running elsewhere, skipping")
			report.Skipped = true
			return report, nil
		}
		defer unlock()
	}

	archived, err := c.drain(ctx, func(ctx context.Context) (int64, error) {
		return c.store.ArchiveBefore(ctx, report.ArchiveCutoff, c.opts.BatchSize)
	})
	report.Archived = archived
	if err != nil {
		c.metrics.ObserveCleanup(report.Archived, 0, err)
		return report, fmt.Errorf("archive results: %w", err)
	}

	purged, err := c.drain(ctx, func(ctx context.Context) (int64, error) {
		return c.store.PurgeArchivedBefore(ctx, report.PurgeCutoff, c.opts.BatchSize)
	})
	report.Purged = purged
	c.metrics.ObserveCleanup(report.Archived, report.Purged, err)
	if err != nil {
		return report, fmt.Errorf("purge archived results: %w", err)
	}

	c.logger.Info().
		Int64("archived", report.Archived).
		Int64("purged", report.Purged).
		Time("archive_cutoff", report.ArchiveCutoff).
		Time("purge_cutoff", report.PurgeCutoff).
		Msg("cleanup cycle complete")
	return report, nil
}

func (c *Cleaner) drain(ctx context.Context, step func(context.Context) (int64, error)) (int64, error) {
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := step(ctx)
		total += n
		if err != nil {
			return total, err
		}
		if n < int64(c.opts.BatchSize) {
			return total, nil
		}
	}
}
