package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"oracle-consensus/internal/retention"
	"oracle-consensus/internal/scheduler"
)

// HealthCycle is the periodic reliability probe.
type HealthCycle interface {
	RunHealthCycle(ctx context.Context) error
}

// CleanupCycle is the periodic archive and purge job.
type CleanupCycle interface {
	RunCleanupCycle(ctx context.Context) (retention.Report, error)
}

// Options configure the runtime.
type Options struct {
	HealthInterval  time.Duration
	CleanupInterval time.Duration
	CleanupDelay    time.Duration
	// MetricsAddr enables the /metrics listener when non-empty.
	MetricsAddr    string
	MetricsHandler http.Handler
	// APIAddr enables the verification listener when non-empty.
	APIAddr string
	API     http.Handler
}

// Runtime hosts the periodic health and cleanup cycles together with the
// listeners. The API handler and the health cycle are expected to share one
// monitor, so scheduled probes gate the verifications it serves.
type Runtime struct {
	opts    Options
	health  HealthCycle
	cleanup CleanupCycle
	logger  zerolog.Logger
}

// New constructs the runtime. Either cycle may be nil.
func New(opts Options, health HealthCycle, cleanup CleanupCycle, logger zerolog.Logger) *Runtime {
	return &Runtime{
		opts:    opts,
		health:  health,
		cleanup: cleanup,
		logger:  logger.With().Str("component", "service").Logger(),
	}
}

// Run blocks until ctx is cancelled or a component fails to start.
func (r *Runtime) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if r.health != nil {
		sched, err := scheduler.New(scheduler.Options{
			Name:           "health",
			Interval:       r.opts.HealthInterval,
			RunImmediately: true,
		}, r.logger)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return sched.Run(gctx, func(ctx context.Context, _ time.Time) error {
				return r.health.RunHealthCycle(ctx)
			})
		})
	}

	if r.cleanup != nil {
		sched, err := scheduler.New(scheduler.Options{
			Name:           "cleanup",
			Interval:       r.opts.CleanupInterval,
			StartupDelay:   r.opts.CleanupDelay,
			RunImmediately: true,
		}, r.logger)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return sched.Run(gctx, r.runCleanup)
		})
	}

	if r.opts.MetricsAddr != "" && r.opts.MetricsHandler != nil {
		r.serve(g, gctx, "metrics", r.metricsServer())
	}
	if r.opts.APIAddr != "" && r.opts.API != nil {
		r.serve(g, gctx, "api", &http.Server{
			Addr:              r.opts.APIAddr,
			Handler:           r.opts.API,
			ReadHeaderTimeout: 5 * time.Second,
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ctx.Err()
	}
	return err
}

func (r *Runtime) runCleanup(ctx context.Context, at time.Time) error {
	report, err := r.cleanup.RunCleanupCycle(ctx)
	if err != nil {
		return fmt.Errorf("cleanup cycle: %w", err)
	}
	if report.Skipped {
		r.logger.Debug().Time("tick", at).Msg("cleanup skipped because advisory lock held elsewhere")
	}
	return nil
}

// serve runs srv until gctx is done, then shuts it down gracefully.
func (r *Runtime) serve(g *errgroup.Group, gctx context.Context, name string, srv *http.Server) {
	g.Go(func() error {
		r.logger.Info().Str("listener", name).Str("addr", srv.Addr).Msg("listener started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s listener: %w", name, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

func (r *Runtime) metricsServer() *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.opts.MetricsHandler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &http.Server{
		Addr:              r.opts.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
