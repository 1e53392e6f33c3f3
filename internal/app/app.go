package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"oracle-consensus/internal/alerting"
	"oracle-consensus/internal/config"
	"oracle-consensus/internal/health"
	"oracle-consensus/internal/metrics"
	"oracle-consensus/internal/oracle"
	"oracle-consensus/internal/retention"
	"oracle-consensus/internal/service"
	"oracle-consensus/internal/signing"
	"oracle-consensus/internal/storage"
	"oracle-consensus/internal/verification"
)

// ErrNoDatabase is returned by commands that need durable storage.
var ErrNoDatabase = errors.New("database.dsn not configured")

// resultStore is what the commands need from either store implementation.
type resultStore interface {
	verification.Store
	retention.Store
	ListBetween(ctx context.Context, assetID string, from, to time.Time, limit int) ([]*verification.Result, error)
}

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer

	// openStore is swapped in tests.
	openStore func(ctx context.Context) (resultStore, func(), error)
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	a := &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
	a.openStore = a.openPostgres
	return a
}

// components is the wired object graph shared by every command.
type components struct {
	adapters []oracle.Adapter
	registry *signing.Registry
	store    resultStore
	metrics  *metrics.Metrics
	notifier alerting.Notifier
	monitor  *health.Monitor
	verifier *verification.Service
	close    func()
}

func (a *App) build(ctx context.Context, requireDB bool) (*components, error) {
	adapters, registry, closeAdapters, err := buildAdapters(a.Config, a.Logger)
	if err != nil {
		return nil, err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		closeAdapters()
		return nil, err
	}
	if store == nil {
		if requireDB {
			closeAdapters()
			return nil, ErrNoDatabase
		}
		a.Logger.Warn().Msg("database.dsn not configured; results are kept in memory only")
		store = storage.NewMemoryStore()
	}

	c := &components{
		adapters: adapters,
		registry: registry,
		store:    store,
		notifier: a.newNotifier(),
		close: func() {
			closeAdapters()
			if closeStore != nil {
				closeStore()
			}
		},
	}
	if a.Config.Metrics.Enabled {
		c.metrics = metrics.New(a.Config.Metrics.Namespace)
	}

	c.monitor = health.NewMonitor(adapters, health.Options{
		Alpha:        a.Config.Health.Alpha,
		Threshold:    a.Config.Health.ReliabilityThreshold,
		ProbeTimeout: a.Config.Health.ProbeTimeout,
		Concurrency:  a.Config.Health.Concurrency,
		Channels:     a.Config.Alerting.Channels,
	}, c.notifier, c.metrics, a.Logger)

	c.verifier = verification.New(verification.Options{
		MinConsensus:     decimal.NewFromFloat(a.Config.Consensus.MinConsensus),
		PriceTolerance:   decimal.NewFromFloat(a.Config.Consensus.PriceTolerance),
		FetchTimeout:     a.Config.Consensus.FetchTimeout,
		MinOracles:       a.Config.Consensus.MinOracles,
		NotifyRejections: a.Config.Consensus.NotifyRejections,
		AlertChannels:    a.Config.Alerting.Channels,
	}, verification.Deps{
		Adapters:    adapters,
		Registry:    registry,
		Store:       store,
		Eligibility: c.monitor,
		Notifier:    c.notifier,
		Metrics:     c.metrics,
	}, a.Logger)

	return c, nil
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, a.Config.Alerting.Timeout, a.Logger)
	}
	return nil
}

func (a *App) openPostgres(ctx context.Context) (resultStore, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	return store, store.Close, nil
}

// buildAdapters turns the enabled oracle entries into adapters and registers
// their trusted signers.
func buildAdapters(cfg *config.Config, logger zerolog.Logger) ([]oracle.Adapter, *signing.Registry, func(), error) {
	registry := signing.NewRegistry()
	var (
		adapters []oracle.Adapter
		closers  []func()
	)
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	for _, oc := range cfg.EnabledOracles() {
		signer, err := signing.NewSigner(oc.SigningKey)
		if err != nil {
			closeAll()
			return nil, nil, nil, fmt.Errorf("oracle %s: %w", oc.ID, err)
		}
		if oc.SignerAddress != "" {
			if err := registry.TrustHex(oc.ID, oc.SignerAddress); err != nil {
				closeAll()
				return nil, nil, nil, err
			}
		} else {
			registry.Trust(oc.ID, signer.Address())
		}

		weight := decimal.NewFromFloat(oc.StakeWeight)
		if oc.StakeWeight == 0 {
			weight = decimal.NewFromInt(1)
		}
		base := oracle.Common{OracleID: oc.ID, Weight: weight, Signer: signer}
		feeds := normalizeFeeds(oc.Feeds)
		httpOpts := oracle.HTTPOptions{
			BaseURL:      oc.URL,
			FallbackURLs: oc.FallbackURLs,
			APIKey:       oc.APIKey,
			APIKeyHeader: oc.APIKeyHeader,
			Timeout:      oc.Timeout,
		}

		switch oc.Provider {
		case config.ProviderChainlink:
			cl := oracle.NewChainlink(base, oracle.ChainlinkOptions{
				RPCURL:       oc.URL,
				FallbackRPCs: oc.FallbackURLs,
				Feeds:        feeds,
				Timeout:      oc.Timeout,
				MaxStaleness: oc.MaxStaleness,
			}, logger)
			closers = append(closers, cl.Close)
			adapters = append(adapters, cl)
		case config.ProviderPyth:
			adapters = append(adapters, oracle.NewPyth(base, oracle.PythOptions{HTTPOptions: httpOpts, Feeds: feeds}, logger))
		case config.ProviderBand:
			adapters = append(adapters, oracle.NewBand(base, oracle.BandOptions{HTTPOptions: httpOpts, Symbols: feeds}, logger))
		default:
			closeAll()
			return nil, nil, nil, fmt.Errorf("oracle %s: unsupported provider %q", oc.ID, oc.Provider)
		}
	}
	return adapters, registry, closeAll, nil
}

// normalizeFeeds upper-cases asset keys; viper lowercases map keys on load.
func normalizeFeeds(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[strings.ToUpper(k)] = v
	}
	return out
}

// Run hosts the verification API, the health monitor, the retention cleaner
// and the metrics listener. The API and the health cycles share one monitor.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := a.build(ctx, false)
	if err != nil {
		return err
	}
	defer c.close()

	cleaner, err := retention.New(c.store, retention.Options{
		ArchiveDays:   a.Config.Retention.ArchiveDays,
		RetentionDays: a.Config.Retention.RetentionDays,
		BatchSize:     a.Config.Retention.BatchSize,
		LockKey:       a.Config.Retention.AdvisoryLockKey,
	}, c.metrics, a.Logger)
	if err != nil {
		return err
	}

	opts := service.Options{
		HealthInterval:  a.Config.Health.Interval,
		CleanupInterval: a.Config.Retention.Interval,
		CleanupDelay:    a.Config.Retention.StartupDelay,
	}
	if c.metrics != nil {
		opts.MetricsAddr = a.Config.Metrics.Listen
		opts.MetricsHandler = c.metrics.Handler()
	}
	if a.Config.API.Enabled {
		opts.APIAddr = a.Config.API.Listen
		opts.API = service.NewAPI(c.verifier, a.Logger)
	}

	// settle scores before the API starts taking requests
	if err := c.monitor.Warmup(ctx); err != nil {
		return err
	}
	rt := service.New(opts, c.monitor, cleaner, a.Logger)

	a.Logger.Info().Int("adapters", len(c.adapters)).Str("profile", a.Config.Consensus.Profile).Msg("starting oracle consensus runtime")
	err = rt.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("runtime terminated with error")
		return err
	}

	a.Logger.Info().Msg("oracle consensus runtime stopped")
	return nil
}

// VerifyOptions configure a one-shot verification.
type VerifyOptions struct {
	AssetID        string
	ClaimedValue   decimal.Decimal
	MinConsensus   *decimal.Decimal
	PriceTolerance *decimal.Decimal
	MinOracles     *int
	// Probe warms the health monitor first so unhealthy adapters are excluded.
	Probe bool
	JSON  bool
}

// Verify runs one verification call and prints the result. A rejected claim
// is reported, not returned as an error.
func (a *App) Verify(ctx context.Context, opts VerifyOptions) error {
	c, err := a.build(ctx, false)
	if err != nil {
		return err
	}
	defer c.close()

	if opts.Probe {
		if err := c.monitor.Warmup(ctx); err != nil {
			return err
		}
	}

	req := verification.Request{AssetID: opts.AssetID, ClaimedValue: opts.ClaimedValue}
	if opts.MinConsensus != nil || opts.PriceTolerance != nil || opts.MinOracles != nil {
		req.Overrides = &verification.Thresholds{
			MinConsensus:   opts.MinConsensus,
			PriceTolerance: opts.PriceTolerance,
			MinOracles:     opts.MinOracles,
		}
	}

	res, err := c.verifier.Verify(ctx, req)
	if res != nil {
		if perr := a.printResult(res, opts.JSON); perr != nil {
			return perr
		}
	}
	return err
}

// Get prints a stored verification.
func (a *App) Get(ctx context.Context, verificationID string, asJSON bool) error {
	c, err := a.build(ctx, true)
	if err != nil {
		return err
	}
	defer c.close()

	res, err := c.verifier.GetVerification(ctx, verificationID)
	if err != nil {
		return err
	}
	return a.printResult(res, asJSON)
}

// HistoryOptions configure the history command.
type HistoryOptions struct {
	AssetID string
	Limit   int
	JSON    bool
}

// History prints an asset's recent verifications.
func (a *App) History(ctx context.Context, opts HistoryOptions) error {
	c, err := a.build(ctx, true)
	if err != nil {
		return err
	}
	defer c.close()

	results, err := c.verifier.GetHistory(ctx, opts.AssetID, opts.Limit)
	if err != nil {
		return err
	}
	return a.printHistory(results, opts.JSON)
}

// Health probes every adapter until scores settle and prints the records.
func (a *App) Health(ctx context.Context, asJSON bool) error {
	c, err := a.build(ctx, false)
	if err != nil {
		return err
	}
	defer c.close()

	if err := c.monitor.Warmup(ctx); err != nil {
		return err
	}
	healthy := c.verifier.HealthCheck(ctx)
	return a.printHealth(c.monitor.Records(), healthy, asJSON)
}

// Cleanup runs one retention cycle against the database.
func (a *App) Cleanup(ctx context.Context) error {
	c, err := a.build(ctx, true)
	if err != nil {
		return err
	}
	defer c.close()

	cleaner, err := retention.New(c.store, retention.Options{
		ArchiveDays:   a.Config.Retention.ArchiveDays,
		RetentionDays: a.Config.Retention.RetentionDays,
		BatchSize:     a.Config.Retention.BatchSize,
		LockKey:       a.Config.Retention.AdvisoryLockKey,
	}, c.metrics, a.Logger)
	if err != nil {
		return err
	}
	report, err := cleaner.RunCleanupCycle(ctx)
	if err != nil {
		return err
	}
	if report.Skipped {
		fmt.Fprintln(a.Out, "cleanup skipped: another instance holds the lock")
		return nil
	}
	fmt.Fprintf(a.Out, "archived: %d (before %s)\npurged: %d (before %s)\n",
		report.Archived, report.ArchiveCutoff.Format(time.RFC3339),
		report.Purged, report.PurgeCutoff.Format(time.RFC3339))
	return nil
}

// Migrate applies the SQL migrations to the configured database.
func (a *App) Migrate(ctx context.Context) error {
	if a.Config.Database.DSN == "" {
		return ErrNoDatabase
	}
	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	applied, err := storage.Migrate(ctx, pool, a.Config.Database.MigrationsPath)
	if err != nil {
		return err
	}
	for _, f := range applied {
		fmt.Fprintf(a.Out, "applied %s\n", f)
	}
	return nil
}
