package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"oracle-consensus/internal/logging"
)

// Deployment profiles select the default decision thresholds.
const (
	ProfileStandard = "standard"
	ProfileStrict   = "strict"
)

// Provider names understood by the adapter factory.
const (
	ProviderChainlink = "chainlink"
	ProviderPyth      = "pyth"
	ProviderBand      = "band"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Consensus ConsensusConfig `mapstructure:"consensus"`
	Health    HealthConfig    `mapstructure:"health"`
	Retention RetentionConfig `mapstructure:"retention"`
	Oracles   []OracleConfig  `mapstructure:"oracles"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	API       APIConfig       `mapstructure:"api"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// ConsensusConfig holds the decision thresholds. Zero thresholds are filled
// from the selected profile.
type ConsensusConfig struct {
	Profile          string        `mapstructure:"profile"`
	MinConsensus     float64       `mapstructure:"min_consensus"`
	PriceTolerance   float64       `mapstructure:"price_tolerance"`
	FetchTimeout     time.Duration `mapstructure:"fetch_timeout"`
	MinOracles       int           `mapstructure:"min_oracles"`
	NotifyRejections bool          `mapstructure:"notify_rejections"`
}

// HealthConfig governs the reliability monitor.
type HealthConfig struct {
	Interval             time.Duration `mapstructure:"interval"`
	ReliabilityThreshold float64       `mapstructure:"reliability_threshold"`
	Alpha                float64       `mapstructure:"alpha"`
	ProbeTimeout         time.Duration `mapstructure:"probe_timeout"`
	Concurrency          int           `mapstructure:"concurrency"`
}

// RetentionConfig governs the archive and purge cycle.
type RetentionConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	ArchiveDays     int           `mapstructure:"archive_days"`
	RetentionDays   int           `mapstructure:"retention_days"`
	BatchSize       int           `mapstructure:"batch_size"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// OracleConfig declares one adapter.
type OracleConfig struct {
	ID            string            `mapstructure:"id"`
	Provider      string            `mapstructure:"provider"`
	Enabled       bool              `mapstructure:"enabled"`
	StakeWeight   float64           `mapstructure:"stake_weight"`
	SigningKey    string            `mapstructure:"signing_key"`
	SignerAddress string            `mapstructure:"signer_address"`
	URL           string            `mapstructure:"url"`
	FallbackURLs  []string          `mapstructure:"fallback_urls"`
	APIKey        string            `mapstructure:"api_key"`
	APIKeyHeader  string            `mapstructure:"api_key_header"`
	Timeout       time.Duration     `mapstructure:"timeout"`
	MaxStaleness  time.Duration     `mapstructure:"max_staleness"`
	Feeds         map[string]string `mapstructure:"feeds"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Channels []string       `mapstructure:"channels"`
	Timeout  time.Duration  `mapstructure:"timeout"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// MetricsConfig configures the Prometheus listener.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Listen    string `mapstructure:"listen"`
	Namespace string `mapstructure:"namespace"`
}

// APIConfig configures the verification HTTP listener hosted by `run`.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

type profileDefaults struct {
	minConsensus         float64
	priceTolerance       float64
	reliabilityThreshold float64
	retentionDays        int
}

var profiles = map[string]profileDefaults{
	ProfileStandard: {minConsensus: 0.51, priceTolerance: 0.05, reliabilityThreshold: 0.7, retentionDays: 90},
	ProfileStrict:   {minConsensus: 0.67, priceTolerance: 0.03, reliabilityThreshold: 0.85, retentionDays: 180},
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ORACLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyProfile()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "oraclectl")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("consensus.profile", ProfileStandard)
	v.SetDefault("consensus.fetch_timeout", "5s")
	v.SetDefault("consensus.min_oracles", 3)
	v.SetDefault("consensus.notify_rejections", false)

	v.SetDefault("health.interval", "30s")
	v.SetDefault("health.alpha", 0.3)
	v.SetDefault("health.probe_timeout", "5s")
	v.SetDefault("health.concurrency", 8)

	v.SetDefault("retention.interval", "24h")
	v.SetDefault("retention.archive_days", 30)
	v.SetDefault("retention.batch_size", 1000)
	v.SetDefault("retention.advisory_lock_key", int64(0x6f72636c))
	v.SetDefault("retention.startup_delay", "1m")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.timeout", "10s")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9464")
	v.SetDefault("metrics.namespace", "oracle")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", ":8080")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// applyProfile fills thresholds the operator left unset.
func (c *Config) applyProfile() {
	c.Consensus.Profile = strings.ToLower(strings.TrimSpace(c.Consensus.Profile))
	if c.Consensus.Profile == "" {
		c.Consensus.Profile = ProfileStandard
	}
	p, ok := profiles[c.Consensus.Profile]
	if !ok {
		return
	}
	if c.Consensus.MinConsensus == 0 {
		c.Consensus.MinConsensus = p.minConsensus
	}
	if c.Consensus.PriceTolerance == 0 {
		c.Consensus.PriceTolerance = p.priceTolerance
	}
	if c.Health.ReliabilityThreshold == 0 {
		c.Health.ReliabilityThreshold = p.reliabilityThreshold
	}
	if c.Retention.RetentionDays == 0 {
		c.Retention.RetentionDays = p.retentionDays
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if _, ok := profiles[c.Consensus.Profile]; !ok {
		return fmt.Errorf("consensus.profile must be %q or %q, got %q", ProfileStandard, ProfileStrict, c.Consensus.Profile)
	}
	if c.Consensus.MinConsensus <= 0 || c.Consensus.MinConsensus > 1 {
		return fmt.Errorf("consensus.min_consensus must be within (0, 1]")
	}
	if c.Consensus.PriceTolerance <= 0 || c.Consensus.PriceTolerance >= 1 {
		return fmt.Errorf("consensus.price_tolerance must be within (0, 1)")
	}
	if c.Consensus.FetchTimeout <= 0 {
		return fmt.Errorf("consensus.fetch_timeout must be greater than zero")
	}
	if c.Consensus.MinOracles <= 0 {
		return fmt.Errorf("consensus.min_oracles must be greater than zero")
	}
	if c.Health.Interval <= 0 {
		return fmt.Errorf("health.interval must be greater than zero")
	}
	if c.Health.ReliabilityThreshold <= 0 || c.Health.ReliabilityThreshold > 1 {
		return fmt.Errorf("health.reliability_threshold must be within (0, 1]")
	}
	if c.Health.Alpha <= 0 || c.Health.Alpha > 1 {
		return fmt.Errorf("health.alpha must be within (0, 1]")
	}
	if c.Retention.Interval <= 0 {
		return fmt.Errorf("retention.interval must be greater than zero")
	}
	if c.Retention.ArchiveDays <= 0 || c.Retention.ArchiveDays >= c.Retention.RetentionDays {
		return fmt.Errorf("retention.archive_days must be positive and less than retention.retention_days")
	}
	if c.API.Enabled && c.API.Listen == "" {
		return fmt.Errorf("api.listen is required when api.enabled is set")
	}
	if c.API.Enabled && c.Metrics.Enabled && c.API.Listen == c.Metrics.Listen {
		return fmt.Errorf("api.listen and metrics.listen must differ")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}

	seen := make(map[string]struct{}, len(c.Oracles))
	for i, o := range c.Oracles {
		if o.ID == "" {
			return fmt.Errorf("oracles[%d].id is required", i)
		}
		if _, dup := seen[o.ID]; dup {
			return fmt.Errorf("oracles[%d].id %q is duplicated", i, o.ID)
		}
		seen[o.ID] = struct{}{}
		switch o.Provider {
		case ProviderChainlink, ProviderPyth, ProviderBand:
		default:
			return fmt.Errorf("oracles[%d].provider %q is not supported", i, o.Provider)
		}
		if o.StakeWeight < 0 {
			return fmt.Errorf("oracles[%d].stake_weight cannot be negative", i)
		}
	}

	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// EnabledOracles returns the adapters switched on in configuration.
func (c *Config) EnabledOracles() []OracleConfig {
	out := make([]OracleConfig, 0, len(c.Oracles))
	for _, o := range c.Oracles {
		if o.Enabled {
			out = append(out, o)
		}
	}
	return out
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
