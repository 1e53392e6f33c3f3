package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadStandardDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  name: test\n"))
	require.NoError(t, err)

	assert.Equal(t, ProfileStandard, cfg.Consensus.Profile)
	assert.Equal(t, 0.51, cfg.Consensus.MinConsensus)
	assert.Equal(t, 0.05, cfg.Consensus.PriceTolerance)
	assert.Equal(t, 5*time.Second, cfg.Consensus.FetchTimeout)
	assert.Equal(t, 3, cfg.Consensus.MinOracles)
	assert.Equal(t, 30*time.Second, cfg.Health.Interval)
	assert.Equal(t, 0.7, cfg.Health.ReliabilityThreshold)
	assert.Equal(t, 30, cfg.Retention.ArchiveDays)
	assert.Equal(t, 90, cfg.Retention.RetentionDays)
	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, ":8080", cfg.API.Listen)
}

func TestLoadStrictProfileKeepsExplicitValues(t *testing.T) {
	path := writeConfig(t, `
consensus:
  profile: strict
  price_tolerance: 0.02
oracles:
  - id: chainlink-1
    provider: chainlink
    enabled: true
    stake_weight: 1.5
    feeds:
      BTC-USD: "0xF4030086522a5bEEa4988F8cA5B36dbC97BeE88c"
  - id: pyth-1
    provider: pyth
    enabled: false
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 0.67, cfg.Consensus.MinConsensus)
	assert.Equal(t, 0.02, cfg.Consensus.PriceTolerance)
	assert.Equal(t, 0.85, cfg.Health.ReliabilityThreshold)
	assert.Equal(t, 180, cfg.Retention.RetentionDays)

	enabled := cfg.EnabledOracles()
	require.Len(t, enabled, 1)
	assert.Equal(t, 1.5, enabled[0].StakeWeight)
	assert.Contains(t, enabled[0].Feeds, "btc-usd", "viper lowercases map keys")
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("ORACLE_CONSENSUS_MIN_ORACLES", "5")
	cfg, err := Load(writeConfig(t, "app:\n  name: test\n"))
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Consensus.MinOracles)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"unknown profile":   "consensus:\n  profile: lax\n",
		"inverted windows":  "retention:\n  archive_days: 120\n",
		"tolerance too big": "consensus:\n  price_tolerance: 1.5\n",
		"bad provider":      "oracles:\n  - id: x\n    provider: redstone\n",
		"duplicate oracle":  "oracles:\n  - id: x\n    provider: pyth\n  - id: x\n    provider: band\n",
		"telegram no token": "alerting:\n  telegram:\n    enabled: true\n",
		"shared listener":   "metrics:\n  enabled: true\n  listen: \":8080\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}
