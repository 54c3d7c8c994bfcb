package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/market-maker/internal/config"
	"github.com/atmx/market-maker/internal/risk"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Scheduler.CleanupHour)
	assert.Equal(t, 10000, cfg.Quote.HistorySize)
	assert.Equal(t, ":8080", cfg.Addr())

	rc, err := cfg.RiskRules()
	require.NoError(t, err)
	def := risk.DefaultConfig()
	assert.True(t, rc.Enabled)
	assert.True(t, rc.MaxSingleTradeAmount.Equal(def.MaxSingleTradeAmount))
	assert.True(t, rc.MaxSpreadLimit.Equal(def.MaxSpreadLimit))
	assert.True(t, rc.MaxLossLimit.Equal(def.MaxLossLimit))
	assert.Equal(t, 5, rc.MaxLevelDeviation)
	assert.Equal(t, 10, rc.MaxOrdersPerSecond)

	bc := cfg.BookSettings()
	assert.Equal(t, time.Minute, bc.SnapshotInterval)
	assert.Equal(t, 24*time.Hour, bc.Retention)
	assert.Equal(t, 3, bc.SnapshotRetries)

	ec := cfg.EngineSettings()
	assert.Equal(t, 5*time.Second, ec.Validity)
	assert.Equal(t, "0.00001", ec.SpreadBuffer.String())
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mm.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
port = 9090

[risk]
max_single_trade_amount = "2500.50"
blacklist = ["BAD1", "BAD2"]

[book]
retention_hours = 48
`), 0o600))

	t.Setenv("MM_RISK_MAX_LOSS_LIMIT", "-42.5")
	t.Setenv("MM_QUOTE_DEFAULT_VALIDITY_SECONDS", "7")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 48*time.Hour, cfg.BookSettings().Retention)
	assert.Equal(t, 7*time.Second, cfg.EngineSettings().Validity)

	rc, err := cfg.RiskRules()
	require.NoError(t, err)
	assert.Equal(t, "2500.5", rc.MaxSingleTradeAmount.String())
	assert.Equal(t, "-42.5", rc.MaxLossLimit.String())
	assert.Equal(t, []string{"BAD1", "BAD2"}, rc.Blacklist)
}

func TestLoad_Invalid(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := config.Load(filepath.Join(t.TempDir(), "absent.toml"))
		assert.Error(t, err)
	})
	t.Run("bad decimal", func(t *testing.T) {
		t.Setenv("MM_RISK_MAX_SPREAD_LIMIT", "wide")
		_, err := config.Load("")
		assert.ErrorContains(t, err, "risk.max_spread_limit")
	})
	t.Run("positive loss limit", func(t *testing.T) {
		t.Setenv("MM_RISK_MAX_LOSS_LIMIT", "10")
		_, err := config.Load("")
		assert.Error(t, err)
	})
	t.Run("cleanup hour", func(t *testing.T) {
		t.Setenv("MM_SCHEDULER_CLEANUP_HOUR", "24")
		_, err := config.Load("")
		assert.ErrorContains(t, err, "cleanup_hour")
	})
}
