package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crucible-platform/crucible/internal/config"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []string{"urgent", "normal", "batch", "maintenance"}, cfg.QueuePriorities)
}

func TestEnvFeeder_OverridesScalarsAndSlices(t *testing.T) {
	env := map[string]string{
		"ROUTER_PRIMARY_PERCENTAGE": "0.25",
		"FORCE_LEGACY_QUEUE":        "true",
		"EXECUTOR_POOL_IDS":         "exec-1, exec-2,exec-3",
		"EVENT_BUS_URL":             "durable-memory://",
	}
	feeder := config.NewEnvFeederWithLookup(func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	})

	cfg := config.Default()
	require.NoError(t, feeder.Feed(&cfg))

	assert.InDelta(t, 0.25, cfg.RouterPrimaryPercentage, 0.0001)
	assert.True(t, cfg.ForceLegacyQueue)
	assert.Equal(t, []string{"exec-1", "exec-2", "exec-3"}, cfg.ExecutorPoolIDs)
	assert.Equal(t, "durable-memory://", cfg.EventBusURL)
	// Untouched field keeps its default.
	assert.Equal(t, 60, cfg.ProvisioningDeadlineSeconds)
}

func TestEnvFeeder_IgnoresUnsetVars(t *testing.T) {
	feeder := config.NewEnvFeederWithLookup(func(string) (string, bool) { return "", false })
	cfg := config.Default()
	before := cfg
	require.NoError(t, feeder.Feed(&cfg))
	assert.Equal(t, before, cfg)
}

func TestValidate_RejectsOutOfRangePercentage(t *testing.T) {
	cfg := config.Default()
	cfg.RouterPrimaryPercentage = 1.5
	assert.ErrorIs(t, cfg.Validate(), config.ErrOutOfRange)
}

func TestLoad_MissingBaseFileUsesDefaults(t *testing.T) {
	cfg, err := config.Load("/nonexistent/path/crucible.toml")
	require.NoError(t, err)
	assert.Equal(t, config.Default().ExecutorLeaseTTLSeconds, cfg.ExecutorLeaseTTLSeconds)
}
