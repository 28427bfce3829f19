package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/protocol-yield-orchestrator/internal/config"
)

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("PYO_DATA_DIR", t.TempDir())
	t.Setenv("PYO_PROTOCOLS", "")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 1000, cfg.Coordinator.MaxHistory)
	assert.Equal(t, 8080, cfg.API.Port)
	assert.Equal(t, 90, cfg.Store.RetentionDays)
	assert.True(t, cfg.Reallocation.AutoRollback)
	assert.Empty(t, cfg.Protocols)
}

func TestLoadParsesProtocolList(t *testing.T) {
	t.Setenv("PYO_DATA_DIR", t.TempDir())
	t.Setenv("PYO_PROTOCOLS", "streaming, compute")
	t.Setenv("PYO_PROTOCOL_STREAMING_MIN", "0.1")
	t.Setenv("PYO_PROTOCOL_STREAMING_MAX", "0.7")
	t.Setenv("PYO_PROTOCOL_COMPUTE_KIND", "compute")

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Len(t, cfg.Protocols, 2)

	bounds := cfg.Bounds()
	assert.InDelta(t, 0.1, bounds["streaming"][0], 1e-9)
	assert.InDelta(t, 0.7, bounds["streaming"][1], 1e-9)
	assert.Equal(t, "compute", cfg.Protocols[1].Kind)
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := &config.Config{API: config.APIConfig{Port: 70000}}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidateRejectsInvertedBounds(t *testing.T) {
	cfg := &config.Config{
		API:       config.APIConfig{Port: 8080},
		Protocols: []config.ProtocolConfig{{Name: "streaming", MinAllocation: 0.8, MaxAllocation: 0.2}},
	}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestCLIOverrideTakesPriorityOverEnv(t *testing.T) {
	t.Setenv("PYO_DATA_DIR", "/should-not-be-used")
	override := t.TempDir()

	cfg, err := config.Load(override)
	require.NoError(t, err)
	assert.Equal(t, override, cfg.DataDir)
}
