package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
	require.NoError(t, DefaultFile().Validate())
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plb.yaml")
	content := `
log:
  level: debug
server:
  httpAddr: ":8080"
plb:
  minLoadBalancingInterval: 30s
  loadBalancingEnabled: false
  validatePlacementConstraint: false
  metricBalancingThresholds:
    CPU: 1.5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.Equal(t, ":9191", cfg.Server.GRPCAddr, "unset values keep defaults")
	assert.Equal(t, 30*time.Second, cfg.PLB.MinLoadBalancingInterval)
	assert.False(t, cfg.PLB.LoadBalancingEnabled)
	assert.True(t, cfg.PLB.ConstraintCheckEnabled)
	assert.False(t, cfg.PLB.ValidatePlacementConstraint)
	assert.True(t, Default().ValidatePlacementConstraint)
	assert.Equal(t, 1.5, cfg.PLB.BalancingThreshold("CPU"))
	assert.Equal(t, 1.0, cfg.PLB.BalancingThreshold("Memory"))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr int
	}{
		{
			name:    "valid defaults",
			mutate:  func(c *Config) {},
			wantErr: 0,
		},
		{
			name:    "percentage out of range",
			mutate:  func(c *Config) { c.MaxPercentageToMove = 1.5 },
			wantErr: 1,
		},
		{
			name: "several problems are all reported",
			mutate: func(c *Config) {
				c.PLBRefreshGap = 0
				c.SwapPrimaryProbability = -1
				c.MetricBalancingThresholds["CPU"] = 0.5
			},
			wantErr: 3,
		},
		{
			name:    "decay rate must be below one",
			mutate:  func(c *Config) { c.SlowBalancingTemperatureDecayRate = 1 },
			wantErr: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			assert.Len(t, multierr.Errors(err), tt.wantErr)
			if tt.wantErr > 0 {
				assert.True(t, errors.Is(err, ErrInvalidConfig))
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("PLB_MIN_PLACEMENT_INTERVAL", "3s")
	t.Setenv("PLB_LOAD_BALANCING_ENABLED", "false")
	t.Setenv("PLB_LOG_LEVEL", "warn")

	cfg := DefaultFile()
	require.NoError(t, ApplyEnv(cfg))

	assert.Equal(t, 3*time.Second, cfg.PLB.MinPlacementInterval)
	assert.False(t, cfg.PLB.LoadBalancingEnabled)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 5*time.Second, cfg.PLB.MinLoadBalancingInterval, "unset variables keep current values")
}

func TestClone(t *testing.T) {
	cfg := Default()
	cfg.GlobalMetricWeights["CPU"] = 2

	clone := cfg.Clone()
	clone.GlobalMetricWeights["CPU"] = 5

	assert.Equal(t, 2.0, cfg.MetricWeight("CPU"))
	assert.Equal(t, 5.0, clone.MetricWeight("CPU"))
}
