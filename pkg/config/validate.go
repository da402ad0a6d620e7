package config

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

// ErrInvalidConfig is wrapped by every validation failure
var ErrInvalidConfig = errors.New("invalid configuration")

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Validate checks the configuration and returns every problem found
func (c *Config) Validate() error {
	var err error

	if c.PLBRefreshGap <= 0 {
		err = multierr.Append(err, invalid("plbRefreshGap must be positive"))
	}
	if c.MinPlacementInterval < 0 || c.MinConstraintCheckInterval < 0 || c.MinLoadBalancingInterval < 0 {
		err = multierr.Append(err, invalid("stage intervals must not be negative"))
	}
	if c.MaxPercentageToMove < 0 || c.MaxPercentageToMove > 1 {
		err = multierr.Append(err, invalid("maxPercentageToMove %v is outside [0, 1]", c.MaxPercentageToMove))
	}
	if c.MaxPercentageToMoveForPlacement < 0 || c.MaxPercentageToMoveForPlacement > 1 {
		err = multierr.Append(err, invalid("maxPercentageToMoveForPlacement %v is outside [0, 1]", c.MaxPercentageToMoveForPlacement))
	}
	for name, pct := range map[string]float64{
		"globalMovementThrottleThresholdPercentage":             c.GlobalMovementThrottleThresholdPercentage,
		"globalMovementThrottleThresholdPercentageForPlacement": c.GlobalMovementThrottleThresholdPercentageForPlacement,
		"globalMovementThrottleThresholdPercentageForBalancing": c.GlobalMovementThrottleThresholdPercentageForBalancing,
	} {
		if pct < 0 || pct > 1 {
			err = multierr.Append(err, invalid("%s %v is outside [0, 1]", name, pct))
		}
	}
	if c.GlobalMovementThrottleThreshold < 0 || c.GlobalMovementThrottleThresholdForPlacement < 0 ||
		c.GlobalMovementThrottleThresholdForBalancing < 0 || c.MovementPerPartitionThrottleThreshold < 0 {
		err = multierr.Append(err, invalid("movement throttle thresholds must not be negative"))
	}
	if c.SwapPrimaryProbability < 0 || c.SwapPrimaryProbability > 1 {
		err = multierr.Append(err, invalid("swapPrimaryProbability %v is outside [0, 1]", c.SwapPrimaryProbability))
	}
	for name, rate := range map[string]float64{
		"fastBalancingTemperatureDecayRate": c.FastBalancingTemperatureDecayRate,
		"slowBalancingTemperatureDecayRate": c.SlowBalancingTemperatureDecayRate,
	} {
		if rate <= 0 || rate >= 1 {
			err = multierr.Append(err, invalid("%s %v is outside (0, 1)", name, rate))
		}
	}
	if c.LoadDecayFactor < 0 || c.LoadDecayFactor > 1 {
		err = multierr.Append(err, invalid("loadDecayFactor %v is outside [0, 1]", c.LoadDecayFactor))
	}
	if c.UseBatchPlacement && c.PlacementReplicaCountPerBatch <= 0 {
		err = multierr.Append(err, invalid("placementReplicaCountPerBatch must be positive when batch placement is enabled"))
	}
	for metric, threshold := range c.MetricBalancingThresholds {
		if threshold < 1 {
			err = multierr.Append(err, invalid("balancing threshold for %s must be at least 1, got %v", metric, threshold))
		}
	}
	for metric, pct := range c.NodeBufferPercentage {
		if pct < 0 || pct >= 1 {
			err = multierr.Append(err, invalid("node buffer percentage for %s is outside [0, 1)", metric))
		}
	}
	for metric, w := range c.GlobalMetricWeights {
		if w < 0 {
			err = multierr.Append(err, invalid("weight for %s must not be negative", metric))
		}
	}
	if c.HealthReportsPerSecond <= 0 {
		err = multierr.Append(err, invalid("healthReportsPerSecond must be positive"))
	}
	if c.TraceQueueSize <= 0 {
		err = multierr.Append(err, invalid("traceQueueSize must be positive"))
	}

	return err
}

// Validate checks the daemon configuration including the engine section
func (f *File) Validate() error {
	var err error
	if f.PLB == nil {
		return invalid("plb section is missing")
	}
	switch f.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		err = multierr.Append(err, invalid("unknown log level %q", f.Log.Level))
	}
	return multierr.Append(err, f.PLB.Validate())
}
