package config

import (
	"fmt"
	"time"

	"github.com/vrischmann/envconfig"
)

// EnvPrefix prefixes every environment override, e.g. PLB_MIN_PLACEMENT_INTERVAL
const EnvPrefix = "PLB"

// envOverrides lists the options that may be overridden from the environment.
// Per metric maps are file only.
type envOverrides struct {
	PLBRefreshGap                          time.Duration
	MinPlacementInterval                   time.Duration
	MinConstraintCheckInterval             time.Duration
	MinLoadBalancingInterval               time.Duration
	BalancingDelayAfterNodeDown            time.Duration
	BalancingDelayAfterNewNode             time.Duration
	GlobalMovementThrottleThreshold        int
	GlobalMovementThrottleCountingInterval time.Duration
	MovementPerPartitionThrottleThreshold  int
	PlacementSearchTimeout                 time.Duration
	FastBalancingSearchTimeout             time.Duration
	SlowBalancingSearchTimeout             time.Duration
	InitialRandomSeed                      int64
	MaxPercentageToMove                    float64
	LoadBalancingEnabled                   bool
	ConstraintCheckEnabled                 bool
	SplitDomainEnabled                     bool
	LoadDecayInterval                      time.Duration
	LoadDecayFactor                        float64
	PLBHealthEventTTL                      time.Duration
	HealthReportsPerSecond                 float64
	TestMode                               bool

	LogLevel  string
	LogJSON   bool
	HTTPAddr  string
	GRPCAddr  string
	TraceDB   string
	HealthURL string
}

// ApplyEnv overlays PLB_* environment variables onto the configuration.
// Variables that are not set leave the current values untouched.
func ApplyEnv(f *File) error {
	p := f.PLB
	o := envOverrides{
		PLBRefreshGap:                          p.PLBRefreshGap,
		MinPlacementInterval:                   p.MinPlacementInterval,
		MinConstraintCheckInterval:             p.MinConstraintCheckInterval,
		MinLoadBalancingInterval:               p.MinLoadBalancingInterval,
		BalancingDelayAfterNodeDown:            p.BalancingDelayAfterNodeDown,
		BalancingDelayAfterNewNode:             p.BalancingDelayAfterNewNode,
		GlobalMovementThrottleThreshold:        p.GlobalMovementThrottleThreshold,
		GlobalMovementThrottleCountingInterval: p.GlobalMovementThrottleCountingInterval,
		MovementPerPartitionThrottleThreshold:  p.MovementPerPartitionThrottleThreshold,
		PlacementSearchTimeout:                 p.PlacementSearchTimeout,
		FastBalancingSearchTimeout:             p.FastBalancingSearchTimeout,
		SlowBalancingSearchTimeout:             p.SlowBalancingSearchTimeout,
		InitialRandomSeed:                      p.InitialRandomSeed,
		MaxPercentageToMove:                    p.MaxPercentageToMove,
		LoadBalancingEnabled:                   p.LoadBalancingEnabled,
		ConstraintCheckEnabled:                 p.ConstraintCheckEnabled,
		SplitDomainEnabled:                     p.SplitDomainEnabled,
		LoadDecayInterval:                      p.LoadDecayInterval,
		LoadDecayFactor:                        p.LoadDecayFactor,
		PLBHealthEventTTL:                      p.PLBHealthEventTTL,
		HealthReportsPerSecond:                 p.HealthReportsPerSecond,
		TestMode:                               p.TestMode,
		LogLevel:                               f.Log.Level,
		LogJSON:                                f.Log.JSON,
		HTTPAddr:                               f.Server.HTTPAddr,
		GRPCAddr:                               f.Server.GRPCAddr,
		TraceDB:                                f.Trace.Path,
		HealthURL:                              f.Health.URL,
	}

	if err := envconfig.InitWithOptions(&o, envconfig.Options{Prefix: EnvPrefix, AllOptional: true}); err != nil {
		return fmt.Errorf("failed to read environment overrides: %w", err)
	}

	p.PLBRefreshGap = o.PLBRefreshGap
	p.MinPlacementInterval = o.MinPlacementInterval
	p.MinConstraintCheckInterval = o.MinConstraintCheckInterval
	p.MinLoadBalancingInterval = o.MinLoadBalancingInterval
	p.BalancingDelayAfterNodeDown = o.BalancingDelayAfterNodeDown
	p.BalancingDelayAfterNewNode = o.BalancingDelayAfterNewNode
	p.GlobalMovementThrottleThreshold = o.GlobalMovementThrottleThreshold
	p.GlobalMovementThrottleCountingInterval = o.GlobalMovementThrottleCountingInterval
	p.MovementPerPartitionThrottleThreshold = o.MovementPerPartitionThrottleThreshold
	p.PlacementSearchTimeout = o.PlacementSearchTimeout
	p.FastBalancingSearchTimeout = o.FastBalancingSearchTimeout
	p.SlowBalancingSearchTimeout = o.SlowBalancingSearchTimeout
	p.InitialRandomSeed = o.InitialRandomSeed
	p.MaxPercentageToMove = o.MaxPercentageToMove
	p.LoadBalancingEnabled = o.LoadBalancingEnabled
	p.ConstraintCheckEnabled = o.ConstraintCheckEnabled
	p.SplitDomainEnabled = o.SplitDomainEnabled
	p.LoadDecayInterval = o.LoadDecayInterval
	p.LoadDecayFactor = o.LoadDecayFactor
	p.PLBHealthEventTTL = o.PLBHealthEventTTL
	p.HealthReportsPerSecond = o.HealthReportsPerSecond
	p.TestMode = o.TestMode
	f.Log.Level = o.LogLevel
	f.Log.JSON = o.LogJSON
	f.Server.HTTPAddr = o.HTTPAddr
	f.Server.GRPCAddr = o.GRPCAddr
	f.Trace.Path = o.TraceDB
	f.Health.URL = o.HealthURL

	return nil
}
