package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the placement and load balancing engine
type Config struct {
	// Refresh loop
	PLBRefreshGap                 time.Duration `yaml:"plbRefreshGap"`
	ProcessPendingUpdatesInterval time.Duration `yaml:"processPendingUpdatesInterval"`

	// Scheduler stage intervals
	MinPlacementInterval            time.Duration `yaml:"minPlacementInterval"`
	MinConstraintCheckInterval      time.Duration `yaml:"minConstraintCheckInterval"`
	MinLoadBalancingInterval        time.Duration `yaml:"minLoadBalancingInterval"`
	BalancingDelayAfterNodeDown     time.Duration `yaml:"balancingDelayAfterNodeDown"`
	BalancingDelayAfterNewNode      time.Duration `yaml:"balancingDelayAfterNewNode"`
	PLBRewindInterval               time.Duration `yaml:"plbRewindInterval"`
	AvgStdDevDeltaThrottleThreshold float64       `yaml:"avgStdDevDeltaThrottleThreshold"`
	MaxMovementExecutionTime        time.Duration `yaml:"maxMovementExecutionTime"`

	// Movement throttling
	GlobalMovementThrottleThreshold                       int           `yaml:"globalMovementThrottleThreshold"`
	GlobalMovementThrottleThresholdPercentage             float64       `yaml:"globalMovementThrottleThresholdPercentage"`
	GlobalMovementThrottleThresholdForPlacement           int           `yaml:"globalMovementThrottleThresholdForPlacement"`
	GlobalMovementThrottleThresholdPercentageForPlacement float64       `yaml:"globalMovementThrottleThresholdPercentageForPlacement"`
	GlobalMovementThrottleThresholdForBalancing           int           `yaml:"globalMovementThrottleThresholdForBalancing"`
	GlobalMovementThrottleThresholdPercentageForBalancing float64       `yaml:"globalMovementThrottleThresholdPercentageForBalancing"`
	GlobalMovementThrottleCountingInterval                time.Duration `yaml:"globalMovementThrottleCountingInterval"`
	MovementPerPartitionThrottleThreshold                 int           `yaml:"movementPerPartitionThrottleThreshold"`
	MovementPerPartitionThrottleCountingInterval          time.Duration `yaml:"movementPerPartitionThrottleCountingInterval"`
	InBuildThrottlingEnabled                              bool          `yaml:"inBuildThrottlingEnabled"`
	InBuildThrottlingGlobalMaxValue                       int           `yaml:"inBuildThrottlingGlobalMaxValue"`

	// Search
	PlacementSearchTimeout               time.Duration `yaml:"placementSearchTimeout"`
	ConstraintCheckSearchTimeout         time.Duration `yaml:"constraintCheckSearchTimeout"`
	FastBalancingSearchTimeout           time.Duration `yaml:"fastBalancingSearchTimeout"`
	SlowBalancingSearchTimeout           time.Duration `yaml:"slowBalancingSearchTimeout"`
	MaxSimulatedAnnealingIterations      int           `yaml:"maxSimulatedAnnealingIterations"`
	SimulatedAnnealingIterationsPerRound int           `yaml:"simulatedAnnealingIterationsPerRound"`
	FastBalancingTemperatureDecayRate    float64       `yaml:"fastBalancingTemperatureDecayRate"`
	SlowBalancingTemperatureDecayRate    float64       `yaml:"slowBalancingTemperatureDecayRate"`
	InitialRandomSeed                    int64         `yaml:"initialRandomSeed"`
	MaxPercentageToMove                  float64       `yaml:"maxPercentageToMove"`
	MaxPercentageToMoveForPlacement      float64       `yaml:"maxPercentageToMoveForPlacement"`
	SwapCost                             float64       `yaml:"swapCost"`
	SwapPrimaryProbability               float64       `yaml:"swapPrimaryProbability"`
	ScoreImprovementThreshold            float64       `yaml:"scoreImprovementThreshold"`
	UseBatchPlacement                    bool          `yaml:"useBatchPlacement"`
	PlacementReplicaCountPerBatch        int           `yaml:"placementReplicaCountPerBatch"`
	MoveExistingReplicaForPlacement      bool          `yaml:"moveExistingReplicaForPlacement"`
	PartiallyPlaceServices               bool          `yaml:"partiallyPlaceServices"`
	PreferExistingReplicaLocations       bool          `yaml:"preferExistingReplicaLocations"`
	PlaceChildWithoutParent              bool          `yaml:"placeChildWithoutParent"`

	// Phase switches
	LoadBalancingEnabled                        bool `yaml:"loadBalancingEnabled"`
	ConstraintCheckEnabled                      bool `yaml:"constraintCheckEnabled"`
	SplitDomainEnabled                          bool `yaml:"splitDomainEnabled"`
	InterruptBalancingForAllFailoverUnitUpdates bool `yaml:"interruptBalancingForAllFailoverUnitUpdates"`
	AllowBalancingDuringApplicationUpgrade      bool `yaml:"allowBalancingDuringApplicationUpgrade"`

	// Load
	LoadDecayInterval        time.Duration `yaml:"loadDecayInterval"`
	LoadDecayFactor          float64       `yaml:"loadDecayFactor"`
	UseSeparateSecondaryLoad bool          `yaml:"useSeparateSecondaryLoad"`

	// Constraint priorities, negative disables the constraint
	PlacementConstraintPriority           int `yaml:"placementConstraintPriority"`
	PreferredLocationConstraintPriority   int `yaml:"preferredLocationConstraintPriority"`
	CapacityConstraintPriority            int `yaml:"capacityConstraintPriority"`
	AffinityConstraintPriority            int `yaml:"affinityConstraintPriority"`
	FaultDomainConstraintPriority         int `yaml:"faultDomainConstraintPriority"`
	UpgradeDomainConstraintPriority       int `yaml:"upgradeDomainConstraintPriority"`
	ScaleoutCountConstraintPriority       int `yaml:"scaleoutCountConstraintPriority"`
	ApplicationCapacityConstraintPriority int `yaml:"applicationCapacityConstraintPriority"`
	ThrottlingConstraintPriority          int `yaml:"throttlingConstraintPriority"`

	QuorumBasedReplicaDistributionPerFaultDomains   bool `yaml:"quorumBasedReplicaDistributionPerFaultDomains"`
	QuorumBasedReplicaDistributionPerUpgradeDomains bool `yaml:"quorumBasedReplicaDistributionPerUpgradeDomains"`
	PlacementConstraintValidationCacheSize          int  `yaml:"placementConstraintValidationCacheSize"`
	ValidatePlacementConstraint                     bool `yaml:"validatePlacementConstraint"`

	// Per metric settings
	MetricActivityThresholds  map[string]float64 `yaml:"metricActivityThresholds"`
	MetricBalancingThresholds map[string]float64 `yaml:"metricBalancingThresholds"`
	GlobalMetricWeights       map[string]float64 `yaml:"globalMetricWeights"`
	NodeBufferPercentage      map[string]float64 `yaml:"nodeBufferPercentage"`

	// Health reporting
	VerboseHealthReportLimit                     int           `yaml:"verboseHealthReportLimit"`
	DetailedVerboseHealthReportLimit             int           `yaml:"detailedVerboseHealthReportLimit"`
	ConstraintViolationHealthReportLimit         int           `yaml:"constraintViolationHealthReportLimit"`
	DetailedConstraintViolationHealthReportLimit int           `yaml:"detailedConstraintViolationHealthReportLimit"`
	ConsecutiveDroppedMovementsHealthReportLimit int           `yaml:"consecutiveDroppedMovementsHealthReportLimit"`
	DetailedNodeListLimit                        int           `yaml:"detailedNodeListLimit"`
	PLBHealthEventTTL                            time.Duration `yaml:"plbHealthEventTTL"`
	HealthReportsPerSecond                       float64       `yaml:"healthReportsPerSecond"`
	HealthReportRetryAttempts                    int           `yaml:"healthReportRetryAttempts"`

	// Auto scaling
	ServiceRepartitionForAutoScalingTimeout time.Duration `yaml:"serviceRepartitionForAutoScalingTimeout"`

	// Tracing
	TraceQueueSize int `yaml:"traceQueueSize"`

	// TestMode turns internal inconsistencies into panics
	TestMode bool `yaml:"testMode"`
}

// Default returns a configuration populated with production defaults
func Default() *Config {
	return &Config{
		PLBRefreshGap:                 1 * time.Second,
		ProcessPendingUpdatesInterval: 300 * time.Millisecond,

		MinPlacementInterval:            1 * time.Second,
		MinConstraintCheckInterval:      1 * time.Second,
		MinLoadBalancingInterval:        5 * time.Second,
		BalancingDelayAfterNodeDown:     120 * time.Second,
		BalancingDelayAfterNewNode:      120 * time.Second,
		PLBRewindInterval:               300 * time.Second,
		AvgStdDevDeltaThrottleThreshold: -1,
		MaxMovementExecutionTime:        10 * time.Second,

		GlobalMovementThrottleThreshold:              1000,
		GlobalMovementThrottleCountingInterval:       600 * time.Second,
		MovementPerPartitionThrottleThreshold:        50,
		MovementPerPartitionThrottleCountingInterval: 600 * time.Second,

		PlacementSearchTimeout:               500 * time.Millisecond,
		ConstraintCheckSearchTimeout:         500 * time.Millisecond,
		FastBalancingSearchTimeout:           10 * time.Second,
		SlowBalancingSearchTimeout:           120 * time.Second,
		MaxSimulatedAnnealingIterations:      -1,
		SimulatedAnnealingIterationsPerRound: 1000,
		FastBalancingTemperatureDecayRate:    0.8,
		SlowBalancingTemperatureDecayRate:    0.98,
		InitialRandomSeed:                    -1,
		MaxPercentageToMove:                  0.3,
		MaxPercentageToMoveForPlacement:      0.1,
		SwapCost:                             0.1,
		SwapPrimaryProbability:               0.3,
		UseBatchPlacement:                    true,
		PlacementReplicaCountPerBatch:        100000,
		MoveExistingReplicaForPlacement:      true,
		PartiallyPlaceServices:               true,
		PreferExistingReplicaLocations:       true,
		PlaceChildWithoutParent:              true,

		LoadBalancingEnabled:                   true,
		ConstraintCheckEnabled:                 true,
		AllowBalancingDuringApplicationUpgrade: true,

		LoadDecayInterval:        60 * time.Second,
		UseSeparateSecondaryLoad: true,

		PreferredLocationConstraintPriority: 2,
		UpgradeDomainConstraintPriority:     1,

		PlacementConstraintValidationCacheSize: 10000,
		ValidatePlacementConstraint:            true,

		MetricActivityThresholds:  map[string]float64{},
		MetricBalancingThresholds: map[string]float64{},
		GlobalMetricWeights:       map[string]float64{},
		NodeBufferPercentage:      map[string]float64{},

		VerboseHealthReportLimit:                     20,
		DetailedVerboseHealthReportLimit:             200,
		ConstraintViolationHealthReportLimit:         50,
		DetailedConstraintViolationHealthReportLimit: 200,
		ConsecutiveDroppedMovementsHealthReportLimit: 20,
		DetailedNodeListLimit:                        15,
		PLBHealthEventTTL:                            65 * time.Second,
		HealthReportsPerSecond:                       10,
		HealthReportRetryAttempts:                    3,

		ServiceRepartitionForAutoScalingTimeout: 60 * time.Second,

		TraceQueueSize: 1000,
	}
}

// Clone returns a deep copy of the configuration
func (c *Config) Clone() *Config {
	out := *c
	out.MetricActivityThresholds = cloneMap(c.MetricActivityThresholds)
	out.MetricBalancingThresholds = cloneMap(c.MetricBalancingThresholds)
	out.GlobalMetricWeights = cloneMap(c.GlobalMetricWeights)
	out.NodeBufferPercentage = cloneMap(c.NodeBufferPercentage)
	return &out
}

func cloneMap(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// BalancingThreshold returns the max/min node load ratio above which a metric is imbalanced
func (c *Config) BalancingThreshold(metric string) float64 {
	if v, ok := c.MetricBalancingThresholds[metric]; ok {
		return v
	}
	return 1.0
}

// ActivityThreshold returns the load below which a metric is never balanced
func (c *Config) ActivityThreshold(metric string) float64 {
	return c.MetricActivityThresholds[metric]
}

// MetricWeight returns the global weight applied to a metric in scoring
func (c *Config) MetricWeight(metric string) float64 {
	if v, ok := c.GlobalMetricWeights[metric]; ok {
		return v
	}
	return 1.0
}

// BufferPercentage returns the share of node capacity kept free during placement and balancing
func (c *Config) BufferPercentage(metric string) float64 {
	return c.NodeBufferPercentage[metric]
}

// File is the on-disk daemon configuration
type File struct {
	Log    LogConfig    `yaml:"log"`
	Server ServerConfig `yaml:"server"`
	Trace  TraceConfig  `yaml:"trace"`
	Health HealthConfig `yaml:"health"`
	PLB    *Config      `yaml:"plb"`
}

// LogConfig configures the log package
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// ServerConfig configures the HTTP and gRPC listeners
type ServerConfig struct {
	HTTPAddr string `yaml:"httpAddr"`
	GRPCAddr string `yaml:"grpcAddr"`
}

// TraceConfig configures the movement trace store
type TraceConfig struct {
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// HealthConfig configures delivery of health reports. Without a URL the
// reports are written to the log.
type HealthConfig struct {
	URL string `yaml:"url,omitempty"`
}

// DefaultFile returns a daemon configuration with defaults filled in
func DefaultFile() *File {
	return &File{
		Log:    LogConfig{Level: "info"},
		Server: ServerConfig{HTTPAddr: ":9190", GRPCAddr: ":9191"},
		Trace:  TraceConfig{Retention: 24 * time.Hour},
		PLB:    Default(),
	}
}

// Load reads a YAML configuration file on top of the defaults
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultFile()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.PLB == nil {
		cfg.PLB = Default()
	}

	return cfg, nil
}

// Marshal renders the configuration as YAML
func (f *File) Marshal() ([]byte, error) {
	return yaml.Marshal(f)
}
