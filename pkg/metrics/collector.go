package metrics

import (
	"time"
)

// ModelStats is a point-in-time summary of the balancer's cluster model
type ModelStats struct {
	NodesUp        int
	NodesDown      int
	Services       int
	FailoverUnits  int
	Domains        int
	PendingNodes   int
	PendingFUs     int
	PendingLoads   int
	RefreshHealthy bool
	RefreshMessage string
}

// StatsSource provides model statistics, typically the engine
type StatsSource interface {
	ModelStats() ModelStats
}

// Collector periodically copies model statistics into gauges
type Collector struct {
	source   StatsSource
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source StatsSource, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect samples the source once
func (c *Collector) Collect() {
	stats := c.source.ModelStats()

	NodesTotal.WithLabelValues("up").Set(float64(stats.NodesUp))
	NodesTotal.WithLabelValues("down").Set(float64(stats.NodesDown))
	ServicesTotal.Set(float64(stats.Services))
	FailoverUnitsTotal.Set(float64(stats.FailoverUnits))
	DomainsTotal.Set(float64(stats.Domains))
	PendingUpdates.WithLabelValues("node").Set(float64(stats.PendingNodes))
	PendingUpdates.WithLabelValues("failover_unit").Set(float64(stats.PendingFUs))
	PendingUpdates.WithLabelValues("load").Set(float64(stats.PendingLoads))

	UpdateComponent(ComponentRefresh, stats.RefreshHealthy, stats.RefreshMessage)
}
