package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Model metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "plb_nodes_total",
			Help: "Total number of nodes by status",
		},
		[]string{"status"},
	)

	ServicesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "plb_services_total",
			Help: "Total number of services",
		},
	)

	FailoverUnitsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "plb_failover_units_total",
			Help: "Total number of failover units",
		},
	)

	DomainsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "plb_service_domains_total",
			Help: "Total number of service domains",
		},
	)

	PendingUpdates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "plb_pending_updates",
			Help: "Buffered updates waiting for the next refresh by kind",
		},
		[]string{"kind"},
	)

	// Refresh metrics
	RefreshDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "plb_refresh_duration_seconds",
			Help:    "Time taken by one refresh in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "plb_stage_duration_seconds",
			Help:    "Time spent searching in a scheduler stage in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	StagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plb_stages_total",
			Help: "Scheduler actions selected per domain",
		},
		[]string{"action"},
	)

	SearchInterruptedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "plb_search_interrupted_total",
			Help: "Searches stopped through their cancellation token",
		},
	)

	// Movement metrics
	MovementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plb_movements_total",
			Help: "Movements emitted to the failover manager by type",
		},
		[]string{"type"},
	)

	MovementsDiscardedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "plb_movements_discarded_total",
			Help: "Movements discarded because the failover unit changed",
		},
	)

	MovementsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "plb_movements_dropped_total",
			Help: "Movements reported as dropped by the failover manager",
		},
	)

	MovementsThrottledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plb_movements_throttled_total",
			Help: "Stages that ran with a throttled movement budget",
		},
		[]string{"action"},
	)

	AutoScalingTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plb_auto_scaling_total",
			Help: "Auto scaling decisions by kind and result",
		},
		[]string{"kind", "result"},
	)

	// Reporting metrics
	HealthReportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plb_health_reports_total",
			Help: "Health reports delivered by result",
		},
		[]string{"result"},
	)

	TraceEventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "plb_trace_events_dropped_total",
			Help: "Trace events dropped because the trace queue was full",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plb_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "plb_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(ServicesTotal)
	prometheus.MustRegister(FailoverUnitsTotal)
	prometheus.MustRegister(DomainsTotal)
	prometheus.MustRegister(PendingUpdates)
	prometheus.MustRegister(RefreshDuration)
	prometheus.MustRegister(StageDuration)
	prometheus.MustRegister(StagesTotal)
	prometheus.MustRegister(SearchInterruptedTotal)
	prometheus.MustRegister(MovementsTotal)
	prometheus.MustRegister(MovementsDiscardedTotal)
	prometheus.MustRegister(MovementsDroppedTotal)
	prometheus.MustRegister(MovementsThrottledTotal)
	prometheus.MustRegister(AutoScalingTotal)
	prometheus.MustRegister(HealthReportsTotal)
	prometheus.MustRegister(TraceEventsDroppedTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures the duration of an operation
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in seconds
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time in seconds under the given labels
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
