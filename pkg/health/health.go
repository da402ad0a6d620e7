package health

import (
	"context"
	"time"

	"github.com/cuemby/plb/pkg/types"
)

// Reporter delivers balancer health reports to the health subsystem
type Reporter interface {
	AddHealthReports(ctx context.Context, reports []types.HealthReport) error
}

// ReporterFunc adapts a function to the Reporter interface
type ReporterFunc func(ctx context.Context, reports []types.HealthReport) error

// AddHealthReports calls f
func (f ReporterFunc) AddHealthReports(ctx context.Context, reports []types.HealthReport) error {
	return f(ctx, reports)
}

// Config configures asynchronous delivery
type Config struct {
	// QueueSize bounds the number of batches waiting for delivery
	QueueSize int

	// ReportsPerSecond limits the batch send rate
	ReportsPerSecond float64

	// Attempts is the number of delivery attempts per batch
	Attempts uint

	// RetryDelay is the base delay between attempts
	RetryDelay time.Duration

	// Timeout bounds a single delivery attempt
	Timeout time.Duration

	// UnhealthyAfter is the number of consecutive failed batches before the
	// reporter is marked unhealthy
	UnhealthyAfter int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		QueueSize:        100,
		ReportsPerSecond: 10,
		Attempts:         3,
		RetryDelay:       100 * time.Millisecond,
		Timeout:          10 * time.Second,
		UnhealthyAfter:   3,
	}
}

// Status tracks delivery health of the reporter
type Status struct {
	// ConsecutiveFailures tracks the number of consecutive failed batches
	ConsecutiveFailures int

	// ConsecutiveSuccesses tracks the number of consecutive delivered batches
	ConsecutiveSuccesses int

	// LastAttempt is the timestamp of the last delivery
	LastAttempt time.Time

	// LastError is the error of the last failed delivery
	LastError string

	// Healthy indicates if deliveries are currently succeeding
	Healthy bool

	// Delivered, Failed and Dropped count reports, not batches
	Delivered int
	Failed    int
	Dropped   int
}

// NewStatus creates a new Status with default values
func NewStatus() *Status {
	return &Status{Healthy: true}
}

// Update updates the status based on a delivery result
func (s *Status) Update(count int, err error, at time.Time, config Config) {
	s.LastAttempt = at

	if err == nil {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Delivered += count
		s.LastError = ""
		s.Healthy = true
		return
	}

	s.ConsecutiveFailures++
	s.ConsecutiveSuccesses = 0
	s.Failed += count
	s.LastError = err.Error()
	if s.ConsecutiveFailures >= config.UnhealthyAfter {
		s.Healthy = false
	}
}
