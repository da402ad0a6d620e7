package health

import (
	"context"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/cuemby/plb/pkg/log"
	"github.com/cuemby/plb/pkg/metrics"
	"github.com/cuemby/plb/pkg/types"
)

// AsyncReporter delivers report batches from a single background worker.
// Submit never blocks; batches that do not fit in the queue are dropped and
// failed deliveries are only logged.
type AsyncReporter struct {
	sink    Reporter
	config  Config
	limiter *rate.Limiter
	queue   chan []types.HealthReport
	stopCh  chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	logger  zerolog.Logger

	mu     sync.RWMutex
	status *Status
}

// NewAsyncReporter creates a reporter delivering to sink
func NewAsyncReporter(sink Reporter, config Config) *AsyncReporter {
	defaults := DefaultConfig()
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.ReportsPerSecond <= 0 {
		config.ReportsPerSecond = defaults.ReportsPerSecond
	}
	if config.Attempts == 0 {
		config.Attempts = defaults.Attempts
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.UnhealthyAfter <= 0 {
		config.UnhealthyAfter = defaults.UnhealthyAfter
	}

	return &AsyncReporter{
		sink:    sink,
		config:  config,
		limiter: rate.NewLimiter(rate.Limit(config.ReportsPerSecond), 1),
		queue:   make(chan []types.HealthReport, config.QueueSize),
		stopCh:  make(chan struct{}),
		logger:  log.WithComponent("health"),
		status:  NewStatus(),
	}
}

// Start begins background delivery
func (r *AsyncReporter) Start() {
	r.wg.Add(1)
	go r.run()
}

// Stop stops the worker. Batches still queued are discarded.
func (r *AsyncReporter) Stop() {
	r.once.Do(func() {
		close(r.stopCh)
	})
	r.wg.Wait()
}

// Submit queues a batch for delivery. Returns false when the batch was dropped.
func (r *AsyncReporter) Submit(reports []types.HealthReport) bool {
	if len(reports) == 0 {
		return true
	}

	batch := make([]types.HealthReport, len(reports))
	copy(batch, reports)

	select {
	case r.queue <- batch:
		return true
	default:
		r.mu.Lock()
		r.status.Dropped += len(batch)
		r.mu.Unlock()
		metrics.HealthReportsTotal.WithLabelValues("dropped").Add(float64(len(batch)))
		r.logger.Warn().Int("reports", len(batch)).Msg("Health report queue full, dropping batch")
		return false
	}
}

// Status returns a copy of the delivery status
func (r *AsyncReporter) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return *r.status
}

func (r *AsyncReporter) run() {
	defer r.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-r.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case batch := <-r.queue:
			if err := r.limiter.Wait(ctx); err != nil {
				return
			}
			r.deliver(ctx, batch)
		case <-r.stopCh:
			return
		}
	}
}

func (r *AsyncReporter) deliver(ctx context.Context, batch []types.HealthReport) {
	err := retry.Do(
		func() error {
			attemptCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
			defer cancel()
			return r.sink.AddHealthReports(attemptCtx, batch)
		},
		retry.Context(ctx),
		retry.Attempts(r.config.Attempts),
		retry.Delay(r.config.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			r.logger.Debug().Err(err).Uint("attempt", attempt).Msg("Retrying health report delivery")
		}),
	)

	r.mu.Lock()
	r.status.Update(len(batch), err, time.Now(), r.config)
	healthy := r.status.Healthy
	r.mu.Unlock()

	if err != nil {
		metrics.HealthReportsTotal.WithLabelValues("failed").Add(float64(len(batch)))
		r.logger.Warn().Err(err).Int("reports", len(batch)).Msg("Failed to deliver health reports")
	} else {
		metrics.HealthReportsTotal.WithLabelValues("delivered").Add(float64(len(batch)))
	}
	if !healthy {
		metrics.UpdateComponent("health_reporter", false, err.Error())
	} else {
		metrics.UpdateComponent("health_reporter", true, "")
	}
}
