package health

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"

	"github.com/cuemby/plb/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

type fakeSink struct {
	mu       sync.Mutex
	batches  [][]types.HealthReport
	failures int32
	calls    int32
}

func (f *fakeSink) AddHealthReports(_ context.Context, reports []types.HealthReport) error {
	atomic.AddInt32(&f.calls, 1)
	if atomic.AddInt32(&f.failures, -1) >= 0 {
		return errors.New("health store unavailable")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, reports)
	return nil
}

func (f *fakeSink) delivered() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func fastConfig() Config {
	return Config{
		QueueSize:        4,
		ReportsPerSecond: 1000,
		Attempts:         3,
		RetryDelay:       time.Millisecond,
		Timeout:          time.Second,
		UnhealthyAfter:   1,
	}
}

func TestAsyncReporterDelivers(t *testing.T) {
	sink := &fakeSink{}
	r := NewAsyncReporter(sink, fastConfig())
	r.Start()
	defer r.Stop()

	assert.True(t, r.Submit(sampleReports()))
	assert.True(t, r.Submit(nil), "empty batches are accepted and ignored")

	assert.Eventually(t, func() bool { return sink.delivered() == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return r.Status().Delivered == 1 }, time.Second, 5*time.Millisecond)
}

func TestAsyncReporterRetriesTransientFailures(t *testing.T) {
	sink := &fakeSink{failures: 2}
	r := NewAsyncReporter(sink, fastConfig())
	r.Start()
	defer r.Stop()

	r.Submit(sampleReports())

	assert.Eventually(t, func() bool { return sink.delivered() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), atomic.LoadInt32(&sink.calls))
	assert.True(t, r.Status().Healthy)
}

func TestAsyncReporterGivesUpAfterAttempts(t *testing.T) {
	sink := &fakeSink{failures: 100}
	r := NewAsyncReporter(sink, fastConfig())
	r.Start()
	defer r.Stop()

	r.Submit(sampleReports())

	assert.Eventually(t, func() bool { return r.Status().Failed == 1 }, time.Second, 5*time.Millisecond)
	status := r.Status()
	assert.False(t, status.Healthy)
	assert.Equal(t, 1, status.ConsecutiveFailures)
	assert.Contains(t, status.LastError, "unavailable")
	assert.Equal(t, int32(3), atomic.LoadInt32(&sink.calls))
}

func TestAsyncReporterDropsWhenQueueFull(t *testing.T) {
	sink := &fakeSink{}
	cfg := fastConfig()
	cfg.QueueSize = 1
	r := NewAsyncReporter(sink, cfg)

	// Worker not started
	assert.True(t, r.Submit(sampleReports()))
	assert.False(t, r.Submit(sampleReports()))
	assert.Equal(t, 1, r.Status().Dropped)

	r.Start()
	r.Stop()
}

func TestStatusUpdate(t *testing.T) {
	cfg := Config{UnhealthyAfter: 2}
	s := NewStatus()
	now := time.Now()

	s.Update(3, errors.New("boom"), now, cfg)
	assert.True(t, s.Healthy, "one failure is tolerated")
	s.Update(3, errors.New("boom"), now, cfg)
	assert.False(t, s.Healthy)
	assert.Equal(t, 6, s.Failed)

	s.Update(2, nil, now, cfg)
	assert.True(t, s.Healthy)
	assert.Equal(t, 0, s.ConsecutiveFailures)
	assert.Equal(t, 2, s.Delivered)
}
