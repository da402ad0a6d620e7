package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/plb/pkg/log"
	"github.com/cuemby/plb/pkg/metrics"
	"github.com/cuemby/plb/pkg/types"
)

// EventType represents the type of trace event
type EventType string

const (
	EventOperationEmitted   EventType = "operation.emitted"
	EventOperationDiscarded EventType = "operation.discarded"
	EventMovementDropped    EventType = "movement.dropped"
	EventMovementExecuted   EventType = "movement.executed"
	EventRefreshCompleted   EventType = "refresh.completed"
)

// Event is one balancer trace record
type Event struct {
	ID             string
	Type           EventType
	Timestamp      time.Time
	DecisionID     string
	DomainID       string
	FailoverUnitID string
	ServiceName    string
	Action         types.SchedulerActionType
	Actions        []types.PLBAction
	Message        string
	Metadata       map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Sink consumes every event on the broker's worker goroutine
type Sink interface {
	HandleEvent(event *Event) error
}

// Broker queues trace events and delivers them from a single worker, so
// publishing never blocks the refresh loop.
type Broker struct {
	subscribers map[Subscriber]bool
	sinks       []Sink
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
	logger      zerolog.Logger
}

// NewBroker creates a new event broker with the given queue size
func NewBroker(queueSize int) *Broker {
	if queueSize <= 0 {
		queueSize = 100
	}
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, queueSize),
		stopCh:      make(chan struct{}),
		logger:      log.WithComponent("events"),
	}
}

// AddSink registers a sink. Sinks must be added before Start.
func (b *Broker) AddSink(sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, sink)
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	b.wg.Add(1)
	go b.run()
}

// Stop stops the broker and waits for the worker to exit. Queued events are
// delivered first.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
	b.wg.Wait()
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish queues an event. When the queue is full the event is dropped and
// counted. Returns false if the event was not queued.
func (b *Broker) Publish(event *Event) bool {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case <-b.stopCh:
		return false
	default:
	}

	select {
	case b.eventCh <- event:
		return true
	default:
		metrics.TraceEventsDroppedTotal.Inc()
		b.logger.Warn().Str("type", string(event.Type)).Msg("Trace queue full, dropping event")
		return false
	}
}

func (b *Broker) run() {
	defer b.wg.Done()
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			b.drain()
			return
		}
	}
}

func (b *Broker) drain() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		default:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sink := range b.sinks {
		if err := sink.HandleEvent(event); err != nil {
			b.logger.Warn().Err(err).Str("type", string(event.Type)).Msg("Trace sink failed")
		}
	}

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
