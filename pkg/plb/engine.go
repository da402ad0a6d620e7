package plb

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/plb/pkg/config"
	"github.com/cuemby/plb/pkg/constraint"
	"github.com/cuemby/plb/pkg/diagnostics"
	"github.com/cuemby/plb/pkg/domain"
	"github.com/cuemby/plb/pkg/events"
	"github.com/cuemby/plb/pkg/log"
	"github.com/cuemby/plb/pkg/metrics"
	"github.com/cuemby/plb/pkg/searcher"
	"github.com/cuemby/plb/pkg/snapshot"
	"github.com/cuemby/plb/pkg/throttle"
	"github.com/cuemby/plb/pkg/types"
)

// Options wires the engine to its collaborators. Only Config is required.
type Options struct {
	Config            *config.Config
	FailoverManager   FailoverManager
	ServiceManagement ServiceManagementClient
	// Health receives diagnostics report batches, typically a health.AsyncReporter
	Health diagnostics.Submitter
	// Broker receives movement trace events, nil disables tracing
	Broker *events.Broker
	// Clock overrides time.Now for the timer and direct-apply calls
	Clock func() time.Time
}

// Engine is the placement and load balancing engine. Update feeds are
// buffered and applied by Refresh; direct-apply calls change the model
// immediately under the model lock.
type Engine struct {
	// mu protects the cluster model
	mu  sync.RWMutex
	cfg *config.Config

	nodes        map[string]types.NodeDescription
	images       map[string][]string
	applications map[string]types.ApplicationDescription
	deletedApps  map[string]struct{}
	serviceTypes map[string]types.ServiceTypeDescription
	partitions   map[string]string // failover unit -> service
	table        *domain.Table

	constraintCheckEnabled bool
	balancingEnabled       bool

	pending *pendingUpdates

	cache    *constraint.ValidationCache
	token    *searcher.Token
	counters *throttle.Counters
	diag     *diagnostics.Diagnostics
	broker   *events.Broker
	fm       FailoverManager
	sm       ServiceManagementClient
	clock    func() time.Time

	snapshotMu sync.RWMutex
	snapshot   *snapshot.Snapshot

	scaling *repartitions

	// refreshMu serializes Refresh and guards rng
	refreshMu   sync.Mutex
	rng         *rand.Rand
	refreshes   uint64
	nextRefresh atomic.Int64

	closed   atomic.Bool
	started  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	logger zerolog.Logger
}

// New creates an engine
func New(opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cache, err := constraint.NewValidationCache(cfg.PlacementConstraintValidationCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation cache: %w", err)
	}

	e := &Engine{
		cfg:                    cfg,
		nodes:                  make(map[string]types.NodeDescription),
		images:                 make(map[string][]string),
		applications:           make(map[string]types.ApplicationDescription),
		deletedApps:            make(map[string]struct{}),
		serviceTypes:           make(map[string]types.ServiceTypeDescription),
		partitions:             make(map[string]string),
		table:                  domain.NewTable(cfg),
		constraintCheckEnabled: true,
		balancingEnabled:       true,
		pending:                newPendingUpdates(),
		cache:                  cache,
		token:                  searcher.NewToken(),
		counters:               throttle.NewCounters(cfg),
		diag:                   diagnostics.New(cfg, opts.Health),
		broker:                 opts.Broker,
		fm:                     opts.FailoverManager,
		sm:                     opts.ServiceManagement,
		clock:                  opts.Clock,
		scaling:                newRepartitions(),
		stopCh:                 make(chan struct{}),
		logger:                 log.WithComponent("plb"),
	}
	if e.fm == nil {
		e.fm = nopFailoverManager{}
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	seed := cfg.InitialRandomSeed
	if seed < 0 {
		seed = time.Now().UnixNano()
	}
	e.rng = rand.New(rand.NewSource(seed))
	log.SetTestMode(cfg.TestMode)
	e.snapshot = snapshot.Empty(e.clock(), cfg)

	metrics.RegisterComponent(metrics.ComponentEngine, true, "")
	metrics.RegisterComponent(metrics.ComponentRefresh, true, "")
	return e, nil
}

// Config returns the active configuration
func (e *Engine) Config() *config.Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// UpdateConfig swaps the dynamic settings. Running searches keep the
// configuration they started with.
func (e *Engine) UpdateConfig(cfg *config.Config) error {
	if e.closed.Load() {
		return types.ErrObjectClosed
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
	e.table.SetConfig(cfg)
	e.counters.UpdateConfig(cfg)
	e.diag.SetConfig(cfg)
	log.SetTestMode(cfg.TestMode)
	e.logger.Info().Msg("Configuration updated")
	return nil
}

// SetMovementEnabled turns the constraint check and balancing phases on or
// off for every domain, e.g. while the cluster itself is upgrading.
func (e *Engine) SetMovementEnabled(constraintCheck, balancing bool) {
	if e.closed.Load() {
		return
	}
	e.mu.Lock()
	e.constraintCheckEnabled = constraintCheck
	e.balancingEnabled = balancing
	for _, d := range e.table.Domains() {
		d.Scheduler.SetMovementEnabled(constraintCheck, balancing)
	}
	e.mu.Unlock()

	if !constraintCheck || !balancing {
		e.StopSearcher()
	}
	e.logger.Info().
		Bool("constraint_check", constraintCheck).
		Bool("balancing", balancing).
		Msg("Movement phases updated")
}

// StopSearcher interrupts the running search. Balancing results are
// discarded, placement and constraint check keep their completed work.
func (e *Engine) StopSearcher() {
	e.token.Stop()
}

// Dispose stops the timer and in-flight work. Every later call is a no-op
// or returns ErrObjectClosed. Dispose is idempotent.
func (e *Engine) Dispose() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	e.Stop()

	metrics.UpdateComponent(metrics.ComponentEngine, false, "disposed")
	e.logger.Info().Msg("Engine disposed")
}

func (e *Engine) now() time.Time {
	return e.clock()
}

func (e *Engine) publish(ev *events.Event) {
	if e.broker == nil {
		return
	}
	e.broker.Publish(ev)
}

// applicationLocked resolves application descriptions for placement input
func (e *Engine) applicationLocked(name string) (types.ApplicationDescription, bool) {
	app, ok := e.applications[name]
	return app, ok
}

// constrainingApplication returns the application name when it limits
// scaleout or capacity, so it ties its services into one domain.
func (e *Engine) constrainingApplication(name string) string {
	if app, ok := e.applications[name]; ok && app.HasScaleoutOrCapacity() {
		return name
	}
	return ""
}

// ModelStats summarizes the model for the metrics collector
func (e *Engine) ModelStats() metrics.ModelStats {
	e.mu.RLock()
	var st metrics.ModelStats
	for _, n := range e.nodes {
		if n.IsUp {
			st.NodesUp++
		} else {
			st.NodesDown++
		}
	}
	for _, d := range e.table.Domains() {
		st.Services += len(d.Services)
		st.FailoverUnits += len(d.FailoverUnits)
	}
	st.Domains = e.table.Len()
	e.mu.RUnlock()

	st.PendingNodes, st.PendingFUs, st.PendingLoads = e.pending.counts()
	st.RefreshHealthy = !e.closed.Load()
	if !st.RefreshHealthy {
		st.RefreshMessage = "disposed"
	}
	return st
}
