package simulator

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/plb/pkg/config"
	"github.com/cuemby/plb/pkg/events"
	"github.com/cuemby/plb/pkg/log"
	"github.com/cuemby/plb/pkg/plb"
	"github.com/cuemby/plb/pkg/types"
)

// Epoch is the simulated time of the first refresh
var Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// partitionNamespace derives stable partition ids from service names
var partitionNamespace = uuid.MustParse("6f1c7e52-4a0b-4c8e-9d3e-2b7a5f0c9e11")

// Options configures a simulation
type Options struct {
	// Config is the engine configuration. The scenario seed replaces its
	// InitialRandomSeed.
	Config *config.Config
	// Broker receives movement trace events
	Broker *events.Broker
}

// Simulator runs a scenario against an engine on a simulated clock with
// an in-process failover manager.
type Simulator struct {
	sc     *Scenario
	engine *plb.Engine
	fm     *FailoverManager
	now    time.Time

	partitions map[string][]string // service -> partition ids by index
	labels     map[string]string   // partition id -> "service/index"
	nodes      map[string]types.NodeDescription

	logger zerolog.Logger
}

// Report summarizes a finished simulation
type Report struct {
	Scenario   string            `yaml:"scenario"`
	Refreshes  int               `yaml:"refreshes"`
	Executed   int               `yaml:"executed"`
	Dropped    int               `yaml:"dropped"`
	Actions    []string          `yaml:"actions"`
	Metrics    []MetricReport    `yaml:"metrics"`
	Partitions []PartitionReport `yaml:"partitions"`
	Unplaced   map[string]int    `yaml:"unplaced,omitempty"`
}

// MetricReport is the final cluster state of one metric
type MetricReport struct {
	Name     string  `yaml:"name"`
	Load     int64   `yaml:"load"`
	Capacity int64   `yaml:"capacity"`
	MinNode  string  `yaml:"minNode,omitempty"`
	MinLoad  int64   `yaml:"minLoad"`
	MaxNode  string  `yaml:"maxNode,omitempty"`
	MaxLoad  int64   `yaml:"maxLoad"`
	StdDev   float64 `yaml:"deviation"`
	Balanced bool    `yaml:"balanced"`
}

// PartitionReport is the final replica set of one partition, each replica
// written as "node:role"
type PartitionReport struct {
	Partition string   `yaml:"partition"`
	Target    int      `yaml:"target"`
	Replicas  []string `yaml:"replicas"`
}

// New builds the cluster of a scenario. Nodes, applications and services
// are registered with the engine and every partition starts empty.
func New(sc *Scenario, opts Options) (*Simulator, error) {
	cfg := config.Default()
	if opts.Config != nil {
		cfg = opts.Config.Clone()
	}
	cfg.InitialRandomSeed = sc.Seed

	s := &Simulator{
		sc:         sc,
		fm:         NewFailoverManager(sc.Seed, sc.DropRate, log.WithComponent("simulator")),
		now:        Epoch,
		partitions: make(map[string][]string),
		labels:     make(map[string]string),
		nodes:      make(map[string]types.NodeDescription),
		logger:     log.WithComponent("simulator"),
	}

	engine, err := plb.New(plb.Options{
		Config:          cfg,
		FailoverManager: s.fm,
		Broker:          opts.Broker,
		Clock:           func() time.Time { return s.now },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	s.engine = engine
	s.fm.Attach(engine)

	for _, n := range sc.Nodes {
		desc := n.description()
		s.nodes[n.ID] = desc
		engine.UpdateNode(desc)
	}
	// Constraint keys are checked against known node properties
	engine.ProcessPendingUpdates(s.now)

	for _, a := range sc.Applications {
		if err := engine.UpdateApplication(a.description()); err != nil {
			engine.Dispose()
			return nil, fmt.Errorf("application %s: %w", a.Name, err)
		}
	}
	for _, spec := range sc.Services {
		if err := engine.UpdateService(spec.description()); err != nil {
			engine.Dispose()
			return nil, fmt.Errorf("service %s: %w", spec.Name, err)
		}
		for i := 0; i < spec.Partitions; i++ {
			label := spec.Name + "/" + strconv.Itoa(i)
			id := uuid.NewSHA1(partitionNamespace, []byte(label)).String()
			s.partitions[spec.Name] = append(s.partitions[spec.Name], id)
			s.labels[id] = label
			s.fm.Add(types.FailoverUnitDescription{
				ID:                   id,
				ServiceName:          spec.Name,
				Version:              1,
				TargetReplicaSetSize: spec.Replicas,
			}, label)
		}
	}
	return s, nil
}

// Engine returns the engine under simulation
func (s *Simulator) Engine() *plb.Engine {
	return s.engine
}

// FailoverManager returns the in-process failover manager
func (s *Simulator) FailoverManager() *FailoverManager {
	return s.fm
}

// PartitionID returns the id of a service partition
func (s *Simulator) PartitionID(service string, index int) (string, bool) {
	ids := s.partitions[service]
	if index < 0 || index >= len(ids) {
		return "", false
	}
	return ids[index], true
}

// Run executes every refresh of the scenario and disposes the engine.
// It stops early when ctx is cancelled.
func (s *Simulator) Run(ctx context.Context) (*Report, error) {
	defer s.engine.Dispose()

	byRefresh := make(map[int][]EventSpec)
	for _, ev := range s.sc.Events {
		byRefresh[ev.At] = append(byRefresh[ev.At], ev)
	}

	for i := 0; i < s.sc.Refreshes; i++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("simulation interrupted at refresh %d: %w", i, err)
		}
		for _, ev := range byRefresh[i] {
			s.apply(ev)
		}
		s.engine.Refresh(s.now)
		s.now = s.now.Add(s.sc.Step)
	}
	// Let the model see the last executed movements
	s.engine.ProcessPendingUpdates(s.now)

	report, err := s.report()
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("scenario", s.sc.Name).
		Int("refreshes", report.Refreshes).
		Int("executed", report.Executed).
		Int("dropped", report.Dropped).
		Msg("Simulation finished")
	return report, nil
}

func (s *Simulator) apply(ev EventSpec) {
	if ev.NodeDown != "" {
		n := s.nodes[ev.NodeDown]
		n.IsUp = false
		s.nodes[n.NodeID] = n
		s.engine.UpdateNode(n)
		s.fm.NodeDown(n.NodeID)
		s.logger.Debug().Str("node_id", n.NodeID).Msg("Node down")
	}
	if ev.NodeUp != "" {
		n := s.nodes[ev.NodeUp]
		n.IsUp = true
		s.nodes[n.NodeID] = n
		s.engine.UpdateNode(n)
		s.logger.Debug().Str("node_id", n.NodeID).Msg("Node up")
	}
	for _, l := range ev.Loads {
		id, ok := s.PartitionID(l.Service, l.Partition)
		if !ok {
			continue
		}
		stateful := false
		for _, spec := range s.sc.Services {
			if spec.Name == l.Service {
				stateful = spec.Stateful
			}
		}
		desc := types.LoadOrMoveCostDescription{
			FailoverUnitID: id,
			ServiceName:    l.Service,
			IsStateful:     stateful,
			PrimaryEntries: []types.LoadMetric{{Name: l.Metric, Value: l.Primary}},
		}
		if stateful {
			desc.SecondaryEntries = []types.LoadMetric{{Name: l.Metric, Value: l.Secondary}}
		}
		s.engine.UpdateLoadOrMoveCost(desc)
	}
}

func (s *Simulator) report() (*Report, error) {
	executed, dropped := s.fm.Stats()
	r := &Report{
		Scenario:  s.sc.Name,
		Refreshes: s.sc.Refreshes,
		Executed:  executed,
		Dropped:   dropped,
		Actions:   s.fm.Actions(),
	}

	cluster, err := s.engine.ClusterLoad()
	if err != nil {
		return nil, fmt.Errorf("failed to query cluster load: %w", err)
	}
	for _, m := range cluster.Metrics {
		r.Metrics = append(r.Metrics, MetricReport{
			Name:     m.Name,
			Load:     m.Load,
			Capacity: m.Capacity,
			MinNode:  m.MinNodeID,
			MinLoad:  m.MinNodeLoad,
			MaxNode:  m.MaxNodeID,
			MaxLoad:  m.MaxNodeLoad,
			StdDev:   m.DeviationAfter,
			Balanced: m.IsBalancedAfter,
		})
	}

	services := make([]string, 0, len(s.partitions))
	for name := range s.partitions {
		services = append(services, name)
	}
	sort.Strings(services)
	for _, name := range services {
		for _, id := range s.partitions[name] {
			fu, _ := s.fm.Unit(id)
			pr := PartitionReport{Partition: s.labels[id], Target: fu.TargetReplicaSetSize}
			for _, rep := range fu.Replicas {
				pr.Replicas = append(pr.Replicas, rep.NodeID+":"+string(rep.Role))
			}
			sort.Strings(pr.Replicas)
			r.Partitions = append(r.Partitions, pr)
		}

		unplaced, err := s.engine.UnplacedReplicas(name)
		if err != nil {
			return nil, fmt.Errorf("failed to query unplaced replicas of %s: %w", name, err)
		}
		if len(unplaced) > 0 {
			if r.Unplaced == nil {
				r.Unplaced = make(map[string]int)
			}
			r.Unplaced[name] = len(unplaced)
		}
	}
	return r, nil
}
