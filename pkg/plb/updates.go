package plb

import (
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/plb/pkg/domain"
	"github.com/cuemby/plb/pkg/load"
	"github.com/cuemby/plb/pkg/types"
)

// pendingUpdates buffers the update feeds between drains
type pendingUpdates struct {
	mu     sync.Mutex
	dirty  atomic.Bool
	nodes  []types.NodeDescription
	images map[string][]string
	fus    []types.FailoverUnitDescription
	loads  []types.LoadOrMoveCostDescription
}

func newPendingUpdates() *pendingUpdates {
	return &pendingUpdates{images: make(map[string][]string)}
}

// take empties the buffers and returns their content
func (p *pendingUpdates) take() (nodes []types.NodeDescription, images map[string][]string,
	fus []types.FailoverUnitDescription, loads []types.LoadOrMoveCostDescription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dirty.Store(false)
	nodes, images, fus, loads = p.nodes, p.images, p.fus, p.loads
	p.nodes, p.images, p.fus, p.loads = nil, make(map[string][]string), nil, nil
	return nodes, images, fus, loads
}

func (p *pendingUpdates) counts() (nodes, fus, loads int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.nodes), len(p.fus), len(p.loads)
}

// UpdateNode buffers a node update
func (e *Engine) UpdateNode(desc types.NodeDescription) {
	if e.closed.Load() {
		return
	}
	e.pending.mu.Lock()
	e.pending.nodes = append(e.pending.nodes, desc)
	e.pending.dirty.Store(true)
	e.pending.mu.Unlock()
}

// UpdateAvailableImagesPerNode buffers the image list of a node. A later
// list for the same node replaces an earlier one.
func (e *Engine) UpdateAvailableImagesPerNode(images types.NodeImages) {
	if e.closed.Load() {
		return
	}
	e.pending.mu.Lock()
	e.pending.images[images.NodeID] = append([]string(nil), images.Images...)
	e.pending.dirty.Store(true)
	e.pending.mu.Unlock()
}

// UpdateFailoverUnit buffers a failover unit update
func (e *Engine) UpdateFailoverUnit(desc types.FailoverUnitDescription) {
	if e.closed.Load() {
		return
	}
	e.pending.mu.Lock()
	e.pending.fus = append(e.pending.fus, desc)
	e.pending.dirty.Store(true)
	e.pending.mu.Unlock()
}

// DeleteFailoverUnit buffers the deletion of a failover unit
func (e *Engine) DeleteFailoverUnit(service, partitionID string) {
	e.UpdateFailoverUnit(types.FailoverUnitDescription{ID: partitionID, ServiceName: service, IsDeleted: true})
}

// UpdateLoadOrMoveCost buffers a load report
func (e *Engine) UpdateLoadOrMoveCost(desc types.LoadOrMoveCostDescription) {
	if e.closed.Load() {
		return
	}
	e.pending.mu.Lock()
	e.pending.loads = append(e.pending.loads, desc)
	e.pending.dirty.Store(true)
	e.pending.mu.Unlock()
}

// ProcessPendingUpdates applies buffered updates when there are any. A
// change that invalidates the running search stops it.
func (e *Engine) ProcessPendingUpdates(now time.Time) {
	if e.closed.Load() || !e.pending.dirty.Load() {
		return
	}
	e.mu.Lock()
	interrupt := e.drainLocked(now)
	e.mu.Unlock()
	if interrupt {
		e.StopSearcher()
	}
}

// drainLocked applies buffered updates in node, image, failover unit, load
// order and reports whether a running search should stop.
func (e *Engine) drainLocked(now time.Time) bool {
	nodes, images, fus, loads := e.pending.take()
	if len(nodes)+len(images)+len(fus)+len(loads) == 0 {
		return false
	}

	interrupt := false
	for _, n := range nodes {
		if e.applyNodeLocked(now, n) {
			interrupt = true
		}
	}
	for node, list := range images {
		e.images[node] = list
	}
	for _, fu := range fus {
		if e.applyFailoverUnitLocked(now, fu) {
			interrupt = true
		}
	}
	for _, l := range loads {
		e.applyLoadLocked(now, l)
	}

	e.logger.Debug().
		Int("nodes", len(nodes)).
		Int("images", len(images)).
		Int("failover_units", len(fus)).
		Int("loads", len(loads)).
		Bool("interrupt", interrupt).
		Msg("Pending updates applied")
	return interrupt
}

// applyNodeLocked records a node and tells every scheduler about nodes
// that joined or went away.
func (e *Engine) applyNodeLocked(now time.Time, desc types.NodeDescription) bool {
	old, known := e.nodes[desc.NodeID]
	e.nodes[desc.NodeID] = desc

	wasUp := known && old.IsUpAndActivated()
	isUp := desc.IsUpAndActivated()
	switch {
	case wasUp && !isUp:
		for _, d := range e.table.Domains() {
			d.Scheduler.OnNodeDown(now)
		}
	case !wasUp && isUp:
		for _, d := range e.table.Domains() {
			d.Scheduler.OnNewNode(now)
		}
	}
	if !isUp {
		delete(e.images, desc.NodeID)
	}
	if known && !reflect.DeepEqual(old.Properties, desc.Properties) {
		e.cache.Purge()
	}

	changed := !known || wasUp != isUp || old.IsUp != desc.IsUp ||
		!reflect.DeepEqual(old.Capacities, desc.Capacities) ||
		!reflect.DeepEqual(old.Properties, desc.Properties)
	if changed {
		for _, d := range e.table.Domains() {
			d.Scheduler.OnModelChanged()
		}
	}
	return changed
}

// applyFailoverUnitLocked applies one failover unit update. Updates that
// carry the stored version and replica difference are no-ops; older
// versions are ignored.
func (e *Engine) applyFailoverUnitLocked(now time.Time, desc types.FailoverUnitDescription) bool {
	svc, d, ok := e.table.Service(desc.ServiceName)
	if !ok {
		e.logger.Debug().
			Str("partition_id", desc.ID).
			Str("service", desc.ServiceName).
			Msg("Failover unit of unknown service ignored")
		return false
	}

	if desc.IsDeleted {
		if _, removed := e.table.RemoveFailoverUnit(desc.ServiceName, desc.ID); removed {
			delete(e.partitions, desc.ID)
			e.diag.PartitionDeleted(desc.ID)
			e.counters.Forget(desc.ID)
			d.Scheduler.OnModelChanged()
		}
		return false
	}

	if !svc.Desc.ScalingPolicy.IsPartitionScaled() {
		desc.TargetReplicaSetSize = svc.Desc.TargetReplicaSetSize
	}
	if svc.Desc.OnEveryNode {
		desc.TargetReplicaSetSize = e.onEveryNodeTarget(svc)
	}

	fu, _, exists := e.table.FailoverUnit(desc.ServiceName, desc.ID)
	if !exists {
		fu = &domain.FailoverUnit{Desc: desc, Loads: load.NewEntry(svc.Metrics, now)}
		if _, err := e.table.AddFailoverUnit(fu); err != nil {
			e.logger.Warn().Err(err).Str("partition_id", desc.ID).Msg("Failed to add failover unit")
			return false
		}
		e.partitions[desc.ID] = desc.ServiceName
		d.Scheduler.OnModelChanged()
		e.markPlaced(svc, fu)
		return fu.ReplicaDifference() > 0 || e.cfg.InterruptBalancingForAllFailoverUnitUpdates
	}

	if desc.Version < fu.Desc.Version {
		e.logger.Error().
			Bool("internal_error", true).
			Str("partition_id", desc.ID).
			Int64("version", desc.Version).
			Int64("current_version", fu.Desc.Version).
			Msg("Failover unit update with older version ignored")
		return false
	}

	next := &domain.FailoverUnit{Desc: desc}
	diff := next.ReplicaDifference()
	if desc.Version == fu.Desc.Version && diff == fu.ReplicaDifference() {
		return false
	}

	interrupt := diff > 0 ||
		desc.PrimaryNode() != fu.Desc.PrimaryNode() ||
		len(desc.Replicas) != len(fu.Desc.Replicas) ||
		e.cfg.InterruptBalancingForAllFailoverUnitUpdates

	hosts := make(map[string]bool, len(desc.Replicas))
	for _, r := range desc.Replicas {
		hosts[r.NodeID] = true
	}
	for node := range fu.Loads.PerNode {
		if !hosts[node] {
			fu.Loads.ForgetNode(node)
		}
	}
	fu.Desc = desc
	d.Scheduler.OnModelChanged()
	e.markPlaced(svc, fu)
	return interrupt
}

// markPlaced clears placement diagnostics of a unit that is at its target
func (e *Engine) markPlaced(svc *domain.Service, fu *domain.FailoverUnit) {
	if fu.ReplicaDifference() > 0 {
		return
	}
	e.diag.MarkPlaced(svc.Desc.Name, fu.Desc.ID,
		types.ReplicaRolePrimary, types.ReplicaRoleSecondary, types.ReplicaRoleNone)
}

// onEveryNodeTarget counts the nodes a service placed on every node may use
func (e *Engine) onEveryNodeTarget(svc *domain.Service) int {
	blocked := make(map[string]bool, len(svc.BlockedNodes))
	for _, n := range svc.BlockedNodes {
		blocked[n] = true
	}
	count := 0
	for id, n := range e.nodes {
		if n.IsUpAndActivated() && !blocked[id] {
			count++
		}
	}
	return count
}

func (e *Engine) applyLoadLocked(now time.Time, desc types.LoadOrMoveCostDescription) {
	svc, _, ok := e.table.Service(desc.ServiceName)
	if !ok {
		return
	}
	fu, _, ok := e.table.FailoverUnit(desc.ServiceName, desc.FailoverUnitID)
	if !ok {
		return
	}
	decay := load.Decay{Factor: e.cfg.LoadDecayFactor, Interval: e.cfg.LoadDecayInterval}
	if unknown := fu.Loads.Apply(desc, svc.Metrics, now, decay, e.cfg.UseSeparateSecondaryLoad); unknown > 0 {
		e.logger.Debug().
			Str("partition_id", desc.FailoverUnitID).
			Int("unknown_metrics", unknown).
			Msg("Load report carried metrics the service does not define")
	}
}
