package plb

import (
	"github.com/cuemby/plb/pkg/diagnostics"
	"github.com/cuemby/plb/pkg/snapshot"
	"github.com/cuemby/plb/pkg/types"
)

// Snapshot returns the view published by the last refresh
func (e *Engine) Snapshot() *snapshot.Snapshot {
	e.snapshotMu.RLock()
	defer e.snapshotMu.RUnlock()
	return e.snapshot
}

// ClusterLoad reports per metric load and capacity across the cluster
func (e *Engine) ClusterLoad() (snapshot.ClusterLoad, error) {
	if e.closed.Load() {
		return snapshot.ClusterLoad{}, types.ErrObjectClosed
	}
	return e.Snapshot().ClusterLoad(), nil
}

// NodeLoad reports the load of one node
func (e *Engine) NodeLoad(nodeID string) (snapshot.NodeLoad, error) {
	if e.closed.Load() {
		return snapshot.NodeLoad{}, types.ErrObjectClosed
	}
	return e.Snapshot().NodeLoad(nodeID)
}

// ApplicationLoad reports the load and reservation of one application
func (e *Engine) ApplicationLoad(name string) (snapshot.ApplicationLoad, error) {
	if e.closed.Load() {
		return snapshot.ApplicationLoad{}, types.ErrObjectClosed
	}
	return e.Snapshot().ApplicationLoad(name)
}

// UnplacedReplicas lists the replicas of a service that could not be
// placed, with the constraints that ruled out each node.
func (e *Engine) UnplacedReplicas(service string) ([]diagnostics.UnplacedReplica, error) {
	if e.closed.Load() {
		return nil, types.ErrObjectClosed
	}
	e.mu.RLock()
	_, _, ok := e.table.Service(service)
	e.mu.RUnlock()
	if !ok {
		return nil, types.ErrServiceNotFound
	}
	return e.diag.UnplacedReplicas(service), nil
}
