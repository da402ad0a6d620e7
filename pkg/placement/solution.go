package placement

import (
	"github.com/cuemby/plb/pkg/log"
	"github.com/cuemby/plb/pkg/types"
)

// ReplicaState is where a replica sits in a solution
type ReplicaState struct {
	Node    int
	Role    types.ReplicaRole
	Dropped bool
}

type metricStats struct {
	sum   float64
	sumSq float64
}

type moveCounts struct {
	added     int
	moved     int
	dropped   int
	roleMoves int
}

// Solution is a mutable arrangement of the replicas of a placement. Node
// loads, per application usage and deviation statistics are maintained
// incrementally on every change.
type Solution struct {
	p     *Placement
	state []ReplicaState

	load      [][]int64
	occupancy []map[int]int
	incoming  []int
	appNodes  []map[int]int
	appLoad   []map[int][]int64
	appTotal  [][]int64
	stats     []metricStats
	voided    map[int]bool

	counts      moveCounts
	roleChanges []int
}

// NewSolution creates a solution equal to the current cluster state. New
// replicas start unplaced.
func NewSolution(p *Placement) *Solution {
	s := &Solution{
		p:           p,
		state:       make([]ReplicaState, len(p.Replicas)),
		load:        make([][]int64, len(p.Nodes)),
		occupancy:   make([]map[int]int, len(p.Partitions)),
		incoming:    make([]int, len(p.Nodes)),
		appNodes:    make([]map[int]int, len(p.Applications)),
		appLoad:     make([]map[int][]int64, len(p.Applications)),
		appTotal:    make([][]int64, len(p.Applications)),
		stats:       make([]metricStats, len(p.Metrics)),
		voided:      make(map[int]bool),
		roleChanges: make([]int, len(p.Partitions)),
	}
	for i := range s.load {
		s.load[i] = make([]int64, len(p.Metrics))
	}
	for i := range s.occupancy {
		s.occupancy[i] = make(map[int]int)
	}
	for i := range p.Applications {
		s.appNodes[i] = make(map[int]int)
		s.appLoad[i] = make(map[int][]int64)
		s.appTotal[i] = make([]int64, len(p.Metrics))
	}
	for i, r := range p.Replicas {
		s.state[i] = ReplicaState{Node: r.Node, Role: r.Role}
		s.contribute(i, 1)
	}
	return s
}

// Placement returns the placement the solution arranges
func (s *Solution) Placement() *Placement {
	return s.p
}

// State returns the state of a replica
func (s *Solution) State(r int) ReplicaState {
	return s.state[r]
}

// Node returns the node of a replica, -1 when unplaced
func (s *Solution) Node(r int) int {
	return s.state[r].Node
}

// Role returns the role of a replica
func (s *Solution) Role(r int) types.ReplicaRole {
	return s.state[r].Role
}

// IsDropped reports whether the replica is dropped in this solution
func (s *Solution) IsDropped(r int) bool {
	return s.state[r].Dropped
}

// IsActive reports whether the replica is placed and not dropped
func (s *Solution) IsActive(r int) bool {
	st := s.state[r]
	return st.Node >= 0 && !st.Dropped
}

// SetState moves a replica to an arbitrary state
func (s *Solution) SetState(r int, st ReplicaState) {
	if s.state[r] == st {
		return
	}
	s.account(r, -1)
	s.contribute(r, -1)
	s.state[r] = st
	s.contribute(r, 1)
	s.account(r, 1)
}

// Move places a replica on a node, keeping its role
func (s *Solution) Move(r, node int) {
	st := s.state[r]
	st.Node = node
	s.SetState(r, st)
}

// Swap exchanges the roles of two replicas of the same partition
func (s *Solution) Swap(a, b int) {
	log.Assert(s.p.Replicas[a].Partition == s.p.Replicas[b].Partition, "swap across partitions %d and %d", a, b)
	sa, sb := s.state[a], s.state[b]
	sa.Role, sb.Role = sb.Role, sa.Role
	s.SetState(a, sa)
	s.SetState(b, sb)
}

// Promote turns a replica into the primary
func (s *Solution) Promote(r int) {
	st := s.state[r]
	st.Role = types.ReplicaRolePrimary
	s.SetState(r, st)
}

// Drop removes a replica from the solution
func (s *Solution) Drop(r int) {
	st := s.state[r]
	st.Dropped = true
	s.SetState(r, st)
}

// MarkVoid records that a partition cannot place its new replicas
func (s *Solution) MarkVoid(partition int) {
	s.voided[partition] = true
}

// Snapshot captures every replica state so it can be restored later
func (s *Solution) Snapshot() []ReplicaState {
	return append([]ReplicaState(nil), s.state...)
}

// Restore returns the solution to a snapshot
func (s *Solution) Restore(states []ReplicaState) {
	for r, st := range states {
		s.SetState(r, st)
	}
}

// Clone returns an independent copy of the solution
func (s *Solution) Clone() *Solution {
	c := NewSolution(s.p)
	c.Restore(s.state)
	for k, v := range s.voided {
		c.voided[k] = v
	}
	return c
}

// NodeLoad returns the load of a metric on a node
func (s *Solution) NodeLoad(node, metric int) int64 {
	return s.load[node][metric]
}

// ReplicaOn returns the replica of a partition hosted on a node
func (s *Solution) ReplicaOn(partition, node int) (int, bool) {
	r, ok := s.occupancy[partition][node]
	return r, ok
}

// PartitionNodes returns the nodes hosting active replicas of a partition
func (s *Solution) PartitionNodes(partition int) []int {
	nodes := make([]int, 0, len(s.occupancy[partition]))
	for n := range s.occupancy[partition] {
		nodes = append(nodes, n)
	}
	return nodes
}

// ActiveReplicas counts active replicas of a partition
func (s *Solution) ActiveReplicas(partition int) int {
	return len(s.occupancy[partition])
}

// Primary returns the active primary replica of a partition
func (s *Solution) Primary(partition int) (int, bool) {
	for _, r := range s.p.Partitions[partition].Replicas {
		if s.IsActive(r) && s.state[r].Role == types.ReplicaRolePrimary {
			return r, true
		}
	}
	return -1, false
}

// Incoming counts replicas added or moved onto a node in this solution
func (s *Solution) Incoming(node int) int {
	return s.incoming[node]
}

// ApplicationNodeCount returns the number of nodes hosting an application
func (s *Solution) ApplicationNodeCount(app int) int {
	return len(s.appNodes[app])
}

// ApplicationReplicasOn counts an application's replicas on a node
func (s *Solution) ApplicationReplicasOn(app, node int) int {
	return s.appNodes[app][node]
}

// ApplicationNodeLoad returns an application's load of a metric on one node
func (s *Solution) ApplicationNodeLoad(app, node, metric int) int64 {
	if loads, ok := s.appLoad[app][node]; ok {
		return loads[metric]
	}
	return 0
}

// ApplicationLoad returns an application's total load of a metric
func (s *Solution) ApplicationLoad(app, metric int) int64 {
	return s.appTotal[app][metric]
}

// MovementCount returns the number of movements the solution implies
func (s *Solution) MovementCount() int {
	return s.counts.added + s.counts.moved + s.counts.dropped + s.counts.roleMoves
}

// PlacedNewReplicas counts new replicas that have a node
func (s *Solution) PlacedNewReplicas() int {
	return s.counts.added
}

func (s *Solution) contribute(r int, sign int64) {
	st := s.state[r]
	if st.Node < 0 || st.Dropped {
		return
	}
	rep := &s.p.Replicas[r]
	svc := &s.p.Services[s.p.Partitions[rep.Partition].Service]
	app := svc.Application

	for pos, mi := range svc.Metrics {
		l := sign * s.p.ReplicaLoad(rep.Partition, st.Role, st.Node, pos)
		s.addLoad(st.Node, mi, l)
		if app >= 0 {
			loads, ok := s.appLoad[app][st.Node]
			if !ok {
				loads = make([]int64, len(s.p.Metrics))
				s.appLoad[app][st.Node] = loads
			}
			loads[mi] += l
			s.appTotal[app][mi] += l
		}
	}

	if sign > 0 {
		s.occupancy[rep.Partition][st.Node] = r
	} else if s.occupancy[rep.Partition][st.Node] == r {
		delete(s.occupancy[rep.Partition], st.Node)
	}

	if app >= 0 {
		s.appNodes[app][st.Node] += int(sign)
		if s.appNodes[app][st.Node] <= 0 {
			delete(s.appNodes[app], st.Node)
			delete(s.appLoad[app], st.Node)
		}
	}

	if st.Node != rep.Node {
		s.incoming[st.Node] += int(sign)
	}
}

func (s *Solution) account(r int, sign int) {
	rep := &s.p.Replicas[r]
	st := s.state[r]
	switch {
	case rep.IsNew:
		if st.Node >= 0 && !st.Dropped {
			s.counts.added += sign
		}
	case st.Dropped:
		s.counts.dropped += sign
	case st.Node != rep.Node:
		s.counts.moved += sign
	case st.Role != rep.Role:
		changed := s.roleChanges[rep.Partition]
		s.counts.roleMoves -= (changed + 1) / 2
		changed += sign
		s.roleChanges[rep.Partition] = changed
		s.counts.roleMoves += (changed + 1) / 2
	}
}

func (s *Solution) addLoad(node, metric int, delta int64) {
	if delta == 0 {
		return
	}
	before := s.load[node][metric]
	after := before + delta
	s.load[node][metric] = after
	if !s.p.Nodes[node].Eligible {
		return
	}
	ov := s.normalize(node, metric, before)
	nv := s.normalize(node, metric, after)
	st := &s.stats[metric]
	st.sum += nv - ov
	st.sumSq += nv*nv - ov*ov
}

func (s *Solution) normalize(node, metric int, value int64) float64 {
	if s.p.Metrics[metric].Normalized {
		return float64(value) / float64(s.p.Nodes[node].Capacity[metric])
	}
	return float64(value)
}
