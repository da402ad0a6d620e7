package constraint

import (
	"sort"

	"github.com/cuemby/plb/pkg/config"
	"github.com/cuemby/plb/pkg/placement"
)

// Hard is the priority of constraints that must never be violated
const Hard = 0

// Elimination records the nodes a constraint removed for one candidate
type Elimination struct {
	Kind  Kind
	Nodes NodeSet
}

// Result is the outcome of filtering nodes for a candidate
type Result struct {
	Nodes      NodeSet
	Eliminated []Elimination
}

// Violation is an active replica whose node breaks a constraint
type Violation struct {
	Kind      Kind
	Replica   int
	Partition int
	Node      int
}

type entry struct {
	kind     Kind
	priority int
	filter   FilterFunc
}

// Checker applies the enabled constraints in priority order
type Checker struct {
	ctx         *Context
	entries     []entry
	maxPriority int
}

// NewChecker creates a checker over a solution
func NewChecker(ctx *Context, cfg *config.Config) *Checker {
	c := &Checker{ctx: ctx}
	for _, k := range Kinds {
		prio := Priority(k, cfg)
		if prio < 0 {
			continue
		}
		c.entries = append(c.entries, entry{kind: k, priority: prio, filter: filters[k]})
		if prio > c.maxPriority {
			c.maxPriority = prio
		}
	}
	sort.SliceStable(c.entries, func(i, j int) bool {
		return c.entries[i].priority < c.entries[j].priority
	})
	return c
}

// Context returns the evaluation context
func (c *Checker) Context() *Context {
	return c.ctx
}

// Solution returns the solution the checker evaluates
func (c *Checker) Solution() *placement.Solution {
	return c.ctx.S
}

// MaxPriority returns the highest enabled priority
func (c *Checker) MaxPriority() int {
	return c.maxPriority
}

// Candidates returns the nodes a replica may move to in a role. Soft
// constraints only narrow the result while it stays non-empty.
func (c *Checker) Candidates(cand Candidate, maxPriority int, diagnose bool) Result {
	return c.Filter(cand, AllNodes(c.ctx.P), maxPriority, diagnose)
}

// Filter narrows a node set for a candidate
func (c *Checker) Filter(cand Candidate, nodes NodeSet, maxPriority int, diagnose bool) Result {
	res := Result{Nodes: nodes}
	for _, e := range c.entries {
		if e.priority > maxPriority || len(res.Nodes) == 0 {
			continue
		}
		eliminated := e.filter(cand, c.ctx, res.Nodes)
		if len(eliminated) == 0 {
			continue
		}
		next := res.Nodes.Without(eliminated)
		if e.priority != Hard && len(next) == 0 {
			continue
		}
		if diagnose {
			res.Eliminated = append(res.Eliminated, Elimination{Kind: e.kind, Nodes: eliminated})
		}
		res.Nodes = next
	}
	return res
}

// CanPlace reports whether a candidate may be on a node under the hard
// constraints.
func (c *Checker) CanPlace(cand Candidate, node int) bool {
	return len(c.Filter(cand, NodeSet{node}, Hard, false).Nodes) == 1
}

// Violated returns the first constraint the replica's current node breaks.
// A soft constraint only counts when some node would satisfy it.
func (c *Checker) Violated(r int, maxPriority int) (Kind, bool) {
	s := c.ctx.S
	if !s.IsActive(r) {
		return 0, false
	}
	cand := Candidate{Replica: r, Role: s.Role(r)}
	here := NodeSet{s.Node(r)}
	for _, e := range c.entries {
		if e.priority > maxPriority {
			continue
		}
		if len(e.filter(cand, c.ctx, here)) == 0 {
			continue
		}
		if e.priority != Hard && len(e.filter(cand, c.ctx, AllNodes(c.ctx.P))) == len(c.ctx.P.Nodes) {
			continue
		}
		return e.kind, true
	}
	return 0, false
}

// Violations lists every active replica breaking a constraint
func (c *Checker) Violations(maxPriority int) []Violation {
	var out []Violation
	for r, rep := range c.ctx.P.Replicas {
		kind, bad := c.Violated(r, maxPriority)
		if !bad {
			continue
		}
		out = append(out, Violation{Kind: kind, Replica: r, Partition: rep.Partition, Node: c.ctx.S.Node(r)})
	}
	return out
}

// ViolationCount counts violating replicas
func (c *Checker) ViolationCount(maxPriority int) int {
	count := 0
	for r := range c.ctx.P.Replicas {
		if _, bad := c.Violated(r, maxPriority); bad {
			count++
		}
	}
	return count
}
