package throttle

import (
	"math"
	"sync"
	"time"

	"github.com/cuemby/plb/pkg/config"
	"github.com/cuemby/plb/pkg/types"
)

// Unlimited means no threshold applies
const Unlimited = -1

// Threshold combines an absolute limit with a percentage of the existing
// replica count. Zero disables either source; the stricter one wins.
func Threshold(existing, absolute int, percentage float64) int {
	limit := Unlimited
	if absolute > 0 {
		limit = absolute
	}
	if percentage > 0 {
		byPct := int(math.Ceil(percentage * float64(existing)))
		if limit == Unlimited || byPct < limit {
			limit = byPct
		}
	}
	return limit
}

// Category groups scheduler actions sharing a movement threshold
type Category int

const (
	CategoryNone Category = iota
	CategoryPlacement
	CategoryBalancing
)

// CategoryOf maps an action to its throttling category
func CategoryOf(action types.SchedulerActionType) Category {
	switch {
	case action.IsPlacement():
		return CategoryPlacement
	case action.IsBalancing():
		return CategoryBalancing
	default:
		return CategoryNone
	}
}

// Counters tracks movements emitted over the counting intervals, globally,
// per category and per partition.
type Counters struct {
	mu           sync.Mutex
	global       *Window
	placement    *Window
	balancing    *Window
	perPartition map[string]*Window
	partitionInt time.Duration
}

// NewCounters creates counters using the configured intervals
func NewCounters(cfg *config.Config) *Counters {
	return &Counters{
		global:       NewWindow(cfg.GlobalMovementThrottleCountingInterval),
		placement:    NewWindow(cfg.GlobalMovementThrottleCountingInterval),
		balancing:    NewWindow(cfg.GlobalMovementThrottleCountingInterval),
		perPartition: make(map[string]*Window),
		partitionInt: cfg.MovementPerPartitionThrottleCountingInterval,
	}
}

// UpdateConfig applies new counting intervals
func (c *Counters) UpdateConfig(cfg *config.Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.global.SetInterval(cfg.GlobalMovementThrottleCountingInterval)
	c.placement.SetInterval(cfg.GlobalMovementThrottleCountingInterval)
	c.balancing.SetInterval(cfg.GlobalMovementThrottleCountingInterval)
	c.partitionInt = cfg.MovementPerPartitionThrottleCountingInterval
	for _, w := range c.perPartition {
		w.SetInterval(c.partitionInt)
	}
}

// Record counts n movements of one partition emitted by action
func (c *Counters) Record(now time.Time, action types.SchedulerActionType, partitionID string, n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.global.Add(now, n)
	switch CategoryOf(action) {
	case CategoryPlacement:
		c.placement.Add(now, n)
	case CategoryBalancing:
		c.balancing.Add(now, n)
	}
	if partitionID == "" {
		return
	}
	w, ok := c.perPartition[partitionID]
	if !ok {
		w = NewWindow(c.partitionInt)
		c.perPartition[partitionID] = w
	}
	w.Add(now, n)
}

// Used returns the global and per category movement counts at now
func (c *Counters) Used(now time.Time) (global, placement, balancing int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.global.Count(now), c.placement.Count(now), c.balancing.Count(now)
}

// Allowed returns how many more movements action may emit, or Unlimited.
// existing is the replica count the percentage thresholds apply to. The
// budget is shared by every domain refreshed in the same cycle.
func (c *Counters) Allowed(now time.Time, action types.SchedulerActionType, existing int, cfg *config.Config) int {
	global, placement, balancing := c.Used(now)

	allowed := remaining(Threshold(existing, cfg.GlobalMovementThrottleThreshold, cfg.GlobalMovementThrottleThresholdPercentage), global)
	switch CategoryOf(action) {
	case CategoryPlacement:
		allowed = Stricter(allowed, remaining(Threshold(existing,
			cfg.GlobalMovementThrottleThresholdForPlacement, cfg.GlobalMovementThrottleThresholdPercentageForPlacement), placement))
	case CategoryBalancing:
		allowed = Stricter(allowed, remaining(Threshold(existing,
			cfg.GlobalMovementThrottleThresholdForBalancing, cfg.GlobalMovementThrottleThresholdPercentageForBalancing), balancing))
	}
	return allowed
}

// PerRunLimit caps the movements of one search by the share of existing
// replicas a single balancing or placement-with-move pass may touch.
func PerRunLimit(action types.SchedulerActionType, existing int, cfg *config.Config) int {
	var pct float64
	switch {
	case action.IsBalancing():
		pct = cfg.MaxPercentageToMove
	case action == types.ActionNewReplicaPlacementWithMove:
		pct = cfg.MaxPercentageToMoveForPlacement
	}
	if pct <= 0 || existing == 0 {
		return Unlimited
	}
	limit := int(math.Ceil(pct * float64(existing)))
	if limit < 1 {
		limit = 1
	}
	return limit
}

// PartitionThrottled reports whether a partition moved too often within
// the per partition counting interval.
func (c *Counters) PartitionThrottled(now time.Time, partitionID string, cfg *config.Config) bool {
	if cfg.MovementPerPartitionThrottleThreshold <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.perPartition[partitionID]
	if !ok {
		return false
	}
	return w.Count(now) >= cfg.MovementPerPartitionThrottleThreshold
}

// Forget drops the per partition counter of a deleted partition
func (c *Counters) Forget(partitionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.perPartition, partitionID)
}

// Prune drops per partition counters that have emptied
func (c *Counters) Prune(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, w := range c.perPartition {
		if w.Count(now) == 0 {
			delete(c.perPartition, id)
		}
	}
}

func remaining(limit, used int) int {
	if limit == Unlimited {
		return Unlimited
	}
	if used >= limit {
		return 0
	}
	return limit - used
}

// Stricter returns the smaller budget, treating Unlimited as infinite
func Stricter(a, b int) int {
	switch {
	case a == Unlimited:
		return b
	case b == Unlimited:
		return a
	case a < b:
		return a
	default:
		return b
	}
}
