package diagnostics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/plb/pkg/config"
	"github.com/cuemby/plb/pkg/log"
	"github.com/cuemby/plb/pkg/types"
)

// Health report properties
const (
	PropertyReplicaUnplaced     = "ReplicaUnplaced"
	PropertyConstraintViolation = "ConstraintViolation"
	PropertyUpgradeSwap         = "UpgradePrimarySwap"
	PropertyMovementsDropped    = "MovementsDropped"
)

// Submitter accepts health report batches without blocking
type Submitter interface {
	Submit(reports []types.HealthReport) bool
}

// Elimination names the nodes one constraint ruled out
type Elimination struct {
	Constraint string
	Nodes      []string
}

// PlacementFailure is a new replica no node could take this refresh
type PlacementFailure struct {
	Service     string
	PartitionID string
	Role        types.ReplicaRole
	Eliminated  []Elimination
}

// Violation is a replica whose constraint could not be fixed
type Violation struct {
	Service     string
	PartitionID string
	Constraint  string
	Node        string
}

// UnplacedReplica answers the unplaced replica query
type UnplacedReplica struct {
	Service     string
	PartitionID string
	Role        types.ReplicaRole
	Attempts    int
	Eliminated  []Elimination
	Since       time.Time
}

type placementKey struct {
	service   string
	partition string
	role      types.ReplicaRole
}

type placementEntry struct {
	failure  PlacementFailure
	count    int
	since    time.Time
	reported bool
}

type counter struct {
	service  string
	count    int
	detail   string
	reported bool
}

// Diagnostics tracks failed placements, unfixable violations, unswappable
// upgrade primaries and dropped movements, and turns persistent ones into
// health reports. Each table has its own lock.
type Diagnostics struct {
	cfgMu sync.RWMutex
	cfg   *config.Config

	placementMu sync.RWMutex
	placement   map[placementKey]*placementEntry

	violationMu sync.Mutex
	violations  map[string]map[string]*counter // domain -> partition/constraint

	upgradeMu sync.Mutex
	upgrade   map[string]map[string]*counter // domain -> partition

	droppedMu sync.Mutex
	dropped   map[string]*counter // partition

	cleanupMu         sync.Mutex
	placed            []placementKey
	deletedServices   []string
	deletedPartitions []string

	reportsMu sync.Mutex
	reports   map[string][]types.HealthReport // property -> pending reports

	sink   Submitter
	logger zerolog.Logger
}

// New creates diagnostics that flush reports to sink
func New(cfg *config.Config, sink Submitter) *Diagnostics {
	return &Diagnostics{
		cfg:        cfg,
		placement:  make(map[placementKey]*placementEntry),
		violations: make(map[string]map[string]*counter),
		upgrade:    make(map[string]map[string]*counter),
		dropped:    make(map[string]*counter),
		reports:    make(map[string][]types.HealthReport),
		sink:       sink,
		logger:     log.WithComponent("diagnostics"),
	}
}

// SetConfig swaps the thresholds
func (d *Diagnostics) SetConfig(cfg *config.Config) {
	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()
	d.cfg = cfg
}

func (d *Diagnostics) config() *config.Config {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	return d.cfg
}

// TrackPlacement records this refresh's placement failures. Each
// (service, partition, role) counts one consecutive failure per call, however
// many of its replicas stayed unplaced. From VerboseHealthReportLimit
// failures on every further failure produces a warning, carrying node lists
// from DetailedVerboseHealthReportLimit on.
func (d *Diagnostics) TrackPlacement(now time.Time, failures []PlacementFailure) {
	cfg := d.config()
	var out []types.HealthReport

	d.placementMu.Lock()
	seen := make(map[placementKey]struct{}, len(failures))
	for _, f := range failures {
		key := placementKey{service: f.Service, partition: f.PartitionID, role: f.Role}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		e, ok := d.placement[key]
		if !ok {
			e = &placementEntry{since: now}
			d.placement[key] = e
		}
		e.failure = f
		e.count++

		if !overLimit(e.count, cfg.VerboseHealthReportLimit) {
			continue
		}
		e.reported = true
		out = append(out, d.report(now, types.HealthEntityService, f.Service,
			PropertyReplicaUnplaced+"_"+f.PartitionID+"_"+string(f.Role), types.HealthStateWarning,
			placementDescription(f, e.count, overLimit(e.count, cfg.DetailedVerboseHealthReportLimit), cfg.DetailedNodeListLimit)))
	}
	d.placementMu.Unlock()

	d.queue(PropertyReplicaUnplaced, out)
}

// overLimit reports whether count reached a positive limit
func overLimit(count, limit int) bool {
	return limit > 0 && count >= limit
}

func placementDescription(f PlacementFailure, attempts int, detailed bool, nodeLimit int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s replica of partition %s could not be placed after %d attempts.", f.Role, f.PartitionID, attempts)
	for _, e := range f.Eliminated {
		fmt.Fprintf(&b, " %s eliminated %d nodes", e.Constraint, len(e.Nodes))
		if detailed && len(e.Nodes) > 0 {
			nodes := e.Nodes
			if nodeLimit > 0 && len(nodes) > nodeLimit {
				nodes = nodes[:nodeLimit]
			}
			fmt.Fprintf(&b, " (%s)", strings.Join(nodes, ", "))
		}
		b.WriteString(".")
	}
	return b.String()
}

// MarkPlaced queues the cleanup of partitions that were placed
func (d *Diagnostics) MarkPlaced(service, partition string, roles ...types.ReplicaRole) {
	d.cleanupMu.Lock()
	defer d.cleanupMu.Unlock()
	for _, r := range roles {
		d.placed = append(d.placed, placementKey{service: service, partition: partition, role: r})
	}
}

// ServiceDeleted queues the cleanup of a deleted service
func (d *Diagnostics) ServiceDeleted(service string) {
	d.cleanupMu.Lock()
	defer d.cleanupMu.Unlock()
	d.deletedServices = append(d.deletedServices, service)
}

// PartitionDeleted queues the cleanup of a deleted failover unit
func (d *Diagnostics) PartitionDeleted(partition string) {
	d.cleanupMu.Lock()
	defer d.cleanupMu.Unlock()
	d.deletedPartitions = append(d.deletedPartitions, partition)
}

// Cleanup drains the cleanup queues. Entries that produced a warning are
// cleared with an Ok report.
func (d *Diagnostics) Cleanup(now time.Time) {
	d.cleanupMu.Lock()
	placed, services, partitions := d.placed, d.deletedServices, d.deletedPartitions
	d.placed, d.deletedServices, d.deletedPartitions = nil, nil, nil
	d.cleanupMu.Unlock()

	goneService := make(map[string]bool, len(services))
	for _, s := range services {
		goneService[s] = true
	}
	gonePartition := make(map[string]bool, len(partitions))
	for _, p := range partitions {
		gonePartition[p] = true
	}

	var out []types.HealthReport
	d.placementMu.Lock()
	for _, key := range placed {
		if e, ok := d.placement[key]; ok {
			if e.reported {
				out = append(out, d.report(now, types.HealthEntityService, key.service,
					PropertyReplicaUnplaced+"_"+key.partition+"_"+string(key.role), types.HealthStateOk, "Replica placed"))
			}
			delete(d.placement, key)
		}
	}
	for key := range d.placement {
		if goneService[key.service] || gonePartition[key.partition] {
			delete(d.placement, key)
		}
	}
	d.placementMu.Unlock()
	d.queue(PropertyReplicaUnplaced, out)

	if len(partitions) == 0 && len(services) == 0 {
		return
	}
	d.droppedMu.Lock()
	for p, c := range d.dropped {
		if gonePartition[p] || goneService[c.service] {
			delete(d.dropped, p)
		}
	}
	d.droppedMu.Unlock()

	prune := func(tables map[string]map[string]*counter) {
		for _, table := range tables {
			for key, c := range table {
				if goneService[c.service] || gonePartition[strings.SplitN(key, "/", 2)[0]] {
					delete(table, key)
				}
			}
		}
	}
	d.violationMu.Lock()
	prune(d.violations)
	d.violationMu.Unlock()
	d.upgradeMu.Lock()
	prune(d.upgrade)
	d.upgradeMu.Unlock()
}

// TrackViolations replaces a domain's unfixed violations. Violations seen
// on consecutive refreshes accumulate; one that disappears is forgotten.
func (d *Diagnostics) TrackViolations(now time.Time, domainID string, violations []Violation) {
	cfg := d.config()
	d.violationMu.Lock()
	prev := d.violations[domainID]
	next := make(map[string]*counter, len(violations))
	var out []types.HealthReport
	for _, v := range violations {
		key := v.PartitionID + "/" + v.Constraint
		if _, dup := next[key]; dup {
			continue
		}
		c, ok := prev[key]
		if !ok {
			c = &counter{service: v.Service}
		}
		c.count++
		c.detail = v.Node
		next[key] = c
		if r, ok := d.thresholdReport(now, c, cfg.ConstraintViolationHealthReportLimit, cfg.DetailedConstraintViolationHealthReportLimit,
			types.HealthEntityPartition, v.PartitionID, PropertyConstraintViolation+"_"+v.Constraint,
			fmt.Sprintf("%s constraint of partition %s could not be fixed after %d attempts", v.Constraint, v.PartitionID, c.count),
			"replica on node "+v.Node); ok {
			out = append(out, r)
		}
	}
	if len(next) == 0 {
		delete(d.violations, domainID)
	} else {
		d.violations[domainID] = next
	}
	d.violationMu.Unlock()
	d.queue(PropertyConstraintViolation, out)
}

// TrackUpgradeSwaps replaces a domain's upgrading partitions whose primary
// could not be swapped away.
func (d *Diagnostics) TrackUpgradeSwaps(now time.Time, domainID string, services map[string]string) {
	cfg := d.config()
	d.upgradeMu.Lock()
	prev := d.upgrade[domainID]
	next := make(map[string]*counter, len(services))
	var out []types.HealthReport
	for partition, service := range services {
		c, ok := prev[partition]
		if !ok {
			c = &counter{service: service}
		}
		c.count++
		next[partition] = c
		if r, ok := d.thresholdReport(now, c, cfg.VerboseHealthReportLimit, 0,
			types.HealthEntityPartition, partition, PropertyUpgradeSwap,
			fmt.Sprintf("primary of upgrading partition %s could not be swapped after %d attempts", partition, c.count), ""); ok {
			out = append(out, r)
		}
	}
	if len(next) == 0 {
		delete(d.upgrade, domainID)
	} else {
		d.upgrade[domainID] = next
	}
	d.upgradeMu.Unlock()
	d.queue(PropertyUpgradeSwap, out)
}

func (d *Diagnostics) thresholdReport(now time.Time, c *counter, limit, detailedLimit int,
	kind types.HealthEntityKind, entity, property, description, detail string) (types.HealthReport, bool) {
	if !overLimit(c.count, limit) {
		return types.HealthReport{}, false
	}
	if detail != "" && overLimit(c.count, detailedLimit) {
		description += ": " + detail
	}
	c.reported = true
	return d.report(now, kind, entity, property, types.HealthStateWarning, description), true
}

// MovementDropped counts a movement the failover manager rejected. The
// report is produced once, when the consecutive count first exceeds the
// limit.
func (d *Diagnostics) MovementDropped(now time.Time, service, partition string) {
	cfg := d.config()
	d.droppedMu.Lock()
	c, ok := d.dropped[partition]
	if !ok {
		c = &counter{service: service}
		d.dropped[partition] = c
	}
	c.count++
	report := !c.reported && cfg.ConsecutiveDroppedMovementsHealthReportLimit >= 0 &&
		c.count > cfg.ConsecutiveDroppedMovementsHealthReportLimit
	if report {
		c.reported = true
	}
	count := c.count
	d.droppedMu.Unlock()

	if report {
		d.queue(PropertyMovementsDropped, []types.HealthReport{d.report(now, types.HealthEntityPartition, partition,
			PropertyMovementsDropped, types.HealthStateWarning,
			fmt.Sprintf("%d consecutive movements for partition %s were dropped", count, partition))})
	}
}

// MovementExecuted clears the consecutive drop count of a partition
func (d *Diagnostics) MovementExecuted(now time.Time, partition string) {
	d.droppedMu.Lock()
	c, ok := d.dropped[partition]
	delete(d.dropped, partition)
	d.droppedMu.Unlock()

	if ok && c.reported {
		d.queue(PropertyMovementsDropped, []types.HealthReport{d.report(now, types.HealthEntityPartition, partition,
			PropertyMovementsDropped, types.HealthStateOk, "Movements executed")})
	}
}

// DroppedCount returns the consecutive drop count of a partition
func (d *Diagnostics) DroppedCount(partition string) int {
	d.droppedMu.Lock()
	defer d.droppedMu.Unlock()
	if c, ok := d.dropped[partition]; ok {
		return c.count
	}
	return 0
}

// UnplacedReplicas returns the tracked placement failures of a service,
// or of every service when service is empty.
func (d *Diagnostics) UnplacedReplicas(service string) []UnplacedReplica {
	d.placementMu.RLock()
	defer d.placementMu.RUnlock()
	var out []UnplacedReplica
	for key, e := range d.placement {
		if service != "" && key.service != service {
			continue
		}
		out = append(out, UnplacedReplica{
			Service:     key.service,
			PartitionID: key.partition,
			Role:        key.role,
			Attempts:    e.count,
			Eliminated:  e.failure.Eliminated,
			Since:       e.since,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PartitionID != out[j].PartitionID {
			return out[i].PartitionID < out[j].PartitionID
		}
		return out[i].Role < out[j].Role
	})
	return out
}

func (d *Diagnostics) report(now time.Time, kind types.HealthEntityKind, entity, property string, state types.HealthState, description string) types.HealthReport {
	return types.HealthReport{
		Kind:              kind,
		EntityID:          entity,
		SourceID:          types.HealthSourceID,
		Property:          property,
		State:             state,
		Description:       description,
		TTL:               d.config().PLBHealthEventTTL,
		RemoveWhenExpired: true,
		CreatedAt:         now,
	}
}

func (d *Diagnostics) queue(property string, reports []types.HealthReport) {
	if len(reports) == 0 {
		return
	}
	d.reportsMu.Lock()
	defer d.reportsMu.Unlock()
	d.reports[property] = append(d.reports[property], reports...)
}

// Pending returns the number of reports waiting for Flush
func (d *Diagnostics) Pending() int {
	d.reportsMu.Lock()
	defer d.reportsMu.Unlock()
	n := 0
	for _, r := range d.reports {
		n += len(r)
	}
	return n
}

// Flush hands every pending report to the sink in one batch. Delivery is
// best effort; a rejected batch is only logged.
func (d *Diagnostics) Flush() int {
	d.reportsMu.Lock()
	props := make([]string, 0, len(d.reports))
	for p := range d.reports {
		props = append(props, p)
	}
	sort.Strings(props)
	var batch []types.HealthReport
	for _, p := range props {
		batch = append(batch, d.reports[p]...)
	}
	d.reports = make(map[string][]types.HealthReport)
	d.reportsMu.Unlock()

	if len(batch) == 0 || d.sink == nil {
		return 0
	}
	if !d.sink.Submit(batch) {
		d.logger.Warn().Int("reports", len(batch)).Msg("Health reports dropped")
	}
	return len(batch)
}
