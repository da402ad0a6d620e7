package plb

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"time"

	"github.com/cuemby/plb/pkg/constraint"
	"github.com/cuemby/plb/pkg/domain"
	"github.com/cuemby/plb/pkg/load"
	"github.com/cuemby/plb/pkg/placement"
	"github.com/cuemby/plb/pkg/snapshot"
	"github.com/cuemby/plb/pkg/types"
)

// UpdateService creates or replaces a service. The update is validated
// first and leaves the model unchanged when rejected. Replacing a service
// keeps its failover units and the reported loads of metrics it still has.
func (e *Engine) UpdateService(desc types.ServiceDescription) error {
	if e.closed.Load() {
		return types.ErrObjectClosed
	}
	if desc.AffinitizedService == desc.Name {
		desc.AffinitizedService = ""
	}
	now := e.now()

	e.mu.Lock()
	err := e.updateServiceLocked(now, desc)
	e.mu.Unlock()
	if err != nil {
		e.logger.Warn().Err(err).Str("service", desc.Name).Msg("Service update rejected")
		return err
	}
	e.StopSearcher()
	return nil
}

func (e *Engine) updateServiceLocked(now time.Time, desc types.ServiceDescription) error {
	if err := validateScalingPolicy(desc); err != nil {
		return err
	}
	if app := desc.ApplicationName; app != "" {
		if _, deleted := e.deletedApps[app]; deleted {
			return fmt.Errorf("service %s: application %s: %w", desc.Name, app, types.ErrApplicationDeleted)
		}
	}
	if err := e.checkConstraintKeys(desc); err != nil {
		return err
	}
	if err := e.table.CheckAffinity(desc); err != nil {
		return err
	}
	if err := e.checkClusterCapacity(desc); err != nil {
		return err
	}

	if app := desc.ApplicationName; app != "" {
		if _, ok := e.applications[app]; !ok {
			e.applications[app] = types.ApplicationDescription{Name: app}
		}
	}

	var fus []*domain.FailoverUnit
	var lastScaled time.Time
	if old, _, ok := e.table.Service(desc.Name); ok {
		lastScaled = old.LastScaled
		_, fus, _ = e.table.RemoveService(desc.Name)
	}
	svc := domain.NewService(desc, e.serviceTypes[desc.ServiceTypeName].BlockedNodes,
		e.constrainingApplication(desc.ApplicationName))
	svc.LastScaled = lastScaled
	d := e.table.AddService(now, svc)
	d.Scheduler.SetMovementEnabled(e.constraintCheckEnabled, e.balancingEnabled)

	for _, fu := range fus {
		fu.Loads = fu.Loads.Rebase(svc.Metrics, now)
		if !desc.ScalingPolicy.IsPartitionScaled() {
			fu.Desc.TargetReplicaSetSize = desc.TargetReplicaSetSize
		}
		if _, err := e.table.AddFailoverUnit(fu); err != nil {
			e.logger.Error().Bool("internal_error", true).Err(err).Str("partition_id", fu.Desc.ID).
				Msg("Failed to re-attach failover unit")
		}
	}
	e.table.ProcessSplits(now)

	e.logger.Info().
		Str("service", desc.Name).
		Str("domain_id", d.ID).
		Int("failover_units", len(fus)).
		Msg("Service updated")
	return nil
}

// reinsertServiceLocked re-adds a service so a changed application or
// service type takes effect on its domain edges.
func (e *Engine) reinsertServiceLocked(now time.Time, name string) {
	old, _, ok := e.table.Service(name)
	if !ok {
		return
	}
	lastScaled := old.LastScaled
	_, fus, _ := e.table.RemoveService(name)
	svc := domain.NewService(old.Desc, e.serviceTypes[old.Desc.ServiceTypeName].BlockedNodes,
		e.constrainingApplication(old.Desc.ApplicationName))
	svc.LastScaled = lastScaled
	d := e.table.AddService(now, svc)
	d.Scheduler.SetMovementEnabled(e.constraintCheckEnabled, e.balancingEnabled)
	for _, fu := range fus {
		if _, err := e.table.AddFailoverUnit(fu); err != nil {
			e.logger.Error().Bool("internal_error", true).Err(err).Str("partition_id", fu.Desc.ID).
				Msg("Failed to re-attach failover unit")
		}
	}
}

// DeleteService removes a service with its failover units. The domain is
// deleted with its last service.
func (e *Engine) DeleteService(name string) error {
	if e.closed.Load() {
		return types.ErrObjectClosed
	}
	now := e.now()

	e.mu.Lock()
	_, fus, ok := e.table.RemoveService(name)
	if ok {
		for _, fu := range fus {
			delete(e.partitions, fu.Desc.ID)
			e.counters.Forget(fu.Desc.ID)
		}
		e.diag.ServiceDeleted(name)
		e.table.ProcessSplits(now)
	}
	e.mu.Unlock()

	if !ok {
		return fmt.Errorf("service %s: %w", name, types.ErrServiceNotFound)
	}
	e.StopSearcher()
	e.logger.Info().Str("service", name).Int("failover_units", len(fus)).Msg("Service deleted")
	return nil
}

// UpdateApplication creates or replaces an application. An application
// whose node reservation no longer fits in the cluster is rejected with
// ErrInsufficientClusterCapacity. Services of the application are
// re-inserted so scaleout and capacity edges follow.
func (e *Engine) UpdateApplication(desc types.ApplicationDescription) error {
	if e.closed.Load() {
		return types.ErrObjectClosed
	}
	now := e.now()

	e.mu.Lock()
	if err := e.checkReservation(desc); err != nil {
		e.mu.Unlock()
		e.logger.Warn().Err(err).Str("application", desc.Name).Msg("Application update rejected")
		return err
	}
	wasConstraining := e.constrainingApplication(desc.Name) != ""
	delete(e.deletedApps, desc.Name)
	e.applications[desc.Name] = desc
	if wasConstraining != desc.HasScaleoutOrCapacity() {
		for _, name := range e.applicationServicesLocked(desc.Name) {
			e.reinsertServiceLocked(now, name)
		}
		e.table.ProcessSplits(now)
	}
	for _, d := range e.table.Domains() {
		if d.Applications[desc.Name] > 0 {
			d.Scheduler.OnModelChanged()
		}
	}
	e.mu.Unlock()

	e.StopSearcher()
	e.logger.Info().Str("application", desc.Name).Bool("upgrading", desc.IsUpgrading).Msg("Application updated")
	return nil
}

// DeleteApplication removes an application. Services created later for it
// are rejected with ErrApplicationDeleted.
func (e *Engine) DeleteApplication(name string) error {
	if e.closed.Load() {
		return types.ErrObjectClosed
	}
	now := e.now()

	e.mu.Lock()
	_, ok := e.applications[name]
	wasConstraining := e.constrainingApplication(name) != ""
	delete(e.applications, name)
	e.deletedApps[name] = struct{}{}
	if wasConstraining {
		for _, svc := range e.applicationServicesLocked(name) {
			e.reinsertServiceLocked(now, svc)
		}
		e.table.ProcessSplits(now)
	}
	e.mu.Unlock()

	if !ok {
		return fmt.Errorf("application %s: %w", name, types.ErrApplicationNotFound)
	}
	e.StopSearcher()
	e.logger.Info().Str("application", name).Msg("Application deleted")
	return nil
}

// UpdateServiceType records the nodes blocked for a service type
func (e *Engine) UpdateServiceType(desc types.ServiceTypeDescription) error {
	if e.closed.Load() {
		return types.ErrObjectClosed
	}

	e.mu.Lock()
	e.serviceTypes[desc.Name] = desc
	for _, d := range e.table.Domains() {
		changed := false
		for _, svc := range d.Services {
			if svc.Desc.ServiceTypeName == desc.Name {
				svc.BlockedNodes = append([]string(nil), desc.BlockedNodes...)
				changed = true
			}
		}
		if changed {
			d.Scheduler.OnModelChanged()
		}
	}
	e.mu.Unlock()

	e.StopSearcher()
	return nil
}

func (e *Engine) applicationServicesLocked(app string) []string {
	var out []string
	for _, d := range e.table.Domains() {
		for name, svc := range d.Services {
			if svc.Desc.ApplicationName == app {
				out = append(out, name)
			}
		}
	}
	sort.Strings(out)
	return out
}

func validateScalingPolicy(desc types.ServiceDescription) error {
	p := desc.ScalingPolicy
	if p == nil {
		return nil
	}
	invalid := func(reason string) error {
		return fmt.Errorf("service %s: %s: %w", desc.Name, reason, types.ErrInvalidServiceScalingPolicy)
	}
	switch {
	case p.Kind != types.ScalingPartitionInstanceCount && p.Kind != types.ScalingAddRemovePartitions:
		return invalid(fmt.Sprintf("unknown kind %q", p.Kind))
	case p.MetricName == "":
		return invalid("metric name is required")
	case p.LowerThreshold < 0 || p.LowerThreshold > p.UpperThreshold:
		return invalid("lower threshold must be between zero and the upper threshold")
	case p.ScaleIncrement <= 0:
		return invalid("scale increment must be positive")
	case p.MinCount < 0 || (p.MaxCount != -1 && p.MaxCount < p.MinCount):
		return invalid("instance count bounds are inconsistent")
	case p.Kind == types.ScalingPartitionInstanceCount && desc.IsStateful:
		return invalid("instance count scaling applies to stateless services")
	case p.ScaleInterval <= 0:
		return invalid("scale interval must be positive")
	}
	return nil
}

// checkConstraintKeys rejects placement constraints naming a property no
// known node declares. ValidatePlacementConstraint turns it off.
func (e *Engine) checkConstraintKeys(desc types.ServiceDescription) error {
	if !e.cfg.ValidatePlacementConstraint || desc.PlacementConstraints == "" {
		return nil
	}
	expr, err := e.cache.Expression(desc.PlacementConstraints)
	if err != nil {
		return fmt.Errorf("service %s: %v: %w", desc.Name, err, types.ErrConstraintKeyUndefined)
	}
	if len(e.nodes) == 0 {
		return nil
	}
	for _, key := range expr.Keys() {
		if constraint.IsImplicitProperty(key) {
			continue
		}
		found := false
		for _, n := range e.nodes {
			if _, ok := n.Properties[key]; ok {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("service %s: key %s: %w", desc.Name, key, types.ErrConstraintKeyUndefined)
		}
	}
	return nil
}

func (e *Engine) nodeListLocked() []types.NodeDescription {
	out := make([]types.NodeDescription, 0, len(e.nodes))
	for _, n := range e.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// TotalClusterCapacity returns the capacity of a metric over up and
// activated nodes, placement.Unbounded when one of them declares none.
func (e *Engine) TotalClusterCapacity(metric string) int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return snapshot.TotalCapacity(e.nodeListLocked(), metric)
}

// checkClusterCapacity rejects a service whose default load does not fit
// in the remaining buffered capacity of the cluster, leaving out what other
// applications still hold in reservation. An existing service is charged
// only for the growth of its default requirement.
func (e *Engine) checkClusterCapacity(desc types.ServiceDescription) error {
	if len(e.nodes) == 0 || desc.OnEveryNode || desc.PartitionCount <= 0 {
		return nil
	}
	nodes := e.nodeListLocked()

	primaries := 0
	if desc.IsStateful {
		primaries = desc.PartitionCount
	}
	secondaries := desc.PartitionCount*desc.TargetReplicaSetSize - primaries
	if secondaries < 0 {
		secondaries = 0
	}
	requirement := func(m types.ServiceMetric) int64 {
		return int64(primaries)*int64(m.PrimaryDefaultLoad) + int64(secondaries)*int64(m.SecondaryDefaultLoad)
	}
	var existing []types.ServiceMetric
	if old, _, ok := e.table.Service(desc.Name); ok {
		existing = load.ServiceMetrics(old.Desc)
	}

	for _, m := range load.ServiceMetrics(desc) {
		capacity := snapshot.TotalCapacity(nodes, m.Name)
		if capacity == placement.Unbounded {
			continue
		}
		required := requirement(m)
		for _, old := range existing {
			if old.Name == m.Name {
				required -= requirement(old)
				break
			}
		}
		if required <= 0 {
			continue
		}
		buffered := int64(float64(capacity) * (1 - e.cfg.BufferPercentage(m.Name)))
		available := buffered - e.metricLoadLocked(m.Name, "") - e.outstandingReservationLocked(m.Name, desc.ApplicationName)
		if required > available {
			return fmt.Errorf("service %s: metric %s needs %d, %d of %d available: %w",
				desc.Name, m.Name, required, available, buffered, types.ErrInsufficientClusterCapacity)
		}
	}
	return nil
}

// checkReservation rejects an application whose reservation, MinimumNodes
// times the per node reservation of each metric, cannot be covered by the
// capacity left after load and the reservations of every application.
// Shrinking a reservation is always accepted.
func (e *Engine) checkReservation(desc types.ApplicationDescription) error {
	if desc.MinimumNodes <= 0 || len(desc.Capacities) == 0 || len(e.nodes) == 0 {
		return nil
	}
	nodes := e.nodeListLocked()
	old, hadOld := e.applications[desc.Name]

	for _, metric := range slices.Sorted(maps.Keys(desc.Capacities)) {
		reservation := int64(desc.MinimumNodes) * desc.Capacities[metric].ReservationCapacity
		var previous int64
		if hadOld {
			previous = reservedCapacity(old, metric)
		}
		if previous >= reservation {
			continue
		}
		used := e.metricLoadLocked(metric, desc.Name)
		if used >= reservation {
			continue
		}
		increase := min(reservation-previous, reservation-used)

		capacity := snapshot.TotalCapacity(nodes, metric)
		if capacity == placement.Unbounded {
			continue
		}
		buffered := int64(float64(capacity) * (1 - e.cfg.BufferPercentage(metric)))
		remaining := buffered - e.metricLoadLocked(metric, "") - e.outstandingReservationLocked(metric, "")
		if increase > remaining {
			return fmt.Errorf("application %s: metric %s reservation grows by %d, %d available: %w",
				desc.Name, metric, increase, remaining, types.ErrInsufficientClusterCapacity)
		}
	}
	return nil
}

// reservedCapacity is the load an application reserves for a metric
func reservedCapacity(app types.ApplicationDescription, metric string) int64 {
	if app.MinimumNodes <= 0 {
		return 0
	}
	return int64(app.MinimumNodes) * app.Capacities[metric].ReservationCapacity
}

// outstandingReservationLocked sums the reservation applications hold for a
// metric beyond the load their services already use, leaving out one
// application.
func (e *Engine) outstandingReservationLocked(metric, except string) int64 {
	var total int64
	for name, app := range e.applications {
		if name == except {
			continue
		}
		if r := reservedCapacity(app, metric); r > 0 {
			if used := e.metricLoadLocked(metric, name); used < r {
				total += r - used
			}
		}
	}
	return total
}

// metricLoadLocked sums the load of a metric over live replicas, of one
// application's services or of every service when app is empty.
func (e *Engine) metricLoadLocked(metric, app string) int64 {
	id, ok := e.table.MetricDomain(metric)
	if !ok {
		return 0
	}
	d, ok := e.table.Domain(id)
	if !ok {
		return 0
	}
	var total int64
	for _, fu := range d.FailoverUnits {
		if app != "" {
			svc, ok := d.Services[fu.Desc.ServiceName]
			if !ok || svc.Desc.ApplicationName != app {
				continue
			}
		}
		for _, r := range fu.Desc.Replicas {
			if r.IsLive() {
				total += int64(fu.Loads.Load(metric, r.Role, r.NodeID))
			}
		}
	}
	return total
}
