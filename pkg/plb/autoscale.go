package plb

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/plb/pkg/domain"
	"github.com/cuemby/plb/pkg/metrics"
	"github.com/cuemby/plb/pkg/types"
)

// repartitionResult is the completion of one service management call
type repartitionResult struct {
	service        string
	partitionCount int
	err            error
}

// repartitions tracks service management calls in flight. Completions are
// applied by the next refresh, never from the calling goroutine.
type repartitions struct {
	mu       sync.Mutex
	inFlight map[string]struct{}
	results  chan repartitionResult
}

func newRepartitions() *repartitions {
	return &repartitions{
		inFlight: make(map[string]struct{}),
		results:  make(chan repartitionResult, 64),
	}
}

func (r *repartitions) begin(service string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.inFlight[service]; ok {
		return false
	}
	r.inFlight[service] = struct{}{}
	return true
}

func (r *repartitions) end(service string) {
	r.mu.Lock()
	delete(r.inFlight, service)
	r.mu.Unlock()
}

type targetUpdate struct {
	partitionID string
	target      int
}

// scalingCalls are the collaborator calls decided under the model lock
type scalingCalls struct {
	targets      []targetUpdate
	repartitions []repartitionResult
}

// applyRepartitionsLocked records completed repartition calls. A failed
// call is forgotten so the service is evaluated again.
func (e *Engine) applyRepartitionsLocked(now time.Time) {
	for {
		select {
		case res := <-e.scaling.results:
			e.scaling.end(res.service)
			svc, _, ok := e.table.Service(res.service)
			if res.err != nil {
				metrics.AutoScalingTotal.WithLabelValues(string(types.ScalingAddRemovePartitions), "failed").Inc()
				e.logger.Warn().
					Err(res.err).
					Str("service", res.service).
					Int("partition_count", res.partitionCount).
					Msg("Service repartition failed, retrying on a later refresh")
				continue
			}
			metrics.AutoScalingTotal.WithLabelValues(string(types.ScalingAddRemovePartitions), "succeeded").Inc()
			if ok {
				svc.Desc.PartitionCount = res.partitionCount
				svc.LastScaled = now
			}
		default:
			return
		}
	}
}

// autoScaleLocked evaluates the scaling policies whose interval elapsed
func (e *Engine) autoScaleLocked(now time.Time) scalingCalls {
	var calls scalingCalls
	for _, d := range e.table.Domains() {
		for _, name := range d.ServiceNames() {
			svc := d.Services[name]
			policy := svc.Desc.ScalingPolicy
			if policy == nil || (!svc.LastScaled.IsZero() && now.Sub(svc.LastScaled) < policy.ScaleInterval) {
				continue
			}
			switch policy.Kind {
			case types.ScalingPartitionInstanceCount:
				if t := e.scaleInstancesLocked(d, svc); len(t) > 0 {
					calls.targets = append(calls.targets, t...)
					svc.LastScaled = now
				}
			case types.ScalingAddRemovePartitions:
				if e.sm == nil {
					continue
				}
				if count, ok := scaledCount(policy, svc.Desc.PartitionCount, serviceAverageLoad(d, svc, policy.MetricName)); ok {
					calls.repartitions = append(calls.repartitions, repartitionResult{service: name, partitionCount: count})
				}
			}
		}
	}
	return calls
}

// scaleInstancesLocked changes the target of each partition whose average
// instance load crossed a threshold.
func (e *Engine) scaleInstancesLocked(d *domain.Domain, svc *domain.Service) []targetUpdate {
	ids := make([]string, 0, len(svc.FailoverUnits))
	for id := range svc.FailoverUnits {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []targetUpdate
	for _, id := range ids {
		fu, ok := d.FailoverUnits[id]
		if !ok || fu.Desc.IsInTransition {
			continue
		}
		avg, ok := partitionAverageLoad(fu, svc.Desc.ScalingPolicy.MetricName)
		if !ok {
			continue
		}
		target, ok := scaledCount(svc.Desc.ScalingPolicy, fu.Desc.TargetReplicaSetSize, avg)
		if !ok {
			continue
		}
		fu.Desc.TargetReplicaSetSize = target
		d.Scheduler.OnModelChanged()
		metrics.AutoScalingTotal.WithLabelValues(string(types.ScalingPartitionInstanceCount), "succeeded").Inc()
		out = append(out, targetUpdate{partitionID: id, target: target})
	}
	return out
}

// scaledCount applies the thresholds to a count and reports whether it
// changed.
func scaledCount(p *types.ScalingPolicy, current int, avg float64) (int, bool) {
	next := current
	switch {
	case avg > p.UpperThreshold:
		next = current + p.ScaleIncrement
	case avg < p.LowerThreshold:
		next = current - p.ScaleIncrement
	default:
		return current, false
	}
	if p.MaxCount >= 0 && next > p.MaxCount {
		next = p.MaxCount
	}
	if next < p.MinCount {
		next = p.MinCount
	}
	return next, next != current
}

func partitionAverageLoad(fu *domain.FailoverUnit, metric string) (float64, bool) {
	var sum float64
	n := 0
	for _, r := range fu.Desc.Replicas {
		if !r.IsLive() {
			continue
		}
		sum += float64(fu.Loads.Load(metric, r.Role, r.NodeID))
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

func serviceAverageLoad(d *domain.Domain, svc *domain.Service, metric string) float64 {
	var sum float64
	n := 0
	for id := range svc.FailoverUnits {
		fu, ok := d.FailoverUnits[id]
		if !ok {
			continue
		}
		if avg, ok := partitionAverageLoad(fu, metric); ok {
			sum += avg
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// runScaling makes the collaborator calls decided by autoScaleLocked. It
// must be called without the model lock.
func (e *Engine) runScaling(calls scalingCalls) {
	for _, t := range calls.targets {
		e.logger.Info().
			Str("partition_id", t.partitionID).
			Int("target", t.target).
			Msg("Auto scaling partition target")
		e.fm.UpdateFailoverUnitTargetReplicaCount(t.partitionID, t.target)
	}
	for _, req := range calls.repartitions {
		if !e.scaling.begin(req.service) {
			continue
		}
		e.logger.Info().
			Str("service", req.service).
			Int("partition_count", req.partitionCount).
			Msg("Auto scaling service partitions")
		e.wg.Add(1)
		go e.repartition(req)
	}
}

func (e *Engine) repartition(req repartitionResult) {
	defer e.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), e.Config().ServiceRepartitionForAutoScalingTimeout)
	defer cancel()
	go func() {
		select {
		case <-e.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	req.err = e.sm.UpdateService(ctx, req.service, req.partitionCount)
	select {
	case e.scaling.results <- req:
	case <-e.stopCh:
	}
}
