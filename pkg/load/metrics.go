package load

import "github.com/cuemby/plb/pkg/types"

// ServiceMetrics returns the effective metric list of a service. Services
// without metrics get the built-in count metrics, and a stateful singleton
// uses its primary default load for secondaries so a swap keeps load intact.
func ServiceMetrics(svc types.ServiceDescription) []types.ServiceMetric {
	if len(svc.Metrics) == 0 {
		metrics := []types.ServiceMetric{
			{Name: types.MetricCount, Weight: 1, PrimaryDefaultLoad: 1, SecondaryDefaultLoad: 1, IsBuiltIn: true},
		}
		if svc.IsStateful {
			metrics = append(metrics, types.ServiceMetric{
				Name: types.MetricPrimaryCount, Weight: 1, PrimaryDefaultLoad: 1, SecondaryDefaultLoad: 0, IsBuiltIn: true,
			})
		}
		return metrics
	}

	metrics := make([]types.ServiceMetric, len(svc.Metrics))
	copy(metrics, svc.Metrics)
	if svc.IsStateful && svc.TargetReplicaSetSize == 1 {
		for i := range metrics {
			metrics[i].SecondaryDefaultLoad = metrics[i].PrimaryDefaultLoad
		}
	}
	return metrics
}
