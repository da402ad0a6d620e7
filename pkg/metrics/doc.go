/*
Package metrics provides Prometheus metrics and the component health registry
for the balancer.

All collectors are package variables registered with the default registry in
init, and exposed over HTTP through Handler.

# Metric Families

	Model:      plb_nodes_total{status}, plb_services_total,
	            plb_failover_units_total, plb_service_domains_total,
	            plb_pending_updates{kind}
	Refresh:    plb_refresh_duration_seconds, plb_stage_duration_seconds{action},
	            plb_stages_total{action}, plb_search_interrupted_total
	Movements:  plb_movements_total{type}, plb_movements_discarded_total,
	            plb_movements_dropped_total, plb_movements_throttled_total{action}
	Reporting:  plb_health_reports_total{result}, plb_trace_events_dropped_total
	API:        plb_api_requests_total{method,status},
	            plb_api_request_duration_seconds{method}

Model gauges are sampled by a Collector from any StatsSource (the engine
implements one). Counters and histograms are updated inline by the refresh
loop:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RefreshDuration)

# Health Registry

Components register their health with RegisterComponent/UpdateComponent.
GetHealth is unhealthy when any registered component is unhealthy. GetReadiness
only looks at the critical components, ComponentEngine and ComponentRefresh, and
reports not_ready until both are registered and healthy. HealthHandler,
ReadyHandler and LivenessHandler serve these states as JSON.
*/
package metrics
