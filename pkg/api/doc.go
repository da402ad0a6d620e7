/*
Package api exposes the engine to operators.

HTTPServer serves:

	GET /health                          component health, 503 when a component is unhealthy
	GET /ready                           readiness of the engine and refresh loop
	GET /live                            liveness
	GET /metrics                         Prometheus metrics
	GET /v1/load/cluster                 cluster load of the last refresh
	GET /v1/load/nodes/{id}              load of one node
	GET /v1/load/applications/{name}     load of one application
	GET /v1/unplaced/{service}           replicas the engine could not place

Query endpoints read the snapshot published by the last refresh and never
block the engine. Unknown nodes, services and applications return 404; a
disposed engine returns 503.

GRPCServer serves the standard grpc.health.v1 service for the empty
service name and for ServiceName. Both report SERVING while the readiness
registry in package metrics reports ready. Every unary call goes through
UnaryInterceptor, which logs it and records plb_api_requests_total.
*/
package api
