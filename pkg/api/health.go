package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/plb/pkg/diagnostics"
	"github.com/cuemby/plb/pkg/log"
	"github.com/cuemby/plb/pkg/metrics"
	"github.com/cuemby/plb/pkg/snapshot"
	"github.com/cuemby/plb/pkg/types"
)

// Querier is the read side of the engine served over HTTP
type Querier interface {
	ClusterLoad() (snapshot.ClusterLoad, error)
	NodeLoad(nodeID string) (snapshot.NodeLoad, error)
	ApplicationLoad(name string) (snapshot.ApplicationLoad, error)
	UnplacedReplicas(service string) ([]diagnostics.UnplacedReplica, error)
}

// HTTPServer provides health, metrics and read-only query endpoints
type HTTPServer struct {
	engine Querier
	mux    *http.ServeMux
	server *http.Server
	logger zerolog.Logger
}

// NewHTTPServer creates the HTTP server. A nil engine serves only the
// health and metrics endpoints.
func NewHTTPServer(engine Querier) *HTTPServer {
	mux := http.NewServeMux()
	hs := &HTTPServer{
		engine: engine,
		mux:    mux,
		logger: log.WithComponent("api"),
	}
	hs.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	mux.Handle("/metrics", metrics.Handler())

	if engine != nil {
		mux.HandleFunc("GET /v1/load/cluster", hs.instrument("cluster_load", hs.clusterLoadHandler))
		mux.HandleFunc("GET /v1/load/nodes/{id}", hs.instrument("node_load", hs.nodeLoadHandler))
		mux.HandleFunc("GET /v1/load/applications/{name}", hs.instrument("application_load", hs.applicationLoadHandler))
		mux.HandleFunc("GET /v1/unplaced/{service}", hs.instrument("unplaced_replicas", hs.unplacedHandler))
	}
	return hs
}

// Serve accepts connections on lis until Shutdown is called
func (hs *HTTPServer) Serve(lis net.Listener) error {
	hs.logger.Info().Str("addr", lis.Addr().String()).Msg("HTTP API listening")
	err := hs.server.Serve(lis)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server, waiting for in-flight requests until ctx ends
func (hs *HTTPServer) Shutdown(ctx context.Context) error {
	return hs.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for embedding in other servers
func (hs *HTTPServer) Handler() http.Handler {
	return hs.mux
}

// ErrorResponse is the body of every failed query
type ErrorResponse struct {
	Error string `json:"error"`
}

// UnplacedResponse lists the unplaced replicas of a service
type UnplacedResponse struct {
	Service  string                        `json:"service"`
	Replicas []diagnostics.UnplacedReplica `json:"replicas"`
}

func (hs *HTTPServer) clusterLoadHandler(_ http.ResponseWriter, _ *http.Request) (int, any) {
	res, err := hs.engine.ClusterLoad()
	if err != nil {
		return errorResponse(err)
	}
	return http.StatusOK, res
}

func (hs *HTTPServer) nodeLoadHandler(_ http.ResponseWriter, r *http.Request) (int, any) {
	res, err := hs.engine.NodeLoad(r.PathValue("id"))
	if err != nil {
		return errorResponse(err)
	}
	return http.StatusOK, res
}

func (hs *HTTPServer) applicationLoadHandler(_ http.ResponseWriter, r *http.Request) (int, any) {
	res, err := hs.engine.ApplicationLoad(r.PathValue("name"))
	if err != nil {
		return errorResponse(err)
	}
	return http.StatusOK, res
}

func (hs *HTTPServer) unplacedHandler(_ http.ResponseWriter, r *http.Request) (int, any) {
	service := r.PathValue("service")
	res, err := hs.engine.UnplacedReplicas(service)
	if err != nil {
		return errorResponse(err)
	}
	if res == nil {
		res = []diagnostics.UnplacedReplica{}
	}
	return http.StatusOK, UnplacedResponse{Service: service, Replicas: res}
}

// errorResponse maps engine errors to HTTP status codes
func errorResponse(err error) (int, any) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrNodeNotFound),
		errors.Is(err, types.ErrServiceNotFound),
		errors.Is(err, types.ErrApplicationNotFound):
		code = http.StatusNotFound
	case errors.Is(err, types.ErrObjectClosed), errors.Is(err, types.ErrPLBNotReady):
		code = http.StatusServiceUnavailable
	}
	return code, ErrorResponse{Error: err.Error()}
}

type queryHandler func(w http.ResponseWriter, r *http.Request) (int, any)

// instrument writes the handler result as JSON and records request metrics
func (hs *HTTPServer) instrument(method string, h queryHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		code, body := h(w, r)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if err := json.NewEncoder(w).Encode(body); err != nil {
			hs.logger.Warn().Err(err).Str("method", method).Msg("Failed to write response")
		}

		timer.ObserveDurationVec(metrics.APIRequestDuration, method)
		metrics.APIRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
		hs.logger.Debug().
			Str("method", method).
			Str("path", r.URL.Path).
			Int("status", code).
			Dur("duration", timer.Duration()).
			Msg("HTTP request")
	}
}
