package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Overall states reported by GetHealth and GetReadiness
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusReady     = "ready"
	StatusNotReady  = "not_ready"
)

// HealthStatus is the body of the health and readiness endpoints
type HealthStatus struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

// Components checked by GetReadiness
const (
	ComponentEngine  = "engine"
	ComponentRefresh = "refresh"
)

var criticalComponents = []string{ComponentEngine, ComponentRefresh}

var healthChecker = newHealthChecker()

// ComponentHealth tracks the health of a single component
type ComponentHealth struct {
	Name    string
	Healthy bool
	Message string
	Updated time.Time
}

// HealthChecker is the process wide component registry
type HealthChecker struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	startTime  time.Time
	version    string
	// staleAfter marks a critical component not ready when it has not
	// reported for this long, zero disables
	staleAfter time.Duration
	now        func() time.Time
}

func newHealthChecker() *HealthChecker {
	return &HealthChecker{
		components: make(map[string]ComponentHealth),
		startTime:  time.Now(),
		now:        time.Now,
	}
}

// SetVersion sets the version string for health responses
func SetVersion(version string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	healthChecker.version = version
}

// SetStaleAfter sets how long a critical component may go without an
// update before readiness fails. The refresh loop updates its component
// once per refresh, so a multiple of the refresh gap detects a stuck loop.
func SetStaleAfter(d time.Duration) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	healthChecker.staleAfter = d
}

// RegisterComponent registers a component for health checking
func RegisterComponent(name string, healthy bool, message string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	healthChecker.components[name] = ComponentHealth{
		Name:    name,
		Healthy: healthy,
		Message: message,
		Updated: healthChecker.now(),
	}
}

// UpdateComponent updates the health status of a component
func UpdateComponent(name string, healthy bool, message string) {
	RegisterComponent(name, healthy, message)
}

func isCritical(name string) bool {
	for _, c := range criticalComponents {
		if c == name {
			return true
		}
	}
	return false
}

// GetHealth returns the overall health. An unhealthy critical component
// makes the process unhealthy; any other unhealthy component degrades it.
func GetHealth() HealthStatus {
	healthChecker.mu.RLock()
	defer healthChecker.mu.RUnlock()

	status := StatusHealthy
	components := make(map[string]string, len(healthChecker.components))
	var failing []string
	for name, comp := range healthChecker.components {
		if comp.Healthy {
			components[name] = StatusHealthy
			continue
		}
		components[name] = "unhealthy: " + comp.Message
		failing = append(failing, name)
		if isCritical(name) {
			status = StatusUnhealthy
		} else if status == StatusHealthy {
			status = StatusDegraded
		}
	}
	sort.Strings(failing)

	out := healthChecker.status(status, components)
	if len(failing) > 0 {
		out.Message = "failing: " + failing[0]
	}
	return out
}

// GetReadiness reports whether every critical component is registered,
// healthy and not stale.
func GetReadiness() HealthStatus {
	healthChecker.mu.RLock()
	defer healthChecker.mu.RUnlock()

	now := healthChecker.now()
	status := StatusReady
	message := ""
	components := make(map[string]string, len(criticalComponents))

	for _, name := range criticalComponents {
		comp, exists := healthChecker.components[name]
		switch {
		case !exists:
			components[name] = "not registered"
		case !comp.Healthy:
			components[name] = "not ready: " + comp.Message
		case healthChecker.staleAfter > 0 && now.Sub(comp.Updated) > healthChecker.staleAfter:
			components[name] = "stale since " + comp.Updated.Format(time.RFC3339)
		default:
			components[name] = StatusReady
			continue
		}
		if status == StatusReady {
			status = StatusNotReady
			message = "waiting for " + name
		}
	}

	out := healthChecker.status(status, components)
	out.Message = message
	return out
}

func (h *HealthChecker) status(status string, components map[string]string) HealthStatus {
	now := h.now()
	return HealthStatus{
		Status:     status,
		Timestamp:  now,
		Components: components,
		Version:    h.version,
		Uptime:     now.Sub(h.startTime).Round(time.Second).String(),
	}
}

func writeStatus(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// HealthHandler serves GetHealth; only an unhealthy process returns 503
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := GetHealth()
		code := http.StatusOK
		if health.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeStatus(w, code, health)
	}
}

// ReadyHandler serves GetReadiness
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		readiness := GetReadiness()
		code := http.StatusOK
		if readiness.Status != StatusReady {
			code = http.StatusServiceUnavailable
		}
		writeStatus(w, code, readiness)
	}
}

// LivenessHandler always returns 200 while the process runs
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		healthChecker.mu.RLock()
		uptime := healthChecker.now().Sub(healthChecker.startTime).Round(time.Second)
		healthChecker.mu.RUnlock()
		writeStatus(w, http.StatusOK, map[string]string{
			"status": "alive",
			"uptime": uptime.String(),
		})
	}
}
