package domain

import "sort"

// Vertex names for relations that are not metrics. Metric names may not
// start with a NUL byte, so these never collide with real metrics.
func serviceVertex(name string) string     { return "\x00service/" + name }
func applicationVertex(name string) string { return "\x00application/" + name }

// IsMetricVertex reports whether a graph vertex is a metric name
func IsMetricVertex(v string) bool {
	return len(v) == 0 || v[0] != 0
}

// Edge joins two vertices of the metric graph
type Edge struct {
	A, B string
}

// MetricGraph is the reference counted connection graph between metrics.
// Every service contributes edges joining its metrics, its affinity parent
// and its application; domains are its connected components.
type MetricGraph struct {
	vertices map[string]int
	adj      map[string]map[string]int
}

// NewMetricGraph creates an empty graph
func NewMetricGraph() *MetricGraph {
	return &MetricGraph{
		vertices: make(map[string]int),
		adj:      make(map[string]map[string]int),
	}
}

// AddVertex references a vertex
func (g *MetricGraph) AddVertex(v string) {
	g.vertices[v]++
}

// RemoveVertex drops one reference of a vertex
func (g *MetricGraph) RemoveVertex(v string) {
	if g.vertices[v] <= 1 {
		delete(g.vertices, v)
		return
	}
	g.vertices[v]--
}

// AddEdge references an undirected edge
func (g *MetricGraph) AddEdge(e Edge) {
	if e.A == e.B {
		return
	}
	g.link(e.A, e.B, 1)
	g.link(e.B, e.A, 1)
}

// RemoveEdge drops one reference of an edge
func (g *MetricGraph) RemoveEdge(e Edge) {
	if e.A == e.B {
		return
	}
	g.link(e.A, e.B, -1)
	g.link(e.B, e.A, -1)
}

func (g *MetricGraph) link(a, b string, delta int) {
	n := g.adj[a]
	if n == nil {
		if delta < 0 {
			return
		}
		n = make(map[string]int)
		g.adj[a] = n
	}
	n[b] += delta
	if n[b] <= 0 {
		delete(n, b)
	}
	if len(n) == 0 {
		delete(g.adj, a)
	}
}

// Has reports whether a vertex is referenced or has edges
func (g *MetricGraph) Has(v string) bool {
	_, ok := g.vertices[v]
	_, linked := g.adj[v]
	return ok || linked
}

// Component returns every vertex reachable from v, sorted
func (g *MetricGraph) Component(v string) []string {
	seen := map[string]bool{v: true}
	queue := []string{v}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for next := range g.adj[cur] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// AreMetricsConnected reports whether every metric lies in one component
func (g *MetricGraph) AreMetricsConnected(metrics []string) bool {
	if len(metrics) <= 1 {
		return true
	}
	reach := make(map[string]bool)
	for _, v := range g.Component(metrics[0]) {
		reach[v] = true
	}
	for _, m := range metrics[1:] {
		if !reach[m] {
			return false
		}
	}
	return true
}

// ServiceEdges returns the vertices and edges a service contributes: its
// metrics joined through the service vertex, an edge to the affinity
// parent vertex and an edge to its application when the application limits
// scaleout or capacity.
func ServiceEdges(name string, metrics []string, parent, application string) (vertices []string, edges []Edge) {
	sv := serviceVertex(name)
	vertices = append(vertices, sv)
	for _, m := range metrics {
		vertices = append(vertices, m)
		edges = append(edges, Edge{A: sv, B: m})
	}
	if parent != "" && parent != name {
		edges = append(edges, Edge{A: sv, B: serviceVertex(parent)})
	}
	if application != "" {
		edges = append(edges, Edge{A: sv, B: applicationVertex(application)})
	}
	return vertices, edges
}
