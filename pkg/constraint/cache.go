package constraint

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/cuemby/plb/pkg/placement"
)

type evalKey struct {
	expr string
	node string
}

type parsed struct {
	expr *Expression
	err  error
}

// ValidationCache memoizes parsed placement constraints and their result
// per node. Results are bounded by an LRU; call Purge when node properties
// change.
type ValidationCache struct {
	mu      sync.Mutex
	exprs   map[string]parsed
	results *lru.Cache
}

// NewValidationCache creates a cache holding up to size evaluation results.
// A size of zero or less disables result caching.
func NewValidationCache(size int) (*ValidationCache, error) {
	c := &ValidationCache{exprs: make(map[string]parsed)}
	if size > 0 {
		results, err := lru.New(size)
		if err != nil {
			return nil, err
		}
		c.results = results
	}
	return c, nil
}

// Expression returns the parsed form of a constraint
func (c *ValidationCache) Expression(source string) (*Expression, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.exprs[source]; ok {
		return p.expr, p.err
	}
	expr, err := Parse(source)
	c.exprs[source] = parsed{expr: expr, err: err}
	return expr, err
}

// Eval evaluates a constraint against a node
func (c *ValidationCache) Eval(expr *Expression, node *placement.Node) bool {
	if c.results == nil {
		return expr.Eval(node.Properties)
	}
	key := evalKey{expr: expr.String(), node: node.ID}
	if v, ok := c.results.Get(key); ok {
		return v.(bool)
	}
	result := expr.Eval(node.Properties)
	c.results.Add(key, result)
	return result
}

// Len returns the number of cached evaluation results
func (c *ValidationCache) Len() int {
	if c.results == nil {
		return 0
	}
	return c.results.Len()
}

// Purge drops every cached evaluation result
func (c *ValidationCache) Purge() {
	if c.results != nil {
		c.results.Purge()
	}
}
