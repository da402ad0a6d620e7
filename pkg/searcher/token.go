package searcher

import "sync/atomic"

// Token cancels in-flight searches. The engine stops it when the model
// changes under a running search and resets it at the start of each refresh.
type Token struct {
	stopped atomic.Bool
}

// NewToken creates a token that is not stopped
func NewToken() *Token {
	return &Token{}
}

// Stop asks running searches to finish at their next check
func (t *Token) Stop() {
	t.stopped.Store(true)
}

// Stopped reports whether Stop was called since the last Reset
func (t *Token) Stopped() bool {
	return t.stopped.Load()
}

// Reset clears the stop request
func (t *Token) Reset() {
	t.stopped.Store(false)
}
