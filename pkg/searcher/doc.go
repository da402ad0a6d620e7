// Package searcher runs the time bounded, randomized local search behind
// every scheduler stage: new replica placement (optionally moving existing
// replicas to make room), constraint violation fixing, and quick greedy or
// slow simulated annealing load balancing. A Token lets the engine cancel a
// running search; interrupted balancing is discarded while placement and
// constraint fixes keep what was completed.
package searcher
