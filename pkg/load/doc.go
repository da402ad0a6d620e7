// Package load tracks reported per metric loads of failover units.
//
// Each metric value is kept as a Stats with optional exponential decay: a new
// report at time t is folded into the history with weight factor^(elapsed/interval),
// so with Factor 0.5 and Interval 1m a report made a minute ago counts half as
// much as a fresh one. Until the first report the value is the service default.
package load
