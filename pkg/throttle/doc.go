// Package throttle accounts for emitted movements and turns the configured
// absolute and percentage thresholds into a movement budget per search.
package throttle
