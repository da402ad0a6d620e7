/*
Package config holds the balancer configuration.

Config is the engine's tuning surface: stage intervals, throttling limits,
search timeouts, constraint priorities and per metric thresholds. File wraps
it with the daemon settings (logging, listeners, trace store).

Configuration is layered:

 1. Default and DefaultFile provide the production defaults
 2. Load overlays a YAML file
 3. ApplyEnv overlays PLB_* environment variables, e.g.
    PLB_MIN_LOAD_BALANCING_INTERVAL=30s or PLB_LOAD_BALANCING_ENABLED=false

Validate reports every problem at once; the returned error can be split with
multierr.Errors and matched with errors.Is(err, ErrInvalidConfig).

A running engine takes a new Config through Engine.UpdateConfig, which
re-evaluates the domain/metric mapping and invalidates cached constraint
results.
*/
package config
