// Package sinks implements progress consumers: structured logging, Prometheus
// collectors and the run stats repository.
package sinks
