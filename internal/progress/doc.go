// Package progress defines the events a crawl run emits, the non-blocking hub
// that batches them on a background goroutine, and the fault reporter that
// turns unrecovered spider faults into events. Sinks such as Prometheus or the
// stats store live in the sinks subpackage.
package progress
