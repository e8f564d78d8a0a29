// Package metrics defines the prometheus instrumentation for the
// coordination core: worker pool throughput, claim contention,
// supervision outcomes, broker fan-out, and calibration runs.
package metrics
