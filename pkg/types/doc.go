/*
Package types defines the shared data model for nomarr's coordination
core: library files, worker claims, component health, restart counters,
and calibration state.

All persisted timestamps are wall-clock milliseconds. Liveness is never
derived from them; the health monitor is the sole authority for that.
*/
package types
