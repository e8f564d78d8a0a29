// Package system assembles the worker pool: it spawns worker
// subprocesses, registers them with the health monitor, routes death
// callbacks through crash attribution into the restart supervisor, and
// provides the operator surface (start, stop, pause, resume, reset,
// status).
package system
