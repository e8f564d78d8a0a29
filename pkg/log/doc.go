// Package log provides the global zerolog logger and child-logger
// helpers used by every nomarr component.
package log
