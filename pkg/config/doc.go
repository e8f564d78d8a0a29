// Package config loads the daemon's YAML configuration with defaults
// for every coordination setting.
package config
