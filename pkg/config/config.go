package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xiaden/nomarr/pkg/supervisor"
	"github.com/xiaden/nomarr/pkg/types"
)

// Config is the daemon configuration. Load starts from Default, so keys
// absent from the YAML file keep their default values.
type Config struct {
	DataDir     string `yaml:"data_dir"`
	SocketPath  string `yaml:"socket_path"`
	MetricsAddr string `yaml:"metrics_addr"`

	// Pipeline command invoked per file by worker subprocesses. The ML
	// backend itself lives outside this repository.
	PipelineCommand string `yaml:"pipeline_command"`
	PipelineVersion string `yaml:"pipeline_version"`

	WorkerCount        int `yaml:"worker_count"`
	HeartbeatIntervalS int `yaml:"heartbeat_interval_s"`
	HeartbeatMaxMisses int `yaml:"heartbeat_max_misses"`
	StartupTimeoutS    int `yaml:"startup_timeout_s"`

	RestartMaxRapid     int `yaml:"restart_max_rapid"`
	RestartRapidWindowS int `yaml:"restart_rapid_window_s"`
	RestartMaxLifetime  int `yaml:"restart_max_lifetime"`
	RestartBackoffCapS  int `yaml:"restart_backoff_cap_s"`

	ClaimSweepIntervalS int `yaml:"claim_sweep_interval_s"`
	StateBrokerPollMS   int `yaml:"state_broker_poll_ms"`

	CalibrationBinWidth    float64   `yaml:"calibration_bin_width"`
	CalibrationPercentiles []float64 `yaml:"calibration_percentiles"`
	CalibrationSchedule    string    `yaml:"calibration_schedule"`
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		DataDir:                "/var/lib/nomarr",
		SocketPath:             "/var/lib/nomarr/nomarr.sock",
		WorkerCount:            1,
		HeartbeatIntervalS:     5,
		HeartbeatMaxMisses:     3,
		StartupTimeoutS:        60,
		RestartMaxRapid:        5,
		RestartRapidWindowS:    300,
		RestartMaxLifetime:     20,
		RestartBackoffCapS:     60,
		ClaimSweepIntervalS:    30,
		StateBrokerPollMS:      500,
		CalibrationBinWidth:    0.01,
		CalibrationPercentiles: []float64{0.05, 0.95},
	}
}

// Load reads a YAML config file over the defaults. An empty path
// returns the defaults unchanged. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks invariants between settings.
func (c Config) Validate() error {
	if c.WorkerCount < 0 {
		return errors.New("worker_count must be >= 0")
	}
	if c.HeartbeatIntervalS <= 0 || c.HeartbeatMaxMisses <= 0 {
		return errors.New("heartbeat settings must be positive")
	}
	if c.StartupTimeoutS <= 0 {
		return errors.New("startup_timeout_s must be positive")
	}
	if c.CalibrationBinWidth <= 0 || c.CalibrationBinWidth > 0.5 {
		return errors.New("calibration_bin_width must be in (0, 0.5]")
	}
	if len(c.CalibrationPercentiles) != 0 && len(c.CalibrationPercentiles) != 2 {
		return errors.New("calibration_percentiles must hold exactly two values")
	}
	return nil
}

// Policy renders the worker health policy.
func (c Config) Policy() types.HealthPolicy {
	return types.HealthPolicy{
		StartupTimeout:    time.Duration(c.StartupTimeoutS) * time.Second,
		HeartbeatInterval: time.Duration(c.HeartbeatIntervalS) * time.Second,
		MaxMisses:         c.HeartbeatMaxMisses,
	}
}

// Limits renders the restart limits.
func (c Config) Limits() supervisor.Limits {
	return supervisor.Limits{
		MaxRapid:    c.RestartMaxRapid,
		RapidWindow: time.Duration(c.RestartRapidWindowS) * time.Second,
		MaxLifetime: c.RestartMaxLifetime,
		BackoffCap:  time.Duration(c.RestartBackoffCapS) * time.Second,
	}
}

// SweepInterval renders the claim sweep cadence.
func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.ClaimSweepIntervalS) * time.Second
}

// BrokerPoll renders the state broker poll cadence.
func (c Config) BrokerPoll() time.Duration {
	return time.Duration(c.StateBrokerPollMS) * time.Millisecond
}
