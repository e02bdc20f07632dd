/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package clockd

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// ServoKind selects which Corrector implementation an Instance runs.
type ServoKind string

// The two servo variants spec 4.C/4.D name.
const (
	ServoPI  ServoKind = "pi"
	ServoEKF ServoKind = "ekf"
)

// Config is the construction-time configuration record for an Instance.
// Every field here is read once, at create time; nothing is re-read
// from the environment by a running instance (spec 9, "global logging
// toggle" / "thread-function static caching of env" design notes).
type Config struct {
	TestName string `yaml:"test_name"`

	KpPPMPerS      float64       `yaml:"kp_ppm_per_s"`
	KiPPMPerS2     float64       `yaml:"ki_ppm_per_s2"`
	Servo          ServoKind     `yaml:"servo"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	PhaseEpsilonNs int64         `yaml:"phase_epsilon_ns"`
	TAIOffsetS     int64         `yaml:"tai_offset_s"`
	RingCapacity   int           `yaml:"ring_capacity"`
	MaxStateLogMB  int64         `yaml:"max_state_log_mb"`

	ReferenceClock   string `yaml:"reference_clock"`
	ComplianceTarget string `yaml:"compliance_target"`

	// LogDir, DisableStructuredLog, DisableServoLog, and EnableServoLog
	// mirror the environment-driven opt-outs in spec 6: the YAML value
	// is the default, overridden once by the matching env var below.
	LogDir               string `yaml:"log_dir"`
	DisableStructuredLog bool   `yaml:"disable_structured_log"`
	DisableServoLog      bool   `yaml:"disable_servo_log"`
	EnableServoLog       bool   `yaml:"enable_servo_log"`
}

// DefaultConfig returns the constants spec 6 documents as defaults.
func DefaultConfig() Config {
	return Config{
		TestName:         "synthclock",
		KpPPMPerS:        200.0,
		KiPPMPerS2:       8.0,
		Servo:            ServoPI,
		PollInterval:     10 * time.Millisecond,
		PhaseEpsilonNs:   100,
		TAIOffsetS:       37,
		RingCapacity:     4096,
		MaxStateLogMB:    0,
		ReferenceClock:   "MONOTONIC_RAW",
		ComplianceTarget: "MTIE(1s)<=100us,MTIE(10s)<=200us,MTIE(30s)<=300us",
		LogDir:           "/var/log/synthclock",
	}
}

// LoadConfig reads a YAML file over DefaultConfig, then applies the
// environment opt-outs exactly once.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	return cfg, cfg.validate()
}

// applyEnvOverrides reads the four recognized runtime toggles (spec 6)
// exactly once, at load time. A running Instance never re-reads these.
func applyEnvOverrides(cfg *Config) {
	if dir := os.Getenv("LOG_DIR"); dir != "" {
		cfg.LogDir = dir
	}
	if _, ok := os.LookupEnv("DISABLE_STRUCTURED_LOG"); ok {
		cfg.DisableStructuredLog = true
	}
	if _, ok := os.LookupEnv("DISABLE_SERVO_LOG"); ok {
		cfg.DisableServoLog = true
	}
	if _, ok := os.LookupEnv("ENABLE_SERVO_LOG"); ok {
		cfg.EnableServoLog = true
	}
}

func (c Config) validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if c.Servo != ServoPI && c.Servo != ServoEKF {
		return fmt.Errorf("servo must be %q or %q, got %q", ServoPI, ServoEKF, c.Servo)
	}
	if c.RingCapacity <= 0 {
		return fmt.Errorf("ring_capacity must be positive")
	}
	return nil
}

// servoLogEnabled resolves the final effective decision between the
// config-time default and the two env overrides that can flip it
// either way, applying DisableServoLog last so it always wins over
// EnableServoLog when both are set (explicit disable takes priority).
func (c Config) servoLogEnabled() bool {
	enabled := c.EnableServoLog
	if c.DisableServoLog {
		enabled = false
	}
	return enabled
}
