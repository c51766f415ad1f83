package config

import (
	"fmt"
	"strings"
)

// Config is the daemon configuration. It is decoded strictly: unknown keys
// are rejected so typos surface at load time instead of silently doing
// nothing.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	History   HistoryConfig   `json:"history,omitempty"`
	Driver    DriverConfig    `json:"driver"`
}

type LoggingConfig struct {
	Level   string `json:"level,omitempty"`
	Console *bool  `json:"console,omitempty"` // pointer: omitted defaults to true
	File    struct {
		Enabled bool   `json:"enabled,omitempty"`
		Path    string `json:"path,omitempty"`
	} `json:"file,omitempty"`
}

func (l LoggingConfig) ConsoleEnabled() bool {
	if l.Console == nil {
		return true
	}
	return *l.Console
}

// TelemetryConfig controls the /metrics + /healthz listener.
type TelemetryConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Listen  string `json:"listen,omitempty"` // default "127.0.0.1:9106"
	Pprof   bool   `json:"pprof,omitempty"`  // also mount /debug/pprof/
}

// HistoryConfig controls the sqlite run recorder. This records *completed*
// executions for offline inspection; pending jobs are never persisted.
type HistoryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // default "2s"
}

// DriverConfig shapes the randomized load run.
//
// Defaults (when fields are omitted/zero):
//   - jobs: 2048
//   - delay_step: "500ms", delay_steps: 20 (due times are uniform multiples
//     of delay_step in [0, delay_steps))
//   - cancel_ratio: 0.25 (share of jobs canceled right after submission)
//   - submit_rate: 0 (unpaced)
//   - epsilon: "25ms" (max accepted lateness under the real clock)
//   - advance_step: "500ms" (virtual clock increment)
type DriverConfig struct {
	Jobs        int     `json:"jobs,omitempty"`
	DelayStep   string  `json:"delay_step,omitempty"`
	DelaySteps  int     `json:"delay_steps,omitempty"`
	CancelRatio float64 `json:"cancel_ratio,omitempty"`

	// SubmitRate caps submissions per second; 0 disables pacing.
	SubmitRate int `json:"submit_rate,omitempty"`

	Epsilon string `json:"epsilon,omitempty"`

	// VirtualClock switches the run to a controllable clock that is
	// advanced in advance_step increments until the queue drains.
	VirtualClock bool   `json:"virtual_clock,omitempty"`
	AdvanceStep  string `json:"advance_step,omitempty"`

	// Seed fixes the RNG; 0 derives a seed from the current time.
	Seed int64 `json:"seed,omitempty"`
}

// Validate checks cross-field constraints that strict decoding cannot.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if lvl := strings.TrimSpace(c.Logging.Level); lvl != "" {
		switch strings.ToUpper(lvl) {
		case "TRACE", "DEBUG", "INFO", "WARN", "WARNING", "ERROR":
		default:
			return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
		}
	}
	if c.History.Enabled && strings.TrimSpace(c.History.Path) == "" {
		return fmt.Errorf("history.path is required when history is enabled")
	}
	if _, err := ParseDurationField("history.busy_timeout", c.History.BusyTimeout); err != nil {
		return err
	}
	d := c.Driver
	if d.Jobs < 0 {
		return fmt.Errorf("driver.jobs must be >= 0")
	}
	if d.DelaySteps < 0 {
		return fmt.Errorf("driver.delay_steps must be >= 0")
	}
	if d.CancelRatio < 0 || d.CancelRatio > 1 {
		return fmt.Errorf("driver.cancel_ratio must be in [0,1]")
	}
	if d.SubmitRate < 0 {
		return fmt.Errorf("driver.submit_rate must be >= 0")
	}
	for _, f := range []struct{ path, raw string }{
		{"driver.delay_step", d.DelayStep},
		{"driver.epsilon", d.Epsilon},
		{"driver.advance_step", d.AdvanceStep},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{}
}
