package config

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateExecutor(cfg, ve)
	validateSessions(cfg, ve)
	validateNormalizer(cfg, ve)
	validateWatch(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateExecutor(cfg *Config, ve *ValidationError) {
	if !cfg.Executor.Handshake.Valid() {
		ve.Add("executor.handshake %q is invalid (want: poll, inline)", cfg.Executor.Handshake)
	}
	for i, p := range cfg.Executor.Overrides.AdditionalParams {
		if strings.TrimSpace(p) == "" {
			ve.Add("executor.additional_params[%d] must not be blank", i)
		}
	}
	for k := range cfg.Executor.Overrides.Env {
		if k == "" || strings.Contains(k, "=") {
			ve.Add("executor.env key %q is invalid", k)
		}
	}
}

func validateSessions(cfg *Config, ve *ValidationError) {
	if cfg.Sessions.AgentHome == "" {
		ve.Add("sessions.agent_home must not be empty")
	}
	if cfg.Sessions.Root == "" {
		ve.Add("sessions.root must not be empty")
	}
}

func validateNormalizer(cfg *Config, ve *ValidationError) {
	if cfg.Normalizer.StderrQuietPeriod <= 0 {
		ve.Add("normalizer.stderr_quiet_period must be > 0")
	} else if cfg.Normalizer.StderrQuietPeriod > time.Minute {
		ve.Add("normalizer.stderr_quiet_period must be <= 1m (got %s)", cfg.Normalizer.StderrQuietPeriod)
	}
}

func validateWatch(cfg *Config, ve *ValidationError) {
	if cfg.Watch.UpgradesPerMinute < 0 {
		ve.Add("watch.upgrades_per_minute must be >= 0")
	}
	if cfg.Watch.UpgradeBurst < 0 {
		ve.Add("watch.upgrade_burst must be >= 0")
	}
	if cfg.Watch.Addr == "" {
		return
	}
	if _, _, err := net.SplitHostPort(cfg.Watch.Addr); err != nil {
		ve.Add("watch.addr %q is not a valid host:port", cfg.Watch.Addr)
	}
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "warning": true, "error": true,
}

var validLogFormats = map[string]bool{
	"text": true, "json": true,
}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	if !validLogFormats[strings.ToLower(cfg.Logger.Format)] {
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is invalid (want: noop, stdout)", cfg.Tracer.Exporter)
	}
	if cfg.Tracer.SampleRatio < 0 || cfg.Tracer.SampleRatio > 1 {
		ve.Add("tracer.sample_ratio must be within [0, 1] (got %g)", cfg.Tracer.SampleRatio)
	}
}
