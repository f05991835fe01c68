package config

import (
	"strings"
	"testing"
	"time"

	"pi-executor/internal/domain"
)

func TestValidateDefaultsPass(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("Defaults should pass validation: %v", err)
	}
}

func TestValidateHandshakeInvalid(t *testing.T) {
	cfg := Defaults()
	cfg.Executor.Handshake = domain.HandshakeMode("telepathy")
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), `executor.handshake "telepathy" is invalid`)
}

func TestValidateBlankAdditionalParam(t *testing.T) {
	cfg := Defaults()
	cfg.Executor.Overrides.AdditionalParams = []string{"--ok", "  "}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "executor.additional_params[1] must not be blank")
}

func TestValidateEnvKey(t *testing.T) {
	cfg := Defaults()
	cfg.Executor.Overrides.Env = map[string]string{"A=B": "c"}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), `executor.env key "A=B" is invalid`)
}

func TestValidateSessionsEmpty(t *testing.T) {
	cfg := Defaults()
	cfg.Sessions.AgentHome = ""
	cfg.Sessions.Root = ""
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "sessions.agent_home must not be empty")
	assertContains(t, err.Error(), "sessions.root must not be empty")
}

func TestValidateQuietPeriod(t *testing.T) {
	tests := []struct {
		name   string
		period time.Duration
		want   string
	}{
		{"zero", 0, "normalizer.stderr_quiet_period must be > 0"},
		{"too long", 2 * time.Minute, "normalizer.stderr_quiet_period must be <= 1m"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			cfg.Normalizer.StderrQuietPeriod = tt.period
			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			assertContains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateWatchBadHostPort(t *testing.T) {
	cfg := Defaults()
	cfg.Watch.Addr = "localhost"
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "watch.addr")
}

func TestValidateWatchNegativeLimit(t *testing.T) {
	cfg := Defaults()
	cfg.Watch.UpgradeBurst = -1
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "watch.upgrade_burst")
}

func TestValidateLoggerInvalid(t *testing.T) {
	cfg := Defaults()
	cfg.Logger.Level = "verbose"
	cfg.Logger.Format = "xml"
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), `logger.level "verbose" is invalid`)
	assertContains(t, err.Error(), `logger.format "xml" is invalid`)
}

func TestValidateTracerExporterOnlyWhenEnabled(t *testing.T) {
	cfg := Defaults()
	cfg.Tracer.Exporter = "jaeger"
	if err := Validate(cfg); err != nil {
		t.Fatalf("disabled tracer should not be validated: %v", err)
	}
	cfg.Tracer.Enabled = true
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), `tracer.exporter "jaeger" is invalid`)
}

func TestValidateTracerSampleRatio(t *testing.T) {
	cfg := Defaults()
	cfg.Tracer.Enabled = true
	cfg.Tracer.Exporter = "stdout"
	cfg.Tracer.SampleRatio = 0.5
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	cfg.Tracer.SampleRatio = 1.5
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "tracer.sample_ratio")
}

func TestValidateMultipleErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Executor.Handshake = ""
	cfg.Sessions.Root = ""
	cfg.Logger.Format = "yaml"

	err := Validate(cfg)
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if len(ve.Errors) != 3 {
		t.Errorf("got %d errors, want 3: %v", len(ve.Errors), ve.Errors)
	}
}

func assertContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("expected %q to contain %q", s, substr)
	}
}
