package config

import (
	"testing"
	"time"
)

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("PARLEY_ROTATION_PATTERN", "host:2,guest")
	t.Setenv("PARLEY_REQUEST_TIMEOUT", "30s")
	t.Setenv("PARLEY_MAX_EXCHANGES", "4")
	t.Setenv("PARLEY_STREAMING", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.RotationPattern != "host:2,guest" {
		t.Fatalf("unexpected rotation pattern %q", cfg.RotationPattern)
	}
	if cfg.RequestTimeout != 30*time.Second {
		t.Fatalf("unexpected timeout %v", cfg.RequestTimeout)
	}
	if cfg.MaxExchanges != 4 {
		t.Fatalf("unexpected max exchanges %d", cfg.MaxExchanges)
	}
	if cfg.Streaming {
		t.Fatalf("expected streaming to be disabled")
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.LogLevel != "INFO" {
		t.Fatalf("unexpected default log level %q", cfg.LogLevel)
	}
	if cfg.MaxExchanges != 10 || cfg.SegmentMaxWords != 10 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if !cfg.Streaming {
		t.Fatalf("expected streaming on by default")
	}
}

func TestParseRouteTable(t *testing.T) {
	table, err := ParseRouteTable([]byte(`
fallback: default
routes:
  default:
    provider: groq
    model: llama-3.3-70b-versatile
  host:
    provider: openai
    model: gpt-4o-mini
`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if table.Fallback != "default" {
		t.Fatalf("unexpected fallback %q", table.Fallback)
	}
	if route := table.Routes["host"]; route.Provider != "openai" || route.Model != "gpt-4o-mini" {
		t.Fatalf("unexpected host route %+v", route)
	}
}

func TestParseRouteTableRejectsBadInput(t *testing.T) {
	if _, err := ParseRouteTable([]byte("routes: {}")); err == nil {
		t.Fatalf("expected an empty table to be rejected")
	}
	if _, err := ParseRouteTable([]byte("fallback: ghost\nroutes:\n  a:\n    provider: p\n    model: m")); err == nil {
		t.Fatalf("expected a dangling fallback to be rejected")
	}
	if _, err := ParseRouteTable([]byte("not yaml: [")); err == nil {
		t.Fatalf("expected malformed yaml to be rejected")
	}
}
