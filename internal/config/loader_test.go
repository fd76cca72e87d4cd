package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadFromReader_DefaultsOnEmptyInput(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader = %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.Server.ListenAddr)
	}
	if cfg.Engine.MaxListenDuration.Std() != 30*time.Second {
		t.Errorf("MaxListenDuration = %v, want 30s", cfg.Engine.MaxListenDuration.Std())
	}
	if cfg.Engine.AutoRecoveryDelay.Std() != 3*time.Second {
		t.Errorf("AutoRecoveryDelay = %v, want 3s", cfg.Engine.AutoRecoveryDelay.Std())
	}
	if cfg.RateLimit.Burst != 10 || cfg.RateLimit.PerMinute != 60 || cfg.RateLimit.PerHour != 1000 {
		t.Errorf("rate limit defaults = %d/%d/%d, want 10/60/1000",
			cfg.RateLimit.Burst, cfg.RateLimit.PerMinute, cfg.RateLimit.PerHour)
	}
	if cfg.Governor.MaxSessions != 5 || cfg.Governor.MemoryBudgetMB != 50 {
		t.Errorf("governor defaults = %d sessions / %d MB, want 5 / 50",
			cfg.Governor.MaxSessions, cfg.Governor.MemoryBudgetMB)
	}
	if cfg.Quality.PoorThreshold != 0.3 || cfg.Quality.GoodThreshold != 0.6 {
		t.Errorf("quality thresholds = %v/%v, want 0.3/0.6",
			cfg.Quality.PoorThreshold, cfg.Quality.GoodThreshold)
	}
	if cfg.Recovery.RetryDelay.Std() != 2*time.Second {
		t.Errorf("RetryDelay = %v, want 2s", cfg.Recovery.RetryDelay.Std())
	}
}

func TestLoadFromReader_ParsesFullConfig(t *testing.T) {
	const yamlSrc = `
server:
  listen_addr: ":9000"
  log_level: debug
providers:
  recognition:
    name: deepgram
    api_key: dg-key
    model: nova-2
  synthesis:
    name: polly
    options:
      region: eu-north-1
engine:
  max_listen_duration: 45s
  speak_queue_limit: 8
rate_limit:
  disabled: true
governor:
  stale_after: 2m
settings:
  postgres_dsn: "postgres://localhost/voxweave"
analytics:
  sink: log
`
	cfg, err := LoadFromReader(strings.NewReader(yamlSrc))
	if err != nil {
		t.Fatalf("LoadFromReader = %v", err)
	}

	if cfg.Server.ListenAddr != ":9000" || cfg.Server.LogLevel != LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Providers.Recognition.Name != "deepgram" || cfg.Providers.Recognition.Model != "nova-2" {
		t.Errorf("recognition provider = %+v", cfg.Providers.Recognition)
	}
	if got := cfg.Providers.Synthesis.Options["region"]; got != "eu-north-1" {
		t.Errorf("synthesis option region = %v, want eu-north-1", got)
	}
	if cfg.Engine.MaxListenDuration.Std() != 45*time.Second {
		t.Errorf("MaxListenDuration = %v, want 45s", cfg.Engine.MaxListenDuration.Std())
	}
	if cfg.Engine.SpeakQueueLimit != 8 {
		t.Errorf("SpeakQueueLimit = %d, want 8", cfg.Engine.SpeakQueueLimit)
	}
	if !cfg.RateLimit.Disabled {
		t.Error("RateLimit.Disabled = false, want true")
	}
	if cfg.Governor.StaleAfter.Std() != 2*time.Minute {
		t.Errorf("StaleAfter = %v, want 2m", cfg.Governor.StaleAfter.Std())
	}
	if cfg.Analytics.Sink != "log" {
		t.Errorf("Analytics.Sink = %q, want log", cfg.Analytics.Sink)
	}
}

func TestLoadFromReader_RejectsUnknownFields(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("sevrer:\n  listen_addr: \":8080\"\n"))
	if err == nil {
		t.Fatal("LoadFromReader accepted a misspelled top-level key")
	}
}

func TestLoadFromReader_InvalidDuration(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("engine:\n  max_listen_duration: soon\n"))
	if err == nil || !strings.Contains(err.Error(), "invalid duration") {
		t.Fatalf("err = %v, want invalid duration", err)
	}
}

func TestValidate_JoinsAllFailures(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.Server.LogLevel = "loud"
	cfg.Recovery.SensitivityStep = 1.5
	cfg.Quality.PoorThreshold = 0.9 // above GoodThreshold
	cfg.Analytics.Sink = "kafka"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Validate = nil, want errors")
	}
	for _, want := range []string{"log_level", "sensitivity_step", "poor_threshold", "analytics.sink"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error is missing %q: %v", want, err)
		}
	}
}

func TestDuration_MarshalRoundTrip(t *testing.T) {
	d := Duration(90 * time.Second)
	got, err := d.MarshalYAML()
	if err != nil {
		t.Fatalf("MarshalYAML = %v", err)
	}
	if got != "1m30s" {
		t.Errorf("MarshalYAML = %v, want 1m30s", got)
	}
}
