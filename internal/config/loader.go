package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per capability kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"recognition": {"deepgram", "openai", "mock"},
	"synthesis":   {"openai", "polly", "mock"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields with the documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Engine.MaxListenDuration == 0 {
		cfg.Engine.MaxListenDuration = Duration(30 * time.Second)
	}
	if cfg.Engine.AutoRecoveryDelay == 0 {
		cfg.Engine.AutoRecoveryDelay = Duration(3 * time.Second)
	}
	if cfg.Engine.MaxConsecutiveErrors == 0 {
		cfg.Engine.MaxConsecutiveErrors = 3
	}
	if cfg.Engine.SpeakQueueLimit == 0 {
		cfg.Engine.SpeakQueueLimit = 32
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 10
	}
	if cfg.RateLimit.PerMinute == 0 {
		cfg.RateLimit.PerMinute = 60
	}
	if cfg.RateLimit.PerHour == 0 {
		cfg.RateLimit.PerHour = 1000
	}
	if cfg.Governor.MaxSessions == 0 {
		cfg.Governor.MaxSessions = 5
	}
	if cfg.Governor.MaxRecognition == 0 {
		cfg.Governor.MaxRecognition = 3
	}
	if cfg.Governor.MaxSynthesis == 0 {
		cfg.Governor.MaxSynthesis = 5
	}
	if cfg.Governor.MemoryBudgetMB == 0 {
		cfg.Governor.MemoryBudgetMB = 50
	}
	if cfg.Governor.StaleAfter == 0 {
		cfg.Governor.StaleAfter = Duration(60 * time.Second)
	}
	if cfg.Governor.SweepInterval == 0 {
		cfg.Governor.SweepInterval = Duration(30 * time.Second)
	}
	if cfg.Recovery.MaxRetryAttempts == 0 {
		cfg.Recovery.MaxRetryAttempts = 3
	}
	if cfg.Recovery.MaxNetworkRetries == 0 {
		cfg.Recovery.MaxNetworkRetries = 3
	}
	if cfg.Recovery.RetryDelay == 0 {
		cfg.Recovery.RetryDelay = Duration(2 * time.Second)
	}
	if cfg.Recovery.SensitivityStep == 0 {
		cfg.Recovery.SensitivityStep = 0.1
	}
	if cfg.Quality.PoorThreshold == 0 {
		cfg.Quality.PoorThreshold = 0.3
	}
	if cfg.Quality.GoodThreshold == 0 {
		cfg.Quality.GoodThreshold = 0.6
	}
	if cfg.Quality.PoorStreakLimit == 0 {
		cfg.Quality.PoorStreakLimit = 3
	}
	if cfg.Analytics.Sink == "" {
		cfg.Analytics.Sink = "nop"
	}
	if cfg.Analytics.Buffer == 0 {
		cfg.Analytics.Buffer = 256
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	validateProviderName("recognition", cfg.Providers.Recognition.Name)
	validateProviderName("synthesis", cfg.Providers.Synthesis.Name)

	if cfg.Engine.MaxListenDuration < 0 {
		errs = append(errs, fmt.Errorf("engine.max_listen_duration %v must not be negative", cfg.Engine.MaxListenDuration.Std()))
	}
	if cfg.RateLimit.Burst < 0 || cfg.RateLimit.PerMinute < 0 || cfg.RateLimit.PerHour < 0 {
		errs = append(errs, errors.New("rate_limit windows must not be negative"))
	}
	if !cfg.RateLimit.Disabled && cfg.RateLimit.Burst > cfg.RateLimit.PerMinute {
		slog.Warn("rate_limit.burst exceeds rate_limit.per_minute; the minute window will dominate",
			"burst", cfg.RateLimit.Burst,
			"per_minute", cfg.RateLimit.PerMinute,
		)
	}
	if cfg.Governor.MemoryBudgetMB < 0 {
		errs = append(errs, fmt.Errorf("governor.memory_budget_mb %d must not be negative", cfg.Governor.MemoryBudgetMB))
	}
	if cfg.Recovery.SensitivityStep < 0 || cfg.Recovery.SensitivityStep > 1 {
		errs = append(errs, fmt.Errorf("recovery.sensitivity_step %.2f is out of range [0, 1]", cfg.Recovery.SensitivityStep))
	}
	if cfg.Quality.PoorThreshold >= cfg.Quality.GoodThreshold {
		errs = append(errs, fmt.Errorf("quality.poor_threshold %.2f must be below quality.good_threshold %.2f",
			cfg.Quality.PoorThreshold, cfg.Quality.GoodThreshold))
	}
	switch cfg.Analytics.Sink {
	case "", "nop", "log":
	default:
		errs = append(errs, fmt.Errorf("analytics.sink %q is invalid; valid values: nop, log", cfg.Analytics.Sink))
	}

	if cfg.Settings.PostgresDSN == "" {
		slog.Warn("settings.postgres_dsn is empty; per-user settings will not survive restarts")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
