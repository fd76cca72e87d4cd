// Command voxweave is the main entry point for the Voxweave voice resilience
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/voxweave/voxweave/internal/analytics"
	"github.com/voxweave/voxweave/internal/audio"
	"github.com/voxweave/voxweave/internal/classify"
	"github.com/voxweave/voxweave/internal/config"
	"github.com/voxweave/voxweave/internal/engine"
	"github.com/voxweave/voxweave/internal/gateway"
	"github.com/voxweave/voxweave/internal/governor"
	"github.com/voxweave/voxweave/internal/health"
	"github.com/voxweave/voxweave/internal/observe"
	"github.com/voxweave/voxweave/internal/quality"
	"github.com/voxweave/voxweave/internal/ratelimit"
	"github.com/voxweave/voxweave/internal/recovery"
	"github.com/voxweave/voxweave/internal/settings"
	"github.com/voxweave/voxweave/pkg/capability"
	"github.com/voxweave/voxweave/pkg/capability/deepgram"
	"github.com/voxweave/voxweave/pkg/capability/mock"
	oaspeech "github.com/voxweave/voxweave/pkg/capability/openai"
	"github.com/voxweave/voxweave/pkg/capability/polly"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxweave: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxweave: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voxweave starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	metricsShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Speech backends ───────────────────────────────────────────────────────
	backends, err := buildBackends(cfg)
	if err != nil {
		slog.Error("failed to build speech backends", "err", err)
		return 1
	}

	// ── Settings store ────────────────────────────────────────────────────────
	store, storeClose, err := buildSettingsStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise settings store", "err", err)
		return 1
	}
	defer storeClose()

	// ── Analytics ─────────────────────────────────────────────────────────────
	var base analytics.Sink = analytics.NopSink{}
	if cfg.Analytics.Sink == "log" {
		base = analytics.LogSink{Logger: logger}
	}
	sink := analytics.NewAsyncSink(base, cfg.Analytics.Buffer)

	// ── Resilience components ─────────────────────────────────────────────────
	limiter := ratelimit.New(ratelimit.Config{
		Disabled:    cfg.RateLimit.Disabled,
		BurstLimit:  cfg.RateLimit.Burst,
		MinuteLimit: cfg.RateLimit.PerMinute,
		HourLimit:   cfg.RateLimit.PerHour,
	})
	planner := recovery.New(recovery.Config{
		MaxRetryAttempts:  cfg.Recovery.MaxRetryAttempts,
		MaxNetworkRetries: cfg.Recovery.MaxNetworkRetries,
		RetryDelay:        cfg.Recovery.RetryDelay.Std(),
		SensitivityStep:   cfg.Recovery.SensitivityStep,
		FallbackDisabled:  cfg.Engine.FallbackDisabled,
	})
	assessor := quality.New(quality.Config{
		PoorThreshold: cfg.Quality.PoorThreshold,
		GoodThreshold: cfg.Quality.GoodThreshold,
		StreakLimit:   cfg.Quality.PoorStreakLimit,
	})

	// The governor's stale sweep reports into the engine, which is constructed
	// after the governor; the indirection closes over the late-bound pointer.
	var eng *engine.Engine
	gov := governor.New(governor.Config{
		MaxSessions:    cfg.Governor.MaxSessions,
		MaxRecognition: cfg.Governor.MaxRecognition,
		MaxSynthesis:   cfg.Governor.MaxSynthesis,
		MemoryBudgetMB: cfg.Governor.MemoryBudgetMB,
		StaleAfter:     cfg.Governor.StaleAfter.Std(),
		SweepInterval:  cfg.Governor.SweepInterval.Std(),
		OnStale: func(sessionID string) {
			if eng != nil {
				eng.HandleStaleSession(sessionID)
			}
		},
		OnWarning: func(w governor.Warning) {
			slog.Warn("resource warning", "kind", w.Kind, "message", w.Message)
			if eng != nil {
				eng.HandleResourceWarning(w.Kind, w.Message)
			}
		},
	})

	// ── Engine ────────────────────────────────────────────────────────────────
	eng = engine.New(engine.Deps{
		Caps:        backends.caps,
		Recognizer:  backends.recognizer,
		Synthesizer: backends.synthesizer,
		Media:       backends.media,
		Limiter:     limiter,
		Governor:    gov,
		Classifier:  classify.New(),
		Planner:     planner,
		Assessor:    assessor,
		Settings:    store,
		Analytics:   sink,
		Logger:      logger,
	}, engine.Config{
		UserID:               "default",
		MaxListenDuration:    cfg.Engine.MaxListenDuration.Std(),
		AutoRecoveryDelay:    cfg.Engine.AutoRecoveryDelay.Std(),
		MaxConsecutiveErrors: cfg.Engine.MaxConsecutiveErrors,
		SpeakQueueLimit:      cfg.Engine.SpeakQueueLimit,
		FallbackDisabled:     cfg.Engine.FallbackDisabled,
	})
	defer eng.Close()

	// ── HTTP routes ───────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	health.New(
		health.CapabilityCheck(backends.caps),
		health.StoreCheck(store),
	).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	gateway.New(eng, logger).Register(mux)

	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── Config watcher ────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		slog.Warn("configuration file changed; restart to apply", "config", *configPath)
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("server ready — press Ctrl+C to shut down", "addr", cfg.Server.ListenAddr)
		var err error
		if cfg.Server.TLS != nil {
			err = server.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		gov.Run(gctx)
		return nil
	})

	g.Go(func() error {
		planner.Run(gctx)
		return nil
	})

	g.Go(func() error {
		sink.Run(gctx)
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := limiter.Sweep(); n > 0 {
					slog.Debug("rate limiter sweep", "pruned", n)
				}
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	sink.Wait()
	slog.Info("goodbye")
	return 0
}

// ── Backend wiring ────────────────────────────────────────────────────────────

// backends bundles the speech stack handed to the engine.
type backends struct {
	caps        capability.Capabilities
	recognizer  capability.Recognizer
	synthesizer capability.Synthesizer
	media       capability.MediaAccess
}

// buildBackends instantiates the recognition and synthesis providers named in
// cfg and derives the capability description from what was actually built.
func buildBackends(cfg *config.Config) (*backends, error) {
	b := &backends{}

	var capture *audio.PipeSource
	if path := optString(cfg.Providers.Recognition.Options, "audio_source"); path != "" {
		capture = &audio.PipeSource{Path: path}
	}

	recEntry := cfg.Providers.Recognition
	switch recEntry.Name {
	case "mock":
		b.recognizer = &mock.Recognizer{}
	case "deepgram":
		if capture == nil {
			return nil, errors.New("deepgram recognition requires options.audio_source")
		}
		var opts []deepgram.Option
		if recEntry.Model != "" {
			opts = append(opts, deepgram.WithModel(recEntry.Model))
		}
		if recEntry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(recEntry.BaseURL))
		}
		rec, err := deepgram.New(recEntry.APIKey, capture, opts...)
		if err != nil {
			return nil, fmt.Errorf("create recognition provider %q: %w", recEntry.Name, err)
		}
		b.recognizer = rec
	case "openai":
		if capture == nil {
			return nil, errors.New("openai recognition requires options.audio_source")
		}
		var opts []oaspeech.Option
		if recEntry.Model != "" {
			opts = append(opts, oaspeech.WithTranscribeModel(recEntry.Model))
		}
		if recEntry.BaseURL != "" {
			opts = append(opts, oaspeech.WithBaseURL(recEntry.BaseURL))
		}
		rec, err := oaspeech.NewRecognizer(recEntry.APIKey, capture, opts...)
		if err != nil {
			return nil, fmt.Errorf("create recognition provider %q: %w", recEntry.Name, err)
		}
		b.recognizer = rec
	case "":
		// recognition left unconfigured
	default:
		return nil, fmt.Errorf("unknown recognition provider %q", recEntry.Name)
	}
	if b.recognizer != nil {
		slog.Info("provider created", "kind", "recognition", "name", recEntry.Name)
	}

	synEntry := cfg.Providers.Synthesis
	player := buildPlayer(synEntry.Options)
	switch synEntry.Name {
	case "mock":
		b.synthesizer = &mock.Synthesizer{}
	case "openai":
		var opts []oaspeech.Option
		if synEntry.Model != "" {
			opts = append(opts, oaspeech.WithSpeechModel(synEntry.Model))
		}
		if synEntry.BaseURL != "" {
			opts = append(opts, oaspeech.WithBaseURL(synEntry.BaseURL))
		}
		syn, err := oaspeech.NewSynthesizer(synEntry.APIKey, player, opts...)
		if err != nil {
			return nil, fmt.Errorf("create synthesis provider %q: %w", synEntry.Name, err)
		}
		b.synthesizer = syn
	case "polly":
		var opts []polly.Option
		if region := optString(synEntry.Options, "region"); region != "" {
			opts = append(opts, polly.WithRegion(region))
		}
		if voice := optString(synEntry.Options, "voice"); voice != "" {
			opts = append(opts, polly.WithVoice(voice))
		}
		if optString(synEntry.Options, "engine") == "standard" {
			opts = append(opts, polly.WithStandardEngine())
		}
		syn, err := polly.New(player, opts...)
		if err != nil {
			return nil, fmt.Errorf("create synthesis provider %q: %w", synEntry.Name, err)
		}
		b.synthesizer = syn
	case "":
		// synthesis left unconfigured
	default:
		return nil, fmt.Errorf("unknown synthesis provider %q", synEntry.Name)
	}
	if b.synthesizer != nil {
		slog.Info("provider created", "kind", "synthesis", "name", synEntry.Name)
	}

	// The microphone check goes through the real capture path when one is
	// configured; mock recognition gets mock media so the probe stays green.
	switch {
	case capture != nil:
		b.media = capture
	case recEntry.Name == "mock":
		b.media = &mock.Media{}
	}

	b.caps = &capability.Static{
		RecognitionSupport: capability.RecognitionSupport{
			Supported:      b.recognizer != nil,
			Implementation: recEntry.Name,
		},
		SynthesisSupport: capability.SynthesisSupport{Supported: b.synthesizer != nil},
		MediaSupport:     capability.MediaSupport{Supported: b.media != nil},
		Secure:           true,
	}
	return b, nil
}

// buildPlayer selects the playback sink for synthesized audio.
func buildPlayer(opts map[string]any) oaspeech.Player {
	if path := optString(opts, "audio_sink"); path != "" {
		return &audio.PipePlayer{Path: path}
	}
	return audio.DiscardPlayer{}
}

// buildSettingsStore connects the PostgreSQL-backed store when a DSN is
// configured and falls back to the in-memory store otherwise.
func buildSettingsStore(ctx context.Context, cfg *config.Config) (settings.Store, func(), error) {
	if cfg.Settings.PostgresDSN == "" {
		slog.Info("settings store", "backend", "memory")
		return settings.NewMemStore(), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.Settings.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	store := settings.NewPGStore(pool)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("migrate settings schema: %w", err)
	}
	slog.Info("settings store", "backend", "postgres")
	return store, pool.Close, nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}
