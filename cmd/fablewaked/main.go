// Command fablewaked is the Fablewake voice-activation daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fablehome/fablewake/internal/app"
	"github.com/fablehome/fablewake/internal/config"
	"github.com/fablehome/fablewake/internal/modelstore"
	"github.com/fablehome/fablewake/pkg/audio"
	"github.com/fablehome/fablewake/pkg/audio/pulse"
	"github.com/fablehome/fablewake/pkg/audio/satellite"
	"github.com/fablehome/fablewake/pkg/provider/stt"
	sttopenai "github.com/fablehome/fablewake/pkg/provider/stt/openai"
	"github.com/fablehome/fablewake/pkg/provider/stt/whisper"
	"github.com/fablehome/fablewake/pkg/provider/wake"
	"github.com/fablehome/fablewake/pkg/provider/wake/hosted"
	"github.com/fablehome/fablewake/pkg/provider/wake/whisperkws"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	logLevel := flag.String("log-level", "", "override the configured log level (debug, info, warn, error)")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("fablewaked " + version)
		return 0
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "fablewaked: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "fablewaked: %v\n", err)
		}
		return 1
	}
	if *logLevel != "" {
		switch lvl := config.LogLevel(*logLevel); lvl {
		case config.LogDebug, config.LogInfo, config.LogWarn, config.LogError:
			cfg.Logging.Level = lvl
		default:
			fmt.Fprintf(os.Stderr, "fablewaked: unknown log level %q\n", *logLevel)
			return 1
		}
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	slog.SetDefault(newLogger(cfg.Logging, level))

	slog.Info("fablewaked starting",
		"version", version,
		"config", *configPath,
		"log_level", cfg.Logging.Level,
	)

	// ── Model store ───────────────────────────────────────────────────────────
	storeDir, err := modelstore.DefaultDir()
	if err != nil {
		slog.Error("unable to locate model cache directory", "error", err)
		return 1
	}
	store, err := modelstore.New(storeDir, modelstore.WithFetchTimeout(cfg.Wake.ModelFetchTimeout))
	if err != nil {
		slog.Error("failed to open model store", "dir", storeDir, "error", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, store)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "error", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg, providers)

	application, err := app.New(ctx, cfg, providers,
		app.WithVersion(version),
		app.WithConfigPath(*configPath),
		app.WithLogLevel(level),
	)
	if err != nil {
		slog.Error("failed to initialise application", "error", err)
		return 1
	}

	slog.Info("daemon ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "error", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the audio source, wake engine, and
// transcription provider factories that ship with Fablewake into reg.
func registerBuiltinProviders(reg *config.Registry, store *modelstore.Store) {
	// ── Audio sources ─────────────────────────────────────────────────────────

	reg.RegisterSource(string(config.SourcePulse), func(config.AudioConfig) (audio.Source, error) {
		return pulse.New(), nil
	})
	reg.RegisterSource(string(config.SourceSatellite), func(config.AudioConfig) (audio.Source, error) {
		return satellite.New(), nil
	})

	// ── Wake engines ──────────────────────────────────────────────────────────

	// The model store resolves the whisperkws artifact reference: cached
	// local copy first, cache-bypassing re-fetch when the engine retries a
	// timed-out load.
	resolver := func(ctx context.Context, ref string, fresh bool) (string, error) {
		if fresh {
			return store.Resolve(ctx, ref, modelstore.WithBypassCache())
		}
		return store.Resolve(ctx, ref)
	}

	reg.RegisterWakeEngine(whisperkws.Name, func(wcfg config.WakeConfig) (wake.Engine, error) {
		opts := []whisperkws.Option{whisperkws.WithResolver(resolver)}
		if wcfg.ModelFetchTimeout > 0 {
			opts = append(opts, whisperkws.WithLoadTimeout(wcfg.ModelFetchTimeout))
		}
		return whisperkws.New(wcfg.Model, opts...)
	})

	reg.RegisterWakeEngine(hosted.Name, func(wcfg config.WakeConfig) (wake.Engine, error) {
		var opts []hosted.Option
		if wcfg.ModelFetchTimeout > 0 {
			opts = append(opts, hosted.WithLoadTimeout(wcfg.ModelFetchTimeout))
		}
		return hosted.New(wcfg.ServiceURL, opts...)
	})

	// ── Transcription providers ───────────────────────────────────────────────

	reg.RegisterSTT(whisper.RemoteName, func(entry config.ProviderEntry) (stt.Transcriber, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if entry.APIKey != "" {
			opts = append(opts, whisper.WithToken(entry.APIKey))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT(sttopenai.Name, func(entry config.ProviderEntry) (stt.Transcriber, error) {
		var opts []sttopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, sttopenai.WithBaseURL(entry.BaseURL))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, sttopenai.WithLanguage(lang))
		}
		return sttopenai.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterSTT(whisper.NativeName, func(entry config.ProviderEntry) (stt.Transcriber, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.NativeOption
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	for _, name := range config.KnownProviders {
		slog.Debug("registered transcription provider", "name", name)
	}
}

// buildProviders instantiates the providers named in cfg using the registry
// and returns them in an [app.Providers] struct. A wake engine failure is
// not fatal: the app starts degraded with the manual trigger available.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	src, err := reg.CreateSource(cfg.Audio)
	if err != nil {
		return nil, fmt.Errorf("create audio source %q: %w", cfg.Audio.Source, err)
	}
	ps.Source = src
	slog.Info("audio source created", "name", src.Name())

	eng, err := reg.CreateWakeEngine(cfg.Wake)
	if err != nil {
		slog.Error("wake engine unavailable, voice activation starts degraded",
			"engine", cfg.Wake.Engine, "error", err)
	} else {
		ps.Wake = eng
		slog.Info("wake engine created", "name", eng.Name(), "phrase", cfg.Wake.Phrase)
	}

	for _, entry := range cfg.STT.Providers {
		t, err := reg.CreateSTT(entry)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("unknown transcription provider skipped", "name", entry.Name)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create transcription provider %q: %w", entry.Name, err)
		}
		ps.Transcribers = append(ps.Transcribers, t)
		slog.Info("transcription provider created", "name", t.Name())
	}
	if len(ps.Transcribers) == 0 {
		return nil, errors.New("no usable transcription providers configured")
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, providers *app.Providers) {
	names := make([]string, len(providers.Transcribers))
	for i, t := range providers.Transcribers {
		names[i] = t.Name()
	}

	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        Fablewake — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Audio source", string(cfg.Audio.Source))
	wakeValue := "(unavailable)"
	if providers.Wake != nil {
		wakeValue = providers.Wake.Name()
	}
	printRow("Wake engine", wakeValue)
	printRow("Wake phrase", cfg.Wake.Phrase)
	printRow("STT chain", strings.Join(names, " → "))
	if cfg.Status.Enabled {
		printRow("Status listen", cfg.Status.Listen)
	} else {
		printRow("Status listen", "(disabled)")
	}
	printRow("Version", version)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger builds the process logger. The level variable stays with the app
// so config hot reload can adjust verbosity at runtime.
func newLogger(cfg config.LoggingConfig, level *slog.LevelVar) *slog.Logger {
	switch cfg.Level {
	case config.LogDebug:
		level.Set(slog.LevelDebug)
	case config.LogWarn:
		level.Set(slog.LevelWarn)
	case config.LogError:
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
	hopts := &slog.HandlerOptions{Level: level}
	if cfg.Format == config.LogJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, hopts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, hopts))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
