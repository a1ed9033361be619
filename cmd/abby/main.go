// Command abby is the main entry point for the abby DAW assistant server.
// It bridges an Ableton Live set (via the AbletonOSC remote script) to an
// LLM chat agent that browser clients talk to over a websocket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/boristopalov/abby/internal/agent"
	"github.com/boristopalov/abby/internal/config"
	"github.com/boristopalov/abby/internal/events"
	"github.com/boristopalov/abby/internal/live"
	"github.com/boristopalov/abby/internal/observe"
	"github.com/boristopalov/abby/internal/observer"
	"github.com/boristopalov/abby/internal/osc"
	"github.com/boristopalov/abby/internal/server"
	"github.com/boristopalov/abby/internal/store"
	"github.com/boristopalov/abby/pkg/provider/llm"
	"github.com/boristopalov/abby/pkg/provider/llm/anyllm"
	openaiprov "github.com/boristopalov/abby/pkg/provider/llm/openai"
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
			fmt.Fprintf(os.Stderr, "abby: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "abby: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("abby starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName: "abby",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	// ── OSC transport ─────────────────────────────────────────────────────────
	transport, err := osc.NewTransport(cfg.OSC.LocalPort, cfg.OSC.RemoteHost, cfg.OSC.RemotePort, logger)
	if err != nil {
		slog.Error("failed to bind OSC port", "port", cfg.OSC.LocalPort, "err", err)
		return 1
	}
	defer transport.Close()

	bridge := live.NewBridge(transport, cfg.OSC.QueryTimeout.Std(),
		live.WithLogger(logger),
		live.WithLivenessTimeout(cfg.OSC.LivenessTimeout.Std()),
		live.WithMetrics(metrics),
	)
	defer bridge.Close()

	// ── DAW liveness gate ─────────────────────────────────────────────────────
	// One retry covers a remote script that is still starting up.
	probeCtx, probeCancel := context.WithTimeout(context.Background(), 2*cfg.OSC.LivenessTimeout.Std())
	err = bridge.IsLive(probeCtx)
	if err != nil {
		slog.Warn("DAW did not answer liveness probe, retrying once", "err", err)
		err = bridge.IsLive(probeCtx)
	}
	probeCancel()
	if err != nil {
		slog.Error("DAW is unreachable — is Ableton Live running with the AbletonOSC remote script?",
			"host", cfg.OSC.RemoteHost,
			"port", cfg.OSC.RemotePort,
			"err", err,
		)
		return 1
	}
	slog.Info("DAW is live", "host", cfg.OSC.RemoteHost, "port", cfg.OSC.RemotePort)

	// ── LLM provider ──────────────────────────────────────────────────────────
	provider, err := buildProvider(cfg.LLM)
	if err != nil {
		slog.Error("failed to build LLM provider", "name", cfg.LLM.Name, "err", err)
		return 1
	}
	slog.Info("provider created", "name", cfg.LLM.Name, "model", cfg.LLM.Model)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Chat store (optional) ─────────────────────────────────────────────────
	var chatStore *store.Store
	if cfg.Store.PostgresDSN != "" {
		chatStore, err = store.New(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			slog.Error("failed to open chat store", "err", err)
			return 1
		}
		defer chatStore.Close()
		slog.Info("chat store connected")
	} else {
		slog.Info("no chat store configured, history is in-memory only")
	}

	// ── Observer and mirror ───────────────────────────────────────────────────
	observerBus := events.NewBus(logger)
	defer observerBus.Close()

	obs := observer.New(bridge, observerBus,
		observer.WithDebounce(cfg.Observer.DebounceInterval.Std()),
		observer.WithWindow(cfg.Observer.HistoryWindow.Std()),
		observer.WithLogger(logger),
		observer.WithMetrics(metrics),
	)
	defer obs.Unsubscribe()

	mirror := live.NewMirror()
	runner := agent.NewRunner(bridge, mirror, logger, metrics)

	// ── Server ────────────────────────────────────────────────────────────────
	sessions := server.NewSessionManager(server.SessionManagerConfig{
		Provider:     provider,
		ProviderName: cfg.LLM.Name,
		Runner:       runner,
		Store:        chatStore,
		DefaultGenre: cfg.Agent.DefaultGenre,
		MaxTokens:    cfg.Agent.MaxTokens,
		Temperature:  cfg.Agent.Temperature,
		Logger:       logger,
		Metrics:      metrics,
	})

	srv, err := server.New(server.Config{
		ListenAddr:  cfg.Server.ListenAddr,
		Bridge:      bridge,
		Observer:    obs,
		Mirror:      mirror,
		Sessions:    sessions,
		ObserverBus: observerBus,
		Store:       chatStore,
		Provider:    provider,
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		slog.Error("failed to initialise server", "err", err)
		return 1
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()

	slog.Info("server ready — press Ctrl+C to shut down")

	select {
	case err := <-serveErr:
		if err != nil {
			slog.Error("serve error", "err", err)
			return 1
		}
		return 0
	case <-ctx.Done():
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// buildProvider constructs the configured LLM provider. "openai" uses the
// native SDK adapter; every other known name goes through any-llm.
func buildProvider(entry config.ProviderEntry) (llm.Provider, error) {
	switch entry.Name {
	case "openai":
		var opts []openaiprov.Option
		if entry.BaseURL != "" {
			opts = append(opts, openaiprov.WithBaseURL(entry.BaseURL))
		}
		return openaiprov.New(entry.APIKey, entry.Model, opts...)
	case "ollama":
		// Local server; BaseURL is the address, no API key.
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	default:
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New(entry.Name, entry.Model, opts...)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║           abby — startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("LLM", providerLabel(cfg.LLM.Name, cfg.LLM.Model))
	printRow("DAW endpoint", fmt.Sprintf("%s:%d", cfg.OSC.RemoteHost, cfg.OSC.RemotePort))
	printRow("OSC local port", fmt.Sprintf("%d", cfg.OSC.LocalPort))
	printRow("Default genre", cfg.Agent.DefaultGenre)
	if cfg.Store.PostgresDSN != "" {
		printRow("Chat store", "postgres")
	} else {
		printRow("Chat store", "(in-memory)")
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func providerLabel(name, model string) string {
	if name == "" {
		return "(not configured)"
	}
	if model != "" {
		return name + " / " + model
	}
	return name
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}
