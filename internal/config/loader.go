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

// Defaults applied by [Load] for fields left empty in the YAML file. The
// ports match the AbletonOSC remote script's out-of-the-box configuration.
const (
	DefaultListenAddr       = ":8722"
	DefaultLocalPort        = 11001
	DefaultRemotePort       = 11000
	DefaultRemoteHost       = "127.0.0.1"
	DefaultLivenessTimeout  = 5 * time.Second
	DefaultQueryTimeout     = 2 * time.Second
	DefaultDebounceInterval = 500 * time.Millisecond
	DefaultHistoryWindow    = 30 * time.Minute
)

// ValidLLMNames lists known LLM provider names. Used by [Validate] to warn
// about unrecognised names.
var ValidLLMNames = []string{"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader] and [Validate].
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

// ApplyDefaults fills in zero-valued fields with the package defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.OSC.LocalPort == 0 {
		cfg.OSC.LocalPort = DefaultLocalPort
	}
	if cfg.OSC.RemotePort == 0 {
		cfg.OSC.RemotePort = DefaultRemotePort
	}
	if cfg.OSC.RemoteHost == "" {
		cfg.OSC.RemoteHost = DefaultRemoteHost
	}
	if cfg.OSC.LivenessTimeout == 0 {
		cfg.OSC.LivenessTimeout = Duration(DefaultLivenessTimeout)
	}
	if cfg.OSC.QueryTimeout == 0 {
		cfg.OSC.QueryTimeout = Duration(DefaultQueryTimeout)
	}
	if cfg.Observer.DebounceInterval == 0 {
		cfg.Observer.DebounceInterval = Duration(DefaultDebounceInterval)
	}
	if cfg.Observer.HistoryWindow == 0 {
		cfg.Observer.HistoryWindow = Duration(DefaultHistoryWindow)
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// OSC endpoints
	if cfg.OSC.LocalPort < 1 || cfg.OSC.LocalPort > 65535 {
		errs = append(errs, fmt.Errorf("osc.local_port %d is out of range [1, 65535]", cfg.OSC.LocalPort))
	}
	if cfg.OSC.RemotePort < 1 || cfg.OSC.RemotePort > 65535 {
		errs = append(errs, fmt.Errorf("osc.remote_port %d is out of range [1, 65535]", cfg.OSC.RemotePort))
	}
	if cfg.OSC.LocalPort == cfg.OSC.RemotePort && cfg.OSC.RemoteHost == DefaultRemoteHost {
		errs = append(errs, fmt.Errorf("osc.local_port and osc.remote_port are both %d; the remote script and this server cannot share a port on the same host", cfg.OSC.LocalPort))
	}
	if cfg.OSC.LivenessTimeout < 0 {
		errs = append(errs, errors.New("osc.liveness_timeout must not be negative"))
	}
	if cfg.OSC.QueryTimeout < 0 {
		errs = append(errs, errors.New("osc.query_timeout must not be negative"))
	}

	// Observer
	if cfg.Observer.DebounceInterval < 0 {
		errs = append(errs, errors.New("observer.debounce_interval must not be negative"))
	}
	if cfg.Observer.HistoryWindow < 0 {
		errs = append(errs, errors.New("observer.history_window must not be negative"))
	}

	// LLM provider. The server cannot start without one: the chat agent is
	// the whole point.
	if cfg.LLM.Name == "" {
		errs = append(errs, errors.New("llm.name is required"))
	} else if !slices.Contains(ValidLLMNames, cfg.LLM.Name) {
		slog.Warn("unknown LLM provider name — may be a typo or third-party provider",
			"name", cfg.LLM.Name,
			"known", ValidLLMNames,
		)
	}
	if cfg.LLM.Name != "" && cfg.LLM.Name != "ollama" && cfg.LLM.APIKey == "" {
		slog.Warn("llm.api_key is empty; requests to the provider will likely be rejected", "name", cfg.LLM.Name)
	}
	if cfg.LLM.Name != "" && cfg.LLM.Model == "" {
		errs = append(errs, errors.New("llm.model is required when llm.name is set"))
	}

	// Agent
	if cfg.Agent.Temperature < 0 || cfg.Agent.Temperature > 2 {
		errs = append(errs, fmt.Errorf("agent.temperature %.2f is out of range [0, 2]", cfg.Agent.Temperature))
	}
	if cfg.Agent.MaxTokens < 0 {
		errs = append(errs, errors.New("agent.max_tokens must not be negative"))
	}

	// Store
	if cfg.Store.PostgresDSN == "" {
		slog.Warn("store.postgres_dsn is empty; chat history will not be persisted")
	}

	return errors.Join(errs...)
}
