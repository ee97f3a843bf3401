package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"vad": {"silero"},
	"asr": {"whisper", "deepgram"},
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"tts": {"elevenlabs", "coqui"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
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
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued tuning fields with their documented
// defaults. Connection settings (addresses, keys) are never defaulted.
func ApplyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = LogInfo
	}
	if cfg.VAD.SpeechThreshold == 0 {
		cfg.VAD.SpeechThreshold = 0.5
	}
	if cfg.VAD.MinSpeechMs == 0 {
		cfg.VAD.MinSpeechMs = 150
	}
	if cfg.VAD.MinSilenceMs == 0 {
		cfg.VAD.MinSilenceMs = 500
	}
	if cfg.VAD.MinUtteranceMs == 0 {
		cfg.VAD.MinUtteranceMs = 750
	}
	if cfg.VAD.PrerollMs == 0 {
		cfg.VAD.PrerollMs = 150
	}
	if cfg.VAD.PartialIntervalMs == 0 {
		cfg.VAD.PartialIntervalMs = 500
	}
	if cfg.VAD.IdleTimeoutMs == 0 {
		cfg.VAD.IdleTimeoutMs = 300_000
	}
	if cfg.Orchestrator.FirstFlushChars == 0 {
		cfg.Orchestrator.FirstFlushChars = 30
	}
	if cfg.Orchestrator.MaxSentenceChars == 0 {
		cfg.Orchestrator.MaxSentenceChars = 240
	}
	if cfg.Orchestrator.GenerationTimeoutMs == 0 {
		cfg.Orchestrator.GenerationTimeoutMs = 60_000
	}
	if cfg.Orchestrator.ToolTimeoutMs == 0 {
		cfg.Orchestrator.ToolTimeoutMs = 30_000
	}
	if cfg.Orchestrator.MaxToolDepth == 0 {
		cfg.Orchestrator.MaxToolDepth = 5
	}
	if cfg.Orchestrator.MaxHistoryTurns == 0 {
		cfg.Orchestrator.MaxHistoryTurns = 40
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Log.Level != "" && !cfg.Log.Level.IsValid() {
		errs = append(errs, fmt.Errorf("log.level %q is invalid; valid values: debug, info, warn, error", cfg.Log.Level))
	}

	if cfg.Broker.Addr == "" {
		errs = append(errs, errors.New("broker.addr is required"))
	}

	validateProviderName("vad", cfg.VAD.Provider.Name)
	validateProviderName("asr", cfg.ASR.Provider.Name)
	validateProviderName("llm", cfg.LLM.Provider.Name)
	validateProviderName("tts", cfg.TTS.Provider.Name)
	for _, fb := range cfg.LLM.Fallbacks {
		validateProviderName("llm", fb.Name)
	}

	if cfg.VAD.SpeechThreshold < 0 || cfg.VAD.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad.speech_threshold %.2f is out of range [0, 1]", cfg.VAD.SpeechThreshold))
	}
	if cfg.VAD.MinSilenceMs < cfg.VAD.PartialIntervalMs {
		slog.Warn("vad.min_silence_ms is below vad.partial_interval_ms; partials may never fire",
			"min_silence_ms", cfg.VAD.MinSilenceMs,
			"partial_interval_ms", cfg.VAD.PartialIntervalMs,
		)
	}

	if cfg.Gateway.AuthToken == "" {
		slog.Warn("gateway.auth_token is empty; the gateway will accept unauthenticated connections")
	}
	if cfg.Gateway.TLS != nil {
		if cfg.Gateway.TLS.CertFile == "" || cfg.Gateway.TLS.KeyFile == "" {
			errs = append(errs, errors.New("gateway.tls requires both cert_file and key_file"))
		}
	}

	if cfg.Orchestrator.FirstFlushChars > cfg.Orchestrator.MaxSentenceChars {
		errs = append(errs, fmt.Errorf("orchestrator.first_flush_chars %d exceeds max_sentence_chars %d",
			cfg.Orchestrator.FirstFlushChars, cfg.Orchestrator.MaxSentenceChars))
	}

	for i, srv := range cfg.Orchestrator.MCPServers {
		prefix := fmt.Sprintf("orchestrator.mcp_servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
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
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
