// Package config provides the configuration schema and loader shared by the
// Parley services. Each binary loads the same file and reads its own section.
package config

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Transport specifies how to reach an MCP tool server.
type Transport string

const (
	TransportStdio          Transport = "stdio"
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// Config is the root configuration structure shared by all Parley services.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Log          LogConfig          `yaml:"log"`
	Broker       BrokerConfig       `yaml:"broker"`
	Gateway      GatewayConfig      `yaml:"gateway"`
	VAD          VADConfig          `yaml:"vad"`
	ASR          ASRConfig          `yaml:"asr"`
	LLM          LLMConfig          `yaml:"llm"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	TTS          TTSConfig          `yaml:"tts"`
}

// LogConfig holds logging settings shared by all services.
type LogConfig struct {
	// Level controls verbosity. Defaults to info.
	Level LogLevel `yaml:"level"`

	// JSON switches output from the text handler to the JSON handler.
	JSON bool `yaml:"json"`
}

// BrokerConfig holds the Redis connection settings.
type BrokerConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string `yaml:"addr"`

	// Password authenticates against Redis if set.
	Password string `yaml:"password"`

	// DB selects the logical Redis database.
	DB int `yaml:"db"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// GatewayConfig holds settings for the WebSocket gateway service.
type GatewayConfig struct {
	// ListenAddr is the TCP address the gateway listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// AuthToken is the bearer token clients must present on connect.
	// When empty, authentication is disabled.
	AuthToken string `yaml:"auth_token"`

	// TLS configures TLS for the gateway. When nil, the gateway runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// ProviderEntry is the common configuration block shared by all provider
// types.
type ProviderEntry struct {
	// Name selects the provider implementation (e.g., "whisper", "elevenlabs").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o", "nova-2").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// VADConfig holds settings for the VAD/ASR worker service.
type VADConfig struct {
	// ListenAddr serves the worker's health and metrics endpoints.
	ListenAddr string `yaml:"listen_addr"`

	// Provider selects the voice activity detector. Defaults to silero.
	Provider ProviderEntry `yaml:"provider"`

	// ModelPath is the path to the Silero ONNX model file.
	ModelPath string `yaml:"model_path"`

	// SpeechThreshold is the detection probability above which a frame counts
	// as speech. Range (0, 1); defaults to 0.5.
	SpeechThreshold float32 `yaml:"speech_threshold"`

	// MinSpeechMs is how long speech must persist before it counts as a
	// speech onset. Defaults to 150.
	MinSpeechMs int `yaml:"min_speech_ms"`

	// MinSilenceMs is how long silence must persist after speech before the
	// utterance is finalized. Defaults to 500.
	MinSilenceMs int `yaml:"min_silence_ms"`

	// MinUtteranceMs discards detected utterances shorter than this.
	// Defaults to 750.
	MinUtteranceMs int `yaml:"min_utterance_ms"`

	// PrerollMs is how much audio before the speech onset is prepended to the
	// utterance. Defaults to 150.
	PrerollMs int `yaml:"preroll_ms"`

	// PartialIntervalMs is the cadence of partial transcription requests
	// during ongoing speech. Defaults to 500.
	PartialIntervalMs int `yaml:"partial_interval_ms"`

	// IdleTimeoutMs is how long a conversation may go without audio before
	// its session is reaped. Defaults to 300000 (5 minutes).
	IdleTimeoutMs int `yaml:"idle_timeout_ms"`
}

// ASRConfig selects and configures the speech-to-text provider used by the
// VAD worker.
type ASRConfig struct {
	// Provider selects the ASR implementation ("whisper" or "deepgram").
	Provider ProviderEntry `yaml:"provider"`

	// Language hints the transcription language (e.g., "en"). Empty means
	// provider auto-detection.
	Language string `yaml:"language"`
}

// LLMConfig holds the language model settings for the orchestrator.
type LLMConfig struct {
	// Provider selects the primary model.
	Provider ProviderEntry `yaml:"provider"`

	// Fallbacks are tried in order when the primary provider fails.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`

	// SystemPrompt is prepended to every conversation.
	SystemPrompt string `yaml:"system_prompt"`

	// MaxTokens caps the response length. Zero means provider default.
	MaxTokens int `yaml:"max_tokens"`

	// Temperature controls sampling randomness. Zero means provider default.
	Temperature float64 `yaml:"temperature"`
}

// OrchestratorConfig holds settings for the LLM orchestrator service.
type OrchestratorConfig struct {
	// ListenAddr serves the worker's health and metrics endpoints.
	ListenAddr string `yaml:"listen_addr"`

	// FirstFlushChars is the minimum buffered text before the first sentence
	// is flushed to TTS. Defaults to 30.
	FirstFlushChars int `yaml:"first_flush_chars"`

	// MaxSentenceChars force-splits sentences longer than this. Defaults to 240.
	MaxSentenceChars int `yaml:"max_sentence_chars"`

	// GenerationTimeoutMs bounds one assistant turn end to end, tool rounds
	// included. Defaults to 60000.
	GenerationTimeoutMs int `yaml:"generation_timeout_ms"`

	// ToolTimeoutMs bounds each client tool round trip. Defaults to 30000.
	ToolTimeoutMs int `yaml:"tool_timeout_ms"`

	// MaxToolDepth caps recursive tool-call rounds per turn. Defaults to 5.
	MaxToolDepth int `yaml:"max_tool_depth"`

	// MaxHistoryTurns bounds how many messages of conversation history are
	// kept per conversation. Defaults to 40.
	MaxHistoryTurns int `yaml:"max_history_turns"`

	// MCPServers lists Model Context Protocol tool servers to connect to.
	MCPServers []MCPServerConfig `yaml:"mcp_servers"`
}

// MCPServerConfig describes how to connect to a single MCP tool server.
type MCPServerConfig struct {
	// Name is a unique human-readable identifier for this server (used in logs).
	Name string `yaml:"name"`

	// Transport specifies the connection mechanism.
	Transport Transport `yaml:"transport"`

	// Command is the executable (with optional arguments) launched when
	// Transport is "stdio". Ignored for streamable-http transport.
	Command string `yaml:"command"`

	// URL is the MCP endpoint address used when Transport is "streamable-http".
	// Ignored for stdio transport.
	URL string `yaml:"url"`

	// Env holds additional environment variables injected into the subprocess
	// when Transport is "stdio". May be nil.
	Env map[string]string `yaml:"env"`
}

// TTSConfig holds settings for the TTS worker service.
type TTSConfig struct {
	// ListenAddr serves the worker's health and metrics endpoints.
	ListenAddr string `yaml:"listen_addr"`

	// Provider selects the synthesis implementation ("elevenlabs" or "coqui").
	Provider ProviderEntry `yaml:"provider"`

	// VoiceID is the default voice when a sentence request names none.
	VoiceID string `yaml:"voice_id"`
}
