package broker

import "time"

// Wire channel names shared by all components. These are part of the broker
// protocol and must not change independently of the clients.
const (
	// AudioStreamChannel carries client mic audio wrapped in JSON envelopes,
	// one shared channel keyed by the payload's conversation id.
	AudioStreamChannel = "audio_stream_channel"

	// TranscriptChannel carries partial and final transcript events.
	TranscriptChannel = "transcript_channel"

	// LLMTokenChannel carries streamed assistant tokens.
	LLMTokenChannel = "llm_token_channel"

	// LLMToolCallChannel carries server-side tool status events
	// (running / completed / failed).
	LLMToolCallChannel = "llm_tool_call_channel"

	// ClientToolRequestChannel carries tool invocations destined for the
	// client; the gateway forwards them over the socket.
	ClientToolRequestChannel = "client_tool_request"

	// ClientToolResponseChannel carries client tool results back to the
	// orchestrator.
	ClientToolResponseChannel = "client_tool_response"

	// ClientCapabilitiesChannel carries client tool-catalog registrations.
	ClientCapabilitiesChannel = "client_capabilities"

	// TTSRequestChannel carries sentence synthesis requests.
	TTSRequestChannel = "tts_request_channel"

	// TTSControlChannel carries stop commands for the TTS worker.
	TTSControlChannel = "tts_control_channel"

	// BargeInChannel carries barge-in signals from the VAD worker.
	BargeInChannel = "barge_in_notifications"

	// ConnectionEventsChannel carries client lifecycle events from the
	// gateway.
	ConnectionEventsChannel = "connection_events"
)

// Key prefixes and TTLs for conversation scratch state.
const (
	audioOutputPrefix  = "audio_output_stream:"
	historyKeyPrefix   = "conversation_history:"
	configKeyPrefix    = "conversation_config:"
	ttsActiveKeyPrefix = "tts_active:"

	// ConversationTTL bounds how long history and config outlive the socket.
	ConversationTTL = time.Hour

	// TTSActiveTTL is the safety-net expiry of the TTS-active flag.
	TTSActiveTTL = 30 * time.Second

	// TTSActiveRefresh is how often the TTS worker renews the flag while
	// producing audio.
	TTSActiveRefresh = 10 * time.Second
)

// AudioOutputChannel returns the per-conversation TTS audio channel, which
// interleaves JSON envelope messages with raw PCM frames.
func AudioOutputChannel(conversationID string) string {
	return audioOutputPrefix + conversationID
}

// HistoryKey returns the TTL key holding the conversation's message history.
func HistoryKey(conversationID string) string {
	return historyKeyPrefix + conversationID
}

// ConfigKey returns the TTL key holding the conversation's config blob.
func ConfigKey(conversationID string) string {
	return configKeyPrefix + conversationID
}

// TTSActiveKey returns the presence-flag key that is set exactly while the
// TTS worker is publishing audio for the conversation.
func TTSActiveKey(conversationID string) string {
	return ttsActiveKeyPrefix + conversationID
}
