// Package protocol defines the closed set of JSON message variants exchanged
// over the broker channels and the client WebSocket.
//
// Every message carries a single "type" discriminator (the TTS control
// channel uses "command", and sentence requests are implied by their
// channel). Messages are parsed exactly once at the boundary they arrive on;
// worker cores only ever see typed values. Unknown types are the caller's
// cue to log and drop.
//
// Field names are snake_case on the wire. Inbound microphone audio rides the
// shared audio channel as base64 inside a JSON envelope; outbound TTS audio
// is raw PCM interleaved with JSON envelope messages on the per-conversation
// output channel.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message type discriminators.
const (
	TypeAudio               = "audio"
	TypeSystemEvent         = "system_event"
	TypePartialTranscript   = "partial_transcript"
	TypeFinalTranscript     = "final_transcript"
	TypeToken               = "token"
	TypeTool                = "tool"
	TypeToolRequest         = "tool_request"
	TypeToolResponse        = "tool_response"
	TypeClientCapabilities  = "client_capabilities"
	TypeAudioStreamStart    = "audio_stream_start"
	TypeAudioStreamEnd      = "audio_stream_end"
	TypeAudioStreamError    = "audio_stream_error"
	TypeBargeInDetected     = "barge_in_detected"
	TypeBargeInNotification = "barge_in_notification"
	TypeClientDisconnected  = "client_disconnected"
)

// Tool status values.
const (
	ToolStatusRunning   = "running"
	ToolStatusCompleted = "completed"
	ToolStatusFailed    = "failed"
)

// CommandStopTTS is the only TTS control command.
const CommandStopTTS = "stop_tts"

// EventConversationStarted is the system event sent when a session opens.
const EventConversationStarted = "conversation_started"

// StreamEndInterrupted marks an audio stream end caused by cancellation.
const StreamEndInterrupted = "interrupted"

// AudioFormatPCM16 is the wire audio format identifier.
const AudioFormatPCM16 = "pcm_s16le"

// InboundAudio wraps one client mic PCM chunk on the shared audio channel.
// Audio is base64 on the wire via encoding/json's []byte handling.
type InboundAudio struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	Audio          []byte `json:"audio"`
}

// SystemEvent is a lifecycle notification to the client.
type SystemEvent struct {
	Type           string `json:"type"`
	Event          string `json:"event"`
	ConversationID string `json:"conversation_id"`
}

// TranscriptEvent is a partial or final ASR result.
type TranscriptEvent struct {
	Type           string `json:"type"` // partial_transcript | final_transcript
	ConversationID string `json:"conversation_id"`
	Transcript     string `json:"transcript"`
	TimestampMs    int64  `json:"timestamp_ms"`
}

// Final reports whether the event is a final transcript.
func (t TranscriptEvent) Final() bool { return t.Type == TypeFinalTranscript }

// TokenEvent is one chunk of streamed assistant text.
type TokenEvent struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	Role           string `json:"role"`
	Content        string `json:"content"`
}

// ToolStatusEvent reports tool-call progress to the client.
type ToolStatusEvent struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversation_id"`
	ToolCallID     string          `json:"tool_call_id"`
	Name           string          `json:"name"`
	Status         string          `json:"status"` // running | completed | failed
	Result         json.RawMessage `json:"result,omitempty"`
}

// ClientToolRequest asks the client to execute one of its registered tools.
type ClientToolRequest struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversation_id"`
	ToolCallID     string          `json:"tool_call_id"`
	ToolName       string          `json:"tool_name"`
	Arguments      json.RawMessage `json:"arguments"`
	TimeoutMs      int64           `json:"timeout_ms"`
}

// ClientToolResponse carries the client's tool result back to the
// orchestrator.
type ClientToolResponse struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversation_id"`
	ToolCallID     string          `json:"tool_call_id"`
	Success        bool            `json:"success"`
	Result         json.RawMessage `json:"result,omitempty"`
}

// ToolSchema declares one client-side tool.
type ToolSchema struct {
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ClientCapabilities registers the client's tool catalog for a conversation.
type ClientCapabilities struct {
	Type           string                `json:"type"`
	ConversationID string                `json:"conversation_id"`
	ClientID       string                `json:"client_id"`
	Capabilities   map[string]ToolSchema `json:"capabilities"`
}

// SentenceRequest is one unit of TTS work emitted by the orchestrator.
type SentenceRequest struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text_to_speak"`
	VoiceID        string `json:"voice_id,omitempty"`
	Sequence       int64  `json:"sequence"`
}

// TTSControl is a command on the TTS control channel.
type TTSControl struct {
	Command        string `json:"command"`
	ConversationID string `json:"conversation_id"`
}

// BargeIn is the barge-in signal published by the VAD worker
// (barge_in_detected) and the client-facing notification forwarded by the
// gateway (barge_in_notification).
type BargeIn struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	TimestampMs    int64  `json:"timestamp_ms"`
}

// ConnectionEvent reports a client socket lifecycle change.
type ConnectionEvent struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	Reason         string `json:"reason"`
	TimestampMs    int64  `json:"timestamp_ms"`
}

// AudioStreamStart opens one sentence's audio on the output channel.
type AudioStreamStart struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	Format         string `json:"format"`
	SampleRate     int    `json:"sample_rate"`
	Channels       int    `json:"channels"`
}

// AudioStreamEnd closes one sentence's audio. Reason is empty on natural end
// and "interrupted" on cancellation; ChunkCount is set on natural end only.
type AudioStreamEnd struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	Reason         string `json:"reason,omitempty"`
	ChunkCount     int    `json:"chunk_count,omitempty"`
}

// AudioStreamError reports a fatal synthesis failure for one sentence.
type AudioStreamError struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	Error          string `json:"error"`
}

// NowMs returns the current wall-clock time in Unix milliseconds, the
// timestamp unit used on the wire.
func NowMs() int64 { return time.Now().UnixMilli() }

// Marshal encodes v as JSON, panicking on the programming error of an
// unencodable protocol value. All protocol types are plain data and encode
// unconditionally.
func Marshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic("protocol: marshal: " + err.Error())
	}
	return data
}

// ---- boundary parsing ----

// typeProbe extracts the discriminator without decoding the full message.
type typeProbe struct {
	Type    string `json:"type"`
	Command string `json:"command"`
}

// ParseClientMessage decodes a JSON text frame received from the client
// socket. The result is one of *ClientCapabilities or *ClientToolResponse.
// Unknown or malformed messages return an error; callers log and drop.
func ParseClientMessage(data []byte) (any, error) {
	var probe typeProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("protocol: malformed client message: %w", err)
	}

	switch probe.Type {
	case TypeClientCapabilities:
		var m ClientCapabilities
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("protocol: client_capabilities: %w", err)
		}
		return &m, nil
	case TypeToolResponse:
		var m ClientToolResponse
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("protocol: tool_response: %w", err)
		}
		return &m, nil
	default:
		return nil, fmt.Errorf("protocol: unknown client message type %q", probe.Type)
	}
}

// Decode unmarshals a broker payload into a concrete protocol type.
func Decode[T any](payload []byte) (T, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("protocol: decode %T: %w", v, err)
	}
	return v, nil
}

// IsEnvelope reports whether a payload on the per-conversation audio output
// channel is a JSON envelope (start/end/error marker) rather than a raw PCM
// frame. Raw frames never begin with '{'.
func IsEnvelope(payload []byte) bool {
	if len(payload) == 0 || payload[0] != '{' {
		return false
	}
	var probe typeProbe
	if err := json.Unmarshal(payload, &probe); err != nil {
		return false
	}
	switch probe.Type {
	case TypeAudioStreamStart, TypeAudioStreamEnd, TypeAudioStreamError:
		return true
	}
	return false
}
