// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs or a local
// Coqui instance) and presents a uniform streaming interface. The primary
// entry point is SynthesizeStream, which accepts a channel of text fragments
// and returns a channel of raw PCM audio bytes as they become available,
// enabling low-latency pipelining between sentence assembly and playback.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/parley-ai/parley/pkg/types"
)

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use. Multiple synthesis
// requests may run in parallel (one per conversation).
type Provider interface {
	// SynthesizeStream consumes text fragments from the text channel and returns a
	// channel that emits raw 16-bit little-endian PCM byte slices as they are
	// synthesised. This design allows the caller to pipe sentence fragments
	// directly into synthesis without waiting for the full text to be available.
	//
	// The returned audio channel is closed by the implementation when all text has
	// been synthesised or when ctx is cancelled. The caller must drain the audio
	// channel to avoid blocking the provider's internal goroutines.
	//
	// voice specifies the voice profile to use for synthesis. Providers should return
	// an error if the requested voice is not available.
	//
	// Returns a non-nil error only if the stream cannot be started. Errors
	// encountered during synthesis are signalled by closing the audio channel early;
	// callers should check ctx.Err() to distinguish cancellation from provider errors.
	SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error)

	// SampleRate returns the sample rate in Hz of the PCM emitted by
	// SynthesizeStream. Callers resample when it differs from the playback rate.
	SampleRate() int

	// ListVoices returns all voice profiles available from this provider. The list
	// reflects the provider's current catalogue and may change between calls if the
	// underlying service adds or removes voices.
	//
	// Returns an error if the provider cannot be reached or if ctx is cancelled
	// before the list is retrieved.
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)
}
