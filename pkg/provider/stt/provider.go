// Package stt defines the Provider interface for streaming speech-to-text
// backends.
//
// A session transcribes one continuous audio stream. The caller owns the
// utterance boundaries: it feeds PCM with SendAudio, asks for interim results
// with RequestPartial, and marks the end of an utterance with Flush, which
// produces a final transcript and resets the recogniser for the next
// utterance. Batch backends (whisper.cpp server) re-infer their buffered
// audio on each request; streaming backends (Deepgram) map these calls onto
// their native interim/finalize protocol.
//
// Implementations must be safe for concurrent use across sessions. A single
// SessionHandle may be driven by one goroutine while another drains the
// Partials and Finals channels.
package stt

import (
	"context"

	"github.com/parley-ai/parley/pkg/types"
)

// StreamConfig holds the parameters for a transcription session.
type StreamConfig struct {
	// SampleRate is the PCM sample rate in Hz. Common values: 8000, 16000.
	SampleRate int

	// Channels is the channel count of the PCM stream. Usually 1 (mono).
	Channels int

	// Language hints the spoken language (e.g., "en"). Empty requests
	// provider auto-detection.
	Language string
}

// SessionHandle represents a live transcription session for a single audio
// stream.
type SessionHandle interface {
	// SendAudio submits one chunk of raw 16-bit little-endian PCM for
	// transcription. It must not block on network I/O; implementations
	// buffer internally. Returns an error once the session is closed.
	SendAudio(chunk []byte) error

	// RequestPartial asks for an interim transcript of the audio received
	// since the last Flush. The result arrives on Partials. Backends that
	// stream interim results continuously may treat this as a no-op.
	RequestPartial() error

	// Flush marks the end of the current utterance. A final transcript for
	// all audio since the previous Flush arrives on Finals, and the
	// recogniser state is reset for the next utterance.
	Flush() error

	// Partials returns the channel of interim transcripts. Closed when the
	// session ends.
	Partials() <-chan types.Transcript

	// Finals returns the channel of final transcripts. Closed when the
	// session ends.
	Finals() <-chan types.Transcript

	// Close terminates the session and releases its resources. Buffered
	// audio that has not been flushed is discarded. Calling Close more than
	// once is safe.
	Close() error
}

// Provider is the abstraction over any streaming speech-to-text backend.
type Provider interface {
	// StartStream opens a transcription session. The context bounds the
	// connection attempt and the lifetime of the session's background work.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
