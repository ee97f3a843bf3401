// Package silero provides a vad.Engine backed by the Silero VAD ONNX model
// via the silero-vad-go bindings.
//
// The model operates on fixed windows (512 samples at 16 kHz, 256 at 8 kHz).
// Sessions buffer incoming frames internally, so callers may feed frames of
// any duration; detection events surface once a full window has been
// analysed.
package silero

import (
	"fmt"
	"sync"

	"github.com/streamer45/silero-vad-go/speech"

	"github.com/parley-ai/parley/pkg/audio"
	"github.com/parley-ai/parley/pkg/provider/vad"
)

// detectorSilenceMs is the model-internal silence hangover before a segment
// is closed. Kept short; utterance-level silence handling is the caller's
// job.
const detectorSilenceMs = 100

// speechPadMs widens detected segments slightly to avoid clipping onsets.
const speechPadMs = 30

// Engine implements vad.Engine using the Silero VAD model.
type Engine struct {
	modelPath string
}

var _ vad.Engine = (*Engine)(nil)

// New creates an Engine loading the ONNX model at modelPath. The model file
// is validated lazily on the first NewSession call.
func New(modelPath string) (*Engine, error) {
	if modelPath == "" {
		return nil, fmt.Errorf("silero: model path must not be empty")
	}
	return &Engine{modelPath: modelPath}, nil
}

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	var window int
	switch cfg.SampleRate {
	case 16000:
		window = 512
	case 8000:
		window = 256
	default:
		return nil, fmt.Errorf("silero: unsupported sample rate %d (want 8000 or 16000)", cfg.SampleRate)
	}
	if cfg.SpeechThreshold < 0 || cfg.SpeechThreshold > 1 {
		return nil, fmt.Errorf("silero: speech threshold %.2f out of range [0, 1]", cfg.SpeechThreshold)
	}
	threshold := float32(cfg.SpeechThreshold)
	if threshold == 0 {
		threshold = 0.5
	}

	det, err := speech.NewDetector(speech.DetectorConfig{
		ModelPath:            e.modelPath,
		SampleRate:           cfg.SampleRate,
		Threshold:            threshold,
		MinSilenceDurationMs: detectorSilenceMs,
		SpeechPadMs:          speechPadMs,
	})
	if err != nil {
		return nil, fmt.Errorf("silero: create detector: %w", err)
	}

	return &session{
		det:       det,
		window:    window,
		threshold: float64(threshold),
	}, nil
}

// session is a per-stream Silero detection state machine. Not safe for
// concurrent use, matching the vad.SessionHandle contract.
type session struct {
	det       *speech.Detector
	window    int
	threshold float64

	pending  []float32
	speaking bool

	closeOnce sync.Once
	closed    bool
}

var _ vad.SessionHandle = (*session)(nil)

// ProcessFrame implements vad.SessionHandle. Incoming PCM is buffered to
// model windows; the returned event reflects all windows completed by this
// frame. When no window completes, the event continues the current state.
func (s *session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	if s.closed {
		return vad.VADEvent{}, fmt.Errorf("silero: session is closed")
	}
	if len(frame)%2 != 0 {
		return vad.VADEvent{}, fmt.Errorf("silero: frame length %d is not sample-aligned", len(frame))
	}

	s.pending = append(s.pending, audio.ToFloat32(frame)...)

	started, ended := false, false
	for len(s.pending) >= s.window {
		chunk := s.pending[:s.window]
		s.pending = s.pending[s.window:]

		segments, err := s.det.Detect(chunk)
		if err != nil {
			return vad.VADEvent{}, fmt.Errorf("silero: detect: %w", err)
		}
		for _, seg := range segments {
			if seg.SpeechStartAt >= 0 && !s.speaking {
				s.speaking = true
				started = true
			}
			if seg.SpeechEndAt > 0 && s.speaking {
				s.speaking = false
				ended = true
			}
		}
	}

	return s.event(started, ended), nil
}

// event maps window-level transitions to a single VADEvent. A start takes
// precedence over an end observed in the same call: the stream is mid-speech
// again by the time the caller sees the event.
func (s *session) event(started, ended bool) vad.VADEvent {
	switch {
	case started && s.speaking:
		return vad.VADEvent{Type: vad.VADSpeechStart, Probability: s.threshold}
	case ended && !s.speaking:
		return vad.VADEvent{Type: vad.VADSpeechEnd, Probability: 0}
	case s.speaking:
		return vad.VADEvent{Type: vad.VADSpeechContinue, Probability: s.threshold}
	default:
		return vad.VADEvent{Type: vad.VADSilence, Probability: 0}
	}
}

// Reset implements vad.SessionHandle.
func (s *session) Reset() {
	if s.closed {
		return
	}
	_ = s.det.Reset()
	s.pending = s.pending[:0]
	s.speaking = false
}

// Close implements vad.SessionHandle.
func (s *session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed = true
		err = s.det.Destroy()
	})
	return err
}
