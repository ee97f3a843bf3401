package silero

import (
	"strings"
	"testing"

	"github.com/parley-ai/parley/pkg/provider/vad"
)

func TestNewRequiresModelPath(t *testing.T) {
	t.Parallel()

	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty model path")
	}
}

func TestNewSessionValidatesConfig(t *testing.T) {
	t.Parallel()

	eng, err := New("/models/silero_vad.onnx")
	if err != nil {
		t.Fatal(err)
	}

	// Config errors must surface before the model file is touched.
	if _, err := eng.NewSession(vad.Config{SampleRate: 44100}); err == nil ||
		!strings.Contains(err.Error(), "sample rate") {
		t.Errorf("unsupported sample rate: err = %v", err)
	}
	if _, err := eng.NewSession(vad.Config{SampleRate: 16000, SpeechThreshold: 1.5}); err == nil ||
		!strings.Contains(err.Error(), "threshold") {
		t.Errorf("bad threshold: err = %v", err)
	}
}
