package audio_test

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/parley-ai/parley/pkg/audio"
)

// pcm16 builds a little-endian PCM buffer from int16 samples.
func pcm16(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func TestResample16SameRate(t *testing.T) {
	t.Parallel()

	in := pcm16(1, 2, 3, 4)
	got := audio.Resample16(in, 16000, 16000)
	if &got[0] != &in[0] {
		t.Error("same-rate resample should return the input slice")
	}
}

func TestResample16Downsample(t *testing.T) {
	t.Parallel()

	// 8 samples at 32 kHz → 4 samples at 16 kHz.
	in := pcm16(0, 100, 200, 300, 400, 500, 600, 700)
	got := audio.Resample16(in, 32000, 16000)
	if len(got) != 8 {
		t.Fatalf("expected 8 bytes (4 samples), got %d", len(got))
	}
	first := int16(binary.LittleEndian.Uint16(got[0:2]))
	if first != 0 {
		t.Errorf("first sample = %d, want 0", first)
	}
}

func TestResample16Upsample(t *testing.T) {
	t.Parallel()

	in := pcm16(0, 1000)
	got := audio.Resample16(in, 16000, 32000)
	if len(got)/2 != 4 {
		t.Fatalf("expected 4 samples, got %d", len(got)/2)
	}
	// Interpolated midpoint must land between the two inputs.
	mid := int16(binary.LittleEndian.Uint16(got[2:4]))
	if mid <= 0 || mid >= 1000 {
		t.Errorf("interpolated sample = %d, want in (0, 1000)", mid)
	}
}

func TestResample16Empty(t *testing.T) {
	t.Parallel()

	if got := audio.Resample16(nil, 22050, 16000); got != nil {
		t.Errorf("expected nil for empty input, got %d bytes", len(got))
	}
}

func TestToFloat32(t *testing.T) {
	t.Parallel()

	in := pcm16(0, math.MaxInt16, -math.MaxInt16)
	got := audio.ToFloat32(in)
	if len(got) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(got))
	}
	if got[0] != 0 || got[1] != 1 || got[2] != -1 {
		t.Errorf("got %v, want [0 1 -1]", got)
	}
}

func TestChunks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		inBytes  int
		maxBytes int
		want     []int
	}{
		{"empty", 0, 4096, nil},
		{"single", 100, 4096, []int{100}},
		{"exact", 8192, 4096, []int{4096, 4096}},
		{"remainder", 5000, 4096, []int{4096, 904}},
		{"odd max rounds down to sample boundary", 10, 5, []int{4, 4, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			in := make([]byte, tt.inBytes)
			got := audio.Chunks(in, tt.maxBytes)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d chunks, want %d", len(got), len(tt.want))
			}
			for i, c := range got {
				if len(c) != tt.want[i] {
					t.Errorf("chunk %d: %d bytes, want %d", i, len(c), tt.want[i])
				}
			}
		})
	}
}

func TestDurationMs(t *testing.T) {
	t.Parallel()

	// 16000 samples/s * 2 bytes = 32000 bytes/s → 960 bytes = 30 ms.
	if got := audio.DurationMs(960, 16000); got != 30 {
		t.Errorf("DurationMs(960, 16000) = %d, want 30", got)
	}
	if got := audio.DurationMs(960, 0); got != 0 {
		t.Errorf("DurationMs with zero rate = %d, want 0", got)
	}
}
