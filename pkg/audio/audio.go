// Package audio provides PCM helpers for the 16-bit signed little-endian
// mono pipeline format: sample-rate conversion, float conversion for model
// inputs, and chunk slicing for broker transport.
package audio

import (
	"encoding/binary"
	"math"
)

const (
	// SampleRate is the pipeline-wide client audio rate in Hz. All audio
	// published on broker channels is at this rate.
	SampleRate = 16000

	// Channels is the pipeline-wide channel count (mono).
	Channels = 1

	// BytesPerSample is the width of one 16-bit PCM sample.
	BytesPerSample = 2

	// MaxChunkBytes is the largest PCM payload published as a single broker
	// message (~128 ms at 16 kHz mono).
	MaxChunkBytes = 4096
)

// Resample16 converts mono 16-bit signed little-endian PCM from fromRate to
// toRate using linear interpolation. When the rates match, the input slice is
// returned unchanged. Inputs shorter than one sample return nil.
func Resample16(pcm []byte, fromRate, toRate int) []byte {
	if fromRate == toRate {
		return pcm
	}
	inSamples := len(pcm) / BytesPerSample
	if inSamples == 0 || fromRate <= 0 || toRate <= 0 {
		return nil
	}

	outSamples := int(int64(inSamples) * int64(toRate) / int64(fromRate))
	if outSamples == 0 {
		return nil
	}
	out := make([]byte, outSamples*BytesPerSample)

	ratio := float64(fromRate) / float64(toRate)
	for i := 0; i < outSamples; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := sampleAt(pcm, idx)
		s1 := s0
		if idx+1 < inSamples {
			s1 = sampleAt(pcm, idx+1)
		}
		v := float64(s0) + (float64(s1)-float64(s0))*frac
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// ToFloat32 converts 16-bit signed little-endian PCM into normalized
// float32 samples in [-1, 1], the input format expected by VAD models.
func ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / BytesPerSample
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = float32(sampleAt(pcm, i)) / math.MaxInt16
	}
	return out
}

// Chunks slices pcm into pieces of at most maxBytes, each aligned to a whole
// sample. A non-positive maxBytes yields a single chunk. Zero-length input
// yields nil.
func Chunks(pcm []byte, maxBytes int) [][]byte {
	if len(pcm) == 0 {
		return nil
	}
	if maxBytes <= 0 {
		return [][]byte{pcm}
	}
	maxBytes -= maxBytes % BytesPerSample
	if maxBytes < BytesPerSample {
		maxBytes = BytesPerSample
	}

	var out [][]byte
	for off := 0; off < len(pcm); off += maxBytes {
		end := off + maxBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		out = append(out, pcm[off:end])
	}
	return out
}

// DurationMs returns the playback duration in milliseconds of a mono 16-bit
// PCM buffer at the given sample rate. Returns 0 for invalid inputs.
func DurationMs(byteLen, sampleRate int) int {
	if sampleRate <= 0 {
		return 0
	}
	return byteLen * 1000 / (sampleRate * BytesPerSample)
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[i*BytesPerSample:]))
}
