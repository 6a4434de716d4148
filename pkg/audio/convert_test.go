package audio_test

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/worktalk/worktalk/pkg/audio"
)

// samplesToBytes converts int16 samples to little-endian bytes.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestFloat32MonoSingleChannel(t *testing.T) {
	t.Parallel()

	pcm := samplesToBytes([]int16{0, 16384, -16384, 32767, -32768})
	got := audio.Float32Mono(pcm, 1)

	want := []float32{0, 0.5, -0.5, 32767.0 / 32768.0, -1.0}
	if len(got) != len(want) {
		t.Fatalf("sample count = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			t.Errorf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestFloat32MonoAveragesChannels(t *testing.T) {
	t.Parallel()

	// Two stereo frames: (16384, 0) and (-16384, -16384).
	pcm := samplesToBytes([]int16{16384, 0, -16384, -16384})
	got := audio.Float32Mono(pcm, 2)

	want := []float32{0.25, -0.5}
	if len(got) != len(want) {
		t.Fatalf("sample count = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			t.Errorf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestFloat32MonoIgnoresPartialFrame(t *testing.T) {
	t.Parallel()

	pcm := append(samplesToBytes([]int16{100, 200}), 0x01)
	if got := audio.Float32Mono(pcm, 1); len(got) != 2 {
		t.Errorf("sample count = %d, want 2 (trailing byte dropped)", len(got))
	}
}

func TestResampleMono16SameRate(t *testing.T) {
	t.Parallel()

	pcm := samplesToBytes([]int16{1, 2, 3})
	got := audio.ResampleMono16(pcm, 16000, 16000)
	if &got[0] != &pcm[0] {
		t.Error("same-rate resample should return the input unchanged")
	}
}

func TestResampleMono16Halves(t *testing.T) {
	t.Parallel()

	src := make([]int16, 320) // 10 ms at 32 kHz
	for i := range src {
		src[i] = 1000
	}
	out := audio.ResampleMono16(samplesToBytes(src), 32000, 16000)

	samples := bytesToSamples(out)
	if len(samples) != 160 {
		t.Fatalf("resampled count = %d, want 160", len(samples))
	}
	for i, s := range samples {
		if s != 1000 {
			t.Fatalf("sample %d = %d, want 1000 (constant signal must stay constant)", i, s)
		}
	}
}

func TestResampleMono16Doubles(t *testing.T) {
	t.Parallel()

	src := samplesToBytes([]int16{0, 100, 200, 300})
	out := audio.ResampleMono16(src, 8000, 16000)

	samples := bytesToSamples(out)
	if len(samples) != 8 {
		t.Fatalf("resampled count = %d, want 8", len(samples))
	}
	// Linear interpolation midway between 0 and 100.
	if samples[0] != 0 || samples[1] != 50 || samples[2] != 100 {
		t.Errorf("head samples = %v, want [0 50 100 ...]", samples[:3])
	}
}

func TestRMS(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		samples []int16
		want    float64
	}{
		{"empty", nil, 0},
		{"silence", []int16{0, 0, 0, 0}, 0},
		{"constant", []int16{1000, 1000, 1000}, 1000},
		{"alternating", []int16{2000, -2000, 2000, -2000}, 2000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := audio.RMS(samplesToBytes(tt.samples))
			if math.Abs(got-tt.want) > 0.01 {
				t.Errorf("RMS() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDurationMs(t *testing.T) {
	t.Parallel()

	// 100 ms of 16 kHz mono s16le is 3200 bytes.
	if got := audio.DurationMs(make([]byte, 3200), 16000, 1); got != 100 {
		t.Errorf("DurationMs(3200B, 16k, mono) = %d, want 100", got)
	}
	// Stereo halves the duration for the same byte count.
	if got := audio.DurationMs(make([]byte, 3200), 16000, 2); got != 50 {
		t.Errorf("DurationMs(3200B, 16k, stereo) = %d, want 50", got)
	}
	if got := audio.DurationMs(make([]byte, 3200), 0, 1); got != 0 {
		t.Errorf("DurationMs with zero rate = %d, want 0", got)
	}
}
