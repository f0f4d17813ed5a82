package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Frame is a fixed-length block of mono float32 samples produced by the capture
// callback. Seq increases monotonically in arrival order.
type Frame struct {
	Seq      uint64
	Samples  []float32
	Captured time.Time
}

// DecodePCM16 converts little-endian signed 16-bit PCM into float32 samples in [-1, 1).
func DecodePCM16(raw []byte) ([]float32, error) {
	if len(raw)%2 != 0 {
		return nil, fmt.Errorf("PCM16 data length must be even, got %d bytes", len(raw))
	}

	samples := make([]float32, len(raw)/2)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(raw[i*2:]))
		samples[i] = float32(v) / 32768.0
	}
	return samples, nil
}

// ToPCM16 converts float32 samples into signed 16-bit values, clipping to range.
func ToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		v := float64(s) * 32767.0
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		out[i] = int16(v)
	}
	return out
}

// RMS returns sqrt(mean(sample^2)) over the samples, or 0 for an empty slice.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}

	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}
