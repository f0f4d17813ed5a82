package vad

import (
	"sync/atomic"

	"github.com/MisterGoodDeal/live-translation/internal/audio"
)

// Passes reports whether samples are loud enough to transcribe. Equality with
// the threshold is treated as silence.
func Passes(samples []float32, threshold float64) bool {
	return audio.RMS(samples) > threshold
}

// Gate applies Passes to chunks and counts the decisions. The decision itself
// depends only on the chunk and the threshold passed in.
type Gate struct {
	evaluated atomic.Uint64
	passed    atomic.Uint64
}

// GateStats represents gate statistics
type GateStats struct {
	Evaluated      uint64  `json:"evaluated"`
	Passed         uint64  `json:"passed"`
	Skipped        uint64  `json:"skipped"`
	PassPercentage float64 `json:"pass_percentage"`
}

// NewGate creates a gate with zeroed counters.
func NewGate() *Gate {
	return &Gate{}
}

// Passes evaluates chunk against threshold.
func (g *Gate) Passes(chunk *audio.AudioChunk, threshold float64) bool {
	g.evaluated.Add(1)
	if chunk == nil || !Passes(chunk.Samples, threshold) {
		return false
	}
	g.passed.Add(1)
	return true
}

// GetStats returns current gate statistics
func (g *Gate) GetStats() GateStats {
	evaluated := g.evaluated.Load()
	passed := g.passed.Load()

	percentage := float64(0)
	if evaluated > 0 {
		percentage = float64(passed) / float64(evaluated) * 100
	}

	return GateStats{
		Evaluated:      evaluated,
		Passed:         passed,
		Skipped:        evaluated - passed,
		PassPercentage: percentage,
	}
}
