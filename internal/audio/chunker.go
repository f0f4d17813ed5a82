package audio

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// AudioChunk is a concatenation of consecutive frames spanning at least the
// chunk duration at SampleRate. It is consumed once by the gate.
type AudioChunk struct {
	ChunkID    string        `json:"chunk_id"`
	Samples    []float32     `json:"-"`
	SampleRate int           `json:"sample_rate"`
	Duration   time.Duration `json:"duration"`
	RMS        float64       `json:"rms"`
	StartSeq   uint64        `json:"start_seq"`
	EndSeq     uint64        `json:"end_seq"`
	StartTime  time.Time     `json:"start_time"`
	EndTime    time.Time     `json:"end_time"`
}

// ChunkAssembler accumulates frames until the buffered duration reaches the
// chunk duration, then emits the whole buffer as one chunk and starts over.
type ChunkAssembler struct {
	buffer    []float32
	startSeq  uint64
	endSeq    uint64
	startTime time.Time

	// Statistics
	chunksEmitted uint64
	totalDuration time.Duration
	resets        uint64

	mu sync.Mutex
}

// AssemblerStats represents chunk assembler statistics
type AssemblerStats struct {
	ChunksEmitted   uint64        `json:"chunks_emitted"`
	TotalDuration   time.Duration `json:"total_duration"`
	BufferedSamples int           `json:"buffered_samples"`
	Resets          uint64        `json:"resets"`
}

// NewChunkAssembler creates an assembler with room for initialSamples before
// the buffer has to grow.
func NewChunkAssembler(initialSamples int) *ChunkAssembler {
	if initialSamples < 0 {
		initialSamples = 0
	}
	return &ChunkAssembler{
		buffer: make([]float32, 0, initialSamples),
	}
}

// Push appends frame to the buffer and checks the boundary using sampleRate and
// chunkDuration as of this call. When the buffered length reaches the duration
// the full buffer is returned as a chunk and the assembler resets. Non-positive
// rates or durations never produce a chunk.
func (a *ChunkAssembler) Push(frame Frame, sampleRate int, chunkDuration time.Duration) (*AudioChunk, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.buffer) == 0 {
		a.startSeq = frame.Seq
		a.startTime = frame.Captured
	}
	a.buffer = append(a.buffer, frame.Samples...)
	a.endSeq = frame.Seq

	if sampleRate <= 0 || chunkDuration <= 0 {
		return nil, false
	}

	elapsed := float64(len(a.buffer)) / float64(sampleRate)
	if elapsed < chunkDuration.Seconds() {
		return nil, false
	}

	samples := make([]float32, len(a.buffer))
	copy(samples, a.buffer)
	duration := time.Duration(elapsed * float64(time.Second))

	chunk := &AudioChunk{
		ChunkID:    uuid.NewString(),
		Samples:    samples,
		SampleRate: sampleRate,
		Duration:   duration,
		RMS:        RMS(samples),
		StartSeq:   a.startSeq,
		EndSeq:     a.endSeq,
		StartTime:  a.startTime,
		EndTime:    time.Now(),
	}

	a.chunksEmitted++
	a.totalDuration += duration
	a.buffer = a.buffer[:0]

	return chunk, true
}

// Reset discards the in-flight buffer.
func (a *ChunkAssembler) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.buffer) > 0 {
		a.resets++
	}
	a.buffer = a.buffer[:0]
	a.startSeq = 0
	a.endSeq = 0
}

// Buffered returns the number of samples waiting for the next boundary.
func (a *ChunkAssembler) Buffered() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffer)
}

// GetStats returns current assembler statistics
func (a *ChunkAssembler) GetStats() AssemblerStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	return AssemblerStats{
		ChunksEmitted:   a.chunksEmitted,
		TotalDuration:   a.totalDuration,
		BufferedSamples: len(a.buffer),
		Resets:          a.resets,
	}
}
