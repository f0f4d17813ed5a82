package audio

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// ErrQueueFull is returned by TryPush when the queue is saturated. The frame
// that did not fit is discarded; frames already queued are untouched.
var ErrQueueFull = errors.New("frame queue full")

// FrameQueue is the bounded single-producer single-consumer hand-off between
// the capture callback and the pipeline task. Frames leave in arrival order.
type FrameQueue struct {
	frames chan Frame

	nextSeq atomic.Uint64
	pushed  atomic.Uint64
	dropped atomic.Uint64
	drained atomic.Uint64
}

// QueueStats represents frame queue statistics
type QueueStats struct {
	Length   int    `json:"length"`
	Capacity int    `json:"capacity"`
	Pushed   uint64 `json:"pushed"`
	Dropped  uint64 `json:"dropped"`
	Drained  uint64 `json:"drained"`
}

// NewFrameQueue creates a queue holding at most capacity frames.
func NewFrameQueue(capacity int) (*FrameQueue, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("queue capacity must be at least 1, got %d", capacity)
	}

	return &FrameQueue{
		frames: make(chan Frame, capacity),
	}, nil
}

// TryPush enqueues samples without blocking. Every call consumes a sequence
// number, so dropped frames show up as gaps on the consumer side.
func (q *FrameQueue) TryPush(samples []float32) error {
	frame := Frame{
		Seq:      q.nextSeq.Add(1),
		Samples:  samples,
		Captured: time.Now(),
	}

	select {
	case q.frames <- frame:
		q.pushed.Add(1)
		return nil
	default:
		q.dropped.Add(1)
		return ErrQueueFull
	}
}

// Poll waits up to timeout for the next frame. It returns ok=false when the
// timeout elapses with the queue empty, and ctx.Err() once ctx is cancelled.
func (q *FrameQueue) Poll(ctx context.Context, timeout time.Duration) (Frame, bool, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, false, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case frame := <-q.frames:
		return frame, true, nil
	case <-timer.C:
		return Frame{}, false, nil
	case <-ctx.Done():
		return Frame{}, false, ctx.Err()
	}
}

// Drain discards every queued frame and returns how many were removed.
func (q *FrameQueue) Drain() int {
	n := 0
	for {
		select {
		case <-q.frames:
			n++
		default:
			q.drained.Add(uint64(n))
			return n
		}
	}
}

// Len returns the number of queued frames.
func (q *FrameQueue) Len() int {
	return len(q.frames)
}

// Cap returns the queue capacity in frames.
func (q *FrameQueue) Cap() int {
	return cap(q.frames)
}

// Stats returns a snapshot of queue counters
func (q *FrameQueue) Stats() QueueStats {
	return QueueStats{
		Length:   q.Len(),
		Capacity: q.Cap(),
		Pushed:   q.pushed.Load(),
		Dropped:  q.dropped.Load(),
		Drained:  q.drained.Load(),
	}
}
