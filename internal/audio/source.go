package audio

import (
	"context"
	"fmt"
)

// FrameSink receives every captured frame. It runs on the capture goroutine
// and must not block.
type FrameSink func(samples []float32)

// Source opens capture streams on input devices.
type Source interface {
	Open(ctx context.Context, deviceID, sampleRate, channels int, sink FrameSink) (Handle, error)
}

// Handle is an open capture stream. Done is closed when capture ends, either
// through Close or because the device went away; Err reports the latter.
type Handle interface {
	SampleRate() int
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Microphone describes an input-capable device as presented to clients.
type Microphone struct {
	ID                int     `json:"id"`
	Name              string  `json:"name"`
	ChannelCount      int     `json:"channel_count"`
	DefaultSampleRate float64 `json:"default_sample_rate"`
}

// DeviceError reports a device that cannot be opened or stopped delivering audio.
type DeviceError struct {
	DeviceID int
	Reason   string
	Err      error
}

func (e *DeviceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("device %d: %s: %v", e.DeviceID, e.Reason, e.Err)
	}
	return fmt.Sprintf("device %d: %s", e.DeviceID, e.Reason)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}
