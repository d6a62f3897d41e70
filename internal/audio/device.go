package audio

import (
	"context"
	"errors"
)

// Handle identifies one scheduled playback buffer.
type Handle uint64

// Buffer is a chunk of mono PCM16LE ready for playback.
type Buffer struct {
	PCM        []byte
	SampleRate int
	// Duration is the playback length in seconds.
	Duration float64
}

var (
	// ErrDeviceClosed is returned by devices used after Close.
	ErrDeviceClosed = errors.New("audio device closed")
	// ErrPermissionDenied reports that the user refused microphone access.
	ErrPermissionDenied = errors.New("microphone permission denied")
)

// InputDevice is a source of sequential PCM frames at a fixed sample rate.
// Frames are pushed through the callback registered with Start.
type InputDevice interface {
	SampleRate() int
	// Start begins delivering frames to onFrame in capture order.
	Start(onFrame func(samples []float32)) error
	// Close releases the capture stream. It is safe to call Close multiple times.
	Close() error
}

// OutputDevice is a clocked playback target.
type OutputDevice interface {
	SampleRate() int
	// CurrentTime reports the output clock in seconds.
	CurrentTime() float64
	// Schedule starts buf at startAt on the output clock. onEnded runs once
	// when playback finishes naturally; it does not run for stopped handles.
	Schedule(h Handle, buf Buffer, startAt float64, onEnded func()) error
	// Stop halts a scheduled or playing buffer immediately.
	Stop(h Handle)
	// Flush halts everything the device may still be rendering, including
	// buffers whose onEnded already ran. Renderers that lag the device clock
	// rely on it to drop stale audio.
	Flush()
	// Close releases the device. It is safe to call Close multiple times.
	Close() error
}

// Devices acquires the capture and playback devices for one call.
type Devices interface {
	// OpenInput requests the microphone. It returns ErrPermissionDenied
	// (possibly wrapped) when the user refuses access.
	OpenInput(ctx context.Context) (InputDevice, error)
	OpenOutput(ctx context.Context) (OutputDevice, error)
}
