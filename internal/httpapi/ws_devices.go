package httpapi

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/antoniostano/deutschtalk/internal/audio"
	"github.com/antoniostano/deutschtalk/internal/protocol"
)

// wsInput is the caller's microphone as seen through the call socket. The
// browser announces mic_ready or mic_denied, then streams capture blocks.
type wsInput struct {
	ready chan error

	mu      sync.Mutex
	onFrame func([]float32)
	closed  bool
}

func newWSInput() *wsInput {
	return &wsInput{ready: make(chan error, 1)}
}

func (in *wsInput) SampleRate() int { return audio.InputSampleRate }

func (in *wsInput) Start(onFrame func([]float32)) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return audio.ErrDeviceClosed
	}
	in.onFrame = onFrame
	return nil
}

// signal records the browser's microphone outcome. Only the first one counts.
func (in *wsInput) signal(err error) {
	select {
	case in.ready <- err:
	default:
	}
}

func (in *wsInput) wait(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-in.ready:
		return err
	case <-timer.C:
		return fmt.Errorf("microphone not ready after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deliver hands one block to the capture callback. Blocks arriving before
// Start or after Close are dropped.
func (in *wsInput) deliver(samples []float32) bool {
	in.mu.Lock()
	fn := in.onFrame
	closed := in.closed
	in.mu.Unlock()
	if closed || fn == nil {
		return false
	}
	fn(samples)
	return true
}

func (in *wsInput) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.closed = true
	in.onFrame = nil
	return nil
}

// wsOutput renders partner audio in the browser. Its clock is seconds since
// the device was opened; the browser maps start_at_ms onto its own
// AudioContext timeline using the same origin.
type wsOutput struct {
	sessionID string
	epoch     time.Time
	send      func(msg any)

	mu      sync.Mutex
	playing map[audio.Handle]*time.Timer
	closed  bool
}

func newWSOutput(sessionID string, send func(msg any)) *wsOutput {
	return &wsOutput{
		sessionID: sessionID,
		epoch:     time.Now(),
		send:      send,
		playing:   make(map[audio.Handle]*time.Timer),
	}
}

func (o *wsOutput) SampleRate() int { return audio.OutputSampleRate }

func (o *wsOutput) CurrentTime() float64 {
	return time.Since(o.epoch).Seconds()
}

func (o *wsOutput) Schedule(h audio.Handle, buf audio.Buffer, startAt float64, onEnded func()) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return audio.ErrDeviceClosed
	}
	endAt := startAt + buf.Duration
	wait := time.Duration((endAt - o.CurrentTime()) * float64(time.Second))
	o.playing[h] = time.AfterFunc(max(wait, 0), func() {
		o.mu.Lock()
		_, ok := o.playing[h]
		delete(o.playing, h)
		o.mu.Unlock()
		if ok && onEnded != nil {
			onEnded()
		}
	})
	o.mu.Unlock()

	o.send(protocol.PartnerAudio{
		Type:        protocol.TypePartnerAudio,
		SessionID:   o.sessionID,
		Handle:      uint64(h),
		StartAtMS:   int64(startAt * 1000),
		DurationMS:  int64(buf.Duration * 1000),
		SampleRate:  buf.SampleRate,
		PCM16Base64: base64.StdEncoding.EncodeToString(buf.PCM),
	})
	return nil
}

func (o *wsOutput) Stop(h audio.Handle) {
	o.mu.Lock()
	t, ok := o.playing[h]
	delete(o.playing, h)
	closed := o.closed
	o.mu.Unlock()
	if !ok {
		return
	}
	t.Stop()
	if !closed {
		o.send(protocol.PlaybackStop{
			Type:      protocol.TypePlaybackStop,
			SessionID: o.sessionID,
			Handles:   []uint64{uint64(h)},
		})
	}
}

// Flush tells the browser to drop every source it still holds. The browser
// plays behind this clock, so buffers whose timers already fired may still be
// audible there.
func (o *wsOutput) Flush() {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return
	}
	o.send(protocol.PlaybackStop{
		Type:      protocol.TypePlaybackStop,
		SessionID: o.sessionID,
		Handles:   []uint64{},
		All:       true,
	})
}

func (o *wsOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	for h, t := range o.playing {
		t.Stop()
		delete(o.playing, h)
	}
	return nil
}

// wsDevices opens the socket-backed devices for one call.
type wsDevices struct {
	input      *wsInput
	output     *wsOutput
	micTimeout time.Duration
}

func (d *wsDevices) OpenInput(ctx context.Context) (audio.InputDevice, error) {
	if err := d.input.wait(ctx, d.micTimeout); err != nil {
		return nil, err
	}
	return d.input, nil
}

func (d *wsDevices) OpenOutput(context.Context) (audio.OutputDevice, error) {
	return d.output, nil
}
