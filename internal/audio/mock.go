package audio

import (
	"context"
	"sort"
	"sync"
)

// MockInput is an InputDevice driven by Push, used in tests and local runs.
type MockInput struct {
	mu      sync.Mutex
	rate    int
	onFrame func([]float32)
	closed  bool
	closes  int
}

func NewMockInput(sampleRate int) *MockInput {
	if sampleRate <= 0 {
		sampleRate = InputSampleRate
	}
	return &MockInput{rate: sampleRate}
}

func (m *MockInput) SampleRate() int { return m.rate }

func (m *MockInput) Start(onFrame func([]float32)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrDeviceClosed
	}
	m.onFrame = onFrame
	return nil
}

// Push delivers one frame to the registered callback. It reports whether the
// frame was delivered.
func (m *MockInput) Push(samples []float32) bool {
	m.mu.Lock()
	fn := m.onFrame
	closed := m.closed
	m.mu.Unlock()
	if closed || fn == nil {
		return false
	}
	fn(samples)
	return true
}

func (m *MockInput) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	if m.closed {
		return nil
	}
	m.closed = true
	m.onFrame = nil
	return nil
}

// Closes returns how many times Close was called.
func (m *MockInput) Closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

// MockPlayback records one Schedule call on a MockOutput.
type MockPlayback struct {
	Handle   Handle
	StartAt  float64
	Duration float64
	PCMBytes int
	Stopped  bool
	Ended    bool
}

// MockOutput is an OutputDevice with a manually advanced clock.
type MockOutput struct {
	mu        sync.Mutex
	rate      int
	now       float64
	playbacks []*MockPlayback
	onEnded   map[Handle]func()
	closed    bool
	closes    int
	flushes   int
}

func NewMockOutput(sampleRate int) *MockOutput {
	if sampleRate <= 0 {
		sampleRate = OutputSampleRate
	}
	return &MockOutput{rate: sampleRate, onEnded: make(map[Handle]func())}
}

func (m *MockOutput) SampleRate() int { return m.rate }

func (m *MockOutput) CurrentTime() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *MockOutput) Schedule(h Handle, buf Buffer, startAt float64, onEnded func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrDeviceClosed
	}
	m.playbacks = append(m.playbacks, &MockPlayback{Handle: h, StartAt: startAt, Duration: buf.Duration, PCMBytes: len(buf.PCM)})
	if onEnded != nil {
		m.onEnded[h] = onEnded
	}
	return nil
}

func (m *MockOutput) Stop(h Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.playbacks {
		if p.Handle == h && !p.Ended {
			p.Stopped = true
		}
	}
	delete(m.onEnded, h)
}

func (m *MockOutput) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushes++
	for _, p := range m.playbacks {
		if !p.Ended {
			p.Stopped = true
		}
	}
	clear(m.onEnded)
}

// Flushes returns how many times Flush was called.
func (m *MockOutput) Flushes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushes
}

// Advance moves the clock forward and fires onEnded for every buffer that
// finished playing by the new time, in end-time order.
func (m *MockOutput) Advance(seconds float64) {
	m.mu.Lock()
	m.now += seconds
	type due struct {
		end float64
		fn  func()
	}
	var fire []due
	for _, p := range m.playbacks {
		if p.Stopped || p.Ended {
			continue
		}
		if end := p.StartAt + p.Duration; end <= m.now {
			p.Ended = true
			if fn, ok := m.onEnded[p.Handle]; ok {
				fire = append(fire, due{end: end, fn: fn})
				delete(m.onEnded, p.Handle)
			}
		}
	}
	m.mu.Unlock()

	sort.SliceStable(fire, func(i, j int) bool { return fire[i].end < fire[j].end })
	for _, d := range fire {
		d.fn()
	}
}

// Playbacks returns a snapshot of every Schedule call in order.
func (m *MockOutput) Playbacks() []MockPlayback {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockPlayback, len(m.playbacks))
	for i, p := range m.playbacks {
		out[i] = *p
	}
	return out
}

func (m *MockOutput) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	m.closed = true
	return nil
}

// Closes returns how many times Close was called.
func (m *MockOutput) Closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

// MockDevices hands out fixed devices, or fails with InputErr / OutputErr.
type MockDevices struct {
	Input     *MockInput
	Output    *MockOutput
	InputErr  error
	OutputErr error
}

func NewMockDevices() *MockDevices {
	return &MockDevices{
		Input:  NewMockInput(InputSampleRate),
		Output: NewMockOutput(OutputSampleRate),
	}
}

func (d *MockDevices) OpenInput(_ context.Context) (InputDevice, error) {
	if d.InputErr != nil {
		return nil, d.InputErr
	}
	return d.Input, nil
}

func (d *MockDevices) OpenOutput(_ context.Context) (OutputDevice, error) {
	if d.OutputErr != nil {
		return nil, d.OutputErr
	}
	return d.Output, nil
}
