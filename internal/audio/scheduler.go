package audio

import (
	"errors"
	"sync"
)

// Scheduled describes where a buffer landed on the output clock.
type Scheduled struct {
	Handle   Handle
	StartAt  float64
	Duration float64
}

// Scheduler plays inbound chunks back to back on an OutputDevice.
//
// Each chunk starts at max(output clock, cursor) and pushes the cursor forward
// by its duration, so bursty arrivals neither overlap nor leave gaps. Handles
// stay in the pending set until they finish or are stopped by Interrupt.
type Scheduler struct {
	out        OutputDevice
	sampleRate int

	mu      sync.Mutex
	cursor  float64
	nextID  Handle
	pending map[Handle]struct{}
	closed  bool
}

var errSchedulerClosed = errors.New("scheduler closed")

func NewScheduler(out OutputDevice) *Scheduler {
	rate := out.SampleRate()
	if rate <= 0 {
		rate = OutputSampleRate
	}
	return &Scheduler{
		out:        out,
		sampleRate: rate,
		pending:    make(map[Handle]struct{}),
	}
}

// Enqueue schedules one PCM16LE chunk after everything already queued. A
// trailing odd byte is not a whole sample and is dropped.
func (s *Scheduler) Enqueue(pcm []byte) (Scheduled, error) {
	pcm = pcm[:len(pcm)&^1]
	duration := PCMDuration(pcm, s.sampleRate)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Scheduled{}, errSchedulerClosed
	}
	now := s.out.CurrentTime()
	if s.cursor < now {
		s.cursor = now
	}
	s.nextID++
	h := s.nextID
	startAt := s.cursor
	s.cursor += duration
	s.pending[h] = struct{}{}
	s.mu.Unlock()

	buf := Buffer{PCM: pcm, SampleRate: s.sampleRate, Duration: duration}
	if err := s.out.Schedule(h, buf, startAt, func() { s.release(h) }); err != nil {
		s.release(h)
		return Scheduled{}, err
	}
	return Scheduled{Handle: h, StartAt: startAt, Duration: duration}, nil
}

// Interrupt stops every pending buffer, flushes the device and resets the
// cursor to the output clock, so the next chunk plays immediately. It returns
// the stopped handles.
func (s *Scheduler) Interrupt() []Handle {
	s.mu.Lock()
	stopped := s.drainLocked()
	s.cursor = s.out.CurrentTime()
	s.mu.Unlock()

	for _, h := range stopped {
		s.out.Stop(h)
	}
	s.out.Flush()
	return stopped
}

// StopAll stops every pending buffer and refuses further chunks.
func (s *Scheduler) StopAll() []Handle {
	s.mu.Lock()
	s.closed = true
	stopped := s.drainLocked()
	s.mu.Unlock()

	for _, h := range stopped {
		s.out.Stop(h)
	}
	s.out.Flush()
	return stopped
}

// Pending returns the number of buffers still scheduled or playing.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Cursor returns the earliest start time of the next chunk.
func (s *Scheduler) Cursor() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

func (s *Scheduler) drainLocked() []Handle {
	out := make([]Handle, 0, len(s.pending))
	for h := range s.pending {
		out = append(out, h)
	}
	clear(s.pending)
	return out
}

func (s *Scheduler) release(h Handle) {
	s.mu.Lock()
	delete(s.pending, h)
	s.mu.Unlock()
}
