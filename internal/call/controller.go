package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/antoniostano/deutschtalk/internal/audio"
	"github.com/antoniostano/deutschtalk/internal/observability"
	"github.com/antoniostano/deutschtalk/internal/reliability"
	"github.com/antoniostano/deutschtalk/internal/voice"
)

// Status is the lifecycle state of one call attempt.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusConnecting   Status = "connecting"
	StatusActive       Status = "active"
	StatusEnding       Status = "ending"
	StatusEnded        Status = "ended"
)

// DefaultBudget is the fixed call length.
const DefaultBudget = 600 * time.Second

// Snapshot is the read-only view state of a call.
type Snapshot struct {
	CallID           string                  `json:"call_id"`
	Status           Status                  `json:"status"`
	Connecting       bool                    `json:"connecting"`
	Muted            bool                    `json:"muted"`
	SecondsRemaining int                     `json:"seconds_remaining"`
	Transcript       []audio.TranscriptEntry `json:"transcript"`
	Partner          Partner                 `json:"partner"`
	Reason           EndReason               `json:"reason,omitempty"`
}

// Summary describes a finished call. It is handed to OnEnded exactly once.
type Summary struct {
	CallID          string
	Nickname        string
	Partner         Partner
	Reason          EndReason
	Err             error
	StartedAt       time.Time
	ActiveAt        time.Time
	EndedAt         time.Time
	SecondsUsed     int
	TranscriptLines int
}

// Options configures a Controller. Provider and Devices are required.
type Options struct {
	Nickname string
	Partner  Partner
	Budget   time.Duration
	Model    string
	Voice    string

	Provider voice.Provider
	Devices  audio.Devices
	Clock    Clock
	Logger   zerolog.Logger
	Metrics  *observability.Metrics

	// OnState runs after every observable change. Hooks run outside the
	// controller lock and must not block.
	OnState func(Snapshot)
	// OnLevel reports the peak level of each forwarded capture block.
	OnLevel func(level float64)
	// OnEnded runs once when the call reaches StatusEnded.
	OnEnded func(Summary)
}

// Controller drives one call from device acquisition to teardown.
//
// Every trigger (hangup, countdown, remote close, transport error, failed
// start) funnels into finish; the first one wins and later ones are no-ops.
type Controller struct {
	id     string
	opts   Options
	clock  Clock
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu               sync.Mutex
	started          bool
	status           Status
	opened           bool
	muted            bool
	secondsRemaining int
	reason           EndReason
	err              error
	startedAt        time.Time
	activeAt         time.Time
	endedAt          time.Time

	input  audio.InputDevice
	output audio.OutputDevice
	sched  *audio.Scheduler
	remote voice.Session
	tick   Timer

	transcript *audio.TranscriptLog
	done       chan struct{}
}

var _ voice.EventHandler = (*Controller)(nil)

func NewController(opts Options) *Controller {
	if opts.Budget <= 0 {
		opts.Budget = DefaultBudget
	}
	if opts.Partner.Name == "" {
		opts.Partner = DefaultPartner
	}
	clock := opts.Clock
	if clock == nil {
		clock = systemClock{}
	}
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		id:               id,
		opts:             opts,
		clock:            clock,
		logger:           opts.Logger.With().Str("call_id", id).Logger(),
		ctx:              ctx,
		cancel:           cancel,
		status:           StatusInitializing,
		secondsRemaining: int(opts.Budget / time.Second),
		transcript:       audio.NewTranscriptLog(audio.TranscriptLimit),
		done:             make(chan struct{}),
	}
}

func (c *Controller) ID() string { return c.id }

// Done is closed when the call reaches StatusEnded.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Start acquires the devices and opens the remote session. It returns once
// the call is Connecting; OnOpen moves it to Active. Any failure ends the
// call and is returned.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	if c.status != StatusInitializing {
		c.mu.Unlock()
		return ErrEnded
	}
	c.started = true
	c.startedAt = c.clock.Now()
	c.mu.Unlock()
	if m := c.opts.Metrics; m != nil {
		m.ActiveCalls.Inc()
	}

	input, err := c.opts.Devices.OpenInput(ctx)
	if err != nil {
		if errors.Is(err, audio.ErrPermissionDenied) {
			err = fmt.Errorf("%w: %w", ErrPermissionDenied, err)
		} else {
			err = fmt.Errorf("call: open input: %w", err)
		}
		c.finish(ReasonInitFailed, err)
		return err
	}
	if !c.attach(func() { c.input = input }) {
		_ = input.Close()
		return ErrEnded
	}

	output, err := c.opts.Devices.OpenOutput(ctx)
	if err != nil {
		err = fmt.Errorf("call: open output: %w", err)
		c.finish(ReasonInitFailed, err)
		return err
	}
	if !c.attach(func() {
		c.output = output
		c.sched = audio.NewScheduler(output)
		c.status = StatusConnecting
	}) {
		_ = output.Close()
		return ErrEnded
	}
	c.notifyState()

	remote, err := c.opts.Provider.Open(c.ctx, voice.OpenConfig{
		Model:                c.opts.Model,
		SampleRateOut:        output.SampleRate(),
		VoiceProfile:         c.opts.Voice,
		SystemPrompt:         SystemPrompt(c.opts.Partner, c.opts.Nickname, c.opts.Budget),
		TranscriptionEnabled: true,
	}, c)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrConnectionFailed, err)
		c.countProviderError("open_failed")
		c.finish(ReasonConnectFailed, err)
		return err
	}

	var activated bool
	if !c.attach(func() {
		c.remote = remote
		activated = c.maybeActivateLocked()
	}) {
		_ = remote.Close()
		return ErrEnded
	}
	if activated {
		c.afterActivate()
	}
	return nil
}

// attach runs fn under the lock unless teardown already began.
func (c *Controller) attach(fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusEnding || c.status == StatusEnded {
		return false
	}
	fn()
	return true
}

// OnOpen is called by the remote session when it is ready for audio.
func (c *Controller) OnOpen() {
	c.mu.Lock()
	if c.status != StatusConnecting {
		c.mu.Unlock()
		return
	}
	c.opened = true
	activated := c.maybeActivateLocked()
	c.mu.Unlock()
	if activated {
		c.afterActivate()
	}
}

// maybeActivateLocked moves Connecting to Active once the endpoint is open
// and its session handle is attached. The countdown starts here.
func (c *Controller) maybeActivateLocked() bool {
	if c.status != StatusConnecting || !c.opened || c.remote == nil {
		return false
	}
	c.status = StatusActive
	c.activeAt = c.clock.Now()
	c.tick = c.clock.AfterFunc(time.Second, c.onTick)
	return true
}

func (c *Controller) afterActivate() {
	c.mu.Lock()
	input := c.input
	latency := c.activeAt.Sub(c.startedAt)
	c.mu.Unlock()

	if m := c.opts.Metrics; m != nil {
		m.ObserveConnectLatency(latency)
	}
	c.logger.Info().Dur("connect_latency", latency).Msg("call active")

	if err := input.Start(c.onFrame); err != nil {
		c.finish(ReasonInitFailed, fmt.Errorf("call: start capture: %w", err))
		return
	}
	c.notifyState()
}

func (c *Controller) onTick() {
	c.mu.Lock()
	if c.status != StatusActive {
		c.mu.Unlock()
		return
	}
	c.secondsRemaining--
	if c.secondsRemaining <= 0 {
		c.secondsRemaining = 0
		c.tick = nil
		c.mu.Unlock()
		c.finish(ReasonTimeout, nil)
		return
	}
	c.tick = c.clock.AfterFunc(time.Second, c.onTick)
	c.mu.Unlock()
	c.notifyState()
}

// onFrame forwards one captured block unless muted. It holds the lock for the
// whole block so no frame is processed once teardown begins.
func (c *Controller) onFrame(samples []float32) {
	c.mu.Lock()
	if c.status != StatusActive || c.muted {
		c.mu.Unlock()
		return
	}
	blob := audio.NewBlob(samples, c.input.SampleRate())
	if err := c.remote.Send(c.ctx, blob); err != nil {
		c.logger.Debug().Err(err).Msg("send audio chunk failed")
	}
	c.mu.Unlock()

	if c.opts.OnLevel != nil {
		c.opts.OnLevel(audio.PeakLevel(samples))
	}
}

// OnServerEvent handles partner audio, transcription and interruptions.
func (c *Controller) OnServerEvent(evt voice.ServerEvent) {
	c.mu.Lock()
	if c.status != StatusConnecting && c.status != StatusActive {
		c.mu.Unlock()
		return
	}
	changed := false
	if evt.Transcription != "" {
		c.transcript.Append(audio.SpeakerPartner, evt.Transcription)
		changed = true
	}
	if evt.InputTranscription != "" {
		c.transcript.Append(audio.SpeakerUser, evt.InputTranscription)
		changed = true
	}
	if evt.AudioBase64 != "" {
		if pcm, err := audio.DecodeBase64PCM(evt.AudioBase64); err != nil {
			c.logger.Warn().Err(err).Msg("dropping malformed partner audio")
		} else if _, err := c.sched.Enqueue(pcm); err != nil {
			c.logger.Debug().Err(err).Msg("schedule partner audio failed")
		}
	}
	if evt.Interrupted {
		stopped := c.sched.Interrupt()
		c.logger.Debug().Int("stopped", len(stopped)).Msg("partner interrupted")
		if m := c.opts.Metrics; m != nil {
			m.Interruptions.Inc()
		}
	}
	c.mu.Unlock()

	if changed {
		c.notifyState()
	}
}

// OnError treats any remote error as terminal.
func (c *Controller) OnError(err error) {
	code, retryable := reliability.Classify(err)
	c.logger.Error().Err(err).Str("code", code).Bool("retryable", retryable).Msg("remote voice session error")
	c.countProviderError(code)

	c.mu.Lock()
	connecting := c.status == StatusConnecting
	c.mu.Unlock()
	if connecting {
		c.finish(ReasonConnectFailed, fmt.Errorf("%w: %w", ErrConnectionFailed, err))
		return
	}
	c.finish(ReasonTransportError, fmt.Errorf("%w: %w", ErrTransportError, err))
}

// OnClose ends the call as a normal remote hangup.
func (c *Controller) OnClose() {
	c.finish(ReasonRemoteClosed, nil)
}

// ToggleMute flips the mute flag and returns the new value.
func (c *Controller) ToggleMute() bool {
	c.mu.Lock()
	c.muted = !c.muted
	muted := c.muted
	c.mu.Unlock()
	c.notifyState()
	return muted
}

func (c *Controller) SetMuted(muted bool) {
	c.mu.Lock()
	changed := c.muted != muted
	c.muted = muted
	c.mu.Unlock()
	if changed {
		c.notifyState()
	}
}

// End hangs up. It is safe to call repeatedly and concurrently with any other
// trigger.
func (c *Controller) End() {
	c.finish(ReasonHangup, nil)
}

// finish tears the call down exactly once. Teardown completes before finish
// returns to its first caller.
func (c *Controller) finish(reason EndReason, err error) bool {
	c.mu.Lock()
	if c.status == StatusEnding || c.status == StatusEnded {
		c.mu.Unlock()
		return false
	}
	c.status = StatusEnding
	c.reason = reason
	c.err = err
	c.endedAt = c.clock.Now()
	tick, sched, input, output, remote := c.tick, c.sched, c.input, c.output, c.remote
	c.tick = nil
	started := c.started
	c.mu.Unlock()

	if tick != nil {
		tick.Stop()
	}
	c.cancel()
	if sched != nil {
		sched.StopAll()
	}
	if input != nil {
		if cerr := input.Close(); cerr != nil {
			c.logger.Debug().Err(cerr).Msg("close input device")
		}
	}
	if output != nil {
		if cerr := output.Close(); cerr != nil {
			c.logger.Debug().Err(cerr).Msg("close output device")
		}
	}
	if remote != nil {
		if cerr := remote.Close(); cerr != nil {
			c.logger.Debug().Err(cerr).Msg("close remote session")
		}
	}

	c.mu.Lock()
	c.status = StatusEnded
	summary := c.summaryLocked()
	c.mu.Unlock()

	if m := c.opts.Metrics; m != nil {
		m.CallsEnded.WithLabelValues(string(reason)).Inc()
		if started {
			m.ActiveCalls.Dec()
		}
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("reason", string(reason)).Msg("call ended")
	} else {
		c.logger.Info().Str("reason", string(reason)).Int("seconds_used", summary.SecondsUsed).Msg("call ended")
	}

	c.notifyState()
	if c.opts.OnEnded != nil {
		c.opts.OnEnded(summary)
	}
	// Done closes only after OnEnded, so waiters see its side effects.
	close(c.done)
	return true
}

func (c *Controller) summaryLocked() Summary {
	used := int(c.opts.Budget/time.Second) - c.secondsRemaining
	if c.activeAt.IsZero() {
		used = 0
	}
	return Summary{
		CallID:          c.id,
		Nickname:        c.opts.Nickname,
		Partner:         c.opts.Partner,
		Reason:          c.reason,
		Err:             c.err,
		StartedAt:       c.startedAt,
		ActiveAt:        c.activeAt,
		EndedAt:         c.endedAt,
		SecondsUsed:     used,
		TranscriptLines: c.transcript.Total(),
	}
}

// Snapshot returns the current view state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		CallID:           c.id,
		Status:           c.status,
		Connecting:       c.status == StatusInitializing || c.status == StatusConnecting,
		Muted:            c.muted,
		SecondsRemaining: c.secondsRemaining,
		Transcript:       c.transcript.Entries(),
		Partner:          c.opts.Partner,
		Reason:           c.reason,
	}
}

// Err returns the terminal error, or nil if the call ended normally or is
// still running.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// PendingPlayback reports buffers still scheduled on the output device.
func (c *Controller) PendingPlayback() int {
	c.mu.Lock()
	sched := c.sched
	c.mu.Unlock()
	if sched == nil {
		return 0
	}
	return sched.Pending()
}

func (c *Controller) notifyState() {
	if c.opts.OnState != nil {
		c.opts.OnState(c.Snapshot())
	}
}

func (c *Controller) countProviderError(code string) {
	if m := c.opts.Metrics; m != nil && c.opts.Provider != nil {
		m.ProviderErrors.WithLabelValues(c.opts.Provider.Name(), code).Inc()
	}
}
