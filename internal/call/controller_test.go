package call

import (
	"context"
	"encoding/base64"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/antoniostano/deutschtalk/internal/audio"
	"github.com/antoniostano/deutschtalk/internal/voice"
)

type fakeTimer struct {
	at      time.Time
	f       func()
	stopped bool
	fired   bool
	clock   *fakeClock
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{at: c.now.Add(d), f: f, clock: c}
	c.timers = append(c.timers, t)
	return t
}

// Advance fires due timers in order, including ones armed while advancing.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.stopped || t.fired || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.fired = true
		c.now = next.at
		c.mu.Unlock()
		next.f()
	}
}

type fakeSession struct {
	mu     sync.Mutex
	sent   []audio.Blob
	closes int
}

func (s *fakeSession) Send(_ context.Context, chunk audio.Blob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, chunk)
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *fakeSession) counts() (sent, closes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent), s.closes
}

type fakeProvider struct {
	mu      sync.Mutex
	openErr error
	opens   int
	cfg     voice.OpenConfig
	session *fakeSession
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Open(_ context.Context, cfg voice.OpenConfig, _ voice.EventHandler) (voice.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opens++
	if p.openErr != nil {
		return nil, p.openErr
	}
	p.cfg = cfg
	p.session = &fakeSession{}
	return p.session, nil
}

type harness struct {
	c        *Controller
	clock    *fakeClock
	devices  *audio.MockDevices
	provider *fakeProvider

	mu             sync.Mutex
	ended          []Summary
	levels         []float64
	doneBeforeHook bool
}

func newHarness(t *testing.T, budget time.Duration) *harness {
	t.Helper()
	h := &harness{
		clock:    newFakeClock(),
		devices:  audio.NewMockDevices(),
		provider: &fakeProvider{},
	}
	h.c = NewController(Options{
		Nickname: "anna",
		Budget:   budget,
		Provider: h.provider,
		Devices:  h.devices,
		Clock:    h.clock,
		Logger:   zerolog.Nop(),
		OnLevel: func(level float64) {
			h.mu.Lock()
			h.levels = append(h.levels, level)
			h.mu.Unlock()
		},
		OnEnded: func(s Summary) {
			h.mu.Lock()
			h.ended = append(h.ended, s)
			select {
			case <-h.c.Done():
				h.doneBeforeHook = true
			default:
			}
			h.mu.Unlock()
		},
	})
	return h
}

func (h *harness) endedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ended)
}

func (h *harness) startActive(t *testing.T) {
	t.Helper()
	if err := h.c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	h.c.OnOpen()
	if got := h.c.Snapshot().Status; got != StatusActive {
		t.Fatalf("Status = %q, want %q", got, StatusActive)
	}
}

func (h *harness) assertReleasedOnce(t *testing.T) {
	t.Helper()
	if got := h.devices.Input.Closes(); got != 1 {
		t.Fatalf("input closes = %d, want 1", got)
	}
	if got := h.devices.Output.Closes(); got != 1 {
		t.Fatalf("output closes = %d, want 1", got)
	}
	if h.provider.session != nil {
		if _, closes := h.provider.session.counts(); closes != 1 {
			t.Fatalf("session closes = %d, want 1", closes)
		}
	}
	if got := h.endedCount(); got != 1 {
		t.Fatalf("OnEnded calls = %d, want 1", got)
	}
}

func pcmChunk(seconds float64) string {
	return base64.StdEncoding.EncodeToString(make([]byte, int(seconds*audio.OutputSampleRate)*2))
}

func TestStartConnectsThenActivatesOnOpen(t *testing.T) {
	h := newHarness(t, DefaultBudget)
	if err := h.c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	snap := h.c.Snapshot()
	if snap.Status != StatusConnecting || !snap.Connecting {
		t.Fatalf("snapshot = %+v, want connecting", snap)
	}
	if snap.Partner.Name != "Klaus" {
		t.Fatalf("Partner.Name = %q, want Klaus", snap.Partner.Name)
	}
	if h.provider.cfg.SampleRateOut != audio.OutputSampleRate || !h.provider.cfg.TranscriptionEnabled {
		t.Fatalf("open config = %+v", h.provider.cfg)
	}

	// The countdown does not run before Active.
	h.clock.Advance(5 * time.Second)
	if got := h.c.Snapshot().SecondsRemaining; got != 600 {
		t.Fatalf("SecondsRemaining before open = %d, want 600", got)
	}

	h.c.OnOpen()
	h.clock.Advance(3 * time.Second)
	snap = h.c.Snapshot()
	if snap.Connecting {
		t.Fatalf("Connecting = true after open")
	}
	if snap.SecondsRemaining != 597 {
		t.Fatalf("SecondsRemaining = %d, want 597", snap.SecondsRemaining)
	}
}

func TestCountdownEndsCallAtZero(t *testing.T) {
	h := newHarness(t, 3*time.Second)
	h.startActive(t)

	h.clock.Advance(2 * time.Second)
	if got := h.c.Snapshot().SecondsRemaining; got != 1 {
		t.Fatalf("SecondsRemaining = %d, want 1", got)
	}
	if h.endedCount() != 0 {
		t.Fatalf("call ended early")
	}

	h.clock.Advance(time.Second)
	snap := h.c.Snapshot()
	if snap.Status != StatusEnded || snap.Reason != ReasonTimeout {
		t.Fatalf("snapshot = %+v, want ended by timeout", snap)
	}
	if snap.SecondsRemaining != 0 {
		t.Fatalf("SecondsRemaining = %d, want 0", snap.SecondsRemaining)
	}
	h.assertReleasedOnce(t)

	h.clock.Advance(10 * time.Second)
	if got := h.endedCount(); got != 1 {
		t.Fatalf("OnEnded calls = %d, want 1", got)
	}
	if got := h.ended[0].SecondsUsed; got != 3 {
		t.Fatalf("SecondsUsed = %d, want 3", got)
	}
}

func TestEndIsIdempotent(t *testing.T) {
	h := newHarness(t, DefaultBudget)
	h.startActive(t)

	h.c.End()
	h.c.End()
	h.c.OnClose()
	h.c.OnError(errors.New("late"))
	h.clock.Advance(700 * time.Second)

	if got := h.c.Snapshot().Reason; got != ReasonHangup {
		t.Fatalf("Reason = %q, want %q", got, ReasonHangup)
	}
	if h.c.Err() != nil {
		t.Fatalf("Err() = %v, want nil for hangup", h.c.Err())
	}
	h.assertReleasedOnce(t)

	select {
	case <-h.c.Done():
	default:
		t.Fatalf("Done() not closed after End")
	}
}

func TestDoneClosesAfterOnEnded(t *testing.T) {
	h := newHarness(t, DefaultBudget)
	h.startActive(t)

	go h.c.OnClose()
	select {
	case <-h.c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("Done() not closed after remote close")
	}
	if got := h.endedCount(); got != 1 {
		t.Fatalf("OnEnded calls when Done closed = %d, want 1", got)
	}
	h.mu.Lock()
	early := h.doneBeforeHook
	h.mu.Unlock()
	if early {
		t.Fatalf("Done() closed before OnEnded ran")
	}
}

func TestConcurrentTriggersNotifyOnce(t *testing.T) {
	h := newHarness(t, DefaultBudget)
	h.startActive(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(3)
		go func() { defer wg.Done(); h.c.End() }()
		go func() { defer wg.Done(); h.c.OnClose() }()
		go func() { defer wg.Done(); h.c.OnError(errors.New("boom")) }()
	}
	wg.Wait()

	h.assertReleasedOnce(t)
}

func TestRemoteCloseIsNormalEnd(t *testing.T) {
	h := newHarness(t, DefaultBudget)
	h.startActive(t)

	h.c.OnClose()
	if got := h.c.Snapshot().Reason; got != ReasonRemoteClosed {
		t.Fatalf("Reason = %q, want %q", got, ReasonRemoteClosed)
	}
	if h.c.Err() != nil {
		t.Fatalf("Err() = %v, want nil", h.c.Err())
	}
	h.assertReleasedOnce(t)
}

func TestTransportErrorIsTerminal(t *testing.T) {
	h := newHarness(t, DefaultBudget)
	h.startActive(t)

	h.c.OnError(errors.New("socket reset"))
	if got := h.c.Snapshot().Reason; got != ReasonTransportError {
		t.Fatalf("Reason = %q, want %q", got, ReasonTransportError)
	}
	if !errors.Is(h.c.Err(), ErrTransportError) {
		t.Fatalf("Err() = %v, want ErrTransportError", h.c.Err())
	}
	h.assertReleasedOnce(t)
}

func TestErrorWhileConnectingIsConnectionFailure(t *testing.T) {
	h := newHarness(t, DefaultBudget)
	if err := h.c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	h.c.OnError(errors.New("handshake refused"))
	if got := h.c.Snapshot().Reason; got != ReasonConnectFailed {
		t.Fatalf("Reason = %q, want %q", got, ReasonConnectFailed)
	}
	if !errors.Is(h.c.Err(), ErrConnectionFailed) {
		t.Fatalf("Err() = %v, want ErrConnectionFailed", h.c.Err())
	}
	h.assertReleasedOnce(t)
}

func TestPermissionDeniedEndsBeforeConnecting(t *testing.T) {
	h := newHarness(t, DefaultBudget)
	h.devices.InputErr = audio.ErrPermissionDenied

	err := h.c.Start(context.Background())
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Start() error = %v, want ErrPermissionDenied", err)
	}
	if h.provider.opens != 0 {
		t.Fatalf("provider opened %d times, want 0", h.provider.opens)
	}
	if got := h.c.Snapshot().Reason; got != ReasonInitFailed {
		t.Fatalf("Reason = %q, want %q", got, ReasonInitFailed)
	}
	if got := h.endedCount(); got != 1 {
		t.Fatalf("OnEnded calls = %d, want 1", got)
	}
}

func TestConnectionFailureReleasesDevices(t *testing.T) {
	h := newHarness(t, DefaultBudget)
	h.provider.openErr = errors.New("dial tcp: refused")

	err := h.c.Start(context.Background())
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("Start() error = %v, want ErrConnectionFailed", err)
	}
	h.assertReleasedOnce(t)
}

func TestStartTwiceFails(t *testing.T) {
	h := newHarness(t, DefaultBudget)
	h.startActive(t)
	if err := h.c.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start() error = %v, want ErrAlreadyStarted", err)
	}
}

func TestMuteDropsFramesWithoutClosing(t *testing.T) {
	h := newHarness(t, DefaultBudget)
	h.startActive(t)
	frame := []float32{0.1, -0.4, 0.2}

	h.devices.Input.Push(frame)
	if muted := h.c.ToggleMute(); !muted {
		t.Fatalf("ToggleMute() = false, want true")
	}
	h.devices.Input.Push(frame)
	h.devices.Input.Push(frame)
	if sent, _ := h.provider.session.counts(); sent != 1 {
		t.Fatalf("sent while muted = %d, want 1", sent)
	}

	h.c.ToggleMute()
	h.devices.Input.Push(frame)
	sent, closes := h.provider.session.counts()
	if sent != 2 {
		t.Fatalf("sent after unmute = %d, want 2", sent)
	}
	if closes != 0 {
		t.Fatalf("session closed %d times by mute", closes)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.levels) != 2 || math.Abs(h.levels[0]-0.4) > 1e-6 {
		t.Fatalf("levels = %v, want two readings of 0.4", h.levels)
	}
}

func TestFramesOutsideActiveAreIgnored(t *testing.T) {
	h := newHarness(t, DefaultBudget)
	if err := h.c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if h.devices.Input.Push([]float32{0.5}) {
		t.Fatalf("capture delivered frames before Active")
	}

	h.c.OnOpen()
	h.c.End()
	h.c.onFrame([]float32{0.5})
	if sent, _ := h.provider.session.counts(); sent != 0 {
		t.Fatalf("sent = %d, want 0", sent)
	}
}

func TestPartnerAudioIsScheduledBackToBack(t *testing.T) {
	h := newHarness(t, DefaultBudget)
	if err := h.c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	h.devices.Output.Advance(0.2)
	h.c.OnOpen()
	open := h.devices.Output.CurrentTime()

	for _, d := range []float64{1.0, 0.5, 2.0} {
		h.c.OnServerEvent(voice.ServerEvent{AudioBase64: pcmChunk(d)})
	}

	pb := h.devices.Output.Playbacks()
	want := []float64{0, 1.0, 1.5}
	if len(pb) != len(want) {
		t.Fatalf("len(playbacks) = %d, want %d", len(pb), len(want))
	}
	for i := range want {
		if math.Abs(pb[i].StartAt-open-want[i]) > 1e-9 {
			t.Fatalf("playback %d offset = %v, want %v", i, pb[i].StartAt-open, want[i])
		}
	}
	if got := h.c.PendingPlayback(); got != 3 {
		t.Fatalf("PendingPlayback() = %d, want 3", got)
	}
}

func TestInterruptFlushesQueuedAudio(t *testing.T) {
	h := newHarness(t, DefaultBudget)
	h.startActive(t)

	h.c.OnServerEvent(voice.ServerEvent{AudioBase64: pcmChunk(1)})
	h.c.OnServerEvent(voice.ServerEvent{AudioBase64: pcmChunk(1)})
	h.devices.Output.Advance(0.3)

	h.c.OnServerEvent(voice.ServerEvent{Interrupted: true})
	if got := h.c.PendingPlayback(); got != 0 {
		t.Fatalf("PendingPlayback() = %d, want 0", got)
	}

	h.c.OnServerEvent(voice.ServerEvent{AudioBase64: pcmChunk(0.5)})
	pb := h.devices.Output.Playbacks()
	last := pb[len(pb)-1]
	if math.Abs(last.StartAt-0.3) > 1e-9 {
		t.Fatalf("post-interrupt start = %v, want 0.3", last.StartAt)
	}
	for _, p := range pb[:2] {
		if !p.Stopped {
			t.Fatalf("queued playback %d not stopped", p.Handle)
		}
	}
}

func TestTeardownStopsScheduledPlayback(t *testing.T) {
	h := newHarness(t, DefaultBudget)
	h.startActive(t)
	h.c.OnServerEvent(voice.ServerEvent{AudioBase64: pcmChunk(2)})

	h.c.End()
	for _, p := range h.devices.Output.Playbacks() {
		if !p.Stopped {
			t.Fatalf("playback %d still scheduled after teardown", p.Handle)
		}
	}
	h.c.OnServerEvent(voice.ServerEvent{AudioBase64: pcmChunk(1)})
	if got := len(h.devices.Output.Playbacks()); got != 1 {
		t.Fatalf("playbacks after teardown = %d, want 1", got)
	}
}

func TestTranscriptKeepsLatestPartnerLines(t *testing.T) {
	h := newHarness(t, DefaultBudget)
	h.startActive(t)
	for _, line := range []string{"eins", "zwei", "drei", "vier", "fünf", "sechs"} {
		h.c.OnServerEvent(voice.ServerEvent{Transcription: line})
	}

	tr := h.c.Snapshot().Transcript
	if len(tr) != 5 {
		t.Fatalf("len(Transcript) = %d, want 5", len(tr))
	}
	if tr[0].Text != "zwei" || tr[4].Text != "sechs" {
		t.Fatalf("transcript = %+v, want zwei..sechs", tr)
	}
	if tr[0].Speaker != audio.SpeakerPartner {
		t.Fatalf("Speaker = %q, want %q", tr[0].Speaker, audio.SpeakerPartner)
	}

	h.c.End()
	if got := h.ended[0].TranscriptLines; got != 6 {
		t.Fatalf("TranscriptLines = %d, want 6", got)
	}
}

func TestSystemPromptMentionsCallerAndBudget(t *testing.T) {
	p := SystemPrompt(DefaultPartner, "anna", 10*time.Minute)
	for _, want := range []string{"Du bist Klaus", "Du sprichst mit anna", "maximal 10 Minuten"} {
		if !strings.Contains(p, want) {
			t.Fatalf("prompt missing %q:\n%s", want, p)
		}
	}
}
