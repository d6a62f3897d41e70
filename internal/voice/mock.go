package voice

import (
	"context"
	"encoding/base64"
	"math"
	"sync"
	"time"

	"github.com/antoniostano/deutschtalk/internal/audio"
)

// MockConfig tunes the synthetic partner.
type MockConfig struct {
	// OpenDelay is how long the session takes to become ready.
	OpenDelay time.Duration
	// CloseAfter ends the session from the remote side; zero disables it.
	CloseAfter time.Duration
	// ChunkDuration is the length of each audio chunk the partner sends.
	ChunkDuration time.Duration
}

// MockProvider is a local stand-in for the remote voice endpoint. It greets
// the caller, answers after each voiced burst, and reports an interruption
// when the caller talks over a reply.
type MockProvider struct {
	cfg MockConfig
}

func NewMockProvider(cfg MockConfig) *MockProvider {
	if cfg.ChunkDuration <= 0 {
		cfg.ChunkDuration = 200 * time.Millisecond
	}
	return &MockProvider{cfg: cfg}
}

func (p *MockProvider) Name() string { return "mock" }

func (p *MockProvider) Open(ctx context.Context, cfg OpenConfig, h EventHandler) (Session, error) {
	rate := cfg.SampleRateOut
	if rate <= 0 {
		rate = audio.OutputSampleRate
	}
	s := &mockSession{
		cfg:        p.cfg,
		rate:       rate,
		transcribe: cfg.TranscriptionEnabled,
		handler:    h,
		levels:     make(chan float64, 64),
		done:       make(chan struct{}),
	}
	go s.run(ctx)
	return s, nil
}

const (
	mockVoiceThreshold = 0.05
	mockQuietFrames    = 2
)

var mockReplies = []string{
	"Hallo! Ich bin Klaus aus Berlin. Wie geht es dir heute?",
	"Sehr gut! Erzähl mir ein bisschen mehr davon.",
	"Interessant. Was machst du gern am Wochenende?",
	"Kleiner Tipp: Man sagt \"ich habe Hunger\", nicht \"ich bin Hunger\".",
	"Prima, dein Deutsch wird immer besser!",
}

type mockSession struct {
	cfg        MockConfig
	rate       int
	transcribe bool
	handler    EventHandler

	levels    chan float64
	done      chan struct{}
	closeOnce sync.Once
}

func (s *mockSession) Send(_ context.Context, chunk audio.Blob) error {
	select {
	case <-s.done:
		return ErrNotConnected
	default:
	}
	pcm, err := base64.StdEncoding.DecodeString(chunk.Data)
	if err != nil {
		return err
	}
	select {
	case s.levels <- audio.PeakLevel(audio.DecodePCM16(pcm)):
	default:
	}
	return nil
}

func (s *mockSession) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func (s *mockSession) run(ctx context.Context) {
	if !s.wait(ctx, s.cfg.OpenDelay) {
		return
	}
	s.handler.OnOpen()

	var closeC <-chan time.Time
	if s.cfg.CloseAfter > 0 {
		t := time.NewTimer(s.cfg.CloseAfter)
		defer t.Stop()
		closeC = t.C
	}

	line := 0
	replyUntil := s.reply(mockReplies[line])
	voiced := false
	quiet := 0
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-closeC:
			s.Close()
			s.handler.OnClose()
			return
		case lvl := <-s.levels:
			if lvl >= mockVoiceThreshold {
				if time.Now().Before(replyUntil) {
					replyUntil = time.Time{}
					s.handler.OnServerEvent(ServerEvent{Interrupted: true})
				}
				voiced = true
				quiet = 0
				continue
			}
			if !voiced {
				continue
			}
			quiet++
			if quiet < mockQuietFrames {
				continue
			}
			voiced = false
			quiet = 0
			line = (line + 1) % len(mockReplies)
			if line == 0 {
				line = 1
			}
			replyUntil = s.reply(mockReplies[line])
		}
	}
}

// reply sends a transcription and a short tone and returns when it would
// finish playing.
func (s *mockSession) reply(text string) time.Time {
	if s.transcribe {
		s.handler.OnServerEvent(ServerEvent{Transcription: text})
	}
	chunks := 3 + len(text)/40
	for i := 0; i < chunks; i++ {
		select {
		case <-s.done:
			return time.Time{}
		default:
		}
		pcm := tone(220+float64(i%3)*40, s.cfg.ChunkDuration, s.rate, 0.2)
		s.handler.OnServerEvent(ServerEvent{AudioBase64: base64.StdEncoding.EncodeToString(pcm)})
	}
	s.handler.OnServerEvent(ServerEvent{TurnComplete: true})
	return time.Now().Add(time.Duration(chunks) * s.cfg.ChunkDuration)
}

func (s *mockSession) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func tone(freq float64, d time.Duration, rate int, amp float64) []byte {
	n := int(d.Seconds() * float64(rate))
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(amp * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return audio.EncodePCM16(samples)
}
