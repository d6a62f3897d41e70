package voice

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"github.com/antoniostano/deutschtalk/internal/audio"
)

const (
	geminiDefaultModel = "gemini-2.5-flash-native-audio-preview-12-2025"
	geminiDefaultVoice = "Kore"
	geminiSendQueue    = 64
)

type GeminiConfig struct {
	APIKey string
	Model  string
	Voice  string
}

// GeminiProvider opens Gemini Live sessions through the genai SDK.
type GeminiProvider struct {
	cfg    GeminiConfig
	logger zerolog.Logger
}

func NewGeminiProvider(cfg GeminiConfig, logger zerolog.Logger) (*GeminiProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = geminiDefaultModel
	}
	if strings.TrimSpace(cfg.Voice) == "" {
		cfg.Voice = geminiDefaultVoice
	}
	return &GeminiProvider{cfg: cfg, logger: logger.With().Str("provider", "gemini").Logger()}, nil
}

func (p *GeminiProvider) Name() string { return "gemini" }

func (p *GeminiProvider) Open(ctx context.Context, cfg OpenConfig, h EventHandler) (Session, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  p.cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = p.cfg.Model
	}
	live, err := client.Live.Connect(ctx, model, liveConnectConfig(cfg, p.cfg.Voice))
	if err != nil {
		return nil, fmt.Errorf("connect gemini live: %w", err)
	}

	s := &geminiSession{
		live:    live,
		handler: h,
		logger:  p.logger,
		sendQ:   make(chan audio.Blob, geminiSendQueue),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	go s.writeLoop()
	return s, nil
}

func liveConnectConfig(cfg OpenConfig, defaultVoice string) *genai.LiveConnectConfig {
	voiceName := strings.TrimSpace(cfg.VoiceProfile)
	if voiceName == "" {
		voiceName = defaultVoice
	}
	out := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voiceName},
			},
		},
	}
	if strings.TrimSpace(cfg.SystemPrompt) != "" {
		out.SystemInstruction = genai.NewContentFromText(cfg.SystemPrompt, genai.RoleUser)
	}
	if cfg.TranscriptionEnabled {
		out.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return out
}

type geminiSession struct {
	live    *genai.Session
	handler EventHandler
	logger  zerolog.Logger

	sendQ     chan audio.Blob
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
}

// Send queues a chunk for the writer goroutine. A full queue drops the chunk;
// slow upstreams are not back-pressured.
func (s *geminiSession) Send(_ context.Context, chunk audio.Blob) error {
	if s.closed.Load() {
		return ErrNotConnected
	}
	select {
	case s.sendQ <- chunk:
	default:
		s.logger.Debug().Msg("send queue full, dropping audio chunk")
	}
	return nil
}

func (s *geminiSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		err = s.live.Close()
	})
	return err
}

func (s *geminiSession) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case chunk := <-s.sendQ:
			pcm, err := base64.StdEncoding.DecodeString(chunk.Data)
			if err != nil {
				s.logger.Warn().Err(err).Msg("dropping malformed outbound chunk")
				continue
			}
			input := genai.LiveRealtimeInput{
				Audio: &genai.Blob{Data: pcm, MIMEType: chunk.MIMEType},
			}
			if err := s.live.SendRealtimeInput(input); err != nil {
				if !s.closed.Load() {
					s.handler.OnError(fmt.Errorf("send realtime input: %w", err))
				}
				return
			}
		}
	}
}

func (s *geminiSession) readLoop() {
	for {
		msg, err := s.live.Receive()
		if err != nil {
			if s.closed.Load() {
				return
			}
			if isNormalClose(err) {
				s.handler.OnClose()
				return
			}
			s.handler.OnError(fmt.Errorf("receive: %w", err))
			return
		}
		if msg.SetupComplete != nil {
			s.handler.OnOpen()
		}
		if msg.GoAway != nil {
			s.logger.Warn().Msg("gemini live announced disconnect")
		}
		for _, evt := range serverEventsFromMessage(msg) {
			if s.closed.Load() {
				return
			}
			s.handler.OnServerEvent(evt)
		}
	}
}

// serverEventsFromMessage flattens one Live message into ordered events:
// transcriptions, then each audio part, then turn flags.
func serverEventsFromMessage(msg *genai.LiveServerMessage) []ServerEvent {
	if msg == nil || msg.ServerContent == nil {
		return nil
	}
	sc := msg.ServerContent
	var out []ServerEvent

	var text ServerEvent
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		text.Transcription = sc.OutputTranscription.Text
	}
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		text.InputTranscription = sc.InputTranscription.Text
	}
	if text.Transcription != "" || text.InputTranscription != "" {
		out = append(out, text)
	}

	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			out = append(out, ServerEvent{
				AudioBase64: base64.StdEncoding.EncodeToString(part.InlineData.Data),
			})
		}
	}

	if sc.Interrupted || sc.TurnComplete {
		out = append(out, ServerEvent{Interrupted: sc.Interrupted, TurnComplete: sc.TurnComplete})
	}
	return out
}

func isNormalClose(err error) bool {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway
	}
	return false
}
