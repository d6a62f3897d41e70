package voice

import (
	"context"
	"errors"

	"github.com/antoniostano/deutschtalk/internal/audio"
)

// ServerEvent is one message from the remote voice endpoint.
type ServerEvent struct {
	// AudioBase64 carries base64 PCM16LE at the configured output rate.
	AudioBase64 string
	// Transcription is the partner's speech as text, when enabled.
	Transcription string
	// InputTranscription is the caller's speech as text, when the provider reports it.
	InputTranscription string
	// Interrupted reports that the partner's turn was cut off.
	Interrupted  bool
	TurnComplete bool
}

// EventHandler receives the remote session's lifecycle callbacks.
type EventHandler interface {
	OnOpen()
	OnServerEvent(evt ServerEvent)
	OnError(err error)
	OnClose()
}

// OpenConfig configures a remote voice session.
type OpenConfig struct {
	Model                string
	SampleRateOut        int
	VoiceProfile         string
	SystemPrompt         string
	TranscriptionEnabled bool
}

// Session is an open bidirectional streaming session.
type Session interface {
	// Send forwards one captured chunk. It must not block on the remote
	// endpoint's reply.
	Send(ctx context.Context, chunk audio.Blob) error
	// Close releases the session. It is safe to call Close multiple times.
	Close() error
}

// Provider opens remote voice sessions.
type Provider interface {
	Name() string
	// Open dials the remote endpoint. Callbacks on h start arriving once Open
	// returns; OnOpen fires when the endpoint is ready for audio.
	Open(ctx context.Context, cfg OpenConfig, h EventHandler) (Session, error)
}

var (
	ErrMissingAPIKey = errors.New("voice: missing api key")
	ErrNotConnected  = errors.New("voice: session not connected")
)
