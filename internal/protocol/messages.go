package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientAudioFrame MessageType = "client_audio_frame"
	TypeClientControl    MessageType = "client_control"
	TypeCallState        MessageType = "call_state"
	TypePartnerAudio     MessageType = "partner_audio"
	TypePlaybackStop     MessageType = "playback_stop"
	TypeAudioLevel       MessageType = "audio_level"
	TypeTranscript       MessageType = "transcript"
	TypeCallEnded        MessageType = "call_ended"
	TypeErrorEvent       MessageType = "error_event"
)

// Control actions sent by the browser.
const (
	ActionMute       = "mute"
	ActionUnmute     = "unmute"
	ActionToggleMute = "toggle_mute"
	ActionEnd        = "end"
	ActionMicReady   = "mic_ready"
	ActionMicDenied  = "mic_denied"
)

var (
	ErrUnsupportedType   = errors.New("unsupported message type")
	ErrUnsupportedAction = errors.New("unsupported control action")
)

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientAudioFrame carries one capture block as little-endian float32
// samples.
type ClientAudioFrame struct {
	Type             MessageType `json:"type"`
	SessionID        string      `json:"session_id"`
	Seq              int         `json:"seq"`
	SamplesF32Base64 string      `json:"samples_f32_base64"`
	SampleRate       int         `json:"sample_rate"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
	Detail    string      `json:"detail,omitempty"`
}

type PartnerInfo struct {
	Name   string `json:"name"`
	Origin string `json:"origin"`
	Flag   string `json:"flag"`
}

type TranscriptLine struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

type CallState struct {
	Type             MessageType `json:"type"`
	SessionID        string      `json:"session_id"`
	CallID           string      `json:"call_id"`
	Status           string      `json:"status"`
	Connecting       bool        `json:"connecting"`
	Muted            bool        `json:"muted"`
	SecondsRemaining int         `json:"seconds_remaining"`
	Partner          PartnerInfo `json:"partner"`
}

// PartnerAudio asks the browser to play one PCM16 buffer at StartAtMS on the
// call's output clock.
type PartnerAudio struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Handle      uint64      `json:"handle"`
	StartAtMS   int64       `json:"start_at_ms"`
	DurationMS  int64       `json:"duration_ms"`
	SampleRate  int         `json:"sample_rate"`
	PCM16Base64 string      `json:"pcm16_base64"`
}

// PlaybackStop halts the listed handles. With All set the client stops every
// source it still holds, whatever the handle.
type PlaybackStop struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Handles   []uint64    `json:"handles"`
	All       bool        `json:"all,omitempty"`
}

type AudioLevel struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Level     float64     `json:"level"`
}

type Transcript struct {
	Type      MessageType      `json:"type"`
	SessionID string           `json:"session_id"`
	Lines     []TranscriptLine `json:"lines"`
}

type CallEnded struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	CallID      string      `json:"call_id"`
	Reason      string      `json:"reason"`
	SecondsUsed int         `json:"seconds_used"`
	Detail      string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func validAction(action string) bool {
	switch action {
	case ActionMute, ActionUnmute, ActionToggleMute, ActionEnd, ActionMicReady, ActionMicDenied:
		return true
	}
	return false
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientAudioFrame:
		var msg ClientAudioFrame
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.SamplesF32Base64 == "" || msg.SampleRate <= 0 {
			return nil, errors.New("invalid client_audio_frame")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.Action == "" {
			return nil, errors.New("invalid client_control")
		}
		if !validAction(msg.Action) {
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedAction, msg.Action)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
