package httpapi

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/antoniostano/deutschtalk/internal/audio"
	"github.com/antoniostano/deutschtalk/internal/call"
	"github.com/antoniostano/deutschtalk/internal/calllog"
	"github.com/antoniostano/deutschtalk/internal/observability"
	"github.com/antoniostano/deutschtalk/internal/protocol"
	"github.com/antoniostano/deutschtalk/internal/session"
)

const (
	outboundQueueSize = 256
	wsWriteTimeout    = 10 * time.Second
	wsReadTimeout     = 120 * time.Second
)

// closeSocket tells the writer to send a close frame and stop.
type closeSocket struct{}

func (s *Server) handleCallWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	if s.provider == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "voice provider not configured")
		return
	}

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if sess.View != session.ViewInCall {
		respondError(w, http.StatusConflict, "invalid_view", "session is not matched with a partner")
		return
	}
	if s.activeCall(sessionID) != nil {
		respondError(w, http.StatusConflict, "call_active", "a call is already running for this session")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	b := &callBridge{
		sessionID: sessionID,
		conn:      conn,
		ctx:       ctx,
		cancel:    cancel,
		outbound:  make(chan any, outboundQueueSize),
		metrics:   s.metrics,
		logger:    s.logger.With().Str("session_id", sessionID).Logger(),
	}
	b.input = newWSInput()
	b.output = newWSOutput(sessionID, b.mustSend)

	ctrl := call.NewController(call.Options{
		Nickname: sess.Nickname,
		Partner:  call.DefaultPartner,
		Budget:   s.cfg.CallDuration,
		Model:    s.cfg.GeminiLiveModel,
		Voice:    s.cfg.GeminiVoice,
		Provider: s.provider,
		Devices:  &wsDevices{input: b.input, output: b.output, micTimeout: s.micTimeout},
		Logger:   s.logger,
		Metrics:  s.metrics,
		OnState:  b.onState,
		OnLevel:  b.onLevel,
		OnEnded: func(sum call.Summary) {
			s.onCallEnded(sess, sum)
			b.onEnded(sum)
		},
	})
	if !s.registerCall(sessionID, ctrl) {
		b.writeNow(protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sessionID,
			Code:      "call_active",
			Source:    "gateway",
			Detail:    "a call is already running for this session",
		})
		return
	}
	if err := s.sessions.AttachCall(sessionID, ctrl.ID()); err != nil {
		b.logger.Debug().Err(err).Msg("attach call to session")
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		b.writeLoop()
	}()

	go func() {
		if err := ctrl.Start(ctx); err != nil {
			b.logger.Warn().Err(err).Msg("call start failed")
		}
	}()

	b.readLoop(ctrl, s.sessions)

	// A socket that goes away is a hangup.
	ctrl.End()
	<-ctrl.Done()
	cancel()
	<-writerDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

func (s *Server) registerCall(sessionID string, ctrl *call.Controller) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[sessionID]; ok {
		return false
	}
	s.active[sessionID] = ctrl
	return true
}

func (s *Server) onCallEnded(sess *session.Session, sum call.Summary) {
	s.mu.Lock()
	if s.active[sess.ID] != nil && s.active[sess.ID].ID() == sum.CallID {
		delete(s.active, sess.ID)
	}
	s.mu.Unlock()

	if _, err := s.sessions.SetView(sess.ID, session.ViewLobby); err != nil && !errors.Is(err, session.ErrNotFound) {
		s.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("return session to lobby")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.calls.Save(ctx, calllog.Record{
		ID:              sum.CallID,
		SessionID:       sess.ID,
		Nickname:        sum.Nickname,
		Partner:         sum.Partner.Name,
		Reason:          string(sum.Reason),
		StartedAt:       sum.StartedAt,
		EndedAt:         sum.EndedAt,
		SecondsUsed:     sum.SecondsUsed,
		TranscriptLines: sum.TranscriptLines,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("call_id", sum.CallID).Msg("save call summary")
	}
}

// callBridge connects one call controller to one browser socket. All socket
// writes happen on the writer goroutine.
type callBridge struct {
	sessionID string
	conn      *websocket.Conn
	ctx       context.Context
	cancel    context.CancelFunc
	outbound  chan any
	metrics   *observability.Metrics
	logger    zerolog.Logger

	input  *wsInput
	output *wsOutput

	mu             sync.Mutex
	lastTranscript []audio.TranscriptEntry
}

// trySend queues a message that may be dropped when the socket falls behind.
func (b *callBridge) trySend(msg any) {
	select {
	case b.outbound <- msg:
	default:
		if t, ok := messageTypeOf(msg); ok {
			b.metrics.DroppedMessages.WithLabelValues(string(t)).Inc()
		}
	}
}

// mustSend queues a message that must not be lost while the socket is up.
func (b *callBridge) mustSend(msg any) {
	select {
	case b.outbound <- msg:
	case <-b.ctx.Done():
	}
}

func (b *callBridge) writeNow(msg any) {
	_ = b.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	_ = b.conn.WriteJSON(msg)
}

func (b *callBridge) writeLoop() {
	for {
		select {
		case <-b.ctx.Done():
			return
		case msg := <-b.outbound:
			_ = b.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if _, ok := msg.(closeSocket); ok {
				_ = b.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended"))
				// Unblocks the read loop.
				_ = b.conn.Close()
				return
			}
			if err := b.conn.WriteJSON(msg); err != nil {
				b.logger.Debug().Err(err).Msg("websocket write failed")
				b.cancel()
				_ = b.conn.Close()
				return
			}
			if t, ok := messageTypeOf(msg); ok {
				b.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
			}
		}
	}
}

func (b *callBridge) readLoop(ctrl *call.Controller, sessions *session.Manager) {
	b.conn.SetReadLimit(1 << 20)
	_ = b.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	b.conn.SetPongHandler(func(string) error {
		_ = b.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		msgType, data, err := b.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = b.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			b.sendError("invalid_client_message", err.Error())
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			b.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}

		switch msg := parsed.(type) {
		case protocol.ClientAudioFrame:
			if msg.SessionID != b.sessionID {
				b.sendError("session_mismatch", "frame for another session")
				continue
			}
			if msg.SampleRate != audio.InputSampleRate {
				b.sendError("unsupported_sample_rate", "capture must be 16000 Hz")
				continue
			}
			samples, err := decodeFrame(msg.SamplesF32Base64)
			if err != nil {
				b.sendError("invalid_audio_frame", err.Error())
				continue
			}
			_ = sessions.Touch(b.sessionID)
			b.input.deliver(samples)
		case protocol.ClientControl:
			if msg.SessionID != b.sessionID {
				b.sendError("session_mismatch", "control for another session")
				continue
			}
			_ = sessions.Touch(b.sessionID)
			switch msg.Action {
			case protocol.ActionMicReady:
				b.input.signal(nil)
			case protocol.ActionMicDenied:
				b.input.signal(audio.ErrPermissionDenied)
			case protocol.ActionMute:
				ctrl.SetMuted(true)
			case protocol.ActionUnmute:
				ctrl.SetMuted(false)
			case protocol.ActionToggleMute:
				ctrl.ToggleMute()
			case protocol.ActionEnd:
				ctrl.End()
			}
		}
	}
}

func (b *callBridge) sendError(code, detail string) {
	b.trySend(protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: b.sessionID,
		Code:      code,
		Source:    "gateway",
		Retryable: false,
		Detail:    detail,
	})
}

func (b *callBridge) onState(snap call.Snapshot) {
	b.trySend(protocol.CallState{
		Type:             protocol.TypeCallState,
		SessionID:        b.sessionID,
		CallID:           snap.CallID,
		Status:           string(snap.Status),
		Connecting:       snap.Connecting,
		Muted:            snap.Muted,
		SecondsRemaining: snap.SecondsRemaining,
		Partner: protocol.PartnerInfo{
			Name:   snap.Partner.Name,
			Origin: snap.Partner.Origin,
			Flag:   snap.Partner.Flag,
		},
	})

	b.mu.Lock()
	changed := !sameTranscript(b.lastTranscript, snap.Transcript)
	if changed {
		b.lastTranscript = snap.Transcript
	}
	b.mu.Unlock()
	if !changed {
		return
	}
	lines := make([]protocol.TranscriptLine, 0, len(snap.Transcript))
	for _, e := range snap.Transcript {
		lines = append(lines, protocol.TranscriptLine{Speaker: e.Speaker, Text: e.Text})
	}
	b.mustSend(protocol.Transcript{
		Type:      protocol.TypeTranscript,
		SessionID: b.sessionID,
		Lines:     lines,
	})
}

func (b *callBridge) onLevel(level float64) {
	b.trySend(protocol.AudioLevel{
		Type:      protocol.TypeAudioLevel,
		SessionID: b.sessionID,
		Level:     level,
	})
}

func (b *callBridge) onEnded(sum call.Summary) {
	ended := protocol.CallEnded{
		Type:        protocol.TypeCallEnded,
		SessionID:   b.sessionID,
		CallID:      sum.CallID,
		Reason:      string(sum.Reason),
		SecondsUsed: sum.SecondsUsed,
	}
	if sum.Err != nil {
		ended.Detail = sum.Err.Error()
	}
	b.mustSend(ended)
	b.mustSend(closeSocket{})
}

func decodeFrame(data string) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return audio.DecodeFloat32LE(raw)
}

func sameTranscript(a, b []audio.TranscriptEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientAudioFrame:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	case protocol.CallState:
		return m.Type, true
	case protocol.PartnerAudio:
		return m.Type, true
	case protocol.PlaybackStop:
		return m.Type, true
	case protocol.AudioLevel:
		return m.Type, true
	case protocol.Transcript:
		return m.Type, true
	case protocol.CallEnded:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
