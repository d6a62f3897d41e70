package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/antoniostano/deutschtalk/internal/call"
	"github.com/antoniostano/deutschtalk/internal/calllog"
	"github.com/antoniostano/deutschtalk/internal/config"
	"github.com/antoniostano/deutschtalk/internal/logging"
	"github.com/antoniostano/deutschtalk/internal/matching"
	"github.com/antoniostano/deutschtalk/internal/observability"
	"github.com/antoniostano/deutschtalk/internal/session"
	"github.com/antoniostano/deutschtalk/internal/voice"
)

const (
	defaultMicTimeout = 15 * time.Second
	shutdownCallWait  = 5 * time.Second
)

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	matcher  *matching.Matcher
	provider voice.Provider
	calls    calllog.Store
	metrics  *observability.Metrics
	logger   zerolog.Logger
	upgrader websocket.Upgrader
	static   http.Handler

	// micTimeout bounds how long a call waits for the browser's microphone.
	micTimeout time.Duration

	mu     sync.Mutex
	active map[string]*call.Controller
}

func New(cfg config.Config, sessions *session.Manager, matcher *matching.Matcher, provider voice.Provider, calls calllog.Store, metrics *observability.Metrics, logger zerolog.Logger) *Server {
	return &Server{
		cfg:        cfg,
		sessions:   sessions,
		matcher:    matcher,
		provider:   provider,
		calls:      calls,
		metrics:    metrics,
		logger:     logging.Component(logger, "httpapi"),
		static:     newStaticHandler(),
		micTimeout: defaultMicTimeout,
		active:     make(map[string]*call.Controller),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16384,
			WriteBufferSize: 16384,
			CheckOrigin: func(r *http.Request) bool {
				// Only the page served by this process may open a call socket.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ui/", http.StatusTemporaryRedirect)
	})
	r.Get("/ui", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ui/", http.StatusTemporaryRedirect)
	})
	r.Handle("/ui/*", http.StripPrefix("/ui/", s.static))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/login", s.handleLogin)
	r.Post("/v1/logout", s.handleLogout)
	r.Get("/v1/session/{id}", s.handleGetSession)
	r.Post("/v1/match/{id}", s.handleStartMatch)
	r.Post("/v1/match/{id}/cancel", s.handleCancelMatch)
	r.Get("/v1/match/{id}", s.handleMatchStatus)
	r.Get("/v1/call/ws", s.handleCallWS)
	r.Get("/v1/calls", s.handleListCalls)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"voice_provider": s.providerName(),
		"active_calls":   s.activeCallCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.provider == nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "voice provider not configured")
		return
	}
	if s.calls != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.calls.Ping(ctx); err != nil {
			respondError(w, http.StatusServiceUnavailable, "not_ready", "call log store: "+err.Error())
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ready",
		"voice_provider": s.providerName(),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req session.LoginRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	sess, err := s.sessions.Login(req.Nickname)
	if err != nil {
		if errors.Is(err, session.ErrInvalidNickname) {
			respondError(w, http.StatusBadRequest, "invalid_nickname", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "login_failed", err.Error())
		return
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("login").Inc()
	s.logger.Info().Str("session_id", sess.ID).Str("nickname", sess.Nickname).Msg("user logged in")

	respondJSON(w, http.StatusCreated, session.LoginResponse{
		SessionID:       sess.ID,
		Nickname:        sess.Nickname,
		View:            sess.View,
		JoinedAt:        sess.JoinedAt,
		InactivityTTLMS: s.sessions.InactivityTimeout().Milliseconds(),
	})
}

type logoutRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	id := strings.TrimSpace(req.SessionID)
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	s.matcher.Cancel(id)
	s.endCall(id)
	sess, err := s.sessions.Logout(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("logout").Inc()
	respondJSON(w, http.StatusOK, sess)
}

type sessionResponse struct {
	*session.Session
	Call *call.Snapshot `json:"call,omitempty"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	resp := sessionResponse{Session: sess}
	if ctrl := s.activeCall(sess.ID); ctrl != nil {
		snap := ctrl.Snapshot()
		resp.Call = &snap
	}
	respondJSON(w, http.StatusOK, resp)
}

type matchResponse struct {
	SessionID string        `json:"session_id"`
	View      session.View  `json:"view"`
	Searching bool          `json:"searching"`
	DelayMS   int64         `json:"delay_ms,omitempty"`
	Partner   *call.Partner `json:"partner,omitempty"`
}

func (s *Server) handleStartMatch(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	sess, err := s.sessions.Transition(sess.ID, session.ViewLobby, session.ViewMatching)
	if err != nil {
		respondError(w, http.StatusConflict, "invalid_view", err.Error())
		return
	}

	id := sess.ID
	s.matcher.Start(id, func(p call.Partner) {
		if _, err := s.sessions.Transition(id, session.ViewMatching, session.ViewInCall); err != nil {
			s.logger.Debug().Err(err).Str("session_id", id).Msg("match arrived after view changed")
			return
		}
		s.metrics.SessionEvents.WithLabelValues("matched").Inc()
	})
	s.metrics.SessionEvents.WithLabelValues("matching_started").Inc()

	respondJSON(w, http.StatusAccepted, matchResponse{
		SessionID: id,
		View:      sess.View,
		Searching: true,
		DelayMS:   s.matcher.Delay().Milliseconds(),
	})
}

func (s *Server) handleCancelMatch(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	s.matcher.Cancel(sess.ID)
	sess, err := s.sessions.Transition(sess.ID, session.ViewMatching, session.ViewLobby)
	if err != nil {
		respondError(w, http.StatusConflict, "invalid_view", err.Error())
		return
	}
	s.metrics.SessionEvents.WithLabelValues("matching_cancelled").Inc()
	respondJSON(w, http.StatusOK, matchResponse{SessionID: sess.ID, View: sess.View})
}

func (s *Server) handleMatchStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	resp := matchResponse{
		SessionID: sess.ID,
		View:      sess.View,
		Searching: s.matcher.Pending(sess.ID),
	}
	if sess.View == session.ViewInCall {
		p := call.DefaultPartner
		resp.Partner = &p
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	nickname := strings.TrimSpace(r.URL.Query().Get("nickname"))
	if nickname == "" {
		respondError(w, http.StatusBadRequest, "missing_nickname", "query parameter nickname is required")
		return
	}
	limit := calllog.DefaultRecentLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, 100)
	}
	records, err := s.calls.Recent(r.Context(), nickname, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "call_log_unavailable", err.Error())
		return
	}
	if records == nil {
		records = []calllog.Record{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"calls": records})
}

// HandleSessionExpired releases everything an idle session still holds.
func (s *Server) HandleSessionExpired(sess *session.Session) {
	s.matcher.Cancel(sess.ID)
	s.endCall(sess.ID)
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("expired").Inc()
	s.logger.Info().Str("session_id", sess.ID).Msg("session expired")
}

// Shutdown hangs up every running call.
func (s *Server) Shutdown() {
	s.mu.Lock()
	ctrls := make([]*call.Controller, 0, len(s.active))
	for _, c := range s.active {
		ctrls = append(ctrls, c)
	}
	s.mu.Unlock()
	for _, c := range ctrls {
		c.End()
	}
	// Summaries are saved before Done closes; wait so the store outlives them.
	deadline := time.After(shutdownCallWait)
	for _, c := range ctrls {
		select {
		case <-c.Done():
		case <-deadline:
			s.logger.Warn().Int("calls", len(ctrls)).Msg("calls still ending at shutdown")
			s.matcher.Stop()
			return
		}
	}
	s.matcher.Stop()
}

func (s *Server) lookupSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return nil, false
	}
	if err := s.sessions.Touch(id); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return nil, false
	}
	sess, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return nil, false
	}
	return sess, true
}

func (s *Server) activeCall(sessionID string) *call.Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[sessionID]
}

func (s *Server) activeCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Server) endCall(sessionID string) {
	if ctrl := s.activeCall(sessionID); ctrl != nil {
		ctrl.End()
	}
}

func (s *Server) providerName() string {
	if s.provider == nil {
		return "none"
	}
	return s.provider.Name()
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
