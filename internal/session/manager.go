package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

const (
	MinNicknameLen = 2
	MaxNicknameLen = 24
)

var (
	ErrNotFound          = errors.New("session not found")
	ErrInvalidNickname   = errors.New("nickname must be 2 to 24 characters")
	ErrInvalidTransition = errors.New("invalid view transition")
)

// Session is one logged-in browser tab. It is never persisted.
type Session struct {
	ID             string    `json:"session_id"`
	Nickname       string    `json:"nickname"`
	View           View      `json:"view"`
	Status         Status    `json:"status"`
	CallID         string    `json:"call_id,omitempty"`
	JoinedAt       time.Time `json:"joined_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	inactivityTimeout time.Duration
	onExpire          func(*Session)
	now               func() time.Time
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 30 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		inactivityTimeout: inactivityTimeout,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) InactivityTimeout() time.Duration { return m.inactivityTimeout }

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// NormalizeNickname trims the nickname and checks its length in runes.
func NormalizeNickname(nickname string) (string, error) {
	nickname = strings.TrimSpace(nickname)
	n := utf8.RuneCountInString(nickname)
	if n < MinNicknameLen || n > MaxNicknameLen {
		return "", fmt.Errorf("%w: got %d", ErrInvalidNickname, n)
	}
	return nickname, nil
}

// Login creates a session in the lobby.
func (m *Manager) Login(nickname string) (*Session, error) {
	nickname, err := NormalizeNickname(nickname)
	if err != nil {
		return nil, err
	}
	now := m.now()
	s := &Session{
		ID:             uuid.NewString(),
		Nickname:       nickname,
		View:           ViewLobby,
		Status:         StatusActive,
		JoinedAt:       now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return clone(s), nil
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.LastActivityAt = m.now()
	return nil
}

// SetView moves the session to view unconditionally.
func (m *Manager) SetView(sessionID string, view View) (*Session, error) {
	if !view.Valid() {
		return nil, fmt.Errorf("%w: unknown view %q", ErrInvalidTransition, view)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	s.View = view
	if view != ViewInCall {
		s.CallID = ""
	}
	s.LastActivityAt = m.now()
	return clone(s), nil
}

// Transition moves the session from one view to another, failing if it is not
// currently on from.
func (m *Manager) Transition(sessionID string, from, to View) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if s.View != from {
		return nil, fmt.Errorf("%w: %s -> %s while on %s", ErrInvalidTransition, from, to, s.View)
	}
	s.View = to
	if to != ViewInCall {
		s.CallID = ""
	}
	s.LastActivityAt = m.now()
	return clone(s), nil
}

// AttachCall records the call running for an IN_CALL session.
func (m *Manager) AttachCall(sessionID, callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if s.View != ViewInCall {
		return fmt.Errorf("%w: call attached while on %s", ErrInvalidTransition, s.View)
	}
	s.CallID = callID
	s.LastActivityAt = m.now()
	return nil
}

// Logout ends the session and forgets it.
func (m *Manager) Logout(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.sessions, sessionID)
	s.Status = StatusEnded
	s.View = ViewLogin
	s.CallID = ""
	s.LastActivityAt = m.now()
	return clone(s), nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// expireInactive drops idle sessions. Sessions in a call are kept alive by
// their WebSocket traffic through Touch.
func (m *Manager) expireInactive() {
	now := m.now()
	var expired []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		if now.Sub(s.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		delete(m.sessions, id)
		s.Status = StatusEnded
		s.LastActivityAt = now
		expired = append(expired, clone(s))
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
