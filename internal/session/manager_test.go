package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestManagerLoginGetLogout(t *testing.T) {
	m := NewManager(time.Minute)
	s, err := m.Login("  Anna  ")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if s.ID == "" {
		t.Fatalf("session ID should not be empty")
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Nickname != "Anna" || got.View != ViewLobby || got.Status != StatusActive {
		t.Fatalf("unexpected session state: %+v", got)
	}
	if m.ActiveCount() != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", m.ActiveCount())
	}

	ended, err := m.Logout(s.ID)
	if err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if ended.Status != StatusEnded || ended.View != ViewLogin {
		t.Fatalf("logged out session = %+v", ended)
	}
	if _, err := m.Get(s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() after logout error = %v, want ErrNotFound", err)
	}
}

func TestLoginValidatesNickname(t *testing.T) {
	m := NewManager(time.Minute)
	for _, nick := range []string{"", " a ", "abcdefghijklmnopqrstuvwxy"} {
		if _, err := m.Login(nick); !errors.Is(err, ErrInvalidNickname) {
			t.Fatalf("Login(%q) error = %v, want ErrInvalidNickname", nick, err)
		}
	}
	// Length counts runes, not bytes.
	if _, err := m.Login("Jürgen Müller-Lüdenscheid"); !errors.Is(err, ErrInvalidNickname) {
		t.Fatalf("25-rune nickname accepted")
	}
	if _, err := m.Login("Ölçü"); err != nil {
		t.Fatalf("Login(Ölçü) error = %v", err)
	}
}

func TestTransitionChecksCurrentView(t *testing.T) {
	m := NewManager(time.Minute)
	s, _ := m.Login("anna")

	if _, err := m.Transition(s.ID, ViewMatching, ViewInCall); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Transition() from wrong view error = %v, want ErrInvalidTransition", err)
	}
	if _, err := m.Transition(s.ID, ViewLobby, ViewMatching); err != nil {
		t.Fatalf("Transition(LOBBY->MATCHING) error = %v", err)
	}
	got, err := m.Transition(s.ID, ViewMatching, ViewInCall)
	if err != nil {
		t.Fatalf("Transition(MATCHING->IN_CALL) error = %v", err)
	}
	if got.View != ViewInCall {
		t.Fatalf("View = %q, want %q", got.View, ViewInCall)
	}

	if err := m.AttachCall(s.ID, "call-1"); err != nil {
		t.Fatalf("AttachCall() error = %v", err)
	}
	got, _ = m.SetView(s.ID, ViewLobby)
	if got.CallID != "" {
		t.Fatalf("CallID = %q after leaving the call, want empty", got.CallID)
	}
	if err := m.AttachCall(s.ID, "call-2"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("AttachCall() in lobby error = %v, want ErrInvalidTransition", err)
	}
}

func TestManagerJanitorExpiresInactive(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	s, _ := m.Login("anna")

	var mu sync.Mutex
	var expired []string
	m.SetExpireHook(func(s *Session) {
		mu.Lock()
		expired = append(expired, s.ID)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	time.Sleep(90 * time.Millisecond)
	if _, err := m.Get(s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(expired) != 1 || expired[0] != s.ID {
		t.Fatalf("expired = %v, want [%s]", expired, s.ID)
	}
}

func TestTouchKeepsSessionAlive(t *testing.T) {
	m := NewManager(time.Minute)
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	s, _ := m.Login("anna")

	now = now.Add(50 * time.Second)
	if err := m.Touch(s.ID); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	now = now.Add(50 * time.Second)
	m.expireInactive()
	if _, err := m.Get(s.ID); err != nil {
		t.Fatalf("touched session expired: %v", err)
	}

	now = now.Add(time.Minute)
	m.expireInactive()
	if _, err := m.Get(s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("idle session kept: %v", err)
	}
}
