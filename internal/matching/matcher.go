package matching

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/antoniostano/deutschtalk/internal/call"
)

// DefaultDelay is how long the simulated search takes.
const DefaultDelay = 3500 * time.Millisecond

// Matcher simulates partner discovery: every search ends with the static
// partner after a fixed delay.
type Matcher struct {
	delay   time.Duration
	partner call.Partner
	logger  zerolog.Logger

	mu      sync.Mutex
	pending map[string]*search
}

type search struct {
	timer *time.Timer
}

func NewMatcher(delay time.Duration, logger zerolog.Logger) *Matcher {
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Matcher{
		delay:   delay,
		partner: call.DefaultPartner,
		logger:  logger,
		pending: make(map[string]*search),
	}
}

func (m *Matcher) Delay() time.Duration { return m.delay }

// Start arms a search for sessionID, replacing any search already running for
// it. onMatched runs on its own goroutine unless the search is cancelled first.
func (m *Matcher) Start(sessionID string, onMatched func(call.Partner)) {
	s := &search{}

	m.mu.Lock()
	if prev, ok := m.pending[sessionID]; ok {
		prev.timer.Stop()
	}
	m.pending[sessionID] = s
	s.timer = time.AfterFunc(m.delay, func() {
		m.mu.Lock()
		if m.pending[sessionID] != s {
			m.mu.Unlock()
			return
		}
		delete(m.pending, sessionID)
		m.mu.Unlock()

		m.logger.Debug().Str("session_id", sessionID).Str("partner", m.partner.Name).Msg("partner matched")
		if onMatched != nil {
			onMatched(m.partner)
		}
	})
	m.mu.Unlock()
}

// Cancel disarms a running search. It reports whether one was pending.
func (m *Matcher) Cancel(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.pending[sessionID]
	if !ok {
		return false
	}
	s.timer.Stop()
	delete(m.pending, sessionID)
	return true
}

func (m *Matcher) Pending(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[sessionID]
	return ok
}

// Stop cancels every running search.
func (m *Matcher) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.pending {
		s.timer.Stop()
		delete(m.pending, id)
	}
}
