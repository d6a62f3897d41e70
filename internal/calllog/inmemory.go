package calllog

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxPerNickname bounds the in-process history per nickname.
const maxPerNickname = 200

// InMemoryStore keeps summaries in process for local/dev use.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string][]Record
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string][]Record)}
}

func (s *InMemoryStore) Save(_ context.Context, record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.EndedAt.IsZero() {
		record.EndedAt = time.Now().UTC()
	}
	arr := append(s.records[record.Nickname], record)
	if len(arr) > maxPerNickname {
		arr = arr[len(arr)-maxPerNickname:]
	}
	s.records[record.Nickname] = arr
	return nil
}

func (s *InMemoryStore) Recent(_ context.Context, nickname string, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.records[nickname]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]Record, 0, limit)
	for i := len(arr) - 1; i >= len(arr)-limit; i-- {
		out = append(out, arr[i])
	}
	return out, nil
}

func (s *InMemoryStore) Ping(context.Context) error { return nil }

func (s *InMemoryStore) Close() error { return nil }
