package audio

import "sync"

// TranscriptLimit is the number of entries a TranscriptLog keeps.
const TranscriptLimit = 5

const (
	SpeakerPartner = "partner"
	SpeakerUser    = "user"
)

// TranscriptEntry is one line of live transcription.
type TranscriptEntry struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// TranscriptLog keeps the most recent entries, evicting the oldest first.
type TranscriptLog struct {
	mu      sync.Mutex
	limit   int
	entries []TranscriptEntry
	total   int
}

func NewTranscriptLog(limit int) *TranscriptLog {
	if limit <= 0 {
		limit = TranscriptLimit
	}
	return &TranscriptLog{limit: limit, entries: make([]TranscriptEntry, 0, limit)}
}

func (l *TranscriptLog) Append(speaker, text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, TranscriptEntry{Speaker: speaker, Text: text})
	if over := len(l.entries) - l.limit; over > 0 {
		l.entries = append(l.entries[:0], l.entries[over:]...)
	}
	l.total++
}

// Entries returns a copy in arrival order.
func (l *TranscriptLog) Entries() []TranscriptEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]TranscriptEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Total counts every entry ever appended, including evicted ones.
func (l *TranscriptLog) Total() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}
