package calllog

import (
	"context"
	"time"
)

// Record summarises one finished call.
type Record struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"session_id"`
	Nickname        string    `json:"nickname"`
	Partner         string    `json:"partner"`
	Reason          string    `json:"reason"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
	SecondsUsed     int       `json:"seconds_used"`
	TranscriptLines int       `json:"transcript_lines"`
}

// Store persists call summaries for operators.
type Store interface {
	Save(ctx context.Context, record Record) error
	// Recent returns up to limit records for nickname, newest first.
	Recent(ctx context.Context, nickname string, limit int) ([]Record, error)
	Ping(ctx context.Context) error
	Close() error
}

const DefaultRecentLimit = 20
