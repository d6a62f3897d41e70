package calllog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists call summaries in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS call_summaries (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			nickname TEXT NOT NULL,
			partner TEXT NOT NULL,
			reason TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NOT NULL,
			seconds_used INTEGER NOT NULL DEFAULT 0,
			transcript_lines INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_call_summaries_nickname_ended ON call_summaries (nickname, ended_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, record Record) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.EndedAt.IsZero() {
		record.EndedAt = time.Now().UTC()
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = record.EndedAt
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO call_summaries (id, session_id, nickname, partner, reason, started_at, ended_at, seconds_used, transcript_lines)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		record.ID,
		record.SessionID,
		record.Nickname,
		record.Partner,
		record.Reason,
		record.StartedAt,
		record.EndedAt,
		record.SecondsUsed,
		record.TranscriptLines,
	)
	if err != nil {
		return fmt.Errorf("save call summary: %w", err)
	}
	return nil
}

func (s *PostgresStore) Recent(ctx context.Context, nickname string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, nickname, partner, reason, started_at, ended_at, seconds_used, transcript_lines
		 FROM call_summaries WHERE nickname=$1 ORDER BY ended_at DESC LIMIT $2`,
		nickname,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent calls: %w", err)
	}
	defer rows.Close()

	items := make([]Record, 0, limit)
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Nickname, &r.Partner, &r.Reason, &r.StartedAt, &r.EndedAt, &r.SecondsUsed, &r.TranscriptLines); err != nil {
			return nil, fmt.Errorf("scan call row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate call rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
