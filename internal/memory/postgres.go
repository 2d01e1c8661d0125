package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists call outcomes in PostgreSQL.
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
		`CREATE TABLE IF NOT EXISTS call_outcomes (
			id TEXT PRIMARY KEY,
			call_id TEXT NOT NULL,
			contact_id TEXT NOT NULL,
			status TEXT NOT NULL,
			appointment_id BIGINT,
			failure TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_call_outcomes_contact_ended ON call_outcomes (contact_id, ended_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveOutcome(ctx context.Context, outcome Outcome) error {
	if outcome.ID == "" {
		outcome.ID = uuid.NewString()
	}
	if outcome.EndedAt.IsZero() {
		outcome.EndedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO call_outcomes (id, call_id, contact_id, status, appointment_id, failure, started_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		outcome.ID,
		outcome.CallID,
		outcome.ContactID,
		outcome.Status,
		outcome.AppointmentID,
		outcome.Failure,
		outcome.StartedAt,
		outcome.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("save outcome: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentOutcomes(ctx context.Context, contactID string, limit int) ([]Outcome, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, call_id, contact_id, status, appointment_id, failure, started_at, ended_at
		 FROM call_outcomes WHERE contact_id=$1 ORDER BY ended_at DESC LIMIT $2`,
		contactID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent outcomes: %w", err)
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Outcome, error) {
		var o Outcome
		err := row.Scan(&o.ID, &o.CallID, &o.ContactID, &o.Status, &o.AppointmentID, &o.Failure, &o.StartedAt, &o.EndedAt)
		return o, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan outcome rows: %w", err)
	}

	// Reverse into chronological order for prompt coherence.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
