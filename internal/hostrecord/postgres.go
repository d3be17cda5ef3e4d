package hostrecord

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const createHostedSessions = `
CREATE TABLE IF NOT EXISTS hosted_sessions (
	owner       TEXT        NOT NULL,
	token       TEXT        NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (owner, token)
)`

// PostgresStore keeps the record in a Postgres table shared by several
// agents. Rows are keyed by owner so each agent only sees its own sessions.
type PostgresStore struct {
	pool  *pgxpool.Pool
	owner string
}

// OpenPostgres connects to databaseURL and creates the table if needed.
func OpenPostgres(ctx context.Context, databaseURL, owner string) (*PostgresStore, error) {
	if owner == "" {
		return nil, fmt.Errorf("postgres host record needs an owner")
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, createHostedSessions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating hosted_sessions: %w", err)
	}
	return &PostgresStore{pool: pool, owner: owner}, nil
}

func (s *PostgresStore) Hosts(ctx context.Context, token string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM hosted_sessions WHERE owner = $1 AND token = $2)`,
		s.owner, token).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("reading host record: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) Record(ctx context.Context, token string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO hosted_sessions (owner, token) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		s.owner, token)
	if err != nil {
		return fmt.Errorf("writing host record: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT token, recorded_at FROM hosted_sessions WHERE owner = $1 ORDER BY recorded_at, token`,
		s.owner)
	if err != nil {
		return nil, fmt.Errorf("listing host record: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var record Record
		if err := rows.Scan(&record.Token, &record.RecordedAt); err != nil {
			return nil, fmt.Errorf("scanning host record: %w", err)
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
