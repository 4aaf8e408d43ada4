// Package memory provides persistence of per-thread conversation state.
//
// This file implements the PostgreSQL-backed saver. Saves append a row per
// turn (overwrite-by-append); Get reads the most recent row for the thread.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"

	"github.com/dialogpipe/dialogpipe/internal/models"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresSaver implements Saver using PostgreSQL.
type PostgresSaver struct {
	db *sql.DB
}

// NewPostgresSaver creates a Postgres-backed saver from a DSN.
func NewPostgresSaver(dsn string) (*PostgresSaver, error) {
	if dsn == "" {
		return nil, errors.New("database DSN not set")
	}
	slog.Debug("PostgresSaver: opening database connection")
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("PostgresSaver: failed to open connection", "error", err)
		return nil, err
	}
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("PostgresSaver: ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("PostgresSaver: failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgresSaver: migrations applied")
	return &PostgresSaver{db: db}, nil
}

func (s *PostgresSaver) Get(ctx context.Context, threadID string) (*models.State, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM conversation_states WHERE thread_id = $1 ORDER BY id DESC LIMIT 1`,
		threadID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresSaver.Get failed", "error", err, "threadID", threadID)
		return nil, fmt.Errorf("failed to query state for %s: %w", threadID, err)
	}
	var state models.State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode stored state for %s: %w", threadID, err)
	}
	return &state, nil
}

func (s *PostgresSaver) Save(ctx context.Context, threadID string, state *models.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode state for %s: %w", threadID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversation_states (thread_id, state) VALUES ($1, $2)`,
		threadID, data)
	if err != nil {
		slog.Error("PostgresSaver.Save failed", "error", err, "threadID", threadID)
		return fmt.Errorf("failed to insert state for %s: %w", threadID, err)
	}
	slog.Debug("PostgresSaver.Save succeeded", "threadID", threadID)
	return nil
}

func (s *PostgresSaver) InitState(ctx context.Context, threadID string) (*models.State, error) {
	state := models.NewState(threadID)
	if err := s.Save(ctx, threadID, state); err != nil {
		return nil, err
	}
	return state, nil
}

// History returns all persisted states for a thread, oldest first.
func (s *PostgresSaver) History(ctx context.Context, threadID string) ([]*models.State, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state FROM conversation_states WHERE thread_id = $1 ORDER BY id ASC`,
		threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query state history for %s: %w", threadID, err)
	}
	defer rows.Close()

	var states []*models.State
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan state row: %w", err)
		}
		var state models.State
		if err := json.Unmarshal(data, &state); err != nil {
			return nil, fmt.Errorf("failed to decode stored state: %w", err)
		}
		states = append(states, &state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate state rows: %w", err)
	}
	return states, nil
}

// Close closes the database handle.
func (s *PostgresSaver) Close() error {
	return s.db.Close()
}

// Ping verifies database connectivity. Used by the readiness probe.
func (s *PostgresSaver) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
