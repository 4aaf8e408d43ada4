// Package memory provides persistence of per-thread conversation state.
//
// This file implements the SQLite-backed saver, used for single-node
// deployments without Redis or Postgres.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dialogpipe/dialogpipe/internal/models"
)

// DefaultDirPermissions defines the default permissions for database directories
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteSaver implements Saver using SQLite.
type SQLiteSaver struct {
	db *sql.DB
}

// NewSQLiteSaver creates an SQLite-backed saver. The DSN is a file path;
// its directory is created when missing.
func NewSQLiteSaver(dsn string) (*SQLiteSaver, error) {
	if dsn == "" {
		return nil, errors.New("database DSN not set")
	}
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("SQLiteSaver: failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("SQLiteSaver: failed to open connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLiteSaver: ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("SQLiteSaver: failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLiteSaver: migrations applied", "path", dsn)
	return &SQLiteSaver{db: db}, nil
}

func (s *SQLiteSaver) Get(ctx context.Context, threadID string) (*models.State, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM conversation_states WHERE thread_id = ? ORDER BY id DESC LIMIT 1`,
		threadID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteSaver.Get failed", "error", err, "threadID", threadID)
		return nil, fmt.Errorf("failed to query state for %s: %w", threadID, err)
	}
	var state models.State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode stored state for %s: %w", threadID, err)
	}
	return &state, nil
}

func (s *SQLiteSaver) Save(ctx context.Context, threadID string, state *models.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode state for %s: %w", threadID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversation_states (thread_id, state) VALUES (?, ?)`,
		threadID, data)
	if err != nil {
		slog.Error("SQLiteSaver.Save failed", "error", err, "threadID", threadID)
		return fmt.Errorf("failed to insert state for %s: %w", threadID, err)
	}
	return nil
}

func (s *SQLiteSaver) InitState(ctx context.Context, threadID string) (*models.State, error) {
	state := models.NewState(threadID)
	if err := s.Save(ctx, threadID, state); err != nil {
		return nil, err
	}
	return state, nil
}

// Close closes the database handle.
func (s *SQLiteSaver) Close() error {
	return s.db.Close()
}

// Ping verifies database connectivity. Used by the readiness probe.
func (s *SQLiteSaver) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
