// Package store provides the bot configuration storage backends.
//
// This file implements the PostgreSQL-backed store.
package store

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

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

const postgresIntentColumns = `intent_id, name, user_defined, api_trigger, api_details, speech_response, parameters, training_data`

func (s *PostgresStore) CreateIntent(intent models.IntentModel) error {
	apiDetails, parameters, trainingData, err := intentColumns(intent)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO intents (`+postgresIntentColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (intent_id) DO UPDATE SET name = $2, user_defined = $3, api_trigger = $4,
		api_details = $5, speech_response = $6, parameters = $7, training_data = $8`,
		intent.IntentID, intent.Name, intent.UserDefined, intent.APITrigger,
		apiDetails, intent.SpeechResponse, parameters, trainingData)
	if err != nil {
		slog.Error("PostgresStore CreateIntent failed", "error", err, "intentID", intent.IntentID)
		return fmt.Errorf("failed to insert intent %s: %w", intent.IntentID, err)
	}
	slog.Debug("PostgresStore CreateIntent succeeded", "intentID", intent.IntentID)
	return nil
}

func (s *PostgresStore) ListIntents() ([]models.IntentModel, error) {
	rows, err := s.db.Query(`SELECT ` + postgresIntentColumns + ` FROM intents ORDER BY intent_id`)
	if err != nil {
		slog.Error("PostgresStore ListIntents query failed", "error", err)
		return nil, fmt.Errorf("failed to query intents: %w", err)
	}
	defer rows.Close()

	var intents []models.IntentModel
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan intent row: %w", err)
		}
		intents = append(intents, intent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate intent rows: %w", err)
	}
	slog.Debug("PostgresStore ListIntents succeeded", "count", len(intents))
	return intents, nil
}

func (s *PostgresStore) GetIntent(intentID string) (*models.IntentModel, error) {
	row := s.db.QueryRow(`SELECT `+postgresIntentColumns+` FROM intents WHERE intent_id = $1`, intentID)
	intent, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get intent %s: %w", intentID, err)
	}
	return &intent, nil
}

func (s *PostgresStore) UpdateIntent(intent models.IntentModel) error {
	apiDetails, parameters, trainingData, err := intentColumns(intent)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`UPDATE intents SET name = $2, user_defined = $3, api_trigger = $4,
		api_details = $5, speech_response = $6, parameters = $7, training_data = $8 WHERE intent_id = $1`,
		intent.IntentID, intent.Name, intent.UserDefined, intent.APITrigger,
		apiDetails, intent.SpeechResponse, parameters, trainingData)
	if err != nil {
		return fmt.Errorf("failed to update intent %s: %w", intent.IntentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteIntent(intentID string) error {
	res, err := s.db.Exec(`DELETE FROM intents WHERE intent_id = $1`, intentID)
	if err != nil {
		return fmt.Errorf("failed to delete intent %s: %w", intentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreateEntityType(entity models.EntityType) error {
	values, err := json.Marshal(entity.Values)
	if err != nil {
		return fmt.Errorf("failed to encode entity values: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO entity_types (name, entity_values) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET entity_values = $2`, entity.Name, values)
	if err != nil {
		slog.Error("PostgresStore CreateEntityType failed", "error", err, "name", entity.Name)
		return fmt.Errorf("failed to insert entity %s: %w", entity.Name, err)
	}
	return nil
}

func (s *PostgresStore) ListEntityTypes() ([]models.EntityType, error) {
	rows, err := s.db.Query(`SELECT name, entity_values FROM entity_types ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query entity types: %w", err)
	}
	defer rows.Close()

	var entities []models.EntityType
	for rows.Next() {
		entity, err := scanEntityType(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity row: %w", err)
		}
		entities = append(entities, entity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate entity rows: %w", err)
	}
	return entities, nil
}

func (s *PostgresStore) GetEntityType(name string) (*models.EntityType, error) {
	row := s.db.QueryRow(`SELECT name, entity_values FROM entity_types WHERE name = $1`, name)
	entity, err := scanEntityType(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity %s: %w", name, err)
	}
	return &entity, nil
}

func (s *PostgresStore) UpdateEntityType(entity models.EntityType) error {
	values, err := json.Marshal(entity.Values)
	if err != nil {
		return fmt.Errorf("failed to encode entity values: %w", err)
	}
	res, err := s.db.Exec(`UPDATE entity_types SET entity_values = $2 WHERE name = $1`, entity.Name, values)
	if err != nil {
		return fmt.Errorf("failed to update entity %s: %w", entity.Name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteEntityType(name string) error {
	res, err := s.db.Exec(`DELETE FROM entity_types WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("failed to delete entity %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetBot(name string) (*models.Bot, error) {
	var bot models.Bot
	var config []byte
	err := s.db.QueryRow(`SELECT name, nlu_config, updated_at FROM bots WHERE name = $1`, name).
		Scan(&bot.Name, &config, &bot.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bot %s: %w", name, err)
	}
	if err := json.Unmarshal(config, &bot.NLUConfig); err != nil {
		return nil, fmt.Errorf("failed to decode nlu_config for bot %s: %w", name, err)
	}
	return &bot, nil
}

func (s *PostgresStore) SaveBot(bot models.Bot) error {
	config, err := json.Marshal(bot.NLUConfig)
	if err != nil {
		return fmt.Errorf("failed to encode nlu_config: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO bots (name, nlu_config, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE SET nlu_config = $2, updated_at = NOW()`, bot.Name, config)
	if err != nil {
		slog.Error("PostgresStore SaveBot failed", "error", err, "name", bot.Name)
		return fmt.Errorf("failed to save bot %s: %w", bot.Name, err)
	}
	return nil
}

func (s *PostgresStore) ListIntegrations() ([]models.Integration, error) {
	rows, err := s.db.Query(`SELECT id, name, enabled, settings FROM integrations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query integrations: %w", err)
	}
	defer rows.Close()

	var integrations []models.Integration
	for rows.Next() {
		var integration models.Integration
		var settings []byte
		if err := rows.Scan(&integration.ID, &integration.Name, &integration.Enabled, &settings); err != nil {
			return nil, fmt.Errorf("failed to scan integration row: %w", err)
		}
		if err := json.Unmarshal(settings, &integration.Settings); err != nil {
			return nil, fmt.Errorf("failed to decode settings for %s: %w", integration.ID, err)
		}
		integrations = append(integrations, integration)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate integration rows: %w", err)
	}
	return integrations, nil
}

func (s *PostgresStore) GetIntegration(id string) (*models.Integration, error) {
	var integration models.Integration
	var settings []byte
	err := s.db.QueryRow(`SELECT id, name, enabled, settings FROM integrations WHERE id = $1`, id).
		Scan(&integration.ID, &integration.Name, &integration.Enabled, &settings)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get integration %s: %w", id, err)
	}
	if err := json.Unmarshal(settings, &integration.Settings); err != nil {
		return nil, fmt.Errorf("failed to decode settings for %s: %w", id, err)
	}
	return &integration, nil
}

func (s *PostgresStore) UpdateIntegration(integration models.Integration) error {
	if integration.Settings == nil {
		integration.Settings = map[string]string{}
	}
	settings, err := json.Marshal(integration.Settings)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO integrations (id, name, enabled, settings) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = $2, enabled = $3, settings = $4`,
		integration.ID, integration.Name, integration.Enabled, settings)
	if err != nil {
		return fmt.Errorf("failed to save integration %s: %w", integration.ID, err)
	}
	return nil
}

func (s *PostgresStore) AddChatLog(log models.ChatLog) error {
	_, err := s.db.Exec(`INSERT INTO chat_logs (thread_id, user_text, bot_text, intent_id, date) VALUES ($1, $2, $3, $4, $5)`,
		log.ThreadID, log.UserText, log.BotText, log.IntentID, log.Date)
	if err != nil {
		slog.Error("PostgresStore AddChatLog failed", "error", err, "threadID", log.ThreadID)
		return fmt.Errorf("failed to insert chat log for %s: %w", log.ThreadID, err)
	}
	return nil
}

func (s *PostgresStore) ListChatLogs(limit, offset int) ([]models.ChatLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT id, thread_id, user_text, bot_text, intent_id, date FROM chat_logs ORDER BY id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query chat logs: %w", err)
	}
	defer rows.Close()
	return collectChatLogs(rows)
}

func (s *PostgresStore) GetChatThread(threadID string) ([]models.ChatLog, error) {
	rows, err := s.db.Query(`SELECT id, thread_id, user_text, bot_text, intent_id, date FROM chat_logs WHERE thread_id = $1 ORDER BY id`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chat thread %s: %w", threadID, err)
	}
	defer rows.Close()
	return collectChatLogs(rows)
}

func collectChatLogs(rows *sql.Rows) ([]models.ChatLog, error) {
	var logs []models.ChatLog
	for rows.Next() {
		log, err := scanChatLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chat log row: %w", err)
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chat log rows: %w", err)
	}
	return logs, nil
}

// Ping verifies database connectivity. Used by the readiness probe.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
