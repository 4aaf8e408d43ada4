// Package store provides the bot configuration storage backends.
//
// This file implements the SQLite-backed store. The DSN is a file path to
// the SQLite database file; its directory is created when missing.
package store

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

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given options.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")
	if cfg.DSN == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(cfg.DSN)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}
	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")
	return &SQLiteStore{db: db}, nil
}

const sqliteIntentColumns = `intent_id, name, user_defined, api_trigger, api_details, speech_response, parameters, training_data`

func (s *SQLiteStore) CreateIntent(intent models.IntentModel) error {
	apiDetails, parameters, trainingData, err := intentColumns(intent)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO intents (`+sqliteIntentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (intent_id) DO UPDATE SET name = excluded.name, user_defined = excluded.user_defined,
		api_trigger = excluded.api_trigger, api_details = excluded.api_details,
		speech_response = excluded.speech_response, parameters = excluded.parameters,
		training_data = excluded.training_data`,
		intent.IntentID, intent.Name, intent.UserDefined, intent.APITrigger,
		apiDetails, intent.SpeechResponse, parameters, trainingData)
	if err != nil {
		slog.Error("SQLiteStore CreateIntent failed", "error", err, "intentID", intent.IntentID)
		return fmt.Errorf("failed to insert intent %s: %w", intent.IntentID, err)
	}
	return nil
}

func (s *SQLiteStore) ListIntents() ([]models.IntentModel, error) {
	rows, err := s.db.Query(`SELECT ` + sqliteIntentColumns + ` FROM intents ORDER BY intent_id`)
	if err != nil {
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
	return intents, nil
}

func (s *SQLiteStore) GetIntent(intentID string) (*models.IntentModel, error) {
	row := s.db.QueryRow(`SELECT `+sqliteIntentColumns+` FROM intents WHERE intent_id = ?`, intentID)
	intent, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get intent %s: %w", intentID, err)
	}
	return &intent, nil
}

func (s *SQLiteStore) UpdateIntent(intent models.IntentModel) error {
	apiDetails, parameters, trainingData, err := intentColumns(intent)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`UPDATE intents SET name = ?, user_defined = ?, api_trigger = ?,
		api_details = ?, speech_response = ?, parameters = ?, training_data = ? WHERE intent_id = ?`,
		intent.Name, intent.UserDefined, intent.APITrigger,
		apiDetails, intent.SpeechResponse, parameters, trainingData, intent.IntentID)
	if err != nil {
		return fmt.Errorf("failed to update intent %s: %w", intent.IntentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteIntent(intentID string) error {
	res, err := s.db.Exec(`DELETE FROM intents WHERE intent_id = ?`, intentID)
	if err != nil {
		return fmt.Errorf("failed to delete intent %s: %w", intentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) CreateEntityType(entity models.EntityType) error {
	values, err := json.Marshal(entity.Values)
	if err != nil {
		return fmt.Errorf("failed to encode entity values: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO entity_types (name, entity_values) VALUES (?, ?)
		ON CONFLICT (name) DO UPDATE SET entity_values = excluded.entity_values`, entity.Name, values)
	if err != nil {
		return fmt.Errorf("failed to insert entity %s: %w", entity.Name, err)
	}
	return nil
}

func (s *SQLiteStore) ListEntityTypes() ([]models.EntityType, error) {
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

func (s *SQLiteStore) GetEntityType(name string) (*models.EntityType, error) {
	row := s.db.QueryRow(`SELECT name, entity_values FROM entity_types WHERE name = ?`, name)
	entity, err := scanEntityType(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity %s: %w", name, err)
	}
	return &entity, nil
}

func (s *SQLiteStore) UpdateEntityType(entity models.EntityType) error {
	values, err := json.Marshal(entity.Values)
	if err != nil {
		return fmt.Errorf("failed to encode entity values: %w", err)
	}
	res, err := s.db.Exec(`UPDATE entity_types SET entity_values = ? WHERE name = ?`, values, entity.Name)
	if err != nil {
		return fmt.Errorf("failed to update entity %s: %w", entity.Name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteEntityType(name string) error {
	res, err := s.db.Exec(`DELETE FROM entity_types WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete entity %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) GetBot(name string) (*models.Bot, error) {
	var bot models.Bot
	var config []byte
	err := s.db.QueryRow(`SELECT name, nlu_config, updated_at FROM bots WHERE name = ?`, name).
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

func (s *SQLiteStore) SaveBot(bot models.Bot) error {
	config, err := json.Marshal(bot.NLUConfig)
	if err != nil {
		return fmt.Errorf("failed to encode nlu_config: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO bots (name, nlu_config, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (name) DO UPDATE SET nlu_config = excluded.nlu_config, updated_at = CURRENT_TIMESTAMP`,
		bot.Name, config)
	if err != nil {
		return fmt.Errorf("failed to save bot %s: %w", bot.Name, err)
	}
	return nil
}

func (s *SQLiteStore) ListIntegrations() ([]models.Integration, error) {
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

func (s *SQLiteStore) GetIntegration(id string) (*models.Integration, error) {
	var integration models.Integration
	var settings []byte
	err := s.db.QueryRow(`SELECT id, name, enabled, settings FROM integrations WHERE id = ?`, id).
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

func (s *SQLiteStore) UpdateIntegration(integration models.Integration) error {
	if integration.Settings == nil {
		integration.Settings = map[string]string{}
	}
	settings, err := json.Marshal(integration.Settings)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO integrations (id, name, enabled, settings) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, enabled = excluded.enabled, settings = excluded.settings`,
		integration.ID, integration.Name, integration.Enabled, settings)
	if err != nil {
		return fmt.Errorf("failed to save integration %s: %w", integration.ID, err)
	}
	return nil
}

func (s *SQLiteStore) AddChatLog(log models.ChatLog) error {
	_, err := s.db.Exec(`INSERT INTO chat_logs (thread_id, user_text, bot_text, intent_id, date) VALUES (?, ?, ?, ?, ?)`,
		log.ThreadID, log.UserText, log.BotText, log.IntentID, log.Date)
	if err != nil {
		return fmt.Errorf("failed to insert chat log for %s: %w", log.ThreadID, err)
	}
	return nil
}

func (s *SQLiteStore) ListChatLogs(limit, offset int) ([]models.ChatLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT id, thread_id, user_text, bot_text, intent_id, date FROM chat_logs ORDER BY id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query chat logs: %w", err)
	}
	defer rows.Close()
	return collectChatLogs(rows)
}

func (s *SQLiteStore) GetChatThread(threadID string) ([]models.ChatLog, error) {
	rows, err := s.db.Query(`SELECT id, thread_id, user_text, bot_text, intent_id, date FROM chat_logs WHERE thread_id = ? ORDER BY id`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chat thread %s: %w", threadID, err)
	}
	defer rows.Close()
	return collectChatLogs(rows)
}

// Ping verifies database connectivity. Used by the readiness probe.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
