// Package store provides the bot configuration storage backends for
// DialogPipe.
//
// The store holds the administrative documents: intents, entity types,
// bots, channel integrations and chat logs. Backends: PostgreSQL, SQLite
// and in-memory.
package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/dialogpipe/dialogpipe/internal/models"
)

// ErrNotFound is returned when a requested document does not exist.
var ErrNotFound = errors.New("not found")

// Store is the bot configuration storage contract.
type Store interface {
	// Intents
	CreateIntent(intent models.IntentModel) error
	ListIntents() ([]models.IntentModel, error)
	GetIntent(intentID string) (*models.IntentModel, error)
	UpdateIntent(intent models.IntentModel) error
	DeleteIntent(intentID string) error

	// Entity types
	CreateEntityType(entity models.EntityType) error
	ListEntityTypes() ([]models.EntityType, error)
	GetEntityType(name string) (*models.EntityType, error)
	UpdateEntityType(entity models.EntityType) error
	DeleteEntityType(name string) error

	// Bots
	GetBot(name string) (*models.Bot, error)
	SaveBot(bot models.Bot) error

	// Integrations
	ListIntegrations() ([]models.Integration, error)
	GetIntegration(id string) (*models.Integration, error)
	UpdateIntegration(integration models.Integration) error

	// Chat logs
	AddChatLog(log models.ChatLog) error
	ListChatLogs(limit, offset int) ([]models.ChatLog, error)
	GetChatThread(threadID string) ([]models.ChatLog, error)

	// Ping verifies backend connectivity. Used by the readiness probe.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	// DSN is the database connection string (PostgreSQL DSN or SQLite file path).
	DSN string
}

// Option configures store creation.
type Option func(*Opts)

// WithPostgresDSN sets a PostgreSQL DSN.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets an SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// NewStore selects a backend from the configured DSN: PostgreSQL for
// postgres DSNs, SQLite for file paths, in-memory when no DSN is set.
func NewStore(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return NewInMemoryStore(), nil
	}
	if DetectDSNType(cfg.DSN) == "postgres" {
		return NewPostgresStore(opts...)
	}
	return NewSQLiteStore(opts...)
}

// DetectDSNType classifies a DSN as "postgres" or "sqlite". Shared with
// the main package so store and memory selection use the same rule.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// InMemoryStore is a map-backed store used in tests and when no DSN is
// configured.
type InMemoryStore struct {
	mu           sync.RWMutex
	intents      map[string]models.IntentModel
	entities     map[string]models.EntityType
	bots         map[string]models.Bot
	integrations map[string]models.Integration
	chatLogs     []models.ChatLog
	nextLogID    int64
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		intents:      make(map[string]models.IntentModel),
		entities:     make(map[string]models.EntityType),
		bots:         make(map[string]models.Bot),
		integrations: make(map[string]models.Integration),
		nextLogID:    1,
	}
}

func (s *InMemoryStore) CreateIntent(intent models.IntentModel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intents[intent.IntentID] = intent
	return nil
}

func (s *InMemoryStore) ListIntents() ([]models.IntentModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	intents := make([]models.IntentModel, 0, len(s.intents))
	for _, intent := range s.intents {
		intents = append(intents, intent)
	}
	sort.Slice(intents, func(i, j int) bool { return intents[i].IntentID < intents[j].IntentID })
	return intents, nil
}

func (s *InMemoryStore) GetIntent(intentID string) (*models.IntentModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	intent, ok := s.intents[intentID]
	if !ok {
		return nil, ErrNotFound
	}
	return &intent, nil
}

func (s *InMemoryStore) UpdateIntent(intent models.IntentModel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.intents[intent.IntentID]; !ok {
		return ErrNotFound
	}
	s.intents[intent.IntentID] = intent
	return nil
}

func (s *InMemoryStore) DeleteIntent(intentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.intents[intentID]; !ok {
		return ErrNotFound
	}
	delete(s.intents, intentID)
	return nil
}

func (s *InMemoryStore) CreateEntityType(entity models.EntityType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[entity.Name] = entity
	return nil
}

func (s *InMemoryStore) ListEntityTypes() ([]models.EntityType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entities := make([]models.EntityType, 0, len(s.entities))
	for _, entity := range s.entities {
		entities = append(entities, entity)
	}
	sort.Slice(entities, func(i, j int) bool { return entities[i].Name < entities[j].Name })
	return entities, nil
}

func (s *InMemoryStore) GetEntityType(name string) (*models.EntityType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entity, ok := s.entities[name]
	if !ok {
		return nil, ErrNotFound
	}
	return &entity, nil
}

func (s *InMemoryStore) UpdateEntityType(entity models.EntityType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[entity.Name]; !ok {
		return ErrNotFound
	}
	s.entities[entity.Name] = entity
	return nil
}

func (s *InMemoryStore) DeleteEntityType(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[name]; !ok {
		return ErrNotFound
	}
	delete(s.entities, name)
	return nil
}

func (s *InMemoryStore) GetBot(name string) (*models.Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bot, ok := s.bots[name]
	if !ok {
		return nil, ErrNotFound
	}
	return &bot, nil
}

func (s *InMemoryStore) SaveBot(bot models.Bot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bots[bot.Name] = bot
	return nil
}

func (s *InMemoryStore) ListIntegrations() ([]models.Integration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	integrations := make([]models.Integration, 0, len(s.integrations))
	for _, integration := range s.integrations {
		integrations = append(integrations, integration)
	}
	sort.Slice(integrations, func(i, j int) bool { return integrations[i].ID < integrations[j].ID })
	return integrations, nil
}

func (s *InMemoryStore) GetIntegration(id string) (*models.Integration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	integration, ok := s.integrations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &integration, nil
}

func (s *InMemoryStore) UpdateIntegration(integration models.Integration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.integrations[integration.ID] = integration
	return nil
}

func (s *InMemoryStore) AddChatLog(log models.ChatLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log.ID = s.nextLogID
	s.nextLogID++
	s.chatLogs = append(s.chatLogs, log)
	return nil
}

func (s *InMemoryStore) ListChatLogs(limit, offset int) ([]models.ChatLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if offset >= len(s.chatLogs) {
		return []models.ChatLog{}, nil
	}
	end := len(s.chatLogs)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	logs := make([]models.ChatLog, end-offset)
	copy(logs, s.chatLogs[offset:end])
	return logs, nil
}

func (s *InMemoryStore) GetChatThread(threadID string) ([]models.ChatLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var logs []models.ChatLog
	for _, log := range s.chatLogs {
		if log.ThreadID == threadID {
			logs = append(logs, log)
		}
	}
	return logs, nil
}

// Ping is a no-op for the in-memory store.
func (s *InMemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
