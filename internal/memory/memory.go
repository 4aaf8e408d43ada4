// Package memory provides persistence of per-thread conversation state.
//
// A Saver round-trips the full State through its backend on every turn:
// each Save conceptually appends "the state as of now" and Get returns the
// most recent one. Backends: Redis, PostgreSQL, SQLite and in-memory.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dialogpipe/dialogpipe/internal/models"
)

// Saver persists and retrieves the latest State for a thread id.
type Saver interface {
	// Get returns the most recent persisted state for the thread, or nil
	// when the thread has never been seen.
	Get(ctx context.Context, threadID string) (*models.State, error)

	// Save persists the state as the current one for the thread.
	Save(ctx context.Context, threadID string, state *models.State) error

	// InitState creates, persists and returns a fresh state for a new thread.
	InitState(ctx context.Context, threadID string) (*models.State, error)

	// Close releases backend resources.
	Close() error
}

// InMemorySaver keeps states in a process-local map. Used in tests and
// when no memory DSN is configured.
type InMemorySaver struct {
	mu     sync.RWMutex
	states map[string][]byte
}

// NewInMemorySaver creates an empty in-memory saver.
func NewInMemorySaver() *InMemorySaver {
	return &InMemorySaver{states: make(map[string][]byte)}
}

func (s *InMemorySaver) Get(ctx context.Context, threadID string) (*models.State, error) {
	s.mu.RLock()
	data, ok := s.states[threadID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	var state models.State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode stored state for %s: %w", threadID, err)
	}
	return &state, nil
}

func (s *InMemorySaver) Save(ctx context.Context, threadID string, state *models.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode state for %s: %w", threadID, err)
	}
	s.mu.Lock()
	s.states[threadID] = data
	s.mu.Unlock()
	return nil
}

func (s *InMemorySaver) InitState(ctx context.Context, threadID string) (*models.State, error) {
	state := models.NewState(threadID)
	if err := s.Save(ctx, threadID, state); err != nil {
		return nil, err
	}
	return state, nil
}

// Close is a no-op for the in-memory saver.
func (s *InMemorySaver) Close() error {
	return nil
}
