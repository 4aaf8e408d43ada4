// Package models defines the core data structures for DialogPipe.
//
// This file holds the administrative documents managed through the config
// store: bots, entity types, channel integrations and chat logs.
package models

import (
	"errors"
	"time"
)

var (
	ErrEmptyBotName    = errors.New("bot name cannot be empty")
	ErrEmptyEntityName = errors.New("entity name cannot be empty")
)

// NLUConfig holds the per-bot NLU tuning knobs.
type NLUConfig struct {
	FallbackIntentID    string  `json:"fallback_intent_id"`
	ConfidenceThreshold float64 `json:"confidence_threshold"` // in [0,1]
}

// Bot is the top-level bot configuration document.
type Bot struct {
	Name      string    `json:"name"`
	NLUConfig NLUConfig `json:"nlu_config"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate performs validation on a bot configuration.
func (b *Bot) Validate() error {
	if b.Name == "" {
		return ErrEmptyBotName
	}
	if b.NLUConfig.ConfidenceThreshold < 0 || b.NLUConfig.ConfidenceThreshold > 1 {
		return errors.New("confidence_threshold must be in [0,1]")
	}
	return nil
}

// EntityValue is one canonical entity value with its synonyms.
type EntityValue struct {
	Value    string   `json:"value"`
	Synonyms []string `json:"synonyms,omitempty"`
}

// EntityType is a named entity with its recognized values. The NLU
// pipeline is briefed with the entity type names of the catalog.
type EntityType struct {
	ID     string        `json:"id,omitempty"`
	Name   string        `json:"name"`
	Values []EntityValue `json:"values,omitempty"`
}

// Validate performs validation on an entity type definition.
func (e *EntityType) Validate() error {
	if e.Name == "" {
		return ErrEmptyEntityName
	}
	return nil
}

// Integration is one channel integration document (e.g. Facebook page
// token, Twilio credentials) keyed by a stable integration id.
type Integration struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Enabled  bool              `json:"enabled"`
	Settings map[string]string `json:"settings,omitempty"`
}

// ChatLog is one recorded conversation turn.
type ChatLog struct {
	ID       int64     `json:"id,omitempty"`
	ThreadID string    `json:"thread_id"`
	UserText string    `json:"user_text"`
	BotText  string    `json:"bot_text"`
	IntentID string    `json:"intent_id,omitempty"`
	Date     time.Time `json:"date"`
}
