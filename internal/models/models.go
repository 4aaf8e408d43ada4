// Package models defines the core data structures for DialogPipe.
//
// It includes the conversation state types shared by the dialogue manager,
// memory savers and channel adapters, plus the standard API response envelope.
package models

import (
	"errors"
	"time"
)

// Validation constants for input validation
const (
	// MaxMessageTextLength defines the maximum allowed length for an inbound utterance
	MaxMessageTextLength = 4096
)

// Error variables for better error handling and testability
var (
	ErrEmptyThreadID   = errors.New("thread_id cannot be empty")
	ErrEmptyText       = errors.New("text cannot be empty")
	ErrMessageTooLong  = errors.New("message text exceeds maximum length")
	ErrEmptyIntentID   = errors.New("intent_id cannot be empty")
	ErrEmptyIntentName = errors.New("intent name cannot be empty")
)

// UserMessage is a single inbound event from a channel adapter.
// It is immutable once constructed.
type UserMessage struct {
	ThreadID string         `json:"thread_id"`
	Text     string         `json:"text"`
	Context  map[string]any `json:"context,omitempty"` // caller-supplied side channel, merged into State.Context
}

// Validate performs basic validation on an inbound user message.
func (m *UserMessage) Validate() error {
	if m.ThreadID == "" {
		return ErrEmptyThreadID
	}
	if m.Text == "" {
		return ErrEmptyText
	}
	if len(m.Text) > MaxMessageTextLength {
		return ErrMessageTooLong
	}
	return nil
}

// BotMessage is one delivered reply bubble. A single turn may produce several.
type BotMessage struct {
	Text string `json:"text"`
}

// NLUIntent is the top predicted intent from the NLU pipeline.
type NLUIntent struct {
	Name       string  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

// NLUResult is the raw output of one NLU pipeline invocation.
// Entities maps entity type name to the extracted value, one value per
// type per utterance; an utterance carrying two values of one type needs
// two turns to deliver both.
type NLUResult struct {
	Intent   NLUIntent         `json:"intent"`
	Entities map[string]string `json:"entities"`
}

// ActiveIntent identifies the intent a conversation thread is currently
// slot-filling for.
type ActiveIntent struct {
	ID string `json:"id,omitempty"`
}

// ParameterSnapshot mirrors one parameter definition of the active intent.
// The dialogue manager snapshots these once per intent activation and
// iterates the snapshot on every later turn, so catalog edits never alter
// an in-progress slot set.
type ParameterSnapshot struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
	Prompt   string `json:"prompt,omitempty"`
}

// IsFreeText reports whether the snapshotted parameter consumes raw
// utterance text.
func (p *ParameterSnapshot) IsFreeText() bool {
	return p.Type == ParameterTypeFreeText
}

// State is the mutable per-thread conversation record.
type State struct {
	ThreadID            string              `json:"thread_id"`
	UserMessage         *UserMessage        `json:"user_message,omitempty"`
	BotMessage          []BotMessage        `json:"bot_message"`
	NLU                 *NLUResult          `json:"nlu,omitempty"`
	Context             map[string]any      `json:"context"`
	Intent              ActiveIntent        `json:"intent"`
	Parameters          []ParameterSnapshot `json:"parameters"`
	ExtractedParameters map[string]any      `json:"extracted_parameters"`
	MissingParameters   []string            `json:"missing_parameters"`
	Complete            bool                `json:"complete"`
	CurrentNode         string              `json:"current_node,omitempty"`
	Date                time.Time           `json:"date"`
}

// NewState creates a fresh, empty state for a thread.
func NewState(threadID string) *State {
	return &State{
		ThreadID:            threadID,
		BotMessage:          []BotMessage{},
		Context:             make(map[string]any),
		Parameters:          []ParameterSnapshot{},
		ExtractedParameters: make(map[string]any),
		MissingParameters:   []string{},
		Date:                time.Now().UTC(),
	}
}

// Update applies an inbound message to the state: the message context is
// merged (never wholesale-replaced) into the conversation context and the
// timestamp refreshed. When the previous turn finished an intent, all
// slot-filling fields are reset so a completed conversation never leaks
// slot state into the next activation.
func (s *State) Update(message *UserMessage) {
	s.UserMessage = message
	s.Date = time.Now().UTC()

	if s.Context == nil {
		s.Context = make(map[string]any)
	}
	for k, v := range message.Context {
		s.Context[k] = v
	}

	if s.Complete {
		s.ResetSlotFilling()
	}
}

// ResetSlotFilling clears every slot-filling field on the state.
func (s *State) ResetSlotFilling() {
	s.BotMessage = []BotMessage{}
	s.Intent = ActiveIntent{}
	s.Parameters = []ParameterSnapshot{}
	s.ExtractedParameters = make(map[string]any)
	s.MissingParameters = []string{}
	s.Complete = false
	s.CurrentNode = ""
}

// ActiveIntentID returns the id of the currently active intent, or empty
// when the thread has no intent in progress.
func (s *State) ActiveIntentID() string {
	return s.Intent.ID
}

// BotText flattens the bot message segments into a slice of plain strings.
// Used by channel adapters when delivering the reply.
func (s *State) BotText() []string {
	texts := make([]string, 0, len(s.BotMessage))
	for _, m := range s.BotMessage {
		texts = append(texts, m.Text)
	}
	return texts
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string `json:"status"`            // status of the API response
	Message string `json:"message,omitempty"` // optional message for error responses or additional info
	Result  any    `json:"result,omitempty"`  // optional result data for successful responses
}

// Success creates a successful API response with optional result data.
func Success(result any) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result any) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
