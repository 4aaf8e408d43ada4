// Package models defines the core data structures for DialogPipe.
//
// This file holds the intent catalog types loaded from the bot
// configuration store.
package models

import "errors"

// ParameterTypeFreeText is the sentinel parameter type that consumes the
// entire raw utterance instead of an extracted entity.
const ParameterTypeFreeText = "free_text"

// CancelIntentID is the reserved intent id that discards any in-progress
// slot-filling when it resolves.
const CancelIntentID = "cancel"

var (
	ErrMissingSpeechResponse = errors.New("speech_response is required")
	ErrMissingAPIDetails     = errors.New("api_details is required when api_trigger is set")
	ErrEmptyParameterName    = errors.New("parameter name cannot be empty")
)

// HeaderPair is one key/value header entry of an API trigger definition.
type HeaderPair struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// APIDetails describes the external HTTP call an intent triggers once all
// of its required parameters are filled.
type APIDetails struct {
	URL         string       `json:"url"`          // URL template
	RequestType string       `json:"request_type"` // GET, POST, PUT or DELETE
	Headers     []HeaderPair `json:"headers,omitempty"`
	IsJSON      bool         `json:"is_json"`
	JSONData    string       `json:"json_data,omitempty"` // JSON body template
}

// HeaderMap flattens the header list into a map for the HTTP client.
func (d *APIDetails) HeaderMap() map[string]string {
	headers := make(map[string]string, len(d.Headers))
	for _, h := range d.Headers {
		if h.Key != "" {
			headers[h.Key] = h.Value
		}
	}
	return headers
}

// ParameterModel is one slot definition owned by its parent IntentModel.
type ParameterModel struct {
	Name     string `json:"name"`
	Type     string `json:"type"` // entity type name, or ParameterTypeFreeText
	Required bool   `json:"required"`
	Prompt   string `json:"prompt,omitempty"` // template shown when the slot is missing
}

// IsFreeText reports whether the parameter consumes raw utterance text.
func (p *ParameterModel) IsFreeText() bool {
	return p.Type == ParameterTypeFreeText
}

// IntentModel is one entry of the intent catalog. Loaded once at startup
// and read-only afterwards; catalog reloads swap a whole new snapshot.
type IntentModel struct {
	ID             string           `json:"id,omitempty"` // store document id
	Name           string           `json:"name"`
	IntentID       string           `json:"intent_id"`
	UserDefined    bool             `json:"user_defined"`
	APITrigger     bool             `json:"api_trigger"`
	APIDetails     *APIDetails      `json:"api_details,omitempty"`
	SpeechResponse string           `json:"speech_response"`
	Parameters     []ParameterModel `json:"parameters"`
	TrainingData   []TrainingPhrase `json:"training_data,omitempty"` // training-only, irrelevant at runtime
}

// TrainingPhrase is one labeled example sentence attached to an intent.
type TrainingPhrase struct {
	Text     string `json:"text"`
	Entities []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
		Begin int    `json:"begin"`
		End   int    `json:"end"`
	} `json:"entities,omitempty"`
}

// Validate performs validation on an intent definition before it is stored.
func (i *IntentModel) Validate() error {
	if i.IntentID == "" {
		return ErrEmptyIntentID
	}
	if i.Name == "" {
		return ErrEmptyIntentName
	}
	if i.SpeechResponse == "" {
		return ErrMissingSpeechResponse
	}
	if i.APITrigger && i.APIDetails == nil {
		return ErrMissingAPIDetails
	}
	for _, p := range i.Parameters {
		if p.Name == "" {
			return ErrEmptyParameterName
		}
	}
	return nil
}
