// Package nlu provides the NLU pipeline used by the dialogue manager.
//
// The production pipeline is a zero-shot classifier on top of the OpenAI
// chat completions API: it is briefed with the intent ids and entity type
// names of the current catalog and returns the top intent with a
// confidence score plus the entities found in the utterance.
package nlu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/dialogpipe/dialogpipe/internal/models"
)

// Error variables for better error handling and testability
var (
	ErrNoAPIKey          = errors.New("OPENAI_API_KEY not set")
	ErrNoChoicesReturned = errors.New("no choices returned")
)

// Pipeline is the abstract NLU contract the dialogue manager depends on.
// Process is expected to be a pure function of the utterance text.
type Pipeline interface {
	Process(ctx context.Context, text string) (*models.NLUResult, error)
}

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// openaiChatService adapts the OpenAI client to the chatService interface.
type openaiChatService struct {
	client openai.Client
}

func (s openaiChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := s.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration for the zero-shot pipeline.
type Opts struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Option configures the zero-shot pipeline.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL sets an alternate OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel sets the model used for classification.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// catalogBrief is the immutable intent/entity vocabulary the model is
// briefed with. Swapped whole on catalog reload.
type catalogBrief struct {
	Intents  []string
	Entities []string
}

// ZeroShotPipeline extracts intent and entities in a single chat
// completion call.
type ZeroShotPipeline struct {
	chat  chatService
	model string
	brief atomic.Pointer[catalogBrief]
}

// NewZeroShotPipeline creates a pipeline from options, falling back to
// the OPENAI_API_KEY environment variable.
func NewZeroShotPipeline(opts ...Option) (*ZeroShotPipeline, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		slog.Error("ZeroShotPipeline: no API key configured")
		return nil, ErrNoAPIKey
	}
	if cfg.Model == "" {
		cfg.Model = openai.ChatModelGPT4oMini
	}

	clientOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(clientOpts...)

	p := &ZeroShotPipeline{chat: openaiChatService{client: client}, model: cfg.Model}
	p.brief.Store(&catalogBrief{})
	slog.Debug("ZeroShotPipeline created", "model", cfg.Model, "base_url_set", cfg.BaseURL != "")
	return p, nil
}

// SetCatalog briefs the pipeline with the current intent ids and entity
// type names. Safe to call concurrently with Process.
func (p *ZeroShotPipeline) SetCatalog(intents, entities []string) {
	brief := &catalogBrief{
		Intents:  append([]string(nil), intents...),
		Entities: append([]string(nil), entities...),
	}
	p.brief.Store(brief)
	slog.Debug("ZeroShotPipeline catalog updated", "intents", len(intents), "entities", len(entities))
}

// nluPayload mirrors the JSON object the model is instructed to emit.
type nluPayload struct {
	Intent struct {
		Name       string  `json:"intent"`
		Confidence float64 `json:"confidence"`
	} `json:"intent"`
	Entities map[string]string `json:"entities"`
}

// Process classifies one utterance. The call is side-effect-free; any
// transport or parse failure is returned to the caller untouched.
func (p *ZeroShotPipeline) Process(ctx context.Context, text string) (*models.NLUResult, error) {
	brief := p.brief.Load()
	systemPrompt := buildSystemPrompt(brief.Intents, brief.Entities)

	resp, err := p.chat.Create(ctx, openai.ChatCompletionNewParams{
		Model:       p.model,
		Temperature: openai.Float(0),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(text),
		},
	})
	if err != nil {
		slog.Error("ZeroShotPipeline.Process: completion failed", "error", err)
		return nil, fmt.Errorf("nlu completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrNoChoicesReturned
	}

	result, err := ParseResult(resp.Choices[0].Message.Content)
	if err != nil {
		slog.Error("ZeroShotPipeline.Process: unparseable model output", "error", err)
		return nil, err
	}
	slog.Debug("ZeroShotPipeline.Process: classified utterance", "intent", result.Intent.Name, "confidence", result.Intent.Confidence, "entities", len(result.Entities))
	return result, nil
}

// ParseResult decodes the model's JSON reply into an NLUResult. Code
// fences around the JSON object are tolerated.
func ParseResult(content string) (*models.NLUResult, error) {
	trimmed := strings.TrimSpace(content)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var payload nluPayload
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return nil, fmt.Errorf("failed to parse NLU output: %w", err)
	}
	result := &models.NLUResult{
		Intent: models.NLUIntent{
			Name:       payload.Intent.Name,
			Confidence: payload.Intent.Confidence,
		},
		Entities: payload.Entities,
	}
	if result.Entities == nil {
		result.Entities = map[string]string{}
	}
	return result, nil
}

// buildSystemPrompt renders the zero-shot instruction for the current
// catalog vocabulary.
func buildSystemPrompt(intents, entities []string) string {
	var b strings.Builder
	b.WriteString("You are an NLU engine for a chatbot. Classify the user utterance into exactly one of the known intents and extract the known entity types that appear in it.\n")
	b.WriteString("Known intents: ")
	if len(intents) > 0 {
		b.WriteString(strings.Join(intents, ", "))
	} else {
		b.WriteString("(none)")
	}
	b.WriteString("\nKnown entity types: ")
	if len(entities) > 0 {
		b.WriteString(strings.Join(entities, ", "))
	} else {
		b.WriteString("(none)")
	}
	b.WriteString("\nRespond with a single JSON object and nothing else, in the form ")
	b.WriteString(`{"intent": {"intent": "<intent_id>", "confidence": <0..1>}, "entities": {"<entity_type>": "<value>"}}.`)
	b.WriteString(" Omit entity types that are not present. Confidence reflects how certain the classification is.")
	return b.String()
}
