// Package dialogue implements the conversation core: intent resolution,
// slot filling and API-trigger handling for each inbound message.
//
// A Manager owns the intent catalog snapshot, the NLU pipeline and the
// per-thread conversation memory. Process is safe for concurrent use;
// turns on the same thread are serialized so slot state never interleaves.
package dialogue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dialogpipe/dialogpipe/internal/invoker"
	"github.com/dialogpipe/dialogpipe/internal/memory"
	"github.com/dialogpipe/dialogpipe/internal/models"
	"github.com/dialogpipe/dialogpipe/internal/nlu"
	"github.com/dialogpipe/dialogpipe/internal/template"
)

// ServiceUnavailableMessage is the reply substituted when an intent's API
// trigger fails. The failure itself is only logged.
const ServiceUnavailableMessage = "Service is not available. Please try again later."

// DefaultConfidenceThreshold is used when no bot configuration overrides it.
const DefaultConfidenceThreshold = 0.70

var (
	// ErrPipelineNotReady is returned by Process until an NLU pipeline and
	// a non-empty intent catalog have been installed.
	ErrPipelineNotReady = errors.New("nlu pipeline is not initialized, build the models first")
	// ErrFallbackIntentMissing indicates the configured fallback intent id
	// has no entry in the catalog.
	ErrFallbackIntentMissing = errors.New("fallback intent not found in catalog")
)

// Caller performs the external HTTP call configured on an intent's API
// trigger. *invoker.Invoker satisfies it.
type Caller interface {
	Call(ctx context.Context, url, method string, headers map[string]string, parameters map[string]any, isJSON bool) (map[string]any, error)
}

// Opts holds configuration for creating a Manager.
type Opts struct {
	Memory              memory.Saver
	Pipeline            nlu.Pipeline
	Caller              Caller
	FallbackIntentID    string
	ConfidenceThreshold float64
}

// Option configures Opts.
type Option func(*Opts)

// WithMemory sets the conversation state saver.
func WithMemory(s memory.Saver) Option {
	return func(o *Opts) { o.Memory = s }
}

// WithPipeline sets the NLU pipeline.
func WithPipeline(p nlu.Pipeline) Option {
	return func(o *Opts) { o.Pipeline = p }
}

// WithCaller sets the external API caller used by API triggers.
func WithCaller(c Caller) Option {
	return func(o *Opts) { o.Caller = c }
}

// WithFallbackIntentID sets the intent substituted on low confidence or
// unknown predictions.
func WithFallbackIntentID(id string) Option {
	return func(o *Opts) { o.FallbackIntentID = id }
}

// WithConfidenceThreshold sets the minimum NLU confidence below which the
// fallback intent is used.
func WithConfidenceThreshold(t float64) Option {
	return func(o *Opts) { o.ConfidenceThreshold = t }
}

// catalog is an immutable intent snapshot keyed by intent id. Reloads swap
// the whole snapshot so in-flight turns keep a consistent view.
type catalog struct {
	intents map[string]models.IntentModel
}

func (c *catalog) get(intentID string) (models.IntentModel, bool) {
	intent, ok := c.intents[intentID]
	return intent, ok
}

// Manager drives one conversation turn at a time per thread.
type Manager struct {
	memory              memory.Saver
	pipeline            nlu.Pipeline
	caller              Caller
	fallbackIntentID    string
	confidenceThreshold float64

	catalog atomic.Pointer[catalog]

	mu    sync.Mutex
	locks map[string]*threadLock
}

// threadLock serializes turns for one thread. Entries are reference
// counted and evicted once the last waiter releases, so the lock map does
// not grow with the number of thread ids ever seen.
type threadLock struct {
	mu   sync.Mutex
	refs int
}

// NewManager creates a Manager from the supplied options. Memory defaults
// to an in-process saver when unset.
func NewManager(opts ...Option) *Manager {
	cfg := Opts{
		FallbackIntentID:    "fallback",
		ConfidenceThreshold: DefaultConfidenceThreshold,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Memory == nil {
		cfg.Memory = memory.NewInMemorySaver()
	}
	return &Manager{
		memory:              cfg.Memory,
		pipeline:            cfg.Pipeline,
		caller:              cfg.Caller,
		fallbackIntentID:    cfg.FallbackIntentID,
		confidenceThreshold: cfg.ConfidenceThreshold,
		locks:               make(map[string]*threadLock),
	}
}

// UpdateCatalog installs a new intent snapshot. In-flight turns finish
// against the snapshot they started with.
func (m *Manager) UpdateCatalog(intents []models.IntentModel) {
	byID := make(map[string]models.IntentModel, len(intents))
	for _, intent := range intents {
		byID[intent.IntentID] = intent
	}
	m.catalog.Store(&catalog{intents: byID})
	slog.Info("Manager.UpdateCatalog: intent catalog updated", "intents", len(byID))
}

// Ready reports whether Process can serve requests.
func (m *Manager) Ready() bool {
	snapshot := m.catalog.Load()
	return m.pipeline != nil && snapshot != nil && len(snapshot.intents) > 0
}

// lockThread acquires the per-thread mutex, creating it on demand.
func (m *Manager) lockThread(threadID string) *threadLock {
	m.mu.Lock()
	lock, ok := m.locks[threadID]
	if !ok {
		lock = &threadLock{}
		m.locks[threadID] = lock
	}
	lock.refs++
	m.mu.Unlock()

	lock.mu.Lock()
	return lock
}

// unlockThread releases the per-thread mutex and drops the map entry once
// no turn holds or waits on it.
func (m *Manager) unlockThread(threadID string, lock *threadLock) {
	lock.mu.Unlock()

	m.mu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(m.locks, threadID)
	}
	m.mu.Unlock()
}

// Process runs one full conversation turn: load state, apply the message,
// run NLU, resolve the intent, fill slots, fire the API trigger when the
// intent completes, persist and return the updated state.
func (m *Manager) Process(ctx context.Context, message *models.UserMessage) (*models.State, error) {
	if err := message.Validate(); err != nil {
		return nil, err
	}
	snapshot := m.catalog.Load()
	if m.pipeline == nil || snapshot == nil || len(snapshot.intents) == 0 {
		return nil, ErrPipelineNotReady
	}

	lock := m.lockThread(message.ThreadID)
	defer m.unlockThread(message.ThreadID, lock)

	state, err := m.memory.Get(ctx, message.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("failed to load state for thread %s: %w", message.ThreadID, err)
	}
	if state == nil {
		slog.Debug("Manager.Process: no state found, creating new state", "thread_id", message.ThreadID)
		state, err = m.memory.InitState(ctx, message.ThreadID)
		if err != nil {
			return nil, fmt.Errorf("failed to init state for thread %s: %w", message.ThreadID, err)
		}
	}

	state.Update(message)

	nluResult, err := m.pipeline.Process(ctx, state.UserMessage.Text)
	if err != nil {
		return nil, fmt.Errorf("nlu processing failed: %w", err)
	}

	queryIntentID, confidence := m.resolveIntentID(state, nluResult)
	slog.Debug("Manager.Process: resolved intent", "thread_id", state.ThreadID,
		"intent_id", queryIntentID, "confidence", confidence)

	queryIntent, ok := snapshot.get(queryIntentID)
	if !ok {
		queryIntent, ok = snapshot.get(m.fallbackIntentID)
		if !ok {
			return nil, ErrFallbackIntentMissing
		}
	}

	state.NLU = nluResult

	// A thread mid slot-filling stays on its active intent even when the
	// new utterance classifies as something else; only cancel breaks out.
	activeIntent := queryIntent
	if activeID := state.ActiveIntentID(); activeID != "" && queryIntentID != activeID {
		if previous, ok := snapshot.get(activeID); ok {
			activeIntent = previous
		}
	}

	activeIntent = m.processIntent(queryIntent, activeIntent, state)
	state.Intent = models.ActiveIntent{ID: activeIntent.IntentID}

	if state.Complete {
		if err := m.handleAPITrigger(ctx, &activeIntent, state); err != nil {
			return nil, err
		}
	}

	if err := m.memory.Save(ctx, message.ThreadID, state); err != nil {
		return nil, fmt.Errorf("failed to save state for thread %s: %w", message.ThreadID, err)
	}
	return state, nil
}

// resolveIntentID picks the intent id and confidence for the turn. A
// leading slash forces the named intent; predictions below the threshold
// collapse to the fallback intent.
func (m *Manager) resolveIntentID(state *models.State, result *models.NLUResult) (string, float64) {
	text := state.UserMessage.Text
	if strings.HasPrefix(text, "/") {
		return strings.SplitN(text, "/", 3)[1], 1.0
	}
	if result.Intent.Confidence < m.confidenceThreshold {
		return m.fallbackIntentID, 1.0
	}
	return result.Intent.Name, result.Intent.Confidence
}

// processIntent fills slots for the active intent and marks the state
// complete when no required parameter remains missing. Cancel discards any
// slot-filling in progress.
func (m *Manager) processIntent(queryIntent, activeIntent models.IntentModel, state *models.State) models.IntentModel {
	if queryIntent.IntentID == models.CancelIntentID {
		state.Complete = true
		state.Parameters = []models.ParameterSnapshot{}
		state.ExtractedParameters = make(map[string]any)
		state.MissingParameters = []string{}
		state.CurrentNode = ""
		return queryIntent
	}

	// Snapshot the parameter set on first activation. Every later turn
	// iterates the snapshot, never the live catalog intent, so catalog
	// edits mid-conversation cannot alter an in-progress slot set.
	if len(state.Parameters) == 0 {
		for _, param := range activeIntent.Parameters {
			state.Parameters = append(state.Parameters, models.ParameterSnapshot{
				Name:     param.Name,
				Type:     param.Type,
				Required: param.Required,
				Prompt:   param.Prompt,
			})
		}
	}

	if len(state.Parameters) > 0 {
		entitiesByType := make(map[string][]string)
		if state.NLU != nil {
			for entityType, value := range state.NLU.Entities {
				entitiesByType[entityType] = append(entitiesByType[entityType], value)
			}
		}

		// Pop entity values into unfilled slots first, in declared order,
		// so a turn's value lands in the slot being collected rather than
		// re-filling an earlier one of the same type.
		for i := range state.Parameters {
			param := &state.Parameters[i]
			if param.IsFreeText() {
				if state.CurrentNode == param.Name {
					state.ExtractedParameters[param.Name] = state.UserMessage.Text
				}
				continue
			}
			if _, filled := state.ExtractedParameters[param.Name]; filled {
				continue
			}
			if values := entitiesByType[param.Type]; len(values) > 0 {
				state.ExtractedParameters[param.Name] = values[0]
				entitiesByType[param.Type] = values[1:]
			}
		}

		// Surplus values revise already-filled slots, declared order again;
		// a slot is never locked once filled.
		for i := range state.Parameters {
			param := &state.Parameters[i]
			if param.IsFreeText() {
				continue
			}
			if values := entitiesByType[param.Type]; len(values) > 0 {
				state.ExtractedParameters[param.Name] = values[0]
				entitiesByType[param.Type] = values[1:]
			}
		}

		m.handleMissingParameters(state)
	}

	state.Complete = len(state.MissingParameters) == 0
	return activeIntent
}

// handleMissingParameters recomputes the missing set and prompts for the
// first missing parameter in declaration order.
func (m *Manager) handleMissingParameters(state *models.State) {
	state.MissingParameters = []string{}
	state.CurrentNode = ""
	state.BotMessage = []models.BotMessage{}

	var missing []models.ParameterSnapshot
	for _, param := range state.Parameters {
		if !param.Required {
			continue
		}
		if _, ok := state.ExtractedParameters[param.Name]; !ok {
			state.MissingParameters = append(state.MissingParameters, param.Name)
			missing = append(missing, param)
		}
	}

	if len(missing) > 0 {
		next := missing[0]
		state.CurrentNode = next.Name
		state.BotMessage = botMessages(next.Prompt, nil)
	}
}

// handleAPITrigger produces the final reply for a completed intent. When
// the intent carries an API trigger the call result is exposed to the
// speech response template as "result". A failed invocation substitutes
// the fixed service-unavailable reply; any other failure (a malformed
// body template, no caller configured) propagates to the caller.
func (m *Manager) handleAPITrigger(ctx context.Context, intent *models.IntentModel, state *models.State) error {
	vars := map[string]any{
		"context":    state.Context,
		"parameters": state.ExtractedParameters,
	}

	if intent.APITrigger && intent.APIDetails != nil {
		result, err := m.callIntentAPI(ctx, intent.APIDetails, state)
		if err != nil {
			var callErr *invoker.CallError
			if !errors.As(err, &callErr) {
				return fmt.Errorf("api trigger for intent %s failed: %w", intent.IntentID, err)
			}
			slog.Warn("Manager.handleAPITrigger: API call failed", "error", err,
				"thread_id", state.ThreadID, "intent_id", intent.IntentID)
			state.BotMessage = []models.BotMessage{{Text: ServiceUnavailableMessage}}
			return nil
		}
		vars["result"] = result
	}

	state.BotMessage = botMessages(intent.SpeechResponse, vars)
	return nil
}

// callIntentAPI renders the trigger's URL and body templates against the
// conversation and performs the HTTP call.
func (m *Manager) callIntentAPI(ctx context.Context, details *models.APIDetails, state *models.State) (map[string]any, error) {
	if m.caller == nil {
		return nil, errors.New("no API caller configured")
	}
	vars := map[string]any{
		"context":    state.Context,
		"parameters": state.ExtractedParameters,
	}
	renderedURL := template.Render(details.URL, vars)

	var parameters map[string]any
	if details.IsJSON {
		renderedBody := template.Render(details.JSONData, vars)
		if err := json.Unmarshal([]byte(renderedBody), &parameters); err != nil {
			return nil, fmt.Errorf("failed to decode rendered request body: %w", err)
		}
	} else {
		parameters = state.ExtractedParameters
	}

	return m.caller.Call(ctx, renderedURL, details.RequestType, details.HeaderMap(), parameters, details.IsJSON)
}

// botMessages renders a response template and splits it into bubbles.
func botMessages(tmpl string, vars map[string]any) []models.BotMessage {
	rendered := tmpl
	if vars != nil {
		rendered = template.Render(tmpl, vars)
	}
	segments := template.SplitSentence(rendered)
	messages := make([]models.BotMessage, 0, len(segments))
	for _, segment := range segments {
		messages = append(messages, models.BotMessage{Text: segment})
	}
	return messages
}
