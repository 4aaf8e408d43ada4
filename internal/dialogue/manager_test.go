package dialogue

import (
	"context"
	"errors"
	"testing"

	"github.com/dialogpipe/dialogpipe/internal/invoker"
	"github.com/dialogpipe/dialogpipe/internal/memory"
	"github.com/dialogpipe/dialogpipe/internal/models"
)

// mockPipeline returns canned NLU results keyed by input text.
type mockPipeline struct {
	results map[string]*models.NLUResult
	err     error
}

func (m *mockPipeline) Process(ctx context.Context, text string) (*models.NLUResult, error) {
	if m.err != nil {
		return nil, m.err
	}
	if result, ok := m.results[text]; ok {
		return result, nil
	}
	return &models.NLUResult{
		Intent:   models.NLUIntent{Name: "fallback", Confidence: 1.0},
		Entities: map[string]string{},
	}, nil
}

// mockCaller records API calls and returns a canned result.
type mockCaller struct {
	result map[string]any
	err    error

	calledURL    string
	calledMethod string
	calledParams map[string]any
}

func (m *mockCaller) Call(ctx context.Context, url, method string, headers map[string]string, parameters map[string]any, isJSON bool) (map[string]any, error) {
	m.calledURL = url
	m.calledMethod = method
	m.calledParams = parameters
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

func testIntents() []models.IntentModel {
	return []models.IntentModel{
		{
			Name:           "Fallback",
			IntentID:       "fallback",
			SpeechResponse: "Sorry, I did not get you. Can you rephrase?",
		},
		{
			Name:           "Cancel",
			IntentID:       "cancel",
			SpeechResponse: "Okay, cancelled.",
		},
		{
			Name:           "Welcome",
			IntentID:       "welcome",
			SpeechResponse: "Hi###How can I help you?",
		},
		{
			Name:     "Book Flight",
			IntentID: "book_flight",
			Parameters: []models.ParameterModel{
				{Name: "origin", Type: "city", Required: true, Prompt: "Where are you flying from?"},
				{Name: "destination", Type: "city", Required: true, Prompt: "Where do you want to go?"},
			},
			SpeechResponse: "Booked {{ parameters.origin }} to {{ parameters.destination }}",
		},
		{
			Name:     "Feedback",
			IntentID: "feedback",
			Parameters: []models.ParameterModel{
				{Name: "comment", Type: models.ParameterTypeFreeText, Required: true, Prompt: "What would you like to tell us?"},
			},
			SpeechResponse: "Thanks for your feedback!",
		},
		{
			Name:       "Weather",
			IntentID:   "weather",
			APITrigger: true,
			APIDetails: &models.APIDetails{
				URL:         "https://api.example.com/weather/{{ parameters.city }}",
				RequestType: "GET",
			},
			Parameters: []models.ParameterModel{
				{Name: "city", Type: "city", Required: true, Prompt: "Which city?"},
			},
			SpeechResponse: "It is {{ result.temp }} degrees in {{ parameters.city }}",
		},
	}
}

func newTestManager(pipeline *mockPipeline, caller *mockCaller) *Manager {
	opts := []Option{
		WithMemory(memory.NewInMemorySaver()),
		WithPipeline(pipeline),
		WithFallbackIntentID("fallback"),
		WithConfidenceThreshold(0.70),
	}
	if caller != nil {
		opts = append(opts, WithCaller(caller))
	}
	m := NewManager(opts...)
	m.UpdateCatalog(testIntents())
	return m
}

func msg(threadID, text string) *models.UserMessage {
	return &models.UserMessage{ThreadID: threadID, Text: text}
}

func botTexts(state *models.State) []string {
	return state.BotText()
}

func TestProcessRequiresCatalog(t *testing.T) {
	m := NewManager(WithPipeline(&mockPipeline{}))
	_, err := m.Process(context.Background(), msg("t1", "hello"))
	if !errors.Is(err, ErrPipelineNotReady) {
		t.Errorf("expected ErrPipelineNotReady, got %v", err)
	}
}

func TestProcessRequiresPipeline(t *testing.T) {
	m := NewManager()
	m.UpdateCatalog(testIntents())
	_, err := m.Process(context.Background(), msg("t1", "hello"))
	if !errors.Is(err, ErrPipelineNotReady) {
		t.Errorf("expected ErrPipelineNotReady, got %v", err)
	}
}

func TestProcessValidatesMessage(t *testing.T) {
	m := newTestManager(&mockPipeline{}, nil)
	_, err := m.Process(context.Background(), &models.UserMessage{ThreadID: "", Text: "hi"})
	if !errors.Is(err, models.ErrEmptyThreadID) {
		t.Errorf("expected ErrEmptyThreadID, got %v", err)
	}
}

func TestSlashCommandForcesIntent(t *testing.T) {
	// The pipeline classifies the text as something else entirely; the
	// slash command must still win.
	pipeline := &mockPipeline{results: map[string]*models.NLUResult{
		"/welcome": {Intent: models.NLUIntent{Name: "book_flight", Confidence: 0.99}, Entities: map[string]string{}},
	}}
	m := newTestManager(pipeline, nil)

	state, err := m.Process(context.Background(), msg("t1", "/welcome"))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if state.Intent.ID != "welcome" {
		t.Errorf("expected intent welcome, got %s", state.Intent.ID)
	}
	if !state.Complete {
		t.Error("expected state to be complete")
	}
	texts := botTexts(state)
	if len(texts) != 2 || texts[0] != "Hi" || texts[1] != "How can I help you?" {
		t.Errorf("unexpected bot messages: %v", texts)
	}
}

func TestLowConfidenceFallsBack(t *testing.T) {
	pipeline := &mockPipeline{results: map[string]*models.NLUResult{
		"mumble": {Intent: models.NLUIntent{Name: "book_flight", Confidence: 0.40}, Entities: map[string]string{}},
	}}
	m := newTestManager(pipeline, nil)

	state, err := m.Process(context.Background(), msg("t1", "mumble"))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if state.Intent.ID != "fallback" {
		t.Errorf("expected fallback intent, got %s", state.Intent.ID)
	}
	texts := botTexts(state)
	if len(texts) != 1 || texts[0] != "Sorry, I did not get you. Can you rephrase?" {
		t.Errorf("unexpected bot messages: %v", texts)
	}
}

func TestUnknownIntentFallsBack(t *testing.T) {
	pipeline := &mockPipeline{results: map[string]*models.NLUResult{
		"hello": {Intent: models.NLUIntent{Name: "no_such_intent", Confidence: 0.95}, Entities: map[string]string{}},
	}}
	m := newTestManager(pipeline, nil)

	state, err := m.Process(context.Background(), msg("t1", "hello"))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if state.Intent.ID != "fallback" {
		t.Errorf("expected fallback intent, got %s", state.Intent.ID)
	}
}

func TestSlotFillingAcrossTurns(t *testing.T) {
	pipeline := &mockPipeline{results: map[string]*models.NLUResult{
		"book me a flight": {Intent: models.NLUIntent{Name: "book_flight", Confidence: 0.92}, Entities: map[string]string{}},
		"from toronto":     {Intent: models.NLUIntent{Name: "book_flight", Confidence: 0.85}, Entities: map[string]string{"city": "Toronto"}},
		"to lisbon":        {Intent: models.NLUIntent{Name: "book_flight", Confidence: 0.85}, Entities: map[string]string{"city": "Lisbon"}},
	}}
	m := newTestManager(pipeline, nil)
	ctx := context.Background()

	// Turn 1: activation with no entities prompts for the first parameter.
	state, err := m.Process(ctx, msg("t1", "book me a flight"))
	if err != nil {
		t.Fatalf("turn 1 failed: %v", err)
	}
	if state.Complete {
		t.Fatal("expected incomplete state after turn 1")
	}
	if state.CurrentNode != "origin" {
		t.Errorf("expected current_node origin, got %q", state.CurrentNode)
	}
	if len(state.MissingParameters) != 2 {
		t.Errorf("expected 2 missing parameters, got %v", state.MissingParameters)
	}
	if len(state.Parameters) != 2 {
		t.Errorf("expected parameter snapshot of 2, got %d", len(state.Parameters))
	}
	if texts := botTexts(state); len(texts) != 1 || texts[0] != "Where are you flying from?" {
		t.Errorf("unexpected prompt: %v", texts)
	}

	// Turn 2: first slot fills, prompt moves to the next one.
	state, err = m.Process(ctx, msg("t1", "from toronto"))
	if err != nil {
		t.Fatalf("turn 2 failed: %v", err)
	}
	if state.Complete {
		t.Fatal("expected incomplete state after turn 2")
	}
	if got := state.ExtractedParameters["origin"]; got != "Toronto" {
		t.Errorf("expected origin Toronto, got %v", got)
	}
	if state.CurrentNode != "destination" {
		t.Errorf("expected current_node destination, got %q", state.CurrentNode)
	}
	if len(state.MissingParameters) != 1 || state.MissingParameters[0] != "destination" {
		t.Errorf("unexpected missing parameters: %v", state.MissingParameters)
	}

	// Turn 3: last slot fills, intent completes and renders.
	state, err = m.Process(ctx, msg("t1", "to lisbon"))
	if err != nil {
		t.Fatalf("turn 3 failed: %v", err)
	}
	if !state.Complete {
		t.Fatal("expected complete state after turn 3")
	}
	if got := state.ExtractedParameters["origin"]; got != "Toronto" {
		t.Errorf("expected origin still Toronto, got %v", got)
	}
	if got := state.ExtractedParameters["destination"]; got != "Lisbon" {
		t.Errorf("expected destination Lisbon, got %v", got)
	}
	if texts := botTexts(state); len(texts) != 1 || texts[0] != "Booked Toronto to Lisbon" {
		t.Errorf("unexpected response: %v", texts)
	}
}

func TestSurplusEntityRevisesFilledSlot(t *testing.T) {
	// When every slot of a type is already filled, a fresh value of that
	// type revises the first declared slot instead of being dropped; a slot
	// is never locked once filled.
	intents := append(testIntents(), models.IntentModel{
		IntentID: "plan_trip",
		Parameters: []models.ParameterModel{
			{Name: "origin", Type: "city", Required: true, Prompt: "Where are you flying from?"},
			{Name: "destination", Type: "city", Required: true, Prompt: "Where do you want to go?"},
			{Name: "depart", Type: "date", Required: true, Prompt: "When do you leave?"},
		},
		SpeechResponse: "Trip planned.",
	})
	pipeline := &mockPipeline{results: map[string]*models.NLUResult{
		"plan a trip":   {Intent: models.NLUIntent{Name: "plan_trip", Confidence: 0.92}, Entities: map[string]string{}},
		"from toronto":  {Intent: models.NLUIntent{Name: "plan_trip", Confidence: 0.85}, Entities: map[string]string{"city": "Toronto"}},
		"to lisbon":     {Intent: models.NLUIntent{Name: "plan_trip", Confidence: 0.85}, Entities: map[string]string{"city": "Lisbon"}},
		"make it porto": {Intent: models.NLUIntent{Name: "plan_trip", Confidence: 0.85}, Entities: map[string]string{"city": "Porto"}},
	}}
	m := newTestManager(pipeline, nil)
	m.UpdateCatalog(intents)
	ctx := context.Background()

	for _, text := range []string{"plan a trip", "from toronto", "to lisbon"} {
		if _, err := m.Process(ctx, msg("t1", text)); err != nil {
			t.Fatalf("turn %q failed: %v", text, err)
		}
	}

	// Both city slots are filled and the date prompt is pending; a new city
	// value lands in the first declared city slot.
	state, err := m.Process(ctx, msg("t1", "make it porto"))
	if err != nil {
		t.Fatalf("revision turn failed: %v", err)
	}
	if state.ExtractedParameters["origin"] != "Porto" {
		t.Errorf("expected origin revised to Porto, got %v", state.ExtractedParameters["origin"])
	}
	if state.ExtractedParameters["destination"] != "Lisbon" {
		t.Errorf("expected destination unchanged, got %v", state.ExtractedParameters["destination"])
	}
	if state.Complete {
		t.Error("expected state still incomplete while depart is missing")
	}
}

func TestCatalogEditDoesNotAlterActiveSlotSet(t *testing.T) {
	// A catalog reload mid slot-filling adds a required parameter to the
	// active intent; the in-progress conversation keeps its snapshot and
	// still completes with the original two slots.
	pipeline := &mockPipeline{results: map[string]*models.NLUResult{
		"book me a flight": {Intent: models.NLUIntent{Name: "book_flight", Confidence: 0.92}, Entities: map[string]string{}},
		"from toronto":     {Intent: models.NLUIntent{Name: "book_flight", Confidence: 0.85}, Entities: map[string]string{"city": "Toronto"}},
		"to lisbon":        {Intent: models.NLUIntent{Name: "book_flight", Confidence: 0.85}, Entities: map[string]string{"city": "Lisbon"}},
	}}
	m := newTestManager(pipeline, nil)
	ctx := context.Background()

	if _, err := m.Process(ctx, msg("t1", "book me a flight")); err != nil {
		t.Fatalf("turn 1 failed: %v", err)
	}
	if _, err := m.Process(ctx, msg("t1", "from toronto")); err != nil {
		t.Fatalf("turn 2 failed: %v", err)
	}

	edited := testIntents()
	for i := range edited {
		if edited[i].IntentID == "book_flight" {
			edited[i].Parameters = append(edited[i].Parameters, models.ParameterModel{
				Name: "travel_date", Type: "date", Required: true, Prompt: "When?",
			})
		}
	}
	m.UpdateCatalog(edited)

	state, err := m.Process(ctx, msg("t1", "to lisbon"))
	if err != nil {
		t.Fatalf("turn 3 failed: %v", err)
	}
	if len(state.Parameters) != 2 {
		t.Errorf("expected snapshot to keep 2 parameters, got %d", len(state.Parameters))
	}
	if !state.Complete {
		t.Errorf("expected complete state, still missing %v", state.MissingParameters)
	}
	if state.ExtractedParameters["origin"] != "Toronto" || state.ExtractedParameters["destination"] != "Lisbon" {
		t.Errorf("unexpected slots: %v", state.ExtractedParameters)
	}
}

func TestThreadLockEvictedAfterTurn(t *testing.T) {
	m := newTestManager(&mockPipeline{}, nil)

	for _, thread := range []string{"t1", "t2", "t3"} {
		if _, err := m.Process(context.Background(), msg(thread, "hello")); err != nil {
			t.Fatalf("Process failed for %s: %v", thread, err)
		}
	}

	m.mu.Lock()
	held := len(m.locks)
	m.mu.Unlock()
	if held != 0 {
		t.Errorf("expected lock map drained after turns, got %d entries", held)
	}
}

func TestActiveIntentSurvivesMisclassification(t *testing.T) {
	pipeline := &mockPipeline{results: map[string]*models.NLUResult{
		"book me a flight": {Intent: models.NLUIntent{Name: "book_flight", Confidence: 0.92}, Entities: map[string]string{}},
		"toronto":          {Intent: models.NLUIntent{Name: "welcome", Confidence: 0.90}, Entities: map[string]string{"city": "Toronto"}},
	}}
	m := newTestManager(pipeline, nil)
	ctx := context.Background()

	if _, err := m.Process(ctx, msg("t1", "book me a flight")); err != nil {
		t.Fatalf("turn 1 failed: %v", err)
	}

	// Mid slot-filling the classifier drifts to welcome; the thread must
	// stay on book_flight and still consume the entity.
	state, err := m.Process(ctx, msg("t1", "toronto"))
	if err != nil {
		t.Fatalf("turn 2 failed: %v", err)
	}
	if state.Intent.ID != "book_flight" {
		t.Errorf("expected active intent book_flight, got %s", state.Intent.ID)
	}
	if got := state.ExtractedParameters["origin"]; got != "Toronto" {
		t.Errorf("expected origin Toronto, got %v", got)
	}
}

func TestCancelDiscardsSlotFilling(t *testing.T) {
	pipeline := &mockPipeline{results: map[string]*models.NLUResult{
		"book me a flight": {Intent: models.NLUIntent{Name: "book_flight", Confidence: 0.92}, Entities: map[string]string{}},
	}}
	m := newTestManager(pipeline, nil)
	ctx := context.Background()

	if _, err := m.Process(ctx, msg("t1", "book me a flight")); err != nil {
		t.Fatalf("turn 1 failed: %v", err)
	}

	state, err := m.Process(ctx, msg("t1", "/cancel"))
	if err != nil {
		t.Fatalf("cancel turn failed: %v", err)
	}
	if state.Intent.ID != "cancel" {
		t.Errorf("expected cancel intent, got %s", state.Intent.ID)
	}
	if !state.Complete {
		t.Error("expected complete state after cancel")
	}
	if len(state.ExtractedParameters) != 0 || len(state.MissingParameters) != 0 || state.CurrentNode != "" {
		t.Errorf("expected slot fields cleared, got %+v", state)
	}
	if texts := botTexts(state); len(texts) != 1 || texts[0] != "Okay, cancelled." {
		t.Errorf("unexpected response: %v", texts)
	}
}

func TestFreeTextConsumesUtterance(t *testing.T) {
	// The second utterance classifies as nothing useful, but because the
	// current node is a free_text parameter the raw text fills the slot.
	pipeline := &mockPipeline{results: map[string]*models.NLUResult{
		"the app is great": {Intent: models.NLUIntent{Name: "fallback", Confidence: 0.30}, Entities: map[string]string{}},
	}}
	m := newTestManager(pipeline, nil)
	ctx := context.Background()

	state, err := m.Process(ctx, msg("t1", "/feedback"))
	if err != nil {
		t.Fatalf("turn 1 failed: %v", err)
	}
	if state.CurrentNode != "comment" {
		t.Fatalf("expected current_node comment, got %q", state.CurrentNode)
	}

	state, err = m.Process(ctx, msg("t1", "the app is great"))
	if err != nil {
		t.Fatalf("turn 2 failed: %v", err)
	}
	if !state.Complete {
		t.Fatal("expected complete state")
	}
	if got := state.ExtractedParameters["comment"]; got != "the app is great" {
		t.Errorf("expected comment to hold raw text, got %v", got)
	}
	if texts := botTexts(state); len(texts) != 1 || texts[0] != "Thanks for your feedback!" {
		t.Errorf("unexpected response: %v", texts)
	}
}

func TestAPITriggerRendersResult(t *testing.T) {
	pipeline := &mockPipeline{results: map[string]*models.NLUResult{
		"weather in lisbon": {Intent: models.NLUIntent{Name: "weather", Confidence: 0.95}, Entities: map[string]string{"city": "Lisbon"}},
	}}
	caller := &mockCaller{result: map[string]any{"temp": 21}}
	m := newTestManager(pipeline, caller)

	state, err := m.Process(context.Background(), msg("t1", "weather in lisbon"))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !state.Complete {
		t.Fatal("expected complete state")
	}
	if caller.calledURL != "https://api.example.com/weather/Lisbon" {
		t.Errorf("unexpected rendered URL: %s", caller.calledURL)
	}
	if caller.calledMethod != "GET" {
		t.Errorf("unexpected method: %s", caller.calledMethod)
	}
	if texts := botTexts(state); len(texts) != 1 || texts[0] != "It is 21 degrees in Lisbon" {
		t.Errorf("unexpected response: %v", texts)
	}
}

func TestAPITriggerFailureSubstitutesFallbackReply(t *testing.T) {
	pipeline := &mockPipeline{results: map[string]*models.NLUResult{
		"weather in lisbon": {Intent: models.NLUIntent{Name: "weather", Confidence: 0.95}, Entities: map[string]string{"city": "Lisbon"}},
	}}
	caller := &mockCaller{err: &invoker.CallError{
		URL: "https://api.example.com/weather/Lisbon",
		Err: errors.New("connection refused"),
	}}
	m := newTestManager(pipeline, caller)

	state, err := m.Process(context.Background(), msg("t1", "weather in lisbon"))
	if err != nil {
		t.Fatalf("Process should not fail on invocation errors: %v", err)
	}
	texts := botTexts(state)
	if len(texts) != 1 || texts[0] != ServiceUnavailableMessage {
		t.Errorf("expected service unavailable reply, got %v", texts)
	}
}

func TestAPITriggerBadBodyTemplatePropagates(t *testing.T) {
	// The rendered json_data is not valid JSON: a local configuration bug,
	// not an invocation failure, so it must surface as an error instead of
	// the service-unavailable reply.
	pipeline := &mockPipeline{results: map[string]*models.NLUResult{
		"pay up": {Intent: models.NLUIntent{Name: "pay", Confidence: 0.95}, Entities: map[string]string{}},
	}}
	caller := &mockCaller{result: map[string]any{"ok": true}}
	m := newTestManager(pipeline, caller)

	intents := append(testIntents(), models.IntentModel{
		Name:       "Pay",
		IntentID:   "pay",
		APITrigger: true,
		APIDetails: &models.APIDetails{
			URL:         "https://api.example.com/pay",
			RequestType: "POST",
			IsJSON:      true,
			JSONData:    "{{ parameters.payload }}",
		},
		SpeechResponse: "Done.",
	})
	m.UpdateCatalog(intents)

	_, err := m.Process(context.Background(), msg("t1", "pay up"))
	if err == nil {
		t.Fatal("expected error for malformed request body")
	}
	if caller.calledURL != "" {
		t.Errorf("expected no API call, got one to %s", caller.calledURL)
	}
}

func TestCompletedIntentResetsOnNextTurn(t *testing.T) {
	pipeline := &mockPipeline{results: map[string]*models.NLUResult{
		"hi":                {Intent: models.NLUIntent{Name: "welcome", Confidence: 0.95}, Entities: map[string]string{}},
		"weather in lisbon": {Intent: models.NLUIntent{Name: "weather", Confidence: 0.95}, Entities: map[string]string{"city": "Lisbon"}},
	}}
	m := newTestManager(pipeline, &mockCaller{result: map[string]any{"temp": 18}})
	ctx := context.Background()

	state, err := m.Process(ctx, msg("t1", "weather in lisbon"))
	if err != nil {
		t.Fatalf("turn 1 failed: %v", err)
	}
	if !state.Complete {
		t.Fatal("expected complete state after turn 1")
	}

	// The completed slot state must not leak into the next activation.
	state, err = m.Process(ctx, msg("t1", "hi"))
	if err != nil {
		t.Fatalf("turn 2 failed: %v", err)
	}
	if state.Intent.ID != "welcome" {
		t.Errorf("expected welcome intent, got %s", state.Intent.ID)
	}
	if len(state.ExtractedParameters) != 0 {
		t.Errorf("expected extracted parameters reset, got %v", state.ExtractedParameters)
	}
}

func TestProcessPersistsState(t *testing.T) {
	pipeline := &mockPipeline{results: map[string]*models.NLUResult{
		"book me a flight": {Intent: models.NLUIntent{Name: "book_flight", Confidence: 0.92}, Entities: map[string]string{}},
	}}
	mem := memory.NewInMemorySaver()
	m := NewManager(
		WithMemory(mem),
		WithPipeline(pipeline),
		WithFallbackIntentID("fallback"),
		WithConfidenceThreshold(0.70),
	)
	m.UpdateCatalog(testIntents())

	state, err := m.Process(context.Background(), msg("t1", "book me a flight"))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	saved, err := mem.Get(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if saved == nil {
		t.Fatal("expected persisted state")
	}
	if saved.Intent.ID != state.Intent.ID || saved.CurrentNode != state.CurrentNode {
		t.Errorf("persisted state mismatch: got %s/%s, want %s/%s",
			saved.Intent.ID, saved.CurrentNode, state.Intent.ID, state.CurrentNode)
	}
}

func TestContextMergesAcrossTurns(t *testing.T) {
	pipeline := &mockPipeline{}
	m := newTestManager(pipeline, nil)
	ctx := context.Background()

	_, err := m.Process(ctx, &models.UserMessage{
		ThreadID: "t1", Text: "hello",
		Context: map[string]any{"channel": "facebook", "locale": "en"},
	})
	if err != nil {
		t.Fatalf("turn 1 failed: %v", err)
	}

	state, err := m.Process(ctx, &models.UserMessage{
		ThreadID: "t1", Text: "hello again",
		Context: map[string]any{"channel": "rest"},
	})
	if err != nil {
		t.Fatalf("turn 2 failed: %v", err)
	}
	if state.Context["channel"] != "rest" {
		t.Errorf("expected channel overwritten to rest, got %v", state.Context["channel"])
	}
	if state.Context["locale"] != "en" {
		t.Errorf("expected locale preserved, got %v", state.Context["locale"])
	}
}

func TestUpdateCatalogSwapsSnapshot(t *testing.T) {
	pipeline := &mockPipeline{results: map[string]*models.NLUResult{
		"ping": {Intent: models.NLUIntent{Name: "ping", Confidence: 0.95}, Entities: map[string]string{}},
	}}
	m := newTestManager(pipeline, nil)

	// Unknown before the reload, resolvable after.
	state, err := m.Process(context.Background(), msg("t1", "ping"))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if state.Intent.ID != "fallback" {
		t.Fatalf("expected fallback before reload, got %s", state.Intent.ID)
	}

	intents := append(testIntents(), models.IntentModel{
		Name: "Ping", IntentID: "ping", SpeechResponse: "pong",
	})
	m.UpdateCatalog(intents)

	state, err = m.Process(context.Background(), msg("t2", "ping"))
	if err != nil {
		t.Fatalf("Process failed after reload: %v", err)
	}
	if state.Intent.ID != "ping" {
		t.Errorf("expected ping after reload, got %s", state.Intent.ID)
	}
	if texts := botTexts(state); len(texts) != 1 || texts[0] != "pong" {
		t.Errorf("unexpected response: %v", texts)
	}
}
