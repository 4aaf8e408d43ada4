package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/dialogpipe/dialogpipe/internal/channels"
	"github.com/dialogpipe/dialogpipe/internal/dialogue"
	"github.com/dialogpipe/dialogpipe/internal/models"
	"github.com/dialogpipe/dialogpipe/internal/store"
)

// mockManager is a canned dialogueManager for handler tests.
type mockManager struct {
	replies  []string
	err      error
	ready    bool
	messages []*models.UserMessage
	catalog  []models.IntentModel
}

func (m *mockManager) Process(ctx context.Context, message *models.UserMessage) (*models.State, error) {
	m.messages = append(m.messages, message)
	if m.err != nil {
		return nil, m.err
	}
	state := models.NewState(message.ThreadID)
	state.UserMessage = message
	state.Intent = models.ActiveIntent{ID: "welcome"}
	for _, reply := range m.replies {
		state.BotMessage = append(state.BotMessage, models.BotMessage{Text: reply})
	}
	return state, nil
}

func (m *mockManager) UpdateCatalog(intents []models.IntentModel) { m.catalog = intents }

func (m *mockManager) Ready() bool { return m.ready }

func newTestServer(t *testing.T, manager *mockManager) (*Server, store.Store) {
	t.Helper()
	st := store.NewInMemoryStore()
	if err := store.EnsureDefaults(st); err != nil {
		t.Fatalf("EnsureDefaults failed: %v", err)
	}
	srv, err := NewServer(WithManager(manager), WithStore(st))
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return srv, st
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return resp
}

func TestNewServerRequiresManagerAndStore(t *testing.T) {
	if _, err := NewServer(WithStore(store.NewInMemoryStore())); err == nil {
		t.Error("expected error without manager")
	}
	if _, err := NewServer(WithManager(&mockManager{})); err == nil {
		t.Error("expected error without store")
	}
}

func TestChatHandlerSuccess(t *testing.T) {
	manager := &mockManager{replies: []string{"Hi", "How can I help you?"}, ready: true}
	srv, st := newTestServer(t, manager)
	mux := srv.routes()

	body := bytes.NewBufferString(`{"thread_id": "t1", "text": "hello"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", body)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	resp := decodeResponse(t, rec)
	if resp.Status != "ok" {
		t.Errorf("response status = %q", resp.Status)
	}

	if len(manager.messages) != 1 {
		t.Fatalf("expected 1 processed message, got %d", len(manager.messages))
	}
	if manager.messages[0].Context["channel"] != "rest" {
		t.Errorf("expected rest channel context, got %v", manager.messages[0].Context)
	}

	// Every REST turn lands in the chat log.
	logs, err := st.GetChatThread("t1")
	if err != nil {
		t.Fatalf("GetChatThread failed: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected 1 chat log, got %d", len(logs))
	}
	if logs[0].UserText != "hello" || logs[0].IntentID != "welcome" {
		t.Errorf("unexpected chat log: %+v", logs[0])
	}
}

func TestChatHandlerValidation(t *testing.T) {
	srv, _ := newTestServer(t, &mockManager{ready: true})
	mux := srv.routes()

	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", `{not json`, http.StatusBadRequest},
		{"missing thread id", `{"text": "hello"}`, http.StatusBadRequest},
		{"empty text", `{"thread_id": "t1"}`, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/chat", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestChatHandlerPipelineNotReady(t *testing.T) {
	srv, _ := newTestServer(t, &mockManager{err: dialogue.ErrPipelineNotReady})
	mux := srv.routes()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat",
		strings.NewReader(`{"thread_id": "t1", "text": "hello"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func enableIntegration(t *testing.T, st store.Store, id string, settings map[string]string) {
	t.Helper()
	integration, err := st.GetIntegration(id)
	if err != nil {
		t.Fatalf("GetIntegration(%q) failed: %v", id, err)
	}
	integration.Enabled = true
	integration.Settings = settings
	if err := st.UpdateIntegration(*integration); err != nil {
		t.Fatalf("UpdateIntegration(%q) failed: %v", id, err)
	}
}

func TestFacebookWebhookDisabledIntegration(t *testing.T) {
	srv, _ := newTestServer(t, &mockManager{ready: true})
	mux := srv.routes()

	// Integrations are seeded disabled; the webhook hides until enabled.
	req := httptest.NewRequest(http.MethodGet, "/webhooks/facebook", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestFacebookWebhookVerification(t *testing.T) {
	srv, st := newTestServer(t, &mockManager{ready: true})
	enableIntegration(t, st, "facebook", map[string]string{"verify": "secret"})
	mux := srv.routes()

	query := url.Values{}
	query.Set("hub.mode", "subscribe")
	query.Set("hub.verify_token", "secret")
	query.Set("hub.challenge", "12345")
	req := httptest.NewRequest(http.MethodGet, "/webhooks/facebook?"+query.Encode(), nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.String() != "12345" {
		t.Errorf("challenge = %q", rec.Body.String())
	}

	query.Set("hub.verify_token", "wrong")
	req = httptest.NewRequest(http.MethodGet, "/webhooks/facebook?"+query.Encode(), nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}
}

func TestFacebookWebhookProcessesEvents(t *testing.T) {
	manager := &mockManager{replies: []string{"Hi"}, ready: true}
	srv, st := newTestServer(t, manager)
	enableIntegration(t, st, "facebook", map[string]string{"verify": "secret"})
	sender := channels.NewMockFacebookSender()
	srv.fbSender = sender
	mux := srv.routes()

	payload := `{
		"object": "page",
		"entry": [{
			"id": "page-1",
			"messaging": [{"sender": {"id": "user-1"}, "message": {"text": "hello"}}]
		}]
	}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/facebook", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(manager.messages) != 1 || manager.messages[0].ThreadID != "user-1" {
		t.Fatalf("unexpected processed messages: %+v", manager.messages)
	}
	if len(sender.SentMessages) != 1 || sender.SentMessages[0].Body != "Hi" {
		t.Errorf("unexpected sends: %+v", sender.SentMessages)
	}
	logs, err := st.GetChatThread("user-1")
	if err != nil || len(logs) != 1 {
		t.Errorf("expected recorded chat log, got %v, %v", logs, err)
	}
}

func TestTwilioWebhookProcessesMessage(t *testing.T) {
	manager := &mockManager{replies: []string{"Hi"}, ready: true}
	srv, st := newTestServer(t, manager)
	enableIntegration(t, st, "twilio", nil)
	sender := channels.NewMockTwilioSender()
	srv.twSender = sender
	mux := srv.routes()

	form := url.Values{}
	form.Set("From", "whatsapp:+15551234567")
	form.Set("Body", "hello")
	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "<Response></Response>" {
		t.Errorf("body = %q, want TwiML response", rec.Body.String())
	}
	if len(sender.SentMessages) != 1 || sender.SentMessages[0].To != "whatsapp:+15551234567" {
		t.Errorf("unexpected sends: %+v", sender.SentMessages)
	}
}

func TestTwilioWebhookDisabledIntegration(t *testing.T) {
	srv, _ := newTestServer(t, &mockManager{ready: true})
	srv.twSender = channels.NewMockTwilioSender()
	mux := srv.routes()

	form := url.Values{}
	form.Set("From", "whatsapp:+1555")
	form.Set("Body", "hello")
	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestIntentCRUDEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, &mockManager{ready: true})
	mux := srv.routes()

	intent := `{
		"name": "Book Flight",
		"intent_id": "book_flight",
		"speech_response": "Booking your flight",
		"parameters": [{"name": "city", "type": "city", "required": true, "prompt": "Which city?"}]
	}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/intents", strings.NewReader(intent))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/intents/book_flight", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	resp := decodeResponse(t, rec)
	result, _ := resp.Result.(map[string]any)
	if result["intent_id"] != "book_flight" {
		t.Errorf("unexpected intent: %v", resp.Result)
	}
	if result["user_defined"] != true {
		t.Error("created intent should be flagged user_defined")
	}

	update := `{"name": "Book Flight v2", "speech_response": "Booking"}`
	req = httptest.NewRequest(http.MethodPut, "/api/v1/intents/book_flight", strings.NewReader(update))
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d, body = %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/intents/book_flight", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/intents/book_flight", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestCreateIntentValidation(t *testing.T) {
	srv, _ := newTestServer(t, &mockManager{ready: true})
	mux := srv.routes()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/intents",
		strings.NewReader(`{"name": "No ID", "speech_response": "hi"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestEntityEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, &mockManager{ready: true})
	mux := srv.routes()

	entity := `{"name": "city", "values": [{"value": "Toronto", "synonyms": ["YYZ"]}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/entities", strings.NewReader(entity))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/entities/city", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/entities/city", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/entities/city", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d", rec.Code)
	}
}

func TestBotConfigEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, &mockManager{ready: true})
	mux := srv.routes()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/bots/default/config", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	update := `{"nlu_config": {"fallback_intent_id": "fallback", "confidence_threshold": 0.85}}`
	req = httptest.NewRequest(http.MethodPut, "/api/v1/bots/default/config", strings.NewReader(update))
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("put status = %d, body = %s", rec.Code, rec.Body.String())
	}

	bad := `{"nlu_config": {"confidence_threshold": 1.5}}`
	req = httptest.NewRequest(http.MethodPut, "/api/v1/bots/default/config", strings.NewReader(bad))
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid threshold status = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/bots/default", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get without /config status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestIntegrationEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, &mockManager{ready: true})
	mux := srv.routes()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/integrations", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}

	update := `{"name": "Facebook Messenger", "enabled": true, "settings": {"verify": "tok"}}`
	req = httptest.NewRequest(http.MethodPut, "/api/v1/integrations/facebook", strings.NewReader(update))
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("put status = %d, body = %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/integrations/facebook", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	resp := decodeResponse(t, rec)
	result, _ := resp.Result.(map[string]any)
	if result["enabled"] != true {
		t.Errorf("integration should be enabled: %v", resp.Result)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/integrations/unknown", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown integration status = %d", rec.Code)
	}
}

func TestChatLogsEndpoints(t *testing.T) {
	srv, st := newTestServer(t, &mockManager{ready: true})
	mux := srv.routes()

	for _, text := range []string{"one", "two", "three"} {
		if err := st.AddChatLog(models.ChatLog{ThreadID: "t1", UserText: text, BotText: "ok"}); err != nil {
			t.Fatalf("AddChatLog failed: %v", err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/chatlogs?limit=2", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	resp := decodeResponse(t, rec)
	logs, _ := resp.Result.([]any)
	if len(logs) != 2 {
		t.Errorf("expected 2 logs with limit=2, got %d", len(logs))
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/chatlogs/t1", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("thread status = %d", rec.Code)
	}
	resp = decodeResponse(t, rec)
	logs, _ = resp.Result.([]any)
	if len(logs) != 3 {
		t.Errorf("expected 3 thread logs, got %d", len(logs))
	}
}

func TestNLUBuildEndpoint(t *testing.T) {
	manager := &mockManager{ready: true}
	srv, _ := newTestServer(t, manager)
	mux := srv.routes()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/nlu/build", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	// The seeded catalog lands in the manager.
	if len(manager.catalog) == 0 {
		t.Error("expected catalog to be installed in the manager")
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/nlu/build", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	srv, _ := newTestServer(t, &mockManager{ready: true})
	mux := srv.routes()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/readiness", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("readiness status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestReadinessNotReady(t *testing.T) {
	srv, _ := newTestServer(t, &mockManager{ready: false})
	mux := srv.routes()

	req := httptest.NewRequest(http.MethodGet, "/readiness", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readiness status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}
