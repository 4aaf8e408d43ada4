package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dialogpipe/dialogpipe/internal/channels"
	"github.com/dialogpipe/dialogpipe/internal/dialogue"
	"github.com/dialogpipe/dialogpipe/internal/metrics"
	"github.com/dialogpipe/dialogpipe/internal/models"
	"github.com/dialogpipe/dialogpipe/internal/template"
)

// recordingProcessor runs a turn through the dialogue manager and records
// the outcome: chat log row, conversation event, processed counter. Channel
// adapters and the REST endpoint share it so every surface is logged the
// same way.
type recordingProcessor struct {
	s       *Server
	channel string
}

func (p recordingProcessor) Process(ctx context.Context, message *models.UserMessage) (*models.State, error) {
	state, err := p.s.manager.Process(ctx, message)
	if err != nil {
		return nil, err
	}
	p.s.recordTurn(state, p.channel)
	return state, nil
}

// recordTurn persists the chat log and publishes the conversation event.
// Recording failures are logged, never surfaced to the user.
func (s *Server) recordTurn(state *models.State, channel string) {
	log := models.ChatLog{
		ThreadID: state.ThreadID,
		BotText:  strings.Join(state.BotText(), template.SentenceDelimiter),
		IntentID: state.ActiveIntentID(),
		Date:     state.Date,
	}
	if state.UserMessage != nil {
		log.UserText = state.UserMessage.Text
	}
	if err := s.st.AddChatLog(log); err != nil {
		slog.Error("Server.recordTurn: failed to add chat log", "error", err, "thread_id", state.ThreadID)
	}

	s.publisher.PublishTurn(state)
	metrics.MessagesProcessed.WithLabelValues(channel).Inc()
}

// writeProcessError maps a dialogue processing failure to a response.
func writeProcessError(w http.ResponseWriter, err error) {
	if errors.Is(err, dialogue.ErrPipelineNotReady) {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process message"))
}

// chatHandler processes one REST conversation turn (POST /api/v1/chat).
func (s *Server) chatHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.chatHandler: processing chat request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.chatHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var message models.UserMessage
	if err := json.NewDecoder(r.Body).Decode(&message); err != nil {
		slog.Warn("Server.chatHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := message.Validate(); err != nil {
		slog.Warn("Server.chatHandler: validation failed", "error", err, "thread_id", message.ThreadID)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if message.Context == nil {
		message.Context = map[string]any{}
	}
	if _, ok := message.Context["channel"]; !ok {
		message.Context["channel"] = "rest"
	}

	state, err := recordingProcessor{s: s, channel: "rest"}.Process(r.Context(), &message)
	if err != nil {
		slog.Error("Server.chatHandler: failed to process message", "error", err, "thread_id", message.ThreadID)
		writeProcessError(w, err)
		return
	}

	slog.Info("Server.chatHandler: turn processed", "thread_id", state.ThreadID,
		"intent_id", state.ActiveIntentID(), "complete", state.Complete)
	writeJSONResponse(w, http.StatusOK, models.Success(state))
}

// facebookIntegration loads the facebook integration and rejects the
// request when it is missing or disabled.
func (s *Server) facebookIntegration(w http.ResponseWriter) (*models.Integration, bool) {
	integration, err := s.st.GetIntegration("facebook")
	if err != nil || !integration.Enabled {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Facebook integration not configured or disabled"))
		return nil, false
	}
	return integration, true
}

// facebookWebhookHandler serves the Messenger webhook: GET answers the
// verification handshake, POST processes messaging events.
func (s *Server) facebookWebhookHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.facebookWebhookHandler: request received", "method", r.Method)

	integration, ok := s.facebookIntegration(w)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		query := r.URL.Query()
		receiver := channels.NewFacebookReceiver(integration.Settings["verify"], nil, nil)
		challenge, valid := receiver.Verify(query.Get("hub.mode"), query.Get("hub.verify_token"), query.Get("hub.challenge"))
		if !valid {
			slog.Warn("Server.facebookWebhookHandler: verification failed")
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(challenge)); err != nil {
			slog.Error("Server.facebookWebhookHandler: failed to write challenge", "error", err)
		}

	case http.MethodPost:
		if r.Body != nil {
			defer r.Body.Close()
		}
		if s.fbSender == nil {
			writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Facebook sender not configured"))
			return
		}
		var payload channels.FacebookWebhookPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			slog.Warn("Server.facebookWebhookHandler: failed to decode payload", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}

		receiver := channels.NewFacebookReceiver(integration.Settings["verify"],
			recordingProcessor{s: s, channel: "facebook"}, s.fbSender)
		if err := receiver.ProcessWebhookEvent(r.Context(), &payload); err != nil {
			slog.Error("Server.facebookWebhookHandler: failed to process webhook", "error", err)
			writeProcessError(w, err)
			return
		}
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Processed", nil))

	default:
		w.Header().Set("Allow", "GET, POST")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// twilioWebhookHandler processes inbound Twilio messages (POST
// /webhooks/twilio). Twilio posts form-encoded From and Body fields and
// expects a TwiML response.
func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.twilioWebhookHandler: request received", "method", r.Method)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	integration, err := s.st.GetIntegration("twilio")
	if err != nil || !integration.Enabled {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Twilio integration not configured or disabled"))
		return
	}
	if s.twSender == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Twilio sender not configured"))
		return
	}

	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.twilioWebhookHandler: failed to parse form", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid form data"))
		return
	}

	receiver := channels.NewTwilioReceiver(recordingProcessor{s: s, channel: "twilio"}, s.twSender)
	if err := receiver.HandleMessage(r.Context(), r.FormValue("From"), r.FormValue("Body")); err != nil {
		slog.Error("Server.twilioWebhookHandler: failed to handle message", "error", err)
		writeProcessError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("<Response></Response>")); err != nil {
		slog.Error("Server.twilioWebhookHandler: failed to write response", "error", err)
	}
}

// nluBuildHandler rebuilds the intent and entity catalogs from the store
// (POST /api/v1/nlu/build). Conversations pick up the new snapshot on
// their next turn.
func (s *Server) nluBuildHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.nluBuildHandler: request received", "method", r.Method)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if err := s.rebuildCatalog(); err != nil {
		slog.Error("Server.nluBuildHandler: rebuild failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to build models"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Models built successfully", nil))
}
