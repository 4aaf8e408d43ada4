package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/dialogpipe/dialogpipe/internal/models"
	"github.com/dialogpipe/dialogpipe/internal/store"
)

// Default chat log paging constants
const (
	DefaultChatLogLimit = 50
	MaxChatLogLimit     = 500
)

// pathSegments splits the path remainder after a prefix into segments.
func pathSegments(path, prefix string) []string {
	rest := strings.TrimPrefix(path, prefix)
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}

// intentsHandler serves the intent catalog CRUD
// (GET|POST /api/v1/intents, GET|PUT|DELETE /api/v1/intents/{id}).
func (s *Server) intentsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.intentsHandler: request received", "method", r.Method, "path", r.URL.Path)

	segments := pathSegments(r.URL.Path, "/api/v1/intents")
	if len(segments) == 0 {
		switch r.Method {
		case http.MethodGet:
			s.listIntentsHandler(w, r)
		case http.MethodPost:
			s.createIntentHandler(w, r)
		default:
			w.Header().Set("Allow", "GET, POST")
			writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		}
		return
	}
	if len(segments) == 1 {
		intentID := segments[0]
		switch r.Method {
		case http.MethodGet:
			s.getIntentHandler(w, r, intentID)
		case http.MethodPut:
			s.updateIntentHandler(w, r, intentID)
		case http.MethodDelete:
			s.deleteIntentHandler(w, r, intentID)
		default:
			w.Header().Set("Allow", "GET, PUT, DELETE")
			writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		}
		return
	}
	writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown intent endpoint"))
}

func (s *Server) listIntentsHandler(w http.ResponseWriter, r *http.Request) {
	intents, err := s.st.ListIntents()
	if err != nil {
		slog.Error("Server.listIntentsHandler: failed to list intents", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch intents"))
		return
	}
	slog.Debug("Server.listIntentsHandler: intents fetched", "count", len(intents))
	writeJSONResponse(w, http.StatusOK, models.Success(intents))
}

func (s *Server) createIntentHandler(w http.ResponseWriter, r *http.Request) {
	var intent models.IntentModel
	if err := json.NewDecoder(r.Body).Decode(&intent); err != nil {
		slog.Warn("Server.createIntentHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := intent.Validate(); err != nil {
		slog.Warn("Server.createIntentHandler: validation failed", "error", err, "intent_id", intent.IntentID)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	intent.UserDefined = true
	if err := s.st.CreateIntent(intent); err != nil {
		slog.Error("Server.createIntentHandler: failed to create intent", "error", err, "intent_id", intent.IntentID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to create intent"))
		return
	}
	slog.Info("Server.createIntentHandler: intent created", "intent_id", intent.IntentID)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Intent created", intent))
}

func (s *Server) getIntentHandler(w http.ResponseWriter, r *http.Request, intentID string) {
	intent, err := s.st.GetIntent(intentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Intent not found"))
			return
		}
		slog.Error("Server.getIntentHandler: failed to fetch intent", "error", err, "intent_id", intentID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch intent"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(intent))
}

func (s *Server) updateIntentHandler(w http.ResponseWriter, r *http.Request, intentID string) {
	var intent models.IntentModel
	if err := json.NewDecoder(r.Body).Decode(&intent); err != nil {
		slog.Warn("Server.updateIntentHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	intent.IntentID = intentID
	if err := intent.Validate(); err != nil {
		slog.Warn("Server.updateIntentHandler: validation failed", "error", err, "intent_id", intentID)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if err := s.st.UpdateIntent(intent); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Intent not found"))
			return
		}
		slog.Error("Server.updateIntentHandler: failed to update intent", "error", err, "intent_id", intentID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to update intent"))
		return
	}
	slog.Info("Server.updateIntentHandler: intent updated", "intent_id", intentID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Intent updated", intent))
}

func (s *Server) deleteIntentHandler(w http.ResponseWriter, r *http.Request, intentID string) {
	if err := s.st.DeleteIntent(intentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Intent not found"))
			return
		}
		slog.Error("Server.deleteIntentHandler: failed to delete intent", "error", err, "intent_id", intentID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to delete intent"))
		return
	}
	slog.Info("Server.deleteIntentHandler: intent deleted", "intent_id", intentID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Intent deleted", nil))
}

// entitiesHandler serves the entity type CRUD
// (GET|POST /api/v1/entities, GET|PUT|DELETE /api/v1/entities/{name}).
func (s *Server) entitiesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.entitiesHandler: request received", "method", r.Method, "path", r.URL.Path)

	segments := pathSegments(r.URL.Path, "/api/v1/entities")
	if len(segments) == 0 {
		switch r.Method {
		case http.MethodGet:
			entities, err := s.st.ListEntityTypes()
			if err != nil {
				slog.Error("Server.entitiesHandler: failed to list entity types", "error", err)
				writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch entity types"))
				return
			}
			writeJSONResponse(w, http.StatusOK, models.Success(entities))
		case http.MethodPost:
			s.createEntityHandler(w, r)
		default:
			w.Header().Set("Allow", "GET, POST")
			writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		}
		return
	}
	if len(segments) == 1 {
		name := segments[0]
		switch r.Method {
		case http.MethodGet:
			entity, err := s.st.GetEntityType(name)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					writeJSONResponse(w, http.StatusNotFound, models.Error("Entity type not found"))
					return
				}
				slog.Error("Server.entitiesHandler: failed to fetch entity type", "error", err, "name", name)
				writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch entity type"))
				return
			}
			writeJSONResponse(w, http.StatusOK, models.Success(entity))
		case http.MethodPut:
			s.updateEntityHandler(w, r, name)
		case http.MethodDelete:
			if err := s.st.DeleteEntityType(name); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					writeJSONResponse(w, http.StatusNotFound, models.Error("Entity type not found"))
					return
				}
				slog.Error("Server.entitiesHandler: failed to delete entity type", "error", err, "name", name)
				writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to delete entity type"))
				return
			}
			slog.Info("Server.entitiesHandler: entity type deleted", "name", name)
			writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Entity type deleted", nil))
		default:
			w.Header().Set("Allow", "GET, PUT, DELETE")
			writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		}
		return
	}
	writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown entity endpoint"))
}

func (s *Server) createEntityHandler(w http.ResponseWriter, r *http.Request) {
	var entity models.EntityType
	if err := json.NewDecoder(r.Body).Decode(&entity); err != nil {
		slog.Warn("Server.createEntityHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := entity.Validate(); err != nil {
		slog.Warn("Server.createEntityHandler: validation failed", "error", err, "name", entity.Name)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if err := s.st.CreateEntityType(entity); err != nil {
		slog.Error("Server.createEntityHandler: failed to create entity type", "error", err, "name", entity.Name)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to create entity type"))
		return
	}
	slog.Info("Server.createEntityHandler: entity type created", "name", entity.Name)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Entity type created", entity))
}

func (s *Server) updateEntityHandler(w http.ResponseWriter, r *http.Request, name string) {
	var entity models.EntityType
	if err := json.NewDecoder(r.Body).Decode(&entity); err != nil {
		slog.Warn("Server.updateEntityHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	entity.Name = name
	if err := entity.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if err := s.st.UpdateEntityType(entity); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Entity type not found"))
			return
		}
		slog.Error("Server.updateEntityHandler: failed to update entity type", "error", err, "name", name)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to update entity type"))
		return
	}
	slog.Info("Server.updateEntityHandler: entity type updated", "name", name)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Entity type updated", entity))
}

// botsHandler serves bot configuration (GET|PUT /api/v1/bots/{name}/config).
func (s *Server) botsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.botsHandler: request received", "method", r.Method, "path", r.URL.Path)

	segments := pathSegments(r.URL.Path, "/api/v1/bots")
	if len(segments) != 2 || segments[1] != "config" {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown bot endpoint"))
		return
	}
	name := segments[0]

	switch r.Method {
	case http.MethodGet:
		bot, err := s.st.GetBot(name)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeJSONResponse(w, http.StatusNotFound, models.Error("Bot not found"))
				return
			}
			slog.Error("Server.botsHandler: failed to fetch bot", "error", err, "name", name)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch bot"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(bot))

	case http.MethodPut:
		var bot models.Bot
		if err := json.NewDecoder(r.Body).Decode(&bot); err != nil {
			slog.Warn("Server.botsHandler: failed to decode JSON", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
		bot.Name = name
		if err := bot.Validate(); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		if err := s.st.SaveBot(bot); err != nil {
			slog.Error("Server.botsHandler: failed to save bot", "error", err, "name", name)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save bot"))
			return
		}
		slog.Info("Server.botsHandler: bot config updated", "name", name)
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Bot config updated", bot))

	default:
		w.Header().Set("Allow", "GET, PUT")
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
	}
}

// integrationsHandler serves channel integrations
// (GET /api/v1/integrations, GET|PUT /api/v1/integrations/{id}).
func (s *Server) integrationsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.integrationsHandler: request received", "method", r.Method, "path", r.URL.Path)

	segments := pathSegments(r.URL.Path, "/api/v1/integrations")
	if len(segments) == 0 {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
			return
		}
		integrations, err := s.st.ListIntegrations()
		if err != nil {
			slog.Error("Server.integrationsHandler: failed to list integrations", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch integrations"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(integrations))
		return
	}
	if len(segments) == 1 {
		id := segments[0]
		switch r.Method {
		case http.MethodGet:
			integration, err := s.st.GetIntegration(id)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					writeJSONResponse(w, http.StatusNotFound, models.Error("Integration not found"))
					return
				}
				slog.Error("Server.integrationsHandler: failed to fetch integration", "error", err, "id", id)
				writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch integration"))
				return
			}
			writeJSONResponse(w, http.StatusOK, models.Success(integration))
		case http.MethodPut:
			var integration models.Integration
			if err := json.NewDecoder(r.Body).Decode(&integration); err != nil {
				slog.Warn("Server.integrationsHandler: failed to decode JSON", "error", err)
				writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
				return
			}
			integration.ID = id
			if err := s.st.UpdateIntegration(integration); err != nil {
				slog.Error("Server.integrationsHandler: failed to update integration", "error", err, "id", id)
				writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to update integration"))
				return
			}
			slog.Info("Server.integrationsHandler: integration updated", "id", id, "enabled", integration.Enabled)
			writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Integration updated", integration))
		default:
			w.Header().Set("Allow", "GET, PUT")
			writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		}
		return
	}
	writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown integration endpoint"))
}

// chatLogsHandler serves conversation transcripts
// (GET /api/v1/chatlogs?limit=&offset=, GET /api/v1/chatlogs/{thread_id}).
func (s *Server) chatLogsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.chatLogsHandler: request received", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	segments := pathSegments(r.URL.Path, "/api/v1/chatlogs")
	if len(segments) == 0 {
		limit := DefaultChatLogLimit
		offset := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
				limit = parsed
			}
		}
		if limit > MaxChatLogLimit {
			limit = MaxChatLogLimit
		}
		if v := r.URL.Query().Get("offset"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
				offset = parsed
			}
		}
		logs, err := s.st.ListChatLogs(limit, offset)
		if err != nil {
			slog.Error("Server.chatLogsHandler: failed to list chat logs", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch chat logs"))
			return
		}
		slog.Debug("Server.chatLogsHandler: chat logs fetched", "count", len(logs))
		writeJSONResponse(w, http.StatusOK, models.Success(logs))
		return
	}
	if len(segments) == 1 {
		threadID := segments[0]
		logs, err := s.st.GetChatThread(threadID)
		if err != nil {
			slog.Error("Server.chatLogsHandler: failed to fetch thread", "error", err, "thread_id", threadID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch chat thread"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(logs))
		return
	}
	writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown chat log endpoint"))
}
