package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dialogpipe/dialogpipe/internal/models"
)

// rowScanner abstracts sql.Row and sql.Rows for the shared scan helpers.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanIntent reads one intent row. Nested documents (api_details,
// parameters, training_data) are stored as JSON columns.
func scanIntent(row rowScanner) (models.IntentModel, error) {
	var intent models.IntentModel
	var apiDetails sql.NullString
	var parameters, trainingData []byte
	err := row.Scan(
		&intent.IntentID, &intent.Name, &intent.UserDefined, &intent.APITrigger,
		&apiDetails, &intent.SpeechResponse, &parameters, &trainingData,
	)
	if err != nil {
		return intent, err
	}
	intent.ID = intent.IntentID
	if apiDetails.Valid && apiDetails.String != "" {
		var details models.APIDetails
		if err := json.Unmarshal([]byte(apiDetails.String), &details); err != nil {
			return intent, fmt.Errorf("failed to decode api_details for %s: %w", intent.IntentID, err)
		}
		intent.APIDetails = &details
	}
	if len(parameters) > 0 {
		if err := json.Unmarshal(parameters, &intent.Parameters); err != nil {
			return intent, fmt.Errorf("failed to decode parameters for %s: %w", intent.IntentID, err)
		}
	}
	if len(trainingData) > 0 {
		if err := json.Unmarshal(trainingData, &intent.TrainingData); err != nil {
			return intent, fmt.Errorf("failed to decode training_data for %s: %w", intent.IntentID, err)
		}
	}
	return intent, nil
}

// intentColumns marshals the JSON columns of an intent for insertion.
func intentColumns(intent models.IntentModel) (apiDetails any, parameters, trainingData []byte, err error) {
	if intent.APIDetails != nil {
		data, err := json.Marshal(intent.APIDetails)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to encode api_details: %w", err)
		}
		apiDetails = string(data)
	}
	if intent.Parameters == nil {
		intent.Parameters = []models.ParameterModel{}
	}
	parameters, err = json.Marshal(intent.Parameters)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to encode parameters: %w", err)
	}
	if intent.TrainingData == nil {
		intent.TrainingData = []models.TrainingPhrase{}
	}
	trainingData, err = json.Marshal(intent.TrainingData)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to encode training_data: %w", err)
	}
	return apiDetails, parameters, trainingData, nil
}

// scanEntityType reads one entity type row.
func scanEntityType(row rowScanner) (models.EntityType, error) {
	var entity models.EntityType
	var values []byte
	if err := row.Scan(&entity.Name, &values); err != nil {
		return entity, err
	}
	entity.ID = entity.Name
	if len(values) > 0 {
		if err := json.Unmarshal(values, &entity.Values); err != nil {
			return entity, fmt.Errorf("failed to decode values for entity %s: %w", entity.Name, err)
		}
	}
	return entity, nil
}

// scanChatLog reads one chat log row.
func scanChatLog(row rowScanner) (models.ChatLog, error) {
	var log models.ChatLog
	err := row.Scan(&log.ID, &log.ThreadID, &log.UserText, &log.BotText, &log.IntentID, &log.Date)
	return log, err
}

// Default bot configuration seeded on first start.
const (
	DefaultBotName             = "default"
	DefaultFallbackIntentID    = "fallback"
	DefaultConfidenceThreshold = 0.70
)

// EnsureDefaults seeds the default bot and the built-in intents the
// dialogue manager relies on (fallback, cancel, welcome) when absent.
func EnsureDefaults(st Store) error {
	if _, err := st.GetBot(DefaultBotName); errors.Is(err, ErrNotFound) {
		bot := models.Bot{
			Name: DefaultBotName,
			NLUConfig: models.NLUConfig{
				FallbackIntentID:    DefaultFallbackIntentID,
				ConfidenceThreshold: DefaultConfidenceThreshold,
			},
			UpdatedAt: time.Now().UTC(),
		}
		if err := st.SaveBot(bot); err != nil {
			return fmt.Errorf("failed to seed default bot: %w", err)
		}
	} else if err != nil {
		return err
	}

	builtins := []models.IntentModel{
		{
			IntentID:       DefaultFallbackIntentID,
			Name:           "Fallback",
			SpeechResponse: "Sorry, I did not get you. Can you rephrase?",
		},
		{
			IntentID:       models.CancelIntentID,
			Name:           "Cancel",
			SpeechResponse: "Okay, cancelled.",
		},
		{
			IntentID:       "welcome",
			Name:           "Welcome",
			SpeechResponse: "Hi###How can I help you?",
		},
	}
	for _, intent := range builtins {
		if _, err := st.GetIntent(intent.IntentID); errors.Is(err, ErrNotFound) {
			if err := st.CreateIntent(intent); err != nil {
				return fmt.Errorf("failed to seed intent %s: %w", intent.IntentID, err)
			}
		} else if err != nil {
			return err
		}
	}

	// Channel integrations start disabled; operators enable them with
	// their credentials through the admin API.
	integrations := []models.Integration{
		{ID: "facebook", Name: "Facebook Messenger"},
		{ID: "twilio", Name: "Twilio"},
	}
	for _, integration := range integrations {
		if _, err := st.GetIntegration(integration.ID); errors.Is(err, ErrNotFound) {
			if err := st.UpdateIntegration(integration); err != nil {
				return fmt.Errorf("failed to seed integration %s: %w", integration.ID, err)
			}
		} else if err != nil {
			return err
		}
	}
	return nil
}
