// Package channels adapts external messaging surfaces (Facebook Messenger,
// Twilio) to the dialogue manager. Each adapter turns an inbound webhook
// event into a UserMessage, runs it through the conversation core, and
// delivers the resulting bot message segments back over the channel.
package channels

import (
	"context"

	"github.com/dialogpipe/dialogpipe/internal/models"
)

// Processor runs one conversation turn. *dialogue.Manager satisfies it.
type Processor interface {
	Process(ctx context.Context, message *models.UserMessage) (*models.State, error)
}
