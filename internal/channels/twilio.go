package channels

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/dialogpipe/dialogpipe/internal/models"
)

// TwilioSender delivers messages through the Twilio REST API.
type TwilioSender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// TwilioOpts holds configuration options for the Twilio client.
type TwilioOpts struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

// TwilioOption defines a configuration option for the Twilio client.
type TwilioOption func(*TwilioOpts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) TwilioOption {
	return func(o *TwilioOpts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) TwilioOption {
	return func(o *TwilioOpts) { o.AuthToken = token }
}

// WithFromNumber sets the sending number, in "whatsapp:+1234567890" format
// for WhatsApp or plain E.164 for SMS.
func WithFromNumber(from string) TwilioOption {
	return func(o *TwilioOpts) { o.FromNumber = from }
}

// TwilioClient wraps the Twilio REST API.
type TwilioClient struct {
	client     *twilio.RestClient
	fromNumber string
}

// NewTwilioClient creates a Twilio client. Credentials fall back to the
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER environment
// variables when not provided via options.
func NewTwilioClient(opts ...TwilioOption) (*TwilioClient, error) {
	var cfg TwilioOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	}
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioClient{client: client, fromNumber: cfg.FromNumber}, nil
}

// SendMessage sends one message via the Twilio REST API.
func (c *TwilioClient) SendMessage(ctx context.Context, to string, body string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(c.fromNumber)
	params.SetBody(body)

	if _, err := c.client.Api.CreateMessage(params); err != nil {
		slog.Error("TwilioClient.SendMessage: send failed", "to", to, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("TwilioClient.SendMessage: message sent", "to", to)
	return nil
}

// TwilioReceiver routes inbound Twilio webhook messages through the
// dialogue manager and replies via the REST API. The sender number doubles
// as thread id.
type TwilioReceiver struct {
	processor Processor
	sender    TwilioSender
}

// NewTwilioReceiver creates a receiver.
func NewTwilioReceiver(processor Processor, sender TwilioSender) *TwilioReceiver {
	return &TwilioReceiver{processor: processor, sender: sender}
}

// HandleMessage processes one inbound message and sends each reply segment
// back to the sender.
func (r *TwilioReceiver) HandleMessage(ctx context.Context, from, body string) error {
	if from == "" || body == "" {
		return fmt.Errorf("from and body must be provided")
	}

	state, err := r.processor.Process(ctx, &models.UserMessage{
		ThreadID: from,
		Text:     body,
		Context:  map[string]any{"channel": "twilio"},
	})
	if err != nil {
		return fmt.Errorf("failed to process twilio message: %w", err)
	}

	for _, segment := range state.BotText() {
		if err := r.sender.SendMessage(ctx, from, segment); err != nil {
			return err
		}
	}
	return nil
}

// MockTwilioSender records sends for tests.
type MockTwilioSender struct {
	SentMessages []SentMessage
}

// NewMockTwilioSender creates an empty mock sender.
func NewMockTwilioSender() *MockTwilioSender {
	return &MockTwilioSender{SentMessages: []SentMessage{}}
}

func (m *MockTwilioSender) SendMessage(ctx context.Context, to string, body string) error {
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body})
	return nil
}
