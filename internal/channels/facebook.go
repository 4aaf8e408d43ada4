package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/dialogpipe/dialogpipe/internal/models"
)

// GraphAPIURL is the Facebook Send API endpoint.
const GraphAPIURL = "https://graph.facebook.com/v18.0/me/messages"

// FacebookSender delivers messages through the Facebook Send API.
type FacebookSender interface {
	SendMessage(ctx context.Context, recipientID, text string) error
	SendTypingIndicator(ctx context.Context, recipientID string, typing bool) error
}

// FacebookOpts holds configuration options for the Facebook client.
type FacebookOpts struct {
	AccessToken string
	APIURL      string
	HTTPClient  *http.Client
}

// FacebookOption defines a configuration option for the Facebook client.
type FacebookOption func(*FacebookOpts)

// WithAccessToken sets the page access token.
func WithAccessToken(token string) FacebookOption {
	return func(o *FacebookOpts) { o.AccessToken = token }
}

// WithGraphAPIURL overrides the Send API endpoint. Used in tests.
func WithGraphAPIURL(url string) FacebookOption {
	return func(o *FacebookOpts) { o.APIURL = url }
}

// WithHTTPClient sets the HTTP client used for Send API calls.
func WithHTTPClient(client *http.Client) FacebookOption {
	return func(o *FacebookOpts) { o.HTTPClient = client }
}

// FacebookClient is the Send API implementation of FacebookSender.
type FacebookClient struct {
	accessToken string
	apiURL      string
	client      *http.Client
}

// NewFacebookClient creates a Facebook Send API client. The access token
// falls back to the FACEBOOK_PAGE_ACCESS_TOKEN environment variable.
func NewFacebookClient(opts ...FacebookOption) (*FacebookClient, error) {
	var cfg FacebookOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccessToken == "" {
		cfg.AccessToken = os.Getenv("FACEBOOK_PAGE_ACCESS_TOKEN")
	}
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("facebook page access token must be provided")
	}
	if cfg.APIURL == "" {
		cfg.APIURL = GraphAPIURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &FacebookClient{
		accessToken: cfg.AccessToken,
		apiURL:      cfg.APIURL,
		client:      cfg.HTTPClient,
	}, nil
}

// SendMessage sends one text message to a Messenger recipient.
func (c *FacebookClient) SendMessage(ctx context.Context, recipientID, text string) error {
	payload := map[string]any{
		"recipient": map[string]any{"id": recipientID},
		"message":   map[string]any{"text": text},
	}
	return c.post(ctx, recipientID, payload)
}

// SendTypingIndicator toggles the typing indicator for a recipient.
func (c *FacebookClient) SendTypingIndicator(ctx context.Context, recipientID string, typing bool) error {
	action := "typing_on"
	if !typing {
		action = "typing_off"
	}
	payload := map[string]any{
		"recipient":     map[string]any{"id": recipientID},
		"sender_action": action,
	}
	return c.post(ctx, recipientID, payload)
}

func (c *FacebookClient) post(ctx context.Context, recipientID string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode send payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"?access_token="+c.accessToken, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		slog.Error("FacebookClient.post: send failed", "error", err, "recipient_id", recipientID)
		return fmt.Errorf("failed to send message to %s: %w", recipientID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		slog.Error("FacebookClient.post: non-OK response", "status", resp.StatusCode,
			"recipient_id", recipientID, "body", string(respBody))
		return fmt.Errorf("facebook send API returned status %d", resp.StatusCode)
	}
	slog.Debug("FacebookClient.post: message sent", "recipient_id", recipientID)
	return nil
}

// FacebookWebhookPayload is the envelope Facebook posts to the webhook.
type FacebookWebhookPayload struct {
	Object string          `json:"object"`
	Entry  []FacebookEntry `json:"entry"`
}

// FacebookEntry is one page entry inside a webhook payload.
type FacebookEntry struct {
	ID        string                   `json:"id"`
	Messaging []FacebookMessagingEvent `json:"messaging"`
}

// FacebookMessagingEvent is one messaging event: a text message or a
// postback button press.
type FacebookMessagingEvent struct {
	Sender struct {
		ID string `json:"id"`
	} `json:"sender"`
	Timestamp int64 `json:"timestamp"`
	Message   *struct {
		Text string `json:"text"`
	} `json:"message,omitempty"`
	Postback *struct {
		Payload string `json:"payload"`
	} `json:"postback,omitempty"`
}

// FacebookReceiver routes inbound Messenger webhook events through the
// dialogue manager and sends the replies back via the Send API.
type FacebookReceiver struct {
	verifyToken string
	processor   Processor
	sender      FacebookSender
}

// NewFacebookReceiver creates a receiver. verifyToken is compared against
// the hub.verify_token query parameter during webhook verification.
func NewFacebookReceiver(verifyToken string, processor Processor, sender FacebookSender) *FacebookReceiver {
	return &FacebookReceiver{verifyToken: verifyToken, processor: processor, sender: sender}
}

// Verify answers a Facebook webhook verification handshake. It returns the
// challenge to echo and whether the handshake is valid.
func (r *FacebookReceiver) Verify(mode, token, challenge string) (string, bool) {
	if mode == "subscribe" && token == r.verifyToken {
		return challenge, true
	}
	return "", false
}

// ProcessWebhookEvent walks every messaging event in the payload and runs
// each through the dialogue manager. The sender id doubles as thread id.
func (r *FacebookReceiver) ProcessWebhookEvent(ctx context.Context, payload *FacebookWebhookPayload) error {
	for _, entry := range payload.Entry {
		for _, event := range entry.Messaging {
			if err := r.processMessagingEvent(ctx, &event, entry.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *FacebookReceiver) processMessagingEvent(ctx context.Context, event *FacebookMessagingEvent, pageID string) error {
	senderID := event.Sender.ID
	if senderID == "" {
		return nil
	}

	msgContext := map[string]any{
		"channel":   "facebook",
		"page_id":   pageID,
		"timestamp": event.Timestamp,
	}

	var text string
	switch {
	case event.Message != nil && event.Message.Text != "":
		text = event.Message.Text
	case event.Postback != nil:
		text = event.Postback.Payload
		msgContext["is_postback"] = true
	default:
		return nil
	}

	return r.handleMessage(ctx, senderID, text, msgContext)
}

func (r *FacebookReceiver) handleMessage(ctx context.Context, senderID, text string, msgContext map[string]any) error {
	if err := r.sender.SendTypingIndicator(ctx, senderID, true); err != nil {
		slog.Warn("FacebookReceiver.handleMessage: typing indicator failed", "error", err, "sender_id", senderID)
	}

	state, err := r.processor.Process(ctx, &models.UserMessage{
		ThreadID: senderID,
		Text:     text,
		Context:  msgContext,
	})
	if err != nil {
		return fmt.Errorf("failed to process facebook message: %w", err)
	}

	for _, segment := range state.BotText() {
		if err := r.sender.SendMessage(ctx, senderID, segment); err != nil {
			return err
		}
	}
	return nil
}

// MockFacebookSender records sends for tests.
type MockFacebookSender struct {
	SentMessages []SentMessage
	TypingEvents []TypingEvent
}

// SentMessage is one recorded outbound message.
type SentMessage struct {
	To   string
	Body string
}

// TypingEvent is one recorded typing indicator toggle.
type TypingEvent struct {
	To     string
	Typing bool
}

// NewMockFacebookSender creates an empty mock sender.
func NewMockFacebookSender() *MockFacebookSender {
	return &MockFacebookSender{SentMessages: []SentMessage{}, TypingEvents: []TypingEvent{}}
}

func (m *MockFacebookSender) SendMessage(ctx context.Context, recipientID, text string) error {
	m.SentMessages = append(m.SentMessages, SentMessage{To: recipientID, Body: text})
	return nil
}

func (m *MockFacebookSender) SendTypingIndicator(ctx context.Context, recipientID string, typing bool) error {
	m.TypingEvents = append(m.TypingEvents, TypingEvent{To: recipientID, Typing: typing})
	return nil
}
