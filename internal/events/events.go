// Package events publishes conversation turn events to NATS so downstream
// consumers (analytics, transcripts, escalation) can observe traffic
// without sitting in the request path.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/dialogpipe/dialogpipe/internal/models"
)

// DefaultSubject is the subject conversation events are published on.
const DefaultSubject = "dialogpipe.conversations"

// ConversationEvent is the payload published after each processed turn.
type ConversationEvent struct {
	ThreadID  string    `json:"thread_id"`
	Channel   string    `json:"channel,omitempty"`
	UserText  string    `json:"user_text"`
	BotText   []string  `json:"bot_text"`
	IntentID  string    `json:"intent_id"`
	Complete  bool      `json:"complete"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher emits conversation events. A nil *Publisher is a no-op, so
// callers never need to branch on whether eventing is configured.
type Publisher struct {
	conn    *nats.Conn
	subject string
}

// Opts holds configuration options for the event publisher.
type Opts struct {
	URL         string
	Subject     string
	ServiceName string
}

// Option defines a configuration option for the event publisher.
type Option func(*Opts)

// WithURL sets the NATS server URL.
func WithURL(url string) Option {
	return func(o *Opts) { o.URL = url }
}

// WithSubject overrides the publish subject.
func WithSubject(subject string) Option {
	return func(o *Opts) { o.Subject = subject }
}

// WithServiceName sets the connection name shown in NATS monitoring.
func WithServiceName(name string) Option {
	return func(o *Opts) { o.ServiceName = name }
}

// NewPublisher connects to NATS and returns a publisher.
func NewPublisher(opts ...Option) (*Publisher, error) {
	cfg := Opts{
		URL:         nats.DefaultURL,
		Subject:     DefaultSubject,
		ServiceName: "dialogpipe",
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.ServiceName),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	slog.Info("Publisher.NewPublisher: connected to NATS", "url", cfg.URL, "subject", cfg.Subject)

	return &Publisher{conn: conn, subject: cfg.Subject}, nil
}

// PublishTurn emits an event for one processed conversation turn. Publish
// failures are logged and swallowed so eventing never fails a turn.
func (p *Publisher) PublishTurn(state *models.State) {
	if p == nil || p.conn == nil {
		return
	}

	event := ConversationEvent{
		ThreadID:  state.ThreadID,
		BotText:   state.BotText(),
		IntentID:  state.ActiveIntentID(),
		Complete:  state.Complete,
		Timestamp: state.Date,
	}
	if state.UserMessage != nil {
		event.UserText = state.UserMessage.Text
		if channel, ok := state.UserMessage.Context["channel"].(string); ok {
			event.Channel = channel
		}
	}

	data, err := json.Marshal(event)
	if err != nil {
		slog.Error("Publisher.PublishTurn: failed to marshal event", "error", err, "thread_id", state.ThreadID)
		return
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		slog.Error("Publisher.PublishTurn: publish failed", "error", err, "thread_id", state.ThreadID)
		return
	}
	slog.Debug("Publisher.PublishTurn: event published", "thread_id", state.ThreadID, "subject", p.subject)
}

// Close drains the NATS connection.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	p.conn.Close()
	slog.Info("Publisher.Close: NATS connection closed")
}
