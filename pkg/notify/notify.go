// Package notify builds and delivers user-visible notification payloads.
// It only sees batches the syncer's gate already decided are notifiable;
// muting and active-conversation suppression happen upstream.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Payload is the data notification delivered to the device. Key names are
// the push transport's wire contract.
type Payload struct {
	Type           string `json:"type"` // new_message | typing
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId,omitempty"`
	SenderID       string `json:"senderId,omitempty"`
	SenderName     string `json:"senderName,omitempty"`
	Text           string `json:"text,omitempty"`
	ImageURL       string `json:"imageUrl,omitempty"`
	TimestampMS    int64  `json:"timestamp"`

	// Count is the number of messages grouped into this notification.
	Count int `json:"count,omitempty"`
}

const (
	TypeNewMessage = "new_message"
	TypeTyping     = "typing"
)

// Sender delivers a payload to the push transport.
type Sender interface {
	Send(ctx context.Context, payload Payload) error
}

// NATSSender publishes payloads as JSON on a per-device subject.
type NATSSender struct {
	nc      *nats.Conn
	subject string
	log     zerolog.Logger
}

var _ Sender = (*NATSSender)(nil)

func NewNATSSender(nc *nats.Conn, subject string, log zerolog.Logger) *NATSSender {
	return &NATSSender{
		nc:      nc,
		subject: subject,
		log:     log.With().Str("component", "notify").Logger(),
	}
}

func (s *NATSSender) Send(ctx context.Context, payload Payload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode notification payload: %w", err)
	}
	if err = s.nc.Publish(s.subject, data); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	s.log.Debug().
		Str("type", payload.Type).
		Str("conversation_id", payload.ConversationID).
		Int("count", payload.Count).
		Msg("Published notification payload")
	return nil
}
