// Package natssink implements alertrouter.Sink over a NATS JetStream
// publisher, adapted from the teacher's combined-stream publisher
// pattern (one JetStreamContext, subject derived per call).
package natssink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/marketwatch/btcsentry/internal/domain"
)

// Sink publishes alert payloads onto "<subjectPrefix>.<topic>".
type Sink struct {
	js            nats.JetStreamContext
	subjectPrefix string
}

func New(conn *nats.Conn, subjectPrefix string) (*Sink, error) {
	js, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("acquire jetstream context: %w", err)
	}
	return &Sink{js: js, subjectPrefix: subjectPrefix}, nil
}

type payload struct {
	Topic     string `json:"topic"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// Send publishes the rendered alert. JetStream's PublishMsg blocks
// until the broker acks, so transient broker unavailability surfaces
// here as an error for the router's retry loop to act on. A malformed
// payload is wrapped as permanent so the router doesn't burn its
// retry budget on something a retry can never fix.
func (s *Sink) Send(ctx context.Context, topic, text, parseMode string) error {
	body, err := json.Marshal(payload{Topic: topic, Text: text, ParseMode: parseMode})
	if err != nil {
		return fmt.Errorf("marshal alert payload: %w: %w", domain.ErrPermanentIO, err)
	}

	subject := fmt.Sprintf("%s.%s", s.subjectPrefix, topic)
	_, err = s.js.Publish(subject, body, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("publish to %s: %w: %w", subject, domain.ErrTransientIO, err)
	}
	return nil
}
