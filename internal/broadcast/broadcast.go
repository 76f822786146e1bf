// Package broadcast defines the Ephemeral Broadcast Channel: fire-and-forget publish/subscribe
// scoped by named topics. Messages reach only currently subscribed listeners and are never
// retried or persisted.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Event names used on session topics
const (
	EventSkill       = "skill"
	EventScoreUpdate = "score_update"
)

// Envelope is the wire form of every broadcast message
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	SentAt  time.Time       `json:"sent_at"`
}

// Decode unmarshals the payload into v
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Event, err)
	}
	return nil
}

// NewEnvelope marshals payload for event
func NewEnvelope(event string, payload any, now time.Time) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding %s payload: %w", event, err)
	}
	return Envelope{Event: event, Payload: raw, SentAt: now}, nil
}

// Handler receives envelopes for one event. Handlers must not block.
type Handler func(Envelope)

// Channel opens topic handles
type Channel interface {
	Open(ctx context.Context, topic string) (Handle, error)
}

// Handle is one subscription-capable connection to a topic
type Handle interface {
	Publish(ctx context.Context, event string, payload any) error
	Subscribe(event string, handler Handler)
	Close() error
}

// SkillsTopic names the topic skill effects are cast on for a session
func SkillsTopic(sessionID string) string {
	return "battle:" + sessionID + ":skills"
}

// ScoresTopic names the topic score snapshots are broadcast on for a session
func ScoresTopic(sessionID string) string {
	return "battle:" + sessionID + ":scores"
}
