// Package transport carries bids, proposals, votes and heartbeats between
// swarm participants. Delivery is at-least-once and ordered per topic;
// receivers wrap their handlers in a Dedup to drop redelivered envelopes.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Topics.
const (
	TopicTasks      = "swarm.tasks"
	TopicBids       = "swarm.bids"
	TopicProposals  = "swarm.proposals"
	TopicVotes      = "swarm.votes"
	TopicHeartbeats = "swarm.heartbeats"
	TopicEvents     = "swarm.events"
)

// Topics lists every topic the coordinator uses.
var Topics = []string{TopicTasks, TopicBids, TopicProposals, TopicVotes, TopicHeartbeats, TopicEvents}

// KnownTopic reports whether topic is one of Topics.
func KnownTopic(topic string) bool {
	return slices.Contains(Topics, topic)
}

var ErrClosed = errors.New("transport closed")

// Envelope is the unit of delivery. Sender is trusted as authenticated.
type Envelope struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Sender    string          `json:"sender"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEnvelope marshals v as the payload of a fresh envelope.
func NewEnvelope(topic, sender string, v any) (Envelope, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	return Envelope{
		ID:        uuid.NewString(),
		Topic:     topic,
		Sender:    sender,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("decode %s envelope %s: empty payload", e.Topic, e.ID)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s envelope %s: %w", e.Topic, e.ID, err)
	}
	return nil
}

// Handler consumes a delivered envelope.
type Handler func(Envelope)

// Broadcaster delivers envelopes to every subscriber of a topic.
type Broadcaster interface {
	Deliver(ctx context.Context, topic string, env Envelope) error
	Subscribe(topic string, h Handler)
	Close() error
}
