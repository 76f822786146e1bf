package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/codebattle-sync/internal/broadcast"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// Broadcaster is a broadcast.Channel over Redis Pub/Sub. Every topic is one channel and
// publishers receive their own messages.
type Broadcaster struct {
	client *redis.Client
	clock  clockwork.Clock
	logger *slog.Logger
}

// NewBroadcaster creates a Redis Pub/Sub broadcaster
func NewBroadcaster(client *redis.Client, clock clockwork.Clock, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		client: client,
		clock:  clock,
		logger: logger,
	}
}

// Open subscribes to topic and returns a handle for it
func (b *Broadcaster) Open(ctx context.Context, topic string) (broadcast.Handle, error) {
	pubsub := b.client.Subscribe(ctx, topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", topic, err)
	}

	h := &topicHandle{
		client: b.client,
		clock:  b.clock,
		logger: b.logger.With("topic", topic),
		topic:  topic,
		pubsub: pubsub,
		done:   make(chan struct{}),
	}
	go h.receive()
	return h, nil
}

type topicHandle struct {
	broadcast.Dispatcher

	client *redis.Client
	clock  clockwork.Clock
	logger *slog.Logger
	topic  string
	pubsub *redis.PubSub
	done   chan struct{}
	once   sync.Once
}

func (h *topicHandle) receive() {
	defer close(h.done)
	for msg := range h.pubsub.Channel() {
		var env broadcast.Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			h.logger.Warn("decoding broadcast envelope", "error", err)
			continue
		}
		if !h.Dispatch(env) {
			h.logger.Debug("no listener for broadcast", "event", env.Event)
		}
	}
}

func (h *topicHandle) Publish(ctx context.Context, event string, payload any) error {
	env, err := broadcast.NewEnvelope(event, payload, h.clock.Now())
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	if err := h.client.Publish(ctx, h.topic, data).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", h.topic, err)
	}
	return nil
}

func (h *topicHandle) Close() error {
	var err error
	h.once.Do(func() {
		err = h.pubsub.Close()
		<-h.done
	})
	return err
}
