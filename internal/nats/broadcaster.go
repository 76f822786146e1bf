// Package nats provides a broadcast.Channel over core NATS subjects. Core NATS has no
// persistence or redelivery, which matches the at-most-once broadcast contract.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/codebattle-sync/internal/broadcast"
	"github.com/codebattle-sync/internal/config"
	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
)

// Broadcaster publishes broadcast envelopes on NATS subjects
type Broadcaster struct {
	nc     *nats.Conn
	clock  clockwork.Clock
	logger *slog.Logger
}

// Connect dials NATS with reconnect handling and returns a broadcaster
func Connect(cfg *config.NATSConfig, clock clockwork.Clock, logger *slog.Logger) (*Broadcaster, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Error("nats error", "error", err)
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	return NewBroadcaster(nc, clock, logger), nil
}

// NewBroadcaster wraps an existing connection
func NewBroadcaster(nc *nats.Conn, clock clockwork.Clock, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{nc: nc, clock: clock, logger: logger}
}

// Close drains and closes the connection
func (b *Broadcaster) Close() error {
	return b.nc.Drain()
}

// Subject maps a broadcast topic to a NATS subject
func Subject(topic string) string {
	return strings.ReplaceAll(topic, ":", ".")
}

// Open subscribes to the topic's subject
func (b *Broadcaster) Open(ctx context.Context, topic string) (broadcast.Handle, error) {
	h := &subjectHandle{
		nc:      b.nc,
		clock:   b.clock,
		logger:  b.logger.With("topic", topic),
		subject: Subject(topic),
	}

	sub, err := b.nc.Subscribe(h.subject, h.receive)
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", h.subject, err)
	}
	h.sub = sub
	return h, nil
}

type subjectHandle struct {
	broadcast.Dispatcher

	nc      *nats.Conn
	clock   clockwork.Clock
	logger  *slog.Logger
	subject string
	sub     *nats.Subscription
	once    sync.Once
	closed  atomic.Bool
}

func (h *subjectHandle) receive(msg *nats.Msg) {
	var env broadcast.Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		h.logger.Warn("decoding broadcast envelope", "error", err)
		return
	}
	if !h.Dispatch(env) {
		h.logger.Debug("no listener for broadcast", "event", env.Event)
	}
}

func (h *subjectHandle) Publish(ctx context.Context, event string, payload any) error {
	if h.closed.Load() {
		return broadcast.ErrHandleClosed
	}
	env, err := broadcast.NewEnvelope(event, payload, h.clock.Now())
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	if err := h.nc.Publish(h.subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", h.subject, err)
	}
	return nil
}

func (h *subjectHandle) Close() error {
	var err error
	h.once.Do(func() {
		h.closed.Store(true)
		err = h.sub.Unsubscribe()
	})
	return err
}
