package broadcast

import (
	"context"
	"errors"
	"sync"

	"github.com/jonboulle/clockwork"
)

// ErrHandleClosed is returned when publishing on a closed handle
var ErrHandleClosed = errors.New("broadcast handle closed")

// MemoryBus is an in-process Channel. Delivery is synchronous and includes the sender.
type MemoryBus struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	handles map[string]map[*memoryHandle]bool

	// drop, when set, decides per delivery whether a message is lost
	drop func(topic string, env Envelope, to *memoryHandle) bool
}

// NewMemoryBus creates an empty bus
func NewMemoryBus(clock clockwork.Clock) *MemoryBus {
	return &MemoryBus{
		clock:   clock,
		handles: make(map[string]map[*memoryHandle]bool),
	}
}

// DropAll makes the bus silently lose every message until called with false
func (b *MemoryBus) DropAll(drop bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if drop {
		b.drop = func(string, Envelope, *memoryHandle) bool { return true }
	} else {
		b.drop = nil
	}
}

// Open returns a handle subscribed to topic
func (b *MemoryBus) Open(ctx context.Context, topic string) (Handle, error) {
	h := &memoryHandle{bus: b, topic: topic}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handles[topic] == nil {
		b.handles[topic] = make(map[*memoryHandle]bool)
	}
	b.handles[topic][h] = true
	return h, nil
}

func (b *MemoryBus) publish(topic string, env Envelope) {
	b.mu.Lock()
	targets := make([]*memoryHandle, 0, len(b.handles[topic]))
	for h := range b.handles[topic] {
		if b.drop != nil && b.drop(topic, env, h) {
			continue
		}
		targets = append(targets, h)
	}
	b.mu.Unlock()

	for _, h := range targets {
		h.Dispatch(env)
	}
}

func (b *MemoryBus) remove(h *memoryHandle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handles[h.topic], h)
	if len(b.handles[h.topic]) == 0 {
		delete(b.handles, h.topic)
	}
}

type memoryHandle struct {
	Dispatcher
	bus    *MemoryBus
	topic  string
	mu     sync.Mutex
	closed bool
}

func (h *memoryHandle) Publish(ctx context.Context, event string, payload any) error {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return ErrHandleClosed
	}
	env, err := NewEnvelope(event, payload, h.bus.clock.Now())
	if err != nil {
		return err
	}
	h.bus.publish(h.topic, env)
	return nil
}

func (h *memoryHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	h.bus.remove(h)
	return nil
}
