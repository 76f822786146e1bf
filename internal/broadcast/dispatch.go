package broadcast

import "sync"

// Dispatcher fans envelopes out to the handlers registered per event.
// Transport adapters embed it to implement Handle.Subscribe.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// Subscribe registers handler for event
func (d *Dispatcher) Subscribe(event string, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handlers == nil {
		d.handlers = make(map[string][]Handler)
	}
	d.handlers[event] = append(d.handlers[event], handler)
}

// Dispatch delivers env to the handlers of its event and reports whether any listened
func (d *Dispatcher) Dispatch(env Envelope) bool {
	d.mu.RLock()
	handlers := append([]Handler(nil), d.handlers[env.Event]...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(env)
	}
	return len(handlers) > 0
}
