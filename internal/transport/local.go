package transport

import (
	"context"
	"sync"
)

// Local is an in-process Broadcaster. Delivery is synchronous, so order per
// topic follows the order of Deliver calls.
type Local struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	closed   bool
}

// NewLocal creates an empty in-process broadcaster.
func NewLocal() *Local {
	return &Local{handlers: make(map[string][]Handler)}
}

// Deliver calls every handler subscribed to topic.
func (l *Local) Deliver(ctx context.Context, topic string, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return ErrClosed
	}
	hs := append([]Handler(nil), l.handlers[topic]...)
	l.mu.RUnlock()

	env.Topic = topic
	for _, h := range hs {
		h(env)
	}
	return nil
}

// Subscribe registers h for topic.
func (l *Local) Subscribe(topic string, h Handler) {
	l.mu.Lock()
	l.handlers[topic] = append(l.handlers[topic], h)
	l.mu.Unlock()
}

// Close rejects further deliveries.
func (l *Local) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}
