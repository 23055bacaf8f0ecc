package tabs

import (
	"context"
	"sync"
)

// Channel is the broadcast transport between tabs. Publish delivers the raw
// frame to every other subscriber; the sender does not hear its own frames.
type Channel interface {
	Publish(ctx context.Context, senderID string, frame []byte) error
	Subscribe(subscriberID string, fn func(frame []byte)) (unsubscribe func())
	Close() error
}

// MemoryChannel is the in-process transport. It backs single-process
// deployments and tests; multi-process deployments bridge it to the websocket
// hub.
type MemoryChannel struct {
	mu   sync.RWMutex
	subs map[string]func(frame []byte)
}

// NewMemoryChannel creates an in-process broadcast channel.
func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{subs: make(map[string]func(frame []byte))}
}

// Publish delivers the frame synchronously to every subscriber except the
// sender.
func (c *MemoryChannel) Publish(ctx context.Context, senderID string, frame []byte) error {
	c.mu.RLock()
	handlers := make([]func([]byte), 0, len(c.subs))
	for id, fn := range c.subs {
		if id == senderID {
			continue
		}
		handlers = append(handlers, fn)
	}
	c.mu.RUnlock()

	for _, fn := range handlers {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fn(frame)
	}
	return nil
}

// Subscribe registers a frame handler under the subscriber's id.
func (c *MemoryChannel) Subscribe(subscriberID string, fn func(frame []byte)) func() {
	c.mu.Lock()
	c.subs[subscriberID] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, subscriberID)
		c.mu.Unlock()
	}
}

// Close drops all subscribers.
func (c *MemoryChannel) Close() error {
	c.mu.Lock()
	c.subs = make(map[string]func(frame []byte))
	c.mu.Unlock()
	return nil
}
