// Package broadcast carries small messages between processes of the same
// logical client.
//
// A Medium is lossy and unordered. Receivers must treat every message as a
// hint that can arrive late, twice, or never; the durable store stays the
// source of truth.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("broadcast medium closed")

// Message is one broadcast envelope.
type Message struct {
	// ID is unique per message.
	ID string `json:"id"`

	// Origin is the instance ID of the publishing process.
	Origin string `json:"origin"`

	// Topic names the payload kind, e.g. "ledger.record".
	Topic string `json:"topic"`

	// Body is the topic-specific payload.
	Body json.RawMessage `json:"body"`

	SentAt time.Time `json:"sent_at"`
}

// Handler receives delivered messages. Handlers run on the medium's delivery
// goroutine and should return quickly.
type Handler func(Message)

// Medium is a cross-process pub/sub channel.
type Medium interface {
	// Publish sends msg to every other process sharing the medium.
	Publish(ctx context.Context, msg Message) error

	// Subscribe registers fn and returns a function that removes it.
	Subscribe(fn Handler) (cancel func())

	// Close releases resources. Publish fails afterwards.
	Close() error
}

// handlers is the subscriber set shared by every Medium implementation.
type handlers struct {
	mu     sync.RWMutex
	fns    map[int]Handler
	nextID int
}

func (h *handlers) add(fn Handler) func() {
	h.mu.Lock()
	if h.fns == nil {
		h.fns = make(map[int]Handler)
	}
	id := h.nextID
	h.nextID++
	h.fns[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.fns, id)
			h.mu.Unlock()
		})
	}
}

// deliver calls every handler in registration order, outside the lock.
func (h *handlers) deliver(msg Message) {
	h.mu.RLock()
	ids := make([]int, 0, len(h.fns))
	for id := range h.fns {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]Handler, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, h.fns[id])
	}
	h.mu.RUnlock()

	for _, fn := range fns {
		fn(msg)
	}
}
