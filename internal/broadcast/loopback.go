package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Bus is an in-process stand-in for a shared medium. Each Endpoint acts as
// one process; a message published on one endpoint is delivered
// synchronously to every other open endpoint.
type Bus struct {
	mu        sync.RWMutex
	endpoints map[*Loopback]struct{}
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{endpoints: make(map[*Loopback]struct{})}
}

// Endpoint attaches a new process to the bus.
func (b *Bus) Endpoint(origin string) *Loopback {
	l := &Loopback{bus: b, origin: origin}
	b.mu.Lock()
	b.endpoints[l] = struct{}{}
	b.mu.Unlock()
	return l
}

func (b *Bus) peers(from *Loopback) []*Loopback {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Loopback, 0, len(b.endpoints))
	for l := range b.endpoints {
		if l != from {
			out = append(out, l)
		}
	}
	return out
}

// Loopback is one endpoint of a Bus.
type Loopback struct {
	bus    *Bus
	origin string
	subs   handlers

	mu     sync.Mutex
	closed bool
}

var _ Medium = (*Loopback)(nil)

// NewLoopback returns a standalone endpoint with no peers. Publish succeeds
// and delivers nowhere; useful for single-process hosts.
func NewLoopback(origin string) *Loopback {
	return NewBus().Endpoint(origin)
}

// Publish delivers msg to every other endpoint on the bus.
func (l *Loopback) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if msg.ID == "" {
		msg.ID = uuid.Must(uuid.NewV7()).String()
	}
	msg.Origin = l.origin
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}

	for _, peer := range l.bus.peers(l) {
		peer.subs.deliver(msg)
	}
	return nil
}

// Subscribe registers fn for messages from other endpoints.
func (l *Loopback) Subscribe(fn Handler) func() {
	return l.subs.add(fn)
}

// Close detaches the endpoint from its bus.
func (l *Loopback) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	l.bus.mu.Lock()
	delete(l.bus.endpoints, l)
	l.bus.mu.Unlock()
	return nil
}
