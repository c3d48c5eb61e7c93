package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/roach88/statesaga/internal/ir"
)

// Publisher receives every applied transition after it is durable.
// Publish errors are logged by the engine and never fail the transition.
// Replay never publishes.
type Publisher interface {
	Publish(ctx context.Context, rec ir.EventRecord) error
}

// ErrSubscriberFull is returned by ChannelPublisher.Publish when at least one
// subscriber's buffer was full and the event was dropped for it.
var ErrSubscriberFull = errors.New("subscriber buffer full")

// ChannelPublisher fans events out to channel subscribers without blocking.
type ChannelPublisher struct {
	mu      sync.Mutex
	subs    map[int]chan ir.EventRecord
	next    int
	dropped int64
}

// NewChannelPublisher creates a publisher with no subscribers.
func NewChannelPublisher() *ChannelPublisher {
	return &ChannelPublisher{subs: make(map[int]chan ir.EventRecord)}
}

// Subscribe returns a channel of published events and a cancel function that
// unsubscribes and closes the channel.
func (p *ChannelPublisher) Subscribe(buffer int) (<-chan ir.EventRecord, func()) {
	ch := make(chan ir.EventRecord, buffer)
	p.mu.Lock()
	id := p.next
	p.next++
	p.subs[id] = ch
	p.mu.Unlock()

	return ch, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if c, ok := p.subs[id]; ok {
			delete(p.subs, id)
			close(c)
		}
	}
}

// Publish delivers rec to every subscriber with room in its buffer.
func (p *ChannelPublisher) Publish(_ context.Context, rec ir.EventRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	full := false
	for _, ch := range p.subs {
		select {
		case ch <- rec:
		default:
			full = true
			p.dropped++
		}
	}
	if full {
		return ErrSubscriberFull
	}
	return nil
}

// Dropped returns how many deliveries were dropped.
func (p *ChannelPublisher) Dropped() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}
