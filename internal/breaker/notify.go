package breaker

import (
	"fmt"
)

// OnStateChange registers a listener invoked synchronously after every state
// change. Listener panics are recovered and logged.
func (b *Breaker) OnStateChange(fn func(StateChange)) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.listeners = append(b.listeners, fn)
}

// Subscribe returns a channel receiving state changes and a function that
// cancels the subscription and closes the channel. Delivery is non-blocking:
// changes are dropped for a subscriber whose buffer is full.
func (b *Breaker) Subscribe(buffer int) (<-chan StateChange, func()) {
	ch := make(chan StateChange, buffer)
	b.subMu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch
	b.subMu.Unlock()

	return ch, func() {
		b.subMu.Lock()
		defer b.subMu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

func (b *Breaker) notify(changes []StateChange) {
	if len(changes) == 0 {
		return
	}
	b.subMu.Lock()
	listeners := append([]func(StateChange){}, b.listeners...)
	b.subMu.Unlock()

	for _, c := range changes {
		b.logger.Info("circuit breaker state changed",
			"operation", c.Operation,
			"from", c.From.String(),
			"to", c.To.String(),
		)
		for _, fn := range listeners {
			b.safeCall(fn, c)
		}
		b.subMu.Lock()
		for _, ch := range b.subs {
			select {
			case ch <- c:
			default:
				b.logger.Warn("circuit breaker subscriber full, change dropped",
					"operation", c.Operation,
					"to", c.To.String(),
				)
			}
		}
		b.subMu.Unlock()
	}
}

func (b *Breaker) safeCall(fn func(StateChange), c StateChange) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("circuit breaker listener failed",
				"operation", c.Operation,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	fn(c)
}
