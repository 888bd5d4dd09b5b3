// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package bus provides the in-process signal fan-out connecting the core to
// its collaborators (display, audio service, central dispatch). Publishing
// never blocks: a subscriber that falls behind loses events from its own
// buffer, never from anyone else's.
package bus

import (
	"sync"
	"sync/atomic"

	"zmed.io/zmonitor/internal/logging"
)

// Event is any signal carried by the bus. EventName identifies the signal
// for subscription filtering and for the websocket bridge.
type Event interface {
	EventName() string
}

// Subscription is one receiver's bounded view of the bus.
type Subscription struct {
	C chan Event

	name    string
	filter  map[string]struct{} // nil means all events
	dropped atomic.Uint64
	closed  atomic.Bool
}

// Dropped returns how many events this subscriber has lost to a full buffer.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Bus is the fan-out hub.
type Bus struct {
	mu     sync.RWMutex
	subs   []*Subscription
	logger *logging.Logger
}

// New creates a bus.
func New(logger *logging.Logger) *Bus {
	if logger == nil {
		logger = logging.WithComponent("bus")
	}
	return &Bus{logger: logger}
}

// Subscribe registers a receiver with the given buffer size. With no names
// the subscription receives every event; otherwise only the named signals.
func (b *Bus) Subscribe(name string, buffer int, names ...string) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &Subscription{
		C:    make(chan Event, buffer),
		name: name,
	}
	if len(names) > 0 {
		sub.filter = make(map[string]struct{}, len(names))
		for _, n := range names {
			sub.filter[n] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes and closes a subscription.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil || !sub.closed.CompareAndSwap(false, true) {
		return
	}

	b.mu.Lock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	close(sub.C)
}

// Publish fans the event out to all matching subscribers without blocking.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.filter != nil {
			if _, ok := sub.filter[e.EventName()]; !ok {
				continue
			}
		}
		select {
		case sub.C <- e:
		default:
			n := sub.dropped.Add(1)
			// Log the first drop and every 1000th after that.
			if n == 1 || n%1000 == 0 {
				b.logger.Warn("subscriber buffer full, dropping event",
					"subscriber", sub.name,
					"event", e.EventName(),
					"dropped_total", n)
			}
		}
	}
}
