// Package events defines the canonical-update notification emitted to
// external observers (replication announces, UI) and a small
// channel-based fan-out for delivering them.
package events

import (
	"sync"

	"github.com/forgehub/cre/oid"
	"github.com/forgehub/cre/storage"
)

// CanonicalRefUpdated is emitted whenever a planner run changes a
// reference's canonical target.
type CanonicalRefUpdated struct {
	RefName string
	Old     oid.OID
	OldSet  bool
	New     oid.OID
	NewSet  bool
	Kind    storage.Kind
}

// Bus fans out CanonicalRefUpdated events to any number of subscribers.
// Subscribers that fall behind do not block publication: Bus never
// blocks on a full subscriber channel, it drops the event for that
// subscriber instead, the same trade-off a collator-style accumulator
// makes by letting the caller poll a cursor rather than promising
// delivery of every intermediate state.
type Bus struct {
	mu          sync.Mutex
	subscribers map[int]chan CanonicalRefUpdated
	nextID      int
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[int]chan CanonicalRefUpdated)}
}

// Subscription is a live subscription returned by Subscribe.
type Subscription struct {
	C      <-chan CanonicalRefUpdated
	cancel func()
}

// Close unsubscribes and releases the channel.
func (s Subscription) Close() {
	s.cancel()
}

// Subscribe registers a new subscriber with the given channel buffer
// size and returns a Subscription whose C delivers future events.
func (b *Bus) Subscribe(buffer int) Subscription {
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan CanonicalRefUpdated, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	return Subscription{
		C: ch,
		cancel: func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if existing, ok := b.subscribers[id]; ok {
				delete(b.subscribers, id)
				close(existing)
			}
		},
	}
}

// Publish delivers ev to every current subscriber, non-blocking.
func (b *Bus) Publish(ev CanonicalRefUpdated) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}
