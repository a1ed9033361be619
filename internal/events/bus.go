package events

import (
	"log/slog"
	"sync"
)

// Bus is a simple publish/subscribe fan-out for [Event] values. Each
// session gets its own bus: the client channel subscribes, while the agent,
// the observer, and the indexer publish.
//
// Publish never blocks. A subscriber that falls behind its buffer loses
// events (logged at warn level); events that are delivered always arrive in
// publish order.
type Bus struct {
	log *slog.Logger

	mu     sync.RWMutex
	subs   map[<-chan Event]chan Event
	closed bool
}

// NewBus creates an empty bus.
func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		log:  log.With("component", "events"),
		subs: make(map[<-chan Event]chan Event),
	}
}

// Subscribe registers a new subscriber with the given buffer size and
// returns its receive channel. The channel is closed by [Bus.Unsubscribe]
// or [Bus.Close].
func (b *Bus) Subscribe(buf int) <-chan Event {
	if buf < 1 {
		buf = 1
	}
	ch := make(chan Event, buf)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[ch] = ch
	return ch
}

// Unsubscribe removes ch and closes it. Safe to call with an already
// removed channel.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if send, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(send)
	}
}

// Publish delivers ev to every subscriber without blocking. Subscribers
// with a full buffer miss this event.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, send := range b.subs {
		select {
		case send <- ev:
		default:
			b.log.Warn("dropping event for slow subscriber", "kind", ev.Kind())
		}
	}
}

// Close closes every subscriber channel and rejects further publishes and
// subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, send := range b.subs {
		close(send)
	}
	b.subs = make(map[<-chan Event]chan Event)
}
