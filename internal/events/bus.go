package events

import "sync"

// SubscriberBuffer is the per-subscriber channel capacity. A subscriber that
// falls this far behind is dropped, never backpressured into the pipeline.
const SubscriberBuffer = 256

// Bus is a per-run broadcast channel. Publish never blocks: a subscriber
// whose buffer is full has its stream closed instead. A small replay cache
// (the Started event plus the last published event) covers late subscribers,
// so anyone attaching after the run ended still sees the terminal event.
type Bus struct {
	mu       sync.Mutex
	subs     map[chan Event]struct{}
	started  *Event
	last     *Event
	finished bool
}

// NewBus builds an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[chan Event]struct{})}
}

// Publish delivers an event to every live subscriber in publish order.
// After a terminal event all streams are closed; the event stays in the
// replay cache for late subscribers.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finished {
		return
	}

	if ev.Type == TypeStarted && b.started == nil {
		e := ev
		b.started = &e
	}
	e := ev
	b.last = &e

	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Overflowed: drop the subscriber, closing its stream.
			delete(b.subs, ch)
			close(ch)
		}
	}

	if ev.Terminal() {
		b.finished = true
		for ch := range b.subs {
			delete(b.subs, ch)
			close(ch)
		}
	}
}

// Subscribe attaches a new observer. Retained events (Started, then the last
// event when distinct) are already buffered on the returned channel; live
// events follow. After a terminal event the channel is closed. The returned
// cancel func detaches early and is safe to call more than once.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, SubscriberBuffer)

	b.mu.Lock()
	if b.started != nil {
		ch <- *b.started
	}
	if b.last != nil && (b.started == nil || *b.last != *b.started) {
		ch <- *b.last
	}
	if b.finished {
		close(ch)
		b.mu.Unlock()
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Subscribers reports the current live subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
