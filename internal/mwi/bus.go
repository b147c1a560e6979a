// Package mwi delivers mailbox count changes to the outside world: an
// in-process event bus, SIP NOTIFY message-waiting indications and an
// operator notify script.
package mwi

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/flowpbx/vmstore/internal/voicemail"
)

// subscriberBuffer is the channel depth of each bus subscriber. Publishing
// never blocks; events for a subscriber whose buffer is full are dropped.
const subscriberBuffer = 16

// Bus is a pub/sub fan-out of mailbox events. Subscribers register for
// one "mailbox@context" key, or for every mailbox with the empty key.
type Bus struct {
	mu        sync.Mutex
	listeners map[string][]chan voicemail.Event
	dropped   atomic.Int64
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{
		listeners: make(map[string][]chan voicemail.Event),
	}
}

// Subscribe returns a channel receiving the events of key. The caller must
// call the returned cancel function when done; it closes the channel.
func (b *Bus) Subscribe(key string) (<-chan voicemail.Event, func()) {
	ch := make(chan voicemail.Event, subscriberBuffer)

	b.mu.Lock()
	b.listeners[key] = append(b.listeners[key], ch)
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			chs := b.listeners[key]
			for i, c := range chs {
				if c == ch {
					b.listeners[key] = append(chs[:i], chs[i+1:]...)
					break
				}
			}
			if len(b.listeners[key]) == 0 {
				delete(b.listeners, key)
			}
			close(ch)
		})
	}
	return ch, cancel
}

// Publish hands ev to the subscribers of its mailbox and to the catch-all
// subscribers.
func (b *Bus) Publish(ev voicemail.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, key := range []string{ev.Key(), ""} {
		for _, ch := range b.listeners[key] {
			select {
			case ch <- ev:
			default:
				b.dropped.Add(1)
			}
		}
	}
}

// MailboxChanged publishes ev. It implements voicemail.Subscriber.
func (b *Bus) MailboxChanged(_ context.Context, ev voicemail.Event) error {
	b.Publish(ev)
	return nil
}

// Dropped returns the number of events dropped for slow subscribers.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// WaitForChange blocks until an event for key is published or ctx is done.
func (b *Bus) WaitForChange(ctx context.Context, key string) (voicemail.Event, bool) {
	ch, cancel := b.Subscribe(key)
	defer cancel()

	select {
	case ev := <-ch:
		return ev, true
	case <-ctx.Done():
		return voicemail.Event{}, false
	}
}
