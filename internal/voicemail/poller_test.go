package voicemail

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

type pollEvents struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func (p *pollEvents) MailboxChanged(_ context.Context, ev Event) error {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	if p.ch != nil {
		p.ch <- ev
	}
	return nil
}

func (p *pollEvents) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func TestPollEmitsOnlyChanges(t *testing.T) {
	a := &Mailbox{ID: "100", Context: "default"}
	b := &Mailbox{ID: "200", Context: "default"}
	backend := newCountingBackend()
	backend.set(LocationOf(a, FolderInbox), 1)

	n := NewNotifier(backend, discardLogger())
	events := &pollEvents{}
	n.Subscribe("test", events)
	p := NewPoller(n, func() []*Mailbox { return []*Mailbox{a, b} }, time.Hour, discardLogger())

	ctx := context.Background()
	if got := p.Poll(ctx); got != 2 {
		t.Errorf("first poll emitted %d, want 2", got)
	}
	if got := p.Poll(ctx); got != 0 {
		t.Errorf("unchanged poll emitted %d, want 0", got)
	}

	backend.set(LocationOf(b, FolderOld), 4)
	if got := p.Poll(ctx); got != 1 {
		t.Errorf("poll after change emitted %d, want 1", got)
	}
	events.mu.Lock()
	last := events.events[len(events.events)-1]
	events.mu.Unlock()
	if last.Key() != "200@default" || last.New != 0 || last.Old != 4 {
		t.Errorf("last event = %+v", last)
	}
}

func TestPollSkipsCountsAlreadyNotified(t *testing.T) {
	box := &Mailbox{ID: "100", Context: "default"}
	backend := newCountingBackend()
	n := NewNotifier(backend, discardLogger())
	p := NewPoller(n, func() []*Mailbox { return []*Mailbox{box} }, time.Hour, discardLogger())
	events := &pollEvents{}
	n.Subscribe("test", events)

	backend.set(LocationOf(box, FolderInbox), 2)
	if _, err := n.NotifyChange(context.Background(), box); err != nil {
		t.Fatal(err)
	}
	if got := p.Poll(context.Background()); got != 0 {
		t.Errorf("poll re-emitted %d locally notified changes", got)
	}
	if events.count() != 1 {
		t.Errorf("events = %d, want 1", events.count())
	}
}

func TestPollerWakeAndStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	box := &Mailbox{ID: "100", Context: "default"}
	backend := newCountingBackend()
	backend.set(LocationOf(box, FolderInbox), 1)
	n := NewNotifier(backend, discardLogger())
	events := &pollEvents{ch: make(chan Event, 4)}
	n.Subscribe("test", events)

	p := NewPoller(n, func() []*Mailbox { return []*Mailbox{box} }, time.Hour, discardLogger())
	p.Start()
	p.Wake()

	select {
	case ev := <-events.ch:
		if ev.New != 1 {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event after Wake")
	}

	p.Stop()
	p.Stop()
}

func TestPollerTicks(t *testing.T) {
	defer goleak.VerifyNone(t)

	box := &Mailbox{ID: "100", Context: "default"}
	backend := newCountingBackend()
	n := NewNotifier(backend, discardLogger())
	events := &pollEvents{ch: make(chan Event, 16)}
	n.Subscribe("test", events)

	p := NewPoller(n, func() []*Mailbox { return []*Mailbox{box} }, 10*time.Millisecond, discardLogger())
	p.Start()
	defer p.Stop()

	<-events.ch
	backend.set(LocationOf(box, FolderInbox), 5)
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events.ch:
			if ev.New == 5 {
				return
			}
		case <-deadline:
			t.Fatal("tick did not pick up external change")
		}
	}
}
