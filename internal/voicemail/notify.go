package voicemail

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Event reports the message counts of a mailbox after a change.
type Event struct {
	Mailbox   string
	Context   string
	Extension string
	New       int
	Old       int
	Time      time.Time
}

// Key returns the "mailbox@context" the event refers to.
func (e Event) Key() string { return MailboxKey(e.Mailbox, e.Context) }

// Subscriber receives mailbox count changes (waiting indicators, scripts,
// metrics).
type Subscriber interface {
	MailboxChanged(ctx context.Context, ev Event) error
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(ctx context.Context, ev Event) error

// MailboxChanged calls f.
func (f SubscriberFunc) MailboxChanged(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Deposit describes a newly committed message.
type Deposit struct {
	Mailbox *Mailbox
	Folder  Folder
	Index   int
	// Message has its audio materialized locally for the duration of the
	// listener call.
	Message *Message
	New     int
	Old     int
}

// DepositListener is told about every new message (email, pager).
type DepositListener interface {
	MessageDeposited(ctx context.Context, d Deposit) error
}

type namedSubscriber struct {
	name string
	sub  Subscriber
}

type namedListener struct {
	name     string
	listener DepositListener
}

// Notifier recomputes mailbox counts after a change and fans them out to
// every subscriber concurrently. Subscriber failures are logged and never
// fail the operation that caused the change.
type Notifier struct {
	backend Backend
	logger  *slog.Logger
	nowFunc func() time.Time

	mu        sync.RWMutex
	subs      []namedSubscriber
	listeners []namedListener
}

// NewNotifier creates a Notifier that counts messages through backend.
func NewNotifier(backend Backend, logger *slog.Logger) *Notifier {
	return &Notifier{
		backend: backend,
		logger:  logger.With("subsystem", "notify"),
		nowFunc: time.Now,
	}
}

// Subscribe registers a count subscriber.
func (n *Notifier) Subscribe(name string, s Subscriber) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subs = append(n.subs, namedSubscriber{name: name, sub: s})
}

// OnDeposit registers a deposit listener.
func (n *Notifier) OnDeposit(name string, l DepositListener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, namedListener{name: name, listener: l})
}

// Counts returns the Inbox (new) and Old message counts of box.
func (n *Notifier) Counts(ctx context.Context, box *Mailbox) (newCount, oldCount int, err error) {
	newCount, err = n.backend.Count(ctx, LocationOf(box, FolderInbox))
	if err != nil {
		return 0, 0, fmt.Errorf("counting new messages of %s: %w", box.Key(), err)
	}
	oldCount, err = n.backend.Count(ctx, LocationOf(box, FolderOld))
	if err != nil {
		return 0, 0, fmt.Errorf("counting old messages of %s: %w", box.Key(), err)
	}
	return newCount, oldCount, nil
}

// NotifyChange recounts box and emits the result.
func (n *Notifier) NotifyChange(ctx context.Context, box *Mailbox) (Event, error) {
	newCount, oldCount, err := n.Counts(ctx, box)
	if err != nil {
		return Event{}, err
	}
	ev := n.event(box, newCount, oldCount)
	n.Emit(ctx, ev)
	return ev, nil
}

func (n *Notifier) event(box *Mailbox, newCount, oldCount int) Event {
	return Event{
		Mailbox:   box.ID,
		Context:   box.Context,
		Extension: box.MWIExtension(),
		New:       newCount,
		Old:       oldCount,
		Time:      n.nowFunc(),
	}
}

// Emit delivers ev to every subscriber and waits for them. It returns the
// first subscriber error, which has already been logged.
func (n *Notifier) Emit(ctx context.Context, ev Event) error {
	n.mu.RLock()
	subs := append([]namedSubscriber(nil), n.subs...)
	n.mu.RUnlock()

	var g errgroup.Group
	for _, s := range subs {
		g.Go(func() error {
			if err := s.sub.MailboxChanged(ctx, ev); err != nil {
				n.logger.Warn("mailbox subscriber failed",
					"subscriber", s.name,
					"mailbox", ev.Key(),
					"error", err,
				)
				return fmt.Errorf("subscriber %s: %w", s.name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// NotifyDeposit tells every deposit listener about d.
func (n *Notifier) NotifyDeposit(ctx context.Context, d Deposit) error {
	n.mu.RLock()
	listeners := append([]namedListener(nil), n.listeners...)
	n.mu.RUnlock()

	var g errgroup.Group
	for _, l := range listeners {
		g.Go(func() error {
			if err := l.listener.MessageDeposited(ctx, d); err != nil {
				n.logger.Warn("deposit listener failed",
					"listener", l.name,
					"mailbox", d.Mailbox.Key(),
					"index", d.Index,
					"error", err,
				)
				return fmt.Errorf("listener %s: %w", l.name, err)
			}
			return nil
		})
	}
	return g.Wait()
}
