package voicemail

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultPollInterval is the interval between count polls.
const DefaultPollInterval = 30 * time.Second

type counts struct {
	new, old int
}

// Poller periodically recounts every known mailbox and emits an Event when
// the counts differ from the last ones seen, so changes made by other
// processes sharing the storage reach subscribers. It also subscribes to
// the Notifier to learn counts emitted by local operations.
type Poller struct {
	notifier  *Notifier
	mailboxes func() []*Mailbox
	interval  time.Duration
	logger    *slog.Logger

	mu   sync.Mutex
	last map[string]counts

	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewPoller creates a Poller over the mailboxes returned by list.
func NewPoller(notifier *Notifier, list func() []*Mailbox, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	p := &Poller{
		notifier:  notifier,
		mailboxes: list,
		interval:  interval,
		logger:    logger.With("subsystem", "mwi_poller"),
		last:      make(map[string]counts),
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	notifier.Subscribe("poller", p)
	return p
}

// MailboxChanged records counts emitted elsewhere so they are not emitted
// again by the next poll.
func (p *Poller) MailboxChanged(_ context.Context, ev Event) error {
	p.mu.Lock()
	p.last[ev.Key()] = counts{new: ev.New, old: ev.Old}
	p.mu.Unlock()
	return nil
}

// Start launches the polling goroutine.
func (p *Poller) Start() {
	go p.run()
	p.logger.Info("mailbox poller started", "interval", p.interval)
}

// Stop signals the polling goroutine and waits for it to exit. A poll in
// progress is cancelled.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
	<-p.done
	p.logger.Info("mailbox poller stopped")
}

// Wake requests an immediate poll.
func (p *Poller) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Poller) run() {
	defer close(p.done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-p.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
		case <-p.wake:
		}
		p.Poll(ctx)
	}
}

// Poll recounts every mailbox once and emits events for those whose counts
// changed. It returns the number of events emitted.
func (p *Poller) Poll(ctx context.Context) int {
	emitted := 0
	for _, box := range p.mailboxes() {
		if ctx.Err() != nil {
			return emitted
		}
		newCount, oldCount, err := p.notifier.Counts(ctx, box)
		if err != nil {
			p.logger.Warn("mailbox poll failed", "mailbox", box.Key(), "error", err)
			continue
		}

		cur := counts{new: newCount, old: oldCount}
		p.mu.Lock()
		prev, seen := p.last[box.Key()]
		p.last[box.Key()] = cur
		p.mu.Unlock()

		if seen && prev == cur {
			continue
		}
		p.logger.Debug("mailbox counts changed", "mailbox", box.Key(), "new", newCount, "old", oldCount)
		p.notifier.Emit(ctx, p.notifier.event(box, newCount, oldCount))
		emitted++
	}
	return emitted
}
