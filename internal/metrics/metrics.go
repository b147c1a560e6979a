package metrics

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowpbx/vmstore/internal/voicemail"
)

// SessionCounter exposes the number of cached backend sessions.
type SessionCounter interface {
	Len() int
}

// DropCounter exposes the number of change events a subscriber dropped.
type DropCounter interface {
	Dropped() int64
}

type mailboxCounts struct {
	mailbox string
	context string
	newMsgs int
	oldMsgs int
}

type outcomes struct {
	deposits uint64
	timeouts uint64
	rejected uint64
}

// Collector is a prometheus.Collector for the mailbox store. Waiting
// counts are fed by mailbox change events; operation outcomes by the
// service. Everything else is gathered at scrape time.
type Collector struct {
	backend   string
	sessions  SessionCounter
	drops     DropCounter
	startTime time.Time

	mu       sync.Mutex
	boxes    map[string]mailboxCounts
	contexts map[string]*outcomes

	newMessagesDesc *prometheus.Desc
	oldMessagesDesc *prometheus.Desc
	depositsDesc    *prometheus.Desc
	lockTimeoutDesc *prometheus.Desc
	rejectedDesc    *prometheus.Desc
	sessionsDesc    *prometheus.Desc
	droppedDesc     *prometheus.Desc
	uptimeDesc      *prometheus.Desc
}

// NewCollector creates a new metrics collector. sessions and drops may be
// nil if unavailable.
func NewCollector(backend string, sessions SessionCounter, drops DropCounter, startTime time.Time) *Collector {
	return &Collector{
		backend:   backend,
		sessions:  sessions,
		drops:     drops,
		startTime: startTime,
		boxes:     make(map[string]mailboxCounts),
		contexts:  make(map[string]*outcomes),

		newMessagesDesc: prometheus.NewDesc(
			"vmstore_mailbox_new_messages",
			"Messages in the Inbox of a mailbox as of its last change",
			[]string{"mailbox", "context"}, nil,
		),
		oldMessagesDesc: prometheus.NewDesc(
			"vmstore_mailbox_old_messages",
			"Messages in the Old folder of a mailbox as of its last change",
			[]string{"mailbox", "context"}, nil,
		),
		depositsDesc: prometheus.NewDesc(
			"vmstore_messages_deposited_total",
			"Total messages committed by the leave flow",
			[]string{"context"}, nil,
		),
		lockTimeoutDesc: prometheus.NewDesc(
			"vmstore_lock_timeouts_total",
			"Total folder lock acquisitions that timed out",
			[]string{"context"}, nil,
		),
		rejectedDesc: prometheus.NewDesc(
			"vmstore_capacity_rejections_total",
			"Total deposits refused because the mailbox was full",
			[]string{"context"}, nil,
		),
		sessionsDesc: prometheus.NewDesc(
			"vmstore_backend_sessions",
			"Number of cached backend sessions",
			[]string{"backend"}, nil,
		),
		droppedDesc: prometheus.NewDesc(
			"vmstore_mwi_events_dropped_total",
			"Total mailbox change events dropped by slow subscribers",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"vmstore_uptime_seconds",
			"Seconds since the vmstore process started",
			nil, nil,
		),
	}
}

// MailboxChanged implements voicemail.Subscriber.
func (c *Collector) MailboxChanged(_ context.Context, ev voicemail.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.boxes[ev.Key()] = mailboxCounts{mailbox: ev.Mailbox, context: ev.Context, newMsgs: ev.New, oldMsgs: ev.Old}
	return nil
}

func (c *Collector) outcome(vmContext string) *outcomes {
	o, ok := c.contexts[vmContext]
	if !ok {
		o = &outcomes{}
		c.contexts[vmContext] = o
	}
	return o
}

// MessageDeposited implements voicemail.StatsRecorder.
func (c *Collector) MessageDeposited(box *voicemail.Mailbox) {
	c.mu.Lock()
	c.outcome(box.Context).deposits++
	c.mu.Unlock()
}

// LockTimedOut implements voicemail.StatsRecorder.
func (c *Collector) LockTimedOut(loc voicemail.Location) {
	c.mu.Lock()
	c.outcome(loc.Context).timeouts++
	c.mu.Unlock()
}

// CapacityRejected implements voicemail.StatsRecorder.
func (c *Collector) CapacityRejected(box *voicemail.Mailbox) {
	c.mu.Lock()
	c.outcome(box.Context).rejected++
	c.mu.Unlock()
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.newMessagesDesc
	ch <- c.oldMessagesDesc
	ch <- c.depositsDesc
	ch <- c.lockTimeoutDesc
	ch <- c.rejectedDesc
	ch <- c.sessionsDesc
	ch <- c.droppedDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	keys := make([]string, 0, len(c.boxes))
	for k := range c.boxes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b := c.boxes[k]
		ch <- prometheus.MustNewConstMetric(c.newMessagesDesc, prometheus.GaugeValue, float64(b.newMsgs), b.mailbox, b.context)
		ch <- prometheus.MustNewConstMetric(c.oldMessagesDesc, prometheus.GaugeValue, float64(b.oldMsgs), b.mailbox, b.context)
	}
	for vmContext, o := range c.contexts {
		ch <- prometheus.MustNewConstMetric(c.depositsDesc, prometheus.CounterValue, float64(o.deposits), vmContext)
		ch <- prometheus.MustNewConstMetric(c.lockTimeoutDesc, prometheus.CounterValue, float64(o.timeouts), vmContext)
		ch <- prometheus.MustNewConstMetric(c.rejectedDesc, prometheus.CounterValue, float64(o.rejected), vmContext)
	}
	c.mu.Unlock()

	if c.sessions != nil {
		ch <- prometheus.MustNewConstMetric(
			c.sessionsDesc, prometheus.GaugeValue,
			float64(c.sessions.Len()), c.backend,
		)
	}

	if c.drops != nil {
		ch <- prometheus.MustNewConstMetric(
			c.droppedDesc, prometheus.CounterValue,
			float64(c.drops.Dropped()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
