package mwi

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/flowpbx/vmstore/internal/voicemail"
)

const defaultScriptTimeout = 30 * time.Second

// ScriptNotifier runs the operator's notify script as
// "<script> <mailbox> <context> <extension> <new>" for every change. The
// script runs in the background; its outcome is only logged. Each mailbox
// has its own rate limit. Changes beyond it are coalesced and the latest
// one runs as soon as the limit allows.
type ScriptNotifier struct {
	path    string
	limit   rate.Limit
	burst   int
	timeout time.Duration
	logger  *slog.Logger

	wg     sync.WaitGroup
	mu     sync.Mutex
	keys   map[string]*scriptKey
	closed bool
}

// scriptKey is the throttling state of one mailbox.
type scriptKey struct {
	limiter *rate.Limiter
	// pending is the latest change waiting for timer.
	pending *voicemail.Event
	timer   *time.Timer
}

// NewScriptNotifier creates a notifier for the script at path allowing
// perSecond invocations per mailbox with the given burst. A perSecond of 0
// disables the limit.
func NewScriptNotifier(path string, perSecond float64, burst int, logger *slog.Logger) *ScriptNotifier {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst < 1 {
		burst = 1
	}
	return &ScriptNotifier{
		path:    path,
		limit:   limit,
		burst:   burst,
		timeout: defaultScriptTimeout,
		logger:  logger.With("subsystem", "externnotify"),
		keys:    make(map[string]*scriptKey),
	}
}

// MailboxChanged starts the script for ev, or defers it when the mailbox is
// over its limit. It implements voicemail.Subscriber and returns without
// waiting for the script.
func (n *ScriptNotifier) MailboxChanged(_ context.Context, ev voicemail.Event) error {
	key := ev.Key()

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	st, ok := n.keys[key]
	if !ok {
		st = &scriptKey{limiter: rate.NewLimiter(n.limit, n.burst)}
		n.keys[key] = st
	}

	if st.timer != nil {
		st.pending = &ev
		n.logger.Debug("notify script coalesced", "mailbox", key, "new", ev.New)
		return nil
	}
	if st.limiter.Allow() {
		n.start(ev)
		return nil
	}

	delay := st.limiter.Reserve().Delay()
	st.pending = &ev
	st.timer = time.AfterFunc(delay, func() { n.flush(key) })
	n.logger.Info("notify script deferred", "mailbox", key, "delay", delay)
	return nil
}

// flush runs the pending change of key once its reservation is due.
func (n *ScriptNotifier) flush(key string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	st := n.keys[key]
	ev := st.pending
	st.pending = nil
	st.timer = nil
	if n.closed || ev == nil {
		return
	}
	n.start(*ev)
}

// start runs the script in the background. n.mu must be held.
func (n *ScriptNotifier) start(ev voicemail.Event) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.run(ev)
	}()
}

func (n *ScriptNotifier) run(ev voicemail.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	args := []string{ev.Mailbox, ev.Context, ev.Extension, strconv.Itoa(ev.New)}
	out, err := exec.CommandContext(ctx, n.path, args...).CombinedOutput()
	if err != nil {
		n.logger.Warn("notify script failed",
			"mailbox", ev.Key(),
			"error", fmt.Errorf("running %s: %w", n.path, err),
			"output", string(out),
		)
		return
	}
	n.logger.Debug("notify script ran", "mailbox", ev.Key(), "new", ev.New)
}

// Close waits for running scripts to finish. Deferred and later events
// are dropped.
func (n *ScriptNotifier) Close() error {
	n.mu.Lock()
	n.closed = true
	dropped := 0
	for _, st := range n.keys {
		if st.timer != nil && st.timer.Stop() {
			st.timer = nil
			st.pending = nil
			dropped++
		}
	}
	n.mu.Unlock()
	if dropped > 0 {
		n.logger.Warn("dropped deferred notify scripts on close", "count", dropped)
	}
	n.wg.Wait()
	return nil
}
