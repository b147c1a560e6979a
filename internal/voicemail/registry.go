package voicemail

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// RealtimeLookup resolves mailboxes kept in an external store. It returns
// (nil, nil) when the mailbox does not exist there.
type RealtimeLookup interface {
	LookupMailbox(ctx context.Context, id, context string) (*Mailbox, error)
}

// PasswordWriter persists a changed mailbox secret.
type PasswordWriter interface {
	WritePassword(ctx context.Context, box *Mailbox, secret string) error
}

// Registry indexes mailboxes by "mailbox@context". Statically configured
// mailboxes are held in memory; realtime mailboxes are looked up on every
// request and never cached, so external edits take effect immediately.
type Registry struct {
	mu       sync.RWMutex
	boxes    map[string]*Mailbox
	realtime RealtimeLookup
	static   PasswordWriter
	dynamic  PasswordWriter
	logger   *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		boxes:  make(map[string]*Mailbox),
		logger: logger.With("subsystem", "mailbox_registry"),
	}
}

// SetRealtime installs the realtime lookup and the writer used for
// password changes of realtime mailboxes.
func (r *Registry) SetRealtime(lookup RealtimeLookup, w PasswordWriter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.realtime = lookup
	r.dynamic = w
}

// SetPasswordWriter installs the writer used for statically configured
// mailboxes.
func (r *Registry) SetPasswordWriter(w PasswordWriter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.static = w
}

// Load replaces the static mailbox set.
func (r *Registry) Load(boxes []*Mailbox) {
	m := make(map[string]*Mailbox, len(boxes))
	for _, b := range boxes {
		m[b.Key()] = b
	}

	r.mu.Lock()
	r.boxes = m
	r.mu.Unlock()

	r.logger.Info("mailboxes loaded", "count", len(m))
}

// Add inserts or replaces one static mailbox.
func (r *Registry) Add(box *Mailbox) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.boxes[box.Key()] = box
}

// Mailboxes returns the static mailboxes sorted by key.
func (r *Registry) Mailboxes() []*Mailbox {
	r.mu.RLock()
	out := make([]*Mailbox, 0, len(r.boxes))
	for _, b := range r.boxes {
		out = append(out, b)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Lookup resolves a mailbox, consulting the static set first and the
// realtime store second. It returns ErrMailboxNotFound when neither knows
// the mailbox.
func (r *Registry) Lookup(ctx context.Context, id, vmContext string) (*Mailbox, error) {
	if vmContext == "" {
		vmContext = DefaultContext
	}
	key := MailboxKey(id, vmContext)

	r.mu.RLock()
	box, ok := r.boxes[key]
	realtime := r.realtime
	r.mu.RUnlock()

	if ok {
		return box, nil
	}
	if realtime != nil {
		box, err := realtime.LookupMailbox(ctx, id, vmContext)
		if err != nil {
			return nil, fmt.Errorf("looking up realtime mailbox %s: %w", key, err)
		}
		if box != nil {
			box.Realtime = true
			return box, nil
		}
	}
	return nil, fmt.Errorf("mailbox %s: %w", key, ErrMailboxNotFound)
}

// LookupKey resolves a "mailbox@context" specification.
func (r *Registry) LookupKey(ctx context.Context, spec string) (*Mailbox, error) {
	id, vmContext, err := ParseMailboxKey(spec)
	if err != nil {
		return nil, err
	}
	return r.Lookup(ctx, id, vmContext)
}

// Authenticate checks a mailbox secret. Unknown mailboxes and wrong
// secrets both yield ErrAuthFailed.
func (r *Registry) Authenticate(ctx context.Context, id, vmContext, secret string) (*Mailbox, error) {
	box, err := r.Lookup(ctx, id, vmContext)
	if err != nil {
		r.logger.Debug("authentication for unknown mailbox", "mailbox", MailboxKey(id, vmContext), "error", err)
		return nil, ErrAuthFailed
	}
	if !VerifyPassword(secret, box.Password) {
		r.logger.Info("mailbox authentication failed", "mailbox", box.Key())
		return nil, ErrAuthFailed
	}
	return box, nil
}

// ChangePassword hashes secret, persists it through the configured writer
// and updates the in-memory mailbox.
func (r *Registry) ChangePassword(ctx context.Context, id, vmContext, secret string) error {
	if secret == "" {
		return fmt.Errorf("changing password of %s: empty secret", MailboxKey(id, vmContext))
	}
	box, err := r.Lookup(ctx, id, vmContext)
	if err != nil {
		return err
	}

	hash, err := HashPassword(secret)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}

	r.mu.RLock()
	w := r.static
	if box.Realtime {
		w = r.dynamic
	}
	r.mu.RUnlock()

	if w != nil {
		if err := w.WritePassword(ctx, box, hash); err != nil {
			return fmt.Errorf("persisting password of %s: %w", box.Key(), err)
		}
	}

	if !box.Realtime {
		updated := box.Clone()
		updated.Password = hash
		r.Add(updated)
	}

	r.logger.Info("mailbox password changed", "mailbox", box.Key())
	return nil
}
