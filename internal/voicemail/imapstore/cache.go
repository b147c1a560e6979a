package imapstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emersion/go-imap/v2"

	"github.com/flowpbx/vmstore/internal/voicemail"
)

// session is the cached server state of one mailbox user: the connection,
// the per-folder UID tables and the folder locks. Interactive and
// background users of a mailbox share one session.
type session struct {
	key  string
	user string

	// mu serializes commands on conn and access to tables.
	mu          sync.Mutex
	conn        conn
	tables      map[voicemail.Folder]*uidTable
	interactive bool

	lockMu sync.Mutex
	locks  map[voicemail.Folder]chan struct{}
}

func (s *session) table(f voicemail.Folder) *uidTable {
	t, ok := s.tables[f]
	if !ok {
		t = &uidTable{}
		s.tables[f] = t
	}
	return t
}

func (s *session) folderLock(f voicemail.Folder) chan struct{} {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	ch, ok := s.locks[f]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[f] = ch
	}
	return ch
}

// SessionCache holds at most one server connection per mailbox user. A
// background session (poller, notifications) and an interactive one
// (listening, depositing) for the same user are merged into one entry.
type SessionCache struct {
	dial   dialer
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*session
}

func newSessionCache(dial dialer, logger *slog.Logger) *SessionCache {
	return &SessionCache{
		dial:    dial,
		logger:  logger,
		entries: make(map[string]*session),
	}
}

// get returns the session of user, dialing when none is cached.
func (c *SessionCache) get(ctx context.Context, key, user string) (*session, error) {
	interactive := voicemail.IsInteractive(ctx)

	c.mu.Lock()
	if s, ok := c.entries[key]; ok {
		if interactive && !s.interactive {
			s.interactive = true
			c.logger.Debug("merged interactive session into background session", "mailbox", key)
		}
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	cn, err := c.dial(ctx, user)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.entries[key]; ok {
		// Lost a race with another dial for the same user.
		cn.Close()
		s.interactive = s.interactive || interactive
		return s, nil
	}
	s := &session{
		key:         key,
		user:        user,
		conn:        cn,
		tables:      make(map[voicemail.Folder]*uidTable),
		locks:       make(map[voicemail.Folder]chan struct{}),
		interactive: interactive,
	}
	c.entries[key] = s
	c.logger.Debug("imap session opened", "mailbox", key, "user", user, "interactive", interactive)
	return s, nil
}

// evict drops s after a transport failure so the next call reconnects.
// Errors reported by the server keep the session.
func (c *SessionCache) evict(s *session, cause error) {
	var imapErr *imap.Error
	if errors.As(cause, &imapErr) {
		return
	}
	c.mu.Lock()
	if c.entries[s.key] == s {
		delete(c.entries, s.key)
	}
	c.mu.Unlock()
	s.mu.Lock()
	s.conn.Close()
	s.mu.Unlock()
	c.logger.Warn("imap session dropped", "mailbox", s.key, "error", cause)
}

// Len returns the number of cached sessions.
func (c *SessionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Interactive reports whether the cached session of key has been used
// interactively.
func (c *SessionCache) Interactive(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.entries[key]
	return ok && s.interactive
}

// Close logs out every cached session.
func (c *SessionCache) Close() error {
	c.mu.Lock()
	entries := c.entries
	c.entries = make(map[string]*session)
	c.mu.Unlock()

	var errs []error
	for _, s := range entries {
		s.mu.Lock()
		if err := s.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing session of %s: %w", s.key, err))
		}
		s.mu.Unlock()
	}
	return errors.Join(errs...)
}
