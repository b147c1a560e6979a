// Package voicemail implements the mailbox store: folder sessions with dense
// message numbering, the deposit flow, notification fan-out and the
// storage backend abstraction shared by the file, SQL and IMAP stores.
package voicemail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// DefaultLockTimeout bounds the wait for an advisory folder lock.
const DefaultLockTimeout = 10 * time.Second

// ServiceOptions holds the tunables of a Service.
type ServiceOptions struct {
	// SpoolDir is the local root used for staging recordings and greetings.
	SpoolDir string
	// LockTimeout bounds every advisory lock wait.
	LockTimeout time.Duration
	// SilenceSecs stops a recording after this much silence (0 disables).
	SilenceSecs int
}

// Service is the mailbox store: it owns the storage backend, the mailbox
// registry and the notification fan-out, and hands out sessions.
type Service struct {
	backend     Backend
	registry    *Registry
	notifier    *Notifier
	spoolDir    string
	lockTimeout time.Duration
	silenceSecs int
	stats       StatsRecorder
	logger      *slog.Logger
	nowFunc     func() time.Time // injectable for testing
}

// StatsRecorder receives operation outcomes for metrics.
type StatsRecorder interface {
	MessageDeposited(box *Mailbox)
	LockTimedOut(loc Location)
	CapacityRejected(box *Mailbox)
}

type nopStats struct{}

func (nopStats) MessageDeposited(*Mailbox) {}
func (nopStats) LockTimedOut(Location)     {}
func (nopStats) CapacityRejected(*Mailbox) {}

// NewService creates a Service.
func NewService(backend Backend, registry *Registry, notifier *Notifier, opts ServiceOptions, logger *slog.Logger) *Service {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	return &Service{
		backend:     backend,
		registry:    registry,
		notifier:    notifier,
		spoolDir:    opts.SpoolDir,
		lockTimeout: opts.LockTimeout,
		silenceSecs: opts.SilenceSecs,
		stats:       nopStats{},
		logger:      logger.With("component", "voicemail"),
		nowFunc:     time.Now,
	}
}

// SetStatsRecorder installs a metrics sink.
func (s *Service) SetStatsRecorder(r StatsRecorder) {
	if r == nil {
		r = nopStats{}
	}
	s.stats = r
}

// Backend returns the storage backend.
func (s *Service) Backend() Backend { return s.backend }

// Registry returns the mailbox registry.
func (s *Service) Registry() *Registry { return s.registry }

// Notifier returns the notification fan-out.
func (s *Service) Notifier() *Notifier { return s.notifier }

// Counts returns the new (Inbox) and old message counts of a mailbox.
func (s *Service) Counts(ctx context.Context, box *Mailbox) (newCount, oldCount int, err error) {
	return s.notifier.Counts(ctx, box)
}

// ChangePassword replaces the mailbox secret.
func (s *Service) ChangePassword(ctx context.Context, id, vmContext, secret string) error {
	return s.registry.ChangePassword(ctx, id, vmContext, secret)
}

// lock takes the advisory lock on loc and records timeouts.
func (s *Service) lock(ctx context.Context, loc Location) (Unlocker, error) {
	unlock, err := s.backend.Lock(ctx, loc, s.lockTimeout)
	if err != nil {
		if errors.Is(err, ErrLockTimeout) {
			s.stats.LockTimedOut(loc)
			s.logger.Warn("folder lock timeout", "location", loc.String(), "timeout", s.lockTimeout)
			return nil, err
		}
		return nil, fmt.Errorf("locking %s: %w", loc, err)
	}
	return unlock, nil
}

// Resequence takes the folder lock and compacts message indices so they
// are dense. It returns the number of messages moved.
func (s *Service) Resequence(ctx context.Context, loc Location) (int, error) {
	unlock, err := s.lock(ctx, loc)
	if err != nil {
		return 0, err
	}
	defer unlock()
	return s.checkSequence(ctx, loc)
}

// checkSequence compares the last index with the message count and
// resequences when they disagree. The caller holds the folder lock.
func (s *Service) checkSequence(ctx context.Context, loc Location) (int, error) {
	count, err := s.backend.Count(ctx, loc)
	if err != nil {
		return 0, fmt.Errorf("counting %s: %w", loc, err)
	}
	last, err := s.backend.LastIndex(ctx, loc)
	if err != nil {
		return 0, fmt.Errorf("finding last message of %s: %w", loc, err)
	}
	if last == count-1 {
		return 0, nil
	}

	s.logger.Info("message index gap detected, resequencing",
		"location", loc.String(),
		"count", count,
		"last_index", last,
	)
	return resequence(ctx, s.backend, loc, last)
}

// stagingPath returns a fresh path for an in-progress recording.
func (s *Service) stagingPath(name, format string) (string, error) {
	dir := filepath.Join(s.spoolDir, "tmp")
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("creating staging directory: %w", err)
	}
	return filepath.Join(dir, name+"."+format), nil
}

// greetingPath returns the local greeting of the given kind when present.
func (s *Service) greetingPath(box *Mailbox, kind string) string {
	dir := filepath.Join(s.spoolDir, box.Context, box.ID)
	formats := append(append([]string(nil), box.Formats...), DefaultFormat)
	for _, f := range formats {
		p := filepath.Join(dir, kind+"."+f)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
