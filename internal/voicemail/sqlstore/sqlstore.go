// Package sqlstore keeps voice messages in a SQL database (SQLite or
// PostgreSQL). Audio is stored as one blob per format and materialized
// into the spool directory while a caller works with it.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flowpbx/vmstore/internal/database"
	"github.com/flowpbx/vmstore/internal/database/models"
	"github.com/flowpbx/vmstore/internal/voicemail"
)

// Name is the backend type under which the store registers.
const Name = "sql"

const (
	defaultLockPoll = 50 * time.Millisecond
	// defaultLockTTL bounds how long a lock left by a crashed process
	// blocks its folder.
	defaultLockTTL = 5 * time.Minute
)

func init() {
	voicemail.RegisterBackend(Name, func(cfg voicemail.BackendConfig) (voicemail.Backend, error) {
		if cfg.SpoolDir == "" {
			return nil, fmt.Errorf("sql backend: spool directory not configured")
		}
		db, err := database.Open(cfg.Option("driver", database.DriverSQLite), cfg.Option("dsn", ""), cfg.Option("data_dir", cfg.SpoolDir))
		if err != nil {
			return nil, fmt.Errorf("sql backend: %w", err)
		}
		s := New(db, cfg.SpoolDir, cfg.Logger)
		s.ownsDB = true
		if v := cfg.Option("lock_ttl", ""); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				db.Close()
				return nil, fmt.Errorf("sql backend: parsing lock_ttl: %w", err)
			}
			s.lockTTL = d
		}
		if v := cfg.Option("lock_poll", ""); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				db.Close()
				return nil, fmt.Errorf("sql backend: parsing lock_poll: %w", err)
			}
			s.lockPoll = d
		}
		return s, nil
	})
}

// Store implements voicemail.Backend on a database.
type Store struct {
	db       *database.DB
	messages database.VoiceMessageRepository
	locks    database.VoicemailLockRepository
	spool    string
	lockPoll time.Duration
	lockTTL  time.Duration
	ownsDB   bool
	logger   *slog.Logger
}

// New creates a Store on db. Retrieved audio is materialized below spool.
func New(db *database.DB, spool string, logger *slog.Logger) *Store {
	return &Store{
		db:       db,
		messages: database.NewVoiceMessageRepository(db),
		locks:    database.NewVoicemailLockRepository(db),
		spool:    spool,
		lockPoll: defaultLockPoll,
		lockTTL:  defaultLockTTL,
		logger:   logger.With("subsystem", "sqlstore"),
	}
}

// Name returns the backend type.
func (s *Store) Name() string { return Name }

// DB returns the underlying database, shared with realtime lookups.
func (s *Store) DB() *database.DB { return s.db }

// CheapCount reports that counting is a single indexed query, which
// enables the quota check before recording.
func (s *Store) CheapCount() bool { return true }

func dirOf(loc voicemail.Location) string { return loc.String() }

func wrap(op string, err error) error {
	if errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("%s: %w", op, voicemail.ErrMessageNotFound)
	}
	return voicemail.NewBackendError(Name, op, err)
}

// Count returns the number of messages in loc.
func (s *Store) Count(ctx context.Context, loc voicemail.Location) (int, error) {
	n, err := s.messages.Count(ctx, dirOf(loc))
	if err != nil {
		return 0, wrap("count", err)
	}
	return n, nil
}

// LastIndex returns the highest message number in loc, or -1.
func (s *Store) LastIndex(ctx context.Context, loc voicemail.Location) (int, error) {
	n, err := s.messages.LastMsgNum(ctx, dirOf(loc))
	if err != nil {
		return -1, wrap("last index", err)
	}
	return n, nil
}

// Exists reports whether message n is present.
func (s *Store) Exists(ctx context.Context, loc voicemail.Location, n int) (bool, error) {
	ok, err := s.messages.Exists(ctx, dirOf(loc), n)
	if err != nil {
		return false, wrap("exists", err)
	}
	return ok, nil
}

func (s *Store) localPath(loc voicemail.Location, n int, format string) string {
	return filepath.Join(loc.Dir(s.spool), voicemail.MessageBase(n)+"."+format)
}

// Retrieve writes the audio of message n into the spool directory.
func (s *Store) Retrieve(ctx context.Context, loc voicemail.Location, n int) (*voicemail.Message, error) {
	row, audio, err := s.messages.Get(ctx, dirOf(loc), n)
	if err != nil {
		return nil, wrap("retrieve", err)
	}
	if err := os.MkdirAll(loc.Dir(s.spool), 0750); err != nil {
		return nil, wrap("retrieve", err)
	}

	files := make(map[string]string, len(audio))
	for _, a := range audio {
		p := s.localPath(loc, n, a.Format)
		if err := os.WriteFile(p, a.Recording, 0640); err != nil {
			s.removeLocal(files)
			return nil, wrap("retrieve", err)
		}
		files[a.Format] = p
	}
	return &voicemail.Message{Index: n, Meta: metadataFromRow(row), Files: files}, nil
}

// Dispose removes the materialized audio of message n.
func (s *Store) Dispose(_ context.Context, loc voicemail.Location, n int) error {
	matches, err := filepath.Glob(filepath.Join(loc.Dir(s.spool), voicemail.MessageBase(n)+".*"))
	if err != nil {
		return wrap("dispose", err)
	}
	var errs []error
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return wrap("dispose", err)
	}
	return nil
}

func (s *Store) removeLocal(files map[string]string) {
	for _, p := range files {
		os.Remove(p)
	}
}

// Store inserts msg with the audio read from its local files.
func (s *Store) Store(ctx context.Context, loc voicemail.Location, n int, msg *voicemail.Message) error {
	audio := make([]models.VoiceMessageAudio, 0, len(msg.Files))
	for _, format := range msg.Formats() {
		data, err := os.ReadFile(msg.Files[format])
		if err != nil {
			return wrap("store", fmt.Errorf("reading %s audio: %w", format, err))
		}
		audio = append(audio, models.VoiceMessageAudio{Format: format, Recording: data})
	}
	row := rowFromMetadata(loc, n, msg.Meta)
	if err := s.messages.Put(ctx, row, audio); err != nil {
		return wrap("store", err)
	}
	return nil
}

// Rename moves message sn of src to dn of dst, replacing any message there.
func (s *Store) Rename(ctx context.Context, src voicemail.Location, sn int, dst voicemail.Location, dn int) error {
	if err := s.messages.Rename(ctx, dirOf(src), sn, dirOf(dst), dn); err != nil {
		return wrap("rename", err)
	}
	return nil
}

// Copy duplicates message sn of src as dn of dst.
func (s *Store) Copy(ctx context.Context, src voicemail.Location, sn int, dst voicemail.Location, dn int) error {
	if err := s.messages.Copy(ctx, dirOf(src), sn, dirOf(dst), dn); err != nil {
		return wrap("copy", err)
	}
	return nil
}

// Delete removes message n.
func (s *Store) Delete(ctx context.Context, loc voicemail.Location, n int) error {
	if err := s.messages.Delete(ctx, dirOf(loc), n); err != nil {
		return wrap("delete", err)
	}
	return nil
}

// Lock takes the database lock row of loc, polling until timeout.
func (s *Store) Lock(ctx context.Context, loc voicemail.Location, timeout time.Duration) (voicemail.Unlocker, error) {
	dir := dirOf(loc)
	owner := uuid.NewString()
	deadline := time.Now().Add(timeout)

	for {
		ok, err := s.locks.TryAcquire(ctx, dir, owner, s.lockTTL)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("waiting for lock on %s: %w", loc, ctx.Err())
			}
			return nil, wrap("lock", err)
		}
		if ok {
			return func() {
				if err := s.locks.Release(context.Background(), dir, owner); err != nil {
					s.logger.Warn("releasing folder lock failed", "location", dir, "error", err)
				}
			}, nil
		}
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%s: %w", loc, voicemail.ErrLockTimeout)
		}

		wait := s.lockPoll
		if rem := time.Until(deadline); rem < wait {
			wait = rem
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("waiting for lock on %s: %w", loc, ctx.Err())
		case <-t.C:
		}
	}
}

// Close closes the database when the store opened it.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func rowFromMetadata(loc voicemail.Location, n int, m voicemail.Metadata) *models.VoiceMessage {
	var origTime int64
	if !m.OrigTime.IsZero() {
		origTime = m.OrigTime.Unix()
	}
	return &models.VoiceMessage{
		Dir:            dirOf(loc),
		MsgNum:         n,
		Context:        m.Context,
		MacroContext:   m.MacroContext,
		CallerID:       m.CallerID,
		OrigTime:       origTime,
		Duration:       m.Duration,
		MailboxUser:    m.OrigMailbox,
		MailboxContext: loc.Context,
		Exten:          m.Exten,
		Priority:       m.Priority,
		CallerChan:     m.CallerChan,
		Category:       m.Category,
	}
}

func metadataFromRow(r *models.VoiceMessage) voicemail.Metadata {
	m := voicemail.Metadata{
		OrigMailbox:  r.MailboxUser,
		Context:      r.Context,
		MacroContext: r.MacroContext,
		Exten:        r.Exten,
		Priority:     r.Priority,
		CallerChan:   r.CallerChan,
		CallerID:     r.CallerID,
		Category:     r.Category,
		Duration:     r.Duration,
	}
	if r.OrigTime > 0 {
		m.OrigTime = time.Unix(r.OrigTime, 0)
	}
	if m.OrigMailbox == "" {
		// Rows written by other tools may only carry the directory.
		if parts := strings.SplitN(r.Dir, "/", 3); len(parts) == 3 {
			m.OrigMailbox = parts[1]
		}
	}
	return m
}
