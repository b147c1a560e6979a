// Package imapstore keeps voice messages as MIME mails in IMAP folders.
//
// IMAP identifies messages by UIDs that are neither dense nor stable, so
// every mailbox user has a session holding a per-folder translation table
// from dense indices to UIDs. Deleted messages are flagged and expunged
// when the folder lock is released.
package imapstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-message/mail"

	"github.com/flowpbx/vmstore/internal/vmmime"
	"github.com/flowpbx/vmstore/internal/voicemail"
)

// Name is the backend type under which the store registers.
const Name = "imap"

const (
	defaultInbox      = "INBOX"
	defaultUserFormat = "{mailbox}"
)

func init() {
	voicemail.RegisterBackend(Name, func(cfg voicemail.BackendConfig) (voicemail.Backend, error) {
		opts, err := optionsFrom(cfg)
		if err != nil {
			return nil, fmt.Errorf("imap backend: %w", err)
		}
		return New(opts, cfg.SpoolDir, cfg.Logger), nil
	})
}

// Options configures a Store.
type Options struct {
	Server ServerConfig
	// Inbox is the IMAP folder that holds the voicemail Inbox. Other
	// folders use their voicemail names.
	Inbox string
	// UserFormat builds the IMAP user of a mailbox; "{mailbox}" and
	// "{context}" are replaced.
	UserFormat string
	// ServerName is written to every stored message.
	ServerName string
}

func optionsFrom(cfg voicemail.BackendConfig) (Options, error) {
	if cfg.SpoolDir == "" {
		return Options{}, fmt.Errorf("spool directory not configured")
	}
	server := cfg.Option("server", "")
	if server == "" {
		return Options{}, fmt.Errorf("server not configured")
	}
	tlsMode := strings.ToLower(cfg.Option("tls", TLSImplicit))
	switch tlsMode {
	case TLSImplicit, TLSStartTLS, TLSNone:
	default:
		return Options{}, fmt.Errorf("unknown tls mode %q", tlsMode)
	}
	port := "993"
	if tlsMode != TLSImplicit {
		port = "143"
	}
	port = cfg.Option("port", port)

	auth := strings.ToLower(cfg.Option("auth", AuthPlain))
	if auth != AuthPlain && auth != AuthLogin {
		return Options{}, fmt.Errorf("unknown auth method %q", auth)
	}

	var ratePerSec float64
	if v := cfg.Option("rate", ""); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Options{}, fmt.Errorf("parsing rate: %w", err)
		}
		ratePerSec = r
	}
	burst, err := strconv.Atoi(cfg.Option("burst", "1"))
	if err != nil {
		return Options{}, fmt.Errorf("parsing burst: %w", err)
	}

	return Options{
		Server: ServerConfig{
			Addr:         server + ":" + port,
			TLS:          tlsMode,
			SkipVerify:   cfg.Option("skip_verify", "") == "true",
			Auth:         auth,
			AuthUser:     cfg.Option("auth_user", ""),
			AuthPassword: cfg.Option("auth_password", ""),
			Rate:         ratePerSec,
			Burst:        burst,
		},
		Inbox:      cfg.Option("folder", defaultInbox),
		UserFormat: cfg.Option("user_format", defaultUserFormat),
		ServerName: cfg.Option("server_name", ""),
	}, nil
}

// Store implements voicemail.Backend on an IMAP server.
type Store struct {
	cache      *SessionCache
	spool      string
	inbox      string
	userFormat string
	serverName string
	logger     *slog.Logger
}

// New creates a Store. Retrieved audio is materialized below spool.
func New(opts Options, spool string, logger *slog.Logger) *Store {
	return newStore(opts.Server.dial, opts, spool, logger)
}

func newStore(dial dialer, opts Options, spool string, logger *slog.Logger) *Store {
	logger = logger.With("subsystem", "imapstore")
	if opts.Inbox == "" {
		opts.Inbox = defaultInbox
	}
	if opts.UserFormat == "" {
		opts.UserFormat = defaultUserFormat
	}
	return &Store{
		cache:      newSessionCache(dial, logger),
		spool:      spool,
		inbox:      opts.Inbox,
		userFormat: opts.UserFormat,
		serverName: opts.ServerName,
		logger:     logger,
	}
}

// Name returns the backend type.
func (s *Store) Name() string { return Name }

// Sessions returns the session cache.
func (s *Store) Sessions() *SessionCache { return s.cache }

// CheapCount reports that a folder count is a single search.
func (s *Store) CheapCount() bool { return true }

func (s *Store) folderName(f voicemail.Folder) string {
	if f == voicemail.FolderInbox {
		return s.inbox
	}
	return f.Name()
}

func (s *Store) user(loc voicemail.Location) string {
	r := strings.NewReplacer("{mailbox}", loc.Mailbox, "{context}", loc.Context)
	return r.Replace(s.userFormat)
}

func sessionKey(loc voicemail.Location) string {
	return voicemail.MailboxKey(loc.Mailbox, loc.Context)
}

// with runs fn on the session of loc's mailbox with the session mutex held.
func (s *Store) with(ctx context.Context, op string, loc voicemail.Location, fn func(*session) error) error {
	sess, err := s.cache.get(ctx, sessionKey(loc), s.user(loc))
	if err != nil {
		return voicemail.NewBackendError(Name, op, err)
	}
	sess.mu.Lock()
	err = fn(sess)
	sess.mu.Unlock()
	if err == nil {
		return nil
	}
	if errors.Is(err, voicemail.ErrMessageNotFound) {
		return fmt.Errorf("%s %s: %w", op, loc, voicemail.ErrMessageNotFound)
	}
	s.cache.evict(sess, err)
	return voicemail.NewBackendError(Name, op, err)
}

// load returns the UID table of loc, searching the server when the table
// is empty or refresh is set.
func (s *Store) load(ctx context.Context, sess *session, loc voicemail.Location, refresh bool) (*uidTable, error) {
	t := sess.table(loc.Folder)
	if t.loaded && !refresh {
		return t, nil
	}
	uids, err := sess.conn.Search(ctx, s.folderName(loc.Folder))
	if err != nil {
		return nil, err
	}
	t.reset(uids)
	return t, nil
}

// Count returns the number of messages in loc. Outside a held lock the
// server is asked again so external changes show up.
func (s *Store) Count(ctx context.Context, loc voicemail.Location) (int, error) {
	var n int
	err := s.with(ctx, "count", loc, func(sess *session) error {
		t := sess.table(loc.Folder)
		t, err := s.load(ctx, sess, loc, !t.held)
		if err != nil {
			return err
		}
		n = t.count()
		return nil
	})
	return n, err
}

// LastIndex returns the highest occupied index of loc, or -1.
func (s *Store) LastIndex(ctx context.Context, loc voicemail.Location) (int, error) {
	last := -1
	err := s.with(ctx, "last index", loc, func(sess *session) error {
		t := sess.table(loc.Folder)
		t, err := s.load(ctx, sess, loc, !t.held)
		if err != nil {
			return err
		}
		last = t.last()
		return nil
	})
	return last, err
}

// Exists reports whether index n of loc maps to a message.
func (s *Store) Exists(ctx context.Context, loc voicemail.Location, n int) (bool, error) {
	var ok bool
	err := s.with(ctx, "exists", loc, func(sess *session) error {
		t, err := s.load(ctx, sess, loc, false)
		if err != nil {
			return err
		}
		_, ok = t.uid(n)
		return nil
	})
	return ok, err
}

func (s *Store) localPath(loc voicemail.Location, n int, format string) string {
	return filepath.Join(loc.Dir(s.spool), voicemail.MessageBase(n)+"."+format)
}

// Retrieve fetches message n and writes its audio into the spool directory.
func (s *Store) Retrieve(ctx context.Context, loc voicemail.Location, n int) (*voicemail.Message, error) {
	var raw []byte
	err := s.with(ctx, "retrieve", loc, func(sess *session) error {
		t, err := s.load(ctx, sess, loc, false)
		if err != nil {
			return err
		}
		uid, ok := t.uid(n)
		if !ok {
			return voicemail.ErrMessageNotFound
		}
		raw, err = sess.conn.Fetch(ctx, s.folderName(loc.Folder), uid)
		return err
	})
	if err != nil {
		return nil, err
	}

	parsed, err := vmmime.Parse(bytes.NewReader(raw))
	if err != nil && !errors.Is(err, vmmime.ErrNoAudio) {
		return nil, voicemail.NewBackendError(Name, "retrieve", err)
	}
	if err := os.MkdirAll(loc.Dir(s.spool), 0750); err != nil {
		return nil, voicemail.NewBackendError(Name, "retrieve", err)
	}
	files := make(map[string]string, len(parsed.Audio))
	for _, a := range parsed.Audio {
		p := s.localPath(loc, n, a.Format)
		if err := os.WriteFile(p, a.Data, 0640); err != nil {
			for _, f := range files {
				os.Remove(f)
			}
			return nil, voicemail.NewBackendError(Name, "retrieve", err)
		}
		files[a.Format] = p
	}
	return &voicemail.Message{Index: n, Meta: parsed.Meta, Files: files}, nil
}

// Dispose removes the materialized audio of message n.
func (s *Store) Dispose(_ context.Context, loc voicemail.Location, n int) error {
	matches, err := filepath.Glob(filepath.Join(loc.Dir(s.spool), voicemail.MessageBase(n)+".*"))
	if err != nil {
		return voicemail.NewBackendError(Name, "dispose", err)
	}
	var errs []error
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return voicemail.NewBackendError(Name, "dispose", err)
	}
	return nil
}

// Store renders msg as MIME and appends it to the folder of loc at index n.
func (s *Store) Store(ctx context.Context, loc voicemail.Location, n int, msg *voicemail.Message) error {
	data, err := vmmime.Encode(&vmmime.Compose{
		From:        &mail.Address{Name: "Voicemail", Address: "voicemail@" + s.hostName()},
		Subject:     fmt.Sprintf("New voicemail %d in mailbox %s", n+1, loc.Mailbox),
		Date:        msg.Meta.OrigTime,
		Index:       n,
		Server:      s.serverName,
		Meta:        msg.Meta,
		Attachments: vmmime.AttachmentsOf(msg),
	})
	if err != nil {
		return voicemail.NewBackendError(Name, "store", err)
	}
	return s.with(ctx, "store", loc, func(sess *session) error {
		return s.appendAt(ctx, sess, loc, n, data)
	})
}

func (s *Store) hostName() string {
	if s.serverName != "" {
		return s.serverName
	}
	return "localhost"
}

func (s *Store) appendAt(ctx context.Context, sess *session, loc voicemail.Location, n int, data []byte) error {
	t, err := s.load(ctx, sess, loc, false)
	if err != nil {
		return err
	}
	folder := s.folderName(loc.Folder)
	uid, err := sess.conn.Append(ctx, folder, data)
	if err != nil {
		return err
	}
	if uid == 0 {
		if uid, err = s.discoverUID(ctx, sess, folder, t); err != nil {
			return err
		}
	}
	return s.place(ctx, sess, loc, t, n, uid)
}

// place puts uid at index n of t, removing any message it displaces.
func (s *Store) place(ctx context.Context, sess *session, loc voicemail.Location, t *uidTable, n int, uid imap.UID) error {
	prev := t.set(n, uid)
	if prev == 0 || prev == uid {
		return nil
	}
	return s.remove(ctx, sess, loc, t, prev)
}

// discoverUID finds the UID of a message just added to folder when the
// server did not report it: the highest UID the table does not know.
func (s *Store) discoverUID(ctx context.Context, sess *session, folder string, t *uidTable) (imap.UID, error) {
	uids, err := sess.conn.Search(ctx, folder)
	if err != nil {
		return 0, err
	}
	for i := len(uids) - 1; i >= 0; i-- {
		if !t.has(uids[i]) {
			return uids[i], nil
		}
	}
	return 0, fmt.Errorf("new message not found in %s", folder)
}

// remove flags uid deleted. The expunge waits for the folder lock to be
// released when it is held and happens immediately otherwise.
func (s *Store) remove(ctx context.Context, sess *session, loc voicemail.Location, t *uidTable, uid imap.UID) error {
	folder := s.folderName(loc.Folder)
	if err := sess.conn.Delete(ctx, folder, []imap.UID{uid}); err != nil {
		return err
	}
	if t.held {
		t.pending = append(t.pending, uid)
		return nil
	}
	return sess.conn.Expunge(ctx, folder, []imap.UID{uid})
}

// Rename moves message sn of src to index dn of dst.
func (s *Store) Rename(ctx context.Context, src voicemail.Location, sn int, dst voicemail.Location, dn int) error {
	if src != dst {
		if err := s.Copy(ctx, src, sn, dst, dn); err != nil {
			return err
		}
		return s.Delete(ctx, src, sn)
	}
	if sn == dn {
		return nil
	}
	return s.with(ctx, "rename", src, func(sess *session) error {
		t, err := s.load(ctx, sess, src, false)
		if err != nil {
			return err
		}
		uid := t.clear(sn)
		if uid == 0 {
			return voicemail.ErrMessageNotFound
		}
		return s.place(ctx, sess, dst, t, dn, uid)
	})
}

// Copy duplicates message sn of src as index dn of dst. Copies between
// folders of one user stay on the server; copies to another user's
// mailbox fetch the message and append it there.
func (s *Store) Copy(ctx context.Context, src voicemail.Location, sn int, dst voicemail.Location, dn int) error {
	if sessionKey(src) == sessionKey(dst) {
		return s.with(ctx, "copy", src, func(sess *session) error {
			ts, err := s.load(ctx, sess, src, false)
			if err != nil {
				return err
			}
			uid, ok := ts.uid(sn)
			if !ok {
				return voicemail.ErrMessageNotFound
			}
			td, err := s.load(ctx, sess, dst, false)
			if err != nil {
				return err
			}
			dstFolder := s.folderName(dst.Folder)
			newUID, err := sess.conn.Copy(ctx, s.folderName(src.Folder), uid, dstFolder)
			if err != nil {
				return err
			}
			if newUID == 0 {
				if newUID, err = s.discoverUID(ctx, sess, dstFolder, td); err != nil {
					return err
				}
			}
			return s.place(ctx, sess, dst, td, dn, newUID)
		})
	}

	var raw []byte
	err := s.with(ctx, "copy", src, func(sess *session) error {
		t, err := s.load(ctx, sess, src, false)
		if err != nil {
			return err
		}
		uid, ok := t.uid(sn)
		if !ok {
			return voicemail.ErrMessageNotFound
		}
		raw, err = sess.conn.Fetch(ctx, s.folderName(src.Folder), uid)
		return err
	})
	if err != nil {
		return err
	}
	return s.with(ctx, "copy", dst, func(sess *session) error {
		return s.appendAt(ctx, sess, dst, dn, raw)
	})
}

// Delete flags message n deleted and frees its index.
func (s *Store) Delete(ctx context.Context, loc voicemail.Location, n int) error {
	return s.with(ctx, "delete", loc, func(sess *session) error {
		t, err := s.load(ctx, sess, loc, false)
		if err != nil {
			return err
		}
		uid := t.clear(n)
		if uid == 0 {
			return voicemail.ErrMessageNotFound
		}
		return s.remove(ctx, sess, loc, t, uid)
	})
}

// Lock serializes access to the folder within this process and reloads
// its UID table. The server offers no advisory locks, so other processes
// are not excluded. Releasing the lock expunges the messages deleted
// while it was held.
func (s *Store) Lock(ctx context.Context, loc voicemail.Location, timeout time.Duration) (voicemail.Unlocker, error) {
	sess, err := s.cache.get(ctx, sessionKey(loc), s.user(loc))
	if err != nil {
		return nil, voicemail.NewBackendError(Name, "lock", err)
	}
	ch := sess.folderLock(loc.Folder)

	t := time.NewTimer(timeout)
	select {
	case ch <- struct{}{}:
		t.Stop()
	case <-t.C:
		return nil, fmt.Errorf("%s: %w", loc, voicemail.ErrLockTimeout)
	case <-ctx.Done():
		t.Stop()
		return nil, fmt.Errorf("waiting for lock on %s: %w", loc, ctx.Err())
	}

	sess.mu.Lock()
	tbl, err := s.load(ctx, sess, loc, true)
	if err == nil {
		tbl.held = true
	}
	sess.mu.Unlock()
	if err != nil {
		<-ch
		s.cache.evict(sess, err)
		return nil, voicemail.NewBackendError(Name, "lock", err)
	}

	folder := s.folderName(loc.Folder)
	return func() {
		sess.mu.Lock()
		if len(tbl.pending) > 0 {
			if err := sess.conn.Expunge(context.Background(), folder, tbl.pending); err != nil {
				s.logger.Warn("expunge on unlock failed", "location", loc.String(), "error", err)
			}
			tbl.pending = nil
		}
		tbl.held = false
		sess.mu.Unlock()
		<-ch
	}, nil
}

// Close logs out every cached session.
func (s *Store) Close() error {
	return s.cache.Close()
}
