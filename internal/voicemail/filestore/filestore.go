// Package filestore keeps voice messages as plain files in a spool
// directory, one directory per folder:
//
//	<spool>/<context>/<mailbox>/<folder>/msg0000.wav
//	<spool>/<context>/<mailbox>/<folder>/msg0000.txt
//
// The .txt sidecar holds the message metadata and marks the message as
// present; audio files share its stem, one per format.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/flowpbx/vmstore/internal/voicemail"
)

// Name is the backend type under which the store registers.
const Name = "file"

const (
	sidecarExt = "txt"
	lockName   = ".lock"

	// defaultLockPoll is the interval between lock acquisition attempts.
	defaultLockPoll = 50 * time.Millisecond
)

var sidecarPattern = regexp.MustCompile(`^msg(\d{4})\.` + sidecarExt + `$`)

func init() {
	voicemail.RegisterBackend(Name, func(cfg voicemail.BackendConfig) (voicemail.Backend, error) {
		if cfg.SpoolDir == "" {
			return nil, fmt.Errorf("file backend: spool directory not configured")
		}
		s := New(cfg.SpoolDir, cfg.Logger)
		if v := cfg.Option("lock_poll", ""); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("file backend: parsing lock_poll: %w", err)
			}
			s.lockPoll = d
		}
		return s, nil
	})
}

// Store implements voicemail.Backend on the local filesystem.
type Store struct {
	root     string
	lockPoll time.Duration
	logger   *slog.Logger
}

// New creates a Store rooted at spool.
func New(spool string, logger *slog.Logger) *Store {
	return &Store{
		root:     spool,
		lockPoll: defaultLockPoll,
		logger:   logger.With("subsystem", "filestore"),
	}
}

// Name returns the backend type.
func (s *Store) Name() string { return Name }

// Root returns the spool directory.
func (s *Store) Root() string { return s.root }

func (s *Store) dir(loc voicemail.Location) string {
	return loc.Dir(s.root)
}

func (s *Store) path(loc voicemail.Location, n int, ext string) string {
	return filepath.Join(s.dir(loc), voicemail.MessageBase(n)+"."+ext)
}

// indices returns the message numbers present in loc, ascending.
func (s *Store) indices(loc voicemail.Location) ([]int, error) {
	entries, err := os.ReadDir(s.dir(loc))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []int
	for _, e := range entries {
		m := sidecarPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	sort.Ints(out)
	return out, nil
}

// Count returns the number of messages in loc.
func (s *Store) Count(_ context.Context, loc voicemail.Location) (int, error) {
	idx, err := s.indices(loc)
	if err != nil {
		return 0, voicemail.NewBackendError(Name, "count", err)
	}
	return len(idx), nil
}

// LastIndex returns the highest message number in loc, or -1.
func (s *Store) LastIndex(_ context.Context, loc voicemail.Location) (int, error) {
	idx, err := s.indices(loc)
	if err != nil {
		return -1, voicemail.NewBackendError(Name, "last index", err)
	}
	if len(idx) == 0 {
		return -1, nil
	}
	return idx[len(idx)-1], nil
}

// Exists reports whether message n is present.
func (s *Store) Exists(_ context.Context, loc voicemail.Location, n int) (bool, error) {
	_, err := os.Stat(s.path(loc, n, sidecarExt))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, voicemail.NewBackendError(Name, "exists", err)
}

// files returns every file belonging to message n keyed by extension.
func (s *Store) files(loc voicemail.Location, n int) (map[string]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir(loc), voicemail.MessageBase(n)+".*"))
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(matches))
	for _, m := range matches {
		ext := filepath.Ext(m)
		if len(ext) < 2 || ext == ".tmp" {
			continue
		}
		out[ext[1:]] = m
	}
	return out, nil
}

// Retrieve returns message n. Files are already local, so nothing is
// materialized.
func (s *Store) Retrieve(_ context.Context, loc voicemail.Location, n int) (*voicemail.Message, error) {
	f, err := os.Open(s.path(loc, n, sidecarExt))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("message %d of %s: %w", n, loc, voicemail.ErrMessageNotFound)
		}
		return nil, voicemail.NewBackendError(Name, "retrieve", err)
	}
	meta, err := voicemail.ParseMetadata(f)
	f.Close()
	if err != nil {
		return nil, voicemail.NewBackendError(Name, "retrieve", err)
	}

	files, err := s.files(loc, n)
	if err != nil {
		return nil, voicemail.NewBackendError(Name, "retrieve", err)
	}
	delete(files, sidecarExt)
	return &voicemail.Message{Index: n, Meta: meta, Files: files}, nil
}

// Dispose is a no-op: retrieved files are the stored files.
func (s *Store) Dispose(context.Context, voicemail.Location, int) error { return nil }

// Store moves the audio files of msg into place and writes the sidecar.
func (s *Store) Store(_ context.Context, loc voicemail.Location, n int, msg *voicemail.Message) error {
	if err := os.MkdirAll(s.dir(loc), 0750); err != nil {
		return voicemail.NewBackendError(Name, "store", err)
	}
	if err := s.remove(loc, n); err != nil {
		return voicemail.NewBackendError(Name, "store", err)
	}
	for format, src := range msg.Files {
		dst := s.path(loc, n, format)
		if src == dst {
			continue
		}
		if err := moveFile(src, dst); err != nil {
			return voicemail.NewBackendError(Name, "store", err)
		}
	}
	if err := writeFileAtomic(s.path(loc, n, sidecarExt), msg.Meta.Encode()); err != nil {
		return voicemail.NewBackendError(Name, "store", err)
	}
	return nil
}

// Rename moves message sn of src to dn of dst, replacing any message there.
func (s *Store) Rename(_ context.Context, src voicemail.Location, sn int, dst voicemail.Location, dn int) error {
	if src == dst && sn == dn {
		return nil
	}
	files, err := s.files(src, sn)
	if err != nil {
		return voicemail.NewBackendError(Name, "rename", err)
	}
	if _, ok := files[sidecarExt]; !ok {
		return fmt.Errorf("renaming message %d of %s: %w", sn, src, voicemail.ErrMessageNotFound)
	}
	if err := os.MkdirAll(s.dir(dst), 0750); err != nil {
		return voicemail.NewBackendError(Name, "rename", err)
	}
	if err := s.remove(dst, dn); err != nil {
		return voicemail.NewBackendError(Name, "rename", err)
	}
	// The sidecar goes last so a partial rename never shows as present
	// at the destination without its audio.
	for ext, p := range files {
		if ext == sidecarExt {
			continue
		}
		if err := os.Rename(p, s.path(dst, dn, ext)); err != nil {
			return voicemail.NewBackendError(Name, "rename", err)
		}
	}
	if err := os.Rename(files[sidecarExt], s.path(dst, dn, sidecarExt)); err != nil {
		return voicemail.NewBackendError(Name, "rename", err)
	}
	return nil
}

// Copy duplicates message sn of src as dn of dst, replacing any message
// there.
func (s *Store) Copy(_ context.Context, src voicemail.Location, sn int, dst voicemail.Location, dn int) error {
	if src == dst && sn == dn {
		return nil
	}
	files, err := s.files(src, sn)
	if err != nil {
		return voicemail.NewBackendError(Name, "copy", err)
	}
	if _, ok := files[sidecarExt]; !ok {
		return fmt.Errorf("copying message %d of %s: %w", sn, src, voicemail.ErrMessageNotFound)
	}
	if err := os.MkdirAll(s.dir(dst), 0750); err != nil {
		return voicemail.NewBackendError(Name, "copy", err)
	}
	if err := s.remove(dst, dn); err != nil {
		return voicemail.NewBackendError(Name, "copy", err)
	}
	for ext, p := range files {
		if ext == sidecarExt {
			continue
		}
		if err := copyFile(p, s.path(dst, dn, ext)); err != nil {
			return voicemail.NewBackendError(Name, "copy", err)
		}
	}
	if err := copyFile(files[sidecarExt], s.path(dst, dn, sidecarExt)); err != nil {
		return voicemail.NewBackendError(Name, "copy", err)
	}
	return nil
}

// Delete removes message n. Deleting a missing message is not an error.
func (s *Store) Delete(_ context.Context, loc voicemail.Location, n int) error {
	if err := s.remove(loc, n); err != nil {
		return voicemail.NewBackendError(Name, "delete", err)
	}
	return nil
}

// remove deletes the sidecar first so the message disappears atomically
// from the index scan.
func (s *Store) remove(loc voicemail.Location, n int) error {
	if err := os.Remove(s.path(loc, n, sidecarExt)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	files, err := s.files(loc, n)
	if err != nil {
		return err
	}
	for _, p := range files {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

// Lock creates <folder>/.lock exclusively, polling until timeout.
func (s *Store) Lock(ctx context.Context, loc voicemail.Location, timeout time.Duration) (voicemail.Unlocker, error) {
	dir := s.dir(loc)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, voicemail.NewBackendError(Name, "lock", err)
	}
	lockPath := filepath.Join(dir, lockName)
	token := fmt.Sprintf("%d %s\n", os.Getpid(), uuid.NewString())

	deadline := time.Now().Add(timeout)
	for {
		f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0640)
		if err == nil {
			_, werr := io.WriteString(f, token)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(lockPath)
				return nil, voicemail.NewBackendError(Name, "lock", errors.Join(werr, cerr))
			}
			return func() { s.unlock(lockPath, token) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, voicemail.NewBackendError(Name, "lock", err)
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

// unlock removes the lock file when it still carries our token.
func (s *Store) unlock(lockPath, token string) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		s.logger.Warn("lock file vanished before unlock", "path", lockPath, "error", err)
		return
	}
	if string(data) != token {
		s.logger.Warn("lock file owned by another holder, not removing", "path", lockPath)
		return
	}
	if err := os.Remove(lockPath); err != nil {
		s.logger.Warn("removing lock file failed", "path", lockPath, "error", err)
	}
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	// Fall back to copy for sources on another filesystem.
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
