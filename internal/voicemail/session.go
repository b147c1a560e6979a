package voicemail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// SessionState is the lifecycle state of an interactive mailbox session.
type SessionState int

const (
	StateClosed SessionState = iota
	StateOpening
	StateOpen
	StateClosing
)

var stateNames = [...]string{"closed", "opening", "open", "closing"}

func (s SessionState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Session is an interactive retrieval session over one folder of a
// mailbox. Deletions, heard marks and saves are recorded in memory and only
// applied to storage when the session is closed.
//
// A Session is not safe for concurrent use.
type Session struct {
	svc    *Service
	box    *Mailbox
	state  SessionState
	loc    Location
	curMsg int
	// lastMsg is the highest index present when the folder was opened, or -1.
	lastMsg int
	deleted []bool
	heard   []bool
	// saved marks messages copied to another folder by SaveToFolder; they
	// leave the folder on close without being archived.
	saved  []bool
	logger *slog.Logger
}

// NewSession creates a closed session for box.
func (s *Service) NewSession(box *Mailbox) *Session {
	return &Session{
		svc:     s,
		box:     box,
		lastMsg: -1,
		logger:  s.logger.With("mailbox", box.Key()),
	}
}

// Mailbox returns the session owner.
func (s *Session) Mailbox() *Mailbox { return s.box }

// State returns the lifecycle state.
func (s *Session) State() SessionState { return s.state }

// Folder returns the open folder.
func (s *Session) Folder() Folder { return s.loc.Folder }

// LastMsg returns the highest message index of the open folder, or -1 when
// the folder is empty.
func (s *Session) LastMsg() int { return s.lastMsg }

// Count returns the number of messages in the open folder.
func (s *Session) Count() int { return s.lastMsg + 1 }

// CurMsg returns the current message cursor.
func (s *Session) CurMsg() int { return s.curMsg }

// Open loads the message count of folder and resets the per-message flags.
// Index gaps left by an earlier failure are repaired under the folder lock.
func (s *Session) Open(ctx context.Context, folder Folder) error {
	if s.state != StateClosed {
		return fmt.Errorf("%w: open in state %s", ErrSessionState, s.state)
	}
	if !folder.Valid() {
		return fmt.Errorf("opening folder %d: %w", folder, ErrMessageNotFound)
	}
	ctx = WithInteractive(ctx)
	s.state = StateOpening
	s.loc = LocationOf(s.box, folder)

	unlock, err := s.svc.lock(ctx, s.loc)
	if err != nil {
		s.state = StateClosed
		return err
	}
	moved, err := s.svc.checkSequence(ctx, s.loc)
	if err != nil {
		unlock()
		s.state = StateClosed
		return err
	}
	count, err := s.svc.backend.Count(ctx, s.loc)
	unlock()
	if err != nil {
		s.state = StateClosed
		return fmt.Errorf("counting %s: %w", s.loc, err)
	}
	if moved > 0 {
		s.logger.Info("folder resequenced on open", "folder", folder.Name(), "moved", moved)
	}

	s.lastMsg = count - 1
	s.curMsg = 0
	s.deleted = make([]bool, count)
	s.heard = make([]bool, count)
	s.saved = make([]bool, count)
	s.state = StateOpen

	s.logger.Debug("session opened", "folder", folder.Name(), "messages", count)
	return nil
}

func (s *Session) checkIndex(n int) error {
	if s.state != StateOpen {
		return fmt.Errorf("%w: state is %s", ErrSessionState, s.state)
	}
	if n < 0 || n > s.lastMsg {
		return fmt.Errorf("message %d of %s: %w", n, s.loc, ErrMessageNotFound)
	}
	return nil
}

// Navigate moves the cursor to message n.
func (s *Session) Navigate(n int) error {
	if err := s.checkIndex(n); err != nil {
		return err
	}
	s.curMsg = n
	return nil
}

// MarkDeleted sets or clears the deletion mark of message n.
func (s *Session) MarkDeleted(n int, on bool) error {
	if err := s.checkIndex(n); err != nil {
		return err
	}
	s.deleted[n] = on
	return nil
}

// MarkHeard records that message n was played.
func (s *Session) MarkHeard(n int) error {
	if err := s.checkIndex(n); err != nil {
		return err
	}
	s.heard[n] = true
	return nil
}

// IsDeleted reports the deletion mark of message n.
func (s *Session) IsDeleted(n int) bool { return flagAt(s.deleted, n) }

// IsHeard reports the heard mark of message n.
func (s *Session) IsHeard(n int) bool { return flagAt(s.heard, n) }

func flagAt(flags []bool, n int) bool {
	return n >= 0 && n < len(flags) && flags[n]
}

// Retrieve materializes message n for playback and marks it heard. The
// caller must Dispose it afterwards.
func (s *Session) Retrieve(ctx context.Context, n int) (*Message, error) {
	if err := s.checkIndex(n); err != nil {
		return nil, err
	}
	msg, err := s.svc.backend.Retrieve(WithInteractive(ctx), s.loc, n)
	if err != nil {
		return nil, fmt.Errorf("retrieving message %d of %s: %w", n, s.loc, err)
	}
	s.curMsg = n
	s.heard[n] = true
	return msg, nil
}

// Dispose releases local files materialized by Retrieve.
func (s *Session) Dispose(ctx context.Context, n int) error {
	return s.svc.backend.Dispose(WithInteractive(ctx), s.loc, n)
}

// SaveToFolder copies message n into dest immediately and removes it from
// the open folder when the session closes.
func (s *Session) SaveToFolder(ctx context.Context, n int, dest Folder) error {
	if err := s.checkIndex(n); err != nil {
		return err
	}
	if dest == s.loc.Folder {
		return nil
	}
	if err := s.saveToFolder(WithInteractive(ctx), n, dest); err != nil {
		return err
	}
	s.saved[n] = true
	return nil
}

// saveToFolder copies message n of the open folder to the next index of
// dest under the destination lock. The Deleted folder is a ring buffer:
// when it is full the oldest entries are evicted. Other folders reject the
// copy with ErrCapacityExceeded once they hold MaxMsg messages.
func (s *Session) saveToFolder(ctx context.Context, n int, dest Folder) error {
	backend := s.svc.backend
	dst := s.loc.In(dest)

	unlock, err := s.svc.lock(ctx, dst)
	if err != nil {
		return err
	}
	defer unlock()

	last, err := backend.LastIndex(ctx, dst)
	if err != nil {
		return fmt.Errorf("finding last message of %s: %w", dst, err)
	}
	x := last + 1

	if dest == FolderDeleted && s.box.MaxDeleted > 0 {
		if x >= s.box.MaxDeleted {
			evict := x - s.box.MaxDeleted + 1
			if err := s.evictOldest(ctx, dst, evict, x); err != nil {
				return err
			}
			x -= evict
		}
	} else if x >= s.box.MaxMsg {
		s.svc.stats.CapacityRejected(s.box)
		s.logger.Info("destination folder full", "folder", dest.Name(), "max_msg", s.box.MaxMsg)
		return fmt.Errorf("saving to %s: %w", dst, ErrCapacityExceeded)
	}

	if err := backend.Copy(ctx, s.loc, n, dst, x); err != nil {
		return fmt.Errorf("copying message %d of %s to %s: %w", n, s.loc, dst, err)
	}
	return nil
}

// evictOldest drops the first count messages of dst and shifts the rest
// down. next is one past the highest index present.
func (s *Session) evictOldest(ctx context.Context, dst Location, count, next int) error {
	backend := s.svc.backend
	for i := 0; i < count && i < next; i++ {
		if err := backend.Delete(ctx, dst, i); err != nil {
			return fmt.Errorf("evicting message %d of %s: %w", i, dst, err)
		}
	}
	for i := count; i < next; i++ {
		if err := backend.Rename(ctx, dst, i, dst, i-count); err != nil {
			return fmt.Errorf("shifting message %d of %s: %w", i, dst, err)
		}
	}
	s.logger.Debug("evicted oldest deleted messages", "count", count)
	return nil
}

// Close applies the recorded marks to storage under the folder lock:
// surviving messages are compacted to dense indices, heard Inbox messages
// move to Old when the mailbox has FlagMoveHeard, deleted messages go to
// the Deleted folder when it is enabled or are purged otherwise. If a move
// fails the message stays where it was.
//
// A lock timeout leaves the session open and storage untouched.
func (s *Session) Close(ctx context.Context) error {
	if s.state != StateOpen {
		return fmt.Errorf("%w: close in state %s", ErrSessionState, s.state)
	}
	ctx = WithInteractive(ctx)
	s.state = StateClosing

	if s.lastMsg < 0 {
		s.finish()
		return nil
	}

	unlock, err := s.svc.lock(ctx, s.loc)
	if err != nil {
		s.state = StateOpen
		return err
	}

	mutated, firstErr := s.expunge(ctx)
	unlock()
	s.finish()

	if mutated && s.svc.notifier != nil {
		if _, err := s.svc.notifier.NotifyChange(ctx, s.box); err != nil {
			s.logger.Warn("notification after close failed", "error", err)
		}
	}
	return firstErr
}

// expunge runs the close pass with the folder lock held. Backend failures
// are logged and the pass continues; the first one is returned.
func (s *Session) expunge(ctx context.Context) (bool, error) {
	backend := s.svc.backend
	folder := s.loc.Folder
	moveHeard := folder == FolderInbox && s.box.Flags.Has(FlagMoveHeard)

	var firstErr error
	record := func(err error) {
		s.logger.Error("close pass step failed", "folder", folder.Name(), "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	mutated := false
	// stuck holds messages that could not be checked or renamed; they stay
	// in place and the next open repairs the gap.
	stuck := make(map[int]bool)
	// vacated holds indices whose message now lives in another folder or
	// failed to purge. Only these are removed after the scan.
	var vacated []int
	cur := -1
	x := 0
scan:
	for ; ; x++ {
		deleted := flagAt(s.deleted, x)
		heard := flagAt(s.heard, x)

		switch {
		case flagAt(s.saved, x):
			vacated = append(vacated, x)
			mutated = true

		case !deleted && (!moveHeard || !heard):
			// Messages deposited while the session was open sit past the
			// snapshot and are kept too.
			ok, err := backend.Exists(ctx, s.loc, x)
			if err != nil {
				record(fmt.Errorf("checking message %d: %w", x, err))
				if x > s.lastMsg {
					break scan
				}
				stuck[x] = true
				continue
			}
			if !ok {
				if x > s.lastMsg {
					break scan
				}
				continue
			}
			next := cur + 1
			for stuck[next] {
				next++
			}
			if next != x {
				if err := backend.Rename(ctx, s.loc, x, s.loc, next); err != nil {
					record(fmt.Errorf("renaming message %d to %d: %w", x, next, err))
					stuck[x] = true
					continue
				}
				mutated = true
			}
			cur = next

		case !deleted:
			if err := s.saveToFolder(ctx, x, FolderOld); err != nil {
				if !errors.Is(err, ErrCapacityExceeded) && !errors.Is(err, ErrLockTimeout) {
					record(err)
				}
				s.logger.Info("keeping heard message in folder", "index", x, "reason", err)
				s.heard[x] = false
				x--
				continue
			}
			vacated = append(vacated, x)
			mutated = true

		case s.box.MaxDeleted > 0 && folder != FolderDeleted:
			if err := s.saveToFolder(ctx, x, FolderDeleted); err != nil {
				if !errors.Is(err, ErrLockTimeout) {
					record(err)
				}
				s.logger.Info("keeping deleted message", "index", x, "reason", err)
				s.deleted[x] = false
				s.heard[x] = false
				x--
				continue
			}
			vacated = append(vacated, x)
			mutated = true

		default:
			if err := backend.Delete(ctx, s.loc, x); err != nil {
				record(fmt.Errorf("purging message %d: %w", x, err))
				vacated = append(vacated, x)
			}
			mutated = true
		}
	}

	// A vacated index at or below cur was overwritten by a compacting rename.
	for _, y := range vacated {
		if y <= cur {
			continue
		}
		ok, err := backend.Exists(ctx, s.loc, y)
		if err != nil {
			record(fmt.Errorf("checking message %d: %w", y, err))
			continue
		}
		if !ok {
			continue
		}
		if err := backend.Delete(ctx, s.loc, y); err != nil {
			record(fmt.Errorf("removing message %d: %w", y, err))
		}
	}

	s.logger.Debug("session closed", "folder", folder.Name(), "kept", cur+1)
	return mutated, firstErr
}

func (s *Session) finish() {
	s.deleted = nil
	s.heard = nil
	s.saved = nil
	s.lastMsg = -1
	s.curMsg = 0
	s.state = StateClosed
}
