package voicemail

import (
	"errors"
	"fmt"
)

// Mailbox operation errors. Callers distinguish them with errors.Is.
var (
	// ErrLockTimeout indicates the advisory folder lock could not be taken
	// within the configured wait. No mutation has happened.
	ErrLockTimeout = errors.New("voicemail: folder lock timeout")

	// ErrCapacityExceeded indicates the destination folder is at its
	// configured maximum.
	ErrCapacityExceeded = errors.New("voicemail: mailbox full")

	// ErrBackendUnavailable indicates a storage backend could not complete
	// an operation (disk, database or mail server failure).
	ErrBackendUnavailable = errors.New("voicemail: storage backend unavailable")
)

// Lookup and state errors.
var (
	// ErrMailboxNotFound indicates the mailbox is not configured.
	ErrMailboxNotFound = errors.New("voicemail: mailbox not found")

	// ErrMessageNotFound indicates the message index does not exist.
	ErrMessageNotFound = errors.New("voicemail: message not found")

	// ErrSessionState indicates an operation was attempted in the wrong
	// session state (for example marking a message before Open).
	ErrSessionState = errors.New("voicemail: invalid session state")

	// ErrAuthFailed indicates the supplied mailbox password is wrong.
	ErrAuthFailed = errors.New("voicemail: authentication failed")

	// ErrBackendNotRegistered indicates no backend factory exists for the
	// configured storage type.
	ErrBackendNotRegistered = errors.New("voicemail: storage backend type not registered")

	// ErrHangup indicates the caller went away during a deposit. The
	// recording is discarded.
	ErrHangup = errors.New("voicemail: caller hung up")
)

// BackendError wraps a failure reported by a storage backend. It matches
// ErrBackendUnavailable under errors.Is.
type BackendError struct {
	Backend string
	Op      string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s backend: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// Is reports ErrBackendUnavailable so that every backend failure maps onto
// the same caller-visible signal.
func (e *BackendError) Is(target error) bool {
	return target == ErrBackendUnavailable
}

// NewBackendError wraps err as a BackendError. Lock timeouts, capacity and
// not-found errors pass through untouched so their signal is preserved.
func NewBackendError(backend, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrLockTimeout) || errors.Is(err, ErrCapacityExceeded) || errors.Is(err, ErrMessageNotFound) {
		return err
	}
	var be *BackendError
	if errors.As(err, &be) {
		return err
	}
	return &BackendError{Backend: backend, Op: op, Err: err}
}
