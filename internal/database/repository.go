package database

import (
	"context"
	"errors"
	"time"

	"github.com/flowpbx/vmstore/internal/database/models"
)

// ErrNotFound is returned when a row that must exist does not.
var ErrNotFound = errors.New("database: record not found")

// VoiceMessageRepository stores voice messages and their audio.
type VoiceMessageRepository interface {
	Count(ctx context.Context, dir string) (int, error)
	// LastMsgNum returns the highest message number in dir, or -1.
	LastMsgNum(ctx context.Context, dir string) (int, error)
	Exists(ctx context.Context, dir string, msgnum int) (bool, error)
	// Get returns the message and its audio, or ErrNotFound.
	Get(ctx context.Context, dir string, msgnum int) (*models.VoiceMessage, []models.VoiceMessageAudio, error)
	// Put inserts the message, replacing any row at the same slot.
	Put(ctx context.Context, msg *models.VoiceMessage, audio []models.VoiceMessageAudio) error
	// Rename moves a message to another slot, replacing the destination.
	Rename(ctx context.Context, srcDir string, src int, dstDir string, dst int) error
	// Copy duplicates a message into another slot, replacing the destination.
	Copy(ctx context.Context, srcDir string, src int, dstDir string, dst int) error
	Delete(ctx context.Context, dir string, msgnum int) error
}

// VoicemailLockRepository manages advisory folder locks shared by every
// process using the database.
type VoicemailLockRepository interface {
	// TryAcquire takes the lock on dir for owner unless another owner holds
	// an unexpired lock.
	TryAcquire(ctx context.Context, dir, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, dir, owner string) error
}

// VoicemailUserRepository manages realtime mailboxes.
type VoicemailUserRepository interface {
	Create(ctx context.Context, u *models.VoicemailUser) error
	// Get returns the mailbox, or nil when it does not exist.
	Get(ctx context.Context, vmContext, mailbox string) (*models.VoicemailUser, error)
	List(ctx context.Context) ([]models.VoicemailUser, error)
	UpdatePassword(ctx context.Context, vmContext, mailbox, password string) error
	Delete(ctx context.Context, vmContext, mailbox string) error
}
