package database

import (
	"context"
	"fmt"
	"time"
)

// voicemailLockRepo implements VoicemailLockRepository.
type voicemailLockRepo struct {
	db      *DB
	nowFunc func() time.Time
}

// NewVoicemailLockRepository creates a new VoicemailLockRepository.
func NewVoicemailLockRepository(db *DB) VoicemailLockRepository {
	return &voicemailLockRepo{db: db, nowFunc: time.Now}
}

// TryAcquire inserts the lock row, or takes over a row whose lease expired.
func (r *voicemailLockRepo) TryAcquire(ctx context.Context, dir, owner string, ttl time.Duration) (bool, error) {
	now := r.nowFunc()
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO voicemail_locks (dir, owner, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT (dir) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		 WHERE voicemail_locks.expires_at < ?`,
		dir, owner, now.Add(ttl).UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("acquiring lock on %s: %w", dir, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking lock on %s: %w", dir, err)
	}
	return n == 1, nil
}

// Release removes the lock when it is still held by owner.
func (r *voicemailLockRepo) Release(ctx context.Context, dir, owner string) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM voicemail_locks WHERE dir = ? AND owner = ?`, dir, owner); err != nil {
		return fmt.Errorf("releasing lock on %s: %w", dir, err)
	}
	return nil
}
