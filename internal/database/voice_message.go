package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/flowpbx/vmstore/internal/database/models"
)

const voiceMessageColumns = `context, macrocontext, callerid, origtime, duration,
	mailboxuser, mailboxcontext, exten, priority, callerchan, category`

// voiceMessageRepo implements VoiceMessageRepository.
type voiceMessageRepo struct {
	db *DB
}

// NewVoiceMessageRepository creates a new VoiceMessageRepository.
func NewVoiceMessageRepository(db *DB) VoiceMessageRepository {
	return &voiceMessageRepo{db: db}
}

// Count returns the number of messages in dir.
func (r *voiceMessageRepo) Count(ctx context.Context, dir string) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM voicemessages WHERE dir = ?`, dir).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting voice messages: %w", err)
	}
	return n, nil
}

// LastMsgNum returns the highest message number in dir, or -1.
func (r *voiceMessageRepo) LastMsgNum(ctx context.Context, dir string) (int, error) {
	var n sql.NullInt64
	if err := r.db.QueryRowContext(ctx,
		`SELECT MAX(msgnum) FROM voicemessages WHERE dir = ?`, dir).Scan(&n); err != nil {
		return -1, fmt.Errorf("querying last message number: %w", err)
	}
	if !n.Valid {
		return -1, nil
	}
	return int(n.Int64), nil
}

// Exists reports whether a message occupies the slot.
func (r *voiceMessageRepo) Exists(ctx context.Context, dir string, msgnum int) (bool, error) {
	var n int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM voicemessages WHERE dir = ? AND msgnum = ?`, dir, msgnum).Scan(&n); err != nil {
		return false, fmt.Errorf("checking voice message: %w", err)
	}
	return n > 0, nil
}

// Get returns the message row and its audio.
func (r *voiceMessageRepo) Get(ctx context.Context, dir string, msgnum int) (*models.VoiceMessage, []models.VoiceMessageAudio, error) {
	m := models.VoiceMessage{Dir: dir, MsgNum: msgnum}
	err := r.db.QueryRowContext(ctx,
		`SELECT `+voiceMessageColumns+` FROM voicemessages WHERE dir = ? AND msgnum = ?`,
		dir, msgnum,
	).Scan(&m.Context, &m.MacroContext, &m.CallerID, &m.OrigTime, &m.Duration,
		&m.MailboxUser, &m.MailboxContext, &m.Exten, &m.Priority, &m.CallerChan, &m.Category)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("voice message %s/%d: %w", dir, msgnum, ErrNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("scanning voice message: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT format, recording FROM voicemessage_audio WHERE dir = ? AND msgnum = ? ORDER BY format`,
		dir, msgnum,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("querying voice message audio: %w", err)
	}
	defer rows.Close()

	var audio []models.VoiceMessageAudio
	for rows.Next() {
		var a models.VoiceMessageAudio
		if err := rows.Scan(&a.Format, &a.Recording); err != nil {
			return nil, nil, fmt.Errorf("scanning voice message audio: %w", err)
		}
		audio = append(audio, a)
	}
	return &m, audio, rows.Err()
}

// Put inserts the message, replacing whatever occupied the slot.
func (r *voiceMessageRepo) Put(ctx context.Context, m *models.VoiceMessage, audio []models.VoiceMessageAudio) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := deleteSlot(ctx, tx, m.Dir, m.MsgNum); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO voicemessages (dir, msgnum, `+voiceMessageColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.Dir, m.MsgNum, m.Context, m.MacroContext, m.CallerID, m.OrigTime, m.Duration,
		m.MailboxUser, m.MailboxContext, m.Exten, m.Priority, m.CallerChan, m.Category,
	); err != nil {
		return fmt.Errorf("inserting voice message: %w", err)
	}
	for _, a := range audio {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO voicemessage_audio (dir, msgnum, format, recording) VALUES (?, ?, ?, ?)`,
			m.Dir, m.MsgNum, a.Format, a.Recording,
		); err != nil {
			return fmt.Errorf("inserting voice message audio %s: %w", a.Format, err)
		}
	}
	return tx.Commit()
}

// Rename moves a message to another slot.
func (r *voiceMessageRepo) Rename(ctx context.Context, srcDir string, src int, dstDir string, dst int) error {
	if srcDir == dstDir && src == dst {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := requireSlot(ctx, tx, srcDir, src); err != nil {
		return err
	}
	if err := deleteSlot(ctx, tx, dstDir, dst); err != nil {
		return err
	}
	for _, table := range []string{"voicemessages", "voicemessage_audio"} {
		if _, err := tx.ExecContext(ctx,
			`UPDATE `+table+` SET dir = ?, msgnum = ? WHERE dir = ? AND msgnum = ?`,
			dstDir, dst, srcDir, src,
		); err != nil {
			return fmt.Errorf("renaming %s row: %w", table, err)
		}
	}
	return tx.Commit()
}

// Copy duplicates a message into another slot.
func (r *voiceMessageRepo) Copy(ctx context.Context, srcDir string, src int, dstDir string, dst int) error {
	if srcDir == dstDir && src == dst {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := requireSlot(ctx, tx, srcDir, src); err != nil {
		return err
	}
	if err := deleteSlot(ctx, tx, dstDir, dst); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO voicemessages (dir, msgnum, `+voiceMessageColumns+`)
		 SELECT CAST(? AS TEXT), CAST(? AS INTEGER), `+voiceMessageColumns+`
		 FROM voicemessages WHERE dir = ? AND msgnum = ?`,
		dstDir, dst, srcDir, src,
	); err != nil {
		return fmt.Errorf("copying voice message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO voicemessage_audio (dir, msgnum, format, recording)
		 SELECT CAST(? AS TEXT), CAST(? AS INTEGER), format, recording
		 FROM voicemessage_audio WHERE dir = ? AND msgnum = ?`,
		dstDir, dst, srcDir, src,
	); err != nil {
		return fmt.Errorf("copying voice message audio: %w", err)
	}
	return tx.Commit()
}

// Delete removes a message. Deleting an empty slot is not an error.
func (r *voiceMessageRepo) Delete(ctx context.Context, dir string, msgnum int) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := deleteSlot(ctx, tx, dir, msgnum); err != nil {
		return err
	}
	return tx.Commit()
}

func deleteSlot(ctx context.Context, tx *Tx, dir string, msgnum int) error {
	for _, table := range []string{"voicemessage_audio", "voicemessages"} {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE dir = ? AND msgnum = ?`, dir, msgnum); err != nil {
			return fmt.Errorf("deleting %s row: %w", table, err)
		}
	}
	return nil
}

func requireSlot(ctx context.Context, tx *Tx, dir string, msgnum int) error {
	var n int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM voicemessages WHERE dir = ? AND msgnum = ?`, dir, msgnum).Scan(&n); err != nil {
		return fmt.Errorf("checking voice message: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("voice message %s/%d: %w", dir, msgnum, ErrNotFound)
	}
	return nil
}
