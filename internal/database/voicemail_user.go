package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/flowpbx/vmstore/internal/database/models"
)

// voicemailUserRepo implements VoicemailUserRepository.
type voicemailUserRepo struct {
	db *DB
}

// NewVoicemailUserRepository creates a new VoicemailUserRepository.
func NewVoicemailUserRepository(db *DB) VoicemailUserRepository {
	return &voicemailUserRepo{db: db}
}

// Create inserts a realtime mailbox.
func (r *voicemailUserRepo) Create(ctx context.Context, u *models.VoicemailUser) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO voicemail_users (context, mailbox, password, fullname, email, pager, options)
		 VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING uniqueid`,
		u.Context, u.Mailbox, u.Password, u.FullName, u.Email, u.Pager, u.Options,
	).Scan(&u.UniqueID)
	if err != nil {
		return fmt.Errorf("inserting voicemail user: %w", err)
	}
	return nil
}

// Get returns a realtime mailbox, or nil if not found.
func (r *voicemailUserRepo) Get(ctx context.Context, vmContext, mailbox string) (*models.VoicemailUser, error) {
	var u models.VoicemailUser
	err := r.db.QueryRowContext(ctx,
		`SELECT uniqueid, context, mailbox, password, fullname, email, pager, options
		 FROM voicemail_users WHERE context = ? AND mailbox = ?`, vmContext, mailbox,
	).Scan(&u.UniqueID, &u.Context, &u.Mailbox, &u.Password, &u.FullName, &u.Email, &u.Pager, &u.Options)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning voicemail user: %w", err)
	}
	return &u, nil
}

// List returns all realtime mailboxes ordered by context and mailbox.
func (r *voicemailUserRepo) List(ctx context.Context) ([]models.VoicemailUser, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT uniqueid, context, mailbox, password, fullname, email, pager, options
		 FROM voicemail_users ORDER BY context, mailbox`)
	if err != nil {
		return nil, fmt.Errorf("querying voicemail users: %w", err)
	}
	defer rows.Close()

	var users []models.VoicemailUser
	for rows.Next() {
		var u models.VoicemailUser
		if err := rows.Scan(&u.UniqueID, &u.Context, &u.Mailbox, &u.Password,
			&u.FullName, &u.Email, &u.Pager, &u.Options); err != nil {
			return nil, fmt.Errorf("scanning voicemail user row: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// UpdatePassword stores a new secret for the mailbox.
func (r *voicemailUserRepo) UpdatePassword(ctx context.Context, vmContext, mailbox, password string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE voicemail_users SET password = ? WHERE context = ? AND mailbox = ?`,
		password, vmContext, mailbox)
	if err != nil {
		return fmt.Errorf("updating voicemail user password: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking updated rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("voicemail user %s@%s: %w", mailbox, vmContext, ErrNotFound)
	}
	return nil
}

// Delete removes a realtime mailbox.
func (r *voicemailUserRepo) Delete(ctx context.Context, vmContext, mailbox string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM voicemail_users WHERE context = ? AND mailbox = ?`, vmContext, mailbox)
	if err != nil {
		return fmt.Errorf("deleting voicemail user: %w", err)
	}
	return nil
}
