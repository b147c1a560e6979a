package sqlstore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/flowpbx/vmstore/internal/database"
	"github.com/flowpbx/vmstore/internal/vmconf"
	"github.com/flowpbx/vmstore/internal/voicemail"
)

// Realtime resolves mailboxes from the voicemail_users table. Every lookup
// reads the table so edits made by other tools apply to the next call.
type Realtime struct {
	users   database.VoicemailUserRepository
	loader  *vmconf.Loader
	general vmconf.General
	logger  *slog.Logger
}

// NewRealtime creates a realtime lookup on db. Mailbox defaults come from
// general; per-row options are applied with loader.
func NewRealtime(db *database.DB, loader *vmconf.Loader, general vmconf.General, logger *slog.Logger) *Realtime {
	return &Realtime{
		users:   database.NewVoicemailUserRepository(db),
		loader:  loader,
		general: general,
		logger:  logger.With("subsystem", "realtime"),
	}
}

// LookupMailbox returns the mailbox, or nil when the table has no row.
func (r *Realtime) LookupMailbox(ctx context.Context, id, vmContext string) (*voicemail.Mailbox, error) {
	u, err := r.users.Get(ctx, vmContext, id)
	if err != nil {
		return nil, fmt.Errorf("querying voicemail user: %w", err)
	}
	if u == nil {
		return nil, nil
	}
	box := r.loader.Mailbox(r.general, u.Mailbox, u.Context, u.Password, u.FullName, u.Email, u.Pager, u.Options)
	box.Realtime = true
	return box, nil
}

// WritePassword stores the new secret in the mailbox row.
func (r *Realtime) WritePassword(ctx context.Context, box *voicemail.Mailbox, secret string) error {
	if err := r.users.UpdatePassword(ctx, box.Context, box.ID, secret); err != nil {
		return fmt.Errorf("updating password of %s: %w", box.Key(), err)
	}
	r.logger.Debug("realtime password updated", "mailbox", box.Key())
	return nil
}
