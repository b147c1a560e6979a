package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gomail "github.com/emersion/go-message/mail"

	"github.com/flowpbx/vmstore/internal/vmmime"
	"github.com/flowpbx/vmstore/internal/voicemail"
)

// Identity is the sender identity of notification mails.
type Identity struct {
	// ServerEmail is the envelope and header sender address.
	ServerEmail string
	// FromString is the display name of mail notifications.
	FromString string
	// PagerFrom is the display name of pager notifications.
	PagerFrom string
	// ServerName is written to the message headers.
	ServerName string
}

func (id Identity) address(display string) *gomail.Address {
	return &gomail.Address{Name: display, Address: id.ServerEmail}
}

// mailer is the transport the notifier sends through.
type mailer interface {
	Send(ctx context.Context, from, to string, msg []byte) error
}

// Notifier mails every deposited message to the mailbox owner, attaching
// the audio when the mailbox asks for it, and sends a short notice to the
// pager address. It implements voicemail.DepositListener.
type Notifier struct {
	sender   mailer
	identity Identity
	logger   *slog.Logger
}

// NewNotifier creates a Notifier sending through sender.
func NewNotifier(sender *Sender, identity Identity, logger *slog.Logger) *Notifier {
	return newNotifier(sender, identity, logger)
}

func newNotifier(m mailer, identity Identity, logger *slog.Logger) *Notifier {
	if identity.ServerEmail == "" {
		identity.ServerEmail = "vm@localhost"
	}
	if identity.FromString == "" {
		identity.FromString = "Voicemail System"
	}
	if identity.PagerFrom == "" {
		identity.PagerFrom = identity.FromString
	}
	return &Notifier{sender: m, identity: identity, logger: logger.With("component", "email")}
}

// MessageDeposited sends the mail and pager notifications for d. A
// mailbox with neither address set is skipped.
func (n *Notifier) MessageDeposited(ctx context.Context, d voicemail.Deposit) error {
	box := d.Mailbox
	var errs []error
	if box.Email != "" {
		if err := n.sendMail(ctx, d); err != nil {
			errs = append(errs, fmt.Errorf("mailing %s: %w", box.Email, err))
		}
	}
	if box.Pager != "" {
		if err := n.sendPager(ctx, d); err != nil {
			errs = append(errs, fmt.Errorf("paging %s: %w", box.Pager, err))
		}
	}
	return errors.Join(errs...)
}

func (n *Notifier) sendMail(ctx context.Context, d voicemail.Deposit) error {
	box := d.Mailbox
	meta := d.Message.Meta
	c := &vmmime.Compose{
		From:    n.identity.address(n.identity.FromString),
		To:      []*gomail.Address{{Name: box.FullName, Address: box.Email}},
		Subject: fmt.Sprintf("New message %d in mailbox %s", d.Index+1, box.ID),
		Body:    mailBody(d),
		Date:    meta.OrigTime,
		Index:   d.Index,
		Server:  n.identity.ServerName,
		Meta:    meta,
	}
	if box.Flags.Has(voicemail.FlagAttach) {
		c.Attachments = vmmime.AttachmentsOf(d.Message)
	}
	msg, err := vmmime.Encode(c)
	if err != nil {
		return fmt.Errorf("building message: %w", err)
	}
	if err := n.sender.Send(ctx, n.identity.ServerEmail, box.Email, msg); err != nil {
		return err
	}
	n.logger.Info("voicemail notification email sent",
		"to", box.Email,
		"mailbox", box.Key(),
		"index", d.Index,
		"attach_audio", len(c.Attachments) > 0,
	)
	return nil
}

func (n *Notifier) sendPager(ctx context.Context, d voicemail.Deposit) error {
	box := d.Mailbox
	meta := d.Message.Meta
	msg, err := vmmime.Encode(&vmmime.Compose{
		From:    n.identity.address(n.identity.PagerFrom),
		To:      []*gomail.Address{{Address: box.Pager}},
		Subject: "New VM",
		Body: fmt.Sprintf("New %s long msg in box %s\nfrom %s, on %s",
			formatDuration(meta.Duration), box.ID, callerDisplay(meta.CallerID), stamp(meta.OrigTime)),
		Date:   meta.OrigTime,
		Index:  d.Index,
		Server: n.identity.ServerName,
		Meta:   meta,
	})
	if err != nil {
		return fmt.Errorf("building pager message: %w", err)
	}
	if err := n.sender.Send(ctx, n.identity.ServerEmail, box.Pager, msg); err != nil {
		return err
	}
	n.logger.Info("voicemail pager notification sent", "to", box.Pager, "mailbox", box.Key())
	return nil
}

func mailBody(d voicemail.Deposit) string {
	box := d.Mailbox
	meta := d.Message.Meta
	name := box.FullName
	if name == "" {
		name = box.ID
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Dear %s:\n\n", name)
	fmt.Fprintf(&b, "You were just left a %s long message (number %d)\n", formatDuration(meta.Duration), d.Index+1)
	fmt.Fprintf(&b, "in mailbox %s from %s, on %s.\n\n", box.ID, callerDisplay(meta.CallerID), stamp(meta.OrigTime))
	fmt.Fprintf(&b, "You have %d new and %d old messages.\n", d.New, d.Old)
	return b.String()
}

// callerDisplay formats a caller id such as "\"Alice\" <2001>" as
// "Alice <2001>". Unparseable values are returned as they are.
func callerDisplay(callerID string) string {
	if callerID == "" {
		return "an unknown caller"
	}
	name, num, ok := splitCallerID(callerID)
	if !ok {
		return callerID
	}
	if name == "" {
		return num
	}
	return fmt.Sprintf("%s <%s>", name, num)
}

func splitCallerID(s string) (name, num string, ok bool) {
	lt := strings.LastIndexByte(s, '<')
	gt := strings.LastIndexByte(s, '>')
	if lt < 0 || gt < lt {
		return "", "", false
	}
	num = s[lt+1 : gt]
	name = strings.Trim(strings.TrimSpace(s[:lt]), "\"")
	return name, num, true
}

func stamp(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.Format("Mon, 02 Jan 2006 3:04 PM")
}
