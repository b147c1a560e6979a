package voicemail_test

import (
	"context"
	"errors"
	"testing"

	"github.com/flowpbx/vmstore/internal/voicemail"
)

func TestForwardCopiesToEachRecipient(t *testing.T) {
	from := newMailbox("100")
	a := newMailbox("200")
	b := newMailbox("300")
	env := newTestEnv(t, from, a, b)
	work := voicemail.LocationOf(from, voicemail.FolderWork)
	env.seed(t, work, "w0", "w1")

	n, err := env.svc.Forward(context.Background(), from, voicemail.FolderWork, 1, []string{"200", "300@default"})
	if err != nil {
		t.Fatalf("Forward() error: %v", err)
	}
	if n != 2 {
		t.Errorf("delivered = %d, want 2", n)
	}
	for _, box := range []*voicemail.Mailbox{a, b} {
		if got := env.labels(t, voicemail.LocationOf(box, voicemail.FolderInbox)); !equalLabels(got, []string{"w1"}) {
			t.Errorf("%s inbox = %v", box.Key(), got)
		}
	}
	if got := env.labels(t, work); !equalLabels(got, []string{"w0", "w1"}) {
		t.Errorf("source folder = %v, want unchanged", got)
	}
	if len(env.events.all()) != 2 {
		t.Errorf("events = %d, want one per recipient", len(env.events.all()))
	}
}

func TestForwardPartialFailure(t *testing.T) {
	from := newMailbox("100")
	full := newMailbox("200")
	full.MaxMsg = 1
	ok := newMailbox("300")
	env := newTestEnv(t, from, full, ok)
	env.seed(t, voicemail.LocationOf(from, voicemail.FolderInbox), "msg")
	env.seed(t, voicemail.LocationOf(full, voicemail.FolderInbox), "existing")

	n, err := env.svc.Forward(context.Background(), from, voicemail.FolderInbox, 0, []string{"200", "404", "300"})
	if n != 1 {
		t.Errorf("delivered = %d, want 1", n)
	}
	if !errors.Is(err, voicemail.ErrCapacityExceeded) {
		t.Errorf("error = %v, want ErrCapacityExceeded", err)
	}
	if !errors.Is(err, voicemail.ErrMailboxNotFound) {
		t.Errorf("error = %v, want ErrMailboxNotFound", err)
	}
	if got := env.labels(t, voicemail.LocationOf(ok, voicemail.FolderInbox)); !equalLabels(got, []string{"msg"}) {
		t.Errorf("recipient inbox = %v", got)
	}
}

func TestForwardMissingMessage(t *testing.T) {
	from := newMailbox("100")
	env := newTestEnv(t, from, newMailbox("200"))

	_, err := env.svc.Forward(context.Background(), from, voicemail.FolderInbox, 3, []string{"200"})
	if !errors.Is(err, voicemail.ErrMessageNotFound) {
		t.Fatalf("Forward() error = %v, want ErrMessageNotFound", err)
	}
}
