package voicemail_test

import (
	"context"
	"errors"
	"testing"

	"github.com/flowpbx/vmstore/internal/voicemail"
)

// closeWithMarks opens folder of box, marks the given indices deleted and
// closes the session, returning the Close error.
func closeWithMarks(t *testing.T, env *testEnv, box *voicemail.Mailbox, folder voicemail.Folder, deleted ...int) error {
	t.Helper()
	ctx := context.Background()
	sess := env.svc.NewSession(box)
	if err := sess.Open(ctx, folder); err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	for _, n := range deleted {
		if err := sess.MarkDeleted(n, true); err != nil {
			t.Fatal(err)
		}
	}
	return sess.Close(ctx)
}

func TestSessionCloseFailures(t *testing.T) {
	tests := []struct {
		name       string
		maxDeleted int
		deleted    []int
		op         string
		folder     voicemail.Folder
		index      int
		times      int
		wantInbox  []string // sorted
		wantTrash  []string
	}{
		{
			name:      "exists fails for unmarked message",
			deleted:   []int{0},
			op:        "exists",
			folder:    voicemail.FolderInbox,
			index:     1,
			times:     1,
			wantInbox: []string{"b", "c"},
		},
		{
			name:      "rename fails while compacting",
			deleted:   []int{0},
			op:        "rename",
			folder:    voicemail.FolderInbox,
			index:     1,
			times:     1,
			wantInbox: []string{"b", "c"},
		},
		{
			name:       "copy to deleted folder fails",
			maxDeleted: 10,
			deleted:    []int{1},
			op:         "copy",
			folder:     voicemail.FolderInbox,
			index:      1,
			times:      1,
			wantInbox:  []string{"a", "b", "c"},
		},
		{
			name:      "purge fails and a rename replaces it",
			deleted:   []int{0},
			op:        "delete",
			folder:    voicemail.FolderInbox,
			index:     0,
			times:     2,
			wantInbox: []string{"b", "c"},
		},
		{
			name:      "purge of the last message fails",
			deleted:   []int{2},
			op:        "delete",
			folder:    voicemail.FolderInbox,
			index:     2,
			times:     2,
			wantInbox: []string{"a", "b", "c"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			box := newMailbox("100")
			box.MaxDeleted = tt.maxDeleted
			env, faulty := newFaultyEnv(t, box)
			inbox := voicemail.LocationOf(box, voicemail.FolderInbox)
			env.seed(t, inbox, "a", "b", "c")

			faulty.failOn(tt.op, tt.folder, tt.index, tt.times)
			err := closeWithMarks(t, env, box, voicemail.FolderInbox, tt.deleted...)
			if !errors.Is(err, errInjected) {
				t.Errorf("Close() error = %v, want injected failure", err)
			}

			// The next open repairs any gap the failure left behind.
			if err := closeWithMarks(t, env, box, voicemail.FolderInbox); err != nil {
				t.Fatalf("second session: %v", err)
			}
			if got := sortedLabels(env.labels(t, inbox)); !equalLabels(got, tt.wantInbox) {
				t.Errorf("inbox = %v, want %v", got, tt.wantInbox)
			}
			trash := voicemail.LocationOf(box, voicemail.FolderDeleted)
			if got := env.labels(t, trash); !equalLabels(got, tt.wantTrash) {
				t.Errorf("deleted folder = %v, want %v", got, tt.wantTrash)
			}
		})
	}
}

func TestSessionCloseExistsFailureKeepsLaterMessages(t *testing.T) {
	box := newMailbox("100")
	env, faulty := newFaultyEnv(t, box)
	inbox := voicemail.LocationOf(box, voicemail.FolderInbox)
	env.seed(t, inbox, "a", "b", "c", "d")

	faulty.failOn("exists", voicemail.FolderInbox, 2, 1)
	if err := closeWithMarks(t, env, box, voicemail.FolderInbox, 1); !errors.Is(err, errInjected) {
		t.Errorf("Close() error = %v, want injected failure", err)
	}
	if got := env.labels(t, inbox); !equalLabels(sortedLabels(got), []string{"a", "c", "d"}) {
		t.Errorf("inbox = %v, want a, c and d", got)
	}
}
