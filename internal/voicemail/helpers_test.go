package voicemail_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/flowpbx/vmstore/internal/voicemail"
	"github.com/flowpbx/vmstore/internal/voicemail/filestore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// eventLog records every event emitted by a Notifier.
type eventLog struct {
	mu     sync.Mutex
	events []voicemail.Event
}

func (l *eventLog) MailboxChanged(_ context.Context, ev voicemail.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLog) all() []voicemail.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]voicemail.Event(nil), l.events...)
}

func (l *eventLog) last() (voicemail.Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) == 0 {
		return voicemail.Event{}, false
	}
	return l.events[len(l.events)-1], true
}

type testEnv struct {
	svc    *voicemail.Service
	store  *filestore.Store
	events *eventLog
	spool  string
}

func newMailbox(id string) *voicemail.Mailbox {
	return &voicemail.Mailbox{
		ID:       id,
		Context:  voicemail.DefaultContext,
		Password: "1234",
		Formats:  []string{"wav"},
		MaxMsg:   voicemail.DefaultMaxMsg,
	}
}

func newTestEnv(t *testing.T, boxes ...*voicemail.Mailbox) *testEnv {
	t.Helper()
	return newTestEnvWith(t, nil, boxes...)
}

// newTestEnvWith runs the service against the filestore wrapped by wrap.
// Seeding and inspection helpers bypass the wrapper.
func newTestEnvWith(t *testing.T, wrap func(voicemail.Backend) voicemail.Backend, boxes ...*voicemail.Mailbox) *testEnv {
	t.Helper()
	spool := t.TempDir()
	logger := testLogger()
	store := filestore.New(spool, logger)
	var backend voicemail.Backend = store
	if wrap != nil {
		backend = wrap(store)
	}
	reg := voicemail.NewRegistry(logger)
	reg.Load(boxes)
	notifier := voicemail.NewNotifier(backend, logger)
	events := &eventLog{}
	notifier.Subscribe("test", events)
	svc := voicemail.NewService(backend, reg, notifier, voicemail.ServiceOptions{
		SpoolDir:    spool,
		LockTimeout: 200 * time.Millisecond,
	}, logger)
	return &testEnv{svc: svc, store: store, events: events, spool: spool}
}

// seed stores messages whose audio bodies are the given labels at
// consecutive indices of loc.
func (e *testEnv) seed(t *testing.T, loc voicemail.Location, labels ...string) {
	t.Helper()
	last, err := e.store.LastIndex(context.Background(), loc)
	if err != nil {
		t.Fatal(err)
	}
	for i, label := range labels {
		e.seedAt(t, loc, last+1+i, label)
	}
}

func (e *testEnv) seedAt(t *testing.T, loc voicemail.Location, n int, label string) {
	t.Helper()
	src := filepath.Join(t.TempDir(), "seed.wav")
	if err := os.WriteFile(src, []byte(label), 0o640); err != nil {
		t.Fatal(err)
	}
	msg := &voicemail.Message{
		Meta:  voicemail.Metadata{CallerID: label, OrigMailbox: loc.Mailbox, Context: loc.Context},
		Files: map[string]string{"wav": src},
	}
	if err := e.store.Store(context.Background(), loc, n, msg); err != nil {
		t.Fatalf("seeding %s/%d: %v", loc, n, err)
	}
}

// labels returns the audio bodies of loc in index order and fails when the
// indices are not dense.
func (e *testEnv) labels(t *testing.T, loc voicemail.Location) []string {
	t.Helper()
	ctx := context.Background()
	count, err := e.store.Count(ctx, loc)
	if err != nil {
		t.Fatal(err)
	}
	last, err := e.store.LastIndex(ctx, loc)
	if err != nil {
		t.Fatal(err)
	}
	if last != count-1 {
		t.Fatalf("%s not dense: count %d, last index %d", loc, count, last)
	}
	out := make([]string, 0, count)
	for n := 0; n < count; n++ {
		msg, err := e.store.Retrieve(ctx, loc, n)
		if err != nil {
			t.Fatalf("retrieving %s/%d: %v", loc, n, err)
		}
		data, err := os.ReadFile(msg.AudioPath("wav"))
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, string(data))
	}
	return out
}

func equalLabels(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var errInjected = errors.New("injected backend failure")

// faultyBackend fails chosen operations a set number of times.
type faultyBackend struct {
	voicemail.Backend

	mu     sync.Mutex
	faults map[string]int
}

func newFaultyBackend(b voicemail.Backend) *faultyBackend {
	return &faultyBackend{Backend: b, faults: make(map[string]int)}
}

func faultKey(op string, folder voicemail.Folder, n int) string {
	return fmt.Sprintf("%s %s %d", op, folder.Name(), n)
}

// failOn makes the next times calls of op on message n of folder fail.
func (f *faultyBackend) failOn(op string, folder voicemail.Folder, n, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[faultKey(op, folder, n)] = times
}

func (f *faultyBackend) fault(op string, loc voicemail.Location, n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := faultKey(op, loc.Folder, n)
	if f.faults[key] <= 0 {
		return nil
	}
	f.faults[key]--
	return fmt.Errorf("%s message %d: %w", op, n, errInjected)
}

func (f *faultyBackend) Exists(ctx context.Context, loc voicemail.Location, n int) (bool, error) {
	if err := f.fault("exists", loc, n); err != nil {
		return false, err
	}
	return f.Backend.Exists(ctx, loc, n)
}

func (f *faultyBackend) Rename(ctx context.Context, src voicemail.Location, sn int, dst voicemail.Location, dn int) error {
	if err := f.fault("rename", src, sn); err != nil {
		return err
	}
	return f.Backend.Rename(ctx, src, sn, dst, dn)
}

func (f *faultyBackend) Copy(ctx context.Context, src voicemail.Location, sn int, dst voicemail.Location, dn int) error {
	if err := f.fault("copy", src, sn); err != nil {
		return err
	}
	return f.Backend.Copy(ctx, src, sn, dst, dn)
}

func (f *faultyBackend) Delete(ctx context.Context, loc voicemail.Location, n int) error {
	if err := f.fault("delete", loc, n); err != nil {
		return err
	}
	return f.Backend.Delete(ctx, loc, n)
}

// newFaultyEnv returns an environment whose service goes through a
// faultyBackend.
func newFaultyEnv(t *testing.T, boxes ...*voicemail.Mailbox) (*testEnv, *faultyBackend) {
	t.Helper()
	var faulty *faultyBackend
	env := newTestEnvWith(t, func(b voicemail.Backend) voicemail.Backend {
		faulty = newFaultyBackend(b)
		return faulty
	}, boxes...)
	return env, faulty
}

func sortedLabels(labels []string) []string {
	out := append([]string(nil), labels...)
	sort.Strings(out)
	return out
}
