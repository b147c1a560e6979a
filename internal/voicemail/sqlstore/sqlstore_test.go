package sqlstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/flowpbx/vmstore/internal/database"
	"github.com/flowpbx/vmstore/internal/database/models"
	"github.com/flowpbx/vmstore/internal/vmconf"
	"github.com/flowpbx/vmstore/internal/voicemail"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var inbox = voicemail.Location{Context: "default", Mailbox: "100", Folder: voicemail.FolderInbox}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	db, err := database.Open(database.DriverSQLite, "", dir)
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s := New(db, filepath.Join(dir, "spool"), testLogger())
	s.lockPoll = 5 * time.Millisecond
	return s
}

func deposit(t *testing.T, s *Store, loc voicemail.Location, n int, body string) {
	t.Helper()
	src := filepath.Join(t.TempDir(), "take.wav")
	if err := os.WriteFile(src, []byte(body), 0o640); err != nil {
		t.Fatal(err)
	}
	msg := &voicemail.Message{
		Meta: voicemail.Metadata{
			OrigMailbox: loc.Mailbox,
			CallerID:    body,
			Duration:    3,
			Priority:    2,
			OrigTime:    time.Unix(1700000000, 0),
		},
		Files: map[string]string{"wav": src},
	}
	if err := s.Store(context.Background(), loc, n, msg); err != nil {
		t.Fatalf("Store(%d) error: %v", n, err)
	}
}

func audio(t *testing.T, s *Store, loc voicemail.Location, n int) string {
	t.Helper()
	msg, err := s.Retrieve(context.Background(), loc, n)
	if err != nil {
		t.Fatalf("Retrieve(%d) error: %v", n, err)
	}
	defer s.Dispose(context.Background(), loc, n)
	data, err := os.ReadFile(msg.AudioPath("wav"))
	if err != nil {
		t.Fatalf("reading audio of %d: %v", n, err)
	}
	return string(data)
}

func TestStoreAndRetrieve(t *testing.T) {
	s := newTestStore(t)
	deposit(t, s, inbox, 0, "hello")

	msg, err := s.Retrieve(context.Background(), inbox, 0)
	if err != nil {
		t.Fatalf("Retrieve() error: %v", err)
	}
	m := msg.Meta
	if m.CallerID != "hello" || m.Duration != 3 || m.Priority != 2 || m.OrigMailbox != "100" {
		t.Errorf("metadata = %+v", m)
	}
	if !m.OrigTime.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("OrigTime = %v", m.OrigTime)
	}
	want := filepath.Join(s.spool, "default", "100", "INBOX", "msg0000.wav")
	if msg.AudioPath("wav") != want {
		t.Errorf("AudioPath = %q, want %q", msg.AudioPath("wav"), want)
	}

	if err := s.Dispose(context.Background(), inbox, 0); err != nil {
		t.Fatalf("Dispose() error: %v", err)
	}
	if _, err := os.Stat(want); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("materialized audio still present: %v", err)
	}
	if ok, _ := s.Exists(context.Background(), inbox, 0); !ok {
		t.Error("Dispose() removed the stored message")
	}
}

func TestRetrieveMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Retrieve(context.Background(), inbox, 4)
	if !errors.Is(err, voicemail.ErrMessageNotFound) {
		t.Fatalf("Retrieve() error = %v, want ErrMessageNotFound", err)
	}
}

func TestCountAndLastIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if n, _ := s.LastIndex(ctx, inbox); n != -1 {
		t.Errorf("LastIndex() on empty folder = %d, want -1", n)
	}
	for i, body := range []string{"a", "b", "c"} {
		deposit(t, s, inbox, i, body)
	}
	if n, _ := s.Count(ctx, inbox); n != 3 {
		t.Errorf("Count() = %d, want 3", n)
	}
	if n, _ := s.LastIndex(ctx, inbox); n != 2 {
		t.Errorf("LastIndex() = %d, want 2", n)
	}
	if n, _ := s.Count(ctx, inbox.In(voicemail.FolderOld)); n != 0 {
		t.Errorf("Count(Old) = %d, want 0", n)
	}
}

func TestRenameAndCopy(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	old := inbox.In(voicemail.FolderOld)
	deposit(t, s, inbox, 0, "first")
	deposit(t, s, inbox, 1, "second")

	if err := s.Rename(ctx, inbox, 1, inbox, 0); err != nil {
		t.Fatalf("Rename() error: %v", err)
	}
	if got := audio(t, s, inbox, 0); got != "second" {
		t.Errorf("audio at 0 = %q, want second", got)
	}
	if n, _ := s.Count(ctx, inbox); n != 1 {
		t.Errorf("Count() after rename = %d, want 1", n)
	}

	if err := s.Copy(ctx, inbox, 0, old, 5); err != nil {
		t.Fatalf("Copy() error: %v", err)
	}
	if got := audio(t, s, old, 5); got != "second" {
		t.Errorf("copied audio = %q", got)
	}
	if ok, _ := s.Exists(ctx, inbox, 0); !ok {
		t.Error("Copy() removed the source")
	}

	err := s.Copy(ctx, inbox, 9, old, 0)
	if !errors.Is(err, voicemail.ErrMessageNotFound) {
		t.Errorf("Copy() of missing message error = %v", err)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	deposit(t, s, inbox, 0, "x")

	if err := s.Delete(ctx, inbox, 0); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if ok, _ := s.Exists(ctx, inbox, 0); ok {
		t.Error("message still exists after Delete()")
	}
}

func TestLockTimeout(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	unlock, err := s.Lock(ctx, inbox, time.Second)
	if err != nil {
		t.Fatalf("Lock() error: %v", err)
	}
	defer unlock()

	start := time.Now()
	_, err = s.Lock(ctx, inbox, 50*time.Millisecond)
	if !errors.Is(err, voicemail.ErrLockTimeout) {
		t.Fatalf("second Lock() error = %v, want ErrLockTimeout", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Error("second Lock() returned before the timeout")
	}

	other, err := s.Lock(ctx, inbox.In(voicemail.FolderOld), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Lock() on another folder error: %v", err)
	}
	other()
}

func TestLockWaitsForRelease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	unlock, err := s.Lock(ctx, inbox, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	time.AfterFunc(30*time.Millisecond, unlock)

	again, err := s.Lock(ctx, inbox, time.Second)
	if err != nil {
		t.Fatalf("Lock() after release error: %v", err)
	}
	again()
}

func TestRealtimeLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	users := database.NewVoicemailUserRepository(s.DB())
	err := users.Create(ctx, &models.VoicemailUser{
		Context:  "sales",
		Mailbox:  "300",
		Password: "4242",
		FullName: "Carol",
		Email:    "carol@example.com",
		Options:  "maxmsg=5|attach=yes",
	})
	if err != nil {
		t.Fatal(err)
	}

	rt := NewRealtime(s.DB(), vmconf.NewLoader(testLogger()), vmconf.DefaultGeneral(), testLogger())
	reg := voicemail.NewRegistry(testLogger())
	reg.SetRealtime(rt, rt)

	box, err := reg.Lookup(ctx, "300", "sales")
	if err != nil {
		t.Fatalf("Lookup() error: %v", err)
	}
	if !box.Realtime || box.FullName != "Carol" || box.MaxMsg != 5 || !box.Flags.Has(voicemail.FlagAttach) {
		t.Errorf("mailbox = %+v", box)
	}
	if _, err := reg.Lookup(ctx, "301", "sales"); !errors.Is(err, voicemail.ErrMailboxNotFound) {
		t.Errorf("Lookup() of missing row error = %v", err)
	}

	if err := reg.ChangePassword(ctx, "300", "sales", "9999"); err != nil {
		t.Fatalf("ChangePassword() error: %v", err)
	}
	if _, err := reg.Authenticate(ctx, "300", "sales", "9999"); err != nil {
		t.Errorf("Authenticate() with new secret error: %v", err)
	}
	if _, err := reg.Authenticate(ctx, "300", "sales", "4242"); !errors.Is(err, voicemail.ErrAuthFailed) {
		t.Errorf("Authenticate() with old secret error = %v", err)
	}
}

func TestOpenBackendRegistered(t *testing.T) {
	dir := t.TempDir()
	b, err := voicemail.OpenBackend(voicemail.BackendConfig{
		Type:     Name,
		SpoolDir: dir,
		Options:  map[string]string{"lock_ttl": "30s"},
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatalf("OpenBackend() error: %v", err)
	}
	s, ok := b.(*Store)
	if !ok {
		t.Fatalf("OpenBackend() = %T, want *Store", b)
	}
	defer s.Close()
	if s.lockTTL != 30*time.Second {
		t.Errorf("lockTTL = %v", s.lockTTL)
	}
	if _, err := os.Stat(filepath.Join(dir, database.DefaultSQLiteFile)); err != nil {
		t.Errorf("database file missing: %v", err)
	}
}

// Deposit, listen and close a session entirely on the SQL backend.
func TestServiceOnSQL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	logger := testLogger()
	box := &voicemail.Mailbox{ID: "100", Context: "default", Password: "1", Formats: []string{"wav"}, MaxMsg: 10}
	box.Flags.Set(voicemail.FlagMoveHeard, true)

	reg := voicemail.NewRegistry(logger)
	reg.Load([]*voicemail.Mailbox{box})
	svc := voicemail.NewService(s, reg, voicemail.NewNotifier(s, logger), voicemail.ServiceOptions{
		SpoolDir:    s.spool,
		LockTimeout: time.Second,
	}, logger)

	for _, body := range []string{"one", "two"} {
		res, err := svc.Leave(ctx, voicemail.LeaveRequest{Mailboxes: []string{"100"}}, &scriptedCaller{body: body})
		if err != nil {
			t.Fatalf("Leave() error: %v", err)
		}
		if res.Status != voicemail.LeaveCommitted {
			t.Fatalf("Leave() status = %v", res.Status)
		}
	}

	sess := svc.NewSession(box)
	if err := sess.Open(ctx, voicemail.FolderInbox); err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if sess.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", sess.Count())
	}
	if err := sess.MarkHeard(0); err != nil {
		t.Fatal(err)
	}
	if err := sess.Close(ctx); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	if got := audio(t, s, inbox, 0); got != "two" {
		t.Errorf("inbox[0] = %q, want two", got)
	}
	if got := audio(t, s, inbox.In(voicemail.FolderOld), 0); got != "one" {
		t.Errorf("old[0] = %q, want one", got)
	}
}

type scriptedCaller struct {
	body string
}

func (c *scriptedCaller) Answered() bool                 { return true }
func (c *scriptedCaller) Answer(context.Context) error   { return nil }
func (c *scriptedCaller) PlayBeep(context.Context) error { return nil }

func (c *scriptedCaller) PlayGreeting(context.Context, *voicemail.Mailbox, string, []rune) (rune, error) {
	return 0, nil
}

func (c *scriptedCaller) Record(_ context.Context, req voicemail.RecordRequest) (*voicemail.RecordResult, error) {
	if err := os.WriteFile(req.FilePath, []byte(c.body), 0o640); err != nil {
		return nil, err
	}
	return &voicemail.RecordResult{FilePath: req.FilePath, DurationSecs: 4}, nil
}

func TestLockCancelledIsNotTimeout(t *testing.T) {
	s := newTestStore(t)
	unlock, err := s.Lock(context.Background(), inbox, time.Second)
	if err != nil {
		t.Fatalf("Lock() error: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Lock(ctx, inbox, 5*time.Second)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Lock() error = %v, want context.DeadlineExceeded", err)
	}
	if errors.Is(err, voicemail.ErrLockTimeout) {
		t.Errorf("cancelled Lock() reported as lock timeout: %v", err)
	}
}
