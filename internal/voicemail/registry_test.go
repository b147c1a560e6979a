package voicemail

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRealtime struct {
	mu      sync.Mutex
	boxes   map[string]*Mailbox
	lookups int
	err     error
}

func (f *fakeRealtime) LookupMailbox(_ context.Context, id, vmContext string) (*Mailbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.err != nil {
		return nil, f.err
	}
	box, ok := f.boxes[MailboxKey(id, vmContext)]
	if !ok {
		return nil, nil
	}
	return box.Clone(), nil
}

type passwordLog struct {
	writes map[string]string
	err    error
}

func (p *passwordLog) WritePassword(_ context.Context, box *Mailbox, secret string) error {
	if p.err != nil {
		return p.err
	}
	if p.writes == nil {
		p.writes = make(map[string]string)
	}
	p.writes[box.Key()] = secret
	return nil
}

func TestRegistryStaticLookup(t *testing.T) {
	r := NewRegistry(discardLogger())
	r.Load([]*Mailbox{
		{ID: "100", Context: "default", Password: "1234"},
		{ID: "100", Context: "sales", Password: "9999"},
	})

	box, err := r.Lookup(context.Background(), "100", "")
	if err != nil {
		t.Fatalf("Lookup() error: %v", err)
	}
	if box.Context != "default" {
		t.Errorf("context = %q, want default", box.Context)
	}
	box, err = r.LookupKey(context.Background(), "100@sales")
	if err != nil || box.Password != "9999" {
		t.Errorf("LookupKey(100@sales) = %+v, %v", box, err)
	}
	if _, err := r.Lookup(context.Background(), "200", "default"); !errors.Is(err, ErrMailboxNotFound) {
		t.Errorf("unknown mailbox error = %v, want ErrMailboxNotFound", err)
	}

	got := r.Mailboxes()
	if len(got) != 2 || got[0].Key() != "100@default" || got[1].Key() != "100@sales" {
		t.Errorf("Mailboxes() = %v", got)
	}
}

func TestRegistryRealtimeNotCached(t *testing.T) {
	rt := &fakeRealtime{boxes: map[string]*Mailbox{
		"300@default": {ID: "300", Context: "default", Password: "1111"},
	}}
	r := NewRegistry(discardLogger())
	r.SetRealtime(rt, nil)

	for i := 0; i < 2; i++ {
		box, err := r.Lookup(context.Background(), "300", "default")
		if err != nil {
			t.Fatalf("Lookup() error: %v", err)
		}
		if !box.Realtime {
			t.Error("realtime mailbox not marked")
		}
	}
	if rt.lookups != 2 {
		t.Errorf("realtime lookups = %d, want 2", rt.lookups)
	}

	// An external edit is visible on the next lookup.
	rt.mu.Lock()
	rt.boxes["300@default"].Password = "2222"
	rt.mu.Unlock()
	if _, err := r.Authenticate(context.Background(), "300", "default", "2222"); err != nil {
		t.Errorf("Authenticate() after external edit: %v", err)
	}

	rt.err = errors.New("connection refused")
	if _, err := r.Lookup(context.Background(), "300", "default"); err == nil || errors.Is(err, ErrMailboxNotFound) {
		t.Errorf("realtime failure error = %v", err)
	}
}

func TestRegistryAuthenticate(t *testing.T) {
	hash, err := HashPassword("4321")
	if err != nil {
		t.Fatal(err)
	}
	r := NewRegistry(discardLogger())
	r.Load([]*Mailbox{
		{ID: "100", Context: "default", Password: "1234"},
		{ID: "101", Context: "default", Password: hash},
		{ID: "102", Context: "default"},
	})

	tests := []struct {
		id, secret string
		ok         bool
	}{
		{"100", "1234", true},
		{"100", "0000", false},
		{"101", "4321", true},
		{"101", hash, false},
		{"102", "", false},
		{"999", "1234", false},
	}
	for _, tt := range tests {
		_, err := r.Authenticate(context.Background(), tt.id, "default", tt.secret)
		if tt.ok && err != nil {
			t.Errorf("Authenticate(%s, %q) error: %v", tt.id, tt.secret, err)
		}
		if !tt.ok && !errors.Is(err, ErrAuthFailed) {
			t.Errorf("Authenticate(%s, %q) = %v, want ErrAuthFailed", tt.id, tt.secret, err)
		}
	}
}

func TestRegistryChangePasswordStatic(t *testing.T) {
	w := &passwordLog{}
	r := NewRegistry(discardLogger())
	r.SetPasswordWriter(w)
	r.Load([]*Mailbox{{ID: "100", Context: "default", Password: "1234"}})

	if err := r.ChangePassword(context.Background(), "100", "default", "5678"); err != nil {
		t.Fatalf("ChangePassword() error: %v", err)
	}
	stored := w.writes["100@default"]
	if !IsPasswordHash(stored) {
		t.Fatalf("persisted secret %q is not a hash", stored)
	}
	if _, err := r.Authenticate(context.Background(), "100", "default", "5678"); err != nil {
		t.Errorf("new secret rejected: %v", err)
	}
	if _, err := r.Authenticate(context.Background(), "100", "default", "1234"); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("old secret still accepted: %v", err)
	}
	if err := r.ChangePassword(context.Background(), "100", "default", ""); err == nil {
		t.Error("empty secret accepted")
	}
}

func TestRegistryChangePasswordRealtime(t *testing.T) {
	rt := &fakeRealtime{boxes: map[string]*Mailbox{
		"300@default": {ID: "300", Context: "default", Password: "1111"},
	}}
	static := &passwordLog{}
	dynamic := &passwordLog{}
	r := NewRegistry(discardLogger())
	r.SetPasswordWriter(static)
	r.SetRealtime(rt, dynamic)

	if err := r.ChangePassword(context.Background(), "300", "default", "2468"); err != nil {
		t.Fatalf("ChangePassword() error: %v", err)
	}
	if _, ok := dynamic.writes["300@default"]; !ok {
		t.Error("realtime password not written through the realtime writer")
	}
	if len(static.writes) != 0 {
		t.Errorf("static writer used for realtime mailbox: %v", static.writes)
	}
	if len(r.Mailboxes()) != 0 {
		t.Error("realtime mailbox cached after password change")
	}

	dynamic.err = errors.New("read-only")
	if err := r.ChangePassword(context.Background(), "300", "default", "1357"); err == nil {
		t.Error("writer failure not reported")
	}
}
