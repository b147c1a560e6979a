package recording

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func touch(t *testing.T, path string, mod time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte("RIFF"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mod, mod); err != nil {
		t.Fatal(err)
	}
}

func TestSweep(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	stale := filepath.Join(dir, "vmupload-1.wav")
	fresh := filepath.Join(dir, "vmupload-2.wav")
	other := filepath.Join(dir, "msg0000.wav")
	touch(t, stale, now.Add(-2*time.Hour))
	touch(t, fresh, now.Add(-time.Minute))
	touch(t, other, now.Add(-48*time.Hour))

	removed, err := Sweep(dir, UploadPattern, time.Hour, now)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(removed) != 1 || removed[0] != stale {
		t.Fatalf("removed = %v, want [%s]", removed, stale)
	}
	for _, p := range []string{fresh, other} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("%s should survive: %v", p, err)
		}
	}
}

func TestSweepMissingDir(t *testing.T) {
	removed, err := Sweep(filepath.Join(t.TempDir(), "absent"), UploadPattern, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(removed) != 0 {
		t.Fatalf("removed = %v, want none", removed)
	}
}

func TestStartCleanupTicker(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "vmupload-1.wav")
	touch(t, stale, time.Now().Add(-time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	StartCleanupTicker(ctx, dir, time.Minute, 10*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(stale); os.IsNotExist(err) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("stale upload was not removed")
}
