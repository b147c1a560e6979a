package vmconf

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/flowpbx/vmstore/internal/voicemail"
)

// FileWriter persists mailbox password changes by rewriting the mailbox
// line of voicemail.conf in place. Everything else in the file, including
// comments, is preserved.
type FileWriter struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewFileWriter creates a FileWriter for the config at path.
func NewFileWriter(path string, logger *slog.Logger) *FileWriter {
	return &FileWriter{path: path, logger: logger.With("subsystem", "vmconf")}
}

// WritePassword implements voicemail.PasswordWriter.
func (w *FileWriter) WritePassword(_ context.Context, box *voicemail.Mailbox, secret string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("reading voicemail config: %w", err)
	}
	out, ok := RewritePassword(data, box.Context, box.ID, secret)
	if !ok {
		return fmt.Errorf("mailbox %s not found in %s", box.Key(), w.path)
	}

	st, err := os.Stat(w.path)
	if err != nil {
		return fmt.Errorf("reading voicemail config mode: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(w.path), ".voicemail.conf-*")
	if err != nil {
		return fmt.Errorf("creating temporary config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temporary config: %w", err)
	}
	if err := tmp.Chmod(st.Mode().Perm()); err != nil {
		tmp.Close()
		return fmt.Errorf("setting config mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temporary config: %w", err)
	}
	if err := os.Rename(tmp.Name(), w.path); err != nil {
		return fmt.Errorf("replacing voicemail config: %w", err)
	}

	w.logger.Info("mailbox password written to config", "mailbox", box.Key(), "path", w.path)
	return nil
}

// RewritePassword replaces the password field of mailbox id in section
// vmContext. It reports false when no such mailbox line exists.
func RewritePassword(data []byte, vmContext, id, secret string) ([]byte, bool) {
	if vmContext == "" {
		vmContext = voicemail.DefaultContext
	}
	lines := bytes.SplitAfter(data, []byte("\n"))
	section := ""
	found := false

	for i, raw := range lines {
		line := string(raw)
		body := stripComment(line)
		if body == "" {
			continue
		}
		if strings.HasPrefix(body, "[") {
			if end := strings.Index(body, "]"); end > 0 {
				section = strings.TrimSpace(body[1:end])
			}
			continue
		}
		if !strings.EqualFold(section, vmContext) {
			continue
		}
		key, _, ok := splitAssignment(body)
		if !ok || key != id {
			continue
		}

		start := valueStart(line)
		if start < 0 {
			continue
		}
		value := line[start:]
		lead := len(value) - len(strings.TrimLeft(value, " \t"))
		value = value[lead:]

		field := value
		if j := strings.IndexAny(field, ";\r\n"); j >= 0 {
			field = field[:j]
		}
		end := hashEnd(field)
		if end == 0 {
			end = strings.IndexByte(field, ',')
			if end < 0 {
				end = len(field)
			}
		}
		end = len(strings.TrimRight(field[:end], " \t"))
		lines[i] = []byte(line[:start+lead] + secret + value[end:])
		found = true
		break
	}
	return bytes.Join(lines, nil), found
}

// valueStart returns the offset just past the "=>" or "=" operator.
func valueStart(line string) int {
	if i := strings.Index(line, "=>"); i >= 0 {
		return i + 2
	}
	if i := strings.Index(line, "="); i >= 0 {
		return i + 1
	}
	return -1
}
