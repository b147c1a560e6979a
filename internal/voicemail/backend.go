package voicemail

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Location addresses one folder of one mailbox.
type Location struct {
	Context string
	Mailbox string
	Folder  Folder
}

// LocationOf returns the location of folder f in mailbox m.
func LocationOf(m *Mailbox, f Folder) Location {
	return Location{Context: m.Context, Mailbox: m.ID, Folder: f}
}

// In returns the same mailbox with a different folder.
func (l Location) In(f Folder) Location {
	l.Folder = f
	return l
}

// Dir returns the spool directory of the location below root.
func (l Location) Dir(root string) string {
	return filepath.Join(root, l.Context, l.Mailbox, l.Folder.Name())
}

func (l Location) String() string {
	return l.Context + "/" + l.Mailbox + "/" + l.Folder.Name()
}

// MessageBase returns the zero-padded file stem of message n ("msg0007").
func MessageBase(n int) string {
	return fmt.Sprintf("msg%04d", n)
}

// Message is a voice message whose audio has been materialized locally.
type Message struct {
	Index int
	Meta  Metadata
	// Files maps an audio format to a local file path.
	Files map[string]string
}

// Formats returns the audio formats present, sorted.
func (m *Message) Formats() []string {
	out := make([]string, 0, len(m.Files))
	for f := range m.Files {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// AudioPath returns the local path of the given format, or "".
func (m *Message) AudioPath(format string) string {
	return m.Files[format]
}

// Unlocker releases an advisory folder lock.
type Unlocker func()

// Backend is the storage strategy behind message persistence. Message
// numbers are dense zero-based indices within a location for every
// implementation; backends with native identifiers translate internally.
//
// Rename and Copy replace an existing destination message.
type Backend interface {
	Name() string

	// Count returns the number of messages present in the location.
	Count(ctx context.Context, loc Location) (int, error)
	// LastIndex returns the highest message index present, or -1.
	LastIndex(ctx context.Context, loc Location) (int, error)
	Exists(ctx context.Context, loc Location, n int) (bool, error)

	// Retrieve materializes message n locally. It must be paired with
	// Dispose once the caller is done with the files.
	Retrieve(ctx context.Context, loc Location, n int) (*Message, error)
	Dispose(ctx context.Context, loc Location, n int) error

	// Store persists msg as message n of loc.
	Store(ctx context.Context, loc Location, n int, msg *Message) error
	Rename(ctx context.Context, src Location, sn int, dst Location, dn int) error
	Copy(ctx context.Context, src Location, sn int, dst Location, dn int) error
	Delete(ctx context.Context, loc Location, n int) error

	// Lock takes the advisory lock on loc, waiting at most timeout. It
	// returns ErrLockTimeout when the wait expires.
	Lock(ctx context.Context, loc Location, timeout time.Duration) (Unlocker, error)

	Close() error
}

// CheapCounter is implemented by backends whose Count does not scan
// storage, which enables the quota check before recording starts.
type CheapCounter interface {
	CheapCount() bool
}

// BackendConfig carries the settings a backend factory needs.
type BackendConfig struct {
	// Type is the registered backend name ("file", "sql", "imap").
	Type string
	// SpoolDir is the local root for materialized audio.
	SpoolDir string
	// Options contains backend specific settings.
	Options map[string]string
	Logger  *slog.Logger
}

// Option returns an option value or def when unset.
func (c BackendConfig) Option(key, def string) string {
	if v, ok := c.Options[key]; ok && v != "" {
		return v
	}
	return def
}

// BackendFactory creates a Backend from configuration.
type BackendFactory func(cfg BackendConfig) (Backend, error)

var (
	backendsMu sync.RWMutex
	backends   = make(map[string]BackendFactory)
)

// RegisterBackend adds a backend factory. It panics on an empty name, a nil
// factory or a duplicate registration.
func RegisterBackend(name string, factory BackendFactory) {
	if name == "" {
		panic("voicemail: RegisterBackend called with empty name")
	}
	if factory == nil {
		panic("voicemail: RegisterBackend called with nil factory")
	}

	backendsMu.Lock()
	defer backendsMu.Unlock()

	if _, exists := backends[name]; exists {
		panic("voicemail: RegisterBackend called twice for " + name)
	}
	backends[name] = factory
}

// OpenBackend creates the backend registered under cfg.Type.
func OpenBackend(cfg BackendConfig) (Backend, error) {
	backendsMu.RLock()
	factory, ok := backends[cfg.Type]
	backendsMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotRegistered, cfg.Type)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return factory(cfg)
}

// BackendTypes returns the registered backend names, sorted.
func BackendTypes() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()

	types := make([]string, 0, len(backends))
	for name := range backends {
		types = append(types, name)
	}
	sort.Strings(types)
	return types
}

type interactiveKey struct{}

// WithInteractive marks ctx as belonging to an interactive session.
// Backends holding per-user connections use it to tell interactive work
// from background polling.
func WithInteractive(ctx context.Context) context.Context {
	return context.WithValue(ctx, interactiveKey{}, true)
}

// IsInteractive reports whether ctx was marked by WithInteractive.
func IsInteractive(ctx context.Context) bool {
	v, _ := ctx.Value(interactiveKey{}).(bool)
	return v
}
