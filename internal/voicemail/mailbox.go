package voicemail

import (
	"fmt"
	"strings"
)

// Limits applied when neither the [general] section nor the mailbox line
// overrides them.
const (
	DefaultMaxMsg  = 100
	MaxMsgLimit    = 9999
	DefaultContext = "default"
	DefaultFormat  = "wav"
	DefaultMaxSecs = 0 // unlimited
	DefaultMinSecs = 0
)

// Flags is the per-mailbox feature bitset.
type Flags uint32

const (
	// FlagAttach attaches the audio to notification email.
	FlagAttach Flags = 1 << iota
	// FlagDelete removes the message from the Inbox once email was sent.
	FlagDelete
	// FlagOperator lets the caller escape to the operator during the greeting.
	FlagOperator
	// FlagEnvelope plays the message envelope before the message.
	FlagEnvelope
	// FlagReview lets the caller review a recording before it is committed.
	FlagReview
	// FlagSayCID announces the caller id on playback.
	FlagSayCID
	// FlagSayDuration announces the message duration on playback.
	FlagSayDuration
	// FlagMoveHeard moves heard Inbox messages to Old when the session closes.
	FlagMoveHeard
	// FlagTempGreetWarn warns the owner that a temporary greeting is active.
	FlagTempGreetWarn
)

// Has reports whether every bit in f2 is set.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

// Set turns the flag on or off.
func (f *Flags) Set(f2 Flags, on bool) {
	if on {
		*f |= f2
	} else {
		*f &^= f2
	}
}

// Mailbox is a (mailbox-id, context) addressable inbox with its limits.
type Mailbox struct {
	ID         string
	Context    string
	Password   string // plaintext from legacy config or an argon2id hash
	FullName   string
	Email      string
	Pager      string
	Extension  string // MWI target; defaults to ID
	Language   string
	TZ         string
	Formats    []string
	MaxMsg     int
	MaxDeleted int
	MaxSecs    int
	MinSecs    int
	VolGain    float64
	Flags      Flags
	Realtime   bool // loaded from the realtime store and never cached
}

// Key returns the "mailbox@context" form used to index mailboxes.
func (m *Mailbox) Key() string {
	return MailboxKey(m.ID, m.Context)
}

// MWIExtension returns the extension that receives waiting indicators.
func (m *Mailbox) MWIExtension() string {
	if m.Extension != "" {
		return m.Extension
	}
	return m.ID
}

// PrimaryFormat returns the first configured audio format.
func (m *Mailbox) PrimaryFormat() string {
	if len(m.Formats) > 0 {
		return m.Formats[0]
	}
	return DefaultFormat
}

// Clone returns a deep copy.
func (m *Mailbox) Clone() *Mailbox {
	c := *m
	c.Formats = append([]string(nil), m.Formats...)
	return &c
}

// MailboxKey formats a mailbox identifier, defaulting the context.
func MailboxKey(id, context string) string {
	if context == "" {
		context = DefaultContext
	}
	return id + "@" + context
}

// ParseMailboxKey splits "mailbox@context"; a missing context is "default".
func ParseMailboxKey(s string) (id, context string, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", "", fmt.Errorf("empty mailbox specification")
	}
	id, context, _ = strings.Cut(s, "@")
	if id == "" {
		return "", "", fmt.Errorf("mailbox specification %q has no mailbox", s)
	}
	if context == "" {
		context = DefaultContext
	}
	return id, context, nil
}
