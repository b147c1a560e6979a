// Package vmconf reads and updates the voicemail.conf mailbox
// configuration: a [general] section with global defaults and one section
// per context holding "mailbox => password,fullname,email,pager,options"
// lines.
package vmconf

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/flowpbx/vmstore/internal/voicemail"
)

// Sections that never hold mailboxes.
const (
	sectionGeneral      = "general"
	sectionZoneMessages = "zonemessages"
)

// General holds the [general] settings. Mailbox limits and flags become
// the defaults of every mailbox.
type General struct {
	Formats      []string
	MaxMsg       int
	MaxDeleted   int
	MaxSecs      int
	MinSecs      int
	VolGain      float64
	Flags        voicemail.Flags
	ServerEmail  string
	FromString   string
	PagerFrom    string
	ExternNotify string
	PollMailbox  bool
	PollFreq     int
	// Extra keeps settings the store does not interpret, lower-cased.
	Extra map[string]string
}

// DefaultGeneral returns the settings used when [general] is absent.
func DefaultGeneral() General {
	return General{
		Formats:  []string{voicemail.DefaultFormat},
		MaxMsg:   voicemail.DefaultMaxMsg,
		MaxSecs:  voicemail.DefaultMaxSecs,
		MinSecs:  voicemail.DefaultMinSecs,
		PollFreq: 30,
		Extra:    make(map[string]string),
	}
}

// Config is a parsed voicemail.conf.
type Config struct {
	General   General
	Mailboxes []*voicemail.Mailbox
}

// Loader parses voicemail.conf content. Invalid numeric values are clamped
// with a warning instead of failing the load.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a Loader.
func NewLoader(logger *slog.Logger) *Loader {
	return &Loader{logger: logger.With("subsystem", "vmconf")}
}

// LoadFile parses the file at path.
func (l *Loader) LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening voicemail config: %w", err)
	}
	defer f.Close()

	cfg, err := l.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	l.logger.Info("voicemail config loaded", "path", path, "mailboxes", len(cfg.Mailboxes))
	return cfg, nil
}

type mailboxLine struct {
	context string
	id      string
	value   string
	line    int
}

// Parse reads a voicemail.conf document. The [general] section is applied
// before any mailbox regardless of where it appears.
func (l *Loader) Parse(r io.Reader) (*Config, error) {
	cfg := &Config{General: DefaultGeneral()}
	var lines []mailboxLine

	section := ""
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := stripComment(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "[") {
			end := strings.Index(line, "]")
			if end < 0 {
				return nil, fmt.Errorf("line %d: unterminated section header", lineNo)
			}
			section = strings.TrimSpace(line[1:end])
			continue
		}

		key, value, ok := splitAssignment(line)
		if !ok {
			l.logger.Warn("ignoring malformed voicemail config line", "line", lineNo)
			continue
		}
		switch strings.ToLower(section) {
		case "":
			l.logger.Warn("ignoring setting outside any section", "line", lineNo, "key", key)
		case sectionGeneral:
			l.applyGeneral(&cfg.General, key, value)
		case sectionZoneMessages:
			cfg.General.Extra["zonemessages."+strings.ToLower(key)] = value
		default:
			lines = append(lines, mailboxLine{context: section, id: key, value: value, line: lineNo})
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading voicemail config: %w", err)
	}

	for _, ml := range lines {
		password, fullname, email, pager, options := splitMailboxValue(ml.value)
		box := l.Mailbox(cfg.General, ml.id, ml.context, password, fullname, email, pager, options)
		cfg.Mailboxes = append(cfg.Mailboxes, box)
	}
	return cfg, nil
}

// Mailbox builds a mailbox from its fields, starting from the general
// defaults and applying the "key=value|key=value" options string.
func (l *Loader) Mailbox(g General, id, vmContext, password, fullname, email, pager, options string) *voicemail.Mailbox {
	if vmContext == "" {
		vmContext = voicemail.DefaultContext
	}
	box := &voicemail.Mailbox{
		ID:         id,
		Context:    vmContext,
		Password:   password,
		FullName:   fullname,
		Email:      email,
		Pager:      pager,
		Formats:    append([]string(nil), g.Formats...),
		MaxMsg:     g.MaxMsg,
		MaxDeleted: g.MaxDeleted,
		MaxSecs:    g.MaxSecs,
		MinSecs:    g.MinSecs,
		VolGain:    g.VolGain,
		Flags:      g.Flags,
	}
	l.ApplyOptions(box, options)
	return box
}

// ApplyOptions applies a "key=value|key=value" options string to box.
// Commas are accepted as separators as well.
func (l *Loader) ApplyOptions(box *voicemail.Mailbox, options string) {
	for _, opt := range strings.FieldsFunc(options, func(r rune) bool { return r == '|' || r == ',' }) {
		key, value, ok := strings.Cut(opt, "=")
		if !ok {
			l.logger.Warn("ignoring mailbox option without value", "mailbox", box.Key(), "option", opt)
			continue
		}
		l.applyMailboxOption(box, strings.ToLower(strings.TrimSpace(key)), strings.TrimSpace(value))
	}
	l.checkLimits(box)
}

func (l *Loader) applyGeneral(g *General, key, value string) {
	k := strings.ToLower(key)
	switch k {
	case "format":
		var formats []string
		for _, f := range strings.Split(value, "|") {
			if f = strings.TrimSpace(f); f != "" {
				formats = append(formats, f)
			}
		}
		if len(formats) > 0 {
			g.Formats = formats
		}
	case "maxmsg":
		g.MaxMsg = l.clampInt(k, value, 1, voicemail.MaxMsgLimit, voicemail.DefaultMaxMsg)
	case "maxdeletedmsg":
		g.MaxDeleted = l.parseMaxDeleted(k, value)
	case "maxsecs", "maxmessage":
		g.MaxSecs = l.clampInt(k, value, 0, 1<<30, voicemail.DefaultMaxSecs)
	case "minsecs", "minmessage":
		g.MinSecs = l.clampInt(k, value, 0, 1<<30, voicemail.DefaultMinSecs)
	case "volgain":
		g.VolGain = l.parseFloat(k, value)
	case "serveremail":
		g.ServerEmail = value
	case "fromstring":
		g.FromString = value
	case "pagerfromstring":
		g.PagerFrom = value
	case "externnotify":
		g.ExternNotify = value
	case "pollmailboxes":
		g.PollMailbox = isTrue(value)
	case "pollfreq":
		g.PollFreq = l.clampInt(k, value, 1, 86400, 30)
	default:
		if flag, ok := flagOptions[k]; ok {
			g.Flags.Set(flag, isTrue(value))
			return
		}
		g.Extra[k] = value
	}
}

// flagOptions maps option names onto mailbox flags. They are accepted both
// in [general] and in mailbox option strings.
var flagOptions = map[string]voicemail.Flags{
	"attach":        voicemail.FlagAttach,
	"delete":        voicemail.FlagDelete,
	"operator":      voicemail.FlagOperator,
	"envelope":      voicemail.FlagEnvelope,
	"review":        voicemail.FlagReview,
	"saycid":        voicemail.FlagSayCID,
	"sayduration":   voicemail.FlagSayDuration,
	"moveheard":     voicemail.FlagMoveHeard,
	"tempgreetwarn": voicemail.FlagTempGreetWarn,
}

func (l *Loader) applyMailboxOption(box *voicemail.Mailbox, key, value string) {
	if flag, ok := flagOptions[key]; ok {
		box.Flags.Set(flag, isTrue(value))
		return
	}
	switch key {
	case "maxmsg":
		box.MaxMsg = l.clampInt(box.Key()+" maxmsg", value, 1, voicemail.MaxMsgLimit, box.MaxMsg)
	case "maxdeletedmsg":
		box.MaxDeleted = l.parseMaxDeleted(box.Key()+" maxdeletedmsg", value)
	case "maxsecs", "maxmessage":
		box.MaxSecs = l.clampInt(box.Key()+" maxsecs", value, 0, 1<<30, box.MaxSecs)
	case "minsecs", "minmessage":
		box.MinSecs = l.clampInt(box.Key()+" minsecs", value, 0, 1<<30, box.MinSecs)
	case "volgain":
		box.VolGain = l.parseFloat(box.Key()+" volgain", value)
	case "tz":
		box.TZ = value
	case "language":
		box.Language = value
	case "extension", "mwiextension":
		box.Extension = value
	case "format":
		box.Formats = strings.Split(value, "|")
	default:
		l.logger.Debug("ignoring unknown mailbox option", "mailbox", box.Key(), "option", key)
	}
}

// checkLimits reconciles limits that depend on each other.
func (l *Loader) checkLimits(box *voicemail.Mailbox) {
	if box.MaxSecs > 0 && box.MinSecs > box.MaxSecs {
		l.logger.Warn("minsecs exceeds maxsecs, clamping",
			"mailbox", box.Key(),
			"minsecs", box.MinSecs,
			"maxsecs", box.MaxSecs,
		)
		box.MinSecs = box.MaxSecs
	}
}

// parseMaxDeleted accepts a count or a boolean; "yes" retains up to the
// message limit.
func (l *Loader) parseMaxDeleted(key, value string) int {
	if _, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		return l.clampInt(key, value, 0, voicemail.MaxMsgLimit, 0)
	}
	switch {
	case isTrue(value):
		return voicemail.MaxMsgLimit
	case isFalse(value):
		return 0
	}
	l.logger.Warn("invalid maxdeletedmsg, disabling retention", "key", key, "value", value)
	return 0
}

// clampInt parses value and clamps it to [min, max]. Unparseable values
// fall back to def. Both cases log a warning.
func (l *Loader) clampInt(key, value string, min, max, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		l.logger.Warn("invalid numeric setting, using default", "key", key, "value", value, "default", def)
		return def
	}
	if n < min {
		l.logger.Warn("setting below minimum, clamping", "key", key, "value", n, "min", min)
		return min
	}
	if n > max {
		l.logger.Warn("setting above maximum, clamping", "key", key, "value", n, "max", max)
		return max
	}
	return n
}

func (l *Loader) parseFloat(key, value string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		l.logger.Warn("invalid numeric setting, using 0", "key", key, "value", value)
		return 0
	}
	return f
}

// splitAssignment splits "key => value" or "key = value".
func splitAssignment(line string) (key, value string, ok bool) {
	if k, v, found := strings.Cut(line, "=>"); found {
		key, value = k, v
	} else if k, v, found := strings.Cut(line, "="); found {
		key, value = k, v
	} else {
		return "", "", false
	}
	key = strings.TrimSpace(key)
	return key, strings.TrimSpace(value), key != ""
}

// splitMailboxValue splits "password,fullname,email,pager,options". The
// options field may itself contain commas.
func splitMailboxValue(v string) (password, fullname, email, pager, options string) {
	if end := hashEnd(v); end > 0 {
		password = v[:end]
		rest := strings.TrimPrefix(v[end:], ",")
		_, fullname, email, pager, options = splitMailboxValue("," + rest)
		return password, fullname, email, pager, options
	}
	parts := strings.SplitN(v, ",", 5)
	for len(parts) < 5 {
		parts = append(parts, "")
	}
	for i := range parts[:4] {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts[0], parts[1], parts[2], parts[3], strings.TrimSpace(parts[4])
}

// hashEnd returns the length of a leading argon2id encoded secret, whose
// parameter list contains commas, or 0.
func hashEnd(v string) int {
	if !voicemail.IsPasswordHash(v) {
		return 0
	}
	dollars := 0
	for i := 0; i < len(v); i++ {
		switch v[i] {
		case '$':
			dollars++
		case ',':
			if dollars >= 5 {
				return i
			}
		}
	}
	return len(v)
}

func stripComment(line string) string {
	if i := strings.Index(line, ";"); i >= 0 {
		line = line[:i]
	}
	return strings.TrimSpace(line)
}

func isTrue(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "yes", "true", "y", "t", "1", "on":
		return true
	}
	return false
}

func isFalse(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "no", "false", "n", "f", "0", "off":
		return true
	}
	return false
}
