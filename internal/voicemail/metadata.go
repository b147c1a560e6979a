package voicemail

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// OrigDateLayout is the human readable origination date written next to the
// unix origtime.
const OrigDateLayout = "Mon Jan _2 03:04:05 PM MST 2006"

// Metadata is the envelope of a voice message. It is persisted alongside the
// audio payload by every backend.
type Metadata struct {
	OrigMailbox  string
	Context      string
	MacroContext string
	Exten        string
	Priority     int
	CallerChan   string
	CallerID     string
	OrigTime     time.Time
	Category     string
	Duration     int // seconds
}

// metadataKeys lists the sidecar keys in the order they are written.
var metadataKeys = []string{
	"origmailbox", "context", "macrocontext", "exten", "priority",
	"callerchan", "callerid", "origdate", "origtime", "category", "duration",
}

// Fields returns the metadata as ordered key/value pairs using the sidecar
// key names.
func (m Metadata) Fields() [][2]string {
	origTime := ""
	origDate := ""
	if !m.OrigTime.IsZero() {
		origTime = strconv.FormatInt(m.OrigTime.Unix(), 10)
		origDate = m.OrigTime.Format(OrigDateLayout)
	}
	vals := map[string]string{
		"origmailbox":  m.OrigMailbox,
		"context":      m.Context,
		"macrocontext": m.MacroContext,
		"exten":        m.Exten,
		"priority":     strconv.Itoa(m.Priority),
		"callerchan":   m.CallerChan,
		"callerid":     m.CallerID,
		"origdate":     origDate,
		"origtime":     origTime,
		"category":     m.Category,
		"duration":     strconv.Itoa(m.Duration),
	}
	out := make([][2]string, 0, len(metadataKeys))
	for _, k := range metadataKeys {
		out = append(out, [2]string{k, vals[k]})
	}
	return out
}

// Set assigns a single sidecar key. Unknown keys and origdate (derived from
// origtime) are ignored.
func (m *Metadata) Set(key, value string) error {
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "origmailbox":
		m.OrigMailbox = value
	case "context":
		m.Context = value
	case "macrocontext":
		m.MacroContext = value
	case "exten":
		m.Exten = value
	case "priority":
		n, err := atoiOrZero(value)
		if err != nil {
			return fmt.Errorf("parsing priority %q: %w", value, err)
		}
		m.Priority = n
	case "callerchan":
		m.CallerChan = value
	case "callerid":
		m.CallerID = value
	case "origtime":
		n, err := atoiOrZero(value)
		if err != nil {
			return fmt.Errorf("parsing origtime %q: %w", value, err)
		}
		if n > 0 {
			m.OrigTime = time.Unix(int64(n), 0)
		}
	case "category":
		m.Category = value
	case "duration":
		n, err := atoiOrZero(value)
		if err != nil {
			return fmt.Errorf("parsing duration %q: %w", value, err)
		}
		m.Duration = n
	}
	return nil
}

// WriteTo encodes the metadata in the "[message]" key=value sidecar format.
func (m Metadata) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	buf.WriteString(";\n; Message Information file\n;\n[message]\n")
	for _, kv := range m.Fields() {
		fmt.Fprintf(&buf, "%s=%s\n", kv[0], sanitizeValue(kv[1]))
	}
	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

// Encode returns the sidecar encoding of m.
func (m Metadata) Encode() []byte {
	var buf bytes.Buffer
	m.WriteTo(&buf) //nolint:errcheck // bytes.Buffer writes do not fail
	return buf.Bytes()
}

// ParseMetadata decodes a sidecar. Comment lines (";") and section headers
// are skipped.
func ParseMetadata(r io.Reader) (Metadata, error) {
	var m Metadata
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, ";") || strings.HasPrefix(line, "[") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if err := m.Set(key, strings.TrimSpace(value)); err != nil {
			return m, err
		}
	}
	if err := sc.Err(); err != nil {
		return m, fmt.Errorf("reading metadata: %w", err)
	}
	return m, nil
}

// sanitizeValue strips line breaks that would corrupt the key=value layout.
func sanitizeValue(v string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(v)
}

func atoiOrZero(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}
