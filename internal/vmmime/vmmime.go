// Package vmmime renders voice messages as MIME mail and reads them back.
// Message metadata travels in X-Asterisk-VM-* headers so a message appended
// to an IMAP folder can be restored without a sidecar file.
package vmmime

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/flowpbx/vmstore/internal/voicemail"
)

// Metadata headers.
const (
	HeaderMessageNum   = "X-Asterisk-VM-Message-Num"
	HeaderServerName   = "X-Asterisk-VM-Server-Name"
	HeaderOrigMailbox  = "X-Asterisk-VM-Orig-Mailbox"
	HeaderContext      = "X-Asterisk-VM-Context"
	HeaderMacroContext = "X-Asterisk-VM-Macro-Context"
	HeaderExtension    = "X-Asterisk-VM-Extension"
	HeaderPriority     = "X-Asterisk-VM-Priority"
	HeaderCallerChan   = "X-Asterisk-VM-Caller-channel"
	HeaderCallerID     = "X-Asterisk-VM-Caller-ID"
	HeaderDuration     = "X-Asterisk-VM-Duration"
	HeaderCategory     = "X-Asterisk-VM-Category"
	HeaderOrigTime     = "X-Asterisk-VM-Orig-time"
	HeaderOrigDate     = "X-Asterisk-VM-Orig-date"
)

// ErrNoAudio is returned by Parse when a message carries no audio part.
var ErrNoAudio = errors.New("vmmime: message has no audio attachment")

// Attachment is one audio file attached to a message.
type Attachment struct {
	Format string
	Path   string
}

// Compose describes a message to render.
type Compose struct {
	From    *mail.Address
	To      []*mail.Address
	Subject string
	// Body is the text/plain part. It may be empty when the message only
	// carries audio.
	Body string
	Date time.Time

	Index  int
	Server string
	Meta   voicemail.Metadata

	Attachments []Attachment
}

// AttachmentsOf lists the audio files of msg, primary format first.
func AttachmentsOf(msg *voicemail.Message) []Attachment {
	out := make([]Attachment, 0, len(msg.Files))
	for _, f := range msg.Formats() {
		out = append(out, Attachment{Format: f, Path: msg.Files[f]})
	}
	return out
}

// ContentType returns the MIME type used for an audio format.
func ContentType(format string) string {
	switch strings.ToLower(format) {
	case "wav", "wav49":
		return "audio/x-wav"
	case "gsm":
		return "audio/x-gsm"
	case "ulaw", "alaw":
		return "audio/basic"
	}
	if t := mime.TypeByExtension("." + format); t != "" {
		return t
	}
	return "application/octet-stream"
}

func metaHeaders(h *message.Header, c *Compose) {
	m := c.Meta
	h.Set(HeaderMessageNum, strconv.Itoa(c.Index+1))
	if c.Server != "" {
		h.Set(HeaderServerName, c.Server)
	}
	h.Set(HeaderOrigMailbox, m.OrigMailbox)
	h.Set(HeaderContext, m.Context)
	h.Set(HeaderMacroContext, m.MacroContext)
	h.Set(HeaderExtension, m.Exten)
	h.Set(HeaderPriority, strconv.Itoa(m.Priority))
	h.Set(HeaderCallerChan, m.CallerChan)
	h.Set(HeaderCallerID, mime.QEncoding.Encode("utf-8", m.CallerID))
	h.Set(HeaderDuration, strconv.Itoa(m.Duration))
	if m.Category != "" {
		h.Set(HeaderCategory, m.Category)
	}
	if !m.OrigTime.IsZero() {
		h.Set(HeaderOrigTime, strconv.FormatInt(m.OrigTime.Unix(), 10))
		h.Set(HeaderOrigDate, m.OrigTime.UTC().Format(voicemail.OrigDateLayout))
	}
}

// Write renders c as a multipart/mixed message.
func Write(w io.Writer, c *Compose) error {
	var h mail.Header
	date := c.Date
	if date.IsZero() {
		date = time.Now()
	}
	h.SetDate(date)
	if c.From != nil {
		h.SetAddressList("From", []*mail.Address{c.From})
	}
	if len(c.To) > 0 {
		h.SetAddressList("To", c.To)
	}
	h.SetSubject(c.Subject)
	h.SetMessageID(uuid.NewString() + "@vmstore")
	h.Set("MIME-Version", "1.0")
	h.SetContentType("multipart/mixed", nil)
	metaHeaders(&h.Header, c)

	mw, err := message.CreateWriter(w, h.Header)
	if err != nil {
		return fmt.Errorf("creating message writer: %w", err)
	}

	if c.Body != "" {
		var th message.Header
		th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		th.Set("Content-Transfer-Encoding", "quoted-printable")
		pw, err := mw.CreatePart(th)
		if err != nil {
			return fmt.Errorf("creating text part: %w", err)
		}
		if _, err := io.WriteString(pw, c.Body); err != nil {
			return fmt.Errorf("writing text part: %w", err)
		}
		if err := pw.Close(); err != nil {
			return fmt.Errorf("closing text part: %w", err)
		}
	}

	for _, a := range c.Attachments {
		if err := writeAttachment(mw, c.Index, a); err != nil {
			return err
		}
	}
	return mw.Close()
}

func writeAttachment(mw *message.Writer, index int, a Attachment) error {
	f, err := os.Open(a.Path)
	if err != nil {
		return fmt.Errorf("opening %s attachment: %w", a.Format, err)
	}
	defer f.Close()

	name := voicemail.MessageBase(index) + "." + a.Format
	var ah message.Header
	ah.SetContentType(ContentType(a.Format), map[string]string{"name": name})
	ah.SetContentDisposition("attachment", map[string]string{"filename": name})
	ah.Set("Content-Transfer-Encoding", "base64")
	ah.Set("Content-Description", "Voicemail sound attachment.")

	pw, err := mw.CreatePart(ah)
	if err != nil {
		return fmt.Errorf("creating %s part: %w", a.Format, err)
	}
	if _, err := io.Copy(pw, f); err != nil {
		return fmt.Errorf("writing %s part: %w", a.Format, err)
	}
	return pw.Close()
}

// Audio is an audio part extracted from a message.
type Audio struct {
	Format string
	Data   []byte
}

// Parsed is a message read back by Parse.
type Parsed struct {
	Index int // -1 when the header is absent
	Meta  voicemail.Metadata
	Audio []Audio
}

// Parse reads a message rendered by Write, or any message that carries the
// same headers and an audio attachment.
func Parse(r io.Reader) (*Parsed, error) {
	e, err := message.Read(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("reading message: %w", err)
	}

	p := &Parsed{Index: -1, Meta: parseMeta(e.Header)}
	if v := e.Header.Get(HeaderMessageNum); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			p.Index = n - 1
		}
	}

	err = e.Walk(func(_ []int, part *message.Entity, err error) error {
		if err != nil {
			return err
		}
		if part.MultipartReader() != nil {
			return nil
		}
		format, ok := audioFormat(part.Header)
		if !ok {
			return nil
		}
		data, err := io.ReadAll(part.Body)
		if err != nil {
			return fmt.Errorf("reading %s part: %w", format, err)
		}
		p.Audio = append(p.Audio, Audio{Format: format, Data: data})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking message parts: %w", err)
	}
	if len(p.Audio) == 0 {
		return p, ErrNoAudio
	}
	return p, nil
}

func parseMeta(h message.Header) voicemail.Metadata {
	m := voicemail.Metadata{
		OrigMailbox:  h.Get(HeaderOrigMailbox),
		Context:      h.Get(HeaderContext),
		MacroContext: h.Get(HeaderMacroContext),
		Exten:        h.Get(HeaderExtension),
		CallerChan:   h.Get(HeaderCallerChan),
		Category:     h.Get(HeaderCategory),
	}
	m.CallerID = h.Get(HeaderCallerID)
	if dec, err := new(mime.WordDecoder).DecodeHeader(m.CallerID); err == nil {
		m.CallerID = dec
	}
	m.Priority, _ = strconv.Atoi(h.Get(HeaderPriority))
	m.Duration, _ = strconv.Atoi(h.Get(HeaderDuration))
	if v, err := strconv.ParseInt(h.Get(HeaderOrigTime), 10, 64); err == nil && v > 0 {
		m.OrigTime = time.Unix(v, 0)
	}
	return m
}

// audioFormat derives the stored format of an audio part from its file
// name, falling back to the content type.
func audioFormat(h message.Header) (string, bool) {
	_, params, _ := h.ContentDisposition()
	name := params["filename"]
	ct, ctParams, _ := h.ContentType()
	if name == "" {
		name = ctParams["name"]
	}
	if ext := strings.TrimPrefix(filepath.Ext(name), "."); ext != "" && strings.HasPrefix(name, "msg") {
		return strings.ToLower(ext), true
	}
	switch ct {
	case "audio/x-wav", "audio/wav", "audio/wave":
		return "wav", true
	case "audio/x-gsm":
		return "gsm", true
	}
	if strings.HasPrefix(ct, "audio/") {
		return strings.TrimPrefix(ct, "audio/"), true
	}
	return "", false
}

// Encode renders c into memory.
func Encode(c *Compose) ([]byte, error) {
	var buf bytes.Buffer
	if err := Write(&buf, c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
