package voicemail

import (
	"strings"
	"testing"
	"time"
)

func TestMetadataEncodeParse(t *testing.T) {
	orig := Metadata{
		OrigMailbox:  "100",
		Context:      "default",
		MacroContext: "macro-vm",
		Exten:        "100",
		Priority:     2,
		CallerChan:   "SIP/alice-0001",
		CallerID:     "\"Alice\" <2001>",
		OrigTime:     time.Unix(1700000000, 0),
		Category:     "sales",
		Duration:     42,
	}
	encoded := string(orig.Encode())

	if !strings.Contains(encoded, "[message]\n") {
		t.Errorf("missing section header:\n%s", encoded)
	}
	if !strings.Contains(encoded, "origtime=1700000000\n") {
		t.Errorf("missing origtime:\n%s", encoded)
	}
	if !strings.Contains(encoded, "origdate=") {
		t.Errorf("missing origdate:\n%s", encoded)
	}

	got, err := ParseMetadata(strings.NewReader(encoded))
	if err != nil {
		t.Fatalf("ParseMetadata() error: %v", err)
	}
	if !got.OrigTime.Equal(orig.OrigTime) {
		t.Errorf("origtime = %v, want %v", got.OrigTime, orig.OrigTime)
	}
	got.OrigTime = orig.OrigTime
	if got != orig {
		t.Errorf("parsed = %+v, want %+v", got, orig)
	}
}

func TestMetadataKeyOrder(t *testing.T) {
	fields := Metadata{}.Fields()
	var keys []string
	for _, kv := range fields {
		keys = append(keys, kv[0])
	}
	want := "origmailbox,context,macrocontext,exten,priority,callerchan,callerid,origdate,origtime,category,duration"
	if got := strings.Join(keys, ","); got != want {
		t.Errorf("keys = %s, want %s", got, want)
	}
}

func TestMetadataSanitizesLineBreaks(t *testing.T) {
	m := Metadata{CallerID: "evil\nduration=999"}
	got, err := ParseMetadata(strings.NewReader(string(m.Encode())))
	if err != nil {
		t.Fatal(err)
	}
	if got.Duration != 0 {
		t.Errorf("duration = %d, injected through callerid", got.Duration)
	}
	if got.CallerID != "evil duration=999" {
		t.Errorf("callerid = %q", got.CallerID)
	}
}

func TestParseMetadataIgnoresUnknownKeys(t *testing.T) {
	in := ";\n; comment\n[message]\nflag=Urgent\nduration = 7\nmsg_id=abc\n"
	got, err := ParseMetadata(strings.NewReader(in))
	if err != nil {
		t.Fatal(err)
	}
	if got.Duration != 7 {
		t.Errorf("duration = %d, want 7", got.Duration)
	}
}

func TestParseMetadataRejectsBadNumbers(t *testing.T) {
	if _, err := ParseMetadata(strings.NewReader("duration=abc\n")); err == nil {
		t.Error("bad duration accepted")
	}
}
