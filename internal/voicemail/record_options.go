package voicemail

import (
	"fmt"
	"strings"
)

// RecordOptions is the option bitset accepted by the leave flow.
type RecordOptions uint8

const (
	// OptAppend appends to an existing recording instead of replacing it.
	OptAppend RecordOptions = 1 << iota
	// OptNoAnswer records without answering the channel first.
	OptNoAnswer
	// OptQuiet suppresses the beep before recording.
	OptQuiet
	// OptSkipUnanswered returns immediately when the channel is not answered.
	OptSkipUnanswered
	// OptStarTerminator ends the recording on '*' instead of '#'.
	OptStarTerminator
	// OptNoTerminator ignores all terminator digits.
	OptNoTerminator
)

var optionLetters = []struct {
	letter byte
	opt    RecordOptions
}{
	{'a', OptAppend},
	{'n', OptNoAnswer},
	{'q', OptQuiet},
	{'s', OptSkipUnanswered},
	{'t', OptStarTerminator},
	{'x', OptNoTerminator},
}

// ParseRecordOptions parses an option string such as "qs". Letters are
// case-insensitive; unknown letters are an error.
func ParseRecordOptions(s string) (RecordOptions, error) {
	var opts RecordOptions
	for i := 0; i < len(s); i++ {
		c := s[i] | 0x20
		found := false
		for _, ol := range optionLetters {
			if ol.letter == c {
				opts |= ol.opt
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown record option %q", s[i])
		}
	}
	return opts, nil
}

// Has reports whether every option in o2 is set.
func (o RecordOptions) Has(o2 RecordOptions) bool { return o&o2 == o2 }

func (o RecordOptions) String() string {
	var b strings.Builder
	for _, ol := range optionLetters {
		if o.Has(ol.opt) {
			b.WriteByte(ol.letter)
		}
	}
	return b.String()
}

// Terminator returns the digit that ends a recording, or 0 when none does.
func (o RecordOptions) Terminator() rune {
	switch {
	case o.Has(OptNoTerminator):
		return 0
	case o.Has(OptStarTerminator):
		return '*'
	default:
		return '#'
	}
}
