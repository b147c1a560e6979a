package api

import (
	"regexp"
	"unicode/utf8"
)

// maxShortStringLen is the maximum length for mailbox and context names.
const maxShortStringLen = 80

// maxCallerIDLen is the maximum length of a caller id.
const maxCallerIDLen = 200

// maxRecipients caps the mailboxes one forward request may name.
const maxRecipients = 50

// pinRe validates mailbox passwords: digits only, 4-20 chars, so they can
// be entered on a keypad.
var pinRe = regexp.MustCompile(`^\d{4,20}$`)

// mailboxKeyRe validates "mailbox[@context]" recipient specifications.
var mailboxKeyRe = regexp.MustCompile(`^[A-Za-z0-9_.\-]+(@[A-Za-z0-9_.\-]+)?$`)

// validatePIN returns an error message if value is not a valid password,
// empty string if OK.
func validatePIN(field, value string) string {
	if !pinRe.MatchString(value) {
		return field + " must be 4 to 20 digits"
	}
	return ""
}

func validateMailboxKey(field, value string) string {
	if utf8.RuneCountInString(value) > 2*maxShortStringLen+1 || !mailboxKeyRe.MatchString(value) {
		return field + " must be mailbox or mailbox@context"
	}
	return ""
}

// validateText checks length and rejects control characters, which would
// corrupt metadata sidecars and mail headers.
func validateText(field, value string, maxLen int) string {
	if utf8.RuneCountInString(value) > maxLen {
		return field + " exceeds maximum length"
	}
	for _, r := range value {
		if r < 0x20 || r == 0x7f {
			return field + " contains control characters"
		}
	}
	return ""
}
