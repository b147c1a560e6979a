package imapstore

import "github.com/emersion/go-imap/v2"

// uidTable maps the dense message indices of one folder to server UIDs.
// The table is filled from an ordered UID search; slot 0 holds the oldest
// message. Empty slots hold 0, which is never a valid UID.
type uidTable struct {
	slots   []imap.UID
	pending []imap.UID // flagged \Deleted, expunged on unlock
	loaded  bool
	held    bool
}

func (t *uidTable) reset(uids []imap.UID) {
	t.slots = append(t.slots[:0], uids...)
	t.loaded = true
}

func (t *uidTable) count() int {
	n := 0
	for _, u := range t.slots {
		if u != 0 {
			n++
		}
	}
	return n
}

func (t *uidTable) last() int {
	for i := len(t.slots) - 1; i >= 0; i-- {
		if t.slots[i] != 0 {
			return i
		}
	}
	return -1
}

func (t *uidTable) uid(n int) (imap.UID, bool) {
	if n < 0 || n >= len(t.slots) || t.slots[n] == 0 {
		return 0, false
	}
	return t.slots[n], true
}

// set places uid at slot n and returns the UID it displaced, or 0.
func (t *uidTable) set(n int, uid imap.UID) imap.UID {
	for len(t.slots) <= n {
		t.slots = append(t.slots, 0)
	}
	prev := t.slots[n]
	t.slots[n] = uid
	return prev
}

func (t *uidTable) clear(n int) imap.UID {
	uid, ok := t.uid(n)
	if !ok {
		return 0
	}
	t.slots[n] = 0
	for len(t.slots) > 0 && t.slots[len(t.slots)-1] == 0 {
		t.slots = t.slots[:len(t.slots)-1]
	}
	return uid
}

func (t *uidTable) has(uid imap.UID) bool {
	for _, u := range t.slots {
		if u == uid {
			return true
		}
	}
	return false
}
