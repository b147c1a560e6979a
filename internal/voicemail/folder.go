package voicemail

import "strings"

// Folder identifies one of the fixed subdivisions of a mailbox.
type Folder int

const (
	FolderInbox Folder = iota
	FolderOld
	FolderWork
	FolderFamily
	FolderFriends
	FolderCust1
	FolderCust2
	FolderCust3
	FolderCust4
	FolderCust5
	FolderDeleted
	FolderUrgent
)

// unknownFolder is returned by Name for identifiers outside the enumeration.
const unknownFolder = "Unknown"

var folderNames = [...]string{
	FolderInbox:   "INBOX",
	FolderOld:     "Old",
	FolderWork:    "Work",
	FolderFamily:  "Family",
	FolderFriends: "Friends",
	FolderCust1:   "Cust1",
	FolderCust2:   "Cust2",
	FolderCust3:   "Cust3",
	FolderCust4:   "Cust4",
	FolderCust5:   "Cust5",
	FolderDeleted: "Deleted",
	FolderUrgent:  "Urgent",
}

// Name returns the canonical storage name of the folder, or "Unknown" when
// f is out of range.
func (f Folder) Name() string {
	if f < 0 || int(f) >= len(folderNames) {
		return unknownFolder
	}
	return folderNames[f]
}

// String implements fmt.Stringer.
func (f Folder) String() string {
	return f.Name()
}

// Valid reports whether f is part of the enumeration.
func (f Folder) Valid() bool {
	return f >= 0 && int(f) < len(folderNames)
}

// ResolveFolder maps a folder name to its identifier, ignoring case.
// Unrecognised names resolve to the Inbox.
func ResolveFolder(name string) Folder {
	name = strings.TrimSpace(name)
	for i, n := range folderNames {
		if strings.EqualFold(n, name) {
			return Folder(i)
		}
	}
	return FolderInbox
}

// Folders returns every folder in enumeration order.
func Folders() []Folder {
	out := make([]Folder, len(folderNames))
	for i := range folderNames {
		out[i] = Folder(i)
	}
	return out
}
