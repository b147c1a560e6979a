package voicemail

import "testing"

func TestFolderName(t *testing.T) {
	tests := []struct {
		f    Folder
		want string
	}{
		{FolderInbox, "INBOX"},
		{FolderOld, "Old"},
		{FolderCust5, "Cust5"},
		{FolderDeleted, "Deleted"},
		{FolderUrgent, "Urgent"},
		{Folder(-1), "Unknown"},
		{Folder(12), "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.f.Name(); got != tt.want {
			t.Errorf("Folder(%d).Name() = %q, want %q", int(tt.f), got, tt.want)
		}
	}
}

func TestResolveFolder(t *testing.T) {
	tests := []struct {
		name string
		want Folder
	}{
		{"INBOX", FolderInbox},
		{"inbox", FolderInbox},
		{"old", FolderOld},
		{" Family ", FolderFamily},
		{"deleted", FolderDeleted},
		{"Urgent", FolderUrgent},
		{"Spam", FolderInbox},
		{"", FolderInbox},
	}
	for _, tt := range tests {
		if got := ResolveFolder(tt.name); got != tt.want {
			t.Errorf("ResolveFolder(%q) = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestFoldersRoundTripNames(t *testing.T) {
	all := Folders()
	if len(all) != 12 {
		t.Fatalf("Folders() returned %d folders, want 12", len(all))
	}
	for _, f := range all {
		if !f.Valid() {
			t.Errorf("%d not valid", int(f))
		}
		if got := ResolveFolder(f.Name()); got != f {
			t.Errorf("ResolveFolder(%q) = %s", f.Name(), got)
		}
	}
}
