package models

// VoiceMessage is the row describing one stored voice message. Dir is the
// "context/mailbox/Folder" location and MsgNum the dense index within it.
type VoiceMessage struct {
	Dir            string
	MsgNum         int
	Context        string
	MacroContext   string
	CallerID       string
	OrigTime       int64 // unix seconds
	Duration       int
	MailboxUser    string
	MailboxContext string
	Exten          string
	Priority       int
	CallerChan     string
	Category       string
}

// VoiceMessageAudio holds the audio of a message in one format.
type VoiceMessageAudio struct {
	Format    string
	Recording []byte
}

// VoicemailUser is a mailbox managed in the realtime table.
type VoicemailUser struct {
	UniqueID int64
	Context  string
	Mailbox  string
	Password string // plaintext or argon2id hash
	FullName string
	Email    string
	Pager    string
	Options  string // "key=value|key=value"
}
