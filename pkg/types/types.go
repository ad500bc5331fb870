package types

import "time"

// Auth types for an account's stored credential.
const (
	AuthOAuth    = "oauth"
	AuthPassword = "password"
)

// Account represents a configured mailbox identity.
type Account struct {
	ID           int64      `json:"id"`
	DisplayName  string     `json:"display_name"`
	EmailAddress string     `json:"email_address"`
	Provider     string     `json:"provider"` // "gmail", "outlook", "yahoo", "custom"
	IMAPHost     string     `json:"imap_host"`
	SMTPHost     string     `json:"smtp_host"`
	AuthType     string     `json:"auth_type"`
	CreatedAt    *time.Time `json:"created_at,omitempty"`
	IsDefault    bool       `json:"is_default"`
}

// Folder represents a mailbox folder scoped to one account.
// (AccountID, ServerPath) is the identity key used for upserts.
type Folder struct {
	ID             int64  `json:"id"`
	AccountID      int64  `json:"account_id"`
	Name           string `json:"name"`
	ServerPath     string `json:"server_path"`
	UnreadCount    int    `json:"unread_count"`
	IsSystemFolder bool   `json:"is_system_folder"`

	// UIDValidity is the server's UIDVALIDITY value recorded at the last
	// sync. A change invalidates every cached UID in the folder.
	UIDValidity uint32 `json:"uid_validity,omitempty"`
}

// IncrementUnread bumps the unread count by one.
func (f *Folder) IncrementUnread() { f.UnreadCount++ }

// DecrementUnread lowers the unread count, never below zero.
func (f *Folder) DecrementUnread() {
	if f.UnreadCount > 0 {
		f.UnreadCount--
	}
}

// Message represents an email message header, with body fields populated
// only after a lazy body fetch. (AccountID, FolderID, UIDOnServer) is the
// identity key used for upsert-based reconciliation. UIDOnServer == 0 means
// the message is waiting for a real UID from the next sync pass (set after
// a cross-folder move, since UID COPY assigns a new UID the client does not
// learn synchronously).
type Message struct {
	ID             int64           `json:"id"`
	AccountID      int64           `json:"account_id"`
	FolderID       int64           `json:"folder_id"`
	UIDOnServer    uint32          `json:"uid_on_server"`
	Sender         string          `json:"sender"`
	Recipients     []string        `json:"recipients"`
	Subject        string          `json:"subject"`
	PreviewText    string          `json:"preview_text"`
	SentAt         *time.Time      `json:"sent_at,omitempty"`
	ReceivedAt     *time.Time      `json:"received_at,omitempty"`
	IsRead         bool            `json:"is_read"`
	HasAttachments bool            `json:"has_attachments"`
	Flags          map[string]bool `json:"flags,omitempty"`
	BodyPlain      string          `json:"body_plain,omitempty"`
	BodyHTML       string          `json:"body_html,omitempty"`

	// BodyFetched records that the body has been pulled from the server,
	// even when both parts came back empty.
	BodyFetched bool `json:"body_fetched,omitempty"`
}

// Standard IMAP flags the client cares about.
const (
	FlagSeen    = `\Seen`
	FlagFlagged = `\Flagged`
	FlagDeleted = `\Deleted`
)

// HasServerUID reports whether the message has been assigned a real UID.
// IMAP UIDs start at 1, so zero is a safe "pending" sentinel.
func (m *Message) HasServerUID() bool { return m.UIDOnServer > 0 }

// SetFlag adds a flag to the message's flag set.
func (m *Message) SetFlag(flag string) {
	if m.Flags == nil {
		m.Flags = make(map[string]bool)
	}
	m.Flags[flag] = true
}

// HasFlag reports whether the message carries the given flag.
func (m Message) HasFlag(flag string) bool { return m.Flags[flag] }

// MarkRead marks the message as read and records \Seen.
func (m *Message) MarkRead() {
	m.IsRead = true
	m.SetFlag(FlagSeen)
}

// MarkUnread marks the message as unread and drops \Seen.
func (m *Message) MarkUnread() {
	m.IsRead = false
	delete(m.Flags, FlagSeen)
}

// ToggleStarred flips the \Flagged state.
func (m *Message) ToggleStarred() {
	if m.HasFlag(FlagFlagged) {
		delete(m.Flags, FlagFlagged)
	} else {
		m.SetFlag(FlagFlagged)
	}
}

// IsStarred reports whether the message is flagged.
func (m *Message) IsStarred() bool { return m.HasFlag(FlagFlagged) }

// Attachment represents a file attached to a cached message. Attachments are
// owned by their message and removed in cascade with it.
type Attachment struct {
	ID          int64  `json:"id"`
	MessageID   int64  `json:"message_id"`
	Filename    string `json:"filename"`
	MimeType    string `json:"mime_type"`
	SizeBytes   int64  `json:"size_bytes"`
	LocalPath   string `json:"local_path,omitempty"`
	IsEncrypted bool   `json:"is_encrypted"`
}

// TokenBundle is the unit of OAuth credential storage: access token, optional
// refresh token and expiry. It is only ever persisted as an encrypted blob.
type TokenBundle struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}
