package imapclient

import (
	"fmt"
	"mime"
	"sort"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/utf7"

	"github.com/mailvault/mailvault/internal/errs"
	"github.com/mailvault/mailvault/pkg/types"
)

// displayNames maps well-known server paths to the names shown to users.
// Gmail nests its system folders under the [Gmail] namespace.
var displayNames = map[string]string{
	"INBOX":              "Inbox",
	"[Gmail]/Sent Mail":  "Sent",
	"[Gmail]/Drafts":     "Drafts",
	"[Gmail]/Trash":      "Trash",
	"[Gmail]/Spam":       "Spam",
	"[Gmail]/Starred":    "Starred",
	"[Gmail]/Important":  "Important",
	"[Gmail]/All Mail":   "All Mail",
	"Sent":               "Sent",
	"Sent Items":         "Sent",
	"Drafts":             "Drafts",
	"Trash":              "Trash",
	"Deleted Items":      "Trash",
	"Junk":               "Spam",
	"Junk Email":         "Spam",
	"Spam":               "Spam",
	"Archive":            "Archive",
}

// folderAlternates lists equivalent server paths per logical folder. Servers
// differ on where they keep sent and trash; selection tries each in order.
var folderAlternates = map[string][]string{
	"Sent":   {"[Gmail]/Sent Mail", "Sent", "Sent Items", "Sent Messages"},
	"Drafts": {"[Gmail]/Drafts", "Drafts"},
	"Trash":  {"[Gmail]/Trash", "Trash", "Deleted Items", "Deleted Messages"},
	"Spam":   {"[Gmail]/Spam", "Spam", "Junk", "Junk Email"},
}

// systemFolderMarkers classify a path as a system folder the server owns.
var systemFolderMarkers = []string{"INBOX", "SENT", "DRAFT", "TRASH", "DELETED", "SPAM", "JUNK", "STARRED", "IMPORTANT", "ARCHIVE", "ALL MAIL"}

// decodeMailboxName renders a mailbox name in UTF-8. LIST responses carry
// modified UTF-7 names, and a few servers put MIME encoded-words in them too.
// Names that decode as neither pass through unchanged.
func decodeMailboxName(name string) string {
	if decoded, err := utf7.Encoding.NewDecoder().String(name); err == nil {
		name = decoded
	}
	if decoded, err := new(mime.WordDecoder).DecodeHeader(name); err == nil {
		name = decoded
	}
	return name
}

// DisplayName maps a server path to a human-readable folder name.
func DisplayName(serverPath string) string {
	path := decodeMailboxName(serverPath)
	if name, ok := displayNames[path]; ok {
		return name
	}
	// Nested custom folders show only the leaf segment.
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		return path[idx+1:]
	}
	return path
}

// IsSystemFolder reports whether a server path denotes a folder the server
// manages. System folders cannot be renamed or deleted.
func IsSystemFolder(serverPath string) bool {
	upper := strings.ToUpper(serverPath)
	for _, marker := range systemFolderMarkers {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}

// selectCandidates returns the server paths to try when selecting a folder,
// most likely first. Exact path always leads.
func selectCandidates(serverPath string) []string {
	candidates := []string{serverPath}
	for _, alts := range folderAlternates {
		for _, alt := range alts {
			if alt != serverPath {
				continue
			}
			for _, other := range alts {
				if other != serverPath {
					candidates = append(candidates, other)
				}
			}
		}
	}
	return candidates
}

// ListFolders enumerates the mailboxes on the server, skipping non-selectable
// namespace placeholders like the bare [Gmail] container.
func (c *Client) ListFolders() ([]types.Folder, error) {
	if err := c.ensureConnected(); err != nil {
		return nil, err
	}

	mailboxes := make(chan *imap.MailboxInfo, 32)
	done := make(chan error, 1)
	go func() {
		done <- c.conn.List("", "*", mailboxes)
	}()

	var folders []types.Folder
	for mbox := range mailboxes {
		if hasAttr(mbox, imap.NoSelectAttr) {
			continue
		}
		folders = append(folders, types.Folder{
			AccountID:      c.account.ID,
			Name:           DisplayName(mbox.Name),
			ServerPath:     mbox.Name,
			IsSystemFolder: IsSystemFolder(mbox.Name),
		})
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("%w: LIST failed: %v", errs.ErrConnection, err)
	}

	sort.Slice(folders, func(i, j int) bool {
		return folderRank(folders[i]) < folderRank(folders[j])
	})

	c.logger.WithField("count", len(folders)).Debug("Listed IMAP folders")
	return folders, nil
}

// folderRank orders folders inbox-first, system folders before custom ones,
// then alphabetically.
func folderRank(f types.Folder) string {
	switch {
	case strings.EqualFold(f.ServerPath, "INBOX"):
		return "0"
	case f.IsSystemFolder:
		return "1" + f.Name
	default:
		return "2" + f.Name
	}
}

func hasAttr(mbox *imap.MailboxInfo, attr string) bool {
	for _, a := range mbox.Attributes {
		if strings.EqualFold(a, attr) {
			return true
		}
	}
	return false
}

// selectFolder selects a mailbox, trying known alternate paths when the
// primary one does not exist on this server. Returns the selected status and
// the path that worked.
func (c *Client) selectFolder(serverPath string, readOnly bool) (*imap.MailboxStatus, string, error) {
	var lastErr error
	for _, candidate := range selectCandidates(serverPath) {
		status, err := c.conn.Select(candidate, readOnly)
		if err == nil {
			return status, candidate, nil
		}
		lastErr = err
	}
	return nil, "", fmt.Errorf("%w: cannot select %q: %v", errs.ErrOperation, serverPath, lastErr)
}

// CreateFolder creates a mailbox on the server.
func (c *Client) CreateFolder(serverPath string) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}
	if err := c.conn.Create(serverPath); err != nil {
		return fmt.Errorf("%w: CREATE %q: %v", errs.ErrOperation, serverPath, err)
	}
	return nil
}

// RenameFolder renames a mailbox on the server.
func (c *Client) RenameFolder(oldPath, newPath string) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}
	if err := c.conn.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("%w: RENAME %q to %q: %v", errs.ErrOperation, oldPath, newPath, err)
	}
	return nil
}

// DeleteFolder removes a mailbox from the server.
func (c *Client) DeleteFolder(serverPath string) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}
	if err := c.conn.Delete(serverPath); err != nil {
		return fmt.Errorf("%w: DELETE %q: %v", errs.ErrOperation, serverPath, err)
	}
	return nil
}
