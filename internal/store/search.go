package store

import (
	"fmt"
	"strings"

	"github.com/mailvault/mailvault/pkg/types"
)

// Read-state filters accepted by SearchMessages.
const (
	ReadStateRead   = "read"
	ReadStateUnread = "unread"
)

// SearchOptions narrows a cached-message search. Zero-valued fields match
// everything: AccountID and FolderID of 0 search across all accounts and
// folders, an empty Query returns every message the filters allow.
type SearchOptions struct {
	AccountID int64
	FolderID  int64
	Query     string
	ReadState string // ReadStateRead, ReadStateUnread, or empty for both
	Limit     int
}

// SearchMessages searches cached message headers. The query matches subject,
// sender and preview text with LIKE; body columns are encrypted at rest and
// cannot be searched, but the preview carries the start of the body. Results
// come back newest first without body content.
func (s *Store) SearchMessages(opts SearchOptions) ([]types.Message, error) {
	var conditions []string
	var args []any

	if opts.AccountID != 0 {
		conditions = append(conditions, "account_id = ?")
		args = append(args, opts.AccountID)
	}
	if opts.FolderID != 0 {
		conditions = append(conditions, "folder_id = ?")
		args = append(args, opts.FolderID)
	}
	switch strings.ToLower(opts.ReadState) {
	case ReadStateRead:
		conditions = append(conditions, "is_read = 1")
	case ReadStateUnread:
		conditions = append(conditions, "is_read = 0")
	}
	if term := strings.TrimSpace(opts.Query); term != "" {
		conditions = append(conditions, "(subject LIKE ? OR sender LIKE ? OR preview_text LIKE ?)")
		pattern := "%" + term + "%"
		args = append(args, pattern, pattern, pattern)
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	args = append(args, limit)

	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT id, account_id, folder_id, uid_on_server, sender, recipients,
		       subject, preview_text, sent_at, received_at, is_read, has_attachments, flags
		FROM messages
		%s
		ORDER BY received_at DESC, sent_at DESC
		LIMIT ?`, whereClause), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	defer rows.Close()

	var messages []types.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
