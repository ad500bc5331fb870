package store

import (
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mailvault/mailvault/internal/errs"
	"github.com/mailvault/mailvault/pkg/types"
)

// UpsertMessage inserts or updates a message header. When the message carries
// a row ID the update goes by ID and may change folder and UID (the moved
// message path); otherwise the (account_id, folder_id, uid_on_server)
// identity decides between insert and in-place update, preserving the row ID.
// Body columns are never touched here.
func (s *Store) UpsertMessage(msg types.Message) (types.Message, error) {
	recipients, flags, err := marshalLists(msg)
	if err != nil {
		return types.Message{}, err
	}

	if msg.ID != 0 {
		_, err := s.db.Exec(`
			UPDATE messages SET
				account_id = ?, folder_id = ?, uid_on_server = ?,
				sender = ?, recipients = ?, subject = ?, preview_text = ?,
				sent_at = ?, received_at = ?, is_read = ?, has_attachments = ?, flags = ?
			WHERE id = ?`,
			msg.AccountID, msg.FolderID, msg.UIDOnServer,
			msg.Sender, recipients, msg.Subject, msg.PreviewText,
			formatTime(msg.SentAt), formatTime(msg.ReceivedAt),
			boolToInt(msg.IsRead), boolToInt(msg.HasAttachments), flags,
			msg.ID,
		)
		if err != nil {
			return types.Message{}, fmt.Errorf("failed to update message: %w", err)
		}
		return msg, nil
	}

	_, err = s.db.Exec(`
		INSERT INTO messages (
			account_id, folder_id, uid_on_server, sender, recipients,
			subject, preview_text, sent_at, received_at, is_read,
			has_attachments, flags
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, folder_id, uid_on_server) WHERE uid_on_server > 0 DO UPDATE SET
			sender = excluded.sender,
			recipients = excluded.recipients,
			subject = excluded.subject,
			preview_text = excluded.preview_text,
			sent_at = excluded.sent_at,
			received_at = excluded.received_at,
			is_read = excluded.is_read,
			has_attachments = excluded.has_attachments,
			flags = excluded.flags`,
		msg.AccountID, msg.FolderID, msg.UIDOnServer, msg.Sender, recipients,
		msg.Subject, msg.PreviewText, formatTime(msg.SentAt), formatTime(msg.ReceivedAt),
		boolToInt(msg.IsRead), boolToInt(msg.HasAttachments), flags,
	)
	if err != nil {
		return types.Message{}, fmt.Errorf("failed to upsert message: %w", err)
	}

	err = s.db.QueryRow(`
		SELECT id FROM messages
		WHERE account_id = ? AND folder_id = ? AND uid_on_server = ?
		ORDER BY id DESC LIMIT 1`,
		msg.AccountID, msg.FolderID, msg.UIDOnServer).Scan(&msg.ID)
	if err != nil {
		return types.Message{}, fmt.Errorf("failed to get message ID: %w", err)
	}
	return msg, nil
}

// ListMessages returns message headers in a folder ordered newest first,
// without body content. A negative limit returns every row; SQLite treats
// LIMIT -1 as unbounded.
func (s *Store) ListMessages(folderID int64, limit, offset int) ([]types.Message, error) {
	rows, err := s.db.Query(`
		SELECT id, account_id, folder_id, uid_on_server, sender, recipients,
		       subject, preview_text, sent_at, received_at, is_read, has_attachments, flags
		FROM messages
		WHERE folder_id = ?
		ORDER BY received_at DESC, sent_at DESC
		LIMIT ? OFFSET ?`, folderID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
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

// CountMessages returns the total number of cached messages in a folder.
func (s *Store) CountMessages(folderID int64) (int, error) {
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM messages WHERE folder_id = ?", folderID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

// GetMessage returns a message by ID with its body decrypted.
func (s *Store) GetMessage(id int64) (types.Message, error) {
	row := s.db.QueryRow(`
		SELECT id, account_id, folder_id, uid_on_server, sender, recipients,
		       subject, preview_text, sent_at, received_at, is_read, has_attachments, flags
		FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if err != nil {
		return types.Message{}, err
	}

	var plain, html sql.NullString
	var fetched int
	if err := s.db.QueryRow("SELECT body_plain, body_html, body_fetched FROM messages WHERE id = ?", id).Scan(&plain, &html, &fetched); err != nil {
		return types.Message{}, fmt.Errorf("failed to load message body: %w", err)
	}
	msg.BodyFetched = fetched == 1
	if msg.BodyPlain, err = s.decryptBody(plain); err != nil {
		return types.Message{}, err
	}
	if msg.BodyHTML, err = s.decryptBody(html); err != nil {
		return types.Message{}, err
	}
	return msg, nil
}

// UpdateMessageBody encrypts and stores the fetched body parts, and marks the
// row as fetched so an empty body is not pulled again.
func (s *Store) UpdateMessageBody(id int64, bodyPlain, bodyHTML string) error {
	plain, err := s.encryptBody(bodyPlain)
	if err != nil {
		return err
	}
	html, err := s.encryptBody(bodyHTML)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec("UPDATE messages SET body_plain = ?, body_html = ?, body_fetched = 1 WHERE id = ?", plain, html, id); err != nil {
		return fmt.Errorf("failed to update message body: %w", err)
	}
	return nil
}

// MarkMessageRead updates the read state and the \Seen flag of a cached row.
func (s *Store) MarkMessageRead(id int64, isRead bool) error {
	var flagsJSON sql.NullString
	err := s.db.QueryRow("SELECT flags FROM messages WHERE id = ?", id).Scan(&flagsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: message %d", errs.ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to load message flags: %w", err)
	}

	flags := unmarshalFlags(flagsJSON)
	if isRead {
		flags[types.FlagSeen] = true
	} else {
		delete(flags, types.FlagSeen)
	}
	encoded, err := json.Marshal(flagList(flags))
	if err != nil {
		return fmt.Errorf("failed to marshal flags: %w", err)
	}

	if _, err := s.db.Exec("UPDATE messages SET is_read = ?, flags = ? WHERE id = ?",
		boolToInt(isRead), string(encoded), id); err != nil {
		return fmt.Errorf("failed to mark message read: %w", err)
	}
	return nil
}

// DeleteMessage hard-removes a message; attachments cascade.
func (s *Store) DeleteMessage(id int64) error {
	if _, err := s.db.Exec("DELETE FROM messages WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

func (s *Store) encryptBody(body string) (any, error) {
	if body == "" {
		return nil, nil
	}
	encrypted, err := s.cipher.Encrypt([]byte(body))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt body: %w", err)
	}
	return base64.StdEncoding.EncodeToString(encrypted), nil
}

func (s *Store) decryptBody(stored sql.NullString) (string, error) {
	if !stored.Valid || stored.String == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(stored.String)
	if err != nil {
		return "", fmt.Errorf("%w: malformed body blob", errs.ErrDecryption)
	}
	plaintext, err := s.cipher.Decrypt(raw)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func marshalLists(msg types.Message) (recipients, flags string, err error) {
	r, err := json.Marshal(orEmpty(msg.Recipients))
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal recipients: %w", err)
	}
	f, err := json.Marshal(flagList(msg.Flags))
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal flags: %w", err)
	}
	return string(r), string(f), nil
}

func scanMessage(row rowScanner) (types.Message, error) {
	var msg types.Message
	var recipients, flags, sentAt, receivedAt sql.NullString
	var isRead, hasAttachments int

	err := row.Scan(&msg.ID, &msg.AccountID, &msg.FolderID, &msg.UIDOnServer,
		&msg.Sender, &recipients, &msg.Subject, &msg.PreviewText,
		&sentAt, &receivedAt, &isRead, &hasAttachments, &flags)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Message{}, fmt.Errorf("%w: message", errs.ErrNotFound)
	}
	if err != nil {
		return types.Message{}, fmt.Errorf("failed to scan message: %w", err)
	}

	msg.IsRead = isRead == 1
	msg.HasAttachments = hasAttachments == 1
	if recipients.Valid && recipients.String != "" {
		if err := json.Unmarshal([]byte(recipients.String), &msg.Recipients); err != nil {
			return types.Message{}, fmt.Errorf("failed to unmarshal recipients: %w", err)
		}
	}
	msg.Flags = unmarshalFlags(flags)
	msg.SentAt = scanTime(sentAt)
	msg.ReceivedAt = scanTime(receivedAt)
	return msg, nil
}

func unmarshalFlags(stored sql.NullString) map[string]bool {
	flags := make(map[string]bool)
	if !stored.Valid || stored.String == "" {
		return flags
	}
	var list []string
	if err := json.Unmarshal([]byte(stored.String), &list); err != nil {
		return flags
	}
	for _, f := range list {
		flags[f] = true
	}
	return flags
}

func flagList(flags map[string]bool) []string {
	list := make([]string, 0, len(flags))
	for f := range flags {
		list = append(list, f)
	}
	return list
}

func orEmpty(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func scanTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil
	}
	return &t
}
