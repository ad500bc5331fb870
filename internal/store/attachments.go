package store

import (
	"database/sql"
	"fmt"

	"github.com/mailvault/mailvault/pkg/types"
)

// AddAttachment records an attachment for a cached message.
func (s *Store) AddAttachment(att types.Attachment) (types.Attachment, error) {
	result, err := s.db.Exec(`
		INSERT INTO attachments (message_id, filename, mime_type, size_bytes, local_path, is_encrypted)
		VALUES (?, ?, ?, ?, ?, ?)`,
		att.MessageID, att.Filename, att.MimeType, att.SizeBytes, att.LocalPath, boolToInt(att.IsEncrypted),
	)
	if err != nil {
		return types.Attachment{}, fmt.Errorf("failed to add attachment: %w", err)
	}
	att.ID, err = result.LastInsertId()
	if err != nil {
		return types.Attachment{}, fmt.Errorf("failed to add attachment: %w", err)
	}
	return att, nil
}

// ListAttachments returns all attachments for a message ordered by filename.
func (s *Store) ListAttachments(messageID int64) ([]types.Attachment, error) {
	rows, err := s.db.Query(`
		SELECT id, message_id, filename, mime_type, size_bytes, local_path, is_encrypted
		FROM attachments WHERE message_id = ? ORDER BY filename`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attachments: %w", err)
	}
	defer rows.Close()

	var attachments []types.Attachment
	for rows.Next() {
		var att types.Attachment
		var mimeType, localPath sql.NullString
		var encrypted int
		if err := rows.Scan(&att.ID, &att.MessageID, &att.Filename, &mimeType,
			&att.SizeBytes, &localPath, &encrypted); err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		att.MimeType = mimeType.String
		att.LocalPath = localPath.String
		att.IsEncrypted = encrypted == 1
		attachments = append(attachments, att)
	}
	return attachments, rows.Err()
}
