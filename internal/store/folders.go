package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/mailvault/mailvault/internal/errs"
	"github.com/mailvault/mailvault/pkg/types"
)

// UpsertFolder inserts or updates a folder by its (account_id, server_path)
// identity, preserving the row ID on update.
func (s *Store) UpsertFolder(folder types.Folder) (types.Folder, error) {
	_, err := s.db.Exec(`
		INSERT INTO folders (account_id, name, server_path, unread_count, is_system_folder, uid_validity)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, server_path) DO UPDATE SET
			name = excluded.name,
			unread_count = excluded.unread_count,
			is_system_folder = excluded.is_system_folder,
			uid_validity = excluded.uid_validity`,
		folder.AccountID, folder.Name, folder.ServerPath, folder.UnreadCount,
		boolToInt(folder.IsSystemFolder), folder.UIDValidity,
	)
	if err != nil {
		return types.Folder{}, fmt.Errorf("failed to upsert folder: %w", err)
	}

	err = s.db.QueryRow("SELECT id FROM folders WHERE account_id = ? AND server_path = ?",
		folder.AccountID, folder.ServerPath).Scan(&folder.ID)
	if err != nil {
		return types.Folder{}, fmt.Errorf("failed to get folder ID: %w", err)
	}
	return folder, nil
}

// ListFolders returns all folders for an account ordered by name.
func (s *Store) ListFolders(accountID int64) ([]types.Folder, error) {
	rows, err := s.db.Query(`
		SELECT id, account_id, name, server_path, unread_count, is_system_folder, uid_validity
		FROM folders WHERE account_id = ? ORDER BY name`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query folders: %w", err)
	}
	defer rows.Close()

	var folders []types.Folder
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, err
		}
		folders = append(folders, f)
	}
	return folders, rows.Err()
}

// GetFolder returns the folder with the given ID.
func (s *Store) GetFolder(id int64) (types.Folder, error) {
	row := s.db.QueryRow(`
		SELECT id, account_id, name, server_path, unread_count, is_system_folder, uid_validity
		FROM folders WHERE id = ?`, id)
	return scanFolder(row)
}

// RenameFolder changes a folder's display name and server path in place,
// keeping the row ID and its messages.
func (s *Store) RenameFolder(id int64, name, serverPath string) error {
	res, err := s.db.Exec("UPDATE folders SET name = ?, server_path = ? WHERE id = ?", name, serverPath, id)
	if err != nil {
		return fmt.Errorf("failed to rename folder: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: folder %d", errs.ErrNotFound, id)
	}
	return nil
}

// DeleteFolder removes a folder and cascades to its messages.
func (s *Store) DeleteFolder(id int64) error {
	if _, err := s.db.Exec("DELETE FROM folders WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete folder: %w", err)
	}
	return nil
}

// ClearFolderMessages drops every cached message in a folder. Used when the
// server's UIDVALIDITY changes and cached UIDs can no longer be trusted.
func (s *Store) ClearFolderMessages(folderID int64) error {
	if _, err := s.db.Exec("DELETE FROM messages WHERE folder_id = ?", folderID); err != nil {
		return fmt.Errorf("failed to clear folder messages: %w", err)
	}
	return nil
}

func scanFolder(row rowScanner) (types.Folder, error) {
	var f types.Folder
	var system int
	err := row.Scan(&f.ID, &f.AccountID, &f.Name, &f.ServerPath, &f.UnreadCount, &system, &f.UIDValidity)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Folder{}, fmt.Errorf("%w: folder", errs.ErrNotFound)
	}
	if err != nil {
		return types.Folder{}, fmt.Errorf("failed to scan folder: %w", err)
	}
	f.IsSystemFolder = system == 1
	return f, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
