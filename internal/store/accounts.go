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

// providerHosts maps a provider tag to its well-known IMAP/SMTP hostnames.
var providerHosts = map[string][2]string{
	"gmail":   {"imap.gmail.com", "smtp.gmail.com"},
	"outlook": {"outlook.office365.com", "smtp.office365.com"},
	"yahoo":   {"imap.mail.yahoo.com", "smtp.mail.yahoo.com"},
	"custom":  {"", ""},
}

// ProviderHosts returns the default IMAP and SMTP hosts for a provider tag.
func ProviderHosts(provider string) (imapHost, smtpHost string, err error) {
	hosts, ok := providerHosts[provider]
	if !ok {
		return "", "", fmt.Errorf("%w: unknown provider %q", errs.ErrOperation, provider)
	}
	return hosts[0], hosts[1], nil
}

// CreateOAuthAccount registers a new OAuth-backed account. The token bundle
// is encrypted before it is stored. The first account created becomes the
// default.
func (s *Store) CreateOAuthAccount(provider, email, displayName string, bundle types.TokenBundle) (types.Account, error) {
	imapHost, smtpHost, err := ProviderHosts(provider)
	if err != nil {
		return types.Account{}, err
	}

	blob, err := s.encryptTokenBundle(bundle)
	if err != nil {
		return types.Account{}, fmt.Errorf("failed to encrypt token bundle: %w", err)
	}

	return s.insertAccount(provider, email, displayName, imapHost, smtpHost, blob, types.AuthOAuth)
}

// CreatePasswordAccount registers a new password-backed account. Empty hosts
// fall back to the provider defaults.
func (s *Store) CreatePasswordAccount(provider, email, password, displayName, imapHost, smtpHost string) (types.Account, error) {
	defIMAP, defSMTP, err := ProviderHosts(provider)
	if err != nil {
		return types.Account{}, err
	}
	if imapHost == "" {
		imapHost = defIMAP
	}
	if smtpHost == "" {
		smtpHost = defSMTP
	}

	encrypted, err := s.cipher.Encrypt([]byte(password))
	if err != nil {
		return types.Account{}, fmt.Errorf("failed to encrypt password: %w", err)
	}
	blob := base64.StdEncoding.EncodeToString(encrypted)

	return s.insertAccount(provider, email, displayName, imapHost, smtpHost, blob, types.AuthPassword)
}

func (s *Store) insertAccount(provider, email, displayName, imapHost, smtpHost, credential, authType string) (types.Account, error) {
	var exists int64
	err := s.db.QueryRow("SELECT COUNT(*) FROM accounts WHERE email_address = ?", email).Scan(&exists)
	if err != nil {
		return types.Account{}, fmt.Errorf("failed to check account: %w", err)
	}
	if exists > 0 {
		return types.Account{}, fmt.Errorf("%w: %s", errs.ErrAccountExists, email)
	}

	var total int64
	if err := s.db.QueryRow("SELECT COUNT(*) FROM accounts").Scan(&total); err != nil {
		return types.Account{}, fmt.Errorf("failed to count accounts: %w", err)
	}
	isDefault := 0
	if total == 0 {
		isDefault = 1
	}

	result, err := s.db.Exec(`
		INSERT INTO accounts (display_name, email_address, provider, imap_host, smtp_host, encrypted_credential, auth_type, is_default)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		displayName, email, provider, imapHost, smtpHost, credential, authType, isDefault,
	)
	if err != nil {
		return types.Account{}, fmt.Errorf("failed to create account: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return types.Account{}, fmt.Errorf("failed to create account: %w", err)
	}
	return s.GetAccount(id)
}

// GetAccount returns the account with the given ID.
func (s *Store) GetAccount(id int64) (types.Account, error) {
	row := s.db.QueryRow(`
		SELECT id, display_name, email_address, provider, imap_host, smtp_host, auth_type, created_at, is_default
		FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

// GetDefaultAccount returns the default account, or errs.ErrNotFound when no
// account exists.
func (s *Store) GetDefaultAccount() (types.Account, error) {
	row := s.db.QueryRow(`
		SELECT id, display_name, email_address, provider, imap_host, smtp_host, auth_type, created_at, is_default
		FROM accounts WHERE is_default = 1 LIMIT 1`)
	return scanAccount(row)
}

// ListAccounts returns all accounts ordered by creation time.
func (s *Store) ListAccounts() ([]types.Account, error) {
	rows, err := s.db.Query(`
		SELECT id, display_name, email_address, provider, imap_host, smtp_host, auth_type, created_at, is_default
		FROM accounts ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []types.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

// SetDefaultAccount marks the given account as default, clearing any other.
func (s *Store) SetDefaultAccount(id int64) error {
	if _, err := s.GetAccount(id); err != nil {
		return err
	}
	if _, err := s.db.Exec("UPDATE accounts SET is_default = 0"); err != nil {
		return fmt.Errorf("failed to clear default account: %w", err)
	}
	if _, err := s.db.Exec("UPDATE accounts SET is_default = 1 WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to set default account: %w", err)
	}
	return nil
}

// DeleteAccount removes an account and all of its cached data. Deleting the
// default account promotes the oldest remaining account to default.
func (s *Store) DeleteAccount(id int64) error {
	acc, err := s.GetAccount(id)
	if err != nil {
		return err
	}

	if _, err := s.db.Exec("DELETE FROM accounts WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}

	if acc.IsDefault {
		var oldest int64
		err := s.db.QueryRow("SELECT id FROM accounts ORDER BY created_at ASC, id ASC LIMIT 1").Scan(&oldest)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return nil
		case err != nil:
			return fmt.Errorf("failed to promote default account: %w", err)
		}
		if _, err := s.db.Exec("UPDATE accounts SET is_default = 1 WHERE id = ?", oldest); err != nil {
			return fmt.Errorf("failed to promote default account: %w", err)
		}
	}
	return nil
}

// TokenBundle decrypts and returns the stored token bundle for an OAuth
// account. Returns nil when the account has no stored bundle.
func (s *Store) TokenBundle(accountID int64) (*types.TokenBundle, error) {
	blob, authType, err := s.credential(accountID)
	if err != nil {
		return nil, err
	}
	if authType != types.AuthOAuth {
		return nil, fmt.Errorf("%w: account %d is not an OAuth account", errs.ErrOperation, accountID)
	}
	if blob == "" {
		return nil, nil
	}

	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed token blob", errs.ErrDecryption)
	}
	plaintext, err := s.cipher.Decrypt(raw)
	if err != nil {
		return nil, err
	}

	var bundle types.TokenBundle
	if err := json.Unmarshal(plaintext, &bundle); err != nil {
		return nil, fmt.Errorf("%w: malformed token bundle", errs.ErrDecryption)
	}
	return &bundle, nil
}

// UpdateTokenBundle re-encrypts and stores a refreshed token bundle.
func (s *Store) UpdateTokenBundle(accountID int64, bundle types.TokenBundle) error {
	if _, err := s.GetAccount(accountID); err != nil {
		return err
	}
	blob, err := s.encryptTokenBundle(bundle)
	if err != nil {
		return fmt.Errorf("failed to encrypt token bundle: %w", err)
	}
	if _, err := s.db.Exec("UPDATE accounts SET encrypted_credential = ? WHERE id = ?", blob, accountID); err != nil {
		return fmt.Errorf("failed to update token bundle: %w", err)
	}
	return nil
}

// Password decrypts and returns the stored password for a password account.
func (s *Store) Password(accountID int64) (string, error) {
	blob, authType, err := s.credential(accountID)
	if err != nil {
		return "", err
	}
	if authType != types.AuthPassword {
		return "", fmt.Errorf("%w: account %d is not a password account", errs.ErrOperation, accountID)
	}
	if blob == "" {
		return "", nil
	}

	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", fmt.Errorf("%w: malformed credential blob", errs.ErrDecryption)
	}
	plaintext, err := s.cipher.Decrypt(raw)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (s *Store) credential(accountID int64) (blob, authType string, err error) {
	var stored sql.NullString
	err = s.db.QueryRow("SELECT encrypted_credential, auth_type FROM accounts WHERE id = ?", accountID).
		Scan(&stored, &authType)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", fmt.Errorf("%w: account %d", errs.ErrNotFound, accountID)
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to load credential: %w", err)
	}
	return stored.String, authType, nil
}

func (s *Store) encryptTokenBundle(bundle types.TokenBundle) (string, error) {
	payload, err := json.Marshal(bundle)
	if err != nil {
		return "", err
	}
	encrypted, err := s.cipher.Encrypt(payload)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(encrypted), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (types.Account, error) {
	var acc types.Account
	var createdAt sql.NullString
	var isDefault int
	err := row.Scan(&acc.ID, &acc.DisplayName, &acc.EmailAddress, &acc.Provider,
		&acc.IMAPHost, &acc.SMTPHost, &acc.AuthType, &createdAt, &isDefault)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Account{}, fmt.Errorf("%w: account", errs.ErrNotFound)
	}
	if err != nil {
		return types.Account{}, fmt.Errorf("failed to scan account: %w", err)
	}

	acc.IsDefault = isDefault == 1
	if createdAt.Valid {
		if t, err := parseTime(createdAt.String); err == nil {
			acc.CreatedAt = &t
		}
	}
	return acc, nil
}

func parseTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", v)
}
