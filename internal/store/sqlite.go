// Package store is the local persistent cache: accounts, folders, message
// headers and bodies, attachments and settings, backed by SQLite. Writes are
// single-statement and atomic; token bundles and message bodies pass through
// the injected cipher so they never hit disk in the clear.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/mailvault/mailvault/internal/crypto"
)

// Store provides access to the cache database.
type Store struct {
	db     *sql.DB
	cipher *crypto.Cipher
	logger *logrus.Logger
}

// Open opens (creating if necessary) the cache database at dbPath.
func Open(dbPath string, cipher *crypto.Cipher, logger *logrus.Logger) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// UI reads while sync writes; WAL gives single-writer/multi-reader.
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{db: db, cipher: cipher, logger: logger}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.WithField("path", dbPath).Info("Cache initialized")
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
