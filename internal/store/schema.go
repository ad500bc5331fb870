package store

// schema contains the SQL schema for the cache database.
const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    display_name TEXT NOT NULL,
    email_address TEXT NOT NULL UNIQUE,
    provider TEXT NOT NULL,
    imap_host TEXT NOT NULL,
    smtp_host TEXT NOT NULL,
    encrypted_credential TEXT,
    auth_type TEXT NOT NULL DEFAULT 'oauth',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    is_default INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS folders (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id INTEGER NOT NULL,
    name TEXT NOT NULL,
    server_path TEXT NOT NULL,
    unread_count INTEGER NOT NULL DEFAULT 0,
    is_system_folder INTEGER NOT NULL DEFAULT 0,
    uid_validity INTEGER NOT NULL DEFAULT 0,
    FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE,
    UNIQUE(account_id, server_path)
);

CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id INTEGER NOT NULL,
    folder_id INTEGER NOT NULL,
    uid_on_server INTEGER NOT NULL DEFAULT 0,
    sender TEXT,
    recipients TEXT,
    subject TEXT,
    preview_text TEXT,
    sent_at DATETIME,
    received_at DATETIME,
    is_read INTEGER NOT NULL DEFAULT 0,
    has_attachments INTEGER NOT NULL DEFAULT 0,
    flags TEXT,
    body_plain TEXT,
    body_html TEXT,
    body_fetched INTEGER NOT NULL DEFAULT 0,
    FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE,
    FOREIGN KEY (folder_id) REFERENCES folders(id) ON DELETE CASCADE
);

-- UID 0 is the "awaiting a real UID" placeholder after a cross-folder move,
-- so uniqueness only applies to assigned UIDs.
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_identity
    ON messages(account_id, folder_id, uid_on_server)
    WHERE uid_on_server > 0;

CREATE TABLE IF NOT EXISTS attachments (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    message_id INTEGER NOT NULL,
    filename TEXT NOT NULL,
    mime_type TEXT,
    size_bytes INTEGER NOT NULL DEFAULT 0,
    local_path TEXT,
    is_encrypted INTEGER NOT NULL DEFAULT 0,
    FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_messages_folder_id ON messages(folder_id);
CREATE INDEX IF NOT EXISTS idx_messages_received_at ON messages(received_at);
CREATE INDEX IF NOT EXISTS idx_folders_account_id ON folders(account_id);
CREATE INDEX IF NOT EXISTS idx_attachments_message_id ON attachments(message_id);
CREATE INDEX IF NOT EXISTS idx_accounts_default ON accounts(is_default);
`
